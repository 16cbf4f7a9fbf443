package gin

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// directSettlementSchema describes the signed-transfer bundle accepted by
// POST /x402/settle when no authorizationId is given.
const directSettlementSchema = `{
  "type": "object",
  "required": ["signature", "from", "to", "value", "validAfter", "validBefore", "nonce", "chainId", "token"],
  "properties": {
    "signature":   {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
    "from":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "to":          {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "token":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "value":       {"type": "string", "pattern": "^[0-9]{1,78}$"},
    "validAfter":  {"type": "integer", "minimum": 0},
    "validBefore": {"type": "integer", "minimum": 1},
    "nonce":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{1,64}$"},
    "chainId":     {"type": "integer", "minimum": 1}
  }
}`

var directSettlementLoader = gojsonschema.NewStringLoader(directSettlementSchema)

// validateDirectSettlement checks body against the bundle schema and
// returns every violation in one message.
func validateDirectSettlement(body []byte) error {
	result, err := gojsonschema.Validate(directSettlementLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
