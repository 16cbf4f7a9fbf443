package x402

import "math/big"

const (
	// DefaultRelayerFeeBps is charged on relayer settlements (0.1%)
	DefaultRelayerFeeBps = 10

	bpsDenominator = 10000
)

// CalculateFee returns ceil(amount * bps / 10000). Any positive amount with a
// positive rate pays at least one base unit.
func CalculateFee(amount *big.Int, bps int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	den := big.NewInt(bpsDenominator)
	fee, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() > 0 {
		fee.Add(fee, big.NewInt(1))
	}
	return fee
}

// feeForMethod returns the fee charged for settling amount through method.
func feeForMethod(method SettlementMethod, amount *big.Int, route RouteConfig) *big.Int {
	if method == MethodCDP {
		return big.NewInt(0)
	}
	return CalculateFee(amount, route.FeeBps)
}
