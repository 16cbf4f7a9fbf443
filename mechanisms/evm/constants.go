package evm

const (
	// Primary type signed by EIP-3009 tokens
	PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// SignatureLength is the byte length of an r||s||v ECDSA signature
	SignatureLength = 65

	// NonceLength is the byte length of an EIP-3009 nonce
	NonceLength = 32
)

// Chain IDs with a registered USDC deployment
const (
	ChainIDEthereum    int64 = 1
	ChainIDOptimism    int64 = 10
	ChainIDPolygon     int64 = 137
	ChainIDArbitrum    int64 = 42161
	ChainIDBase        int64 = 8453
	ChainIDBaseSepolia int64 = 84532
)

var (
	// ChainConfigs lists every chain the service can build typed data for.
	//
	// Only EIP-3009 capable stablecoins are registered; the domain name and
	// version must match the deployed token exactly or recovered signers will
	// not match on-chain verification.
	ChainConfigs = map[int64]ChainConfig{
		ChainIDEthereum: {
			ChainID: ChainIDEthereum,
			Name:    "ethereum",
			Network: "eip155:1",
			USDC: AssetInfo{
				Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		ChainIDOptimism: {
			ChainID: ChainIDOptimism,
			Name:    "optimism",
			Network: "eip155:10",
			USDC: AssetInfo{
				Address:  "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		ChainIDPolygon: {
			ChainID: ChainIDPolygon,
			Name:    "polygon",
			Network: "eip155:137",
			USDC: AssetInfo{
				Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		ChainIDArbitrum: {
			ChainID: ChainIDArbitrum,
			Name:    "arbitrum",
			Network: "eip155:42161",
			USDC: AssetInfo{
				Address:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		// Base Mainnet
		ChainIDBase: {
			ChainID: ChainIDBase,
			Name:    "base",
			Network: "eip155:8453",
			USDC: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet
		ChainIDBaseSepolia: {
			ChainID: ChainIDBaseSepolia,
			Name:    "base-sepolia",
			Network: "eip155:84532",
			USDC: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// TransferWithAuthorizationTypes returns the EIP-712 type table shared by
// signing and recovery.
func TransferWithAuthorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		PrimaryTypeTransferWithAuthorization: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}
