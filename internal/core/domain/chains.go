package domain

type ChainID string

const (
	ChainIDArbitrumOne     ChainID = "42161"
	ChainIDArbitrumNova    ChainID = "42170"
	ChainIDArbitrumSepolia ChainID = "421614"
)

// ChainNames maps supported chain IDs to display names.
var ChainNames = map[ChainID]string{
	ChainIDArbitrumOne:     "arbitrum-one",
	ChainIDArbitrumNova:    "arbitrum-nova",
	ChainIDArbitrumSepolia: "arbitrum-sepolia",
}
