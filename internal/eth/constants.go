package eth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Token addresses: Ethereum mainnet
var (
	WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDCAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDTAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAIAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WBTCAddress = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
)

const (
	WETHDecimals = 18
	USDCDecimals = 6
	USDTDecimals = 6
	DAIDecimals  = 18
	WBTCDecimals = 8
)

// TokenInfo bundles address + decimals for easy lookup
type TokenInfo struct {
	Address  common.Address
	Decimals uint8
	Symbol   string
}

// KnownTokens: lookup by symbol string, also used to prefill the decimals table
var KnownTokens = map[string]TokenInfo{
	"WETH": {WETHAddress, WETHDecimals, "WETH"},
	"USDC": {USDCAddress, USDCDecimals, "USDC"},
	"USDT": {USDTAddress, USDTDecimals, "USDT"},
	"DAI":  {DAIAddress, DAIDecimals, "DAI"},
	"WBTC": {WBTCAddress, WBTCDecimals, "WBTC"},
}

// ResolveToken accepts either a known symbol or a hex address
func ResolveToken(s string) (common.Address, bool) {
	if info, ok := KnownTokens[s]; ok {
		return info.Address, true
	}
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), true
	}
	return common.Address{}, false
}

// DEXConfig describes a uniswap v2 fork: where to discover pairs and which
// router the bot contract should swap through
type DEXConfig struct {
	Name       string
	Factory    common.Address
	Router     common.Address
	StartBlock uint64
	Fee        uint32
}

// KnownDEXes: tracked Uniswap V2 forks on Ethereum mainnet
var KnownDEXes = []DEXConfig{
	{
		Name:       "uniswap",
		Factory:    common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		Router:     common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		StartBlock: 10000835,
		Fee:        300,
	},
	{
		Name:       "sushiswap",
		Factory:    common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
		Router:     common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"),
		StartBlock: 10794229,
		Fee:        300,
	},
	{
		Name:       "shibaswap",
		Factory:    common.HexToAddress("0x115934131916C8b277DD010Ee02de363c09d037c"),
		Router:     common.HexToAddress("0x03f7724180AA6b939894B5Ca4314783B0b36b329"),
		StartBlock: 12771526,
		Fee:        300,
	},
}

// flashloan sources
var (
	BalancerVault = common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8")
)

// event topics
var (
	SyncEventTopic        = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
	SwapEventTopic        = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	PairCreatedEventTopic = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))
)

// Uniswap V2 Pair ABI: reserves, tokens and the Sync event
const UniswapV2PairABI = `[
	{
		"constant": true,
		"inputs": [],
		"name": "getReserves",
		"outputs": [
			{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
			{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
			{"internalType": "uint32",  "name": "blockTimestampLast", "type": "uint32"}
		],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "token0",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "token1",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "uint112", "name": "reserve0", "type": "uint112"},
			{"indexed": false, "internalType": "uint112", "name": "reserve1", "type": "uint112"}
		],
		"name": "Sync",
		"type": "event"
	}
]`

// ERC20 ABI: decimals only
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
]`
