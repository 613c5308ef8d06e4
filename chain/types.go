package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Marketplace entry points that may be forwarded by a meta-transaction
const (
	MethodList     = "addToMarketplace"
	MethodDelist   = "removeFromMarketplace"
	MethodPurchase = "purchase"
)

// Marketplace ABI JSON for the relayable entry points
const marketplaceABIJSON = `[
	{
		"inputs": [
			{"name": "_tokenId", "type": "uint256"},
			{"name": "_price", "type": "uint256"}
		],
		"name": "addToMarketplace",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "_tokenId", "type": "uint256"}
		],
		"name": "removeFromMarketplace",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "_tokenId", "type": "uint256"},
			{"name": "_buyer", "type": "address"},
			{"name": "_maxPay", "type": "uint256"}
		],
		"name": "purchase",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ERC20 ABI JSON for the settlement token
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "account", "type": "address"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	}
]`

// Chainlink AggregatorV3 ABI JSON for the reference/settlement rate feed
const aggregatorABIJSON = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	marketplaceABI = mustParseABI("Marketplace", marketplaceABIJSON)
	erc20ABI       = mustParseABI("ERC20", erc20ABIJSON)
	aggregatorABI  = mustParseABI("AggregatorV3", aggregatorABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
