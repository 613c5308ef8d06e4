package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RoundData is one answer of a Chainlink-style price aggregator
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// ContractCaller handles read-only contract calls against an EVM node
type ContractCaller struct {
	client        *ethclient.Client
	feedAddr      common.Address
	tokenAddr     common.Address
	decimalsCache map[common.Address]uint8
	cacheMutex    sync.RWMutex
}

// NewContractCaller creates a new ContractCaller instance
func NewContractCaller(rpcURL string, feedAddr string, tokenAddr string) (*ContractCaller, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &ContractCaller{
		client:        client,
		feedAddr:      common.HexToAddress(feedAddr),
		tokenAddr:     common.HexToAddress(tokenAddr),
		decimalsCache: make(map[common.Address]uint8),
	}, nil
}

// LatestRoundData reads latestRoundData() from the aggregator
func (cc *ContractCaller) LatestRoundData(ctx context.Context) (RoundData, error) {
	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return RoundData{}, err
	}

	result, err := cc.call(ctx, cc.feedAddr, data)
	if err != nil {
		return RoundData{}, fmt.Errorf("failed to call latestRoundData: %w", err)
	}

	out, err := aggregatorABI.Unpack("latestRoundData", result)
	if err != nil {
		return RoundData{}, fmt.Errorf("failed to unpack latestRoundData: %w", err)
	}

	return RoundData{
		RoundID:         out[0].(*big.Int),
		Answer:          out[1].(*big.Int),
		StartedAt:       time.Unix(out[2].(*big.Int).Int64(), 0),
		UpdatedAt:       time.Unix(out[3].(*big.Int).Int64(), 0),
		AnsweredInRound: out[4].(*big.Int),
	}, nil
}

// Decimals reads decimals() from the aggregator, cached after the first call
func (cc *ContractCaller) Decimals(ctx context.Context) (uint8, error) {
	return cc.cachedDecimals(ctx, aggregatorABI.Methods["decimals"].ID, cc.feedAddr)
}

// Allowance returns the settlement token allowance for owner to spender
func (cc *ContractCaller) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}

	result, err := cc.call(ctx, cc.tokenAddr, data)
	if err != nil {
		return nil, err
	}

	var allowance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return nil, err
	}
	return allowance, nil
}

// BalanceOf returns the settlement token balance of account
func (cc *ContractCaller) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	result, err := cc.call(ctx, cc.tokenAddr, data)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, err
	}
	return balance, nil
}

// TokenDecimals returns the settlement token decimals, cached after the first call
func (cc *ContractCaller) TokenDecimals(ctx context.Context) (uint8, error) {
	return cc.cachedDecimals(ctx, erc20ABI.Methods["decimals"].ID, cc.tokenAddr)
}

func (cc *ContractCaller) cachedDecimals(ctx context.Context, selector []byte, to common.Address) (uint8, error) {
	cc.cacheMutex.RLock()
	decimals, ok := cc.decimalsCache[to]
	cc.cacheMutex.RUnlock()
	if ok {
		return decimals, nil
	}

	decimals, err := cc.readDecimals(ctx, selector, to)
	if err != nil {
		return 0, err
	}

	cc.cacheMutex.Lock()
	cc.decimalsCache[to] = decimals
	cc.cacheMutex.Unlock()
	return decimals, nil
}

func (cc *ContractCaller) readDecimals(ctx context.Context, selector []byte, to common.Address) (uint8, error) {
	result, err := cc.call(ctx, to, selector)
	if err != nil {
		return 0, fmt.Errorf("failed to call decimals on %s: %w", to.Hex(), err)
	}

	// uint8 is returned left-padded to a full word
	if len(result) != 32 {
		return 0, fmt.Errorf("unexpected decimals result length %d", len(result))
	}
	return result[31], nil
}

func (cc *ContractCaller) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return cc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
}

// Close closes the Ethereum client connection
func (cc *ContractCaller) Close() {
	if cc.client != nil {
		cc.client.Close()
	}
}
