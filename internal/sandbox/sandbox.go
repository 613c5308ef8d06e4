// Package sandbox wires a Market to in-memory ledgers for local relays, demos and tests.
package sandbox

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/ledger/memory"
)

// DefaultMarketAddress is the address hardhat assigns to the first contract deployed by its first account
var DefaultMarketAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// DefaultRateDecimals matches Chainlink USD feeds
const DefaultRateDecimals = 8

// Options configures a Sandbox
type Options struct {
	ChainID *big.Int
	Address common.Address

	// Rate seeds the in-memory feed when Feed is nil
	Rate         *big.Int
	RateDecimals uint8
	Feed         vegamarket.PriceFeed
	MaxPriceAge  time.Duration

	Store  vegamarket.Store
	Sink   vegamarket.EventSink
	Logger *logrus.Logger
	Clock  func() time.Time
}

// Sandbox is a market with in-memory collaborators
type Sandbox struct {
	Market   *vegamarket.Market
	Assets   *memory.AssetLedger
	Payments *memory.PaymentLedger
	// Feed is nil when Options.Feed was supplied
	Feed *memory.Feed
}

// New builds a sandbox market
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	if opts.ChainID == nil {
		opts.ChainID = big.NewInt(int64(vegamarket.ChainIDHardhat))
	}
	if opts.Address == (common.Address{}) {
		opts.Address = DefaultMarketAddress
	}

	sb := &Sandbox{
		Assets:   memory.NewAssetLedger(),
		Payments: memory.NewPaymentLedger(),
	}

	feed := opts.Feed
	if feed == nil {
		rate := opts.Rate
		if rate == nil {
			// 1 ETH = 2000 DAI
			rate = new(big.Int).Mul(big.NewInt(2000), big.NewInt(1e8))
			opts.RateDecimals = DefaultRateDecimals
		}
		sb.Feed = memory.NewFeed(rate, opts.RateDecimals)
		if opts.Clock != nil {
			sb.Feed.SetAnswer(rate, opts.Clock())
		}
		feed = sb.Feed
	}

	market, err := vegamarket.NewMarket(ctx, vegamarket.MarketConfig{
		ChainID:     opts.ChainID,
		Address:     opts.Address,
		Assets:      sb.Assets,
		Payments:    sb.Payments,
		Feed:        feed,
		MaxPriceAge: opts.MaxPriceAge,
		Store:       opts.Store,
		Sink:        opts.Sink,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	sb.Market = market
	return sb, nil
}

// MintAssets issues n assets to owner and approves the market as its operator
func (sb *Sandbox) MintAssets(owner common.Address, n int) []*big.Int {
	ids := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, sb.Assets.Mint(owner))
	}
	if n > 0 {
		sb.Assets.SetApprovalForAll(owner, sb.Market.Address(), true)
	}
	return ids
}

// Fund credits amount to account and lets the market spend all of it
func (sb *Sandbox) Fund(account common.Address, amount *big.Int) {
	sb.Payments.Mint(account, amount)
	sb.Payments.Approve(account, sb.Market.Address(), sb.Payments.BalanceOf(account))
}
