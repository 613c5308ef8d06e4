package vegamarket

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/kaifufi/vega-market-go/chain"
)

// PriceFeed is a Chainlink AggregatorV3 shaped rate source quoting the settlement
// token per unit of reference currency. chain.ContractCaller implements it for EVM feeds.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (chain.RoundData, error)
	Decimals(ctx context.Context) (uint8, error)
}

// ConverterOption configures a PriceConverter
type ConverterOption func(*PriceConverter)

// WithMaxAge rejects rounds older than d. Zero disables the age check.
func WithMaxAge(d time.Duration) ConverterOption {
	return func(c *PriceConverter) {
		c.maxAge = d
	}
}

// WithConverterClock overrides the time source used for the age check
func WithConverterClock(now func() time.Time) ConverterOption {
	return func(c *PriceConverter) {
		c.now = now
	}
}

// PriceConverter turns reference-currency amounts into settlement-token amounts.
// The feed is read on every call; nothing is cached.
type PriceConverter struct {
	feed   PriceFeed
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceConverter creates a converter over feed
func NewPriceConverter(feed PriceFeed, opts ...ConverterOption) *PriceConverter {
	c := &PriceConverter{
		feed: feed,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert returns amount * rate / 10^decimals, truncated toward zero
func (c *PriceConverter) Convert(ctx context.Context, amount *big.Int) (*big.Int, error) {
	rate, decimals, err := c.Rate(ctx)
	if err != nil {
		return nil, err
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	out := new(big.Int).Mul(amount, rate)
	return out.Quo(out, scale), nil
}

// Rate returns the latest usable feed answer and its decimals
func (c *PriceConverter) Rate(ctx context.Context) (*big.Int, uint8, error) {
	round, err := c.feed.LatestRoundData(ctx)
	if err != nil {
		return nil, 0, err
	}

	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: answer %v", ErrStalePrice, round.Answer)
	}
	if round.RoundID != nil && round.AnsweredInRound != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return nil, 0, fmt.Errorf("%w: answered in round %s of %s", ErrStalePrice, round.AnsweredInRound, round.RoundID)
	}
	if c.maxAge > 0 {
		if age := c.now().Sub(round.UpdatedAt); age > c.maxAge {
			return nil, 0, fmt.Errorf("%w: updated %s ago", ErrStalePrice, age.Truncate(time.Second))
		}
	}

	decimals, err := c.feed.Decimals(ctx)
	if err != nil {
		return nil, 0, err
	}
	return new(big.Int).Set(round.Answer), decimals, nil
}
