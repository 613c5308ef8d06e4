package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/kaifufi/vega-market-go/chain"
)

// Feed is a settable AggregatorV3 style price feed
type Feed struct {
	mu       sync.Mutex
	decimals uint8
	round    chain.RoundData
	err      error
	calls    int
}

// NewFeed creates a feed answering answer with the given decimals, updated now
func NewFeed(answer *big.Int, decimals uint8) *Feed {
	f := &Feed{decimals: decimals}
	f.SetAnswer(answer, time.Now())
	return f
}

// SetAnswer publishes a new round
func (f *Feed) SetAnswer(answer *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := big.NewInt(1)
	if f.round.RoundID != nil {
		next.Add(f.round.RoundID, big.NewInt(1))
	}
	f.round = chain.RoundData{
		RoundID:         next,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: new(big.Int).Set(next),
	}
}

// SetRound publishes round as is
func (f *Feed) SetRound(round chain.RoundData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = round
}

// SetError makes every read fail with err until cleared with nil
func (f *Feed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times LatestRoundData has been read
func (f *Feed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Feed) LatestRoundData(ctx context.Context) (chain.RoundData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return chain.RoundData{}, f.err
	}
	return f.round, nil
}

func (f *Feed) Decimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decimals, nil
}
