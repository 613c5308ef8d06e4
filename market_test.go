package vegamarket_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
	"github.com/kaifufi/vega-market-go/ledger/memory"
	"github.com/kaifufi/vega-market-go/state"
	"github.com/kaifufi/vega-market-go/store"
)

var (
	seller   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	buyer    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	stranger = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")

	testNow = time.Unix(1700000000, 0)
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type recordingSink struct {
	mu     sync.Mutex
	events []vegamarket.Event
}

func (s *recordingSink) Publish(ev vegamarket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []vegamarket.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vegamarket.Event(nil), s.events...)
}

// failingStore accepts batches until err is set
type failingStore struct {
	err     error
	batches []store.Batch
}

func (s *failingStore) LoadState(ctx context.Context, st *state.State) error { return nil }

func (s *failingStore) Commit(ctx context.Context, batch store.Batch) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func newSandbox(t *testing.T, opts sandbox.Options) *sandbox.Sandbox {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	sb, err := sandbox.New(context.Background(), opts)
	require.NoError(t, err)
	return sb
}

// listedSandbox mints asset 1 to seller, lists it at 2 reference units (4000 tokens at the
// default rate) and funds buyer with 10000 tokens
func listedSandbox(t *testing.T, opts sandbox.Options) (*sandbox.Sandbox, *big.Int) {
	t.Helper()
	sb := newSandbox(t, opts)
	id := sb.MintAssets(seller, 1)[0]
	sb.Fund(buyer, ether(10000))
	require.NoError(t, sb.Market.List(context.Background(), seller, id, ether(2)))
	return sb, id
}

func TestNewMarket_Validation(t *testing.T) {
	ctx := context.Background()
	valid := vegamarket.MarketConfig{
		ChainID:  big.NewInt(31337),
		Address:  sandbox.DefaultMarketAddress,
		Assets:   memory.NewAssetLedger(),
		Payments: memory.NewPaymentLedger(),
		Feed:     memory.NewFeed(big.NewInt(1), 0),
	}

	_, err := vegamarket.NewMarket(ctx, valid)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*vegamarket.MarketConfig)
	}{
		{"missing chain id", func(c *vegamarket.MarketConfig) { c.ChainID = nil }},
		{"zero chain id", func(c *vegamarket.MarketConfig) { c.ChainID = big.NewInt(0) }},
		{"zero address", func(c *vegamarket.MarketConfig) { c.Address = common.Address{} }},
		{"missing assets", func(c *vegamarket.MarketConfig) { c.Assets = nil }},
		{"missing payments", func(c *vegamarket.MarketConfig) { c.Payments = nil }},
		{"missing feed", func(c *vegamarket.MarketConfig) { c.Feed = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := vegamarket.NewMarket(ctx, cfg)
			var paramErr *vegamarket.InvalidParamError
			assert.ErrorAs(t, err, &paramErr)
		})
	}
}

func TestMarket_Domain(t *testing.T) {
	sb := newSandbox(t, sandbox.Options{})

	d := sb.Market.Domain()
	assert.Equal(t, vegamarket.DefaultDomainName, d.Name)
	assert.Equal(t, vegamarket.DefaultDomainVersion, d.Version)
	assert.Equal(t, int64(31337), d.ChainID.Int64())
	assert.Equal(t, sandbox.DefaultMarketAddress, d.VerifyingContract)

	d.ChainID.SetInt64(1)
	assert.Equal(t, int64(31337), sb.Market.Domain().ChainID.Int64(), "domain is returned by copy")
}

func TestList(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb := newSandbox(t, sandbox.Options{Sink: sink})
	id := sb.MintAssets(seller, 1)[0]

	require.NoError(t, sb.Market.List(ctx, seller, id, ether(2)))

	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
	l, ok := sb.Market.Listing(ctx, id)
	require.True(t, ok)
	assert.Equal(t, seller, l.Seller)

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, seller, owner, "listing does not move the asset")

	events := sink.Events()
	require.Len(t, events, 1)
	ev, ok := events[0].(*vegamarket.ListingChanged)
	require.True(t, ok)
	assert.Equal(t, id, ev.AssetID)
	assert.Equal(t, ether(2), ev.NewPrice)
	assert.Equal(t, seller, ev.Actor)
	assert.Equal(t, testNow, ev.Timestamp)
}

func TestList_Errors(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	id := sb.MintAssets(seller, 1)[0]
	unapproved := sb.Assets.Mint(stranger)

	tests := []struct {
		name    string
		caller  common.Address
		assetID *big.Int
		price   *big.Int
		want    error
	}{
		{"asset zero", seller, big.NewInt(0), ether(1), vegamarket.ErrInvalidAsset},
		{"asset beyond count", seller, big.NewInt(3), ether(1), vegamarket.ErrInvalidAsset},
		{"invalid asset before price", seller, big.NewInt(0), big.NewInt(0), vegamarket.ErrInvalidAsset},
		{"zero price", seller, id, big.NewInt(0), vegamarket.ErrInvalidPrice},
		{"price before owner", stranger, id, big.NewInt(0), vegamarket.ErrInvalidPrice},
		{"not owner", stranger, id, ether(1), vegamarket.ErrNotOwner},
		{"not approved", stranger, unapproved, ether(1), vegamarket.ErrNotApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sb.Market.List(ctx, tt.caller, tt.assetID, tt.price)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, sb.Market.Listings(ctx))

	require.NoError(t, sb.Market.List(ctx, seller, id, ether(1)))
	assert.ErrorIs(t, sb.Market.List(ctx, seller, id, ether(5)), vegamarket.ErrAlreadyListed)
	assert.Equal(t, ether(1), sb.Market.GetListedPrice(ctx, id), "relisting does not change the price")
}

func TestDelist(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb, id := listedSandbox(t, sandbox.Options{Sink: sink})

	assert.ErrorIs(t, sb.Market.Delist(ctx, stranger, id), vegamarket.ErrNotOwner)
	require.NoError(t, sb.Market.Delist(ctx, seller, id))

	assert.Equal(t, 0, sb.Market.GetListedPrice(ctx, id).Sign())
	events := sink.Events()
	require.Len(t, events, 2)
	ev, ok := events[1].(*vegamarket.ListingChanged)
	require.True(t, ok)
	assert.Equal(t, 0, ev.NewPrice.Sign())
	assert.Equal(t, seller, ev.Actor)

	assert.ErrorIs(t, sb.Market.Delist(ctx, seller, id), vegamarket.ErrNotListed)
	assert.ErrorIs(t, sb.Market.Delist(ctx, stranger, id), vegamarket.ErrNotOwner, "ownership is checked before listing status")
	assert.ErrorIs(t, sb.Market.Delist(ctx, seller, big.NewInt(9)), vegamarket.ErrInvalidAsset)
}

func TestDelist_RequiresApproval(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	sb.Assets.SetApprovalForAll(seller, sb.Market.Address(), false)
	assert.ErrorIs(t, sb.Market.Delist(ctx, seller, id), vegamarket.ErrNotApproved)
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb, id := listedSandbox(t, sandbox.Options{Sink: sink})

	amount, err := sb.Market.GetSettlementPrice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ether(4000), amount)

	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, buyer, owner)
	assert.Equal(t, ether(4000), sb.Payments.BalanceOf(seller))
	assert.Equal(t, ether(6000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, 0, sb.Market.GetListedPrice(ctx, id).Sign())

	events := sink.Events()
	require.Len(t, events, 2)
	ev, ok := events[1].(*vegamarket.Purchase)
	require.True(t, ok)
	assert.Equal(t, id, ev.AssetID)
	assert.Equal(t, buyer, ev.Buyer)

	assert.ErrorIs(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil), vegamarket.ErrNotListed)
}

func TestPurchase_OnBehalfOfBuyer(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	require.NoError(t, sb.Market.Purchase(ctx, stranger, id, buyer, nil))

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, buyer, owner)
	assert.Equal(t, ether(6000), sb.Payments.BalanceOf(buyer), "buyer pays, not the caller")
}

func TestPurchase_MaxPay(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, new(big.Int).Sub(ether(4000), big.NewInt(1)))
	assert.ErrorIs(t, err, vegamarket.ErrPriceAboveMax)
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id), "a rejected purchase keeps the listing")

	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, ether(4000)))
}

func TestPurchase_PriceFollowsFeed(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	sb.Feed.SetAnswer(big.NewInt(1500e8), testNow)
	amount, err := sb.Market.GetSettlementPrice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ether(3000), amount)

	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))
	assert.Equal(t, ether(3000), sb.Payments.BalanceOf(seller))
}

func TestPurchase_StalePrice(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{MaxPriceAge: time.Hour})

	sb.Feed.SetAnswer(big.NewInt(2000e8), testNow.Add(-2*time.Hour))

	_, err := sb.Market.GetSettlementPrice(ctx, id)
	assert.ErrorIs(t, err, vegamarket.ErrStalePrice)
	assert.ErrorIs(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil), vegamarket.ErrStalePrice)

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, seller, owner)
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
}

func TestPurchase_InvalidAsset(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb, _ := listedSandbox(t, sandbox.Options{Sink: sink})

	count, err := sb.Assets.TokenCount(ctx)
	require.NoError(t, err)

	for _, id := range []*big.Int{big.NewInt(0), new(big.Int).Add(count, big.NewInt(1)), nil} {
		err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
		assert.ErrorIs(t, err, vegamarket.ErrInvalidAsset, "asset %v", id)
	}

	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, 0, sb.Payments.BalanceOf(seller).Sign())
	assert.Equal(t, ether(10000), sb.Payments.Allowance(buyer, sb.Market.Address()))
	assert.Len(t, sink.Events(), 1, "only the listing was announced")
}

func TestPurchase_ConcurrentSetupWriteSurvivesRollback(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	sb.Payments.Approve(buyer, sb.Market.Address(), ether(1))

	minted := make(chan struct{})
	sb.Payments.SetTransferHook(func(hctx context.Context, from, to common.Address, value *big.Int) error {
		go func() {
			sb.Payments.Mint(stranger, big.NewInt(777))
			close(minted)
		}()
		// Give the mint a chance to race the operation.
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
	assert.ErrorIs(t, err, memory.ErrInsufficientAllowance)
	<-minted

	assert.Equal(t, int64(777), sb.Payments.BalanceOf(stranger).Int64())
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
}

func TestPurchase_PaymentFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb := newSandbox(t, sandbox.Options{Sink: sink})
	id := sb.MintAssets(seller, 1)[0]
	sb.Fund(buyer, ether(100))
	require.NoError(t, sb.Market.List(ctx, seller, id, ether(2)))

	err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
	assert.ErrorIs(t, err, memory.ErrInsufficientBalance)

	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, seller, owner)
	assert.Equal(t, ether(100), sb.Payments.BalanceOf(buyer))
	assert.Len(t, sink.Events(), 1, "a reverted purchase emits nothing")
}

func TestPurchase_AssetFailureRevertsPayment(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	// The asset leaves the seller's hands after listing; payment must not stick.
	require.NoError(t, sb.Assets.TransferFrom(ctx, seller, seller, stranger, id))

	err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
	assert.ErrorIs(t, err, memory.ErrNotOwnerNorApproved)

	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, 0, sb.Payments.BalanceOf(seller).Sign())
	assert.Equal(t, ether(10000), sb.Payments.Allowance(buyer, sb.Market.Address()))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
}

func TestPurchase_ReentrantPurchaseSeesClearedListing(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	sb.Fund(stranger, ether(10000))

	var reentered error
	sb.Payments.SetTransferHook(func(hctx context.Context, from, to common.Address, value *big.Int) error {
		if from == buyer {
			reentered = sb.Market.Purchase(hctx, stranger, id, common.Address{}, nil)
		}
		return nil
	})

	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))
	assert.ErrorIs(t, reentered, vegamarket.ErrNotListed)

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, buyer, owner)
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(stranger), "reentrant buyer paid nothing")
	assert.Equal(t, ether(4000), sb.Payments.BalanceOf(seller), "seller paid exactly once")
}

func TestPurchase_ReentrantFailureRevertsOnlyNestedCall(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	other := sb.MintAssets(seller, 1)[0]

	sb.Assets.SetTransferHook(func(hctx context.Context, from, to common.Address, value *big.Int) error {
		if value.Cmp(id) == 0 {
			// Lists an asset, then fails on a second call; only the failed call is undone.
			require.NoError(t, sb.Market.List(hctx, seller, other, ether(1)))
			assert.ErrorIs(t, sb.Market.List(hctx, seller, other, ether(1)), vegamarket.ErrAlreadyListed)
		}
		return nil
	})

	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))
	assert.Equal(t, ether(1), sb.Market.GetListedPrice(ctx, other))
}

func TestPurchase_ReentrantCallRevertedWithOuterFailure(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	other := sb.MintAssets(seller, 1)[0]

	boom := errors.New("receiver rejected asset")
	sb.Assets.SetTransferHook(func(hctx context.Context, from, to common.Address, value *big.Int) error {
		require.NoError(t, sb.Market.List(hctx, seller, other, ether(1)))
		return boom
	})

	assert.ErrorIs(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil), boom)
	assert.Equal(t, 0, sb.Market.GetListedPrice(ctx, other).Sign())
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
}

func TestGetSettlementPrice_UnlistedSkipsFeed(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	id := sb.MintAssets(seller, 1)[0]

	before := sb.Feed.Calls()
	price, err := sb.Market.GetSettlementPrice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, price.Sign())
	assert.Equal(t, before, sb.Feed.Calls())

	sb.Feed.SetError(errors.New("feed offline"))
	price, err = sb.Market.GetSettlementPrice(ctx, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, 0, price.Sign())
}

func TestGetSettlementPrice_FeedErrorPropagates(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	down := errors.New("feed offline")
	sb.Feed.SetError(down)
	_, err := sb.Market.GetSettlementPrice(ctx, id)
	assert.ErrorIs(t, err, down)
}

func TestListings_Ordered(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	ids := sb.MintAssets(seller, 3)

	require.NoError(t, sb.Market.List(ctx, seller, ids[2], ether(3)))
	require.NoError(t, sb.Market.List(ctx, seller, ids[0], ether(1)))

	listings := sb.Market.Listings(ctx)
	require.Len(t, listings, 2)
	assert.Equal(t, ids[0], listings[0].AssetID)
	assert.Equal(t, ids[2], listings[1].AssetID)
}

func TestCommitFailureRevertsLedgers(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{}
	sink := &recordingSink{}
	sb, id := listedSandbox(t, sandbox.Options{Store: fs, Sink: sink})
	require.Len(t, fs.batches, 1)

	fs.err = errors.New("database is locked")
	err := sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
	assert.ErrorIs(t, err, fs.err)

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, seller, owner)
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
	assert.Len(t, sink.Events(), 1, "events are published only after commit")

	fs.err = nil
	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))
	require.Len(t, fs.batches, 2)
	assert.Equal(t, []*big.Int{id}, fs.batches[1].Changes.DeletedListings)
	require.Len(t, fs.batches[1].Events, 1)
	assert.Equal(t, "purchase", fs.batches[1].Events[0].Kind)
}

func TestCommitFailure_SQLMock(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT asset_id, price, seller, updated_at FROM listings").
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "price", "seller", "updated_at"}).
			AddRow("1", ether(2).String(), seller.Hex(), int64(1)))
	mock.ExpectQuery("SELECT account, value, updated_at FROM nonces").
		WillReturnRows(sqlmock.NewRows([]string{"account", "value", "updated_at"}).
			AddRow(seller.Hex(), int64(3), int64(1)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM listings").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	sb := newSandbox(t, sandbox.Options{Store: store.Wrap(db, "sqlmock")})
	id := sb.MintAssets(seller, 1)[0]
	sb.Fund(buyer, ether(10000))

	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id), "listings load from the store")
	assert.Equal(t, uint64(3), sb.Market.GetNonce(ctx, seller))

	err = sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, seller, owner)
	assert.Equal(t, ether(10000), sb.Payments.BalanceOf(buyer))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarket_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	defer st.Close()

	sb, id := listedSandbox(t, sandbox.Options{Store: st})
	second := sb.MintAssets(seller, 1)[0]
	require.NoError(t, sb.Market.List(ctx, seller, second, ether(5)))
	require.NoError(t, sb.Market.Purchase(ctx, buyer, id, common.Address{}, nil))

	reopened, err := vegamarket.NewMarket(ctx, vegamarket.MarketConfig{
		ChainID:  big.NewInt(31337),
		Address:  sandbox.DefaultMarketAddress,
		Assets:   sb.Assets,
		Payments: sb.Payments,
		Feed:     sb.Feed,
		Store:    st,
	})
	require.NoError(t, err)

	listings := reopened.Listings(ctx)
	require.Len(t, listings, 1)
	assert.Equal(t, second, listings[0].AssetID)
	assert.Equal(t, ether(5), listings[0].Price)

	records, err := st.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	kinds := make([]vegamarket.EventKind, 0, len(records))
	for _, rec := range records {
		ev, err := vegamarket.DecodeEvent(rec)
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []vegamarket.EventKind{
		vegamarket.EventKindListingChanged,
		vegamarket.EventKindListingChanged,
		vegamarket.EventKindPurchase,
	}, kinds)

	last, err := vegamarket.DecodeEvent(records[2])
	require.NoError(t, err)
	purchase := last.(*vegamarket.Purchase)
	assert.Equal(t, id, purchase.AssetID)
	assert.Equal(t, buyer, purchase.Buyer)
	assert.True(t, testNow.Equal(purchase.Timestamp))
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := vegamarket.DecodeEvent(store.EventRecord{Kind: "mystery", Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestMarket_ConcurrentPurchasesSellOnce(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})

	buyers := []common.Address{buyer, stranger, common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")}
	for _, b := range buyers[1:] {
		sb.Fund(b, ether(10000))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(buyers))
	for i, b := range buyers {
		wg.Add(1)
		go func(i int, b common.Address) {
			defer wg.Done()
			errs[i] = sb.Market.Purchase(ctx, b, id, common.Address{}, nil)
		}(i, b)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, vegamarket.ErrNotListed)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, ether(4000), sb.Payments.BalanceOf(seller))
}
