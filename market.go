package vegamarket

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kaifufi/vega-market-go/chain"
	"github.com/kaifufi/vega-market-go/state"
	"github.com/kaifufi/vega-market-go/store"
)

const (
	opList     = "list"
	opDelist   = "delist"
	opPurchase = "purchase"
	opExecute  = "execute"
)

// Store is the durable home of listings, nonces and the event log. *store.Store implements it.
type Store interface {
	LoadState(ctx context.Context, st *state.State) error
	Commit(ctx context.Context, batch store.Batch) error
}

// EventSink receives events after the operation that emitted them has been committed.
// Publish is called with the market lock held and must not block.
type EventSink interface {
	Publish(ev Event)
}

// MarketConfig holds configuration for creating a Market
type MarketConfig struct {
	ChainID *big.Int
	// Address is the market's own identity: the EIP-712 verifying contract, the asset
	// operator and the payment spender.
	Address  common.Address
	Assets   AssetLedger
	Payments PaymentLedger
	Feed     PriceFeed
	// MaxPriceAge rejects feed rounds older than this. Zero disables the check.
	MaxPriceAge time.Duration

	Store  Store
	Sink   EventSink
	Logger *logrus.Logger
	Clock  func() time.Time
}

// Market is the listing, authorisation and settlement engine.
// Entry points are serialised: each runs to completion or total rollback before the next starts.
type Market struct {
	mu sync.Mutex

	address   common.Address
	domain    *chain.EIP712Domain
	assets    AssetLedger
	payments  PaymentLedger
	converter *PriceConverter

	journal *state.Journal
	state   *state.State

	store Store
	sink  EventSink
	log   *logrus.Logger
	now   func() time.Time
}

// NewMarket creates a Market and loads persisted state when a store is configured
func NewMarket(ctx context.Context, config MarketConfig) (*Market, error) {
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, &InvalidParamError{Message: "chain id must be positive"}
	}
	if config.Address == (common.Address{}) {
		return nil, &InvalidParamError{Message: "market address is required"}
	}
	if config.Assets == nil || config.Payments == nil {
		return nil, &InvalidParamError{Message: "asset and payment ledgers are required"}
	}
	if config.Feed == nil {
		return nil, &InvalidParamError{Message: "price feed is required"}
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetOutput(io.Discard)
	}

	journal := state.NewJournal()
	m := &Market{
		address:  config.Address,
		domain:   chain.NewEIP712Domain(config.ChainID, config.Address),
		assets:   config.Assets,
		payments: config.Payments,
		converter: NewPriceConverter(config.Feed,
			WithMaxAge(config.MaxPriceAge),
			WithConverterClock(config.Clock),
		),
		journal: journal,
		state:   state.New(journal),
		store:   config.Store,
		sink:    config.Sink,
		log:     config.Logger,
		now:     config.Clock,
	}

	if m.store != nil {
		if err := m.store.LoadState(ctx, m.state); err != nil {
			return nil, fmt.Errorf("failed to load market state: %w", err)
		}
	}
	setListedAssets(len(m.state.Listings()))

	m.log.WithFields(logrus.Fields{
		"address":  m.address.Hex(),
		"chain_id": config.ChainID.String(),
		"listings": len(m.state.Listings()),
	}).Info("Market ready")

	return m, nil
}

// Address returns the market identity
func (m *Market) Address() common.Address {
	return m.address
}

// Domain returns a copy of the EIP-712 domain signatures must be bound to
func (m *Market) Domain() *chain.EIP712Domain {
	return chain.NewEIP712Domain(m.domain.ChainID, m.domain.VerifyingContract)
}

// List offers assetID for sale at price (reference currency) on behalf of caller
func (m *Market) List(ctx context.Context, caller common.Address, assetID, price *big.Int) error {
	return m.atomic(ctx, opList, func(ctx context.Context, f *frame) error {
		return m.list(ctx, f, caller, assetID, price)
	})
}

// Delist removes the listing for assetID on behalf of caller
func (m *Market) Delist(ctx context.Context, caller common.Address, assetID *big.Int) error {
	return m.atomic(ctx, opDelist, func(ctx context.Context, f *frame) error {
		return m.delist(ctx, f, caller, assetID)
	})
}

// Purchase buys assetID for buyer, or for caller when buyer is the zero address.
// A non-zero maxPay caps the settlement amount the buyer accepts.
func (m *Market) Purchase(ctx context.Context, caller common.Address, assetID *big.Int, buyer common.Address, maxPay *big.Int) error {
	return m.atomic(ctx, opPurchase, func(ctx context.Context, f *frame) error {
		return m.purchase(ctx, f, caller, assetID, buyer, maxPay)
	})
}

// GetListedPrice returns the reference-currency price of assetID, zero when not listed
func (m *Market) GetListedPrice(ctx context.Context, assetID *big.Int) *big.Int {
	unlock := m.read(ctx)
	defer unlock()
	return m.state.ListedPrice(assetID)
}

// Listing returns the active listing for assetID
func (m *Market) Listing(ctx context.Context, assetID *big.Int) (state.Listing, bool) {
	unlock := m.read(ctx)
	defer unlock()
	return m.state.Listing(assetID)
}

// Listings returns every active listing ordered by asset id
func (m *Market) Listings(ctx context.Context) []state.Listing {
	unlock := m.read(ctx)
	defer unlock()
	return m.state.Listings()
}

// GetSettlementPrice converts the listed price of assetID at the current feed rate.
// Unlisted assets cost zero and do not touch the feed.
func (m *Market) GetSettlementPrice(ctx context.Context, assetID *big.Int) (*big.Int, error) {
	price := m.GetListedPrice(ctx, assetID)
	if price.Sign() == 0 {
		return price, nil
	}
	return m.converter.Convert(ctx, price)
}

// GetNonce returns the current meta-transaction nonce of account
func (m *Market) GetNonce(ctx context.Context, account common.Address) uint64 {
	unlock := m.read(ctx)
	defer unlock()
	return m.state.Nonce(account)
}

func (m *Market) list(ctx context.Context, f *frame, caller common.Address, assetID, price *big.Int) error {
	if err := m.checkAsset(ctx, assetID); err != nil {
		return err
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}

	owner, err := m.assets.OwnerOf(ctx, assetID)
	if err != nil {
		return err
	}
	if owner != caller {
		return ErrNotOwner
	}
	if err := m.checkApproval(ctx, caller); err != nil {
		return err
	}
	if _, listed := m.state.Listing(assetID); listed {
		return ErrAlreadyListed
	}

	m.state.SetListing(state.Listing{AssetID: assetID, Price: price, Seller: caller})
	f.emit(&ListingChanged{
		AssetID:   new(big.Int).Set(assetID),
		NewPrice:  new(big.Int).Set(price),
		Actor:     caller,
		Timestamp: m.now(),
	})
	return nil
}

func (m *Market) delist(ctx context.Context, f *frame, caller common.Address, assetID *big.Int) error {
	if err := m.checkAsset(ctx, assetID); err != nil {
		return err
	}

	listing, listed := m.state.Listing(assetID)
	seller := listing.Seller
	if !listed {
		owner, err := m.assets.OwnerOf(ctx, assetID)
		if err != nil {
			return err
		}
		seller = owner
	}
	if seller != caller {
		return ErrNotOwner
	}
	if err := m.checkApproval(ctx, caller); err != nil {
		return err
	}
	if !listed {
		return ErrNotListed
	}

	m.state.DeleteListing(assetID)
	f.emit(&ListingChanged{
		AssetID:   new(big.Int).Set(assetID),
		NewPrice:  new(big.Int),
		Actor:     caller,
		Timestamp: m.now(),
	})
	return nil
}

func (m *Market) purchase(ctx context.Context, f *frame, caller common.Address, assetID *big.Int, buyer common.Address, maxPay *big.Int) error {
	if err := m.checkAsset(ctx, assetID); err != nil {
		return err
	}
	listing, listed := m.state.Listing(assetID)
	if !listed {
		return ErrNotListed
	}
	if buyer == (common.Address{}) {
		buyer = caller
	}

	amount, err := m.converter.Convert(ctx, listing.Price)
	if err != nil {
		return err
	}
	if maxPay != nil && maxPay.Sign() > 0 && amount.Cmp(maxPay) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPriceAboveMax, amount, maxPay)
	}

	// Cleared before the ledgers are called so a callback cannot buy it twice.
	m.state.DeleteListing(assetID)

	if err := m.payments.TransferFrom(ctx, m.address, buyer, listing.Seller, amount); err != nil {
		return err
	}
	if err := m.assets.TransferFrom(ctx, m.address, listing.Seller, buyer, assetID); err != nil {
		return err
	}

	f.settled = append(f.settled, amount)
	f.emit(&Purchase{
		AssetID:   new(big.Int).Set(assetID),
		Buyer:     buyer,
		Timestamp: m.now(),
	})
	return nil
}

func (m *Market) checkAsset(ctx context.Context, assetID *big.Int) error {
	if assetID == nil || assetID.Sign() <= 0 {
		return ErrInvalidAsset
	}
	count, err := m.assets.TokenCount(ctx)
	if err != nil {
		return err
	}
	if assetID.Cmp(count) > 0 {
		return ErrInvalidAsset
	}
	return nil
}

func (m *Market) checkApproval(ctx context.Context, owner common.Address) error {
	approved, err := m.assets.IsApprovedForAll(ctx, owner, m.address)
	if err != nil {
		return err
	}
	if !approved {
		return ErrNotApproved
	}
	return nil
}

type frameKey struct{}

// frame is the in-flight operation. It travels in the context so a call that
// re-enters the market from a ledger callback joins it instead of deadlocking.
type frame struct {
	market  *Market
	events  []Event
	settled []*big.Int
}

func (f *frame) emit(ev Event) {
	f.events = append(f.events, ev)
}

func frameFrom(ctx context.Context, m *Market) *frame {
	f, ok := ctx.Value(frameKey{}).(*frame)
	if !ok || f.market != m {
		return nil
	}
	return f
}

type revision struct {
	state    int
	assets   int
	payments int
}

func (m *Market) snapshot() revision {
	return revision{
		state:    m.journal.Snapshot(),
		assets:   m.assets.Snapshot(),
		payments: m.payments.Snapshot(),
	}
}

func (m *Market) revert(rev revision) {
	m.payments.RevertToSnapshot(rev.payments)
	m.assets.RevertToSnapshot(rev.assets)
	m.journal.RevertToSnapshot(rev.state)
}

func (m *Market) finalise() {
	m.state.Finalise()
	m.journal.Reset()
	m.assets.Finalise()
	m.payments.Finalise()
}

// read takes the market lock unless ctx already belongs to the in-flight operation
func (m *Market) read(ctx context.Context) func() {
	if frameFrom(ctx, m) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// atomic runs fn as one all-or-nothing operation. Every change fn makes to
// market state or to the ledgers is reverted if fn or the commit fails.
func (m *Market) atomic(ctx context.Context, op string, fn func(context.Context, *frame) error) error {
	if f := frameFrom(ctx, m); f != nil {
		rev := m.snapshot()
		n := len(f.events)
		s := len(f.settled)
		if err := fn(ctx, f); err != nil {
			m.revert(rev)
			f.events = f.events[:n]
			f.settled = f.settled[:s]
			recordRollback(op)
			return err
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := &frame{market: m}
	ctx = context.WithValue(ctx, frameKey{}, f)

	rev := m.snapshot()
	err := fn(ctx, f)
	if err == nil {
		err = m.commit(ctx, f)
	}
	if err != nil {
		m.revert(rev)
		m.finalise()
		recordRollback(op)
		recordOperation(op, err)
		m.log.WithFields(logrus.Fields{
			"op":    op,
			"error": err.Error(),
		}).Warn("Operation reverted")
		return err
	}
	m.finalise()
	recordOperation(op, nil)

	for _, amount := range f.settled {
		recordSettlement(amount)
	}
	setListedAssets(len(m.state.Listings()))
	m.publish(op, f.events)
	return nil
}

func (m *Market) commit(ctx context.Context, f *frame) error {
	if m.store == nil {
		return nil
	}

	changes := m.state.Changes()
	if changes.Empty() && len(f.events) == 0 {
		return nil
	}

	batch := store.Batch{
		Changes:   changes,
		Timestamp: m.now(),
	}
	for _, ev := range f.events {
		rec, err := eventRecord(ev)
		if err != nil {
			return err
		}
		batch.Events = append(batch.Events, rec)
	}

	if err := m.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist market state: %w", err)
	}
	return nil
}

func (m *Market) publish(op string, events []Event) {
	for _, ev := range events {
		entry := m.log.WithField("op", op).WithField("event", string(ev.Kind()))
		switch e := ev.(type) {
		case *ListingChanged:
			entry = entry.WithFields(logrus.Fields{
				"asset_id": e.AssetID.String(),
				"price":    e.NewPrice.String(),
				"actor":    e.Actor.Hex(),
			})
		case *Purchase:
			entry = entry.WithFields(logrus.Fields{
				"asset_id": e.AssetID.String(),
				"buyer":    e.Buyer.Hex(),
			})
		case *MetaTransactionExecuted:
			entry = entry.WithFields(logrus.Fields{
				"signer":  e.Signer.Hex(),
				"relayer": e.Relayer.Hex(),
			})
		}
		entry.Info("Event committed")

		if m.sink != nil {
			m.sink.Publish(ev)
		}
	}
}

func eventRecord(ev Event) (store.EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}

	rec := store.EventRecord{
		ID:        uuid.NewString(),
		Kind:      string(ev.Kind()),
		Payload:   payload,
		Timestamp: ev.Time().Unix(),
	}
	switch e := ev.(type) {
	case *ListingChanged:
		rec.AssetID = sql.NullString{String: e.AssetID.String(), Valid: true}
		rec.Account = e.Actor.Hex()
	case *Purchase:
		rec.AssetID = sql.NullString{String: e.AssetID.String(), Valid: true}
		rec.Account = e.Buyer.Hex()
	case *MetaTransactionExecuted:
		rec.Account = e.Signer.Hex()
	}
	return rec, nil
}

// DecodeEvent rebuilds an event from its stored record
func DecodeEvent(rec store.EventRecord) (Event, error) {
	var ev Event
	switch EventKind(rec.Kind) {
	case EventKindListingChanged:
		ev = &ListingChanged{}
	case EventKindPurchase:
		ev = &Purchase{}
	case EventKindMetaExecuted:
		ev = &MetaTransactionExecuted{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event %s: %w", rec.Kind, rec.ID, err)
	}
	return ev, nil
}
