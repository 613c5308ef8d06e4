// Package memory provides in-process asset and payment ledgers plus a settable
// price feed. They follow ERC-721 / ERC-20 / AggregatorV3 semantics. Transfers
// are journaled so the market can roll them back; setup writes (Mint, Approve,
// SetApprovalForAll) are applied outside any operation and never rolled back.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/vega-market-go/state"
)

var (
	ErrNonexistentToken     = errors.New("ERC721: invalid token ID")
	ErrNotOwnerNorApproved  = errors.New("ERC721: caller is not token owner or approved")
	ErrTransferFromNotOwner = errors.New("ERC721: transfer from incorrect owner")
	ErrTransferToZero       = errors.New("ERC721: transfer to the zero address")
)

// TransferHook runs before a transfer is applied. Returning an error aborts the transfer.
type TransferHook func(ctx context.Context, from, to common.Address, value *big.Int) error

// AssetLedger is an ERC-721 style ownership ledger with sequential ids starting at 1
type AssetLedger struct {
	mu        sync.Mutex
	window    window
	journal   *state.Journal
	count     *big.Int
	owners    map[string]common.Address
	operators map[common.Address]map[common.Address]bool
	hook      TransferHook
}

// NewAssetLedger creates an empty ledger
func NewAssetLedger() *AssetLedger {
	return &AssetLedger{
		journal:   state.NewJournal(),
		count:     new(big.Int),
		owners:    make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// SetTransferHook installs a hook run before every TransferFrom
func (l *AssetLedger) SetTransferHook(hook TransferHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// Mint issues the next asset id to owner. It waits for any open operation to
// finish, so it must not be called from a transfer hook.
func (l *AssetLedger) Mint(owner common.Address) *big.Int {
	defer l.window.outside()()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count = new(big.Int).Add(l.count, big.NewInt(1))
	l.owners[l.count.String()] = owner
	return new(big.Int).Set(l.count)
}

// SetApprovalForAll grants or revokes operator rights over all of owner's assets.
// Like Mint it waits for any open operation.
func (l *AssetLedger) SetApprovalForAll(owner, operator common.Address, approved bool) {
	defer l.window.outside()()
	l.mu.Lock()
	defer l.mu.Unlock()

	ops, ok := l.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		l.operators[owner] = ops
	}
	ops[operator] = approved
}

func (l *AssetLedger) TokenCount(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.count), nil
}

func (l *AssetLedger) OwnerOf(ctx context.Context, assetID *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[assetID.String()]
	if !ok {
		return common.Address{}, ErrNonexistentToken
	}
	return owner, nil
}

func (l *AssetLedger) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operators[owner][operator], nil
}

// TransferFrom moves assetID from -> to. operator must be the owner or an approved operator.
func (l *AssetLedger) TransferFrom(ctx context.Context, operator, from, to common.Address, assetID *big.Int) error {
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, from, to, assetID); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := assetID.String()
	owner, ok := l.owners[key]
	if !ok {
		return ErrNonexistentToken
	}
	if operator != owner && !l.operators[owner][operator] {
		return ErrNotOwnerNorApproved
	}
	if owner != from {
		return fmt.Errorf("%w: owner is %s", ErrTransferFromNotOwner, owner.Hex())
	}
	if to == (common.Address{}) {
		return ErrTransferToZero
	}

	l.owners[key] = to
	l.journal.Append(func() {
		l.owners[key] = owner
	})
	return nil
}

func (l *AssetLedger) Snapshot() int {
	l.window.begin()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Snapshot()
}

func (l *AssetLedger) RevertToSnapshot(revid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.RevertToSnapshot(revid)
}

func (l *AssetLedger) Finalise() {
	l.mu.Lock()
	l.journal.Reset()
	l.mu.Unlock()
	l.window.end()
}
