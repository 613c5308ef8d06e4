package vegamarket

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Journaled is implemented by collaborators that take part in the market's rollback log.
// The market snapshots every collaborator before an operation, reverts them all if any
// step fails and finalises them once the operation has been committed.
//
// The span from the outermost Snapshot to Finalise is the operation's revert window.
// Only writes made by the operation may land in it; an implementation must hold
// writes from anywhere else until Finalise so a revert cannot undo them.
type Journaled interface {
	Snapshot() int
	RevertToSnapshot(revid int)
	Finalise()
}

// AssetLedger is the external asset-ownership ledger (ERC-721 shaped)
type AssetLedger interface {
	Journaled

	// TokenCount returns the number of assets ever issued; ids run from 1 to TokenCount
	TokenCount(ctx context.Context) (*big.Int, error)
	OwnerOf(ctx context.Context, assetID *big.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	// TransferFrom moves assetID from -> to, authorised by operator
	TransferFrom(ctx context.Context, operator, from, to common.Address, assetID *big.Int) error
}

// PaymentLedger is the external settlement-token ledger (ERC-20 shaped)
type PaymentLedger interface {
	Journaled

	// TransferFrom moves amount from -> to out of the allowance from granted spender
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}
