package vegamarket

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/vega-market-go/chain"
)

var (
	// ErrInvalidAsset is returned when an asset id is zero or beyond the issued range
	ErrInvalidAsset = errors.New("vegamarket: invalid token id")

	// ErrInvalidPrice is returned when a listing price is zero
	ErrInvalidPrice = errors.New("vegamarket: invalid price")

	// ErrPriceAboveMax is returned when the converted price exceeds the buyer's maxPay
	ErrPriceAboveMax = errors.New("vegamarket: settlement amount above max pay")

	// ErrNotOwner is returned when the caller does not own (or did not list) the asset
	ErrNotOwner = errors.New("vegamarket: invalid owner")

	// ErrNotApproved is returned when the market is not an operator for the owner's assets
	ErrNotApproved = errors.New("vegamarket: no approval")

	// ErrAlreadyListed is returned when listing an asset that is already on sale
	ErrAlreadyListed = errors.New("vegamarket: token on sale")

	// ErrNotListed is returned when delisting or buying an asset that is not on sale
	ErrNotListed = errors.New("vegamarket: token not on sale")

	// ErrUnauthorized is returned when a meta-transaction fails authorisation
	ErrUnauthorized = errors.New("vegamarket: unauthorized meta-transaction")

	// ErrStalePrice is returned when the price feed reports no usable rate
	ErrStalePrice = errors.New("vegamarket: stale price feed")

	// Signature errors live with the recovery routine; re-exported for callers of this package.
	ErrInvalidSignature       = chain.ErrInvalidSignature
	ErrInvalidSignatureFormat = chain.ErrInvalidSignatureFormat
	ErrUnknownAction          = chain.ErrUnknownAction
)

// InvalidParamError represents an invalid parameter error with context
type InvalidParamError struct {
	Message string
}

func (e *InvalidParamError) Error() string {
	return e.Message
}

// AuthorizationError is returned by ExecuteMetaTransaction when the signature or nonce
// does not authorise the signer. It matches both ErrUnauthorized and the underlying cause.
type AuthorizationError struct {
	Signer common.Address
	Err    error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%v: signer %s: %v", ErrUnauthorized, e.Signer.Hex(), e.Err)
}

func (e *AuthorizationError) Unwrap() []error {
	return []error{ErrUnauthorized, e.Err}
}

// APIError is returned by APIClient for non-200 relay responses
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// AllowanceError is returned by Client.Purchase when the buyer's on-chain allowance
// for the market is below the settlement amount. ApproveCall is the token call
// data that would grant the missing allowance.
type AllowanceError struct {
	Allowance   *big.Int
	Required    *big.Int
	Decimals    uint8
	ApproveCall []byte
}

func (e *AllowanceError) Error() string {
	return fmt.Sprintf("allowance %s below settlement amount %s",
		FormatAmount(e.Allowance, int(e.Decimals)), FormatAmount(e.Required, int(e.Decimals)))
}
