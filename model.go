package vegamarket

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/kaifufi/vega-market-go/chain"
)

// EventKind names an emitted record; it doubles as the websocket channel name
type EventKind string

const (
	EventKindListingChanged EventKind = "listing.changed"
	EventKindPurchase       EventKind = "purchase"
	EventKindMetaExecuted   EventKind = "meta.executed"
)

// Event is a record emitted by a committed market operation
type Event interface {
	Kind() EventKind
	Time() time.Time
}

// ListingChanged is emitted when an asset is listed (NewPrice > 0) or delisted (NewPrice == 0)
type ListingChanged struct {
	AssetID   *big.Int       `json:"assetId"`
	NewPrice  *big.Int       `json:"newPrice"`
	Actor     common.Address `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *ListingChanged) Kind() EventKind { return EventKindListingChanged }
func (e *ListingChanged) Time() time.Time { return e.Timestamp }

// Purchase is emitted when an asset changes hands through the market
type Purchase struct {
	AssetID   *big.Int       `json:"assetId"`
	Buyer     common.Address `json:"buyer"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Purchase) Kind() EventKind { return EventKindPurchase }
func (e *Purchase) Time() time.Time { return e.Timestamp }

// MetaTransactionExecuted is emitted after a relayed call has run on behalf of Signer
type MetaTransactionExecuted struct {
	Signer            common.Address `json:"signer"`
	Relayer           common.Address `json:"relayer"`
	FunctionSignature hexutil.Bytes  `json:"functionSignature"`
	Timestamp         time.Time      `json:"timestamp"`
}

func (e *MetaTransactionExecuted) Kind() EventKind { return EventKindMetaExecuted }
func (e *MetaTransactionExecuted) Time() time.Time { return e.Timestamp }

// ListingInfo is the relay API view of a listing
type ListingInfo struct {
	AssetID *big.Int       `json:"assetId"`
	Price   *big.Int       `json:"price"`
	Seller  common.Address `json:"seller,omitempty"`
	Listed  bool           `json:"listed"`
}

// SettlementPrice is the relay API view of a converted listing price
type SettlementPrice struct {
	AssetID *big.Int `json:"assetId"`
	Price   *big.Int `json:"price"`
	Amount  *big.Int `json:"amount"`
}

// NonceInfo is the relay API view of an account nonce
type NonceInfo struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

// MetaTransactionRequest is the body of POST /meta-transactions
type MetaTransactionRequest struct {
	Signer            common.Address  `json:"signer"`
	FunctionSignature hexutil.Bytes   `json:"functionSignature"`
	Signature         chain.Signature `json:"signature"`
}

// MetaTransactionResult is returned after a relayed call has been executed
type MetaTransactionResult struct {
	Signer  common.Address `json:"signer"`
	Relayer common.Address `json:"relayer"`
	Nonce   uint64         `json:"nonce"`
	Method  string         `json:"method"`
	AssetID *big.Int       `json:"assetId"`
}

// DomainInfo is the EIP-712 domain a relay's market binds signatures to
type DomainInfo struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// EventEntry is one record of the committed event log
type EventEntry struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ErrorResponse is the body of every non-2xx relay response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
