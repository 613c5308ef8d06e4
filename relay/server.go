// Package relay exposes a market over HTTP. It serves read queries, accepts signed
// meta-transactions, pays for them as the relayer and streams committed events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/store"
)

const (
	maxBodyBytes      = 1 << 16
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxTrackedKeys    = 10000
)

// EventLog is the committed event history. *store.Store implements it.
type EventLog interface {
	Events(ctx context.Context, fromSeq int64, limit int) ([]store.EventRecord, error)
}

// Config holds configuration for creating a Server
type Config struct {
	// Relayer is the identity recorded as submitter of every meta-transaction
	Relayer common.Address
	// RateLimit and Burst apply per signer, charged only once the signature checks out
	RateLimit float64
	Burst     int
	// PeerRateLimit and PeerBurst apply per remote host before any signature work
	PeerRateLimit float64
	PeerBurst     int
	Events        EventLog
	Logger        *logrus.Logger
}

// Server is the relay HTTP API
type Server struct {
	market  *vegamarket.Market
	hub     *Hub
	events  EventLog
	relayer common.Address
	limiter *RateLimiter
	peers   *RateLimiter
	log     *logrus.Logger
	router  *mux.Router
}

// NewServer wires the API routes. hub should also be the market's event sink.
func NewServer(market *vegamarket.Market, hub *Hub, config Config) *Server {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	s := &Server{
		market:  market,
		hub:     hub,
		events:  config.Events,
		relayer: config.Relayer,
		limiter: NewRateLimiter(config.RateLimit, config.Burst),
		peers:   NewRateLimiter(config.PeerRateLimit, config.PeerBurst),
		log:     config.Logger,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/domain", s.handleDomain).Methods(http.MethodGet)
	s.router.HandleFunc("/listings", s.handleListings).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{assetId}", s.handleListing).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{assetId}/settlement-price", s.handleSettlementPrice).Methods(http.MethodGet)
	s.router.HandleFunc("/nonces/{account}", s.handleNonce).Methods(http.MethodGet)
	s.router.HandleFunc("/meta-transactions", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	}
	s.router.Handle("/metrics", vegamarket.MetricsHandler()).Methods(http.MethodGet)
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	d := s.market.Domain()
	writeJSON(w, http.StatusOK, vegamarket.DomainInfo{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID,
		VerifyingContract: d.VerifyingContract,
	})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings := s.market.Listings(r.Context())
	out := make([]vegamarket.ListingInfo, 0, len(listings))
	for _, l := range listings {
		out = append(out, vegamarket.ListingInfo{AssetID: l.AssetID, Price: l.Price, Seller: l.Seller, Listed: true})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	info := vegamarket.ListingInfo{AssetID: assetID, Price: new(big.Int)}
	if l, listed := s.market.Listing(r.Context(), assetID); listed {
		info.Price = l.Price
		info.Seller = l.Seller
		info.Listed = true
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSettlementPrice(w http.ResponseWriter, r *http.Request) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	price := s.market.GetListedPrice(r.Context(), assetID)
	amount, err := s.market.GetSettlementPrice(r.Context(), assetID)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vegamarket.SettlementPrice{AssetID: assetID, Price: price, Amount: amount})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !common.IsHexAddress(account) {
		writeError(w, http.StatusBadRequest, "invalid_param", fmt.Errorf("invalid account %q", account))
		return
	}

	addr := common.HexToAddress(account)
	writeJSON(w, http.StatusOK, vegamarket.NonceInfo{Account: addr, Nonce: s.market.GetNonce(r.Context(), addr)})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	peer := peerKey(r)
	s.peers.Cleanup(maxTrackedKeys)
	if !s.peers.Allow(peer) {
		s.log.WithField("peer", peer).Warn("Rate limit exceeded")
		writeError(w, http.StatusTooManyRequests, "rate_limited", errors.New("rate limit exceeded"))
		return
	}

	var req vegamarket.MetaTransactionRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Signer == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "invalid_param", errors.New("signer is required"))
		return
	}
	if len(req.FunctionSignature) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_param", errors.New("functionSignature is required"))
		return
	}

	if err := s.market.VerifyMetaTransaction(r.Context(), req.Signer, req.FunctionSignature, req.Signature); err != nil {
		s.log.WithFields(logrus.Fields{
			"signer": req.Signer.Hex(),
			"peer":   peer,
		}).Info("Meta-transaction signature rejected")
		s.writeMarketError(w, err)
		return
	}

	s.limiter.Cleanup(maxTrackedKeys)
	if !s.limiter.Allow(req.Signer.Hex()) {
		s.log.WithField("signer", req.Signer.Hex()).Warn("Rate limit exceeded")
		writeError(w, http.StatusTooManyRequests, "rate_limited", errors.New("rate limit exceeded"))
		return
	}

	result, err := s.market.ExecuteMetaTransaction(r.Context(), s.relayer, req.Signer, req.FunctionSignature, req.Signature)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"signer": req.Signer.Hex(),
			"error":  err.Error(),
		}).Info("Meta-transaction rejected")
		s.writeMarketError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", errors.New("event log not configured"))
		return
	}

	from, err := queryInt(r, "from", 0)
	if err != nil || from < 0 {
		writeError(w, http.StatusBadRequest, "invalid_param", fmt.Errorf("invalid from"))
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil || limit <= 0 || limit > maxEventLimit {
		writeError(w, http.StatusBadRequest, "invalid_param", fmt.Errorf("limit must be between 1 and %d", maxEventLimit))
		return
	}

	records, err := s.events.Events(r.Context(), from, int(limit))
	if err != nil {
		s.log.WithError(err).Error("Failed to read event log")
		writeError(w, http.StatusInternalServerError, "internal", errors.New("failed to read event log"))
		return
	}

	out := make([]vegamarket.EventEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, vegamarket.EventEntry{
			Seq:       rec.Seq,
			ID:        rec.ID,
			Kind:      vegamarket.EventKind(rec.Kind),
			Timestamp: rec.Timestamp,
			Data:      json.RawMessage(rec.Payload),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// peerKey is the remote host without its port
func peerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeMarketError maps engine errors onto HTTP statuses
func (s *Server) writeMarketError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusUnprocessableEntity {
		s.log.WithError(err).Warn("Ledger rejected market operation")
	}
	writeError(w, status, code, err)
}

func statusFor(err error) (int, string) {
	var paramErr *vegamarket.InvalidParamError
	switch {
	case errors.Is(err, vegamarket.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, vegamarket.ErrInvalidAsset),
		errors.Is(err, vegamarket.ErrInvalidPrice),
		errors.Is(err, vegamarket.ErrPriceAboveMax),
		errors.Is(err, vegamarket.ErrUnknownAction),
		errors.As(err, &paramErr):
		return http.StatusBadRequest, "invalid_param"
	case errors.Is(err, vegamarket.ErrNotOwner),
		errors.Is(err, vegamarket.ErrNotApproved):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, vegamarket.ErrAlreadyListed),
		errors.Is(err, vegamarket.ErrNotListed):
		return http.StatusConflict, "conflict"
	case errors.Is(err, vegamarket.ErrStalePrice):
		return http.StatusServiceUnavailable, "stale_price"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	}
	// Anything else came back from a ledger and aborted the operation.
	return http.StatusUnprocessableEntity, "ledger_rejected"
}

func parseAssetID(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	raw := mux.Vars(r)["assetId"]
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid_param", fmt.Errorf("invalid asset id %q", raw))
		return nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, vegamarket.ErrorResponse{Error: err.Error(), Code: code})
}
