// Package state holds the engine-owned records: the listing registry and the
// per-account nonce store. All mutations go through a Journal so an operation
// can be rolled back as a unit.
package state

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Listing is an asset currently offered for sale
type Listing struct {
	AssetID *big.Int
	Price   *big.Int
	Seller  common.Address
}

func (l Listing) copy() Listing {
	return Listing{
		AssetID: new(big.Int).Set(l.AssetID),
		Price:   new(big.Int).Set(l.Price),
		Seller:  l.Seller,
	}
}

// Changes lists the records touched since the last Finalise.
// Listings holds current values; DeletedListings the asset ids no longer listed.
type Changes struct {
	Listings        []Listing
	DeletedListings []*big.Int
	Nonces          map[common.Address]uint64
}

// Empty reports whether there is nothing to persist
func (c Changes) Empty() bool {
	return len(c.Listings) == 0 && len(c.DeletedListings) == 0 && len(c.Nonces) == 0
}

// State is the in-memory view of listings and nonces
type State struct {
	journal  *Journal
	listings map[string]Listing
	nonces   map[common.Address]uint64

	dirtyListings map[string]*big.Int
	dirtyNonces   map[common.Address]struct{}
}

// New creates an empty state recording into journal
func New(journal *Journal) *State {
	return &State{
		journal:       journal,
		listings:      make(map[string]Listing),
		nonces:        make(map[common.Address]uint64),
		dirtyListings: make(map[string]*big.Int),
		dirtyNonces:   make(map[common.Address]struct{}),
	}
}

// Load replaces the contents with persisted records without journaling them
func (s *State) Load(listings []Listing, nonces map[common.Address]uint64) {
	s.listings = make(map[string]Listing, len(listings))
	for _, l := range listings {
		s.listings[key(l.AssetID)] = l.copy()
	}
	s.nonces = make(map[common.Address]uint64, len(nonces))
	for addr, n := range nonces {
		s.nonces[addr] = n
	}
	s.dirtyListings = make(map[string]*big.Int)
	s.dirtyNonces = make(map[common.Address]struct{})
}

func key(id *big.Int) string {
	return id.String()
}

// Listing returns the active listing for assetID
func (s *State) Listing(assetID *big.Int) (Listing, bool) {
	l, ok := s.listings[key(assetID)]
	if !ok {
		return Listing{}, false
	}
	return l.copy(), true
}

// ListedPrice returns the listing price, or zero when the asset is not listed
func (s *State) ListedPrice(assetID *big.Int) *big.Int {
	if l, ok := s.listings[key(assetID)]; ok {
		return new(big.Int).Set(l.Price)
	}
	return new(big.Int)
}

// Listings returns all active listings ordered by asset id
func (s *State) Listings() []Listing {
	out := make([]Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID.Cmp(out[j].AssetID) < 0 })
	return out
}

// SetListing stores a listing. A zero price removes it.
func (s *State) SetListing(l Listing) {
	if l.Price == nil || l.Price.Sign() == 0 {
		s.DeleteListing(l.AssetID)
		return
	}
	k := key(l.AssetID)
	prev, existed := s.listings[k]
	s.listings[k] = l.copy()
	s.dirtyListings[k] = new(big.Int).Set(l.AssetID)

	s.journal.Append(func() {
		if existed {
			s.listings[k] = prev
		} else {
			delete(s.listings, k)
		}
	})
}

// DeleteListing removes the listing for assetID if present
func (s *State) DeleteListing(assetID *big.Int) {
	k := key(assetID)
	prev, existed := s.listings[k]
	if !existed {
		return
	}
	delete(s.listings, k)
	s.dirtyListings[k] = new(big.Int).Set(assetID)

	s.journal.Append(func() {
		s.listings[k] = prev
	})
}

// Nonce returns the current nonce of account
func (s *State) Nonce(account common.Address) uint64 {
	return s.nonces[account]
}

// IncrementNonce bumps the nonce of account by one and returns the value it had
func (s *State) IncrementNonce(account common.Address) uint64 {
	prev := s.nonces[account]
	s.nonces[account] = prev + 1
	s.dirtyNonces[account] = struct{}{}

	s.journal.Append(func() {
		if prev == 0 {
			delete(s.nonces, account)
		} else {
			s.nonces[account] = prev
		}
	})
	return prev
}

// Changes collects the current value of every record touched since the last Finalise
func (s *State) Changes() Changes {
	var c Changes
	for k, id := range s.dirtyListings {
		if l, ok := s.listings[k]; ok {
			c.Listings = append(c.Listings, l.copy())
		} else {
			c.DeletedListings = append(c.DeletedListings, new(big.Int).Set(id))
		}
	}
	if len(s.dirtyNonces) > 0 {
		c.Nonces = make(map[common.Address]uint64, len(s.dirtyNonces))
		for addr := range s.dirtyNonces {
			c.Nonces[addr] = s.nonces[addr]
		}
	}
	sort.Slice(c.Listings, func(i, j int) bool { return c.Listings[i].AssetID.Cmp(c.Listings[j].AssetID) < 0 })
	sort.Slice(c.DeletedListings, func(i, j int) bool { return c.DeletedListings[i].Cmp(c.DeletedListings[j]) < 0 })
	return c
}

// Finalise clears dirty tracking after the changes have been persisted
func (s *State) Finalise() {
	s.dirtyListings = make(map[string]*big.Int)
	s.dirtyNonces = make(map[common.Address]struct{})
}
