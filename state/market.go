package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tradepost/core/types"
	"tradepost/native/market"
	"tradepost/storage"
)

const (
	listingPrefix = "market/listing/"
	escrowPrefix  = "market/escrow/"
	fundsPrefix   = "market/funds/"
	accountPrefix = "market/account/"
)

// MarketState is the durable ledger backing the escrow engine. It persists
// one record per asset key for listings, escrows and held funds, plus one
// record per principal for balances. Writes to the same key are serialized by
// a stripe lock; the escrow status transition additionally re-checks the
// expected status under that lock, giving the per-key compare-and-swap the
// engine relies on.
type MarketState struct {
	db    storage.Database
	locks [256]sync.Mutex
}

// NewMarketState wraps a key-value database in the market ledger layout.
func NewMarketState(db storage.Database) *MarketState {
	return &MarketState{db: db}
}

func (s *MarketState) lock(id [32]byte) func() {
	mu := &s.locks[id[0]]
	mu.Lock()
	return mu.Unlock
}

func listingKey(id [32]byte) []byte {
	return []byte(listingPrefix + hex.EncodeToString(id[:]))
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowPrefix + hex.EncodeToString(id[:]))
}

func fundsKey(id [32]byte) []byte {
	return []byte(fundsPrefix + hex.EncodeToString(id[:]))
}

func accountKey(addr [20]byte) []byte {
	return []byte(accountPrefix + hex.EncodeToString(addr[:]))
}

func (s *MarketState) getJSON(key []byte, out any) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MarketState) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return s.db.Put(key, raw)
}

// ListingGet returns the listing stored for the asset identifier.
func (s *MarketState) ListingGet(id [32]byte) (*market.Listing, bool) {
	listing := new(market.Listing)
	ok, err := s.getJSON(listingKey(id), listing)
	if err != nil || !ok {
		return nil, false
	}
	return listing, true
}

// ListingPut persists the listing keyed by its asset identifier.
func (s *MarketState) ListingPut(l *market.Listing) error {
	sanitized, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	return s.putJSON(listingKey(sanitized.Asset.Hash()), sanitized)
}

// ListingList enumerates all stored listings in key order. Best-effort with
// respect to concurrent writers.
func (s *MarketState) ListingList(fn func(*market.Listing) bool) error {
	err := s.db.Iterate([]byte(listingPrefix), func(_, value []byte) error {
		listing := new(market.Listing)
		if err := json.Unmarshal(value, listing); err != nil {
			return fmt.Errorf("state: decode listing: %w", err)
		}
		if !fn(listing) {
			return errStopIteration
		}
		return nil
	})
	if errors.Is(err, errStopIteration) {
		return nil
	}
	return err
}

// EscrowGet returns the escrow stored for the asset identifier.
func (s *MarketState) EscrowGet(id [32]byte) (*market.Escrow, bool) {
	esc := new(market.Escrow)
	ok, err := s.getJSON(escrowKey(id), esc)
	if err != nil || !ok {
		return nil, false
	}
	return esc, true
}

// EscrowPut persists the escrow keyed by its asset identifier.
func (s *MarketState) EscrowPut(e *market.Escrow) error {
	sanitized, err := market.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	return s.putJSON(escrowKey(sanitized.Asset.Hash()), sanitized)
}

// EscrowTransition applies mutate to the stored escrow only when its current
// status matches expected, failing with market.ErrInvalidState otherwise.
func (s *MarketState) EscrowTransition(id [32]byte, expected market.EscrowStatus, mutate func(*market.Escrow)) (*market.Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	esc, ok := s.EscrowGet(id)
	if !ok {
		return nil, market.ErrInvalidState
	}
	if esc.Status != expected {
		return nil, market.ErrInvalidState
	}
	mutate(esc)
	if err := s.EscrowPut(esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// EscrowList enumerates all stored escrows in key order. Best-effort with
// respect to concurrent writers.
func (s *MarketState) EscrowList(fn func(*market.Escrow) bool) error {
	err := s.db.Iterate([]byte(escrowPrefix), func(_, value []byte) error {
		esc := new(market.Escrow)
		if err := json.Unmarshal(value, esc); err != nil {
			return fmt.Errorf("state: decode escrow: %w", err)
		}
		if !fn(esc) {
			return errStopIteration
		}
		return nil
	})
	if errors.Is(err, errStopIteration) {
		return nil
	}
	return err
}

// HeldFundsGet returns the held-funds record for the asset identifier.
func (s *MarketState) HeldFundsGet(id [32]byte) (*market.HeldFunds, bool) {
	held := new(market.HeldFunds)
	ok, err := s.getJSON(fundsKey(id), held)
	if err != nil || !ok {
		return nil, false
	}
	return held, true
}

// HeldFundsPut persists the held-funds record.
func (s *MarketState) HeldFundsPut(h *market.HeldFunds) error {
	if h == nil {
		return fmt.Errorf("state: nil held funds")
	}
	return s.putJSON(fundsKey(h.Asset.Hash()), h.Clone())
}

// HeldFundsClear removes the held-funds record once the escrow reaches a
// terminal state.
func (s *MarketState) HeldFundsClear(id [32]byte) error {
	return s.db.Delete(fundsKey(id))
}

// GetAccount loads a principal's account, returning a zero-balance account
// when none exists yet.
func (s *MarketState) GetAccount(addr [20]byte) (*types.Account, error) {
	acc := new(types.Account)
	ok, err := s.getJSON(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureBalance(nil), nil
	}
	return types.EnsureBalance(acc), nil
}

// PutAccount persists a principal's account.
func (s *MarketState) PutAccount(addr [20]byte, acc *types.Account) error {
	return s.putJSON(accountKey(addr), types.EnsureBalance(acc))
}

var errStopIteration = errors.New("state: stop iteration")
