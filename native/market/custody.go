package market

import (
	"fmt"
	"sync"
	"time"
)

// TransferReceipt acknowledges a completed custody change.
type TransferReceipt struct {
	Asset         AssetKey `json:"asset"`
	From          [20]byte `json:"from"`
	To            [20]byte `json:"to"`
	TransferredAt int64    `json:"transferredAt"`
}

// AssetGateway moves the non-fungible asset between custody parties. The
// engine is the only caller; it requests transfers and never assumes custody
// changed without a successful response. Implementations must make Transfer
// idempotent per (asset, from, to) tuple so retried settlements are safe.
type AssetGateway interface {
	Owner(asset AssetKey) ([20]byte, error)
	Transfer(asset AssetKey, from, to [20]byte) (*TransferReceipt, error)
}

// CustodyRegistry is an in-memory AssetGateway used for development and
// tests. Custody is a plain owner map seeded by the operator.
type CustodyRegistry struct {
	mu       sync.RWMutex
	owners   map[[32]byte][20]byte
	receipts map[string]*TransferReceipt
	nowFn    func() int64
}

// NewCustodyRegistry returns an empty registry.
func NewCustodyRegistry() *CustodyRegistry {
	return &CustodyRegistry{
		owners:   make(map[[32]byte][20]byte),
		receipts: make(map[string]*TransferReceipt),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *CustodyRegistry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Seed records the current custodian of an asset without producing a receipt.
func (r *CustodyRegistry) Seed(asset AssetKey, owner [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[asset.Hash()] = owner
}

// Owner returns the current custodian of the asset.
func (r *CustodyRegistry) Owner(asset AssetKey) ([20]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[asset.Hash()]
	if !ok {
		return [20]byte{}, fmt.Errorf("custody: unknown asset %s", asset)
	}
	return owner, nil
}

func receiptKey(asset AssetKey, from, to [20]byte) string {
	id := asset.Hash()
	return fmt.Sprintf("%x:%x:%x", id, from, to)
}

// Transfer moves custody from one party to another. Replaying a transfer that
// already applied returns the original receipt.
func (r *CustodyRegistry) Transfer(asset AssetKey, from, to [20]byte) (*TransferReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := asset.Hash()
	key := receiptKey(asset, from, to)
	owner, ok := r.owners[id]
	if !ok {
		return nil, fmt.Errorf("custody: unknown asset %s", asset)
	}
	if owner == to {
		if receipt, ok := r.receipts[key]; ok {
			clone := *receipt
			return &clone, nil
		}
	}
	if owner != from {
		return nil, fmt.Errorf("custody: %x is not the custodian of %s", from, asset)
	}
	r.owners[id] = to
	receipt := &TransferReceipt{
		Asset:         asset.Clone(),
		From:          from,
		To:            to,
		TransferredAt: r.nowFn(),
	}
	r.receipts[key] = receipt
	clone := *receipt
	return &clone, nil
}

// FailingGateway rejects every transfer. It backs tests that exercise the
// no-partial-settlement guarantee when the custody substrate is down.
type FailingGateway struct {
	OwnerOf map[[32]byte][20]byte
	Err     error
}

// Owner resolves custody from the static map when provided.
func (g *FailingGateway) Owner(asset AssetKey) ([20]byte, error) {
	if g.OwnerOf != nil {
		if owner, ok := g.OwnerOf[asset.Hash()]; ok {
			return owner, nil
		}
	}
	return [20]byte{}, fmt.Errorf("custody: unknown asset %s", asset)
}

// Transfer always fails.
func (g *FailingGateway) Transfer(asset AssetKey, from, to [20]byte) (*TransferReceipt, error) {
	if g.Err != nil {
		return nil, g.Err
	}
	return nil, fmt.Errorf("custody: transfer unavailable")
}
