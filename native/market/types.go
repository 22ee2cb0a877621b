package market

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EscrowStatus represents the lifecycle states supported by the settlement
// engine. The ordinal encodes forward progress: an escrow only ever moves to
// a status with equal or higher meaning within the state machine.
type EscrowStatus uint8

const (
	StatusNone      EscrowStatus = iota // no escrow exists at the key
	StatusEscrow                        // funds captured, awaiting delivery
	StatusDelivered                     // seller marked the asset delivered
	StatusCompleted                     // settled in favour of the seller
	StatusRefunded                      // captured funds returned to the buyer
	StatusDisputed                      // buyer raised a dispute, awaiting arbitration
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case StatusNone, StatusEscrow, StatusDelivered, StatusCompleted, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the escrow lifecycle. Disputed
// escrows are not terminal until arbitrated.
func (s EscrowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// String returns the canonical lowercase name used in events and APIs.
func (s EscrowStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusEscrow:
		return "escrow"
	case StatusDelivered:
		return "delivered"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// AssetKey identifies the tradable unit: the asset contract together with the
// token identifier within it. At most one active listing and one non-terminal
// escrow exist per key at any time.
type AssetKey struct {
	Contract [20]byte `json:"contract"`
	TokenID  *big.Int `json:"tokenId"`
}

// NewAssetKey builds a key with a defensive copy of the token identifier.
func NewAssetKey(contract [20]byte, tokenID *big.Int) AssetKey {
	key := AssetKey{Contract: contract}
	if tokenID != nil {
		key.TokenID = new(big.Int).Set(tokenID)
	} else {
		key.TokenID = big.NewInt(0)
	}
	return key
}

// Hash derives the storage identifier for the key as the keccak256 hash of
// the contract address and the token identifier encoded as a 32-byte word.
func (k AssetKey) Hash() [32]byte {
	token := k.TokenID
	if token == nil {
		token = big.NewInt(0)
	}
	var word [32]byte
	token.FillBytes(word[:])
	return ethcrypto.Keccak256Hash(k.Contract[:], word[:])
}

// Equal reports whether two keys identify the same tradable unit.
func (k AssetKey) Equal(other AssetKey) bool {
	if k.Contract != other.Contract {
		return false
	}
	a, b := k.TokenID, other.TokenID
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) == 0
}

func (k AssetKey) String() string {
	token := k.TokenID
	if token == nil {
		token = big.NewInt(0)
	}
	return fmt.Sprintf("0x%x/%s", k.Contract, token.String())
}

// Clone returns a deep copy of the key.
func (k AssetKey) Clone() AssetKey {
	return NewAssetKey(k.Contract, k.TokenID)
}

// Listing records a seller's offer of an asset at a fixed price in minor
// currency units. One active listing may exist per asset key at a time.
type Listing struct {
	Asset     AssetKey `json:"asset"`
	Seller    [20]byte `json:"seller"`
	Price     *big.Int `json:"price"`
	Active    bool     `json:"active"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Asset = l.Asset.Clone()
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Escrow captures the state of a single settlement between a buyer and a
// seller. AmountCaptured is fixed at purchase time and never recomputed; the
// fee rate is frozen alongside it so later settlement cannot drift from the
// terms the buyer accepted.
type Escrow struct {
	Asset          AssetKey     `json:"asset"`
	Buyer          [20]byte     `json:"buyer"`
	Seller         [20]byte     `json:"seller"`
	AmountCaptured *big.Int     `json:"amountCaptured"`
	FeeBps         uint32       `json:"feeBps"`
	Status         EscrowStatus `json:"status"`
	PurchaseTime   int64        `json:"purchaseTime"`
	DeliveryTime   int64        `json:"deliveryTime,omitempty"`
	CompletionTime int64        `json:"completionTime,omitempty"`
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Asset = e.Asset.Clone()
	if e.AmountCaptured != nil {
		clone.AmountCaptured = new(big.Int).Set(e.AmountCaptured)
	} else {
		clone.AmountCaptured = big.NewInt(0)
	}
	return &clone
}

// SanitizeEscrow validates and normalises the supplied escrow, returning a
// cloned instance with a non-nil amount. The function does not mutate the
// original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("market: nil escrow")
	}
	clone := e.Clone()
	if clone.AmountCaptured.Sign() < 0 {
		return nil, fmt.Errorf("market: escrow amount must be non-negative")
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("market: escrow fee bps out of range: %d", clone.FeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}

// SanitizeListing validates and normalises the supplied listing.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("market: listing price must be non-negative")
	}
	return clone, nil
}

// HeldFunds is the explicit record of value captured from the buyer and owned
// by the engine while the escrow is in flight. The record exists from capture
// until a terminal transition releases or returns the full amount, which makes
// the exactly-once release invariant mechanically checkable.
type HeldFunds struct {
	Asset  AssetKey `json:"asset"`
	Payer  [20]byte `json:"payer"`
	Amount *big.Int `json:"amount"`
}

// Clone returns a deep copy of the held funds record.
func (h *HeldFunds) Clone() *HeldFunds {
	if h == nil {
		return nil
	}
	clone := *h
	clone.Asset = h.Asset.Clone()
	if h.Amount != nil {
		clone.Amount = new(big.Int).Set(h.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}
