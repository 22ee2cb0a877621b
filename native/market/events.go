package market

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"tradepost/core/types"
)

const (
	EventTypeListed          = "market.listed"
	EventTypeDelisted        = "market.delisted"
	EventTypePurchased       = "market.purchased"
	EventTypeDelivered       = "market.delivered"
	EventTypeCompleted       = "market.completed"
	EventTypeDisputed        = "market.disputed"
	EventTypeResolved        = "market.resolved"
	EventTypeRefunded        = "market.refunded"
	EventTypeEmergencyRefund = "market.emergency_refunded"
)

// NewListedEvent returns the canonical event payload for a newly created
// listing.
func NewListedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeListed, l) }

// NewDelistedEvent returns the canonical event payload for a cancelled
// listing.
func NewDelistedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeDelisted, l) }

// NewPurchasedEvent returns the canonical event payload emitted when a buyer
// captures funds into escrow.
func NewPurchasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypePurchased, e, nil) }

// NewDeliveredEvent returns the canonical event payload emitted when the
// seller marks the asset delivered.
func NewDeliveredEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeDelivered, e, nil) }

// NewCompletedEvent returns the canonical event payload for a settlement in
// favour of the seller. The fee split is included so downstream consumers can
// audit the sum invariant without recomputing it.
func NewCompletedEvent(e *Escrow, fee, net *big.Int, auto bool) *types.Event {
	extra := map[string]string{}
	if fee != nil {
		extra["fee"] = fee.String()
	}
	if net != nil {
		extra["netSeller"] = net.String()
	}
	if auto {
		extra["autoRelease"] = "true"
	}
	return newEscrowEvent(EventTypeCompleted, e, extra)
}

// NewDisputedEvent returns the canonical event payload emitted when the buyer
// raises a dispute.
func NewDisputedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeDisputed, e, nil) }

// NewResolvedEvent returns the canonical event payload emitted when an
// arbiter resolves a dispute. Outcome is "buyer_wins" or "seller_wins".
func NewResolvedEvent(e *Escrow, outcome string) *types.Event {
	extra := map[string]string{}
	if strings.TrimSpace(outcome) != "" {
		extra["outcome"] = outcome
	}
	return newEscrowEvent(EventTypeResolved, e, extra)
}

// NewRefundedEvent returns the canonical event payload for a refund of the
// captured amount to the buyer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeRefunded, e, nil) }

// NewEmergencyRefundEvent returns the payload for a platform-level emergency
// refund. Deliberately a distinct type from market.refunded so incident
// responses remain distinguishable in the audit trail.
func NewEmergencyRefundEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEmergencyRefund, e, nil)
}

func assetAttrs(attrs map[string]string, asset AssetKey) {
	attrs["assetContract"] = hex.EncodeToString(asset.Contract[:])
	token := asset.TokenID
	if token == nil {
		token = big.NewInt(0)
	}
	attrs["tokenId"] = token.String()
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	assetAttrs(attrs, sanitized.Asset)
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["price"] = sanitized.Price.String()
	attrs["active"] = strconv.FormatBool(sanitized.Active)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	assetAttrs(attrs, sanitized.Asset)
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["amountCaptured"] = sanitized.AmountCaptured.String()
	attrs["feeBps"] = strconv.FormatUint(uint64(sanitized.FeeBps), 10)
	attrs["status"] = sanitized.Status.String()
	attrs["purchaseTime"] = strconv.FormatInt(sanitized.PurchaseTime, 10)
	if sanitized.DeliveryTime > 0 {
		attrs["deliveryTime"] = strconv.FormatInt(sanitized.DeliveryTime, 10)
	}
	if sanitized.CompletionTime > 0 {
		attrs["completionTime"] = strconv.FormatInt(sanitized.CompletionTime, 10)
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
