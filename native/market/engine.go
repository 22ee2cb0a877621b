package market

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"tradepost/core/events"
	"tradepost/core/types"
)

var (
	errNilState    = errors.New("market engine: state not configured")
	errNilGateway  = errors.New("market engine: asset gateway not configured")
	errNilTreasury = errors.New("market engine: fee treasury not configured")
)

const (
	// DefaultFeeBps is the platform fee applied when the operator does not
	// configure one: 2.5% of the captured amount.
	DefaultFeeBps uint32 = 250
	// DefaultAutoReleaseTimeout is how long a delivered escrow waits for the
	// buyer before anyone may trigger settlement.
	DefaultAutoReleaseTimeout = 72 * time.Hour
)

type engineState interface {
	ListingGet(id [32]byte) (*Listing, bool)
	ListingPut(*Listing) error
	ListingList(fn func(*Listing) bool) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowPut(*Escrow) error
	// EscrowTransition applies mutate to the stored escrow only when its
	// current status matches expected, failing with ErrInvalidState
	// otherwise. This is the store-level compare-and-swap that keeps
	// same-key operations linearized even across engine instances.
	EscrowTransition(id [32]byte, expected EscrowStatus, mutate func(*Escrow)) (*Escrow, error)
	EscrowList(fn func(*Escrow) bool) error
	HeldFundsGet(id [32]byte) (*HeldFunds, bool)
	HeldFundsPut(*HeldFunds) error
	HeldFundsClear(id [32]byte) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine is the authoritative state machine for marketplace settlement. Every
// caller (HTTP gateway, CLI, scheduler) is a thin adapter over the nine
// operations below; no business logic lives outside the engine.
type Engine struct {
	state              engineState
	gateway            AssetGateway
	emitter            events.Emitter
	feeTreasury        [20]byte
	arbiter            [20]byte
	feeBps             uint32
	autoReleaseTimeout time.Duration
	nowFn              func() int64

	keyLocks [256]sync.Mutex
}

// NewEngine creates an engine with a no-op emitter and the documented default
// fee rate and auto-release timeout. Callers wire state, gateway, treasury
// and arbiter before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:            events.NoopEmitter{},
		feeBps:             DefaultFeeBps,
		autoReleaseTimeout: DefaultAutoReleaseTimeout,
		nowFn:              func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the asset transfer gateway.
func (e *Engine) SetGateway(gateway AssetGateway) { e.gateway = gateway }

// SetFeeTreasury configures the address that receives platform fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetArbiter configures the principal holding arbiter privilege.
func (e *Engine) SetArbiter(addr [20]byte) { e.arbiter = addr }

// SetFeeBps configures the platform fee rate. Values above 10000 are
// rejected.
func (e *Engine) SetFeeBps(bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("market engine: fee bps out of range: %d", bps)
	}
	e.feeBps = bps
	return nil
}

// SetAutoReleaseTimeout configures the delivered-escrow timeout. Non-positive
// values reset the default.
func (e *Engine) SetAutoReleaseTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultAutoReleaseTimeout
	}
	e.autoReleaseTimeout = d
}

// AutoReleaseTimeout returns the configured delivered-escrow timeout.
func (e *Engine) AutoReleaseTimeout() time.Duration { return e.autoReleaseTimeout }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// lockKey linearizes same-key operations within this engine instance. The
// store-level status compare-and-swap backs this up across instances.
func (e *Engine) lockKey(id [32]byte) func() {
	mu := &e.keyLocks[id[0]]
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) ensureReady() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	return nil
}

func (e *Engine) ensureTreasuryConfigured() error {
	if e == nil {
		return errNilTreasury
	}
	if e.feeTreasury == ([20]byte{}) {
		return errNilTreasury
	}
	return nil
}

func (e *Engine) credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("market engine: negative credit amount")
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = types.EnsureBalance(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return e.state.PutAccount(addr, acc)
}

func (e *Engine) debit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("market engine: negative debit amount")
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = types.EnsureBalance(acc)
	if acc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)
	return e.state.PutAccount(addr, acc)
}

func (e *Engine) nonTerminalEscrow(id [32]byte) (*Escrow, bool) {
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, false
	}
	if esc.Status.Terminal() {
		return nil, false
	}
	return esc, true
}

// ListItem creates an active listing for the asset at the given price. The
// caller must be the asset's current custodian.
func (e *Engine) ListItem(seller [20]byte, asset AssetKey, price *big.Int) (*Listing, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	owner, err := e.gateway.Owner(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotOwner, err)
	}
	if owner != seller {
		return nil, ErrNotOwner
	}
	if existing, ok := e.state.ListingGet(id); ok && existing.Active {
		return nil, ErrAlreadyListed
	}
	if _, ok := e.nonTerminalEscrow(id); ok {
		return nil, ErrEscrowInProgress
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	listing := &Listing{
		Asset:     asset.Clone(),
		Seller:    seller,
		Price:     new(big.Int).Set(price),
		Active:    true,
		CreatedAt: e.now(),
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(listing))
	return listing.Clone(), nil
}

// CancelListing deactivates the seller's listing. Cancellation is rejected
// while an escrow is in flight at the key.
func (e *Engine) CancelListing(seller [20]byte, asset AssetKey) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	listing, ok := e.state.ListingGet(id)
	if !ok {
		return ErrNotListed
	}
	if listing.Seller != seller {
		return ErrNotOwner
	}
	if _, ok := e.nonTerminalEscrow(id); ok {
		return ErrEscrowInProgress
	}
	if !listing.Active {
		return ErrNotListed
	}
	listing.Active = false
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewDelistedEvent(listing))
	return nil
}

// BuyItem captures the payment into engine custody, opens the escrow and
// deactivates the listing. The payment must equal the listing price exactly.
func (e *Engine) BuyItem(buyer [20]byte, asset AssetKey, payment *big.Int) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	listing, ok := e.state.ListingGet(id)
	if !ok {
		return nil, ErrNotListed
	}
	// An open escrow outranks the listing state so a retried purchase
	// surfaces as EscrowExists rather than NotListed.
	if _, ok := e.nonTerminalEscrow(id); ok {
		return nil, ErrEscrowExists
	}
	if !listing.Active {
		return nil, ErrNotListed
	}
	if payment == nil || payment.Cmp(listing.Price) != 0 {
		return nil, ErrWrongAmount
	}
	amount := new(big.Int).Set(payment)
	if err := e.debit(buyer, amount); err != nil {
		return nil, err
	}
	held := &HeldFunds{Asset: asset.Clone(), Payer: buyer, Amount: new(big.Int).Set(amount)}
	if err := e.state.HeldFundsPut(held); err != nil {
		if cerr := e.credit(buyer, amount); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}
	listing.Active = false
	if err := e.state.ListingPut(listing); err != nil {
		return nil, e.undoCapture(buyer, amount, id, err)
	}
	esc := &Escrow{
		Asset:          asset.Clone(),
		Buyer:          buyer,
		Seller:         listing.Seller,
		AmountCaptured: amount,
		FeeBps:         e.feeBps,
		Status:         StatusEscrow,
		PurchaseTime:   e.now(),
	}
	if err := e.state.EscrowPut(esc); err != nil {
		listing.Active = true
		if perr := e.state.ListingPut(listing); perr != nil {
			return nil, errors.Join(err, perr)
		}
		return nil, e.undoCapture(buyer, amount, id, err)
	}
	e.emit(NewPurchasedEvent(esc))
	return esc.Clone(), nil
}

// undoCapture unwinds a partially applied purchase capture: the held-funds
// record is removed and the captured amount returned to the payer. The
// original cause is returned; a failed compensation is joined onto it.
func (e *Engine) undoCapture(payer [20]byte, amount *big.Int, id [32]byte, cause error) error {
	if err := e.state.HeldFundsClear(id); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.credit(payer, amount); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// MarkDelivered records that the seller handed the asset over, starting the
// auto-release clock.
func (e *Engine) MarkDelivered(seller [20]byte, asset AssetKey) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrInvalidState
	}
	if esc.Seller != seller {
		return nil, ErrNotSeller
	}
	if esc.Status != StatusEscrow {
		return nil, ErrInvalidState
	}
	now := e.now()
	updated, err := e.state.EscrowTransition(id, StatusEscrow, func(cur *Escrow) {
		cur.Status = StatusDelivered
		cur.DeliveryTime = now
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewDeliveredEvent(updated))
	return updated.Clone(), nil
}

// ConfirmDelivery settles the escrow in favour of the seller: the asset moves
// to the buyer, the captured amount is split between seller and treasury and
// the escrow completes.
func (e *Engine) ConfirmDelivery(buyer [20]byte, asset AssetKey) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrInvalidState
	}
	if esc.Buyer != buyer {
		return nil, ErrNotBuyer
	}
	if esc.Status != StatusDelivered {
		return nil, ErrInvalidState
	}
	return e.settle(esc, StatusDelivered, false)
}

// RaiseDispute freezes the escrow pending arbitration. Only the buyer may
// dispute, from either the escrow or delivered state.
func (e *Engine) RaiseDispute(buyer [20]byte, asset AssetKey) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrInvalidState
	}
	if esc.Buyer != buyer {
		return nil, ErrNotBuyer
	}
	if esc.Status != StatusEscrow && esc.Status != StatusDelivered {
		return nil, ErrInvalidState
	}
	updated, err := e.state.EscrowTransition(id, esc.Status, func(cur *Escrow) {
		cur.Status = StatusDisputed
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(updated))
	return updated.Clone(), nil
}

// ResolveDispute forces a disputed escrow to a terminal state. A buyer win
// refunds the full captured amount; a seller win runs the same settlement as
// ConfirmDelivery.
func (e *Engine) ResolveDispute(caller [20]byte, asset AssetKey, buyerWins bool) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if caller != e.arbiter || e.arbiter == ([20]byte{}) {
		return nil, ErrNotArbiter
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok || esc.Status != StatusDisputed {
		return nil, ErrInvalidState
	}
	if buyerWins {
		updated, err := e.refundEscrow(esc, StatusDisputed, NewRefundedEvent)
		if err != nil {
			return nil, err
		}
		e.emit(NewResolvedEvent(updated, "buyer_wins"))
		return updated.Clone(), nil
	}
	updated, err := e.settle(esc, StatusDisputed, false)
	if err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(updated, "seller_wins"))
	return updated, nil
}

// AutoRelease settles a delivered escrow once the buyer's confirmation window
// has lapsed. Callable by anyone; it is the permissionless liveness valve.
func (e *Engine) AutoRelease(caller [20]byte, asset AssetKey) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok || esc.Status != StatusDelivered {
		return nil, ErrInvalidState
	}
	if !ReleaseEligible(e.now(), esc.DeliveryTime, e.autoReleaseTimeout) {
		return nil, ErrTimeoutNotElapsed
	}
	return e.settle(esc, StatusDelivered, true)
}

// EmergencyRefund returns the captured amount to the buyer from any
// non-terminal state. Reserved for platform-level incident response and
// logged distinctly from dispute resolution.
func (e *Engine) EmergencyRefund(caller [20]byte, asset AssetKey) (*Escrow, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if caller != e.arbiter || e.arbiter == ([20]byte{}) {
		return nil, ErrNotArbiter
	}
	id := asset.Hash()
	unlock := e.lockKey(id)
	defer unlock()

	esc, ok := e.state.EscrowGet(id)
	if !ok || esc.Status == StatusNone || esc.Status.Terminal() {
		return nil, ErrInvalidState
	}
	updated, err := e.refundEscrow(esc, esc.Status, NewEmergencyRefundEvent)
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (e *Engine) settle(esc *Escrow, from EscrowStatus, auto bool) (*Escrow, error) {
	updated, fee, net, err := e.settleFunds(esc, from)
	if err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(updated, fee, net, auto))
	return updated.Clone(), nil
}

// settleFunds performs the one atomic settlement unit: asset transfer first,
// then funds release, then the terminal status write. If the gateway call
// fails no funds move and the escrow status is unchanged.
func (e *Engine) settleFunds(esc *Escrow, from EscrowStatus) (*Escrow, *big.Int, *big.Int, error) {
	if err := e.ensureTreasuryConfigured(); err != nil {
		return nil, nil, nil, err
	}
	id := esc.Asset.Hash()
	held, ok := e.state.HeldFundsGet(id)
	if !ok {
		return nil, nil, nil, fmt.Errorf("market engine: no held funds for %s", esc.Asset)
	}
	amount := held.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, nil, fmt.Errorf("market engine: held amount must be positive")
	}
	if esc.AmountCaptured != nil && amount.Cmp(esc.AmountCaptured) != 0 {
		return nil, nil, nil, fmt.Errorf("market engine: held funds diverge from captured amount")
	}
	fee, net := SplitFee(amount, esc.FeeBps)
	if _, err := e.gateway.Transfer(esc.Asset, esc.Seller, esc.Buyer); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrAssetTransferFailed, err)
	}
	if err := e.credit(esc.Seller, net); err != nil {
		return nil, nil, nil, err
	}
	if err := e.credit(e.feeTreasury, fee); err != nil {
		return nil, nil, nil, err
	}
	if err := e.state.HeldFundsClear(id); err != nil {
		return nil, nil, nil, err
	}
	now := e.now()
	updated, err := e.state.EscrowTransition(id, from, func(cur *Escrow) {
		cur.Status = StatusCompleted
		cur.CompletionTime = now
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return updated, fee, net, nil
}

func (e *Engine) refundEscrow(esc *Escrow, from EscrowStatus, eventFn func(*Escrow) *types.Event) (*Escrow, error) {
	id := esc.Asset.Hash()
	held, ok := e.state.HeldFundsGet(id)
	if !ok {
		return nil, fmt.Errorf("market engine: no held funds for %s", esc.Asset)
	}
	amount := held.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("market engine: held amount must be positive")
	}
	if err := e.credit(held.Payer, amount); err != nil {
		return nil, err
	}
	if err := e.state.HeldFundsClear(id); err != nil {
		return nil, err
	}
	now := e.now()
	updated, err := e.state.EscrowTransition(id, from, func(cur *Escrow) {
		cur.Status = StatusRefunded
		cur.CompletionTime = now
	})
	if err != nil {
		return nil, err
	}
	e.emit(eventFn(updated))
	return updated, nil
}

// Listing returns a copy of the listing stored at the key, if any.
func (e *Engine) Listing(asset AssetKey) (*Listing, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	listing, ok := e.state.ListingGet(asset.Hash())
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

// Escrow returns a copy of the escrow stored at the key, if any.
func (e *Engine) Escrow(asset AssetKey) (*Escrow, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	esc, ok := e.state.EscrowGet(asset.Hash())
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

// ActiveListings enumerates active listings. Best-effort: intended for UI
// listing pages, not for correctness-critical decisions.
func (e *Engine) ActiveListings() ([]*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out []*Listing
	err := e.state.ListingList(func(l *Listing) bool {
		if l != nil && l.Active {
			out = append(out, l.Clone())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance reports a principal's spendable balance.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	acc = types.EnsureBalance(acc)
	return new(big.Int).Set(acc.Balance), nil
}

// Mint credits a principal's balance outside the escrow flow. Operator
// tooling and tests use it to fund buyers.
func (e *Engine) Mint(addr [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("market engine: mint amount must be non-negative")
	}
	return e.credit(addr, amount)
}
