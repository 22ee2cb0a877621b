package market

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"tradepost/core/events"
	"tradepost/core/types"
)

type mockState struct {
	listings map[[32]byte]*Listing
	escrows  map[[32]byte]*Escrow
	funds    map[[32]byte]*HeldFunds
	accounts map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		listings: make(map[[32]byte]*Listing),
		escrows:  make(map[[32]byte]*Escrow),
		funds:    make(map[[32]byte]*HeldFunds),
		accounts: make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) ListingGet(id [32]byte) (*Listing, bool) {
	l, ok := m.listings[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func (m *mockState) ListingPut(l *Listing) error {
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.Asset.Hash()] = sanitized
	return nil
}

func (m *mockState) ListingList(fn func(*Listing) bool) error {
	for _, l := range m.listings {
		if !fn(l.Clone()) {
			return nil
		}
	}
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Escrow, bool) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (m *mockState) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.Asset.Hash()] = sanitized
	return nil
}

func (m *mockState) EscrowTransition(id [32]byte, expected EscrowStatus, mutate func(*Escrow)) (*Escrow, error) {
	cur, ok := m.escrows[id]
	if !ok || cur.Status != expected {
		return nil, ErrInvalidState
	}
	next := cur.Clone()
	mutate(next)
	sanitized, err := SanitizeEscrow(next)
	if err != nil {
		return nil, err
	}
	m.escrows[id] = sanitized
	return sanitized.Clone(), nil
}

func (m *mockState) EscrowList(fn func(*Escrow) bool) error {
	for _, e := range m.escrows {
		if !fn(e.Clone()) {
			return nil
		}
	}
	return nil
}

func (m *mockState) HeldFundsGet(id [32]byte) (*HeldFunds, bool) {
	h, ok := m.funds[id]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

func (m *mockState) HeldFundsPut(h *HeldFunds) error {
	if h == nil {
		return errors.New("mock: nil held funds")
	}
	m.funds[h.Asset.Hash()] = h.Clone()
	return nil
}

func (m *mockState) HeldFundsClear(id [32]byte) error {
	delete(m.funds, id)
	return nil
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func testAddress(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

var (
	seller   = testAddress(0x01)
	buyer    = testAddress(0x02)
	arbiter  = testAddress(0x03)
	treasury = testAddress(0x04)
	stranger = testAddress(0x05)
)

type testEnv struct {
	engine   *Engine
	state    *mockState
	registry *CustodyRegistry
	recorder *events.Recorder
	now      int64
}

func (env *testEnv) advance(d time.Duration) {
	env.now += int64(d / time.Second)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:    newMockState(),
		registry: NewCustodyRegistry(),
		recorder: &events.Recorder{},
		now:      1_700_000_000,
	}
	engine := NewEngine()
	engine.SetState(env.state)
	engine.SetGateway(env.registry)
	engine.SetFeeTreasury(treasury)
	engine.SetArbiter(arbiter)
	engine.SetEmitter(env.recorder)
	engine.SetNowFunc(func() int64 { return env.now })
	env.registry.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

func testAsset(token int64) AssetKey {
	contract := testAddress(0xAA)
	return NewAssetKey(contract, big.NewInt(token))
}

func (env *testEnv) seedAsset(t *testing.T, token int64) AssetKey {
	t.Helper()
	asset := testAsset(token)
	env.registry.Seed(asset, seller)
	return asset
}

func (env *testEnv) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	if err := env.engine.Mint(addr, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (env *testEnv) list(t *testing.T, asset AssetKey, price int64) *Listing {
	t.Helper()
	listing, err := env.engine.ListItem(seller, asset, big.NewInt(price))
	if err != nil {
		t.Fatalf("list item: %v", err)
	}
	return listing
}

func (env *testEnv) buy(t *testing.T, asset AssetKey, payment int64) *Escrow {
	t.Helper()
	esc, err := env.engine.BuyItem(buyer, asset, big.NewInt(payment))
	if err != nil {
		t.Fatalf("buy item: %v", err)
	}
	return esc
}

func (env *testEnv) deliver(t *testing.T, asset AssetKey) *Escrow {
	t.Helper()
	esc, err := env.engine.MarkDelivered(seller, asset)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	return esc
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := env.engine.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (env *testEnv) eventTypes() []string {
	out := make([]string, 0, len(env.recorder.Events))
	for _, evt := range env.recorder.Events {
		out = append(out, evt.EventType())
	}
	return out
}

func TestListItem(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	listing := env.list(t, asset, 1_000_000)
	if !listing.Active {
		t.Fatalf("expected active listing")
	}
	if listing.Seller != seller {
		t.Fatalf("unexpected seller: %x", listing.Seller)
	}
	if listing.Price.Int64() != 1_000_000 {
		t.Fatalf("unexpected price: %s", listing.Price)
	}
	if got := env.eventTypes(); len(got) != 1 || got[0] != EventTypeListed {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestListItemRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	if _, err := env.engine.ListItem(stranger, asset, big.NewInt(100)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	unknown := testAsset(99)
	if _, err := env.engine.ListItem(seller, unknown, big.NewInt(100)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for unknown asset, got %v", err)
	}
}

func TestListItemRejectsInvalidPrice(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	if _, err := env.engine.ListItem(seller, asset, big.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero, got %v", err)
	}
	if _, err := env.engine.ListItem(seller, asset, big.NewInt(-5)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative, got %v", err)
	}
	if _, err := env.engine.ListItem(seller, asset, nil); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for nil, got %v", err)
	}
}

func TestListItemRejectsDoubleListing(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)

	if _, err := env.engine.ListItem(seller, asset, big.NewInt(200)); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestRelistAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)

	if err := env.engine.CancelListing(seller, asset); err != nil {
		t.Fatalf("cancel listing: %v", err)
	}
	listing := env.list(t, asset, 250)
	if listing.Price.Int64() != 250 {
		t.Fatalf("unexpected relist price: %s", listing.Price)
	}
}

func TestCancelListingValidation(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	if err := env.engine.CancelListing(seller, asset); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
	env.list(t, asset, 100)
	if err := env.engine.CancelListing(stranger, asset); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestCancelListingBlockedDuringEscrow(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if err := env.engine.CancelListing(seller, asset); !errors.Is(err, ErrEscrowInProgress) {
		t.Fatalf("expected ErrEscrowInProgress after purchase, got %v", err)
	}
}

func TestListItemBlockedDuringEscrow(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if _, err := env.engine.ListItem(seller, asset, big.NewInt(100)); !errors.Is(err, ErrEscrowInProgress) {
		t.Fatalf("expected ErrEscrowInProgress, got %v", err)
	}
}

func TestBuyItem(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 1_000_000)
	env.fund(t, buyer, 1_500_000)

	esc := env.buy(t, asset, 1_000_000)
	if esc.Status != StatusEscrow {
		t.Fatalf("unexpected status: %s", esc.Status)
	}
	if esc.Buyer != buyer || esc.Seller != seller {
		t.Fatalf("unexpected parties: buyer %x seller %x", esc.Buyer, esc.Seller)
	}
	if esc.AmountCaptured.Int64() != 1_000_000 {
		t.Fatalf("unexpected captured amount: %s", esc.AmountCaptured)
	}
	if esc.FeeBps != DefaultFeeBps {
		t.Fatalf("unexpected fee bps: %d", esc.FeeBps)
	}
	if got := env.balance(t, buyer); got != 500_000 {
		t.Fatalf("buyer balance after capture: %d", got)
	}
	held, ok := env.state.HeldFundsGet(asset.Hash())
	if !ok {
		t.Fatalf("expected held funds record")
	}
	if held.Payer != buyer || held.Amount.Int64() != 1_000_000 {
		t.Fatalf("unexpected held funds: payer %x amount %s", held.Payer, held.Amount)
	}
	if listing, ok := env.engine.Listing(asset); !ok || listing.Active {
		t.Fatalf("expected listing deactivated after purchase")
	}
}

func TestBuyItemValidation(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(100)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
	env.list(t, asset, 100)
	env.fund(t, buyer, 1_000)
	if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(99)); !errors.Is(err, ErrWrongAmount) {
		t.Fatalf("expected ErrWrongAmount below price, got %v", err)
	}
	if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(101)); !errors.Is(err, ErrWrongAmount) {
		t.Fatalf("expected ErrWrongAmount above price, got %v", err)
	}
	if _, err := env.engine.BuyItem(buyer, asset, nil); !errors.Is(err, ErrWrongAmount) {
		t.Fatalf("expected ErrWrongAmount for nil payment, got %v", err)
	}
}

func TestBuyItemInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 500)
	env.fund(t, buyer, 499)

	if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(500)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.balance(t, buyer); got != 499 {
		t.Fatalf("buyer balance changed on failed purchase: %d", got)
	}
}

type faultState struct {
	*mockState
	heldPutErr    error
	listingPutErr error
	escrowPutErr  error
}

func (f *faultState) HeldFundsPut(h *HeldFunds) error {
	if f.heldPutErr != nil {
		return f.heldPutErr
	}
	return f.mockState.HeldFundsPut(h)
}

func (f *faultState) ListingPut(l *Listing) error {
	if f.listingPutErr != nil && !l.Active {
		return f.listingPutErr
	}
	return f.mockState.ListingPut(l)
}

func (f *faultState) EscrowPut(e *Escrow) error {
	if f.escrowPutErr != nil {
		return f.escrowPutErr
	}
	return f.mockState.EscrowPut(e)
}

func TestBuyItemUnwindsOnStorageFailure(t *testing.T) {
	boom := errors.New("ledger write failed")
	cases := []struct {
		name  string
		fault func(*faultState)
	}{
		{name: "held funds write fails", fault: func(f *faultState) { f.heldPutErr = boom }},
		{name: "listing write fails", fault: func(f *faultState) { f.listingPutErr = boom }},
		{name: "escrow write fails", fault: func(f *faultState) { f.escrowPutErr = boom }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			asset := env.seedAsset(t, 1)
			env.list(t, asset, 100)
			env.fund(t, buyer, 100)

			fault := &faultState{mockState: env.state}
			tc.fault(fault)
			env.engine.SetState(fault)

			if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(100)); !errors.Is(err, boom) {
				t.Fatalf("expected storage error, got %v", err)
			}
			// The capture is fully unwound: balance, held funds, listing
			// and escrow are as they were before the call.
			if got := env.balance(t, buyer); got != 100 {
				t.Fatalf("buyer debit not unwound: %d", got)
			}
			if _, ok := env.state.HeldFundsGet(asset.Hash()); ok {
				t.Fatalf("held funds record left behind")
			}
			if _, ok := env.state.EscrowGet(asset.Hash()); ok {
				t.Fatalf("escrow record left behind")
			}
			listing, ok := env.state.ListingGet(asset.Hash())
			if !ok || !listing.Active {
				t.Fatalf("listing not restored: %+v", listing)
			}

			env.engine.SetState(env.state)
			if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(100)); err != nil {
				t.Fatalf("retry after recovery: %v", err)
			}
		})
	}
}

func TestConfirmDeliverySettles(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 1_000_000)
	env.fund(t, buyer, 1_000_000)
	env.buy(t, asset, 1_000_000)
	env.deliver(t, asset)

	esc, err := env.engine.ConfirmDelivery(buyer, asset)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if esc.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", esc.Status)
	}
	if esc.CompletionTime != env.now {
		t.Fatalf("unexpected completion time: %d", esc.CompletionTime)
	}
	// 2.5% of 1,000,000.
	if got := env.balance(t, seller); got != 975_000 {
		t.Fatalf("seller payout: %d", got)
	}
	if got := env.balance(t, treasury); got != 25_000 {
		t.Fatalf("treasury fee: %d", got)
	}
	if got := env.balance(t, buyer); got != 0 {
		t.Fatalf("buyer balance: %d", got)
	}
	if _, ok := env.state.HeldFundsGet(asset.Hash()); ok {
		t.Fatalf("held funds record not cleared")
	}
	owner, err := env.registry.Owner(asset)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != buyer {
		t.Fatalf("asset custody not transferred: %x", owner)
	}
	want := []string{EventTypeListed, EventTypePurchased, EventTypeDelivered, EventTypeCompleted}
	got := env.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("unexpected event count: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestConfirmDeliveryValidation(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if _, err := env.engine.ConfirmDelivery(buyer, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before delivery, got %v", err)
	}
	env.deliver(t, asset)
	if _, err := env.engine.ConfirmDelivery(stranger, asset); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if _, err := env.engine.ConfirmDelivery(seller, asset); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer for seller, got %v", err)
	}
}

func TestMarkDeliveredValidation(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)

	if _, err := env.engine.MarkDelivered(seller, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without escrow, got %v", err)
	}
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)
	if _, err := env.engine.MarkDelivered(buyer, asset); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	env.deliver(t, asset)
	if _, err := env.engine.MarkDelivered(seller, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat delivery, got %v", err)
	}
}

func TestDoubleBuyRejected(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 200)
	env.buy(t, asset, 100)

	// A retried purchase must report the open escrow, not the deactivated
	// listing, and leave the first capture applied exactly once.
	if _, err := env.engine.BuyItem(buyer, asset, big.NewInt(100)); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists on retry, got %v", err)
	}
	env.fund(t, stranger, 100)
	if _, err := env.engine.BuyItem(stranger, asset, big.NewInt(100)); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists for second buyer, got %v", err)
	}
	if got := env.balance(t, buyer); got != 100 {
		t.Fatalf("buyer debited more than once: %d", got)
	}
	held, ok := env.state.HeldFundsGet(asset.Hash())
	if !ok || held.Amount.Int64() != 100 {
		t.Fatalf("held funds changed on retry: %+v", held)
	}
}

func TestFeeSplitFrozenAtPurchase(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 10_000)
	env.fund(t, buyer, 10_000)
	env.buy(t, asset, 10_000)
	env.deliver(t, asset)

	// Fee rate changes after purchase must not affect an open escrow.
	if err := env.engine.SetFeeBps(1_000); err != nil {
		t.Fatalf("set fee bps: %v", err)
	}
	if _, err := env.engine.ConfirmDelivery(buyer, asset); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if got := env.balance(t, treasury); got != 250 {
		t.Fatalf("treasury fee should use frozen 250 bps: %d", got)
	}
	if got := env.balance(t, seller); got != 9_750 {
		t.Fatalf("seller payout: %d", got)
	}
}

func TestFeeRoundingFavoursSeller(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 999)
	env.fund(t, buyer, 999)
	env.buy(t, asset, 999)
	env.deliver(t, asset)

	if _, err := env.engine.ConfirmDelivery(buyer, asset); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	// floor(999*250/10000) = 24, remainder stays with the seller.
	if got := env.balance(t, treasury); got != 24 {
		t.Fatalf("treasury fee: %d", got)
	}
	if got := env.balance(t, seller); got != 975 {
		t.Fatalf("seller payout: %d", got)
	}
	if env.balance(t, treasury)+env.balance(t, seller) != 999 {
		t.Fatalf("fee + net must equal captured amount")
	}
}

func TestDisputeFromEscrowAndDelivered(t *testing.T) {
	for _, delivered := range []bool{false, true} {
		env := newTestEnv(t)
		asset := env.seedAsset(t, 1)
		env.list(t, asset, 100)
		env.fund(t, buyer, 100)
		env.buy(t, asset, 100)
		if delivered {
			env.deliver(t, asset)
		}
		esc, err := env.engine.RaiseDispute(buyer, asset)
		if err != nil {
			t.Fatalf("raise dispute (delivered=%v): %v", delivered, err)
		}
		if esc.Status != StatusDisputed {
			t.Fatalf("unexpected status: %s", esc.Status)
		}
	}
}

func TestDisputeValidation(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if _, err := env.engine.RaiseDispute(seller, asset); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if _, err := env.engine.RaiseDispute(buyer, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double dispute, got %v", err)
	}
	if _, err := env.engine.MarkDelivered(seller, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState delivering disputed escrow, got %v", err)
	}
	if _, err := env.engine.ConfirmDelivery(buyer, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState confirming disputed escrow, got %v", err)
	}
}

func TestResolveDisputeBuyerWins(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 1_000)
	env.fund(t, buyer, 1_000)
	env.buy(t, asset, 1_000)
	if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	esc, err := env.engine.ResolveDispute(arbiter, asset, true)
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if esc.Status != StatusRefunded {
		t.Fatalf("unexpected status: %s", esc.Status)
	}
	// Full refund, no fee charged.
	if got := env.balance(t, buyer); got != 1_000 {
		t.Fatalf("buyer refund: %d", got)
	}
	if got := env.balance(t, treasury); got != 0 {
		t.Fatalf("treasury should receive nothing on refund: %d", got)
	}
	owner, err := env.registry.Owner(asset)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != seller {
		t.Fatalf("asset must stay with seller on buyer win: %x", owner)
	}
	if _, err := env.engine.ConfirmDelivery(buyer, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on terminal escrow, got %v", err)
	}
}

func TestResolveDisputeSellerWins(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 10_000)
	env.fund(t, buyer, 10_000)
	env.buy(t, asset, 10_000)
	env.deliver(t, asset)
	if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	esc, err := env.engine.ResolveDispute(arbiter, asset, false)
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if esc.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", esc.Status)
	}
	if got := env.balance(t, seller); got != 9_750 {
		t.Fatalf("seller payout: %d", got)
	}
	if got := env.balance(t, treasury); got != 250 {
		t.Fatalf("treasury fee: %d", got)
	}
	owner, _ := env.registry.Owner(asset)
	if owner != buyer {
		t.Fatalf("asset must move to buyer on seller win: %x", owner)
	}
}

func TestResolveDisputeAuthorization(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)
	if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	for _, caller := range [][20]byte{buyer, seller, stranger} {
		if _, err := env.engine.ResolveDispute(caller, asset, true); !errors.Is(err, ErrNotArbiter) {
			t.Fatalf("expected ErrNotArbiter for %x, got %v", caller, err)
		}
	}
	if _, err := env.engine.ResolveDispute(arbiter, testAsset(7), true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unknown escrow, got %v", err)
	}
}

func TestResolveDisputeRequiresDisputedStatus(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if _, err := env.engine.ResolveDispute(arbiter, asset, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for undisputed escrow, got %v", err)
	}
}

func TestAutoRelease(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 1_000_000)
	env.fund(t, buyer, 1_000_000)
	env.buy(t, asset, 1_000_000)
	env.deliver(t, asset)

	if _, err := env.engine.AutoRelease(stranger, asset); !errors.Is(err, ErrTimeoutNotElapsed) {
		t.Fatalf("expected ErrTimeoutNotElapsed, got %v", err)
	}
	env.advance(DefaultAutoReleaseTimeout - time.Second)
	if _, err := env.engine.AutoRelease(stranger, asset); !errors.Is(err, ErrTimeoutNotElapsed) {
		t.Fatalf("expected ErrTimeoutNotElapsed one second early, got %v", err)
	}
	env.advance(time.Second)
	esc, err := env.engine.AutoRelease(stranger, asset)
	if err != nil {
		t.Fatalf("auto release: %v", err)
	}
	if esc.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", esc.Status)
	}
	if got := env.balance(t, seller); got != 975_000 {
		t.Fatalf("seller payout: %d", got)
	}
	if got := env.balance(t, treasury); got != 25_000 {
		t.Fatalf("treasury fee: %d", got)
	}
	owner, _ := env.registry.Owner(asset)
	if owner != buyer {
		t.Fatalf("asset custody not transferred: %x", owner)
	}
}

func TestAutoReleaseRequiresDelivered(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	env.advance(DefaultAutoReleaseTimeout * 2)
	if _, err := env.engine.AutoRelease(stranger, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before delivery, got %v", err)
	}
}

func TestAutoReleaseBlockedByDispute(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)
	env.deliver(t, asset)
	if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	env.advance(DefaultAutoReleaseTimeout * 2)
	if _, err := env.engine.AutoRelease(stranger, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for disputed escrow, got %v", err)
	}
}

func TestEmergencyRefund(t *testing.T) {
	for _, name := range []string{"escrow", "delivered", "disputed"} {
		env := newTestEnv(t)
		asset := env.seedAsset(t, 1)
		env.list(t, asset, 500)
		env.fund(t, buyer, 500)
		env.buy(t, asset, 500)
		switch name {
		case "delivered":
			env.deliver(t, asset)
		case "disputed":
			if _, err := env.engine.RaiseDispute(buyer, asset); err != nil {
				t.Fatalf("raise dispute: %v", err)
			}
		}
		esc, err := env.engine.EmergencyRefund(arbiter, asset)
		if err != nil {
			t.Fatalf("emergency refund from %s: %v", name, err)
		}
		if esc.Status != StatusRefunded {
			t.Fatalf("unexpected status from %s: %s", name, esc.Status)
		}
		if got := env.balance(t, buyer); got != 500 {
			t.Fatalf("buyer refund from %s: %d", name, got)
		}
		last := env.recorder.Events[len(env.recorder.Events)-1]
		if last.EventType() != EventTypeEmergencyRefund {
			t.Fatalf("expected emergency refund event, got %s", last.EventType())
		}
	}
}

func TestEmergencyRefundAuthorization(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)

	if _, err := env.engine.EmergencyRefund(buyer, asset); !errors.Is(err, ErrNotArbiter) {
		t.Fatalf("expected ErrNotArbiter, got %v", err)
	}
	if _, err := env.engine.EmergencyRefund(arbiter, testAsset(42)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for missing escrow, got %v", err)
	}
}

func TestEmergencyRefundRejectsTerminal(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)
	env.deliver(t, asset)
	if _, err := env.engine.ConfirmDelivery(buyer, asset); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	if _, err := env.engine.EmergencyRefund(arbiter, asset); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for completed escrow, got %v", err)
	}
}

func TestSettlementAbortsWhenTransferFails(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 1_000)
	env.fund(t, buyer, 1_000)
	env.buy(t, asset, 1_000)
	env.deliver(t, asset)

	failing := &FailingGateway{
		OwnerOf: map[[32]byte][20]byte{asset.Hash(): seller},
		Err:     errors.New("custody backend unavailable"),
	}
	env.engine.SetGateway(failing)

	_, err := env.engine.ConfirmDelivery(buyer, asset)
	if !errors.Is(err, ErrAssetTransferFailed) {
		t.Fatalf("expected ErrAssetTransferFailed, got %v", err)
	}
	// No partial settlement: balances, held funds and status are untouched.
	if got := env.balance(t, seller); got != 0 {
		t.Fatalf("seller balance moved on failed transfer: %d", got)
	}
	if got := env.balance(t, treasury); got != 0 {
		t.Fatalf("treasury balance moved on failed transfer: %d", got)
	}
	if _, ok := env.state.HeldFundsGet(asset.Hash()); !ok {
		t.Fatalf("held funds record cleared on failed transfer")
	}
	esc, ok := env.engine.Escrow(asset)
	if !ok || esc.Status != StatusDelivered {
		t.Fatalf("escrow status changed on failed transfer: %+v", esc)
	}

	// Retrying once the gateway recovers settles normally.
	env.engine.SetGateway(env.registry)
	if _, err := env.engine.ConfirmDelivery(buyer, asset); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if got := env.balance(t, seller); got != 975 {
		t.Fatalf("seller payout after retry: %d", got)
	}
}

func TestSettlementRequiresTreasury(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 100)
	env.buy(t, asset, 100)
	env.deliver(t, asset)

	env.engine.SetFeeTreasury([20]byte{})
	if _, err := env.engine.ConfirmDelivery(buyer, asset); err == nil {
		t.Fatalf("expected error without treasury")
	}
	esc, _ := env.engine.Escrow(asset)
	if esc.Status != StatusDelivered {
		t.Fatalf("status changed without treasury: %s", esc.Status)
	}
}

func TestRepurchaseAfterTerminalEscrow(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, 1)
	env.list(t, asset, 100)
	env.fund(t, buyer, 200)
	env.buy(t, asset, 100)
	env.deliver(t, asset)
	if _, err := env.engine.ConfirmDelivery(buyer, asset); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	// The buyer now owns the asset and can list it again.
	listing, err := env.engine.ListItem(buyer, asset, big.NewInt(150))
	if err != nil {
		t.Fatalf("relist by new owner: %v", err)
	}
	if !listing.Active {
		t.Fatalf("expected active relisting")
	}
}

func TestDueAutoReleases(t *testing.T) {
	env := newTestEnv(t)
	first := env.seedAsset(t, 1)
	second := env.seedAsset(t, 2)
	env.list(t, first, 100)
	env.list(t, second, 100)
	env.fund(t, buyer, 200)
	env.buy(t, first, 100)
	env.buy(t, second, 100)
	env.deliver(t, first)

	env.advance(DefaultAutoReleaseTimeout)
	env.deliver(t, second)

	due, err := env.engine.DueAutoReleases(env.now)
	if err != nil {
		t.Fatalf("due auto releases: %v", err)
	}
	if len(due) != 1 || !due[0].Equal(first) {
		t.Fatalf("unexpected due set: %v", due)
	}
}

func TestEngineRequiresConfiguration(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.ListItem(seller, testAsset(1), big.NewInt(1)); err == nil {
		t.Fatalf("expected error without state")
	}
	engine.SetState(newMockState())
	if _, err := engine.ListItem(seller, testAsset(1), big.NewInt(1)); err == nil {
		t.Fatalf("expected error without gateway")
	}
}

func TestSetFeeBpsRange(t *testing.T) {
	engine := NewEngine()
	if err := engine.SetFeeBps(10_000); err != nil {
		t.Fatalf("10000 bps should be accepted: %v", err)
	}
	if err := engine.SetFeeBps(10_001); err == nil {
		t.Fatalf("expected error above 10000 bps")
	}
}
