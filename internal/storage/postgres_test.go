package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool, context.Context) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
	})

	return New(pool, nil), pool, ctx
}

func testAddress(index uint32) (string, error) {
	return fmt.Sprintf("0xaddr%08d", index), nil
}

func mustCreateUser(t *testing.T, ctx context.Context, store *Store, externalRef string) *User {
	t.Helper()
	user, err := store.CreateUser(ctx, externalRef, "", testAddress)
	if err != nil {
		t.Fatalf("create user %s: %v", externalRef, err)
	}
	return user
}

func mustCreateSellOrder(t *testing.T, ctx context.Context, store *Store, userID uuid.UUID, amount string) *Order {
	t.Helper()
	order := &Order{
		ID:             uuid.New(),
		UserID:         userID,
		Side:           SideSell,
		Token:          "USDT",
		Chain:          "polygon",
		Amount:         decimal.RequireFromString(amount),
		Rate:           decimal.RequireFromString("88.5"),
		PaymentMethods: []string{"upi"},
		Status:         OrderStatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestCreateUserAssignsSequentialWalletIndices(t *testing.T) {
	store, _, ctx := setupStore(t)

	first := mustCreateUser(t, ctx, store, "alice@example.com")
	second := mustCreateUser(t, ctx, store, "bob@example.com")

	if first.WalletIndex == second.WalletIndex {
		t.Fatalf("expected distinct wallet indices, both got %d", first.WalletIndex)
	}
	if second.WalletIndex != first.WalletIndex+1 {
		t.Fatalf("expected monotonic indices, got %d then %d", first.WalletIndex, second.WalletIndex)
	}

	if _, err := store.CreateUser(ctx, "alice@example.com", "", testAddress); err != ErrDuplicateExternalRef {
		t.Fatalf("expected ErrDuplicateExternalRef, got %v", err)
	}

	byRef, err := store.GetUserByExternalRef(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get by external ref: %v", err)
	}
	if byRef.ID != first.ID {
		t.Fatalf("lookup by external ref returned wrong user")
	}
}

func TestCreateUserConcurrentRegistrations(t *testing.T) {
	store, _, ctx := setupStore(t)

	const n = 8
	users := make([]*User, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = store.CreateUser(ctx, fmt.Sprintf("user%d@example.com", i), "", testAddress)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("registration %d failed: %v", i, errs[i])
		}
		if seen[users[i].WalletIndex] {
			t.Fatalf("wallet index %d assigned twice", users[i].WalletIndex)
		}
		seen[users[i].WalletIndex] = true
	}
}

func TestFillOrderConcurrentNeverExceedsCapacity(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")

	const workers = 10
	fill := decimal.RequireFromString("30")
	results := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.FillOrder(ctx, order.ID, fill)
			if err != nil {
				t.Errorf("fill %d: %v", i, err)
				return
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	// 100 / 30: at most 3 fills can land.
	if succeeded > 3 {
		t.Fatalf("expected at most 3 successful fills, got %d", succeeded)
	}

	final, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if final.FilledAmount.GreaterThan(final.Amount) {
		t.Fatalf("filled %s exceeds amount %s", final.FilledAmount, final.Amount)
	}
	want := fill.Mul(decimal.NewFromInt(int64(succeeded)))
	if !final.FilledAmount.Equal(want) {
		t.Fatalf("expected filled %s, got %s", want, final.FilledAmount)
	}
}

func TestFillOrderTransitionsToFilled(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "50")

	ok, err := store.FillOrder(ctx, order.ID, decimal.RequireFromString("50"))
	if err != nil || !ok {
		t.Fatalf("expected fill to apply, ok=%v err=%v", ok, err)
	}

	filled, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if filled.Status != OrderStatusFilled {
		t.Fatalf("expected status filled, got %s", filled.Status)
	}

	// A filled order accepts no further fills.
	ok, err = store.FillOrder(ctx, order.ID, decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if ok {
		t.Fatalf("expected fill on filled order to be rejected")
	}
}

func TestRevertFillRestoresState(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")

	fill := decimal.RequireFromString("100")
	if ok, err := store.FillOrder(ctx, order.ID, fill); err != nil || !ok {
		t.Fatalf("fill: ok=%v err=%v", ok, err)
	}
	if err := store.RevertFillOrder(ctx, order.ID, fill); err != nil {
		t.Fatalf("revert: %v", err)
	}

	restored, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !restored.FilledAmount.IsZero() {
		t.Fatalf("expected filled 0 after revert, got %s", restored.FilledAmount)
	}
	if restored.Status != OrderStatusActive {
		t.Fatalf("expected active after revert, got %s", restored.Status)
	}
}

func TestReservedAmountSumsActiveSellOrders(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")

	reserved, err := store.ReservedAmount(ctx, seller.ID, "USDT", "polygon")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if !reserved.IsZero() {
		t.Fatalf("expected zero reservation with no orders, got %s", reserved)
	}

	first := mustCreateSellOrder(t, ctx, store, seller.ID, "100")
	mustCreateSellOrder(t, ctx, store, seller.ID, "40")

	if ok, err := store.FillOrder(ctx, first.ID, decimal.RequireFromString("25")); err != nil || !ok {
		t.Fatalf("fill: ok=%v err=%v", ok, err)
	}

	reserved, err = store.ReservedAmount(ctx, seller.ID, "USDT", "polygon")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	// (100-25) + 40
	if !reserved.Equal(decimal.RequireFromString("115")) {
		t.Fatalf("expected reserved 115, got %s", reserved)
	}

	// Cancelled orders stop reserving.
	if err := store.CancelOrder(ctx, first.ID, seller.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	reserved, err = store.ReservedAmount(ctx, seller.ID, "USDT", "polygon")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if !reserved.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("expected reserved 40 after cancel, got %s", reserved)
	}
}

func TestCancelOrderOwnershipAndState(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	other := mustCreateUser(t, ctx, store, "other@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "10")

	if err := store.CancelOrder(ctx, order.ID, other.ID); err != ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound for non-owner, got %v", err)
	}
	if err := store.CancelOrder(ctx, order.ID, seller.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.CancelOrder(ctx, order.ID, seller.ID); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on double cancel, got %v", err)
	}
}

func TestExpireOrdersIsIdempotent(t *testing.T) {
	store, pool, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "10")

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := pool.Exec(ctx, `UPDATE orders SET expires_at = $1 WHERE id = $2`, past, order.ID); err != nil {
		t.Fatalf("backdate order: %v", err)
	}

	ids, err := store.ExpireOrders(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 1 || ids[0] != order.ID {
		t.Fatalf("expected [%s] expired, got %v", order.ID, ids)
	}

	ids, err = store.ExpireOrders(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected second sweep to expire nothing, got %v", ids)
	}
}

func mustCreateTrade(t *testing.T, ctx context.Context, store *Store, order *Order, buyerID uuid.UUID, amount string) *Trade {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	trade := &Trade{
		ID:         uuid.New(),
		OrderID:    order.ID,
		BuyerID:    buyerID,
		SellerID:   order.UserID,
		Token:      order.Token,
		Chain:      order.Chain,
		Amount:     amt,
		Rate:       order.Rate,
		FiatAmount: amt.Mul(order.Rate),
		Status:     TradeStatusInEscrow,
		EscrowRef:  "escrow-" + uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return trade
}

func TestPaymentProofRefIsGloballyUnique(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	buyer := mustCreateUser(t, ctx, store, "buyer@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")

	first := mustCreateTrade(t, ctx, store, order, buyer.ID, "10")
	second := mustCreateTrade(t, ctx, store, order, buyer.ID, "10")

	deadline := time.Now().UTC().Add(30 * time.Minute)
	if err := store.MarkPaymentSent(ctx, first.ID, buyer.ID, "UPI-REF-1", deadline); err != nil {
		t.Fatalf("mark payment sent: %v", err)
	}
	if err := store.MarkPaymentSent(ctx, second.ID, buyer.ID, "UPI-REF-1", deadline); err != ErrProofRefUsed {
		t.Fatalf("expected ErrProofRefUsed, got %v", err)
	}

	// The rejected transition must not have moved the second trade.
	unchanged, err := store.GetTrade(ctx, second.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if unchanged.Status != TradeStatusInEscrow {
		t.Fatalf("expected trade still in_escrow, got %s", unchanged.Status)
	}
}

func TestTradeLifecycleTransitions(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	buyer := mustCreateUser(t, ctx, store, "buyer@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")
	trade := mustCreateTrade(t, ctx, store, order, buyer.ID, "50")

	// Completing before fiat_sent is rejected.
	if err := store.CompleteTrade(ctx, trade.ID, "tx-1"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	deadline := time.Now().UTC().Add(30 * time.Minute)
	if err := store.MarkPaymentSent(ctx, trade.ID, buyer.ID, "UPI-REF-9", deadline); err != nil {
		t.Fatalf("mark payment sent: %v", err)
	}
	if err := store.CompleteTrade(ctx, trade.ID, "tx-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := store.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if done.Status != TradeStatusCompleted || done.ReleaseTxRef != "tx-1" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed trade: %+v", done)
	}

	// Trust counters moved on both sides.
	b, err := store.GetUser(ctx, buyer.ID)
	if err != nil {
		t.Fatalf("get buyer: %v", err)
	}
	s2, err := store.GetUser(ctx, seller.ID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if b.TradesCompleted != 1 || s2.TradesCompleted != 1 {
		t.Fatalf("expected both counters at 1, got buyer=%d seller=%d", b.TradesCompleted, s2.TradesCompleted)
	}
	if b.TradeCount != 1 || s2.TradeCount != 1 {
		t.Fatalf("expected both trade counts at 1, got buyer=%d seller=%d", b.TradeCount, s2.TradeCount)
	}
	// New users start at 50 and each completion adds 5, capped at 100.
	if b.TrustScore != 55 || s2.TrustScore != 55 {
		t.Fatalf("expected trust 55 for both, got buyer=%d seller=%d", b.TrustScore, s2.TrustScore)
	}
}

func TestDisputeAndResolve(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	buyer := mustCreateUser(t, ctx, store, "buyer@example.com")
	stranger := mustCreateUser(t, ctx, store, "stranger@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")
	trade := mustCreateTrade(t, ctx, store, order, buyer.ID, "20")

	if err := store.DisputeTrade(ctx, trade.ID, stranger.ID, "not my trade"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for non-party, got %v", err)
	}
	if err := store.DisputeTrade(ctx, trade.ID, buyer.ID, "seller unresponsive"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	disputed, err := store.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if disputed.Status != TradeStatusDisputed || disputed.DisputedBy != buyer.ID {
		t.Fatalf("unexpected disputed trade: %+v", disputed)
	}

	// Only one outcome can be staked at a time; re-staking the same one is a
	// retry, the opposite one a conflict.
	if err := store.ClaimResolution(ctx, trade.ID, ResolutionRefund); err != nil {
		t.Fatalf("claim resolution: %v", err)
	}
	if err := store.ClaimResolution(ctx, trade.ID, ResolutionRelease); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for opposite claim, got %v", err)
	}
	if err := store.ClaimResolution(ctx, trade.ID, ResolutionRefund); err != nil {
		t.Fatalf("re-claim same outcome: %v", err)
	}
	if err := store.ReleaseResolutionClaim(ctx, trade.ID, ResolutionRefund); err != nil {
		t.Fatalf("release claim: %v", err)
	}
	if err := store.ClaimResolution(ctx, trade.ID, ResolutionRelease); err != nil {
		t.Fatalf("claim after released claim: %v", err)
	}
	if err := store.ReleaseResolutionClaim(ctx, trade.ID, ResolutionRelease); err != nil {
		t.Fatalf("release claim: %v", err)
	}

	if err := store.ResolveTrade(ctx, trade.ID, ResolutionRefund, "refund-tx-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveTrade(ctx, trade.ID, ResolutionRefund, "refund-tx-2"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on double resolve, got %v", err)
	}
}

func TestListAutoReleaseDue(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	buyer := mustCreateUser(t, ctx, store, "buyer@example.com")
	order := mustCreateSellOrder(t, ctx, store, seller.ID, "100")

	due := mustCreateTrade(t, ctx, store, order, buyer.ID, "10")
	notDue := mustCreateTrade(t, ctx, store, order, buyer.ID, "10")

	if err := store.MarkPaymentSent(ctx, due.ID, buyer.ID, "REF-DUE", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("mark payment sent: %v", err)
	}
	if err := store.MarkPaymentSent(ctx, notDue.ID, buyer.ID, "REF-NOT-DUE", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("mark payment sent: %v", err)
	}

	trades, err := store.ListAutoReleaseDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != due.ID {
		t.Fatalf("expected only the overdue trade, got %d rows", len(trades))
	}
}

func TestListOrdersPagination(t *testing.T) {
	store, _, ctx := setupStore(t)

	seller := mustCreateUser(t, ctx, store, "seller@example.com")
	for i := 0; i < 5; i++ {
		mustCreateSellOrder(t, ctx, store, seller.ID, "10")
		time.Sleep(2 * time.Millisecond)
	}

	page1, cursor, err := store.ListOrders(ctx, OrderFilter{Side: SideSell, Status: OrderStatusActive, Limit: 3})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(page1) != 3 || cursor == "" {
		t.Fatalf("expected 3 rows and a cursor, got %d rows cursor=%q", len(page1), cursor)
	}

	page2, _, err := store.ListOrders(ctx, OrderFilter{Side: SideSell, Status: OrderStatusActive, Limit: 3, Cursor: cursor})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 rows on page 2, got %d", len(page2))
	}

	seen := make(map[uuid.UUID]bool)
	for _, o := range append(page1, page2...) {
		if seen[o.ID] {
			t.Fatalf("order %s returned twice", o.ID)
		}
		seen[o.ID] = true
	}
}
