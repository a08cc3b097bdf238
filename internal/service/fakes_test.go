package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for the postgres store, faithful to its
// concurrency contract (conditional fills, status-predicated transitions).
type memStore struct {
	users  map[uuid.UUID]*storage.User
	orders map[uuid.UUID]*storage.Order
	trades map[uuid.UUID]*storage.Trade
	proofs map[string]uuid.UUID

	reconciliations []storage.ReconciliationEvent
	audits          []string

	nextWalletIndex uint32
	fillRejected    bool
	createTradeErr  error
}

func newMemStore() *memStore {
	return &memStore{
		users:           make(map[uuid.UUID]*storage.User),
		orders:          make(map[uuid.UUID]*storage.Order),
		trades:          make(map[uuid.UUID]*storage.Trade),
		proofs:          make(map[string]uuid.UUID),
		nextWalletIndex: 1,
	}
}

func (m *memStore) addUser(address string) *storage.User {
	user := &storage.User{
		ID:            uuid.New(),
		ExternalRef:   fmt.Sprintf("user-%d@example.com", m.nextWalletIndex),
		WalletIndex:   m.nextWalletIndex,
		WalletAddress: address,
		TrustScore:    50,
		CreatedAt:     time.Now().UTC(),
	}
	m.nextWalletIndex++
	m.users[user.ID] = user
	return user
}

func (m *memStore) addOrder(userID uuid.UUID, side, amount, rate string) *storage.Order {
	order := &storage.Order{
		ID:             uuid.New(),
		UserID:         userID,
		Side:           side,
		Token:          "USDT",
		Chain:          "polygon",
		Amount:         decimal.RequireFromString(amount),
		Rate:           decimal.RequireFromString(rate),
		FilledAmount:   decimal.Zero,
		PaymentMethods: []string{"upi"},
		Status:         storage.OrderStatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	m.orders[order.ID] = order
	return order
}

func (m *memStore) CreateUser(_ context.Context, externalRef, webhookURL string, derive func(index uint32) (string, error)) (*storage.User, error) {
	for _, u := range m.users {
		if u.ExternalRef == externalRef {
			return nil, storage.ErrDuplicateExternalRef
		}
	}
	index := m.nextWalletIndex
	m.nextWalletIndex++
	address, err := derive(index)
	if err != nil {
		return nil, err
	}
	user := &storage.User{
		ID:            uuid.New(),
		ExternalRef:   externalRef,
		WalletIndex:   index,
		WalletAddress: address,
		WebhookURL:    webhookURL,
		TrustScore:    50,
		CreatedAt:     time.Now().UTC(),
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUser(_ context.Context, id uuid.UUID) (*storage.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *memStore) CreateOrder(_ context.Context, order *storage.Order) error {
	m.orders[order.ID] = order
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id uuid.UUID) (*storage.Order, error) {
	order, ok := m.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *memStore) ListOrders(_ context.Context, filter storage.OrderFilter) ([]storage.Order, string, error) {
	var out []storage.Order
	for _, o := range m.orders {
		if filter.Side != "" && o.Side != filter.Side {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, *o)
	}
	return out, "", nil
}

func (m *memStore) FillOrder(_ context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if m.fillRejected {
		return false, nil
	}
	order, ok := m.orders[orderID]
	if !ok {
		return false, storage.ErrOrderNotFound
	}
	if order.Status != storage.OrderStatusActive {
		return false, nil
	}
	newFilled := order.FilledAmount.Add(amount)
	if newFilled.GreaterThan(order.Amount) {
		return false, nil
	}
	order.FilledAmount = newFilled
	if newFilled.Equal(order.Amount) {
		order.Status = storage.OrderStatusFilled
	}
	return true, nil
}

func (m *memStore) RevertFillOrder(_ context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
	order, ok := m.orders[orderID]
	if !ok {
		return storage.ErrOrderNotFound
	}
	order.FilledAmount = order.FilledAmount.Sub(amount)
	if order.FilledAmount.IsNegative() {
		order.FilledAmount = decimal.Zero
	}
	order.Status = storage.OrderStatusActive
	return nil
}

func (m *memStore) CancelOrder(_ context.Context, orderID, userID uuid.UUID) error {
	order, ok := m.orders[orderID]
	if !ok || order.UserID != userID {
		return storage.ErrOrderNotFound
	}
	if order.Status != storage.OrderStatusActive {
		return storage.ErrInvalidTransition
	}
	order.Status = storage.OrderStatusCancelled
	return nil
}

func (m *memStore) ExpireOrders(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, o := range m.orders {
		if o.Status == storage.OrderStatusActive && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			o.Status = storage.OrderStatusExpired
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}

func (m *memStore) ReservedAmount(_ context.Context, userID uuid.UUID, token, chain string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, o := range m.orders {
		if o.UserID == userID && o.Side == storage.SideSell && o.Status == storage.OrderStatusActive &&
			o.Token == token && o.Chain == chain {
			sum = sum.Add(o.Remaining())
		}
	}
	return sum, nil
}

func (m *memStore) CreateTrade(_ context.Context, trade *storage.Trade) error {
	if m.createTradeErr != nil {
		return m.createTradeErr
	}
	copied := *trade
	m.trades[trade.ID] = &copied
	return nil
}

func (m *memStore) GetTrade(_ context.Context, id uuid.UUID) (*storage.Trade, error) {
	trade, ok := m.trades[id]
	if !ok {
		return nil, storage.ErrTradeNotFound
	}
	copied := *trade
	return &copied, nil
}

func (m *memStore) MarkPaymentSent(_ context.Context, tradeID, buyerID uuid.UUID, proofRef string, autoReleaseAt time.Time) error {
	trade, ok := m.trades[tradeID]
	if !ok {
		return storage.ErrTradeNotFound
	}
	if trade.BuyerID != buyerID || trade.Status != storage.TradeStatusInEscrow {
		return storage.ErrInvalidTransition
	}
	if _, used := m.proofs[proofRef]; used {
		return storage.ErrProofRefUsed
	}
	m.proofs[proofRef] = tradeID
	trade.Status = storage.TradeStatusFiatSent
	at := autoReleaseAt
	trade.AutoReleaseAt = &at
	return nil
}

func (m *memStore) CompleteTrade(_ context.Context, tradeID uuid.UUID, releaseTxRef string) error {
	trade, ok := m.trades[tradeID]
	if !ok {
		return storage.ErrTradeNotFound
	}
	if trade.Status != storage.TradeStatusFiatSent {
		return storage.ErrInvalidTransition
	}
	trade.Status = storage.TradeStatusCompleted
	trade.ReleaseTxRef = releaseTxRef
	now := time.Now().UTC()
	trade.CompletedAt = &now
	if buyer, ok := m.users[trade.BuyerID]; ok {
		bumpTrust(buyer)
	}
	if seller, ok := m.users[trade.SellerID]; ok {
		bumpTrust(seller)
	}
	return nil
}

func bumpTrust(u *storage.User) {
	u.TradeCount++
	u.TradesCompleted++
	u.TrustScore += 5
	if u.TrustScore > 100 {
		u.TrustScore = 100
	}
}

func (m *memStore) DisputeTrade(_ context.Context, tradeID, callerID uuid.UUID, reason string) error {
	trade, ok := m.trades[tradeID]
	if !ok {
		return storage.ErrTradeNotFound
	}
	if trade.BuyerID != callerID && trade.SellerID != callerID {
		return storage.ErrInvalidTransition
	}
	if trade.Status != storage.TradeStatusInEscrow && trade.Status != storage.TradeStatusFiatSent {
		return storage.ErrInvalidTransition
	}
	trade.Status = storage.TradeStatusDisputed
	trade.DisputeReason = reason
	trade.DisputedBy = callerID
	return nil
}

func (m *memStore) ClaimResolution(_ context.Context, tradeID uuid.UUID, resolution string) error {
	trade, ok := m.trades[tradeID]
	if !ok || trade.Status != storage.TradeStatusDisputed {
		return storage.ErrInvalidTransition
	}
	if trade.Resolution != "" && trade.Resolution != resolution {
		return storage.ErrInvalidTransition
	}
	trade.Resolution = resolution
	return nil
}

func (m *memStore) ReleaseResolutionClaim(_ context.Context, tradeID uuid.UUID, resolution string) error {
	trade, ok := m.trades[tradeID]
	if ok && trade.Status == storage.TradeStatusDisputed && trade.Resolution == resolution {
		trade.Resolution = ""
	}
	return nil
}

func (m *memStore) ResolveTrade(_ context.Context, tradeID uuid.UUID, resolution, txRef string) error {
	trade, ok := m.trades[tradeID]
	if !ok {
		return storage.ErrTradeNotFound
	}
	if trade.Status != storage.TradeStatusDisputed {
		return storage.ErrInvalidTransition
	}
	trade.Status = storage.TradeStatusResolved
	trade.Resolution = resolution
	trade.ReleaseTxRef = txRef
	return nil
}

func (m *memStore) ListAutoReleaseDue(_ context.Context, now time.Time, limit int) ([]storage.Trade, error) {
	var out []storage.Trade
	for _, t := range m.trades {
		if t.Status == storage.TradeStatusFiatSent && t.AutoReleaseAt != nil && !t.AutoReleaseAt.After(now) {
			out = append(out, *t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) InsertAudit(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID, action string, _ map[string]any) error {
	m.audits = append(m.audits, action)
	return nil
}

func (m *memStore) InsertReconciliation(_ context.Context, ev storage.ReconciliationEvent) error {
	m.reconciliations = append(m.reconciliations, ev)
	return nil
}

type fakeGateway struct {
	balances map[string]decimal.Decimal

	lockErr     error
	releaseErr  error
	refundErr   error
	withdrawErr error

	lockCalls     []settlement.LockRequest
	releaseCalls  []string
	refundCalls   []string
	withdrawCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{balances: make(map[string]decimal.Decimal)}
}

func (g *fakeGateway) VaultBalance(_ context.Context, address, _, _ string) (decimal.Decimal, error) {
	balance, ok := g.balances[address]
	if !ok {
		return decimal.Zero, nil
	}
	return balance, nil
}

func (g *fakeGateway) LockFunds(_ context.Context, req settlement.LockRequest) (string, error) {
	g.lockCalls = append(g.lockCalls, req)
	if g.lockErr != nil {
		return "", g.lockErr
	}
	return fmt.Sprintf("esc-%d", len(g.lockCalls)), nil
}

func (g *fakeGateway) ReleaseFunds(_ context.Context, externalRef, _ string) (string, error) {
	g.releaseCalls = append(g.releaseCalls, externalRef)
	if g.releaseErr != nil {
		return "", g.releaseErr
	}
	return "tx-release-" + externalRef, nil
}

func (g *fakeGateway) Refund(_ context.Context, externalRef, _ string) (string, error) {
	g.refundCalls = append(g.refundCalls, externalRef)
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return "tx-refund-" + externalRef, nil
}

func (g *fakeGateway) Withdraw(_ context.Context, _ uint32, _ decimal.Decimal, _, _, _ string) (string, error) {
	g.withdrawCalls++
	if g.withdrawErr != nil {
		return "", g.withdrawErr
	}
	return "tx-withdraw", nil
}

type recordProducer struct {
	published []string
	err       error
}

func (r *recordProducer) PublishJSON(_ context.Context, topic, _ string, _ any) (int32, int64, error) {
	r.published = append(r.published, topic)
	return 0, 0, r.err
}

func (r *recordProducer) Close() error { return nil }

var errBoom = errors.New("boom")

func testTopics() Topics {
	return Topics{
		OrdersCreated:     "p2p.orders.created",
		OrdersCancelled:   "p2p.orders.cancelled",
		OrdersExpired:     "p2p.orders.expired",
		TradesStarted:     "p2p.trades.started",
		TradesPaymentSent: "p2p.trades.payment_sent",
		TradesCompleted:   "p2p.trades.completed",
		TradesDisputed:    "p2p.trades.disputed",
		TradesResolved:    "p2p.trades.resolved",
	}
}
