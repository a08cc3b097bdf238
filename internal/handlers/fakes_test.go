package handlers

import (
	"context"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeUsers struct {
	user    *storage.User
	balance *service.BalanceResult
	txRef   string
	err     error

	lastExternalRef string
	lastWithdraw    *service.WithdrawInput
}

func (f *fakeUsers) Register(_ context.Context, externalRef, webhookURL string) (*storage.User, error) {
	f.lastExternalRef = externalRef
	return f.user, f.err
}

func (f *fakeUsers) Get(_ context.Context, userID uuid.UUID) (*storage.User, error) {
	return f.user, f.err
}

func (f *fakeUsers) Balance(_ context.Context, userID uuid.UUID, token, chain string) (*service.BalanceResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func (f *fakeUsers) Withdraw(_ context.Context, input service.WithdrawInput) (string, error) {
	f.lastWithdraw = &input
	return f.txRef, f.err
}

type fakeOrders struct {
	order      *storage.Order
	orders     []storage.Order
	nextCursor string
	err        error

	lastCreate *service.CreateOrderInput
	lastFilter *storage.OrderFilter
}

func (f *fakeOrders) Create(_ context.Context, input service.CreateOrderInput) (*storage.Order, error) {
	f.lastCreate = &input
	return f.order, f.err
}

func (f *fakeOrders) Get(_ context.Context, orderID uuid.UUID) (*storage.Order, error) {
	return f.order, f.err
}

func (f *fakeOrders) List(_ context.Context, filter storage.OrderFilter) ([]storage.Order, string, error) {
	f.lastFilter = &filter
	return f.orders, f.nextCursor, f.err
}

func (f *fakeOrders) Cancel(_ context.Context, orderID, userID uuid.UUID, correlationID string) (*storage.Order, error) {
	return f.order, f.err
}

type fakeTrades struct {
	trade *storage.Trade
	err   error

	lastStart    *service.StartTradeInput
	lastProofRef string
	lastOutcome  string
}

func (f *fakeTrades) Start(_ context.Context, input service.StartTradeInput) (*storage.Trade, error) {
	f.lastStart = &input
	return f.trade, f.err
}

func (f *fakeTrades) Get(_ context.Context, tradeID uuid.UUID) (*storage.Trade, error) {
	return f.trade, f.err
}

func (f *fakeTrades) MarkPaymentSent(_ context.Context, tradeID, buyerID uuid.UUID, proofRef, correlationID string) (*storage.Trade, error) {
	f.lastProofRef = proofRef
	return f.trade, f.err
}

func (f *fakeTrades) ConfirmReceipt(_ context.Context, tradeID, sellerID uuid.UUID, correlationID string) (*storage.Trade, error) {
	return f.trade, f.err
}

func (f *fakeTrades) Dispute(_ context.Context, tradeID, callerID uuid.UUID, reason, correlationID string) (*storage.Trade, error) {
	return f.trade, f.err
}

func (f *fakeTrades) Resolve(_ context.Context, tradeID uuid.UUID, resolution, correlationID string) (*storage.Trade, error) {
	f.lastOutcome = resolution
	return f.trade, f.err
}

var testSecret = []byte("test-secret")

func newRouter(users *fakeUsers, orders *fakeOrders, trades *fakeTrades, cfg RouteConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(users, orders, trades, nil, testSecret, time.Hour)
	h.Register(r, cfg)
	return r
}

func buyerToken() string {
	token, _ := testutil.GenerateJWT(testutil.BuyerUserID, testSecret, time.Hour)
	return token
}

func sellerToken() string {
	token, _ := testutil.GenerateJWT(testutil.SellerUserID, testSecret, time.Hour)
	return token
}

func sampleUser() *storage.User {
	return &storage.User{
		ID:              testutil.BuyerUserID,
		ExternalRef:     "merchant-1",
		WalletIndex:     7,
		WalletAddress:   "kx1234567890abcdef1234567890abcdef12345678",
		TradeCount:      4,
		TradesCompleted: 3,
		TradesDisputed:  1,
		TrustScore:      65,
		CreatedAt:       time.Now().UTC(),
	}
}

func sampleOrder(userID uuid.UUID) *storage.Order {
	now := time.Now().UTC()
	expires := now.Add(72 * time.Hour)
	return &storage.Order{
		ID:           uuid.New(),
		UserID:       userID,
		Side:         storage.SideSell,
		Token:        "USDT",
		Chain:        "tron",
		Amount:       decimal.RequireFromString("100"),
		Rate:         decimal.RequireFromString("88.5"),
		FilledAmount: decimal.Zero,
		Status:       storage.OrderStatusActive,
		ExpiresAt:    &expires,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func sampleTrade(buyerID, sellerID uuid.UUID) *storage.Trade {
	now := time.Now().UTC()
	return &storage.Trade{
		ID:         uuid.New(),
		OrderID:    uuid.New(),
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Token:      "USDT",
		Chain:      "tron",
		Amount:     decimal.RequireFromString("40"),
		Rate:       decimal.RequireFromString("88.5"),
		FiatAmount: decimal.RequireFromString("3540"),
		Status:     storage.TradeStatusInEscrow,
		EscrowRef:  "esc-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
