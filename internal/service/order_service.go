package service

import (
	"context"
	"errors"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/kafka"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type OrderStore interface {
	CreateOrder(ctx context.Context, order *storage.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, string, error)
	CancelOrder(ctx context.Context, orderID, userID uuid.UUID) error
	ExpireOrders(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ReservedAmount(ctx context.Context, userID uuid.UUID, token, chain string) (decimal.Decimal, error)
	GetUser(ctx context.Context, id uuid.UUID) (*storage.User, error)
	InsertAudit(ctx context.Context, actorID uuid.UUID, entityType string, entityID uuid.UUID, action string, detail map[string]any) error
}

type OrderService struct {
	store    OrderStore
	gateway  settlement.Gateway
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
	orderTTL time.Duration
}

func NewOrderService(store OrderStore, gateway settlement.Gateway, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, orderTTL time.Duration) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		store:    store,
		gateway:  gateway,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
		orderTTL: orderTTL,
	}
}

type CreateOrderInput struct {
	UserID         uuid.UUID
	Side           string
	Token          string
	Chain          string
	Amount         decimal.Decimal
	Rate           decimal.Decimal
	PaymentMethods []string
	CorrelationID  string
}

// Create validates the ad and, for sell ads, holds it to the reservation gate:
// the seller's vault must cover this ad on top of everything already promised
// to the book. The check is advisory; the escrow lock at trade time is the
// hard gate.
func (s *OrderService) Create(ctx context.Context, input CreateOrderInput) (*storage.Order, error) {
	if input.Side != storage.SideSell && input.Side != storage.SideBuy {
		s.countSubmission("invalid")
		return nil, validationf("side must be buy or sell")
	}
	if input.Token == "" || input.Chain == "" {
		s.countSubmission("invalid")
		return nil, validationf("token and chain are required")
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		s.countSubmission("invalid")
		return nil, validationf("amount must be positive")
	}
	if input.Rate.LessThanOrEqual(decimal.Zero) {
		s.countSubmission("invalid")
		return nil, validationf("rate must be positive")
	}
	if len(input.PaymentMethods) == 0 {
		s.countSubmission("invalid")
		return nil, validationf("at least one payment method is required")
	}

	if input.Side == storage.SideSell {
		user, err := s.store.GetUser(ctx, input.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		vault, err := s.gateway.VaultBalance(ctx, user.WalletAddress, input.Token, input.Chain)
		if err != nil {
			s.countSubmission("error")
			return nil, err
		}
		reserved, err := s.store.ReservedAmount(ctx, input.UserID, input.Token, input.Chain)
		if err != nil {
			return nil, err
		}
		if vault.Sub(reserved).LessThan(input.Amount) {
			s.countSubmission("insufficient_funds")
			return nil, ErrInsufficientFunds
		}
	}

	now := time.Now().UTC()
	order := &storage.Order{
		ID:             uuid.New(),
		UserID:         input.UserID,
		Side:           input.Side,
		Token:          input.Token,
		Chain:          input.Chain,
		Amount:         input.Amount,
		Rate:           input.Rate,
		FilledAmount:   decimal.Zero,
		PaymentMethods: input.PaymentMethods,
		Status:         storage.OrderStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.orderTTL > 0 {
		expires := now.Add(s.orderTTL)
		order.ExpiresAt = &expires
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		s.countSubmission("error")
		return nil, err
	}

	s.publishOrder(ctx, s.topics.OrdersCreated, "orders.created", input.CorrelationID, order)
	s.insertAudit(ctx, input.UserID, order.ID, "orders.create", map[string]any{
		"side": order.Side, "token": order.Token, "chain": order.Chain,
		"amount": order.Amount.String(), "rate": order.Rate.String(),
	})
	s.countSubmission("created")
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *OrderService) List(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, filter)
}

func (s *OrderService) Cancel(ctx context.Context, orderID, userID uuid.UUID, correlationID string) (*storage.Order, error) {
	if err := s.store.CancelOrder(ctx, orderID, userID); err != nil {
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			s.countCancellation("not_found")
			return nil, ErrNotFound
		case errors.Is(err, storage.ErrInvalidTransition):
			s.countCancellation("conflict")
			return nil, ErrConflict
		default:
			s.countCancellation("error")
			return nil, err
		}
	}

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.publishOrder(ctx, s.topics.OrdersCancelled, "orders.cancelled", correlationID, order)
	s.insertAudit(ctx, userID, orderID, "orders.cancel", nil)
	s.countCancellation("cancelled")
	return order, nil
}

// ExpireDue is the sweeper entry point. Expired ads stop reserving vault
// inventory the moment the UPDATE lands; events follow best-effort.
func (s *OrderService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ExpireOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		order, err := s.store.GetOrder(ctx, id)
		if err != nil {
			s.logger.Error("load expired order failed", "order_id", id, "error", err)
			continue
		}
		s.publishOrder(ctx, s.topics.OrdersExpired, "orders.expired", "", order)
	}
	if s.metrics != nil {
		s.metrics.SweepProcessed.WithLabelValues("expire_orders").Add(float64(len(ids)))
	}
	return len(ids), nil
}

func (s *OrderService) publishOrder(ctx context.Context, topic, eventType, correlationID string, order *storage.Order) {
	if s.producer == nil || topic == "" {
		return
	}
	payload, err := orderEvent(eventType, correlationID, order)
	if err != nil {
		s.logger.Error("build order event failed", "event_type", eventType, "error", err)
		return
	}
	if _, _, err := s.producer.PublishJSON(ctx, topic, order.ID.String(), payload); err != nil {
		s.logger.Error("publish order event failed", "topic", topic, "error", err)
	}
}

func (s *OrderService) countSubmission(status string) {
	if s.metrics != nil {
		s.metrics.OrderSubmissions.WithLabelValues(status).Inc()
	}
}

func (s *OrderService) countCancellation(status string) {
	if s.metrics != nil {
		s.metrics.OrderCancellations.WithLabelValues(status).Inc()
	}
}

func (s *OrderService) insertAudit(ctx context.Context, actorID, entityID uuid.UUID, action string, detail map[string]any) {
	if err := s.store.InsertAudit(ctx, actorID, "order", entityID, action, detail); err != nil {
		s.logger.Error("audit log failed", "action", action, "error", err)
	}
}
