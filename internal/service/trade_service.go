package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/kafka"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type TradeStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	FillOrder(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error)
	RevertFillOrder(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error
	GetUser(ctx context.Context, id uuid.UUID) (*storage.User, error)
	CreateTrade(ctx context.Context, trade *storage.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error)
	MarkPaymentSent(ctx context.Context, tradeID, buyerID uuid.UUID, proofRef string, autoReleaseAt time.Time) error
	CompleteTrade(ctx context.Context, tradeID uuid.UUID, releaseTxRef string) error
	DisputeTrade(ctx context.Context, tradeID, callerID uuid.UUID, reason string) error
	ClaimResolution(ctx context.Context, tradeID uuid.UUID, resolution string) error
	ReleaseResolutionClaim(ctx context.Context, tradeID uuid.UUID, resolution string) error
	ResolveTrade(ctx context.Context, tradeID uuid.UUID, resolution, txRef string) error
	ListAutoReleaseDue(ctx context.Context, now time.Time, limit int) ([]storage.Trade, error)
	InsertAudit(ctx context.Context, actorID uuid.UUID, entityType string, entityID uuid.UUID, action string, detail map[string]any) error
	InsertReconciliation(ctx context.Context, ev storage.ReconciliationEvent) error
}

type TradeService struct {
	store              TradeStore
	gateway            settlement.Gateway
	producer           kafka.Publisher
	logger             *slog.Logger
	metrics            *Metrics
	topics             Topics
	autoReleaseTimeout time.Duration
	lockTimeoutSeconds int
	minTradeAmount     decimal.Decimal
}

func NewTradeService(store TradeStore, gateway settlement.Gateway, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, autoReleaseTimeout time.Duration, lockTimeoutSeconds int, minTradeAmount decimal.Decimal) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeService{
		store:              store,
		gateway:            gateway,
		producer:           producer,
		logger:             logger,
		metrics:            metrics,
		topics:             topics,
		autoReleaseTimeout: autoReleaseTimeout,
		lockTimeoutSeconds: lockTimeoutSeconds,
		minTradeAmount:     minTradeAmount,
	}
}

type StartTradeInput struct {
	CallerID      uuid.UUID
	OrderID       uuid.UUID
	Amount        decimal.Decimal
	CorrelationID string
}

// Start fills the ad, locks escrow, and records the trade, compensating in
// reverse order when a step fails. The one deliberate asymmetry: once funds
// may be locked (unknown lock outcome, or the trade insert failing after a
// confirmed lock) the fill is NOT reverted: releasing capacity that escrow
// might still hold would let the seller's inventory be sold twice. Those cases
// go to the reconciliation queue instead.
func (s *TradeService) Start(ctx context.Context, input StartTradeInput) (*storage.Trade, error) {
	started := time.Now()
	trade, err := s.start(ctx, input)
	status := "started"
	if err != nil {
		switch {
		case IsValidation(err):
			status = "invalid"
		case errors.Is(err, ErrConflict):
			status = "conflict"
		case errors.Is(err, ErrInsufficientFunds):
			status = "insufficient_funds"
		case errors.Is(err, settlement.ErrOutcomeUnknown):
			status = "outcome_unknown"
		default:
			status = "error"
		}
	}
	if s.metrics != nil {
		s.metrics.TradeStarts.WithLabelValues(status).Inc()
		s.metrics.TradeStartLatency.WithLabelValues(status).Observe(time.Since(started).Seconds())
	}
	return trade, err
}

func (s *TradeService) start(ctx context.Context, input StartTradeInput) (*storage.Trade, error) {
	order, err := s.store.GetOrder(ctx, input.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if order.Status != storage.OrderStatusActive {
		return nil, fmt.Errorf("order is %s: %w", order.Status, ErrConflict)
	}
	if order.UserID == input.CallerID {
		return nil, validationf("cannot trade against your own ad")
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, validationf("amount must be positive")
	}
	if s.minTradeAmount.IsPositive() && input.Amount.LessThan(s.minTradeAmount) {
		return nil, validationf("amount below minimum of %s", s.minTradeAmount)
	}
	if input.Amount.GreaterThan(order.Remaining()) {
		return nil, validationf("amount exceeds remaining %s", order.Remaining())
	}

	// On a sell ad the caller buys from the maker; on a buy ad the caller is
	// a seller accepting the maker's bid.
	var buyerID, sellerID uuid.UUID
	if order.Side == storage.SideSell {
		sellerID, buyerID = order.UserID, input.CallerID
	} else {
		sellerID, buyerID = input.CallerID, order.UserID
	}

	applied, err := s.store.FillOrder(ctx, order.ID, input.Amount)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("order capacity changed: %w", ErrConflict)
	}

	seller, err := s.store.GetUser(ctx, sellerID)
	if err != nil {
		s.revertFill(ctx, order.ID, input.Amount)
		return nil, err
	}
	buyer, err := s.store.GetUser(ctx, buyerID)
	if err != nil {
		s.revertFill(ctx, order.ID, input.Amount)
		return nil, err
	}

	// The fill reserved capacity on the ad; now confirm the seller's vault
	// actually holds the goods before asking the gateway to lock them.
	balanceStart := time.Now()
	vaultBalance, err := s.gateway.VaultBalance(ctx, seller.WalletAddress, order.Token, order.Chain)
	s.observeGateway("vault_balance", balanceStart, err)
	if err != nil {
		s.revertFill(ctx, order.ID, input.Amount)
		return nil, err
	}
	if vaultBalance.LessThan(input.Amount) {
		s.revertFill(ctx, order.ID, input.Amount)
		return nil, ErrInsufficientFunds
	}

	escrowRef, err := s.gatewayCall(ctx, "lock_funds", func() (string, error) {
		return s.gateway.LockFunds(ctx, settlement.LockRequest{
			Seller:         seller.WalletAddress,
			Buyer:          buyer.WalletAddress,
			Token:          order.Token,
			Chain:          order.Chain,
			Amount:         input.Amount,
			TimeoutSeconds: s.lockTimeoutSeconds,
		})
	})
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			// The lock may have landed. Reverting the fill here could sell
			// escrowed inventory twice, so park it for an operator instead.
			s.recordReconciliation(ctx, storage.ReconciliationEvent{
				OrderID:  order.ID,
				BuyerID:  buyer.ID,
				SellerID: seller.ID,
				Token:    order.Token,
				Chain:    order.Chain,
				Amount:   input.Amount,
				Reason:   "escrow lock outcome unknown",
			})
			return nil, err
		}
		s.revertFill(ctx, order.ID, input.Amount)
		return nil, err
	}

	now := time.Now().UTC()
	trade := &storage.Trade{
		ID:         uuid.New(),
		OrderID:    order.ID,
		BuyerID:    buyer.ID,
		SellerID:   seller.ID,
		Token:      order.Token,
		Chain:      order.Chain,
		Amount:     input.Amount,
		Rate:       order.Rate,
		FiatAmount: input.Amount.Mul(order.Rate),
		Status:     storage.TradeStatusInEscrow,
		EscrowRef:  escrowRef,
		CreatedAt:  now,
	}

	if err := s.store.CreateTrade(ctx, trade); err != nil {
		// Funds are locked under escrowRef but we lost the row. Never revert
		// the fill; hand the ref to reconciliation.
		s.logger.Error("trade insert failed after escrow lock",
			"escrow_ref", escrowRef, "order_id", order.ID,
			"buyer_id", buyer.ID, "seller_id", seller.ID,
			"amount", input.Amount, "error", err)
		s.recordReconciliation(ctx, storage.ReconciliationEvent{
			OrderID:     order.ID,
			ExternalRef: escrowRef,
			BuyerID:     buyer.ID,
			SellerID:    seller.ID,
			Token:       order.Token,
			Chain:       order.Chain,
			Amount:      input.Amount,
			Reason:      "trade insert failed after escrow lock",
		})
		return nil, err
	}

	s.publishTrade(ctx, s.topics.TradesStarted, "trades.started", input.CorrelationID, trade)
	s.insertAudit(ctx, input.CallerID, trade.ID, "trades.start", map[string]any{
		"order_id": order.ID.String(), "amount": input.Amount.String(), "escrow_ref": escrowRef,
	})
	return trade, nil
}

func (s *TradeService) Get(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrTradeNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return trade, nil
}

// MarkPaymentSent records the buyer's fiat payment proof and arms the
// auto-release timer.
func (s *TradeService) MarkPaymentSent(ctx context.Context, tradeID, buyerID uuid.UUID, proofRef, correlationID string) (*storage.Trade, error) {
	if proofRef == "" {
		s.countTransition("payment_sent", "invalid")
		return nil, validationf("proof_ref is required")
	}

	autoReleaseAt := time.Now().UTC().Add(s.autoReleaseTimeout)
	if err := s.store.MarkPaymentSent(ctx, tradeID, buyerID, proofRef, autoReleaseAt); err != nil {
		switch {
		case errors.Is(err, storage.ErrTradeNotFound):
			s.countTransition("payment_sent", "not_found")
			return nil, ErrNotFound
		case errors.Is(err, storage.ErrProofRefUsed):
			s.countTransition("payment_sent", "proof_replay")
			return nil, fmt.Errorf("proof_ref already used: %w", ErrConflict)
		case errors.Is(err, storage.ErrInvalidTransition):
			s.countTransition("payment_sent", "conflict")
			return nil, fmt.Errorf("trade not awaiting payment: %w", ErrConflict)
		default:
			s.countTransition("payment_sent", "error")
			return nil, err
		}
	}

	trade, err := s.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.publishTrade(ctx, s.topics.TradesPaymentSent, "trades.payment_sent", correlationID, trade)
	s.insertAudit(ctx, buyerID, tradeID, "trades.payment_sent", map[string]any{"proof_ref": proofRef})
	s.countTransition("payment_sent", "ok")
	return trade, nil
}

// ConfirmReceipt is the seller acknowledging fiat arrival; it releases escrow
// to the buyer. A failed release leaves the trade in fiat_sent so the seller
// (or the sweeper) can retry.
func (s *TradeService) ConfirmReceipt(ctx context.Context, tradeID, sellerID uuid.UUID, correlationID string) (*storage.Trade, error) {
	trade, err := s.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.SellerID != sellerID {
		return nil, ErrNotFound
	}
	return s.release(ctx, trade, sellerID, correlationID)
}

func (s *TradeService) release(ctx context.Context, trade *storage.Trade, actorID uuid.UUID, correlationID string) (*storage.Trade, error) {
	if trade.Status != storage.TradeStatusFiatSent {
		s.countTransition("release", "conflict")
		return nil, fmt.Errorf("trade is %s: %w", trade.Status, ErrConflict)
	}

	txRef, err := s.gatewayCall(ctx, "release_funds", func() (string, error) {
		return s.gateway.ReleaseFunds(ctx, trade.EscrowRef, trade.Chain)
	})
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			s.recordReconciliation(ctx, storage.ReconciliationEvent{
				TradeID:     trade.ID,
				ExternalRef: trade.EscrowRef,
				BuyerID:     trade.BuyerID,
				SellerID:    trade.SellerID,
				Token:       trade.Token,
				Chain:       trade.Chain,
				Amount:      trade.Amount,
				Reason:      "escrow release outcome unknown",
			})
		}
		s.countTransition("release", "error")
		return nil, err
	}

	if err := s.store.CompleteTrade(ctx, trade.ID, txRef); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// A concurrent release won; the gateway release is idempotent by
			// escrow ref, so nothing moved twice.
			s.countTransition("release", "conflict")
			return nil, fmt.Errorf("trade already finalized: %w", ErrConflict)
		}
		s.countTransition("release", "error")
		return nil, err
	}

	completed, err := s.Get(ctx, trade.ID)
	if err != nil {
		return nil, err
	}
	s.publishTrade(ctx, s.topics.TradesCompleted, "trades.completed", correlationID, completed)
	s.insertAudit(ctx, actorID, trade.ID, "trades.complete", map[string]any{"tx_ref": txRef})
	s.countTransition("release", "ok")
	return completed, nil
}

func (s *TradeService) Dispute(ctx context.Context, tradeID, callerID uuid.UUID, reason, correlationID string) (*storage.Trade, error) {
	if reason == "" {
		s.countTransition("dispute", "invalid")
		return nil, validationf("reason is required")
	}

	if err := s.store.DisputeTrade(ctx, tradeID, callerID, reason); err != nil {
		switch {
		case errors.Is(err, storage.ErrTradeNotFound):
			s.countTransition("dispute", "not_found")
			return nil, ErrNotFound
		case errors.Is(err, storage.ErrInvalidTransition):
			s.countTransition("dispute", "conflict")
			return nil, fmt.Errorf("trade not disputable: %w", ErrConflict)
		default:
			s.countTransition("dispute", "error")
			return nil, err
		}
	}

	trade, err := s.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.publishTrade(ctx, s.topics.TradesDisputed, "trades.disputed", correlationID, trade)
	s.insertAudit(ctx, callerID, tradeID, "trades.dispute", map[string]any{"reason": reason})
	s.countTransition("dispute", "ok")
	return trade, nil
}

// Resolve settles a dispute by releasing escrow to the buyer or refunding the
// seller. Admin only; handlers gate it behind the API key.
func (s *TradeService) Resolve(ctx context.Context, tradeID uuid.UUID, resolution, correlationID string) (*storage.Trade, error) {
	if resolution != storage.ResolutionRelease && resolution != storage.ResolutionRefund {
		return nil, validationf("outcome must be release or refund")
	}

	trade, err := s.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != storage.TradeStatusDisputed {
		s.countTransition("resolve", "conflict")
		return nil, fmt.Errorf("trade is %s: %w", trade.Status, ErrConflict)
	}

	// Stake the outcome before touching the gateway. Two admins resolving the
	// same dispute with opposite outcomes would otherwise both reach the
	// gateway before either status update lands.
	if err := s.store.ClaimResolution(ctx, tradeID, resolution); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			s.countTransition("resolve", "conflict")
			return nil, fmt.Errorf("conflicting resolution in progress: %w", ErrConflict)
		}
		s.countTransition("resolve", "error")
		return nil, err
	}

	op := "release_funds"
	call := func() (string, error) { return s.gateway.ReleaseFunds(ctx, trade.EscrowRef, trade.Chain) }
	if resolution == storage.ResolutionRefund {
		op = "refund"
		call = func() (string, error) { return s.gateway.Refund(ctx, trade.EscrowRef, trade.Chain) }
	}

	txRef, err := s.gatewayCall(ctx, op, call)
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			// Keep the claim: money may have moved under this outcome.
			s.recordReconciliation(ctx, storage.ReconciliationEvent{
				TradeID:     trade.ID,
				ExternalRef: trade.EscrowRef,
				BuyerID:     trade.BuyerID,
				SellerID:    trade.SellerID,
				Token:       trade.Token,
				Chain:       trade.Chain,
				Amount:      trade.Amount,
				Reason:      "dispute " + resolution + " outcome unknown",
			})
		} else if relErr := s.store.ReleaseResolutionClaim(ctx, tradeID, resolution); relErr != nil {
			s.logger.Error("release resolution claim failed", "trade_id", tradeID, "error", relErr)
		}
		s.countTransition("resolve", "error")
		return nil, err
	}

	if err := s.store.ResolveTrade(ctx, tradeID, resolution, txRef); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			s.countTransition("resolve", "conflict")
			return nil, fmt.Errorf("trade already resolved: %w", ErrConflict)
		}
		s.countTransition("resolve", "error")
		return nil, err
	}

	resolved, err := s.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.publishTrade(ctx, s.topics.TradesResolved, "trades.resolved", correlationID, resolved)
	s.insertAudit(ctx, uuid.Nil, tradeID, "trades.resolve", map[string]any{
		"resolution": resolution, "tx_ref": txRef,
	})
	s.countTransition("resolve", "ok")
	return resolved, nil
}

// AutoReleaseDue pushes overdue fiat_sent trades through the normal release
// path. Sellers who vanish after receiving fiat cannot strand the buyer.
func (s *TradeService) AutoReleaseDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListAutoReleaseDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range due {
		trade := due[i]
		if _, err := s.release(ctx, &trade, uuid.Nil, ""); err != nil {
			// Conflicts mean a user action got there first; anything else is
			// retried on the next sweep.
			if !errors.Is(err, ErrConflict) {
				s.logger.Error("auto-release failed", "trade_id", trade.ID, "error", err)
			}
			continue
		}
		released++
	}
	if s.metrics != nil {
		s.metrics.SweepProcessed.WithLabelValues("auto_release").Add(float64(released))
	}
	return released, nil
}

func (s *TradeService) gatewayCall(ctx context.Context, op string, call func() (string, error)) (string, error) {
	start := time.Now()
	out, err := call()
	s.observeGateway(op, start, err)
	return out, err
}

func (s *TradeService) observeGateway(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.GatewayCallDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (s *TradeService) revertFill(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) {
	if err := s.store.RevertFillOrder(ctx, orderID, amount); err != nil {
		s.logger.Error("revert fill failed", "order_id", orderID, "amount", amount, "error", err)
	}
}

func (s *TradeService) recordReconciliation(ctx context.Context, ev storage.ReconciliationEvent) {
	if s.metrics != nil {
		s.metrics.ReconciliationEvents.Inc()
	}
	s.logger.Error("escrow operation queued for reconciliation",
		"reason", ev.Reason, "external_ref", ev.ExternalRef,
		"order_id", ev.OrderID, "trade_id", ev.TradeID,
		"buyer_id", ev.BuyerID, "seller_id", ev.SellerID,
		"token", ev.Token, "chain", ev.Chain, "amount", ev.Amount)
	if err := s.store.InsertReconciliation(ctx, ev); err != nil {
		s.logger.Error("record reconciliation event failed", "error", err)
	}
}

func (s *TradeService) publishTrade(ctx context.Context, topic, eventType, correlationID string, trade *storage.Trade) {
	if s.producer == nil || topic == "" {
		return
	}
	payload, err := tradeEvent(eventType, correlationID, trade)
	if err != nil {
		s.logger.Error("build trade event failed", "event_type", eventType, "error", err)
		return
	}
	if _, _, err := s.producer.PublishJSON(ctx, topic, trade.ID.String(), payload); err != nil {
		s.logger.Error("publish trade event failed", "topic", topic, "error", err)
	}
}

func (s *TradeService) countTransition(action, status string) {
	if s.metrics != nil {
		s.metrics.TradeTransitions.WithLabelValues(action, status).Inc()
	}
}

func (s *TradeService) insertAudit(ctx context.Context, actorID, entityID uuid.UUID, action string, detail map[string]any) {
	if err := s.store.InsertAudit(ctx, actorID, "trade", entityID, action, detail); err != nil {
		s.logger.Error("audit log failed", "action", action, "error", err)
	}
}
