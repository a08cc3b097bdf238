package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type UserStore interface {
	CreateUser(ctx context.Context, externalRef, webhookURL string, derive func(index uint32) (string, error)) (*storage.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*storage.User, error)
	ReservedAmount(ctx context.Context, userID uuid.UUID, token, chain string) (decimal.Decimal, error)
	InsertAudit(ctx context.Context, actorID uuid.UUID, entityType string, entityID uuid.UUID, action string, detail map[string]any) error
	InsertReconciliation(ctx context.Context, ev storage.ReconciliationEvent) error
}

type UserService struct {
	store   UserStore
	deriver wallet.Deriver
	gateway settlement.Gateway
	logger  *slog.Logger
	metrics *Metrics
}

func NewUserService(store UserStore, deriver wallet.Deriver, gateway settlement.Gateway, logger *slog.Logger, metrics *Metrics) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		store:   store,
		deriver: deriver,
		gateway: gateway,
		logger:  logger,
		metrics: metrics,
	}
}

// Register creates a user and binds them to the next free wallet index. The
// address is derived before insert so the row is complete from the start.
func (s *UserService) Register(ctx context.Context, externalRef, webhookURL string) (*storage.User, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, validationf("external_ref is required")
	}
	if len(externalRef) > 128 {
		return nil, validationf("external_ref too long")
	}
	if webhookURL != "" {
		parsed, err := url.Parse(webhookURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, validationf("webhook_url must be an http(s) URL")
		}
	}

	user, err := s.store.CreateUser(ctx, externalRef, webhookURL, func(index uint32) (string, error) {
		kp, err := s.deriver.Derive(index)
		if err != nil {
			return "", err
		}
		return kp.Address, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateExternalRef) {
			return nil, fmt.Errorf("external_ref: %w", ErrConflict)
		}
		return nil, err
	}

	s.insertAudit(ctx, user.ID, "user", user.ID, "users.register", map[string]any{
		"wallet_index": user.WalletIndex,
	})
	return user, nil
}

func (s *UserService) Get(ctx context.Context, userID uuid.UUID) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

type BalanceResult struct {
	Vault     decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

// Balance recomputes the reservation gate from scratch on every call. The
// vault is the single authority; nothing here is cached.
func (s *UserService) Balance(ctx context.Context, userID uuid.UUID, token, chain string) (*BalanceResult, error) {
	if token == "" || chain == "" {
		return nil, validationf("token and chain are required")
	}

	user, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	vault, err := s.gatewayBalance(ctx, user.WalletAddress, token, chain)
	if err != nil {
		return nil, err
	}
	reserved, err := s.store.ReservedAmount(ctx, userID, token, chain)
	if err != nil {
		return nil, err
	}

	return &BalanceResult{
		Vault:     vault,
		Reserved:  reserved,
		Available: vault.Sub(reserved),
	}, nil
}

type WithdrawInput struct {
	UserID    uuid.UUID
	Token     string
	Chain     string
	Amount    decimal.Decimal
	ToAddress string
}

// Withdraw moves funds out of the vault, but only past the reservation gate:
// inventory promised to active sell ads cannot leave.
func (s *UserService) Withdraw(ctx context.Context, input WithdrawInput) (string, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return "", validationf("amount must be positive")
	}
	if input.Token == "" || input.Chain == "" {
		return "", validationf("token and chain are required")
	}
	if strings.TrimSpace(input.ToAddress) == "" {
		return "", validationf("to_address is required")
	}

	user, err := s.Get(ctx, input.UserID)
	if err != nil {
		return "", err
	}

	balance, err := s.Balance(ctx, input.UserID, input.Token, input.Chain)
	if err != nil {
		return "", err
	}
	if balance.Available.LessThan(input.Amount) {
		return "", ErrInsufficientFunds
	}

	start := time.Now()
	txRef, err := s.gateway.Withdraw(ctx, user.WalletIndex, input.Amount, input.Token, input.Chain, input.ToAddress)
	s.observeGateway("withdraw", start, err)
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			s.recordReconciliation(ctx, storage.ReconciliationEvent{
				SellerID: user.ID,
				Token:    input.Token,
				Chain:    input.Chain,
				Amount:   input.Amount,
				Reason:   "withdraw outcome unknown",
			})
		}
		return "", err
	}

	s.insertAudit(ctx, user.ID, "user", user.ID, "users.withdraw", map[string]any{
		"token":  input.Token,
		"chain":  input.Chain,
		"amount": input.Amount.String(),
		"tx_ref": txRef,
	})
	return txRef, nil
}

func (s *UserService) gatewayBalance(ctx context.Context, address, token, chain string) (decimal.Decimal, error) {
	start := time.Now()
	vault, err := s.gateway.VaultBalance(ctx, address, token, chain)
	s.observeGateway("vault_balance", start, err)
	return vault, err
}

func (s *UserService) observeGateway(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.GatewayCallDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (s *UserService) recordReconciliation(ctx context.Context, ev storage.ReconciliationEvent) {
	if s.metrics != nil {
		s.metrics.ReconciliationEvents.Inc()
	}
	s.logger.Error("settlement outcome unknown, queued for reconciliation",
		"reason", ev.Reason, "token", ev.Token, "chain", ev.Chain, "amount", ev.Amount)
	if err := s.store.InsertReconciliation(ctx, ev); err != nil {
		s.logger.Error("record reconciliation event failed", "error", err)
	}
}

func (s *UserService) insertAudit(ctx context.Context, actorID uuid.UUID, entityType string, entityID uuid.UUID, action string, detail map[string]any) {
	if err := s.store.InsertAudit(ctx, actorID, entityType, entityID, action, detail); err != nil {
		s.logger.Error("audit log failed", "action", action, "error", err)
	}
}
