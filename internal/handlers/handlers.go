package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/rate"
	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/apikey"
	"github.com/Shijas786/p2p-kerala/libs/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"
)

type UserService interface {
	Register(ctx context.Context, externalRef, webhookURL string) (*storage.User, error)
	Get(ctx context.Context, userID uuid.UUID) (*storage.User, error)
	Balance(ctx context.Context, userID uuid.UUID, token, chain string) (*service.BalanceResult, error)
	Withdraw(ctx context.Context, input service.WithdrawInput) (string, error)
}

type OrderService interface {
	Create(ctx context.Context, input service.CreateOrderInput) (*storage.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	List(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, string, error)
	Cancel(ctx context.Context, orderID, userID uuid.UUID, correlationID string) (*storage.Order, error)
}

type TradeService interface {
	Start(ctx context.Context, input service.StartTradeInput) (*storage.Trade, error)
	Get(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
	MarkPaymentSent(ctx context.Context, tradeID, buyerID uuid.UUID, proofRef, correlationID string) (*storage.Trade, error)
	ConfirmReceipt(ctx context.Context, tradeID, sellerID uuid.UUID, correlationID string) (*storage.Trade, error)
	Dispute(ctx context.Context, tradeID, callerID uuid.UUID, reason, correlationID string) (*storage.Trade, error)
	Resolve(ctx context.Context, tradeID uuid.UUID, resolution, correlationID string) (*storage.Trade, error)
}

type Handler struct {
	Users     UserService
	Orders    OrderService
	Trades    TradeService
	Logger    *slog.Logger
	JWTSecret []byte
	TokenTTL  time.Duration
}

// RouteConfig carries everything Register needs beyond the services: the
// admin API-key check and the per-route limiters.
type RouteConfig struct {
	AdminKeyHash   string
	AdminWhitelist []string
	OrdersLimiter  rate.Limiter
	TradesLimiter  rate.Limiter
}

func New(users UserService, orders OrderService, trades TradeService, logger *slog.Logger, jwtSecret []byte, tokenTTL time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Handler{
		Users:     users,
		Orders:    orders,
		Trades:    trades,
		Logger:    logger,
		JWTSecret: jwtSecret,
		TokenTTL:  tokenTTL,
	}
}

func (h *Handler) Register(r *gin.Engine, cfg RouteConfig) {
	r.POST("/register", h.RegisterUser)

	user := r.Group("/", auth.Middleware(h.JWTSecret))
	user.GET("/me", h.Me)
	user.GET("/me/balance", h.Balance)
	user.POST("/withdraw", h.Withdraw)

	orders := user.Group("/")
	if cfg.OrdersLimiter != nil {
		orders.Use(rate.Middleware(cfg.OrdersLimiter, "orders", h.Logger))
	}
	orders.POST("/orders", h.CreateOrder)

	user.GET("/orders", h.ListOrders)
	user.GET("/orders/:id", h.GetOrder)
	user.POST("/orders/:id/cancel", h.CancelOrder)

	trades := user.Group("/")
	if cfg.TradesLimiter != nil {
		trades.Use(rate.Middleware(cfg.TradesLimiter, "trades", h.Logger))
	}
	trades.POST("/trades", h.StartTrade)

	user.GET("/trades/:id", h.GetTrade)
	user.POST("/trades/:id/payment-sent", h.PaymentSent)
	user.POST("/trades/:id/confirm-receipt", h.ConfirmReceipt)
	user.POST("/trades/:id/dispute", h.Dispute)

	admin := r.Group("/admin", apikey.Middleware(cfg.AdminKeyHash, cfg.AdminWhitelist))
	admin.POST("/trades/:id/resolve", h.ResolveTrade)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

// serviceError maps the layered error taxonomy onto the wire contract. The
// settlement cases come first: a wrapped gateway failure must surface as 502
// even when some later wrap also matches a service sentinel.
func (h *Handler) serviceError(c *gin.Context, op string, err error) {
	var se *settlement.Error
	switch {
	case errors.Is(err, settlement.ErrOutcomeUnknown):
		writeError(c, http.StatusBadGateway, "SETTLEMENT_ERROR", "settlement outcome unknown, operation queued for reconciliation")
	case errors.As(err, &se):
		writeError(c, http.StatusBadGateway, "SETTLEMENT_ERROR", se.Message)
	case service.IsValidation(err):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, storage.ErrInvalidCursor):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor")
	case errors.Is(err, service.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrConflict):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error())
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
