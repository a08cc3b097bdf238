package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type startTradeRequest struct {
	OrderID string `json:"order_id"`
	Amount  string `json:"amount"`
}

type tradeItem struct {
	TradeID       string `json:"trade_id"`
	OrderID       string `json:"order_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`
	Token         string `json:"token"`
	Chain         string `json:"chain"`
	Amount        string `json:"amount"`
	Rate          string `json:"rate"`
	FiatAmount    string `json:"fiat_amount"`
	Status        string `json:"status"`
	EscrowRef     string `json:"escrow_ref,omitempty"`
	ReleaseTxRef  string `json:"release_tx_ref,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	AutoReleaseAt string `json:"auto_release_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

type paymentSentRequest struct {
	ProofRef string `json:"proof_ref"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) StartTrade(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req startTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	orderID, err := uuid.Parse(strings.TrimSpace(req.OrderID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}

	trade, err := h.Trades.Start(c.Request.Context(), service.StartTradeInput{
		CallerID:      userID,
		OrderID:       orderID,
		Amount:        amount,
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		h.serviceError(c, "start trade", err)
		return
	}

	c.JSON(http.StatusCreated, tradeToItem(trade))
}

// GetTrade is restricted to the two parties. Anyone else gets the same 404 a
// missing trade would produce, so trade ids do not leak activity.
func (h *Handler) GetTrade(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	trade, err := h.Trades.Get(c.Request.Context(), tradeID)
	if err != nil {
		h.serviceError(c, "get trade", err)
		return
	}
	if trade.BuyerID != userID && trade.SellerID != userID {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
		return
	}

	c.JSON(http.StatusOK, tradeToItem(trade))
}

func (h *Handler) PaymentSent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	var req paymentSentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	trade, err := h.Trades.MarkPaymentSent(c.Request.Context(), tradeID, userID, strings.TrimSpace(req.ProofRef), requestIDFromContext(c))
	if err != nil {
		h.serviceError(c, "mark payment sent", err)
		return
	}

	c.JSON(http.StatusOK, tradeToItem(trade))
}

func (h *Handler) ConfirmReceipt(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	trade, err := h.Trades.ConfirmReceipt(c.Request.Context(), tradeID, userID, requestIDFromContext(c))
	if err != nil {
		h.serviceError(c, "confirm receipt", err)
		return
	}

	c.JSON(http.StatusOK, tradeToItem(trade))
}

func (h *Handler) Dispute(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	trade, err := h.Trades.Dispute(c.Request.Context(), tradeID, userID, strings.TrimSpace(req.Reason), requestIDFromContext(c))
	if err != nil {
		h.serviceError(c, "dispute trade", err)
		return
	}

	c.JSON(http.StatusOK, tradeToItem(trade))
}

func tradeToItem(trade *storage.Trade) tradeItem {
	item := tradeItem{
		TradeID:       trade.ID.String(),
		OrderID:       trade.OrderID.String(),
		BuyerID:       trade.BuyerID.String(),
		SellerID:      trade.SellerID.String(),
		Token:         trade.Token,
		Chain:         trade.Chain,
		Amount:        trade.Amount.String(),
		Rate:          trade.Rate.String(),
		FiatAmount:    trade.FiatAmount.String(),
		Status:        trade.Status,
		EscrowRef:     trade.EscrowRef,
		ReleaseTxRef:  trade.ReleaseTxRef,
		DisputeReason: trade.DisputeReason,
		Resolution:    trade.Resolution,
		CreatedAt:     trade.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     trade.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if trade.AutoReleaseAt != nil {
		item.AutoReleaseAt = trade.AutoReleaseAt.UTC().Format(time.RFC3339)
	}
	if trade.CompletedAt != nil {
		item.CompletedAt = trade.CompletedAt.UTC().Format(time.RFC3339)
	}
	return item
}
