package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	Side           string   `json:"side"`
	Token          string   `json:"token"`
	Chain          string   `json:"chain"`
	Amount         string   `json:"amount"`
	Rate           string   `json:"rate"`
	PaymentMethods []string `json:"payment_methods"`
}

type orderItem struct {
	OrderID        string   `json:"order_id"`
	UserID         string   `json:"user_id"`
	Side           string   `json:"side"`
	Token          string   `json:"token"`
	Chain          string   `json:"chain"`
	Amount         string   `json:"amount"`
	Rate           string   `json:"rate"`
	FilledAmount   string   `json:"filled_amount"`
	Remaining      string   `json:"remaining"`
	PaymentMethods []string `json:"payment_methods,omitempty"`
	Status         string   `json:"status"`
	ExpiresAt      string   `json:"expires_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid rate")
		return
	}

	order, err := h.Orders.Create(c.Request.Context(), service.CreateOrderInput{
		UserID:         userID,
		Side:           strings.ToLower(strings.TrimSpace(req.Side)),
		Token:          strings.ToUpper(strings.TrimSpace(req.Token)),
		Chain:          strings.ToLower(strings.TrimSpace(req.Chain)),
		Amount:         amount,
		Rate:           rate,
		PaymentMethods: req.PaymentMethods,
		CorrelationID:  requestIDFromContext(c),
	})
	if err != nil {
		h.serviceError(c, "create order", err)
		return
	}

	c.JSON(http.StatusCreated, orderToItem(order))
}

func (h *Handler) ListOrders(c *gin.Context) {
	if _, ok := userIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	filter := storage.OrderFilter{
		Side:   strings.ToLower(strings.TrimSpace(c.Query("side"))),
		Token:  strings.ToUpper(strings.TrimSpace(c.Query("token"))),
		Chain:  strings.ToLower(strings.TrimSpace(c.Query("chain"))),
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}

	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		filter.Limit = n
	}

	orders, nextCursor, err := h.Orders.List(c.Request.Context(), filter)
	if err != nil {
		h.serviceError(c, "list orders", err)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for i := range orders {
		items = append(items, orderToItem(&orders[i]))
	}

	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	if _, ok := userIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Orders.Get(c.Request.Context(), orderID)
	if err != nil {
		h.serviceError(c, "get order", err)
		return
	}

	c.JSON(http.StatusOK, orderToItem(order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Orders.Cancel(c.Request.Context(), orderID, userID, requestIDFromContext(c))
	if err != nil {
		h.serviceError(c, "cancel order", err)
		return
	}

	c.JSON(http.StatusOK, orderToItem(order))
}

func orderToItem(order *storage.Order) orderItem {
	item := orderItem{
		OrderID:        order.ID.String(),
		UserID:         order.UserID.String(),
		Side:           order.Side,
		Token:          order.Token,
		Chain:          order.Chain,
		Amount:         order.Amount.String(),
		Rate:           order.Rate.String(),
		FilledAmount:   order.FilledAmount.String(),
		Remaining:      order.Remaining().String(),
		PaymentMethods: order.PaymentMethods,
		Status:         order.Status,
		CreatedAt:      order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if order.ExpiresAt != nil {
		item.ExpiresAt = order.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return item
}
