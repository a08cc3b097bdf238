package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) ResolveTrade(c *gin.Context) {
	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	trade, err := h.Trades.Resolve(c.Request.Context(), tradeID, strings.ToLower(strings.TrimSpace(req.Outcome)), requestIDFromContext(c))
	if err != nil {
		h.serviceError(c, "resolve trade", err)
		return
	}

	c.JSON(http.StatusOK, tradeToItem(trade))
}
