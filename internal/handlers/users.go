package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/auth"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type registerRequest struct {
	ExternalRef string `json:"external_ref"`
	WebhookURL  string `json:"webhook_url"`
}

type registerResponse struct {
	UserID        string `json:"user_id"`
	ExternalRef   string `json:"external_ref"`
	WalletAddress string `json:"wallet_address"`
	Token         string `json:"token"`
}

type userItem struct {
	UserID          string `json:"user_id"`
	ExternalRef     string `json:"external_ref"`
	WalletAddress   string `json:"wallet_address"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	TradeCount      int    `json:"trade_count"`
	TradesCompleted int    `json:"trades_completed"`
	TradesDisputed  int    `json:"trades_disputed"`
	TrustScore      int    `json:"trust_score"`
	CreatedAt       string `json:"created_at"`
}

type balanceResponse struct {
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Vault     string `json:"vault"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

type withdrawRequest struct {
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Amount    string `json:"amount"`
	ToAddress string `json:"to_address"`
}

func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	user, err := h.Users.Register(c.Request.Context(), req.ExternalRef, req.WebhookURL)
	if err != nil {
		h.serviceError(c, "register user", err)
		return
	}

	token, err := auth.IssueJWT(user.ID.String(), user.ExternalRef, h.TokenTTL, h.JWTSecret)
	if err != nil {
		h.Logger.Error("issue token failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	c.JSON(http.StatusCreated, registerResponse{
		UserID:        user.ID.String(),
		ExternalRef:   user.ExternalRef,
		WalletAddress: user.WalletAddress,
		Token:         token,
	})
}

func (h *Handler) Me(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	user, err := h.Users.Get(c.Request.Context(), userID)
	if err != nil {
		h.serviceError(c, "get user", err)
		return
	}

	c.JSON(http.StatusOK, userToItem(user))
}

func (h *Handler) Balance(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	token := strings.ToUpper(strings.TrimSpace(c.Query("token")))
	chain := strings.ToLower(strings.TrimSpace(c.Query("chain")))

	result, err := h.Users.Balance(c.Request.Context(), userID, token, chain)
	if err != nil {
		h.serviceError(c, "get balance", err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		Token:     token,
		Chain:     chain,
		Vault:     result.Vault.String(),
		Reserved:  result.Reserved.String(),
		Available: result.Available.String(),
	})
}

func (h *Handler) Withdraw(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}

	txRef, err := h.Users.Withdraw(c.Request.Context(), service.WithdrawInput{
		UserID:    userID,
		Token:     strings.ToUpper(strings.TrimSpace(req.Token)),
		Chain:     strings.ToLower(strings.TrimSpace(req.Chain)),
		Amount:    amount,
		ToAddress: strings.TrimSpace(req.ToAddress),
	})
	if err != nil {
		h.serviceError(c, "withdraw", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tx_ref": txRef, "status": "submitted"})
}

func userToItem(user *storage.User) userItem {
	return userItem{
		UserID:          user.ID.String(),
		ExternalRef:     user.ExternalRef,
		WalletAddress:   user.WalletAddress,
		WebhookURL:      user.WebhookURL,
		TradeCount:      user.TradeCount,
		TradesCompleted: user.TradesCompleted,
		TradesDisputed:  user.TradesDisputed,
		TrustScore:      user.TrustScore,
		CreatedAt:       user.CreatedAt.UTC().Format(time.RFC3339),
	}
}
