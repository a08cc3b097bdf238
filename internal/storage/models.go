package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideSell = "sell"
	SideBuy  = "buy"

	OrderStatusActive    = "active"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"

	TradeStatusInEscrow  = "in_escrow"
	TradeStatusFiatSent  = "fiat_sent"
	TradeStatusCompleted = "completed"
	TradeStatusCancelled = "cancelled"
	TradeStatusDisputed  = "disputed"
	TradeStatusResolved  = "resolved"

	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

type User struct {
	ID              uuid.UUID
	ExternalRef     string
	WalletIndex     uint32
	WalletAddress   string
	WebhookURL      string
	TradeCount      int
	TradesCompleted int
	TradesDisputed  int
	TrustScore      int
	CreatedAt       time.Time
}

type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Side           string
	Token          string
	Chain          string
	Amount         decimal.Decimal
	Rate           decimal.Decimal
	FilledAmount   decimal.Decimal
	PaymentMethods []string
	Status         string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the unfilled portion still reserved against the maker's vault.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

type Trade struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	BuyerID       uuid.UUID
	SellerID      uuid.UUID
	Token         string
	Chain         string
	Amount        decimal.Decimal
	Rate          decimal.Decimal
	FiatAmount    decimal.Decimal
	Status        string
	EscrowRef     string
	ReleaseTxRef  string
	DisputeReason string
	DisputedBy    uuid.UUID
	Resolution    string
	AutoReleaseAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

type PaymentProof struct {
	ID          uuid.UUID
	TradeID     uuid.UUID
	ProofRef    string
	SubmittedBy uuid.UUID
	CreatedAt   time.Time
}

type ReconciliationEvent struct {
	OrderID     uuid.UUID
	TradeID     uuid.UUID
	ExternalRef string
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Token       string
	Chain       string
	Amount      decimal.Decimal
	Reason      string
}

type OrderFilter struct {
	Side   string
	Token  string
	Chain  string
	Status string
	Cursor string
	Limit  int
}
