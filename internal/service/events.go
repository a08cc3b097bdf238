package service

import (
	"time"

	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/kafka"
)

type Topics struct {
	OrdersCreated     string
	OrdersCancelled   string
	OrdersExpired     string
	TradesStarted     string
	TradesPaymentSent string
	TradesCompleted   string
	TradesDisputed    string
	TradesResolved    string
}

type OrderEvent struct {
	kafka.Envelope
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	Side         string `json:"side"`
	Token        string `json:"token"`
	Chain        string `json:"chain"`
	Amount       string `json:"amount"`
	Rate         string `json:"rate"`
	FilledAmount string `json:"filled_amount"`
	Status       string `json:"status"`
	OccurredAt   string `json:"occurred_at"`
}

type TradeEvent struct {
	kafka.Envelope
	TradeID    string `json:"trade_id"`
	OrderID    string `json:"order_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	Token      string `json:"token"`
	Chain      string `json:"chain"`
	Amount     string `json:"amount"`
	Rate       string `json:"rate"`
	FiatAmount string `json:"fiat_amount"`
	Status     string `json:"status"`
	EscrowRef  string `json:"escrow_ref"`
	OccurredAt string `json:"occurred_at"`
}

func orderEvent(eventType, correlationID string, order *storage.Order) (OrderEvent, error) {
	eventID := kafka.DeterministicEventID(eventType, order.ID.String(), order.Status)
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		Envelope:     env,
		OrderID:      order.ID.String(),
		UserID:       order.UserID.String(),
		Side:         order.Side,
		Token:        order.Token,
		Chain:        order.Chain,
		Amount:       order.Amount.String(),
		Rate:         order.Rate.String(),
		FilledAmount: order.FilledAmount.String(),
		Status:       order.Status,
		OccurredAt:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func tradeEvent(eventType, correlationID string, trade *storage.Trade) (TradeEvent, error) {
	eventID := kafka.DeterministicEventID(eventType, trade.ID.String(), trade.Status)
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID)
	if err != nil {
		return TradeEvent{}, err
	}
	return TradeEvent{
		Envelope:   env,
		TradeID:    trade.ID.String(),
		OrderID:    trade.OrderID.String(),
		BuyerID:    trade.BuyerID.String(),
		SellerID:   trade.SellerID.String(),
		Token:      trade.Token,
		Chain:      trade.Chain,
		Amount:     trade.Amount.String(),
		Rate:       trade.Rate.String(),
		FiatAmount: trade.FiatAmount.String(),
		Status:     trade.Status,
		EscrowRef:  trade.EscrowRef,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
