package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/libs/kafka"
	"github.com/google/uuid"
	"log/slog"
)

type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*storage.User, error)
}

type Sender interface {
	Send(ctx context.Context, url string, payload any) error
}

// Notifier consumes order and trade events and fans them out to the webhook
// URLs the affected users registered. Trade events reach both parties; order
// events only the maker. Users without a webhook URL are skipped.
//
// Delivery failures come back as DLQ errors so the consumer retries and
// eventually dead-letters the event instead of blocking the partition.
type Notifier struct {
	store  UserStore
	sender Sender
	logger *slog.Logger
}

func New(store UserStore, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, sender: sender, logger: logger}
}

type eventRecipients struct {
	kafka.Envelope
	OrderID  string `json:"order_id"`
	TradeID  string `json:"trade_id"`
	UserID   string `json:"user_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

func (n *Notifier) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev eventRecipients
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Malformed events can never succeed on retry.
		return kafka.DLQ(err, "undecodable event payload")
	}

	var raw map[string]any
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return kafka.DLQ(err, "undecodable event payload")
	}

	recipients := recipientIDs(ev)
	if len(recipients) == 0 {
		n.logger.Warn("event without recipients", "topic", msg.Topic, "event_type", ev.EventType)
		return nil
	}

	var failures []string
	for _, userID := range recipients {
		user, err := n.store.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				n.logger.Warn("event recipient missing", "user_id", userID, "event_type", ev.EventType)
				continue
			}
			return fmt.Errorf("load recipient %s: %w", userID, err)
		}
		if user.WebhookURL == "" {
			continue
		}

		if err := n.sender.Send(ctx, user.WebhookURL, raw); err != nil {
			n.logger.Warn("webhook delivery failed",
				"user_id", userID,
				"event_type", ev.EventType,
				"error", err,
			)
			failures = append(failures, userID.String())
		}
	}

	if len(failures) > 0 {
		return kafka.DLQ(
			fmt.Errorf("webhook delivery failed for %s", strings.Join(failures, ",")),
			"webhook delivery failed",
		)
	}
	return nil
}

func recipientIDs(ev eventRecipients) []uuid.UUID {
	var ids []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, s := range []string{ev.UserID, ev.BuyerID, ev.SellerID} {
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
