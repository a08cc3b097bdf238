package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	walletIndexAttempts = 5
	revertFillAttempts  = 5

	// Trust scores live on a 0-100 scale; new users start in the middle and
	// each completed trade nudges both parties toward the cap.
	initialTrustScore   = 50
	trustScoreIncrement = 5
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrTradeNotFound         = errors.New("trade not found")
	ErrDuplicateExternalRef  = errors.New("external ref already registered")
	ErrProofRefUsed          = errors.New("payment proof ref already used")
	ErrInvalidTransition     = errors.New("entity not in expected state")
	ErrWalletIndexContention = errors.New("wallet index contention not resolved")
	ErrInvalidCursor         = errors.New("invalid cursor")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// CreateUser assigns the next wallet index and inserts the user. Two concurrent
// registrations can pick the same index; the unique constraint rejects the
// loser, which retries with a fresh index.
func (s *Store) CreateUser(ctx context.Context, externalRef, webhookURL string, derive func(index uint32) (string, error)) (*User, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, fmt.Errorf("external_ref is required")
	}

	for attempt := 0; attempt < walletIndexAttempts; attempt++ {
		var nextIndex uint32
		row := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(wallet_index), 0) + 1 FROM users`)
		if err := row.Scan(&nextIndex); err != nil {
			return nil, fmt.Errorf("next wallet index: %w", err)
		}

		address, err := derive(nextIndex)
		if err != nil {
			return nil, fmt.Errorf("derive wallet address: %w", err)
		}

		user := &User{
			ID:            uuid.New(),
			ExternalRef:   externalRef,
			WalletIndex:   nextIndex,
			WalletAddress: address,
			WebhookURL:    webhookURL,
			TrustScore:    initialTrustScore,
			CreatedAt:     time.Now().UTC(),
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO users (id, external_ref, wallet_index, wallet_address, webhook_url, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		`, user.ID, user.ExternalRef, int64(user.WalletIndex), user.WalletAddress, user.WebhookURL, user.CreatedAt)
		if err != nil {
			if constraint, ok := uniqueViolation(err); ok {
				if strings.Contains(constraint, "external_ref") {
					return nil, ErrDuplicateExternalRef
				}
				// Lost the wallet_index race, pick again.
				continue
			}
			return nil, fmt.Errorf("insert user: %w", err)
		}
		return user, nil
	}
	return nil, ErrWalletIndexContention
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_ref, wallet_index, wallet_address, COALESCE(webhook_url, ''),
		       trade_count, trades_completed, trades_disputed, trust_score, created_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByExternalRef(ctx context.Context, externalRef string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_ref, wallet_index, wallet_address, COALESCE(webhook_url, ''),
		       trade_count, trades_completed, trades_disputed, trust_score, created_at
		FROM users WHERE external_ref = $1
	`, externalRef)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var walletIndex int64
	if err := row.Scan(&u.ID, &u.ExternalRef, &walletIndex, &u.WalletAddress, &u.WebhookURL,
		&u.TradeCount, &u.TradesCompleted, &u.TradesDisputed, &u.TrustScore, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.WalletIndex = uint32(walletIndex)
	return &u, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *Order) error {
	methods, err := json.Marshal(order.PaymentMethods)
	if err != nil {
		return fmt.Errorf("encode payment methods: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, side, token, chain, amount, rate, filled_amount,
		                    payment_methods, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
	`, order.ID, order.UserID, order.Side, order.Token, order.Chain,
		order.Amount.String(), order.Rate.String(), methods, order.Status,
		order.ExpiresAt, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, side, token, chain, amount::text, rate::text,
	filled_amount::text, payment_methods, status, expires_at, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var amountStr, rateStr, filledStr string
	var methods []byte
	if err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.Token, &o.Chain, &amountStr, &rateStr,
		&filledStr, &methods, &o.Status, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	var err error
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if o.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return nil, fmt.Errorf("parse rate: %w", err)
	}
	if o.FilledAmount, err = decimal.NewFromString(filledStr); err != nil {
		return nil, fmt.Errorf("parse filled amount: %w", err)
	}
	if len(methods) > 0 {
		if err := json.Unmarshal(methods, &o.PaymentMethods); err != nil {
			return nil, fmt.Errorf("decode payment methods: %w", err)
		}
	}
	return &o, nil
}

// ListOrders returns a keyset-paginated page, newest first. The cursor points
// at the last row of the previous page.
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Side != "" {
		query += ` AND side = ` + arg(filter.Side)
	}
	if filter.Token != "" {
		query += ` AND token = ` + arg(filter.Token)
	}
	if filter.Chain != "" {
		query += ` AND chain = ` + arg(filter.Chain)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeOrderCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at, id) < (` + arg(createdAt) + `, ` + arg(id) + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(orders) == limit {
		last := orders[len(orders)-1]
		next = encodeOrderCursor(last.CreatedAt, last.ID)
	}
	return orders, next, nil
}

func encodeOrderCursor(createdAt time.Time, id uuid.UUID) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeOrderCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return createdAt, id, nil
}

// FillOrder reserves amount against the order's remaining capacity. The update
// is conditional on the filled_amount the caller observed; zero rows affected
// means a concurrent fill won and the caller must retry or give up.
// (false, nil) also covers inactive orders and fills past capacity.
func (s *Store) FillOrder(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return false, fmt.Errorf("fill amount must be positive")
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != OrderStatusActive {
		return false, nil
	}
	newFilled := order.FilledAmount.Add(amount)
	if newFilled.GreaterThan(order.Amount) {
		return false, nil
	}
	status := OrderStatusActive
	if newFilled.Equal(order.Amount) {
		status = OrderStatusFilled
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET filled_amount = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND filled_amount = $4 AND status = 'active'
	`, newFilled.String(), status, orderID, order.FilledAmount.String())
	if err != nil {
		return false, fmt.Errorf("fill order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevertFillOrder undoes a fill after a failed downstream step. It forces the
// order back to active so the freed capacity is tradable again, and retries
// on conflict since a revert must not be silently dropped.
func (s *Store) RevertFillOrder(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("revert amount must be positive")
	}

	for attempt := 0; attempt < revertFillAttempts; attempt++ {
		order, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		newFilled := order.FilledAmount.Sub(amount)
		if newFilled.IsNegative() {
			newFilled = decimal.Zero
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE orders
			SET filled_amount = $1, status = 'active', updated_at = NOW()
			WHERE id = $2 AND filled_amount = $3 AND status = $4
		`, newFilled.String(), orderID, order.FilledAmount.String(), order.Status)
		if err != nil {
			return fmt.Errorf("revert fill: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		s.logger.Warn("revert fill conflicted, retrying", "order_id", orderID, "attempt", attempt+1)
	}
	return fmt.Errorf("revert fill for order %s: %w", orderID, ErrInvalidTransition)
}

func (s *Store) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'active'
	`, orderID, userID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrOrderNotFound
	}
	return ErrInvalidTransition
}

// ExpireOrders sweeps active orders past their deadline and returns the ids
// it moved. Idempotent.
func (s *Store) ExpireOrders(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire orders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReservedAmount sums the unfilled portions of the user's active sell ads.
// That is the inventory promised to the book and unavailable for withdrawal
// or further sell ads.
func (s *Store) ReservedAmount(ctx context.Context, userID uuid.UUID, token, chain string) (decimal.Decimal, error) {
	var reservedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount - filled_amount), 0)::text
		FROM orders
		WHERE user_id = $1 AND side = 'sell' AND status = 'active' AND token = $2 AND chain = $3
	`, userID, token, chain)
	if err := row.Scan(&reservedStr); err != nil {
		return decimal.Zero, fmt.Errorf("reserved amount: %w", err)
	}
	reserved, err := decimal.NewFromString(reservedStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse reserved amount: %w", err)
	}
	return reserved, nil
}

func (s *Store) CreateTrade(ctx context.Context, trade *Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, order_id, buyer_id, seller_id, token, chain, amount, rate,
		                    fiat_amount, status, escrow_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, trade.ID, trade.OrderID, trade.BuyerID, trade.SellerID, trade.Token, trade.Chain,
		trade.Amount.String(), trade.Rate.String(), trade.FiatAmount.String(),
		trade.Status, trade.EscrowRef, trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

const tradeColumns = `id, order_id, buyer_id, seller_id, token, chain, amount::text,
	rate::text, fiat_amount::text, status, escrow_ref, COALESCE(release_tx_ref, ''),
	COALESCE(dispute_reason, ''), COALESCE(disputed_by, '00000000-0000-0000-0000-000000000000'::uuid),
	COALESCE(resolution, ''), auto_release_at, created_at, updated_at, completed_at`

func (s *Store) GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	return scanTrade(row)
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	var amountStr, rateStr, fiatStr string
	if err := row.Scan(&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID, &t.Token, &t.Chain,
		&amountStr, &rateStr, &fiatStr, &t.Status, &t.EscrowRef, &t.ReleaseTxRef,
		&t.DisputeReason, &t.DisputedBy, &t.Resolution, &t.AutoReleaseAt,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return nil, fmt.Errorf("parse rate: %w", err)
	}
	if t.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return nil, fmt.Errorf("parse fiat amount: %w", err)
	}
	return &t, nil
}

// MarkPaymentSent records the buyer's proof and moves the trade to fiat_sent.
// The proof ref is globally unique so a ref can never vouch for two trades.
func (s *Store) MarkPaymentSent(ctx context.Context, tradeID, buyerID uuid.UUID, proofRef string, autoReleaseAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET status = 'fiat_sent', auto_release_at = $1, updated_at = NOW()
		WHERE id = $2 AND buyer_id = $3 AND status = 'in_escrow'
	`, autoReleaseAt, tradeID, buyerID)
	if err != nil {
		return fmt.Errorf("mark payment sent: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_proofs (id, trade_id, proof_ref, submitted_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New(), tradeID, proofRef, buyerID)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrProofRefUsed
		}
		return fmt.Errorf("insert payment proof: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// CompleteTrade finalizes a released trade and bumps both parties' completion
// counters in the same transaction.
func (s *Store) CompleteTrade(ctx context.Context, tradeID uuid.UUID, releaseTxRef string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var buyerID, sellerID uuid.UUID
	row := tx.QueryRow(ctx, `
		UPDATE trades
		SET status = 'completed', release_tx_ref = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = 'fiat_sent'
		RETURNING buyer_id, seller_id
	`, releaseTxRef, tradeID)
	if err := row.Scan(&buyerID, &sellerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("complete trade: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET trade_count = trade_count + 1,
		    trades_completed = trades_completed + 1,
		    trust_score = LEAST(100, trust_score + $2)
		WHERE id = ANY($1)
	`, []uuid.UUID{buyerID, sellerID}, trustScoreIncrement); err != nil {
		return fmt.Errorf("bump trade counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) DisputeTrade(ctx context.Context, tradeID, callerID uuid.UUID, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var buyerID, sellerID uuid.UUID
	row := tx.QueryRow(ctx, `
		UPDATE trades
		SET status = 'disputed', dispute_reason = $1, disputed_by = $2, updated_at = NOW()
		WHERE id = $3 AND (buyer_id = $2 OR seller_id = $2) AND status IN ('in_escrow', 'fiat_sent')
		RETURNING buyer_id, seller_id
	`, reason, callerID, tradeID)
	if err := row.Scan(&buyerID, &sellerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("dispute trade: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET trades_disputed = trades_disputed + 1 WHERE id = ANY($1)
	`, []uuid.UUID{buyerID, sellerID}); err != nil {
		return fmt.Errorf("bump dispute counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// ClaimResolution stakes the dispute outcome before the gateway is asked to
// move money, so two concurrent resolutions can never send opposite
// instructions. Re-claiming the same outcome succeeds (a resolver that died
// after claiming can be retried); the opposite outcome loses.
func (s *Store) ClaimResolution(ctx context.Context, tradeID uuid.UUID, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET resolution = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'disputed' AND (resolution IS NULL OR resolution = $1)
	`, resolution, tradeID)
	if err != nil {
		return fmt.Errorf("claim resolution: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransition
	}
	return nil
}

// ReleaseResolutionClaim clears a staked outcome after a definite gateway
// failure, so a later resolution may pick either outcome again. Claims left by
// unknown-outcome failures are kept: money may already have moved that way.
func (s *Store) ReleaseResolutionClaim(ctx context.Context, tradeID uuid.UUID, resolution string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET resolution = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'disputed' AND resolution = $2
	`, tradeID, resolution)
	if err != nil {
		return fmt.Errorf("release resolution claim: %w", err)
	}
	return nil
}

func (s *Store) ResolveTrade(ctx context.Context, tradeID uuid.UUID, resolution, txRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = 'resolved', resolution = $1, release_tx_ref = $2,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = 'disputed'
	`, resolution, txRef, tradeID)
	if err != nil {
		return fmt.Errorf("resolve trade: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransition
	}
	return nil
}

// ListAutoReleaseDue returns fiat_sent trades whose auto-release deadline has
// passed. The sweeper pushes them through the normal release path.
func (s *Store) ListAutoReleaseDue(ctx context.Context, now time.Time, limit int) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'fiat_sent' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto-release due: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

func (s *Store) InsertAudit(ctx context.Context, actorID uuid.UUID, entityType string, entityID uuid.UUID, action string, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	var actor any
	if actorID != uuid.Nil {
		actor = actorID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, entity_type, entity_id, action, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, actor, entityType, entityID, action, payload)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// InsertReconciliation records an escrow operation whose outcome is unknown.
// These rows are never auto-resolved; operators clear them against the
// gateway's own records.
func (s *Store) InsertReconciliation(ctx context.Context, ev ReconciliationEvent) error {
	var orderID, tradeID, buyerID, sellerID any
	if ev.OrderID != uuid.Nil {
		orderID = ev.OrderID
	}
	if ev.TradeID != uuid.Nil {
		tradeID = ev.TradeID
	}
	if ev.BuyerID != uuid.Nil {
		buyerID = ev.BuyerID
	}
	if ev.SellerID != uuid.Nil {
		sellerID = ev.SellerID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_events (order_id, trade_id, external_ref, buyer_id, seller_id,
		                                   token, chain, amount, reason)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`, orderID, tradeID, ev.ExternalRef, buyerID, sellerID,
		ev.Token, ev.Chain, ev.Amount.String(), ev.Reason)
	if err != nil {
		return fmt.Errorf("insert reconciliation event: %w", err)
	}
	return nil
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
