package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedTestData adds a couple of open ads so a fresh dev stack has a book to
// trade against.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	sellAdID := uuid.MustParse("00000000-0000-0000-0000-000000000101")
	buyAdID := uuid.MustParse("00000000-0000-0000-0000-000000000102")

	now := time.Now().UTC()
	expires := now.Add(72 * time.Hour)

	methods, err := json.Marshal([]string{"upi", "imps"})
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, side, token, chain, amount, rate, filled_amount, payment_methods, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, 'sell', 'USDT', 'tron', 500, 88.5, 0, $3, 'active', $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, sellAdID, demoSellerID, methods, expires, now)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, side, token, chain, amount, rate, filled_amount, payment_methods, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, 'buy', 'USDT', 'tron', 200, 88.2, 0, $3, 'active', $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, buyAdID, demoBuyerID, methods, expires, now)
	if err != nil {
		return err
	}

	return nil
}
