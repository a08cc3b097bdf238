package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/wallet"
	"github.com/Shijas786/p2p-kerala/libs/apikey"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dev-only master seed. Production deployments must set P2P_WALLET_MASTER_SEED.
const devMasterSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	demoSellerID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	demoBuyerID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func main() {
	env := getEnv("P2P_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: P2P_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "p2p_core")
	user := getEnv("POSTGRES_USER", "p2p")
	password := getEnv("POSTGRES_PASSWORD", "p2p")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	deriver, err := wallet.NewHDDeriver(getEnv("P2P_WALLET_MASTER_SEED", devMasterSeed), getEnv("P2P_WALLET_CHAIN_PREFIX", "0x"))
	if err != nil {
		log.Fatalf("wallet deriver: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool, deriver); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	adminKey, err := seedAdminKey(env)
	if err != nil {
		log.Fatalf("seed admin key: %v", err)
	}
	fmt.Println("✓ Admin key generated")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo users:")
	fmt.Printf("  seller external_ref: demo-seller (id %s)\n", demoSellerID)
	fmt.Printf("  buyer  external_ref: demo-buyer  (id %s)\n", demoBuyerID)

	if env == "dev" {
		fmt.Println("\nAdmin API key (DEV ONLY):")
		fmt.Printf("  %s\n", adminKey)
		fmt.Println("  set P2P_ADMIN_API_KEY_HASH to the printed hash to enable admin routes")
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, deriver *wallet.HDDeriver) error {
	users := []struct {
		id          uuid.UUID
		externalRef string
		walletIndex uint32
	}{
		{demoSellerID, "demo-seller", 1},
		{demoBuyerID, "demo-buyer", 2},
	}

	now := time.Now().UTC()
	for _, u := range users {
		address, err := deriver.Address(u.walletIndex)
		if err != nil {
			return fmt.Errorf("derive wallet %d: %w", u.walletIndex, err)
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO users (id, external_ref, wallet_index, wallet_address, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (external_ref) DO UPDATE
			SET wallet_address = EXCLUDED.wallet_address
		`, u.id, u.externalRef, int64(u.walletIndex), address, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedAdminKey(env string) (string, error) {
	fullKey, hash, err := apikey.Generate(env)
	if err != nil {
		return "", err
	}
	fmt.Printf("  admin key hash: %s\n", hash)
	return fullKey, nil
}
