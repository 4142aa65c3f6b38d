package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// Development seeder: enrolls a demo merchant with both providers and loads a
// starter set of conversion rate observations so checkouts convert without a
// remote rate source.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedMerchantProviders(ctx, pool)
	seedRates(ctx, pool)

	log.Println("Seeding completed successfully!")
}

func seedMerchantProviders(ctx context.Context, pool *pgxpool.Pool) {
	merchantID := envOr("SEED_MERCHANT_ID", "mch_demo")
	enrollments := []struct {
		provider           string
		providerMerchantID string
		secret             string
	}{
		{"nowpayments", "np_" + merchantID, envOr("SEED_NOWPAYMENTS_SECRET", "whsec_np_demo")},
		{"moneroo", "mr_" + merchantID, envOr("SEED_MONEROO_SECRET", "whsec_mr_demo")},
	}

	for _, e := range enrollments {
		_, err := pool.Exec(ctx, `
			INSERT INTO merchant_providers (merchant_id, provider, provider_merchant_id, connected, webhook_secret)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT (merchant_id, provider) DO UPDATE
			SET provider_merchant_id = EXCLUDED.provider_merchant_id,
			    connected = TRUE,
			    webhook_secret = EXCLUDED.webhook_secret;
		`, merchantID, e.provider, e.providerMerchantID, e.secret)
		if err != nil {
			log.Fatalf("Failed to seed enrollment %s/%s: %v", merchantID, e.provider, err)
		}
		log.Printf("Enrolled %s with %s", merchantID, e.provider)
	}
}

func seedRates(ctx context.Context, pool *pgxpool.Pool) {
	rates := []struct {
		from, to      string
		rate, inverse string
	}{
		{"XOF", "USD", "0.00165", "606.06"},
		{"XOF", "EUR", "0.00152", "655.96"},
		{"GNF", "USD", "0.000116", "8620.69"},
		{"USD", "EUR", "0.92", "1.0869"},
		{"USD", "BTC", "0.0000155", "64516.13"},
	}

	for _, r := range rates {
		_, err := pool.Exec(ctx, `
			INSERT INTO conversion_rates (from_currency, to_currency, rate, inverse_rate)
			VALUES ($1, $2, $3::numeric, $4::numeric);
		`, r.from, r.to, r.rate, r.inverse)
		if err != nil {
			log.Fatalf("Failed to seed rate %s/%s: %v", r.from, r.to, err)
		}
		log.Printf("Seeded rate %s -> %s @ %s", r.from, r.to, r.rate)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
