package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Oracle settings. An empty OracleURL selects the static dev feed at
	// OracleStaticPrice.
	OracleURL         string
	OracleFeedID      string
	OracleStaticPrice float64

	// MinPlatformFeeUsdCents floors the platform's cut of every release.
	MinPlatformFeeUsdCents int64

	// JWTSecret guards the mutating endpoints; empty disables auth.
	JWTSecret string

	// Kafka event sink; empty broker list disables it.
	KafkaBrokers []string
	KafkaTopic   string

	// WebhookURL receives every event as JSON; empty disables it.
	WebhookURL string

	// S3 audit archive; empty bucket disables it.
	S3Bucket string
	S3Prefix string
}

const (
	defaultAddr        = ":8071"
	defaultFeedID      = "credit-usd"
	defaultStaticPrice = 100.0
	defaultMinFeeCents = 250
	defaultKafkaTopic  = "escrow.events"
)

func Load() Config {
	return Config{
		Addr:                   getEnv("ESCROW_ADDR", defaultAddr),
		DatabaseURL:            firstNonEmpty(os.Getenv("ESCROW_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		OracleURL:              os.Getenv("ESCROW_ORACLE_URL"),
		OracleFeedID:           getEnv("ESCROW_ORACLE_FEED_ID", defaultFeedID),
		OracleStaticPrice:      getFloat("ESCROW_ORACLE_STATIC_PRICE", defaultStaticPrice),
		MinPlatformFeeUsdCents: getInt("ESCROW_MIN_PLATFORM_FEE_CENTS", defaultMinFeeCents),
		JWTSecret:              os.Getenv("ESCROW_JWT_SECRET"),
		KafkaBrokers:           splitList(os.Getenv("ESCROW_KAFKA_BROKERS")),
		KafkaTopic:             getEnv("ESCROW_KAFKA_TOPIC", defaultKafkaTopic),
		WebhookURL:             os.Getenv("ESCROW_WEBHOOK_URL"),
		S3Bucket:               os.Getenv("ESCROW_S3_BUCKET"),
		S3Prefix:               os.Getenv("ESCROW_S3_PREFIX"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
