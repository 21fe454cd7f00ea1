package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AMQPURL        string
	EventsExchange string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxSettle       time.Duration
	CreateDebounce   time.Duration
	DispatchMaxAttempts int
	CreateMaxAttempts   int
	TicketNumberWidth int
	FacilityTimezone  string
	RecallLimit int
	RateLimitPerMinute int
	RateLimitBurst int
	OperatorRateLimitPerMinute int
	OperatorRateLimitBurst int
	LogLevel  string
	LogFormat string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		AMQPURL:        os.Getenv("AMQP_URL"),
		EventsExchange: readString("EVENTS_EXCHANGE", "qms.tickets"),
		OutboxPollInterval: readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 2),
		OutboxBatchSize:    readInt("OUTBOX_BATCH_SIZE", 100),
		OutboxSettle:       readDurationSeconds("OUTBOX_SETTLE_SECONDS", 1),
		CreateDebounce:   readDurationSeconds("CREATE_DEBOUNCE_SECONDS", 3),
		DispatchMaxAttempts: readInt("DISPATCH_MAX_ATTEMPTS", 5),
		CreateMaxAttempts:   readInt("CREATE_MAX_ATTEMPTS", 3),
		TicketNumberWidth: readInt("TICKET_NUMBER_WIDTH", 3),
		FacilityTimezone:  readString("FACILITY_TIMEZONE", "UTC"),
		RecallLimit: readInt("RECALL_LIMIT", 0),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst: readInt("RATE_LIMIT_BURST", 30),
		OperatorRateLimitPerMinute: readInt("OPERATOR_RATE_LIMIT_PER_MIN", 600),
		OperatorRateLimitBurst: readInt("OPERATOR_RATE_LIMIT_BURST", 120),
		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "json"),
	}
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.FacilityTimezone)
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
