package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"bikefit-backend/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	CORSAllowOrigin []string
	PublicBaseURL   string
	JWTSecret       string
	JWTIssuer       string

	ObjectStoreType  string
	LocalStoreDir    string
	URLSigningSecret string
	SignedURLTTL     time.Duration
	AWSRegion        string
	S3Bucket         string
	S3Prefix         string
	SSEKMSKeyID      string

	LedgerBackend    string
	DatabaseURL      string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBConnLifetime   time.Duration
	DBPingTimeout    time.Duration
	DynamoTable      string
	DynamoOwnerIndex string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	DispatchMode      string
	SQSQueueURL       string
	SQSVisibility     time.Duration
	ShutdownTimeout   time.Duration
	WorkerConcurrency int
	MaxUploadBytes    int64
	ProcessingTimeout time.Duration
	WatchdogInterval  time.Duration
	WatchdogLease     time.Duration
	PendingGrace      time.Duration
	AnalyzerCommand   string
	AnalyzerArgs      []string
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"ENV":                  "dev",
	"LOG_LEVEL":            "info",
	"CORS_ALLOW_ORIGINS":   "http://localhost:5173",
	"PUBLIC_BASE_URL":      "http://localhost:8080",
	"JWT_SECRET":           "",
	"JWT_ISSUER":           "bikefit",
	"OBJECT_STORE":         "local",
	"LOCAL_STORE_DIR":      "./data",
	"URL_SIGNING_SECRET":   "",
	"SIGNED_URL_TTL":       15 * time.Minute,
	"AWS_REGION":           "",
	"S3_BUCKET":            "",
	"S3_PREFIX":            "",
	"SSE_KMS_KEY_ID":       "",
	"LEDGER_BACKEND":       "",
	"DATABASE_URL":         "",
	"DB_MAX_OPEN_CONNS":    0,
	"DB_MAX_IDLE_CONNS":    0,
	"DB_CONN_MAX_LIFETIME": time.Duration(0),
	"DB_PING_TIMEOUT":      time.Duration(0),
	"DYNAMODB_TABLE":       "",
	"DYNAMODB_OWNER_INDEX": "ownerId-createdAt-index",
	"REDIS_ADDR":           "",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"DISPATCH_MODE":        "inprocess",
	"SQS_QUEUE_URL":        "",
	"SQS_VISIBILITY":       20 * time.Minute,
	"SHUTDOWN_TIMEOUT":     30 * time.Second,
	"WORKER_CONCURRENCY":   4,
	"MAX_UPLOAD_BYTES":     int64(500 << 20),
	"PROCESSING_TIMEOUT":   10 * time.Minute,
	"WATCHDOG_INTERVAL":    time.Minute,
	"WATCHDOG_LEASE":       20 * time.Minute,
	"PENDING_GRACE":        5 * time.Minute,
	"ANALYZER_COMMAND":     "",
	"ANALYZER_ARGS":        "",
}

// Load reads configuration from environment variables with sensible defaults.
// Local .env files are merged best-effort for dev convenience; real env vars win.
func Load() Config {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for _, path := range []string{".env", "cmd/.env"} {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.MergeInConfig()
	}
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) Config {
	env := normalizeEnv(v.GetString("ENV"))
	cfg := Config{
		Port:            v.GetString("PORT"),
		Env:             env,
		LogLevel:        v.GetString("LOG_LEVEL"),
		CORSAllowOrigin: splitAndTrim(v.GetString("CORS_ALLOW_ORIGINS")),
		PublicBaseURL:   strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		JWTIssuer:       v.GetString("JWT_ISSUER"),

		ObjectStoreType:  normalizeStoreType(v.GetString("OBJECT_STORE")),
		LocalStoreDir:    v.GetString("LOCAL_STORE_DIR"),
		URLSigningSecret: v.GetString("URL_SIGNING_SECRET"),
		SignedURLTTL:     v.GetDuration("SIGNED_URL_TTL"),
		AWSRegion:        v.GetString("AWS_REGION"),
		S3Bucket:         v.GetString("S3_BUCKET"),
		S3Prefix:         v.GetString("S3_PREFIX"),
		SSEKMSKeyID:      v.GetString("SSE_KMS_KEY_ID"),

		DatabaseURL:      v.GetString("DATABASE_URL"),
		DBMaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:   v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnLifetime:   v.GetDuration("DB_CONN_MAX_LIFETIME"),
		DBPingTimeout:    v.GetDuration("DB_PING_TIMEOUT"),
		DynamoTable:      v.GetString("DYNAMODB_TABLE"),
		DynamoOwnerIndex: v.GetString("DYNAMODB_OWNER_INDEX"),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),

		DispatchMode:      normalizeDispatchMode(v.GetString("DISPATCH_MODE")),
		SQSQueueURL:       v.GetString("SQS_QUEUE_URL"),
		SQSVisibility:     v.GetDuration("SQS_VISIBILITY"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		MaxUploadBytes:    v.GetInt64("MAX_UPLOAD_BYTES"),
		ProcessingTimeout: v.GetDuration("PROCESSING_TIMEOUT"),
		WatchdogInterval:  v.GetDuration("WATCHDOG_INTERVAL"),
		WatchdogLease:     v.GetDuration("WATCHDOG_LEASE"),
		PendingGrace:      v.GetDuration("PENDING_GRACE"),
		AnalyzerCommand:   strings.TrimSpace(v.GetString("ANALYZER_COMMAND")),
		AnalyzerArgs:      strings.Fields(v.GetString("ANALYZER_ARGS")),
	}
	cfg.LedgerBackend = normalizeLedgerBackend(v.GetString("LEDGER_BACKEND"), cfg)

	if env == "production" {
		if cfg.LedgerBackend == "memory" {
			telemetry.Warn("config.ledger_memory_in_production", map[string]any{
				"hint": "set LEDGER_BACKEND and DATABASE_URL, DYNAMODB_TABLE or REDIS_ADDR",
			})
		}
		if cfg.ObjectStoreType == "local" && cfg.URLSigningSecret == "" {
			telemetry.Warn("config.url_signing_secret_missing", nil)
		}
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return cfg
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

// normalizeLedgerBackend picks the ledger backend. An explicit value wins;
// otherwise the first configured store is used, falling back to memory.
func normalizeLedgerBackend(raw string, cfg Config) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "pg":
		return "postgres"
	case "dynamodb", "dynamo":
		return "dynamodb"
	case "redis":
		return "redis"
	case "memory":
		return "memory"
	}
	switch {
	case cfg.DatabaseURL != "":
		return "postgres"
	case cfg.DynamoTable != "":
		return "dynamodb"
	default:
		return "memory"
	}
}

func normalizeDispatchMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "asynq":
		return "asynq"
	default:
		return "inprocess"
	}
}
