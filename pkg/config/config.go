package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// BrokerEnv is the closed set of broker environments a connection may target.
type BrokerEnv string

const (
	BrokerEnvLive    BrokerEnv = "live"
	BrokerEnvTestnet BrokerEnv = "testnet"
)

// RiskMode is the closed set of risk budget interpretations the sizer accepts.
type RiskMode string

const (
	RiskModePercent RiskMode = "percent"
	RiskModeFixed   RiskMode = "fixed"
)

// Config is the closed, typed configuration record for the daemon. It mirrors
// the recognized option set exactly: broker_env, risk_mode, risk_value,
// max_leverage_cap, min_trade_amount, order_fill_timeout_ms, reconcile_interval_ms,
// health_check_interval_ms, backup_interval_ms, backup_retention, trigger_budget,
// plus the ambient settings (HTTP port, JWT secret, DB path, broker credentials)
// every deployment needs. Nothing here is a free-form map; components receive
// this typed record rather than an environment lookup.
type Config struct {
	Port string

	BrokerEnv       BrokerEnv
	RiskMode        RiskMode
	RiskValue       float64
	MaxLeverageCap  int
	MinTradeAmount  float64

	OrderFillTimeoutMs     int
	ReconcileIntervalMs    int
	HealthCheckIntervalMs  int
	BackupIntervalMs       int
	BackupRetention        int
	TriggerBudget          int

	// Broker credentials, opaque to the core beyond being passed to connect().
	BrokerAPIKey    string
	BrokerAPISecret string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Remote backup archival (internal/persistence)
	BackupS3Bucket string
	BackupS3Region string

	// External strategy plug-in bridge
	StrategyBridgeAddr   string
	EnableStrategyBridge bool

	// Dry-run / paper execution mode, independent of back-testing (Non-goal).
	DryRun               bool
	DryRunInitialBalance float64
}

// Load reads environment variables (optionally via .env) into Config, applying
// typed defaults and validating the closed enums.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		BrokerEnv:      BrokerEnv(strings.ToLower(getEnv("BROKER_ENV", "testnet"))),
		RiskMode:       RiskMode(strings.ToLower(getEnv("RISK_MODE", "percent"))),
		RiskValue:      getEnvFloat("RISK_VALUE", 1.0),
		MaxLeverageCap: getEnvInt("MAX_LEVERAGE_CAP", 20),
		MinTradeAmount: getEnvFloat("MIN_TRADE_AMOUNT", 5.0),

		OrderFillTimeoutMs:    getEnvInt("ORDER_FILL_TIMEOUT_MS", 30_000),
		ReconcileIntervalMs:   getEnvInt("RECONCILE_INTERVAL_MS", 10_000),
		HealthCheckIntervalMs: getEnvInt("HEALTH_CHECK_INTERVAL_MS", 10_000),
		BackupIntervalMs:      getEnvInt("BACKUP_INTERVAL_MS", 3_600_000),
		BackupRetention:       getEnvInt("BACKUP_RETENTION", 24),
		TriggerBudget:         getEnvInt("TRIGGER_BUDGET", 10),

		BrokerAPIKey:    os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret: os.Getenv("BROKER_API_SECRET"),

		DBPath: getEnv("DB_PATH", "./data/tradingd.db"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		BackupS3Bucket: os.Getenv("BACKUP_S3_BUCKET"),
		BackupS3Region: getEnv("BACKUP_S3_REGION", "us-east-1"),

		StrategyBridgeAddr:   getEnv("STRATEGY_BRIDGE_ADDR", "localhost:50051"),
		EnableStrategyBridge: getEnv("ENABLE_STRATEGY_BRIDGE", "false") == "true",

		DryRun:               getEnv("DRY_RUN", "false") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10_000.0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.BrokerEnv {
	case BrokerEnvLive, BrokerEnvTestnet:
	default:
		return fmt.Errorf("config: invalid broker_env %q", c.BrokerEnv)
	}
	switch c.RiskMode {
	case RiskModePercent, RiskModeFixed:
	default:
		return fmt.Errorf("config: invalid risk_mode %q", c.RiskMode)
	}
	if c.RiskMode == RiskModePercent && (c.RiskValue <= 0 || c.RiskValue > 100) {
		return fmt.Errorf("config: risk_value %.4f out of range (0,100] for percent mode", c.RiskValue)
	}
	if c.MaxLeverageCap <= 0 {
		return fmt.Errorf("config: max_leverage_cap must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
