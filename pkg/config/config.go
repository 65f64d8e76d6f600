package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process-level settings. Trading parameters (allocation,
// stops, exposure caps) are not here: they live in the ledger's
// config_overrides table and are resolved per action.
type Config struct {
	Port string

	// Storage
	DataDir         string
	DBPath          string
	RecoveryWALPath string

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	UseMockExchange  bool
	MockBalances     string // e.g. "USDT=10000"; only used by the mock exchange
	MockPrices       string // e.g. "BTCUSDT=50000,ETHUSDT=2500"

	// Assets
	QuoteAsset    string
	IgnoredAssets []string // never reported as orphans (quote + fee rebate asset)

	// Leases
	LeaseTTL     time.Duration
	LeaseBackend string // "sqlite" (default) or "redis"
	RedisURL     string

	// Scheduled units of work in serve mode
	ExitCheckInterval time.Duration
	ReconcileInterval time.Duration
	PriceFeedEnabled  bool          // tick-driven exit checks from the price stream
	FeedDebounce      time.Duration // per-symbol gap between tick exit checks

	// Exchange throttling and cache
	RateLimitPerSecond float64
	RateLimitBurst     int
	PriceTTL           time.Duration
	AccountTTL         time.Duration
	CandleTTL          time.Duration
	ExchangeInfoTTL    time.Duration
	StaleMaxAge        time.Duration
	RequestTimeout     time.Duration

	// API auth
	JWTSecret            string
	TokenTTL             time.Duration
	OperatorUser         string
	OperatorPasswordHash string // bcrypt; empty disables /api/auth/login
	CORSOrigins          []string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"
}

// DefaultJWTSecret is only fit for local runs against the mock exchange.
const DefaultJWTSecret = "dev-secret"

// Load reads settings from an optional YAML file (OAKLEY_CONFIG), then the
// environment (optionally via .env). Environment values win.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	file, err := loadFile(os.Getenv("OAKLEY_CONFIG"))
	if err != nil {
		return nil, err
	}
	s := source{file: file}

	dataDir := s.get("DATA_DIR", "./data")
	dbPath := s.get("DB_PATH", "")
	if dbPath == "" {
		dbPath = s.get("DATABASE_PATH", filepath.Join(dataDir, "trading.db"))
	}

	quote := strings.ToUpper(s.get("QUOTE_ASSET", "USDT"))

	cfg := &Config{
		Port:               s.get("PORT", "8080"),
		DataDir:            dataDir,
		DBPath:             dbPath,
		RecoveryWALPath:    s.get("RECOVERY_WAL_PATH", filepath.Join(dataDir, "recovery_wal")),
		BinanceTestnet:     s.getBool("BINANCE_TESTNET", false),
		BinanceAPIKey:      s.get("BINANCE_API_KEY", ""),
		BinanceAPISecret:   s.get("BINANCE_API_SECRET", ""),
		UseMockExchange:    s.getBool("MOCK_EXCHANGE", false),
		MockBalances:       s.get("MOCK_BALANCES", quote+"=10000"),
		MockPrices:         s.get("MOCK_PRICES", "BTC"+quote+"=50000,ETH"+quote+"=2500,SOL"+quote+"=150"),
		QuoteAsset:         quote,
		IgnoredAssets:      splitAndTrim(strings.ToUpper(s.get("IGNORED_ASSETS", quote+",BNB"))),
		LeaseTTL:           s.getDuration("LEASE_TTL", 5*time.Minute),
		LeaseBackend:       strings.ToLower(s.get("LEASE_BACKEND", "sqlite")),
		RedisURL:           s.get("REDIS_URL", "redis://localhost:6379/0"),
		ExitCheckInterval:  s.getDuration("EXIT_CHECK_INTERVAL", 5*time.Minute),
		ReconcileInterval:  s.getDuration("RECONCILE_INTERVAL", time.Hour),
		RateLimitPerSecond: s.getFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     s.getInt("RATE_LIMIT_BURST", 10),
		PriceTTL:           s.getDuration("CACHE_PRICE_TTL", 15*time.Second),
		AccountTTL:         s.getDuration("CACHE_ACCOUNT_TTL", 10*time.Second),
		CandleTTL:          s.getDuration("CACHE_CANDLE_TTL", time.Minute),
		ExchangeInfoTTL:    s.getDuration("CACHE_EXCHANGE_INFO_TTL", time.Hour),
		StaleMaxAge:        s.getDuration("CACHE_STALE_MAX_AGE", 24*time.Hour),
		RequestTimeout:     s.getDuration("REQUEST_TIMEOUT", 10*time.Second),
		JWTSecret:          s.get("JWT_SECRET", DefaultJWTSecret),
		TokenTTL:           s.getDuration("TOKEN_TTL", 72*time.Hour),
		CORSOrigins:        splitAndTrim(s.get("CORS_ORIGINS", "*")),
		LogLevel:           strings.ToLower(s.get("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(s.get("LOG_FORMAT", "json")),

		PriceFeedEnabled:     s.getBool("PRICE_FEED", true),
		FeedDebounce:         s.getDuration("PRICE_FEED_DEBOUNCE", 5*time.Second),
		OperatorUser:         s.get("OPERATOR_USER", "operator"),
		OperatorPasswordHash: s.get("OPERATOR_PASSWORD_HASH", ""),
	}

	if cfg.LeaseBackend != "sqlite" && cfg.LeaseBackend != "redis" {
		return nil, fmt.Errorf("unsupported LEASE_BACKEND %q", cfg.LeaseBackend)
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("LEASE_TTL must be positive")
	}
	return cfg, nil
}

// loadFile reads a flat YAML map. Keys match the environment names,
// case-insensitively (db_path or DB_PATH).
func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(parsed))
	for k, v := range parsed {
		key := strings.ToUpper(k)
		switch val := v.(type) {
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

type source struct {
	file map[string]string
}

func (s source) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (s source) getBool(key string, def bool) bool {
	v := s.get(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s source) getFloat(key string, def float64) float64 {
	if v := s.get(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (s source) getInt(key string, def int) int {
	if v := s.get(key, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s source) getDuration(key string, def time.Duration) time.Duration {
	if v := s.get(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
