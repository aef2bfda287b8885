package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/permaweb/bundler-gateway/internal/usdc"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// Environment represents the runtime environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration, composed the way the teacher
// composes ServerConfig/DatabaseConfig/... — one struct per concern,
// built once in Load() and passed explicitly to collaborators (Design
// Notes §9: no process-wide config singleton).
type Config struct {
	Environment Environment
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	BackupFS    BackupFSConfig
	HotCache    HotCacheConfig
	X402        X402Config
	Pricing     PricingConfig
	Bundling    BundlingConfig
	RateLimit   RateLimitConfig
	KMS         KMSConfig
	InternalAPI InternalAPIConfig
	Gateway     GatewayConfig
	Oracle      OracleConfig

	// UploadDatabase is only read by cmd/payment's settlement worker,
	// which needs to mark an upload failed in the upload_service database
	// once its x402 reservation expires unpaid (spec §4.2). A deployment
	// that runs both services against the same Postgres instance can
	// point this at the same host with a different DB name.
	UploadDatabase DatabaseConfig

	// PaymentDatabase is only read by cmd/upload, which needs direct
	// access to the credit ledger's balance/reservation tables in the
	// payment_service database (spec §4.4). A deployment that splits the
	// two services across hosts should instead front the payment
	// service's /internal routes with an HTTP adapter satisfying
	// ingest.BalanceLedger and handlers.PaymentLookup.
	PaymentDatabase DatabaseConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ProxyHeader  string
}

// DatabaseConfig holds PostgreSQL connection configuration for one of the
// two logical databases (payment_service / upload_service).
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// RedisConfig configures the durable queue backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ObjectStoreConfig configures the S3-compatible object store.
type ObjectStoreConfig struct {
	Bucket         string
	Region         string
	Endpoint       string // non-empty to target MinIO or another S3-compatible endpoint
	ForcePathStyle bool
	AccessKeyID    string
	SecretKey      string
}

// BackupFSConfig configures the best-effort local filesystem mirror
// (Design Notes §9 open question: kept behind a feature flag, never on
// the ingress success path).
type BackupFSConfig struct {
	Enabled       bool
	Directory     string
	RetentionDays int
}

// HotCacheConfig configures the in-memory small-object cache.
type HotCacheConfig struct {
	Enabled          bool
	MaxObjectBytes   int64
	TTL              time.Duration
	CleanupInterval  time.Duration
}

// X402Config holds x402 payment-engine configuration.
type X402Config struct {
	PricingBufferPercent  float64
	FraudTolerancePercent float64
	PaymentTimeoutMS      int
	FacilitatorAPIKeyID   string
	FacilitatorAPIKeyPEM  string
	Networks              map[string]NetworkConfig
}

// NetworkConfig is the per-`<NET>_*` block from spec §6.
type NetworkConfig struct {
	Enabled         bool
	RPCURL          string
	USDCAddress     string
	ChainID         int64
	MinConfirms     int
	FacilitatorURL  string
	PayToAddress    string
	ExtraVersion    string
}

// PricingConfig holds ingest-time pricing knobs.
type PricingConfig struct {
	FreeUploadLimitBytes int64
	AllowListedAddresses map[string]struct{}
	BlocklistedAddresses map[string]struct{}
}

// BundlingConfig holds the bundle-lifecycle thresholds from spec §6.
type BundlingConfig struct {
	MaxBundleSize               int64
	MaxDataItemsPerBundle       int
	MaxSingleDataItemByteCount  int64
	TxPermanentThreshold        int64
	TxConfirmationThreshold     int64
	DropBundleTxThreshold       int64
	RePostDataItemThreshold     int64
	RetryLimitForFailedItems    int
	InitialErrorDelay           time.Duration
	DeadlineHeightIncrement     int64
	DedicatedBundlePolicyPath   string
}

// RateLimitConfig holds ingress rate limiting configuration.
type RateLimitConfig struct {
	Enabled       bool
	WindowSeconds int
	MaxRequests   int
}

// KMSConfig holds AWS KMS configuration for the posting-wallet key.
type KMSConfig struct {
	Region string
	KeyID  string
}

// InternalAPIConfig secures the upload<->payment service-to-service calls
// named in spec §4.4 ("secured by a shared bearer secret").
type InternalAPIConfig struct {
	SharedSecret string
}

// GatewayConfig points at the Arweave gateway both services consult for
// the network's current storage price and block height, and at the
// posting wallet's KMS-encrypted private key the bundler signs with.
type GatewayConfig struct {
	BaseURL               string
	EncryptedPostingKeyHex string
}

// OracleConfig points at the AR/USD price source the pricing quoter uses
// to convert a Winston cost into an x402 USDC quote.
type OracleConfig struct {
	ARUSDSourceURL string
}

// WalletForNetwork returns the configured payTo address for a network name.
func (c *X402Config) WalletForNetwork(network string) string {
	if n, ok := c.Networks[network]; ok {
		return n.PayToAddress
	}
	return ""
}

// EnabledNetworks returns the names of networks with Enabled=true.
func (c *X402Config) EnabledNetworks() []string {
	var names []string
	for name, n := range c.Networks {
		if n.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Load loads configuration from environment variables, following the
// teacher's typed-getter convention (getEnv/getBool/getFloat/getDuration).
func Load() *Config {
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 120*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ProxyHeader:  getEnv("PROXY_HEADER", "X-Forwarded-For"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "bundler"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "bundler"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
			MaxConns: int32(getInt("DB_MAX_CONNS", 25)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:         getEnv("OBJECT_STORE_BUCKET", "bundler-data-items"),
			Region:         getEnv("OBJECT_STORE_REGION", "us-east-1"),
			Endpoint:       getEnv("OBJECT_STORE_ENDPOINT", ""),
			ForcePathStyle: getBool("OBJECT_STORE_FORCE_PATH_STYLE", false),
			AccessKeyID:    getEnv("OBJECT_STORE_ACCESS_KEY_ID", ""),
			SecretKey:      getEnv("OBJECT_STORE_SECRET_KEY", ""),
		},
		BackupFS: BackupFSConfig{
			Enabled:       getBool("BACKUP_FS_ENABLED", false),
			Directory:     getEnv("BACKUP_FS_DIR", "./data/backup"),
			RetentionDays: getInt("BACKUP_FS_RETENTION_DAYS", 14),
		},
		HotCache: HotCacheConfig{
			Enabled:         getBool("HOT_CACHE_ENABLED", true),
			MaxObjectBytes:  int64(getInt("HOT_CACHE_MAX_OBJECT_BYTES", 256*1024)),
			TTL:             getDuration("HOT_CACHE_TTL", 10*time.Minute),
			CleanupInterval: getDuration("HOT_CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		X402: X402Config{
			PricingBufferPercent:  getFloat("X402_PRICING_BUFFER_PERCENT", 15),
			FraudTolerancePercent: getFloat("X402_FRAUD_TOLERANCE_PERCENT", 5),
			PaymentTimeoutMS:      getInt("X402_PAYMENT_TIMEOUT_MS", 300_000),
			FacilitatorAPIKeyID:   getEnv("X402_FACILITATOR_API_KEY_ID", ""),
			FacilitatorAPIKeyPEM:  getEnv("X402_FACILITATOR_API_KEY_SECRET", ""),
			Networks:              loadNetworks(),
		},
		Pricing: PricingConfig{
			FreeUploadLimitBytes: int64(getInt("FREE_UPLOAD_LIMIT", 505*1024)),
			AllowListedAddresses: getEnvSet("ALLOW_LISTED_ADDRESSES"),
			BlocklistedAddresses: getEnvSet("BLOCKLISTED_ADDRESSES"),
		},
		Bundling: BundlingConfig{
			MaxBundleSize:              int64(getInt("MAX_BUNDLE_SIZE", 2*1024*1024*1024)),
			MaxDataItemsPerBundle:      getInt("MAX_DATA_ITEM_LIMIT", 10_000),
			MaxSingleDataItemByteCount: int64(getInt("MAX_DATA_ITEM_SIZE", 4*1024*1024*1024)),
			TxPermanentThreshold:       int64(getInt("TX_PERMANENT_THRESHOLD", 18)),
			TxConfirmationThreshold:    int64(getInt("TX_CONFIRMATION_THRESHOLD", 1)),
			DropBundleTxThreshold:      int64(getInt("DROP_BUNDLE_TX_THRESHOLD", 50)),
			RePostDataItemThreshold:    int64(getInt("RE_POST_DATA_ITEM_THRESHOLD", 125)),
			RetryLimitForFailedItems:   getInt("RETRY_LIMIT_FOR_FAILED_DATA_ITEMS", 10),
			InitialErrorDelay:          getDuration("INITIAL_ERROR_DELAY", 500*time.Millisecond),
			DeadlineHeightIncrement:    int64(getInt("DEADLINE_HEIGHT_INCREMENT", 200)),
			DedicatedBundlePolicyPath:  getEnv("DEDICATED_BUNDLE_POLICY_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds: getInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			MaxRequests:   getInt("RATE_LIMIT_MAX_REQUESTS", 300),
		},
		KMS: KMSConfig{
			Region: getEnv("KMS_REGION", ""),
			KeyID:  getEnv("KMS_KEY_ID", ""),
		},
		InternalAPI: InternalAPIConfig{
			SharedSecret: getEnv("INTERNAL_API_SHARED_SECRET", ""),
		},
		Gateway: GatewayConfig{
			BaseURL:                getEnv("GATEWAY_BASE_URL", "https://arweave.net"),
			EncryptedPostingKeyHex: getEnv("GATEWAY_POSTING_KEY_ENCRYPTED", ""),
		},
		Oracle: OracleConfig{
			ARUSDSourceURL: getEnv("ORACLE_AR_USD_URL", "https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd"),
		},
		UploadDatabase: DatabaseConfig{
			Host:     getEnv("UPLOAD_DB_HOST", getEnv("DB_HOST", "localhost")),
			Port:     getEnv("UPLOAD_DB_PORT", getEnv("DB_PORT", "5432")),
			User:     getEnv("UPLOAD_DB_USER", getEnv("DB_USER", "bundler")),
			Password: getEnv("UPLOAD_DB_PASSWORD", getEnv("DB_PASSWORD", "")),
			Name:     getEnv("UPLOAD_DB_NAME", "upload_service"),
			SSLMode:  getEnv("UPLOAD_DB_SSLMODE", getEnv("DB_SSLMODE", "require")),
			MaxConns: int32(getInt("UPLOAD_DB_MAX_CONNS", 10)),
		},
		PaymentDatabase: DatabaseConfig{
			Host:     getEnv("PAYMENT_DB_HOST", getEnv("DB_HOST", "localhost")),
			Port:     getEnv("PAYMENT_DB_PORT", getEnv("DB_PORT", "5432")),
			User:     getEnv("PAYMENT_DB_USER", getEnv("DB_USER", "bundler")),
			Password: getEnv("PAYMENT_DB_PASSWORD", getEnv("DB_PASSWORD", "")),
			Name:     getEnv("PAYMENT_DB_NAME", "payment_service"),
			SSLMode:  getEnv("PAYMENT_DB_SSLMODE", getEnv("DB_SSLMODE", "require")),
			MaxConns: int32(getInt("PAYMENT_DB_MAX_CONNS", 10)),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSet(key string) map[string]struct{} {
	out := make(map[string]struct{})
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// getMicroUSDC parses a human-readable float env var into MicroUSDC.
func getMicroUSDC(key string, defaultFloat float64) usdc.MicroUSDC {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return usdc.FromFloat(f)
		}
		slog.Warn("invalid microUSDC env value, using default", "key", key, "value", value, "default_usdc", defaultFloat)
	}
	return usdc.FromFloat(defaultFloat)
}

// getWinston parses an integer env var into a winston.Amount.
func getWinston(key string, defaultValue int64) winston.Amount {
	if value := os.Getenv(key); value != "" {
		if amt, err := winston.FromString(value); err == nil {
			return amt
		}
	}
	return winston.FromInt64(defaultValue)
}

var knownNetworks = []string{"base", "base-sepolia", "solana", "solana-devnet"}

// loadNetworks builds the per-network block by scanning `<NET>_*` env vars
// for every network name the bundler knows how to quote/verify/settle.
func loadNetworks() map[string]NetworkConfig {
	out := make(map[string]NetworkConfig)
	for _, name := range knownNetworks {
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		n := NetworkConfig{
			Enabled:        getBool(prefix+"_ENABLED", false),
			RPCURL:         getEnv(prefix+"_RPC_URL", ""),
			USDCAddress:    getEnv(prefix+"_USDC_ADDRESS", ""),
			ChainID:        int64(getInt(prefix+"_CHAIN_ID", 0)),
			MinConfirms:    getInt(prefix+"_MIN_CONFIRMATIONS", 1),
			FacilitatorURL: getEnv(prefix+"_FACILITATOR_URL", "https://x402.org/facilitator"),
			PayToAddress:   getEnv(prefix+"_PAY_TO_ADDRESS", ""),
			ExtraVersion:   getEnv(prefix+"_USDC_EIP712_VERSION", "2"),
		}
		out[name] = n
	}
	return out
}

// Validate checks that required configuration is present, the way the
// teacher's Config.Validate hard-fails production deploys on missing
// secrets while tolerating gaps in development.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Password == "" && c.Environment == EnvProduction {
		errs = append(errs, "DB_PASSWORD is required in production")
	}

	if c.InternalAPI.SharedSecret == "" && c.Environment == EnvProduction {
		errs = append(errs, "INTERNAL_API_SHARED_SECRET is required in production")
	}

	if c.Environment == EnvProduction && len(c.X402.EnabledNetworks()) == 0 {
		errs = append(errs, "at least one <NET>_ENABLED network is required in production")
	}

	for _, n := range c.X402.EnabledNetworks() {
		cfg := c.X402.Networks[n]
		if cfg.PayToAddress == "" {
			errs = append(errs, n+"_PAY_TO_ADDRESS is required when "+n+" is enabled")
		}
	}

	if c.Environment == EnvProduction {
		if c.KMS.Region == "" {
			errs = append(errs, "KMS_REGION is required in production")
		}
		if c.KMS.KeyID == "" {
			errs = append(errs, "KMS_KEY_ID is required in production")
		}
		if c.Gateway.EncryptedPostingKeyHex == "" {
			errs = append(errs, "GATEWAY_POSTING_KEY_ENCRYPTED is required in production")
		}
	}

	if c.Bundling.MaxBundleSize <= 0 {
		errs = append(errs, "MAX_BUNDLE_SIZE must be positive")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
