package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"outreach/lease"
	"outreach/store"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EngineConfig tunes the dispatcher and the background workers.
type EngineConfig struct {
	DispatchInterval   time.Duration `json:"dispatch_interval"`
	DispatchWorkers    int           `json:"dispatch_workers"`
	DispatchBatch      int           `json:"dispatch_batch"`
	LeaseTTL           time.Duration `json:"lease_ttl"`
	MaxHandoffAttempts int           `json:"max_handoff_attempts"`
	HandoffBackoff     time.Duration `json:"handoff_backoff"`
	QuotaResetInterval time.Duration `json:"quota_reset_interval"`
	WarmupInterval     time.Duration `json:"warmup_interval"`
	WarmupStart        int           `json:"warmup_start"`
	WarmupIncrement    int           `json:"warmup_increment"`
	ReplyPollInterval  time.Duration `json:"reply_poll_interval"`
}

type TransportConfig struct {
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	TrackingBaseURL string `json:"tracking_base_url"`
}

type Config struct {
	Environment     string          `json:"environment"`
	EncryptionKey   string          `json:"-"`
	ServerPort      string          `json:"server_port"`
	CORSOrigins     []string        `json:"cors_origins"`
	DBHost          string          `json:"db_host"`
	DBPort          string          `json:"db_port"`
	DBUser          string          `json:"db_user"`
	DBPassword      string          `json:"-"`
	DBName          string          `json:"db_name"`
	DBSSLMode       string          `json:"db_ssl_mode"`
	DBMaxIdleConns  int             `json:"db_max_idle_conns"`
	DBMaxOpenConns  int             `json:"db_max_open_conns"`
	SentryDSN       string          `json:"-"`
	RateLimitEvents int             `json:"rate_limit_events"`
	Redis           RedisConfig     `json:"redis"`
	Engine          EngineConfig    `json:"engine"`
	Transport       TransportConfig `json:"transport"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outreach"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		SentryDSN:       getEnv("SENTRY_DSN", ""),
		RateLimitEvents: getEnvAsInt("RATE_LIMIT_EVENTS", 600),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			DispatchInterval:   getEnvAsDuration("DISPATCH_INTERVAL", 15*time.Second),
			DispatchWorkers:    getEnvAsInt("DISPATCH_WORKERS", 8),
			DispatchBatch:      getEnvAsInt("DISPATCH_BATCH", 500),
			LeaseTTL:           getEnvAsDuration("LEASE_TTL", 3*time.Minute),
			MaxHandoffAttempts: getEnvAsInt("MAX_HANDOFF_ATTEMPTS", 3),
			HandoffBackoff:     getEnvAsDuration("HANDOFF_BACKOFF", time.Minute),
			QuotaResetInterval: getEnvAsDuration("QUOTA_RESET_INTERVAL", time.Minute),
			WarmupInterval:     getEnvAsDuration("WARMUP_INTERVAL", 10*time.Minute),
			WarmupStart:        getEnvAsInt("WARMUP_START", 10),
			WarmupIncrement:    getEnvAsInt("WARMUP_INCREMENT", 5),
			ReplyPollInterval:  getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
		},
		Transport: TransportConfig{
			Workers:         getEnvAsInt("TRANSPORT_WORKERS", 4),
			QueueSize:       getEnvAsInt("TRANSPORT_QUEUE", 256),
			TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", ""), "/"),
		},
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}
	logConfig()
	return nil
}

// Validate checks required settings and engine bounds.
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch len(c.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}
	if c.Engine.DispatchInterval <= 0 || c.Engine.LeaseTTL <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL and LEASE_TTL must be positive")
	}
	if c.Engine.LeaseTTL < c.Engine.DispatchInterval {
		return fmt.Errorf("LEASE_TTL (%s) must not be shorter than DISPATCH_INTERVAL (%s)",
			c.Engine.LeaseTTL, c.Engine.DispatchInterval)
	}
	if c.Engine.MaxHandoffAttempts < 1 {
		return fmt.Errorf("MAX_HANDOFF_ATTEMPTS must be at least 1")
	}
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	gormConfig := &gorm.Config{}
	if AppConfig.Environment == "production" {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Println("✅ Successfully connected to the database")

	log.Println("🔄 Starting database migration...")
	if err := store.AutoMigrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// ConnectRedis returns nil when Redis is disabled; callers then fall back to
// in-process leases and rate-limit counters.
func ConnectRedis(ctx context.Context) (*redis.Client, error) {
	if !AppConfig.Redis.Enabled {
		return nil, nil
	}
	return lease.NewRedisClient(ctx, AppConfig.Redis.Address, AppConfig.Redis.Password, AppConfig.Redis.DB)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("⚠️ Invalid duration for %s: %q, using %s", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: %t, Sentry: %t, Tracking: %q",
		AppConfig.Redis.Enabled,
		AppConfig.SentryDSN != "",
		AppConfig.Transport.TrackingBaseURL)
	log.Printf("Dispatch: every %s, %d workers, batch %d, lease %s",
		AppConfig.Engine.DispatchInterval,
		AppConfig.Engine.DispatchWorkers,
		AppConfig.Engine.DispatchBatch,
		AppConfig.Engine.LeaseTTL)
}
