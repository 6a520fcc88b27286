package app

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Config contains all runtime configuration loaded from environment
// variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// InstanceID identifies this gateway in the broker stream. Unique per
	// process; defaults to a fresh ULID.
	InstanceID string

	// DatabaseURL empty selects the in-memory store (dev/test only).
	DatabaseURL string
	// FallbackDatabaseURL is the secondary direct-write connection used
	// when the primary path fails transiently. Typically the same
	// database under elevated credentials; empty disables the fallback.
	FallbackDatabaseURL string
	DBMaxConns          int32
	DBMinConns          int32
	DBSchema            string
	MigrateOnStart      bool

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	JWTSecret string
	JWTIssuer string

	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateFrames        int
	WSRateWindow        time.Duration
	WSSyncLimit         int

	// RedisURL empty disables the cross-instance broker (single-instance
	// mode).
	RedisURL      string
	RedisStream   string
	RedisGroup    string
	RedisMaxLen   int64
	BrokerConsume bool

	// StorageBaseURL empty disables attachment URL signing.
	StorageBaseURL string
	StorageSecret  string
	StorageBuckets []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("RELAY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		InstanceID: EnvString("RELAY_INSTANCE_ID", ulid.Make().String()),

		DatabaseURL:         EnvString("RELAY_DATABASE_URL", ""),
		FallbackDatabaseURL: EnvString("RELAY_FALLBACK_DATABASE_URL", ""),
		DBMaxConns:          EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:          EnvInt32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:            EnvString("RELAY_DB_SCHEMA", "relay"),
		MigrateOnStart:      EnvBool("RELAY_DB_MIGRATE", false),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("RELAY_JWT_SECRET", ""),
		JWTIssuer: EnvString("RELAY_JWT_ISSUER", "relay"),

		OriginRequired: EnvBool("RELAY_WS_ORIGIN_REQUIRED", true),
		AllowedOrigins: EnvCSV("RELAY_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		DevInsecure:    EnvBool("RELAY_WS_DEV_INSECURE", false),

		WSSendQueue:         EnvInt("RELAY_WS_SEND_QUEUE", 256),
		WSWriteTimeout:      EnvDuration("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: EnvDuration("RELAY_WS_HEARTBEAT_INTERVAL", 30*time.Second),
		WSHeartbeatTimeout:  EnvDuration("RELAY_WS_HEARTBEAT_TIMEOUT", 10*time.Second),
		WSRateFrames:        EnvInt("RELAY_WS_RATE_FRAMES", 120),
		WSRateWindow:        EnvDuration("RELAY_WS_RATE_WINDOW", 10*time.Second),
		WSSyncLimit:         EnvInt("RELAY_WS_SYNC_LIMIT", 100),

		RedisURL:      EnvString("RELAY_REDIS_URL", ""),
		RedisStream:   EnvString("RELAY_REDIS_STREAM", "relay:events"),
		RedisGroup:    EnvString("RELAY_REDIS_GROUP", "relay-gateways"),
		RedisMaxLen:   int64(EnvInt("RELAY_REDIS_MAXLEN", 100_000)),
		BrokerConsume: EnvBool("RELAY_BROKER_CONSUME", true),

		StorageBaseURL: EnvString("RELAY_STORAGE_BASE_URL", ""),
		StorageSecret:  EnvString("RELAY_STORAGE_SECRET", ""),
		StorageBuckets: EnvCSV("RELAY_STORAGE_BUCKETS", "attachments"),
	}
}
