package app

import (
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// StaticDir, when set, is served at / (the pairing page).
	StaticDir string

	// TrustProxy derives the request origin from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Driver selects the protocol client implementation. Only "fake" ships in this build.
	Driver string
	// FakeAutoPair completes pairing automatically in the fake driver after this delay.
	FakeAutoPair time.Duration

	SessionsDir  string
	SeenFile     string
	DownloadsDir string
	CatalogFile  string

	PairingMode string
	PairingTTL  time.Duration
	OpTimeout   time.Duration

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxRetries int
	ReconnectMultiplier float64
	ReconnectJitter     float64

	CommandPrefix string
	ReplyRate     float64
	ReplyBurst    int

	MaxSessionsPerOrigin int
	MaxAttemptsPerOrigin int
	AttemptWindow        time.Duration

	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSSendQueue        int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
	RoomBacklog        int
	RoomTTL            time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BOTGATE_HTTP_ADDR", "0.0.0.0:3000"),
		LogLevel:  EnvString("BOTGATE_LOG_LEVEL", "info"),
		LogFormat: EnvString("BOTGATE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BOTGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BOTGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		// Attach may wait on the protocol server for a pairing code.
		WriteTimeout:   EnvDuration("BOTGATE_HTTP_WRITE_TIMEOUT", 45*time.Second),
		IdleTimeout:    EnvDuration("BOTGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: EnvInt("BOTGATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		StaticDir:  EnvString("BOTGATE_STATIC_DIR", ""),
		TrustProxy: EnvBool("BOTGATE_TRUST_PROXY", false),

		CORSAllowedOrigins:   EnvCSV("BOTGATE_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("BOTGATE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("BOTGATE_CORS_MAX_AGE", 600),

		DatabaseURL: EnvString("BOTGATE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BOTGATE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BOTGATE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("BOTGATE_DB_SCHEMA", "botgate"),

		ReadinessRequireDB: EnvBool("BOTGATE_READINESS_REQUIRE_DB", false),

		Driver:       EnvString("BOTGATE_DRIVER", "fake"),
		FakeAutoPair: EnvDuration("BOTGATE_FAKE_AUTOPAIR", 0),

		SessionsDir:  EnvString("BOTGATE_SESSIONS_DIR", "sessions"),
		SeenFile:     EnvString("BOTGATE_SEEN_FILE", "seen_jids.json"),
		DownloadsDir: EnvString("BOTGATE_DOWNLOADS_DIR", "downloads"),
		CatalogFile:  EnvString("BOTGATE_CATALOG_FILE", ""),

		PairingMode: EnvString("BOTGATE_PAIRING_MODE", "code"),
		PairingTTL:  EnvDuration("BOTGATE_PAIRING_TTL", 120*time.Second),
		OpTimeout:   EnvDuration("BOTGATE_OP_TIMEOUT", 30*time.Second),

		ReconnectInitial:    EnvDuration("BOTGATE_RECONNECT_INITIAL", time.Second),
		ReconnectMax:        EnvDuration("BOTGATE_RECONNECT_MAX", 30*time.Second),
		ReconnectMaxRetries: EnvInt("BOTGATE_RECONNECT_MAX_RETRIES", 8),
		ReconnectMultiplier: EnvFloat("BOTGATE_RECONNECT_MULTIPLIER", 2),
		ReconnectJitter:     EnvFloat("BOTGATE_RECONNECT_JITTER", 0.5),

		CommandPrefix: EnvString("BOTGATE_COMMAND_PREFIX", "."),
		ReplyRate:     EnvFloat("BOTGATE_REPLY_RATE", 5),
		ReplyBurst:    EnvInt("BOTGATE_REPLY_BURST", 10),

		MaxSessionsPerOrigin: EnvInt("BOTGATE_MAX_SESSIONS_PER_ORIGIN", 3),
		MaxAttemptsPerOrigin: EnvInt("BOTGATE_MAX_ATTEMPTS_PER_ORIGIN", 10),
		AttemptWindow:        EnvDuration("BOTGATE_ATTEMPT_WINDOW", 10*time.Minute),

		WSOriginRequired:   EnvBool("BOTGATE_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:   EnvCSV("BOTGATE_WS_ALLOWED_ORIGINS", nil),
		WSDevInsecure:      EnvBool("BOTGATE_WS_DEV_INSECURE", false),
		WSSendQueue:        EnvInt("BOTGATE_WS_SEND_QUEUE", 32),
		WSHeartbeatEvery:   EnvDuration("BOTGATE_WS_HEARTBEAT_EVERY", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("BOTGATE_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:       EnvInt("BOTGATE_WS_RATE_EVENTS", 30),
		WSRateWindow:       EnvDuration("BOTGATE_WS_RATE_WINDOW", 10*time.Second),
		RoomBacklog:        EnvInt("BOTGATE_ROOM_BACKLOG", 16),
		RoomTTL:            EnvDuration("BOTGATE_ROOM_TTL", 10*time.Minute),
	}
}
