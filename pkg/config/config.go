package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	GatePass     GatePassConfig
	Dashboard    DashboardConfig
	Realtime     RealtimeConfig
	Export       ExportConfig
	Notification NotificationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// GatePassConfig holds the policy knobs of the approval and gate flow.
type GatePassConfig struct {
	// QRSecret signs gate tokens. Must be set in production.
	QRSecret string
	// QRGraceBuffer extends token validity beyond the expected return time.
	QRGraceBuffer time.Duration
	// CheckoutEarlyWindow is how far ahead of the departure time security
	// may record a checkout.
	CheckoutEarlyWindow time.Duration
	// ExpirySweepInterval controls the periodic sweep that expires
	// approved passes whose tokens have lapsed.
	ExpirySweepInterval time.Duration
	// CodePrefix prefixes human-readable pass codes, e.g. "GP".
	CodePrefix string
}

// DashboardConfig governs dashboard cache tuning.
type DashboardConfig struct {
	Enabled  bool
	CacheTTL time.Duration
}

// ExportConfig governs generated pass-history files.
type ExportConfig struct {
	Dir       string
	ResultTTL time.Duration
	MaxRows   int
}

// NotificationConfig governs inbox retention. Retention of zero keeps
// notifications forever.
type NotificationConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// RealtimeConfig tunes the websocket hub.
type RealtimeConfig struct {
	Enabled        bool
	SendBufferSize int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.GatePass = GatePassConfig{
		QRSecret:            v.GetString("QR_TOKEN_SECRET"),
		QRGraceBuffer:       parseDuration(v.GetString("QR_GRACE_BUFFER"), 2*time.Hour),
		CheckoutEarlyWindow: parseDuration(v.GetString("CHECKOUT_EARLY_WINDOW"), 30*time.Minute),
		ExpirySweepInterval: parseDuration(v.GetString("EXPIRY_SWEEP_INTERVAL"), 5*time.Minute),
		CodePrefix:          v.GetString("PASS_CODE_PREFIX"),
	}

	cfg.Dashboard = DashboardConfig{
		Enabled:  v.GetBool("ENABLE_DASHBOARD"),
		CacheTTL: parseDuration(v.GetString("DASHBOARD_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Export = ExportConfig{
		Dir:       v.GetString("EXPORT_DIR"),
		ResultTTL: parseDuration(v.GetString("EXPORT_RESULT_TTL"), 24*time.Hour),
		MaxRows:   v.GetInt("EXPORT_MAX_ROWS"),
	}

	cfg.Notification = NotificationConfig{
		Retention:     parseDuration(v.GetString("NOTIFICATION_RETENTION"), 30*24*time.Hour),
		SweepInterval: parseDuration(v.GetString("NOTIFICATION_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Realtime = RealtimeConfig{
		Enabled:        v.GetBool("ENABLE_REALTIME"),
		SendBufferSize: v.GetInt("REALTIME_SEND_BUFFER"),
		WriteTimeout:   parseDuration(v.GetString("REALTIME_WRITE_TIMEOUT"), 10*time.Second),
		PingInterval:   parseDuration(v.GetString("REALTIME_PING_INTERVAL"), 30*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_gatepass")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("QR_TOKEN_SECRET", "dev_qr_secret")
	v.SetDefault("QR_GRACE_BUFFER", "2h")
	v.SetDefault("CHECKOUT_EARLY_WINDOW", "30m")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("PASS_CODE_PREFIX", "GP")

	v.SetDefault("ENABLE_DASHBOARD", true)
	v.SetDefault("DASHBOARD_CACHE_TTL", "5m")

	v.SetDefault("EXPORT_DIR", "./exports")
	v.SetDefault("EXPORT_RESULT_TTL", "24h")
	v.SetDefault("EXPORT_MAX_ROWS", 1000)

	v.SetDefault("NOTIFICATION_RETENTION", "720h")
	v.SetDefault("NOTIFICATION_SWEEP_INTERVAL", "1h")

	v.SetDefault("ENABLE_REALTIME", true)
	v.SetDefault("REALTIME_SEND_BUFFER", 16)
	v.SetDefault("REALTIME_WRITE_TIMEOUT", "10s")
	v.SetDefault("REALTIME_PING_INTERVAL", "30s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
