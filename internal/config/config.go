package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	devJWTKey        = "dev-signing-secret-change"
	devCredentialKey = "dev-credential-secret-change-me"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	RedisAddr    string
	QueueBackend string
	QueueKey     string
	RelayChannel string

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration

	CredentialSecret string
	CredentialTTL    time.Duration

	LateThreshold   time.Duration
	DuplicateWindow time.Duration
	MaxDailyScans   int
	TimeZone        string
	ClockSkew       time.Duration

	StoreRetries   int
	StoreRetryBase time.Duration
	StoreRetryMax  time.Duration

	SubscriberBuffer int
	RateLimitPerMin  int
	CORSOrigins      []string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
}

// Load returns application config populated from environment variables with
// sensible defaults. A .env file in the working directory is read first;
// variables already set in the environment win.
func Load() App {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env not loaded: %v", err)
	}
	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "./data/attendance.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		QueueBackend: getEnv("QUEUE_BACKEND", "memory"),
		QueueKey:     getEnv("QUEUE_KEY", "attendance:scans"),
		RelayChannel: getEnv("RELAY_CHANNEL", "attendance:events"),

		JWTIssuer:     getEnv("JWT_ISSUER", "attendance-engine"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", devJWTKey),
		AccessTTL:     durationEnv("ACCESS_TTL", 12*time.Hour),

		CredentialSecret: getEnv("CREDENTIAL_SECRET", devCredentialKey),
		CredentialTTL:    durationEnv("CREDENTIAL_TTL", 24*time.Hour),

		LateThreshold:   durationEnv("LATE_THRESHOLD", 15*time.Minute),
		DuplicateWindow: durationEnv("DUPLICATE_WINDOW", 5*time.Minute),
		MaxDailyScans:   intEnv("MAX_DAILY_SCANS", 5),
		TimeZone:        getEnv("ATTENDANCE_TZ", "Local"),
		ClockSkew:       durationEnv("CLOCK_SKEW", 2*time.Minute),

		StoreRetries:   intEnv("STORE_RETRIES", 5),
		StoreRetryBase: durationEnv("STORE_RETRY_BASE", 20*time.Millisecond),
		StoreRetryMax:  durationEnv("STORE_RETRY_MAX", 500*time.Millisecond),

		SubscriberBuffer: intEnv("SUBSCRIBER_BUFFER", 64),
		RateLimitPerMin:  intEnv("RATE_LIMIT_PER_MIN", 120),
		CORSOrigins:      listEnv("CORS_ORIGINS", []string{"*"}),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "attendance/rooms/+/scan"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "attendance-worker"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
	}
}

// IsProd reports whether the service runs in production mode.
func (a App) IsProd() bool {
	return a.Env == "production" || a.Env == "prod"
}

// Location resolves ATTENDANCE_TZ.
func (a App) Location() (*time.Location, error) {
	if a.TimeZone == "" || a.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(a.TimeZone)
}

// Validate rejects settings the engine cannot run with. Development
// defaults for secrets are refused in production.
func (a App) Validate() error {
	var errs []error
	switch a.DBDriver {
	case "sqlite":
		if a.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH required for sqlite"))
		}
	case "postgres":
		if a.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", a.DBDriver))
	}
	switch a.QueueBackend {
	case "memory":
	case "redis":
		if a.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR required for the redis queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", a.QueueBackend))
	}
	if len(a.CredentialSecret) < 16 {
		errs = append(errs, errors.New("CREDENTIAL_SECRET must be at least 16 bytes"))
	}
	if a.IsProd() {
		if a.CredentialSecret == devCredentialKey {
			errs = append(errs, errors.New("CREDENTIAL_SECRET must be set in production"))
		}
		if a.JWTSigningKey == devJWTKey {
			errs = append(errs, errors.New("JWT_SIGNING_KEY must be set in production"))
		}
	}
	if a.CredentialTTL <= 0 {
		errs = append(errs, errors.New("CREDENTIAL_TTL must be positive"))
	}
	if a.LateThreshold < 0 || a.DuplicateWindow < 0 || a.ClockSkew < 0 {
		errs = append(errs, errors.New("LATE_THRESHOLD, DUPLICATE_WINDOW and CLOCK_SKEW must not be negative"))
	}
	if a.MaxDailyScans < 0 || a.StoreRetries < 0 {
		errs = append(errs, errors.New("MAX_DAILY_SCANS and STORE_RETRIES must not be negative"))
	}
	if _, err := a.Location(); err != nil {
		errs = append(errs, fmt.Errorf("ATTENDANCE_TZ: %w", err))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func listEnv(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
