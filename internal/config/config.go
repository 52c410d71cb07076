package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
)

const (
	envPrefix           = "MANUSCRIPT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "manuscript.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultCookieName   = "manuscript_session"
	defaultIssuer       = "manuscript"
	defaultAdminRole    = "admin"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress string
	CORSOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration
	AdminRole         string

	RateLimitStore  string
	RateLimitPolicy ratelimit.Policy
	Redis           ratelimit.RedisConfig

	PersistenceRetryBase     time.Duration
	PersistenceRetryMax      time.Duration
	PersistenceDegradedAfter int

	PresenceTTL    time.Duration
	RoomQueueSize  int
	SendBufferSize int

	WebSocketWriteWait      time.Duration
	WebSocketPongWait       time.Duration
	WebSocketMaxMessageSize int64
}

// LoadDotEnv reads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("database.driver", DriverSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", 30*time.Minute)
	configViper.SetDefault("auth.admin_role", defaultAdminRole)

	policy := ratelimit.DefaultPolicy()
	configViper.SetDefault("ratelimit.store", RateLimitStoreMemory)
	for _, kind := range ratelimit.Kinds {
		prefix := "ratelimit." + strings.ToLower(string(kind))
		configViper.SetDefault(prefix+".points", policy[kind].Points)
		configViper.SetDefault(prefix+".window", policy[kind].Window)
	}
	configViper.SetDefault("redis.address", "127.0.0.1:6379")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", "manuscript:ratelimit:")
	configViper.SetDefault("redis.timeout", 500*time.Millisecond)

	configViper.SetDefault("persistence.retry_base", 100*time.Millisecond)
	configViper.SetDefault("persistence.retry_max", 10*time.Second)
	configViper.SetDefault("persistence.degraded_after", 3)

	configViper.SetDefault("relay.presence_ttl", 30*time.Second)
	configViper.SetDefault("relay.room_queue_size", 256)
	configViper.SetDefault("relay.send_buffer_size", 256)

	configViper.SetDefault("websocket.write_wait", 10*time.Second)
	configViper.SetDefault("websocket.pong_wait", 60*time.Second)
	configViper.SetDefault("websocket.max_message_size", 4<<20)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy := make(ratelimit.Policy, len(ratelimit.Kinds))
	for _, kind := range ratelimit.Kinds {
		prefix := "ratelimit." + strings.ToLower(string(kind))
		policy[kind] = ratelimit.Quota{
			Points: configViper.GetInt(prefix + ".points"),
			Window: configViper.GetDuration(prefix + ".window"),
		}
	}

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		CORSOrigins:    configViper.GetStringSlice("http.cors_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		AdminRole:         configViper.GetString("auth.admin_role"),

		RateLimitStore:  strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.store"))),
		RateLimitPolicy: policy,
		Redis: ratelimit.RedisConfig{
			Address:   configViper.GetString("redis.address"),
			Password:  configViper.GetString("redis.password"),
			DB:        configViper.GetInt("redis.db"),
			KeyPrefix: configViper.GetString("redis.key_prefix"),
			Timeout:   configViper.GetDuration("redis.timeout"),
		},

		PersistenceRetryBase:     configViper.GetDuration("persistence.retry_base"),
		PersistenceRetryMax:      configViper.GetDuration("persistence.retry_max"),
		PersistenceDegradedAfter: configViper.GetInt("persistence.degraded_after"),

		PresenceTTL:    configViper.GetDuration("relay.presence_ttl"),
		RoomQueueSize:  configViper.GetInt("relay.room_queue_size"),
		SendBufferSize: configViper.GetInt("relay.send_buffer_size"),

		WebSocketWriteWait:      configViper.GetDuration("websocket.write_wait"),
		WebSocketPongWait:       configViper.GetDuration("websocket.pong_wait"),
		WebSocketMaxMessageSize: configViper.GetInt64("websocket.max_message_size"),
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Validate reports every invalid key at once.
func (c AppConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddress, validation.Required),
		validation.Field(&c.DatabaseDriver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DatabasePath, validation.When(c.DatabaseDriver == DriverSQLite, validation.Required)),
		validation.Field(&c.DatabaseDSN, validation.When(c.DatabaseDriver == DriverPostgres, validation.Required)),
		validation.Field(&c.LogFormat, validation.In("json", "console")),
		validation.Field(&c.AuthSigningSecret, validation.By(notBlank), validation.Length(16, 0)),
		validation.Field(&c.AuthIssuer, validation.By(notBlank)),
		validation.Field(&c.AuthCookieName, validation.By(notBlank)),
		validation.Field(&c.AuthTokenTTL, validation.Min(time.Second)),
		validation.Field(&c.RateLimitStore, validation.Required, validation.In(RateLimitStoreMemory, RateLimitStoreRedis)),
		validation.Field(&c.PersistenceRetryBase, validation.Min(time.Millisecond)),
		validation.Field(&c.PersistenceRetryMax, validation.Min(c.PersistenceRetryBase)),
		validation.Field(&c.PersistenceDegradedAfter, validation.Min(1)),
		validation.Field(&c.PresenceTTL, validation.Min(time.Second)),
		validation.Field(&c.RoomQueueSize, validation.Min(1)),
		validation.Field(&c.SendBufferSize, validation.Min(1)),
	)
	if err != nil {
		return err
	}
	if c.RateLimitStore == RateLimitStoreRedis && strings.TrimSpace(c.Redis.Address) == "" {
		return fmt.Errorf("redis.address is required when ratelimit.store is redis")
	}
	if err := c.RateLimitPolicy.Validate(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	return nil
}

func notBlank(value interface{}) error {
	text, _ := value.(string)
	if strings.TrimSpace(text) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}
