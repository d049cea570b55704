package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COURIER"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "courier.db"
	defaultLogLevel          = "info"
	defaultTokenIssuer       = "courier-api"
	defaultTokenTTL          = 30 * 24 * time.Hour
	defaultBusDriver         = "local"
	defaultBlobDriver        = "pebble"
	defaultBlobPath          = "courier-blobs"
	defaultMinioBucket       = "courier-notifications"
	defaultAPNsEndpoint      = "https://api.push.apple.com"
	defaultRelayEndpoint     = "https://exp.host/--/api/v2/push/send"
	defaultMinEncrypted      = 1
	defaultDeviceConcurrency = 16
	defaultSessionBackoff    = 20 * time.Millisecond
	defaultSessionBudget     = 5 * time.Second
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Bus drivers.
const (
	BusLocal = "local"
	BusRedis = "redis"
	BusAMQP  = "amqp"
)

// Blob drivers.
const (
	BlobNone   = "none"
	BlobPebble = "pebble"
	BlobMinio  = "minio"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	DatabaseDriver string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthTokenTTL      time.Duration

	BusDriver     string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	AMQPURL       string

	BlobDriver     string
	BlobPath       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	APNsEndpoint string
	APNsKeyID    string
	APNsTeamID   string
	APNsTopic    string
	APNsKeyPath  string

	FCMEndpoint    string
	FCMAccessToken string

	RelayEndpoint    string
	RelayAccessToken string

	MinEncryptedCodeVersion int
	DeviceConcurrency       int
	SessionBackoff          time.Duration
	SessionBudget           time.Duration
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
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", "json")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("bus.driver", defaultBusDriver)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("blob.driver", defaultBlobDriver)
	configViper.SetDefault("blob.path", defaultBlobPath)
	configViper.SetDefault("minio.bucket", defaultMinioBucket)
	configViper.SetDefault("minio.use_ssl", true)
	configViper.SetDefault("apns.endpoint", defaultAPNsEndpoint)
	configViper.SetDefault("relay.endpoint", defaultRelayEndpoint)
	configViper.SetDefault("push.min_encrypted_code_version", defaultMinEncrypted)
	configViper.SetDefault("push.device_concurrency", defaultDeviceConcurrency)
	configViper.SetDefault("sessions.backoff", defaultSessionBackoff)
	configViper.SetDefault("sessions.budget", defaultSessionBudget)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		BusDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("bus.driver"))),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		AMQPURL:       configViper.GetString("amqp.url"),

		BlobDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("blob.driver"))),
		BlobPath:       configViper.GetString("blob.path"),
		MinioEndpoint:  configViper.GetString("minio.endpoint"),
		MinioAccessKey: configViper.GetString("minio.access_key"),
		MinioSecretKey: configViper.GetString("minio.secret_key"),
		MinioBucket:    configViper.GetString("minio.bucket"),
		MinioUseSSL:    configViper.GetBool("minio.use_ssl"),

		APNsEndpoint: configViper.GetString("apns.endpoint"),
		APNsKeyID:    configViper.GetString("apns.key_id"),
		APNsTeamID:   configViper.GetString("apns.team_id"),
		APNsTopic:    configViper.GetString("apns.topic"),
		APNsKeyPath:  configViper.GetString("apns.key_path"),

		FCMEndpoint:    configViper.GetString("fcm.endpoint"),
		FCMAccessToken: configViper.GetString("fcm.access_token"),

		RelayEndpoint:    configViper.GetString("relay.endpoint"),
		RelayAccessToken: configViper.GetString("relay.access_token"),

		MinEncryptedCodeVersion: configViper.GetInt("push.min_encrypted_code_version"),
		DeviceConcurrency:       configViper.GetInt("push.device_concurrency"),
		SessionBackoff:          configViper.GetDuration("sessions.backoff"),
		SessionBudget:           configViper.GetDuration("sessions.budget"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// APNsEnabled reports whether Apple delivery is configured.
func (c AppConfig) APNsEnabled() bool {
	return c.APNsKeyPath != "" && c.APNsKeyID != "" && c.APNsTeamID != "" && c.APNsTopic != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.BusDriver {
	case BusLocal:
	case BusRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis bus")
		}
	case BusAMQP:
		if strings.TrimSpace(c.AMQPURL) == "" {
			return fmt.Errorf("amqp.url is required for the amqp bus")
		}
	default:
		return fmt.Errorf("bus.driver %q is not supported", c.BusDriver)
	}
	switch c.BlobDriver {
	case BlobNone:
	case BlobPebble:
		if strings.TrimSpace(c.BlobPath) == "" {
			return fmt.Errorf("blob.path is required for the pebble blob store")
		}
	case BlobMinio:
		if strings.TrimSpace(c.MinioEndpoint) == "" || strings.TrimSpace(c.MinioBucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required for the minio blob store")
		}
	default:
		return fmt.Errorf("blob.driver %q is not supported", c.BlobDriver)
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
