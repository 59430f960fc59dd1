// Package config loads the Hoomi client configuration from a yaml file,
// HOOMI_* environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "HOOMI"

// Storage backends.
const (
	BackendBBolt  = "bbolt"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// Config holds everything needed to build a hoomi.Client.
// Tags use mapstructure for Viper unmarshalling; HOOMI_<TAG> overrides a value.
type Config struct {
	ApplicationID string `mapstructure:"APPLICATION_ID"`
	// WebClientID is the audience of identity assertions used for
	// authenticated provisioning. Empty disables it.
	WebClientID string `mapstructure:"WEB_CLIENT_ID"`

	APIBaseURL    string `mapstructure:"API_BASE_URL"`
	DialogBaseURL string `mapstructure:"DIALOG_BASE_URL"`
	NativeBaseURL string `mapstructure:"NATIVE_BASE_URL"`
	Platform      string `mapstructure:"PLATFORM"`

	AuthorizationTTL time.Duration `mapstructure:"AUTHORIZATION_TTL"`
	HTTPTimeout      time.Duration `mapstructure:"HTTP_TIMEOUT"`

	StorageBackend  string `mapstructure:"STORAGE_BACKEND"`
	StoragePath     string `mapstructure:"STORAGE_PATH"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`
	RedisPrefix     string `mapstructure:"REDIS_PREFIX"`
	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDBName     string `mapstructure:"MONGO_DB_NAME"`
	MongoCollection string `mapstructure:"MONGO_COLLECTION"`

	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogPretty      bool   `mapstructure:"LOG_PRETTY"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	// AuditLog is a file logins and logouts are appended to. Empty disables it.
	AuditLog string `mapstructure:"AUDIT_LOG"`

	// CallbackAddr is where the CLI listens for the authorization redirect.
	CallbackAddr string `mapstructure:"CALLBACK_ADDR"`
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hoomi.db"
	}
	return filepath.Join(home, ".hoomi", "state.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APPLICATION_ID", "")
	v.SetDefault("WEB_CLIENT_ID", "")
	v.SetDefault("API_BASE_URL", "https://api.hoomi.co/")
	v.SetDefault("DIALOG_BASE_URL", "https://dialog.hoomi.co/")
	v.SetDefault("NATIVE_BASE_URL", "hoomi://hoomi/")
	v.SetDefault("PLATFORM", "android")
	v.SetDefault("AUTHORIZATION_TTL", 15*time.Minute)
	v.SetDefault("HTTP_TIMEOUT", 30*time.Second)
	v.SetDefault("STORAGE_BACKEND", BackendBBolt)
	v.SetDefault("STORAGE_PATH", defaultStoragePath())
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "hoomi:")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "hoomi")
	v.SetDefault("MONGO_COLLECTION", "hoomi_client_state")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("AUDIT_LOG", "")
	v.SetDefault("CALLBACK_ADDR", "127.0.0.1:8765")
}

// Load reads the configuration. cfgFile names an explicit yaml file; when
// empty, config.yaml is searched for in $HOME/.hoomi, /etc/hoomi and the
// working directory, and a missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.hoomi")
		v.AddConfigPath("/etc/hoomi/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values a client cannot work without.
func (c *Config) Validate() error {
	var errs []error

	if c.ApplicationID == "" {
		errs = append(errs, errors.New("application id is required (HOOMI_APPLICATION_ID)"))
	}
	for name, raw := range map[string]string{
		"api base url":    c.APIBaseURL,
		"dialog base url": c.DialogBaseURL,
		"native base url": c.NativeBaseURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	if c.Platform == "" {
		errs = append(errs, errors.New("platform must not be empty"))
	}
	if c.AuthorizationTTL <= 0 {
		errs = append(errs, fmt.Errorf("authorization ttl must be positive, got %s", c.AuthorizationTTL))
	}

	switch c.StorageBackend {
	case BackendBBolt:
		if c.StoragePath == "" {
			errs = append(errs, errors.New("storage path is required for the bbolt backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis backend"))
		}
	case BackendMongo:
		if c.MongoURI == "" || c.MongoDBName == "" || c.MongoCollection == "" {
			errs = append(errs, errors.New("mongo uri, database and collection are required for the mongo backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}
