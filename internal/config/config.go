package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted by STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendHosted = "hosted"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	BaseURL        string `mapstructure:"BASE_URL"`
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`

	LocalDir string `mapstructure:"LOCAL_DIR"`

	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3Prefix    string `mapstructure:"S3_PREFIX"`
	S3UseSSL    bool   `mapstructure:"S3_USE_SSL"`

	HostedEndpoint string `mapstructure:"HOSTED_ENDPOINT"`
	HostedAPIKey   string `mapstructure:"HOSTED_API_KEY"`

	CORSOrigin   string `mapstructure:"CORS_ORIGIN"`
	CORSDisabled bool   `mapstructure:"CORS_DISABLED"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_BACKEND", BackendLocal)
	v.SetDefault("LOCAL_DIR", "./shl-data")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("CORS_ORIGIN", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BASE_URL")
	v.BindEnv("STORAGE_BACKEND")
	v.BindEnv("LOCAL_DIR")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("S3_REGION")
	v.BindEnv("S3_BUCKET")
	v.BindEnv("S3_ACCESS_KEY")
	v.BindEnv("S3_SECRET_KEY")
	v.BindEnv("S3_PREFIX")
	v.BindEnv("S3_USE_SSL")
	v.BindEnv("HOSTED_ENDPOINT")
	v.BindEnv("HOSTED_API_KEY")
	v.BindEnv("CORS_ORIGIN")
	v.BindEnv("CORS_DISABLED")
	v.BindEnv("WEBHOOK_URL")
	v.BindEnv("WEBHOOK_SECRET")

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Validate checks that the configuration is safe to run. BASE_URL is always
// required: it ends up inside every token and manifest, and a wrong value
// mints links nobody can resolve. In production the base URL must be HTTPS.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("BASE_URL %q is not an absolute URL", c.BaseURL)
	}
	if c.IsProduction() && parsed.Scheme != "https" {
		return fmt.Errorf("BASE_URL must use https in production, got %q", parsed.Scheme)
	}
	if strings.HasSuffix(c.BaseURL, "/") {
		return fmt.Errorf("BASE_URL must not end with a slash")
	}

	switch c.StorageBackend {
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	case BackendLocal:
		if c.LocalDir == "" {
			return fmt.Errorf("LOCAL_DIR is required when STORAGE_BACKEND is %q", BackendLocal)
		}
	case BackendS3:
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required when STORAGE_BACKEND is %q", BackendS3)
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is %q", BackendS3)
		}
	case BackendHosted:
		if c.HostedEndpoint == "" {
			return fmt.Errorf("HOSTED_ENDPOINT is required when STORAGE_BACKEND is %q", BackendHosted)
		}
		if c.HostedAPIKey == "" {
			return fmt.Errorf("HOSTED_API_KEY is required when STORAGE_BACKEND is %q", BackendHosted)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of %q, %q, %q, %q; got %q",
			BackendMemory, BackendLocal, BackendS3, BackendHosted, c.StorageBackend)
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	return nil
}

// ServesManifests reports whether the configured backend can run the
// access-control engine locally. The hosted backend enforces access control
// on the hosted service's side, so serving is refused for it.
func (c *Config) ServesManifests() bool {
	return c.StorageBackend != BackendHosted
}
