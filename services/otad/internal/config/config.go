package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const maxPresignTTL = time.Hour

// Config holds runtime configuration for the OTA service.
type Config struct {
	Addr          string `env:"ADDR,default=:8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	OTA  OTA
	TFTP TFTP
	S3   S3

	NATSURL      string `env:"NATS_URL"`
	DBDSN        string `env:"DB_DSN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	AllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE,default=600"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// OTA configures the firmware registry.
type OTA struct {
	DataDir           string `env:"OTA_DATA_DIR,default=data/ota"`
	CompiledDir       string `env:"OTA_COMPILED_DIR,default=firmwares"`
	WatchCompiled     bool   `env:"OTA_WATCH_COMPILED,default=false"`
	MaxUploadBytes    int64  `env:"OTA_MAX_UPLOAD_BYTES,default=16777216"`
	DefaultDeviceType string `env:"OTA_DEFAULT_DEVICE_TYPE,default=ESP32_PersonalCMS"`
	DefaultVersion    string `env:"OTA_DEFAULT_VERSION,default=1.0.0"`
}

// TFTP configures the read-only firmware TFTP listener.
type TFTP struct {
	Enabled bool          `env:"TFTP_ENABLED,default=false"`
	Address string        `env:"TFTP_ADDRESS,default=:69"`
	Timeout time.Duration `env:"TFTP_TIMEOUT,default=5s"`
}

// S3 configures the optional object storage mirror.
type S3 struct {
	MirrorEnabled  bool          `env:"S3_MIRROR_ENABLED,default=false"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Region         string        `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	Bucket         string        `env:"S3_BUCKET"`
	Prefix         string        `env:"S3_PREFIX,default=firmware"`
	PresignTTL     time.Duration `env:"PRESIGN_TTL,default=5m"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config from l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OTA.DataDir) == "" {
		return errors.New("OTA_DATA_DIR is required")
	}
	if strings.TrimSpace(c.OTA.CompiledDir) == "" {
		return errors.New("OTA_COMPILED_DIR is required")
	}
	if c.OTA.MaxUploadBytes <= 0 {
		return fmt.Errorf("OTA_MAX_UPLOAD_BYTES must be positive, got %d", c.OTA.MaxUploadBytes)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}

	if c.TFTP.Enabled {
		if strings.TrimSpace(c.TFTP.Address) == "" {
			return errors.New("TFTP_ADDRESS is required when TFTP is enabled")
		}
		if c.TFTP.Timeout <= 0 {
			return errors.New("TFTP_TIMEOUT must be positive")
		}
	}

	if c.S3.MirrorEnabled {
		if strings.TrimSpace(c.S3.Endpoint) == "" {
			return errors.New("S3_ENDPOINT is required when the S3 mirror is enabled")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when the S3 mirror is enabled")
		}
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return errors.New("S3_BUCKET is required when the S3 mirror is enabled")
		}
		if c.S3.PresignTTL <= 0 || c.S3.PresignTTL > maxPresignTTL {
			return fmt.Errorf("PRESIGN_TTL must be between 1s and %s, got %s", maxPresignTTL, c.S3.PresignTTL)
		}
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
