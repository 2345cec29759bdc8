package config

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.OTA.DataDir != "data/ota" || cfg.OTA.CompiledDir != "firmwares" {
		t.Errorf("OTA dirs = %q, %q", cfg.OTA.DataDir, cfg.OTA.CompiledDir)
	}
	if cfg.OTA.MaxUploadBytes != 16<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.OTA.MaxUploadBytes)
	}
	if cfg.OTA.DefaultDeviceType != "ESP32_PersonalCMS" || cfg.OTA.DefaultVersion != "1.0.0" {
		t.Errorf("device defaults = %q, %q", cfg.OTA.DefaultDeviceType, cfg.OTA.DefaultVersion)
	}
	if cfg.TFTP.Enabled || cfg.TFTP.Address != ":69" || cfg.TFTP.Timeout != 5*time.Second {
		t.Errorf("TFTP = %+v", cfg.TFTP)
	}
	if cfg.S3.MirrorEnabled || !cfg.S3.ForcePathStyle || cfg.S3.Prefix != "firmware" || cfg.S3.PresignTTL != 5*time.Minute {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimitPerMinute != 600 {
		t.Errorf("RateLimitPerMinute = %d", cfg.RateLimitPerMinute)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"OTA_DATA_DIR":         "/srv/ota",
		"OTA_WATCH_COMPILED":   "true",
		"TFTP_ENABLED":         "true",
		"TFTP_ADDRESS":         ":6969",
		"CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"LOG_FORMAT":           "console",
	}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.OTA.DataDir != "/srv/ota" || !cfg.OTA.WatchCompiled {
		t.Errorf("OTA = %+v", cfg.OTA)
	}
	if !cfg.TFTP.Enabled || cfg.TFTP.Address != ":6969" {
		t.Errorf("TFTP = %+v", cfg.TFTP)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
		if err != nil {
			t.Fatalf("LoadFrom() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "zero upload limit",
			mutate:  func(c *Config) { c.OTA.MaxUploadBytes = 0 },
			wantErr: "OTA_MAX_UPLOAD_BYTES",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.RateLimitPerMinute = -1 },
			wantErr: "RATE_LIMIT_PER_MINUTE",
		},
		{
			name: "tftp without address",
			mutate: func(c *Config) {
				c.TFTP.Enabled = true
				c.TFTP.Address = ""
			},
			wantErr: "TFTP_ADDRESS",
		},
		{
			name: "mirror without bucket",
			mutate: func(c *Config) {
				c.S3.MirrorEnabled = true
				c.S3.Endpoint = "seaweed:8333"
				c.S3.AccessKey = "a"
				c.S3.SecretKey = "b"
			},
			wantErr: "S3_BUCKET",
		},
		{
			name: "mirror without credentials",
			mutate: func(c *Config) {
				c.S3.MirrorEnabled = true
				c.S3.Endpoint = "seaweed:8333"
				c.S3.Bucket = "ota"
			},
			wantErr: "S3_ACCESS_KEY",
		},
		{
			name: "presign ttl too long",
			mutate: func(c *Config) {
				c.S3.MirrorEnabled = true
				c.S3.Endpoint = "seaweed:8333"
				c.S3.AccessKey = "a"
				c.S3.SecretKey = "b"
				c.S3.Bucket = "ota"
				c.S3.PresignTTL = 2 * time.Hour
			},
			wantErr: "PRESIGN_TTL",
		},
		{
			name: "complete mirror",
			mutate: func(c *Config) {
				c.S3.MirrorEnabled = true
				c.S3.Endpoint = "seaweed:8333"
				c.S3.AccessKey = "a"
				c.S3.SecretKey = "b"
				c.S3.Bucket = "ota"
			},
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
