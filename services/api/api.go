package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"otad/services/audit"
	"otad/services/firmware"
)

const (
	defaultDeviceType = "ESP32_PersonalCMS"
	defaultVersion    = "1.0.0"
	defaultActor      = "api"

	headerDeviceVersion = "X-Device-Version"
	headerDeviceType    = "X-Device-Type"
	headerActor         = "X-Actor"
	headerFirmwareHash  = "X-Firmware-SHA256"

	// multipart bodies carry form fields alongside the image
	multipartOverhead = 1 << 20
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// PublicBaseURL absolutises firmware references. Empty derives it from the request.
	PublicBaseURL      string
	DefaultDeviceType  string
	DefaultVersion     string
	MaxUploadBytes     int64
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
}

// Presigner issues time-limited direct download URLs for mirrored firmware.
type Presigner interface {
	Presign(ctx context.Context, a firmware.Artifact, ttl time.Duration) (string, time.Duration, error)
}

// AuditLog reads back recorded administrative actions.
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// API wires the firmware service and its optional collaborators to HTTP handlers.
type API struct {
	svc    *firmware.Service
	config Config
	log    zerolog.Logger

	presigner Presigner
	audit     AuditLog
	ready     func(context.Context) error
}

// Option configures optional collaborators.
type Option func(*API)

// WithLogger sets the handler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l }
}

// WithPresigner enables the presign endpoint.
func WithPresigner(p Presigner) Option {
	return func(a *API) { a.presigner = p }
}

// WithAuditLog enables the audit endpoint.
func WithAuditLog(l AuditLog) Option {
	return func(a *API) { a.audit = l }
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(fn func(context.Context) error) Option {
	return func(a *API) { a.ready = fn }
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(svc *firmware.Service, cfg Config, opts ...Option) (*API, error) {
	if svc == nil {
		return nil, errors.New("firmware service is required")
	}
	if cfg.DefaultDeviceType == "" {
		cfg.DefaultDeviceType = defaultDeviceType
	}
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = defaultVersion
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = firmware.DefaultMaxUploadBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	a := &API{svc: svc, config: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}
