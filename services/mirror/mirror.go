package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"otad/services/firmware"
)

const (
	DefaultPresignTTL = 5 * time.Minute
	MaxPresignTTL     = time.Hour

	breakerName = "s3-mirror"
)

// ErrCompiled is returned for compiled artifacts, which are never mirrored.
var ErrCompiled = errors.New("compiled firmware is not mirrored")

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_mirror_requests_total",
		Help: "S3 mirror calls by operation and result.",
	}, []string{"op", "result"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ota_mirror_breaker_state",
		Help: "Circuit breaker state of the S3 mirror (0 closed, 1 half-open, 2 open).",
	})
)

// ObjectStore is the subset of the S3 client used by the mirror.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Config selects where mirrored firmware lives.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key; defaults to "firmware".
	Prefix     string
	DefaultTTL time.Duration
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Mirror copies uploaded firmware to an S3 bucket and issues presigned downloads.
type Mirror struct {
	store  ObjectStore
	bucket string
	prefix string
	ttl    time.Duration
	cb     *gobreaker.CircuitBreaker[string]
	log    zerolog.Logger
}

// New configures a Mirror over store.
func New(store ObjectStore, cfg Config, log zerolog.Logger) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		prefix = "firmware"
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	if ttl > MaxPresignTTL {
		ttl = MaxPresignTTL
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breakerState.Set(0)
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("mirror circuit breaker state change")
			breakerState.Set(float64(to))
		},
	})

	return &Mirror{store: store, bucket: bucket, prefix: prefix, ttl: ttl, cb: cb, log: log}, nil
}

// ObjectKey returns the bucket key used for a.
func (m *Mirror) ObjectKey(a firmware.Artifact) string {
	if m.prefix == "" {
		return a.Filename
	}
	return path.Join(m.prefix, a.Filename)
}

// Put uploads the file at filePath as the mirrored copy of a.
func (m *Mirror) Put(ctx context.Context, a firmware.Artifact, filePath string) error {
	if a.IsCompiled() {
		return ErrCompiled
	}
	_, err := m.execute("put", func() (string, error) {
		f, err := os.Open(filePath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		return "", m.store.PutObject(ctx, m.bucket, m.ObjectKey(a), f, info.Size(), a.ContentHash)
	})
	if err != nil {
		return fmt.Errorf("mirror put %s: %w", a.Key, err)
	}
	m.log.Debug().Str("key", a.Key).Str("object", m.ObjectKey(a)).Msg("firmware mirrored")
	return nil
}

// Delete removes the mirrored copy of a.
func (m *Mirror) Delete(ctx context.Context, a firmware.Artifact) error {
	if a.IsCompiled() {
		return ErrCompiled
	}
	_, err := m.execute("delete", func() (string, error) {
		return "", m.store.DeleteObject(ctx, m.bucket, m.ObjectKey(a))
	})
	if err != nil {
		return fmt.Errorf("mirror delete %s: %w", a.Key, err)
	}
	return nil
}

// Presign returns a presigned GET URL for a and the TTL actually granted. A
// non-positive ttl uses the default; anything above an hour is clamped.
func (m *Mirror) Presign(ctx context.Context, a firmware.Artifact, ttl time.Duration) (string, time.Duration, error) {
	if a.IsCompiled() {
		return "", 0, ErrCompiled
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	if ttl > MaxPresignTTL {
		ttl = MaxPresignTTL
	}
	url, err := m.execute("presign", func() (string, error) {
		return m.store.PresignGet(ctx, m.bucket, m.ObjectKey(a), ttl)
	})
	if err != nil {
		return "", 0, fmt.Errorf("mirror presign %s: %w", a.Key, err)
	}
	return url, ttl, nil
}

func (m *Mirror) execute(op string, fn func() (string, error)) (string, error) {
	out, err := m.cb.Execute(fn)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		requests.WithLabelValues(op, "rejected").Inc()
	case err != nil:
		requests.WithLabelValues(op, "failure").Inc()
	default:
		requests.WithLabelValues(op, "success").Inc()
	}
	return out, err
}
