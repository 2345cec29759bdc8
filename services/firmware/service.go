package firmware

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Event subjects published on the bus.
const (
	SubjectUploaded   = "ota.firmware.uploaded"
	SubjectDeleted    = "ota.firmware.deleted"
	SubjectDownloaded = "ota.firmware.downloaded"
	SubjectForced     = "ota.update.forced"
	SubjectOffered    = "ota.update.offered"
)

// EventPublisher delivers OTA events to interested consumers.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Mirror copies uploaded artifacts to secondary storage.
type Mirror interface {
	Put(ctx context.Context, a Artifact, path string) error
	Delete(ctx context.Context, a Artifact) error
}

// AuditRecorder stores an append-only trail of administrative actions.
type AuditRecorder interface {
	Record(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Event is the payload published for every OTA event.
type Event struct {
	Key        string    `json:"key,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	Version    string    `json:"version,omitempty"`
	Origin     Origin    `json:"origin,omitempty"`
	UpdateType string    `json:"update_type,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	At         time.Time `json:"at"`
}

// Service is the boundary of the firmware subsystem used by transports.
type Service struct {
	registry *Registry
	uploader *Uploader
	resolver *Resolver
	forced   *ForcedUpdateTable
	gateway  *Gateway

	events EventPublisher
	mirror Mirror
	audit  AuditRecorder
	log    zerolog.Logger
}

// Options configure optional collaborators of a Service.
type Options struct {
	Logger         zerolog.Logger
	MaxUploadBytes int64
	Now            func() time.Time
	Events         EventPublisher
	Mirror         Mirror
	Audit          AuditRecorder
}

// NewService assembles the subsystem around a loaded registry.
func NewService(registry *Registry, opts Options) (*Service, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	uploader, err := NewUploader(registry,
		WithMaxUploadBytes(opts.MaxUploadBytes),
		WithClock(opts.Now),
		WithUploaderLogger(opts.Logger),
	)
	if err != nil {
		return nil, err
	}
	forced := NewForcedUpdateTable()
	resolver, err := NewResolver(registry, forced, opts.Logger)
	if err != nil {
		return nil, err
	}
	gateway, err := NewGateway(registry, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Service{
		registry: registry,
		uploader: uploader,
		resolver: resolver,
		forced:   forced,
		gateway:  gateway,
		events:   opts.Events,
		mirror:   opts.Mirror,
		audit:    opts.Audit,
		log:      opts.Logger,
	}, nil
}

// Registry exposes the underlying registry.
func (s *Service) Registry() *Registry { return s.registry }

// CheckUpdate resolves a device poll.
func (s *Service) CheckUpdate(ctx context.Context, deviceID, currentVersion, deviceType string) Decision {
	d := s.resolver.Check(deviceID, currentVersion, deviceType)
	if d.UpdateAvailable {
		s.publish(ctx, SubjectOffered, Event{
			Key:        d.FirmwareKey,
			DeviceID:   deviceID,
			DeviceType: d.TargetFirmware,
			Version:    d.Version,
			UpdateType: string(d.UpdateType),
		})
	}
	return d
}

// Stat resolves a download without counting it.
func (s *Service) Stat(key string) (Download, error) {
	return s.gateway.Stat(key)
}

// Download opens the firmware file for key and records the download.
func (s *Service) Download(ctx context.Context, key, transport string) (*os.File, Download, error) {
	f, d, err := s.gateway.OpenUncounted(key)
	if err != nil {
		return nil, Download{}, err
	}
	return f, s.RecordDownload(ctx, d, transport), nil
}

// OpenDownload opens the firmware file for key without counting it. Transports
// that learn only after serving whether the body was sent follow up with
// RecordDownload.
func (s *Service) OpenDownload(key string) (*os.File, Download, error) {
	return s.gateway.OpenUncounted(key)
}

// RecordDownload counts a completed transfer of d and publishes it.
func (s *Service) RecordDownload(ctx context.Context, d Download, transport string) Download {
	d = s.gateway.Record(d, transport)
	s.publish(ctx, SubjectDownloaded, Event{
		Key:        d.Artifact.Key,
		DeviceType: d.Artifact.DeviceType,
		Version:    d.Artifact.Version,
		Origin:     d.Artifact.Origin,
		Transport:  transport,
	})
	return d
}

// Upload commits a new firmware image. Mirroring, events and audit happen after the
// commit and never fail it.
func (s *Service) Upload(ctx context.Context, actor string, req UploadRequest, body io.Reader) (Artifact, error) {
	a, err := s.uploader.Upload(req, body)
	if err != nil {
		return Artifact{}, err
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, a, a.StoragePath); err != nil {
			s.log.Warn().Err(err).Str("key", a.Key).Msg("mirror firmware upload")
		}
	}
	s.publish(ctx, SubjectUploaded, Event{Key: a.Key, DeviceType: a.DeviceType, Version: a.Version, Origin: a.Origin})
	s.record(ctx, actor, "firmware.upload", a.Key, map[string]any{
		"device_type": a.DeviceType,
		"version":     a.Version,
		"file_size":   a.SizeBytes,
		"file_hash":   a.ContentHash,
		"auto_assign": req.AutoAssign,
	})
	return a, nil
}

// ForceUpdate pins deviceID to the latest active artifact of deviceType for its
// next poll.
func (s *Service) ForceUpdate(ctx context.Context, actor, deviceID, deviceType string) (Decision, error) {
	d, err := s.resolver.Force(deviceID, deviceType)
	if err != nil {
		return Decision{}, err
	}
	s.publish(ctx, SubjectForced, Event{
		Key:        d.FirmwareKey,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Version:    d.Version,
		UpdateType: string(d.UpdateType),
	})
	s.record(ctx, actor, "firmware.force", deviceID, map[string]any{
		"firmware_type": deviceType,
		"key":           d.FirmwareKey,
		"version":       d.Version,
	})
	return d, nil
}

// ForcedUpdates lists pending overrides.
func (s *Service) ForcedUpdates() map[string]Decision {
	return s.forced.Snapshot()
}

// ClearForcedUpdate cancels a pending override.
func (s *Service) ClearForcedUpdate(ctx context.Context, actor, deviceID string) bool {
	ok := s.forced.Clear(deviceID)
	if ok {
		s.record(ctx, actor, "firmware.force_clear", deviceID, nil)
	}
	return ok
}

// DeleteArtifact removes an uploaded artifact and its file. Compiled artifacts are
// refused.
func (s *Service) DeleteArtifact(ctx context.Context, actor, key string) error {
	a, err := s.registry.Remove(key)
	if err != nil {
		return err
	}
	if path, perr := s.registry.Store().UploadedPath(a.Filename); perr == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("key", key).Str("path", path).Msg("remove firmware file")
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, a); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("mirror firmware delete")
		}
	}
	s.publish(ctx, SubjectDeleted, Event{Key: key, DeviceType: a.DeviceType, Version: a.Version, Origin: a.Origin})
	s.record(ctx, actor, "firmware.delete", key, map[string]any{"device_type": a.DeviceType, "version": a.Version})
	s.log.Info().Str("key", key).Msg("firmware deleted")
	return nil
}

// SetActive toggles whether an uploaded artifact takes part in resolution.
func (s *Service) SetActive(ctx context.Context, actor, key string, active bool) (Artifact, error) {
	a, err := s.registry.SetActive(key, active)
	if err != nil {
		return Artifact{}, err
	}
	s.record(ctx, actor, "firmware.set_active", key, map[string]any{"is_active": active})
	return a, nil
}

// ListArtifacts lists artifacts newest first.
func (s *Service) ListArtifacts(f Filter) []Artifact {
	return s.registry.List(f)
}

// FirmwareTypes lists the device types with at least one active artifact.
func (s *Service) FirmwareTypes() []string {
	return s.registry.FirmwareTypes()
}

// Assignments returns the advisory per-type assignments.
func (s *Service) Assignments() map[string]Assignment {
	return s.registry.Assignments()
}

// Stats summarises the registry.
func (s *Service) Stats() Stats {
	return s.registry.Stats()
}

func (s *Service) publish(ctx context.Context, subject string, ev Event) {
	if s.events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.events.Publish(ctx, subject, ev); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Str("key", ev.Key).Msg("publish ota event")
	}
}

func (s *Service) record(ctx context.Context, actor, action, obj string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := s.audit.Record(ctx, actor, action, obj, details); err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("obj", obj).Msg("record audit event")
	}
}
