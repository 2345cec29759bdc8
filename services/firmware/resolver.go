package firmware

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// UpdateType classifies an offered update relative to the polling device.
type UpdateType string

const (
	UpdateSameType      UpdateType = "same_type"
	UpdateCrossFirmware UpdateType = "cross_firmware"
	UpdateForced        UpdateType = "forced_cross_firmware"
)

// DownloadPathPrefix is the relative route firmware references point at.
const DownloadPathPrefix = "/api/ota/download/"

const (
	ReasonNoFirmware = "no_firmware"
	ReasonUpToDate   = "up_to_date"
)

// Decision is the answer to a device poll.
type Decision struct {
	UpdateAvailable bool       `json:"update_available" yaml:"update_available"`
	Version         string     `json:"version,omitempty" yaml:"version,omitempty"`
	Description     string     `json:"description,omitempty" yaml:"description,omitempty"`
	FirmwareKey     string     `json:"firmware_key,omitempty" yaml:"firmware_key,omitempty"`
	FirmwareURL     string     `json:"firmware_url,omitempty" yaml:"firmware_url,omitempty"`
	FileSize        int64      `json:"file_size,omitempty" yaml:"file_size,omitempty"`
	FileHash        string     `json:"file_hash,omitempty" yaml:"file_hash,omitempty"`
	ReleaseDate     string     `json:"release_date,omitempty" yaml:"release_date,omitempty"`
	UpdateType      UpdateType `json:"update_type,omitempty" yaml:"update_type,omitempty"`
	TargetFirmware  string     `json:"target_firmware,omitempty" yaml:"target_firmware,omitempty"`
	Reason          string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message         string     `json:"message,omitempty" yaml:"message,omitempty"`
	CurrentVersion  string     `json:"current_version,omitempty" yaml:"current_version,omitempty"`
}

// DownloadPath returns the relative download reference for key.
func DownloadPath(key string) string {
	return DownloadPathPrefix + url.PathEscape(key)
}

// Resolver decides which update, if any, a polling device receives.
type Resolver struct {
	registry *Registry
	forced   *ForcedUpdateTable
	log      zerolog.Logger
}

// NewResolver wires a resolver to its registry and override table.
func NewResolver(registry *Registry, forced *ForcedUpdateTable, log zerolog.Logger) (*Resolver, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if forced == nil {
		return nil, errors.New("forced update table is required")
	}
	return &Resolver{registry: registry, forced: forced, log: log}, nil
}

// Check resolves a poll. A pending forced override wins unconditionally and is
// consumed. Otherwise the newest active artifact of any device type is offered when
// its version string differs from currentVersion.
func (r *Resolver) Check(deviceID, currentVersion, deviceType string) Decision {
	if d, ok := r.forced.Take(deviceID); ok {
		r.log.Info().Str("device_id", deviceID).Str("target_firmware", d.TargetFirmware).Str("version", d.Version).Msg("serving forced update")
		UpdateChecks.WithLabelValues("forced").Inc()
		return d
	}

	latest, ok := r.registry.LatestActive("")
	if !ok {
		UpdateChecks.WithLabelValues(ReasonNoFirmware).Inc()
		return Decision{Reason: ReasonNoFirmware, Message: "No firmware available"}
	}

	if latest.Version == currentVersion {
		UpdateChecks.WithLabelValues(ReasonUpToDate).Inc()
		return Decision{
			Reason:         ReasonUpToDate,
			Message:        fmt.Sprintf("Device is running latest firmware (%s)", currentVersion),
			CurrentVersion: currentVersion,
		}
	}

	kind := UpdateSameType
	if latest.DeviceType != deviceType {
		kind = UpdateCrossFirmware
	}
	UpdateChecks.WithLabelValues("offered").Inc()
	d := decisionFor(latest, kind, "Auto update to")
	d.CurrentVersion = currentVersion
	return d
}

// Force prepares an override pinning deviceID to the latest active artifact of
// deviceType. The override is delivered by the next Check for that device.
func (r *Resolver) Force(deviceID, deviceType string) (Decision, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Decision{}, validationf("force_update", "device id is required")
	}
	if strings.TrimSpace(deviceType) == "" {
		return Decision{}, validationf("force_update", "firmware_type required")
	}
	latest, ok := r.registry.LatestActive(deviceType)
	if !ok {
		return Decision{}, newError(KindNotFound, "force_update", deviceType, fmt.Errorf("no firmware found for type: %s", deviceType))
	}
	d := decisionFor(latest, UpdateForced, "Forced update to")
	r.forced.Set(deviceID, d)
	r.log.Info().Str("device_id", deviceID).Str("target_firmware", deviceType).Str("version", latest.Version).Msg("forced update set")
	return d, nil
}

func decisionFor(a Artifact, kind UpdateType, verb string) Decision {
	return Decision{
		UpdateAvailable: true,
		Version:         a.Version,
		Description:     fmt.Sprintf("%s %s: %s", verb, a.DeviceType, a.Description),
		FirmwareKey:     a.Key,
		FirmwareURL:     DownloadPath(a.Key),
		FileSize:        a.SizeBytes,
		FileHash:        a.ContentHash,
		ReleaseDate:     a.UploadedAt,
		UpdateType:      kind,
		TargetFirmware:  a.DeviceType,
	}
}
