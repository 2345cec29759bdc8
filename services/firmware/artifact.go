package firmware

import (
	"fmt"
	"strings"
	"time"
)

// Origin records where an artifact came from.
type Origin string

const (
	// OriginCompiled artifacts are produced by the external build pipeline and are read-only here.
	OriginCompiled Origin = "compiled"
	// OriginUploaded artifacts were committed through the Uploader and are owned by the registry.
	OriginUploaded Origin = "uploaded"
)

const (
	// BinaryExtension is the only accepted firmware file extension.
	BinaryExtension = ".bin"

	compiledKeyPrefix   = "compiled_"
	defaultCompiledType = "ESP32"
	versionLayout       = "20060102.150405"
	uploadedAtLayout    = "2006-01-02T15:04:05.000000Z"
)

// Artifact is a single distributable firmware build plus its metadata.
type Artifact struct {
	Key           string `json:"key" yaml:"key"`
	DeviceType    string `json:"device_type" yaml:"device_type"`
	Version       string `json:"version" yaml:"version"`
	Filename      string `json:"filename" yaml:"filename"`
	StoragePath   string `json:"filepath" yaml:"filepath"`
	Origin        Origin `json:"origin" yaml:"origin"`
	SizeBytes     int64  `json:"file_size" yaml:"file_size"`
	ContentHash   string `json:"file_hash" yaml:"file_hash"`
	Description   string `json:"description" yaml:"description"`
	UploadedAt    string `json:"upload_date" yaml:"upload_date"`
	IsActive      bool   `json:"is_active" yaml:"is_active"`
	DownloadCount int64  `json:"download_count" yaml:"download_count"`
}

// IsCompiled reports whether the artifact belongs to the read-only compiled root.
func (a Artifact) IsCompiled() bool { return a.Origin == OriginCompiled }

// Assignment is the advisory per-device-type hint recorded by auto-assigning uploads.
type Assignment struct {
	Latest string `json:"latest" yaml:"latest"`
}

// artifactKey derives the registry key of an uploaded artifact.
func artifactKey(deviceType, version string) string {
	return deviceType + "_" + version
}

// uploadFilename is the deterministic on-disk name of an uploaded artifact.
func uploadFilename(deviceType, version string) string {
	return artifactKey(deviceType, version) + BinaryExtension
}

var uploadedAtLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseUploadedAt parses an ISO-8601 upload timestamp. A trailing UTC marker is
// stripped; explicit offsets are honoured and normalised to UTC. Timestamps without
// zone information are treated as UTC.
func ParseUploadedAt(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "Z"), "z")
	for _, layout := range uploadedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
