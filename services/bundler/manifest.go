package bundler

import (
	"time"
)

const manifestVersion = "1"

// Manifest describes the uploaded firmware carried by a bundle.
type Manifest struct {
	Version   string             `yaml:"version"`
	CreatedAt time.Time          `yaml:"created_at"`
	Source    string             `yaml:"source,omitempty"`
	Artifacts []ManifestArtifact `yaml:"artifacts"`
}

// ManifestArtifact describes a single firmware image within the bundle.
type ManifestArtifact struct {
	Key         string `yaml:"key"`
	Path        string `yaml:"path"`
	DeviceType  string `yaml:"device_type"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	UploadedAt  string `yaml:"upload_date"`
	Active      bool   `yaml:"is_active"`
	Size        int64  `yaml:"size"`
	SHA256      string `yaml:"sha256"`
}
