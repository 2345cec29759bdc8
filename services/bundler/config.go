package bundler

import (
	"io"
	"time"
)

// IndexConfig configures compiled manifest generation.
type IndexConfig struct {
	// Dir is the compiled firmware root holding the *.bin images.
	Dir         string
	DeviceTypes []string
	// Version and Description override per-image sidecar metadata when set.
	Version     string
	Description string
	Stdout      io.Writer
}

// ExportConfig configures bundle creation from an OTA data directory.
type ExportConfig struct {
	DataDir         string
	Output          string
	IncludeInactive bool
	Now             func() time.Time
	Stdout          io.Writer
}

// ImportConfig configures bundle import operations.
type ImportConfig struct {
	BundlePath string
	Client     *Client
	AutoAssign bool
	// RetryDelay separates retries of uploads rejected for a version collision.
	RetryDelay time.Duration
	Stdout     io.Writer
}
