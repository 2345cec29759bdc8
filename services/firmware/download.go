package firmware

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Transports label where a download was served from.
const (
	TransportHTTP = "http"
	TransportTFTP = "tftp"
)

// Download describes a resolved firmware file.
type Download struct {
	Artifact Artifact
	Path     string
	Size     int64
	ModTime  time.Time
}

// Gateway resolves firmware keys to files on disk and records usage.
type Gateway struct {
	registry *Registry
	log      zerolog.Logger
}

// NewGateway returns a gateway over registry.
func NewGateway(registry *Registry, log zerolog.Logger) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Gateway{registry: registry, log: log}, nil
}

// Stat resolves key without counting a download.
func (g *Gateway) Stat(key string) (Download, error) {
	a, ok := g.registry.Get(key)
	if !ok {
		return Download{}, notFound("download", key)
	}
	path, err := g.pathOf(a)
	if err != nil {
		return Download{}, newError(KindNotFound, "download", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Download{}, newError(KindNotFound, "download", key, errors.New("firmware file missing"))
		}
		return Download{}, newError(KindPersistence, "download", key, err)
	}
	if info.IsDir() {
		return Download{}, newError(KindNotFound, "download", key, fmt.Errorf("%s is a directory", path))
	}
	return Download{Artifact: a, Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Open resolves key, opens the file and records the download. Counting is
// best-effort: a failure to persist the new count is logged and the file is still
// returned.
func (g *Gateway) Open(key, transport string) (*os.File, Download, error) {
	f, d, err := g.OpenUncounted(key)
	if err != nil {
		return nil, Download{}, err
	}
	d.Artifact = g.record(d.Artifact, transport)
	return f, d, nil
}

// OpenUncounted resolves key and opens the file without recording a download.
// Callers that only know after serving whether a transfer happened call Record.
func (g *Gateway) OpenUncounted(key string) (*os.File, Download, error) {
	d, err := g.Stat(key)
	if err != nil {
		return nil, Download{}, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Download{}, newError(KindNotFound, "download", key, errors.New("firmware file missing"))
		}
		return nil, Download{}, newError(KindPersistence, "download", key, err)
	}
	return f, d, nil
}

// Record counts a completed download of d.
func (g *Gateway) Record(d Download, transport string) Download {
	d.Artifact = g.record(d.Artifact, transport)
	return d
}

func (g *Gateway) record(a Artifact, transport string) Artifact {
	Downloads.WithLabelValues(string(a.Origin), transport).Inc()
	if a.IsCompiled() {
		return a
	}
	updated, err := g.registry.IncrementDownloads(a.Key)
	if err != nil {
		g.log.Warn().Err(err).Str("key", a.Key).Msg("record firmware download")
		if KindOf(err) == KindNotFound {
			return a
		}
	}
	return updated
}

func (g *Gateway) pathOf(a Artifact) (string, error) {
	if a.IsCompiled() {
		return g.registry.Store().CompiledPath(a.Filename)
	}
	return g.registry.Store().UploadedPath(a.Filename)
}
