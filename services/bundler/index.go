package bundler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"otad/services/firmware"
)

const defaultCompiledVersion = "1.0.0"

// sidecar is the per-image metadata a firmware build leaves next to <name>.bin.
type sidecar struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	BuildDate   string `json:"build_date"`
}

// IndexCompiled scans cfg.Dir for firmware images and rewrites its compiled manifest.
func IndexCompiled(ctx context.Context, cfg IndexConfig) ([]firmware.CompiledManifestEntry, error) {
	if cfg.Dir == "" {
		return nil, errors.New("compiled directory is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	dirEntries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read compiled dir: %w", err)
	}

	var entries []firmware.CompiledManifestEntry
	for _, d := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.Type().IsRegular() || !strings.EqualFold(filepath.Ext(d.Name()), firmware.BinaryExtension) {
			continue
		}
		entry, err := indexImage(cfg, d.Name())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no %s images found in %s", firmware.BinaryExtension, cfg.Dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, err := firmware.EncodeCompiledManifest(entries)
	if err != nil {
		return nil, fmt.Errorf("encode compiled manifest: %w", err)
	}
	if err := writeFileReplace(filepath.Join(cfg.Dir, firmware.ManifestFileName), data); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "indexed %d compiled images in %s\n", len(entries), cfg.Dir)
	return entries, nil
}

func indexImage(cfg IndexConfig, filename string) (firmware.CompiledManifestEntry, error) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	info, err := os.Stat(filepath.Join(cfg.Dir, filename))
	if err != nil {
		return firmware.CompiledManifestEntry{}, fmt.Errorf("stat %q: %w", filename, err)
	}

	meta, err := readSidecar(filepath.Join(cfg.Dir, name+".json"))
	if err != nil {
		return firmware.CompiledManifestEntry{}, err
	}

	return firmware.CompiledManifestEntry{
		Name:              name,
		Version:           firstNonEmpty(cfg.Version, meta.Version, defaultCompiledVersion),
		Description:       firstNonEmpty(cfg.Description, meta.Description, "ESP32 firmware: "+name),
		Filename:          filename,
		Size:              info.Size(),
		CompatibleDevices: cfg.DeviceTypes,
		BuildDate:         firstNonEmpty(meta.BuildDate, info.ModTime().UTC().Format(time.RFC3339)),
	}, nil
}

func readSidecar(path string) (sidecar, error) {
	var meta sidecar
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %q: %w", path, err)
	}
	return meta, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// writeFileReplace writes data beside path and renames it into place so the
// registry watcher never sees a partial manifest.
func writeFileReplace(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
