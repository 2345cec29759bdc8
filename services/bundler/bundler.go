package bundler

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"otad/services/firmware"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
	maxImportRetries   = 3
)

// Export writes the uploaded firmware of cfg.DataDir to a tar.zst bundle.
// Compiled images belong to their build pipeline and are never exported.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	store, err := firmware.NewArtifactStore(cfg.DataDir, "")
	if err != nil {
		return nil, err
	}
	registry, err := firmware.NewRegistry(store)
	if err != nil {
		return nil, err
	}
	if err := registry.Load(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Source:    cfg.DataDir,
	}
	paths := map[string]string{}
	for _, a := range registry.List(firmware.Filter{IncludeInactive: cfg.IncludeInactive}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.IsCompiled() {
			continue
		}
		full, err := store.UploadedPath(a.Filename)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", a.Key, err)
		}
		sum, size, err := firmware.HashFile(full)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", a.Key, err)
		}
		if a.ContentHash != "" && !strings.EqualFold(sum, a.ContentHash) {
			return nil, fmt.Errorf("artifact %s does not match its recorded sha256", a.Key)
		}
		entry := ManifestArtifact{
			Key:         a.Key,
			Path:        path.Join(artifactsTarPrefix, a.Filename),
			DeviceType:  a.DeviceType,
			Version:     a.Version,
			Description: a.Description,
			UploadedAt:  a.UploadedAt,
			Active:      a.IsActive,
			Size:        size,
			SHA256:      sum,
		}
		manifest.Artifacts = append(manifest.Artifacts, entry)
		paths[entry.Path] = full
	}
	if len(manifest.Artifacts) == 0 {
		return nil, errors.New("no uploaded firmware to export")
	}
	// Oldest first so an import replays uploads in their original order.
	for i, j := 0, len(manifest.Artifacts)-1; i < j; i, j = i+1, j-1 {
		manifest.Artifacts[i], manifest.Artifacts[j] = manifest.Artifacts[j], manifest.Artifacts[i]
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeBundle(cfg.Output, manifestBytes, manifest.Artifacts, paths); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts)\n", cfg.Output, len(manifest.Artifacts))
	return manifest, nil
}

func writeBundle(output string, manifest []byte, entries []ManifestArtifact, paths map[string]string) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, entry.Path, paths[entry.Path]); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

func appendFile(tw *tar.Writer, name, fullPath string) error {
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", name, err)
	}
	header := &tar.Header{
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", name, err)
	}
	return nil
}

// Import extracts and verifies a bundle, then uploads each image through the API.
// Uploaded images receive new versions from the receiving registry.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("api client is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	tempDir, err := os.MkdirTemp("", "otad-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifest, files, err := extractBundle(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}

	// Verify everything before the first upload so a corrupt bundle changes nothing.
	for _, art := range manifest.Artifacts {
		tempPath, ok := files[path.Clean(art.Path)]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
	}

	for _, art := range manifest.Artifacts {
		res, err := uploadWithRetry(ctx, cfg, files[path.Clean(art.Path)], art)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", art.Key, err)
		}
		if !art.Active {
			if _, err := cfg.Client.SetActive(ctx, res.Key, false); err != nil {
				return nil, fmt.Errorf("deactivate %s: %w", res.Key, err)
			}
		}
		fmt.Fprintf(cfg.Stdout, "uploaded %s as %s (%d bytes)\n", art.Key, res.Key, art.Size)
	}

	return manifest, nil
}

func extractBundle(ctx context.Context, bundlePath, tempDir string) (*Manifest, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var manifestBytes []byte
	files := map[string]string{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			manifestBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}

		dir, base := path.Split(name)
		if path.Clean(dir) != artifactsTarPrefix || base == "" {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		targetPath := filepath.Join(tempDir, base)
		if err := copyToFile(targetPath, tr); err != nil {
			return nil, nil, fmt.Errorf("extract %q: %w", name, err)
		}
		files[name] = targetPath
	}

	if len(manifestBytes) == 0 {
		return nil, nil, errors.New("bundle missing manifest.yaml")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	return &manifest, files, nil
}

func copyToFile(target string, r io.Reader) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func validateArtifact(path string, art ManifestArtifact) error {
	sum, size, err := firmware.HashFile(path)
	if err != nil {
		return fmt.Errorf("hash %q: %w", art.Path, err)
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(sum, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

// uploadWithRetry waits out version collisions, which happen when two images of
// the same device type are uploaded within the registry's version resolution.
func uploadWithRetry(ctx context.Context, cfg ImportConfig, file string, art ManifestArtifact) (UploadResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxImportRetries; attempt++ {
		res, err := cfg.Client.Upload(ctx, file, art.DeviceType, art.Description, cfg.AutoAssign)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != firmware.KindValidation.String() || !strings.Contains(apiErr.Message, "already exists") {
			return UploadResult{}, err
		}
		select {
		case <-ctx.Done():
			return UploadResult{}, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	return UploadResult{}, lastErr
}
