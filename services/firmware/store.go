package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ManifestFileName names both the uploaded registry file and the compiled manifest.
const ManifestFileName = "firmware_registry.json"

const (
	uploadedDirName = "firmware"
	hashChunkSize   = 64 << 10
)

// ArtifactStore is the filesystem backing of the registry: a read-only compiled
// root written by an external build step and a read-write uploaded root.
type ArtifactStore struct {
	UploadedDir          string
	ManifestPath         string
	CompiledDir          string
	CompiledManifestPath string

	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewArtifactStore lays out the store under dataDir (uploaded binaries and the
// persisted manifest) and compiledDir (externally produced binaries and manifest).
// An empty compiledDir leaves the store without a compiled root.
func NewArtifactStore(dataDir, compiledDir string) (*ArtifactStore, error) {
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	s := &ArtifactStore{
		UploadedDir:  filepath.Join(dataDir, uploadedDirName),
		ManifestPath: filepath.Join(dataDir, ManifestFileName),
	}
	if compiledDir != "" {
		s.CompiledDir = compiledDir
		s.CompiledManifestPath = filepath.Join(compiledDir, ManifestFileName)
	}
	if err := os.MkdirAll(s.UploadedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploaded dir: %w", err)
	}
	return s, nil
}

// ReadManifest returns the persisted uploaded manifest. A missing file is an empty manifest.
func (s *ArtifactStore) ReadManifest() ([]byte, error) {
	data, err := os.ReadFile(s.ManifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// ReadCompiledManifest returns the externally produced manifest. A missing file is
// an empty manifest.
func (s *ArtifactStore) ReadCompiledManifest() ([]byte, error) {
	if s.CompiledManifestPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.CompiledManifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// WriteManifest atomically replaces the uploaded manifest: readers see either the
// old or the new document, never a partial one.
func (s *ArtifactStore) WriteManifest(data []byte) error {
	if s.writeFile != nil {
		return s.writeFile(s.ManifestPath, data, 0o644)
	}
	return writeFileAtomic(s.ManifestPath, data, 0o644)
}

// Lock takes the cross-process writer lock guarding the uploaded manifest.
func (s *ArtifactStore) Lock() (func(), error) {
	return lockFile(s.ManifestPath + ".lock")
}

// UploadedPath resolves a bare filename inside the uploaded root.
func (s *ArtifactStore) UploadedPath(filename string) (string, error) {
	return resolveIn(s.UploadedDir, filename)
}

// CompiledPath resolves a bare filename inside the compiled root.
func (s *ArtifactStore) CompiledPath(filename string) (string, error) {
	if s.CompiledDir == "" {
		return "", errors.New("no compiled firmware root configured")
	}
	return resolveIn(s.CompiledDir, filename)
}

// CreateTemp opens a scratch file in the uploaded root so the final rename stays on
// one filesystem.
func (s *ArtifactStore) CreateTemp() (*os.File, error) {
	return os.OpenFile(filepath.Join(s.UploadedDir, ".upload-"+uuid.NewString()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

func resolveIn(root, filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("filename %q escapes artifact root", filename)
	}
	return filepath.Join(root, name), nil
}

// HashFile streams path through SHA-256 in fixed-size chunks and returns the hex
// digest together with the number of bytes read.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("hash %q: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
