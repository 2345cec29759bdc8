package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	root := t.TempDir()
	store, err := NewArtifactStore(filepath.Join(root, "data"), filepath.Join(root, "compiled"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(store.CompiledDir, 0o755))
	return store
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// uploadedFixture writes content into the uploaded root and returns a manifest
// entry describing it.
func uploadedFixture(t *testing.T, store *ArtifactStore, deviceType, version, uploadDate string, content []byte) manifestEntry {
	t.Helper()
	filename := uploadFilename(deviceType, version)
	path := filepath.Join(store.UploadedDir, filename)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return manifestEntry{
		Key: artifactKey(deviceType, version),
		Entry: uploadedEntry{
			Version:     version,
			DeviceType:  deviceType,
			Filename:    filename,
			Filepath:    path,
			Description: deviceType + " build",
			UploadDate:  uploadDate,
			FileSize:    int64(len(content)),
			FileHash:    sha256Hex(content),
			IsActive:    true,
		},
	}
}

func writeUploadedManifest(t *testing.T, store *ArtifactStore, entries ...manifestEntry) {
	t.Helper()
	data, err := encodeUploadedManifest(uploadedManifest{FirmwareVersions: entries})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.ManifestPath, data, 0o644))
}

func writeCompiledManifest(t *testing.T, store *ArtifactStore, entries ...CompiledManifestEntry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, os.WriteFile(filepath.Join(store.CompiledDir, e.Filename), []byte("compiled:"+e.Name), 0o644))
	}
	data, err := EncodeCompiledManifest(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.CompiledManifestPath, data, 0o644))
}

func loadRegistry(t *testing.T, store *ArtifactStore) *Registry {
	t.Helper()
	reg, err := NewRegistry(store)
	require.NoError(t, err)
	require.NoError(t, reg.Load())
	return reg
}

func keysOf(list []Artifact) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Key
	}
	return out
}

// crossTypeFixture holds a Base build from 2024-01-01 and an LED build from 2024-01-02.
func crossTypeFixture(t *testing.T) (*ArtifactStore, manifestEntry, manifestEntry) {
	t.Helper()
	store := newTestStore(t)
	base := uploadedFixture(t, store, "ESP32_OTA_Base", "20240101.120000", "2024-01-01T12:00:00.000000", []byte("base firmware"))
	led := uploadedFixture(t, store, "ESP32_LED_Blink", "20240102.120000", "2024-01-02T12:00:00Z", []byte("led firmware"))
	writeUploadedManifest(t, store, base, led)
	return store, base, led
}
