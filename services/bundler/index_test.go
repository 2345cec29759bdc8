package bundler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"otad/services/firmware"
)

func writeImage(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte{0xE9}, size), 0o644))
}

func TestIndexCompiledBuildsLoadableManifest(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "weather.bin", 32)
	writeImage(t, dir, "clock.BIN", 16)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.json"), []byte(`{
		"name": "weather",
		"version": "2.1.0",
		"description": "Weather display",
		"build_date": "2024-03-01T10:00:00Z"
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	var out bytes.Buffer
	entries, err := IndexCompiled(context.Background(), IndexConfig{
		Dir:         dir,
		DeviceTypes: []string{"ESP32_Display"},
		Stdout:      &out,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "clock", entries[0].Name)
	require.Equal(t, defaultCompiledVersion, entries[0].Version)
	require.Equal(t, "ESP32 firmware: clock", entries[0].Description)
	require.EqualValues(t, 16, entries[0].Size)
	require.Equal(t, "weather", entries[1].Name)
	require.Equal(t, "2.1.0", entries[1].Version)
	require.Equal(t, "2024-03-01T10:00:00Z", entries[1].BuildDate)
	require.Contains(t, out.String(), "indexed 2 compiled images")

	store, err := firmware.NewArtifactStore(t.TempDir(), dir)
	require.NoError(t, err)
	reg, err := firmware.NewRegistry(store)
	require.NoError(t, err)
	require.NoError(t, reg.Load())

	weather, ok := reg.Get("compiled_weather")
	require.True(t, ok)
	require.True(t, weather.IsCompiled())
	require.Equal(t, "ESP32_Display", weather.DeviceType)
	require.Equal(t, "Weather display", weather.Description)
	require.Equal(t, []string{"ESP32_Display"}, reg.FirmwareTypes())
}

func TestIndexCompiledOverridesSidecar(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "weather.bin", 8)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.json"), []byte(`{"version":"2.1.0"}`), 0o644))

	entries, err := IndexCompiled(context.Background(), IndexConfig{Dir: dir, Version: "3.0.0", Description: "pinned", Stdout: &bytes.Buffer{}})
	require.NoError(t, err)
	require.Equal(t, "3.0.0", entries[0].Version)
	require.Equal(t, "pinned", entries[0].Description)
}

func TestIndexCompiledErrors(t *testing.T) {
	_, err := IndexCompiled(context.Background(), IndexConfig{})
	require.Error(t, err)

	empty := t.TempDir()
	_, err = IndexCompiled(context.Background(), IndexConfig{Dir: empty, Stdout: &bytes.Buffer{}})
	require.ErrorContains(t, err, "no .bin images")
	_, statErr := os.Stat(filepath.Join(empty, firmware.ManifestFileName))
	require.True(t, os.IsNotExist(statErr))

	bad := t.TempDir()
	writeImage(t, bad, "weather.bin", 8)
	require.NoError(t, os.WriteFile(filepath.Join(bad, "weather.json"), []byte(`{`), 0o644))
	_, err = IndexCompiled(context.Background(), IndexConfig{Dir: bad, Stdout: &bytes.Buffer{}})
	require.ErrorContains(t, err, "decode")
}
