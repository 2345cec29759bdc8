package firmware

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsAggregates(t *testing.T) {
	store := newTestStore(t)
	a1 := uploadedFixture(t, store, "Base", "1", "2024-01-01T00:00:00", []byte("a1"))
	a1.Entry.DownloadCount = 4
	a2 := uploadedFixture(t, store, "Base", "2", "2024-01-05T00:00:00Z", []byte("a2"))
	a2.Entry.DownloadCount = 1
	broken := uploadedFixture(t, store, "Base", "3", "not-a-date", []byte("a3"))
	broken.Entry.DownloadCount = 2
	led := uploadedFixture(t, store, "LED", "1", "2024-01-03T00:00:00", []byte("l1"))
	writeUploadedManifest(t, store, a1, a2, broken, led)
	writeCompiledManifest(t, store, CompiledManifestEntry{Name: "c", Version: "9", Filename: "c.bin", BuildDate: "2024-02-01T00:00:00"})

	s := loadRegistry(t, store).Stats()

	require.Equal(t, 5, s.TotalFirmwareVersions)
	require.Equal(t, int64(7), s.TotalDownloads)

	baseStats := s.DeviceTypes["Base"]
	require.Equal(t, 3, baseStats.Count)
	require.Equal(t, int64(7), baseStats.TotalDownloads)
	require.NotNil(t, baseStats.LatestVersion)
	require.Equal(t, a2.Key, baseStats.LatestVersion.Key)

	require.Equal(t, led.Key, s.DeviceTypes["LED"].LatestVersion.Key)
	require.Equal(t, "compiled_c", s.DeviceTypes[defaultCompiledType].LatestVersion.Key)

	require.Equal(t, []string{"compiled_c", a2.Key, led.Key, a1.Key, broken.Key}, keysOf(s.RecentUploads))
}

func TestStatsOnlyMalformedDates(t *testing.T) {
	store := newTestStore(t)
	bad := uploadedFixture(t, store, "Base", "1", "garbage", []byte("x"))
	writeUploadedManifest(t, store, bad)

	s := loadRegistry(t, store).Stats()
	require.Equal(t, 1, s.DeviceTypes["Base"].Count)
	require.Nil(t, s.DeviceTypes["Base"].LatestVersion)
	require.Equal(t, []string{bad.Key}, keysOf(s.RecentUploads))
}

func TestStatsRecentUploadsLimited(t *testing.T) {
	store := newTestStore(t)
	var entries []manifestEntry
	for i := 0; i < RecentUploadsLimit+5; i++ {
		entries = append(entries, uploadedFixture(t, store, "Base", fmt.Sprintf("%02d", i), fmt.Sprintf("2024-01-%02dT00:00:00", i+1), []byte{byte(i)}))
	}
	writeUploadedManifest(t, store, entries...)

	s := loadRegistry(t, store).Stats()
	require.Len(t, s.RecentUploads, RecentUploadsLimit)
	require.Equal(t, entries[len(entries)-1].Key, s.RecentUploads[0].Key)
}
