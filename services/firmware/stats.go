package firmware

// RecentUploadsLimit is how many artifacts Stats lists as recent.
const RecentUploadsLimit = 10

// TypeStats aggregates the artifacts of one device type.
type TypeStats struct {
	Count          int       `json:"count" yaml:"count"`
	LatestVersion  *Artifact `json:"latest_version" yaml:"latest_version"`
	TotalDownloads int64     `json:"total_downloads" yaml:"total_downloads"`
}

// Stats is a read-only summary of the registry.
type Stats struct {
	TotalFirmwareVersions int                  `json:"total_firmware_versions" yaml:"total_firmware_versions"`
	TotalDownloads        int64                `json:"total_downloads" yaml:"total_downloads"`
	DeviceTypes           map[string]TypeStats `json:"device_types" yaml:"device_types"`
	RecentUploads         []Artifact           `json:"recent_uploads" yaml:"recent_uploads"`
}

// Stats summarises the registry. Each type's latest artifact follows the same rule
// as LatestActive, so artifacts with unparsable dates are counted but never latest.
func (r *Registry) Stats() Stats {
	entries := r.snapshot().ordered()
	out := Stats{
		TotalFirmwareVersions: len(entries),
		DeviceTypes:           map[string]TypeStats{},
	}

	byType := map[string][]entry{}
	for _, e := range entries {
		a := e.artifact
		out.TotalDownloads += a.DownloadCount
		ts := out.DeviceTypes[a.DeviceType]
		ts.Count++
		ts.TotalDownloads += a.DownloadCount
		out.DeviceTypes[a.DeviceType] = ts
		byType[a.DeviceType] = append(byType[a.DeviceType], e)
	}
	for deviceType, group := range byType {
		if latest, ok := latestOf(group, Filter{}, r.log); ok {
			ts := out.DeviceTypes[deviceType]
			ts.LatestVersion = &latest
			out.DeviceTypes[deviceType] = ts
		}
	}

	recent := listEntries(entries, Filter{IncludeInactive: true})
	if len(recent) > RecentUploadsLimit {
		recent = recent[:RecentUploadsLimit]
	}
	out.RecentUploads = recent
	return out
}
