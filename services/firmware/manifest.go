package firmware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// uploadedManifest is the on-disk registry document. Only uploaded artifacts are
// ever written to it.
type uploadedManifest struct {
	FirmwareVersions  []manifestEntry
	DeviceAssignments map[string]json.RawMessage
	AutoUpdateEnabled bool
}

type manifestEntry struct {
	Key   string
	Entry uploadedEntry
}

type uploadedEntry struct {
	Version       string `json:"version"`
	DeviceType    string `json:"device_type"`
	Filename      string `json:"filename"`
	Filepath      string `json:"filepath"`
	Description   string `json:"description"`
	UploadDate    string `json:"upload_date"`
	FileSize      int64  `json:"file_size"`
	FileHash      string `json:"file_hash"`
	DownloadCount int64  `json:"download_count"`
	IsActive      bool   `json:"is_active"`
	// IsCompiled marks compiled entries that older writers saved alongside uploads.
	IsCompiled    bool   `json:"is_compiled,omitempty"`
}

// compiledEntry is one record of the externally produced compiled manifest.
type compiledEntry struct {
	Version           string   `json:"version"`
	Description       string   `json:"description"`
	Filename          string   `json:"filename"`
	Size              int64    `json:"size"`
	CompatibleDevices []string `json:"compatible_devices"`
	BuildDate         string   `json:"build_date"`
}

// CompiledManifestEntry is the exported form of a compiled manifest record, used by
// the tooling that generates the compiled root.
type CompiledManifestEntry struct {
	Name              string
	Version           string
	Description       string
	Filename          string
	Size              int64
	CompatibleDevices []string
	BuildDate         string
}

func (e uploadedEntry) toArtifact(key string) Artifact {
	return Artifact{
		Key:           key,
		DeviceType:    e.DeviceType,
		Version:       e.Version,
		Filename:      e.Filename,
		StoragePath:   e.Filepath,
		Origin:        OriginUploaded,
		SizeBytes:     e.FileSize,
		ContentHash:   e.FileHash,
		Description:   e.Description,
		UploadedAt:    e.UploadDate,
		IsActive:      e.IsActive,
		DownloadCount: e.DownloadCount,
	}
}

func entryFromArtifact(a Artifact) uploadedEntry {
	return uploadedEntry{
		Version:       a.Version,
		DeviceType:    a.DeviceType,
		Filename:      a.Filename,
		Filepath:      a.StoragePath,
		Description:   a.Description,
		UploadDate:    a.UploadedAt,
		FileSize:      a.SizeBytes,
		FileHash:      a.ContentHash,
		DownloadCount: a.DownloadCount,
		IsActive:      a.IsActive,
	}
}

func (e compiledEntry) deviceType() string {
	for _, d := range e.CompatibleDevices {
		if d != "" {
			return d
		}
	}
	return defaultCompiledType
}

func decodeUploadedManifest(data []byte) (uploadedManifest, error) {
	m := uploadedManifest{DeviceAssignments: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}

	err := decodeOrderedObject(data, func(field string, raw json.RawMessage) error {
		switch field {
		case "firmware_versions":
			if isJSONNull(raw) {
				return nil
			}
			return decodeOrderedObject(raw, func(key string, body json.RawMessage) error {
				var entry uploadedEntry
				if err := json.Unmarshal(body, &entry); err != nil {
					return fmt.Errorf("firmware %q: %w", key, err)
				}
				m.FirmwareVersions = append(m.FirmwareVersions, manifestEntry{Key: key, Entry: entry})
				return nil
			})
		case "device_assignments":
			if isJSONNull(raw) {
				return nil
			}
			return json.Unmarshal(raw, &m.DeviceAssignments)
		case "auto_update_enabled":
			if isJSONNull(raw) {
				return nil
			}
			return json.Unmarshal(raw, &m.AutoUpdateEnabled)
		}
		return nil
	})
	if err != nil {
		return uploadedManifest{}, err
	}
	if m.DeviceAssignments == nil {
		m.DeviceAssignments = map[string]json.RawMessage{}
	}
	return m, nil
}

func encodeUploadedManifest(m uploadedManifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n  \"firmware_versions\": {")
	for i, fw := range m.FirmwareVersions {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fw.Key)
		if err != nil {
			return nil, err
		}
		body, err := json.MarshalIndent(fw.Entry, "    ", "  ")
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n    ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(body)
	}
	if len(m.FirmwareVersions) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("},\n  \"device_assignments\": ")

	assignments := m.DeviceAssignments
	if assignments == nil {
		assignments = map[string]json.RawMessage{}
	}
	body, err := json.MarshalIndent(assignments, "  ", "  ")
	if err != nil {
		return nil, err
	}
	buf.Write(body)

	auto, err := json.Marshal(m.AutoUpdateEnabled)
	if err != nil {
		return nil, err
	}
	buf.WriteString(",\n  \"auto_update_enabled\": ")
	buf.Write(auto)
	buf.WriteString("\n}\n")
	return buf.Bytes(), nil
}

// decodeCompiledManifest returns compiled entries keyed by name in document order.
func decodeCompiledManifest(data []byte) ([]string, map[string]compiledEntry, error) {
	var names []string
	entries := map[string]compiledEntry{}
	if len(bytes.TrimSpace(data)) == 0 {
		return names, entries, nil
	}
	err := decodeOrderedObject(data, func(name string, raw json.RawMessage) error {
		var entry compiledEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("compiled firmware %q: %w", name, err)
		}
		if _, dup := entries[name]; !dup {
			names = append(names, name)
		}
		entries[name] = entry
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return names, entries, nil
}

// EncodeCompiledManifest renders entries in the compiled manifest schema, preserving order.
func EncodeCompiledManifest(entries []CompiledManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		devices := e.CompatibleDevices
		if devices == nil {
			devices = []string{}
		}
		body, err := json.MarshalIndent(compiledEntry{
			Version:           e.Version,
			Description:       e.Description,
			Filename:          e.Filename,
			Size:              e.Size,
			CompatibleDevices: devices,
			BuildDate:         e.BuildDate,
		}, "  ", "  ")
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(body)
	}
	if len(entries) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// decodeOrderedObject walks the members of a JSON object in document order.
func decodeOrderedObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("expected JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
