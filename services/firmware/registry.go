package firmware

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Filter narrows registry listings. The zero value selects every active artifact.
type Filter struct {
	DeviceType      string
	IncludeInactive bool
}

func (f Filter) match(a Artifact) bool {
	if !f.IncludeInactive && !a.IsActive {
		return false
	}
	return f.DeviceType == "" || a.DeviceType == f.DeviceType
}

type entry struct {
	artifact Artifact
	seq      uint64
}

type state struct {
	entries     map[string]entry
	next        uint64
	assignments map[string]json.RawMessage
	autoUpdate  bool
}

func newState() *state {
	return &state{
		entries:     map[string]entry{},
		assignments: map[string]json.RawMessage{},
	}
}

func (s *state) clone() *state {
	c := &state{
		entries:     make(map[string]entry, len(s.entries)),
		next:        s.next,
		assignments: make(map[string]json.RawMessage, len(s.assignments)),
		autoUpdate:  s.autoUpdate,
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	return c
}

// ordered returns entries in insertion order.
func (s *state) ordered() []entry {
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *state) insert(a Artifact) {
	if cur, ok := s.entries[a.Key]; ok {
		s.entries[a.Key] = entry{artifact: a, seq: cur.seq}
		return
	}
	s.entries[a.Key] = entry{artifact: a, seq: s.next}
	s.next++
}

// Registry is the merged in-memory index of compiled and uploaded artifacts. Readers
// see immutable snapshots; writers are serialized and build the next snapshot from a
// copy so a failed write leaves the index untouched.
type Registry struct {
	store *ArtifactStore
	log   zerolog.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	st      *state

	// manifest file as last read or written by this process, nil when absent
	manifestInfo os.FileInfo
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for parse warnings and skipped entries.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry constructs an empty registry backed by store. Call Load to populate it.
func NewRegistry(store *ArtifactStore, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	r := &Registry{store: store, log: zerolog.Nop(), st: newState()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Store returns the backing artifact store.
func (r *Registry) Store() *ArtifactStore { return r.store }

// Load rebuilds the index from the persisted uploaded manifest and a fresh read of
// the compiled manifest. Uploaded entries keep their keys; compiled entries are
// namespaced so neither source shadows the other.
func (r *Registry) Load() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	st, err := r.build()
	if err != nil {
		return err
	}
	r.install(st)
	return nil
}

func (r *Registry) build() (*state, error) {
	raw, err := r.store.ReadManifest()
	if err != nil {
		return nil, newError(KindPersistence, "load", "", fmt.Errorf("read manifest: %w", err))
	}
	r.recordFingerprint()

	m, err := decodeUploadedManifest(raw)
	if err != nil {
		return nil, newError(KindPersistence, "load", "", fmt.Errorf("decode manifest: %w", err))
	}

	st := newState()
	st.assignments = m.DeviceAssignments
	st.autoUpdate = m.AutoUpdateEnabled
	for _, fw := range m.FirmwareVersions {
		if fw.Entry.IsCompiled {
			// compiled entries are only ever rebuilt from the compiled manifest
			r.log.Debug().Str("key", fw.Key).Msg("dropping compiled entry from uploaded manifest")
			continue
		}
		st.insert(fw.Entry.toArtifact(fw.Key))
	}
	r.mergeCompiled(st)
	return st, nil
}

func (r *Registry) mergeCompiled(st *state) {
	raw, err := r.store.ReadCompiledManifest()
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.store.CompiledManifestPath).Msg("read compiled manifest")
		return
	}
	names, entries, err := decodeCompiledManifest(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.store.CompiledManifestPath).Msg("skipping malformed compiled manifest")
		return
	}
	for _, name := range names {
		ce := entries[name]
		path, err := r.store.CompiledPath(ce.Filename)
		if err != nil {
			r.log.Warn().Err(err).Str("name", name).Msg("skipping compiled firmware")
			continue
		}
		key := compiledKeyPrefix + name
		for {
			if _, taken := st.entries[key]; !taken {
				break
			}
			key = compiledKeyPrefix + key
		}
		st.insert(Artifact{
			Key:         key,
			DeviceType:  ce.deviceType(),
			Version:     ce.Version,
			Filename:    ce.Filename,
			StoragePath: path,
			Origin:      OriginCompiled,
			SizeBytes:   ce.Size,
			Description: ce.Description,
			UploadedAt:  ce.BuildDate,
			IsActive:    true,
		})
	}
}

func (r *Registry) install(st *state) {
	r.mu.Lock()
	r.st = st
	r.mu.Unlock()

	var compiled, uploaded int
	for _, e := range st.entries {
		if e.artifact.IsCompiled() {
			compiled++
		} else {
			uploaded++
		}
	}
	RegistryArtifacts.WithLabelValues(string(OriginCompiled)).Set(float64(compiled))
	RegistryArtifacts.WithLabelValues(string(OriginUploaded)).Set(float64(uploaded))
}

func (r *Registry) snapshot() *state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st
}

func (r *Registry) recordFingerprint() {
	info, err := os.Stat(r.store.ManifestPath)
	if err != nil {
		r.manifestInfo = nil
		return
	}
	r.manifestInfo = info
}

// manifestChanged reports whether the manifest was replaced or rewritten since it
// was last fingerprinted. Writers always rename a new file into place, so a
// different inode is a change even when size and mtime happen to match.
func (r *Registry) manifestChanged() bool {
	info, err := os.Stat(r.store.ManifestPath)
	if err != nil {
		return r.manifestInfo != nil
	}
	prev := r.manifestInfo
	if prev == nil {
		return true
	}
	return !os.SameFile(info, prev) || !info.ModTime().Equal(prev.ModTime()) || info.Size() != prev.Size()
}

// Tx is the mutable view handed to Update callbacks.
type Tx struct {
	st    *state
	dirty bool
}

// Get returns the artifact stored under key.
func (tx *Tx) Get(key string) (Artifact, bool) {
	e, ok := tx.st.entries[key]
	return e.artifact, ok
}

// Put inserts or replaces an uploaded artifact. Compiled entries cannot be written.
func (tx *Tx) Put(a Artifact) error {
	if a.Key == "" {
		return validationf("upsert", "artifact key is required")
	}
	if a.IsCompiled() {
		return newError(KindPermissionDenied, "upsert", a.Key, errors.New("compiled firmware is read-only"))
	}
	if cur, ok := tx.st.entries[a.Key]; ok && cur.artifact.IsCompiled() {
		return newError(KindPermissionDenied, "upsert", a.Key, errors.New("compiled firmware is read-only"))
	}
	a.Origin = OriginUploaded
	tx.st.insert(a)
	tx.dirty = true
	return nil
}

// Delete removes an uploaded artifact and returns it.
func (tx *Tx) Delete(key string) (Artifact, error) {
	e, ok := tx.st.entries[key]
	if !ok {
		return Artifact{}, notFound("delete", key)
	}
	if e.artifact.IsCompiled() {
		return Artifact{}, newError(KindPermissionDenied, "delete", key, errors.New("compiled firmware cannot be deleted"))
	}
	delete(tx.st.entries, key)
	tx.dirty = true
	return e.artifact, nil
}

// SetAssignment records the advisory latest version for deviceType.
func (tx *Tx) SetAssignment(deviceType, version string) error {
	raw, err := json.Marshal(Assignment{Latest: version})
	if err != nil {
		return err
	}
	tx.st.assignments[deviceType] = raw
	tx.dirty = true
	return nil
}

// Update runs fn against a copy of the index while holding the writer lock, persists
// the result and installs it. When fn or persistence fails the index is unchanged.
// If another process rewrote the manifest since it was last read, the index is
// reloaded first so its change is not lost.
func (r *Registry) Update(op string, fn func(tx *Tx) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	unlock, err := r.store.Lock()
	if err != nil {
		return newError(KindPersistence, op, "", err)
	}
	defer unlock()

	base := r.st
	if r.manifestChanged() {
		fresh, err := r.build()
		if err != nil {
			return err
		}
		r.install(fresh)
		base = fresh
	}

	tx := &Tx{st: base.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	if err := r.persist(tx.st); err != nil {
		return newError(KindPersistence, op, "", err)
	}
	r.install(tx.st)
	return nil
}

// Save persists the uploaded portion of the current index.
func (r *Registry) Save() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	unlock, err := r.store.Lock()
	if err != nil {
		return newError(KindPersistence, "save", "", err)
	}
	defer unlock()

	if err := r.persist(r.st); err != nil {
		return newError(KindPersistence, "save", "", err)
	}
	return nil
}

func (r *Registry) persist(st *state) error {
	start := time.Now()
	defer func() { RegistryPersistDuration.Observe(time.Since(start).Seconds()) }()

	m := uploadedManifest{
		DeviceAssignments: st.assignments,
		AutoUpdateEnabled: st.autoUpdate,
	}
	for _, e := range st.ordered() {
		if e.artifact.IsCompiled() {
			continue
		}
		m.FirmwareVersions = append(m.FirmwareVersions, manifestEntry{Key: e.artifact.Key, Entry: entryFromArtifact(e.artifact)})
	}
	data, err := encodeUploadedManifest(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := r.store.WriteManifest(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	r.recordFingerprint()
	return nil
}

// Upsert inserts or replaces an uploaded artifact and persists the registry.
func (r *Registry) Upsert(a Artifact) error {
	return r.Update("upsert", func(tx *Tx) error { return tx.Put(a) })
}

// Remove deletes an uploaded artifact from the index and persists the registry.
// Compiled artifacts yield a permission error and leave the registry unchanged.
func (r *Registry) Remove(key string) (Artifact, error) {
	var removed Artifact
	err := r.Update("delete", func(tx *Tx) error {
		a, err := tx.Delete(key)
		removed = a
		return err
	})
	return removed, err
}

// SetActive toggles the active flag of an uploaded artifact.
func (r *Registry) SetActive(key string, active bool) (Artifact, error) {
	var out Artifact
	err := r.Update("set_active", func(tx *Tx) error {
		a, ok := tx.Get(key)
		if !ok {
			return notFound("set_active", key)
		}
		if a.IsCompiled() {
			return newError(KindPermissionDenied, "set_active", key, errors.New("compiled firmware is read-only"))
		}
		a.IsActive = active
		out = a
		return tx.Put(a)
	})
	return out, err
}

// IncrementDownloads bumps the download counter of an uploaded artifact. The new
// count is kept in memory even if persisting it fails; the returned error then has
// KindPersistence. Compiled artifacts are returned untouched.
func (r *Registry) IncrementDownloads(key string) (Artifact, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	unlock, lockErr := r.store.Lock()
	if lockErr == nil {
		defer unlock()
		if r.manifestChanged() {
			if fresh, err := r.build(); err == nil {
				r.install(fresh)
			} else {
				r.log.Warn().Err(err).Msg("reload manifest before download count")
			}
		}
	}

	e, ok := r.st.entries[key]
	if !ok {
		return Artifact{}, notFound("download", key)
	}
	if e.artifact.IsCompiled() {
		return e.artifact, nil
	}

	next := r.st.clone()
	e.artifact.DownloadCount++
	next.entries[key] = e
	r.install(next)

	if lockErr != nil {
		return e.artifact, newError(KindPersistence, "download", key, lockErr)
	}
	if err := r.persist(next); err != nil {
		return e.artifact, newError(KindPersistence, "download", key, err)
	}
	return e.artifact, nil
}

// Get returns the artifact stored under key.
func (r *Registry) Get(key string) (Artifact, bool) {
	e, ok := r.snapshot().entries[key]
	return e.artifact, ok
}

// List returns the artifacts matching f, newest first. Artifacts with an unparsable
// upload date sort last; ties keep insertion order.
func (r *Registry) List(f Filter) []Artifact {
	return listEntries(r.snapshot().ordered(), f)
}

func listEntries(entries []entry, f Filter) []Artifact {
	type row struct {
		a  Artifact
		at time.Time
		ok bool
	}
	var rows []row
	for _, e := range entries {
		if !f.match(e.artifact) {
			continue
		}
		at, err := ParseUploadedAt(e.artifact.UploadedAt)
		rows = append(rows, row{a: e.artifact, at: at, ok: err == nil})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ok != rows[j].ok {
			return rows[i].ok
		}
		return rows[i].at.After(rows[j].at)
	})
	out := make([]Artifact, len(rows))
	for i, rw := range rows {
		out[i] = rw.a
	}
	return out
}

// LatestActive returns the active artifact with the greatest valid upload date,
// optionally restricted to deviceType. Artifacts whose date cannot be parsed are
// logged and skipped.
func (r *Registry) LatestActive(deviceType string) (Artifact, bool) {
	return latestOf(r.snapshot().ordered(), Filter{DeviceType: deviceType}, r.log)
}

func latestOf(entries []entry, f Filter, log zerolog.Logger) (Artifact, bool) {
	var (
		best   Artifact
		bestAt time.Time
		found  bool
	)
	for _, e := range entries {
		if !f.match(e.artifact) {
			continue
		}
		at, err := ParseUploadedAt(e.artifact.UploadedAt)
		if err != nil {
			log.Warn().Err(err).Str("key", e.artifact.Key).Str("upload_date", e.artifact.UploadedAt).Msg("skipping firmware with unparsable upload date")
			continue
		}
		if !found || at.After(bestAt) {
			best, bestAt, found = e.artifact, at, true
		}
	}
	return best, found
}

// FirmwareTypes returns the sorted distinct device types of active artifacts.
func (r *Registry) FirmwareTypes() []string {
	seen := map[string]struct{}{}
	for _, e := range r.snapshot().entries {
		if e.artifact.IsActive {
			seen[e.artifact.DeviceType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Assignments returns the advisory device type assignments. Entries that are not
// objects with a "latest" field are ignored.
func (r *Registry) Assignments() map[string]Assignment {
	out := map[string]Assignment{}
	for deviceType, raw := range r.snapshot().assignments {
		var a Assignment
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		out[deviceType] = a
	}
	return out
}

// AutoUpdateEnabled reports the persisted auto_update_enabled flag.
func (r *Registry) AutoUpdateEnabled() bool {
	return r.snapshot().autoUpdate
}
