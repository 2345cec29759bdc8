package firmware

import "sync"

// ForcedUpdateTable holds single-use per-device overrides. Entries live only in
// memory and are consumed by the next resolution for that device.
type ForcedUpdateTable struct {
	mu      sync.Mutex
	pending map[string]Decision
}

// NewForcedUpdateTable returns an empty table.
func NewForcedUpdateTable() *ForcedUpdateTable {
	return &ForcedUpdateTable{pending: make(map[string]Decision)}
}

// Set stores d for deviceID, replacing any pending override.
func (t *ForcedUpdateTable) Set(deviceID string, d Decision) {
	t.mu.Lock()
	t.pending[deviceID] = d
	t.mu.Unlock()
	ForcedOverrides.WithLabelValues("set").Inc()
}

// Take removes and returns the override for deviceID. Concurrent callers for the
// same device observe it at most once.
func (t *ForcedUpdateTable) Take(deviceID string) (Decision, bool) {
	t.mu.Lock()
	d, ok := t.pending[deviceID]
	if ok {
		delete(t.pending, deviceID)
	}
	t.mu.Unlock()
	if ok {
		ForcedOverrides.WithLabelValues("consumed").Inc()
	}
	return d, ok
}

// Clear drops the override for deviceID and reports whether one existed.
func (t *ForcedUpdateTable) Clear(deviceID string) bool {
	t.mu.Lock()
	_, ok := t.pending[deviceID]
	delete(t.pending, deviceID)
	t.mu.Unlock()
	if ok {
		ForcedOverrides.WithLabelValues("cleared").Inc()
	}
	return ok
}

// Snapshot copies the pending overrides.
func (t *ForcedUpdateTable) Snapshot() map[string]Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Decision, len(t.pending))
	for k, v := range t.pending {
		out[k] = v
	}
	return out
}
