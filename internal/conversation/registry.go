// Package conversation implements the per-phone-number conversation state
// machine: manual-control tracking, inactivity timers, the lifecycle
// transitions, and inbound message routing.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/evoluxrh/rhagent/internal/models"
)

// Registry tracks which phone numbers are under manual control by a human
// attendant. It is volatile; on restart it is reconciled from storage.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.ManualControlInfo
}

// NewRegistry creates an empty manual-control registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]models.ManualControlInfo)}
}

// Acquire marks the phone number as under manual control by agentID.
// Re-acquiring a held entry overwrites it (last-writer-wins) and logs the
// conflict.
func (r *Registry) Acquire(phoneNumber, agentID string) models.ManualControlInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, held := r.entries[phoneNumber]; held && prev.AgentID != agentID {
		slog.Warn("Registry Acquire conflict, overwriting holder",
			"phone", phoneNumber, "previousAgent", prev.AgentID, "newAgent", agentID)
	}
	info := models.ManualControlInfo{AgentID: agentID, TakenAt: time.Now()}
	r.entries[phoneNumber] = info
	slog.Debug("Registry Acquire", "phone", phoneNumber, "agentID", agentID)
	return info
}

// Restore inserts an entry with an existing takenAt timestamp. Used when
// rebuilding the registry from storage after a restart.
func (r *Registry) Restore(phoneNumber, agentID string, takenAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[phoneNumber] = models.ManualControlInfo{AgentID: agentID, TakenAt: takenAt}
	slog.Debug("Registry Restore", "phone", phoneNumber, "agentID", agentID, "takenAt", takenAt)
}

// Release removes the manual-control entry for the phone number and returns
// the previous holder. The second return is false if nothing was held.
func (r *Registry) Release(phoneNumber string) (models.ManualControlInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, held := r.entries[phoneNumber]
	if !held {
		slog.Debug("Registry Release: not held", "phone", phoneNumber)
		return models.ManualControlInfo{}, false
	}
	delete(r.entries, phoneNumber)
	slog.Debug("Registry Release", "phone", phoneNumber, "agentID", info.AgentID)
	return info, true
}

// Get returns the manual-control entry for the phone number, if held.
func (r *Registry) Get(phoneNumber string) (models.ManualControlInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, held := r.entries[phoneNumber]
	return info, held
}

// IsHeld reports whether the phone number is under manual control.
func (r *Registry) IsHeld(phoneNumber string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, held := r.entries[phoneNumber]
	return held
}

// Snapshot returns the current entries keyed by phone number.
func (r *Registry) Snapshot() map[string]models.ManualControlInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ManualControlInfo, len(r.entries))
	for phone, info := range r.entries {
		out[phone] = info
	}
	return out
}

// Len returns the number of held entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
