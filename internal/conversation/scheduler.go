package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/evoluxrh/rhagent/internal/models"
)

// Default inactivity windows.
const (
	DefaultTimeout         = 2 * time.Minute
	DefaultFollowUpTimeout = 10 * time.Minute
)

// TimerPhase distinguishes the first inactivity window from the extended
// window armed after a follow-up message.
type TimerPhase string

const (
	PhaseInitial  TimerPhase = "initial"
	PhaseFollowUp TimerPhase = "follow_up"
)

// timerEntry tracks one phone number's inactivity timer.
type timerEntry struct {
	timer        *time.Timer
	generation   uint64
	phase        TimerPhase
	lastActivity time.Time
	expiresAt    time.Time
}

// Scheduler arms one inactivity timer per phone number. When a timer fires
// it invokes the configured callback with the phase that elapsed. Timers are
// volatile; after a restart they are re-armed from storage timestamps.
type Scheduler struct {
	mu         sync.Mutex
	entries    map[string]*timerEntry
	generation uint64

	timeout         time.Duration
	followUpTimeout time.Duration
	onExpire        func(phoneNumber string, phase TimerPhase, generation uint64)
}

// NewScheduler creates a scheduler with the given inactivity windows. The
// onExpire callback runs on the timer goroutine; it must do its own locking
// and call ConfirmExpiry with the generation it received before acting, so
// that activity racing the expiry invalidates the callback.
func NewScheduler(timeout, followUpTimeout time.Duration, onExpire func(string, TimerPhase, uint64)) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if followUpTimeout <= 0 {
		followUpTimeout = DefaultFollowUpTimeout
	}
	slog.Debug("Creating inactivity scheduler", "timeout", timeout, "followUpTimeout", followUpTimeout)
	return &Scheduler{
		entries:         make(map[string]*timerEntry),
		timeout:         timeout,
		followUpTimeout: followUpTimeout,
		onExpire:        onExpire,
	}
}

// Touch cancels any pending timer for the phone number and arms a fresh
// initial-phase timer.
func (s *Scheduler) Touch(phoneNumber string) {
	s.arm(phoneNumber, PhaseInitial, time.Now(), s.timeout)
}

// TouchAt arms an initial-phase timer relative to a past activity timestamp.
// If the window has already elapsed the callback fires almost immediately.
// Used when re-arming timers after a restart.
func (s *Scheduler) TouchAt(phoneNumber string, lastActivity time.Time) {
	remaining := s.timeout - time.Since(lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	s.arm(phoneNumber, PhaseInitial, lastActivity, remaining)
}

// ScheduleFollowUp arms the extended window after a follow-up message was
// sent. The conversation finalizes if this one also elapses.
func (s *Scheduler) ScheduleFollowUp(phoneNumber string) {
	s.arm(phoneNumber, PhaseFollowUp, time.Now(), s.followUpTimeout)
}

func (s *Scheduler) arm(phoneNumber string, phase TimerPhase, lastActivity time.Time, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, exists := s.entries[phoneNumber]; exists {
		prev.timer.Stop()
	}
	s.generation++
	gen := s.generation
	now := time.Now()

	entry := &timerEntry{
		generation:   gen,
		phase:        phase,
		lastActivity: lastActivity,
		expiresAt:    now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(phoneNumber, gen)
	})
	s.entries[phoneNumber] = entry
	slog.Debug("Scheduler armed timer", "phone", phoneNumber, "phase", phase, "delay", delay, "generation", gen)
}

// fire runs when a timer elapses. A stale callback (cancelled or replaced
// after scheduling) is detected by comparing generations and dropped. The
// entry stays in place until the consumer confirms it with ConfirmExpiry:
// the callback may block on the phone lock while an inbound handler holds
// it, and the handler's Touch must be able to supersede this expiry.
func (s *Scheduler) fire(phoneNumber string, generation uint64) {
	s.mu.Lock()
	entry, exists := s.entries[phoneNumber]
	if !exists || entry.generation != generation {
		s.mu.Unlock()
		slog.Debug("Scheduler dropping stale timer callback", "phone", phoneNumber, "generation", generation)
		return
	}
	phase := entry.phase
	s.mu.Unlock()

	slog.Debug("Scheduler timer fired", "phone", phoneNumber, "phase", phase)
	if s.onExpire != nil {
		s.onExpire(phoneNumber, phase, generation)
	}
}

// ConfirmExpiry removes the entry for phoneNumber if it still carries the
// given generation and reports whether it did. A false return means the
// timer was re-armed or cancelled after the callback fired; the caller must
// not act on the expiry.
func (s *Scheduler) ConfirmExpiry(phoneNumber string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[phoneNumber]
	if !exists || entry.generation != generation {
		return false
	}
	delete(s.entries, phoneNumber)
	return true
}

// Cancel stops and removes the timer for the phone number, if any.
func (s *Scheduler) Cancel(phoneNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[phoneNumber]; exists {
		entry.timer.Stop()
		delete(s.entries, phoneNumber)
		slog.Debug("Scheduler cancelled timer", "phone", phoneNumber)
	}
}

// Has reports whether a timer is armed for the phone number.
func (s *Scheduler) Has(phoneNumber string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[phoneNumber]
	return exists
}

// Snapshot returns the active timers with their remaining time in seconds.
func (s *Scheduler) Snapshot() []models.ActiveConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]models.ActiveConversationInfo, 0, len(s.entries))
	for phone, entry := range s.entries {
		remaining := int64(entry.expiresAt.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, models.ActiveConversationInfo{
			PhoneNumber:   phone,
			LastActivity:  entry.lastActivity.Format(time.RFC3339),
			TimeRemaining: remaining,
		})
	}
	return out
}

// StopAll cancels every pending timer.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("Scheduler stopping all timers", "count", len(s.entries))
	for phone, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, phone)
	}
}
