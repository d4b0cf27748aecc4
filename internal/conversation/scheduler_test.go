package conversation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFires(t *testing.T) {
	var fired atomic.Int32
	var phase atomic.Value
	var s *Scheduler
	s = NewScheduler(20*time.Millisecond, time.Minute, func(phone string, p TimerPhase, gen uint64) {
		if s.ConfirmExpiry(phone, gen) {
			fired.Add(1)
			phase.Store(p)
		}
	})
	defer s.StopAll()

	s.Touch("5511999990000")
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	if phase.Load() != PhaseInitial {
		t.Errorf("phase = %v, want initial", phase.Load())
	}
	if s.Has("5511999990000") {
		t.Error("entry should be removed after confirmed expiry")
	}
}

func TestSchedulerTouchRearms(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(40*time.Millisecond, time.Minute, func(string, TimerPhase, uint64) {
		fired.Add(1)
	})
	defer s.StopAll()

	s.Touch("5511999990000")
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		s.Touch("5511999990000")
	}
	if fired.Load() != 0 {
		t.Errorf("timer fired %d times while being touched, want 0", fired.Load())
	}
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestSchedulerCancel(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(20*time.Millisecond, time.Minute, func(string, TimerPhase, uint64) {
		fired.Add(1)
	})
	defer s.StopAll()

	s.Touch("5511999990000")
	s.Cancel("5511999990000")
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled timer fired %d times", fired.Load())
	}
	if s.Has("5511999990000") {
		t.Error("cancelled entry should be gone")
	}
}

// A callback scheduled before a Touch must not act: its generation is stale.
func TestSchedulerStaleGenerationDropped(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(time.Minute, time.Minute, func(string, TimerPhase, uint64) {
		fired.Add(1)
	})
	defer s.StopAll()

	s.Touch("5511999990000")
	s.mu.Lock()
	staleGen := s.entries["5511999990000"].generation
	s.mu.Unlock()

	// Replace the timer, then simulate the old callback racing in.
	s.Touch("5511999990000")
	s.fire("5511999990000", staleGen)

	if fired.Load() != 0 {
		t.Errorf("stale callback acted %d times, want 0", fired.Load())
	}
	if !s.Has("5511999990000") {
		t.Error("current timer must survive a stale callback")
	}
}

// A fired callback whose timer was re-armed before confirmation must not
// act: the re-arm bumps the generation, so confirmation fails.
func TestSchedulerConfirmExpiryAfterRearm(t *testing.T) {
	s := NewScheduler(time.Minute, time.Minute, nil)
	defer s.StopAll()

	s.Touch("5511999990000")
	s.mu.Lock()
	staleGen := s.entries["5511999990000"].generation
	s.mu.Unlock()

	s.Touch("5511999990000")
	if s.ConfirmExpiry("5511999990000", staleGen) {
		t.Error("superseded generation must not confirm")
	}
	if !s.Has("5511999990000") {
		t.Error("re-armed timer must survive a superseded confirmation")
	}

	s.mu.Lock()
	currentGen := s.entries["5511999990000"].generation
	s.mu.Unlock()
	if !s.ConfirmExpiry("5511999990000", currentGen) {
		t.Error("current generation must confirm")
	}
	if s.Has("5511999990000") {
		t.Error("confirmed entry should be removed")
	}
}

func TestSchedulerFollowUpPhase(t *testing.T) {
	var phases []TimerPhase
	var mu sync.Mutex
	s := NewScheduler(time.Minute, 20*time.Millisecond, func(_ string, p TimerPhase, _ uint64) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	})
	defer s.StopAll()

	s.ScheduleFollowUp("5511999990000")
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 1
	})
	if phases[0] != PhaseFollowUp {
		t.Errorf("phase = %v, want follow_up", phases[0])
	}
}

func TestSchedulerTouchAtElapsedWindow(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(50*time.Millisecond, time.Minute, func(string, TimerPhase, uint64) {
		fired.Add(1)
	})
	defer s.StopAll()

	// Last activity far in the past: the callback fires almost immediately.
	s.TouchAt("5511999990000", time.Now().Add(-time.Hour))
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestSchedulerSnapshot(t *testing.T) {
	s := NewScheduler(time.Minute, time.Minute, nil)
	defer s.StopAll()

	s.Touch("5511999990000")
	s.Touch("5511999990001")

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	for _, info := range snap {
		if info.TimeRemaining <= 0 || info.TimeRemaining > 60 {
			t.Errorf("time remaining for %s = %d, want within (0, 60]", info.PhoneNumber, info.TimeRemaining)
		}
	}
}
