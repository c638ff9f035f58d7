package services

import (
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"companion-backend/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func curriculumOf(n int) []models.CurriculumModule {
	out := make([]models.CurriculumModule, n)
	for i := range out {
		out[i] = models.CurriculumModule{ID: i + 1, Title: "Module", Order: i + 1}
	}
	return out
}

func TestProgression_FirstModuleAlwaysUnlocked(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "modules")
		stored := make([]models.ModuleProgress, 0)
		for id := 1; id <= n; id++ {
			if rapid.Bool().Draw(t, "has-progress") {
				stored = append(stored, models.ModuleProgress{
					ModuleID:         id,
					TimeSpentSeconds: rapid.IntRange(0, 500).Draw(t, "secs"),
					MessageCount:     rapid.IntRange(0, 50).Draw(t, "msgs"),
					Completed:        rapid.Bool().Draw(t, "completed"),
				})
			}
		}
		p := NewProgression(curriculumOf(n), stored, newFakeClock().Now)
		if !p.IsUnlocked(1) {
			t.Fatalf("module 1 must be unlocked")
		}
	})
}

func TestProgression_UnlockThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "target")
		secs := rapid.IntRange(0, 200).Draw(t, "secs")
		msgs := rapid.IntRange(0, 30).Draw(t, "msgs")
		stored := []models.ModuleProgress{{ModuleID: n - 1, TimeSpentSeconds: secs, MessageCount: msgs}}

		p := NewProgression(curriculumOf(8), stored, newFakeClock().Now)
		want := secs >= 60 && msgs >= 10
		if got := p.IsUnlocked(n); got != want {
			t.Fatalf("IsUnlocked(%d) with (%d, %d) = %v, want %v", n, secs, msgs, got, want)
		}
	})
}

func TestProgression_UnlockBoundary(t *testing.T) {
	tests := []struct {
		name     string
		secs     int
		msgs     int
		unlocked bool
	}{
		{"exactly 60/10", 60, 10, true},
		{"59/10", 59, 10, false},
		{"60/9", 60, 9, false},
		{"well above", 300, 40, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProgression(curriculumOf(3), []models.ModuleProgress{
				{ModuleID: 1, TimeSpentSeconds: tc.secs, MessageCount: tc.msgs},
			}, newFakeClock().Now)
			if got := p.IsUnlocked(2); got != tc.unlocked {
				t.Errorf("expected unlocked=%v, got %v", tc.unlocked, got)
			}
			if p.IsUnlocked(3) {
				t.Errorf("module 3 must stay locked without module 2 progress")
			}
		})
	}
}

func reachCounters(p *Progression, clock *fakeClock, secs, msgs int) {
	clock.Advance(time.Duration(secs) * time.Second)
	for i := 0; i < msgs; i++ {
		p.RecordUserMessage()
	}
}

func TestProgression_SwitchRestoresCounters(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)

	reachCounters(p, clock, 75, 12)
	if !p.SwitchTo(2) {
		t.Fatalf("expected switch to module 2 to succeed")
	}
	if secs, msgs := p.LiveCounters(); secs != 0 || msgs != 0 {
		t.Fatalf("expected fresh counters for module 2, got (%d, %d)", secs, msgs)
	}

	reachCounters(p, clock, 30, 4)
	if !p.SwitchTo(1) {
		t.Fatalf("expected switch back to module 1 to succeed")
	}
	if secs, msgs := p.LiveCounters(); secs != 75 || msgs != 12 {
		t.Fatalf("expected restored (75, 12), got (%d, %d)", secs, msgs)
	}

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected progress for 2 modules, got %d", len(snap))
	}
	if snap[1].ModuleID != 2 || snap[1].TimeSpentSeconds != 30 || snap[1].MessageCount != 4 {
		t.Errorf("unexpected module 2 snapshot: %+v", snap[1])
	}
}

func TestProgression_SwitchToLockedIsNoop(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)
	reachCounters(p, clock, 20, 3)

	if p.SwitchTo(2) {
		t.Fatalf("expected switch to locked module to fail")
	}
	if p.CurrentModuleID() != 1 {
		t.Errorf("expected to stay on module 1")
	}
	if len(p.Snapshot()) != 0 {
		t.Errorf("a refused switch must not snapshot anything")
	}
	if secs, msgs := p.LiveCounters(); secs != 20 || msgs != 3 {
		t.Errorf("live counters changed by refused switch: (%d, %d)", secs, msgs)
	}
	if p.SwitchTo(99) {
		t.Errorf("expected unknown module to be refused")
	}
}

func TestProgression_UnlockRequiresSnapshot(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)
	reachCounters(p, clock, 60, 10)

	if p.IsUnlocked(2) {
		t.Fatalf("live counters alone must not unlock module 2")
	}
	if !p.SwitchTo(2) {
		t.Fatalf("switch must evaluate the outgoing counters as snapshotted")
	}
	if !p.IsUnlocked(2) {
		t.Fatalf("module 2 must be unlocked after the switch snapshot")
	}
	if p.Status(1) != ModuleUnlocked {
		t.Errorf("switching away must not complete module 1, got %s", p.Status(1))
	}
}

func TestProgression_CompleteAdvances(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)
	reachCounters(p, clock, 61, 11)

	p.Complete(1)
	if p.CurrentModuleID() != 2 {
		t.Fatalf("expected completion to move to module 2, got %d", p.CurrentModuleID())
	}
	if p.Status(1) != ModuleCompleted {
		t.Errorf("expected module 1 completed, got %s", p.Status(1))
	}
	snap := p.Snapshot()
	if snap[0].TimeSpentSeconds != 61 || snap[0].MessageCount != 11 {
		t.Errorf("expected snapshot (61, 11), got %+v", snap[0])
	}
}

func TestProgression_CompleteLastModuleIsTerminal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "modules")
		stored := make([]models.ModuleProgress, 0, n)
		for id := 1; id < n; id++ {
			stored = append(stored, models.ModuleProgress{ModuleID: id, TimeSpentSeconds: 60, MessageCount: 10, Completed: true})
		}
		clock := newFakeClock()
		p := NewProgression(curriculumOf(n), stored, clock.Now)
		if !p.Begin(n) {
			t.Fatalf("expected module %d to be reachable", n)
		}
		p.Complete(n)
		if p.CurrentModuleID() != n {
			t.Fatalf("complete on last module moved current to %d", p.CurrentModuleID())
		}
		if p.Status(n) != ModuleCompleted {
			t.Fatalf("expected last module completed")
		}
	})
}

func TestProgression_PrematureCompleteIsAccepted(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)
	reachCounters(p, clock, 5, 1)

	if p.CanComplete() {
		t.Errorf("CanComplete must be false below thresholds")
	}
	p.Complete(1)
	if p.Status(1) != ModuleCompleted {
		t.Fatalf("completion must never be rejected")
	}
	// Module 2 stays locked: completion does not satisfy the unlock thresholds.
	if p.CurrentModuleID() != 1 {
		t.Errorf("expected to stay on module 1, got %d", p.CurrentModuleID())
	}
}

func TestProgression_CompletedStaysCompletedAfterSwitch(t *testing.T) {
	clock := newFakeClock()
	p := NewProgression(curriculumOf(3), nil, clock.Now)
	reachCounters(p, clock, 60, 10)
	p.Complete(1)
	p.SwitchTo(1)
	reachCounters(p, clock, 10, 1)
	p.SwitchTo(2)

	if p.Status(1) != ModuleCompleted {
		t.Errorf("completion must be monotonic, got %s", p.Status(1))
	}
}

func TestModuleStatus_String(t *testing.T) {
	tests := map[ModuleStatus]string{
		ModuleLocked:     "locked",
		ModuleUnlocked:   "unlocked",
		ModuleCompleted:  "completed",
		ModuleStatus(42): "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
