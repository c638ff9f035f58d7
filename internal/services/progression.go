package services

import (
	"sort"
	"sync"
	"time"

	"companion-backend/internal/models"
)

// Unlock thresholds for the module following a visited one.
const (
	UnlockTimeSeconds  = 60
	UnlockMessageCount = 10
	firstModuleID      = 1
)

type ModuleStatus int

const (
	ModuleLocked ModuleStatus = iota
	ModuleUnlocked
	ModuleCompleted
)

func (s ModuleStatus) String() string {
	switch s {
	case ModuleLocked:
		return "locked"
	case ModuleUnlocked:
		return "unlocked"
	case ModuleCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Progression tracks the current module's live counters and the snapshotted
// progress of every visited module. Unlocking is gated on snapshots only;
// completion is never rejected.
type Progression struct {
	mu  sync.Mutex
	now func() time.Time

	order    []int
	progress map[int]*models.ModuleProgress

	current      int
	baseSeconds  int
	liveMessages int
	clockStart   time.Time
}

func NewProgression(curriculum []models.CurriculumModule, stored []models.ModuleProgress, now func() time.Time) *Progression {
	if now == nil {
		now = time.Now
	}
	sorted := make([]models.CurriculumModule, len(curriculum))
	copy(sorted, curriculum)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].ID < sorted[j].ID
	})

	p := &Progression{
		now:      now,
		progress: make(map[int]*models.ModuleProgress),
		current:  firstModuleID,
	}
	for _, m := range sorted {
		p.order = append(p.order, m.ID)
	}
	if len(p.order) > 0 {
		p.current = p.order[0]
	}
	for _, mp := range stored {
		entry := mp
		p.progress[mp.ModuleID] = &entry
	}
	p.clockStart = now()
	return p
}

// Begin makes moduleID current without snapshotting anything. It is used
// when a session opens. Returns false if the module is locked or unknown.
func (p *Progression) Begin(moduleID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inCurriculum(moduleID) || !p.unlockedLocked(moduleID, p.progress) {
		return false
	}
	p.enterLocked(moduleID)
	return true
}

func (p *Progression) IsUnlocked(moduleID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlockedLocked(moduleID, p.progress)
}

func (p *Progression) Status(moduleID int) ModuleStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mp, ok := p.progress[moduleID]; ok && mp.Completed {
		return ModuleCompleted
	}
	if p.unlockedLocked(moduleID, p.progress) {
		return ModuleUnlocked
	}
	return ModuleLocked
}

func (p *Progression) CurrentModuleID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// LiveCounters returns the current module's elapsed seconds and user message count.
func (p *Progression) LiveCounters() (seconds, messages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveSecondsLocked(), p.liveMessages
}

// CanComplete reports whether the live counters meet the thresholds the UI
// requires before offering completion.
func (p *Progression) CanComplete() bool {
	secs, msgs := p.LiveCounters()
	return secs >= UnlockTimeSeconds && msgs >= UnlockMessageCount
}

func (p *Progression) RecordUserMessage() {
	p.mu.Lock()
	p.liveMessages++
	p.mu.Unlock()
}

// SwitchTo moves to moduleID. The lock check treats the outgoing module's
// live counters as already snapshotted. Returns false (no-op) when the
// target is locked or not in the curriculum.
func (p *Progression) SwitchTo(moduleID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.switchLocked(moduleID)
}

func (p *Progression) switchLocked(moduleID int) bool {
	if !p.inCurriculum(moduleID) {
		return false
	}
	if moduleID == p.current {
		return true
	}

	projected := make(map[int]*models.ModuleProgress, len(p.progress)+1)
	for id, mp := range p.progress {
		projected[id] = mp
	}
	outgoing := p.snapshotValue()
	projected[outgoing.ModuleID] = &outgoing
	if !p.unlockedLocked(moduleID, projected) {
		return false
	}

	p.snapshotLocked()
	p.enterLocked(moduleID)
	return true
}

// Complete snapshots (when moduleID is current), marks the module completed
// and advances to the next module in curriculum order if there is one.
func (p *Progression) Complete(moduleID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if moduleID == p.current {
		p.snapshotLocked()
	}
	mp, ok := p.progress[moduleID]
	if !ok {
		mp = &models.ModuleProgress{ModuleID: moduleID}
		p.progress[moduleID] = mp
	}
	mp.Completed = true

	if next, ok := p.nextLocked(moduleID); ok && moduleID == p.current {
		p.switchLocked(next)
	}
}

// SnapshotCurrent writes the live counters of the current module into its
// progress entry. Used when the session ends.
func (p *Progression) SnapshotCurrent() {
	p.mu.Lock()
	p.snapshotLocked()
	p.mu.Unlock()
}

// Snapshot returns a copy of all module progress entries ordered by module id.
func (p *Progression) Snapshot() []models.ModuleProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.ModuleProgress, 0, len(p.progress))
	for _, mp := range p.progress {
		out = append(out, *mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

func (p *Progression) IsLast(moduleID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nextLocked(moduleID)
	return !ok
}

func (p *Progression) unlockedLocked(moduleID int, progress map[int]*models.ModuleProgress) bool {
	if moduleID == firstModuleID {
		return true
	}
	prev, ok := progress[moduleID-1]
	if !ok {
		return false
	}
	return prev.TimeSpentSeconds >= UnlockTimeSeconds && prev.MessageCount >= UnlockMessageCount
}

func (p *Progression) snapshotValue() models.ModuleProgress {
	mp := models.ModuleProgress{ModuleID: p.current}
	if existing, ok := p.progress[p.current]; ok {
		mp.Completed = existing.Completed
	}
	mp.TimeSpentSeconds = p.liveSecondsLocked()
	mp.MessageCount = p.liveMessages
	return mp
}

func (p *Progression) snapshotLocked() {
	mp := p.snapshotValue()
	p.progress[mp.ModuleID] = &mp
}

// enterLocked makes moduleID current, restoring its live counters from its
// own snapshot (zero when it has none) and restarting the clock.
func (p *Progression) enterLocked(moduleID int) {
	p.current = moduleID
	p.baseSeconds, p.liveMessages = 0, 0
	if mp, ok := p.progress[moduleID]; ok {
		p.baseSeconds = mp.TimeSpentSeconds
		p.liveMessages = mp.MessageCount
	}
	p.clockStart = p.now()
}

func (p *Progression) liveSecondsLocked() int {
	elapsed := p.now().Sub(p.clockStart)
	if elapsed < 0 {
		elapsed = 0
	}
	return p.baseSeconds + int(elapsed/time.Second)
}

func (p *Progression) inCurriculum(moduleID int) bool {
	if len(p.order) == 0 {
		return moduleID == firstModuleID
	}
	for _, id := range p.order {
		if id == moduleID {
			return true
		}
	}
	return false
}

func (p *Progression) nextLocked(moduleID int) (int, bool) {
	for i, id := range p.order {
		if id == moduleID && i+1 < len(p.order) {
			return p.order[i+1], true
		}
	}
	return 0, false
}
