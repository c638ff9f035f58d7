package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion-backend/internal/models"
)

const audioAcquireTimeout = 30 * time.Second

// DeviceFactory returns the speech device for a live session, or nil when
// the session runs without one.
type DeviceFactory func(userID uuid.UUID, liveID string) SpeechDevice

// Releaser is implemented by devices that hold resources beyond the
// session's lifetime.
type Releaser interface {
	Release()
}

// Registry holds the running session managers keyed by live id.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]*Manager
	devices map[string]SpeechDevice

	companions *CompanionService
	deps       ManagerDeps
	newDevice  DeviceFactory
}

// NewRegistry builds managers from deps; Device and LiveID are filled in
// per session.
func NewRegistry(companions *CompanionService, deps ManagerDeps, devices DeviceFactory) *Registry {
	return &Registry{
		live:       make(map[string]*Manager),
		devices:    make(map[string]SpeechDevice),
		companions: companions,
		deps:       deps,
		newDevice:  devices,
	}
}

// Open starts a live session. A live session the user already runs for the
// same companion is ended first.
func (r *Registry) Open(ctx context.Context, userID uuid.UUID, req models.StartSessionRequest) (*Manager, error) {
	companion, err := r.companions.Get(ctx, req.CompanionID)
	if err != nil {
		return nil, err
	}

	for _, prev := range r.forCompanion(userID, companion.ID) {
		if _, err := prev.End(ctx); err != nil && !errors.Is(err, ErrSessionNotActive) {
			log.Printf("Failed to end previous session %s: %v", prev.LiveID(), err)
		}
		r.remove(prev.LiveID())
	}

	deps := r.deps
	deps.LiveID = uuid.NewString()
	if r.newDevice != nil {
		deps.Device = r.newDevice(userID, deps.LiveID)
	}

	moduleID := req.ModuleID
	if moduleID == 0 {
		moduleID = firstModuleID
	}

	m := NewManager(userID, companion, deps)
	if err := m.Start(ctx, moduleID); err != nil {
		release(deps.Device)
		return nil, err
	}

	r.mu.Lock()
	r.live[m.LiveID()] = m
	if deps.Device != nil {
		r.devices[m.LiveID()] = deps.Device
	}
	r.mu.Unlock()

	if ParseInputMode(req.Mode) == ModeAudio {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), audioAcquireTimeout)
			defer cancel()
			if err := m.StartAudio(actx); err != nil {
				log.Printf("Audio mode unavailable for session %s: %v", m.LiveID(), err)
			}
		}()
	}
	return m, nil
}

// Get returns the live session if it belongs to userID.
func (r *Registry) Get(userID uuid.UUID, liveID string) (*Manager, error) {
	r.mu.RLock()
	m, ok := r.live[liveID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.UserID() != userID {
		return nil, ErrForbidden
	}
	return m, nil
}

// End ends a live session and forgets it.
func (r *Registry) End(ctx context.Context, userID uuid.UUID, liveID string) (*models.SessionEndedEvent, error) {
	m, err := r.Get(userID, liveID)
	if err != nil {
		return nil, err
	}
	ev, err := m.End(ctx)
	r.remove(liveID)
	return ev, err
}

// CloseAll ends every live session. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.live))
	for _, m := range r.live {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		if _, err := m.End(ctx); err != nil && !errors.Is(err, ErrSessionNotActive) {
			log.Printf("Failed to end session %s: %v", m.LiveID(), err)
		}
		r.remove(m.LiveID())
	}
}

// EndIdle ends every live session whose last activity is before cutoff and
// returns how many were ended.
func (r *Registry) EndIdle(ctx context.Context, cutoff time.Time) int {
	r.mu.RLock()
	var idle []*Manager
	for _, m := range r.live {
		if m.LastActive().Before(cutoff) {
			idle = append(idle, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range idle {
		if _, err := m.End(ctx); err != nil && !errors.Is(err, ErrSessionNotActive) {
			log.Printf("Failed to end idle session %s: %v", m.LiveID(), err)
		}
		r.remove(m.LiveID())
	}
	return len(idle)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) forCompanion(userID uuid.UUID, companionID string) []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Manager
	for _, m := range r.live {
		if m.UserID() == userID && m.Companion().ID == companionID {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) remove(liveID string) {
	r.mu.Lock()
	dev := r.devices[liveID]
	delete(r.live, liveID)
	delete(r.devices, liveID)
	r.mu.Unlock()
	release(dev)
}

func release(dev SpeechDevice) {
	if rel, ok := dev.(Releaser); ok {
		rel.Release()
	}
}
