package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion-backend/internal/models"
	"companion-backend/internal/repository"
)

const (
	tickInterval = time.Second
	endGrace     = 5 * time.Second
)

// Persister is the write-through queue for session documents.
type Persister interface {
	Enqueue(sessionID string, fields map[string]any)
	Flush(ctx context.Context, sessionID string) error
}

// EventPublisher delivers engine events to the user's connected clients.
type EventPublisher interface {
	Publish(userID uuid.UUID, msg models.WSMessage)
}

type ManagerDeps struct {
	LiveID    string
	Sessions  *repository.SessionRepo
	Progress  *repository.ProgressRepo
	Pipeline  *Pipeline
	Persister Persister
	Publisher EventPublisher
	Device    SpeechDevice
	Speech    SpeechOptions
	Now       func() time.Time
	Tick      time.Duration
	EndGrace  time.Duration
}

// SessionView is the read model returned by the HTTP API.
type SessionView struct {
	LiveID            string           `json:"live_id"`
	SessionID         string           `json:"session_id"`
	CompanionID       string           `json:"companion_id"`
	ModuleID          int              `json:"module_id"`
	Active            bool             `json:"active"`
	DurationSeconds   int              `json:"duration_seconds"`
	SpeechState       string           `json:"speech_state"`
	Mode              string           `json:"mode"`
	SpeakingMessageID string           `json:"speaking_message_id,omitempty"`
	TimeSpent         int              `json:"time_spent_seconds"`
	MessageCount      int              `json:"message_count"`
	CanComplete       bool             `json:"can_complete"`
	Modules           []ModuleView     `json:"modules"`
	Transcript        []models.Message `json:"transcript"`
}

type ModuleView struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
	MessageCount     int    `json:"message_count"`
}

// Manager runs one live learning session for a (user, companion). It owns
// the transcript, the progression machine and the speech coordinator.
type Manager struct {
	liveID    string
	userID    uuid.UUID
	companion *models.Companion

	sessions  *repository.SessionRepo
	progress  *repository.ProgressRepo
	pipeline  *Pipeline
	persister Persister
	publisher EventPublisher
	now       func() time.Time
	tick      time.Duration
	endGrace  time.Duration

	speech      *SpeechCoordinator
	progression *Progression

	// serializes start/switch/complete/end
	opMu sync.Mutex

	mu         sync.Mutex
	active     bool
	ended      bool
	switching  bool
	session    *models.Session
	transcript []models.Message
	duration   int
	progressID string
	stopTick   chan struct{}
	lastActive time.Time

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup
}

func NewManager(userID uuid.UUID, companion *models.Companion, deps ManagerDeps) *Manager {
	if deps.LiveID == "" {
		deps.LiveID = uuid.NewString()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tick <= 0 {
		deps.Tick = tickInterval
	}
	if deps.EndGrace <= 0 {
		deps.EndGrace = endGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		liveID:    deps.LiveID,
		userID:    userID,
		companion: companion,
		sessions:  deps.Sessions,
		progress:  deps.Progress,
		pipeline:  deps.Pipeline,
		persister: deps.Persister,
		publisher: deps.Publisher,
		now:       deps.Now,
		tick:      deps.Tick,
		endGrace:  deps.EndGrace,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.speech = NewSpeechCoordinator(deps.Device, m, deps.Speech)
	return m
}

func (m *Manager) LiveID() string { return m.liveID }
func (m *Manager) UserID() uuid.UUID { return m.userID }
func (m *Manager) Companion() *models.Companion { return m.companion }
func (m *Manager) Speech() *SpeechCoordinator { return m.speech }

// LastActive is when the session last started or gained a message.
func (m *Manager) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}

func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start opens the session for moduleID, resuming the stored one if the
// user has been there before.
func (m *Manager) Start(ctx context.Context, moduleID int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrSessionActive
	}
	if m.ended {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.mu.Unlock()

	if _, ok := m.companion.Module(moduleID); !ok {
		return fmt.Errorf("%w: %d", ErrModuleNotFound, moduleID)
	}

	if m.progression == nil {
		stored, err := m.progress.Get(ctx, m.userID, m.companion.ID)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		var modules []models.ModuleProgress
		if stored != nil {
			m.progressID = stored.ID
			modules = stored.Modules
		}
		prog := NewProgression(m.companion.Curriculum, modules, m.now)
		m.mu.Lock()
		m.progression = prog
		m.mu.Unlock()
	}

	if !m.progression.Begin(moduleID) {
		return fmt.Errorf("%w: %d", ErrModuleLocked, moduleID)
	}

	if err := m.openSession(ctx, moduleID); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = true
	m.lastActive = m.now()
	m.stopTick = make(chan struct{})
	go m.runClock(m.stopTick)
	m.mu.Unlock()

	m.publishProgress()
	return nil
}

// openSession resumes or creates the session document for moduleID and
// makes it the in-memory session.
func (m *Manager) openSession(ctx context.Context, moduleID int) error {
	now := m.now().UTC()

	existing, err := m.sessions.FindByModule(ctx, m.userID, m.companion.ID, moduleID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}

	if existing != nil {
		existing.LastAccessedAt = now
		if err := m.sessions.Touch(ctx, existing.ID, now); err != nil {
			log.Printf("Failed to refresh session %s: %v", existing.ID, err)
		}
	} else {
		existing = &models.Session{
			UserID:         m.userID,
			CompanionID:    m.companion.ID,
			CompanionName:  m.companion.Name,
			ModuleID:       moduleID,
			StartedAt:      now,
			LastAccessedAt: now,
		}
		if err := m.sessions.Create(ctx, existing); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	m.mu.Lock()
	m.session = existing
	m.transcript = append([]models.Message(nil), existing.Transcript...)
	m.duration = existing.DurationSeconds
	m.mu.Unlock()
	return nil
}

func (m *Manager) runClock(stop chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.active {
				m.duration++
			}
			m.mu.Unlock()
		}
	}
}

// AppendMessage adds a message to the transcript and schedules a full
// transcript write. User messages count toward the current module.
func (m *Manager) AppendMessage(role, text string) (string, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return "", ErrSessionNotActive
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: m.now().UTC(),
	}
	m.transcript = append(m.transcript, msg)
	m.lastActive = m.now()
	m.persistLocked(nil)
	m.mu.Unlock()

	if role == models.RoleUser {
		m.progression.RecordUserMessage()
	}
	m.publish(models.EventMessageAppended, models.MessageEvent{LiveID: m.liveID, Message: msg})
	return msg.ID, nil
}

// UpdateMessage replaces a message's text in place. Unknown ids are ignored.
func (m *Manager) UpdateMessage(messageID, text string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	idx := m.indexLocked(messageID)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.transcript[idx].Text = text
	msg := m.transcript[idx]
	m.persistLocked(nil)
	m.mu.Unlock()

	m.publish(models.EventMessageUpdated, models.MessageEvent{LiveID: m.liveID, Message: msg})
}

// Send handles typed input. The assistant reply streams into a placeholder
// appended right after the user message.
func (m *Manager) Send(text string) (userMsgID, replyID string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", ErrEmptyMessage
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return "", "", ErrSessionNotActive
	}
	if m.switching {
		m.mu.Unlock()
		return "", "", ErrBusy
	}
	m.mu.Unlock()

	if !m.speech.BeginGeneration() {
		return "", "", ErrBusy
	}
	return m.startTurn(text)
}

// startTurn runs one user turn. The coordinator must already be Generating;
// it is released again when the turn is refused.
func (m *Manager) startTurn(text string) (string, string, error) {
	m.mu.Lock()
	if err := m.admitTurnLocked(); err != nil {
		m.mu.Unlock()
		m.speech.FinishGeneration("", "")
		return "", "", err
	}
	history := chatHistory(m.transcript)
	m.mu.Unlock()

	userMsgID, err := m.AppendMessage(models.RoleUser, text)
	if err != nil {
		m.turns.Done()
		m.speech.FinishGeneration("", "")
		return "", "", err
	}
	replyID, err := m.AppendMessage(models.RoleAssistant, "")
	if err != nil {
		m.turns.Done()
		m.speech.FinishGeneration("", "")
		return "", "", err
	}

	m.runCompletion(replyID, CompletionInput{
		Companion: m.companion,
		Module:    m.currentModule(),
		UserText:  text,
		History:   history,
	})
	return userMsgID, replyID, nil
}

// admitTurnLocked registers a turn on m.turns. Module changes and End close
// the gate under m.mu before they wait, so no turn is added behind a Wait.
func (m *Manager) admitTurnLocked() error {
	if !m.active {
		return ErrSessionNotActive
	}
	if m.switching {
		return ErrBusy
	}
	m.turns.Add(1)
	return nil
}

// runCompletion streams a reply into slot. The turn must already be admitted.
func (m *Manager) runCompletion(slot string, in CompletionInput) {
	go func() {
		defer m.turns.Done()
		final, delivered := m.pipeline.Run(m.ctx, slot, in, func(text string, final bool) {
			m.UpdateMessage(slot, text)
		})
		if delivered {
			m.speech.FinishGeneration(slot, final)
		}
	}()
}

// Regenerate replaces an assistant message with a fresh reply to the user
// message right before it. Without such a user message it does nothing.
func (m *Manager) Regenerate(messageID string) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	idx := m.indexLocked(messageID)
	if idx < 0 {
		m.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.transcript[idx].Role != models.RoleAssistant {
		m.mu.Unlock()
		return ErrNotAssistant
	}
	if idx == 0 || m.transcript[idx-1].Role != models.RoleUser {
		m.mu.Unlock()
		return nil
	}
	userText := m.transcript[idx-1].Text
	history := chatHistory(m.transcript[:idx-1])
	m.mu.Unlock()

	if !m.speech.BeginGeneration() {
		return ErrBusy
	}
	m.mu.Lock()
	if err := m.admitTurnLocked(); err != nil {
		m.mu.Unlock()
		m.speech.FinishGeneration("", "")
		return err
	}
	// A module change may have swapped the transcript since the lookup.
	if m.indexLocked(messageID) < 0 {
		m.mu.Unlock()
		m.turns.Done()
		m.speech.FinishGeneration("", "")
		return ErrMessageNotFound
	}
	m.mu.Unlock()

	m.UpdateMessage(messageID, "")
	m.runCompletion(messageID, CompletionInput{
		Companion: m.companion,
		Module:    m.currentModule(),
		UserText:  userText,
		History:   history,
	})
	return nil
}

// SwitchModule moves the session to another unlocked module.
func (m *Manager) SwitchModule(ctx context.Context, moduleID int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.Active() {
		return ErrSessionNotActive
	}
	if _, ok := m.companion.Module(moduleID); !ok {
		return fmt.Errorf("%w: %d", ErrModuleNotFound, moduleID)
	}
	if moduleID == m.progression.CurrentModuleID() {
		return nil
	}
	if !m.progression.IsUnlocked(moduleID) && !m.unlockedAfterSnapshot(moduleID) {
		return fmt.Errorf("%w: %d", ErrModuleLocked, moduleID)
	}

	m.setSwitching(true)
	defer m.setSwitching(false)

	m.turns.Wait()
	m.speech.Stop()

	if !m.progression.SwitchTo(moduleID) {
		return fmt.Errorf("%w: %d", ErrModuleLocked, moduleID)
	}
	if err := m.handOver(ctx, moduleID); err != nil {
		return err
	}
	m.publishProgress()
	return nil
}

// unlockedAfterSnapshot reports whether moduleID would be unlocked once the
// current module's live counters are snapshotted.
func (m *Manager) unlockedAfterSnapshot(moduleID int) bool {
	if moduleID-1 != m.progression.CurrentModuleID() {
		return false
	}
	secs, msgs := m.progression.LiveCounters()
	return secs >= UnlockTimeSeconds && msgs >= UnlockMessageCount
}

// CompleteModule marks the current module completed and moves to the next
// one when it exists. It returns the module that is current afterwards.
func (m *Manager) CompleteModule(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.Active() {
		return 0, ErrSessionNotActive
	}

	m.setSwitching(true)
	defer m.setSwitching(false)

	m.turns.Wait()

	current := m.progression.CurrentModuleID()
	m.progression.Complete(current)
	next := m.progression.CurrentModuleID()

	if next != current {
		m.speech.Stop()
		if err := m.handOver(ctx, next); err != nil {
			return current, err
		}
	} else {
		m.saveProgress(ctx)
	}
	m.publishProgress()
	return next, nil
}

// handOver persists the outgoing session and progress, then opens the
// session for moduleID.
func (m *Manager) handOver(ctx context.Context, moduleID int) error {
	m.mu.Lock()
	outgoing := m.session.ID
	m.persistLocked(nil)
	m.mu.Unlock()

	if err := m.persister.Flush(ctx, outgoing); err != nil {
		log.Printf("Failed to flush session %s: %v", outgoing, err)
	}
	m.saveProgress(ctx)
	return m.openSession(ctx, moduleID)
}

// End stops speech, lets in-flight replies finish (cancelling them after a
// grace period) and writes the final state of the session.
func (m *Manager) End(ctx context.Context) (*models.SessionEndedEvent, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.Active() {
		return nil, ErrSessionNotActive
	}

	m.setSwitching(true)
	m.speech.Shutdown()
	if !waitTimeout(&m.turns, m.endGrace) {
		m.pipeline.CancelAll()
		m.turns.Wait()
	}
	m.pipeline.CancelAll()
	m.cancel()

	topic := m.companion.Topic
	m.mu.Lock()
	for i := range m.transcript {
		if m.transcript[i].Role == models.RoleAssistant && m.transcript[i].Text == "" {
			m.transcript[i].Text = TopicFallback(topic)
		}
	}
	m.progression.SnapshotCurrent()
	endedAt := m.now().UTC()
	m.persistLocked(map[string]any{"ended_at": endedAt})
	m.active = false
	m.ended = true
	m.switching = false
	close(m.stopTick)
	sessionID := m.session.ID
	ev := &models.SessionEndedEvent{
		LiveID:          m.liveID,
		SessionID:       sessionID,
		DurationSeconds: m.duration,
		Redirect:        "/companions/" + m.companion.ID,
	}
	m.session.EndedAt = &endedAt
	m.mu.Unlock()

	if err := m.persister.Flush(ctx, sessionID); err != nil {
		log.Printf("Failed to flush session %s: %v", sessionID, err)
	}
	m.saveProgress(ctx)

	m.publish(models.EventSessionEnded, *ev)
	return ev, nil
}

// Copy returns a message's text verbatim.
func (m *Manager) Copy(messageID string) (models.CopyResponse, error) {
	msg, err := m.message(messageID)
	if err != nil {
		return models.CopyResponse{}, err
	}
	return models.CopyResponse{MessageID: msg.ID, Text: msg.Text}, nil
}

func (m *Manager) ReadAloud(messageID string) error {
	msg, err := m.message(messageID)
	if err != nil {
		return err
	}
	return m.speech.ReadAloud(msg.ID, msg.Text)
}

func (m *Manager) StopSpeech() {
	m.speech.Stop()
}

func (m *Manager) StartAudio(ctx context.Context) error {
	if !m.Active() {
		return ErrSessionNotActive
	}
	return m.speech.StartAudio(ctx)
}

func (m *Manager) StopAudio() {
	m.speech.StopAudio()
}

// CanComplete reports whether the current module's live counters meet the
// completion threshold.
func (m *Manager) CanComplete() bool {
	m.mu.Lock()
	prog := m.progression
	m.mu.Unlock()
	if prog == nil {
		return false
	}
	return prog.CanComplete()
}

// Transcript returns a copy of the in-memory transcript.
func (m *Manager) Transcript() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.transcript...)
}

// Wait blocks until every in-flight reply has been delivered.
func (m *Manager) Wait() {
	m.turns.Wait()
}

func (m *Manager) View() SessionView {
	m.mu.Lock()
	v := SessionView{
		LiveID:          m.liveID,
		CompanionID:     m.companion.ID,
		Active:          m.active,
		DurationSeconds: m.duration,
		Transcript:      append([]models.Message{}, m.transcript...),
	}
	if m.session != nil {
		v.SessionID = m.session.ID
	}
	prog := m.progression
	m.mu.Unlock()

	v.SpeechState = m.speech.State().String()
	v.Mode = m.speech.Mode().String()
	v.SpeakingMessageID = m.speech.SpeakingMessageID()

	if prog == nil {
		return v
	}
	v.ModuleID = prog.CurrentModuleID()
	v.TimeSpent, v.MessageCount = prog.LiveCounters()
	v.CanComplete = prog.CanComplete()

	stored := make(map[int]models.ModuleProgress)
	for _, mp := range prog.Snapshot() {
		stored[mp.ModuleID] = mp
	}
	for _, cm := range m.companion.Curriculum {
		mv := ModuleView{ID: cm.ID, Title: cm.Title, Status: prog.Status(cm.ID).String()}
		if mp, ok := stored[cm.ID]; ok {
			mv.TimeSpentSeconds = mp.TimeSpentSeconds
			mv.MessageCount = mp.MessageCount
		}
		v.Modules = append(v.Modules, mv)
	}
	return v
}

// SpeechStateChanged, SpeechNotice and UtteranceRecognized make the Manager
// the coordinator's listener.

func (m *Manager) SpeechStateChanged(state SpeechState, mode InputMode) {
	m.publish(models.EventSpeechState, models.SpeechStateEvent{
		LiveID: m.liveID,
		State:  state.String(),
		Mode:   mode.String(),
	})
}

func (m *Manager) SpeechNotice(level, message string, blocking bool) {
	m.publish(models.EventNotice, models.NoticeEvent{
		LiveID:   m.liveID,
		Level:    level,
		Message:  message,
		Blocking: blocking,
	})
}

func (m *Manager) UtteranceRecognized(text string) {
	_, _, err := m.startTurn(text)
	if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrSessionNotActive) {
		log.Printf("Failed to start spoken turn: %v", err)
	}
}

func (m *Manager) persistLocked(extra map[string]any) {
	if m.session == nil {
		return
	}
	fields := map[string]any{
		"transcript":       append([]models.Message{}, m.transcript...),
		"duration_seconds": m.duration,
		"last_accessed_at": m.now().UTC(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.persister.Enqueue(m.session.ID, fields)
}

func (m *Manager) saveProgress(ctx context.Context) {
	p := &models.Progress{
		ID:          m.progressID,
		UserID:      m.userID,
		CompanionID: m.companion.ID,
		Modules:     m.progression.Snapshot(),
	}
	if err := m.progress.Save(ctx, p); err != nil {
		log.Printf("Failed to save progress for companion %s: %v", m.companion.ID, err)
		return
	}
	m.progressID = p.ID
}

func (m *Manager) publishProgress() {
	secs, msgs := m.progression.LiveCounters()
	m.publish(models.EventModuleProgress, models.ModuleProgressEvent{
		LiveID:          m.liveID,
		CurrentModuleID: m.progression.CurrentModuleID(),
		TimeSpent:       secs,
		MessageCount:    msgs,
		Modules:         m.progression.Snapshot(),
	})
}

func (m *Manager) publish(eventType string, payload interface{}) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(m.userID, models.WSMessage{Type: eventType, Payload: payload})
}

func (m *Manager) setSwitching(v bool) {
	m.mu.Lock()
	m.switching = v
	m.mu.Unlock()
}

func (m *Manager) currentModule() *models.CurriculumModule {
	if m.progression == nil {
		return nil
	}
	cm, ok := m.companion.Module(m.progression.CurrentModuleID())
	if !ok {
		return nil
	}
	return &cm
}

func (m *Manager) message(messageID string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(messageID)
	if idx < 0 {
		return models.Message{}, ErrMessageNotFound
	}
	return m.transcript[idx], nil
}

func (m *Manager) indexLocked(messageID string) int {
	for i := range m.transcript {
		if m.transcript[i].ID == messageID {
			return i
		}
	}
	return -1
}

func chatHistory(transcript []models.Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(transcript))
	for _, msg := range transcript {
		if msg.Text == "" {
			continue
		}
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Text})
	}
	return out
}

// waitTimeout reports whether wg finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
