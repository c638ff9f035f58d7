package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"companion-backend/internal/models"
	"companion-backend/internal/services"
)

// Speech commands sent to the browser.
const (
	CommandRecognitionStart  = "recognition.start"
	CommandRecognitionStop   = "recognition.stop"
	CommandSpeak             = "speak"
	CommandPause             = "pause"
	CommandResume            = "resume"
	CommandCancel            = "cancel"
	CommandMicrophoneAcquire = "microphone.acquire"
)

var errMicrophoneDenied = errors.New("microphone permission denied by client")

// Publisher sends an event to a user's connections.
type Publisher interface {
	Publish(userID uuid.UUID, msg models.WSMessage)
}

// RemoteDevice drives the browser's microphone, recognizer and speech
// synthesis over the websocket.
type RemoteDevice struct {
	userID    uuid.UUID
	liveID    string
	publisher Publisher
	registry  *DeviceRegistry

	mu      sync.Mutex
	voices  []services.Voice
	pending chan error
}

func (d *RemoteDevice) send(cmd models.SpeechCommand) {
	cmd.LiveID = d.liveID
	d.publisher.Publish(d.userID, models.WSMessage{Type: models.EventSpeechCommand, Payload: cmd})
}

func (d *RemoteDevice) Start() error {
	d.send(models.SpeechCommand{Command: CommandRecognitionStart})
	return nil
}

func (d *RemoteDevice) Stop() {
	d.send(models.SpeechCommand{Command: CommandRecognitionStop})
}

func (d *RemoteDevice) Voices() []services.Voice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]services.Voice(nil), d.voices...)
}

func (d *RemoteDevice) Speak(u services.Utterance) error {
	d.send(models.SpeechCommand{
		Command:     CommandSpeak,
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Lang:        u.Lang,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
	})
	return nil
}

func (d *RemoteDevice) Pause()  { d.send(models.SpeechCommand{Command: CommandPause}) }
func (d *RemoteDevice) Resume() { d.send(models.SpeechCommand{Command: CommandResume}) }
func (d *RemoteDevice) Cancel() { d.send(models.SpeechCommand{Command: CommandCancel}) }

// Acquire asks the browser for microphone access and waits for its answer.
func (d *RemoteDevice) Acquire(ctx context.Context) error {
	ch := make(chan error, 1)
	d.mu.Lock()
	if d.pending != nil {
		close(d.pending)
	}
	d.pending = ch
	d.mu.Unlock()

	d.send(models.SpeechCommand{Command: CommandMicrophoneAcquire})

	select {
	case err, ok := <-ch:
		if !ok {
			return errors.New("microphone request superseded")
		}
		return err
	case <-ctx.Done():
		d.mu.Lock()
		if d.pending == ch {
			d.pending = nil
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

// resolveMicrophone answers a pending Acquire.
func (d *RemoteDevice) resolveMicrophone(err error) {
	d.mu.Lock()
	ch := d.pending
	d.pending = nil
	d.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (d *RemoteDevice) setVoices(voices []services.Voice) {
	d.mu.Lock()
	d.voices = voices
	d.mu.Unlock()
}

// Release forgets the device once its session is gone.
func (d *RemoteDevice) Release() {
	d.resolveMicrophone(context.Canceled)
	d.registry.remove(d.liveID)
}

// DeviceRegistry creates remote devices and routes client events to the
// device and the live session they belong to.
type DeviceRegistry struct {
	publisher Publisher

	mu      sync.RWMutex
	devices map[string]*RemoteDevice

	sessions *services.Registry
}

func NewDeviceRegistry(publisher Publisher) *DeviceRegistry {
	return &DeviceRegistry{
		publisher: publisher,
		devices:   make(map[string]*RemoteDevice),
	}
}

// Bind sets the live session registry events are routed to.
func (r *DeviceRegistry) Bind(sessions *services.Registry) {
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
}

// NewDevice is a services.DeviceFactory.
func (r *DeviceRegistry) NewDevice(userID uuid.UUID, liveID string) services.SpeechDevice {
	d := &RemoteDevice{
		userID:    userID,
		liveID:    liveID,
		publisher: r.publisher,
		registry:  r,
	}
	r.mu.Lock()
	r.devices[liveID] = d
	r.mu.Unlock()
	return d
}

func (r *DeviceRegistry) device(userID uuid.UUID, liveID string) *RemoteDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[liveID]
	if !ok || d.userID != userID {
		return nil
	}
	return d
}

func (r *DeviceRegistry) remove(liveID string) {
	r.mu.Lock()
	delete(r.devices, liveID)
	r.mu.Unlock()
}

// HandleClientEvent implements EventHandler.
func (r *DeviceRegistry) HandleClientEvent(userID uuid.UUID, ev models.ClientEvent) {
	dev := r.device(userID, ev.LiveID)
	if dev == nil {
		log.Printf("WebSocket: event %s for unknown session %s", ev.Type, ev.LiveID)
		return
	}

	var voices []services.Voice
	switch ev.Type {
	case models.EventMicrophoneGranted:
		dev.resolveMicrophone(nil)
		return
	case models.EventMicrophoneDenied:
		dev.resolveMicrophone(errMicrophoneDenied)
		return
	case models.EventVoices:
		var p []models.VoicePayload
		if !decode(ev, &p) {
			return
		}
		voices = make([]services.Voice, 0, len(p))
		for _, v := range p {
			voices = append(voices, services.Voice{Name: v.Name, Lang: v.Lang, Default: v.Default})
		}
		dev.setVoices(voices)
	}

	r.mu.RLock()
	sessions := r.sessions
	r.mu.RUnlock()
	if sessions == nil {
		return
	}
	m, err := sessions.Get(userID, ev.LiveID)
	if err != nil {
		log.Printf("WebSocket: event %s dropped: %v", ev.Type, err)
		return
	}
	speech := m.Speech()

	switch ev.Type {
	case models.EventRecognitionResult:
		var p models.RecognitionResultPayload
		if decode(ev, &p) {
			speech.HandleRecognitionResult(p.Text, p.Final)
		}
	case models.EventRecognitionError:
		var p models.RecognitionErrorPayload
		if decode(ev, &p) {
			speech.HandleRecognitionError(p.Kind)
		}
	case models.EventRecognitionEnd:
		speech.HandleRecognitionEnd()
	case models.EventSynthesisStart:
		var p models.SynthesisPayload
		if decode(ev, &p) {
			speech.HandleSynthesisStart(p.UtteranceID)
		}
	case models.EventSynthesisEnd:
		var p models.SynthesisPayload
		if decode(ev, &p) {
			speech.HandleSynthesisEnd(p.UtteranceID)
		}
	case models.EventSynthesisError:
		var p models.SynthesisPayload
		if decode(ev, &p) {
			speech.HandleSynthesisError(p.UtteranceID, p.Error)
		}
	case models.EventVoices:
		speech.SetVoices(voices)
	default:
		log.Printf("WebSocket: unknown event type %q", ev.Type)
	}
}

func decode(ev models.ClientEvent, out interface{}) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		log.Printf("WebSocket: bad %s payload: %v", ev.Type, err)
		return false
	}
	return true
}
