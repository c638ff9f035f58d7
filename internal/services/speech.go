package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SpeechState int

const (
	SpeechIdle SpeechState = iota
	SpeechListening
	SpeechGenerating
	SpeechSpeaking
)

func (s SpeechState) String() string {
	switch s {
	case SpeechIdle:
		return "idle"
	case SpeechListening:
		return "listening"
	case SpeechGenerating:
		return "generating"
	case SpeechSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

type InputMode int

const (
	ModeText InputMode = iota
	ModeAudio
)

func (m InputMode) String() string {
	if m == ModeAudio {
		return "audio"
	}
	return "text"
}

func ParseInputMode(s string) InputMode {
	if strings.EqualFold(s, "audio") {
		return ModeAudio
	}
	return ModeText
}

// Recognition error kinds reported by the device.
const (
	RecognitionNoSpeech   = "no-speech"
	RecognitionAborted    = "aborted"
	RecognitionNotAllowed = "not-allowed"
	RecognitionDenied     = "permission-denied"
)

const (
	NoticeToast = "toast"
	NoticeAlert = "alert"
)

const (
	noticePleaseWait       = "AI is responding... Please wait!"
	noticeMicrophoneDenied = "Microphone access denied. Please enable microphone permissions."
)

const (
	DefaultSpeechRate  = 1.15
	DefaultSpeechPitch = 1.0
	DefaultCooldown    = 3 * time.Second
)

type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default"`
}

type Utterance struct {
	ID    string
	Text  string
	Voice string
	Lang  string
	Rate  float64
	Pitch float64
}

// Recognizer is the speech recognition capability.
type Recognizer interface {
	Start() error
	Stop()
}

// Synthesizer is the speech synthesis capability. Utterance lifecycle
// events come back through the coordinator's HandleSynthesis* methods.
type Synthesizer interface {
	Voices() []Voice
	Speak(u Utterance) error
	Pause()
	Resume()
	Cancel()
}

type Microphone interface {
	Acquire(ctx context.Context) error
}

// SpeechDevice bundles the capabilities of one connected client.
type SpeechDevice interface {
	Recognizer
	Synthesizer
	Microphone
}

// SpeechListener receives coordinator output. It is always called without
// the coordinator lock held.
type SpeechListener interface {
	SpeechStateChanged(state SpeechState, mode InputMode)
	SpeechNotice(level, message string, blocking bool)
	UtteranceRecognized(text string)
}

type SpeechOptions struct {
	Lang     string
	Rate     float64
	Pitch    float64
	Cooldown time.Duration
}

// SpeechCoordinator owns the single authoritative speech state and is the
// only component that touches the microphone and the audio output.
type SpeechCoordinator struct {
	mu       sync.Mutex
	device   SpeechDevice
	listener SpeechListener
	opts     SpeechOptions

	state SpeechState
	mode  InputMode
	voice string

	recognizing     bool // recognition is running on the device
	resumeListening bool // recognition was active before generation/speech began

	utteranceID       string
	speakingMessageID string
	paused            bool

	cooldown    *time.Timer
	cooldownGen int
	closed      bool
}

func NewSpeechCoordinator(device SpeechDevice, listener SpeechListener, opts SpeechOptions) *SpeechCoordinator {
	if opts.Lang == "" {
		opts.Lang = "en-US"
	}
	if opts.Rate == 0 {
		opts.Rate = DefaultSpeechRate
	}
	if opts.Pitch == 0 {
		opts.Pitch = DefaultSpeechPitch
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = DefaultCooldown
	}
	c := &SpeechCoordinator{
		device:   device,
		listener: listener,
		opts:     opts,
	}
	if device != nil {
		c.voice = SelectVoice(device.Voices(), opts.Lang).Name
	}
	return c
}

func (c *SpeechCoordinator) State() SpeechState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SpeechCoordinator) Mode() InputMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *SpeechCoordinator) SpeakingMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakingMessageID
}

func (c *SpeechCoordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetMode changes the input mode without touching the microphone.
func (c *SpeechCoordinator) SetMode(mode InputMode) {
	c.mu.Lock()
	c.mode = mode
	state := c.state
	c.mu.Unlock()
	c.emitState(state, mode)
}

// SetVoices re-runs voice selection against a fresh voice list.
func (c *SpeechCoordinator) SetVoices(voices []Voice) {
	name := SelectVoice(voices, c.opts.Lang).Name
	c.mu.Lock()
	c.voice = name
	c.mu.Unlock()
}

// StartAudio switches to audio mode and arms recognition. A microphone
// failure forces text mode and raises a blocking alert.
func (c *SpeechCoordinator) StartAudio(ctx context.Context) error {
	if c.device == nil {
		return fmt.Errorf("%w: no speech device connected", ErrMicrophoneDenied)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionNotActive
	}
	if c.mode == ModeAudio && c.recognizing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.device.Acquire(ctx); err != nil {
		c.mu.Lock()
		c.mode = ModeText
		state := c.state
		c.mu.Unlock()
		c.notice(NoticeAlert, noticeMicrophoneDenied, true)
		c.emitState(state, ModeText)
		return fmt.Errorf("%w: %v", ErrMicrophoneDenied, err)
	}

	c.mu.Lock()
	c.mode = ModeAudio
	startNow := c.state == SpeechIdle || c.state == SpeechListening
	if !startNow {
		// re-armed when the current turn finishes
		c.resumeListening = true
	}
	c.mu.Unlock()

	if startNow {
		if err := c.device.Start(); err != nil {
			c.notice(NoticeToast, "Speech recognition could not start: "+err.Error(), false)
			c.mu.Lock()
			state, mode := c.state, c.mode
			c.mu.Unlock()
			c.emitState(state, mode)
			return nil
		}
		c.mu.Lock()
		c.recognizing = true
		if c.state == SpeechIdle {
			c.state = SpeechListening
		}
		state, mode := c.state, c.mode
		c.mu.Unlock()
		c.emitState(state, mode)
		return nil
	}

	c.mu.Lock()
	state, mode := c.state, c.mode
	c.mu.Unlock()
	c.emitState(state, mode)
	return nil
}

// StopAudio returns to text mode and stops recognition.
func (c *SpeechCoordinator) StopAudio() {
	c.mu.Lock()
	c.mode = ModeText
	c.resumeListening = false
	stopRec := c.recognizing
	c.recognizing = false
	c.stopCooldownLocked()
	// a cooldown with nothing left to say
	inCooldown := c.state == SpeechSpeaking && c.utteranceID == ""
	if c.state == SpeechListening || inCooldown {
		c.state = SpeechIdle
	}
	state := c.state
	c.mu.Unlock()

	if stopRec && c.device != nil {
		c.device.Stop()
	}
	c.emitState(state, ModeText)
}

// HandleRecognitionResult applies the anti-echo guard: finalized results
// arriving while generating or speaking are discarded with a notice.
func (c *SpeechCoordinator) HandleRecognitionResult(text string, final bool) {
	if !final {
		return
	}
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case SpeechGenerating, SpeechSpeaking:
		c.mu.Unlock()
		c.notice(NoticeToast, noticePleaseWait, false)
		return
	case SpeechIdle:
		c.mu.Unlock()
		return
	}
	if text == "" {
		c.mu.Unlock()
		return
	}
	c.state = SpeechGenerating
	c.resumeListening = c.recognizing
	mode := c.mode
	c.mu.Unlock()

	c.emitState(SpeechGenerating, mode)
	if c.listener != nil {
		c.listener.UtteranceRecognized(text)
	}
}

func (c *SpeechCoordinator) HandleRecognitionError(kind string) {
	switch kind {
	case RecognitionNoSpeech, RecognitionAborted:
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.recognizing = false
	denied := kind == RecognitionNotAllowed || kind == RecognitionDenied
	if denied {
		c.mode = ModeText
		c.resumeListening = false
	}
	if c.state == SpeechListening {
		c.state = SpeechIdle
	}
	state, mode := c.state, c.mode
	c.mu.Unlock()

	if c.device != nil {
		c.device.Stop()
	}
	if denied {
		c.notice(NoticeAlert, noticeMicrophoneDenied, true)
	} else {
		c.notice(NoticeToast, "Speech recognition error: "+kind, false)
	}
	c.emitState(state, mode)
}

// HandleRecognitionEnd never restarts recognition; only the post-speech
// cooldown does.
func (c *SpeechCoordinator) HandleRecognitionEnd() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.recognizing = false
	changed := c.state == SpeechListening
	if changed {
		c.state = SpeechIdle
	}
	state, mode := c.state, c.mode
	c.mu.Unlock()

	if changed {
		c.emitState(state, mode)
	}
}

// BeginGeneration is the busy gate for typed input. It returns false while
// a response is being generated or spoken.
func (c *SpeechCoordinator) BeginGeneration() bool {
	c.mu.Lock()
	if c.closed || c.state == SpeechGenerating || c.state == SpeechSpeaking {
		c.mu.Unlock()
		return false
	}
	c.resumeListening = c.recognizing
	c.state = SpeechGenerating
	mode := c.mode
	c.mu.Unlock()

	c.emitState(SpeechGenerating, mode)
	return true
}

// FinishGeneration delivers the final response text. In audio mode it is
// spoken with recognition paused; otherwise the coordinator goes back to
// Listening (if recognition is still running) or Idle.
func (c *SpeechCoordinator) FinishGeneration(messageID, text string) {
	c.mu.Lock()
	if c.closed || c.state != SpeechGenerating {
		c.mu.Unlock()
		return
	}

	clean := SanitizeForSpeech(text)
	if c.mode != ModeAudio || clean == "" || c.device == nil {
		if c.recognizing {
			c.state = SpeechListening
		} else {
			c.state = SpeechIdle
		}
		state, mode := c.state, c.mode
		c.mu.Unlock()
		c.emitState(state, mode)
		return
	}

	c.resumeListening = c.resumeListening || c.recognizing
	stopRec := c.recognizing
	c.recognizing = false
	u := c.newUtteranceLocked(messageID, clean)
	c.state = SpeechSpeaking
	mode := c.mode
	c.mu.Unlock()

	if stopRec {
		c.device.Stop()
	}
	c.emitState(SpeechSpeaking, mode)
	if err := c.device.Speak(u); err != nil {
		log.Printf("speech: speak failed: %v", err)
		c.HandleSynthesisEnd(u.ID)
	}
}

// ReadAloud speaks a transcript message. Reading the message that is
// already being spoken toggles pause and resume.
func (c *SpeechCoordinator) ReadAloud(messageID, text string) error {
	if c.device == nil {
		return fmt.Errorf("read aloud: no speech device connected")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionNotActive
	}
	if c.utteranceID != "" && c.speakingMessageID == messageID {
		c.paused = !c.paused
		paused := c.paused
		c.mu.Unlock()
		if paused {
			c.device.Pause()
		} else {
			c.device.Resume()
		}
		return nil
	}
	if c.state == SpeechGenerating {
		c.mu.Unlock()
		return ErrBusy
	}

	clean := SanitizeForSpeech(text)
	if clean == "" {
		c.mu.Unlock()
		return nil
	}

	cancelPrev := c.utteranceID != ""
	stopRec := false
	if c.state != SpeechSpeaking {
		c.resumeListening = c.recognizing && c.mode == ModeAudio
		stopRec = c.recognizing
		c.recognizing = false
	}
	c.stopCooldownLocked()
	u := c.newUtteranceLocked(messageID, clean)
	c.state = SpeechSpeaking
	mode := c.mode
	c.mu.Unlock()

	if cancelPrev {
		c.device.Cancel()
	}
	if stopRec {
		c.device.Stop()
	}
	c.emitState(SpeechSpeaking, mode)
	if err := c.device.Speak(u); err != nil {
		c.HandleSynthesisError(u.ID, err.Error())
		return fmt.Errorf("read aloud: %w", err)
	}
	return nil
}

func (c *SpeechCoordinator) HandleSynthesisStart(utteranceID string) {
	c.mu.Lock()
	if utteranceID == c.utteranceID {
		c.paused = false
	}
	c.mu.Unlock()
}

// HandleSynthesisEnd re-arms recognition after the cooldown when it was
// active before speech began.
func (c *SpeechCoordinator) HandleSynthesisEnd(utteranceID string) {
	c.mu.Lock()
	if c.closed || utteranceID == "" || utteranceID != c.utteranceID {
		c.mu.Unlock()
		return
	}
	c.utteranceID = ""
	c.speakingMessageID = ""
	c.paused = false

	if c.state != SpeechSpeaking {
		c.mu.Unlock()
		return
	}
	if c.resumeListening && c.mode == ModeAudio {
		c.scheduleCooldownLocked()
		c.mu.Unlock()
		return
	}
	c.state = SpeechIdle
	mode := c.mode
	c.mu.Unlock()
	c.emitState(SpeechIdle, mode)
}

func (c *SpeechCoordinator) HandleSynthesisError(utteranceID, kind string) {
	switch kind {
	case "", "interrupted", "canceled":
	default:
		c.notice(NoticeToast, "Speech playback error: "+kind, false)
	}
	c.HandleSynthesisEnd(utteranceID)
}

// Stop cancels synthesis and any pending cooldown and returns to Idle.
func (c *SpeechCoordinator) Stop() {
	c.mu.Lock()
	hadUtterance := c.utteranceID != ""
	c.utteranceID = ""
	c.speakingMessageID = ""
	c.paused = false
	c.stopCooldownLocked()
	stopRec := false
	changed := false
	if c.state == SpeechSpeaking || c.state == SpeechGenerating {
		stopRec = c.recognizing
		c.recognizing = false
		c.resumeListening = false
		c.state = SpeechIdle
		changed = true
	}
	mode := c.mode
	c.mu.Unlock()

	if c.device != nil {
		if hadUtterance || changed {
			c.device.Cancel()
		}
		if stopRec {
			c.device.Stop()
		}
	}
	if changed {
		c.emitState(SpeechIdle, mode)
	}
}

// Shutdown stops every capability. Later device events are ignored.
func (c *SpeechCoordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopCooldownLocked()
	c.utteranceID = ""
	c.speakingMessageID = ""
	c.paused = false
	c.recognizing = false
	c.resumeListening = false
	c.state = SpeechIdle
	c.mode = ModeText
	c.mu.Unlock()

	if c.device != nil {
		c.device.Cancel()
		c.device.Stop()
	}
	c.emitState(SpeechIdle, ModeText)
}

func (c *SpeechCoordinator) newUtteranceLocked(messageID, text string) Utterance {
	c.utteranceID = uuid.NewString()
	c.speakingMessageID = messageID
	c.paused = false
	return Utterance{
		ID:    c.utteranceID,
		Text:  text,
		Voice: c.voice,
		Lang:  c.opts.Lang,
		Rate:  c.opts.Rate,
		Pitch: c.opts.Pitch,
	}
}

func (c *SpeechCoordinator) scheduleCooldownLocked() {
	c.stopCooldownLocked()
	gen := c.cooldownGen
	c.cooldown = time.AfterFunc(c.opts.Cooldown, func() { c.finishCooldown(gen) })
}

func (c *SpeechCoordinator) stopCooldownLocked() {
	c.cooldownGen++
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
}

func (c *SpeechCoordinator) finishCooldown(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.cooldownGen || c.state != SpeechSpeaking || c.mode != ModeAudio {
		c.mu.Unlock()
		return
	}
	c.cooldown = nil
	c.mu.Unlock()

	if err := c.device.Start(); err != nil {
		log.Printf("speech: restart recognition after cooldown: %v", err)
		c.mu.Lock()
		if gen == c.cooldownGen && c.state == SpeechSpeaking {
			c.state = SpeechIdle
		}
		state, mode := c.state, c.mode
		c.mu.Unlock()
		c.emitState(state, mode)
		return
	}

	c.mu.Lock()
	if gen != c.cooldownGen || c.state != SpeechSpeaking {
		c.mu.Unlock()
		return
	}
	c.recognizing = true
	c.state = SpeechListening
	mode := c.mode
	c.mu.Unlock()
	c.emitState(SpeechListening, mode)
}

func (c *SpeechCoordinator) emitState(state SpeechState, mode InputMode) {
	if c.listener != nil {
		c.listener.SpeechStateChanged(state, mode)
	}
}

func (c *SpeechCoordinator) notice(level, message string, blocking bool) {
	if c.listener != nil {
		c.listener.SpeechNotice(level, message, blocking)
	}
}

// Voice preference, highest first. The first matching pattern scores a voice.
var voicePriorities = []struct {
	pattern *regexp.Regexp
	score   int
}{
	{regexp.MustCompile(`(?i)Microsoft.*Aria.*Neural`), 100},
	{regexp.MustCompile(`(?i)Microsoft.*Guy.*Neural`), 99},
	{regexp.MustCompile(`(?i)Microsoft.*Jenny.*Neural`), 98},
	{regexp.MustCompile(`(?i)Google.*US.*English`), 95},
	{regexp.MustCompile(`(?i)Google.*UK.*English`), 94},
	{regexp.MustCompile(`(?i)Samantha`), 90},
	{regexp.MustCompile(`(?i)\bAlex\b`), 89},
	{regexp.MustCompile(`(?i)Enhanced`), 85},
	{regexp.MustCompile(`(?i)Premium`), 84},
	{regexp.MustCompile(`(?i)Natural`), 83},
	{regexp.MustCompile(`(?i)Microsoft.*Zira`), 75},
	{regexp.MustCompile(`(?i)Microsoft.*David`), 74},
}

func scoreVoice(name string) int {
	for _, p := range voicePriorities {
		if p.pattern.MatchString(name) {
			return p.score
		}
	}
	return 0
}

func voiceMatchesLang(v Voice, lang string) bool {
	alt := strings.ReplaceAll(lang, "-", "_")
	return strings.HasPrefix(v.Lang, lang) || strings.HasPrefix(v.Lang, alt)
}

// SelectVoice picks the best scoring voice for lang. A zero Voice means the
// platform default should be used.
func SelectVoice(voices []Voice, lang string) Voice {
	type scored struct {
		voice Voice
		score int
	}
	var candidates []scored
	for _, v := range voices {
		if voiceMatchesLang(v, lang) {
			candidates = append(candidates, scored{v, scoreVoice(v.Name)})
		}
	}
	if len(candidates) == 0 {
		return Voice{}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if candidates[0].score == 0 {
		return Voice{}
	}
	return candidates[0].voice
}

var (
	mdImage    = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdBold     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdBoldAlt  = regexp.MustCompile(`__(.+?)__`)
	mdItalic   = regexp.MustCompile(`\*(.+?)\*`)
	mdCode     = regexp.MustCompile("`([^`]+)`")
	mdFence    = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
	mdHeader   = regexp.MustCompile(`(?m)^\s*#+\s+`)
	mdBullet   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// SanitizeForSpeech strips markdown so the synthesizer does not read symbols.
func SanitizeForSpeech(text string) string {
	text = mdFence.ReplaceAllString(text, "")
	text = mdImage.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeader.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdBoldAlt.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	text = mdCode.ReplaceAllString(text, "$1")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
