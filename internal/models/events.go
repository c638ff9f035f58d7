package models

import "encoding/json"

// WebSocket event types, server to client.
const (
	EventMessageAppended = "message.appended"
	EventMessageUpdated  = "message.updated"
	EventSpeechState     = "speech.state"
	EventSpeechCommand   = "speech.command"
	EventNotice          = "notice"
	EventModuleProgress  = "module.progress"
	EventSessionEnded    = "session.ended"
)

// WebSocket event types, client to server.
const (
	EventRecognitionResult = "recognition.result"
	EventRecognitionError  = "recognition.error"
	EventRecognitionEnd    = "recognition.end"
	EventSynthesisStart    = "synthesis.start"
	EventSynthesisEnd      = "synthesis.end"
	EventSynthesisError    = "synthesis.error"
	EventMicrophoneGranted = "microphone.granted"
	EventMicrophoneDenied  = "microphone.denied"
	EventVoices            = "voices"
)

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientEvent is an inbound message from a connected browser.
type ClientEvent struct {
	Type    string          `json:"type"`
	LiveID  string          `json:"live_id"`
	Payload json.RawMessage `json:"payload"`
}

type MessageEvent struct {
	LiveID  string  `json:"live_id"`
	Message Message `json:"message"`
}

type SpeechStateEvent struct {
	LiveID string `json:"live_id"`
	State  string `json:"state"`
	Mode   string `json:"mode"`
}

type SpeechCommand struct {
	LiveID      string  `json:"live_id"`
	Command     string  `json:"command"` // "recognition.start" | "recognition.stop" | "speak" | "pause" | "resume" | "cancel" | "microphone.acquire"
	UtteranceID string  `json:"utterance_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Voice       string  `json:"voice,omitempty"`
	Lang        string  `json:"lang,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
}

type NoticeEvent struct {
	LiveID   string `json:"live_id"`
	Level    string `json:"level"` // "toast" | "alert"
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

type ModuleProgressEvent struct {
	LiveID          string           `json:"live_id"`
	CurrentModuleID int              `json:"current_module_id"`
	TimeSpent       int              `json:"time_spent_seconds"`
	MessageCount    int              `json:"message_count"`
	Modules         []ModuleProgress `json:"modules"`
}

type SessionEndedEvent struct {
	LiveID          string `json:"live_id"`
	SessionID       string `json:"session_id"`
	DurationSeconds int    `json:"duration_seconds"`
	Redirect        string `json:"redirect"`
}

// Client payloads.
type RecognitionResultPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type RecognitionErrorPayload struct {
	Kind string `json:"kind"`
}

type SynthesisPayload struct {
	UtteranceID string `json:"utterance_id"`
	Error       string `json:"error,omitempty"`
}

type VoicePayload struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
