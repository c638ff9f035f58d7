package services

import "errors"

var (
	ErrSessionNotActive  = errors.New("session is not active")
	ErrSessionActive     = errors.New("session is already active")
	ErrBusy              = errors.New("companion is still responding")
	ErrModuleLocked      = errors.New("module is locked")
	ErrModuleNotFound    = errors.New("module not found in curriculum")
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotAssistant      = errors.New("only assistant messages can be regenerated")
	ErrMicrophoneDenied  = errors.New("microphone access denied")
	ErrCompanionNotFound = errors.New("companion not found")
	ErrForbidden         = errors.New("session belongs to another user")
	ErrSessionNotFound   = errors.New("live session not found")
	ErrInvalidCompanion  = errors.New("name, subject and topic are required")
)
