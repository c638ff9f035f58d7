package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one tutoring conversation scoped to a (user, companion, module).
type Session struct {
	ID              string     `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	CompanionID     string     `json:"companion_id"`
	CompanionName   string     `json:"companion_name"`
	ModuleID        int        `json:"module_id"`
	StartedAt       time.Time  `json:"started_at"`
	LastAccessedAt  time.Time  `json:"last_accessed_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Transcript      []Message  `json:"transcript"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" | "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ModuleProgress is the snapshotted counters for one visited module.
type ModuleProgress struct {
	ModuleID         int  `json:"module_id"`
	TimeSpentSeconds int  `json:"time_spent_seconds"`
	MessageCount     int  `json:"message_count"`
	Completed        bool `json:"completed"`
}

// Progress is the per (user, companion) progress document.
type Progress struct {
	ID          string           `json:"id"`
	UserID      uuid.UUID        `json:"user_id"`
	CompanionID string           `json:"companion_id"`
	Modules     []ModuleProgress `json:"modules"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ModuleSessionInfo backs the "continue vs start" listing for a companion.
type ModuleSessionInfo struct {
	ModuleID       int        `json:"module_id"`
	HasSession     bool       `json:"has_session"`
	SessionID      string     `json:"session_id,omitempty"`
	MessageCount   int        `json:"message_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Unlocked       bool       `json:"unlocked"`
	Completed      bool       `json:"completed"`
}
