package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StyleFormal = "formal"
	StyleCasual = "casual"
)

type Companion struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Subject    string             `json:"subject"`
	Topic      string             `json:"topic"`
	Style      string             `json:"style"` // "formal" | "casual"
	CreatedBy  uuid.UUID          `json:"created_by"`
	Curriculum []CurriculumModule `json:"curriculum"`
	CreatedAt  time.Time          `json:"created_at"`
}

type CurriculumModule struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

// Module returns the curriculum entry with the given id.
func (c *Companion) Module(id int) (CurriculumModule, bool) {
	for _, m := range c.Curriculum {
		if m.ID == id {
			return m, true
		}
	}
	return CurriculumModule{}, false
}

type CreateCompanionRequest struct {
	Name       string             `json:"name"`
	Subject    string             `json:"subject"`
	Topic      string             `json:"topic"`
	Style      string             `json:"style"`
	Curriculum []CurriculumModule `json:"curriculum,omitempty"`
}
