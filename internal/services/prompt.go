package services

import (
	"fmt"
	"strings"

	"companion-backend/internal/models"
)

const (
	temperatureFormal = 0.85
	temperatureCasual = 0.9
)

func temperatureFor(style string) float32 {
	if style == models.StyleFormal {
		return temperatureFormal
	}
	return temperatureCasual
}

// buildSystemPrompt assembles the companion persona in layers: persona,
// module focus, tone, teaching method and the first-message greeting rule.
func buildSystemPrompt(c *models.Companion, module *models.CurriculumModule) string {
	var b strings.Builder

	// Layer 1: Persona
	manner := "friendly and approachable"
	if c.Style == models.StyleFormal {
		manner = "professional and knowledgeable"
	}
	b.WriteString(fmt.Sprintf("You are %s, a %s %s tutor who teaches %s.\n", c.Name, manner, c.Subject, c.Topic))

	// Layer 2: Module focus
	if module != nil {
		b.WriteString(fmt.Sprintf("\nCurrent Focus: Module %d - %s\n", module.ID, module.Title))
		if module.Description != "" {
			b.WriteString(module.Description + "\n")
		}
		b.WriteString("Focus your teaching on this specific module topic.\n")
	}

	// Layer 3: Tone
	b.WriteString("\nSpeak naturally like a real human tutor.\n")
	b.WriteString("Be warm, engaging, and conversational.\n")
	b.WriteString("Avoid robotic or repetitive phrases.\n")

	// Layer 4: Teaching method
	b.WriteString(`
TEACHING METHOD:
1. EXPLAIN STEP-BY-STEP: Break down complex topics into small, digestible parts. Do NOT dump a wall of text.
2. CHECK FOR UNDERSTANDING: After explaining a concept, ALWAYS ask whether the student understands this stage or wants more detail, or whether they have a question before you continue.
3. WAIT FOR CONFIRMATION: Do not proceed to the next step until the student confirms (e.g. "Yes", "Continue", "Understand").
4. INTERACTIVE: Ask thought-provoking questions to keep the student engaged.
`)

	// Layer 5: Greeting rule
	b.WriteString("\nIf this is the VERY FIRST message of the session (conversation history is empty), say exactly:\n")
	b.WriteString(fmt.Sprintf("%q\n", greetingFor(c.Topic)))
	b.WriteString("Only proceed with the first lesson after they confirm.")

	return b.String()
}

func greetingFor(topic string) string {
	return fmt.Sprintf("Welcome! Are you ready to start the course on %s? Say 'Start' when you are ready!", topic)
}

// historyWindow keeps the most recent n turns.
func historyWindow(history []models.ChatMessage, n int) []models.ChatMessage {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
