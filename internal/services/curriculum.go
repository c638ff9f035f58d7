package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"companion-backend/internal/models"
)

const (
	curriculumTemperature = 0.7
	curriculumMaxTokens   = 1500
)

// TextGenerator is a one-shot, non-streaming completion.
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string, temperature float32, maxTokens int) (string, error)
}

type CurriculumGenerator struct {
	gen      TextGenerator
	selector *ModelSelector
}

func NewCurriculumGenerator(gen TextGenerator, selector *ModelSelector) *CurriculumGenerator {
	return &CurriculumGenerator{gen: gen, selector: selector}
}

// Generate asks for a 5-8 module curriculum and falls back to a fixed
// five-module outline on any failure.
func (g *CurriculumGenerator) Generate(ctx context.Context, subject, topic string) []models.CurriculumModule {
	if g == nil || g.gen == nil || g.selector == nil {
		return FallbackCurriculum(subject)
	}

	model, err := g.selector.Select(ctx)
	if err != nil {
		log.Printf("curriculum: model selection failed: %v", err)
		return FallbackCurriculum(subject)
	}

	rawText, err := g.gen.GenerateText(ctx, model, buildCurriculumPrompt(subject, topic), curriculumTemperature, curriculumMaxTokens)
	if err != nil {
		log.Printf("curriculum: generation failed: %v", err)
		return FallbackCurriculum(subject)
	}

	modules, err := parseCurriculum(rawText)
	if err != nil {
		log.Printf("curriculum: %v", err)
		return FallbackCurriculum(subject)
	}
	return modules
}

func parseCurriculum(rawText string) ([]models.CurriculumModule, error) {
	rawText = strings.TrimSpace(rawText)
	rawText = strings.TrimPrefix(rawText, "```json")
	rawText = strings.TrimPrefix(rawText, "```")
	rawText = strings.TrimSuffix(rawText, "```")
	rawText = strings.TrimSpace(rawText)

	type moduleJSON struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Order       int    `json:"order"`
	}

	var raw []moduleJSON
	if err := json.Unmarshal([]byte(rawText), &raw); err != nil {
		// Try to extract JSON array
		start := strings.Index(rawText, "[")
		end := strings.LastIndex(rawText, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("invalid curriculum format: %w", err)
		}
		if err := json.Unmarshal([]byte(rawText[start:end+1]), &raw); err != nil {
			return nil, fmt.Errorf("invalid curriculum format: %w", err)
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid curriculum format: empty list")
	}

	modules := make([]models.CurriculumModule, len(raw))
	for i, m := range raw {
		modules[i] = models.CurriculumModule{
			Title:       m.Title,
			Description: m.Description,
			Order:       m.Order,
		}
		if modules[i].Title == "" {
			modules[i].Title = fmt.Sprintf("Module %d", i+1)
		}
		if modules[i].Description == "" {
			modules[i].Description = "Learn new concepts"
		}
		if modules[i].Order == 0 {
			modules[i].Order = i + 1
		}
	}

	// Progression addresses modules as 1..n in order, whatever ids the
	// model chose.
	sort.SliceStable(modules, func(a, b int) bool {
		return modules[a].Order < modules[b].Order
	})
	for i := range modules {
		modules[i].ID = i + 1
		modules[i].Order = i + 1
	}
	return modules, nil
}

func FallbackCurriculum(subject string) []models.CurriculumModule {
	return []models.CurriculumModule{
		{ID: 1, Title: "Introduction to " + subject, Description: "Learn the basics of " + subject, Order: 1},
		{ID: 2, Title: "Core Concepts", Description: "Understand fundamental principles", Order: 2},
		{ID: 3, Title: "Practical Applications", Description: "Apply what you've learned", Order: 3},
		{ID: 4, Title: "Advanced Topics", Description: "Explore more complex ideas", Order: 4},
		{ID: 5, Title: "Review & Practice", Description: "Reinforce your knowledge", Order: 5},
	}
}

func buildCurriculumPrompt(subject, topic string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("You are a curriculum designer. Create a structured learning path for teaching %s: %s.\n\n", subject, topic))
	b.WriteString("Generate 5-8 course modules that progressively build knowledge from beginner to intermediate level.\n\n")
	b.WriteString("CRITICAL: Return ONLY a valid JSON array. No preamble, no markdown, no backticks.\n")

	b.WriteString(`
JSON schema per module:
{"id": int, "title": "string", "description": "string", "order": int}

Example:
[{"id": 1, "title": "What Is an Atom", "description": "Meet protons, neutrons and electrons.", "order": 1}]

Requirements:
- Each module should be focused and achievable in 5-10 minutes
- Titles should be clear and concise (max 6 words)
- Descriptions should be 1 sentence
- Ids and order should both be sequential (1, 2, 3...)
- Start with fundamentals, progress to more advanced topics
`)

	return b.String()
}
