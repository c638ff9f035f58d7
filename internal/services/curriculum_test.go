package services

import (
	"context"
	"testing"
)

func TestParseCurriculum(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		count   int
		wantErr bool
	}{
		{"plain array", `[{"id":1,"title":"A","description":"a","order":1},{"id":2,"title":"B","description":"b","order":2}]`, 2, false},
		{"fenced", "```json\n[{\"id\":1,\"title\":\"A\",\"description\":\"a\",\"order\":1}]\n```", 1, false},
		{"with preamble", `Here you go: [{"title":"A"}] enjoy`, 1, false},
		{"empty array", `[]`, 0, true},
		{"garbage", `no json here`, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			modules, err := parseCurriculum(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tc.wantErr)
			}
			if len(modules) != tc.count {
				t.Errorf("expected %d modules, got %d", tc.count, len(modules))
			}
		})
	}
}

func TestParseCurriculum_FillsDefaults(t *testing.T) {
	modules, err := parseCurriculum(`[{"title":"Only title"},{}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if modules[0].ID != 1 || modules[0].Order != 1 || modules[0].Description != "Learn new concepts" {
		t.Errorf("unexpected defaults: %+v", modules[0])
	}
	if modules[1].ID != 2 || modules[1].Title != "Module 2" {
		t.Errorf("unexpected defaults: %+v", modules[1])
	}
}

func TestParseCurriculum_RenumbersIDs(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		titles []string
	}{
		{"zero based", `[{"id":0,"title":"A"},{"id":1,"title":"B"},{"id":2,"title":"C"}]`, []string{"A", "B", "C"}},
		{"sparse", `[{"id":10,"title":"A","order":1},{"id":20,"title":"B","order":2}]`, []string{"A", "B"}},
		{"out of order", `[{"id":7,"title":"B","order":2},{"id":3,"title":"A","order":1}]`, []string{"A", "B"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			modules, err := parseCurriculum(tc.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(modules) != len(tc.titles) {
				t.Fatalf("expected %d modules, got %d", len(tc.titles), len(modules))
			}
			for i, m := range modules {
				if m.ID != i+1 || m.Order != i+1 || m.Title != tc.titles[i] {
					t.Errorf("module %d = %+v, want id/order %d title %q", i, m, i+1, tc.titles[i])
				}
			}

			p := NewProgression(modules, nil, newFakeClock().Now)
			if !p.Begin(1) {
				t.Fatalf("Begin(1) refused for %+v", modules)
			}
			p.Complete(1)
			if got := p.CurrentModuleID(); got != 2 {
				t.Errorf("current after Complete(1) = %d, want 2", got)
			}
		})
	}
}

func TestCurriculumGenerator_FallsBack(t *testing.T) {
	b := newScriptedBackend(scriptedResponse{chunks: []string{"not a curriculum"}})
	g := NewCurriculumGenerator(b, NewModelSelector(b))

	modules := g.Generate(context.Background(), "Chemistry", "Atoms")
	if len(modules) != 5 || modules[0].Title != "Introduction to Chemistry" {
		t.Fatalf("expected fallback curriculum, got %+v", modules)
	}
	if modules[4].Title != "Review & Practice" {
		t.Errorf("unexpected last module %q", modules[4].Title)
	}

	var nilGen *CurriculumGenerator
	if len(nilGen.Generate(context.Background(), "X", "Y")) != 5 {
		t.Errorf("unconfigured generator must return the fallback")
	}
}

func TestCurriculumGenerator_UsesModelOutput(t *testing.T) {
	b := newScriptedBackend(scriptedResponse{chunks: []string{`[{"id":1,"title":"Atoms 101","description":"What atoms are","order":1}]`}})
	g := NewCurriculumGenerator(b, NewModelSelector(b))

	modules := g.Generate(context.Background(), "Chemistry", "Atoms")
	if len(modules) != 1 || modules[0].Title != "Atoms 101" {
		t.Fatalf("unexpected modules %+v", modules)
	}
	if b.requests[0].Temperature != curriculumTemperature || b.requests[0].MaxTokens != curriculumMaxTokens {
		t.Errorf("unexpected parameters %+v", b.requests[0])
	}
}
