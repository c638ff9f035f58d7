package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"companion-backend/internal/models"
)

type scriptedResponse struct {
	chunks []string
	err    error
	block  chan struct{}
}

type scriptedBackend struct {
	mu        sync.Mutex
	models    []ModelInfo
	listErr   error
	responses []scriptedResponse
	requests  []CompletionRequest
	usedModel []string
	listCalls int
}

func newScriptedBackend(responses ...scriptedResponse) *scriptedBackend {
	return &scriptedBackend{
		models: []ModelInfo{
			{Name: "models/gemini-1.5-pro", GenerationMethods: []string{"generateContent"}},
			{Name: "models/gemini-2.0-flash", GenerationMethods: []string{"generateContent", "countTokens"}},
			{Name: "models/embedding-001", GenerationMethods: []string{"embedContent"}},
		},
		responses: responses,
	}
}

func (b *scriptedBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	return b.models, b.listErr
}

func (b *scriptedBackend) Generate(ctx context.Context, model string, req CompletionRequest, onChunk func(string)) (string, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.usedModel = append(b.usedModel, model)
	var resp scriptedResponse
	if len(b.responses) > 0 {
		resp = b.responses[0]
		b.responses = b.responses[1:]
	} else {
		resp = scriptedResponse{chunks: []string{"ok"}}
	}
	b.mu.Unlock()

	if resp.block != nil {
		select {
		case <-resp.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if resp.err != nil {
		return "", resp.err
	}
	var text strings.Builder
	for _, c := range resp.chunks {
		text.WriteString(c)
		onChunk(text.String())
	}
	return text.String(), nil
}

func (b *scriptedBackend) GenerateText(ctx context.Context, model, prompt string, temperature float32, maxTokens int) (string, error) {
	return b.Generate(ctx, model, CompletionRequest{UserText: prompt, Temperature: temperature, MaxTokens: maxTokens}, func(string) {})
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

var testCompanion = &models.Companion{
	ID: "comp-1", Name: "Ada", Subject: "Math", Topic: "Fractions", Style: models.StyleFormal,
	Curriculum: curriculumOf(3),
}

func newTestPipeline(b CompletionBackend) *Pipeline {
	return NewPipeline(b, nil, PipelineOptions{HistoryTurns: 10, MaxTokens: 800, RetryDelay: time.Millisecond})
}

func TestPipeline_StreamsCumulativeChunks(t *testing.T) {
	b := newScriptedBackend(scriptedResponse{chunks: []string{"Welcome!", " Are", " you ready?"}})
	p := newTestPipeline(b)

	var seen []string
	text := p.Request(context.Background(), CompletionInput{Companion: testCompanion, UserText: "Start"}, func(c string) {
		seen = append(seen, c)
	})

	if text != "Welcome! Are you ready?" {
		t.Fatalf("unexpected final text %q", text)
	}
	want := []string{"Welcome!", "Welcome! Are", "Welcome! Are you ready?"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d chunks, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
	if seen[len(seen)-1] != text {
		t.Errorf("final text must equal the last accumulated chunk")
	}
}

func TestPipeline_RetryThenSuccess(t *testing.T) {
	b := newScriptedBackend(
		scriptedResponse{err: &ServiceError{StatusCode: 429, Message: "quota"}},
		scriptedResponse{chunks: []string{"Here is the answer."}},
	)
	p := newTestPipeline(b)

	text := p.Request(context.Background(), CompletionInput{Companion: testCompanion, UserText: "hi"}, nil)
	if text != "Here is the answer." {
		t.Fatalf("expected retry text, got %q", text)
	}
	if b.callCount() != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", b.callCount())
	}
}

func TestPipeline_FailureFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		responses []scriptedResponse
		want      string
		calls     int
	}{
		{
			name: "rate limited twice",
			responses: []scriptedResponse{
				{err: &ServiceError{StatusCode: 429}},
				{err: &ServiceError{StatusCode: 429}},
			},
			want:  MsgRateLimited,
			calls: 2,
		},
		{
			name: "unavailable twice",
			responses: []scriptedResponse{
				{err: &ServiceError{StatusCode: 503}},
				{err: &ServiceError{StatusCode: 503}},
			},
			want:  TopicFallback("Fractions"),
			calls: 2,
		},
		{
			name:      "access denied is not retried",
			responses: []scriptedResponse{{err: &ServiceError{StatusCode: 403}}},
			want:      MsgAccessDenied,
			calls:     1,
		},
		{
			name:      "stale model",
			responses: []scriptedResponse{{err: &ServiceError{StatusCode: 404}}},
			want:      MsgReconnecting,
			calls:     1,
		},
		{
			name:      "bad request",
			responses: []scriptedResponse{{err: &ServiceError{StatusCode: 400}}},
			want:      TopicFallback("Fractions"),
			calls:     1,
		},
		{
			name:      "empty response",
			responses: []scriptedResponse{{chunks: []string{"   "}}},
			want:      TopicFallback("Fractions"),
			calls:     1,
		},
		{
			name: "network error then success",
			responses: []scriptedResponse{
				{err: &ServiceError{StatusCode: 0, Message: "connection reset"}},
				{chunks: []string{"back"}},
			},
			want:  "back",
			calls: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newScriptedBackend(tc.responses...)
			p := newTestPipeline(b)

			text := p.Request(context.Background(), CompletionInput{Companion: testCompanion, UserText: "hi"}, nil)
			if text != tc.want {
				t.Errorf("expected %q, got %q", tc.want, text)
			}
			if b.callCount() != tc.calls {
				t.Errorf("expected %d attempts, got %d", tc.calls, b.callCount())
			}
		})
	}
}

func TestPipeline_NotConfigured(t *testing.T) {
	p := NewPipeline(nil, nil, PipelineOptions{})
	if got := p.Request(context.Background(), CompletionInput{Companion: testCompanion}, nil); got != MsgNotConfigured {
		t.Errorf("expected not-configured message, got %q", got)
	}
}

func TestPipeline_NoCompatibleModels(t *testing.T) {
	b := newScriptedBackend()
	b.models = []ModelInfo{{Name: "models/embedding-001", GenerationMethods: []string{"embedContent"}}}
	p := newTestPipeline(b)
	if got := p.Request(context.Background(), CompletionInput{Companion: testCompanion}, nil); got != MsgNoModels {
		t.Errorf("expected no-models message, got %q", got)
	}
}

func TestPipeline_StaleModelInvalidatesSelection(t *testing.T) {
	b := newScriptedBackend(scriptedResponse{err: &ServiceError{StatusCode: 404}})
	p := newTestPipeline(b)

	p.Request(context.Background(), CompletionInput{Companion: testCompanion}, nil)
	if p.Selector().Current() != "" {
		t.Fatalf("expected cached model to be cleared after 404")
	}
	p.Request(context.Background(), CompletionInput{Companion: testCompanion}, nil)
	if b.listCalls != 2 {
		t.Errorf("expected model re-discovery, list calls=%d", b.listCalls)
	}
}

func TestPipeline_RequestShape(t *testing.T) {
	b := newScriptedBackend()
	p := newTestPipeline(b)

	var history []models.ChatMessage
	for i := 0; i < 14; i++ {
		history = append(history, models.ChatMessage{Role: models.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}
	module := testCompanion.Curriculum[1]
	p.Request(context.Background(), CompletionInput{Companion: testCompanion, Module: &module, UserText: "next", History: history}, nil)

	req := b.requests[0]
	if len(req.History) != 10 || req.History[0].Content != "turn 4" {
		t.Errorf("expected the 10 most recent turns, got %d starting %q", len(req.History), req.History[0].Content)
	}
	if req.Temperature != temperatureFormal || req.MaxTokens != 800 {
		t.Errorf("unexpected parameters: %v / %d", req.Temperature, req.MaxTokens)
	}
	if !strings.Contains(req.SystemPrompt, "Current Focus: Module 2") {
		t.Errorf("system prompt missing module focus: %s", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "professional and knowledgeable") {
		t.Errorf("system prompt missing formal persona")
	}
	if b.usedModel[0] != "gemini-2.0-flash" {
		t.Errorf("expected preferred model, got %q", b.usedModel[0])
	}
}

func TestModelSelector_Preference(t *testing.T) {
	tests := []struct {
		name   string
		models []string
		want   string
	}{
		{"newest flash", []string{"models/gemini-1.5-flash", "models/gemini-2.5-flash-001"}, "gemini-2.5-flash-001"},
		{"pro over unknown", []string{"models/other", "models/gemini-1.5-pro"}, "gemini-1.5-pro"},
		{"first when nothing preferred", []string{"models/alpha", "models/beta"}, "alpha"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &scriptedBackend{}
			for _, name := range tc.models {
				b.models = append(b.models, ModelInfo{Name: name, GenerationMethods: []string{"generateContent"}})
			}
			got, err := NewModelSelector(b).Select(context.Background())
			if err != nil || got != tc.want {
				t.Errorf("Select() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestPipeline_RunSupersedesPreviousFlight(t *testing.T) {
	block := make(chan struct{})
	b := newScriptedBackend(
		scriptedResponse{block: block, chunks: []string{"stale"}},
		scriptedResponse{chunks: []string{"fresh"}},
	)
	p := newTestPipeline(b)

	var mu sync.Mutex
	var delivered []string
	deliver := func(text string, final bool) {
		mu.Lock()
		delivered = append(delivered, text)
		mu.Unlock()
	}

	firstDone := make(chan bool)
	go func() {
		_, ok := p.Run(context.Background(), "m2", CompletionInput{Companion: testCompanion}, deliver)
		firstDone <- ok
	}()
	for b.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	text, ok := p.Run(context.Background(), "m2", CompletionInput{Companion: testCompanion}, deliver)
	if !ok || text != "fresh" {
		t.Fatalf("expected second run to deliver fresh text, got %q (%v)", text, ok)
	}
	close(block)
	if <-firstDone {
		t.Fatalf("superseded run must not deliver")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, d := range delivered {
		if d != "fresh" {
			t.Errorf("superseded run wrote %q", d)
		}
	}
	if p.InFlight("m2") {
		t.Errorf("slot must be released after completion")
	}
}

func TestServiceError_Transient(t *testing.T) {
	tests := map[int]bool{0: true, 429: true, 503: true, 404: false, 403: false, 500: false, -1: false}
	for code, want := range tests {
		if got := (&ServiceError{StatusCode: code}).Transient(); got != want {
			t.Errorf("Transient(%d) = %v, want %v", code, got, want)
		}
	}
	wrapped := fmt.Errorf("generate: %w", &ServiceError{StatusCode: 429})
	if !isTransient(wrapped) {
		t.Errorf("wrapped service errors must be recognised")
	}
	if isTransient(errors.New("plain")) {
		t.Errorf("plain errors are not transient")
	}
}
