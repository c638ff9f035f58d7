package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"companion-backend/internal/models"
)

// Fixed user-facing replies used when the completion service fails.
const (
	MsgNotConfigured = "AI service is not configured."
	MsgRateLimited   = "I'm receiving too many messages right now (Rate Limit). Please wait a few seconds so I can catch up."
	MsgReconnecting  = "I lost connection to my model. Please try again."
	MsgAccessDenied  = "Access Denied.\n\nYour API Key does not have the 'Generative Language API' enabled.\nPlease check your Google Cloud Console to enable it."
	MsgNoModels      = "No compatible AI models found for your API key."
)

// TopicFallback is the reply for any other failure or an empty response.
func TopicFallback(topic string) string {
	return fmt.Sprintf("I'm having trouble connecting right now. Could you try asking about %s again?", topic)
}

var ErrNoCompatibleModel = errors.New("no compatible models available")

// ServiceError is a classified failure from the completion service.
// StatusCode 0 means the request never got a response.
type ServiceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("completion service unreachable: %s", e.Message)
	}
	return fmt.Sprintf("completion service error %d: %s", e.StatusCode, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Transient reports whether a single retry is worthwhile.
func (e *ServiceError) Transient() bool {
	switch e.StatusCode {
	case 0, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

type CompletionRequest struct {
	SystemPrompt string
	History      []models.ChatMessage
	UserText     string
	Temperature  float32
	MaxTokens    int
}

type ModelInfo struct {
	Name              string
	GenerationMethods []string
}

// CompletionBackend is the external text generation service. Generate calls
// onChunk with the cumulative text after every streamed chunk.
type CompletionBackend interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, model string, req CompletionRequest, onChunk func(cumulative string)) (string, error)
}

var preferredModels = []string{
	"gemini-2.5-flash",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// ModelSelector discovers and caches the model used for generation.
type ModelSelector struct {
	mu      sync.Mutex
	backend CompletionBackend
	cached  string
}

func NewModelSelector(backend CompletionBackend) *ModelSelector {
	return &ModelSelector{backend: backend}
}

func (s *ModelSelector) Select(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" {
		return s.cached, nil
	}

	infos, err := s.backend.ListModels(ctx)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, info := range infos {
		for _, m := range info.GenerationMethods {
			if m == "generateContent" {
				candidates = append(candidates, strings.TrimPrefix(info.Name, "models/"))
				break
			}
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoCompatibleModel
	}

	chosen := candidates[0]
preference:
	for _, want := range preferredModels {
		for _, name := range candidates {
			if strings.Contains(name, want) {
				chosen = name
				break preference
			}
		}
	}
	s.cached = chosen
	log.Printf("completion: selected model %s", chosen)
	return chosen, nil
}

func (s *ModelSelector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Invalidate drops the cached model so the next request re-discovers one.
func (s *ModelSelector) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.mu.Unlock()
}

type PipelineOptions struct {
	HistoryTurns int
	MaxTokens    int
	RetryDelay   time.Duration
}

// CompletionInput is one turn to complete. History holds the prior turns,
// oldest first, excluding UserText.
type CompletionInput struct {
	Companion *models.Companion
	Module    *models.CurriculumModule
	UserText  string
	History   []models.ChatMessage
}

type flight struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	superseded bool
}

func (f *flight) supersede() {
	f.mu.Lock()
	f.superseded = true
	f.mu.Unlock()
	f.cancel()
}

// Pipeline turns user text into a reply. Failures are never returned to the
// caller; they become fallback text.
type Pipeline struct {
	backend  CompletionBackend
	selector *ModelSelector
	opts     PipelineOptions

	mu      sync.Mutex
	flights map[string]*flight
}

func NewPipeline(backend CompletionBackend, selector *ModelSelector, opts PipelineOptions) *Pipeline {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 800
	}
	if selector == nil && backend != nil {
		selector = NewModelSelector(backend)
	}
	return &Pipeline{
		backend:  backend,
		selector: selector,
		opts:     opts,
		flights:  make(map[string]*flight),
	}
}

func (p *Pipeline) Selector() *ModelSelector { return p.selector }

// Request performs one completion with a single retry on transient failure.
func (p *Pipeline) Request(ctx context.Context, in CompletionInput, onChunk func(string)) string {
	if p.backend == nil {
		return MsgNotConfigured
	}
	topic := ""
	if in.Companion != nil {
		topic = in.Companion.Topic
	}

	req := p.buildRequest(in)
	if onChunk == nil {
		onChunk = func(string) {}
	}

	text, err := p.attempt(ctx, req, onChunk)
	if err != nil && isTransient(err) && ctx.Err() == nil {
		log.Printf("completion: transient failure, retrying in %s: %v", p.opts.RetryDelay, err)
		select {
		case <-time.After(p.opts.RetryDelay):
			text, err = p.attempt(ctx, req, onChunk)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		log.Printf("completion: request failed: %v", err)
		return p.fallbackFor(err, topic)
	}
	if strings.TrimSpace(text) == "" {
		return TopicFallback(topic)
	}
	return text
}

// Run executes a completion bound to a message slot. Starting a run for a
// slot supersedes the previous one; a superseded run never calls deliver.
// deliver receives cumulative text for chunks and final=true once at the end.
func (p *Pipeline) Run(ctx context.Context, slot string, in CompletionInput, deliver func(text string, final bool)) (string, bool) {
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	p.mu.Lock()
	prev := p.flights[slot]
	p.flights[slot] = f
	p.mu.Unlock()
	if prev != nil {
		prev.supersede()
	}

	write := func(text string, final bool) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.superseded {
			return false
		}
		deliver(text, final)
		return true
	}

	text := p.Request(fctx, in, func(cumulative string) { write(cumulative, false) })
	delivered := write(text, true)

	p.mu.Lock()
	if p.flights[slot] == f {
		delete(p.flights, slot)
	}
	p.mu.Unlock()
	cancel()
	return text, delivered
}

// CancelAll supersedes every in-flight run.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	pending := make([]*flight, 0, len(p.flights))
	for slot, f := range p.flights {
		pending = append(pending, f)
		delete(p.flights, slot)
	}
	p.mu.Unlock()
	for _, f := range pending {
		f.supersede()
	}
}

func (p *Pipeline) InFlight(slot string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.flights[slot]
	return ok
}

func (p *Pipeline) buildRequest(in CompletionInput) CompletionRequest {
	companion := in.Companion
	if companion == nil {
		companion = &models.Companion{}
	}
	return CompletionRequest{
		SystemPrompt: buildSystemPrompt(companion, in.Module),
		History:      historyWindow(in.History, p.opts.HistoryTurns),
		UserText:     in.UserText,
		Temperature:  temperatureFor(companion.Style),
		MaxTokens:    p.opts.MaxTokens,
	}
}

func (p *Pipeline) attempt(ctx context.Context, req CompletionRequest, onChunk func(string)) (string, error) {
	model, err := p.selector.Select(ctx)
	if err != nil {
		return "", err
	}
	return p.backend.Generate(ctx, model, req, onChunk)
}

func (p *Pipeline) fallbackFor(err error, topic string) string {
	if errors.Is(err, ErrNoCompatibleModel) {
		return MsgNoModels
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.StatusCode {
		case http.StatusTooManyRequests:
			return MsgRateLimited
		case http.StatusNotFound:
			p.selector.Invalidate()
			return MsgReconnecting
		case http.StatusForbidden:
			return MsgAccessDenied
		}
	}
	return TopicFallback(topic)
}

func isTransient(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Transient()
	}
	return false
}
