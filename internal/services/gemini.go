package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"companion-backend/internal/models"
)

// GeminiBackend is the CompletionBackend backed by the Gemini API.
type GeminiBackend struct {
	client   *genai.Client
	rateChan chan struct{} // Token bucket
}

func NewGeminiBackend(apiKey string, concurrentReqs int) (*GeminiBackend, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}
	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiBackend{
		client:   client,
		rateChan: rateChan,
	}, nil
}

func (g *GeminiBackend) Close() {
	g.client.Close()
}

// acquireRate blocks until a rate slot is available
func (g *GeminiBackend) acquireRate(ctx context.Context) error {
	select {
	case <-g.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (g *GeminiBackend) releaseRate() {
	g.rateChan <- struct{}{}
}

func (g *GeminiBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	it := g.client.ListModels(ctx)
	for {
		m, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classifyError(err)
		}
		out = append(out, ModelInfo{Name: m.Name, GenerationMethods: m.SupportedGenerationMethods})
	}
	return out, nil
}

// Generate streams the reply, reporting cumulative text after each chunk.
func (g *GeminiBackend) Generate(ctx context.Context, model string, req CompletionRequest, onChunk func(string)) (string, error) {
	if err := g.acquireRate(ctx); err != nil {
		return "", err
	}
	defer g.releaseRate()

	gm := g.client.GenerativeModel(model)
	gm.SetTemperature(req.Temperature)
	gm.SetMaxOutputTokens(int32(req.MaxTokens))
	if req.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	cs := gm.StartChat()
	cs.History = toGeminiHistory(req.History)

	var text strings.Builder
	iter := cs.SendMessageStream(ctx, genai.Text(req.UserText))
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return text.String(), classifyError(err)
		}
		chunk := extractText(resp)
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if onChunk != nil {
			onChunk(text.String())
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// GenerateText is a single non-streaming call used for curriculum design.
func (g *GeminiBackend) GenerateText(ctx context.Context, model, prompt string, temperature float32, maxTokens int) (string, error) {
	if err := g.acquireRate(ctx); err != nil {
		return "", err
	}
	defer g.releaseRate()

	gm := g.client.GenerativeModel(model)
	gm.SetTemperature(temperature)
	gm.SetMaxOutputTokens(int32(maxTokens))

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyError(err)
	}
	return strings.TrimSpace(extractText(resp)), nil
}

func toGeminiHistory(history []models.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return out
}

// classifyError maps Gemini client errors onto ServiceError status codes.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &ServiceError{StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ServiceError{StatusCode: 0, Message: netErr.Error(), Err: err}
	}
	return &ServiceError{StatusCode: -1, Message: err.Error(), Err: err}
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
