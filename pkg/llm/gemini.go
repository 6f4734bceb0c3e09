package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiClient streams completions from the Gemini API
type GeminiClient struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGeminiClient creates a Gemini client. baseURL overrides the API host and
// is mostly useful against a local stub.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string, logger *zap.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger}, nil
}

// Stream implements Model
func (c *GeminiClient) Stream(ctx context.Context, req Request, fn func(string) bool) error {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, geminiContents(req.Messages), config) {
		if err != nil {
			return geminiError(err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if !fn(text) {
			return nil
		}
	}
	return nil
}

func geminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classify(apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini stream: %w", err)
}
