package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultAnthropicURL is the Messages API endpoint
const DefaultAnthropicURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient streams completions from the Anthropic Messages API
type AnthropicClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewAnthropicClient creates a client. An empty endpoint uses the public API.
func NewAnthropicClient(apiKey, endpoint string, timeout time.Duration, logger *zap.Logger) *AnthropicClient {
	if endpoint == "" {
		endpoint = DefaultAnthropicURL
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicClient{apiKey: apiKey, endpoint: endpoint, http: &http.Client{Timeout: timeout}, logger: logger}
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// Stream implements Model
func (c *AnthropicClient) Stream(ctx context.Context, req Request, fn func(string) bool) error {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Stream:      true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var env struct {
			Error *anthropicError `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			return classify(resp.StatusCode, env.Error.Message)
		}
		return classify(resp.StatusCode, string(raw))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var evt anthropicEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			c.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}
		switch {
		case evt.Error != nil:
			return classify(0, evt.Error.Message)
		case evt.Type == "message_stop":
			return nil
		case evt.Type == "content_block_delta" && evt.Delta != nil && evt.Delta.Text != "":
			if !fn(evt.Delta.Text) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

func classify(status int, message string) error {
	if isPromptTooLong(message) {
		return fmt.Errorf("%w: %s", ErrPromptTooLong, message)
	}
	if status != 0 {
		return fmt.Errorf("API request failed with status %d: %s", status, message)
	}
	return fmt.Errorf("API error: %s", message)
}
