// Package analysis summarizes inbound mail through an OpenAI-compatible
// chat-completions endpoint.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client completes a single prompt with the named model.
type Client interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, model, prompt string) (string, error)

func (f ClientFunc) Complete(ctx context.Context, model, prompt string) (string, error) {
	return f(ctx, model, prompt)
}

// ErrEmptyCompletion is returned when the endpoint answers without any choices.
var ErrEmptyCompletion = errors.New("completion has no choices")

// OpenAIClient talks to /chat/completions. It asks for a JSON object response.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	system  string
	client  *http.Client
}

// NewOpenAIClient builds a client for baseURL (e.g. https://api.openai.com/v1).
// system, when non-empty, is sent as the system message of every request.
func NewOpenAIClient(baseURL, apiKey, system string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		system:  system,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends prompt as the user message and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, model, prompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if c.system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("completion endpoint returned %d", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
