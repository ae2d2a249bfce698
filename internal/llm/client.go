// internal/llm/client.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message in the upstream request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the text generation collaborator. The upstream accepts
// {model, input: [{role, content}]} and may answer in several shapes; Complete
// normalizes them to the raw content string.
//
// No retry logic lives here: the client is pure request/response, and a failed
// call propagates to the caller.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewClient creates a text generation client.
func NewClient(endpoint, apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   httpClient,
	}
}

// Complete sends the messages upstream and returns the extracted content text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	payload := map[string]interface{}{
		"model": c.model,
		"input": messages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewProcessingError("failed to encode text request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewTransportError("failed to build text request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.NewTransportError("text generation request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewTransportError("failed to read text response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.NewUpstreamError(resp.StatusCode, string(respBody))
	}

	content, err := extractContent(respBody)
	if err != nil {
		return "", err
	}

	return content, nil
}

// responseEnvelope covers the known upstream response shapes. Extraction tries
// them in a fixed priority order: message output with nested content items,
// then chat-completions choices, then a flat content field.
type responseEnvelope struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content string `json:"content"`
}

func extractContent(body []byte) (string, error) {
	var envelope responseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", apperrors.NewParseError("text response is not valid JSON", err)
	}

	for _, item := range envelope.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" && part.Text != "" {
				return part.Text, nil
			}
		}
	}

	if len(envelope.Choices) > 0 && envelope.Choices[0].Message.Content != "" {
		return envelope.Choices[0].Message.Content, nil
	}

	if envelope.Content != "" {
		return envelope.Content, nil
	}

	return "", apperrors.NewParseError("unable to extract content from text response", nil)
}
