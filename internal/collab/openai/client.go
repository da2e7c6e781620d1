// Package openai implements the Classifier and DraftGenerator collaborators
// on the OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/petrijr/inboxflow/pkg/api"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.GPT4oMini

// Config holds the client settings.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a proxy or a test server.
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int

	// KeySource returns a fresh API key. It backs RefreshCredentials.
	KeySource func(ctx context.Context) (string, error)
}

// Client classifies items and drafts replies with a chat model.
type Client struct {
	cfg Config

	mu     sync.RWMutex
	client *openai.Client
}

var (
	_ api.Classifier          = (*Client)(nil)
	_ api.DraftGenerator      = (*Client)(nil)
	_ api.CredentialRefresher = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" && cfg.KeySource == nil {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	c := &Client{cfg: cfg}
	c.client = c.newClient(cfg.APIKey)
	return c, nil
}

func (c *Client) newClient(key string) *openai.Client {
	oc := openai.DefaultConfig(key)
	if c.cfg.BaseURL != "" {
		oc.BaseURL = c.cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

// RefreshCredentials swaps in a key from Config.KeySource.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	if c.cfg.KeySource == nil {
		return errors.New("openai: no key source configured")
	}
	key, err := c.cfg.KeySource(ctx)
	if err != nil {
		return fmt.Errorf("openai: refresh key: %w", err)
	}
	c.mu.Lock()
	c.client = c.newClient(key)
	c.mu.Unlock()
	return nil
}

const classifyPrompt = `You triage email for a busy professional.
Reply with a JSON object with these keys:
"needs_response" (boolean): true when the sender expects a written reply,
"category" (string): a short folder name such as work, finance, newsletter or personal,
"priority" (string): one of low, normal, high,
"language" (string): ISO 639-1 code of the message,
"tone" (string): formal or casual.`

type classification struct {
	NeedsResponse bool   `json:"needs_response"`
	Category      string `json:"category"`
	Priority      string `json:"priority"`
	Language      string `json:"language"`
	Tone          string `json:"tone"`
}

// Classify asks the model whether item needs a reply and how to file it.
func (c *Client) Classify(ctx context.Context, item api.Item) (api.ClassificationResult, error) {
	content, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatItem(item)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return api.ClassificationResult{}, err
	}

	var out classification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		// A malformed answer is worth another attempt.
		return api.ClassificationResult{}, api.Transient(fmt.Errorf("openai: decode classification: %w", err))
	}
	if out.Category == "" {
		out.Category = "inbox"
	}
	if out.Priority == "" {
		out.Priority = "normal"
	}
	return api.ClassificationResult{
		NeedsResponse: out.NeedsResponse,
		Category:      out.Category,
		Priority:      out.Priority,
		Language:      out.Language,
		Tone:          out.Tone,
	}, nil
}

// Generate drafts a reply for req.Item.
func (c *Client) Generate(ctx context.Context, req api.DraftRequest) (string, error) {
	var sys strings.Builder
	sys.WriteString("Draft a reply to the email below on behalf of its recipient. Return only the reply body.")
	if req.Language != "" {
		fmt.Fprintf(&sys, " Write in language %q.", req.Language)
	}
	if req.Tone != "" {
		fmt.Fprintf(&sys, " Use a %s tone.", req.Tone)
	}

	var user strings.Builder
	user.WriteString(formatItem(req.Item))
	if len(req.Context.History) > 0 {
		user.WriteString("\n\nEarlier messages in the thread:\n")
		for _, h := range req.Context.History {
			user.WriteString("- ")
			user.WriteString(h)
			user.WriteString("\n")
		}
	}

	content, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sys.String()},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	draft := strings.TrimSpace(content)
	if draft == "" {
		return "", api.Transient(errors.New("openai: empty draft"))
	}
	return draft, nil
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", api.Transient(errors.New("openai: no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classify attaches the HTTP status of an API failure so the retry executor
// can tell throttling and outages from rejected requests.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &api.HTTPStatusError{Code: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &api.HTTPStatusError{Code: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}

func formatItem(item api.Item) string {
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", item.Sender, item.Subject, item.Body)
}
