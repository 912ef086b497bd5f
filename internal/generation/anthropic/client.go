// Package anthropic is a generation backend for the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/autotara/internal/generation"
)

const defaultMaxTokens = 8192

// Config configures the client.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

// Client implements generation.Completer. A pipeline run makes exactly one
// backend attempt, so SDK retries are disabled.
type Client struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature *float64
}

var _ generation.Completer = (*Client)(nil)

// New returns a Client for cfg.
func New(cfg Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   int64(maxTokens),
		temperature: cfg.Temperature,
	}
}

// Name implements generation.Completer.
func (c *Client) Name() string {
	return "anthropic"
}

// Complete implements generation.Completer.
func (c *Client) Complete(ctx context.Context, comp *generation.Completion) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(comp.User)),
		},
	}
	if comp.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: comp.System}}
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(*c.temperature)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("unexpected response format: no text block in %d content blocks", len(message.Content))
}
