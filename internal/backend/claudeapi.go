package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DirectAPIName names the direct-API path, the one backend here that
// calls a provider API instead of spawning a subprocess, kept for the
// token accounting a direct call exposes. It is not a key in Builtins,
// so Resolve never returns it and no config setting selects it.
const DirectAPIName = "claude-api"

// DirectAPIBackend issues prompts straight to the Anthropic Messages
// API rather than through a CLI subprocess. Its Run takes only a
// prompt and returns a DirectResult with token counts; the loop driver
// runs backends only through the package-level Run and does not call it.
type DirectAPIBackend struct {
	client *anthropic.Client
	model  anthropic.Model
}

// DirectAPIConfig configures a DirectAPIBackend.
type DirectAPIConfig struct {
	APIKey string
	Model  string
}

// NewDirectAPIBackend constructs a DirectAPIBackend from cfg.
func NewDirectAPIBackend(cfg DirectAPIConfig) *DirectAPIBackend {
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &DirectAPIBackend{client: &client, model: model}
}

// DirectResult mirrors Result but adds the token accounting a direct
// API call exposes that a subprocess's stdout never reports.
type DirectResult struct {
	Result
	InputTokens  int64
	OutputTokens int64
}

// Run sends prompt as a single user message and returns the
// concatenated text content of the response.
func (d *DirectAPIBackend) Run(ctx context.Context, prompt string) (DirectResult, error) {
	resp, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return DirectResult{}, fmt.Errorf("backend: claude-api call: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}

	return DirectResult{
		Result: Result{
			Output:  out.String(),
			Success: true,
		},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
