package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

// AnthropicConfig holds settings for Anthropic-backed runners.
type AnthropicConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int64
	SystemPrompt string
	Tools        []Tool
}

// AnthropicFactory builds AnthropicRunner instances.
type AnthropicFactory struct {
	cfg    AnthropicConfig
	client anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicFactory creates a factory for Anthropic-backed runners.
func NewAnthropicFactory(cfg AnthropicConfig, logger zerolog.Logger) (*AnthropicFactory, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("runner: anthropic API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_0)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	return &AnthropicFactory{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		logger: logger.With().Str("component", "anthropic_runner").Logger(),
	}, nil
}

// NewRunner creates a runner holding one conversation.
func (f *AnthropicFactory) NewRunner(ctx context.Context, sessionID, userID string) (Runner, error) {
	return &AnthropicRunner{
		factory:   f,
		sessionID: sessionID,
		logger:    f.logger.With().Str("session_id", sessionID).Str("user_id", userID).Logger(),
	}, nil
}

// AnthropicRunner drives one conversation against the Anthropic API,
// executing tool calls inline and emitting tagged events.
type AnthropicRunner struct {
	factory   *AnthropicFactory
	sessionID string
	logger    zerolog.Logger
	messages  []anthropic.MessageParam
}

// Run consumes one user message and streams the turn's events. The channel
// closes when the model stops requesting tools or the round bound is hit.
func (r *AnthropicRunner) Run(ctx context.Context, text string) (<-chan Event, error) {
	r.messages = append(r.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		r.drive(ctx, out)
	}()
	return out, nil
}

// Close releases the runner. The SDK client is shared with the factory so
// there is nothing to tear down per conversation.
func (r *AnthropicRunner) Close() error {
	return nil
}

func (r *AnthropicRunner) drive(ctx context.Context, out chan<- Event) {
	for round := 0; round < maxToolRounds; round++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(r.factory.cfg.Model),
			Messages:  r.messages,
			MaxTokens: r.factory.cfg.MaxTokens,
		}
		if r.factory.cfg.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: r.factory.cfg.SystemPrompt}}
		}
		if len(r.factory.cfg.Tools) > 0 {
			params.Tools = anthropicTools(r.factory.cfg.Tools)
		}

		resp, err := r.factory.client.Messages.New(ctx, params)
		if err != nil {
			r.logger.Error().Err(err).Int("round", round).Msg("model call failed")
			out <- Event{Kind: KindError, Err: err}
			return
		}

		out <- Event{Kind: KindUsageUpdate, Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CandidatesTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}}

		var toolUses []anthropic.ToolUseBlock
		var textParts []string
		for _, block := range resp.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				textParts = append(textParts, b.Text)
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, b)
			}
		}

		if len(textParts) > 0 {
			out <- Event{Kind: KindTextChunk, Parts: textParts}
		}

		r.messages = append(r.messages, resp.ToParam())

		if len(toolUses) == 0 {
			return
		}

		var results []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tu.JSON.Input.Raw()), &args); err != nil {
				args = nil
			}

			tool, found := r.lookupTool(tu.Name)
			out <- Event{Kind: KindToolCallStarted, Tool: &ToolCall{
				ID:          tu.ID,
				Name:        tu.Name,
				Args:        args,
				LongRunning: found && tool.LongRunning,
			}}

			result, callErr := r.execute(ctx, tu.Name, tool, found, args)
			if callErr != nil {
				out <- Event{Kind: KindToolCallFailed, Tool: &ToolCall{
					ID:    tu.ID,
					Name:  tu.Name,
					Error: callErr.Error(),
				}}
				results = append(results, anthropic.NewToolResultBlock(tu.ID, callErr.Error(), true))
				continue
			}

			out <- Event{Kind: KindToolCallCompleted, Tool: &ToolCall{
				ID:     tu.ID,
				Name:   tu.Name,
				Result: result,
			}}
			results = append(results, anthropic.NewToolResultBlock(tu.ID, result, false))
		}

		r.messages = append(r.messages, anthropic.NewUserMessage(results...))
	}

	r.logger.Warn().Int("max_rounds", maxToolRounds).Msg("tool round budget exhausted")
}

func (r *AnthropicRunner) lookupTool(name string) (Tool, bool) {
	for _, t := range r.factory.cfg.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func (r *AnthropicRunner) execute(ctx context.Context, name string, tool Tool, found bool, args map[string]interface{}) (string, error) {
	if !found || tool.Handler == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(ctx, args)
}

func anthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	params := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tp := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
		}
		if t.InputSchema != nil {
			tp.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
			}
			if required, ok := t.InputSchema["required"].([]interface{}); ok {
				strs := make([]string, 0, len(required))
				for _, v := range required {
					if s, ok := v.(string); ok {
						strs = append(strs, s)
					}
				}
				tp.InputSchema.Required = strs
			}
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return params
}
