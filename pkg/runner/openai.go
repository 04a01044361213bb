package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIConfig holds settings for OpenAI-backed runners.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int64
	SystemPrompt string
	Tools        []Tool
}

// OpenAIFactory builds OpenAIRunner instances.
type OpenAIFactory struct {
	cfg    OpenAIConfig
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIFactory creates a factory for OpenAI-backed runners.
func NewOpenAIFactory(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAIFactory, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("runner: openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4o
	}

	return &OpenAIFactory{
		cfg:    cfg,
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		logger: logger.With().Str("component", "openai_runner").Logger(),
	}, nil
}

// NewRunner creates a runner holding one conversation.
func (f *OpenAIFactory) NewRunner(ctx context.Context, sessionID, userID string) (Runner, error) {
	r := &OpenAIRunner{
		factory:   f,
		sessionID: sessionID,
		logger:    f.logger.With().Str("session_id", sessionID).Str("user_id", userID).Logger(),
	}
	if f.cfg.SystemPrompt != "" {
		r.messages = append(r.messages, openai.SystemMessage(f.cfg.SystemPrompt))
	}
	return r, nil
}

// OpenAIRunner drives one conversation against the OpenAI chat completions
// API, executing tool calls inline and emitting tagged events.
type OpenAIRunner struct {
	factory   *OpenAIFactory
	sessionID string
	logger    zerolog.Logger
	messages  []openai.ChatCompletionMessageParamUnion
}

// Run consumes one user message and streams the turn's events.
func (r *OpenAIRunner) Run(ctx context.Context, text string) (<-chan Event, error) {
	r.messages = append(r.messages, openai.UserMessage(text))

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		r.drive(ctx, out)
	}()
	return out, nil
}

// Close releases the runner.
func (r *OpenAIRunner) Close() error {
	return nil
}

func (r *OpenAIRunner) drive(ctx context.Context, out chan<- Event) {
	for round := 0; round < maxToolRounds; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(r.factory.cfg.Model),
			Messages: r.messages,
		}
		if r.factory.cfg.MaxTokens > 0 {
			params.MaxTokens = openai.Int(r.factory.cfg.MaxTokens)
		}
		if len(r.factory.cfg.Tools) > 0 {
			params.Tools = openaiTools(r.factory.cfg.Tools)
		}

		resp, err := r.factory.client.Chat.Completions.New(ctx, params)
		if err != nil {
			r.logger.Error().Err(err).Int("round", round).Msg("model call failed")
			out <- Event{Kind: KindError, Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			out <- Event{Kind: KindError, Err: fmt.Errorf("no response choices returned")}
			return
		}

		out <- Event{Kind: KindUsageUpdate, Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CandidatesTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}}

		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			out <- Event{Kind: KindTextChunk, Text: choice.Message.Content}
		}

		r.messages = append(r.messages, choice.Message.ToParam())

		if len(choice.Message.ToolCalls) == 0 {
			return
		}

		for _, tc := range choice.Message.ToolCalls {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = nil
			}

			tool, found := r.lookupTool(tc.Function.Name)
			out <- Event{Kind: KindToolCallStarted, Tool: &ToolCall{
				ID:          tc.ID,
				Name:        tc.Function.Name,
				Args:        args,
				LongRunning: found && tool.LongRunning,
			}}

			var result string
			var callErr error
			if found && tool.Handler != nil {
				result, callErr = tool.Handler(ctx, args)
			} else {
				callErr = fmt.Errorf("unknown tool: %s", tc.Function.Name)
			}

			if callErr != nil {
				out <- Event{Kind: KindToolCallFailed, Tool: &ToolCall{
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Error: callErr.Error(),
				}}
				r.messages = append(r.messages, openai.ToolMessage(callErr.Error(), tc.ID))
				continue
			}

			out <- Event{Kind: KindToolCallCompleted, Tool: &ToolCall{
				ID:     tc.ID,
				Name:   tc.Function.Name,
				Result: result,
			}}
			r.messages = append(r.messages, openai.ToolMessage(result, tc.ID))
		}
	}

	r.logger.Warn().Int("max_rounds", maxToolRounds).Msg("tool round budget exhausted")
}

func (r *OpenAIRunner) lookupTool(name string) (Tool, bool) {
	for _, t := range r.factory.cfg.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func openaiTools(tools []Tool) []openai.ChatCompletionToolParam {
	params := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		params = append(params, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.InputSchema),
			},
		})
	}
	return params
}
