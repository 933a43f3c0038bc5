package models

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	VisionModel string // defaults to Model
	MaxTokens   int    // used by Analyze
}

// OpenAIProvider implements ports.Provider and ports.VisionModel over any
// OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	healthTracker
	client *openai.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIProvider creates a provider. An empty BaseURL targets api.openai.com.
func NewOpenAIProvider(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With().Str("component", "openai").Str("model", cfg.Model).Logger(),
	}, nil
}

// Complete runs one chat completion, including native tool calls.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    buildMessages(in),
		MaxTokens:   opts.MaxNewTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	}
	if opts.Seed != 0 {
		seed := opts.Seed
		req.Seed = &seed
	}
	if in.ResponseFormat == ports.ResponseFormatJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	for _, spec := range in.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(spec.JSONSchema),
			},
		})
	}
	if len(req.Tools) > 0 && opts.ToolChoice != "" {
		req.ToolChoice = opts.ToolChoice
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.recordFailure(err.Error())
		return ports.Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		p.recordFailure("empty choices")
		return ports.Completion{}, errors.New("chat completion returned no choices")
	}
	p.recordSuccess(time.Since(start))

	msg := resp.Choices[0].Message
	out := ports.Completion{
		Text: msg.Content,
		Raw:  resp,
		Usage: &ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
	}

	p.logger.Debug().
		Int("tool_calls", len(out.ToolCalls)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("Chat completion")
	return out, nil
}

// Analyze sends a prompt with inline images to the vision model.
func (p *OpenAIProvider) Analyze(ctx context.Context, prompt string, images []ports.ImagePart) (string, error) {
	parts := make([]openai.ChatMessagePart, 0, 2*len(images)+1)
	for _, img := range images {
		if img.Label != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: img.Label + ":"})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL(img),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: prompt})

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.VisionModel,
		MaxTokens: p.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		}},
	})
	if err != nil {
		p.recordFailure(err.Error())
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		p.recordFailure("empty choices")
		return "", errors.New("vision request returned no choices")
	}
	p.recordSuccess(time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(in ports.PromptInput) []openai.ChatCompletionMessage {
	system := in.System
	if len(in.Context) > 0 {
		system += "\n\n## Document Excerpts\n" + strings.Join(in.Context, "\n\n")
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range in.Messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case ports.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case ports.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		case ports.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func dataURL(img ports.ImagePart) string {
	mime := img.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

var (
	_ ports.Provider    = (*OpenAIProvider)(nil)
	_ ports.VisionModel = (*OpenAIProvider)(nil)
)
