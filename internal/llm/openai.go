package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
)

type openaiClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAI builds a Client for any OpenAI-compatible endpoint.
func NewOpenAI(cfg config.LLMConfig) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openaiClient{
		sdk:   sdk.NewClient(opts...),
		model: cfg.Model,
	}
}

func adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				content := m.Content
				if content == "" {
					content = " "
				}
				out = append(out, sdk.AssistantMessage(content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			content := m.Content
			if content == "" {
				content = " "
			}
			asst.Content.OfString = sdk.String(content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			content := m.Content
			if content == "" {
				content = " "
			}
			out = append(out, sdk.UserMessage(content))
		}
	}
	return out
}

func adaptTools(tools []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		def := sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

func (c *openaiClient) params(msgs []Message, tools []ToolSchema) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: adaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptTools(tools)
	}
	return params
}

func (c *openaiClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema) (Message, error) {
	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, c.params(msgs, tools))
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("chat_completion_error")
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	log.Debug().Str("model", c.model).Dur("duration", time.Since(start)).
		Int("messages", len(msgs)).Int("tools", len(tools)).Msg("chat_completion_ok")
	if len(comp.Choices) == 0 {
		return Message{Role: "assistant"}, nil
	}
	choice := comp.Choices[0].Message
	out := Message{Role: "assistant", Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if fn, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   fn.ID,
				Name: fn.Function.Name,
				Args: json.RawMessage(fn.Function.Arguments),
			})
		}
	}
	return out, nil
}

func (c *openaiClient) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, h StreamHandler) (Message, error) {
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, c.params(msgs, tools))
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	// Tool call fragments arrive incrementally keyed by the API index.
	toolCalls := map[int]*ToolCall{}
	maxIdx := -1
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if h != nil {
				h.OnDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &ToolCall{ID: tc.ID}
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = append(toolCalls[idx].Args, tc.Function.Arguments...)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Message{Role: "assistant", Content: content.String()}, fmt.Errorf("chat stream: %w", err)
	}
	out := Message{Role: "assistant", Content: content.String()}
	for i := 0; i <= maxIdx; i++ {
		if tc := toolCalls[i]; tc != nil && tc.Name != "" {
			out.ToolCalls = append(out.ToolCalls, *tc)
		}
	}
	return out, nil
}

func (c *openaiClient) Vision(ctx context.Context, model, imageDataURL, prompt string) (string, error) {
	if model == "" {
		model = c.model
	}
	parts := []sdk.ChatCompletionContentPartUnionParam{
		{
			OfImageURL: &sdk.ChatCompletionContentPartImageParam{
				ImageURL: sdk.ChatCompletionContentPartImageImageURLParam{URL: imageDataURL},
			},
		},
		{
			OfText: &sdk.ChatCompletionContentPartTextParam{Text: prompt},
		},
	}
	userMsg := sdk.ChatCompletionUserMessageParam{
		Content: sdk.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{{OfUser: &userMsg}},
	}
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(comp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(comp.Choices[0].Message.Content), nil
}
