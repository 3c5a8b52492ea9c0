// Package openai implements the model.Provider contract on top of the OpenAI
// Chat Completions API using github.com/sashabaranov/go-openai. OpenAI has a
// native JSON mode, so structured output requests are passed through as
// response_format json_schema instead of being emulated with a forced tool.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"tessera/runtime/model"
)

// ProviderName identifies this adapter in registries and errors.
const ProviderName = "openai"

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. The streaming method returns the narrow ChatStream interface so
	// tests can substitute a scripted stream.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
	}

	// ChatStream is the receive side of a chat completion stream, satisfied by
	// *openai.ChatCompletionStream.
	ChatStream interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// ModelsClient lists served models, satisfied by *openai.Client.
	ModelsClient interface {
		ListModels(ctx context.Context) (openai.ModelsList, error)
	}

	// Options configures the adapter.
	Options struct {
		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Provider on top of OpenAI Chat Completions.
	Client struct {
		chat   ChatClient
		models ModelsClient
		temp   float32
	}
)

var _ model.Provider = (*Client)(nil)

// New builds an OpenAI-backed provider from the provided client subsets.
// models may be nil; discovery then returns a static catalog.
func New(chat ChatClient, models ModelsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, models: models, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a provider using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(apiKey)
	return New(sdkChat{oc}, oc, opts)
}

// sdkChat adapts *openai.Client to ChatClient, narrowing the concrete stream
// type to the ChatStream interface.
type sdkChat struct {
	c *openai.Client
}

func (s sdkChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return s.c.CreateChatCompletion(ctx, req)
}

func (s sdkChat) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	return s.c.CreateChatCompletionStream(ctx, req)
}

// Name returns the provider identifier.
func (c *Client) Name() string { return ProviderName }

// Traits reports native JSON mode. Reasoning happens server side and is not
// interleaved with tool calls as replayable blocks.
func (c *Client) Traits() model.Traits {
	return model.Traits{NativeJSONMode: true, InterleavedThinking: false}
}

// DiscoverModels lists served chat models with inferred capability flags.
// Non-chat entries (embeddings, audio, images) are filtered out by prefix.
func (c *Client) DiscoverModels(ctx context.Context) ([]model.ModelInfo, error) {
	if c.models == nil {
		return staticCatalog(), nil
	}
	list, err := c.models.ListModels(ctx)
	if err != nil {
		return nil, wrapErr("models.list", err)
	}
	var out []model.ModelInfo
	for _, m := range list.Models {
		if !isChatModel(m.ID) {
			continue
		}
		out = append(out, inferInfo(m.ID))
	}
	if len(out) == 0 {
		return staticCatalog(), nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetModelInfo returns the inferred descriptor for any recognized chat model
// name. Capabilities are derived from the name, never probed.
func (c *Client) GetModelInfo(_ context.Context, name string) (*model.ModelInfo, bool) {
	if !isChatModel(name) {
		return nil, false
	}
	info := inferInfo(name)
	return &info, true
}

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	request, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, wrapErr("chat.completions", err)
	}
	return translateResponse(resp), nil
}

// Stream issues a streaming chat completion and adapts deltas into
// model.Chunks. Usage reporting is requested via stream_options.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	request, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, wrapErr("chat.completions stream", err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) prepareRequest(req *model.Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     tools,
	}
	if t := req.Temperature; t > 0 {
		request.Temperature = t
	} else if c.temp > 0 {
		request.Temperature = c.temp
	}
	if req.ResponseFormat != nil {
		format, err := encodeResponseFormat(req.ResponseFormat)
		if err != nil {
			return nil, err
		}
		request.ResponseFormat = format
	}
	if req.ToolChoice != nil {
		choice, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		request.ToolChoice = choice
	}
	return &request, nil
}

// encodeMessages converts normalized messages into chat completion messages.
// Tool results become dedicated "tool" role messages correlated by call ID.
// Thinking parts are never replayed: OpenAI reasoning is server side only.
func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var (
			text      strings.Builder
			images    []openai.ChatMessagePart
			toolCalls []openai.ToolCall
			results   []openai.ChatCompletionMessage
		)
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				text.WriteString(v.Text)
			case model.ImagePart:
				if len(v.Data) == 0 {
					continue
				}
				images = append(images, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", v.MIMEType, base64.StdEncoding.EncodeToString(v.Data)),
					},
				})
			case model.ThinkingPart:
				// dropped
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, errors.New("openai: tool_use part missing name")
				}
				args, err := json.Marshal(v.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool_use %s input: %w", v.Name, err)
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:       v.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: v.Name, Arguments: string(args)},
				})
			case model.ToolResultPart:
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResultContent(v),
					ToolCallID: v.ToolUseID,
				})
			}
		}

		switch m.Role {
		case model.ConversationRoleSystem:
			if text.Len() > 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: text.String()})
			}
		case model.ConversationRoleUser, model.ConversationRoleTool:
			// Tool results win over plain text when both are present; image
			// parts force the multi-content form with images before text.
			out = append(out, results...)
			switch {
			case len(images) > 0:
				parts := images
				if text.Len() > 0 {
					parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text.String()})
				}
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
			case text.Len() > 0 && len(results) == 0:
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
			}
		case model.ConversationRoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text.String(), ToolCalls: toolCalls}
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, msg)
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func toolResultContent(v model.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func encodeToolChoice(choice *model.ToolChoice, defs []*model.ToolDefinition) (any, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return nil, nil
	case model.ToolChoiceModeNone:
		return "none", nil
	case model.ToolChoiceModeAny:
		return "required", nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return nil, errors.New("openai: forced tool choice requires a tool name")
		}
		found := false
		for _, def := range defs {
			if def != nil && def.Name == choice.Name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}, nil
	default:
		return nil, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func encodeResponseFormat(rf *model.ResponseFormat) (*openai.ChatCompletionResponseFormat, error) {
	if len(rf.Schema) == 0 {
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}, nil
	}
	name := rf.Name
	if name == "" {
		name = "response"
	}
	data, err := json.Marshal(rf.Schema)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal response schema: %w", err)
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: json.RawMessage(data),
			Strict: rf.Strict,
		},
	}, nil
}

// translateResponse converts the first choice into one assistant message with
// text then tool_use parts, mirroring the wire order.
func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)

	assistant := &model.Message{Role: model.ConversationRoleAssistant}
	if choice.Message.Content != "" {
		assistant.Parts = append(assistant.Parts, model.TextPart{Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		args := decodeArguments(call.Function.Arguments)
		assistant.Parts = append(assistant.Parts, model.ToolUsePart{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: args,
		})
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(assistant.Parts) > 0 {
		out.Content = append(out.Content, assistant)
	}
	return out
}

// wrapErr classifies an SDK failure into a ProviderError.
func wrapErr(op string, err error) error {
	kind := model.ProviderErrorKindUnknown
	retryable := false
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.HTTPStatusCode == 401 || apierr.HTTPStatusCode == 403:
			kind = model.ProviderErrorKindAuth
		case apierr.HTTPStatusCode == 429:
			kind = model.ProviderErrorKindRateLimited
			retryable = true
		case apierr.HTTPStatusCode >= 500:
			kind = model.ProviderErrorKindUnavailable
			retryable = true
		case apierr.HTTPStatusCode >= 400:
			kind = model.ProviderErrorKindInvalidRequest
		}
	}
	return model.NewProviderError(ProviderName, op, kind, "", retryable, err)
}

func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// isChatModel reports whether the identifier names a chat-capable model, by
// prefix. Embedding, audio and image models never match.
func isChatModel(name string) bool {
	for _, prefix := range []string{"gpt-", "chatgpt-", "o1", "o3", "o4"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// inferInfo derives capability flags from the model name. The o-series
// reasons server side without emitting replayable thinking blocks, so
// SupportsThinking stays false across the board.
func inferInfo(name string) model.ModelInfo {
	legacy := strings.HasPrefix(name, "gpt-3.5")
	contextLength := 128000
	if legacy {
		contextLength = 16385
	}
	return model.ModelInfo{
		Name:                     name,
		Provider:                 ProviderName,
		SupportsStructuredOutput: !legacy,
		SupportsTools:            true,
		SupportsStreaming:        true,
		SupportsThinking:         false,
		SupportsMultimodal:       !legacy,
		ContextLength:            contextLength,
	}
}

// staticCatalog is the discovery fallback when no models client is wired.
func staticCatalog() []model.ModelInfo {
	names := []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"o1-mini",
	}
	out := make([]model.ModelInfo, 0, len(names))
	for _, n := range names {
		out = append(out, inferInfo(n))
	}
	return out
}
