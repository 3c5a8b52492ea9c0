// Package anthropic implements the model.Provider contract on top of the
// Anthropic Messages API. It translates normalized requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool use, thinking, usage) back into the generic
// structures. Anthropic has no native JSON mode, so structured output is
// emulated upstream with a forced tool.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/pagination"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"tessera/runtime/model"
)

// ProviderName identifies this adapter in registries and errors.
const ProviderName = "anthropic"

// interleavedThinkingBeta enables thinking blocks interleaved with tool use.
const interleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// defaultMaxTokens caps completions when the request does not specify one.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// ModelsClient captures the model listing subset of the SDK, satisfied by
	// *sdk.ModelService.
	ModelsClient interface {
		List(ctx context.Context, query sdk.ModelListParams, opts ...option.RequestOption) (*pagination.Page[sdk.ModelInfo], error)
	}

	// Options configures the adapter.
	Options struct {
		// MaxTokens is the default completion cap when a request does not set
		// MaxTokens (default 4096).
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Provider on top of Anthropic Messages.
	Client struct {
		msg    MessagesClient
		models ModelsClient
		maxTok int
		temp   float64
	}
)

var _ model.Provider = (*Client)(nil)

// New builds an Anthropic-backed provider from the provided SDK service
// subsets. models may be nil; discovery then returns the documented aliases.
func New(msg MessagesClient, models ModelsClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, models: models, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a provider using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, &ac.Models, opts)
}

// Name returns the provider identifier.
func (c *Client) Name() string { return ProviderName }

// Traits reports that structured output requires tool emulation and that
// thinking interleaves with tool calls.
func (c *Client) Traits() model.Traits {
	return model.Traits{NativeJSONMode: false, InterleavedThinking: true}
}

// DiscoverModels lists served models with inferred capability flags.
func (c *Client) DiscoverModels(ctx context.Context) ([]model.ModelInfo, error) {
	if c.models == nil {
		return staticCatalog(), nil
	}
	page, err := c.models.List(ctx, sdk.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic models.list: %w", err)
	}
	var out []model.ModelInfo
	for _, m := range page.Data {
		out = append(out, inferInfo(string(m.ID)))
	}
	if len(out) == 0 {
		return staticCatalog(), nil
	}
	return out, nil
}

// GetModelInfo returns the inferred descriptor for any claude-prefixed model
// name. Capabilities are derived from the name, never probed.
func (c *Client) GetModelInfo(_ context.Context, name string) (*model.ModelInfo, bool) {
	if !strings.HasPrefix(name, "claude") {
		return nil, false
	}
	info := inferInfo(name)
	return &info, true
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, reqOpts, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params, reqOpts...)
	if err != nil {
		return nil, wrapErr("messages.new", err)
	}
	return translateResponse(msg, provToCanon)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, reqOpts, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params, reqOpts...)
	if err := stream.Err(); err != nil {
		return nil, wrapErr("messages.new stream", err)
	}
	return newStreamer(ctx, stream, provToCanon), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, []option.RequestOption, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, nil, errors.New("anthropic: messages are required")
	}
	if req.Model == "" {
		return nil, nil, nil, errors.New("anthropic: model identifier is required")
	}
	toolParams, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	var reqOpts []option.RequestOption
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = model.DefaultThinkingBudget
		}
		if budget >= maxTokens {
			return nil, nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
		reqOpts = append(reqOpts, option.WithHeader("anthropic-beta", interleavedThinkingBeta))
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToProv)
		if err != nil {
			return nil, nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, reqOpts, provToCanon, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages splits system messages out into the system parameter and
// converts the rest into content block lists. Within a message, image parts
// are emitted before text so vision inputs precede their captions.
func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		var images, blocks []sdk.ContentBlockParamUnion
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ImagePart:
				if len(v.Data) == 0 {
					continue
				}
				encoded := base64.StdEncoding.EncodeToString(v.Data)
				images = append(images, sdk.NewImageBlockBase64(v.MIMEType, encoded))
			case model.ThinkingPart:
				// Only signed thinking is replayable; unsigned blocks are
				// dropped when rebuilding assistant turns.
				if v.Signature != "" {
					blocks = append(blocks, sdk.NewThinkingBlock(v.Signature, v.Text))
				} else if len(v.Redacted) > 0 {
					blocks = append(blocks, sdk.NewRedactedThinkingBlock(string(v.Redacted)))
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use part missing name")
				}
				name := v.Name
				if sanitized, ok := nameMap[v.Name]; ok && sanitized != "" {
					name = sanitized
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, name))
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			}
		}
		blocks = append(images, blocks...)
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser, model.ConversationRoleTool:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized

		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToProv, provToCanon, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	// Round-trip so nested values are plain JSON data.
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToProv map[string]string) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceModeAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: forced tool choice requires a tool name")
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok || sanitized == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

// sanitizeToolName maps a tool identifier onto the character class Anthropic
// accepts, replacing disallowed runes with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// translateResponse converts an SDK message into one assistant message whose
// part order mirrors the provider's block order.
func translateResponse(msg *sdk.Message, provToCanon map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	assistant := &model.Message{Role: model.ConversationRoleAssistant}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				assistant.Parts = append(assistant.Parts, model.TextPart{Text: block.Text})
			}
		case "thinking":
			assistant.Parts = append(assistant.Parts, model.ThinkingPart{
				Text:      block.Thinking,
				Signature: block.Signature,
			})
		case "redacted_thinking":
			assistant.Parts = append(assistant.Parts, model.ThinkingPart{
				Redacted: []byte(block.Data),
			})
		case "tool_use":
			name := block.Name
			// The model can hallucinate names that were never advertised;
			// surface them as-is and let the orchestrator reject them.
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			args := decodeArguments(block.Input)
			assistant.Parts = append(assistant.Parts, model.ToolUsePart{
				ID:    block.ID,
				Name:  name,
				Input: args,
			})
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      name,
				Arguments: args,
			})
		}
	}
	if len(assistant.Parts) > 0 {
		resp.Content = append(resp.Content, assistant)
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

// wrapErr classifies an SDK failure into a ProviderError.
func wrapErr(op string, err error) error {
	kind := model.ProviderErrorKindUnknown
	retryable := false
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			kind = model.ProviderErrorKindAuth
		case apierr.StatusCode == 429:
			kind = model.ProviderErrorKindRateLimited
			retryable = true
		case apierr.StatusCode >= 500:
			kind = model.ProviderErrorKindUnavailable
			retryable = true
		case apierr.StatusCode >= 400:
			kind = model.ProviderErrorKindInvalidRequest
		}
	}
	return model.NewProviderError(ProviderName, op, kind, "", retryable, err)
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// inferInfo derives capability flags from the model name. Extended thinking
// shipped with the 3.7 generation.
func inferInfo(name string) model.ModelInfo {
	thinking := strings.Contains(name, "claude-3-7") ||
		strings.Contains(name, "claude-opus-4") ||
		strings.Contains(name, "claude-sonnet-4") ||
		strings.Contains(name, "claude-haiku-4") ||
		strings.Contains(name, "claude-4")
	return model.ModelInfo{
		Name:                     name,
		Provider:                 ProviderName,
		SupportsStructuredOutput: true,
		SupportsTools:            true,
		SupportsStreaming:        true,
		SupportsThinking:         thinking,
		SupportsMultimodal:       true,
		ContextLength:            200000,
	}
}

// staticCatalog is the discovery fallback when no models client is wired.
func staticCatalog() []model.ModelInfo {
	names := []string{
		"claude-3-5-sonnet-latest",
		"claude-3-5-haiku-latest",
		"claude-3-7-sonnet-latest",
	}
	out := make([]model.ModelInfo, 0, len(names))
	for _, n := range names {
		out = append(out, inferInfo(n))
	}
	return out
}
