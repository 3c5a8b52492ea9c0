// Package gemini implements the model.Provider contract on top of the Gemini
// API using google.golang.org/genai. Gemini has a native JSON mode
// (responseJsonSchema), so structured output passes through directly.
// Streaming is not wired for this provider; callers fall back to Complete.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"tessera/runtime/model"
)

// ProviderName identifies this adapter in registries and errors.
const ProviderName = "gemini"

type (
	// GenerateClient captures the subset of the genai models service used by
	// the adapter, satisfied by *genai.Models.
	GenerateClient interface {
		GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// MaxTokens is the default completion cap when a request does not set
		// MaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Provider on top of Gemini generateContent.
	Client struct {
		gen    GenerateClient
		maxTok int
		temp   float32
	}
)

var _ model.Provider = (*Client)(nil)

// New builds a Gemini-backed provider from the provided service subset.
func New(gen GenerateClient, opts Options) (*Client, error) {
	if gen == nil {
		return nil, errors.New("gemini: generate client is required")
	}
	return &Client{gen: gen, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a provider against the public Gemini API.
func NewFromAPIKey(ctx context.Context, apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return New(gc.Models, opts)
}

// Name returns the provider identifier.
func (c *Client) Name() string { return ProviderName }

// Traits reports native JSON mode. Gemini thought summaries are not
// replayable blocks, so thinking never interleaves with tool calls.
func (c *Client) Traits() model.Traits {
	return model.Traits{NativeJSONMode: true, InterleavedThinking: false}
}

// DiscoverModels returns the supported catalog. Capabilities are inferred
// from the name, never probed.
func (c *Client) DiscoverModels(context.Context) ([]model.ModelInfo, error) {
	names := []string{
		"gemini-2.0-flash",
		"gemini-2.5-flash",
		"gemini-2.5-pro",
	}
	out := make([]model.ModelInfo, 0, len(names))
	for _, n := range names {
		out = append(out, inferInfo(n))
	}
	return out, nil
}

// GetModelInfo returns the inferred descriptor for any gemini-prefixed model.
func (c *Client) GetModelInfo(_ context.Context, name string) (*model.ModelInfo, bool) {
	if !strings.HasPrefix(name, "gemini") {
		return nil, false
	}
	info := inferInfo(name)
	return &info, true
}

// Complete issues a generateContent request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("gemini: model identifier is required")
	}
	contents, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if maxTok := req.MaxTokens; maxTok > 0 {
		config.MaxOutputTokens = int32(maxTok)
	} else if c.maxTok > 0 {
		config.MaxOutputTokens = int32(c.maxTok)
	}
	if t := req.Temperature; t > 0 {
		config.Temperature = genai.Ptr(t)
	} else if c.temp > 0 {
		config.Temperature = genai.Ptr(c.temp)
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		config.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		config.ToolConfig = tc
	}
	if rf := req.ResponseFormat; rf != nil {
		config.ResponseMIMEType = "application/json"
		if len(rf.Schema) > 0 {
			config.ResponseJsonSchema = rf.Schema
		}
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = model.DefaultThinkingBudget
		}
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(budget)),
		}
	}
	resp, err := c.gen.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, wrapErr("models.generate_content", err)
	}
	return translateResponse(resp), nil
}

// Stream is not supported for Gemini; the orchestrator falls back to
// Complete with a final snapshot.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// encodeMessages converts normalized messages into genai contents. System
// text is concatenated into a single system instruction. Tool results are
// correlated back to function names via the tool use IDs seen earlier in the
// conversation.
func encodeMessages(msgs []*model.Message) ([]*genai.Content, string, error) {
	var (
		contents []*genai.Content
		system   strings.Builder
		idToName = make(map[string]string)
	)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			if text := model.TextOf(m); text != "" {
				if system.Len() > 0 {
					system.WriteString("\n")
				}
				system.WriteString(text)
			}
			continue
		}
		var parts []*genai.Part
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					parts = append(parts, &genai.Part{Text: v.Text})
				}
			case model.ImagePart:
				if len(v.Data) == 0 {
					continue
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: v.MIMEType, Data: v.Data}})
			case model.ThinkingPart:
				// dropped: thought summaries are not replayable
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, "", errors.New("gemini: tool_use part missing name")
				}
				idToName[v.ID] = v.Name
				args, _ := v.Input.(map[string]any)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   v.ID,
					Name: v.Name,
					Args: args,
				}})
			case model.ToolResultPart:
				name := idToName[v.ToolUseID]
				if name == "" {
					name = v.ToolUseID
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:   v.ToolUseID,
					Name: name,
					Response: map[string]any{
						"content":  toolResultContent(v),
						"is_error": v.IsError,
					},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser, model.ConversationRoleTool:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		case model.ConversationRoleAssistant:
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			return nil, "", fmt.Errorf("gemini: unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, "", errors.New("gemini: at least one user/assistant message is required")
	}
	return contents, system.String(), nil
}

func toolResultContent(v model.ToolResultPart) any {
	switch c := v.Content.(type) {
	case []byte:
		return string(c)
	default:
		return v.Content
	}
}

func encodeTools(defs []*model.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 def.Name,
			Description:          def.Description,
			ParametersJsonSchema: def.InputSchema,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func encodeToolChoice(choice *model.ToolChoice, defs []*model.ToolDefinition) (*genai.ToolConfig, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return nil, nil
	case model.ToolChoiceModeNone:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeNone,
		}}, nil
	case model.ToolChoiceModeAny:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAny,
		}}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return nil, errors.New("gemini: forced tool choice requires a tool name")
		}
		found := false
		for _, def := range defs {
			if def != nil && def.Name == choice.Name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("gemini: tool choice name %q does not match any tool", choice.Name)
		}
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{choice.Name},
		}}, nil
	default:
		return nil, fmt.Errorf("gemini: unsupported tool choice mode %q", choice.Mode)
	}
}

// translateResponse converts the first candidate into one assistant message.
// Thought parts become ThinkingPart entries; function calls become tool_use
// parts with synthesized IDs when the provider omits them.
func translateResponse(resp *genai.GenerateContentResponse) *model.Response {
	out := &model.Response{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	out.StopReason = string(candidate.FinishReason)
	if candidate.Content == nil {
		return out
	}

	assistant := &model.Message{Role: model.ConversationRoleAssistant}
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(out.ToolCalls))
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			assistant.Parts = append(assistant.Parts, model.ToolUsePart{
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: args,
			})
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Thought:
			if part.Text != "" {
				assistant.Parts = append(assistant.Parts, model.ThinkingPart{Text: part.Text})
			}
		case part.Text != "":
			assistant.Parts = append(assistant.Parts, model.TextPart{Text: part.Text})
		}
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
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.Code == 401 || apierr.Code == 403:
			kind = model.ProviderErrorKindAuth
		case apierr.Code == 429:
			kind = model.ProviderErrorKindRateLimited
			retryable = true
		case apierr.Code >= 500:
			kind = model.ProviderErrorKindUnavailable
			retryable = true
		case apierr.Code >= 400:
			kind = model.ProviderErrorKindInvalidRequest
		}
	}
	return model.NewProviderError(ProviderName, op, kind, "", retryable, err)
}

// inferInfo derives capability flags from the model name. The 2.5 generation
// exposes thought summaries.
func inferInfo(name string) model.ModelInfo {
	thinking := strings.HasPrefix(name, "gemini-2.5") || strings.HasPrefix(name, "gemini-3")
	return model.ModelInfo{
		Name:                     name,
		Provider:                 ProviderName,
		SupportsStructuredOutput: true,
		SupportsTools:            true,
		SupportsStreaming:        false,
		SupportsThinking:         thinking,
		SupportsMultimodal:       true,
		ContextLength:            1048576,
	}
}
