// Package ollama implements the model.Provider contract against a local
// Ollama server. The adapter is key-less: it talks plain JSON over HTTP to
// /api/chat for completions and /api/tags for discovery. Structured output
// uses the native format parameter, which accepts a JSON schema.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tessera/runtime/model"
)

// ProviderName identifies this adapter in registries and errors.
const ProviderName = "ollama"

// DefaultBaseURL is the standard local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

type (
	// Options configures the adapter.
	Options struct {
		// BaseURL overrides the Ollama server address (default
		// http://localhost:11434).
		BaseURL string

		// HTTPClient overrides the HTTP client used for requests.
		HTTPClient *http.Client

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Provider against the Ollama HTTP API.
	Client struct {
		base string
		http *http.Client
		temp float32
	}
)

var _ model.Provider = (*Client)(nil)

// New builds an Ollama-backed provider. No credentials are required.
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{base: base, http: hc, temp: opts.Temperature}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return ProviderName }

// Traits reports native JSON mode via the format parameter.
func (c *Client) Traits() model.Traits {
	return model.Traits{NativeJSONMode: true, InterleavedThinking: false}
}

// chat API wire types.
type (
	chatRequest struct {
		Model    string         `json:"model"`
		Messages []chatMessage  `json:"messages"`
		Stream   bool           `json:"stream"`
		Tools    []chatTool     `json:"tools,omitempty"`
		Format   json.RawMessage `json:"format,omitempty"`
		Options  *chatOptions   `json:"options,omitempty"`
	}

	chatMessage struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		Images    []string       `json:"images,omitempty"`
		ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	}

	chatTool struct {
		Type     string           `json:"type"`
		Function chatToolFunction `json:"function"`
	}

	chatToolFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	chatToolCall struct {
		Function chatToolCallFunction `json:"function"`
	}

	chatToolCallFunction struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	chatOptions struct {
		Temperature float32 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	}

	chatResponse struct {
		Message         chatMessage `json:"message"`
		Done            bool        `json:"done"`
		DoneReason      string      `json:"done_reason"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
		Error           string      `json:"error"`
	}

	tagsResponse struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
)

// DiscoverModels lists locally pulled models via /api/tags.
func (c *Client) DiscoverModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: build tags request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapErr("tags", model.ProviderErrorKindUnavailable, true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("tags", resp)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags response: %w", err)
	}
	out := make([]model.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, inferInfo(m.Name))
	}
	return out, nil
}

// GetModelInfo accepts any name: Ollama model tags are user defined, so
// capabilities are assumed rather than inferred from a naming scheme.
func (c *Client) GetModelInfo(_ context.Context, name string) (*model.ModelInfo, bool) {
	if name == "" {
		return nil, false
	}
	info := inferInfo(name)
	return &info, true
}

// Complete issues a non-streaming /api/chat request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	body, err := c.prepareRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("chat", resp)
	}
	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("ollama: decode chat response: %w", err)
	}
	if chat.Error != "" {
		return nil, wrapErr("chat", model.ProviderErrorKindUnknown, false, errors.New(chat.Error))
	}
	return translateResponse(chat), nil
}

// Stream issues a streaming /api/chat request and adapts newline-delimited
// JSON frames into model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	body, err := c.prepareRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr("chat", resp)
	}
	return newStreamer(resp.Body), nil
}

func (c *Client) do(ctx context.Context, body *chatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ollama: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapErr("chat", model.ProviderErrorKindUnavailable, true, err)
	}
	return resp, nil
}

func (c *Client) prepareRequest(req *model.Request, stream bool) (*chatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("ollama: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("ollama: model identifier is required")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out := &chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
		Tools:    encodeTools(req.Tools),
	}
	if rf := req.ResponseFormat; rf != nil {
		if len(rf.Schema) > 0 {
			data, err := json.Marshal(rf.Schema)
			if err != nil {
				return nil, fmt.Errorf("ollama: marshal response schema: %w", err)
			}
			out.Format = json.RawMessage(data)
		} else {
			out.Format = json.RawMessage(`"json"`)
		}
	}
	opts := chatOptions{NumPredict: req.MaxTokens}
	if t := req.Temperature; t > 0 {
		opts.Temperature = t
	} else if c.temp > 0 {
		opts.Temperature = c.temp
	}
	if opts != (chatOptions{}) {
		out.Options = &opts
	}
	return out, nil
}

// encodeMessages flattens normalized messages into the Ollama chat shape.
// Images travel as base64 strings alongside the text; tool results become
// dedicated tool-role messages; thinking parts are dropped.
func encodeMessages(msgs []*model.Message) ([]chatMessage, error) {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var (
			text      strings.Builder
			images    []string
			toolCalls []chatToolCall
			results   []chatMessage
		)
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				text.WriteString(v.Text)
			case model.ImagePart:
				if len(v.Data) > 0 {
					images = append(images, encodeImage(v.Data))
				}
			case model.ThinkingPart:
				// dropped
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, errors.New("ollama: tool_use part missing name")
				}
				args, _ := v.Input.(map[string]any)
				toolCalls = append(toolCalls, chatToolCall{Function: chatToolCallFunction{Name: v.Name, Arguments: args}})
			case model.ToolResultPart:
				results = append(results, chatMessage{Role: "tool", Content: toolResultContent(v)})
			}
		}
		switch m.Role {
		case model.ConversationRoleSystem:
			if text.Len() > 0 {
				out = append(out, chatMessage{Role: "system", Content: text.String()})
			}
		case model.ConversationRoleUser, model.ConversationRoleTool:
			out = append(out, results...)
			if text.Len() > 0 || len(images) > 0 {
				out = append(out, chatMessage{Role: "user", Content: text.String(), Images: images})
			}
		case model.ConversationRoleAssistant:
			msg := chatMessage{Role: "assistant", Content: text.String(), ToolCalls: toolCalls}
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, msg)
			}
		default:
			return nil, fmt.Errorf("ollama: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("ollama: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
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

func encodeTools(defs []*model.ToolDefinition) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return out
}

// translateResponse converts a final chat response into one assistant
// message. Ollama does not assign tool call IDs, so they are synthesized.
func translateResponse(chat chatResponse) *model.Response {
	out := &model.Response{
		StopReason: chat.DoneReason,
		Usage: model.TokenUsage{
			InputTokens:  chat.PromptEvalCount,
			OutputTokens: chat.EvalCount,
			TotalTokens:  chat.PromptEvalCount + chat.EvalCount,
		},
	}
	assistant := &model.Message{Role: model.ConversationRoleAssistant}
	if chat.Message.Content != "" {
		assistant.Parts = append(assistant.Parts, model.TextPart{Text: chat.Message.Content})
	}
	for i, call := range chat.Message.ToolCalls {
		args := call.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		id := fmt.Sprintf("call_%d", i)
		assistant.Parts = append(assistant.Parts, model.ToolUsePart{ID: id, Name: call.Function.Name, Input: args})
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: id, Name: call.Function.Name, Arguments: args})
	}
	if len(assistant.Parts) > 0 {
		out.Content = append(out.Content, assistant)
	}
	return out
}

func statusErr(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case resp.StatusCode >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case resp.StatusCode >= 400:
		kind = model.ProviderErrorKindInvalidRequest
	}
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	return model.NewProviderError(ProviderName, op, kind, msg, retryable, nil)
}

func wrapErr(op string, kind model.ProviderErrorKind, retryable bool, err error) error {
	return model.NewProviderError(ProviderName, op, kind, "", retryable, err)
}

// inferInfo assumes tool and JSON support: local models vary too much for
// name-based inference, and the server rejects what a model cannot do.
func inferInfo(name string) model.ModelInfo {
	return model.ModelInfo{
		Name:                     name,
		Provider:                 ProviderName,
		SupportsStructuredOutput: true,
		SupportsTools:            true,
		SupportsStreaming:        true,
		SupportsThinking:         false,
		SupportsMultimodal:       true,
		ContextLength:            0,
	}
}
