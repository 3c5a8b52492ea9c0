// Package generate orchestrates language-model generation on top of the
// provider abstraction: capability enforcement, structured-output emulation
// via a synthetic forced tool, the multi-turn tool-use loop with interleaved
// thinking, multimodal input embedding and snapshot streaming. Providers
// supply raw completions; this package owns the loop semantics.
package generate

import (
	"context"
	"encoding/json"
	"fmt"

	"tessera/runtime/model"
	"tessera/runtime/telemetry"
)

// MaxToolIterations bounds the tool-use loop per user turn. When the model
// is still requesting tools after this many iterations the loop returns
// FinishReasonMaxIterations with whatever text was produced.
const MaxToolIterations = 10

// FinishReasonMaxIterations is returned when the tool loop hit its bound.
const FinishReasonMaxIterations = "max_iterations"

// extractToolName is the synthetic tool injected to emulate structured
// output on providers without a native JSON mode. The tool's arguments
// constitute the final content.
const extractToolName = "extract"

// allowedImageMIMEs are the image content types providers accept. Other
// types are dropped with a warning; text is still sent.
var allowedImageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type (
	// Request is the unified generate contract.
	Request struct {
		// Messages is the ordered conversation so far.
		Messages []*model.Message
		// ModelName selects the model; must be known to the provider.
		ModelName string
		// ResponseFormat is a JSON schema the final content must conform to.
		ResponseFormat map[string]any
		// Tools are the function descriptors exposed to the model.
		Tools []*model.ToolDefinition
		// ToolExecutor runs tool invocations. Required when Tools is set.
		ToolExecutor ToolExecutor
		// ThinkingEnabled requests thinking blocks on supporting models.
		ThinkingEnabled bool
		// ThinkingBudget caps thinking tokens; zero uses the default (2000).
		ThinkingBudget int
		// MediaInputs are image attachments embedded before text in the last
		// user message.
		MediaInputs []MediaInput
		// Temperature and MaxTokens pass through to the provider.
		Temperature float32
		MaxTokens   int
	}

	// MediaInput is one binary attachment.
	MediaInput struct {
		Type     string
		Content  []byte
		MIMEType string
	}

	// ToolExecutor invokes a named tool with JSON arguments and returns its
	// result. Implementations must respect any timeout conveyed in args.
	ToolExecutor func(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// ToolResult is the outcome of one tool invocation. Two streams are
	// derived from it: the LLM stream (Content or ContentBlocks) and the
	// frontend stream (StructuredContent, else the raw result).
	ToolResult struct {
		// Content is the string shown to the model. When empty and
		// ContentBlocks is empty, the stringified StructuredContent (or Raw)
		// is used.
		Content string
		// ContentBlocks, when set, replaces Content with an ordered block
		// list which may include ImagePart values for vision models.
		ContentBlocks []model.Part
		// StructuredContent is the machine-readable payload for frontends.
		StructuredContent any
		// Error, when non-empty, marks the tool result as an error.
		Error string
		// Raw preserves the full result object for the frontend stream when
		// StructuredContent is absent.
		Raw map[string]any
	}

	// ExecutionStatus tracks one tool execution's lifecycle.
	ExecutionStatus string

	// ToolExecution is the per-call history entry recorded by the loop.
	ToolExecution struct {
		ID                string          `json:"id"`
		ToolName          string          `json:"tool_name"`
		Arguments         map[string]any  `json:"arguments"`
		Status            ExecutionStatus `json:"status"`
		Result            any             `json:"result,omitempty"`
		StructuredContent any             `json:"structured_content,omitempty"`
		Error             string          `json:"error,omitempty"`
		Iteration         int             `json:"iteration"`
		ThinkingBefore    string          `json:"thinking_before,omitempty"`
		ThinkingAfter     string          `json:"thinking_after,omitempty"`
	}

	// Response is the accumulated generation result. During streaming each
	// emitted element is a cumulative snapshot of this shape; Content only
	// ever grows.
	Response struct {
		Content        string           `json:"content"`
		ModelUsed      string           `json:"model_used"`
		Usage          *model.TokenUsage `json:"usage,omitempty"`
		ToolCalls      []model.ToolCall `json:"tool_calls,omitempty"`
		ToolExecutions []ToolExecution  `json:"tool_executions,omitempty"`
		ThinkingTrace  string           `json:"thinking_trace,omitempty"`
		FinishReason   string           `json:"finish_reason,omitempty"`
	}

	// Generator runs the generation loop against providers.
	Generator struct {
		log telemetry.Logger
	}
)

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// New constructs a Generator. A nil logger defaults to a no-op.
func New(log telemetry.Logger) *Generator {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Generator{log: log}
}

// Generate runs a full (non-streaming) generation turn, including the
// tool-use loop, and returns the final accumulated response.
func (g *Generator) Generate(ctx context.Context, provider model.Provider, req *Request) (*Response, error) {
	l, err := g.newLoop(ctx, provider, req, nil)
	if err != nil {
		return nil, err
	}
	return l.run(ctx)
}

// newLoop validates the request against the model's capability flags and
// prepares the loop state shared by the streaming and non-streaming paths.
func (g *Generator) newLoop(ctx context.Context, provider model.Provider, req *Request, emit func(*Response)) (*loop, error) {
	if req == nil {
		return nil, fmt.Errorf("generate: request is required")
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("generate: model name is required")
	}
	info, ok := provider.GetModelInfo(ctx, req.ModelName)
	if !ok {
		return nil, fmt.Errorf("generate: unknown model %q for provider %s", req.ModelName, provider.Name())
	}
	if req.ResponseFormat != nil {
		if err := info.Require(model.CapabilityStructuredOutput); err != nil {
			return nil, err
		}
	}
	if len(req.Tools) > 0 {
		if err := info.Require(model.CapabilityTools); err != nil {
			return nil, err
		}
		if req.ToolExecutor == nil {
			return nil, fmt.Errorf("generate: tool executor is required when tools are provided")
		}
	}
	if req.ThinkingEnabled {
		if err := info.Require(model.CapabilityThinking); err != nil {
			return nil, err
		}
	}
	if len(req.MediaInputs) > 0 {
		if err := info.Require(model.CapabilityMultimodal); err != nil {
			return nil, err
		}
	}
	if emit != nil {
		if err := info.Require(model.CapabilityStreaming); err != nil {
			return nil, err
		}
	}

	messages := cloneMessages(req.Messages)
	messages = g.embedMedia(ctx, messages, req.MediaInputs)

	l := &loop{
		gen:      g,
		provider: provider,
		info:     info,
		req:      req,
		messages: messages,
		emit:     emit,
		resp:     &Response{ModelUsed: req.ModelName},
	}
	l.prepareStructuredOutput()
	return l, nil
}

// embedMedia prepends image parts to the last user message, dropping
// unsupported MIME types with a warning.
func (g *Generator) embedMedia(ctx context.Context, messages []*model.Message, media []MediaInput) []*model.Message {
	if len(media) == 0 {
		return messages
	}
	var parts []model.Part
	for _, m := range media {
		if m.Type != "" && m.Type != "image" {
			g.log.Warn(ctx, "dropping unsupported media input", "type", m.Type)
			continue
		}
		if !allowedImageMIMEs[m.MIMEType] {
			g.log.Warn(ctx, "dropping image with unsupported mime type", "mime_type", m.MIMEType)
			continue
		}
		parts = append(parts, model.ImagePart{Data: m.Content, MIMEType: m.MIMEType})
	}
	if len(parts) == 0 {
		return messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.ConversationRoleUser {
			// Image blocks go before text within the user message.
			messages[i].Parts = append(parts, messages[i].Parts...)
			return messages
		}
	}
	messages = append(messages, &model.Message{Role: model.ConversationRoleUser, Parts: parts})
	return messages
}

func cloneMessages(in []*model.Message) []*model.Message {
	out := make([]*model.Message, 0, len(in))
	for _, m := range in {
		if m == nil {
			continue
		}
		cp := &model.Message{Role: m.Role, Meta: m.Meta}
		cp.Parts = append(cp.Parts, m.Parts...)
		out = append(out, cp)
	}
	return out
}

// stringifyToolContent derives the string shown to the model from a tool
// result when no explicit content was returned.
func stringifyToolContent(res *ToolResult) string {
	if res.Content != "" {
		return res.Content
	}
	var payload any
	switch {
	case res.StructuredContent != nil:
		payload = res.StructuredContent
	case res.Raw != nil:
		payload = res.Raw
	default:
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

// frontendContent derives the frontend stream payload: structured_content
// when present, else the raw result.
func frontendContent(res *ToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	if res.Raw != nil {
		return res.Raw
	}
	if res.Content != "" {
		return res.Content
	}
	return nil
}
