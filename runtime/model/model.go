// Package model provides the provider-agnostic abstraction over language
// model APIs (OpenAI, Anthropic, Gemini, Ollama). It defines the normalized
// request/response shapes, ordered message parts, capability metadata and
// streaming contract that the generation orchestrator builds on.
// Implementations translate these types into provider-specific formats and
// never leak SDK types upward.
package model

import (
	"context"
	"errors"
)

// ConversationRole identifies the author of a message.
type ConversationRole string

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
	ConversationRoleTool      ConversationRole = "tool"
)

type (
	// Client is the contract every model provider implements. Clients must be
	// safe for concurrent use.
	Client interface {
		// Complete sends a completion request and returns the full response.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Provider extends Client with discovery and capability metadata. The
	// registry and the generation orchestrator depend on Provider, not on
	// concrete adapters.
	Provider interface {
		Client

		// Name returns the provider identifier (e.g. "anthropic").
		Name() string

		// DiscoverModels lists the models the provider currently serves along
		// with their capability flags.
		DiscoverModels(ctx context.Context) ([]ModelInfo, error)

		// GetModelInfo returns the descriptor for a model the provider serves,
		// or false when unknown.
		GetModelInfo(ctx context.Context, name string) (*ModelInfo, bool)

		// Traits describes provider-level behavior independent of any model.
		Traits() Traits
	}

	// Traits captures provider-level behavior the orchestrator must know to
	// route requests correctly.
	Traits struct {
		// NativeJSONMode is true when the provider exposes a native
		// response_format/JSON mode. When false, structured output is emulated
		// with a synthetic forced tool.
		NativeJSONMode bool
		// InterleavedThinking is true when the provider can interleave
		// thinking blocks across tool calls within one assistant turn.
		InterleavedThinking bool
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Close releases underlying resources.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered conversation, including system prompts,
		// user inputs and prior assistant turns. Part order within assistant
		// messages is normative: thinking, then text, then tool_use.
		Messages []*Message

		// Tools describes the tool schemas exposed for function calling.
		Tools []*ToolDefinition

		// ToolChoice forces or forbids tool use. Nil means provider default.
		ToolChoice *ToolChoice

		// ResponseFormat requests structured output conforming to a JSON
		// schema. Providers with native JSON mode consume it directly; others
		// ignore it (the orchestrator emulates).
		ResponseFormat *ResponseFormat

		// Thinking configures extended reasoning for models that support it.
		Thinking *ThinkingOptions

		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int
	}

	// ResponseFormat names a JSON schema the model output must conform to.
	ResponseFormat struct {
		// Name labels the schema (providers require an identifier).
		Name string
		// Schema is the JSON schema document.
		Schema map[string]any
		// Strict requests strict schema adherence where supported.
		Strict bool
	}

	// Response wraps the generated content and tool call requests.
	Response struct {
		// Content contains the assistant messages returned by the model in
		// provider order (thinking, text, tool_use parts).
		Content []*Message

		// ToolCalls lists tool invocations requested by the model, in the
		// order they appeared in the assistant content.
		ToolCalls []ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why generation stopped ("end_turn",
		// "max_tokens", "tool_use", ...). Provider specific, may be empty.
		StopReason string
	}

	// Message is one conversation entry: a role plus ordered parts.
	Message struct {
		Role  ConversationRole
		Parts []Part
		// Meta carries provider-specific metadata preserved for diagnostics.
		Meta map[string]any
	}

	// Part is a provider-precise content fragment. Implementations are
	// TextPart, ThinkingPart, ToolUsePart, ToolResultPart and ImagePart.
	Part interface {
		isPart()
	}

	// TextPart carries visible text.
	TextPart struct {
		Text string `json:"text"`
	}

	// ThinkingPart carries provider reasoning. A block is only replayable to
	// the provider when it carries a valid Signature (or Redacted bytes);
	// signature-less thinking must be dropped when rebuilding assistant
	// messages.
	ThinkingPart struct {
		Text      string `json:"text,omitempty"`
		Signature string `json:"signature,omitempty"`
		Redacted  []byte `json:"redacted,omitempty"`
	}

	// ToolUsePart declares a tool invocation by the assistant.
	ToolUsePart struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input any    `json:"input"`
	}

	// ToolResultPart communicates a tool result back to the model, correlated
	// via ToolUseID. Content is either a string or a []Part block list (which
	// may include ImagePart for vision models).
	ToolResultPart struct {
		ToolUseID string `json:"tool_use_id"`
		Content   any    `json:"content"`
		IsError   bool   `json:"is_error,omitempty"`
	}

	// ImagePart carries raw image bytes for multimodal input. Providers embed
	// it as a base64 content block placed before text.
	ImagePart struct {
		Data     []byte `json:"data"`
		MIMEType string `json:"mime_type"`
	}

	// ToolDefinition describes a function tool exposed to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is the JSON schema of the tool parameters.
		InputSchema map[string]any
	}

	// ToolChoice forces or forbids tool use for one request.
	ToolChoice struct {
		Mode ToolChoiceMode
		// Name is the forced tool when Mode is ToolChoiceModeTool.
		Name string
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		ID        string
		Name      string
		Arguments map[string]any
	}

	// ThinkingOptions configures extended reasoning.
	ThinkingOptions struct {
		Enable bool
		// BudgetTokens caps thinking output. Zero uses DefaultThinkingBudget.
		BudgetTokens int
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Chunk is one streaming event. Type indicates which field is populated.
	Chunk struct {
		Type ChunkType
		// Text is the text delta when Type is ChunkText.
		Text string
		// Thinking is the reasoning delta when Type is ChunkThinking.
		Thinking string
		// ThinkingSignature finalizes a thinking block when non-empty.
		ThinkingSignature string
		// ToolCall is the completed tool invocation when Type is ChunkToolCall.
		ToolCall *ToolCall
		// Usage is the incremental usage when Type is ChunkUsage.
		Usage *TokenUsage
		// StopReason terminates the stream when Type is ChunkStop.
		StopReason string
	}

	// ChunkType enumerates streaming event kinds.
	ChunkType string

	// ToolChoiceMode enumerates tool choice behaviors.
	ToolChoiceMode string
)

const (
	ChunkText     ChunkType = "text"
	ChunkThinking ChunkType = "thinking"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
	ChunkStop     ChunkType = "stop"
)

const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeAny  ToolChoiceMode = "any"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

// DefaultThinkingBudget is the thinking token budget applied when thinking is
// enabled without an explicit budget.
const DefaultThinkingBudget = 2000

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ImagePart) isPart()      {}

// Signed reports whether the thinking block carries a provider signature or
// redacted payload and may therefore be replayed in assistant messages.
func (p ThinkingPart) Signed() bool {
	return p.Signature != "" || len(p.Redacted) > 0
}

// SystemMessage builds a system message from text.
func SystemMessage(text string) *Message {
	return &Message{Role: ConversationRoleSystem, Parts: []Part{TextPart{Text: text}}}
}

// UserMessage builds a user message from text.
func UserMessage(text string) *Message {
	return &Message{Role: ConversationRoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantMessage builds an assistant message from text.
func AssistantMessage(text string) *Message {
	return &Message{Role: ConversationRoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// TextOf concatenates the text parts of a message.
func TextOf(m *Message) string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}
