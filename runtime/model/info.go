package model

import "fmt"

// ModelInfo describes a model's identity and capabilities. The capability
// flags are the single source of truth: the generation orchestrator rejects
// requests for features a model does not advertise, and adapters never probe
// capabilities at runtime.
type ModelInfo struct {
	// Name is the provider-specific model identifier.
	Name string `json:"name"`
	// Provider is the owning provider identifier.
	Provider string `json:"provider"`

	// SupportsStructuredOutput is true when the model can produce output
	// conforming to a JSON schema (natively or via tool emulation).
	SupportsStructuredOutput bool `json:"structured_output"`
	// SupportsTools is true when the model can request tool invocations.
	SupportsTools bool `json:"tools"`
	// SupportsStreaming is true when the provider streams this model.
	SupportsStreaming bool `json:"streaming"`
	// SupportsThinking is true when the model emits thinking blocks.
	SupportsThinking bool `json:"thinking"`
	// SupportsMultimodal is true when the model accepts image inputs.
	SupportsMultimodal bool `json:"multimodal"`

	// ContextLength is the context window in tokens when known.
	ContextLength int `json:"context_length,omitempty"`
}

// Capability names a model feature a request may require.
type Capability string

const (
	CapabilityStructuredOutput Capability = "structured_output"
	CapabilityTools            Capability = "tools"
	CapabilityStreaming        Capability = "streaming"
	CapabilityThinking         Capability = "thinking"
	CapabilityMultimodal       Capability = "multimodal"
)

// Supports reports whether the model advertises the capability.
func (m *ModelInfo) Supports(c Capability) bool {
	switch c {
	case CapabilityStructuredOutput:
		return m.SupportsStructuredOutput
	case CapabilityTools:
		return m.SupportsTools
	case CapabilityStreaming:
		return m.SupportsStreaming
	case CapabilityThinking:
		return m.SupportsThinking
	case CapabilityMultimodal:
		return m.SupportsMultimodal
	default:
		return false
	}
}

// Require returns an error when the model does not advertise the capability.
func (m *ModelInfo) Require(c Capability) error {
	if !m.Supports(c) {
		return fmt.Errorf("model %s does not support %s", m.Name, c)
	}
	return nil
}
