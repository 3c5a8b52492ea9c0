// JSON codecs for Message parts. Parts are interface values, so each
// concrete part marshals with a "kind" discriminator and Message decodes
// recover the concrete type from it.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes TextPart with a kind discriminator.
func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: "text", alias: alias(p)})
}

// MarshalJSON encodes ThinkingPart with a kind discriminator.
func (p ThinkingPart) MarshalJSON() ([]byte, error) {
	type alias ThinkingPart
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: "thinking", alias: alias(p)})
}

// MarshalJSON encodes ToolUsePart with a kind discriminator.
func (p ToolUsePart) MarshalJSON() ([]byte, error) {
	type alias ToolUsePart
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: "tool_use", alias: alias(p)})
}

// MarshalJSON encodes ToolResultPart with a kind discriminator.
func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	type alias ToolResultPart
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: "tool_result", alias: alias(p)})
}

// MarshalJSON encodes ImagePart with a kind discriminator.
func (p ImagePart) MarshalJSON() ([]byte, error) {
	type alias ImagePart
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: "image", alias: alias(p)})
}

// UnmarshalJSON reconstructs Parts from their kind discriminators.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole  `json:"Role"`
		Parts []json.RawMessage `json:"Parts"`
		Meta  map[string]any    `json:"Meta"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := decodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func decodePart(raw json.RawMessage) (Part, error) {
	var disc struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &disc); err != nil {
		return nil, fmt.Errorf("decode part discriminator: %w", err)
	}
	switch disc.Kind {
	case "text":
		var p TextPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return p, nil
	case "thinking":
		var p ThinkingPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ThinkingPart: %w", err)
		}
		return p, nil
	case "tool_use":
		var p ToolUsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if p.Name == "" {
			return nil, errors.New("ToolUsePart requires Name")
		}
		return p, nil
	case "tool_result":
		var p ToolResultPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if p.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires ToolUseID")
		}
		return p, nil
	case "image":
		var p ImagePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ImagePart: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", disc.Kind)
	}
}
