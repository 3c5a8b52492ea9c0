package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/model"
)

func userRequest(text string) *model.Request {
	return &model.Request{
		Model:    "llama3.2",
		Messages: []*model.Message{model.UserMessage(text)},
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestCompleteTextOnly(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		captured = decodeBody(t, r)
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "world"},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	resp, err := cl.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, "llama3.2", captured["model"])
	assert.Equal(t, false, captured["stream"])

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "world", model.TextOf(resp.Content[0]))
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		tools, ok := body["tools"].([]any)
		require.True(t, ok)
		require.Len(t, tools, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{{
					"function": map[string]any{"name": "lookup", "arguments": map[string]any{"q": "harbor"}},
				}},
			},
			"done":        true,
			"done_reason": "stop",
		})
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	req := userRequest("call tool")
	req.Tools = []*model.ToolDefinition{{
		Name:        "lookup",
		Description: "look things up",
		InputSchema: map[string]any{"type": "object"},
	}}
	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.Equal(t, "harbor", resp.ToolCalls[0].Arguments["q"])
}

func TestResponseFormatSendsSchema(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = decodeBody(t, r)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"label":"neutral"}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	req := userRequest("extract")
	req.ResponseFormat = &model.ResponseFormat{
		Name:   "sentiment",
		Schema: map[string]any{"type": "object"},
	}
	_, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	format, ok := captured["format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", format["type"])
}

func TestEncodeMessagesToolFlow(t *testing.T) {
	msgs := []*model.Message{
		model.SystemMessage("be terse"),
		model.UserMessage("what is in the harbor?"),
		{
			Role: model.ConversationRoleAssistant,
			Parts: []model.Part{
				model.ToolUsePart{ID: "call_0", Name: "lookup", Input: map[string]any{"q": "harbor"}},
			},
		},
		{
			Role: model.ConversationRoleTool,
			Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_0", Content: "ships"},
			},
		},
	}
	encoded, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, encoded, 4)
	assert.Equal(t, "system", encoded[0].Role)
	assert.Equal(t, "user", encoded[1].Role)
	require.Len(t, encoded[2].ToolCalls, 1)
	assert.Equal(t, "lookup", encoded[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", encoded[3].Role)
	assert.Equal(t, "ships", encoded[3].Content)
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	_, err := cl.Complete(context.Background(), userRequest("hello"))
	require.Error(t, err)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	assert.True(t, pe.Retryable())
}

func TestDiscoverModelsListsTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:latest"},
				{"name": "qwen2.5:7b"},
			},
		})
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	infos, err := cl.DiscoverModels(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "llama3.2:latest", infos[0].Name)
	assert.Equal(t, ProviderName, infos[0].Provider)
}

func TestStreamDeltasAndStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, true, body["stream"])
		frames := []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": "hel"}, "done": false},
			{"message": map[string]any{"role": "assistant", "content": "lo"}, "done": false},
			{
				"message":           map[string]any{"role": "assistant", "content": ""},
				"done":              true,
				"done_reason":       "stop",
				"prompt_eval_count": 7,
				"eval_count":        3,
			},
		}
		enc := json.NewEncoder(w)
		for _, frame := range frames {
			enc.Encode(frame)
		}
	}))
	defer srv.Close()

	cl := New(Options{BaseURL: srv.URL})
	s, err := cl.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer s.Close()

	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}

	require.Len(t, chunks, 4)
	assert.Equal(t, "hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	require.Equal(t, model.ChunkUsage, chunks[2].Type)
	assert.Equal(t, 10, chunks[2].Usage.TotalTokens)
	require.Equal(t, model.ChunkStop, chunks[3].Type)
	assert.Equal(t, "stop", chunks[3].StopReason)
}

func TestGetModelInfoAcceptsAnyName(t *testing.T) {
	cl := New(Options{})
	info, ok := cl.GetModelInfo(context.Background(), "mistral:7b-instruct")
	require.True(t, ok)
	assert.Equal(t, ProviderName, info.Provider)

	_, ok = cl.GetModelInfo(context.Background(), "")
	assert.False(t, ok)
}

func TestTraits(t *testing.T) {
	traits := New(Options{}).Traits()
	assert.True(t, traits.NativeJSONMode)
	assert.False(t, traits.InterleavedThinking)
}
