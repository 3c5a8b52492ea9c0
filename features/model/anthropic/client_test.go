package anthropic

import (
	"context"
	"encoding/base64"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	lastOpts   []option.RequestOption
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	s.lastOpts = opts
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	s.lastOpts = opts
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	cl, err := New(stub, nil, Options{MaxTokens: 256})
	require.NoError(t, err)
	return cl
}

func userRequest(text string) *model.Request {
	return &model.Request{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []*model.Message{model.UserMessage(text)},
	}
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "world", model.TextOf(resp.Content[0]))
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, int64(256), stub.lastParams.MaxTokens)
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "using a tool"},
				{Type: "tool_use", ID: "t1", Name: "lookup", Input: []byte(`{"q":"harbor"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	cl := newTestClient(t, stub)

	req := userRequest("call tool")
	req.Tools = []*model.ToolDefinition{{
		Name:        "lookup",
		Description: "look things up",
		InputSchema: map[string]any{"type": "object"},
	}}
	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, stub.lastParams.Tools, 1)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "t1", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.Equal(t, "harbor", resp.ToolCalls[0].Arguments["q"])

	// The assistant message keeps block order: text then tool_use.
	require.Len(t, resp.Content, 1)
	require.Len(t, resp.Content[0].Parts, 2)
	_, isText := resp.Content[0].Parts[0].(model.TextPart)
	_, isToolUse := resp.Content[0].Parts[1].(model.ToolUsePart)
	assert.True(t, isText)
	assert.True(t, isToolUse)
}

func TestCompleteTranslatesThinkingBlocks(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "thinking", Thinking: "considering", Signature: "sig-1"},
				{Type: "text", Text: "answer"},
			},
		},
	}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), userRequest("think"))
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	thinking, ok := resp.Content[0].Parts[0].(model.ThinkingPart)
	require.True(t, ok)
	assert.Equal(t, "considering", thinking.Text)
	assert.Equal(t, "sig-1", thinking.Signature)
	assert.True(t, thinking.Signed())
}

func TestThinkingEnablesBudgetAndBetaHeader(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl := newTestClient(t, stub)

	req := userRequest("deep question")
	req.Thinking = &model.ThinkingOptions{Enable: true}
	_, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, stub.lastParams.Thinking.OfEnabled)
	assert.Equal(t, int64(model.DefaultThinkingBudget), stub.lastParams.Thinking.OfEnabled.BudgetTokens)
	assert.NotEmpty(t, stub.lastOpts, "thinking requests carry the beta header option")
}

func TestThinkingBudgetMustFitMaxTokens(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{resp: &sdk.Message{}})

	req := userRequest("deep question")
	req.MaxTokens = 100
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 100}
	_, err := cl.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thinking budget")
}

func TestEncodeMessagesPlacesImagesBeforeText(t *testing.T) {
	msgs := []*model.Message{
		{
			Role: model.ConversationRoleUser,
			Parts: []model.Part{
				model.TextPart{Text: "describe this"},
				model.ImagePart{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"},
			},
		},
	}
	encoded, system, err := encodeMessages(msgs, nil)
	require.NoError(t, err)
	assert.Empty(t, system)
	require.Len(t, encoded, 1)
	require.Len(t, encoded[0].Content, 2)
	require.NotNil(t, encoded[0].Content[0].OfImage)
	require.NotNil(t, encoded[0].Content[1].OfText)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}),
		encoded[0].Content[0].OfImage.Source.OfBase64.Data)
}

func TestEncodeMessagesExtractsSystem(t *testing.T) {
	msgs := []*model.Message{
		model.SystemMessage("you are terse"),
		model.UserMessage("hi"),
	}
	encoded, system, err := encodeMessages(msgs, nil)
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, "you are terse", system[0].Text)
	require.Len(t, encoded, 1)
}

func TestEncodeMessagesDropsUnsignedThinking(t *testing.T) {
	msgs := []*model.Message{
		model.UserMessage("q"),
		{
			Role: model.ConversationRoleAssistant,
			Parts: []model.Part{
				model.ThinkingPart{Text: "unsigned scratch work"},
				model.TextPart{Text: "a"},
			},
		},
	}
	encoded, _, err := encodeMessages(msgs, nil)
	require.NoError(t, err)
	require.Len(t, encoded, 2)
	// The unsigned thinking block must not be replayed.
	require.Len(t, encoded[1].Content, 1)
	require.NotNil(t, encoded[1].Content[0].OfText)
}

func TestForcedToolChoice(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl := newTestClient(t, stub)

	req := userRequest("extract data")
	req.Tools = []*model.ToolDefinition{{Name: "extract", Description: "emit structured data"}}
	req.ToolChoice = &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: "extract"}
	_, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, stub.lastParams.ToolChoice.OfTool)
	assert.Equal(t, "extract", stub.lastParams.ToolChoice.OfTool.Name)
}

func TestForcedToolChoiceUnknownToolFails(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{resp: &sdk.Message{}})

	req := userRequest("extract data")
	req.ToolChoice = &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: "missing"}
	_, err := cl.Complete(context.Background(), req)
	require.Error(t, err)
}

func TestGetModelInfoInfersFromName(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{})

	info, ok := cl.GetModelInfo(context.Background(), "claude-3-7-sonnet-latest")
	require.True(t, ok)
	assert.Equal(t, ProviderName, info.Provider)
	assert.True(t, info.SupportsThinking)
	assert.True(t, info.SupportsTools)

	info, ok = cl.GetModelInfo(context.Background(), "claude-3-5-haiku-latest")
	require.True(t, ok)
	assert.False(t, info.SupportsThinking)

	_, ok = cl.GetModelInfo(context.Background(), "gpt-4o")
	assert.False(t, ok)
}

func TestTraits(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{})
	traits := cl.Traits()
	assert.False(t, traits.NativeJSONMode)
	assert.True(t, traits.InterleavedThinking)
}

func TestDiscoverModelsFallsBackToCatalog(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{})
	infos, err := cl.DiscoverModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	for _, info := range infos {
		assert.Equal(t, ProviderName, info.Provider)
	}
}
