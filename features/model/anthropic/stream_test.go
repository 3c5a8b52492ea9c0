package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func collect(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"harbor\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":7,"output_tokens":3}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil)
	defer s.Close()

	chunks := collect(t, s)
	require.Len(t, chunks, 4)

	assert.Equal(t, model.ChunkText, chunks[0].Type)
	assert.Equal(t, "hello", chunks[0].Text)

	require.Equal(t, model.ChunkToolCall, chunks[1].Type)
	require.NotNil(t, chunks[1].ToolCall)
	assert.Equal(t, "t1", chunks[1].ToolCall.ID)
	assert.Equal(t, "lookup", chunks[1].ToolCall.Name)
	// Partial JSON fragments are reassembled into one argument map.
	assert.Equal(t, "harbor", chunks[1].ToolCall.Arguments["q"])

	require.Equal(t, model.ChunkUsage, chunks[2].Type)
	assert.Equal(t, 10, chunks[2].Usage.TotalTokens)

	require.Equal(t, model.ChunkStop, chunks[3].Type)
	assert.Equal(t, "tool_use", chunks[3].StopReason)
}

func TestStreamerThinkingSignature(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"step one"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-9"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"done"}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil)
	defer s.Close()

	chunks := collect(t, s)
	require.Len(t, chunks, 4)
	assert.Equal(t, model.ChunkThinking, chunks[0].Type)
	assert.Equal(t, "step one", chunks[0].Thinking)
	// The signature finalizes the thinking block on block stop.
	assert.Equal(t, model.ChunkThinking, chunks[1].Type)
	assert.Equal(t, "sig-9", chunks[1].ThinkingSignature)
	assert.Equal(t, model.ChunkText, chunks[2].Type)
	assert.Equal(t, model.ChunkStop, chunks[3].Type)
}

func TestStreamerEmptyInputYieldsEmptyArguments(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t2","name":"noop"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream, nil)
	defer s.Close()

	chunks := collect(t, s)
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Empty(t, chunks[0].ToolCall.Arguments)
}
