package openai

import (
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"tessera/runtime/model"
)

// streamer adapts a chat completion stream to model.Streamer. Tool call
// argument fragments accumulate per index and are emitted as completed calls
// when the choice reports a finish reason; the final ChunkStop is synthesized
// when the underlying stream ends.
type streamer struct {
	stream ChatStream

	pending    []model.Chunk
	tools      map[int]*toolBuffer
	stopReason string
	done       bool
}

type toolBuffer struct {
	id   string
	name string
	args string
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.flushToolCalls()
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkStop, StopReason: s.stopReason})
			continue
		}
		if err != nil {
			return model.Chunk{}, wrapErr("stream", err)
		}
		s.ingest(resp)
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) ingest(resp openai.ChatCompletionStreamResponse) {
	for _, choice := range resp.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkText, Text: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			idx := 0
			if call.Index != nil {
				idx = *call.Index
			}
			if s.tools == nil {
				s.tools = make(map[int]*toolBuffer)
			}
			buf := s.tools[idx]
			if buf == nil {
				buf = &toolBuffer{}
				s.tools[idx] = buf
			}
			if call.ID != "" {
				buf.id = call.ID
			}
			if call.Function.Name != "" {
				buf.name = call.Function.Name
			}
			buf.args += call.Function.Arguments
		}
		if choice.FinishReason != "" {
			s.stopReason = string(choice.FinishReason)
			s.flushToolCalls()
		}
	}
	if resp.Usage != nil {
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkUsage, Usage: &model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}})
	}
}

func (s *streamer) flushToolCalls() {
	if len(s.tools) == 0 {
		return
	}
	indexes := make([]int, 0, len(s.tools))
	for idx := range s.tools {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		buf := s.tools[idx]
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkToolCall,
			ToolCall: &model.ToolCall{
				ID:        buf.id,
				Name:      buf.name,
				Arguments: decodeArguments(buf.args),
			},
		})
	}
	s.tools = nil
}
