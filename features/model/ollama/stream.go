package ollama

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tessera/runtime/model"
)

// streamer adapts Ollama's newline-delimited JSON chat stream to
// model.Streamer. Each frame carries a content delta; the final frame (done)
// carries the stop reason and token counts.
type streamer struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	pending []model.Chunk
	done    bool
}

func newStreamer(body io.ReadCloser) *streamer {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &streamer{body: body, scanner: sc}
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
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return model.Chunk{}, wrapErr("chat stream", model.ProviderErrorKindUnavailable, true, err)
			}
			// Stream ended without a done frame; treat as completion.
			s.done = true
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkStop})
			continue
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame chatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return model.Chunk{}, fmt.Errorf("ollama: decode stream frame: %w", err)
		}
		if frame.Error != "" {
			return model.Chunk{}, wrapErr("chat stream", model.ProviderErrorKindUnknown, false, errors.New(frame.Error))
		}
		s.ingest(frame)
	}
}

func (s *streamer) Close() error {
	return s.body.Close()
}

func (s *streamer) ingest(frame chatResponse) {
	if frame.Message.Content != "" {
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkText, Text: frame.Message.Content})
	}
	for i, call := range frame.Message.ToolCalls {
		args := call.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkToolCall,
			ToolCall: &model.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      call.Function.Name,
				Arguments: args,
			},
		})
	}
	if frame.Done {
		s.done = true
		if frame.PromptEvalCount > 0 || frame.EvalCount > 0 {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkUsage, Usage: &model.TokenUsage{
				InputTokens:  frame.PromptEvalCount,
				OutputTokens: frame.EvalCount,
				TotalTokens:  frame.PromptEvalCount + frame.EvalCount,
			}})
		}
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkStop, StopReason: frame.DoneReason})
	}
}
