package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tessera/runtime/model"
)

// loop holds the state of one generation turn. The streaming and
// non-streaming paths share it; they differ only in how each model call is
// performed and in whether snapshots are emitted.
type loop struct {
	gen      *Generator
	provider model.Provider
	info     *model.ModelInfo
	req      *Request
	messages []*model.Message
	emit     func(*Response)
	resp     *Response

	// emulate is true when structured output is requested on a provider
	// without native JSON mode; the synthetic extract tool carries the
	// schema and its arguments become the final content.
	emulate    bool
	tools      []*model.ToolDefinition
	toolChoice *model.ToolChoice
}

// turn is the parsed outcome of one model call: ordered thinking blocks,
// concatenated text and tool calls in issue order.
type turn struct {
	thinking   []model.ThinkingPart
	text       string
	toolCalls  []model.ToolCall
	stopReason string
}

func (l *loop) prepareStructuredOutput() {
	l.tools = l.req.Tools
	if l.req.ResponseFormat == nil {
		return
	}
	if l.provider.Traits().NativeJSONMode {
		return
	}
	l.emulate = true
	l.tools = append(append([]*model.ToolDefinition{}, l.req.Tools...), &model.ToolDefinition{
		Name:        extractToolName,
		Description: "Record the structured answer. Call this exactly once with the final result.",
		InputSchema: l.req.ResponseFormat,
	})
	l.toolChoice = &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: extractToolName}
}

func (l *loop) modelRequest() *model.Request {
	mreq := &model.Request{
		Model:       l.req.ModelName,
		Messages:    l.messages,
		Tools:       l.tools,
		ToolChoice:  l.toolChoice,
		Temperature: l.req.Temperature,
		MaxTokens:   l.req.MaxTokens,
	}
	if l.req.ResponseFormat != nil && !l.emulate {
		mreq.ResponseFormat = &model.ResponseFormat{Name: "response", Schema: l.req.ResponseFormat, Strict: true}
	}
	if l.req.ThinkingEnabled {
		budget := l.req.ThinkingBudget
		if budget <= 0 {
			budget = model.DefaultThinkingBudget
		}
		mreq.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: budget}
	}
	return mreq
}

// run drives the tool-use loop to completion. Each iteration calls the
// model, and when the model requests tools, executes them sequentially and
// feeds the results back as a single user message in issue order.
func (l *loop) run(ctx context.Context) (*Response, error) {
	for iteration := 1; iteration <= MaxToolIterations; iteration++ {
		t, err := l.callModel(ctx)
		if err != nil {
			return nil, err
		}

		// Structured-output emulation terminates on the extract call; its
		// arguments are the final content and it is never executed.
		if l.emulate {
			if extracted, ok := findExtract(t.toolCalls); ok {
				data, err := json.Marshal(extracted.Arguments)
				if err != nil {
					return nil, fmt.Errorf("generate: encode extract arguments: %w", err)
				}
				l.resp.Content = string(data)
				l.resp.FinishReason = "stop"
				l.snapshot()
				return l.resp, nil
			}
		}

		if len(t.toolCalls) == 0 {
			l.resp.FinishReason = t.stopReason
			if l.resp.FinishReason == "" {
				l.resp.FinishReason = "stop"
			}
			l.snapshot()
			return l.resp, nil
		}

		l.resp.ToolCalls = append(l.resp.ToolCalls, t.toolCalls...)
		l.appendAssistant(t)
		results := l.executeTools(ctx, iteration, t)
		l.appendToolResults(results)
	}

	l.resp.FinishReason = FinishReasonMaxIterations
	l.snapshot()
	return l.resp, nil
}

// callModel performs one model invocation, streaming when an emitter is
// attached, and returns the parsed turn. Both paths fold the turn's text and
// thinking into the cumulative response exactly once: the streaming path per
// delta as it arrives, the completion path here.
func (l *loop) callModel(ctx context.Context) (*turn, error) {
	mreq := l.modelRequest()
	if l.emit == nil {
		resp, err := l.provider.Complete(ctx, mreq)
		if err != nil {
			return nil, wrapProviderErr(l.provider.Name(), err)
		}
		l.accumulateUsage(resp.Usage)
		t := parseTurn(resp)
		l.resp.Content += t.text
		for _, th := range t.thinking {
			l.resp.ThinkingTrace += th.Text
		}
		return t, nil
	}
	return l.streamModel(ctx, mreq)
}

// streamModel consumes the provider stream, appending text deltas to the
// cumulative response (emitting a snapshot per append) and collecting
// thinking blocks and tool calls for the iteration.
func (l *loop) streamModel(ctx context.Context, mreq *model.Request) (*turn, error) {
	streamer, err := l.provider.Stream(ctx, mreq)
	if err != nil {
		return nil, wrapProviderErr(l.provider.Name(), err)
	}
	defer streamer.Close()

	t := &turn{}
	var pending model.ThinkingPart
	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, wrapProviderErr(l.provider.Name(), err)
		}
		switch chunk.Type {
		case model.ChunkText:
			t.text += chunk.Text
			l.resp.Content += chunk.Text
			l.snapshot()
		case model.ChunkThinking:
			if chunk.Thinking != "" {
				pending.Text += chunk.Thinking
				l.resp.ThinkingTrace += chunk.Thinking
				l.snapshot()
			}
			if chunk.ThinkingSignature != "" {
				pending.Signature = chunk.ThinkingSignature
				t.thinking = append(t.thinking, pending)
				pending = model.ThinkingPart{}
			}
		case model.ChunkToolCall:
			if chunk.ToolCall != nil {
				t.toolCalls = append(t.toolCalls, *chunk.ToolCall)
			}
		case model.ChunkUsage:
			if chunk.Usage != nil {
				l.accumulateUsage(*chunk.Usage)
			}
		case model.ChunkStop:
			t.stopReason = chunk.StopReason
		}
	}
	// A trailing unsigned thinking block contributes to the trace but is not
	// replayable; drop it from the block list.
	return t, nil
}

func (l *loop) accumulateUsage(u model.TokenUsage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return
	}
	if l.resp.Usage == nil {
		l.resp.Usage = &model.TokenUsage{}
	}
	l.resp.Usage.InputTokens += u.InputTokens
	l.resp.Usage.OutputTokens += u.OutputTokens
	l.resp.Usage.TotalTokens += u.TotalTokens
}

// appendAssistant appends the assistant message for the turn with the
// normative block order: signed thinking blocks first, then text, then all
// tool_use blocks. Messages whose content list would be empty are skipped.
func (l *loop) appendAssistant(t *turn) {
	var parts []model.Part
	for _, th := range t.thinking {
		if th.Signed() {
			parts = append(parts, th)
		}
	}
	if t.text != "" {
		parts = append(parts, model.TextPart{Text: t.text})
	}
	for _, tc := range t.toolCalls {
		parts = append(parts, model.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	if len(parts) == 0 {
		return
	}
	l.messages = append(l.messages, &model.Message{Role: model.ConversationRoleAssistant, Parts: parts})
}

// executeTools runs every tool call of the turn in order, recording
// tool_executions entries before and after each invocation and attaching
// interleaved thinking blocks when present.
func (l *loop) executeTools(ctx context.Context, iteration int, t *turn) []model.ToolResultPart {
	results := make([]model.ToolResultPart, 0, len(t.toolCalls))
	for i, call := range t.toolCalls {
		exec := ToolExecution{
			ID:        call.ID,
			ToolName:  call.Name,
			Arguments: call.Arguments,
			Status:    ExecutionRunning,
			Iteration: iteration,
		}
		if i < len(t.thinking) {
			exec.ThinkingBefore = t.thinking[i].Text
		}
		if i == len(t.toolCalls)-1 && len(t.thinking) > len(t.toolCalls) {
			exec.ThinkingAfter = t.thinking[len(t.thinking)-1].Text
		}
		l.resp.ToolExecutions = append(l.resp.ToolExecutions, exec)
		idx := len(l.resp.ToolExecutions) - 1
		l.snapshot()

		res, err := l.invokeTool(ctx, call)
		if err != nil {
			l.gen.log.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err.Error())
			l.resp.ToolExecutions[idx].Status = ExecutionFailed
			l.resp.ToolExecutions[idx].Error = err.Error()
			l.snapshot()
			results = append(results, model.ToolResultPart{
				ToolUseID: call.ID,
				Content:   map[string]any{"error": err.Error()},
				IsError:   true,
			})
			continue
		}

		l.resp.ToolExecutions[idx].StructuredContent = frontendContent(res)
		if res.Error != "" {
			l.resp.ToolExecutions[idx].Status = ExecutionFailed
			l.resp.ToolExecutions[idx].Error = res.Error
		} else {
			l.resp.ToolExecutions[idx].Status = ExecutionCompleted
		}
		var content any
		if len(res.ContentBlocks) > 0 {
			content = res.ContentBlocks
			l.resp.ToolExecutions[idx].Result = "[content blocks]"
		} else {
			s := stringifyToolContent(res)
			content = s
			l.resp.ToolExecutions[idx].Result = s
		}
		l.snapshot()
		results = append(results, model.ToolResultPart{
			ToolUseID: call.ID,
			Content:   content,
			IsError:   res.Error != "",
		})
	}
	return results
}

// invokeTool calls the executor, converting panics-by-contract (nil result
// without error) into explicit errors.
func (l *loop) invokeTool(ctx context.Context, call model.ToolCall) (*ToolResult, error) {
	res, err := l.req.ToolExecutor(ctx, call.Name, call.Arguments)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("tool %s returned no result", call.Name)
	}
	return res, nil
}

// appendToolResults emits all tool results of the turn as a single user
// message, preserving the order the tool_use blocks were issued.
func (l *loop) appendToolResults(results []model.ToolResultPart) {
	if len(results) == 0 {
		return
	}
	parts := make([]model.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, r)
	}
	l.messages = append(l.messages, &model.Message{Role: model.ConversationRoleUser, Parts: parts})
}

func (l *loop) snapshot() {
	if l.emit == nil {
		return
	}
	l.emit(l.resp.clone())
}

// clone deep-copies the response so emitted snapshots are immutable.
func (r *Response) clone() *Response {
	cp := *r
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	cp.ToolCalls = append([]model.ToolCall(nil), r.ToolCalls...)
	cp.ToolExecutions = append([]ToolExecution(nil), r.ToolExecutions...)
	return &cp
}

// parseTurn flattens a completion response into ordered thinking blocks,
// text and tool calls.
func parseTurn(resp *model.Response) *turn {
	t := &turn{stopReason: resp.StopReason}
	for _, msg := range resp.Content {
		if msg == nil {
			continue
		}
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case model.ThinkingPart:
				t.thinking = append(t.thinking, v)
			case model.TextPart:
				t.text += v.Text
			}
		}
	}
	t.toolCalls = resp.ToolCalls
	return t
}

func findExtract(calls []model.ToolCall) (model.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == extractToolName {
			return c, true
		}
	}
	return model.ToolCall{}, false
}

func wrapProviderErr(provider string, err error) error {
	if _, ok := model.AsProviderError(err); ok {
		return err
	}
	return fmt.Errorf("%s: %w", provider, err)
}
