package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ScriptedProvider returns a pre-defined sequence of responses. It drives
// multi-turn loops in tests without a live model.
type ScriptedProvider struct {
	mu        sync.Mutex
	Responses []ChatResponse
	Err       error
	PingErr   error
	// Delay blocks each Chat call until it elapses or the context ends.
	Delay time.Duration
	// PingDelay does the same for Ping.
	PingDelay time.Duration
	Requests  []ChatRequest
}

// NewScriptedProvider creates a provider replaying responses in order.
func NewScriptedProvider(responses ...ChatResponse) *ScriptedProvider {
	return &ScriptedProvider{Responses: responses}
}

// Text is a shorthand for a plain content response.
func Text(content string) ChatResponse {
	return ChatResponse{Content: content}
}

// CallTool is a shorthand for a response requesting one tool call.
func CallTool(id, name, arguments string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{ID: id, Function: FunctionCall{Name: name, Arguments: arguments}}}}
}

// Chat pops the next scripted response.
func (s *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, cloneRequest(req))
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("scripted provider: no more responses")
	}
	resp := s.Responses[0]
	s.Responses = s.Responses[1:]
	resp.Usage = Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	return &resp, nil
}

// Ping returns PingErr after PingDelay.
func (s *ScriptedProvider) Ping(ctx context.Context) error {
	s.mu.Lock()
	delay := s.PingDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Calls returns the number of Chat calls made.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// LastRequest returns the most recent Chat request.
func (s *ScriptedProvider) LastRequest() ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return ChatRequest{}
	}
	return s.Requests[len(s.Requests)-1]
}

func cloneRequest(req ChatRequest) ChatRequest {
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]Tool(nil), req.Tools...)
	return req
}
