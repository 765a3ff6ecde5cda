package llm

import (
	"context"
	"io"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// MockResponse is one canned reply. For streams, Chunks are delivered in order
// and StreamErr (if set) is returned instead of io.EOF after the last chunk.
type MockResponse struct {
	Content          string
	Chunks           []string
	PromptTokens     int
	CompletionTokens int
	Err              error
	StreamErr        error
	Delay            time.Duration
}

// MockTransport returns canned responses in FIFO order and records every request.
type MockTransport struct {
	mu        sync.Mutex
	responses []MockResponse
	Calls     []openai.ChatCompletionRequest
	PingErr   error
}

func NewMockTransport(responses ...MockResponse) *MockTransport {
	return &MockTransport{responses: responses}
}

func (m *MockTransport) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or the zero value.
func (m *MockTransport) LastCall() openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return openai.ChatCompletionRequest{}
	}
	return m.Calls[len(m.Calls)-1]
}

func (m *MockTransport) next(req openai.ChatCompletionRequest) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if len(m.responses) == 0 {
		return MockResponse{}, false
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, true
}

func (m *MockTransport) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, ok := m.next(req)
	if !ok {
		return openai.ChatCompletionResponse{}, &ErrProviderUnavailable{}
	}

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}
	if resp.Err != nil {
		return openai.ChatCompletionResponse{}, resp.Err
	}

	return openai.ChatCompletionResponse{
		ID:    "mock-" + time.Now().Format("150405.000000"),
		Model: "mock",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: resp.Content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		},
	}, nil
}

func (m *MockTransport) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	resp, ok := m.next(req)
	if !ok {
		return nil, &ErrProviderUnavailable{}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &mockStream{ctx: ctx, resp: resp}, nil
}

func (m *MockTransport) Ping(context.Context) error {
	return m.PingErr
}

type mockStream struct {
	ctx  context.Context
	resp MockResponse
	pos  int
	done bool
}

func (s *mockStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.resp.Delay > 0 {
		select {
		case <-s.ctx.Done():
			return openai.ChatCompletionStreamResponse{}, s.ctx.Err()
		case <-time.After(s.resp.Delay):
		}
	}
	if err := s.ctx.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, err
	}

	if s.pos < len(s.resp.Chunks) {
		chunk := s.resp.Chunks[s.pos]
		s.pos++
		return openai.ChatCompletionStreamResponse{
			ID:      "mock-stream",
			Model:   "mock",
			Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: chunk}}},
		}, nil
	}

	if s.resp.StreamErr != nil {
		return openai.ChatCompletionStreamResponse{}, s.resp.StreamErr
	}

	if !s.done {
		s.done = true
		return openai.ChatCompletionStreamResponse{
			ID:      "mock-stream",
			Model:   "mock",
			Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}},
			Usage: &openai.Usage{
				PromptTokens:     s.resp.PromptTokens,
				CompletionTokens: s.resp.CompletionTokens,
				TotalTokens:      s.resp.PromptTokens + s.resp.CompletionTokens,
			},
		}, nil
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (s *mockStream) Close() error { return nil }
