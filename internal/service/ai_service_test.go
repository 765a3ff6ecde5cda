package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"error_book_backend/internal/config"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAI(responses ...llm.MockResponse) (*AIService, *llm.MockTransport) {
	mock := llm.NewMockTransport(responses...)
	return NewAIService(mock, config.AIConfig{Model: "mock-model"}, nil), mock
}

func collectChunks(ch <-chan StreamChunk) []StreamChunk {
	var out []StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestChatCompletion(t *testing.T) {
	ai, mock := newTestAI(llm.MockResponse{Content: "答案是 4", PromptTokens: 10, CompletionTokens: 5})

	res, err := ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("2+2=?")}, ChatParams{MaxTokens: 100})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "答案是 4", res.Content)
	assert.Equal(t, 15, res.TokensUsed)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "mock-model", mock.LastCall().Model)
	assert.Equal(t, 100, mock.LastCall().MaxTokens)
}

func TestChatCompletionZeroTemperatureIsSent(t *testing.T) {
	ai, mock := newTestAI(llm.MockResponse{Content: "{}"}, llm.MockResponse{Content: "{}"})

	_, err := ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("q")}, ChatParams{Temperature: float32Ptr(0)})
	require.NoError(t, err)
	assert.Greater(t, mock.LastCall().Temperature, float32(0))
	assert.Less(t, mock.LastCall().Temperature, float32(0.001))

	_, err = ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("q")}, ChatParams{})
	require.NoError(t, err)
	assert.Equal(t, defaultTemperature, mock.LastCall().Temperature)
}

func TestChatCompletionUnavailable(t *testing.T) {
	ai, _ := newTestAI()

	res, err := ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("hi")}, ChatParams{})

	assert.ErrorIs(t, err, util.ErrAIUnavailable)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	h := ai.Health(context.Background())
	assert.NotEmpty(t, h.LastError)
	assert.NotNil(t, h.LastErrorAt)
}

func TestChatCompletionTimeout(t *testing.T) {
	ai, _ := newTestAI(llm.MockResponse{Content: "slow", Delay: 200 * time.Millisecond})

	_, err := ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("hi")}, ChatParams{Timeout: 20 * time.Millisecond})

	assert.ErrorIs(t, err, util.ErrAITimeout)
}

func TestVisionMessageUsesRewrittenURL(t *testing.T) {
	mock := llm.NewMockTransport(llm.MockResponse{Content: "ok"})
	ai := NewAIService(mock, config.AIConfig{Model: "text", VisionModel: "vision"}, func(u string) string {
		return "https://cdn.example.com/" + u
	})

	_, err := ai.ChatCompletion(context.Background(), []AIChatMessage{userMessage("看图", "uploads/a.png")}, ChatParams{})
	require.NoError(t, err)

	call := mock.LastCall()
	assert.Equal(t, "vision", call.Model)
	require.Len(t, call.Messages[0].MultiContent, 2)
	assert.Equal(t, "https://cdn.example.com/uploads/a.png", call.Messages[0].MultiContent[1].ImageURL.URL)
}

func TestCompleteJSON(t *testing.T) {
	schema := &llm.Schema{Name: "ai_service_test_total", Definition: `{"type": "object", "required": ["total"], "properties": {"total": {"type": "integer"}}}`}
	ai, _ := newTestAI(
		llm.MockResponse{Content: "好的：\n```json\n{\"total\": 3}\n```\n以上。"},
		llm.MockResponse{Content: "没有 JSON"},
		llm.MockResponse{Content: `{"total": "three"}`},
	)

	var v struct {
		Total int `json:"total"`
	}
	_, err := ai.CompleteJSON(context.Background(), nil, ChatParams{Purpose: "t"}, schema, &v)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Total)

	_, err = ai.CompleteJSON(context.Background(), nil, ChatParams{Purpose: "t"}, schema, &v)
	assert.ErrorIs(t, err, util.ErrAISchema)

	_, err = ai.CompleteJSON(context.Background(), nil, ChatParams{Purpose: "t"}, schema, &v)
	assert.ErrorIs(t, err, util.ErrAISchema)
}

func TestChatCompletionStream(t *testing.T) {
	ai, _ := newTestAI(llm.MockResponse{Chunks: []string{"先", "移项"}, PromptTokens: 3, CompletionTokens: 4})

	chunks := collectChunks(ai.ChatCompletionStream(context.Background(), []AIChatMessage{userMessage("x+1=2")}, ChatParams{}))

	require.Len(t, chunks, 4)
	assert.Equal(t, StreamChunk{Type: ChunkContent, Content: "先"}, chunks[0])
	assert.Equal(t, StreamChunk{Type: ChunkContent, Content: "移项"}, chunks[1])
	assert.Equal(t, ChunkContentFinished, chunks[2].Type)
	assert.Equal(t, ChunkDone, chunks[3].Type)
	assert.Equal(t, 7, chunks[3].TokensUsed)
}

func TestChatCompletionStreamErrorTerminates(t *testing.T) {
	ai, _ := newTestAI(llm.MockResponse{Chunks: []string{"半"}, StreamErr: errors.New("connection reset")})

	chunks := collectChunks(ai.ChatCompletionStream(context.Background(), nil, ChatParams{}))

	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkContent, chunks[0].Type)
	assert.Equal(t, ChunkError, chunks[1].Type)

	terminals := 0
	for _, c := range chunks {
		if c.Type == ChunkDone || c.Type == ChunkError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestChatCompletionStreamIdleTimeout(t *testing.T) {
	mock := llm.NewMockTransport(llm.MockResponse{Chunks: []string{"a"}, Delay: 300 * time.Millisecond})
	ai := NewAIService(mock, config.AIConfig{StreamIdleTimeout: 30 * time.Millisecond}, nil)

	chunks := collectChunks(ai.ChatCompletionStream(context.Background(), nil, ChatParams{}))

	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Type)
	assert.Contains(t, chunks[0].Error, "timed out")
}

func TestHealth(t *testing.T) {
	ai, mock := newTestAI()
	assert.True(t, ai.Health(context.Background()).Reachable)

	mock.PingErr = &llm.ErrProviderUnavailable{}
	h := ai.Health(context.Background())
	assert.False(t, h.Reachable)
	assert.Equal(t, "mock-model", h.Model)
}
