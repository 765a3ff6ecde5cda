package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(t ChatTransport, retries int) *RetryTransport {
	return WithRetry(t, RetryConfig{MaxRetries: retries, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond})
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	mock := NewMockTransport(
		MockResponse{Err: &ErrProviderUnavailable{}},
		MockResponse{Err: &ErrRateLimit{RetryAfter: time.Millisecond}},
		MockResponse{Content: "ok"},
	)

	resp, err := fastRetry(mock, 2).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	mock := NewMockTransport(
		MockResponse{Err: &ErrRejected{Status: 401, Err: errors.New("bad key")}},
		MockResponse{Content: "never"},
	)

	_, err := fastRetry(mock, 3).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{})

	var rejected *ErrRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, mock.CallCount())
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	mock := NewMockTransport()

	_, err := fastRetry(mock, 2).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{})

	var unavailable *ErrProviderUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetryHonoursCancellation(t *testing.T) {
	mock := NewMockTransport(MockResponse{Err: &ErrProviderUnavailable{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(mock, RetryConfig{MaxRetries: 3, InitialWait: time.Second}).
		CreateChatCompletion(ctx, openai.ChatCompletionRequest{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, mock.CallCount())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(&ErrRejected{Status: 400}))
	assert.False(t, IsTransient(&ErrInvalidResponse{Err: errors.New("x")}))
	assert.True(t, IsTransient(&ErrRateLimit{}))
	assert.True(t, IsTransient(&ErrProviderUnavailable{}))
}

func TestMockStream(t *testing.T) {
	mock := NewMockTransport(MockResponse{Chunks: []string{"a", "b"}, PromptTokens: 2, CompletionTokens: 3})

	stream, err := mock.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var usage *openai.Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if len(chunk.Choices) > 0 {
			text += chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "ab", text)
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestValidate(t *testing.T) {
	schema := &Schema{Name: "llm_test_answer", Definition: `{
  "type": "object",
  "required": ["answer"],
  "properties": {"answer": {"type": "string"}}
}`}

	assert.NoError(t, Validate(schema, json.RawMessage(`{"answer": "42"}`)))
	assert.NoError(t, Validate(nil, json.RawMessage(`anything`)))

	var invalid *ErrInvalidResponse
	assert.ErrorAs(t, Validate(schema, json.RawMessage(`{"answer": 42}`)), &invalid)
	assert.ErrorAs(t, Validate(schema, json.RawMessage(`{}`)), &invalid)
	assert.ErrorAs(t, Validate(schema, json.RawMessage(`{broken`)), &invalid)
}

func TestOpenAITransportMapsStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		code := int(status.Load())
		w.WriteHeader(code)
		if code != http.StatusOK {
			io.WriteString(w, `{"error": {"message": "boom", "type": "server_error"}}`)
			return
		}
		io.WriteString(w, `{"id": "cmpl-1", "model": "test", "choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}], "usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`)
	}))
	defer srv.Close()

	tr := NewOpenAITransport(Config{BaseURL: srv.URL + "/v1", APIKey: "test"})
	req := openai.ChatCompletionRequest{Model: "test", Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}}

	resp, err := tr.CreateChatCompletion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)

	status.Store(http.StatusInternalServerError)
	_, err = tr.CreateChatCompletion(context.Background(), req)
	var unavailable *ErrProviderUnavailable
	assert.ErrorAs(t, err, &unavailable)

	status.Store(http.StatusUnauthorized)
	_, err = tr.CreateChatCompletion(context.Background(), req)
	var rejected *ErrRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnauthorized, rejected.Status)

	status.Store(http.StatusTooManyRequests)
	_, err = tr.CreateChatCompletion(context.Background(), req)
	var limited *ErrRateLimit
	assert.ErrorAs(t, err, &limited)
}
