// Package llm wraps the OpenAI-compatible chat API used by the AI gateway.
package llm

import (
	"context"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatStream is a server-sent chunk stream. Recv returns io.EOF after the last chunk.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// ChatTransport is the minimal surface of the vendor client the gateway needs.
type ChatTransport interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}

// Pinger is implemented by transports that can check reachability cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	BaseURL         string
	APIKey          string
	MaxConnsPerHost int
}

// OpenAITransport talks to any OpenAI-compatible endpoint.
type OpenAITransport struct {
	client *openai.Client
}

func NewOpenAITransport(cfg Config) *OpenAITransport {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 16
	}
	config.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxConnsPerHost:     maxConns,
			MaxIdleConnsPerHost: maxConns,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	return &OpenAITransport{client: openai.NewClientWithConfig(config)}
}

func (t *OpenAITransport) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, mapOpenAIError(ctx, err)
	}
	return resp, nil
}

func (t *OpenAITransport) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	stream, err := t.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, mapOpenAIError(ctx, err)
	}
	return stream, nil
}

func (t *OpenAITransport) Ping(ctx context.Context) error {
	if _, err := t.client.ListModels(ctx); err != nil {
		return mapOpenAIError(ctx, err)
	}
	return nil
}
