package llm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type RetryConfig struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// RetryTransport retries transient completion failures with exponential backoff
// and jitter. Streams are opened once and never retried.
type RetryTransport struct {
	inner  ChatTransport
	config RetryConfig
}

func WithRetry(t ChatTransport, cfg RetryConfig) *RetryTransport {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 500 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &RetryTransport{inner: t, config: cfg}
}

func (r *RetryTransport) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		var err error
		resp, err = r.inner.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(r.backoff(attempt, err)):
		}
	}

	return resp, lastErr
}

func (r *RetryTransport) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	return r.inner.CreateChatCompletionStream(ctx, req)
}

func (r *RetryTransport) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (r *RetryTransport) backoff(attempt int, err error) time.Duration {
	var rl *ErrRateLimit
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	wait := float64(r.config.InitialWait) * math.Pow(r.config.Multiplier, float64(attempt))
	if wait > float64(r.config.MaxWait) {
		wait = float64(r.config.MaxWait)
	}

	// ±20% jitter
	wait += wait * 0.2 * (2*rand.Float64() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
