package service

import (
	"context"
	"error_book_backend/internal/config"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"error_book_backend/pkg/tracing"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AIChatMessage 一条对话消息，ImageURLs 非空时按视觉消息发送
type AIChatMessage struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
}

// ChatParams 单次调用参数，零值使用网关默认值
type ChatParams struct {
	Purpose     string
	Temperature *float32
	MaxTokens   int
	TopP        *float32
	Timeout     time.Duration
	JSONMode    bool
}

// ChatResult 非流式调用结果
type ChatResult struct {
	Content    string        `json:"content"`
	TokensUsed int           `json:"tokensUsed"`
	Latency    time.Duration `json:"latency"`
	Model      string        `json:"model"`
	RequestID  string        `json:"requestId"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

type ChunkType string

const (
	ChunkContent         ChunkType = "content"
	ChunkContentFinished ChunkType = "content_finished"
	ChunkDone            ChunkType = "done"
	ChunkError           ChunkType = "error"
)

// StreamChunk 流式输出的一个分片。每次调用最多一个 content_finished，
// 且恰好以一个 done 或 error 结束。
type StreamChunk struct {
	Type       ChunkType `json:"type"`
	Content    string    `json:"content,omitempty"`
	TokensUsed int       `json:"tokensUsed,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AIHealth 网关健康状态
type AIHealth struct {
	Reachable     bool       `json:"reachable"`
	Model         string     `json:"model"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
}

// URLRewriter 把内部对象存储地址改写为模型厂商可访问的公网地址
type URLRewriter func(string) string

const defaultTemperature float32 = 0.7

// AIService 所有大模型调用的唯一出口
type AIService struct {
	transport   llm.ChatTransport
	config      config.AIConfig
	rewriteURL  URLRewriter
	mu          sync.Mutex
	lastErr     string
	lastErrAt   *time.Time
	lastSuccess *time.Time
}

func NewAIService(transport llm.ChatTransport, cfg config.AIConfig, rewrite URLRewriter) *AIService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 30 * time.Second
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 15 * time.Second
	}
	if cfg.PostStreamTimeout <= 0 {
		cfg.PostStreamTimeout = 60 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if rewrite == nil {
		rewrite = func(u string) string { return u }
	}

	retrying := llm.WithRetry(transport, llm.RetryConfig{
		MaxRetries:  cfg.MaxRetries,
		InitialWait: cfg.RetryInitialWait,
		MaxWait:     cfg.RetryMaxWait,
	})

	return &AIService{transport: retrying, config: cfg, rewriteURL: rewrite}
}

func (s *AIService) Config() config.AIConfig {
	return s.config
}

func (s *AIService) buildRequest(messages []AIChatMessage, params ChatParams) openai.ChatCompletionRequest {
	model := s.config.Model
	out := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, m := range messages {
		if len(m.ImageURLs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}

		if s.config.VisionModel != "" {
			model = s.config.VisionModel
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, u := range m.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    s.rewriteURL(u),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}

	temperature := defaultTemperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	// go-openai 的 omitempty 会丢掉 0，改用最小正数保持确定性输出
	if temperature <= 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    out,
		Temperature: temperature,
		MaxTokens:   params.MaxTokens,
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req
}

// ChatCompletion 非流式调用，带超时与指数退避重试
func (s *AIService) ChatCompletion(ctx context.Context, messages []AIChatMessage, params ChatParams) (*ChatResult, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	purpose := params.Purpose
	if purpose == "" {
		purpose = "chat"
	}

	req := s.buildRequest(messages, params)
	ctx, span := tracing.StartSpan(ctx, "ai.chat_completion",
		attribute.String("ai.purpose", purpose),
		attribute.String("ai.model", req.Model))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.transport.CreateChatCompletion(callCtx, req)
	latency := time.Since(start)

	result := &ChatResult{
		Latency:   latency,
		Model:     req.Model,
		RequestID: resp.ID,
	}
	if result.RequestID == "" {
		result.RequestID = uuid.New().String()
	}

	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("%w: no choices in response", util.ErrAISchema)
	}
	if err != nil {
		err = s.classify(callCtx, err)
		result.Error = err.Error()
		s.recordFailure(err)
		monitoring.ObserveAICall(purpose, "sync", latency, 0, err)
		tracing.EndSpan(span, err)
		logger.Log.Warn("AI call failed",
			zap.String("purpose", purpose),
			zap.String("model", req.Model),
			zap.Duration("latency", latency),
			zap.Error(err))
		return result, err
	}

	result.Content = resp.Choices[0].Message.Content
	result.TokensUsed = resp.Usage.TotalTokens
	result.Success = true
	if resp.Model != "" {
		result.Model = resp.Model
	}

	s.recordSuccess()
	monitoring.ObserveAICall(purpose, "sync", latency, result.TokensUsed, nil)
	span.SetAttributes(attribute.Int("ai.tokens", result.TokensUsed))
	tracing.EndSpan(span, nil)
	logger.Log.Info("AI call completed",
		zap.String("purpose", purpose),
		zap.String("model", result.Model),
		zap.Duration("latency", latency),
		zap.Int("tokens", result.TokensUsed))
	return result, nil
}

// ChatCompletionStream 返回有限且不可重启的分片序列。消费方必须读到终止分片或取消 ctx。
// 两个分片之间超过 stream_idle_timeout 视为失败。
func (s *AIService) ChatCompletionStream(ctx context.Context, messages []AIChatMessage, params ChatParams) <-chan StreamChunk {
	out := make(chan StreamChunk)
	purpose := params.Purpose
	if purpose == "" {
		purpose = "chat_stream"
	}

	go func() {
		defer close(out)

		req := s.buildRequest(messages, params)
		req.Stream = true
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		spanCtx, span := tracing.StartSpan(ctx, "ai.chat_completion_stream",
			attribute.String("ai.purpose", purpose),
			attribute.String("ai.model", req.Model))
		streamCtx, cancel := context.WithCancel(spanCtx)
		defer cancel()

		start := time.Now()
		requestID := uuid.New().String()
		tokens := 0
		finished := false

		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			s.recordFailure(err)
			monitoring.ObserveAICall(purpose, "stream", time.Since(start), tokens, err)
			tracing.EndSpan(span, err)
			logger.Log.Warn("AI stream failed", zap.String("purpose", purpose), zap.Error(err))
			emit(StreamChunk{Type: ChunkError, Error: err.Error(), RequestID: requestID})
		}

		idle := time.AfterFunc(s.config.StreamIdleTimeout, cancel)
		defer idle.Stop()

		stream, err := s.transport.CreateChatCompletionStream(streamCtx, req)
		if err != nil {
			fail(s.classifyStream(ctx, streamCtx, err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(s.classifyStream(ctx, streamCtx, err))
				return
			}
			idle.Reset(s.config.StreamIdleTimeout)

			if resp.ID != "" {
				requestID = resp.ID
			}
			if resp.Usage != nil {
				tokens = resp.Usage.TotalTokens
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content != "" {
					if !emit(StreamChunk{Type: ChunkContent, Content: choice.Delta.Content}) {
						tracing.EndSpan(span, ctx.Err())
						return
					}
				}
				if choice.FinishReason != "" && !finished {
					finished = true
					if !emit(StreamChunk{Type: ChunkContentFinished}) {
						tracing.EndSpan(span, ctx.Err())
						return
					}
				}
			}
		}

		if !finished {
			if !emit(StreamChunk{Type: ChunkContentFinished}) {
				tracing.EndSpan(span, ctx.Err())
				return
			}
		}

		s.recordSuccess()
		monitoring.ObserveAICall(purpose, "stream", time.Since(start), tokens, nil)
		tracing.EndSpan(span, nil)
		logger.Log.Info("AI stream completed",
			zap.String("purpose", purpose),
			zap.String("model", req.Model),
			zap.Duration("latency", time.Since(start)),
			zap.Int("tokens", tokens))
		emit(StreamChunk{Type: ChunkDone, TokensUsed: tokens, RequestID: requestID})
	}()

	return out
}

// ExtractJSON 宽松提取模型输出中的 JSON
func (s *AIService) ExtractJSON(raw string) (*util.ExtractedJSON, bool) {
	return util.ExtractJSON(raw)
}

// CompleteJSON 调用模型并把输出解码到 v；schema 非空时先做结构校验
func (s *AIService) CompleteJSON(ctx context.Context, messages []AIChatMessage, params ChatParams, schema *llm.Schema, v interface{}) (*ChatResult, error) {
	result, err := s.ChatCompletion(ctx, messages, params)
	if err != nil {
		return result, err
	}

	extracted, ok := util.ExtractJSON(result.Content)
	if !ok {
		logger.Log.Warn("AI output has no JSON",
			zap.String("purpose", params.Purpose),
			zap.String("snippet", util.Snippet(result.Content, 200)))
		return result, fmt.Errorf("%w: no JSON object in %s output", util.ErrAISchema, params.Purpose)
	}
	if err := llm.Validate(schema, []byte(extracted.Raw)); err != nil {
		return result, fmt.Errorf("%w: %v", util.ErrAISchema, err)
	}
	if _, err := util.DecodeJSON(extracted.Raw, v); err != nil {
		return result, err
	}
	return result, nil
}

// Health 检查厂商连通性并附带最近一次错误
func (s *AIService) Health(ctx context.Context) AIHealth {
	h := AIHealth{Model: s.config.Model, Reachable: true}

	if p, ok := s.transport.(llm.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			h.Reachable = false
			s.recordFailure(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h.LastError = s.lastErr
	h.LastErrorAt = s.lastErrAt
	h.LastSuccessAt = s.lastSuccess
	return h
}

func (s *AIService) recordFailure(err error) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastErr = err.Error()
	s.lastErrAt = &now
	s.mu.Unlock()
}

func (s *AIService) recordSuccess() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSuccess = &now
	s.mu.Unlock()
}

// classify 把传输层错误归类为网关错误
func (s *AIService) classify(callCtx context.Context, err error) error {
	switch {
	case errors.Is(err, util.ErrAISchema):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", util.ErrAITimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	var invalid *llm.ErrInvalidResponse
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", util.ErrAISchema, err)
	}
	return fmt.Errorf("%w: %v", util.ErrAIUnavailable, err)
}

// classifyStream 区分调用方取消与空闲超时
func (s *AIService) classifyStream(parent, streamCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if streamCtx.Err() != nil {
		return fmt.Errorf("%w: stream idle for %s", util.ErrAITimeout, s.config.StreamIdleTimeout)
	}
	return s.classify(streamCtx, err)
}

// systemMessage 便于拼装提示词
func systemMessage(content string) AIChatMessage {
	return AIChatMessage{Role: openai.ChatMessageRoleSystem, Content: content}
}

func userMessage(content string, images ...string) AIChatMessage {
	return AIChatMessage{Role: openai.ChatMessageRoleUser, Content: content, ImageURLs: images}
}

func float32Ptr(v float32) *float32 {
	return &v
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
