package service

import (
	"context"
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	historyTurns     = 5
	questionGuardTTL = 10 * time.Minute
)

// QAService 学习问答：回答问题并在判定为错题时自动入错题本
type QAService struct {
	DB           *gorm.DB
	AI           *AIService
	Detector     *MistakeDetector
	Linker       *KnowledgeLinkerService
	QuestionRepo *repository.QuestionRepository
	Guard        *IdempotencyGuard
}

func NewQAService(db *gorm.DB, ai *AIService, detector *MistakeDetector, linker *KnowledgeLinkerService,
	questionRepo *repository.QuestionRepository, guard *IdempotencyGuard) *QAService {
	return &QAService{
		DB:           db,
		AI:           ai,
		Detector:     detector,
		Linker:       linker,
		QuestionRepo: questionRepo,
		Guard:        guard,
	}
}

type AskRequest struct {
	Content        string   `json:"content" binding:"required"`
	QuestionType   string   `json:"question_type"`
	Subject        string   `json:"subject"`
	ImageURLs      []string `json:"image_urls"`
	SessionID      string   `json:"session_id"`
	RequestID      string   `json:"request_id"`
	UseContext     bool     `json:"use_context"`
	IncludeHistory bool     `json:"include_history"`
}

type AskResponse struct {
	QuestionID      string               `json:"questionId"`
	AnswerID        string               `json:"answerId"`
	SessionID       string               `json:"sessionId"`
	Answer          string               `json:"answer"`
	TokensUsed      int                  `json:"tokensUsed"`
	Detection       DetectionResult      `json:"detection"`
	Mistake         *model.MistakeRecord `json:"mistake,omitempty"`
	KnowledgePoints []string             `json:"knowledgePoints,omitempty"`
	IsFallback      bool                 `json:"isFallback"`
}

// AskEvent 流式问答对外输出的事件，done 事件之前错题等数据已经提交
type AskEvent struct {
	Type       ChunkType `json:"type"`
	Content    string    `json:"content,omitempty"`
	QuestionID string    `json:"question_id,omitempty"`
	AnswerID   string    `json:"answer_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	MistakeID  string    `json:"mistake_id,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	Message    string    `json:"message,omitempty"`
}

type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

const tutorPrompt = `你是一名耐心的中学%s老师。请用清晰的步骤讲解学生的问题：先指出考查的知识点，再给出解题思路和关键步骤，最后总结易错点。`

func (s *QAService) validate(req *AskRequest) (model.Subject, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return "", util.NewValidationError("content is required")
	}
	return resolveSubject(req.Subject, req.Content)
}

func (s *QAService) buildMessages(userID uint, subject model.Subject, req *AskRequest) []AIChatMessage {
	messages := []AIChatMessage{systemMessage(fmt.Sprintf(tutorPrompt, subject))}

	if req.IncludeHistory && req.SessionID != "" {
		pairs, err := s.QuestionRepo.RecentHistory(userID, req.SessionID, historyTurns)
		if err != nil {
			logger.Log.Warn("load QA history failed", zap.Uint("userID", userID), zap.Error(err))
		}
		for _, p := range pairs {
			messages = append(messages, userMessage(p.Question.Content))
			if p.Answer != nil {
				messages = append(messages, AIChatMessage{Role: "assistant", Content: p.Answer.Content})
			}
		}
	}

	return append(messages, userMessage(req.Content, req.ImageURLs...))
}

// Ask 非流式问答
func (s *QAService) Ask(ctx context.Context, userID uint, req AskRequest) (*AskResponse, error) {
	subject, err := s.validate(&req)
	if err != nil {
		return nil, err
	}
	guardKey := FingerprintQuestion(userID, &req)
	if req.SessionID == "" {
		req.SessionID = model.GenerateUUID()
	}

	result, err := s.AI.ChatCompletion(ctx, s.buildMessages(userID, subject, &req), ChatParams{Purpose: "learning_ask"})
	if err != nil {
		return nil, err
	}

	turn, err := s.recordTurn(ctx, userID, subject, &req, guardKey, result.Content, result.Model, result.TokensUsed)
	if err != nil {
		return nil, err
	}

	resp := &AskResponse{
		QuestionID: turn.question.ID,
		AnswerID:   turn.answer.ID,
		SessionID:  req.SessionID,
		Answer:     result.Content,
		TokensUsed: result.TokensUsed,
		Detection:  turn.detection,
		Mistake:    turn.mistake,
		IsFallback: turn.isFallback,
	}
	if turn.mistake != nil {
		resp.KnowledgePoints = turn.mistake.Feedback().KnowledgePoints
	}
	return resp, nil
}

// AskStream 流式问答。输出通道以恰好一个 done 或 error 事件结束后关闭；
// 问题、回答以及可能产生的错题在 done 之前提交。
func (s *QAService) AskStream(ctx context.Context, userID uint, req AskRequest) (<-chan AskEvent, error) {
	subject, err := s.validate(&req)
	if err != nil {
		return nil, err
	}
	guardKey := FingerprintQuestion(userID, &req)
	if req.SessionID == "" {
		req.SessionID = model.GenerateUUID()
	}

	chunks := s.AI.ChatCompletionStream(ctx, s.buildMessages(userID, subject, &req), ChatParams{Purpose: "learning_ask_stream"})
	out := make(chan AskEvent)

	go func() {
		defer close(out)
		emit := func(ev AskEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var answer strings.Builder
		for chunk := range chunks {
			switch chunk.Type {
			case ChunkContent:
				answer.WriteString(chunk.Content)
				if !emit(AskEvent{Type: ChunkContent, Content: chunk.Content}) {
					drain(chunks)
					return
				}
			case ChunkContentFinished:
				emit(AskEvent{Type: ChunkContentFinished})
			case ChunkError:
				emit(AskEvent{Type: ChunkError, Message: chunk.Error})
				drain(chunks)
				return
			case ChunkDone:
				postCtx, cancel := context.WithTimeout(ctx, s.AI.Config().PostStreamTimeout)
				turn, err := s.recordTurn(postCtx, userID, subject, &req, guardKey, answer.String(), s.AI.Config().Model, chunk.TokensUsed)
				cancel()
				if err != nil {
					logger.Log.Error("persist streamed turn failed", zap.Uint("userID", userID), zap.Error(err))
					emit(AskEvent{Type: ChunkError, Message: util.ToAppError(err).Message})
					return
				}
				done := AskEvent{
					Type:       ChunkDone,
					QuestionID: turn.question.ID,
					AnswerID:   turn.answer.ID,
					SessionID:  req.SessionID,
					Usage:      &Usage{TotalTokens: chunk.TokensUsed},
				}
				if turn.mistake != nil {
					done.MistakeID = turn.mistake.ID
				}
				emit(done)
				return
			}
		}
	}()

	return out, nil
}

func drain(chunks <-chan StreamChunk) {
	for range chunks {
	}
}

type recordedTurn struct {
	question   *model.Question
	answer     *model.Answer
	mistake    *model.MistakeRecord
	detection  DetectionResult
	isFallback bool
}

// recordTurn 保存问答；分类器判定为错题时在同一事务内创建错题并挂接知识点。
// 分类与知识点分析可能调用模型，都在事务之前完成。
// guardKey 在 ttl 内重复出现时拒绝再次入错题本。
func (s *QAService) recordTurn(ctx context.Context, userID uint, subject model.Subject, req *AskRequest, guardKey, answerText, modelName string, tokens int) (*recordedTurn, error) {
	turn := &recordedTurn{
		question: &model.Question{
			UserID:       userID,
			SessionID:    req.SessionID,
			Content:      req.Content,
			QuestionType: req.QuestionType,
			Subject:      subject,
			ImageURLs:    model.MustJSON(nonNilStrings(req.ImageURLs)),
		},
		answer: &model.Answer{UserID: userID, Content: answerText, Model: modelName, TokensUsed: tokens},
	}
	turn.question.ID = model.GenerateUUID()
	turn.answer.QuestionID = turn.question.ID

	turn.detection = s.Detector.Detect(ctx, DetectionInput{
		Content:      req.Content,
		ImageURLs:    req.ImageURLs,
		QuestionType: req.QuestionType,
	})
	logger.Log.Info("mistake detection",
		zap.Uint("userID", userID),
		zap.Bool("isMistake", turn.detection.IsMistake),
		zap.Float64("confidence", turn.detection.Confidence),
		zap.String("reason", turn.detection.Reason))

	var plan *LinkPlan
	if turn.detection.IsMistake {
		if !s.Guard.Acquire(ctx, guardKey, questionGuardTTL) {
			return nil, util.ErrDuplicateRequest
		}
		var err error
		plan, err = s.Linker.ResolveKnowledgePoints(ctx, subject, req.Content, nil, "")
		if err != nil {
			s.Guard.Release(ctx, guardKey)
			return nil, err
		}
		turn.isFallback = plan.IsFallback
	}

	now := time.Now().UTC()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		qRepo := s.QuestionRepo.WithTx(tx)
		if err := qRepo.CreateQuestion(turn.question); err != nil {
			return err
		}
		if err := qRepo.CreateAnswer(turn.answer); err != nil {
			return err
		}
		if plan == nil {
			return nil
		}

		source, _ := turn.detection.MistakeType.Source()
		if source == "" {
			source = model.SourceLearningEmpty
		}
		questionID := turn.question.ID
		mistake := &model.MistakeRecord{
			UserID:           userID,
			Subject:          subject,
			Title:            util.TruncateRunes(req.Content, 200),
			OCRText:          req.Content,
			Difficulty:       defaultDifficulty,
			MasteryStatus:    model.StatusLearning,
			Source:           source,
			SourceQuestionID: &questionID,
			QuestionNumber:   1,
			QuestionType:     req.QuestionType,
			ErrorType:        string(plan.ErrorType),
			Version:          1,
		}
		mistake.SetImages(req.ImageURLs)
		mistake.SetFeedback(model.AIFeedback{Explanation: answerText})

		if _, err := s.Linker.CreateWithLinks(tx, mistake, plan, now); err != nil {
			return err
		}
		turn.mistake = mistake
		return nil
	})
	if err != nil {
		if plan != nil {
			s.Guard.Release(ctx, guardKey)
		}
		return nil, err
	}

	if turn.mistake != nil {
		monitoring.MistakesCreated.WithLabelValues(string(turn.mistake.Source)).Inc()
	}
	return turn, nil
}

// resolveSubject 空值与"其他"按内容推断，其余无法识别的学科视为参数错误
func resolveSubject(raw, content string) (model.Subject, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && raw != string(model.SubjectOther) {
		if _, ok := model.ParseSubject(raw); !ok {
			return "", util.NewValidationError(fmt.Sprintf("unknown subject %q", raw))
		}
	}
	return NormalizeSubject(raw, content), nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
