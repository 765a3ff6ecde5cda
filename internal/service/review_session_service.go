package service

import (
	"context"
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"
	"error_book_backend/pkg/logger"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 3
	partialPerformance = 0.3
)

// ReviewSessionService 单题交互式复习：开始、作答（模型判分）、提示、跳过与完成
type ReviewSessionService struct {
	DB          *gorm.DB
	AI          *AIService
	SessionRepo *repository.ReviewSessionRepository
	MistakeRepo *repository.MistakeRepository
	Mistakes    *MistakeService
	MaxAttempts int
}

func NewReviewSessionService(db *gorm.DB, ai *AIService, sessionRepo *repository.ReviewSessionRepository,
	mistakeRepo *repository.MistakeRepository, mistakes *MistakeService, maxAttempts int) *ReviewSessionService {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &ReviewSessionService{
		DB:          db,
		AI:          ai,
		SessionRepo: sessionRepo,
		MistakeRepo: mistakeRepo,
		Mistakes:    mistakes,
		MaxAttempts: maxAttempts,
	}
}

// ReviewQuestion 复习时展示的题目，会话结束前不包含正确答案
type ReviewQuestion struct {
	MistakeID     string        `json:"mistakeId"`
	Subject       model.Subject `json:"subject"`
	Title         string        `json:"title"`
	Content       string        `json:"content"`
	ImageURLs     []string      `json:"imageUrls"`
	QuestionType  string        `json:"questionType"`
	CorrectAnswer string        `json:"correctAnswer,omitempty"`
}

type SessionView struct {
	Session     *model.MistakeReviewSession `json:"session"`
	Question    ReviewQuestion              `json:"question"`
	MaxAttempts int                         `json:"maxAttempts"`
	Resumed     bool                        `json:"resumed"`
}

type SubmitRequest struct {
	Answer string `json:"answer"`
	Skip   bool   `json:"skip"`
}

type SubmitResult struct {
	Verdict     model.TrackResult `json:"verdict"`
	Feedback    string            `json:"feedback,omitempty"`
	Hint        string            `json:"hint,omitempty"`
	Attempts    int               `json:"attempts"`
	NextStage   int               `json:"nextStage"`
	Completed   bool              `json:"completed"`
	Performance *float64          `json:"performance,omitempty"`
	Schedule    *Schedule         `json:"schedule,omitempty"`
	Answer      string            `json:"correctAnswer,omitempty"`
}

func (s *ReviewSessionService) view(session *model.MistakeReviewSession, m *model.MistakeRecord, resumed bool) *SessionView {
	q := ReviewQuestion{
		MistakeID:    m.ID,
		Subject:      m.Subject,
		Title:        m.Title,
		Content:      m.OCRText,
		ImageURLs:    m.Images(),
		QuestionType: m.QuestionType,
	}
	if session.Status != model.SessionInProgress {
		q.CorrectAnswer = m.CorrectAnswer
	}
	return &SessionView{Session: session, Question: q, MaxAttempts: s.MaxAttempts, Resumed: resumed}
}

// Start 同一错题同时只有一个进行中的会话，重复开始返回已有会话。
// 并发开始时由 active_key 唯一索引兜底，插入冲突的一方改为恢复胜出的会话。
func (s *ReviewSessionService) Start(userID uint, mistakeID string) (*SessionView, error) {
	var (
		session *model.MistakeReviewSession
		mistake *model.MistakeRecord
		resumed bool
	)
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		m, err := s.MistakeRepo.WithTx(tx).FindByIDForUser(mistakeID, userID)
		if err != nil {
			return err
		}
		mistake = m

		repo := s.SessionRepo.WithTx(tx)
		existing, err := repo.FindInProgress(mistakeID, userID)
		if err == nil {
			session, resumed = existing, true
			return nil
		}
		if !errors.Is(err, util.ErrSessionNotFound) {
			return err
		}

		session = &model.MistakeReviewSession{
			MistakeID:    mistakeID,
			UserID:       userID,
			CurrentStage: 1,
		}
		session.Open()
		return repo.Create(session)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, findErr := s.SessionRepo.FindInProgress(mistakeID, userID)
		if findErr != nil {
			return nil, findErr
		}
		logger.Log.Info("concurrent review start resumed existing session",
			zap.Uint("userID", userID), zap.String("mistakeID", mistakeID), zap.String("sessionID", existing.ID))
		return s.view(existing, mistake, true), nil
	}
	if err != nil {
		return nil, err
	}
	return s.view(session, mistake, resumed), nil
}

func (s *ReviewSessionService) Get(userID uint, sessionID string) (*SessionView, error) {
	session, err := s.SessionRepo.FindByIDForUser(sessionID, userID)
	if err != nil {
		return nil, err
	}
	m, err := s.MistakeRepo.FindByIDForUser(session.MistakeID, userID)
	if err != nil {
		return nil, err
	}
	return s.view(session, m, false), nil
}

// Abandon 放弃会话，不影响复习计划
func (s *ReviewSessionService) Abandon(userID uint, sessionID string) (*model.MistakeReviewSession, error) {
	session, err := s.SessionRepo.FindByIDForUser(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionInProgress {
		return nil, util.ErrSessionCompleted
	}
	session.Finish(model.SessionAbandoned, time.Now().UTC())
	if err := s.SessionRepo.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

var judgeSchema = &llm.Schema{
	Name: "review_judge",
	Definition: `{
  "type": "object",
  "required": ["is_correct"],
  "properties": {
    "is_correct": {"type": "boolean"},
    "partial": {"type": ["boolean", "null"]},
    "feedback": {"type": ["string", "null"]},
    "hint": {"type": ["string", "null"]}
  }
}`,
}

type judgeReply struct {
	IsCorrect bool   `json:"is_correct"`
	Partial   bool   `json:"partial"`
	Feedback  string `json:"feedback"`
	Hint      string `json:"hint"`
}

const judgePrompt = `你是一名%s老师，正在帮学生复习一道错题。判断学生本次的作答是否正确。
如果不正确，给出一个循序渐进的提示（第 %d 次提示，不要直接给出答案）。
只输出 JSON：{"is_correct": true/false, "partial": true/false, "feedback": "简短点评", "hint": "提示"}`

func (s *ReviewSessionService) judge(ctx context.Context, m *model.MistakeRecord, stage int, answer string) (*judgeReply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.AI.Config().JudgeTimeout)
	defer cancel()

	reference := m.CorrectAnswer
	if reference == "" {
		reference = "（未提供，请根据题目自行判断）"
	}
	content := fmt.Sprintf("题目：%s\n%s\n参考答案：%s\n学生作答：%s", m.Title, m.OCRText, reference, answer)

	var reply judgeReply
	_, err := s.AI.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(fmt.Sprintf(judgePrompt, m.Subject, stage)),
		userMessage(content, m.Images()...),
	}, ChatParams{Purpose: "review_judge", Temperature: float32Ptr(0.2), MaxTokens: 600, Timeout: s.AI.Config().JudgeTimeout}, judgeSchema, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Submit 提交作答或跳过。判分服务不可用时不消耗作答次数，会话保持进行中以便重试。
func (s *ReviewSessionService) Submit(ctx context.Context, userID uint, sessionID string, req SubmitRequest) (*SubmitResult, error) {
	session, err := s.SessionRepo.FindByIDForUser(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionInProgress {
		return nil, util.ErrSessionCompleted
	}
	mistake, err := s.MistakeRepo.FindByIDForUser(session.MistakeID, userID)
	if err != nil {
		return nil, err
	}

	if req.Skip {
		return s.skip(ctx, userID, sessionID)
	}

	answer := strings.TrimSpace(req.Answer)
	if answer == "" {
		return nil, util.NewValidationError("answer is required unless skip is true")
	}

	reply, err := s.judge(ctx, mistake, session.CurrentStage, answer)
	if err != nil {
		logger.Log.Warn("review judge unavailable",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		if countErr := s.countUnjudgedAttempt(userID, sessionID); countErr != nil {
			logger.Log.Error("record unjudged attempt failed", zap.String("sessionID", sessionID), zap.Error(countErr))
		}
		return nil, err
	}

	var res *SubmitResult
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.SessionRepo.WithTx(tx)
		sess, err := repo.FindByIDForUser(sessionID, userID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionInProgress {
			return util.ErrSessionCompleted
		}

		sess.Attempts++
		verdict := model.ResultIncorrect
		switch {
		case reply.IsCorrect:
			verdict = model.ResultCorrect
		case reply.Partial:
			verdict = model.ResultPartial
		}
		sess.LastVerdict = string(verdict)
		sess.LastHint = reply.Hint

		var decided outcomeDecision
		switch {
		case reply.IsCorrect:
			decided = outcomeDecision{performance: 1.0, result: model.ResultCorrect, verdict: verdict}
		case sess.Attempts >= s.MaxAttempts:
			decided = outcomeDecision{performance: 0, result: model.ResultIncorrect, verdict: verdict}
			if reply.Partial {
				decided.performance, decided.result = partialPerformance, model.ResultPartial
			}
		default:
			sess.CurrentStage++
			if err := repo.Save(sess); err != nil {
				return err
			}
			res = &SubmitResult{
				Verdict:   verdict,
				Feedback:  reply.Feedback,
				Hint:      reply.Hint,
				Attempts:  sess.Attempts,
				NextStage: sess.CurrentStage,
			}
			return nil
		}

		res, err = s.complete(tx, sess, decided)
		if err != nil {
			return err
		}
		res.Feedback = reply.Feedback
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// countUnjudgedAttempt 判分失败计一次作答但不结束会话：次数最多停在上限前一次，
// 学生总能重新提交并由判分结果决定是否结束。ctx 可能已超时，这里不沿用。
func (s *ReviewSessionService) countUnjudgedAttempt(userID uint, sessionID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		repo := s.SessionRepo.WithTx(tx)
		sess, err := repo.FindByIDForUser(sessionID, userID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionInProgress || sess.Attempts >= s.MaxAttempts-1 {
			return nil
		}
		sess.Attempts++
		return repo.Save(sess)
	})
}

type outcomeDecision struct {
	performance float64
	result      model.TrackResult
	verdict     model.TrackResult
}

// skip 跳过按答错处理，表现记为 0，轨迹记为 skipped
func (s *ReviewSessionService) skip(ctx context.Context, userID uint, sessionID string) (*SubmitResult, error) {
	var res *SubmitResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := s.SessionRepo.WithTx(tx).FindByIDForUser(sessionID, userID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionInProgress {
			return util.ErrSessionCompleted
		}
		sess.LastVerdict = string(model.ResultSkipped)
		res, err = s.complete(tx, sess, outcomeDecision{performance: 0, result: model.ResultSkipped, verdict: model.ResultSkipped})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// complete 结束会话并把结果交给间隔重复调度
func (s *ReviewSessionService) complete(tx *gorm.DB, sess *model.MistakeReviewSession, d outcomeDecision) (*SubmitResult, error) {
	now := time.Now().UTC()
	mistake, err := s.MistakeRepo.WithTx(tx).FindByIDForUser(sess.MistakeID, sess.UserID)
	if err != nil {
		return nil, err
	}

	perf := d.performance
	sess.Finish(model.SessionCompleted, now)
	sess.Performance = &perf
	if err := s.SessionRepo.WithTx(tx).Save(sess); err != nil {
		return nil, err
	}

	applied, err := s.Mistakes.ApplyReview(tx, mistake, ReviewOutcome{
		Performance: perf,
		Correct:     d.result == model.ResultCorrect,
	}, d.result, now)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{
		Verdict:     d.verdict,
		Attempts:    sess.Attempts,
		NextStage:   sess.CurrentStage,
		Completed:   true,
		Performance: &perf,
		Schedule:    &applied.Schedule,
		Answer:      mistake.CorrectAnswer,
	}, nil
}
