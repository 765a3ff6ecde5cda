package service

import (
	"context"
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MistakeService struct {
	DB          *gorm.DB
	MistakeRepo *repository.MistakeRepository
	LinkRepo    *repository.MistakeKnowledgePointRepository
	TrackRepo   *repository.LearningTrackRepository
	Linker      *KnowledgeLinkerService
}

func NewMistakeService(db *gorm.DB, mistakeRepo *repository.MistakeRepository, linkRepo *repository.MistakeKnowledgePointRepository,
	trackRepo *repository.LearningTrackRepository, linker *KnowledgeLinkerService) *MistakeService {
	return &MistakeService{
		DB:          db,
		MistakeRepo: mistakeRepo,
		LinkRepo:    linkRepo,
		TrackRepo:   trackRepo,
		Linker:      linker,
	}
}

type CreateMistakeRequest struct {
	Subject          string            `json:"subject"`
	Title            string            `json:"title"`
	ImageURLs        []string          `json:"image_urls"`
	OCRText          string            `json:"ocr_text"`
	AIFeedback       *model.AIFeedback `json:"ai_feedback"`
	Difficulty       int               `json:"difficulty"`
	Source           string            `json:"source"`
	SourceQuestionID *string           `json:"source_question_id"`
	StudentAnswer    string            `json:"student_answer"`
	CorrectAnswer    string            `json:"correct_answer"`
	QuestionNumber   int               `json:"question_number"`
	IsUnanswered     bool              `json:"is_unanswered"`
	QuestionType     string            `json:"question_type"`
	ErrorType        string            `json:"error_type"`
}

type UpdateMistakeRequest struct {
	Subject       *string              `json:"subject"`
	Title         *string              `json:"title"`
	ImageURLs     *[]string            `json:"image_urls"`
	OCRText       *string              `json:"ocr_text"`
	Difficulty    *int                 `json:"difficulty"`
	StudentAnswer *string              `json:"student_answer"`
	CorrectAnswer *string              `json:"correct_answer"`
	QuestionType  *string              `json:"question_type"`
	ErrorType     *string              `json:"error_type"`
	MasteryStatus *model.MasteryStatus `json:"mastery_status"`
}

type ListMistakesRequest struct {
	Subject       string
	Category      string
	Source        string
	MasteryStatus string
	Page          int
	PageSize      int
}

// CreateMistakeResult 手动录入结果，模型分析失败时 IsFallback 为 true
type CreateMistakeResult struct {
	Mistake         *model.MistakeRecord `json:"mistake"`
	KnowledgePoints []string             `json:"knowledgePoints"`
	IsFallback      bool                 `json:"isFallback"`
	AITokensUsed    int                  `json:"aiTokensUsed"`
	AnalysisTime    float64              `json:"analysisTime"`
}

// MistakeDetail 错题及其知识点关联
type MistakeDetail struct {
	*model.MistakeRecord
	Links []model.MistakeKnowledgePoint `json:"knowledgePointLinks"`
}

func validDifficulty(d int) bool {
	return d >= 1 && d <= 5
}

// Create 手动录入错题，知识点由模型根据题目文本分析
func (s *MistakeService) Create(ctx context.Context, userID uint, req CreateMistakeRequest) (*CreateMistakeResult, error) {
	start := time.Now()

	req.OCRText = strings.TrimSpace(req.OCRText)
	req.Title = strings.TrimSpace(req.Title)
	if req.OCRText == "" && req.Title == "" && len(req.ImageURLs) == 0 {
		return nil, util.NewValidationError("one of ocr_text, title or image_urls is required")
	}
	if utf8.RuneCountInString(req.Title) > 200 {
		return nil, util.NewValidationError("title must be at most 200 characters")
	}
	if req.Difficulty == 0 {
		req.Difficulty = defaultDifficulty
	}
	if !validDifficulty(req.Difficulty) {
		return nil, util.NewValidationError("difficulty must be between 1 and 5")
	}
	if req.QuestionNumber == 0 {
		req.QuestionNumber = 1
	}
	if req.QuestionNumber < 1 {
		return nil, util.NewValidationError("question_number must be positive")
	}

	source := model.SourceManual
	if req.Source != "" {
		source = model.MistakeSource(req.Source)
		if !source.Valid() {
			return nil, util.NewValidationError(fmt.Sprintf("unknown source %q", req.Source))
		}
	}
	if req.SourceQuestionID != nil && *req.SourceQuestionID != "" && !source.IsLearning() {
		return nil, util.NewValidationError("source_question_id requires a learning_* source")
	}

	subject, err := resolveSubject(req.Subject, req.Title+" "+req.OCRText)
	if err != nil {
		return nil, err
	}

	// 调用方给了知识点但规范化后一个都不剩，直接报错而不是静默丢弃
	if req.AIFeedback != nil && len(req.AIFeedback.KnowledgePoints) > 0 &&
		len(CanonicalizeKnowledgePoints(subject, req.AIFeedback.KnowledgePoints)) == 0 {
		return nil, fmt.Errorf("%w: %q", util.ErrNoKnowledgePoints, req.AIFeedback.KnowledgePoints)
	}

	plan, err := s.Linker.ResolveKnowledgePoints(ctx, subject, joinNonEmpty("\n", req.Title, req.OCRText), req.AIFeedback, req.ErrorType)
	if err != nil {
		return nil, err
	}

	m := &model.MistakeRecord{
		UserID:         userID,
		Subject:        subject,
		Title:          req.Title,
		OCRText:        req.OCRText,
		Difficulty:     req.Difficulty,
		MasteryStatus:  model.StatusLearning,
		Source:         source,
		StudentAnswer:  req.StudentAnswer,
		CorrectAnswer:  req.CorrectAnswer,
		QuestionNumber: req.QuestionNumber,
		IsUnanswered:   req.IsUnanswered,
		QuestionType:   req.QuestionType,
		ErrorType:      req.ErrorType,
		Version:        1,
	}
	if req.SourceQuestionID != nil && *req.SourceQuestionID != "" {
		m.SourceQuestionID = req.SourceQuestionID
	}
	m.SetImages(req.ImageURLs)
	if req.AIFeedback != nil {
		m.SetFeedback(*req.AIFeedback)
	} else {
		m.SetFeedback(model.AIFeedback{})
	}

	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.SourceQuestionID != nil {
			if _, err := repository.NewQuestionRepository(tx).FindQuestionForUser(*m.SourceQuestionID, userID); err != nil {
				return err
			}
		}
		_, err := s.Linker.CreateWithLinks(tx, m, plan, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	monitoring.MistakesCreated.WithLabelValues(string(m.Source)).Inc()

	return &CreateMistakeResult{
		Mistake:         m,
		KnowledgePoints: plan.Names(),
		IsFallback:      plan.IsFallback,
		AITokensUsed:    plan.TokensUsed,
		AnalysisTime:    time.Since(start).Seconds(),
	}, nil
}

func (s *MistakeService) Get(userID uint, id string) (*MistakeDetail, error) {
	m, err := s.MistakeRepo.FindByIDForUser(id, userID)
	if err != nil {
		return nil, err
	}
	links, err := s.LinkRepo.FindByMistake(m.ID)
	if err != nil {
		return nil, err
	}
	return &MistakeDetail{MistakeRecord: m, Links: links}, nil
}

// List category 优先于 source，映射到对应的 learning_* 来源
func (s *MistakeService) List(userID uint, req ListMistakesRequest) ([]model.MistakeRecord, int64, error) {
	f := repository.MistakeFilter{UserID: userID, Page: req.Page, PageSize: req.PageSize}

	if req.Subject != "" {
		subject, ok := model.ParseSubject(req.Subject)
		if !ok {
			return nil, 0, util.NewValidationError(fmt.Sprintf("unknown subject %q", req.Subject))
		}
		f.Subject = subject
	}
	if req.Category != "" {
		source, ok := model.MistakeCategory(req.Category).Source()
		if !ok {
			return nil, 0, util.NewValidationError(fmt.Sprintf("unknown category %q", req.Category))
		}
		f.Source = source
	} else if req.Source != "" {
		f.Source = model.MistakeSource(req.Source)
		if !f.Source.Valid() {
			return nil, 0, util.NewValidationError(fmt.Sprintf("unknown source %q", req.Source))
		}
	}
	if req.MasteryStatus != "" {
		f.MasteryStatus = model.MasteryStatus(req.MasteryStatus)
		if !validMasteryStatus(f.MasteryStatus) {
			return nil, 0, util.NewValidationError(fmt.Sprintf("unknown mastery_status %q", req.MasteryStatus))
		}
	}

	return s.MistakeRepo.List(f)
}

func validMasteryStatus(st model.MasteryStatus) bool {
	switch st {
	case model.StatusLearning, model.StatusReviewing, model.StatusMastered, model.StatusForgotten:
		return true
	}
	return false
}

// Update 部分更新。学科传"其他"时按更新后的标题和题干推断，不允许置空
func (s *MistakeService) Update(userID uint, id string, req UpdateMistakeRequest) (*model.MistakeRecord, error) {
	m, err := s.MistakeRepo.FindByIDForUser(id, userID)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}

	if req.Subject != nil {
		if strings.TrimSpace(*req.Subject) == "" {
			return nil, util.NewValidationError("subject must not be empty")
		}
		title, ocrText := m.Title, m.OCRText
		if req.Title != nil {
			title = *req.Title
		}
		if req.OCRText != nil {
			ocrText = *req.OCRText
		}
		subject, err := resolveSubject(*req.Subject, title+" "+ocrText)
		if err != nil {
			return nil, err
		}
		fields["subject"] = subject
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if utf8.RuneCountInString(title) > 200 {
			return nil, util.NewValidationError("title must be at most 200 characters")
		}
		fields["title"] = title
	}
	if req.ImageURLs != nil {
		fields["image_urls"] = model.MustJSON(nonNilStrings(*req.ImageURLs))
	}
	if req.OCRText != nil {
		fields["ocr_text"] = *req.OCRText
	}
	if req.Difficulty != nil {
		if !validDifficulty(*req.Difficulty) {
			return nil, util.NewValidationError("difficulty must be between 1 and 5")
		}
		fields["difficulty"] = *req.Difficulty
	}
	if req.StudentAnswer != nil {
		fields["student_answer"] = *req.StudentAnswer
	}
	if req.CorrectAnswer != nil {
		fields["correct_answer"] = *req.CorrectAnswer
	}
	if req.QuestionType != nil {
		fields["question_type"] = *req.QuestionType
	}
	if req.ErrorType != nil {
		fields["error_type"] = *req.ErrorType
	}
	if req.MasteryStatus != nil {
		if !validMasteryStatus(*req.MasteryStatus) {
			return nil, util.NewValidationError(fmt.Sprintf("unknown mastery_status %q", *req.MasteryStatus))
		}
		fields["mastery_status"] = *req.MasteryStatus
	}

	if len(fields) == 0 {
		return m, nil
	}

	// 复制一份，乐观锁冲突时重读后再写一次
	attempt := func(m *model.MistakeRecord) error {
		update := make(map[string]interface{}, len(fields)+2)
		for k, v := range fields {
			update[k] = v
		}
		return s.MistakeRepo.UpdateVersioned(m, update)
	}
	if err := attempt(m); errors.Is(err, util.ErrStaleWrite) {
		if m, err = s.MistakeRepo.FindByIDForUser(id, userID); err != nil {
			return nil, err
		}
		if err := attempt(m); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return s.MistakeRepo.FindByIDForUser(id, userID)
}

// Delete 只能删除自己的错题，关联数据一并硬删除
func (s *MistakeService) Delete(userID uint, id string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		repo := s.MistakeRepo.WithTx(tx)
		m, err := repo.FindByIDForUser(id, userID)
		if err != nil {
			return err
		}
		return repo.Delete(m.ID)
	})
}

func (s *MistakeService) Due(userID uint, limit int) ([]model.MistakeRecord, error) {
	if limit <= 0 || limit > util.MaxPageSize {
		limit = util.DefaultPageSize
	}
	return s.MistakeRepo.FindDue(userID, time.Now().UTC(), limit)
}

type ReviewRequest struct {
	Performance *float64 `json:"performance" binding:"required"`
	Correct     *bool    `json:"correct"`
}

// ReviewApplication 一次复习结果落库后的状态
type ReviewApplication struct {
	Mistake         *model.MistakeRecord `json:"mistake"`
	Schedule        Schedule             `json:"schedule"`
	KnowledgePoints []ReviewApplied      `json:"knowledgePoints"`
}

// Review 直接提交复习结果；未指定 correct 时表现 ≥0.6 视为答对
func (s *MistakeService) Review(ctx context.Context, userID uint, id string, req ReviewRequest) (*ReviewApplication, error) {
	if req.Performance == nil || *req.Performance < 0 || *req.Performance > 1 {
		return nil, util.NewValidationError("performance must be between 0 and 1")
	}
	correct := *req.Performance >= 0.6
	if req.Correct != nil {
		correct = *req.Correct
	}
	result := model.ResultIncorrect
	if correct {
		result = model.ResultCorrect
	}

	var applied *ReviewApplication
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.MistakeRepo.WithTx(tx).FindByIDForUser(id, userID)
		if err != nil {
			return err
		}
		applied, err = s.ApplyReview(tx, m, ReviewOutcome{Performance: *req.Performance, Correct: correct}, result, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// ApplyReview 在调用方事务内应用间隔重复调度并把结果回写到关联知识点
func (s *MistakeService) ApplyReview(tx *gorm.DB, m *model.MistakeRecord, outcome ReviewOutcome, result model.TrackResult, now time.Time) (*ReviewApplication, error) {
	repo := s.MistakeRepo.WithTx(tx)

	apply := func(m *model.MistakeRecord) (Schedule, error) {
		sched := ComputeSchedule(m, outcome, now)
		err := repo.UpdateVersioned(m, map[string]interface{}{
			"review_count":   sched.ReviewCount,
			"correct_count":  sched.CorrectCount,
			"mastery_status": sched.Status,
			"last_review_at": now,
			"next_review_at": sched.NextReviewAt,
		})
		if err == nil {
			m.ReviewCount = sched.ReviewCount
			m.CorrectCount = sched.CorrectCount
			m.MasteryStatus = sched.Status
			m.LastReviewAt = &now
			next := sched.NextReviewAt
			m.NextReviewAt = &next
		}
		return sched, err
	}

	sched, err := apply(m)
	if errors.Is(err, util.ErrStaleWrite) {
		if m, err = repo.FindByIDForUser(m.ID, m.UserID); err != nil {
			return nil, err
		}
		sched, err = apply(m)
	}
	if err != nil {
		return nil, err
	}

	kps, err := s.Linker.RecordReview(tx, m, result, sched, now)
	if err != nil {
		return nil, err
	}
	if len(kps) == 0 {
		// 没有关联知识点时仍记录一条错题级别的轨迹
		mistakeID := m.ID
		if err := s.TrackRepo.WithTx(tx).Create(&model.KnowledgePointLearningTrack{
			UserID:       m.UserID,
			MistakeID:    &mistakeID,
			ActivityType: model.ActivityReview,
			ActivityDate: now,
			Result:       result,
			Difficulty:   m.Difficulty,
		}); err != nil {
			return nil, err
		}
	}

	monitoring.ReviewOutcomes.WithLabelValues(string(result)).Inc()
	logger.Log.Info("review applied",
		zap.String("mistakeID", m.ID),
		zap.String("result", string(result)),
		zap.String("status", string(sched.Status)),
		zap.Int("intervalDays", sched.IntervalDays))

	return &ReviewApplication{Mistake: m, Schedule: sched, KnowledgePoints: kps}, nil
}
