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
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	primaryRelevance   = 1.0
	secondaryRelevance = 0.7
	maxKnowledgePoints = 5
)

// KnowledgePointCandidate 待关联的知识点，Relevance 为 AI 给出的相关度（可选）
type KnowledgePointCandidate struct {
	Name      string
	Relevance *float64
}

// LinkPlan 知识点解析结果，在事务外生成，事务内由 Attach 落库
type LinkPlan struct {
	Subject     model.Subject
	Points      []KnowledgePointCandidate
	ErrorType   model.ErrorType
	ErrorReason string
	Diagnosis   string
	Suggestions []string
	TokensUsed  int
	IsFallback  bool
}

func (p *LinkPlan) Names() []string {
	names := make([]string, 0, len(p.Points))
	for _, c := range p.Points {
		names = append(names, c.Name)
	}
	return names
}

// KnowledgeLinkerService 维护错题与知识点的多对多关联以及知识点掌握度
type KnowledgeLinkerService struct {
	AI          *AIService
	MasteryRepo *repository.KnowledgeMasteryRepository
	LinkRepo    *repository.MistakeKnowledgePointRepository
	TrackRepo   *repository.LearningTrackRepository
	MistakeRepo *repository.MistakeRepository
}

func NewKnowledgeLinkerService(
	ai *AIService,
	masteryRepo *repository.KnowledgeMasteryRepository,
	linkRepo *repository.MistakeKnowledgePointRepository,
	trackRepo *repository.LearningTrackRepository,
	mistakeRepo *repository.MistakeRepository,
) *KnowledgeLinkerService {
	return &KnowledgeLinkerService{
		AI:          ai,
		MasteryRepo: masteryRepo,
		LinkRepo:    linkRepo,
		TrackRepo:   trackRepo,
		MistakeRepo: mistakeRepo,
	}
}

var kpAnalysisSchema = &llm.Schema{
	Name: "kp_analysis",
	Definition: `{
  "type": "object",
  "required": ["knowledge_points"],
  "properties": {
    "knowledge_points": {"type": "array", "items": {"type": "string"}},
    "relevance_scores": {"type": "array", "items": {"type": "number"}},
    "error_type": {"type": ["string", "null"]},
    "error_reason": {"type": ["string", "null"]},
    "diagnosis": {"type": ["string", "null"]},
    "improvement_suggestions": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`,
}

type kpAnalysisReply struct {
	KnowledgePoints []string  `json:"knowledge_points"`
	RelevanceScores []float64 `json:"relevance_scores"`
	ErrorType       *string   `json:"error_type"`
	ErrorReason     *string   `json:"error_reason"`
	Diagnosis       *string   `json:"diagnosis"`
	Suggestions     []string  `json:"improvement_suggestions"`
}

const kpAnalysisPrompt = `你是%s学科的教研老师。阅读学生的错题内容，找出它考查的知识点（1到%d个，按重要性排序，使用教材中的标准名称）。
只输出 JSON：{"knowledge_points": ["..."], "relevance_scores": [0~1，与 knowledge_points 一一对应], "error_type": "concept_misunderstanding|calculation_error|formula_misuse|logic_error|careless_mistake|knowledge_gap|method_confusion|other", "error_reason": "一句话说明错因", "diagnosis": "对学生薄弱环节的诊断", "improvement_suggestions": ["具体可执行的改进建议，1到3条"]}`

// ResolveKnowledgePoints 优先使用已有 AI 反馈中的知识点，否则调用模型分析题目。
// 模型不可用时回退到学科关键词，并标记 IsFallback。
func (s *KnowledgeLinkerService) ResolveKnowledgePoints(ctx context.Context, subject model.Subject, ocrText string, feedback *model.AIFeedback, errorType string) (*LinkPlan, error) {
	plan := &LinkPlan{Subject: subject, ErrorType: model.ErrorConceptMisunderstanding}
	if et, ok := model.ParseErrorType(errorType); ok {
		plan.ErrorType = et
	}

	if feedback != nil && len(feedback.KnowledgePoints) > 0 {
		plan.ErrorReason = feedback.ErrorReason
		plan.Diagnosis = feedback.Explanation
		for _, name := range CanonicalizeKnowledgePoints(subject, feedback.KnowledgePoints) {
			plan.Points = append(plan.Points, KnowledgePointCandidate{Name: name})
		}
		plan.truncate()
		return plan, nil
	}

	if strings.TrimSpace(ocrText) == "" {
		return plan, nil
	}

	var reply kpAnalysisReply
	result, err := s.AI.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(fmt.Sprintf(kpAnalysisPrompt, subject, maxKnowledgePoints)),
		userMessage(util.Snippet(ocrText, 2000)),
	}, ChatParams{Purpose: "kp_analysis", Temperature: float32Ptr(0.3), MaxTokens: 500}, kpAnalysisSchema, &reply)
	if result != nil {
		plan.TokensUsed = result.TokensUsed
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Log.Warn("knowledge point analysis fell back to keywords", zap.Error(err))
		plan.IsFallback = true
		for _, name := range fallbackKnowledgePoints(subject, ocrText) {
			plan.Points = append(plan.Points, KnowledgePointCandidate{Name: name})
		}
		plan.truncate()
		return plan, nil
	}

	if reply.ErrorType != nil {
		if et, ok := model.ParseErrorType(*reply.ErrorType); ok {
			plan.ErrorType = et
		}
	}
	if reply.ErrorReason != nil {
		plan.ErrorReason = *reply.ErrorReason
	}
	if reply.Diagnosis != nil {
		plan.Diagnosis = strings.TrimSpace(*reply.Diagnosis)
	}
	for _, tip := range reply.Suggestions {
		if tip = strings.TrimSpace(tip); tip != "" {
			plan.Suggestions = append(plan.Suggestions, tip)
		}
	}

	seen := map[string]bool{}
	for i, raw := range reply.KnowledgePoints {
		name := CanonicalizeKnowledgePoint(subject, raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		c := KnowledgePointCandidate{Name: name}
		if i < len(reply.RelevanceScores) {
			score := reply.RelevanceScores[i]
			if score >= 0 && score <= 1 {
				c.Relevance = &score
			}
		}
		plan.Points = append(plan.Points, c)
	}
	plan.truncate()
	return plan, nil
}

func (p *LinkPlan) truncate() {
	if len(p.Points) > maxKnowledgePoints {
		p.Points = p.Points[:maxKnowledgePoints]
	}
}

// diagnosisJSON 关联上保存的诊断；回退到关键词时没有诊断
func (p *LinkPlan) diagnosisJSON() datatypes.JSON {
	if p.Diagnosis == "" {
		return nil
	}
	return model.MustJSON(map[string]string{
		"diagnosis":    p.Diagnosis,
		"error_type":   string(p.ErrorType),
		"error_reason": p.ErrorReason,
	})
}

// fallbackKnowledgePoints 用学科关键词表中命中的词作为粗粒度知识点
func fallbackKnowledgePoints(subject model.Subject, text string) []string {
	lower := strings.ToLower(text)
	var names []string
	for _, entry := range subjectKeywordTable {
		if entry.subject != subject {
			continue
		}
		for _, kw := range entry.keywords {
			if containsKeyword(lower, strings.ToLower(kw)) {
				names = append(names, kw)
			}
		}
	}
	return CanonicalizeKnowledgePoints(subject, names)
}

// AttachResult Attach 落库的结果
type AttachResult struct {
	Links     []model.MistakeKnowledgePoint
	Masteries []model.KnowledgeMastery
}

// Attach 在调用方事务内：更新掌握度、写入关联、追加 mistake_creation 轨迹，并回填错题上的知识点
func (s *KnowledgeLinkerService) Attach(tx *gorm.DB, mistake *model.MistakeRecord, plan *LinkPlan, now time.Time) (*AttachResult, error) {
	result := &AttachResult{}
	if plan == nil || len(plan.Points) == 0 {
		return result, nil
	}

	linkRepo := s.LinkRepo.WithTx(tx)
	trackRepo := s.TrackRepo.WithTx(tx)

	hasPrimary, err := linkRepo.HasPrimary(mistake.ID)
	if err != nil {
		return nil, err
	}

	diagnosis := plan.diagnosisJSON()
	suggestions := model.MustJSON(nonNilStrings(plan.Suggestions))

	mistakeID := mistake.ID
	for i, candidate := range plan.Points {
		km, before, err := s.upsertForMistake(tx, mistake.UserID, mistake.Subject, candidate.Name, now)
		if err != nil {
			return nil, fmt.Errorf("upsert mastery %q: %w", candidate.Name, err)
		}
		result.Masteries = append(result.Masteries, *km)

		link := model.MistakeKnowledgePoint{
			MistakeID:              mistake.ID,
			KnowledgePointID:       km.ID,
			RelevanceScore:         secondaryRelevance,
			ErrorType:              plan.ErrorType,
			ErrorReason:            plan.ErrorReason,
			AIDiagnosis:            diagnosis,
			ImprovementSuggestions: suggestions,
			FirstErrorAt:           now,
		}
		if i == 0 && !hasPrimary {
			link.IsPrimary = true
			link.RelevanceScore = primaryRelevance
		} else if candidate.Relevance != nil {
			link.RelevanceScore = *candidate.Relevance
		}
		result.Links = append(result.Links, link)

		if err := trackRepo.Create(&model.KnowledgePointLearningTrack{
			UserID:           mistake.UserID,
			KnowledgePointID: km.ID,
			MistakeID:        &mistakeID,
			ActivityType:     model.ActivityMistakeCreation,
			ActivityDate:     now,
			Result:           model.ResultIncorrect,
			MasteryBefore:    before,
			MasteryAfter:     km.MasteryLevel,
			Difficulty:       mistake.Difficulty,
			ErrorDetails: model.MustJSON(map[string]string{
				"error_type":   string(plan.ErrorType),
				"error_reason": plan.ErrorReason,
			}),
		}); err != nil {
			return nil, err
		}
	}

	if _, err := linkRepo.BatchCreate(result.Links); err != nil {
		return nil, err
	}

	if err := s.backfillMistake(tx, mistake, plan); err != nil {
		return nil, err
	}
	return result, nil
}

// backfillMistake 把规范化后的知识点写回错题的 AI 反馈
func (s *KnowledgeLinkerService) backfillMistake(tx *gorm.DB, mistake *model.MistakeRecord, plan *LinkPlan) error {
	fb := mistake.Feedback()
	fb.KnowledgePoints = plan.Names()
	if fb.ErrorReason == "" {
		fb.ErrorReason = plan.ErrorReason
	}
	mistake.SetFeedback(fb)

	fields := map[string]interface{}{"ai_feedback": mistake.AIFeedback}
	if mistake.ErrorType == "" {
		mistake.ErrorType = string(plan.ErrorType)
		fields["error_type"] = mistake.ErrorType
	}
	return s.MistakeRepo.WithTx(tx).UpdateVersioned(mistake, fields)
}

// upsertForMistake 新知识点以 0 掌握度创建；已有知识点错误次数 +1 并重算掌握度。
// 与并发写入冲突时重读并重算一次。
func (s *KnowledgeLinkerService) upsertForMistake(tx *gorm.DB, userID uint, subject model.Subject, name string, now time.Time) (*model.KnowledgeMastery, float64, error) {
	repo := s.MasteryRepo.WithTx(tx)

	km, err := repo.FindByKey(userID, subject, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := &model.KnowledgeMastery{
			UserID:          userID,
			Subject:         subject,
			KnowledgePoint:  name,
			MasteryLevel:    0,
			MistakeCount:    1,
			TotalAttempts:   1,
			ConfidenceLevel: ConfidenceFromAttempts(1),
			LastPracticedAt: &now,
			Version:         1,
		}
		created.AppendCurve(model.CurvePoint{At: now, Mastery: 0, Result: string(model.ResultIncorrect)})

		createErr := tx.Transaction(func(inner *gorm.DB) error {
			return s.MasteryRepo.WithTx(inner).Create(created)
		})
		if createErr == nil {
			return created, 0, nil
		}
		if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return nil, 0, createErr
		}
		// 并发流程抢先创建，转为更新
		km, err = repo.FindByKey(userID, subject, name)
	}
	if err != nil {
		return nil, 0, err
	}

	apply := func(km *model.KnowledgeMastery) (float64, error) {
		before := km.MasteryLevel
		prevActivity := km.LastPracticedAt

		km.MistakeCount++
		km.TotalAttempts++
		km.LastPracticedAt = &now
		km.ConfidenceLevel = ConfidenceFromAttempts(km.TotalAttempts)

		results, err := s.recentResults(tx, userID, km.ID, model.ResultIncorrect)
		if err != nil {
			return before, err
		}
		km.MasteryLevel = ComputeMastery(MasteryInputs{
			CorrectCount:  km.CorrectCount,
			TotalAttempts: km.TotalAttempts,
			LastActivity:  prevActivity,
			RecentResults: results,
			Now:           now,
		})
		km.AppendCurve(model.CurvePoint{At: now, Mastery: km.MasteryLevel, Result: string(model.ResultIncorrect)})
		return before, repo.UpdateVersioned(km)
	}

	before, err := apply(km)
	if errors.Is(err, util.ErrStaleWrite) {
		fresh, findErr := repo.FindByID(km.ID)
		if findErr != nil {
			return nil, 0, findErr
		}
		km = fresh
		before, err = apply(km)
	}
	if err != nil {
		return nil, 0, err
	}
	return km, before, nil
}

// recentResults 本次结果在前，后接最近的历史结果
func (s *KnowledgeLinkerService) recentResults(tx *gorm.DB, userID uint, kpID string, current model.TrackResult) ([]model.TrackResult, error) {
	tracks, err := s.TrackRepo.WithTx(tx).Recent(userID, kpID, maxConsecutiveBonus-1)
	if err != nil {
		return nil, err
	}
	results := []model.TrackResult{current}
	for _, t := range tracks {
		results = append(results, t.Result)
	}
	return results, nil
}

// ReviewApplied 复习结果对单个知识点的影响
type ReviewApplied struct {
	KnowledgePointID string  `json:"knowledgePointId"`
	KnowledgePoint   string  `json:"knowledgePoint"`
	MasteryBefore    float64 `json:"masteryBefore"`
	MasteryAfter     float64 `json:"masteryAfter"`
}

// RecordReview 复习结果回写到错题关联的每个知识点：计数、掌握度、关联的复习字段、学习轨迹与曲线
func (s *KnowledgeLinkerService) RecordReview(tx *gorm.DB, mistake *model.MistakeRecord, result model.TrackResult, schedule Schedule, now time.Time) ([]ReviewApplied, error) {
	links, err := s.LinkRepo.WithTx(tx).FindByMistake(mistake.ID)
	if err != nil {
		return nil, err
	}

	repo := s.MasteryRepo.WithTx(tx)
	mistakeID := mistake.ID
	correct := result == model.ResultCorrect
	var applied []ReviewApplied

	for i := range links {
		link := &links[i]

		apply := func(km *model.KnowledgeMastery) (float64, error) {
			before := km.MasteryLevel
			prevActivity := km.LastPracticedAt
			if correct {
				km.CorrectCount++
			} else {
				km.MistakeCount++
			}
			km.TotalAttempts++
			km.LastPracticedAt = &now
			km.ConfidenceLevel = ConfidenceFromAttempts(km.TotalAttempts)

			results, err := s.recentResults(tx, mistake.UserID, km.ID, result)
			if err != nil {
				return before, err
			}
			km.MasteryLevel = ComputeMastery(MasteryInputs{
				CorrectCount:  km.CorrectCount,
				TotalAttempts: km.TotalAttempts,
				LastActivity:  prevActivity,
				RecentResults: results,
				Now:           now,
			})
			if km.FirstMasteredAt == nil && km.MasteryLevel >= model.MasteryMasteredThreshold {
				km.FirstMasteredAt = &now
			}
			km.AppendCurve(model.CurvePoint{At: now, Mastery: km.MasteryLevel, Result: string(result)})
			return before, repo.UpdateVersioned(km)
		}

		km, err := repo.FindByID(link.KnowledgePointID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		before, err := apply(km)
		if errors.Is(err, util.ErrStaleWrite) {
			if km, err = repo.FindByID(link.KnowledgePointID); err != nil {
				return nil, err
			}
			before, err = apply(km)
		}
		if err != nil {
			return nil, err
		}

		link.ReviewCount++
		link.LastReviewResult = string(result)
		link.LastReviewAt = &now
		if schedule.Status == model.StatusMastered && !link.MasteredAfterReview {
			link.MasteredAfterReview = true
			link.MasteredAt = &now
		}
		if err := s.LinkRepo.WithTx(tx).Save(link); err != nil {
			return nil, err
		}

		if err := s.TrackRepo.WithTx(tx).Create(&model.KnowledgePointLearningTrack{
			UserID:              mistake.UserID,
			KnowledgePointID:    km.ID,
			MistakeID:           &mistakeID,
			ActivityType:        model.ActivityReview,
			ActivityDate:        now,
			Result:              result,
			MasteryBefore:       before,
			MasteryAfter:        km.MasteryLevel,
			Difficulty:          mistake.Difficulty,
			ImprovementDetected: km.MasteryLevel > before,
		}); err != nil {
			return nil, err
		}

		applied = append(applied, ReviewApplied{
			KnowledgePointID: km.ID,
			KnowledgePoint:   km.KnowledgePoint,
			MasteryBefore:    before,
			MasteryAfter:     km.MasteryLevel,
		})
	}
	return applied, nil
}

// CreateWithLinks 在事务内创建错题并挂接知识点
func (s *KnowledgeLinkerService) CreateWithLinks(tx *gorm.DB, mistake *model.MistakeRecord, plan *LinkPlan, now time.Time) (*AttachResult, error) {
	if err := s.MistakeRepo.WithTx(tx).Create(mistake); err != nil {
		return nil, err
	}
	return s.Attach(tx, mistake, plan, now)
}
