package service

import (
	"bytes"
	"context"
	"encoding/json"
	"error_book_backend/internal/config"
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"
	"error_book_backend/pkg/logger"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLookbackDays = 30
	maxLookbackDays     = 365
	maxPlanMistakes     = 120
	maxWeakPoints       = 20
)

type RevisionPlanService struct {
	AI          *AIService
	PlanRepo    *repository.RevisionPlanRepository
	MistakeRepo *repository.MistakeRepository
	LinkRepo    *repository.MistakeKnowledgePointRepository
	MasteryRepo *repository.KnowledgeMasteryRepository
	Storage     *StorageService
	Renderer    PDFRenderer
	Config      config.RevisionConfig
}

func NewRevisionPlanService(ai *AIService, planRepo *repository.RevisionPlanRepository, mistakeRepo *repository.MistakeRepository,
	linkRepo *repository.MistakeKnowledgePointRepository, masteryRepo *repository.KnowledgeMasteryRepository,
	storage *StorageService, renderer PDFRenderer, cfg config.RevisionConfig) *RevisionPlanService {
	return &RevisionPlanService{
		AI:          ai,
		PlanRepo:    planRepo,
		MistakeRepo: mistakeRepo,
		LinkRepo:    linkRepo,
		MasteryRepo: masteryRepo,
		Storage:     storage,
		Renderer:    renderer,
		Config:      cfg,
	}
}

type GeneratePlanRequest struct {
	CycleType       string `json:"cycle_type" binding:"required"`
	DaysLookback    int    `json:"days_lookback"`
	ForceRegenerate bool   `json:"force_regenerate"`
	Title           string `json:"title"`
}

type GeneratePlanResult struct {
	Plan   *model.RevisionPlan `json:"plan"`
	Reused bool                `json:"reused"`
}

// planInput 生成计划用到的错题与薄弱知识点
type planInput struct {
	mistakes []model.MistakeRecord
	kpsOf    map[string][]string
	weak     []model.KnowledgeMastery
}

// Generate 非强制重新生成时，复用同周期内未过期的草稿或已发布计划
func (s *RevisionPlanService) Generate(ctx context.Context, userID uint, req GeneratePlanRequest) (*GeneratePlanResult, error) {
	cycle := model.CycleType(req.CycleType)
	days := cycle.Days()
	if days == 0 {
		return nil, util.NewValidationError(fmt.Sprintf("unknown cycle_type %q", req.CycleType))
	}
	if req.DaysLookback == 0 {
		req.DaysLookback = defaultLookbackDays
	}
	if req.DaysLookback < 1 || req.DaysLookback > maxLookbackDays {
		return nil, util.NewValidationError(fmt.Sprintf("days_lookback must be between 1 and %d", maxLookbackDays))
	}
	if len([]rune(req.Title)) > 200 {
		return nil, util.NewValidationError("title must be at most 200 characters")
	}

	now := time.Now().UTC()
	if !req.ForceRegenerate {
		existing, err := s.PlanRepo.FindActive(userID, cycle, now)
		if err == nil {
			return &GeneratePlanResult{Plan: existing, Reused: true}, nil
		}
		if !errors.Is(err, util.ErrPlanNotFound) {
			return nil, err
		}
	}

	input, err := s.collect(userID, now.AddDate(0, 0, -req.DaysLookback), now)
	if err != nil {
		return nil, err
	}

	content, aiErr := s.composeWithAI(ctx, input, days)
	isFallback := false
	if aiErr != nil {
		logger.Log.Warn("revision plan fell back to round-robin", zap.Uint("userID", userID), zap.Error(aiErr))
		content = RoundRobinPlan(input.mistakes, input.kpsOf, weakNames(input.weak), days)
		isFallback = true
	}

	start := util.StartOfDay(now)
	end := start.AddDate(0, 0, days-1)
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = fmt.Sprintf("%d天错题复习计划（%s ~ %s）", days, start.Format(util.DateFormat), end.Format(util.DateFormat))
	}
	expiredAt := start.AddDate(0, 0, days)
	if s.Config.ValidDays > 0 {
		expiredAt = start.AddDate(0, 0, s.Config.ValidDays)
	}

	plan := &model.RevisionPlan{
		UserID:          userID,
		Title:           title,
		Description:     fmt.Sprintf("覆盖最近 %d 天的 %d 道错题和 %d 个薄弱知识点", req.DaysLookback, len(input.mistakes), len(input.weak)),
		CycleType:       cycle,
		Status:          model.PlanDraft,
		MistakeCount:    len(input.mistakes),
		KnowledgePoints: model.MustJSON(weakNames(input.weak)),
		DateRange:       model.MustJSON(model.DateRange{Start: start, End: end}),
		PlanContent:     model.MustJSON(content),
		IsFallback:      isFallback,
		ExpiredAt:       &expiredAt,
	}
	plan.ID = model.GenerateUUID()

	s.publishFiles(ctx, plan, content, input)

	if err := s.PlanRepo.Create(plan); err != nil {
		s.removeFiles(ctx, plan)
		return nil, err
	}
	return &GeneratePlanResult{Plan: plan}, nil
}

func (s *RevisionPlanService) collect(userID uint, from, to time.Time) (*planInput, error) {
	mistakes, err := s.MistakeRepo.FindInRange(userID, from, to)
	if err != nil {
		return nil, err
	}
	if len(mistakes) > maxPlanMistakes {
		mistakes = mistakes[len(mistakes)-maxPlanMistakes:]
	}

	ids := make([]string, 0, len(mistakes))
	for _, m := range mistakes {
		ids = append(ids, m.ID)
	}
	links, err := s.LinkRepo.FindByMistakes(ids)
	if err != nil {
		return nil, err
	}
	kpIDs := make([]string, 0, len(links))
	seen := map[string]bool{}
	for _, l := range links {
		if !seen[l.KnowledgePointID] {
			seen[l.KnowledgePointID] = true
			kpIDs = append(kpIDs, l.KnowledgePointID)
		}
	}
	kms, err := s.MasteryRepo.FindByIDs(kpIDs)
	if err != nil {
		return nil, err
	}
	nameOf := make(map[string]string, len(kms))
	for _, km := range kms {
		nameOf[km.ID] = km.KnowledgePoint
	}

	input := &planInput{mistakes: mistakes, kpsOf: map[string][]string{}}
	for _, l := range links {
		if name, ok := nameOf[l.KnowledgePointID]; ok {
			if l.IsPrimary {
				input.kpsOf[l.MistakeID] = append([]string{name}, input.kpsOf[l.MistakeID]...)
			} else {
				input.kpsOf[l.MistakeID] = append(input.kpsOf[l.MistakeID], name)
			}
		}
	}

	for _, km := range kms {
		if km.MasteryLevel < model.MasteryMasteredThreshold {
			input.weak = append(input.weak, km)
		}
	}
	if len(input.weak) == 0 {
		if input.weak, err = s.MasteryRepo.ListWeak(userID, model.MasteryMasteredThreshold, maxWeakPoints); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(input.weak, func(i, j int) bool { return input.weak[i].MasteryLevel < input.weak[j].MasteryLevel })
	if len(input.weak) > maxWeakPoints {
		input.weak = input.weak[:maxWeakPoints]
	}
	return input, nil
}

func weakNames(weak []model.KnowledgeMastery) []string {
	names := make([]string, 0, len(weak))
	for _, km := range weak {
		names = append(names, km.KnowledgePoint)
	}
	return names
}

func planSchema(days int) *llm.Schema {
	return &llm.Schema{
		Name: fmt.Sprintf("revision_plan_%d", days),
		Definition: fmt.Sprintf(`{
  "type": "object",
  "required": ["daily_sections"],
  "properties": {
    "daily_sections": {
      "type": "array",
      "minItems": %[1]d,
      "maxItems": %[1]d,
      "items": {
        "type": "object",
        "required": ["day", "focus_kps", "mistakes_to_review", "goal"],
        "properties": {
          "day": {"type": "integer", "minimum": 1, "maximum": %[1]d},
          "focus_kps": {"type": "array", "items": {"type": "string"}},
          "mistakes_to_review": {"type": "array", "items": {"type": "string"}},
          "exercises": {"type": "array", "items": {"type": "string"}},
          "goal": {"type": "string"}
        }
      }
    }
  }
}`, days),
	}
}

const planPrompt = `你是一名学习规划老师。根据学生最近的错题和薄弱知识点，制定一个 %d 天的复习计划。
要求：每天一个小节，day 从 1 到 %d 各出现一次；mistakes_to_review 只能使用给出的错题 id；每道错题至少安排一次。
只输出 JSON：{"daily_sections": [{"day": 1, "focus_kps": ["..."], "mistakes_to_review": ["id"], "exercises": ["..."], "goal": "..."}]}`

func (s *RevisionPlanService) composeWithAI(ctx context.Context, input *planInput, days int) (model.PlanContent, error) {
	var content model.PlanContent
	if s.AI == nil {
		return content, util.ErrAIUnavailable
	}

	bySubject := map[model.Subject][]map[string]interface{}{}
	for _, m := range input.mistakes {
		bySubject[m.Subject] = append(bySubject[m.Subject], map[string]interface{}{
			"id":               m.ID,
			"title":            util.TruncateRunes(m.Title, 60),
			"knowledge_points": input.kpsOf[m.ID],
			"mastery_status":   m.MasteryStatus,
		})
	}
	weak := make([]map[string]interface{}, 0, len(input.weak))
	for _, km := range input.weak {
		weak = append(weak, map[string]interface{}{"name": km.KnowledgePoint, "subject": km.Subject, "mastery": km.MasteryLevel})
	}
	payload, err := json.Marshal(map[string]interface{}{"mistakes_by_subject": bySubject, "weak_knowledge_points": weak})
	if err != nil {
		return content, err
	}

	_, err = s.AI.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(fmt.Sprintf(planPrompt, days, days)),
		userMessage(string(payload)),
	}, ChatParams{Purpose: "revision_plan", Temperature: float32Ptr(0.5), MaxTokens: 4000}, planSchema(days), &content)
	if err != nil {
		return content, err
	}
	return normalizePlan(content, input.mistakes, days)
}

// normalizePlan 校验天数恰好为 1..N，剔除模型编造或重复的错题 id，
// 模型漏排的错题按天轮流补进计划
func normalizePlan(content model.PlanContent, mistakes []model.MistakeRecord, days int) (model.PlanContent, error) {
	if len(content.DailySections) != days {
		return content, fmt.Errorf("%w: expected %d sections, got %d", util.ErrAISchema, days, len(content.DailySections))
	}
	known := make(map[string]bool, len(mistakes))
	for _, m := range mistakes {
		known[m.ID] = true
	}

	seen := make(map[int]bool, days)
	assigned := make(map[string]bool, len(mistakes))
	for i := range content.DailySections {
		sec := &content.DailySections[i]
		if sec.Day < 1 || sec.Day > days || seen[sec.Day] {
			return content, fmt.Errorf("%w: invalid or duplicate day %d", util.ErrAISchema, sec.Day)
		}
		seen[sec.Day] = true

		kept := make([]string, 0, len(sec.MistakesToReview))
		for _, id := range sec.MistakesToReview {
			if known[id] && !assigned[id] {
				assigned[id] = true
				kept = append(kept, id)
			}
		}
		sec.MistakesToReview = kept
		if sec.FocusKPs == nil {
			sec.FocusKPs = []string{}
		}
		if sec.Exercises == nil {
			sec.Exercises = []string{}
		}
	}
	sort.Slice(content.DailySections, func(i, j int) bool { return content.DailySections[i].Day < content.DailySections[j].Day })

	missing := 0
	for _, m := range mistakes {
		if assigned[m.ID] {
			continue
		}
		sec := &content.DailySections[missing%days]
		sec.MistakesToReview = append(sec.MistakesToReview, m.ID)
		missing++
	}
	if missing > 0 {
		logger.Log.Info("revision plan filled unassigned mistakes", zap.Int("count", missing))
	}
	return content, nil
}

// RoundRobinPlan 模型不可用时的确定性计划：错题与薄弱知识点按天轮流分配
func RoundRobinPlan(mistakes []model.MistakeRecord, kpsOf map[string][]string, weak []string, days int) model.PlanContent {
	sections := make([]model.DailySection, days)
	for i := range sections {
		sections[i] = model.DailySection{
			Day:              i + 1,
			FocusKPs:         []string{},
			MistakesToReview: []string{},
			Exercises:        []string{},
		}
	}

	for i, m := range mistakes {
		sec := &sections[i%days]
		sec.MistakesToReview = append(sec.MistakesToReview, m.ID)
		for _, kp := range kpsOf[m.ID] {
			if !containsString(sec.FocusKPs, kp) {
				sec.FocusKPs = append(sec.FocusKPs, kp)
			}
		}
	}
	for i, kp := range weak {
		sec := &sections[i%days]
		if !containsString(sec.FocusKPs, kp) {
			sec.FocusKPs = append(sec.FocusKPs, kp)
		}
	}

	for i := range sections {
		sec := &sections[i]
		for _, kp := range sec.FocusKPs {
			sec.Exercises = append(sec.Exercises, fmt.Sprintf("完成「%s」相关练习 3 道", kp))
		}
		switch {
		case len(sec.MistakesToReview) > 0:
			sec.Goal = fmt.Sprintf("重做 %d 道错题并写出错因", len(sec.MistakesToReview))
		case len(sec.FocusKPs) > 0:
			sec.Goal = "巩固薄弱知识点"
		default:
			sec.Goal = "回顾本周期已复习的错题"
		}
	}
	return model.PlanContent{DailySections: sections}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RenderPlanMarkdown 计划的 Markdown 版本，PDF 由它渲染
func RenderPlanMarkdown(plan *model.RevisionPlan, content model.PlanContent, titles map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", plan.Title)
	if plan.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", plan.Description)
	}
	for _, sec := range content.DailySections {
		fmt.Fprintf(&b, "## 第 %d 天\n\n", sec.Day)
		if sec.Goal != "" {
			fmt.Fprintf(&b, "**目标：** %s\n\n", sec.Goal)
		}
		if len(sec.FocusKPs) > 0 {
			fmt.Fprintf(&b, "**重点知识点：** %s\n\n", strings.Join(sec.FocusKPs, "、"))
		}
		if len(sec.MistakesToReview) > 0 {
			b.WriteString("**复习错题：**\n\n")
			for _, id := range sec.MistakesToReview {
				title := titles[id]
				if title == "" {
					title = id
				}
				fmt.Fprintf(&b, "- [ ] %s\n", title)
			}
			b.WriteString("\n")
		}
		if len(sec.Exercises) > 0 {
			b.WriteString("**练习：**\n\n")
			for _, ex := range sec.Exercises {
				fmt.Fprintf(&b, "- %s\n", ex)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// publishFiles 上传 Markdown 与 PDF；存储或渲染失败只记录日志，计划照常保存
func (s *RevisionPlanService) publishFiles(ctx context.Context, plan *model.RevisionPlan, content model.PlanContent, input *planInput) {
	if s.Storage == nil {
		return
	}
	titles := make(map[string]string, len(input.mistakes))
	for _, m := range input.mistakes {
		titles[m.ID] = m.Title
	}
	md := RenderPlanMarkdown(plan, content, titles)
	base := fmt.Sprintf("revision-plans/%d/%s", plan.UserID, plan.ID)

	url, err := s.Storage.Upload(ctx, base+".md", strings.NewReader(md), int64(len(md)), util.MimeMarkdown)
	if err != nil {
		logger.Log.Warn("upload plan markdown failed", zap.String("planID", plan.ID), zap.Error(err))
		return
	}
	plan.MarkdownURL = url

	if s.Renderer == nil {
		return
	}
	pdf, err := s.Renderer.Render(ctx, plan.Title, md)
	if err != nil {
		logger.Log.Warn("render plan pdf failed", zap.String("planID", plan.ID), zap.Error(err))
		return
	}
	url, err = s.Storage.Upload(ctx, base+".pdf", bytes.NewReader(pdf), int64(len(pdf)), util.MimePDF)
	if err != nil {
		logger.Log.Warn("upload plan pdf failed", zap.String("planID", plan.ID), zap.Error(err))
		return
	}
	plan.PDFURL = url
}

func (s *RevisionPlanService) removeFiles(ctx context.Context, plan *model.RevisionPlan) {
	if s.Storage == nil {
		return
	}
	for _, url := range []string{plan.MarkdownURL, plan.PDFURL} {
		if err := s.Storage.DeleteURL(ctx, url); err != nil {
			logger.Log.Warn("delete plan file failed", zap.String("url", url), zap.Error(err))
		}
	}
}

func (s *RevisionPlanService) List(userID uint, status string, page, pageSize int) ([]model.RevisionPlan, int64, error) {
	st := model.PlanStatus(status)
	switch st {
	case "", model.PlanDraft, model.PlanPublished, model.PlanCompleted, model.PlanExpired:
	default:
		return nil, 0, util.NewValidationError(fmt.Sprintf("unknown status %q", status))
	}
	return s.PlanRepo.List(userID, st, page, pageSize)
}

// Get 查看计划详情并累计浏览次数
func (s *RevisionPlanService) Get(userID uint, id string) (*model.RevisionPlan, error) {
	plan, err := s.PlanRepo.FindByIDForUser(id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.PlanRepo.IncrementCounter(plan.ID, "view_count"); err != nil {
		return nil, err
	}
	plan.ViewCount++
	return plan, nil
}

// Download 返回文件地址并累计下载次数；format 为 pdf 或 markdown
func (s *RevisionPlanService) Download(userID uint, id, format string) (string, error) {
	plan, err := s.PlanRepo.FindByIDForUser(id, userID)
	if err != nil {
		return "", err
	}

	var url string
	switch format {
	case "", "pdf":
		url = plan.PDFURL
		if url == "" {
			url = plan.MarkdownURL
		}
	case "md", "markdown":
		url = plan.MarkdownURL
	default:
		return "", util.NewValidationError(fmt.Sprintf("unknown format %q", format))
	}
	if url == "" {
		return "", util.ErrPlanNotFound
	}

	if err := s.PlanRepo.IncrementCounter(plan.ID, "download_count"); err != nil {
		return "", err
	}
	return url, nil
}

// Publish 草稿发布后才算正式计划
func (s *RevisionPlanService) Publish(userID uint, id string) (*model.RevisionPlan, error) {
	plan, err := s.PlanRepo.FindByIDForUser(id, userID)
	if err != nil {
		return nil, err
	}
	if plan.Status != model.PlanDraft {
		return nil, util.NewConflictError(util.CodeConflict, fmt.Sprintf("plan is %s", plan.Status), map[string]string{"id": plan.ID})
	}
	plan.Status = model.PlanPublished
	if err := s.PlanRepo.Save(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *RevisionPlanService) Complete(userID uint, id string) (*model.RevisionPlan, error) {
	plan, err := s.PlanRepo.FindByIDForUser(id, userID)
	if err != nil {
		return nil, err
	}
	if plan.Status == model.PlanCompleted || plan.Status == model.PlanExpired {
		return nil, util.NewConflictError(util.CodeConflict, fmt.Sprintf("plan is %s", plan.Status), map[string]string{"id": plan.ID})
	}
	now := time.Now().UTC()
	plan.Status = model.PlanCompleted
	plan.CompletedAt = &now
	if err := s.PlanRepo.Save(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Delete 删除计划及其存储的文件
func (s *RevisionPlanService) Delete(ctx context.Context, userID uint, id string) error {
	plan, err := s.PlanRepo.FindByIDForUser(id, userID)
	if err != nil {
		return err
	}
	if err := s.PlanRepo.Delete(plan.ID); err != nil {
		return err
	}
	s.removeFiles(ctx, plan)
	return nil
}

// ExpirePlans 定时任务入口
func (s *RevisionPlanService) ExpirePlans(now time.Time) (int64, error) {
	n, err := s.PlanRepo.ExpireBefore(now)
	if err != nil {
		return 0, err
	}
	logger.Log.Info("revision plans expired", zap.Int64("count", n))
	return n, nil
}
