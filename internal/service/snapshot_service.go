package service

import (
	"context"
	"encoding/json"
	"error_book_backend/internal/config"
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const trendThreshold = 0.05

type SnapshotService struct {
	DB           *gorm.DB
	AI           *AIService
	Graph        *KnowledgeGraphService
	SnapshotRepo *repository.SnapshotRepository
	MistakeRepo  *repository.MistakeRepository
	Guard        *IdempotencyGuard
	Config       config.SnapshotConfig
	group        singleflight.Group
}

func NewSnapshotService(db *gorm.DB, ai *AIService, graph *KnowledgeGraphService, snapshotRepo *repository.SnapshotRepository,
	mistakeRepo *repository.MistakeRepository, guard *IdempotencyGuard, cfg config.SnapshotConfig) *SnapshotService {
	if cfg.ActiveDays <= 0 {
		cfg.ActiveDays = 7
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = 60 * time.Second
	}
	return &SnapshotService{
		DB:           db,
		AI:           ai,
		Graph:        graph,
		SnapshotRepo: snapshotRepo,
		MistakeRepo:  mistakeRepo,
		Guard:        guard,
		Config:       cfg,
	}
}

// TrendOf 与上一快照相比平均掌握度变化超过 5% 视为进步或退步；上一快照为 0 时按绝对值比较
func TrendOf(previous, current float64) model.Trend {
	change := current - previous
	if previous > 0 {
		change = change / previous
	}
	switch {
	case change >= trendThreshold:
		return model.TrendImproving
	case change <= -trendThreshold:
		return model.TrendDeclining
	}
	return model.TrendStable
}

// CreateManual 手动生成快照，同一用户同一学科的并发请求合并为一次
func (s *SnapshotService) CreateManual(ctx context.Context, userID uint, subject model.Subject) (*model.UserKnowledgeGraphSnapshot, error) {
	key := fmt.Sprintf("%d:%s", userID, subject)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.Create(ctx, userID, subject, model.PeriodManual, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.UserKnowledgeGraphSnapshot), nil
}

// Create 生成 (用户, 学科, 日期, 类型) 快照，同一天重复生成时覆盖当天的快照
func (s *SnapshotService) Create(ctx context.Context, userID uint, subject model.Subject, period model.PeriodType, now time.Time) (*model.UserKnowledgeGraphSnapshot, error) {
	if !subject.Valid() {
		return nil, util.NewValidationError(fmt.Sprintf("unknown subject %q", subject))
	}
	if !period.Valid() {
		return nil, util.NewValidationError(fmt.Sprintf("unknown period_type %q", period))
	}

	graph, err := s.Graph.SubjectGraph(userID, subject)
	if err != nil {
		return nil, err
	}
	total, err := s.MistakeRepo.CountByUserSubject(userID, subject)
	if err != nil {
		return nil, err
	}

	profile, recommendations := s.describe(ctx, graph)
	day := util.StartOfDay(now)

	var snap *model.UserKnowledgeGraphSnapshot
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.SnapshotRepo.WithTx(tx)

		existing, err := repo.FindForDay(userID, subject, day, period)
		switch {
		case err == nil:
			snap = existing
		case errors.Is(err, util.ErrSnapshotNotFound):
			snap = &model.UserKnowledgeGraphSnapshot{UserID: userID, Subject: subject, SnapshotDate: day, PeriodType: period}
		default:
			return err
		}

		snap.KnowledgePoints = model.MustJSON(graph.Nodes)
		snap.WeakChains = model.MustJSON(graph.WeakChains)
		snap.StrongAreas = model.MustJSON(graph.StrongAreas)
		snap.LearningProfile = profile
		snap.AIRecommendations = recommendations
		snap.TotalMistakes = int(total)
		snap.AverageMastery = graph.AvgMastery
		snap.GraphData = model.MustJSON(graph)
		snap.ImprovementTrend = model.TrendStable
		snap.PreviousSnapshotID = nil

		prev, err := repo.FindLatest(userID, subject, snap.ID)
		if err != nil && !errors.Is(err, util.ErrSnapshotNotFound) {
			return err
		}
		if prev != nil {
			prevID := prev.ID
			snap.PreviousSnapshotID = &prevID
			snap.ImprovementTrend = TrendOf(prev.AverageMastery, graph.AvgMastery)
		}

		if snap.ID == "" {
			return repo.Create(snap)
		}
		return repo.Save(snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// describe 学习画像与建议；开启 ai_summary 时由模型撰写，失败时使用规则文本
func (s *SnapshotService) describe(ctx context.Context, g *GraphView) (string, string) {
	profile := fmt.Sprintf("共 %d 个知识点，平均掌握度 %.2f；薄弱 %d 个，学习中 %d 个，已掌握 %d 个。",
		g.TotalPoints, g.AvgMastery, g.MasteryDistribution.Weak, g.MasteryDistribution.Learning, g.MasteryDistribution.Mastered)
	lines := make([]string, 0, len(g.Recommendations))
	for _, r := range g.Recommendations {
		lines = append(lines, r.Suggestion)
	}
	recommendations := strings.Join(lines, "\n")

	if !s.Config.AISummary || s.AI == nil || g.TotalPoints == 0 {
		return profile, recommendations
	}

	payload, _ := json.Marshal(struct {
		Nodes           []GraphNode      `json:"nodes"`
		Recommendations []Recommendation `json:"recommendations"`
	}{g.Nodes, g.Recommendations})
	var reply struct {
		LearningProfile   string `json:"learning_profile"`
		AIRecommendations string `json:"ai_recommendations"`
	}
	_, err := s.AI.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(`你是一名学习顾问。根据学生的知识点掌握数据，写一段学习画像和一段学习建议。只输出 JSON：{"learning_profile": "...", "ai_recommendations": "..."}`),
		userMessage(util.Snippet(string(payload), 4000)),
	}, ChatParams{Purpose: "snapshot_summary", MaxTokens: 800}, nil, &reply)
	if err != nil {
		logger.Log.Warn("snapshot summary fell back to rules", zap.String("subject", string(g.Subject)), zap.Error(err))
		return profile, recommendations
	}
	if reply.LearningProfile != "" {
		profile = reply.LearningProfile
	}
	if reply.AIRecommendations != "" {
		recommendations = reply.AIRecommendations
	}
	return profile, recommendations
}

func (s *SnapshotService) Get(userID uint, id string) (*model.UserKnowledgeGraphSnapshot, error) {
	return s.SnapshotRepo.FindByIDForUser(id, userID)
}

func (s *SnapshotService) Latest(userID uint, subject model.Subject) (*model.UserKnowledgeGraphSnapshot, error) {
	return s.SnapshotRepo.FindLatest(userID, subject, "")
}

func (s *SnapshotService) History(userID uint, subject model.Subject, limit int) ([]model.UserKnowledgeGraphSnapshot, error) {
	if limit <= 0 || limit > util.MaxPageSize {
		limit = util.DefaultPageSize
	}
	return s.SnapshotRepo.ListByUserSubject(userID, subject, limit)
}

// SnapshotComparison 两个快照之间的变化量（current − previous）
type SnapshotComparison struct {
	CurrentID         string  `json:"current_id"`
	PreviousID        string  `json:"previous_id"`
	PeriodDays        int     `json:"period_days"`
	TotalChange       int     `json:"total_change"`
	MasteredChange    int     `json:"mastered_change"`
	LearningChange    int     `json:"learning_change"`
	WeakChange        int     `json:"weak_change"`
	MasteryRateChange float64 `json:"mastery_rate_change"`
}

// Compare previousID 为空时与 current 记录的上一快照比较
func (s *SnapshotService) Compare(userID uint, currentID, previousID string) (*SnapshotComparison, error) {
	current, err := s.SnapshotRepo.FindByIDForUser(currentID, userID)
	if err != nil {
		return nil, err
	}
	if previousID == "" {
		if current.PreviousSnapshotID == nil {
			return nil, util.ErrSnapshotNotFound
		}
		previousID = *current.PreviousSnapshotID
	}
	previous, err := s.SnapshotRepo.FindByIDForUser(previousID, userID)
	if err != nil {
		return nil, err
	}

	cur, prev := graphOf(current), graphOf(previous)
	days := current.SnapshotDate.Sub(previous.SnapshotDate).Hours() / 24
	return &SnapshotComparison{
		CurrentID:         current.ID,
		PreviousID:        previous.ID,
		PeriodDays:        int(math.Round(math.Abs(days))),
		TotalChange:       cur.TotalPoints - prev.TotalPoints,
		MasteredChange:    cur.MasteryDistribution.Mastered - prev.MasteryDistribution.Mastered,
		LearningChange:    cur.MasteryDistribution.Learning - prev.MasteryDistribution.Learning,
		WeakChange:        cur.MasteryDistribution.Weak - prev.MasteryDistribution.Weak,
		MasteryRateChange: util.Round2(current.AverageMastery - previous.AverageMastery),
	}, nil
}

func graphOf(snap *model.UserKnowledgeGraphSnapshot) GraphView {
	var g GraphView
	if len(snap.GraphData) > 0 {
		_ = json.Unmarshal(snap.GraphData, &g)
	}
	return g
}

// BatchReport 每日快照任务的执行结果
type BatchReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Pairs     int           `json:"pairs"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []PairFailure `json:"failures"`
	Pruned    int64         `json:"pruned"`
	Skipped   bool          `json:"skipped"`
}

type PairFailure struct {
	UserID  uint          `json:"user_id"`
	Subject model.Subject `json:"subject"`
	Error   string        `json:"error"`
}

// RunDaily 为最近活跃用户的每个 (用户, 学科) 生成每日快照并清理过期快照。
// 单个组合失败只记录在报告中，不中断整个批次。
func (s *SnapshotService) RunDaily(ctx context.Context, now time.Time) (*BatchReport, error) {
	report := &BatchReport{StartedAt: now, Failures: []PairFailure{}}

	lockKey := "job:snapshot-daily:" + now.Format(util.DateFormat)
	if !s.Guard.Acquire(ctx, lockKey, 6*time.Hour) {
		logger.Log.Info("daily snapshot already running or done", zap.String("date", now.Format(util.DateFormat)))
		report.Skipped = true
		return report, nil
	}

	// 未跑完（出错或被取消）时释放当天的锁，允许重跑；ctx 可能已取消，不能用它释放
	finished := false
	defer func() {
		if !finished {
			s.Guard.Release(context.Background(), lockKey)
		}
	}()

	since := now.AddDate(0, 0, -s.Config.ActiveDays)
	pairs, err := s.MistakeRepo.ActiveUserSubjects(since)
	if err != nil {
		return nil, fmt.Errorf("list active pairs: %w", err)
	}
	report.Pairs = len(pairs)

	for _, p := range pairs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.runPair(ctx, p, now); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, PairFailure{UserID: p.UserID, Subject: p.Subject, Error: err.Error()})
			monitoring.SnapshotBatch.WithLabelValues("failed").Inc()
			logger.Log.Warn("daily snapshot failed",
				zap.Uint("userID", p.UserID),
				zap.String("subject", string(p.Subject)),
				zap.Error(err))
			continue
		}
		report.Succeeded++
		monitoring.SnapshotBatch.WithLabelValues("succeeded").Inc()
	}

	cutoff := util.StartOfDay(now).AddDate(0, 0, -s.Config.RetentionDays)
	pruned, err := s.SnapshotRepo.DeleteDailyBefore(cutoff)
	if err != nil {
		logger.Log.Error("prune daily snapshots failed", zap.Error(err))
	}
	report.Pruned = pruned
	report.Duration = time.Since(now)

	logger.Log.Info("daily snapshot batch finished",
		zap.Int("pairs", report.Pairs),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int64("pruned", report.Pruned))
	finished = true
	return report, nil
}

// runPair 单个组合有独立超时，panic 也只影响该组合
func (s *SnapshotService) runPair(ctx context.Context, p repository.UserSubject, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	pairCtx, cancel := context.WithTimeout(ctx, s.Config.PairTimeout)
	defer cancel()

	subject := p.Subject
	if !subject.Valid() {
		subject = NormalizeSubject(string(subject), "")
	}
	_, err = s.Create(pairCtx, p.UserID, subject, model.PeriodDaily, now)
	return err
}
