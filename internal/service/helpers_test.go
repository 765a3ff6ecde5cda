package service

import (
	"testing"

	"error_book_backend/internal/config"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/testutil"
	"error_book_backend/pkg/llm"

	"gorm.io/gorm"
)

// testEnv 在内存库上组装的完整服务集合，AI 调用由 mock 按顺序应答
type testEnv struct {
	db   *gorm.DB
	mock *llm.MockTransport
	ai   *AIService

	mistakeRepo  *repository.MistakeRepository
	linkRepo     *repository.MistakeKnowledgePointRepository
	masteryRepo  *repository.KnowledgeMasteryRepository
	trackRepo    *repository.LearningTrackRepository
	questionRepo *repository.QuestionRepository
	sessionRepo  *repository.ReviewSessionRepository
	snapshotRepo *repository.SnapshotRepository
	planRepo     *repository.RevisionPlanRepository

	storage  *StorageService
	guard    *IdempotencyGuard
	detector *MistakeDetector
	linker   *KnowledgeLinkerService
	qa       *QAService
	homework *HomeworkService
	mistakes *MistakeService
	review   *ReviewSessionService
	graph    *KnowledgeGraphService
	snapshot *SnapshotService
	revision *RevisionPlanService
}

func newTestEnv(t *testing.T, responses ...llm.MockResponse) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	mock := llm.NewMockTransport(responses...)
	cfg := &config.Config{
		Storage:  config.StorageConfig{Type: "local", LocalPath: t.TempDir()},
		Review:   config.ReviewConfig{MaxAttempts: 3},
		Snapshot: config.SnapshotConfig{ActiveDays: 30, RetentionDays: 90},
		Revision: config.RevisionConfig{ValidDays: 7},
	}

	e := &testEnv{
		db:           db,
		mock:         mock,
		mistakeRepo:  repository.NewMistakeRepository(db),
		linkRepo:     repository.NewMistakeKnowledgePointRepository(db),
		masteryRepo:  repository.NewKnowledgeMasteryRepository(db),
		trackRepo:    repository.NewLearningTrackRepository(db),
		questionRepo: repository.NewQuestionRepository(db),
		sessionRepo:  repository.NewReviewSessionRepository(db),
		snapshotRepo: repository.NewSnapshotRepository(db),
		planRepo:     repository.NewRevisionPlanRepository(db),
	}
	e.storage = NewStorageService(cfg)
	e.ai = NewAIService(mock, cfg.AI, e.storage.PublicURL)
	e.guard = NewIdempotencyGuard(nil)
	e.detector = NewMistakeDetector(DefaultDetectionRules(), e.ai, false, false)
	e.linker = NewKnowledgeLinkerService(e.ai, e.masteryRepo, e.linkRepo, e.trackRepo, e.mistakeRepo)
	e.qa = NewQAService(db, e.ai, e.detector, e.linker, e.questionRepo, e.guard)
	e.homework = NewHomeworkService(db, e.ai, e.linker, e.guard)
	e.mistakes = NewMistakeService(db, e.mistakeRepo, e.linkRepo, e.trackRepo, e.linker)
	e.review = NewReviewSessionService(db, e.ai, e.sessionRepo, e.mistakeRepo, e.mistakes, cfg.Review.MaxAttempts)
	e.graph = NewKnowledgeGraphService(e.masteryRepo, e.linkRepo)
	e.snapshot = NewSnapshotService(db, e.ai, e.graph, e.snapshotRepo, e.mistakeRepo, e.guard, cfg.Snapshot)
	e.revision = NewRevisionPlanService(e.ai, e.planRepo, e.mistakeRepo, e.linkRepo, e.masteryRepo, e.storage, nil, cfg.Revision)
	return e
}
