package app

import (
	"context"
	"error_book_backend/internal/config"
	"error_book_backend/internal/controller"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/service"
	"error_book_backend/pkg/configwatcher"
	"error_book_backend/pkg/database"
	"error_book_backend/pkg/llm"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"error_book_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *gorm.DB
	Redis    *redis.Client
	Services *Services
	tracer   *sdktrace.TracerProvider
	cancel   context.CancelFunc
}

type repositories struct {
	mistake  *repository.MistakeRepository
	link     *repository.MistakeKnowledgePointRepository
	mastery  *repository.KnowledgeMasteryRepository
	track    *repository.LearningTrackRepository
	question *repository.QuestionRepository
	session  *repository.ReviewSessionRepository
	snapshot *repository.SnapshotRepository
	plan     *repository.RevisionPlanRepository
	analysis *repository.AnalyticsRepository
}

// Services HTTP 服务与 errorbook-jobs 共用的服务集合
type Services struct {
	AI        *service.AIService
	Storage   *service.StorageService
	Guard     *service.IdempotencyGuard
	Detector  *service.MistakeDetector
	Linker    *service.KnowledgeLinkerService
	QA        *service.QAService
	Homework  *service.HomeworkService
	Mistake   *service.MistakeService
	Review    *service.ReviewSessionService
	Graph     *service.KnowledgeGraphService
	Snapshot  *service.SnapshotService
	Revision  *service.RevisionPlanService
	Analytics *service.AnalyticsService
}

type controllers struct {
	mistake   *controller.MistakeController
	learning  *controller.LearningController
	homework  *controller.HomeworkController
	review    *controller.ReviewController
	graph     *controller.KnowledgeGraphController
	revision  *controller.RevisionController
	analytics *controller.AnalyticsController
	health    *controller.HealthController
}

func initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		mistake:  repository.NewMistakeRepository(db),
		link:     repository.NewMistakeKnowledgePointRepository(db),
		mastery:  repository.NewKnowledgeMasteryRepository(db),
		track:    repository.NewLearningTrackRepository(db),
		question: repository.NewQuestionRepository(db),
		session:  repository.NewReviewSessionRepository(db),
		snapshot: repository.NewSnapshotRepository(db),
		plan:     repository.NewRevisionPlanRepository(db),
		analysis: repository.NewAnalyticsRepository(db),
	}
}

// NewTransport 模型厂商连接，重试由 AIService 包装
func NewTransport(cfg config.AIConfig) llm.ChatTransport {
	return llm.NewOpenAITransport(llm.Config{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
	})
}

// BuildServices 组装所有服务；rdb 为 nil 时幂等锁退回进程内缓存
func BuildServices(cfg *config.Config, db *gorm.DB, rdb *redis.Client, transport llm.ChatTransport) *Services {
	repos := initRepositories(db)
	s := &Services{}

	s.Storage = service.NewStorageService(cfg)
	s.AI = service.NewAIService(transport, cfg.AI, s.Storage.PublicURL)
	s.Guard = service.NewIdempotencyGuard(rdb)

	rules := service.DefaultDetectionRules()
	if cfg.Classifier.RulesPath != "" {
		loaded, err := service.LoadDetectionRules(cfg.Classifier.RulesPath)
		if err != nil {
			logger.Log.Warn("classifier rules not loaded, using defaults", zap.String("path", cfg.Classifier.RulesPath), zap.Error(err))
		} else {
			rules = loaded
		}
	}
	s.Detector = service.NewMistakeDetector(rules, s.AI, cfg.Classifier.AIIntentEnabled, cfg.Classifier.ExplicitMarkerOnly)

	s.Linker = service.NewKnowledgeLinkerService(s.AI, repos.mastery, repos.link, repos.track, repos.mistake)
	s.QA = service.NewQAService(db, s.AI, s.Detector, s.Linker, repos.question, s.Guard)
	s.Homework = service.NewHomeworkService(db, s.AI, s.Linker, s.Guard)
	s.Mistake = service.NewMistakeService(db, repos.mistake, repos.link, repos.track, s.Linker)
	s.Review = service.NewReviewSessionService(db, s.AI, repos.session, repos.mistake, s.Mistake, cfg.Review.MaxAttempts)
	s.Graph = service.NewKnowledgeGraphService(repos.mastery, repos.link)
	s.Snapshot = service.NewSnapshotService(db, s.AI, s.Graph, repos.snapshot, repos.mistake, s.Guard, cfg.Snapshot)

	var renderer service.PDFRenderer
	if cfg.Revision.RendererURL != "" {
		renderer = service.NewHTTPPDFRenderer(cfg.Revision.RendererURL, cfg.Revision.RendererTimeout)
	}
	s.Revision = service.NewRevisionPlanService(s.AI, repos.plan, repos.mistake, repos.link, repos.mastery, s.Storage, renderer, cfg.Revision)
	s.Analytics = service.NewAnalyticsService(repos.analysis, repos.mastery)

	return s
}

func initControllers(s *Services, db *gorm.DB) *controllers {
	return &controllers{
		mistake:   controller.NewMistakeController(s.Mistake),
		learning:  controller.NewLearningController(s.QA),
		homework:  controller.NewHomeworkController(s.Homework),
		review:    controller.NewReviewController(s.Review),
		graph:     controller.NewKnowledgeGraphController(s.Graph, s.Snapshot),
		revision:  controller.NewRevisionController(s.Revision),
		analytics: controller.NewAnalyticsController(s.Analytics),
		health:    controller.NewHealthController(db, s.AI),
	}
}

// OpenStores 连接数据库与可选的 Redis，按需执行迁移
func OpenStores(cfg *config.Config) (*gorm.DB, *redis.Client, error) {
	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode)
	if err != nil {
		return nil, nil, err
	}

	if cfg.ForceMigrate || cfg.Server.Mode != "release" {
		if err := database.Migrate(db); err != nil {
			return nil, nil, err
		}
		logger.Log.Info("Database migrated")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = database.InitRedis(&cfg.Redis)
		if err != nil {
			// 幂等锁可以退回进程内缓存，Redis 不可用不阻止启动
			logger.Log.Warn("Redis unavailable, using in-process guard", zap.Error(err))
			rdb = nil
		}
	}
	return db, rdb, nil
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	db, rdb, err := OpenStores(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		cancel: cancel,
	}
	if cfg.MigrateOnly {
		return app
	}

	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("error-book-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Error("Failed to initialize tracing", zap.Error(err))
		} else {
			app.tracer = tp
		}
	}

	app.Services = BuildServices(cfg, db, rdb, NewTransport(cfg.AI))

	if cfg.Classifier.Watch && cfg.Classifier.RulesPath != "" {
		if err := configwatcher.WatchFile(ctx, cfg.Classifier.RulesPath, app.Services.Detector.ReloadFromFile); err != nil {
			logger.Log.Warn("classifier rules watcher not started", zap.Error(err))
		}
	}

	app.Router = NewRouter(cfg, app.Services, db)

	if cfg.Jobs.Enabled {
		app.startBackgroundTasks(ctx)
	}
	return app
}

// startBackgroundTasks 单实例部署时在进程内跑定时任务，多实例由 errorbook-jobs 调度
func (a *App) startBackgroundTasks(ctx context.Context) {
	interval := a.Config.Jobs.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if _, err := a.Services.Snapshot.RunDaily(ctx, now); err != nil {
					logger.Log.Error("daily snapshot job failed", zap.Error(err))
				}
				if _, err := a.Services.Revision.ExpirePlans(now); err != nil {
					logger.Log.Error("expire plans job failed", zap.Error(err))
				}
			}
		}
	}()
}

func (a *App) Close() {
	a.cancel()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Log.Sync()
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器，流式问答最长需要等提交窗口结束
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.AI.PostStreamTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	a.Close()

	log.Println("Server exiting")
}
