// Package testutil 测试用的内存数据库与数据构造
package testutil

import (
	"error_book_backend/internal/model"
	"error_book_backend/pkg/database"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试独立的内存 sqlite，已完成迁移，测试结束自动关闭
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name)

	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig(logger.Silent))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接保证内存库在测试期间不被回收
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// MistakeOption 调整 Mistake fixture
type MistakeOption func(m *model.MistakeRecord)

func WithSubject(s model.Subject) MistakeOption {
	return func(m *model.MistakeRecord) { m.Subject = s }
}

func WithStatus(st model.MasteryStatus) MistakeOption {
	return func(m *model.MistakeRecord) { m.MasteryStatus = st }
}

func WithCreatedAt(at time.Time) MistakeOption {
	return func(m *model.MistakeRecord) { m.CreatedAt = at }
}

func WithNextReviewAt(at time.Time) MistakeOption {
	return func(m *model.MistakeRecord) { m.NextReviewAt = &at }
}

// CreateMistake 直接写入一条手工错题，不经过知识点挂接
func CreateMistake(t *testing.T, db *gorm.DB, userID uint, title string, opts ...MistakeOption) *model.MistakeRecord {
	t.Helper()
	m := &model.MistakeRecord{
		UserID:         userID,
		Subject:        model.SubjectMath,
		Title:          title,
		OCRText:        title,
		Difficulty:     3,
		MasteryStatus:  model.StatusLearning,
		Source:         model.SourceManual,
		CorrectAnswer:  "42",
		QuestionNumber: 1,
		Version:        1,
	}
	for _, opt := range opts {
		opt(m)
	}
	require.NoError(t, db.Create(m).Error)
	return m
}

// CreateMastery 写入一个知识点掌握度
func CreateMastery(t *testing.T, db *gorm.DB, userID uint, subject model.Subject, name string, level float64, mistakes, correct int) *model.KnowledgeMastery {
	t.Helper()
	now := time.Now().UTC()
	km := &model.KnowledgeMastery{
		UserID:          userID,
		Subject:         subject,
		KnowledgePoint:  name,
		MasteryLevel:    level,
		MistakeCount:    mistakes,
		CorrectCount:    correct,
		TotalAttempts:   mistakes + correct,
		LastPracticedAt: &now,
		Version:         1,
	}
	require.NoError(t, db.Create(km).Error)
	return km
}

// Link 建立错题与知识点的关联
func Link(t *testing.T, db *gorm.DB, mistakeID, kpID string, primary bool) {
	t.Helper()
	require.NoError(t, db.Create(&model.MistakeKnowledgePoint{
		MistakeID:        mistakeID,
		KnowledgePointID: kpID,
		RelevanceScore:   1,
		IsPrimary:        primary,
		ErrorType:        model.ErrorConceptMisunderstanding,
		FirstErrorAt:     time.Now().UTC(),
	}).Error)
}
