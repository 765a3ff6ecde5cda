package repository

import (
	"error_book_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

// AnalyticsRepository 只读聚合查询，时间分桶在服务层完成以兼容不同数据库
type AnalyticsRepository struct {
	DB *gorm.DB
}

func NewAnalyticsRepository(db *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{DB: db}
}

// TimedRow 参与时间分桶的一行
type TimedRow struct {
	CreatedAt     time.Time
	Subject       model.Subject
	Source        model.MistakeSource
	MasteryStatus model.MasteryStatus
}

// SubjectCounter 单学科的错题聚合
type SubjectCounter struct {
	Subject  model.Subject
	Mistakes int64
	Reviews  int64
	Correct  int64
	Mastered int64
}

type SubjectQuestionCounter struct {
	Subject   model.Subject
	Questions int64
}

func (r *AnalyticsRepository) MistakeRows(userID uint, from, to time.Time) ([]TimedRow, error) {
	var rows []TimedRow
	err := r.DB.Model(&model.MistakeRecord{}).
		Select("created_at, subject, source, mastery_status").
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to).
		Order("created_at asc").
		Scan(&rows).Error
	return rows, err
}

func (r *AnalyticsRepository) QuestionRows(userID uint, from, to time.Time) ([]TimedRow, error) {
	var rows []TimedRow
	err := r.DB.Model(&model.Question{}).
		Select("created_at, subject").
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to).
		Order("created_at asc").
		Scan(&rows).Error
	return rows, err
}

// ReviewRows 复习类轨迹；一次复习会为每个关联知识点各写一条，调用方按 mistake_id + activity_date 去重
func (r *AnalyticsRepository) ReviewRows(userID uint, from, to time.Time) ([]model.KnowledgePointLearningTrack, error) {
	var ts []model.KnowledgePointLearningTrack
	err := r.DB.Select("activity_date, result, knowledge_point_id, mistake_id").
		Where("user_id = ? AND activity_type = ? AND activity_date >= ? AND activity_date < ?",
			userID, model.ActivityReview, from, to).
		Order("activity_date asc").
		Find(&ts).Error
	return ts, err
}

func (r *AnalyticsRepository) SubjectCounters(userID uint, since time.Time) ([]SubjectCounter, error) {
	var rows []SubjectCounter
	err := r.DB.Model(&model.MistakeRecord{}).
		Select(`subject,
			COUNT(*) AS mistakes,
			COALESCE(SUM(review_count), 0) AS reviews,
			COALESCE(SUM(correct_count), 0) AS correct,
			COALESCE(SUM(CASE WHEN mastery_status = ? THEN 1 ELSE 0 END), 0) AS mastered`, model.StatusMastered).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("subject").
		Scan(&rows).Error
	return rows, err
}

func (r *AnalyticsRepository) SubjectQuestionCounters(userID uint, since time.Time) ([]SubjectQuestionCounter, error) {
	var rows []SubjectQuestionCounter
	err := r.DB.Model(&model.Question{}).
		Select("subject, COUNT(*) AS questions").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("subject").
		Scan(&rows).Error
	return rows, err
}
