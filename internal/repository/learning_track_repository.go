package repository

import (
	"error_book_backend/internal/model"

	"gorm.io/gorm"
)

// LearningTrackRepository 学习轨迹只追加
type LearningTrackRepository struct {
	DB *gorm.DB
}

func NewLearningTrackRepository(db *gorm.DB) *LearningTrackRepository {
	return &LearningTrackRepository{DB: db}
}

func (r *LearningTrackRepository) WithTx(tx *gorm.DB) *LearningTrackRepository {
	return &LearningTrackRepository{DB: tx}
}

func (r *LearningTrackRepository) Create(t *model.KnowledgePointLearningTrack) error {
	return r.DB.Create(t).Error
}

// Recent 某知识点最近的轨迹，最新的在前
func (r *LearningTrackRepository) Recent(userID uint, kpID string, limit int) ([]model.KnowledgePointLearningTrack, error) {
	var ts []model.KnowledgePointLearningTrack
	err := r.DB.Where("user_id = ? AND knowledge_point_id = ?", userID, kpID).
		Order("activity_date desc, created_at desc").
		Limit(limit).
		Find(&ts).Error
	return ts, err
}

func (r *LearningTrackRepository) FindByMistake(mistakeID string) ([]model.KnowledgePointLearningTrack, error) {
	var ts []model.KnowledgePointLearningTrack
	err := r.DB.Where("mistake_id = ?", mistakeID).Order("activity_date asc").Find(&ts).Error
	return ts, err
}
