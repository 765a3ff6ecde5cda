package repository

import (
	"error_book_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MistakeKnowledgePointRepository struct {
	DB *gorm.DB
}

func NewMistakeKnowledgePointRepository(db *gorm.DB) *MistakeKnowledgePointRepository {
	return &MistakeKnowledgePointRepository{DB: db}
}

func (r *MistakeKnowledgePointRepository) WithTx(tx *gorm.DB) *MistakeKnowledgePointRepository {
	return &MistakeKnowledgePointRepository{DB: tx}
}

// BatchCreate 已存在的 (mistake_id, knowledge_point_id) 会被跳过，返回实际插入的行数
func (r *MistakeKnowledgePointRepository) BatchCreate(links []model.MistakeKnowledgePoint) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}
	res := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mistake_id"}, {Name: "knowledge_point_id"}},
		DoNothing: true,
	}).Create(&links)
	return res.RowsAffected, res.Error
}

func (r *MistakeKnowledgePointRepository) FindByMistake(mistakeID string) ([]model.MistakeKnowledgePoint, error) {
	var links []model.MistakeKnowledgePoint
	err := r.DB.Where("mistake_id = ?", mistakeID).
		Order("is_primary desc, relevance_score desc, created_at asc").
		Find(&links).Error
	return links, err
}

func (r *MistakeKnowledgePointRepository) FindByMistakes(mistakeIDs []string) ([]model.MistakeKnowledgePoint, error) {
	var links []model.MistakeKnowledgePoint
	if len(mistakeIDs) == 0 {
		return links, nil
	}
	err := r.DB.Where("mistake_id IN ?", mistakeIDs).Find(&links).Error
	return links, err
}

func (r *MistakeKnowledgePointRepository) FindByKnowledgePoints(kpIDs []string) ([]model.MistakeKnowledgePoint, error) {
	var links []model.MistakeKnowledgePoint
	if len(kpIDs) == 0 {
		return links, nil
	}
	err := r.DB.Where("knowledge_point_id IN ?", kpIDs).Find(&links).Error
	return links, err
}

func (r *MistakeKnowledgePointRepository) HasPrimary(mistakeID string) (bool, error) {
	var n int64
	err := r.DB.Model(&model.MistakeKnowledgePoint{}).
		Where("mistake_id = ? AND is_primary = ?", mistakeID, true).
		Count(&n).Error
	return n > 0, err
}

func (r *MistakeKnowledgePointRepository) Save(link *model.MistakeKnowledgePoint) error {
	return r.DB.Save(link).Error
}
