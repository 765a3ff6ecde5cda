package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"time"

	"gorm.io/gorm"
)

type KnowledgeMasteryRepository struct {
	DB *gorm.DB
}

func NewKnowledgeMasteryRepository(db *gorm.DB) *KnowledgeMasteryRepository {
	return &KnowledgeMasteryRepository{DB: db}
}

func (r *KnowledgeMasteryRepository) WithTx(tx *gorm.DB) *KnowledgeMasteryRepository {
	return &KnowledgeMasteryRepository{DB: tx}
}

// FindByKey 未找到时返回 gorm.ErrRecordNotFound
func (r *KnowledgeMasteryRepository) FindByKey(userID uint, subject model.Subject, name string) (*model.KnowledgeMastery, error) {
	var km model.KnowledgeMastery
	err := r.DB.Where("user_id = ? AND subject = ? AND knowledge_point = ?", userID, subject, name).First(&km).Error
	if err != nil {
		return nil, err
	}
	return &km, nil
}

func (r *KnowledgeMasteryRepository) FindByID(id string) (*model.KnowledgeMastery, error) {
	var km model.KnowledgeMastery
	err := r.DB.Where("id = ?", id).First(&km).Error
	if err != nil {
		return nil, err
	}
	return &km, nil
}

func (r *KnowledgeMasteryRepository) FindByIDs(ids []string) ([]model.KnowledgeMastery, error) {
	var kms []model.KnowledgeMastery
	if len(ids) == 0 {
		return kms, nil
	}
	err := r.DB.Where("id IN ?", ids).Find(&kms).Error
	return kms, err
}

func (r *KnowledgeMasteryRepository) Create(km *model.KnowledgeMastery) error {
	return r.DB.Create(km).Error
}

// UpdateVersioned 写回计数与掌握度，版本不一致时返回 util.ErrStaleWrite
func (r *KnowledgeMasteryRepository) UpdateVersioned(km *model.KnowledgeMastery) error {
	res := r.DB.Model(&model.KnowledgeMastery{}).
		Where("id = ? AND version = ?", km.ID, km.Version).
		Updates(map[string]interface{}{
			"mastery_level":     km.MasteryLevel,
			"confidence_level":  km.ConfidenceLevel,
			"mistake_count":     km.MistakeCount,
			"correct_count":     km.CorrectCount,
			"total_attempts":    km.TotalAttempts,
			"last_practiced_at": km.LastPracticedAt,
			"first_mastered_at": km.FirstMasteredAt,
			"learning_curve":    km.LearningCurve,
			"version":           gorm.Expr("version + 1"),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return util.ErrStaleWrite
	}
	km.Version++
	return nil
}

// ListByUserSubject 按掌握度升序
func (r *KnowledgeMasteryRepository) ListByUserSubject(userID uint, subject model.Subject) ([]model.KnowledgeMastery, error) {
	var kms []model.KnowledgeMastery
	err := r.DB.Where("user_id = ? AND subject = ?", userID, subject).
		Order("mastery_level asc, mistake_count desc, knowledge_point asc").
		Find(&kms).Error
	return kms, err
}

func (r *KnowledgeMasteryRepository) ListByUser(userID uint) ([]model.KnowledgeMastery, error) {
	var kms []model.KnowledgeMastery
	err := r.DB.Where("user_id = ?", userID).
		Order("subject asc, mastery_level asc").
		Find(&kms).Error
	return kms, err
}

// ListWeak 掌握度低于阈值的知识点，错误次数多的在前
func (r *KnowledgeMasteryRepository) ListWeak(userID uint, threshold float64, limit int) ([]model.KnowledgeMastery, error) {
	var kms []model.KnowledgeMastery
	err := r.DB.Where("user_id = ? AND mastery_level < ?", userID, threshold).
		Order("mistake_count desc, mastery_level asc").
		Limit(limit).
		Find(&kms).Error
	return kms, err
}
