package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"errors"

	"gorm.io/gorm"
)

type ReviewSessionRepository struct {
	DB *gorm.DB
}

func NewReviewSessionRepository(db *gorm.DB) *ReviewSessionRepository {
	return &ReviewSessionRepository{DB: db}
}

func (r *ReviewSessionRepository) WithTx(tx *gorm.DB) *ReviewSessionRepository {
	return &ReviewSessionRepository{DB: tx}
}

func (r *ReviewSessionRepository) Create(s *model.MistakeReviewSession) error {
	return r.DB.Create(s).Error
}

func (r *ReviewSessionRepository) Save(s *model.MistakeReviewSession) error {
	return r.DB.Save(s).Error
}

func (r *ReviewSessionRepository) FindByIDForUser(id string, userID uint) (*model.MistakeReviewSession, error) {
	var s model.MistakeReviewSession
	err := r.DB.Where("id = ? AND user_id = ?", id, userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindInProgress 错题当前进行中的会话
func (r *ReviewSessionRepository) FindInProgress(mistakeID string, userID uint) (*model.MistakeReviewSession, error) {
	var s model.MistakeReviewSession
	err := r.DB.Where("mistake_id = ? AND user_id = ? AND status = ?", mistakeID, userID, model.SessionInProgress).
		Order("created_at desc").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
