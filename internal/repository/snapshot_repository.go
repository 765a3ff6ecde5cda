package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"errors"
	"time"

	"gorm.io/gorm"
)

type SnapshotRepository struct {
	DB *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{DB: db}
}

func (r *SnapshotRepository) WithTx(tx *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{DB: tx}
}

func (r *SnapshotRepository) Create(s *model.UserKnowledgeGraphSnapshot) error {
	return r.DB.Create(s).Error
}

func (r *SnapshotRepository) Save(s *model.UserKnowledgeGraphSnapshot) error {
	return r.DB.Save(s).Error
}

func (r *SnapshotRepository) FindByIDForUser(id string, userID uint) (*model.UserKnowledgeGraphSnapshot, error) {
	var s model.UserKnowledgeGraphSnapshot
	err := r.DB.Where("id = ? AND user_id = ?", id, userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindLatest 最近一次快照；excludeID 非空时跳过该快照
func (r *SnapshotRepository) FindLatest(userID uint, subject model.Subject, excludeID string) (*model.UserKnowledgeGraphSnapshot, error) {
	var s model.UserKnowledgeGraphSnapshot
	query := r.DB.Where("user_id = ? AND subject = ?", userID, subject)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	err := query.Order("snapshot_date desc, created_at desc").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindForDay 同一天同一类型的快照（唯一）
func (r *SnapshotRepository) FindForDay(userID uint, subject model.Subject, day time.Time, period model.PeriodType) (*model.UserKnowledgeGraphSnapshot, error) {
	var s model.UserKnowledgeGraphSnapshot
	err := r.DB.Where("user_id = ? AND subject = ? AND snapshot_date = ? AND period_type = ?", userID, subject, day, period).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SnapshotRepository) ListByUserSubject(userID uint, subject model.Subject, limit int) ([]model.UserKnowledgeGraphSnapshot, error) {
	var ss []model.UserKnowledgeGraphSnapshot
	err := r.DB.Select("id, created_at, updated_at, user_id, subject, snapshot_date, period_type, total_mistakes, average_mastery, improvement_trend, previous_snapshot_id").
		Where("user_id = ? AND subject = ?", userID, subject).
		Order("snapshot_date desc, created_at desc").
		Limit(limit).
		Find(&ss).Error
	return ss, err
}

// DeleteDailyBefore 清理过期的每日快照，并断开指向它们的 previous_snapshot_id
func (r *SnapshotRepository) DeleteDailyBefore(cutoff time.Time) (int64, error) {
	sub := r.DB.Model(&model.UserKnowledgeGraphSnapshot{}).
		Select("id").
		Where("period_type = ? AND snapshot_date < ?", model.PeriodDaily, cutoff)

	var ids []string
	if err := sub.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := r.DB.Model(&model.UserKnowledgeGraphSnapshot{}).
		Where("previous_snapshot_id IN ?", ids).
		Update("previous_snapshot_id", nil).Error; err != nil {
		return 0, err
	}

	res := r.DB.Where("id IN ?", ids).Delete(&model.UserKnowledgeGraphSnapshot{})
	return res.RowsAffected, res.Error
}
