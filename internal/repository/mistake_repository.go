package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"errors"
	"time"

	"gorm.io/gorm"
)

type MistakeRepository struct {
	DB *gorm.DB
}

func NewMistakeRepository(db *gorm.DB) *MistakeRepository {
	return &MistakeRepository{DB: db}
}

// WithTx 返回绑定到事务的仓储
func (r *MistakeRepository) WithTx(tx *gorm.DB) *MistakeRepository {
	return &MistakeRepository{DB: tx}
}

// MistakeFilter 错题列表筛选条件
type MistakeFilter struct {
	UserID        uint
	Subject       model.Subject
	Source        model.MistakeSource
	MasteryStatus model.MasteryStatus
	Page          int
	PageSize      int
}

// UserSubject 一个 (用户, 学科) 对
type UserSubject struct {
	UserID  uint
	Subject model.Subject
}

func (r *MistakeRepository) Create(m *model.MistakeRecord) error {
	return r.DB.Create(m).Error
}

// FindByIDForUser 不属于该用户的错题与不存在同样处理
func (r *MistakeRepository) FindByIDForUser(id string, userID uint) (*model.MistakeRecord, error) {
	var m model.MistakeRecord
	err := r.DB.Where("id = ? AND user_id = ?", id, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrMistakeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MistakeRepository) FindByIDs(ids []string) ([]model.MistakeRecord, error) {
	var ms []model.MistakeRecord
	if len(ids) == 0 {
		return ms, nil
	}
	err := r.DB.Where("id IN ?", ids).Find(&ms).Error
	return ms, err
}

func (r *MistakeRepository) List(f MistakeFilter) ([]model.MistakeRecord, int64, error) {
	var ms []model.MistakeRecord
	var total int64

	query := r.DB.Model(&model.MistakeRecord{}).Where("user_id = ?", f.UserID)
	if f.Subject != "" {
		query = query.Where("subject = ?", f.Subject)
	}
	if f.Source != "" {
		query = query.Where("source = ?", f.Source)
	}
	if f.MasteryStatus != "" {
		query = query.Where("mastery_status = ?", f.MasteryStatus)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (f.Page - 1) * f.PageSize
	err := query.Order("created_at desc, question_number asc").Offset(offset).Limit(f.PageSize).Find(&ms).Error
	return ms, total, err
}

// UpdateVersioned 乐观锁更新，版本不一致时返回 util.ErrStaleWrite
func (r *MistakeRepository) UpdateVersioned(m *model.MistakeRecord, fields map[string]interface{}) error {
	fields["version"] = gorm.Expr("version + 1")
	fields["updated_at"] = time.Now().UTC()

	res := r.DB.Model(&model.MistakeRecord{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return util.ErrStaleWrite
	}
	m.Version++
	return nil
}

// Delete 硬删除错题，并级联删除关联、复习会话与学习轨迹
func (r *MistakeRepository) Delete(id string) error {
	if err := r.DB.Where("mistake_id = ?", id).Delete(&model.MistakeKnowledgePoint{}).Error; err != nil {
		return err
	}
	if err := r.DB.Where("mistake_id = ?", id).Delete(&model.MistakeReviewSession{}).Error; err != nil {
		return err
	}
	if err := r.DB.Where("mistake_id = ?", id).Delete(&model.KnowledgePointLearningTrack{}).Error; err != nil {
		return err
	}
	return r.DB.Where("id = ?", id).Delete(&model.MistakeRecord{}).Error
}

// FindDue 到期待复习的错题，逾期最久的在前
func (r *MistakeRepository) FindDue(userID uint, now time.Time, limit int) ([]model.MistakeRecord, error) {
	var ms []model.MistakeRecord
	err := r.DB.Where("user_id = ? AND next_review_at IS NOT NULL AND next_review_at <= ?", userID, now).
		Order("next_review_at asc").
		Limit(limit).
		Find(&ms).Error
	return ms, err
}

func (r *MistakeRepository) FindInRange(userID uint, from, to time.Time) ([]model.MistakeRecord, error) {
	var ms []model.MistakeRecord
	err := r.DB.Where("user_id = ? AND created_at >= ? AND created_at <= ?", userID, from, to).
		Order("subject asc, created_at asc").
		Find(&ms).Error
	return ms, err
}

func (r *MistakeRepository) CountByUserSubject(userID uint, subject model.Subject) (int64, error) {
	var n int64
	err := r.DB.Model(&model.MistakeRecord{}).Where("user_id = ? AND subject = ?", userID, subject).Count(&n).Error
	return n, err
}

// ActiveUserSubjects 最近有错题、提问或学习轨迹的用户，展开为其错题中出现过的学科
func (r *MistakeRepository) ActiveUserSubjects(since time.Time) ([]UserSubject, error) {
	activeIDs := map[uint]struct{}{}

	var ids []uint
	if err := r.DB.Model(&model.MistakeRecord{}).Where("updated_at >= ?", since).Distinct().Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		activeIDs[id] = struct{}{}
	}

	ids = nil
	if err := r.DB.Model(&model.Question{}).Where("created_at >= ?", since).Distinct().Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		activeIDs[id] = struct{}{}
	}

	ids = nil
	if err := r.DB.Model(&model.KnowledgePointLearningTrack{}).Where("activity_date >= ?", since).Distinct().Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		activeIDs[id] = struct{}{}
	}

	if len(activeIDs) == 0 {
		return nil, nil
	}
	users := make([]uint, 0, len(activeIDs))
	for id := range activeIDs {
		users = append(users, id)
	}

	var pairs []UserSubject
	err := r.DB.Model(&model.MistakeRecord{}).
		Select("DISTINCT user_id, subject").
		Where("user_id IN ?", users).
		Order("user_id asc, subject asc").
		Scan(&pairs).Error
	return pairs, err
}

// SubjectsForUser 用户错题中出现过的学科
func (r *MistakeRepository) SubjectsForUser(userID uint) ([]model.Subject, error) {
	var subjects []model.Subject
	err := r.DB.Model(&model.MistakeRecord{}).Where("user_id = ?", userID).Distinct().Order("subject asc").Pluck("subject", &subjects).Error
	return subjects, err
}
