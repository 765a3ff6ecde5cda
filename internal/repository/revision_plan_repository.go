package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"errors"
	"time"

	"gorm.io/gorm"
)

type RevisionPlanRepository struct {
	DB *gorm.DB
}

func NewRevisionPlanRepository(db *gorm.DB) *RevisionPlanRepository {
	return &RevisionPlanRepository{DB: db}
}

func (r *RevisionPlanRepository) Create(p *model.RevisionPlan) error {
	return r.DB.Create(p).Error
}

func (r *RevisionPlanRepository) Save(p *model.RevisionPlan) error {
	return r.DB.Save(p).Error
}

func (r *RevisionPlanRepository) FindByIDForUser(id string, userID uint) (*model.RevisionPlan, error) {
	var p model.RevisionPlan
	err := r.DB.Where("id = ? AND user_id = ?", id, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindActive 未过期的草稿或已发布计划
func (r *RevisionPlanRepository) FindActive(userID uint, cycle model.CycleType, now time.Time) (*model.RevisionPlan, error) {
	var p model.RevisionPlan
	err := r.DB.Where("user_id = ? AND cycle_type = ? AND status IN ?", userID, cycle,
		[]model.PlanStatus{model.PlanDraft, model.PlanPublished}).
		Where("expired_at IS NULL OR expired_at > ?", now).
		Order("created_at desc").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RevisionPlanRepository) List(userID uint, status model.PlanStatus, page, pageSize int) ([]model.RevisionPlan, int64, error) {
	var ps []model.RevisionPlan
	var total int64
	query := r.DB.Model(&model.RevisionPlan{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Omit("plan_content").
		Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&ps).Error
	return ps, total, err
}

func (r *RevisionPlanRepository) Delete(id string) error {
	return r.DB.Where("id = ?", id).Delete(&model.RevisionPlan{}).Error
}

// IncrementCounter column 只能是 view_count 或 download_count
func (r *RevisionPlanRepository) IncrementCounter(id, column string) error {
	if column != "view_count" && column != "download_count" {
		return errors.New("unsupported counter column")
	}
	return r.DB.Model(&model.RevisionPlan{}).Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}

// ExpireBefore 把到期的草稿和已发布计划标记为 expired
func (r *RevisionPlanRepository) ExpireBefore(now time.Time) (int64, error) {
	res := r.DB.Model(&model.RevisionPlan{}).
		Where("status IN ? AND expired_at IS NOT NULL AND expired_at <= ?",
			[]model.PlanStatus{model.PlanDraft, model.PlanPublished}, now).
		Updates(map[string]interface{}{"status": model.PlanExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}
