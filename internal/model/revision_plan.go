package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type CycleType string

const (
	Cycle7Days  CycleType = "7days"
	Cycle14Days CycleType = "14days"
	Cycle30Days CycleType = "30days"
)

// Days 周期对应的天数，非法值返回 0
func (c CycleType) Days() int {
	switch c {
	case Cycle7Days:
		return 7
	case Cycle14Days:
		return 14
	case Cycle30Days:
		return 30
	}
	return 0
}

type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanPublished PlanStatus = "published"
	PlanCompleted PlanStatus = "completed"
	PlanExpired   PlanStatus = "expired"
)

// DailySection 复习计划中的一天
type DailySection struct {
	Day              int      `json:"day"`
	FocusKPs         []string `json:"focus_kps"`
	MistakesToReview []string `json:"mistakes_to_review"`
	Exercises        []string `json:"exercises"`
	Goal             string   `json:"goal"`
}

type PlanContent struct {
	DailySections []DailySection `json:"daily_sections"`
}

type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RevisionPlan 复习计划
type RevisionPlan struct {
	UUIDBase
	UserID          uint           `gorm:"not null;index:idx_plan_user_cycle,priority:1" json:"userId"`
	Title           string         `gorm:"size:200;not null" json:"title"`
	Description     string         `gorm:"type:text" json:"description"`
	CycleType       CycleType      `gorm:"type:varchar(10);not null;index:idx_plan_user_cycle,priority:2" json:"cycleType"`
	Status          PlanStatus     `gorm:"type:varchar(20);not null;default:'draft'" json:"status"`
	MistakeCount    int            `json:"mistakeCount"`
	KnowledgePoints datatypes.JSON `json:"knowledgePoints"`
	DateRange       datatypes.JSON `json:"dateRange"`
	PlanContent     datatypes.JSON `json:"planContent"`
	IsFallback      bool           `gorm:"default:false" json:"isFallback"`
	PDFURL          string         `gorm:"size:500" json:"pdfUrl"`
	MarkdownURL     string         `gorm:"size:500" json:"markdownUrl"`
	ExpiredAt       *time.Time     `gorm:"index" json:"expiredAt"`
	CompletedAt     *time.Time     `json:"completedAt"`
	DownloadCount   int            `gorm:"default:0" json:"downloadCount"`
	ViewCount       int            `gorm:"default:0" json:"viewCount"`
	IsShared        bool           `gorm:"default:false" json:"isShared"`
}

func (RevisionPlan) TableName() string {
	return "revision_plans"
}

func (p *RevisionPlan) Content() PlanContent {
	var c PlanContent
	if len(p.PlanContent) > 0 {
		_ = json.Unmarshal(p.PlanContent, &c)
	}
	return c
}
