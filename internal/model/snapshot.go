package model

import (
	"time"

	"gorm.io/datatypes"
)

type PeriodType string

const (
	PeriodDaily    PeriodType = "daily"
	PeriodWeekly   PeriodType = "weekly"
	PeriodMonthly  PeriodType = "monthly"
	PeriodManual   PeriodType = "manual"
	PeriodBackfill PeriodType = "backfill"
)

func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodManual, PeriodBackfill:
		return true
	}
	return false
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// UserKnowledgeGraphSnapshot 知识图谱快照，(user, subject, snapshot_date, period_type) 唯一
type UserKnowledgeGraphSnapshot struct {
	UUIDBase
	UserID             uint           `gorm:"not null;uniqueIndex:uk_snapshot_day,priority:1;index:idx_snapshot_user_subject,priority:1" json:"userId"`
	Subject            Subject        `gorm:"type:varchar(20);not null;uniqueIndex:uk_snapshot_day,priority:2;index:idx_snapshot_user_subject,priority:2" json:"subject"`
	SnapshotDate       time.Time      `gorm:"type:date;not null;uniqueIndex:uk_snapshot_day,priority:3" json:"snapshotDate"`
	PeriodType         PeriodType     `gorm:"type:varchar(20);not null;uniqueIndex:uk_snapshot_day,priority:4" json:"periodType"`
	KnowledgePoints    datatypes.JSON `json:"knowledgePoints"`
	WeakChains         datatypes.JSON `json:"weakChains"`
	StrongAreas        datatypes.JSON `json:"strongAreas"`
	LearningProfile    string         `gorm:"type:text" json:"learningProfile"`
	AIRecommendations  string         `gorm:"type:text" json:"aiRecommendations"`
	TotalMistakes      int            `json:"totalMistakes"`
	AverageMastery     float64        `json:"averageMastery"`
	ImprovementTrend   Trend          `gorm:"type:varchar(20)" json:"improvementTrend"`
	PreviousSnapshotID *string        `gorm:"type:varchar(36)" json:"previousSnapshotId,omitempty"`
	GraphData          datatypes.JSON `json:"graphData"`
}

func (UserKnowledgeGraphSnapshot) TableName() string {
	return "user_knowledge_graph_snapshots"
}
