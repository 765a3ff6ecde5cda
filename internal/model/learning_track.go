package model

import (
	"time"

	"gorm.io/datatypes"
)

type ActivityType string

const (
	ActivityPractice        ActivityType = "practice"
	ActivityReview          ActivityType = "review"
	ActivityTest            ActivityType = "test"
	ActivityMistakeCreation ActivityType = "mistake_creation"
)

type TrackResult string

const (
	ResultCorrect   TrackResult = "correct"
	ResultIncorrect TrackResult = "incorrect"
	ResultPartial   TrackResult = "partial"
	ResultSkipped   TrackResult = "skipped"
)

// KnowledgePointLearningTrack 知识点学习轨迹，只追加不修改
type KnowledgePointLearningTrack struct {
	UUIDBase
	UserID              uint           `gorm:"not null;index:idx_track_user_kp,priority:1" json:"userId"`
	KnowledgePointID    string         `gorm:"type:varchar(36);not null;index:idx_track_user_kp,priority:2" json:"knowledgePointId"`
	MistakeID           *string        `gorm:"type:varchar(36);index" json:"mistakeId,omitempty"`
	ActivityType        ActivityType   `gorm:"type:varchar(30);not null" json:"activityType"`
	ActivityDate        time.Time      `gorm:"index" json:"activityDate"`
	Result              TrackResult    `gorm:"type:varchar(20)" json:"result"`
	MasteryBefore       float64        `json:"masteryBefore"`
	MasteryAfter        float64        `json:"masteryAfter"`
	ConfidenceLevel     int            `gorm:"default:3" json:"confidenceLevel"`
	TimeSpent           int            `gorm:"default:0" json:"timeSpent"`
	Difficulty          int            `gorm:"default:3" json:"difficulty"`
	ErrorDetails        datatypes.JSON `json:"errorDetails"`
	AIFeedback          datatypes.JSON `json:"aiFeedback"`
	ImprovementDetected bool           `gorm:"default:false" json:"improvementDetected"`
	Notes               string         `gorm:"type:text" json:"notes"`
}

func (KnowledgePointLearningTrack) TableName() string {
	return "knowledge_point_learning_tracks"
}
