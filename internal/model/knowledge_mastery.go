package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 掌握度分段阈值
const (
	MasteryWeakThreshold     = 0.4
	MasteryMasteredThreshold = 0.7
)

type MasteryBucket string

const (
	BucketWeak     MasteryBucket = "weak"
	BucketLearning MasteryBucket = "learning"
	BucketMastered MasteryBucket = "mastered"
)

func BucketOf(level float64) MasteryBucket {
	switch {
	case level < MasteryWeakThreshold:
		return BucketWeak
	case level < MasteryMasteredThreshold:
		return BucketLearning
	default:
		return BucketMastered
	}
}

// CurvePoint 学习曲线上的一个点
type CurvePoint struct {
	At      time.Time `json:"at"`
	Mastery float64   `json:"mastery"`
	Result  string    `json:"result"`
}

// KnowledgeMastery 用户在某学科某知识点上的掌握情况，(user_id, subject, knowledge_point) 唯一
type KnowledgeMastery struct {
	UUIDBase
	UserID          uint           `gorm:"not null;uniqueIndex:uk_mastery_user_subject_kp,priority:1" json:"userId"`
	Subject         Subject        `gorm:"type:varchar(20);not null;uniqueIndex:uk_mastery_user_subject_kp,priority:2" json:"subject"`
	KnowledgePoint  string         `gorm:"size:100;not null;uniqueIndex:uk_mastery_user_subject_kp,priority:3" json:"knowledgePoint"`
	Code            string         `gorm:"size:50" json:"code,omitempty"`
	MasteryLevel    float64        `gorm:"default:0" json:"masteryLevel"`
	ConfidenceLevel float64        `gorm:"default:0" json:"confidenceLevel"`
	MistakeCount    int            `gorm:"default:0" json:"mistakeCount"`
	CorrectCount    int            `gorm:"default:0" json:"correctCount"`
	TotalAttempts   int            `gorm:"default:0" json:"totalAttempts"`
	LastPracticedAt *time.Time     `json:"lastPracticedAt"`
	FirstMasteredAt *time.Time     `json:"firstMasteredAt"`
	LearningCurve   datatypes.JSON `json:"learningCurve"`
	Version         int            `gorm:"default:1" json:"-"`
}

func (KnowledgeMastery) TableName() string {
	return "knowledge_masteries"
}

func (k *KnowledgeMastery) Curve() []CurvePoint {
	var points []CurvePoint
	if len(k.LearningCurve) > 0 {
		_ = json.Unmarshal(k.LearningCurve, &points)
	}
	return points
}

// MaxCurvePoints 曲线只保留最近的点
const MaxCurvePoints = 100

func (k *KnowledgeMastery) AppendCurve(p CurvePoint) {
	points := append(k.Curve(), p)
	if len(points) > MaxCurvePoints {
		points = points[len(points)-MaxCurvePoints:]
	}
	k.LearningCurve = MustJSON(points)
}
