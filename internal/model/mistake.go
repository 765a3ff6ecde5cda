package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type MistakeSource string

const (
	SourceHomework      MistakeSource = "homework"
	SourceLearningEmpty MistakeSource = "learning_empty"
	SourceLearningWrong MistakeSource = "learning_wrong"
	SourceLearningHard  MistakeSource = "learning_hard"
	SourceManual        MistakeSource = "manual"
)

func (s MistakeSource) Valid() bool {
	switch s {
	case SourceHomework, SourceLearningEmpty, SourceLearningWrong, SourceLearningHard, SourceManual:
		return true
	}
	return false
}

// IsLearning 来自问答的错题来源
func (s MistakeSource) IsLearning() bool {
	return s == SourceLearningEmpty || s == SourceLearningWrong || s == SourceLearningHard
}

type MasteryStatus string

const (
	StatusLearning  MasteryStatus = "learning"
	StatusReviewing MasteryStatus = "reviewing"
	StatusMastered  MasteryStatus = "mastered"
	StatusForgotten MasteryStatus = "forgotten"
)

// MistakeCategory 问答错题分类，与 learning_* 来源一一对应
type MistakeCategory string

const (
	CategoryEmptyQuestion MistakeCategory = "empty_question"
	CategoryWrongAnswer   MistakeCategory = "wrong_answer"
	CategoryHardQuestion  MistakeCategory = "hard_question"
)

func (c MistakeCategory) Source() (MistakeSource, bool) {
	switch c {
	case CategoryEmptyQuestion:
		return SourceLearningEmpty, true
	case CategoryWrongAnswer:
		return SourceLearningWrong, true
	case CategoryHardQuestion:
		return SourceLearningHard, true
	}
	return "", false
}

// AIFeedback 错题上的 AI 反馈，入库时序列化为 JSON
type AIFeedback struct {
	ErrorReason     string   `json:"error_reason,omitempty"`
	Explanation     string   `json:"explanation,omitempty"`
	KnowledgePoints []string `json:"knowledge_points"`
}

// MistakeRecord 错题
type MistakeRecord struct {
	UUIDBase
	UserID           uint           `gorm:"not null;index" json:"userId"`
	Subject          Subject        `gorm:"type:varchar(20);not null;index" json:"subject"`
	Title            string         `gorm:"size:200" json:"title"`
	ImageURLs        datatypes.JSON `json:"imageUrls"`
	OCRText          string         `gorm:"type:text" json:"ocrText"`
	AIFeedback       datatypes.JSON `json:"aiFeedback"`
	Difficulty       int            `gorm:"default:3" json:"difficulty"`
	MasteryStatus    MasteryStatus  `gorm:"type:varchar(20);default:'learning';index" json:"masteryStatus"`
	ReviewCount      int            `gorm:"default:0" json:"reviewCount"`
	CorrectCount     int            `gorm:"default:0" json:"correctCount"`
	LastReviewAt     *time.Time     `json:"lastReviewAt"`
	NextReviewAt     *time.Time     `gorm:"index" json:"nextReviewAt"`
	Source           MistakeSource  `gorm:"type:varchar(20);not null;index" json:"source"`
	SourceQuestionID *string        `gorm:"type:varchar(36);index" json:"sourceQuestionId,omitempty"`
	StudentAnswer    string         `gorm:"type:text" json:"studentAnswer,omitempty"`
	CorrectAnswer    string         `gorm:"type:text" json:"correctAnswer,omitempty"`
	QuestionNumber   int            `gorm:"default:1" json:"questionNumber"`
	IsUnanswered     bool           `gorm:"default:false" json:"isUnanswered"`
	QuestionType     string         `gorm:"size:50" json:"questionType"`
	ErrorType        string         `gorm:"size:50" json:"errorType"`
	Version          int            `gorm:"default:1" json:"-"`
}

func (MistakeRecord) TableName() string {
	return "mistake_records"
}

func (m *MistakeRecord) Images() []string {
	var urls []string
	if len(m.ImageURLs) > 0 {
		_ = json.Unmarshal(m.ImageURLs, &urls)
	}
	if urls == nil {
		urls = []string{}
	}
	return urls
}

func (m *MistakeRecord) SetImages(urls []string) {
	if urls == nil {
		urls = []string{}
	}
	m.ImageURLs = MustJSON(urls)
}

func (m *MistakeRecord) Feedback() AIFeedback {
	var fb AIFeedback
	if len(m.AIFeedback) > 0 {
		_ = json.Unmarshal(m.AIFeedback, &fb)
	}
	return fb
}

func (m *MistakeRecord) SetFeedback(fb AIFeedback) {
	if fb.KnowledgePoints == nil {
		fb.KnowledgePoints = []string{}
	}
	m.AIFeedback = MustJSON(fb)
}

// MustJSON 序列化为 datatypes.JSON，调用方保证值可序列化
func MustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}
