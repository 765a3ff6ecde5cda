package model

import "time"

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// MistakeReviewSession 单道错题的交互式复习会话
type MistakeReviewSession struct {
	UUIDBase
	MistakeID string `gorm:"type:varchar(36);not null;index" json:"mistakeId"`
	// ActiveKey 进行中时等于 MistakeID，结束后置空；唯一索引保证每道错题至多一个进行中会话
	ActiveKey    *string       `gorm:"type:varchar(36);uniqueIndex" json:"-"`
	UserID       uint          `gorm:"not null;index" json:"userId"`
	Status       SessionStatus `gorm:"type:varchar(20);not null;default:'in_progress'" json:"status"`
	CurrentStage int           `gorm:"default:1" json:"currentStage"`
	Attempts     int           `gorm:"default:0" json:"attempts"`
	LastVerdict  string        `gorm:"size:20" json:"lastVerdict,omitempty"`
	LastHint     string        `gorm:"type:text" json:"lastHint,omitempty"`
	Performance  *float64      `json:"performance,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

func (MistakeReviewSession) TableName() string {
	return "mistake_review_sessions"
}

// Open 标记为进行中并占用错题的唯一活动键
func (s *MistakeReviewSession) Open() {
	key := s.MistakeID
	s.Status = SessionInProgress
	s.ActiveKey = &key
}

// Finish 结束会话并释放活动键
func (s *MistakeReviewSession) Finish(status SessionStatus, at time.Time) {
	s.Status = status
	s.CompletedAt = &at
	s.ActiveKey = nil
}
