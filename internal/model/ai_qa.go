package model

import "gorm.io/datatypes"

// Question 学习问答中的一次提问，错题可通过 source_question_id 回溯到这里
type Question struct {
	UUIDBase
	UserID       uint           `gorm:"not null;index" json:"userId"`
	SessionID    string         `gorm:"size:50;index" json:"sessionId"` // 会话 ID，用于切断历史边界
	Content      string         `gorm:"type:text;not null" json:"content"`
	QuestionType string         `gorm:"size:50" json:"questionType"`
	Subject      Subject        `gorm:"type:varchar(20)" json:"subject"`
	ImageURLs    datatypes.JSON `json:"imageUrls"`
}

func (Question) TableName() string {
	return "questions"
}

// Answer AI 对 Question 的回答
type Answer struct {
	UUIDBase
	QuestionID string `gorm:"type:varchar(36);not null;index" json:"questionId"`
	UserID     uint   `gorm:"not null;index" json:"userId"`
	Content    string `gorm:"type:text;not null" json:"content"`
	Model      string `gorm:"size:100" json:"model"`
	TokensUsed int    `json:"tokensUsed"`
}

func (Answer) TableName() string {
	return "answers"
}
