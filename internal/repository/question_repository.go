package repository

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"errors"

	"gorm.io/gorm"
)

type QuestionRepository struct {
	DB *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) *QuestionRepository {
	return &QuestionRepository{DB: db}
}

func (r *QuestionRepository) WithTx(tx *gorm.DB) *QuestionRepository {
	return &QuestionRepository{DB: tx}
}

func (r *QuestionRepository) CreateQuestion(q *model.Question) error {
	return r.DB.Create(q).Error
}

func (r *QuestionRepository) CreateAnswer(a *model.Answer) error {
	return r.DB.Create(a).Error
}

func (r *QuestionRepository) FindQuestionForUser(id string, userID uint) (*model.Question, error) {
	var q model.Question
	err := r.DB.Where("id = ? AND user_id = ?", id, userID).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// QAPair 一轮问答
type QAPair struct {
	Question model.Question
	Answer   *model.Answer
}

// RecentHistory 会话内最近 limit 轮问答，按时间正序返回
func (r *QuestionRepository) RecentHistory(userID uint, sessionID string, limit int) ([]QAPair, error) {
	var qs []model.Question
	err := r.DB.Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at desc").
		Limit(limit).
		Find(&qs).Error
	if err != nil || len(qs) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	var as []model.Answer
	if err := r.DB.Where("question_id IN ?", ids).Find(&as).Error; err != nil {
		return nil, err
	}
	byQuestion := make(map[string]*model.Answer, len(as))
	for i := range as {
		byQuestion[as[i].QuestionID] = &as[i]
	}

	pairs := make([]QAPair, 0, len(qs))
	for i := len(qs) - 1; i >= 0; i-- {
		pairs = append(pairs, QAPair{Question: qs[i], Answer: byQuestion[qs[i].ID]})
	}
	return pairs, nil
}
