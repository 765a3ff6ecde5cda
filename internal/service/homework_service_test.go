package service

import (
	"context"
	"testing"

	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const homeworkReply = "好的，我来批改：\n\n" + `{
  "corrections": [
    {"question_number": 3, "question_type": "填空题", "is_unanswered": true, "student_answer": null, "correct_answer": "x=2或x=3", "error_type": null, "explanation": "本题未作答，可用因式分解求解", "knowledge_points": ["一元二次方程"], "score": 0},
    {"question_number": 1, "question_type": "选择题", "is_unanswered": false, "student_answer": "B", "correct_answer": "B", "error_type": null, "explanation": "正确", "knowledge_points": ["勾股定理"], "score": 5},
    {"question_number": 2, "question_type": "计算题", "is_unanswered": false, "student_answer": "12", "correct_answer": "10", "error_type": "计算错误", "explanation": "移项时符号出错", "knowledge_points": ["毕达哥拉斯定理", "二次根式"], "score": 0}
  ],
  "summary": "基础尚可，注意计算",
  "overall_score": 5,
  "total_questions": 3,
  "unanswered_count": 1,
  "error_count": 1
}` + "\n\n祝进步！"

func TestCorrectHomeworkCreatesOneMistakePerWrongItem(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Content: homeworkReply, PromptTokens: 100, CompletionTokens: 200})

	res, err := env.homework.Correct(context.Background(), 5, HomeworkRequest{
		ImageURLs: []string{"/uploads/hw/1.jpg"},
		Subject:   "数学",
	})
	require.NoError(t, err)

	assert.Equal(t, model.SubjectMath, res.Subject)
	assert.Equal(t, 300, res.AITokensUsed)
	assert.Len(t, res.Correction.Corrections, 3)
	require.Len(t, res.MistakeIDs, 2)
	assert.Equal(t, 1, env.mock.CallCount())

	first, err := env.mistakeRepo.FindByIDForUser(res.MistakeIDs[0], 5)
	require.NoError(t, err)
	second, err := env.mistakeRepo.FindByIDForUser(res.MistakeIDs[1], 5)
	require.NoError(t, err)

	assert.Equal(t, 2, first.QuestionNumber)
	assert.Equal(t, model.SourceHomework, first.Source)
	assert.Equal(t, "12", first.StudentAnswer)
	assert.Equal(t, []string{"勾股定理", "二次根式"}, first.Feedback().KnowledgePoints)
	assert.Equal(t, []string{"/uploads/hw/1.jpg"}, first.Images())

	assert.Equal(t, 3, second.QuestionNumber)
	assert.True(t, second.IsUnanswered)

	links, err := env.linkRepo.FindByMistake(first.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, l := range links {
		assert.Equal(t, model.ErrorCalculation, l.ErrorType)
	}

	unansweredLinks, err := env.linkRepo.FindByMistake(second.ID)
	require.NoError(t, err)
	require.Len(t, unansweredLinks, 1)
	assert.Equal(t, model.ErrorKnowledgeGap, unansweredLinks[0].ErrorType)
}

func TestCorrectHomeworkUnparseableCreatesNothing(t *testing.T) {
	env := newTestEnv(t,
		llm.MockResponse{Content: "抱歉，图片太模糊，无法批改。"},
		llm.MockResponse{Content: homeworkReply},
	)
	req := HomeworkRequest{ImageURLs: []string{"/uploads/hw/2.jpg"}}

	_, err := env.homework.Correct(context.Background(), 5, req)
	assert.ErrorIs(t, err, util.ErrAISchema)

	var count int64
	env.db.Model(&model.MistakeRecord{}).Count(&count)
	assert.Zero(t, count)

	// 失败后幂等锁已释放，可以重试
	res, err := env.homework.Correct(context.Background(), 5, req)
	require.NoError(t, err)
	assert.Len(t, res.MistakeIDs, 2)
}

func TestCorrectHomeworkWithCitationPrefix(t *testing.T) {
	reply := "参考评分标准[1]：\n" + homeworkReply[len("好的，我来批改：\n\n"):]
	env := newTestEnv(t, llm.MockResponse{Content: reply})

	res, err := env.homework.Correct(context.Background(), 6, HomeworkRequest{ImageURLs: []string{"/uploads/hw/3.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Correction.TotalQuestions)
	assert.Len(t, res.MistakeIDs, 2)
}

func TestCorrectHomeworkRejectsDuplicateSubmission(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Content: homeworkReply})
	req := HomeworkRequest{ImageURLs: []string{"/uploads/a.jpg", "/uploads/b.jpg"}}

	_, err := env.homework.Correct(context.Background(), 9, req)
	require.NoError(t, err)

	req.ImageURLs = []string{"/uploads/b.jpg", "/uploads/a.jpg"}
	_, err = env.homework.Correct(context.Background(), 9, req)
	assert.ErrorIs(t, err, util.ErrDuplicateRequest)
	assert.Equal(t, 1, env.mock.CallCount())
}

func TestCorrectHomeworkValidatesImages(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.homework.Correct(context.Background(), 1, HomeworkRequest{ImageURLs: []string{" "}})

	var appErr *util.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, util.CodeValidation, appErr.Code)
}
