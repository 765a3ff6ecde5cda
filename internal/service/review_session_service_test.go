package service

import (
	"context"
	"testing"
	"time"

	"error_book_backend/internal/model"
	"error_book_backend/internal/testutil"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestStartReviewResumesInProgressSession(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")

	first, err := env.review.Start(1, m.ID)
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	assert.Equal(t, model.SessionInProgress, first.Session.Status)
	assert.Empty(t, first.Question.CorrectAnswer)

	second, err := env.review.Start(1, m.ID)
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	_, err = env.review.Start(2, m.ID)
	assert.ErrorIs(t, err, util.ErrMistakeNotFound)
}

func TestSubmitSkipCompletesSession(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	res, err := env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Skip: true})
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, model.ResultSkipped, res.Verdict)
	require.NotNil(t, res.Performance)
	assert.Equal(t, 0.0, *res.Performance)
	assert.Equal(t, "42", res.Answer)
	assert.Zero(t, env.mock.CallCount())

	stored, err := env.mistakeRepo.FindByIDForUser(m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ReviewCount)
	require.NotNil(t, stored.NextReviewAt)
	assert.True(t, stored.NextReviewAt.After(time.Now().UTC()))

	tracks, err := env.trackRepo.FindByMistake(m.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, model.ResultSkipped, tracks[0].Result)

	got, err := env.review.Get(1, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Session.Status)
	assert.Equal(t, "42", got.Question.CorrectAnswer)

	_, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "x"})
	assert.ErrorIs(t, err, util.ErrSessionCompleted)
}

func TestSubmitCorrectAnswer(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Content: `{"is_correct": true, "feedback": "完全正确"}`})
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	res, err := env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "42"})
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, model.ResultCorrect, res.Verdict)
	assert.Equal(t, "完全正确", res.Feedback)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Schedule)
	assert.Equal(t, 1, res.Schedule.IntervalDays)
	assert.Equal(t, 1, res.Schedule.CorrectCount)
}

func TestSubmitWrongAnswersUntilAttemptsExhausted(t *testing.T) {
	wrong := llm.MockResponse{Content: `{"is_correct": false, "partial": false, "feedback": "不对", "hint": "再想想"}`}
	partial := llm.MockResponse{Content: `{"is_correct": false, "partial": true, "hint": "接近了"}`}
	env := newTestEnv(t, wrong, wrong, partial)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	res, err := env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "1"})
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, "再想想", res.Hint)
	assert.Equal(t, 2, res.NextStage)
	assert.Empty(t, res.Answer)

	res, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "2"})
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, 3, res.NextStage)

	res, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "41"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, model.ResultPartial, res.Verdict)
	assert.Equal(t, 3, res.Attempts)
	require.NotNil(t, res.Performance)
	assert.Equal(t, 0.3, *res.Performance)
	assert.Equal(t, "42", res.Answer)
}

func TestSubmitJudgeFailureCountsNonFinalAttempt(t *testing.T) {
	env := newTestEnv(t,
		llm.MockResponse{Content: "我觉得还行"},
		llm.MockResponse{Content: "还是不确定"},
		llm.MockResponse{Content: "无法判断"},
		llm.MockResponse{Content: `{"is_correct": true, "partial": false, "feedback": "对了"}`},
	)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		_, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "42"})
		assert.ErrorIs(t, err, util.ErrAISchema)

		got, err := env.review.Get(1, view.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Session.Attempts)
		assert.Equal(t, model.SessionInProgress, got.Session.Status)
	}

	// 已到上限前一次，判分失败不再计数，会话不会因此结束
	_, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "42"})
	assert.ErrorIs(t, err, util.ErrAISchema)
	got, err := env.review.Get(1, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Session.Attempts)
	assert.Equal(t, model.SessionInProgress, got.Session.Status)

	res, err := env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "42"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, model.ResultCorrect, res.Verdict)
}

func TestSubmitRequiresAnswer(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	_, err = env.review.Submit(context.Background(), 1, view.Session.ID, SubmitRequest{Answer: "  "})
	var appErr *util.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, util.CodeValidation, appErr.Code)
}

func TestAbandonSession(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)

	sess, err := env.review.Abandon(1, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAbandoned, sess.Status)

	_, err = env.review.Abandon(1, view.Session.ID)
	assert.ErrorIs(t, err, util.ErrSessionCompleted)

	stored, err := env.mistakeRepo.FindByIDForUser(m.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, stored.ReviewCount)
	assert.Nil(t, stored.NextReviewAt)

	// 放弃后可以重新开始
	again, err := env.review.Start(1, m.ID)
	require.NoError(t, err)
	assert.False(t, again.Resumed)
	assert.NotEqual(t, view.Session.ID, again.Session.ID)
}

func TestSecondActiveSessionRejectedByDatabase(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")
	view, err := env.review.Start(1, m.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Session.ActiveKey)

	// 绕过 Start 的查询直接插入，模拟并发开始时另一方先提交
	dup := &model.MistakeReviewSession{MistakeID: m.ID, UserID: 1, CurrentStage: 1}
	dup.Open()
	assert.ErrorIs(t, env.db.Create(dup).Error, gorm.ErrDuplicatedKey)

	_, err = env.review.Abandon(1, view.Session.ID)
	require.NoError(t, err)
	// 结束的会话释放活动键，可以有多条
	_, err = env.review.Start(1, m.ID)
	require.NoError(t, err)

	var finished int64
	env.db.Model(&model.MistakeReviewSession{}).Where("mistake_id = ? AND active_key IS NULL", m.ID).Count(&finished)
	assert.EqualValues(t, 1, finished)
}
