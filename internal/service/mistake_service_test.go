package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"error_book_backend/internal/model"
	"error_book_backend/internal/testutil"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float64Ptr(v float64) *float64 { return &v }

func TestCreateMistakeLinksKnowledgePoints(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Content: kpReplyQuadratic, PromptTokens: 4, CompletionTokens: 6})

	res, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{
		Title:   "解方程 x^2-5x+6=0",
		OCRText: "x^2-5x+6=0，求 x",
	})
	require.NoError(t, err)

	assert.Equal(t, model.SourceManual, res.Mistake.Source)
	assert.Equal(t, model.SubjectMath, res.Mistake.Subject)
	assert.Equal(t, []string{"一元二次方程", "因式分解"}, res.KnowledgePoints)
	assert.Equal(t, 10, res.AITokensUsed)
	assert.False(t, res.IsFallback)

	detail, err := env.mistakes.Get(1, res.Mistake.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Links, 2)
	assert.Equal(t, string(model.ErrorKnowledgeGap), detail.ErrorType)

	tracks, err := env.trackRepo.FindByMistake(res.Mistake.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	for _, tr := range tracks {
		assert.Equal(t, model.ActivityMistakeCreation, tr.ActivityType)
		assert.Equal(t, model.ResultIncorrect, tr.Result)
	}
}

func TestCreateMistakeStoresDiagnosisOnLinks(t *testing.T) {
	reply := `{"knowledge_points": ["因式分解"], "error_type": "method_confusion", "error_reason": "十字相乘拆错",
"diagnosis": "对二次三项式的拆分不熟练", "improvement_suggestions": ["每天练习 5 道十字相乘", " ", "先验算再代入"]}`
	env := newTestEnv(t, llm.MockResponse{Content: reply})

	res, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{Subject: "数学", Title: "分解 x^2-5x+6", OCRText: "分解因式 x^2-5x+6"})
	require.NoError(t, err)

	links, err := env.linkRepo.FindByMistake(res.Mistake.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	var diagnosis map[string]string
	require.NoError(t, json.Unmarshal(links[0].AIDiagnosis, &diagnosis))
	assert.Equal(t, "对二次三项式的拆分不熟练", diagnosis["diagnosis"])
	assert.Equal(t, string(model.ErrorMethodConfusion), diagnosis["error_type"])

	var tips []string
	require.NoError(t, json.Unmarshal(links[0].ImprovementSuggestions, &tips))
	assert.Equal(t, []string{"每天练习 5 道十字相乘", "先验算再代入"}, tips)
}

func TestCreateMistakeUsesProvidedFeedback(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{
		Subject:    "物理",
		Title:      "斜面受力",
		AIFeedback: &model.AIFeedback{KnowledgePoints: []string{"牛顿第二运动定律", "受力分析"}},
		Difficulty: 4,
	})
	require.NoError(t, err)

	assert.Zero(t, env.mock.CallCount())
	assert.Equal(t, []string{"牛顿第二定律", "受力分析"}, res.KnowledgePoints)
	assert.Equal(t, 4, res.Mistake.Difficulty)
}

func TestCreateMistakeValidation(t *testing.T) {
	env := newTestEnv(t)
	qid := model.GenerateUUID()

	cases := []CreateMistakeRequest{
		{},
		{Title: "x", Difficulty: 6},
		{Title: "x", Source: "somewhere"},
		{Title: "x", Subject: "astrology"},
		{Title: "x", Source: "manual", SourceQuestionID: &qid},
	}
	for _, req := range cases {
		_, err := env.mistakes.Create(context.Background(), 1, req)
		var appErr *util.AppError
		require.ErrorAs(t, err, &appErr, "%+v", req)
		assert.Equal(t, util.CodeValidation, appErr.Code)
	}
}

func TestCreateMistakeRequiresOwnQuestion(t *testing.T) {
	env := newTestEnv(t)
	q := &model.Question{UserID: 2, Content: "别人的问题", Subject: model.SubjectMath}
	require.NoError(t, env.db.Create(q).Error)

	_, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{
		Title:            "x",
		Source:           string(model.SourceLearningHard),
		SourceQuestionID: &q.ID,
		AIFeedback:       &model.AIFeedback{KnowledgePoints: []string{"方程"}},
	})
	assert.ErrorIs(t, err, util.ErrQuestionNotFound)
}

func TestMistakeCRUDRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.mistakes.Create(context.Background(), 3, CreateMistakeRequest{
		Title:      "勾股定理应用",
		AIFeedback: &model.AIFeedback{KnowledgePoints: []string{"勾股定理"}},
	})
	require.NoError(t, err)
	id := res.Mistake.ID

	title := "勾股定理综合题"
	difficulty := 5
	status := model.StatusReviewing
	updated, err := env.mistakes.Update(3, id, UpdateMistakeRequest{Title: &title, Difficulty: &difficulty, MasteryStatus: &status})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, 5, updated.Difficulty)
	assert.Equal(t, model.StatusReviewing, updated.MasteryStatus)

	// 其他用户既不能读也不能改
	_, err = env.mistakes.Get(4, id)
	assert.ErrorIs(t, err, util.ErrMistakeNotFound)
	_, err = env.mistakes.Update(4, id, UpdateMistakeRequest{Title: &title})
	assert.ErrorIs(t, err, util.ErrMistakeNotFound)

	require.NoError(t, env.mistakes.Delete(3, id))
	_, err = env.mistakes.Get(3, id)
	assert.ErrorIs(t, err, util.ErrMistakeNotFound)

	links, err := env.linkRepo.FindByMistake(id)
	require.NoError(t, err)
	assert.Empty(t, links)
	tracks, err := env.trackRepo.FindByMistake(id)
	require.NoError(t, err)
	assert.Empty(t, tracks)

	// 知识点掌握度保留
	kms, err := env.masteryRepo.ListByUserSubject(3, model.SubjectMath)
	require.NoError(t, err)
	assert.Len(t, kms, 1)
}

func TestCreateMistakeRejectsUnusableKnowledgePoints(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{
		Subject:    "数学",
		Title:      "题目",
		AIFeedback: &model.AIFeedback{KnowledgePoints: []string{"  ", "？？"}},
	})
	assert.ErrorIs(t, err, util.ErrNoKnowledgePoints)
	assert.Equal(t, util.CodeKPNormalization, util.ToAppError(err).Code)
	assert.Zero(t, env.mock.CallCount())

	var count int64
	env.db.Model(&model.MistakeRecord{}).Count(&count)
	assert.Zero(t, count)
}

func TestUpdateMistakeRejectsInvalidFields(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题目")

	bad := 0
	_, err := env.mistakes.Update(1, m.ID, UpdateMistakeRequest{Difficulty: &bad})
	assert.Error(t, err)

	status := model.MasteryStatus("done")
	_, err = env.mistakes.Update(1, m.ID, UpdateMistakeRequest{MasteryStatus: &status})
	assert.Error(t, err)
}

func TestUpdateMistakeSubjectInferredFromContent(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "细胞分裂与DNA复制", testutil.WithSubject(model.SubjectBiology))

	empty := ""
	_, err := env.mistakes.Update(1, m.ID, UpdateMistakeRequest{Subject: &empty})
	var appErr *util.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, util.CodeValidation, appErr.Code)

	other := "其他"
	updated, err := env.mistakes.Update(1, m.ID, UpdateMistakeRequest{Subject: &other})
	require.NoError(t, err)
	assert.Equal(t, model.SubjectBiology, updated.Subject)

	// 同时修改题干时按新内容推断
	text := "小车在斜面上受力分析"
	updated, err = env.mistakes.Update(1, m.ID, UpdateMistakeRequest{Subject: &other, OCRText: &text})
	require.NoError(t, err)
	assert.Equal(t, model.SubjectPhysics, updated.Subject)
}

func TestListMistakesFilters(t *testing.T) {
	env := newTestEnv(t)
	testutil.CreateMistake(t, env.db, 1, "a")
	testutil.CreateMistake(t, env.db, 1, "b", testutil.WithSubject(model.SubjectPhysics))
	testutil.CreateMistake(t, env.db, 1, "c", func(m *model.MistakeRecord) { m.Source = model.SourceLearningWrong })
	testutil.CreateMistake(t, env.db, 2, "other user")

	all, total, err := env.mistakes.List(1, ListMistakesRequest{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, all, 3)

	physics, total, err := env.mistakes.List(1, ListMistakesRequest{Subject: "physics", Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "b", physics[0].Title)

	wrong, _, err := env.mistakes.List(1, ListMistakesRequest{Category: "wrong_answer", Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, wrong, 1)
	assert.Equal(t, "c", wrong[0].Title)

	page2, total, err := env.mistakes.List(1, ListMistakesRequest{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page2, 1)

	_, _, err = env.mistakes.List(1, ListMistakesRequest{Category: "nope", Page: 1, PageSize: 20})
	assert.Error(t, err)
}

func TestReviewMistakeSchedulesAndUpdatesMastery(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.mistakes.Create(context.Background(), 1, CreateMistakeRequest{
		Title:      "二次函数最值",
		AIFeedback: &model.AIFeedback{KnowledgePoints: []string{"二次函数"}},
	})
	require.NoError(t, err)
	id := res.Mistake.ID

	var intervals []int
	for i := 0; i < 3; i++ {
		applied, err := env.mistakes.Review(context.Background(), 1, id, ReviewRequest{Performance: float64Ptr(1.0)})
		require.NoError(t, err)
		intervals = append(intervals, applied.Schedule.IntervalDays)
		require.Len(t, applied.KnowledgePoints, 1)
	}
	assert.Equal(t, []int{1, 4, 9}, intervals)

	m, err := env.mistakeRepo.FindByIDForUser(id, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, m.ReviewCount)
	assert.Equal(t, 3, m.CorrectCount)
	assert.Equal(t, model.StatusMastered, m.MasteryStatus)
	require.NotNil(t, m.NextReviewAt)
	assert.True(t, m.NextReviewAt.After(time.Now().UTC()))

	km, err := env.masteryRepo.FindByKey(1, model.SubjectMath, "二次函数")
	require.NoError(t, err)
	assert.Equal(t, 4, km.TotalAttempts)
	assert.Equal(t, 3, km.CorrectCount)
	assert.Equal(t, 1, km.MistakeCount)
	assert.Equal(t, km.CorrectCount+km.MistakeCount, km.TotalAttempts)
	assert.Greater(t, km.MasteryLevel, 0.7)
	assert.NotNil(t, km.FirstMasteredAt)

	links, err := env.linkRepo.FindByMistake(id)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].MasteredAfterReview)
	assert.Equal(t, 3, links[0].ReviewCount)
}

func TestReviewMistakeWithoutLinksRecordsMistakeTrack(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "无知识点")

	applied, err := env.mistakes.Review(context.Background(), 1, m.ID, ReviewRequest{Performance: float64Ptr(0.3)})
	require.NoError(t, err)
	assert.Empty(t, applied.KnowledgePoints)
	assert.Equal(t, model.StatusReviewing, applied.Mistake.MasteryStatus)
	assert.Equal(t, 0, applied.Mistake.CorrectCount)

	tracks, err := env.trackRepo.FindByMistake(m.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, model.ActivityReview, tracks[0].ActivityType)
	assert.Equal(t, model.ResultIncorrect, tracks[0].Result)
}

func TestReviewMistakeValidatesPerformance(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.CreateMistake(t, env.db, 1, "题")

	_, err := env.mistakes.Review(context.Background(), 1, m.ID, ReviewRequest{Performance: float64Ptr(1.5)})
	assert.Error(t, err)
	_, err = env.mistakes.Review(context.Background(), 1, m.ID, ReviewRequest{})
	assert.Error(t, err)
}

func TestDueMistakes(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	testutil.CreateMistake(t, env.db, 1, "overdue", testutil.WithNextReviewAt(now.Add(-48*time.Hour)))
	testutil.CreateMistake(t, env.db, 1, "due", testutil.WithNextReviewAt(now.Add(-time.Hour)))
	testutil.CreateMistake(t, env.db, 1, "future", testutil.WithNextReviewAt(now.Add(48*time.Hour)))
	testutil.CreateMistake(t, env.db, 1, "never reviewed")

	due, err := env.mistakes.Due(1, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "overdue", due[0].Title)
	assert.Equal(t, "due", due[1].Title)
}
