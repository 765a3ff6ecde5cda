package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"error_book_backend/internal/model"
	"error_book_backend/internal/testutil"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planReply(days int, day1Mistakes ...string) string {
	sections := make([]model.DailySection, 0, days)
	for d := days; d >= 1; d-- {
		sec := model.DailySection{Day: d, FocusKPs: []string{"因式分解"}, MistakesToReview: []string{}, Goal: fmt.Sprintf("第%d天目标", d)}
		if d == 1 {
			sec.MistakesToReview = day1Mistakes
		}
		sections = append(sections, sec)
	}
	raw, _ := json.Marshal(model.PlanContent{DailySections: sections})
	return "计划如下：\n" + string(raw)
}

func TestGeneratePlanWithAI(t *testing.T) {
	env := newTestEnv(t)
	mistake := testutil.CreateMistake(t, env.db, 1, "解方程")
	km := testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "因式分解", 0.3, 2, 0)
	testutil.Link(t, env.db, mistake.ID, km.ID, true)
	env.mock.AddResponse(llm.MockResponse{Content: planReply(7, mistake.ID, "made-up-id")})

	res, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days"})
	require.NoError(t, err)
	assert.False(t, res.Reused)

	plan := res.Plan
	assert.False(t, plan.IsFallback)
	assert.Equal(t, model.PlanDraft, plan.Status)
	assert.Equal(t, 1, plan.MistakeCount)
	assert.True(t, strings.HasPrefix(plan.Title, "7天错题复习计划"))
	require.NotNil(t, plan.ExpiredAt)
	assert.True(t, util.StartOfDay(time.Now()).AddDate(0, 0, 7).Equal(*plan.ExpiredAt))

	content := plan.Content()
	require.Len(t, content.DailySections, 7)
	assert.Equal(t, 1, content.DailySections[0].Day)
	assert.Equal(t, []string{mistake.ID}, content.DailySections[0].MistakesToReview)
	assert.Equal(t, 7, content.DailySections[6].Day)

	var kps []string
	require.NoError(t, json.Unmarshal(plan.KnowledgePoints, &kps))
	assert.Equal(t, []string{"因式分解"}, kps)

	require.True(t, strings.HasPrefix(plan.MarkdownURL, "/uploads/revision-plans/1/"))
	assert.Empty(t, plan.PDFURL)
	local := env.storage.Provider.(*LocalStorageProvider)
	md, err := os.ReadFile(filepath.Join(local.Config.LocalPath, strings.TrimPrefix(plan.MarkdownURL, "/uploads/")))
	require.NoError(t, err)
	assert.Contains(t, string(md), "## 第 1 天")
	assert.Contains(t, string(md), "- [ ] 解方程")
}

func TestGeneratePlanFallsBackToRoundRobin(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, testutil.CreateMistake(t, env.db, 1, fmt.Sprintf("错题%d", i)).ID)
	}
	km := testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "因式分解", 0.3, 2, 0)
	testutil.Link(t, env.db, ids[0], km.ID, true)

	res, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days"})
	require.NoError(t, err)
	assert.True(t, res.Plan.IsFallback)

	content := res.Plan.Content()
	require.Len(t, content.DailySections, 7)
	var scheduled []string
	for i, sec := range content.DailySections {
		assert.Equal(t, i+1, sec.Day)
		scheduled = append(scheduled, sec.MistakesToReview...)
	}
	assert.ElementsMatch(t, ids, scheduled)
	assert.Contains(t, content.DailySections[0].FocusKPs, "因式分解")
	assert.Equal(t, "回顾本周期已复习的错题", content.DailySections[6].Goal)
}

func TestRoundRobinPlanCoversEveryDay(t *testing.T) {
	mistakes := []model.MistakeRecord{{UUIDBase: model.UUIDBase{ID: "a"}}, {UUIDBase: model.UUIDBase{ID: "b"}}}
	content := RoundRobinPlan(mistakes, map[string][]string{"a": {"勾股定理"}}, []string{"勾股定理", "二次根式"}, 3)

	require.Len(t, content.DailySections, 3)
	assert.Equal(t, []string{"a"}, content.DailySections[0].MistakesToReview)
	assert.Equal(t, []string{"勾股定理"}, content.DailySections[0].FocusKPs)
	assert.Equal(t, []string{"二次根式"}, content.DailySections[1].FocusKPs)
	assert.Equal(t, "重做 1 道错题并写出错因", content.DailySections[1].Goal)
	assert.Empty(t, content.DailySections[2].MistakesToReview)
	assert.NotNil(t, content.DailySections[2].Exercises)
}

func TestNormalizePlanSchedulesEveryMistake(t *testing.T) {
	mistakes := []model.MistakeRecord{
		{UUIDBase: model.UUIDBase{ID: "a"}},
		{UUIDBase: model.UUIDBase{ID: "b"}},
		{UUIDBase: model.UUIDBase{ID: "c"}},
	}
	content := model.PlanContent{DailySections: []model.DailySection{
		{Day: 2, MistakesToReview: []string{"a"}},
		{Day: 1, MistakesToReview: []string{"a", "ghost"}},
	}}

	got, err := normalizePlan(content, mistakes, 2)
	require.NoError(t, err)

	require.Len(t, got.DailySections, 2)
	// 第 2 天先出现，重复的 a 在第 1 天被剔除
	assert.Equal(t, 1, got.DailySections[0].Day)
	assert.Equal(t, []string{"b"}, got.DailySections[0].MistakesToReview)
	assert.Equal(t, []string{"a", "c"}, got.DailySections[1].MistakesToReview)

	_, err = normalizePlan(content, mistakes, 3)
	assert.ErrorIs(t, err, util.ErrAISchema)
}

func TestGeneratePlanReusesActivePlan(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days"})
	require.NoError(t, err)

	again, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days"})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Plan.ID, again.Plan.ID)

	other, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "14days"})
	require.NoError(t, err)
	assert.False(t, other.Reused)
	assert.Len(t, other.Plan.Content().DailySections, 14)

	forced, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days", ForceRegenerate: true})
	require.NoError(t, err)
	assert.False(t, forced.Reused)
	assert.NotEqual(t, first.Plan.ID, forced.Plan.ID)
}

func TestGeneratePlanValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []GeneratePlanRequest{
		{CycleType: "3days"},
		{CycleType: "7days", DaysLookback: 400},
		{CycleType: "7days", DaysLookback: -1},
		{CycleType: "7days", Title: strings.Repeat("长", 201)},
	}
	for _, req := range cases {
		_, err := env.revision.Generate(context.Background(), 1, req)
		var appErr *util.AppError
		require.ErrorAs(t, err, &appErr, "%+v", req)
		assert.Equal(t, util.CodeValidation, appErr.Code)
	}
}

func TestPlanLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days", Title: "期中复习"})
	require.NoError(t, err)
	id := res.Plan.ID
	assert.Equal(t, "期中复习", res.Plan.Title)

	url, err := env.revision.Download(1, id, "md")
	require.NoError(t, err)
	assert.Equal(t, res.Plan.MarkdownURL, url)
	url, err = env.revision.Download(1, id, "pdf")
	require.NoError(t, err)
	assert.Equal(t, res.Plan.MarkdownURL, url)
	_, err = env.revision.Download(1, id, "docx")
	var appErr *util.AppError
	require.ErrorAs(t, err, &appErr)

	got, err := env.revision.Get(1, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ViewCount)
	assert.Equal(t, 2, got.DownloadCount)

	_, err = env.revision.Get(2, id)
	assert.ErrorIs(t, err, util.ErrPlanNotFound)

	published, err := env.revision.Publish(1, id)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPublished, published.Status)
	_, err = env.revision.Publish(1, id)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, util.CodeConflict, appErr.Code)

	plans, total, err := env.revision.List(1, "published", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, plans, 1)
	_, _, err = env.revision.List(1, "archived", 1, 10)
	require.ErrorAs(t, err, &appErr)

	completed, err := env.revision.Complete(1, id)
	require.NoError(t, err)
	assert.Equal(t, model.PlanCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)
	_, err = env.revision.Complete(1, id)
	require.ErrorAs(t, err, &appErr)

	require.NoError(t, env.revision.Delete(context.Background(), 1, id))
	_, err = env.revision.Get(1, id)
	assert.ErrorIs(t, err, util.ErrPlanNotFound)
	local := env.storage.Provider.(*LocalStorageProvider)
	_, err = os.Stat(filepath.Join(local.Config.LocalPath, strings.TrimPrefix(res.Plan.MarkdownURL, "/uploads/")))
	assert.True(t, os.IsNotExist(err))
}

func TestExpirePlans(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days"})
	require.NoError(t, err)
	done, err := env.revision.Generate(context.Background(), 1, GeneratePlanRequest{CycleType: "7days", ForceRegenerate: true})
	require.NoError(t, err)
	_, err = env.revision.Complete(1, done.Plan.ID)
	require.NoError(t, err)

	n, err := env.revision.ExpirePlans(time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = env.revision.ExpirePlans(time.Now().UTC().AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var stored model.RevisionPlan
	require.NoError(t, env.db.First(&stored, "id = ?", draft.Plan.ID).Error)
	assert.Equal(t, model.PlanExpired, stored.Status)
	require.NoError(t, env.db.First(&stored, "id = ?", done.Plan.ID).Error)
	assert.Equal(t, model.PlanCompleted, stored.Status)
}
