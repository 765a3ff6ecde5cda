package service

import (
	"context"
	"testing"
	"time"

	"error_book_backend/internal/model"
	"error_book_backend/internal/testutil"
	"error_book_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrendOf(t *testing.T) {
	cases := []struct {
		previous, current float64
		want              model.Trend
	}{
		{0.50, 0.58, model.TrendImproving},
		{0.50, 0.52, model.TrendStable},
		{0.50, 0.40, model.TrendDeclining},
		{0, 0.03, model.TrendStable},
		{0, 0.10, model.TrendImproving},
		{0.60, 0.60, model.TrendStable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TrendOf(c.previous, c.current), "%v -> %v", c.previous, c.current)
	}
}

func TestCreateSnapshotSameDayOverwrites(t *testing.T) {
	env := newTestEnv(t)
	testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "一元二次方程", 0.3, 2, 1)
	now := time.Now().UTC()

	first, err := env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodDaily, now)
	require.NoError(t, err)
	assert.Equal(t, model.TrendStable, first.ImprovementTrend)
	assert.Nil(t, first.PreviousSnapshotID)
	assert.Equal(t, 0.3, first.AverageMastery)
	assert.Contains(t, first.LearningProfile, "共 1 个知识点")

	testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "因式分解", 0.9, 0, 3)
	second, err := env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodDaily, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0.6, second.AverageMastery)

	var count int64
	require.NoError(t, env.db.Model(&model.UserKnowledgeGraphSnapshot{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// 不同类型的快照互不覆盖
	manual, err := env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodManual, now)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, manual.ID)
}

func TestCreateSnapshotValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.snapshot.Create(context.Background(), 1, model.Subject("天文"), model.PeriodDaily, time.Now())
	var appErr *util.AppError
	require.ErrorAs(t, err, &appErr)

	_, err = env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodType("hourly"), time.Now())
	require.ErrorAs(t, err, &appErr)
}

func TestSnapshotTrendAndCompare(t *testing.T) {
	env := newTestEnv(t)
	km := testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "一元二次方程", 0.2, 3, 0)
	testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "因式分解", 0.2, 2, 0)
	now := time.Now().UTC()

	earlier, err := env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodDaily, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	_, err = env.snapshot.Compare(1, earlier.ID, "")
	assert.ErrorIs(t, err, util.ErrSnapshotNotFound)

	require.NoError(t, env.db.Model(km).Update("mastery_level", 0.8).Error)
	later, err := env.snapshot.Create(context.Background(), 1, model.SubjectMath, model.PeriodDaily, now)
	require.NoError(t, err)
	require.NotNil(t, later.PreviousSnapshotID)
	assert.Equal(t, earlier.ID, *later.PreviousSnapshotID)
	assert.Equal(t, model.TrendImproving, later.ImprovementTrend)

	cmp, err := env.snapshot.Compare(1, later.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.PeriodDays)
	assert.Equal(t, 0, cmp.TotalChange)
	assert.Equal(t, 1, cmp.MasteredChange)
	assert.Equal(t, -1, cmp.WeakChange)
	assert.Equal(t, 0.3, cmp.MasteryRateChange)

	latest, err := env.snapshot.Latest(1, model.SubjectMath)
	require.NoError(t, err)
	assert.Equal(t, later.ID, latest.ID)

	history, err := env.snapshot.History(1, model.SubjectMath, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, later.ID, history[0].ID)

	_, err = env.snapshot.Get(2, later.ID)
	assert.ErrorIs(t, err, util.ErrSnapshotNotFound)
}

func TestRunDaily(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	testutil.CreateMistake(t, env.db, 1, "题目")
	testutil.CreateMistake(t, env.db, 1, "物理题", testutil.WithSubject(model.SubjectPhysics))
	testutil.CreateMastery(t, env.db, 1, model.SubjectMath, "一元二次方程", 0.3, 1, 0)

	old := &model.UserKnowledgeGraphSnapshot{
		UserID:           1,
		Subject:          model.SubjectMath,
		SnapshotDate:     util.StartOfDay(now).AddDate(0, 0, -120),
		PeriodType:       model.PeriodDaily,
		ImprovementTrend: model.TrendStable,
	}
	require.NoError(t, env.db.Create(old).Error)

	report, err := env.snapshot.RunDaily(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Pairs)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.EqualValues(t, 1, report.Pruned)

	snap, err := env.snapshot.Latest(1, model.SubjectMath)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodDaily, snap.PeriodType)
	assert.Equal(t, 1, snap.TotalMistakes)
	assert.Nil(t, snap.PreviousSnapshotID)

	again, err := env.snapshot.RunDaily(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestRunDailyCancelledReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	testutil.CreateMistake(t, env.db, 1, "题目")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.snapshot.RunDaily(ctx, now)
	assert.ErrorIs(t, err, context.Canceled)

	report, err := env.snapshot.RunDaily(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Succeeded)
}
