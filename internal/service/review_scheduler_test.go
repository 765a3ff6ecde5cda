package service

import (
	"testing"
	"time"

	"error_book_backend/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestNextInterval(t *testing.T) {
	cases := []struct {
		reviewCount int
		difficulty  int
		performance float64
		want        int
	}{
		{0, 3, 1.0, 1},
		{1, 3, 1.0, 4},
		{2, 3, 1.0, 9},
		{3, 3, 0, 8},
		{6, 5, 1.0, 180},
		{10, 3, 1.0, 180},
		{0, 1, 0, 1},
		{4, 0, 1.0, 39},
		{2, 3, 7, 9},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextInterval(tc.reviewCount, tc.difficulty, tc.performance),
			"count=%d difficulty=%d perf=%v", tc.reviewCount, tc.difficulty, tc.performance)
	}
}

func TestNextIntervalMonotonicInPerformance(t *testing.T) {
	for count := 0; count < 8; count++ {
		prev := 0
		for p := 0.0; p <= 1.0; p += 0.1 {
			got := NextInterval(count, 3, p)
			assert.GreaterOrEqual(t, got, prev)
			assert.GreaterOrEqual(t, got, 1)
			assert.LessOrEqual(t, got, 180)
			prev = got
		}
	}
}

func TestComputeScheduleSequence(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	m := &model.MistakeRecord{Difficulty: 3, MasteryStatus: model.StatusLearning}

	var intervals []int
	var statuses []model.MasteryStatus
	for i := 0; i < 3; i++ {
		s := ComputeSchedule(m, ReviewOutcome{Performance: 1.0, Correct: true}, now)
		intervals = append(intervals, s.IntervalDays)
		statuses = append(statuses, s.Status)
		assert.Equal(t, now.AddDate(0, 0, s.IntervalDays), s.NextReviewAt)

		m.ReviewCount = s.ReviewCount
		m.CorrectCount = s.CorrectCount
		m.MasteryStatus = s.Status
	}

	assert.Equal(t, []int{1, 4, 9}, intervals)
	assert.Equal(t, 3, m.ReviewCount)
	assert.Equal(t, 3, m.CorrectCount)
	assert.Equal(t, []model.MasteryStatus{model.StatusReviewing, model.StatusReviewing, model.StatusMastered}, statuses)
}

func TestComputeScheduleForgotten(t *testing.T) {
	now := time.Now().UTC()
	m := &model.MistakeRecord{Difficulty: 3, ReviewCount: 4, CorrectCount: 4, MasteryStatus: model.StatusMastered}

	s := ComputeSchedule(m, ReviewOutcome{Performance: 0.2, Correct: false}, now)

	assert.Equal(t, model.StatusForgotten, s.Status)
	assert.Equal(t, model.StatusMastered, s.PreviousState)
	assert.Equal(t, 5, s.ReviewCount)
	assert.Equal(t, 4, s.CorrectCount)
	assert.True(t, s.NextReviewAt.After(now))
}

func TestComputeScheduleHighPerformanceNeedsThreeReviews(t *testing.T) {
	m := &model.MistakeRecord{Difficulty: 3, ReviewCount: 1, MasteryStatus: model.StatusReviewing}

	s := ComputeSchedule(m, ReviewOutcome{Performance: 1.0, Correct: true}, time.Now().UTC())

	assert.Equal(t, model.StatusReviewing, s.Status)
}
