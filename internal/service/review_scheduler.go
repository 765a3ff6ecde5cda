package service

import (
	"error_book_backend/internal/model"
	"math"
	"time"
)

// BaseIntervalsDays 间隔重复基础间隔，按 min(review_count, 6) 取值
var BaseIntervalsDays = []int{1, 3, 7, 15, 30, 90, 180}

const (
	minIntervalDays   = 1
	maxIntervalDays   = 180
	masteredMinCount  = 3
	masteredMinPerf   = 0.9
	defaultDifficulty = 3
)

// ReviewOutcome 一次复习结果
type ReviewOutcome struct {
	Performance float64
	Correct     bool
}

// Schedule 应用复习结果后的错题状态
type Schedule struct {
	IntervalDays  int                 `json:"intervalDays"`
	NextReviewAt  time.Time           `json:"nextReviewAt"`
	Status        model.MasteryStatus `json:"masteryStatus"`
	ReviewCount   int                 `json:"reviewCount"`
	CorrectCount  int                 `json:"correctCount"`
	PreviousState model.MasteryStatus `json:"previousStatus"`
}

// NextInterval 间隔天数 = clamp(round(base × (0.5+0.8p) × (1+(d−3)×0.2)), 1, 180)
func NextInterval(reviewCount, difficulty int, performance float64) int {
	idx := reviewCount
	if idx < 0 {
		idx = 0
	}
	if idx > len(BaseIntervalsDays)-1 {
		idx = len(BaseIntervalsDays) - 1
	}
	if difficulty < 1 || difficulty > 5 {
		difficulty = defaultDifficulty
	}
	performance = math.Max(0, math.Min(1, performance))

	performanceFactor := 0.5 + 0.8*performance
	difficultyFactor := 1.0 + float64(difficulty-3)*0.2
	days := int(math.Round(float64(BaseIntervalsDays[idx]) * performanceFactor * difficultyFactor))

	if days < minIntervalDays {
		days = minIntervalDays
	}
	if days > maxIntervalDays {
		days = maxIntervalDays
	}
	return days
}

// ComputeSchedule 纯函数：间隔按复习前的次数取基础值，状态按复习后的次数判定。
// 已掌握的错题复习失败会转为 forgotten。
func ComputeSchedule(m *model.MistakeRecord, outcome ReviewOutcome, now time.Time) Schedule {
	interval := NextInterval(m.ReviewCount, m.Difficulty, outcome.Performance)

	s := Schedule{
		IntervalDays:  interval,
		NextReviewAt:  now.Add(time.Duration(interval) * 24 * time.Hour),
		ReviewCount:   m.ReviewCount + 1,
		CorrectCount:  m.CorrectCount,
		Status:        m.MasteryStatus,
		PreviousState: m.MasteryStatus,
	}
	if outcome.Correct {
		s.CorrectCount++
	}

	switch {
	case outcome.Performance >= masteredMinPerf && s.ReviewCount >= masteredMinCount:
		s.Status = model.StatusMastered
	case m.MasteryStatus == model.StatusMastered && !outcome.Correct:
		s.Status = model.StatusForgotten
	case s.ReviewCount > 0:
		s.Status = model.StatusReviewing
	}
	return s
}
