package service

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"time"
)

const (
	recencyWindow       = 7 * 24 * time.Hour
	forgettingWindow    = 30 * 24 * time.Hour
	recencyBoost        = 0.05
	consecutiveBonus    = 0.03
	maxConsecutiveBonus = 3
	forgettingDecay     = 0.9
)

// MasteryInputs 计算掌握度所需的输入。LastActivity 为本次更新之前的最近练习时间，
// RecentResults 按时间倒序，包含本次结果。
type MasteryInputs struct {
	CorrectCount  int
	TotalAttempts int
	LastActivity  *time.Time
	RecentResults []model.TrackResult
	Now           time.Time
}

// ComputeMastery 掌握度 = 正确率 + 近期加成 + 连续正确奖励，久未练习则衰减，结果截断到 [0,1] 并保留两位小数
func ComputeMastery(in MasteryInputs) float64 {
	total := in.TotalAttempts
	if total < 1 {
		total = 1
	}
	m := float64(in.CorrectCount) / float64(total)

	if in.LastActivity != nil && in.Now.Sub(*in.LastActivity) <= recencyWindow {
		m += recencyBoost
		if m > 1 {
			m = 1
		}
	}

	streak := 0
	for _, r := range in.RecentResults {
		if r != model.ResultCorrect || streak == maxConsecutiveBonus {
			break
		}
		streak++
	}
	m += consecutiveBonus * float64(streak)

	if in.LastActivity != nil && in.Now.Sub(*in.LastActivity) > forgettingWindow {
		m *= forgettingDecay
	}

	return util.Round2(util.Clamp01(m))
}

// ConfidenceFromAttempts 样本越多置信度越高，10 次以上视为充分
func ConfidenceFromAttempts(total int) float64 {
	if total >= 10 {
		return 1
	}
	return util.Round2(float64(total) / 10)
}
