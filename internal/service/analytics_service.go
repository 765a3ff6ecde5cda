package service

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// 未指定起止时间时各粒度默认回看的桶数
var defaultBuckets = map[Period]int{
	PeriodDaily:   30,
	PeriodWeekly:  12,
	PeriodMonthly: 6,
}

const maxProgressBuckets = 366

type AnalyticsService struct {
	Repo        *repository.AnalyticsRepository
	MasteryRepo *repository.KnowledgeMasteryRepository
}

func NewAnalyticsService(repo *repository.AnalyticsRepository, masteryRepo *repository.KnowledgeMasteryRepository) *AnalyticsService {
	return &AnalyticsService{Repo: repo, MasteryRepo: masteryRepo}
}

// ProgressBucket 一个时间桶内的学习数据
type ProgressBucket struct {
	Period         string `json:"period"`
	Start          string `json:"start"`
	Mistakes       int    `json:"mistakes"`
	Questions      int    `json:"questions"`
	Reviews        int    `json:"reviews"`
	CorrectReviews int    `json:"correct_reviews"`
	Mastered       int    `json:"mastered"`
}

type ProgressReport struct {
	Period  Period           `json:"period"`
	Start   string           `json:"start"`
	End     string           `json:"end"`
	Buckets []ProgressBucket `json:"buckets"`
}

// bucketStart 把时间对齐到所在桶的起点（UTC），周以周一为起点
func bucketStart(p Period, t time.Time) time.Time {
	d := util.StartOfDay(t)
	switch p {
	case PeriodWeekly:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return d
}

func nextBucket(p Period, t time.Time) time.Time {
	switch p {
	case PeriodWeekly:
		return t.AddDate(0, 0, 7)
	case PeriodMonthly:
		return t.AddDate(0, 1, 0)
	}
	return t.AddDate(0, 0, 1)
}

func bucketLabel(p Period, t time.Time) string {
	switch p {
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PeriodMonthly:
		return t.Format("2006-01")
	}
	return t.Format(util.DateFormat)
}

// Progress 按日/周/月统计错题、提问与复习；start、end 为 yyyy-mm-dd，end 含当天
func (s *AnalyticsService) Progress(userID uint, period, start, end string, now time.Time) (*ProgressReport, error) {
	p := Period(period)
	if p == "" {
		p = PeriodDaily
	}
	if _, ok := defaultBuckets[p]; !ok {
		return nil, util.NewValidationError(fmt.Sprintf("unknown period %q", period))
	}

	to := util.StartOfDay(now).AddDate(0, 0, 1)
	if end != "" {
		t, err := time.Parse(util.DateFormat, end)
		if err != nil {
			return nil, util.NewValidationError("end must be yyyy-mm-dd")
		}
		to = t.AddDate(0, 0, 1)
	}
	from := bucketStart(p, to.AddDate(0, 0, -1))
	for i := 1; i < defaultBuckets[p]; i++ {
		switch p {
		case PeriodWeekly:
			from = from.AddDate(0, 0, -7)
		case PeriodMonthly:
			from = from.AddDate(0, -1, 0)
		default:
			from = from.AddDate(0, 0, -1)
		}
	}
	if start != "" {
		t, err := time.Parse(util.DateFormat, start)
		if err != nil {
			return nil, util.NewValidationError("start must be yyyy-mm-dd")
		}
		from = t
	}
	if !from.Before(to) {
		return nil, util.NewValidationError("start must not be after end")
	}

	buckets := []ProgressBucket{}
	index := map[string]int{}
	for t := bucketStart(p, from); t.Before(to); t = nextBucket(p, t) {
		if len(buckets) >= maxProgressBuckets {
			return nil, util.NewValidationError("range too large for the selected period")
		}
		label := bucketLabel(p, t)
		index[label] = len(buckets)
		buckets = append(buckets, ProgressBucket{Period: label, Start: t.Format(util.DateFormat)})
	}
	at := func(t time.Time) *ProgressBucket {
		if i, ok := index[bucketLabel(p, bucketStart(p, t))]; ok {
			return &buckets[i]
		}
		return nil
	}

	mistakes, err := s.Repo.MistakeRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	for _, r := range mistakes {
		if b := at(r.CreatedAt); b != nil {
			b.Mistakes++
			if r.MasteryStatus == model.StatusMastered {
				b.Mastered++
			}
		}
	}

	questions, err := s.Repo.QuestionRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	for _, r := range questions {
		if b := at(r.CreatedAt); b != nil {
			b.Questions++
		}
	}

	reviews, err := s.Repo.ReviewRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	for _, r := range dedupeReviews(reviews) {
		if b := at(r.ActivityDate); b != nil {
			b.Reviews++
			if r.Result == model.ResultCorrect {
				b.CorrectReviews++
			}
		}
	}

	return &ProgressReport{
		Period:  p,
		Start:   from.Format(util.DateFormat),
		End:     to.AddDate(0, 0, -1).Format(util.DateFormat),
		Buckets: buckets,
	}, nil
}

// dedupeReviews 同一次复习按关联知识点写了多条轨迹，只保留一条
func dedupeReviews(rows []model.KnowledgePointLearningTrack) []model.KnowledgePointLearningTrack {
	seen := make(map[string]bool, len(rows))
	out := make([]model.KnowledgePointLearningTrack, 0, len(rows))
	for _, r := range rows {
		key := r.ActivityDate.UTC().Format(time.RFC3339Nano)
		if r.MistakeID != nil {
			key = *r.MistakeID + "|" + key
		} else {
			key = r.KnowledgePointID + "|" + key
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// ParseRange 解析 "30d" 形式的时间范围
func ParseRange(raw string) (int, error) {
	if raw == "" {
		return 30, nil
	}
	if !strings.HasSuffix(raw, "d") {
		return 0, util.NewValidationError(fmt.Sprintf("range %q must look like 30d", raw))
	}
	days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
	if err != nil || days < 1 || days > maxLookbackDays {
		return 0, util.NewValidationError(fmt.Sprintf("range %q must be between 1d and %dd", raw, maxLookbackDays))
	}
	return days, nil
}

type SubjectStat struct {
	Subject   model.Subject `json:"subject"`
	Mistakes  int64         `json:"mistakes"`
	Questions int64         `json:"questions"`
	Reviews   int64         `json:"reviews"`
	Correct   int64         `json:"correct"`
	Mastered  int64         `json:"mastered"`
	Attempts  int64         `json:"attempts"`
	Accuracy  float64       `json:"accuracy"`
	Rank      int           `json:"rank"`
}

// Subjects 学科维度统计：attempts = 错题数 + 复习次数，accuracy = 复习正确数 / attempts，按正确率排名
func (s *AnalyticsService) Subjects(userID uint, rangeStr string, now time.Time) ([]SubjectStat, error) {
	days, err := ParseRange(rangeStr)
	if err != nil {
		return nil, err
	}
	since := util.StartOfDay(now).AddDate(0, 0, -days+1)

	counters, err := s.Repo.SubjectCounters(userID, since)
	if err != nil {
		return nil, err
	}
	qCounters, err := s.Repo.SubjectQuestionCounters(userID, since)
	if err != nil {
		return nil, err
	}

	bySubject := map[model.Subject]*SubjectStat{}
	get := func(sub model.Subject) *SubjectStat {
		if st, ok := bySubject[sub]; ok {
			return st
		}
		st := &SubjectStat{Subject: sub}
		bySubject[sub] = st
		return st
	}
	for _, c := range counters {
		st := get(c.Subject)
		st.Mistakes, st.Reviews, st.Correct, st.Mastered = c.Mistakes, c.Reviews, c.Correct, c.Mastered
	}
	for _, c := range qCounters {
		get(c.Subject).Questions = c.Questions
	}

	stats := make([]SubjectStat, 0, len(bySubject))
	for _, st := range bySubject {
		st.Attempts = st.Mistakes + st.Reviews
		if st.Attempts > 0 {
			st.Accuracy = util.Round2(float64(st.Correct) / float64(st.Attempts))
		}
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Accuracy != stats[j].Accuracy {
			return stats[i].Accuracy > stats[j].Accuracy
		}
		if stats[i].Attempts != stats[j].Attempts {
			return stats[i].Attempts > stats[j].Attempts
		}
		return stats[i].Subject < stats[j].Subject
	})
	for i := range stats {
		stats[i].Rank = i + 1
	}
	return stats, nil
}

type KnowledgePointStat struct {
	ID              string              `json:"id"`
	Subject         model.Subject       `json:"subject"`
	Name            string              `json:"name"`
	Mastery         float64             `json:"mastery"`
	Bucket          model.MasteryBucket `json:"bucket"`
	MistakeCount    int                 `json:"mistake_count"`
	CorrectCount    int                 `json:"correct_count"`
	TotalAttempts   int                 `json:"total_attempts"`
	LastPracticedAt *time.Time          `json:"last_practiced_at"`
}

// KnowledgePoints 知识点掌握度列表，subject 为空时返回全部学科
func (s *AnalyticsService) KnowledgePoints(userID uint, subject string) ([]KnowledgePointStat, error) {
	var rows []model.KnowledgeMastery
	var err error
	if subject == "" {
		rows, err = s.MasteryRepo.ListByUser(userID)
	} else {
		sub, ok := model.ParseSubject(subject)
		if !ok {
			return nil, util.NewValidationError(fmt.Sprintf("unknown subject %q", subject))
		}
		rows, err = s.MasteryRepo.ListByUserSubject(userID, sub)
	}
	if err != nil {
		return nil, err
	}

	out := make([]KnowledgePointStat, 0, len(rows))
	for _, km := range rows {
		out = append(out, KnowledgePointStat{
			ID:              km.ID,
			Subject:         km.Subject,
			Name:            km.KnowledgePoint,
			Mastery:         km.MasteryLevel,
			Bucket:          model.BucketOf(km.MasteryLevel),
			MistakeCount:    km.MistakeCount,
			CorrectCount:    km.CorrectCount,
			TotalAttempts:   km.TotalAttempts,
			LastPracticedAt: km.LastPracticedAt,
		})
	}
	return out, nil
}

type PeriodStats struct {
	Start     string  `json:"start"`
	End       string  `json:"end"`
	Mistakes  int     `json:"mistakes"`
	Questions int     `json:"questions"`
	Reviews   int     `json:"reviews"`
	Correct   int     `json:"correct"`
	Accuracy  float64 `json:"accuracy"`
}

type TrendDelta struct {
	Mistakes  int     `json:"mistakes"`
	Questions int     `json:"questions"`
	Reviews   int     `json:"reviews"`
	Accuracy  float64 `json:"accuracy"`
}

type TrendReport struct {
	Days     int         `json:"days"`
	Current  PeriodStats `json:"current"`
	Previous PeriodStats `json:"previous"`
	Delta    TrendDelta  `json:"delta"`
	// Trend 依据复习正确率的变化：improving / declining / stable
	Trend model.Trend `json:"trend"`
}

// Trends 最近 days 天与之前同样长度时间段的对比
func (s *AnalyticsService) Trends(userID uint, days int, now time.Time) (*TrendReport, error) {
	if days == 0 {
		days = 7
	}
	if days < 1 || days > maxLookbackDays {
		return nil, util.NewValidationError(fmt.Sprintf("days must be between 1 and %d", maxLookbackDays))
	}
	end := util.StartOfDay(now).AddDate(0, 0, 1)
	mid := end.AddDate(0, 0, -days)
	begin := mid.AddDate(0, 0, -days)

	cur, err := s.periodStats(userID, mid, end)
	if err != nil {
		return nil, err
	}
	prev, err := s.periodStats(userID, begin, mid)
	if err != nil {
		return nil, err
	}

	report := &TrendReport{
		Days:     days,
		Current:  *cur,
		Previous: *prev,
		Delta: TrendDelta{
			Mistakes:  cur.Mistakes - prev.Mistakes,
			Questions: cur.Questions - prev.Questions,
			Reviews:   cur.Reviews - prev.Reviews,
			Accuracy:  util.Round2(cur.Accuracy - prev.Accuracy),
		},
	}
	report.Trend = TrendOf(prev.Accuracy, cur.Accuracy)
	return report, nil
}

func (s *AnalyticsService) periodStats(userID uint, from, to time.Time) (*PeriodStats, error) {
	st := &PeriodStats{Start: from.Format(util.DateFormat), End: to.AddDate(0, 0, -1).Format(util.DateFormat)}

	mistakes, err := s.Repo.MistakeRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	st.Mistakes = len(mistakes)

	questions, err := s.Repo.QuestionRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	st.Questions = len(questions)

	reviews, err := s.Repo.ReviewRows(userID, from, to)
	if err != nil {
		return nil, err
	}
	for _, r := range dedupeReviews(reviews) {
		st.Reviews++
		if r.Result == model.ResultCorrect {
			st.Correct++
		}
	}
	if st.Reviews > 0 {
		st.Accuracy = util.Round2(float64(st.Correct) / float64(st.Reviews))
	}
	return st, nil
}
