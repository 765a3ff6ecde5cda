package service

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/repository"
	"error_book_backend/internal/util"
	"fmt"
	"sort"
	"time"
)

const topRecommendations = 5

type GraphNode struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Mastery         float64             `json:"mastery"`
	MistakeCount    int                 `json:"mistake_count"`
	CorrectCount    int                 `json:"correct_count"`
	LastPracticedAt *time.Time          `json:"last_practiced_at"`
	Bucket          model.MasteryBucket `json:"bucket"`
}

type ChainNode struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Mastery float64 `json:"mastery"`
}

// WeakChain 通过共同错题关联在一起的薄弱知识点
type WeakChain struct {
	Nodes        []ChainNode `json:"nodes"`
	MistakeCount int         `json:"mistake_count"`
}

type Recommendation struct {
	KnowledgePoint string  `json:"knowledge_point"`
	ErrorCount     int     `json:"error_count"`
	MasteryRate    float64 `json:"mastery_rate"`
	Suggestion     string  `json:"suggestion"`
}

type MasteryDistribution struct {
	Weak     int `json:"weak"`
	Learning int `json:"learning"`
	Mastered int `json:"mastered"`
}

// GraphView 用户某学科的知识图谱视图
type GraphView struct {
	Subject             model.Subject       `json:"subject"`
	Nodes               []GraphNode         `json:"nodes"`
	WeakChains          []WeakChain         `json:"weak_chains"`
	TotalPoints         int                 `json:"total_points"`
	AvgMastery          float64             `json:"avg_mastery"`
	MasteryDistribution MasteryDistribution `json:"mastery_distribution"`
	Recommendations     []Recommendation    `json:"recommendations"`
	StrongAreas         []string            `json:"strong_areas"`
}

type KnowledgeGraphService struct {
	MasteryRepo *repository.KnowledgeMasteryRepository
	LinkRepo    *repository.MistakeKnowledgePointRepository
}

func NewKnowledgeGraphService(masteryRepo *repository.KnowledgeMasteryRepository, linkRepo *repository.MistakeKnowledgePointRepository) *KnowledgeGraphService {
	return &KnowledgeGraphService{MasteryRepo: masteryRepo, LinkRepo: linkRepo}
}

func emptyGraph(subject model.Subject) *GraphView {
	return &GraphView{
		Subject:         subject,
		Nodes:           []GraphNode{},
		WeakChains:      []WeakChain{},
		Recommendations: []Recommendation{},
		StrongAreas:     []string{},
	}
}

// SubjectGraph 组装图谱视图；没有数据的用户返回空视图
func (s *KnowledgeGraphService) SubjectGraph(userID uint, subject model.Subject) (*GraphView, error) {
	rows, err := s.MasteryRepo.ListByUserSubject(userID, subject)
	if err != nil {
		return nil, err
	}
	view := emptyGraph(subject)
	if len(rows) == 0 {
		return view, nil
	}

	// 仓储已按掌握度升序返回，这里再稳定排序一次保证顺序
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].MasteryLevel < rows[j].MasteryLevel })

	var sum float64
	var weak []model.KnowledgeMastery
	for _, km := range rows {
		bucket := model.BucketOf(km.MasteryLevel)
		view.Nodes = append(view.Nodes, GraphNode{
			ID:              km.ID,
			Name:            km.KnowledgePoint,
			Mastery:         km.MasteryLevel,
			MistakeCount:    km.MistakeCount,
			CorrectCount:    km.CorrectCount,
			LastPracticedAt: km.LastPracticedAt,
			Bucket:          bucket,
		})
		sum += km.MasteryLevel

		switch bucket {
		case model.BucketWeak:
			view.MasteryDistribution.Weak++
			weak = append(weak, km)
		case model.BucketLearning:
			view.MasteryDistribution.Learning++
		default:
			view.MasteryDistribution.Mastered++
			view.StrongAreas = append(view.StrongAreas, km.KnowledgePoint)
		}
	}
	view.TotalPoints = len(rows)
	view.AvgMastery = util.Round2(sum / float64(len(rows)))

	chains, err := s.weakChains(weak)
	if err != nil {
		return nil, err
	}
	view.WeakChains = chains
	view.Recommendations = recommend(weak, topRecommendations)
	return view, nil
}

// weakChains 按掌握度从低到高贪心聚合共享错题的薄弱知识点，至少两个节点才成链
func (s *KnowledgeGraphService) weakChains(weak []model.KnowledgeMastery) ([]WeakChain, error) {
	chains := []WeakChain{}
	if len(weak) < 2 {
		return chains, nil
	}

	ids := make([]string, 0, len(weak))
	for _, km := range weak {
		ids = append(ids, km.ID)
	}
	links, err := s.LinkRepo.FindByKnowledgePoints(ids)
	if err != nil {
		return nil, err
	}
	mistakesOf := make(map[string]map[string]bool, len(weak))
	for _, l := range links {
		if mistakesOf[l.KnowledgePointID] == nil {
			mistakesOf[l.KnowledgePointID] = map[string]bool{}
		}
		mistakesOf[l.KnowledgePointID][l.MistakeID] = true
	}

	assigned := make([]bool, len(weak))
	for i := range weak {
		if assigned[i] || len(mistakesOf[weak[i].ID]) == 0 {
			continue
		}
		assigned[i] = true
		members := []int{i}
		shared := map[string]bool{}
		for m := range mistakesOf[weak[i].ID] {
			shared[m] = true
		}

		for grown := true; grown; {
			grown = false
			for j := range weak {
				if assigned[j] || !intersects(shared, mistakesOf[weak[j].ID]) {
					continue
				}
				assigned[j] = true
				members = append(members, j)
				for m := range mistakesOf[weak[j].ID] {
					shared[m] = true
				}
				grown = true
			}
		}

		if len(members) < 2 {
			continue
		}
		sort.Ints(members)
		chain := WeakChain{MistakeCount: len(shared)}
		for _, idx := range members {
			chain.Nodes = append(chain.Nodes, ChainNode{ID: weak[idx].ID, Name: weak[idx].KnowledgePoint, Mastery: weak[idx].MasteryLevel})
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

func intersects(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// recommend 错误次数最多的薄弱知识点优先
func recommend(weak []model.KnowledgeMastery, k int) []Recommendation {
	sorted := append([]model.KnowledgeMastery(nil), weak...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MistakeCount != sorted[j].MistakeCount {
			return sorted[i].MistakeCount > sorted[j].MistakeCount
		}
		return sorted[i].MasteryLevel < sorted[j].MasteryLevel
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}

	recs := make([]Recommendation, 0, len(sorted))
	for _, km := range sorted {
		recs = append(recs, Recommendation{
			KnowledgePoint: km.KnowledgePoint,
			ErrorCount:     km.MistakeCount,
			MasteryRate:    km.MasteryLevel,
			Suggestion:     suggestionFor(km),
		})
	}
	return recs
}

func suggestionFor(km model.KnowledgeMastery) string {
	switch {
	case km.TotalAttempts <= 1:
		return fmt.Sprintf("先回顾教材中「%s」的定义和例题，再完成一组基础练习", km.KnowledgePoint)
	case km.MistakeCount >= 3:
		return fmt.Sprintf("「%s」已错 %d 次，建议整理错因并每天复习一道相关错题", km.KnowledgePoint, km.MistakeCount)
	default:
		return fmt.Sprintf("针对「%s」做专项练习，巩固解题方法", km.KnowledgePoint)
	}
}
