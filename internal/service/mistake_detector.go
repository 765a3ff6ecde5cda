package service

import (
	"context"
	"error_book_backend/internal/model"
	"error_book_backend/pkg/logger"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DetectionThresholds 各证据源的置信度与组合阈值
type DetectionThresholds struct {
	Exclusion        float64 `yaml:"exclusion"`
	High             float64 `yaml:"high"`
	MediumMulti      float64 `yaml:"medium_multi"`
	MediumSingle     float64 `yaml:"medium_single"`
	NoMatch          float64 `yaml:"no_match"`
	Image            float64 `yaml:"image"`
	KeywordForImage  float64 `yaml:"keyword_for_image"`
	TwoSignalAvg     float64 `yaml:"two_signal_avg"`
	ThreeSignalAvg   float64 `yaml:"three_signal_avg"`
	MediumMultiCount int     `yaml:"medium_multi_count"`
}

// DetectionRules 错题识别规则，来自 classifier_rules.yaml，可热更新
type DetectionRules struct {
	ExclusionKeywords []string            `yaml:"exclusion_keywords"`
	HighKeywords      []string            `yaml:"high_confidence_keywords"`
	MediumKeywords    []string            `yaml:"medium_confidence_keywords"`
	ImageHints        []string            `yaml:"image_hints"`
	Thresholds        DetectionThresholds `yaml:"thresholds"`
}

func DefaultDetectionRules() DetectionRules {
	return DetectionRules{
		ExclusionKeywords: []string{"什么是", "介绍一下", "区别", "有哪些", "告诉我", "解释一下", "是谁", "讲讲"},
		HighKeywords:      []string{"不会", "不会做", "怎么做", "做错了", "看不懂", "错在哪", "为什么错", "答案不对", "算错"},
		MediumKeywords:    []string{"解题步骤", "难题", "没学过", "思路", "卡住", "太难", "求解过程", "不理解"},
		ImageHints:        []string{"这道题", "这题", "如图", "图中", "第", "帮我看", "批改"},
		Thresholds: DetectionThresholds{
			Exclusion:        0.2,
			High:             0.9,
			MediumMulti:      0.7,
			MediumSingle:     0.5,
			NoMatch:          0.3,
			Image:            0.85,
			KeywordForImage:  0.6,
			TwoSignalAvg:     0.8,
			ThreeSignalAvg:   0.75,
			MediumMultiCount: 2,
		},
	}
}

// LoadDetectionRules 读取 yaml 规则，缺省字段回退到内置默认值
func LoadDetectionRules(path string) (DetectionRules, error) {
	rules := DefaultDetectionRules()
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, err
	}
	var parsed DetectionRules
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return rules, fmt.Errorf("parse classifier rules: %w", err)
	}
	if len(parsed.ExclusionKeywords) > 0 {
		rules.ExclusionKeywords = parsed.ExclusionKeywords
	}
	if len(parsed.HighKeywords) > 0 {
		rules.HighKeywords = parsed.HighKeywords
	}
	if len(parsed.MediumKeywords) > 0 {
		rules.MediumKeywords = parsed.MediumKeywords
	}
	if len(parsed.ImageHints) > 0 {
		rules.ImageHints = parsed.ImageHints
	}
	if parsed.Thresholds != (DetectionThresholds{}) {
		rules.Thresholds = parsed.Thresholds
	}
	return rules, nil
}

type Verdict string

const (
	VerdictTrue    Verdict = "true"
	VerdictFalse   Verdict = "false"
	VerdictAbstain Verdict = "abstain"
)

// DetectionSignal 单个证据源的判断
type DetectionSignal struct {
	Source      string                `json:"source"`
	Verdict     Verdict               `json:"verdict"`
	Confidence  float64               `json:"confidence"`
	MistakeType model.MistakeCategory `json:"mistakeType,omitempty"`
	Reason      string                `json:"reason"`
}

// DetectionResult 综合判断
type DetectionResult struct {
	IsMistake   bool                  `json:"isMistake"`
	Confidence  float64               `json:"confidence"`
	MistakeType model.MistakeCategory `json:"mistakeType"`
	Reason      string                `json:"reason"`
	Signals     []DetectionSignal     `json:"signals"`
}

// DetectionInput 一轮问答
type DetectionInput struct {
	Content      string
	ImageURLs    []string
	QuestionType string
}

// MistakeDetector 判断一轮问答是否应记为错题
type MistakeDetector struct {
	mu                 sync.RWMutex
	rules              DetectionRules
	ai                 *AIService
	aiIntentEnabled    bool
	explicitMarkerOnly bool
}

func NewMistakeDetector(rules DetectionRules, ai *AIService, aiIntentEnabled, explicitMarkerOnly bool) *MistakeDetector {
	return &MistakeDetector{
		rules:              rules,
		ai:                 ai,
		aiIntentEnabled:    aiIntentEnabled,
		explicitMarkerOnly: explicitMarkerOnly,
	}
}

func (d *MistakeDetector) SetRules(rules DetectionRules) {
	d.mu.Lock()
	d.rules = rules
	d.mu.Unlock()
}

func (d *MistakeDetector) Rules() DetectionRules {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rules
}

// ReloadFromFile 供 configwatcher 回调
func (d *MistakeDetector) ReloadFromFile(path string) error {
	rules, err := LoadDetectionRules(path)
	if err != nil {
		return err
	}
	d.SetRules(rules)
	return nil
}

func (d *MistakeDetector) Detect(ctx context.Context, in DetectionInput) DetectionResult {
	rules := d.Rules()
	keyword := keywordSignal(rules, in.Content)

	signals := []DetectionSignal{keyword}
	decisive := keyword.Verdict == VerdictTrue && keyword.Confidence >= rules.Thresholds.High

	if !d.explicitMarkerOnly {
		if d.aiIntentEnabled && d.ai != nil && !decisive {
			signals = append(signals, d.aiSignal(ctx, in))
		}
		signals = append(signals, imageSignal(rules, in))
	}

	result := combineSignals(rules.Thresholds, keyword, signals)
	if d.explicitMarkerOnly && result.IsMistake && !decisive {
		result.IsMistake = false
		result.Reason = "explicit marker required: " + result.Reason
	}
	return result
}

func matchKeywords(content string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(content, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func keywordSignal(rules DetectionRules, content string) DetectionSignal {
	t := rules.Thresholds

	if hits := matchKeywords(content, rules.ExclusionKeywords); len(hits) > 0 {
		return DetectionSignal{
			Source:     "keyword",
			Verdict:    VerdictFalse,
			Confidence: t.Exclusion,
			Reason:     "knowledge query keywords matched: " + strings.Join(hits, ", "),
		}
	}

	if hits := matchKeywords(content, rules.HighKeywords); len(hits) > 0 {
		var mistakeType model.MistakeCategory
		switch {
		case strings.Contains(content, "错"):
			mistakeType = model.CategoryWrongAnswer
		case strings.Contains(content, "不会") || strings.Contains(content, "看不懂"):
			mistakeType = model.CategoryEmptyQuestion
		default:
			mistakeType = model.CategoryHardQuestion
		}
		return DetectionSignal{
			Source:      "keyword",
			Verdict:     VerdictTrue,
			Confidence:  t.High,
			MistakeType: mistakeType,
			Reason:      "high confidence keywords matched: " + strings.Join(hits, ", "),
		}
	}

	if hits := matchKeywords(content, rules.MediumKeywords); len(hits) > 0 {
		if len(hits) >= t.MediumMultiCount {
			return DetectionSignal{
				Source:      "keyword",
				Verdict:     VerdictTrue,
				Confidence:  t.MediumMulti,
				MistakeType: model.CategoryHardQuestion,
				Reason:      "medium confidence keywords matched: " + strings.Join(hits, ", "),
			}
		}
		return DetectionSignal{
			Source:     "keyword",
			Verdict:    VerdictAbstain,
			Confidence: t.MediumSingle,
			Reason:     "single medium confidence keyword: " + hits[0],
		}
	}

	return DetectionSignal{Source: "keyword", Verdict: VerdictFalse, Confidence: t.NoMatch, Reason: "no keyword matched"}
}

// imageSignal 附图且文本像是在问一道具体题目（或几乎没有文字）时判定为题目图片
func imageSignal(rules DetectionRules, in DetectionInput) DetectionSignal {
	if len(in.ImageURLs) == 0 {
		return DetectionSignal{Source: "image", Verdict: VerdictAbstain, Reason: "no image attached"}
	}
	text := strings.TrimSpace(in.Content)
	hits := matchKeywords(text, rules.ImageHints)
	if len([]rune(text)) <= 10 || len(hits) > 0 {
		return DetectionSignal{
			Source:      "image",
			Verdict:     VerdictTrue,
			Confidence:  rules.Thresholds.Image,
			MistakeType: model.CategoryEmptyQuestion,
			Reason:      "problem sheet photo",
		}
	}
	return DetectionSignal{Source: "image", Verdict: VerdictAbstain, Reason: "image without problem hints"}
}

type intentReply struct {
	IsMistake   *bool   `json:"is_mistake"`
	Confidence  float64 `json:"confidence"`
	MistakeType string  `json:"mistake_type"`
	Reason      string  `json:"reason"`
}

const intentPrompt = `你是学习助手的错题识别器。判断学生这条提问是否表明他在某道题上遇到困难（不会做、做错、太难），而不是单纯的知识查询。
只输出 JSON：{"is_mistake": true/false, "confidence": 0~1, "mistake_type": "empty_question|wrong_answer|hard_question", "reason": "简短理由"}`

func (d *MistakeDetector) aiSignal(ctx context.Context, in DetectionInput) DetectionSignal {
	var reply intentReply
	_, err := d.ai.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(intentPrompt),
		userMessage(in.Content),
	}, ChatParams{Purpose: "mistake_intent", Temperature: float32Ptr(0), MaxTokens: 200, Timeout: 10 * time.Second}, nil, &reply)
	if err != nil || reply.IsMistake == nil {
		logger.Log.Debug("AI intent signal abstained", zap.Error(err))
		return DetectionSignal{Source: "ai", Verdict: VerdictAbstain, Reason: "ai unavailable"}
	}

	sig := DetectionSignal{Source: "ai", Verdict: VerdictFalse, Confidence: reply.Confidence, Reason: reply.Reason}
	if *reply.IsMistake {
		sig.Verdict = VerdictTrue
		switch model.MistakeCategory(reply.MistakeType) {
		case model.CategoryEmptyQuestion, model.CategoryWrongAnswer, model.CategoryHardQuestion:
			sig.MistakeType = model.MistakeCategory(reply.MistakeType)
		}
	}
	return sig
}

// combineSignals 只统计未弃权的信号
func combineSignals(t DetectionThresholds, keyword DetectionSignal, signals []DetectionSignal) DetectionResult {
	var trues []DetectionSignal
	var image *DetectionSignal
	for i := range signals {
		s := signals[i]
		if s.Verdict == VerdictAbstain {
			continue
		}
		if s.Verdict == VerdictTrue {
			trues = append(trues, s)
		}
		if s.Source == "image" {
			image = &signals[i]
		}
	}

	avg := 0.0
	for _, s := range trues {
		avg += s.Confidence
	}
	if len(trues) > 0 {
		avg /= float64(len(trues))
	}

	result := DetectionResult{Signals: signals, Confidence: keyword.Confidence, Reason: keyword.Reason}

	switch {
	case keyword.Verdict == VerdictTrue && keyword.Confidence >= t.High:
		result.IsMistake = true
		result.Confidence = keyword.Confidence
	case image != nil && image.Verdict == VerdictTrue && image.Confidence >= t.Image &&
		keyword.Verdict != VerdictFalse && keyword.Confidence >= t.KeywordForImage:
		result.IsMistake = true
		result.Confidence = image.Confidence
		result.Reason = joinNonEmpty("; ", image.Reason, keyword.Reason)
	case len(trues) >= 2 && avg >= t.TwoSignalAvg:
		result.IsMistake = true
		result.Confidence = avg
		result.Reason = fmt.Sprintf("%d signals agree (avg %.2f)", len(trues), avg)
	case len(trues) >= 3 && avg >= t.ThreeSignalAvg:
		result.IsMistake = true
		result.Confidence = avg
		result.Reason = fmt.Sprintf("%d signals agree (avg %.2f)", len(trues), avg)
	}

	for _, source := range []string{"keyword", "ai", "image"} {
		for _, s := range signals {
			if s.Source == source && s.MistakeType != "" && result.MistakeType == "" {
				result.MistakeType = s.MistakeType
			}
		}
	}
	if result.MistakeType == "" {
		result.MistakeType = model.CategoryEmptyQuestion
	}
	return result
}
