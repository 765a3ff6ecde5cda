package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"error_book_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectExcludesKnowledgeQuery(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)

	r := d.Detect(context.Background(), DetectionInput{Content: "告诉我你最长的学科名称是什么？"})

	assert.False(t, r.IsMistake)
	assert.Equal(t, 0.2, r.Confidence)
	assert.Contains(t, r.Reason, "告诉我")
}

func TestDetectBareCannotSolve(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)

	r := d.Detect(context.Background(), DetectionInput{Content: "这道题不会做"})

	assert.True(t, r.IsMistake)
	assert.GreaterOrEqual(t, r.Confidence, 0.9)
	assert.Equal(t, model.CategoryEmptyQuestion, r.MistakeType)
}

func TestDetectWrongAnswerCategory(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)

	r := d.Detect(context.Background(), DetectionInput{Content: "我这步做错了，为什么错"})

	assert.True(t, r.IsMistake)
	assert.Equal(t, model.CategoryWrongAnswer, r.MistakeType)
}

func TestDetectSingleMediumKeywordIsNotEnough(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)

	r := d.Detect(context.Background(), DetectionInput{Content: "这个思路对吗"})

	assert.False(t, r.IsMistake)
}

func TestDetectImageWithMediumKeywords(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)

	r := d.Detect(context.Background(), DetectionInput{
		Content:   "这题太难了，卡住了",
		ImageURLs: []string{"http://localhost/uploads/a.png"},
	})

	assert.True(t, r.IsMistake)
	assert.Equal(t, 0.85, r.Confidence)
}

func TestDetectExplicitMarkerOnly(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, true)

	r := d.Detect(context.Background(), DetectionInput{
		Content:   "这题太难了，卡住了",
		ImageURLs: []string{"http://localhost/uploads/a.png"},
	})
	assert.False(t, r.IsMistake)

	r = d.Detect(context.Background(), DetectionInput{Content: "这道题不会做"})
	assert.True(t, r.IsMistake)
}

func TestReloadDetectionRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high_confidence_keywords:\n  - 救命\n"), 0o644))

	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)
	assert.False(t, d.Detect(context.Background(), DetectionInput{Content: "救命"}).IsMistake)

	require.NoError(t, d.ReloadFromFile(path))
	rules := d.Rules()
	assert.Equal(t, []string{"救命"}, rules.HighKeywords)
	// 未给出的字段保留默认值
	assert.Equal(t, DefaultDetectionRules().ExclusionKeywords, rules.ExclusionKeywords)
	assert.True(t, d.Detect(context.Background(), DetectionInput{Content: "救命"}).IsMistake)
}

func TestReloadDetectionRulesKeepsOldOnError(t *testing.T) {
	d := NewMistakeDetector(DefaultDetectionRules(), nil, false, false)
	assert.Error(t, d.ReloadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Equal(t, DefaultDetectionRules(), d.Rules())
}
