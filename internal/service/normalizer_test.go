package service

import (
	"testing"

	"error_book_backend/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestInferSubject(t *testing.T) {
	cases := map[string]model.Subject{
		"解这个一元二次方程":                model.SubjectMath,
		"物体受力分析怎么画":                model.SubjectPhysics,
		"这个化学式怎么配":                 model.SubjectChemistry,
		"I am using the verb here": model.SubjectEnglish,
		"这篇文言文看不懂":                 model.SubjectChinese,
		"光合作用的产物":                  model.SubjectBiology,
		"随便问问":                     model.SubjectMath,
	}
	for in, want := range cases {
		assert.Equal(t, want, InferSubject(in), in)
	}
}

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, model.SubjectPhysics, NormalizeSubject("physics", "方程"))
	assert.Equal(t, model.SubjectPhysics, NormalizeSubject("物理", ""))
	assert.Equal(t, model.SubjectBiology, NormalizeSubject("其他", "DNA 复制"))
	assert.Equal(t, model.SubjectMath, NormalizeSubject("", "求导数"))
}

func TestCanonicalizeKnowledgePoint(t *testing.T) {
	cases := []struct {
		subject model.Subject
		in      string
		want    string
	}{
		{model.SubjectMath, "  毕达哥拉斯定理。", "勾股定理"},
		{model.SubjectMath, "二次函数   图像", "二次函数 图像"},
		{model.SubjectMath, "二次函数的图像", "二次函数"},
		{model.SubjectPhysics, "Ｆ＝ｍａ", "牛顿第二定律"},
		{model.SubjectEnglish, "Present Simple", "一般现在时"},
		{model.SubjectMath, "f(x)", "f(x)"},
		{model.SubjectMath, "，。", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalizeKnowledgePoint(tc.subject, tc.in), tc.in)
	}
}

func TestCanonicalizeKnowledgePointsDedupes(t *testing.T) {
	got := CanonicalizeKnowledgePoints(model.SubjectMath, []string{"勾股定理", "毕达哥拉斯定理", " ", "导数", "求导"})
	assert.Equal(t, []string{"勾股定理", "导数"}, got)
}
