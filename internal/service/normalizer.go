package service

import (
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// 学科推断关键词表，按顺序匹配，第一个命中的学科胜出
var subjectKeywordTable = []struct {
	subject  model.Subject
	keywords []string
}{
	{model.SubjectMath, []string{"方程", "函数", "三角", "sin", "cos", "tan", "π", "求解", "几何", "积分", "导数", "球", "圆柱", "数列", "概率", "不等式", "向量", "抛物线"}},
	{model.SubjectPhysics, []string{"力", "速度", "加速度", "功率", "电流", "电压", "电阻", "F=", "牛顿", "动能", "磁场"}},
	{model.SubjectChemistry, []string{"化学式", "摩尔", "pH", "氧化", "还原", "化合价", "离子", "方程式配平", "元素周期"}},
	{model.SubjectEnglish, []string{"grammar", "tense", "verb", "noun", "adjective", "clause", "时态", "从句", "单词"}},
	{model.SubjectChinese, []string{"作文", "文言文", "古诗", "修辞", "阅读理解", "病句", "成语"}},
	{model.SubjectBiology, []string{"细胞", "DNA", "光合作用", "遗传", "基因", "蛋白质", "生态"}},
}

// InferSubject 按关键词表推断学科，均未命中时默认数学
func InferSubject(text string) model.Subject {
	lower := strings.ToLower(text)
	for _, entry := range subjectKeywordTable {
		for _, kw := range entry.keywords {
			if containsKeyword(lower, strings.ToLower(kw)) {
				return entry.subject
			}
		}
	}
	return model.SubjectMath
}

// NormalizeSubject 合法学科直接使用；"其他"、空值或未知值按内容推断
func NormalizeSubject(raw, content string) model.Subject {
	if s, ok := model.ParseSubject(raw); ok && s != model.SubjectOther {
		return s
	}
	return InferSubject(content)
}

// containsKeyword 纯字母关键词要求单词边界，避免 "using" 命中 "sin"
func containsKeyword(text, kw string) bool {
	if !isASCIIWord(kw) {
		return strings.Contains(text, kw)
	}
	for from := 0; ; {
		idx := strings.Index(text[from:], kw)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(kw)
		if (start == 0 || !isASCIILetter(text[start-1])) && (end == len(text) || !isASCIILetter(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isASCIILetter(s[i]) {
			return false
		}
	}
	return s != ""
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// 各学科的知识点同义词，键为规范化后的写法
var knowledgePointSynonyms = map[model.Subject]map[string]string{
	model.SubjectMath: {
		"毕达哥拉斯定理":  "勾股定理",
		"勾股定理的应用":  "勾股定理",
		"一元二次方程求解": "一元二次方程",
		"解一元二次方程":  "一元二次方程",
		"二次函数的图像":  "二次函数",
		"二次函数图像":   "二次函数",
		"诱导公式":     "三角函数诱导公式",
		"求导":       "导数",
		"导数的计算":    "导数",
		"等差数列求和":   "等差数列",
	},
	model.SubjectPhysics: {
		"f=ma":     "牛顿第二定律",
		"牛顿第二运动定律": "牛顿第二定律",
		"欧姆定理":     "欧姆定律",
		"动能定律":     "动能定理",
		"机械能守恒":    "机械能守恒定律",
	},
	model.SubjectChemistry: {
		"氧化还原":   "氧化还原反应",
		"配平":     "化学方程式配平",
		"物质的量浓度": "物质的量",
	},
	model.SubjectEnglish: {
		"present simple":  "一般现在时",
		"simple present":  "一般现在时",
		"past simple":     "一般过去时",
		"simple past":     "一般过去时",
		"present perfect": "现在完成时",
		"定语从句的用法":         "定语从句",
	},
}

const maxKnowledgePointLen = 100

// CanonicalizeKnowledgePoint 去首尾空白、折叠空白、统一全半角与标点，并映射同义词
func CanonicalizeKnowledgePoint(subject model.Subject, name string) string {
	s := width.Fold.String(name)
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != ')' && r != ']'
	})
	if s == "" {
		return ""
	}

	key := strings.ToLower(s)
	if dict, ok := knowledgePointSynonyms[subject]; ok {
		if canonical, ok := dict[key]; ok {
			s = canonical
		}
	}
	return util.TruncateRunes(s, maxKnowledgePointLen)
}

// CanonicalizeKnowledgePoints 规范化并去重，保持原有顺序
func CanonicalizeKnowledgePoints(subject model.Subject, names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		c := CanonicalizeKnowledgePoint(subject, n)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
