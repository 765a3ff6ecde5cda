package model

import "strings"

// Subject 学科（封闭枚举），存储值为中文名称
type Subject string

const (
	SubjectMath      Subject = "数学"
	SubjectPhysics   Subject = "物理"
	SubjectChemistry Subject = "化学"
	SubjectEnglish   Subject = "英语"
	SubjectChinese   Subject = "语文"
	SubjectBiology   Subject = "生物"
	SubjectHistory   Subject = "历史"
	SubjectGeography Subject = "地理"
	SubjectPolitics  Subject = "政治"

	// SubjectOther 仅作为输入出现，写库前必须被规范化
	SubjectOther Subject = "其他"
)

// AllSubjects 合法学科列表
var AllSubjects = []Subject{
	SubjectMath, SubjectPhysics, SubjectChemistry, SubjectEnglish, SubjectChinese,
	SubjectBiology, SubjectHistory, SubjectGeography, SubjectPolitics,
}

var subjectAliases = map[string]Subject{
	"math":        SubjectMath,
	"maths":       SubjectMath,
	"mathematics": SubjectMath,
	"physics":     SubjectPhysics,
	"chemistry":   SubjectChemistry,
	"english":     SubjectEnglish,
	"chinese":     SubjectChinese,
	"biology":     SubjectBiology,
	"history":     SubjectHistory,
	"geography":   SubjectGeography,
	"politics":    SubjectPolitics,
	"数学":          SubjectMath,
	"物理":          SubjectPhysics,
	"化学":          SubjectChemistry,
	"英语":          SubjectEnglish,
	"语文":          SubjectChinese,
	"生物":          SubjectBiology,
	"历史":          SubjectHistory,
	"地理":          SubjectGeography,
	"政治":          SubjectPolitics,
}

// ParseSubject 将别名解析为合法学科，无法识别时返回 false
func ParseSubject(raw string) (Subject, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := subjectAliases[key]; ok {
		return s, true
	}
	return "", false
}

func (s Subject) Valid() bool {
	_, ok := ParseSubject(string(s))
	return ok && s != SubjectOther
}
