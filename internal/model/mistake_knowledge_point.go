package model

import (
	"time"

	"gorm.io/datatypes"
)

type ErrorType string

const (
	ErrorConceptMisunderstanding ErrorType = "concept_misunderstanding"
	ErrorCalculation             ErrorType = "calculation_error"
	ErrorFormulaMisuse           ErrorType = "formula_misuse"
	ErrorLogic                   ErrorType = "logic_error"
	ErrorCareless                ErrorType = "careless_mistake"
	ErrorKnowledgeGap            ErrorType = "knowledge_gap"
	ErrorMethodConfusion         ErrorType = "method_confusion"
	ErrorOther                   ErrorType = "other"
)

var errorTypeAliases = map[string]ErrorType{
	"概念理解错误": ErrorConceptMisunderstanding,
	"概念错误":   ErrorConceptMisunderstanding,
	"计算错误":   ErrorCalculation,
	"公式错误":   ErrorFormulaMisuse,
	"公式误用":   ErrorFormulaMisuse,
	"逻辑错误":   ErrorLogic,
	"粗心":     ErrorCareless,
	"粗心大意":   ErrorCareless,
	"知识盲点":   ErrorKnowledgeGap,
	"知识缺漏":   ErrorKnowledgeGap,
	"方法混淆":   ErrorMethodConfusion,
	"未作答":    ErrorKnowledgeGap,
}

// ParseErrorType 把 AI 返回的错误类型映射为枚举，空值返回 false
func ParseErrorType(raw string) (ErrorType, bool) {
	if raw == "" {
		return "", false
	}
	switch et := ErrorType(raw); et {
	case ErrorConceptMisunderstanding, ErrorCalculation, ErrorFormulaMisuse, ErrorLogic,
		ErrorCareless, ErrorKnowledgeGap, ErrorMethodConfusion, ErrorOther:
		return et, true
	}
	if et, ok := errorTypeAliases[raw]; ok {
		return et, true
	}
	return ErrorOther, true
}

// MistakeKnowledgePoint 错题与知识点的带权关联
type MistakeKnowledgePoint struct {
	UUIDBase
	MistakeID              string         `gorm:"type:varchar(36);not null;uniqueIndex:uk_mistake_kp,priority:1;index" json:"mistakeId"`
	KnowledgePointID       string         `gorm:"type:varchar(36);not null;uniqueIndex:uk_mistake_kp,priority:2;index" json:"knowledgePointId"`
	RelevanceScore         float64        `gorm:"default:1" json:"relevanceScore"`
	IsPrimary              bool           `gorm:"default:false" json:"isPrimary"`
	ErrorType              ErrorType      `gorm:"type:varchar(40)" json:"errorType"`
	ErrorReason            string         `gorm:"type:text" json:"errorReason"`
	AIDiagnosis            datatypes.JSON `json:"aiDiagnosis"`
	ImprovementSuggestions datatypes.JSON `json:"improvementSuggestions"`
	MasteredAfterReview    bool           `gorm:"default:false" json:"masteredAfterReview"`
	ReviewCount            int            `gorm:"default:0" json:"reviewCount"`
	LastReviewResult       string         `gorm:"size:20" json:"lastReviewResult"`
	FirstErrorAt           time.Time      `json:"firstErrorAt"`
	LastReviewAt           *time.Time     `json:"lastReviewAt"`
	MasteredAt             *time.Time     `json:"masteredAt"`
}

func (MistakeKnowledgePoint) TableName() string {
	return "mistake_knowledge_points"
}
