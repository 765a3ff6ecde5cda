package service

import (
	"context"
	"error_book_backend/internal/model"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"
	"error_book_backend/pkg/logger"
	"error_book_backend/pkg/monitoring"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxHomeworkImages = 10
	homeworkGuardTTL  = 5 * time.Minute
)

// HomeworkService 作业拍照批改，批改结果中的错题与未作答题目入错题本
type HomeworkService struct {
	DB     *gorm.DB
	AI     *AIService
	Linker *KnowledgeLinkerService
	Guard  *IdempotencyGuard
}

func NewHomeworkService(db *gorm.DB, ai *AIService, linker *KnowledgeLinkerService, guard *IdempotencyGuard) *HomeworkService {
	return &HomeworkService{DB: db, AI: ai, Linker: linker, Guard: guard}
}

type HomeworkRequest struct {
	ImageURLs []string `json:"image_urls" binding:"required"`
	Subject   string   `json:"subject"`
	UserHint  string   `json:"user_hint"`
}

// CorrectionItem 单题批改结果
type CorrectionItem struct {
	QuestionNumber  int      `json:"question_number"`
	QuestionType    string   `json:"question_type"`
	IsUnanswered    bool     `json:"is_unanswered"`
	StudentAnswer   *string  `json:"student_answer"`
	CorrectAnswer   string   `json:"correct_answer"`
	ErrorType       *string  `json:"error_type"`
	Explanation     string   `json:"explanation"`
	KnowledgePoints []string `json:"knowledge_points"`
	Score           float64  `json:"score"`
}

// IsMistake 未作答或带错误类型的题目入错题本
func (c CorrectionItem) IsMistake() bool {
	return c.IsUnanswered || (c.ErrorType != nil && strings.TrimSpace(*c.ErrorType) != "")
}

type HomeworkCorrection struct {
	Corrections     []CorrectionItem `json:"corrections"`
	Summary         string           `json:"summary"`
	OverallScore    float64          `json:"overall_score"`
	TotalQuestions  int              `json:"total_questions"`
	UnansweredCount int              `json:"unanswered_count"`
	ErrorCount      int              `json:"error_count"`
}

type HomeworkResult struct {
	Correction   HomeworkCorrection `json:"correction"`
	MistakeIDs   []string           `json:"mistakeIds"`
	Subject      model.Subject      `json:"subject"`
	AITokensUsed int                `json:"aiTokensUsed"`
	AnalysisTime float64            `json:"analysisTime"`
	IsFallback   bool               `json:"isFallback"`
}

var homeworkSchema = &llm.Schema{
	Name: "homework_correction",
	Definition: `{
  "type": "object",
  "required": ["corrections", "total_questions"],
  "properties": {
    "corrections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["question_number", "is_unanswered", "correct_answer", "explanation"],
        "properties": {
          "question_number": {"type": "integer", "minimum": 1},
          "question_type": {"type": ["string", "null"]},
          "is_unanswered": {"type": "boolean"},
          "student_answer": {"type": ["string", "null"]},
          "correct_answer": {"type": ["string", "null"]},
          "error_type": {"type": ["string", "null"]},
          "explanation": {"type": ["string", "null"]},
          "knowledge_points": {"type": "array", "items": {"type": "string"}},
          "score": {"type": ["number", "null"]}
        }
      }
    },
    "summary": {"type": ["string", "null"]},
    "overall_score": {"type": ["number", "null"]},
    "total_questions": {"type": "integer", "minimum": 1},
    "unanswered_count": {"type": ["integer", "null"]},
    "error_count": {"type": ["integer", "null"]}
  }
}`,
}

const homeworkPrompt = `你是一名严谨的%s阅卷老师。请逐题批改图片中的作业，学生作答正确的题目 error_type 为 null。
只输出 JSON，不要输出其他内容：
{"corrections": [{"question_number": 1, "question_type": "选择题", "is_unanswered": false, "student_answer": "...", "correct_answer": "...", "error_type": "计算错误 或 null", "explanation": "...", "knowledge_points": ["..."], "score": 0}],
 "summary": "...", "overall_score": 0, "total_questions": 1, "unanswered_count": 0, "error_count": 0}`

// Correct 批改作业。模型输出无法解析或没有题目时整体失败，不写入任何错题。
func (s *HomeworkService) Correct(ctx context.Context, userID uint, req HomeworkRequest) (*HomeworkResult, error) {
	start := time.Now()

	urls := make([]string, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 || len(urls) > maxHomeworkImages {
		return nil, util.NewValidationError(fmt.Sprintf("image_urls must contain 1 to %d urls", maxHomeworkImages))
	}
	subject, err := resolveSubject(req.Subject, req.UserHint)
	if err != nil {
		return nil, err
	}

	guardKey := FingerprintURLs(userID, urls)
	if !s.Guard.Acquire(ctx, guardKey, homeworkGuardTTL) {
		return nil, util.ErrDuplicateRequest
	}
	committed := false
	defer func() {
		if !committed {
			s.Guard.Release(context.Background(), guardKey)
		}
	}()

	prompt := fmt.Sprintf(homeworkPrompt, subject)
	if hint := strings.TrimSpace(req.UserHint); hint != "" {
		prompt += "\n学生补充说明：" + hint
	}

	var correction HomeworkCorrection
	aiResult, err := s.AI.CompleteJSON(ctx, []AIChatMessage{
		systemMessage(prompt),
		userMessage("请批改这份作业。", urls...),
	}, ChatParams{
		Purpose:     "homework_correction",
		Temperature: float32Ptr(0.3),
		MaxTokens:   2000,
		TopP:        float32Ptr(0.8),
	}, homeworkSchema, &correction)
	if err != nil {
		logger.Log.Warn("homework correction failed", zap.Uint("userID", userID), zap.Error(err))
		return nil, err
	}
	if len(correction.Corrections) == 0 {
		return nil, fmt.Errorf("%w: empty corrections", util.ErrAISchema)
	}

	result := &HomeworkResult{
		Correction:   correction,
		MistakeIDs:   []string{},
		Subject:      subject,
		AITokensUsed: aiResult.TokensUsed,
	}

	items := make([]CorrectionItem, 0, len(correction.Corrections))
	for _, item := range correction.Corrections {
		if item.IsMistake() {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].QuestionNumber < items[j].QuestionNumber })

	// 知识点解析可能调用模型，放在事务外
	plans := make([]*LinkPlan, len(items))
	for i, item := range items {
		errorType := ""
		if item.ErrorType != nil {
			errorType = *item.ErrorType
		} else if item.IsUnanswered {
			errorType = string(model.ErrorKnowledgeGap)
		}
		plan, err := s.Linker.ResolveKnowledgePoints(ctx, subject, item.Explanation,
			&model.AIFeedback{KnowledgePoints: item.KnowledgePoints}, errorType)
		if err != nil {
			return nil, err
		}
		plans[i] = plan
		result.AITokensUsed += plan.TokensUsed
		result.IsFallback = result.IsFallback || plan.IsFallback
	}

	now := time.Now().UTC()
	mistakes := make([]*model.MistakeRecord, 0, len(items))
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, item := range items {
			m := homeworkMistake(userID, subject, urls, item)
			if _, err := s.Linker.CreateWithLinks(tx, m, plans[i], now); err != nil {
				return fmt.Errorf("question %d: %w", item.QuestionNumber, err)
			}
			mistakes = append(mistakes, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	committed = true

	for _, m := range mistakes {
		result.MistakeIDs = append(result.MistakeIDs, m.ID)
	}
	monitoring.MistakesCreated.WithLabelValues(string(model.SourceHomework)).Add(float64(len(mistakes)))
	result.AnalysisTime = time.Since(start).Seconds()

	logger.Log.Info("homework corrected",
		zap.Uint("userID", userID),
		zap.String("subject", string(subject)),
		zap.Int("questions", len(correction.Corrections)),
		zap.Int("mistakes", len(mistakes)))
	return result, nil
}

func homeworkMistake(userID uint, subject model.Subject, urls []string, item CorrectionItem) *model.MistakeRecord {
	title := fmt.Sprintf("第%d题", item.QuestionNumber)
	errorType := ""
	if item.ErrorType != nil {
		errorType = strings.TrimSpace(*item.ErrorType)
		title += errorType
	}

	m := &model.MistakeRecord{
		UserID:         userID,
		Subject:        subject,
		Title:          util.TruncateRunes(title, 200),
		OCRText:        item.Explanation,
		Difficulty:     defaultDifficulty,
		MasteryStatus:  model.StatusLearning,
		Source:         model.SourceHomework,
		CorrectAnswer:  item.CorrectAnswer,
		QuestionNumber: item.QuestionNumber,
		IsUnanswered:   item.IsUnanswered,
		QuestionType:   item.QuestionType,
		ErrorType:      errorType,
		Version:        1,
	}
	if item.StudentAnswer != nil {
		m.StudentAnswer = *item.StudentAnswer
	}
	m.SetImages(urls)
	m.SetFeedback(model.AIFeedback{
		ErrorReason:     errorType,
		Explanation:     item.Explanation,
		KnowledgePoints: item.KnowledgePoints,
	})
	return m
}
