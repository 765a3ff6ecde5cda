package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type AnalyticsController struct {
	AnalyticsService *service.AnalyticsService
}

func NewAnalyticsController(analyticsService *service.AnalyticsService) *AnalyticsController {
	return &AnalyticsController{AnalyticsService: analyticsService}
}

// @Summary 学习进度
// @Description 按日/周/月统计错题、提问与复习数量
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param period query string false "daily / weekly / monthly" default(daily)
// @Param start query string false "开始日期 yyyy-mm-dd"
// @Param end query string false "结束日期 yyyy-mm-dd"
// @Success 200 {object} util.Response
// @Router /api/analytics/progress [get]
func (c *AnalyticsController) GetProgress(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	report, err := c.AnalyticsService.Progress(userID, ctx.Query("period"), ctx.Query("start"), ctx.Query("end"), time.Now())
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, report)
}

// @Summary 学科统计
// @Description 各学科的错题数、复习次数、正确率及排名
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param range query string false "时间范围" default(30d)
// @Success 200 {object} util.Response
// @Router /api/analytics/subjects [get]
func (c *AnalyticsController) GetSubjects(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	stats, err := c.AnalyticsService.Subjects(userID, ctx.DefaultQuery("range", "30d"), time.Now())
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, stats)
}

// @Summary 知识点掌握度
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param subject query string false "学科，不传返回全部"
// @Success 200 {object} util.Response
// @Router /api/analytics/knowledge-points [get]
func (c *AnalyticsController) GetKnowledgePoints(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	list, err := c.AnalyticsService.KnowledgePoints(userID, ctx.Query("subject"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, list)
}

// @Summary 学习趋势
// @Description 最近 days 天与前一个同长度周期的对比
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param days query int false "天数" default(7)
// @Success 200 {object} util.Response
// @Router /api/analytics/trends [get]
func (c *AnalyticsController) GetTrends(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	days, err := strconv.Atoi(ctx.DefaultQuery("days", "7"))
	if err != nil {
		util.BadRequest(ctx, "days must be an integer")
		return
	}

	report, err := c.AnalyticsService.Trends(userID, days, time.Now())
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, report)
}
