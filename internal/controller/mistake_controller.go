package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"strconv"

	"github.com/gin-gonic/gin"
)

type MistakeController struct {
	MistakeService *service.MistakeService
}

func NewMistakeController(mistakeService *service.MistakeService) *MistakeController {
	return &MistakeController{MistakeService: mistakeService}
}

// @Summary 录入错题
// @Description 手动录入错题，知识点由模型分析后关联
// @Tags 错题本
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.CreateMistakeRequest true "错题内容"
// @Success 201 {object} util.Response
// @Router /api/mistakes [post]
func (c *MistakeController) Create(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.CreateMistakeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.MistakeService.Create(ctx.Request.Context(), userID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Created(ctx, result)
}

// @Summary 错题列表
// @Description category 与 source 同时传入时以 category 为准
// @Tags 错题本
// @Produce json
// @Security BearerAuth
// @Param subject query string false "学科"
// @Param category query string false "empty_question / wrong_answer / hard_question"
// @Param source query string false "来源"
// @Param mastery_status query string false "掌握状态"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/mistakes [get]
func (c *MistakeController) List(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	page, pageSize, valid := util.ParsePage(ctx.Query("page"), ctx.Query("page_size"))
	if !valid {
		util.BadRequest(ctx, "page must be ≥1 and page_size between 1 and 100")
		return
	}

	list, total, err := c.MistakeService.List(userID, service.ListMistakesRequest{
		Subject:       ctx.Query("subject"),
		Category:      ctx.Query("category"),
		Source:        ctx.Query("source"),
		MasteryStatus: ctx.Query("mastery_status"),
		Page:          page,
		PageSize:      pageSize,
	})
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, util.PageResponse{List: list, Total: total, Page: page, PageSize: pageSize})
}

// @Summary 待复习错题
// @Tags 错题本
// @Produce json
// @Security BearerAuth
// @Param limit query int false "数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/mistakes/due [get]
func (c *MistakeController) Due(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	list, err := c.MistakeService.Due(userID, limit)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, list)
}

// @Summary 错题详情
// @Tags 错题本
// @Produce json
// @Security BearerAuth
// @Param id path string true "错题ID"
// @Success 200 {object} util.Response
// @Router /api/mistakes/{id} [get]
func (c *MistakeController) Get(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	detail, err := c.MistakeService.Get(userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, detail)
}

// @Summary 更新错题
// @Tags 错题本
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "错题ID"
// @Param request body service.UpdateMistakeRequest true "要修改的字段"
// @Success 200 {object} util.Response
// @Router /api/mistakes/{id} [put]
func (c *MistakeController) Update(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.UpdateMistakeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	m, err := c.MistakeService.Update(userID, ctx.Param("id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, m)
}

// @Summary 删除错题
// @Description 同时删除知识点关联与复习会话
// @Tags 错题本
// @Produce json
// @Security BearerAuth
// @Param id path string true "错题ID"
// @Success 200 {object} util.Response
// @Router /api/mistakes/{id} [delete]
func (c *MistakeController) Delete(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	if err := c.MistakeService.Delete(userID, ctx.Param("id")); err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": ctx.Param("id")})
}

// @Summary 提交复习结果
// @Description performance 取值 0~1，按间隔重复规则安排下次复习
// @Tags 错题本
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "错题ID"
// @Param request body service.ReviewRequest true "复习表现"
// @Success 200 {object} util.Response
// @Router /api/mistakes/{id}/review [post]
func (c *MistakeController) Review(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.ReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.MistakeService.Review(ctx.Request.Context(), userID, ctx.Param("id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}
