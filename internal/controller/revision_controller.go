package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
)

type RevisionController struct {
	PlanService *service.RevisionPlanService
}

func NewRevisionController(planService *service.RevisionPlanService) *RevisionController {
	return &RevisionController{PlanService: planService}
}

// @Summary 生成复习计划
// @Description 未强制重新生成时复用同周期内有效的计划
// @Tags 复习计划
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.GeneratePlanRequest true "周期"
// @Success 201 {object} util.Response
// @Router /api/revisions/generate [post]
func (c *RevisionController) Generate(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.GeneratePlanRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.PlanService.Generate(ctx.Request.Context(), userID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	if result.Reused {
		util.Success(ctx, result)
		return
	}
	util.Created(ctx, result)
}

// @Summary 复习计划列表
// @Tags 复习计划
// @Produce json
// @Security BearerAuth
// @Param status query string false "draft / published / completed / expired"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/revisions [get]
func (c *RevisionController) List(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	page, pageSize, valid := util.ParsePage(ctx.Query("page"), ctx.Query("page_size"))
	if !valid {
		util.BadRequest(ctx, "page must be ≥1 and page_size between 1 and 100")
		return
	}

	list, total, err := c.PlanService.List(userID, ctx.Query("status"), page, pageSize)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: list, Total: total, Page: page, PageSize: pageSize})
}

// @Summary 复习计划详情
// @Tags 复习计划
// @Produce json
// @Security BearerAuth
// @Param id path string true "计划ID"
// @Success 200 {object} util.Response
// @Router /api/revisions/{id} [get]
func (c *RevisionController) Get(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	plan, err := c.PlanService.Get(userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, plan)
}

// @Summary 下载复习计划
// @Description 重定向到 PDF 或 Markdown 文件
// @Tags 复习计划
// @Security BearerAuth
// @Param id path string true "计划ID"
// @Param format query string false "pdf / md" default(pdf)
// @Success 302
// @Router /api/revisions/{id}/download [get]
func (c *RevisionController) Download(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	url, err := c.PlanService.Download(userID, ctx.Param("id"), ctx.Query("format"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	ctx.Redirect(http.StatusFound, url)
}

// @Summary 发布复习计划
// @Tags 复习计划
// @Produce json
// @Security BearerAuth
// @Param id path string true "计划ID"
// @Success 200 {object} util.Response
// @Router /api/revisions/{id}/publish [post]
func (c *RevisionController) Publish(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	plan, err := c.PlanService.Publish(userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, plan)
}

// @Summary 完成复习计划
// @Tags 复习计划
// @Produce json
// @Security BearerAuth
// @Param id path string true "计划ID"
// @Success 200 {object} util.Response
// @Router /api/revisions/{id}/complete [post]
func (c *RevisionController) Complete(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	plan, err := c.PlanService.Complete(userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, plan)
}

// @Summary 删除复习计划
// @Tags 复习计划
// @Produce json
// @Security BearerAuth
// @Param id path string true "计划ID"
// @Success 200 {object} util.Response
// @Router /api/revisions/{id} [delete]
func (c *RevisionController) Delete(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	if err := c.PlanService.Delete(ctx.Request.Context(), userID, ctx.Param("id")); err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": ctx.Param("id")})
}
