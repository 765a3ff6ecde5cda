package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ReviewController struct {
	ReviewService *service.ReviewSessionService
}

func NewReviewController(reviewService *service.ReviewSessionService) *ReviewController {
	return &ReviewController{ReviewService: reviewService}
}

type startReviewRequest struct {
	MistakeID string `json:"mistake_id" binding:"required"`
}

// @Summary 开始复习
// @Description 同一错题已有进行中的会话时直接返回该会话
// @Tags 复习
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body startReviewRequest true "错题ID"
// @Success 201 {object} util.Response
// @Router /api/reviews [post]
func (c *ReviewController) Start(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req startReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	view, err := c.ReviewService.Start(userID, req.MistakeID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	if view.Resumed {
		util.Success(ctx, view)
		return
	}
	util.Created(ctx, view)
}

// @Summary 复习会话详情
// @Tags 复习
// @Produce json
// @Security BearerAuth
// @Param session_id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/reviews/{session_id} [get]
func (c *ReviewController) Get(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	view, err := c.ReviewService.Get(userID, ctx.Param("session_id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// @Summary 提交答案
// @Description skip=true 时直接结束会话并记为跳过
// @Tags 复习
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param session_id path string true "会话ID"
// @Param request body service.SubmitRequest true "答案"
// @Success 200 {object} util.Response
// @Router /api/reviews/{session_id}/submit [post]
func (c *ReviewController) Submit(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.SubmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.ReviewService.Submit(ctx.Request.Context(), userID, ctx.Param("session_id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 放弃复习
// @Tags 复习
// @Produce json
// @Security BearerAuth
// @Param session_id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/reviews/{session_id}/abandon [post]
func (c *ReviewController) Abandon(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	sess, err := c.ReviewService.Abandon(userID, ctx.Param("session_id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, sess)
}
