package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type HomeworkController struct {
	HomeworkService *service.HomeworkService
}

func NewHomeworkController(homeworkService *service.HomeworkService) *HomeworkController {
	return &HomeworkController{HomeworkService: homeworkService}
}

// @Summary 作业批改
// @Description 识别作业图片并逐题批改，做错和未作答的题目写入错题本
// @Tags 作业
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.HomeworkRequest true "作业图片"
// @Success 200 {object} util.Response
// @Router /api/homework/correct [post]
func (c *HomeworkController) Correct(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.HomeworkRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.HomeworkService.Correct(ctx.Request.Context(), userID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}
