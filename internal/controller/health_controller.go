package controller

import (
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type HealthController struct {
	DB *gorm.DB
	AI *service.AIService
}

func NewHealthController(db *gorm.DB, ai *service.AIService) *HealthController {
	return &HealthController{DB: db, AI: ai}
}

// @Summary 健康检查
// @Description 检查数据库与大模型网关状态；模型不可达时服务降级但仍返回 200
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	// 检查数据库连接
	sqlDB, err := c.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx.Request.Context())
	}
	if err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, util.CodeInternal, "Database unavailable")
		return
	}

	status := "ok"
	components := gin.H{"database": "up"}
	if c.AI != nil {
		ai := c.AI.Health(ctx.Request.Context())
		components["ai"] = ai
		if !ai.Reachable {
			status = "degraded"
		}
	}

	util.Success(ctx, gin.H{
		"status":     status,
		"components": components,
	})
}
