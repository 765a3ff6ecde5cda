package controller

import (
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/model"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

type KnowledgeGraphController struct {
	GraphService    *service.KnowledgeGraphService
	SnapshotService *service.SnapshotService
}

func NewKnowledgeGraphController(graphService *service.KnowledgeGraphService, snapshotService *service.SnapshotService) *KnowledgeGraphController {
	return &KnowledgeGraphController{GraphService: graphService, SnapshotService: snapshotService}
}

// parseSubject 学科参数接受中文名或英文别名
func parseSubject(ctx *gin.Context, raw string) (model.Subject, bool) {
	subject, ok := model.ParseSubject(raw)
	if !ok || !subject.Valid() {
		util.BadRequest(ctx, fmt.Sprintf("unknown subject %q", raw))
		return "", false
	}
	return subject, true
}

// @Summary 学科知识图谱
// @Description 节点按掌握度升序，附带薄弱链与学习建议；无数据时返回空图谱
// @Tags 知识图谱
// @Produce json
// @Security BearerAuth
// @Param subject path string true "学科"
// @Success 200 {object} util.Response
// @Router /api/knowledge-graph/graphs/{subject} [get]
func (c *KnowledgeGraphController) Graph(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}
	subject, ok := parseSubject(ctx, ctx.Param("subject"))
	if !ok {
		return
	}

	view, err := c.GraphService.SubjectGraph(userID, subject)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// @Summary 最新快照
// @Tags 知识图谱
// @Produce json
// @Security BearerAuth
// @Param subject query string true "学科"
// @Success 200 {object} util.Response
// @Router /api/knowledge-graph/snapshots/latest [get]
func (c *KnowledgeGraphController) LatestSnapshot(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}
	subject, ok := parseSubject(ctx, ctx.Query("subject"))
	if !ok {
		return
	}

	snap, err := c.SnapshotService.Latest(userID, subject)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, snap)
}

type createSnapshotRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// @Summary 手动生成快照
// @Description 同一天重复生成会覆盖当天的快照
// @Tags 知识图谱
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createSnapshotRequest true "学科"
// @Success 201 {object} util.Response
// @Router /api/knowledge-graph/snapshots [post]
func (c *KnowledgeGraphController) CreateSnapshot(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req createSnapshotRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	subject, ok := parseSubject(ctx, req.Subject)
	if !ok {
		return
	}

	snap, err := c.SnapshotService.CreateManual(ctx.Request.Context(), userID, subject)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Created(ctx, snap)
}

// @Summary 快照历史
// @Tags 知识图谱
// @Produce json
// @Security BearerAuth
// @Param subject query string true "学科"
// @Param limit query int false "数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/knowledge-graph/snapshots/history [get]
func (c *KnowledgeGraphController) SnapshotHistory(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}
	subject, ok := parseSubject(ctx, ctx.Query("subject"))
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	list, err := c.SnapshotService.History(userID, subject, limit)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, list)
}

// @Summary 快照对比
// @Description previous 为空时与该快照记录的上一快照对比
// @Tags 知识图谱
// @Produce json
// @Security BearerAuth
// @Param current query string true "当前快照ID"
// @Param previous query string false "对比快照ID"
// @Success 200 {object} util.Response
// @Router /api/knowledge-graph/snapshots/compare [get]
func (c *KnowledgeGraphController) CompareSnapshots(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	current := ctx.Query("current")
	if current == "" {
		util.BadRequest(ctx, "current is required")
		return
	}

	cmp, err := c.SnapshotService.Compare(userID, current, ctx.Query("previous"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, cmp)
}

// @Summary 快照详情
// @Tags 知识图谱
// @Produce json
// @Security BearerAuth
// @Param id path string true "快照ID"
// @Success 200 {object} util.Response
// @Router /api/knowledge-graph/snapshots/{id} [get]
func (c *KnowledgeGraphController) GetSnapshot(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	snap, err := c.SnapshotService.Get(userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, snap)
}
