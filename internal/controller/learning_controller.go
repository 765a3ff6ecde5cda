package controller

import (
	"context"
	"encoding/json"
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/service"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/logger"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	firstFrameWait  = 30 * time.Second
	maxRequestFrame = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type LearningController struct {
	QAService *service.QAService
}

func NewLearningController(qaService *service.QAService) *LearningController {
	return &LearningController{QAService: qaService}
}

// @Summary AI 答疑
// @Description 回答学生问题；判定为不会做/做错/有难度时自动生成错题
// @Tags 学习
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.AskRequest true "问题"
// @Success 200 {object} util.Response
// @Router /api/learning/ask [post]
func (c *LearningController) Ask(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	var req service.AskRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	resp, err := c.QAService.Ask(ctx.Request.Context(), userID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, resp)
}

// @Summary AI 答疑（流式）
// @Description WebSocket：连接后发送一帧 AskRequest JSON，服务端依次推送 content 帧，最后是一帧 done 或 error
// @Tags 学习
// @Security BearerAuth
// @Param token query string false "无法设置请求头时通过查询参数传令牌"
// @Router /api/learning/ask-stream [get]
func (c *LearningController) AskStream(ctx *gin.Context) {
	userID, ok := middleware.CurrentUserID(ctx)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestFrame)
	conn.SetReadDeadline(time.Now().Add(firstFrameWait))

	var req service.AskRequest
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeEvent(conn, service.AskEvent{Type: service.ChunkError, Message: "invalid request frame"})
		return
	}
	conn.SetReadDeadline(time.Time{})

	// 客户端断开时取消生成；已提交的数据保留
	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events, err := c.QAService.AskStream(streamCtx, userID, req)
	if err != nil {
		writeEvent(conn, service.AskEvent{Type: service.ChunkError, Message: util.ToAppError(err).Message})
		return
	}

	for ev := range events {
		if err := writeEvent(conn, ev); err != nil {
			cancel()
			// 排空，让生产者走完提交流程
			for range events {
			}
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func writeEvent(conn *websocket.Conn, ev service.AskEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(ev)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Log.Debug("ask-stream write failed", zap.Error(err))
	}
	return err
}
