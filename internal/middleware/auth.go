package middleware

import (
	"error_book_backend/internal/util"
	"error_book_backend/pkg/logger"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware 校验外部认证服务签发的 Bearer 令牌；WebSocket 握手无法带头部时读取 ?token=
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			util.Unauthorized(c)
			return
		}

		claims, err := util.ParseJWT(tokenString, secret)
		if err != nil || claims.UserID == 0 {
			logger.Log.Debug("jwt rejected", zap.Error(err))
			util.Unauthorized(c)
			return
		}

		c.Set("user", claims)
		c.Next()
	}
}

// CurrentUserID 取当前用户，未认证时写 401 并返回 false
func CurrentUserID(c *gin.Context) (uint, bool) {
	user := util.GetUserFromContext(c)
	if user == nil {
		util.Unauthorized(c)
		return 0, false
	}
	return user.UserID, true
}
