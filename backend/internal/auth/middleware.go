package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	CtxUserID   = "userId"
	CtxUsername = "username"
)

// Middleware 从 Authorization 或 ?token= 取令牌，校验后写入 userId/username。
func Middleware(g Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1200*time.Millisecond)
		defer cancel()
		id, err := g.Verify(ctx, token)
		if err != nil {
			if errors.Is(err, ErrUpstream) {
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set(CtxUserID, id.UserID)
		c.Set(CtxUsername, id.Username)
		c.Next()
	}
}

// IdentityFrom 取出 Middleware 写入的身份。
func IdentityFrom(c *gin.Context) Identity {
	return Identity{UserID: c.GetString(CtxUserID), Username: c.GetString(CtxUsername)}
}

func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
