package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"auction/adapters/store"
	"auction/engine"
	"auction/models"
)

// UserDirectory 提供使用者的角色與封鎖狀態
type UserDirectory interface {
	User(ctx context.Context, userID uuid.UUID) (models.User, error)
}

const (
	actorContextKey   = "actor"
	accessTokenCookie = "access_token"
)

// AuthMiddleware 解析 access token 並將呼叫者存入 context
// 瀏覽器的 EventSource 無法自訂 header，因此也接受 cookie
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString, _ = c.Cookie(accessTokenCookie)
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "missing access token"})
			return
		}
		token, err := ParseAndValidateJWT(tokenString, h.options.signer)
		if err != nil {
			h.logger.Debug("Fail to parse and validate JWT", slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "invalid access token"})
			return
		}
		actor, err := h.actorFromToken(c.Request.Context(), token)
		if err != nil {
			h.logger.Error("Fail to resolve actor", slog.String("subject", token.Subject), slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "invalid access token"})
			return
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// actorFromToken 以資料庫的使用者資料為準，找不到使用者時才採用 token 內的角色
func (h *Handler) actorFromToken(ctx context.Context, token *JWT) (engine.Actor, error) {
	userID, err := uuid.Parse(token.Subject)
	if err != nil {
		return engine.Actor{}, err
	}
	actor := engine.Actor{
		UserID: userID,
		Role:   lo.Ternary(token.Role == models.RoleOperator, models.RoleOperator, models.RoleBidder),
	}
	if h.options.users == nil {
		return actor, nil
	}
	user, err := h.options.users.User(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return actor, nil
	}
	if err != nil {
		return engine.Actor{}, err
	}
	actor.Role = user.Role
	actor.Blocked = user.Blocked
	return actor, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func actorFrom(c *gin.Context) engine.Actor {
	actor, _ := c.MustGet(actorContextKey).(engine.Actor)
	return actor
}
