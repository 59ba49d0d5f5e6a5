package middlewares

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Session is what the login service stores under Token:<token>.
type Session struct {
	Username     string `json:"username"`
	RestaurantId string `json:"restaurantId"`
}

type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*Session, bool, error)
}

type RedisSessions struct {
	Client *redis.Client
}

func (r RedisSessions) Resolve(ctx context.Context, token string) (*Session, bool, error) {
	if r.Client == nil {
		return nil, false, nil
	}
	val, err := r.Client.Get(ctx, "Token:"+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var session Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, false, err
	}
	if session.RestaurantId == "" {
		return nil, false, nil
	}
	return &session, true, nil
}

// StaticSessions maps token to restaurant id.
type StaticSessions map[string]string

func (s StaticSessions) Resolve(_ context.Context, token string) (*Session, bool, error) {
	restaurantId, ok := s[token]
	if !ok {
		return nil, false, nil
	}
	return &Session{Username: token, RestaurantId: restaurantId}, true, nil
}

func requestToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader("token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// SessionMiddleware resolves the request token, if any, and puts the session
// on the request context. An unknown token is rejected here; a missing one is
// left to RequireSession.
func SessionMiddleware(resolver SessionResolver) gin.HandlerFunc {
	logger := config.GetLogger()
	return func(c *gin.Context) {
		token := requestToken(c)
		if token == "" {
			c.Next()
			return
		}
		session, exists, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			config.LogError(logger, "middlewares", "SessionMiddleware", "resolve session", nil, err)
		}
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, session.Username)
		ctx = utils.SetRestaurantIdInContext(ctx, session.RestaurantId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if restaurantId, ok := utils.GetRestaurantIdFromContext(c.Request.Context()); !ok || restaurantId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
