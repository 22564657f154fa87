package middleware

import (
	"context"
	"net/http"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/session"
	"agency-portal-backend/internal/usecase"
	"agency-portal-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ClientCookieName = "client_id"
	clientKey        = "session_client"
)

// SessionRegistry hands out the mounted provider for a browser client.
type SessionRegistry interface {
	Acquire(ctx context.Context, clientID string) (*usecase.Client, error)
}

type ClientCookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// ClientSession identifies the browser by its client_id cookie, issuing one
// when missing, and puts the client's provider on the request context. When
// the registry fails the request proceeds with session.Unavailable.
func ClientSession(registry SessionRegistry, cfg ClientCookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, err := c.Cookie(ClientCookieName)
		if _, parseErr := uuid.Parse(clientID); err != nil || parseErr != nil {
			clientID = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(ClientCookieName, clientID, int(cfg.MaxAge.Seconds()), "/", "", cfg.Secure, true)
		}

		ctx := context.WithValue(c.Request.Context(), domain.KeyClientID, clientID)
		client, err := registry.Acquire(ctx, clientID)
		if err != nil {
			logger.Log.Warn("session provider unavailable", "client_id", clientID, "error", err)
		} else {
			c.Set(clientKey, client)
			if client.Auth != nil {
				ctx = session.WithAuth(ctx, client.Auth)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClientFrom returns the client mounted by ClientSession, or nil.
func ClientFrom(c *gin.Context) *usecase.Client {
	v, ok := c.Get(clientKey)
	if !ok {
		return nil
	}
	client, _ := v.(*usecase.Client)
	return client
}
