package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/shared/server/middleware"
	"bikefit-backend/internal/shared/server/respond"
)

type meLimits struct {
	MaxUploadBytes int64 `json:"maxUploadBytes"`
}

type meResponse struct {
	UserID  string   `json:"userId"`
	IsGuest bool     `json:"isGuest"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Limits  meLimits `json:"limits"`
}

// registerMeRoutes mounts GET /me, which echoes the resolved identity so
// clients can confirm which owner their submissions will belong to.
func registerMeRoutes(rg *gin.RouterGroup, maxUploadBytes int64) {
	rg.GET("/me", func(c *gin.Context) {
		owner := middleware.UserIDFromContext(c)
		if owner == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
			return
		}
		respond.OK(c, meResponse{
			UserID:  owner,
			IsGuest: middleware.IsGuest(c),
			Email:   middleware.UserEmailFromContext(c),
			Name:    middleware.UserNameFromContext(c),
			Limits:  meLimits{MaxUploadBytes: maxUploadBytes},
		})
	})
}
