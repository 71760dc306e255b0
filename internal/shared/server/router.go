package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/services/health"
	"bikefit-backend/internal/shared/auth"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/server/middleware"
	"bikefit-backend/internal/shared/server/respond"
	localstore "bikefit-backend/internal/shared/storage/object/local"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupUpload  = "UPLOAD"
)

// RouterDeps are the handlers mounted by NewRouter. ObjectHandler is set only
// for the local object store.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	Health          *health.Service
	ObjectHandler   gin.HandlerFunc
	RateLimiter     *middleware.RateLimiter
	Issuer          *auth.Issuer
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}
	api.GET("/health", func(c *gin.Context) {
		report := healthSvc.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	if deps.ObjectHandler != nil {
		r.GET(localstore.RoutePrefix+"*key", deps.ObjectHandler)
	}

	authed := api.Group("")
	authed.Use(
		middleware.Auth(deps.Issuer),
		middleware.RateLimit(deps.RateLimiter, middleware.RateLimitRules{
			rateGroupDefault: {Rate: 5, Burst: 20},
			rateGroupUpload:  {Rate: 0.2, Burst: 5},
		}, rateGroupFor),
	)
	registerMeRoutes(authed, deps.Config.MaxUploadBytes)
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(authed)
	}

	return r
}

// rateGroupFor puts uploads in their own bucket; status polls are limited by
// the analysis handler itself.
func rateGroupFor(c *gin.Context) string {
	if c.Request.Method == http.MethodPost {
		return rateGroupUpload
	}
	return rateGroupDefault
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
