package api

import (
	"github.com/gin-gonic/gin"

	"icebreaker/backend/pkg/health"
)

// RegisterHealthRoutes serves the checker report on /health and /api/v1/health
func RegisterHealthRoutes(engine *gin.Engine, checker *health.Checker) {
	handler := gin.WrapF(checker.HTTPHandler())
	engine.GET("/health", handler)
	engine.GET("/api/v1/health", handler)
}
