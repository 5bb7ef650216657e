package router

import (
	"os"
	"path/filepath"

	"icebreaker/backend/pkg/validator"
)

// AddOpenAPIValidation validates /api requests against the schema and serves
// the schema under /api/docs. A missing schema disables both. Must run before
// SetupRoutes: gin binds middleware to routes at registration.
func (r *Router) AddOpenAPIValidation(schemaPath string) {
	if _, err := os.Stat(schemaPath); os.IsNotExist(err) {
		r.Logger.Warn("OpenAPI schema file not found, skipping validation", "path", schemaPath)
		return
	}

	v, err := validator.NewOpenAPIValidator(schemaPath)
	if err != nil {
		r.Logger.LogError(err, "failed to initialize OpenAPI validator", "path", schemaPath)
		return
	}

	r.Engine.Use(v.Middleware())
	r.Logger.Info("OpenAPI validation enabled", "schema", schemaPath, "version", v.Version())

	r.Engine.StaticFile("/api/docs/"+filepath.Base(schemaPath), schemaPath)
}
