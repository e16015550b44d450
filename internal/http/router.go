package httpserver

import (
	"context"
	"net/http"

	"github.com/iago/lesson-pipeline/internal/http/handlers"
	"github.com/iago/lesson-pipeline/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the lesson routes behind the middleware chain. ctx bounds
// the background work some middleware starts.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/lessons", deps.API.Lessons)
	mux.HandleFunc("/v1/lessons/", deps.API.LessonStatus)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace()(handler)
	handler = middleware.RequestID(deps.Logger)(handler)

	return handler
}
