package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/promptrunner/internal/api/handlers"
	"github.com/nikhilbhutani/promptrunner/internal/api/middleware"
	"github.com/nikhilbhutani/promptrunner/internal/app"
	"github.com/nikhilbhutani/promptrunner/internal/auth"
	"github.com/nikhilbhutani/promptrunner/internal/config"
	"github.com/nikhilbhutani/promptrunner/internal/queue"
)

type Router struct {
	mux   *chi.Mux
	db    *pgxpool.Pool
	redis *redis.Client
	cfg   *config.Config
	svcs  *app.Services
	queue *queue.Client
	jwt   *auth.JWTMiddleware
}

// NewRouter builds the HTTP surface. qc may be nil, which disables async
// invocations.
func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, svcs *app.Services, qc *queue.Client) *Router {
	return &Router{
		mux:   chi.NewRouter(),
		db:    db,
		redis: rdb,
		cfg:   cfg,
		svcs:  svcs,
		queue: qc,
		jwt:   auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.DisableJWT, cfg.Auth.AdminRole),
	}
}

// Setup registers every route. The rate limiter janitor stops with ctx.
func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.CORSOrigins))

	rl := middleware.NewRateLimiter(ctx, rt.cfg.RateLimit.RPS, rt.cfg.RateLimit.Burst)

	// Health and metrics (no auth, no rate limit)
	health := handlers.NewHealthHandler(rt.db, rt.redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	var enqueuer handlers.Enqueuer
	if rt.queue != nil {
		enqueuer = rt.queue
	}
	taskTimeout := time.Duration(2*rt.cfg.Pipeline.MaxAttempts) * rt.cfg.LLM.Timeout

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rl.Limit)

		invH := handlers.NewInvocationHandler(rt.svcs.Invocations, enqueuer, taskTimeout)
		r.Route("/invocations", func(r chi.Router) {
			r.Post("/", invH.Create)
			r.Post("/async", invH.CreateAsync)
			r.Get("/", invH.List)
			r.Get("/{id}", invH.Get)
		})

		llmH := handlers.NewLLMHandler(rt.svcs.Gateway)
		r.Get("/llm/models", llmH.Models)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(rt.jwt.Authenticate)
			r.Use(auth.RequireRole(rt.cfg.Auth.AdminRole))

			promptH := handlers.NewPromptHandler(rt.svcs.Prompts)
			r.Route("/spaces/{space}/prompts", func(r chi.Router) {
				r.Post("/", promptH.Create)
				r.Get("/", promptH.List)
				r.Get("/{key}", promptH.Get)
				r.Put("/{key}", promptH.UpdateSettings)
				r.Post("/{key}/versions", promptH.CreateVersion)
				r.Put("/{key}/active-version", promptH.Activate)
				r.Post("/{key}/render", promptH.Render)
			})

			adminH := handlers.NewAdminHandler(rt.svcs.Audit)
			r.Get("/admin/usage", adminH.Usage)
		})
	})

	return r
}
