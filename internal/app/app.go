// Package app assembles the services shared by the API server, the worker
// and the CLI.
package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/promptrunner/internal/audit"
	"github.com/nikhilbhutani/promptrunner/internal/cache"
	"github.com/nikhilbhutani/promptrunner/internal/config"
	"github.com/nikhilbhutani/promptrunner/internal/invocation"
	"github.com/nikhilbhutani/promptrunner/internal/llm"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
	"github.com/nikhilbhutani/promptrunner/internal/schema"
)

type Services struct {
	Prompts     *prompt.Service
	Invocations *invocation.Service
	Audit       *audit.Service
	Schemas     *schema.FileLoader
	Gateway     llm.Gateway
}

// New wires the pipeline against Postgres. rdb may be nil, in which case
// template lookups are not cached.
func New(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Services {
	var c *cache.Cache
	if rdb != nil {
		c = cache.NewCache(rdb, "promptrunner:")
	}

	prompts := prompt.NewService(db, c, cfg.Cache.TemplateTTL)
	auditSvc := audit.NewService(db)
	schemas := schema.NewFileLoader(cfg.Pipeline.SchemasDir)
	gateway := llm.NewGateway(cfg.LLM)

	invocations := invocation.NewService(
		invocation.NewPGStore(db),
		prompts,
		schemas,
		gateway,
		auditSvc,
		invocation.Config{
			DefaultSpace: cfg.Pipeline.DefaultSpace,
			MaxAttempts:  cfg.Pipeline.MaxAttempts,
			StrictSchema: cfg.LLM.StrictSchema,
		},
	)

	return &Services{
		Prompts:     prompts,
		Invocations: invocations,
		Audit:       auditSvc,
		Schemas:     schemas,
		Gateway:     gateway,
	}
}
