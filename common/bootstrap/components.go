package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/dataflow/common/client"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/config"
	"github.com/lyzr/dataflow/common/db"
	"github.com/lyzr/dataflow/common/functions"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/orchestrator"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/redis"
	"github.com/lyzr/dataflow/common/store"
)

// Components holds all initialized service dependencies
type Components struct {
	Config *config.Config
	Logger *logger.Logger

	// DB is nil when the memory store is selected
	DB *db.DB

	// Redis is nil unless Redis events are enabled
	Redis *redis.Client

	Store        store.Store
	Registry     *process.Registry
	Log          *commit.Log
	Functions    *functions.Registry
	Orchestrator *orchestrator.Orchestrator
	Client       *client.Client

	// Internal
	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components
// Should be called with defer after Setup()
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}

	if c.Redis != nil {
		if err := c.Redis.GetUnderlying().Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}

	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
