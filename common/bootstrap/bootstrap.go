// Package bootstrap assembles the engine stack for services and tests:
// config, logger, store, registry, commit log, orchestrator, and client.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/dataflow/common/client"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/config"
	"github.com/lyzr/dataflow/common/db"
	"github.com/lyzr/dataflow/common/functions"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/orchestrator"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/redis"
	"github.com/lyzr/dataflow/common/store/memory"
	"github.com/lyzr/dataflow/common/store/postgres"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize storage
	switch {
	case options.customStore != nil:
		components.Store = options.customStore
	case components.Config.Engine.StoreType == "memory":
		components.Store = memory.New(components.Logger)
	default:
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		} else if err := postgres.EnsureSchema(ctx, components.DB); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}

		components.Store = postgres.New(components.DB, components.Logger)
	}

	// 4. Process registry
	components.Registry = process.NewRegistry(components.Logger)

	// 5. Event publisher: Redis when enabled, in-process mailboxes otherwise
	var publisher commit.Publisher
	switch {
	case options.customPublisher != nil:
		publisher = options.customPublisher
	case !options.skipRedis && components.Config.Redis.Enabled && components.Config.Features.EnableRedisEvents:
		components.Logger.Info("connecting to redis", "addr", components.Config.Redis.Addr)
		underlying := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := underlying.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = redis.NewClient(underlying, components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return underlying.Close()
		})
		publisher = redis.NewEventPublisher(components.Redis)
	default:
		publisher = commit.NewProcessPublisher(components.Registry)
	}

	// 6. Commit log
	components.Log = commit.New(commit.Opts{
		Store:     components.Store,
		Registry:  components.Registry,
		Publisher: publisher,
		Logger:    components.Logger,
	})

	// 7. Function registry
	if options.customFunctions != nil {
		components.Functions = options.customFunctions
	} else {
		components.Functions = functions.NewRegistry()
	}

	// 8. Orchestrator and client
	components.Orchestrator = orchestrator.New(orchestrator.Opts{
		Log:       components.Log,
		Registry:  components.Registry,
		Functions: components.Functions,
		Logger:    components.Logger,
		Engine:    components.Config.Engine,
	})

	components.Client = client.New(client.Opts{
		Log:          components.Log,
		Orchestrator: components.Orchestrator,
		Logger:       components.Logger,
		PollInterval: components.Config.Engine.DispatchPoll,
	})

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", components.Config.Engine.StoreType,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
