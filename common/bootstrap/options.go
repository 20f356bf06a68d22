package bootstrap

import (
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/config"
	"github.com/lyzr/dataflow/common/db"
	"github.com/lyzr/dataflow/common/functions"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/store"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipRedis       bool
	customLogger    *logger.Logger
	customConfig    *config.Config
	customStore     store.Store
	customPublisher commit.Publisher
	customFunctions *functions.Registry
	dbInitHook      func(*db.DB) error
}

// WithoutRedis skips Redis initialization even when enabled in config
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithStore uses a pre-built store instead of the config-selected one
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.customStore = s
	}
}

// WithPublisher overrides the event publisher
func WithPublisher(p commit.Publisher) Option {
	return func(o *options) {
		o.customPublisher = p
	}
}

// WithFunctions uses a custom function registry
func WithFunctions(r *functions.Registry) Option {
	return func(o *options) {
		o.customFunctions = r
	}
}

// WithDBInitHook runs a custom function after DB initialization, replacing
// the default schema setup. Useful for migrations or seeding.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
