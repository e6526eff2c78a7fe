package di

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/retail"
	"github.com/goliatone/go-query-sync/session"
	"github.com/goliatone/go-query-sync/transport"
	"go.uber.org/zap"
)

// Config wires the components owned by a Container.
type Config struct {
	// API configures the REST client. API.BaseURL is required.
	API transport.Config

	// Cache configures the query cache.
	Cache cache.Config

	// Retention overrides Cache.Retention when its Window is set.
	Retention cache.RetentionConfig

	// SessionDSN is the sqlite database holding the credential. Empty keeps
	// the credential in memory for the lifetime of the container.
	SessionDSN string

	// Logger is shared by every component. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns a Config for the API at baseURL with the component
// defaults.
func DefaultConfig(baseURL string) Config {
	api := transport.DefaultConfig()
	api.BaseURL = baseURL
	return Config{
		API:   api,
		Cache: cache.DefaultConfig(),
	}
}

// Container owns the lifecycle of the query cache, the API client, the
// session and the dashboard built on top of them. Ending the session clears
// the cache.
type Container struct {
	config Config
	logger *zap.Logger

	client    *transport.Client
	cache     *cache.QueryCache
	store     session.Store
	session   *session.Manager
	dashboard *retail.Dashboard

	stopLogout func()
	closeStore func() error
	closeOnce  sync.Once
	closeErr   error
}

// NewContainer builds every component from config. ctx bounds opening the
// session store.
func NewContainer(ctx context.Context, config Config) (*Container, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Retention.Window > 0 {
		config.Cache.Retention = config.Retention
	}
	config.API.Logger = logger.Named("transport")
	config.Cache.Logger = logger.Named("cache")

	client, err := transport.New(config.API)
	if err != nil {
		return nil, err
	}

	qc, err := cache.New(config.Cache)
	if err != nil {
		return nil, err
	}

	c := &Container{config: config, logger: logger, client: client, cache: qc}

	if config.SessionDSN == "" {
		c.store = session.NewMemoryStore()
	} else {
		sqlStore, err := session.OpenSQLStore(ctx, config.SessionDSN)
		if err != nil {
			qc.Close()
			return nil, err
		}
		c.store, c.closeStore = sqlStore, sqlStore.Close
	}

	c.session = session.NewManager(client, c.store, logger.Named("session"))
	c.stopLogout = c.session.OnLogout(c.sessionEnded)
	c.dashboard = retail.NewDashboard(qc, retail.NewHTTPBackend(client), logger)
	return c, nil
}

// NewContainerWithDefaults builds a Container for the API at baseURL with
// an in-memory session.
func NewContainerWithDefaults(ctx context.Context, baseURL string) (*Container, error) {
	return NewContainer(ctx, DefaultConfig(baseURL))
}

// Cache returns the query cache.
func (c *Container) Cache() *cache.QueryCache { return c.cache }

// Client returns the API client.
func (c *Container) Client() *transport.Client { return c.client }

// Session returns the session manager.
func (c *Container) Session() *session.Manager { return c.session }

// Dashboard returns the cached retail API.
func (c *Container) Dashboard() *retail.Dashboard { return c.dashboard }

// Config returns the configuration the container was built with.
func (c *Container) Config() Config { return c.config }

// Restore resumes a persisted session.
func (c *Container) Restore(ctx context.Context) (session.Profile, error) {
	return c.session.Restore(ctx)
}

// Login authenticates and persists the credential.
func (c *Container) Login(ctx context.Context, creds session.Credentials) (session.Profile, error) {
	return c.session.Login(ctx, creds)
}

// Logout ends the session. Cached data of the previous cashier is dropped.
func (c *Container) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

func (c *Container) sessionEnded(reason error) {
	n := c.cache.Clear()
	if reason != nil {
		c.logger.Info("session rejected", zap.Error(reason), zap.Int("cleared", n))
		return
	}
	c.logger.Info("logged out", zap.Int("cleared", n))
}

// Close releases every component. Close is idempotent.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		c.stopLogout()
		c.session.Close()
		errs := []error{c.cache.Close()}
		if c.closeStore != nil {
			errs = append(errs, c.closeStore())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
