// Package internal wires the token pool service together: database, token
// allocator, delayed-release queue, state cache, event bus and HTTP surface.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tokenlease/tokend/internal/api"
	"github.com/tokenlease/tokend/internal/config"
	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/internal/pool"
	"github.com/tokenlease/tokend/internal/queue"
	"github.com/tokenlease/tokend/internal/statecache"
	"github.com/tokenlease/tokend/internal/stream"
	"github.com/tokenlease/tokend/pkg/logger"
	"github.com/tokenlease/tokend/pkg/model"
)

const shutdownTimeout = 10 * time.Second

// Master is the root of the service: it owns every subsystem and runs the
// HTTP server.
type Master struct {
	version string
	config  *config.Config

	repo   *pool.Repository
	tokens *pool.TokenService
	queue  *queue.Queue
	cache  *statecache.TokenStateManager
	bus    *stream.Bus
	echo   *echo.Echo

	log *log.Entry
}

// New creates an instance of the Master.
func New(version string, cfg *config.Config) *Master {
	return &Master{
		version: version,
		config:  cfg,
		log:     log.WithField("component", "master"),
	}
}

// Run migrates and seeds the database, starts the queue workers, the cache
// reconciler and the HTTP server, and blocks until the context is canceled
// or a subsystem fails.
func (m *Master) Run(ctx context.Context) error {
	m.log.Infof("tokend %s starting", m.version)

	dbURL := m.config.DB.ConnectionString()
	bunDB, err := db.Connect(dbURL)
	if err != nil {
		return errors.Wrap(err, "connecting to database")
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			m.log.WithError(cErr).Warn("failed to close database")
		}
	}()

	if err = db.Migrate(dbURL, m.config.DB.Migrations); err != nil {
		return errors.Wrap(err, "running migrations")
	}

	m.repo = pool.NewRepository()
	m.bus = stream.NewBus()
	defer m.bus.Close()

	m.cache = statecache.New(
		statecache.TokenListerFunc(func(ctx context.Context) ([]*model.Token, error) {
			return m.repo.ListTokens(ctx, bunDB)
		}),
		m.bus,
		time.Duration(m.config.Cache.ReconcileSeconds)*time.Second,
	)

	// The queue and the allocator reference each other; break the cycle by
	// constructing the allocator first with the queue slotted in after.
	var q *queue.Queue
	m.tokens = pool.NewTokenService(
		bunDB,
		m.repo,
		pool.SchedulerFunc(func(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error {
			return q.Schedule(ctx, tokenID, delay)
		}),
		m.cache,
		m.bus,
		time.Duration(m.config.Pool.LeaseSeconds)*time.Second,
	)
	q = queue.New(bunDB, m.tokens, queue.Config{
		Workers:      m.config.Queue.Workers,
		PollInterval: time.Duration(m.config.Queue.PollSeconds) * time.Second,
		BatchSize:    m.config.Queue.BatchSize,
		MaxAttempts:  m.config.Queue.MaxAttempts,
		RetryDelay:   time.Duration(m.config.Queue.RetrySeconds) * time.Second,
	})
	m.queue = q

	if _, err = m.tokens.Seed(ctx); err != nil {
		return errors.Wrap(err, "seeding token pool")
	}
	if err = m.cache.Reload(ctx); err != nil {
		return errors.Wrap(err, "loading state cache")
	}

	m.queue.Start()
	defer m.queue.Close()

	m.setupEcho()

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.cache.Run(gctx)
	})
	eg.Go(func() error {
		addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
		m.log.Infof("accepting incoming connections on %s", addr)
		if sErr := m.echo.Start(addr); sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
			return sErr
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return m.echo.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (m *Master) setupEcho() {
	m.echo = echo.New()
	m.echo.HideBanner = true
	m.echo.Logger = logger.New()
	m.echo.HTTPErrorHandler = api.JSONErrorHandler
	m.echo.Use(middleware.Recover())

	// Add resistance to common HTTP attacks.
	m.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		Skipper:            middleware.DefaultSkipper,
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	p := prometheus.NewPrometheus("tokend", nil)
	p.Use(m.echo)

	apiGroup := m.echo.Group("/api")
	apiGroup.GET("/health", api.Route(m.getHealth))
	apiGroup.POST("/tokens/activate", api.Route(m.postActivateToken))
	apiGroup.GET("/tokens", api.Route(m.getTokens))
	apiGroup.GET("/tokens/:token_id", api.Route(m.getToken))
	apiGroup.GET("/tokens/:token_id/history", api.Route(m.getTokenHistory))
	apiGroup.POST("/tokens/clear", api.Route(m.postClearTokens))
}
