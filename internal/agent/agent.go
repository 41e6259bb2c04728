// Package agent wires the daemon together: configuration, storage, the
// token bridge, the reader adapter, the orchestrator, the push channel,
// and the local HTTP control surface.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tapagent/internal/channel"
	"github.com/mbd888/tapagent/internal/config"
	"github.com/mbd888/tapagent/internal/eligibility"
	"github.com/mbd888/tapagent/internal/health"
	"github.com/mbd888/tapagent/internal/journal"
	"github.com/mbd888/tapagent/internal/logging"
	"github.com/mbd888/tapagent/internal/metrics"
	"github.com/mbd888/tapagent/internal/orchestrator"
	"github.com/mbd888/tapagent/internal/report"
	"github.com/mbd888/tapagent/internal/terminal"
	"github.com/mbd888/tapagent/internal/token"
	"github.com/mbd888/tapagent/internal/traces"
)

// Agent is the composed daemon.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	pairing *config.PairingStore

	db       *sql.DB // nil when using the in-memory journal
	store    journal.Store
	adapter  terminal.Adapter
	bridge   *token.Bridge
	reporter *report.Reporter
	orch     *orchestrator.Orchestrator
	channel  *channel.Manager
	checks   *health.Registry
	eligible *eligibility.Checker

	router  *gin.Engine
	httpSrv *http.Server

	runCtx         context.Context
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the agent.
type Option func(*Agent)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithAdapter sets a custom reader adapter (for testing).
func WithAdapter(adapter terminal.Adapter) Option {
	return func(a *Agent) {
		a.adapter = adapter
	}
}

// pairingCredentials adapts the pairing store to the token bridge. Reads
// on every fetch so a re-pair takes effect immediately.
type pairingCredentials struct {
	store *config.PairingStore
}

func (c pairingCredentials) TokenEndpoint() (string, string, error) {
	p, err := c.store.Load()
	if err != nil {
		return "", "", err
	}
	return p.TokenURL(), p.Bearer, nil
}

// New composes the agent from configuration.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(a)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTraces = shutdownTraces

	a.pairing = config.NewPairingStore(cfg.PairingFile)

	// Storage: Postgres when configured, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.store = journal.NewPostgresStore(db)
		a.logger.Info("using PostgreSQL journal", "url", maskDSN(cfg.DatabaseURL))
	} else {
		a.store = journal.NewMemoryStore()
		a.logger.Info("using in-memory journal")
	}

	a.bridge = token.New(pairingCredentials{store: a.pairing}, a.logger)

	if a.adapter == nil {
		if !cfg.SimulatedReader {
			return nil, fmt.Errorf("no hardware reader driver built in; set SIMULATED_READER=true")
		}
		a.adapter = terminal.NewSimulated(a.bridge, a.logger)
		a.logger.Info("using simulated reader driver")
	}

	a.reporter = report.New(cfg.CallbackURL, a.logger)

	// The channel consumer closes over the agent so the manager can be
	// built before the orchestrator that feeds on it.
	a.channel = channel.New(
		a.channelURL,
		func(ctx context.Context, payload []byte) { a.orch.HandleMessage(ctx, payload) },
		a.logger,
		channel.WithBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
	)

	a.orch = orchestrator.New(a.adapter, a.store, a.reporter, a.channel, orchestrator.Config{
		DiscoveryTimeout:    cfg.DiscoveryTimeout,
		SuccessReleaseDelay: cfg.SuccessReleaseDelay,
		FailureReleaseDelay: cfg.FailureReleaseDelay,
		LocationID:          a.locationID,
	}, a.logger)

	a.eligible = eligibility.New(
		eligibility.PairingProbe(a.Paired),
		eligibility.DriverProbe(func() bool { return a.adapter != nil }),
		eligibility.NetworkProbe(a.originAddr),
	)

	a.setupHealth()
	a.setupRouter()

	a.healthy.Store(true)
	return a, nil
}

// channelURL resolves the push-channel URL from the current pairing.
func (a *Agent) channelURL() (string, error) {
	p, err := a.pairing.Load()
	if err != nil {
		return "", err
	}
	return p.ChannelURL(), nil
}

// originAddr resolves the backend host:port for reachability checks.
func (a *Agent) originAddr() (string, error) {
	p, err := a.pairing.Load()
	if err != nil {
		return "", err
	}
	host := p.Origin
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	return host, nil
}

// locationID resolves the hardware location from the current pairing.
func (a *Agent) locationID() string {
	p, err := a.pairing.Load()
	if err != nil {
		return ""
	}
	return p.LocationID
}

// Paired reports whether a complete pairing is stored.
func (a *Agent) Paired() bool {
	_, err := a.pairing.Load()
	return err == nil
}

func (a *Agent) setupHealth() {
	a.checks = health.NewRegistry()

	a.checks.Register("channel", func(ctx context.Context) health.Status {
		if !a.Paired() {
			return health.Status{Name: "channel", Healthy: true, Detail: "not paired"}
		}
		if !a.channel.Connected() {
			return health.Status{Name: "channel", Healthy: false, Detail: "disconnected"}
		}
		return health.Status{Name: "channel", Healthy: true}
	})

	a.checks.Register("reader", func(ctx context.Context) health.Status {
		if r := a.adapter.ConnectedReader(); r != nil {
			return health.Status{Name: "reader", Healthy: true, Detail: r.ID}
		}
		// No reader bound is normal between payments.
		return health.Status{Name: "reader", Healthy: true, Detail: "not connected"}
	})

	if a.db != nil {
		a.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := a.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// Run starts the control server, the orchestrator loop, and (when paired)
// the push channel, then blocks until a signal arrives or ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancelRunCtx = cancel

	a.httpSrv = &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("starting control server", "port", a.cfg.Port)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go a.orch.Run(runCtx)

	if a.db != nil {
		go metrics.StartDBStatsCollector(runCtx, a.db, 15*time.Second)
	}

	if a.Paired() {
		if res := a.eligible.Check(runCtx); !res.Eligible {
			a.logger.Warn("not eligible for collection", "probe", res.Probe, "reason", res.Reason)
		}
		go func() { _ = a.channel.Connect(runCtx) }()
	} else {
		a.logger.Info("not paired; waiting for pairing via POST /v1/pair")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		a.ready.Store(true)
		a.logger.Info("agent ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("control server error: %w", err)
	case sig := <-sigChan:
		a.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	return a.Shutdown()
}

// Shutdown stops everything in dependency order.
func (a *Agent) Shutdown() error {
	a.ready.Store(false)
	a.logger.Info("starting graceful shutdown")

	if a.cancelRunCtx != nil {
		a.cancelRunCtx()
	}

	a.channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Error("control server shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		}
	}

	if a.shutdownTraces != nil {
		if err := a.shutdownTraces(ctx); err != nil {
			a.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Router exposes the gin engine for tests.
func (a *Agent) Router() *gin.Engine {
	return a.router
}

// maskDSN hides the password portion of a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
