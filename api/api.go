// Package api exposes rule ingestion, artifact management and scanning
// over HTTP. Every error is returned as {"ok": false, "code", "error"} with
// a status derived from the error's class.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rulebox/config"
	"rulebox/core"
	"rulebox/service"
)

// RuleIngester ingests rule files and archives.
type RuleIngester interface {
	IngestFile(ctx context.Context, family core.Family, sub core.RawSubmission) (*core.IngestReport, error)
	IngestArchive(ctx context.Context, family core.Family, sub core.RawSubmission) (*core.IngestReport, error)
}

// ArtifactManager lists and toggles compiled artifacts.
type ArtifactManager interface {
	ListArtifacts(ctx context.Context, family core.Family) ([]core.CompiledArtifact, error)
	SetEnabled(ctx context.Context, family core.Family, id int64, enabled bool) error
}

// SampleScanner runs a scan request to completion.
type SampleScanner interface {
	Scan(ctx context.Context, req service.ScanRequest) (*core.ScanResponse, error)
}

// HealthChecker reports whether the rule store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// authFailureEntry holds auth failure count and last failure time
type authFailureEntry struct {
	count    int
	lastFail time.Time
}

// API holds the API server
type API struct {
	router    *mux.Router
	server    *http.Server
	ingester  RuleIngester
	artifacts ArtifactManager
	scanner   SampleScanner
	health    HealthChecker
	config    *config.Config
	logger    *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	authFailures   map[string]*authFailureEntry
	authFailuresMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(ingester RuleIngester, artifacts ArtifactManager, scanner SampleScanner, health HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if ingester == nil || artifacts == nil || scanner == nil {
		panic("ingester, artifacts and scanner are required")
	}
	if cfg == nil {
		panic("config is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	a := &API{
		router:       mux.NewRouter(),
		ingester:     ingester,
		artifacts:    artifacts,
		scanner:      scanner,
		health:       health,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		authFailures: make(map[string]*authFailureEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	a.server = a.newServer()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	if a.config.Auth.Enabled {
		v1.Use(a.basicAuthMiddleware)
	}
	v1.HandleFunc("/rules/{family}", a.ingestRuleFile).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{family}/archive", a.ingestRuleArchive).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{family}/artifacts", a.listArtifacts).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{family}/artifacts/{id:[0-9]+}/enabled", a.setArtifactEnabled).Methods(http.MethodPut)
	v1.HandleFunc("/scan/{family}", a.scanSample).Methods(http.MethodPost)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, r, core.ErrNotFound)
	})
}

// Handler returns the root HTTP handler
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) newServer() *http.Server {
	addr := net.JoinHostPort(a.config.API.Host, strconv.Itoa(a.config.API.Port))
	return &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.config.API.ReadTimeout,
		WriteTimeout:      a.config.API.WriteTimeout,
	}
}

// Start starts the API server; TLS is used when configured
func (a *API) Start() error {
	a.logger.Infow("API server listening", "addr", a.server.Addr, "tls", a.config.API.TLS)
	if a.config.API.TLS {
		return a.server.ListenAndServeTLS(a.config.API.CertFile, a.config.API.KeyFile)
	}
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	return a.server.Shutdown(ctx)
}
