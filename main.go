package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/open115/bridge/internal/config"
	"github.com/open115/bridge/internal/kv"
	"github.com/open115/bridge/internal/leader"
	"github.com/open115/bridge/internal/observe"
	"github.com/open115/bridge/internal/retry"
	"github.com/open115/bridge/internal/server"
	"github.com/open115/bridge/internal/store"
	"github.com/open115/bridge/internal/token"
	"github.com/open115/bridge/internal/ttlcache"
	"github.com/open115/bridge/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/justinas/alice"
)

// linkPurgeInterval is how often the expired rows of the link cache are
// reclaimed. Purging only bounds storage growth; expiry is lazy.
const linkPurgeInterval = 10 * time.Minute

func configureServerRoutes(cfg config.Config, up *upstream.Client, links *ttlcache.Cache[resolvedLink]) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	standardRouteMiddleware := alice.New(requestLimiter, allowCORS)

	linkTTL := cfg.Upstream.LinkCacheTTL()

	mux.Handle("GET /file/info", standardRouteMiddleware.Then(handleFileInfo(up)))

	downloadHandler := standardRouteMiddleware.Then(handleDownload(up, links, linkTTL))
	mux.Handle("GET /file/download", downloadHandler)
	mux.Handle("HEAD /file/download", downloadHandler)

	mux.Handle("GET /file/play", standardRouteMiddleware.Then(handlePlay(up, links, linkTTL)))

	mux.Handle("POST /magnet/add", standardRouteMiddleware.Then(handleMagnetAdd(up)))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the default HTTP client used by
	// the upstream and remote backend clients
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = otelhttp.NewTransport(configureHTTPTransport(cfg.Server))
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// the durable per-host store backs both the token record and the link
	// cache; every process on the host opens the same file
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store configuration failed: %w", err)
	}

	tokenStore, err := token.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("token store configuration failed: %w", err)
	}

	links, err := ttlcache.New[resolvedLink](ctx, db)
	if err != nil {
		return fmt.Errorf("link cache configuration failed: %w", err)
	}

	backend, err := kv.NewFromConfig(cfg.Remote)
	if err != nil {
		return fmt.Errorf("remote backend configuration failed: %w", err)
	}

	source := token.NewSource(tokenStore, cfg.Token.RefreshThreshold())
	up := upstream.New(cfg.Upstream, source)

	elector, err := leader.NewFileLock(cfg.Token.LockFile())
	if err != nil {
		return fmt.Errorf("leader election configuration failed: %w", err)
	}

	manager := token.NewManager(
		tokenStore,
		token.NewKVCredentials(backend, retry.DefaultPolicy()),
		func(ctx context.Context, refreshToken string) (token.Grant, error) {
			grant, err := up.RefreshAccessToken(ctx, refreshToken)
			if err != nil {
				return token.Grant{}, err
			}
			return token.Grant{
				AccessToken:  grant.AccessToken,
				RefreshToken: grant.RefreshToken,
				ExpiresAt:    grant.ExpiresAt,
			}, nil
		},
		elector,
		token.ManagerOptions{
			RefreshThreshold: cfg.Token.RefreshThreshold(),
			MinSleep:         cfg.Token.MinSleep(),
		},
	)

	backgroundCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go func() {
		if err := manager.Run(backgroundCtx); err != nil {
			log.Error().Err(err).Msg("token manager failed; this process will serve from the shared store only")
		}
	}()
	go links.StartPurge(backgroundCtx, linkPurgeInterval)

	// handlers fail fast with 503 until the leader completes bootstrap, so a
	// slow remote backend delays readiness without failing startup
	if err := source.EnsureReady(ctx, cfg.Token.ReadyTimeout(), cfg.Token.PollInterval()); err != nil {
		log.Error().Err(err).Msg("tokens not ready at startup; continuing")
	}

	handler := configureServerRoutes(cfg, up, links)

	var hooks server.ShutdownHooks
	hooks.AddContext("token manager", func(ctx context.Context) error {
		stopBackground()
		select {
		case <-manager.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	hooks.Add("remote backend", backend.Close)
	hooks.Add("store database", db.Close)
	hooks.AddContext("telemetry", shutdownTelemetry)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = serveHTTP(cfg.Server, httpServer, &hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// serveHTTP runs the server until it fails or a termination signal arrives,
// then shuts down gracefully within the configured timeout and executes the
// shutdown hooks.
func serveHTTP(cfg config.ServerConfig, httpServer *http.Server, hooks *server.ShutdownHooks) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server starting")
		serverErr <- httpServer.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return err
	case <-signalCtx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	hooks.Execute(shutdownCtx)

	return err
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
