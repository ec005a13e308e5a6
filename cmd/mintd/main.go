package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/keygridhq/mint/common/logger"
	"github.com/keygridhq/mint/common/otel"
	"github.com/keygridhq/mint/core/config"
	"github.com/keygridhq/mint/internal/clock"
	"github.com/keygridhq/mint/internal/generator"
	"github.com/keygridhq/mint/internal/http/handler"
	httprouter "github.com/keygridhq/mint/internal/http/router"
	"github.com/keygridhq/mint/internal/iputil"
	"github.com/keygridhq/mint/internal/lease"
	"github.com/keygridhq/mint/internal/telemetry"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	tel, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if tel != nil {
		slog.InfoContext(ctx, "otel initialized", "sink", cfg.OTel.Sink, "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled")
	}

	slog.InfoContext(ctx, "mintd starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)

	var emitter telemetry.Emitter = telemetry.Nop{}
	if cfg.OTel.Enabled() {
		emitter = telemetry.NewOTelEmitter()
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.WarnContext(ctx, "redis unreachable at startup", "error", err)
	} else {
		slog.InfoContext(ctx, "redis connected", "namespace", cfg.Lease.Namespace)
	}

	layout := generator.Layout{
		EpochMs:  cfg.Generator.EpochMs,
		NodeBits: cfg.Generator.NodeBits,
		SeqBits:  cfg.Generator.SeqBits,
	}

	mgr := lease.NewManager(lease.NewRedisCache(redisClient), emitter, lease.ManagerConfig{
		Namespace:       cfg.Lease.Namespace,
		Slots:           layout.MaxNode() + 1,
		TTL:             cfg.Lease.TTL,
		RenewFraction:   cfg.Lease.RenewFraction,
		AcquireDeadline: cfg.Lease.AcquireDeadline,
		CallTimeout:     cfg.Lease.CallTimeout,
		BackoffBase:     cfg.Lease.BackoffBase,
		BackoffCap:      cfg.Lease.BackoffCap,
	})

	nodeLease, degraded := acquireNode(ctx, cfg, mgr, emitter)
	slog.InfoContext(ctx, "node id assigned", "node_id", nodeLease.NodeID(), "degraded", degraded)

	guard := clock.NewGuard(cfg.Clock.MaxRegression)
	gen, err := generator.New(layout, guard, nodeLease, emitter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct generator", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	leaseDown := make(chan struct{}, 1)
	if !degraded {
		go func() {
			mgr.Run(runCtx)
			select {
			case leaseDown <- struct{}{}:
			default:
			}
		}()
	}

	status := &nodeStatus{mgr: mgr, guard: guard, node: nodeLease, degraded: degraded}
	router := setupRouter(cfg, gen, status, nodeLease)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		slog.InfoContext(ctx, "shutting down...")
	case <-leaseDown:
		// The renewal loop only exits on its own when ownership is gone.
		// Minting is already blocked; restart to re-acquire a fresh slot.
		slog.ErrorContext(ctx, "node id lease lost, exiting for re-acquisition")
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if !degraded {
		cancelRun()
		mgr.Stop()

		releaseCtx, cancelRelease := context.WithTimeout(ctx, 2*time.Second)
		if err := mgr.Release(releaseCtx); err != nil && !errors.Is(err, lease.ErrNoLease) {
			// Slot reclaims via TTL expiry; delayed reuse, never a collision.
			slog.WarnContext(releaseCtx, "lease release failed", "error", err)
		}
		cancelRelease()
	}

	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
	os.Exit(exitCode)
}

// acquireNode claims a leased slot, falling back to a locally derived node id
// when the cache is unavailable and degraded operation is allowed.
func acquireNode(ctx context.Context, cfg config.Config, mgr *lease.Manager, emitter telemetry.Emitter) (generator.NodeLease, bool) {
	_, err := mgr.Acquire(ctx)
	if err == nil {
		return mgr, false
	}
	if !cfg.Generator.AllowDegraded {
		slog.ErrorContext(ctx, "failed to acquire node id lease", "error", err)
		os.Exit(1)
	}
	slog.WarnContext(ctx, "lease acquisition failed, entering degraded mode", "error", err)

	node, ok := iputil.HostNode(cfg.Generator.NodeBits)
	if !ok {
		node = iputil.RandomNode(cfg.Generator.NodeBits)
		slog.WarnContext(ctx, "no usable ipv4 address, using random node id", "node_id", node)
	}
	emitter.RecordEvent(ctx, "node.degraded")
	return generator.StaticNode(node), true
}

func setupRouter(cfg config.Config, gen *generator.Generator, status *nodeStatus, nodeLease generator.NodeLease) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())

	mint := handler.NewMintHandler(gen, cfg.Generator.BatchMax)
	node := handler.NewNodeHandler(status)
	ready := func() bool {
		return nodeLease.Live(time.Now().UnixMilli())
	}
	httprouter.SetupRoutes(router, mint, node, ready)

	return router
}

// nodeStatus bridges the lease manager and clock guard to the status handler.
type nodeStatus struct {
	mgr      *lease.Manager
	guard    *clock.Guard
	node     generator.NodeLease
	degraded bool
}

func (s *nodeStatus) Status() handler.NodeStatus {
	st := handler.NodeStatus{
		NodeID:     s.node.NodeID(),
		Degraded:   s.degraded,
		ClockDrift: s.guard.Drift(),
	}
	if !s.degraded {
		st.LeaseExpiresAt = s.mgr.ExpiresAt()
	}
	return st
}

const banner = `
███╗   ███╗██╗███╗   ██╗████████╗██████╗
████╗ ████║██║████╗  ██║╚══██╔══╝██╔══██╗
██╔████╔██║██║██╔██╗ ██║   ██║   ██║  ██║
██║╚██╔╝██║██║██║╚██╗██║   ██║   ██║  ██║
██║ ╚═╝ ██║██║██║ ╚████║   ██║   ██████╔╝
╚═╝     ╚═╝╚═╝╚═╝  ╚═══╝   ╚═╝   ╚═════╝
`
