package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"proxyfleet/internal/app/bootstrap"
	"proxyfleet/internal/app/server"
	"proxyfleet/internal/arbiter"
	"proxyfleet/internal/config"
	"proxyfleet/internal/events"
	"proxyfleet/internal/geolite"
	"proxyfleet/internal/jobs/batch"
	"proxyfleet/internal/jobs/prober"
	"proxyfleet/internal/jobs/runtime"
	"proxyfleet/internal/notify"
	"proxyfleet/internal/support"
)

const defaultBackendPort = 8082

type services struct {
	hub      *events.Hub
	notifier notify.Multi
	arbiter  *arbiter.Service
	runner   *prober.Runner
	batches  *batch.Orchestrator
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	if *productionFlag {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}
	backendPort := resolvePort("BACKEND_PORT", *backendPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Setup(); err != nil {
		return err
	}
	defer geolite.Default().Close()

	svc := newServices(ctx)

	if support.RedisConfigured() {
		redisClient, err := support.GetRedisClient()
		if err != nil {
			return fmt.Errorf("failed to get redis client: %w", err)
		}
		defer func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()

		config.EnableRedisSynchronization(ctx, redisClient)
		svc.batches.EnableRedis(ctx, redisClient)
		heartbeatCancel := runtime.LaunchInstanceHeartbeat(ctx, redisClient)
		defer heartbeatCancel()
		log.Info("Redis connected, cross-instance coordination enabled", "instance", runtime.InstanceID())
	} else {
		log.Warn("REDIS_URL not set, running as a single instance")
	}

	go runtime.StartScheduledFleetTests(ctx, svc.batches)
	go runtime.StartHealthReconcileRoutine(ctx)

	err := server.OpenRoutes(ctx, backendPort, server.Dependencies{
		Arbiter: svc.arbiter,
		Prober:  svc.runner,
		Batches: svc.batches,
		Events:  http.HandlerFunc(svc.hub.ServeWS),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("proxyfleet stopped")
	return nil
}

// newServices wires the engine: probe outcomes flow into the arbiter, batches
// run through the same runner, and everything publishes to one hub.
func newServices(ctx context.Context) *services {
	hub := events.NewHub()

	notifier := notify.Multi{notify.LogSink{}}
	if slack := notify.NewSlackSinkFromEnv(); slack != nil {
		notifier = append(notifier, slack)
		log.Info("Slack notifications enabled")
	}

	arb := arbiter.New(notifier, hub)
	runner := &prober.Runner{Events: hub, OnOutcome: arb.HandleProbeOutcome}
	batches := batch.NewOrchestrator(ctx, runner.Run, hub)

	return &services{
		hub:      hub,
		notifier: notifier,
		arbiter:  arb,
		runner:   runner,
		batches:  batches,
	}
}

func resolvePort(envKey string, fallback int) int {
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
