package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/build"
	"github.com/deployerd/deployerd/internal/certs"
	"github.com/deployerd/deployerd/internal/health"
	"github.com/deployerd/deployerd/internal/jobs"
	"github.com/deployerd/deployerd/internal/log"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/metricscollector"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/orchestrator"
	"github.com/deployerd/deployerd/internal/queue"
	"github.com/deployerd/deployerd/internal/quota"
	"github.com/deployerd/deployerd/internal/scheduler"
	"github.com/deployerd/deployerd/internal/source"
	"github.com/deployerd/deployerd/internal/store"
	"github.com/deployerd/deployerd/internal/swarm"
	"github.com/deployerd/deployerd/internal/traefik"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "deployerd",
	Short:   "deployerd - multi-tenant deployment control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"deployerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(enqueueCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build metadata",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deployerd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> <payload-file>",
	Short: "Enqueue a job of the given kind from a JSON payload file, bypassing the (out-of-scope) HTTP/RPC surface",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("data-dir", "/var/lib/deployerd", "Directory holding the bbolt database")
	enqueueCmd.Flags().Int("priority", 5, "Job priority (lower claims first)")
	enqueueCmd.Flags().Int("attempts", 3, "Maximum delivery attempts before dead-lettering")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	kind := model.JobKind(args[0])
	payloadPath := args[1]

	dataDir, _ := cmd.Flags().GetString("data-dir")
	priority, _ := cmd.Flags().GetInt("priority")
	attempts, _ := cmd.Flags().GetInt("attempts")

	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload file: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse payload file: %w", err)
	}

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	jobStore := store.NewJobStore(db)
	queueDriver := queue.New(jobStore, queue.DefaultConfig(), log.WithComponent("enqueue"))

	id, err := queueDriver.Enqueue(kind, payload, queue.EnqueueOptions{
		Priority: priority,
		Attempts: attempts,
		Backoff:  model.Backoff{Type: model.BackoffExponential, BaseDelay: 5 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}

	fmt.Printf("enqueued %s job %s\n", kind, id)
	return nil
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deployerd control plane: worker pool, periodic sweeps, and the metrics endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "/var/lib/deployerd", "Directory holding the bbolt database")
	workspaceDefault := os.Getenv("WORKSPACE_DIR")
	if workspaceDefault == "" {
		workspaceDefault = "/tmp/deployer-workspace"
	}
	serveCmd.Flags().String("workspace-dir", workspaceDefault, "Scratch directory the Source Materializer clones/extracts into (default from WORKSPACE_DIR)")
	serveCmd.Flags().String("static-root", "/var/lib/deployerd/static", "Root directory the static Builder strategy copies into")
	serveCmd.Flags().String("traefik-config-dir", "/etc/traefik/dynamic", "Directory the Traefik Renderer writes its dynamic config file into")
	serveCmd.Flags().String("docker-host", "", "Docker daemon address (defaults to DOCKER_HOST / the local socket)")
	serveCmd.Flags().String("metrics-addr", ":9090", "Address the Prometheus /metrics endpoint listens on")
	serveCmd.Flags().Int("concurrency", 4, "Number of worker goroutines draining the job queue")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	workspaceDir, _ := cmd.Flags().GetString("workspace-dir")
	staticRoot, _ := cmd.Flags().GetString("static-root")
	traefikConfigDir, _ := cmd.Flags().GetString("traefik-config-dir")
	dockerHost, _ := cmd.Flags().GetString("docker-host")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	logger := log.WithComponent("main")

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	jobStore := store.NewJobStore(db)
	stackStore := store.NewStackStore(db)
	deploymentStore := store.NewDeploymentStore(db)
	certStore := store.NewCertStore(db)
	telemetryStore := store.NewTelemetryStore(db)

	dockerCli, err := swarm.NewClientFromEnv(dockerHost)
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	swarmDriver := swarm.New(dockerCli, log.WithComponent("swarm"), 0)

	queueCfg := queue.DefaultConfig()
	if concurrency > 0 {
		queueCfg.Concurrency = concurrency
	}
	queueDriver := queue.New(jobStore, queueCfg, log.WithComponent("queue"))

	alertBus := alerts.New(telemetryStore, queueDriver)

	traefikRenderer := traefik.New(stackStore, func(ctx context.Context, stackID string) error {
		stack, err := stackStore.GetStack(stackID)
		if err != nil {
			return err
		}
		return swarmDriver.Converge(ctx, stack)
	})

	healthMonitor := health.New(stackStore, telemetryStore, alertBus, health.DefaultConfig(), log.WithComponent("health"))
	metricsCollector := metricscollector.New(dockerCli, stackStore, telemetryStore, alertBus, log.WithComponent("metrics-collector"), "")
	certCoordinator := certs.New(certStore, queueDriver, alertBus, log.WithComponent("certs"))
	quotaGuard := quota.New(stackStore)
	materializer := source.New(workspaceDir, nil)
	builder := build.New(staticRoot, dockerCli)

	orch := orchestrator.New(
		jobStore, stackStore, deploymentStore,
		materializer, builder, quotaGuard,
		traefikRenderer, swarmDriver, healthMonitor,
		orchestrator.Config{TraefikConfigDir: traefikConfigDir},
		log.WithComponent("orchestrator"),
	)

	jobHandlers := jobs.New(stackStore, swarmDriver, healthMonitor, log.WithComponent("jobs"))

	queueDriver.Register(model.JobKindDeploy, orch.HandleDeploy)
	queueDriver.Register(model.JobKindDeployUpload, orch.HandleDeployUpload)
	queueDriver.Register(model.JobKindRollback, orch.HandleRollback)
	queueDriver.Register(model.JobKindCleanup, jobHandlers.HandleCleanup)
	queueDriver.Register(model.JobKindHealthCheck, jobHandlers.HandleHealthCheck)
	queueDriver.Register(model.JobKindSendAlertNotification, jobHandlers.HandleSendAlertNotification)
	queueDriver.Register(model.JobKindRenewCertificate, certCoordinator.HandleRenewCertificate)
	queueDriver.Register(model.JobKindUpdateTraefikConfig, traefikRenderer.HandleUpdateTraefikConfig)

	sched := scheduler.New(
		healthMonitor, metricsCollector, certCoordinator,
		telemetryStore, telemetryStore, jobStore,
		scheduler.Config{RetainCompletedJobs: queueCfg.RetainCompleted, RetainFailedJobs: queueCfg.RetainFailed},
		log.WithComponent("scheduler"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sched.Start(ctx)

	go queueDriver.Run(ctx)

	logger.Info().Msg("deployerd is running")
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	sched.Stop()
	queueDriver.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
