package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"geneset-workers/pkg/archive"
	"geneset-workers/pkg/config"
	"geneset-workers/pkg/dispatch"
	"geneset-workers/pkg/handler"
	"geneset-workers/pkg/job"
	"geneset-workers/pkg/mq"
	"geneset-workers/pkg/observability"
	"geneset-workers/pkg/runner"
	"geneset-workers/pkg/store"
)

func main() {
	childMode := flag.Bool("child", false, "run one isolated handler execution and exit (internal)")
	familyFlag := flag.String("family", "", "job family to serve (analysis, datasets, reports)")
	flag.Parse()

	_ = godotenv.Load()

	if *childMode {
		os.Exit(runChild())
	}

	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	family := job.Family(cfg.Worker.Family)
	if *familyFlag != "" {
		family = job.Family(*familyFlag)
	}
	if !family.Valid() {
		slog.Error("unknown job family", "family", string(family))
		os.Exit(1)
	}

	ctx := context.Background()

	storeClient, err := store.New(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer storeClient.Close()

	archiveClient, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		slog.Error("failed to connect to archive", "error", err)
		os.Exit(1)
	}
	defer archiveClient.Close()
	if err := archiveClient.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize archive schema", "error", err)
	}

	if err := runner.SweepScratch(cfg.Worker.ScratchRoot); err != nil {
		slog.Warn("scratch sweep failed", "error", err)
	}

	broker := mq.New(cfg.Broker)
	defer broker.Close()

	// Signals only trip the broker's cancellation token; the dispatcher
	// observes it once per tick and winds the in-flight job down itself.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		broker.RequestShutdown()
	}()

	observability.StartMetricsServer(cfg.Worker.MetricsAddr)

	spawner := &runner.SelfSpawner{ScratchRoot: cfg.Worker.ScratchRoot}
	dispatcher := dispatch.New(family, storeClient, broker, buildRegistry(), spawner, archiveClient)

	slog.Info("worker started", "family", string(family), "queue", family.QueueName())
	if err := broker.Consume(family.QueueName(), dispatcher.OnMessage); err != nil {
		slog.Error("consume loop failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// runChild is the child-mode entry: one handler execution, events on
// stdout, logs on stderr.
func runChild() int {
	slog.SetDefault(observability.NewChildLogger())
	scratchRoot := os.Getenv("WORKER_SCRATCH_ROOT")
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	if err := runner.RunChild(buildRegistry(), scratchRoot, os.Stdin, os.Stdout); err != nil {
		slog.Error("child execution failed", "error", err)
		return 1
	}
	return 0
}

// buildRegistry wires the handlers this deployment serves. Source-specific
// loaders and enrichment methods register here as they are integrated.
func buildRegistry() *handler.Registry {
	reg := handler.NewRegistry()
	reg.Register(handler.SelectorExampleDatasets, handler.NewExampleDatasets())
	return reg
}
