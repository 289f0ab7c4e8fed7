package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"geneset-workers/pkg/config"
	"geneset-workers/pkg/job"
	"geneset-workers/pkg/mq"
	"geneset-workers/pkg/observability"
)

var exampleIDs = []string{"EXAMPLE_1", "EXAMPLE_2"}

// simulator feeds the dataset queue with example-dataset jobs at a fixed
// interval, for load testing a worker deployment end to end.
func main() {
	interval := flag.Duration("interval", 5*time.Second, "time between submitted jobs")
	flag.Parse()

	logger := observability.NewLogger()
	slog.SetDefault(logger)
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	broker := mq.New(cfg.Broker)
	defer broker.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	slog.Info("simulator started", "interval", interval.String())
	for i := 0; ; i++ {
		select {
		case <-sigChan:
			slog.Info("simulator stopped")
			return
		case <-ticker.C:
			submit(broker, exampleIDs[i%len(exampleIDs)])
		}
	}
}

func submit(broker *mq.Client, datasetID string) {
	req := job.Request{
		LoadingID:  uuid.NewString(),
		ResourceID: "example_datasets",
		Parameters: []job.Parameter{{Name: "dataset_id", Value: datasetID}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		slog.Error("failed to encode request", "error", err)
		return
	}
	if err := broker.Publish(context.Background(), job.FamilyDatasets.QueueName(), body); err != nil {
		slog.Error("publish failed", "error", err)
		return
	}
	slog.Info("job submitted", "job_id", req.LoadingID, "dataset_id", datasetID)
}
