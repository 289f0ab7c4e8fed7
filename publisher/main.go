package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"geneset-workers/pkg/config"
	"geneset-workers/pkg/job"
	"geneset-workers/pkg/mq"
	"geneset-workers/pkg/observability"
)

// publisher submits one job request to a family queue with publisher
// confirmation. Ops tool; the production submission path is the API layer.
func main() {
	familyFlag := flag.String("family", "datasets", "job family to publish to")
	fileFlag := flag.String("file", "-", "request JSON file, or - for stdin")
	flag.Parse()

	logger := observability.NewLogger()
	slog.SetDefault(logger)
	_ = godotenv.Load()

	family := job.Family(*familyFlag)
	if !family.Valid() {
		slog.Error("unknown job family", "family", *familyFlag)
		os.Exit(1)
	}

	body, err := readRequest(*fileFlag)
	if err != nil {
		slog.Error("failed to read request", "error", err)
		os.Exit(1)
	}

	req, err := job.Decode(body)
	if err != nil {
		slog.Error("invalid request body", "error", err)
		os.Exit(1)
	}

	// Assign an id when the request does not carry one.
	if req.ID(family) == "" {
		assignID(req, family, uuid.NewString())
		if body, err = json.Marshal(req); err != nil {
			slog.Error("failed to encode request", "error", err)
			os.Exit(1)
		}
	}
	if err := req.Validate(family); err != nil {
		slog.Error("invalid request", "error", err)
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	broker := mq.New(cfg.Broker)
	defer broker.Close()

	if err := broker.Publish(context.Background(), family.QueueName(), body); err != nil {
		slog.Error("publish failed", "error", err)
		os.Exit(1)
	}
	slog.Info("job published", "family", string(family), "job_id", req.ID(family))
}

func readRequest(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func assignID(req *job.Request, family job.Family, id string) {
	switch family {
	case job.FamilyAnalysis:
		req.AnalysisID = id
	case job.FamilyDatasets:
		req.LoadingID = id
	case job.FamilyReports:
		req.ReportID = id
	}
}
