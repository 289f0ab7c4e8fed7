package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"geneset-workers/pkg/job"
)

// SelectorExampleDatasets is the selector for the bundled example datasets.
// Source-specific loaders (GEO, GREIN, Expression Atlas) register their own
// selectors from their own packages.
const SelectorExampleDatasets = "example_datasets"

// exampleDataset is one bundled expression dataset, shipped with the worker
// so the platform has data to demo against without touching any external
// source.
type exampleDataset struct {
	Title    string
	Organism string
	Samples  []string
	Expr     map[string][]float64 // gene -> per-sample values
}

var exampleDatasets = map[string]exampleDataset{
	"EXAMPLE_1": {
		Title:    "Example airway smooth muscle, dexamethasone treated",
		Organism: "Homo sapiens",
		Samples:  []string{"ctrl_1", "ctrl_2", "trt_1", "trt_2"},
		Expr: map[string][]float64{
			"DUSP1":  {110.2, 96.7, 412.9, 387.3},
			"KLF15":  {12.4, 15.8, 88.1, 73.6},
			"PER1":   {54.0, 49.2, 180.4, 166.9},
			"FKBP5":  {201.7, 188.3, 960.2, 1011.8},
			"GAPDH":  {5120.5, 4988.1, 5033.7, 5102.2},
			"ACTB":   {8891.0, 9120.4, 8774.6, 9002.3},
		},
	},
	"EXAMPLE_2": {
		Title:    "Example murine liver, high-fat diet",
		Organism: "Mus musculus",
		Samples:  []string{"chow_1", "chow_2", "hfd_1", "hfd_2"},
		Expr: map[string][]float64{
			"Scd1":  {830.1, 790.5, 2410.8, 2288.2},
			"Fasn":  {410.9, 398.6, 1190.3, 1244.7},
			"Cpt1a": {560.2, 548.8, 301.4, 288.0},
			"Actb":  {7755.3, 7810.9, 7698.2, 7840.5},
		},
	},
}

// ExampleDatasets loads one of the bundled datasets. It is the reference
// handler for the dataset family and backs the platform's demo flow.
type ExampleDatasets struct{}

func NewExampleDatasets() *ExampleDatasets { return &ExampleDatasets{} }

func (h *ExampleDatasets) Execute(ctx context.Context, req *job.Request, report Progress) (*Result, error) {
	datasetID, ok := req.Param("dataset_id")
	if !ok || datasetID == "" {
		return nil, &ExecutionError{Kind: "validation", Message: "missing required parameter dataset_id"}
	}

	report(fmt.Sprintf("Resolving example dataset %s", datasetID), 0.1)

	ds, ok := exampleDatasets[strings.ToUpper(datasetID)]
	if !ok {
		return nil, &ExecutionError{
			Kind:    "not_found",
			Message: fmt.Sprintf("unknown example dataset %q", datasetID),
		}
	}
	datasetID = strings.ToUpper(datasetID)

	report("Building expression matrix", 0.5)
	payload, err := json.Marshal(map[string]any{
		"datasetId":  datasetID,
		"title":      ds.Title,
		"organism":   ds.Organism,
		"samples":    ds.Samples,
		"expression": ds.Expr,
	})
	if err != nil {
		return nil, &ExecutionError{Kind: "encode", Message: err.Error()}
	}

	report("Summarizing dataset", 0.9)
	summary, err := json.Marshal(map[string]any{
		"datasetId":   datasetID,
		"title":       ds.Title,
		"organism":    ds.Organism,
		"sampleCount": len(ds.Samples),
		"geneCount":   len(ds.Expr),
	})
	if err != nil {
		return nil, &ExecutionError{Kind: "encode", Message: err.Error()}
	}

	return &Result{
		Payload:   string(payload),
		DatasetID: datasetID,
		Summary:   string(summary),
	}, nil
}
