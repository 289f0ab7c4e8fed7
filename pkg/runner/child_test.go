package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geneset-workers/pkg/handler"
	"geneset-workers/pkg/job"
)

func encodeExecRequest(t *testing.T, resource string) *bytes.Buffer {
	t.Helper()
	var in bytes.Buffer
	req := ExecRequest{
		Family: job.FamilyDatasets,
		Request: &job.Request{
			LoadingID:  "L1",
			ResourceID: resource,
			Parameters: []job.Parameter{{Name: "dataset_id", Value: "EXAMPLE_1"}},
		},
	}
	require.NoError(t, json.NewEncoder(&in).Encode(req))
	return &in
}

func decodeEvents(t *testing.T, out *bytes.Buffer) []*Event {
	t.Helper()
	var events []*Event
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		ev, err := DecodeEvent(sc.Bytes())
		require.NoError(t, err, "line %q", sc.Text())
		events = append(events, ev)
	}
	return events
}

func registryWith(t *testing.T, resource string, h handler.Handler) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register(resource, h)
	return reg
}

func TestRunChildSuccess(t *testing.T) {
	var seenDir string
	h := handler.HandlerFunc(func(ctx context.Context, req *job.Request, report handler.Progress) (*handler.Result, error) {
		dir, ok := handler.WorkDir(ctx)
		require.True(t, ok)
		seenDir = dir
		report("Working", 0.5)
		return &handler.Result{Payload: "data", DatasetID: "EXAMPLE_1", Summary: "sum"}, nil
	})

	var out bytes.Buffer
	err := RunChild(registryWith(t, "example_datasets", h), t.TempDir(), encodeExecRequest(t, "example_datasets"), &out)
	require.NoError(t, err)

	events := decodeEvents(t, &out)
	require.Len(t, events, 2)
	assert.Equal(t, "progress", events[0].Type)
	assert.Equal(t, 0.5, events[0].Completion)

	final := events[1]
	assert.Equal(t, "result", final.Type)
	assert.True(t, final.OK)
	assert.Equal(t, "data", final.Payload)
	assert.Equal(t, "EXAMPLE_1", final.DatasetID)
	assert.Equal(t, "sum", final.Summary)

	// Scratch dir is cleaned up on the success path.
	_, statErr := os.Stat(seenDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunChildHandlerError(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *job.Request, report handler.Progress) (*handler.Result, error) {
		return nil, &handler.ExecutionError{Kind: "not_found", Message: "no such dataset"}
	})

	var out bytes.Buffer
	require.NoError(t, RunChild(registryWith(t, "example_datasets", h), t.TempDir(), encodeExecRequest(t, "example_datasets"), &out))

	events := decodeEvents(t, &out)
	require.Len(t, events, 1)
	assert.Equal(t, "result", events[0].Type)
	assert.False(t, events[0].OK)
	assert.Equal(t, "not_found", events[0].ErrKind)
	assert.Equal(t, "no such dataset", events[0].ErrMessage)
}

func TestRunChildHandlerPanic(t *testing.T) {
	var seenDir string
	h := handler.HandlerFunc(func(ctx context.Context, req *job.Request, report handler.Progress) (*handler.Result, error) {
		seenDir, _ = handler.WorkDir(ctx)
		panic("handler exploded")
	})

	var out bytes.Buffer
	require.NoError(t, RunChild(registryWith(t, "example_datasets", h), t.TempDir(), encodeExecRequest(t, "example_datasets"), &out))

	events := decodeEvents(t, &out)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK)
	assert.Equal(t, "panic", events[0].ErrKind)
	assert.Contains(t, events[0].ErrMessage, "handler exploded")

	// Cleanup runs even when the handler panics.
	_, statErr := os.Stat(seenDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunChildUnknownResource(t *testing.T) {
	var out bytes.Buffer
	reg := handler.NewRegistry()
	require.NoError(t, RunChild(reg, t.TempDir(), encodeExecRequest(t, "does_not_exist"), &out))

	events := decodeEvents(t, &out)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK)
	assert.Contains(t, events[0].ErrMessage, "does_not_exist")
}

func TestRunChildNilResult(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *job.Request, report handler.Progress) (*handler.Result, error) {
		return nil, nil
	})

	var out bytes.Buffer
	require.NoError(t, RunChild(registryWith(t, "example_datasets", h), t.TempDir(), encodeExecRequest(t, "example_datasets"), &out))

	events := decodeEvents(t, &out)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK)
}

func TestRunChildMalformedStdin(t *testing.T) {
	var out bytes.Buffer
	err := RunChild(handler.NewRegistry(), t.TempDir(), bytes.NewBufferString("not json"), &out)
	assert.Error(t, err)
}

func TestNoScratchLeakAcrossFailingRuns(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *job.Request, report handler.Progress) (*handler.Result, error) {
		return nil, &handler.ExecutionError{Message: "always fails"}
	})
	reg := registryWith(t, "example_datasets", h)
	root := t.TempDir()

	for i := 0; i < 100; i++ {
		var out bytes.Buffer
		require.NoError(t, RunChild(reg, root, encodeExecRequest(t, "example_datasets"), &out))
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
