package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"geneset-workers/pkg/archive"
	"geneset-workers/pkg/handler"
	"geneset-workers/pkg/job"
	"geneset-workers/pkg/mq"
	"geneset-workers/pkg/observability"
	"geneset-workers/pkg/runner"
	"geneset-workers/pkg/store"
)

const (
	// initialCompletion is written the moment a job is dispatched so the
	// polling API has something to show before the first handler progress.
	initialCompletion = 0.05

	// joinTimeout bounds every wait on child exit.
	joinTimeout = 5 * time.Second

	// resultWait bounds the read of the one-shot result after completion
	// has been signalled.
	resultWait = 10 * time.Second

	// terminateGrace is the SIGTERM-to-SIGKILL window on shutdown.
	terminateGrace = 5 * time.Second
)

// Store is the slice of the key/value store the dispatcher writes to.
type Store interface {
	GetStatus(ctx context.Context, family job.Family, id string) (*job.StatusRecord, error)
	SetStatus(ctx context.Context, family job.Family, id string, rec job.StatusRecord) error
	SetResult(ctx context.Context, family job.Family, id string, dataType job.DataType, blob string) error
	SetRequestSummary(ctx context.Context, token, summary string) error
}

// Broker is the slice of the broker client the dispatcher depends on: the
// cancellation token and the heartbeat-aware wait tick. The coupling to the
// broker's wait primitive is intentional; an ordinary sleep inside a long
// job would leave the connection unobserved.
type Broker interface {
	WaitOneTick()
	ShutdownRequested() bool
}

// Dispatcher is the per-family job state machine. It consumes one message
// at a time, supervises the isolated execution, persists status
// transitions, and acknowledges only after a terminal status is durable.
type Dispatcher struct {
	family   job.Family
	store    Store
	broker   Broker
	registry *handler.Registry
	spawner  runner.Spawner
	archive  *archive.Client
	logger   *slog.Logger
}

func New(family job.Family, st Store, broker Broker, reg *handler.Registry, spawner runner.Spawner, arch *archive.Client) *Dispatcher {
	return &Dispatcher{
		family:   family,
		store:    st,
		broker:   broker,
		registry: reg,
		spawner:  spawner,
		archive:  arch,
		logger:   slog.Default().With("component", "dispatch", "family", string(family)),
	}
}

// OnMessage handles one delivered queue message end to end. It is the
// mq.HandlerFunc the worker's consume loop runs.
func (d *Dispatcher) OnMessage(ack mq.Acker, body []byte) {
	start := time.Now()
	ctx := context.Background()

	// RECEIVED: an undecodable body is unidentifiable; no status key can
	// ever be written for it, so it is logged loudly and dropped.
	req, err := job.Decode(body)
	if err != nil {
		d.logger.Error("dropping undecodable message", "error", err)
		observability.JobsProcessed.WithLabelValues(string(d.family), "dropped").Inc()
		d.acknowledge(ack)
		return
	}

	// VALIDATED: from here on an id is known, and every exit path writes a
	// terminal status before acknowledging. A missing id is the one
	// validation failure that still leaves the message unaddressable.
	id := req.ID(d.family)
	if err := req.Validate(d.family); err != nil {
		if id == "" {
			d.logger.Error("dropping unaddressable message", "error", err)
			observability.JobsProcessed.WithLabelValues(string(d.family), "dropped").Inc()
			d.acknowledge(ack)
			return
		}
		d.failAndAck(ctx, ack, req, id, err.Error(), start)
		return
	}

	logger := d.logger.With("job_id", id, "resource", req.ResourceID)

	if _, ok := d.registry.Resolve(req.ResourceID); !ok {
		logger.Warn("no handler for resource")
		d.failAndAck(ctx, ack, req, id, "unknown resource "+req.ResourceID, start)
		return
	}

	// DISPATCHED
	d.writeAdvisory(ctx, id, job.Running(initialCompletion, "Request received"))

	exec, err := d.spawner.Spawn(d.family, req)
	if err != nil {
		logger.Error("failed to spawn execution", "error", err)
		d.failAndAck(ctx, ack, req, id, "execution failed to start", start)
		return
	}
	logger.Info("job dispatched")

	// RUNNING: the only place the worker blocks, and only one tick at a
	// time, so shutdown requests and progress updates are observed promptly.
	for exec.Alive() && !signalled(exec.Done()) {
		if d.broker.ShutdownRequested() {
			logger.Warn("shutdown requested mid-job, terminating child and leaving message unacknowledged")
			exec.Terminate(terminateGrace)
			exec.Join(joinTimeout)
			return
		}
		d.drainProgress(ctx, exec, id)
		d.broker.WaitOneTick()
	}

	exec.Join(joinTimeout)
	outcome, ok := exec.Outcome(resultWait)

	switch {
	case !ok:
		// The child died without posting a result.
		logger.Error("child process died silently", "stderr", exec.Stderr())
		d.failAndAck(ctx, ack, req, id, "execution failed", start)

	case !outcome.OK:
		logger.Warn("handler reported failure", "kind", outcome.ErrKind, "error", outcome.ErrMessage)
		d.failAndAck(ctx, ack, req, id, outcome.ErrMessage, start)

	default:
		d.completeAndAck(ctx, ack, req, id, outcome.Result, start, logger)
	}
}

// completeAndAck persists the result blobs and the terminal complete
// status, in that order, then acknowledges. A store failure leaves the
// message unacknowledged for redelivery; re-running is safe because every
// write is a whole-value overwrite.
func (d *Dispatcher) completeAndAck(ctx context.Context, ack mq.Acker, req *job.Request, id string, res *handler.Result, start time.Time, logger *slog.Logger) {
	if res.Payload != "" {
		if err := d.store.SetResult(ctx, d.family, id, job.DataResult, res.Payload); err != nil {
			logger.Error("failed to persist result, leaving message unacknowledged", "error", err)
			return
		}
	}
	if res.Summary != "" {
		token := res.DatasetID
		if token == "" {
			token = id
		}
		if err := d.store.SetRequestSummary(ctx, token, res.Summary); err != nil {
			logger.Error("failed to persist result summary, leaving message unacknowledged", "error", err)
			return
		}
	}

	rec := job.StatusRecord{
		Status:      job.StatusComplete,
		Completion:  1,
		Description: "Complete",
		DatasetID:   res.DatasetID,
		Artifacts:   res.Artifacts,
	}
	if err := d.store.SetStatus(ctx, d.family, id, rec); err != nil {
		logger.Error("failed to persist terminal status, leaving message unacknowledged", "error", err)
		return
	}

	d.recordTerminal(ctx, req, id, rec, start)
	observability.JobsProcessed.WithLabelValues(string(d.family), "complete").Inc()
	observability.JobDuration.WithLabelValues(string(d.family)).Observe(time.Since(start).Seconds())
	logger.Info("job complete")
	d.acknowledge(ack)
}

// failAndAck persists the terminal failed status, then acknowledges. Only a
// human-readable description is stored, never a stack trace.
func (d *Dispatcher) failAndAck(ctx context.Context, ack mq.Acker, req *job.Request, id, description string, start time.Time) {
	rec := job.Failed(description)
	if err := d.store.SetStatus(ctx, d.family, id, rec); err != nil {
		d.logger.Error("failed to persist failure status, leaving message unacknowledged",
			"job_id", id, "error", err)
		return
	}
	d.recordTerminal(ctx, req, id, rec, start)
	observability.JobsProcessed.WithLabelValues(string(d.family), "failed").Inc()
	observability.JobDuration.WithLabelValues(string(d.family)).Observe(time.Since(start).Seconds())
	d.acknowledge(ack)
}

// drainProgress empties the progress channel, keeping only the most recent
// tuple, and persists it as an advisory update. These are UI hints; a
// failed or skipped write is acceptable.
func (d *Dispatcher) drainProgress(ctx context.Context, exec runner.Execution, id string) {
	var latest *runner.Update
	for {
		select {
		case u := <-exec.Progress():
			latest = &u
		default:
			if latest == nil {
				return
			}
			d.writeAdvisory(ctx, id, job.Running(latest.Completion, latest.Message))
			observability.ProgressUpdates.WithLabelValues(string(d.family)).Inc()
			return
		}
	}
}

// writeAdvisory writes a running record unless a terminal record already
// exists for the id. A redelivered job must never regress a terminal
// status back to running.
func (d *Dispatcher) writeAdvisory(ctx context.Context, id string, rec job.StatusRecord) {
	existing, err := d.store.GetStatus(ctx, d.family, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("skipping advisory status write", "job_id", id, "error", err)
		return
	}
	if existing != nil && existing.Terminal() {
		return
	}
	if err := d.store.SetStatus(ctx, d.family, id, rec); err != nil {
		d.logger.Warn("advisory status write failed", "job_id", id, "error", err)
	}
}

func (d *Dispatcher) recordTerminal(ctx context.Context, req *job.Request, id string, rec job.StatusRecord, start time.Time) {
	if err := d.archive.RecordTerminal(ctx, d.family, id, req.ResourceID, rec, time.Since(start)); err != nil {
		d.logger.Warn("archive write failed", "job_id", id, "error", err)
	}
}

func (d *Dispatcher) acknowledge(ack mq.Acker) {
	if err := ack.Ack(); err != nil {
		d.logger.Error("failed to acknowledge message", "error", err)
	}
}

func signalled(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
