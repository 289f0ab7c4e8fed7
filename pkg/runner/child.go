package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"geneset-workers/pkg/handler"
)

// scratchPrefix names the per-job scratch directories under the scratch
// root. The startup sweep recognizes stale ones by this prefix.
const scratchPrefix = "geneset-job-"

// staleScratchAge is how old a scratch directory must be before the sweep
// removes it; young ones may belong to a live sibling worker.
const staleScratchAge = 24 * time.Hour

// RunChild is the child-mode entry point of the worker binary. It decodes
// the exec request from stdin, runs the handler, and streams events to
// stdout. Exactly one result event is emitted on every exit path, including
// handler panics, and the scratch directory is removed on every exit path
// short of a SIGKILL.
func RunChild(reg *handler.Registry, scratchRoot string, stdin io.Reader, stdout io.Writer) error {
	var req ExecRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode exec request: %w", err)
	}
	if req.Request == nil {
		return fmt.Errorf("exec request carries no job")
	}

	emitter := &eventEmitter{enc: json.NewEncoder(stdout)}

	dir, err := os.MkdirTemp(scratchRoot, scratchPrefix)
	if err != nil {
		emitter.result(&Outcome{OK: false, ErrKind: "scratch", ErrMessage: err.Error()})
		return err
	}
	defer os.RemoveAll(dir)

	execute(reg, &req, dir, emitter)
	return nil
}

// execute runs the handler and guarantees the one-shot result event fires,
// even if the handler panics or the success payload cannot be encoded.
func execute(reg *handler.Registry, req *ExecRequest, dir string, emitter *eventEmitter) {
	var outcome *Outcome
	defer func() {
		if r := recover(); r != nil {
			outcome = &Outcome{OK: false, ErrKind: "panic", ErrMessage: fmt.Sprint(r)}
		}
		if outcome == nil {
			outcome = &Outcome{OK: false, ErrKind: "internal", ErrMessage: "handler produced no result"}
		}
		emitter.result(outcome)
	}()

	h, ok := reg.Resolve(req.Request.ResourceID)
	if !ok {
		outcome = &Outcome{
			OK:         false,
			ErrKind:    "validation",
			ErrMessage: fmt.Sprintf("no handler registered for resource %q", req.Request.ResourceID),
		}
		return
	}

	ctx := handler.WithWorkDir(context.Background(), dir)
	res, err := h.Execute(ctx, req.Request, emitter.progress)
	if err != nil {
		outcome = failureOutcome(err)
		return
	}
	if res == nil {
		outcome = &Outcome{OK: false, ErrKind: "internal", ErrMessage: "handler returned neither result nor error"}
		return
	}
	outcome = &Outcome{OK: true, Result: res}
}

func failureOutcome(err error) *Outcome {
	if execErr, ok := err.(*handler.ExecutionError); ok {
		return &Outcome{OK: false, ErrKind: execErr.Kind, ErrMessage: execErr.Message}
	}
	return &Outcome{OK: false, ErrKind: "execution", ErrMessage: err.Error()}
}

// eventEmitter serializes event writes; the progress callback may be called
// from whatever goroutines the handler spawns.
type eventEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (e *eventEmitter) progress(message string, completion float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(Event{Type: eventProgress, Message: message, Completion: completion})
}

func (e *eventEmitter) result(o *Outcome) {
	ev := Event{Type: eventResult, OK: o.OK, ErrKind: o.ErrKind, ErrMessage: o.ErrMessage}
	if o.OK && o.Result != nil {
		ev.Payload = o.Result.Payload
		ev.DatasetID = o.Result.DatasetID
		ev.Artifacts = o.Result.Artifacts
		ev.Summary = o.Result.Summary
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(ev)
}

// SweepScratch removes stale scratch directories left behind by children
// that were SIGKILLed before their cleanup could run. Called once at worker
// startup.
func SweepScratch(scratchRoot string) error {
	entries, err := os.ReadDir(scratchRoot)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleScratchAge)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(scratchRoot, entry.Name()))
	}
	return nil
}
