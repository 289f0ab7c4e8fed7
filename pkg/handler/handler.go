package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"geneset-workers/pkg/job"
)

// Progress reports an advisory completion update. Calls are cheap and may
// be dropped downstream; only the dispatcher turns them into durable writes.
type Progress func(message string, completion float64)

// Result is the tagged success payload of a handler invocation. Failure is
// the error return, never a value smuggled through Result.
type Result struct {
	// Payload is the primary result blob.
	Payload string
	// DatasetID is the resolved source dataset, set by dataset handlers.
	DatasetID string
	// Artifacts lists generated artifact names, set by report handlers.
	Artifacts []string
	// Summary is an optional summary blob stored next to the payload.
	Summary string
}

// ExecutionError is a handler failure with a human-readable message. The
// message is what gets persisted; stack traces never leave the worker.
type ExecutionError struct {
	Kind    string
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Handler executes one job. Implementations may block for a long time; they
// always run inside an isolated child process, so they need not be
// interruptible. WorkDir (when set on the context via WithWorkDir) is a
// scratch directory owned and cleaned up by the child.
type Handler interface {
	Execute(ctx context.Context, req *job.Request, report Progress) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *job.Request, report Progress) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req *job.Request, report Progress) (*Result, error) {
	return f(ctx, req, report)
}

// Registry maps a request's resource selector to its Handler. Handlers are
// added by registration at worker startup; dispatch never grows another
// selector conditional.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a selector to a handler, replacing any previous binding.
func (r *Registry) Register(selector string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[selector] = h
}

// Resolve looks up the handler for a selector.
func (r *Registry) Resolve(selector string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[selector]
	return h, ok
}

// Selectors returns the registered selectors, sorted.
func (r *Registry) Selectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type workDirKey struct{}

// WithWorkDir attaches the child's scratch directory to the context handed
// to handlers.
func WithWorkDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workDirKey{}, dir)
}

// WorkDir returns the scratch directory for this invocation, if any.
func WorkDir(ctx context.Context) (string, bool) {
	dir, ok := ctx.Value(workDirKey{}).(string)
	return dir, ok
}
