package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"geneset-workers/pkg/job"
)

const (
	// maxStderrBytes caps the stderr captured from a child for diagnostics.
	maxStderrBytes = 64 * 1024

	// progressBuffer bounds the in-flight progress updates. The dispatcher
	// only ever wants the latest tuple, so when the buffer fills the oldest
	// update is dropped, never the sender blocked.
	progressBuffer = 64

	// maxEventLine bounds one stdout event line (result payloads ride here).
	maxEventLine = 16 * 1024 * 1024
)

// Execution supervises one isolated handler invocation.
type Execution interface {
	// Progress delivers advisory updates; older entries may be dropped.
	Progress() <-chan Update
	// Done is closed once the one-shot completion signal has fired, whether
	// or not a result was posted.
	Done() <-chan struct{}
	// Outcome waits up to the bound for the terminal value. The second
	// return is false when the child died without posting one.
	Outcome(wait time.Duration) (*Outcome, bool)
	// Alive reports whether the child process is still running.
	Alive() bool
	// Terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
	Terminate(grace time.Duration)
	// Join waits for the child to exit, bounded.
	Join(timeout time.Duration) bool
	// Stderr returns the captured (capped) stderr of the child.
	Stderr() string
}

// Spawner creates executions. The dispatcher only knows this interface.
type Spawner interface {
	Spawn(family job.Family, req *job.Request) (Execution, error)
}

// SelfSpawner runs handlers by re-executing the worker binary in child
// mode. The handler's work happens entirely in the child, so the parent
// keeps servicing the broker connection and can hard-kill the work without
// corrupting its own state.
type SelfSpawner struct {
	ScratchRoot string
}

func (s *SelfSpawner) Spawn(family job.Family, req *job.Request) (Execution, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker binary: %w", err)
	}

	cmd := exec.Command(exe, "-child", "-family", string(family))
	cmd.Env = append(os.Environ(), "WORKER_SCRATCH_ROOT="+s.ScratchRoot)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	p := &Process{
		cmd:      cmd,
		progress: make(chan Update, progressBuffer),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start child process: %w", err)
	}

	go func() {
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(ExecRequest{Family: family, Request: req}); err != nil {
			slog.Error("write exec request to child", "error", err)
		}
	}()

	readerDone := make(chan struct{})
	go p.readEvents(stdout, readerDone)
	go func() {
		// Wait only after the reader has drained stdout; Wait closes the
		// pipes.
		<-readerDone
		_ = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Process is the parent-side handle of one child execution.
type Process struct {
	cmd      *exec.Cmd
	progress chan Update
	done     chan struct{}
	exited   chan struct{}

	stderr cappedBuffer

	mu      sync.Mutex
	outcome *Outcome
}

func (p *Process) readEvents(r io.Reader, readerDone chan struct{}) {
	defer close(readerDone)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	sawResult := false
	for sc.Scan() {
		ev, err := DecodeEvent(sc.Bytes())
		if err != nil {
			slog.Warn("discarding malformed child event", "error", err)
			continue
		}
		switch ev.Type {
		case eventProgress:
			p.pushProgress(Update{Message: ev.Message, Completion: ev.Completion})
		case eventResult:
			if sawResult {
				continue // one-shot; later result events are ignored
			}
			sawResult = true
			p.mu.Lock()
			p.outcome = ev.outcome()
			p.mu.Unlock()
			close(p.done)
		}
	}
	// EOF without a result event is a silent child death: fire the
	// completion signal anyway so the dispatcher never hangs, leaving the
	// outcome absent.
	if !sawResult {
		close(p.done)
	}
}

func (p *Process) pushProgress(u Update) {
	for {
		select {
		case p.progress <- u:
			return
		default:
		}
		select {
		case <-p.progress: // drop oldest
		default:
		}
	}
}

func (p *Process) Progress() <-chan Update { return p.progress }
func (p *Process) Done() <-chan struct{}   { return p.done }

func (p *Process) Outcome(wait time.Duration) (*Outcome, bool) {
	select {
	case <-p.done:
	case <-time.After(wait):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.outcome != nil
}

func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *Process) Join(timeout time.Duration) bool {
	select {
	case <-p.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Process) Terminate(grace time.Duration) {
	if !p.Alive() {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

func (p *Process) Stderr() string { return p.stderr.String() }

// cappedBuffer keeps at most maxStderrBytes of what is written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxStderrBytes - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
