package runner

import (
	"encoding/json"
	"fmt"

	"geneset-workers/pkg/handler"
	"geneset-workers/pkg/job"
)

// ExecRequest is the envelope the parent writes to the child's stdin.
type ExecRequest struct {
	Family  job.Family   `json:"family"`
	Request *job.Request `json:"request"`
}

// Event is one line of the child's stdout stream. Progress events may
// arrive in any number; exactly one result event terminates the stream.
type Event struct {
	Type string `json:"type"` // progress | result

	// progress fields
	Completion float64 `json:"completion,omitempty"`
	Message    string  `json:"message,omitempty"`

	// result fields
	OK         bool     `json:"ok,omitempty"`
	Payload    string   `json:"payload,omitempty"`
	DatasetID  string   `json:"datasetId,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	ErrKind    string   `json:"errKind,omitempty"`
	ErrMessage string   `json:"errMessage,omitempty"`
}

const (
	eventProgress = "progress"
	eventResult   = "result"
)

// DecodeEvent parses and validates one stdout line.
func DecodeEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("event is not valid JSON: %w", err)
	}
	switch ev.Type {
	case eventProgress:
	case eventResult:
		if !ev.OK && ev.ErrMessage == "" {
			return nil, fmt.Errorf("result event has ok=false but no error message")
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return &ev, nil
}

// Update is one advisory progress tuple as seen by the dispatcher.
type Update struct {
	Message    string
	Completion float64
}

// Outcome is the tagged terminal value of an isolated execution: either a
// success payload or an error kind+message. The dispatcher never inspects
// runtime types to tell them apart.
type Outcome struct {
	OK         bool
	Result     *handler.Result
	ErrKind    string
	ErrMessage string
}

func (ev *Event) outcome() *Outcome {
	if ev.OK {
		return &Outcome{
			OK: true,
			Result: &handler.Result{
				Payload:   ev.Payload,
				DatasetID: ev.DatasetID,
				Artifacts: ev.Artifacts,
				Summary:   ev.Summary,
			},
		}
	}
	return &Outcome{OK: false, ErrKind: ev.ErrKind, ErrMessage: ev.ErrMessage}
}
