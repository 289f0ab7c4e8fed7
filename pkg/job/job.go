package job

import (
	"encoding/json"
	"fmt"
)

// Family identifies one of the three worker job kinds. Each family has its
// own queue and its own key namespace in the store.
type Family string

const (
	FamilyAnalysis Family = "analysis"
	FamilyDatasets Family = "datasets"
	FamilyReports  Family = "reports"
)

// QueueName returns the durable queue a family's jobs travel on.
func (f Family) QueueName() string {
	return fmt.Sprintf("%s.queue", f)
}

func (f Family) Valid() bool {
	switch f {
	case FamilyAnalysis, FamilyDatasets, FamilyReports:
		return true
	}
	return false
}

// Status values for a job's lifecycle as seen by the polling API.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Parameter is one ordered name/value pair of a request.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the queue message body for any job family. The families share
// the envelope and differ only in which id field is required. A request is
// never mutated after it is decoded.
type Request struct {
	AnalysisID string      `json:"analysisId,omitempty"`
	LoadingID  string      `json:"loadingId,omitempty"`
	ReportID   string      `json:"reportId,omitempty"`
	ResourceID string      `json:"resourceId"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Decode parses a queue message body into a Request. A decode failure means
// the message is unidentifiable and no status record can ever be written
// for it; validation is a separate step so the caller can still address a
// status record to a decodable-but-invalid request.
func Decode(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("undecodable request body: %w", err)
	}
	return &req, nil
}

// Validate checks the family-specific required fields.
func (r *Request) Validate(family Family) error {
	if r.ID(family) == "" {
		return fmt.Errorf("missing required field %s", idField(family))
	}
	if r.ResourceID == "" {
		return fmt.Errorf("missing required field resourceId")
	}
	return nil
}

// ID returns the family-appropriate job id, or "" if it is absent.
func (r *Request) ID(family Family) string {
	switch family {
	case FamilyAnalysis:
		return r.AnalysisID
	case FamilyDatasets:
		return r.LoadingID
	case FamilyReports:
		return r.ReportID
	}
	return ""
}

func idField(family Family) string {
	switch family {
	case FamilyAnalysis:
		return "analysisId"
	case FamilyDatasets:
		return "loadingId"
	case FamilyReports:
		return "reportId"
	}
	return "id"
}

// Param returns the value of the named parameter and whether it was present.
func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// StatusRecord is the JSON object stored under <family>:<id>:status and
// polled by the API. DatasetID and Artifacts are family-specific extras.
type StatusRecord struct {
	Status      Status   `json:"status"`
	Completion  float64  `json:"completion"`
	Description string   `json:"description"`
	DatasetID   string   `json:"datasetId,omitempty"`
	Artifacts   []string `json:"artifacts,omitempty"`
}

// Terminal reports whether the record is in a final state. A terminal
// record must never be overwritten with a running one.
func (s StatusRecord) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusFailed
}

// Running builds an advisory in-flight record, clamping completion to [0,1].
func Running(completion float64, description string) StatusRecord {
	if completion < 0 {
		completion = 0
	}
	if completion > 1 {
		completion = 1
	}
	return StatusRecord{Status: StatusRunning, Completion: completion, Description: description}
}

// Failed builds a terminal failure record.
func Failed(description string) StatusRecord {
	return StatusRecord{Status: StatusFailed, Completion: 1, Description: description}
}

// DataType distinguishes the result blobs stored under a job id.
type DataType string

const (
	DataResult   DataType = "result"
	DataArtifact DataType = "artifact"
	DataPayload  DataType = "payload"
	DataSummary  DataType = "summary"
)
