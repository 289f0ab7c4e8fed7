package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDatasetRequest(t *testing.T) {
	body := []byte(`{
		"loadingId": "L1",
		"resourceId": "example_datasets",
		"parameters": [{"name": "dataset_id", "value": "EXAMPLE_1"}]
	}`)

	req, err := Decode(body)
	require.NoError(t, err)
	require.NoError(t, req.Validate(FamilyDatasets))

	assert.Equal(t, "L1", req.ID(FamilyDatasets))
	assert.Equal(t, "example_datasets", req.ResourceID)

	v, ok := req.Param("dataset_id")
	require.True(t, ok)
	assert.Equal(t, "EXAMPLE_1", v)

	_, ok = req.Param("missing")
	assert.False(t, ok)
}

func TestDecodeMalformedBody(t *testing.T) {
	_, err := Decode([]byte(`{"loadingId": `))
	assert.Error(t, err)
}

func TestValidateRequiredIDPerFamily(t *testing.T) {
	cases := []struct {
		family Family
		req    Request
		valid  bool
	}{
		{FamilyAnalysis, Request{AnalysisID: "a1", ResourceID: "ora"}, true},
		{FamilyAnalysis, Request{LoadingID: "l1", ResourceID: "ora"}, false},
		{FamilyDatasets, Request{LoadingID: "l1", ResourceID: "geo"}, true},
		{FamilyDatasets, Request{ReportID: "r1", ResourceID: "geo"}, false},
		{FamilyReports, Request{ReportID: "r1", ResourceID: "report"}, true},
		{FamilyReports, Request{AnalysisID: "a1", ResourceID: "report"}, false},
		{FamilyDatasets, Request{LoadingID: "l1"}, false}, // no resourceId
	}
	for _, tc := range cases {
		err := tc.req.Validate(tc.family)
		if tc.valid {
			assert.NoError(t, err, "family %s", tc.family)
		} else {
			assert.Error(t, err, "family %s", tc.family)
		}
	}
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "analysis.queue", FamilyAnalysis.QueueName())
	assert.Equal(t, "datasets.queue", FamilyDatasets.QueueName())
	assert.Equal(t, "reports.queue", FamilyReports.QueueName())
	assert.False(t, Family("mystery").Valid())
}

func TestStatusRecordTerminal(t *testing.T) {
	assert.False(t, Running(0.5, "halfway").Terminal())
	assert.True(t, Failed("boom").Terminal())
	assert.True(t, StatusRecord{Status: StatusComplete, Completion: 1}.Terminal())
}

func TestRunningClampsCompletion(t *testing.T) {
	assert.Equal(t, 0.0, Running(-0.2, "").Completion)
	assert.Equal(t, 1.0, Running(1.7, "").Completion)
}

func TestStatusRecordJSONShape(t *testing.T) {
	rec := StatusRecord{
		Status:      StatusComplete,
		Completion:  1,
		Description: "Complete",
		DatasetID:   "EXAMPLE_1",
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "complete", m["status"])
	assert.Equal(t, 1.0, m["completion"])
	assert.Equal(t, "EXAMPLE_1", m["datasetId"])
	assert.NotContains(t, m, "artifacts") // omitted when empty
}
