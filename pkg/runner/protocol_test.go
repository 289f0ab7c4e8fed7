package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProgressEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"progress","completion":0.4,"message":"Downloading"}`))
	require.NoError(t, err)
	assert.Equal(t, eventProgress, ev.Type)
	assert.Equal(t, 0.4, ev.Completion)
	assert.Equal(t, "Downloading", ev.Message)
}

func TestDecodeResultEvents(t *testing.T) {
	ok, err := DecodeEvent([]byte(`{"type":"result","ok":true,"payload":"{}","datasetId":"EXAMPLE_1"}`))
	require.NoError(t, err)
	out := ok.outcome()
	require.True(t, out.OK)
	assert.Equal(t, "EXAMPLE_1", out.Result.DatasetID)
	assert.Equal(t, "{}", out.Result.Payload)

	bad, err := DecodeEvent([]byte(`{"type":"result","ok":false,"errKind":"not_found","errMessage":"no such dataset"}`))
	require.NoError(t, err)
	out = bad.outcome()
	require.False(t, out.OK)
	assert.Equal(t, "not_found", out.ErrKind)
	assert.Equal(t, "no such dataset", out.ErrMessage)
	assert.Nil(t, out.Result)
}

func TestDecodeRejectsInvalidEvents(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"surprise"}`,
		`{"type":"result","ok":false}`, // error result without a message
	}
	for _, line := range cases {
		_, err := DecodeEvent([]byte(line))
		assert.Error(t, err, "line %s", line)
	}
}
