package ocppj

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
)

func TestEncodeDecodeCallRoundTrip(t *testing.T) {
	call := &Call{UniqueID: "abc-123", Action: "Heartbeat", Payload: json.RawMessage(`{}`)}
	b, err := call.Encode()
	require.NoError(t, err)
	assert.Equal(t, `[2,"abc-123","Heartbeat",{}]`, string(b))

	frame, err := ParseFrame(b)
	require.NoError(t, err)
	require.NotNil(t, frame.Call)
	assert.Equal(t, "Heartbeat", frame.Call.Action)
	assert.Equal(t, "abc-123", frame.Call.UniqueID)
}

func TestParseCallResult(t *testing.T) {
	raw := []byte(`[3,"abc-123",{"status":"Accepted"}]`)
	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Result)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(frame.Result.Payload))
}

func TestParseCallError(t *testing.T) {
	raw := []byte(`[4,"abc-123","NotSupported","unknown action",{}]`)
	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Err)
	assert.Equal(t, ocpptype.ErrNotSupported, frame.Err.ErrorCode)
}

func TestParseFrameMalformed(t *testing.T) {
	_, err := ParseFrame([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseFrame([]byte(`[2,"id"]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseFrameUnknownType(t *testing.T) {
	_, err := ParseFrame([]byte(`[9,"id","x"]`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNewUniqueIDWithinWireLimit(t *testing.T) {
	id := NewUniqueID()
	assert.LessOrEqual(t, len(id), MaxUniqueIDBytes)
}
