package facade

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chargepoint/internal/connectivity"
	"chargepoint/internal/ocppj"
	"chargepoint/internal/store"
)

// recordingSender captures every frame sent through it instead of touching a
// real websocket, standing in for the Connectivity Manager in these tests.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string
}

func (s *recordingSender) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1]
}

func newTestChargePoint(t *testing.T) (*ChargePoint, *recordingSender) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cp, err := New(Config{
		ChargePointID:        "CP-TEST",
		NumConnectorsPerEVSE: map[int]int{1: 1},
	}, st)
	require.NoError(t, err)

	sender := &recordingSender{}
	cp.Queue.SetLink(sender)
	cp.Queue.SetRegistered(true)
	return cp, sender
}

func TestDispatchCall_UnknownActionRepliesNotImplemented(t *testing.T) {
	cp, sender := newTestChargePoint(t)
	call := &ocppj.Call{UniqueID: "u1", Action: "SomeUnknownAction", Payload: json.RawMessage("{}")}
	cp.dispatchCall(call)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sender.last()), &frame))
	var typeID int
	require.NoError(t, json.Unmarshal(frame[0], &typeID))
	require.Equal(t, ocppj.TypeCallError, typeID)
}

func TestDispatchCall_ResetInvokesCallbackAndReplies(t *testing.T) {
	cp, sender := newTestChargePoint(t)
	var gotKind string
	cp.OnResetRequested = func(kind string) bool {
		gotKind = kind
		return true
	}
	payload, _ := json.Marshal(map[string]any{"type": "Immediate"})
	call := &ocppj.Call{UniqueID: "u2", Action: "Reset", Payload: payload}
	cp.dispatchCall(call)

	require.Equal(t, "Immediate", gotKind)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sender.last()), &frame))
	var typeID int
	require.NoError(t, json.Unmarshal(frame[0], &typeID))
	require.Equal(t, ocppj.TypeCallResult, typeID)
}

func TestDispatchCall_SetThenGetChargingProfile(t *testing.T) {
	cp, _ := newTestChargePoint(t)

	setPayload, _ := json.Marshal(map[string]any{
		"evseId": 1,
		"chargingProfile": map[string]any{
			"profileId":  1,
			"stackLevel": 0,
			"purpose":    "TxDefault",
			"kind":       "Absolute",
			"connectorId": 1,
			"chargingSchedule": map[string]any{
				"rateUnit": "W",
				"chargingSchedulePeriod": []map[string]any{{"startOffsetS": 0, "limit": 11000}},
			},
		},
	})
	cp.dispatchCall(&ocppj.Call{UniqueID: "u3", Action: "SetChargingProfile", Payload: setPayload})

	profiles, err := cp.Store.ListChargingProfiles(1)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, 11000.0, profiles[0].Schedule.Periods[0].Limit)
}

func TestOnLinkConnected_InstallsLinkOnQueue(t *testing.T) {
	cp, _ := newTestChargePoint(t)
	cp.Queue.SetLink(nil)
	cp.onLinkConnected(0)
	require.Equal(t, 0, cp.Queue.Len())

	// The queue now sends through cp.Conn, which has no live socket here, so
	// the error comes from the Connectivity Manager rather than from the
	// queue's own "no link" check.
	err := cp.Queue.SendResponse(&ocppj.CallResult{UniqueID: "u4"})
	require.ErrorContains(t, err, "connectivity: no active link")

	var _ = connectivity.Manager{}
}
