package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

func openMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, Options{}), st
}

func drainEvents(m *Machine, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-m.Events())
	}
	return out
}

func TestSessionAndTransactionLifecycle(t *testing.T) {
	m, _ := openMachine(t)

	m.OnSessionStarted(1, 1)
	ev := drainEvents(m, 1)[0]
	require.Equal(t, EventStatusNotification, ev.Kind)
	require.Equal(t, ocpptype.StatusOccupied, ev.ConnectorStatus)

	txID, err := m.OnTransactionStarted(1, 1, &ocpptype.IdToken{IdToken: "TAG1", Type: "ISO14443"}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	started := drainEvents(m, 1)[0]
	require.Equal(t, EventTransaction, started.Kind)
	require.Equal(t, ocpptype.TransactionEventStarted, started.EventType)
	require.Equal(t, 0, started.SeqNo)

	tx, ok := m.ActiveTransaction(1)
	require.True(t, ok)
	require.Equal(t, txID, tx.TransactionID)
}

func TestGetSeqNo_MonotonicallyIncreasesAndPersists(t *testing.T) {
	m, st := openMachine(t)
	m.OnSessionStarted(2, 1)
	drainEvents(m, 1)
	txID, err := m.OnTransactionStarted(2, 1, nil, nil, nil)
	require.NoError(t, err)
	drainEvents(m, 1) // Started, seq=0

	seq1, err := m.GetSeqNo(txID)
	require.NoError(t, err)
	require.Equal(t, 1, seq1)

	seq2, err := m.GetSeqNo(txID)
	require.NoError(t, err)
	require.Equal(t, 2, seq2)

	tx, ok, err := st.GetTransaction(txID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, tx.SeqNo)
}

func TestOnTransactionFinished_ThenAcknowledged_DeletesTransaction(t *testing.T) {
	m, st := openMachine(t)
	m.OnSessionStarted(1, 1)
	drainEvents(m, 1)
	txID, err := m.OnTransactionStarted(1, 1, nil, nil, nil)
	require.NoError(t, err)
	drainEvents(m, 1)

	require.NoError(t, m.OnTransactionFinished(1, "EVDisconnected"))
	ended := drainEvents(m, 1)[0]
	require.Equal(t, ocpptype.TransactionEventEnded, ended.EventType)

	_, ok, err := st.GetTransaction(txID)
	require.NoError(t, err)
	require.True(t, ok, "transaction must survive until CSMS acknowledges Ended")

	require.NoError(t, m.OnEndedAcknowledged(1))
	_, ok, err = st.GetTransaction(txID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplayInterrupted_RehydratesAndEmitsAbnormalCondition(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tx := ocpptype.Transaction{
		TransactionID: "txn-crash-1", EVSEID: 3, ConnectorID: 1,
		ChargingState: ocpptype.ChargingStateCharging, SeqNo: 4,
	}
	require.NoError(t, st.InsertTransaction(tx))

	m := New(st, Options{})
	require.NoError(t, m.ReplayInterrupted())

	ev := drainEvents(m, 1)[0]
	require.Equal(t, ocpptype.TriggerAbnormalCondition, ev.TriggerReason)
	require.Equal(t, 4, ev.SeqNo)

	got, ok := m.ActiveTransaction(3)
	require.True(t, ok)
	require.Equal(t, "txn-crash-1", got.TransactionID)
}

func TestOnMeterValue_RequiresActiveTransaction(t *testing.T) {
	m, _ := openMachine(t)
	err := m.OnMeterValue(9, ocpptype.MeterSample{Measurand: "Energy.Active.Import.Register", Value: 1})
	require.Error(t, err)
}

func TestOnSessionFinished_EmitsAvailable(t *testing.T) {
	m, _ := openMachine(t)
	m.OnSessionStarted(5, 2)
	drainEvents(m, 1)

	m.OnSessionFinished(5)
	ev := drainEvents(m, 1)[0]
	require.Equal(t, ocpptype.StatusAvailable, ev.ConnectorStatus)

	_, ok := m.ActiveTransaction(5)
	require.False(t, ok)
}
