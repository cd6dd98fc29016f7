package ocppj

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

// fakeLink records every frame sent to it and lets the test control whether
// sends succeed.
type fakeLink struct {
	mu      sync.Mutex
	sent    []string
	fail    bool
}

func (f *fakeLink) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeLink) lastUniqueID(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(f.sent[len(f.sent)-1]), &arr))
	var id string
	require.NoError(t, json.Unmarshal(arr[1], &id))
	return id
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q, err := New(st, opts)
	require.NoError(t, err)
	return q, st
}

func TestRegistrationGatingBlocksNonBootMessages(t *testing.T) {
	q, _ := newTestQueue(t, Options{MessageTimeout: 50 * time.Millisecond})
	link := &fakeLink{}
	q.SetLink(link)
	// not registered: Heartbeat must wait, BootNotification must go through.

	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{
		MessageType: TypeCall, UniqueID: "hb-1", Action: "Heartbeat", Tier: ocpptype.TierNormal,
	}))
	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{
		MessageType: TypeCall, UniqueID: "boot-1", Action: "BootNotification", Tier: ocpptype.TierTransactional,
	}))

	q.pump()
	require.Equal(t, "boot-1", link.lastUniqueID(t))

	// still not registered, and boot-1 is in flight; pumping again must do nothing.
	q.pump()
	require.Equal(t, "boot-1", link.lastUniqueID(t))

	q.Deliver("boot-1", json.RawMessage(`{"status":"Accepted"}`), nil)
	q.SetRegistered(true)
	q.pump()
	require.Equal(t, "hb-1", link.lastUniqueID(t))
}

func TestSingleInFlightCall(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	link := &fakeLink{}
	q.SetLink(link)
	q.SetRegistered(true)

	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{UniqueID: "a", Action: "Heartbeat", Tier: ocpptype.TierNormal}))
	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{UniqueID: "b", Action: "Heartbeat", Tier: ocpptype.TierNormal}))

	q.pump()
	require.Equal(t, "a", link.lastUniqueID(t))

	q.pump() // must not send b while a is in flight
	require.Equal(t, "a", link.lastUniqueID(t))

	q.Deliver("a", json.RawMessage(`{}`), nil)
	q.pump()
	require.Equal(t, "b", link.lastUniqueID(t))
}

func TestTimeoutRetryThenDrop(t *testing.T) {
	q, _ := newTestQueue(t, Options{MessageTimeout: 10 * time.Millisecond, MaxAttempts: 2})
	link := &fakeLink{}
	q.SetLink(link)
	q.SetRegistered(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, err := q.SendAndWait(ctx, "Heartbeat", "timeout-1", json.RawMessage(`{}`), ocpptype.TierNormal, nil)
		require.NoError(t, err)
		resultCh <- res
	}()

	// Drive the pump manually instead of Run, to keep the test deterministic.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.pump()
		select {
		case res := <-resultCh:
			require.NotNil(t, res.Err)
			require.Equal(t, ocpptype.ErrTimeout, res.Err.ErrorCode)
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("message was never dropped after max attempts")
}

func TestLinkLossRequeuesTransactionalMessage(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	link := &fakeLink{}
	q.SetLink(link)
	q.SetRegistered(true)

	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{
		UniqueID: "tx-ev-1", Action: "TransactionEvent", Tier: ocpptype.TierTransactional,
	}))
	q.pump()
	require.Equal(t, "tx-ev-1", link.lastUniqueID(t))

	q.OnLinkLost()

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "tx-ev-1", snap[0].UniqueID)
}

func TestVolatileMessagesAreNotPersisted(t *testing.T) {
	q, st := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ocpptype.QueuedMessage{UniqueID: "resp-1", Tier: ocpptype.TierVolatile}))
	msgs, err := st.ListQueuedMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestQueueReloadsPersistedMessagesInOrder(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.EnqueueMessage(ocpptype.QueuedMessage{UniqueID: "x", Action: "MeterValues", Tier: ocpptype.TierNormal}))
	require.NoError(t, st.EnqueueMessage(ocpptype.QueuedMessage{UniqueID: "y", Action: "BootNotification", Tier: ocpptype.TierTransactional}))
	require.NoError(t, st.Close())

	st2, err := store.Open(dir)
	require.NoError(t, err)
	defer st2.Close()
	q, err := New(st2, Options{})
	require.NoError(t, err)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	// transactional tier pops before normal tier.
	require.Equal(t, "y", snap[0].UniqueID)
}
