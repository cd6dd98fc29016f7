package store

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAuthCacheExpiry reproduces spec.md §8 scenario 6: token1 inserted at
// t=10s, token2 at t=20s, lifetime=15s, evaluated at t=30s. token1 must be
// evicted, token2 must remain.
func TestAuthCacheExpiry(t *testing.T) {
	s := openTemp(t)

	base := time.Unix(0, 0).UTC()
	require.NoError(t, s.InsertOrReplaceAuthCacheEntry("token1", ocpptype.IdTokenInfo{
		Status:   ocpptype.AuthAccepted,
		LastUsed: ocpptype.NewDateTime(base.Add(10 * time.Second)),
	}))
	require.NoError(t, s.InsertOrReplaceAuthCacheEntry("token2", ocpptype.IdTokenInfo{
		Status:   ocpptype.AuthAccepted,
		LastUsed: ocpptype.NewDateTime(base.Add(20 * time.Second)),
	}))

	now := base.Add(30 * time.Second)
	removed, err := s.DeleteExpiredAuthCacheEntries(now, 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok, err := s.GetAuthCacheEntry("token1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.GetAuthCacheEntry("token2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAuthCacheOldestEviction(t *testing.T) {
	s := openTemp(t)
	base := time.Unix(0, 0).UTC()
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertOrReplaceAuthCacheEntry(name, ocpptype.IdTokenInfo{
			LastUsed: ocpptype.NewDateTime(base.Add(time.Duration(i) * time.Minute)),
		}))
	}
	removed, err := s.DeleteOldestAuthCacheEntries(2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, ok, _ := s.GetAuthCacheEntry("a")
	require.False(t, ok)
	_, ok, _ = s.GetAuthCacheEntry("b")
	require.False(t, ok)
	_, ok, _ = s.GetAuthCacheEntry("c")
	require.True(t, ok)
}

// TestMessageQueueFIFO checks that persisted order survives reopen, and
// that removal-by-uniqueId leaves the remaining order intact.
func TestMessageQueueFIFO(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for _, id := range []string{"id-1", "id-2", "id-3"} {
		require.NoError(t, s.EnqueueMessage(ocpptype.QueuedMessage{
			MessageType: 2,
			UniqueID:    id,
			Action:      "Heartbeat",
			Tier:        ocpptype.TierNormal,
		}))
	}
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.ListQueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"id-1", "id-2", "id-3"}, []string{msgs[0].UniqueID, msgs[1].UniqueID, msgs[2].UniqueID})

	require.NoError(t, s2.RemoveQueuedMessage("id-2"))
	msgs, err = s2.ListQueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "id-1", msgs[0].UniqueID)
	require.Equal(t, "id-3", msgs[1].UniqueID)
}

func TestSchemaTooNewRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(CurrentSchemaVersion+1))
		return txn.Set([]byte(keySchemaVersion), buf)
	}))
	require.NoError(t, s.Close())

	_, err = Open(dir)
	require.Error(t, err)
	var tooNew *ErrSchemaTooNew
	require.ErrorAs(t, err, &tooNew)
}

func TestAvailabilityStickyVsVolatile(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.InsertAvailability(1, 1, ocpptype.Operative, true))
	status, err := s.GetAvailability(1, 1)
	require.NoError(t, err)
	require.Equal(t, ocpptype.Operative, status)

	require.NoError(t, s.InsertAvailability(1, 1, ocpptype.Inoperative, false))
	status, err = s.GetAvailability(1, 1)
	require.NoError(t, err)
	require.Equal(t, ocpptype.Inoperative, status)

	require.NoError(t, s.ResetOverrides())
	status, err = s.GetAvailability(1, 1)
	require.NoError(t, err)
	require.Equal(t, ocpptype.Operative, status)
}

func TestTransactionSeqNoSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	tx := ocpptype.Transaction{TransactionID: "txn-1", EVSEID: 1, ConnectorID: 1}
	require.NoError(t, s.InsertTransaction(tx))
	require.NoError(t, s.UpdateTransactionSeqNo("txn-1", 4))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.GetTransaction("txn-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, got.SeqNo)

	interrupted, err := s2.ListInterruptedTransactions()
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
}
