package store

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

const keyMessageQueueSeq = "MESSAGE_QUEUE_SEQ"

// EnqueueMessage persists msg at the tail of the FIFO. Badger iterates keys
// in lexicographic order, so the sequence number is zero-padded into the key
// to preserve insertion order across restarts (spec.md §4.D "ordered log").
// Volatile-tier messages (CallResult/CallError) are never persisted, per
// spec.md §4.D, and callers should not route them here.
func (s *Store) EnqueueMessage(msg ocpptype.QueuedMessage) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%020d", prefixMessageQueue, seq)
		return putJSON(txn, key, msg)
	})
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(keyMessageQueueSeq))
	var seq uint64
	if err == nil {
		v, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		seq = binary.BigEndian.Uint64(v)
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set([]byte(keyMessageQueueSeq), buf); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListQueuedMessages returns every persisted message in FIFO order.
func (s *Store) ListQueuedMessages() ([]ocpptype.QueuedMessage, error) {
	var msgs []ocpptype.QueuedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMessageQueue)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var msg ocpptype.QueuedMessage
			if err := it.Item().Value(func(val []byte) error { return jsonUnmarshalInto(val, &msg) }); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	return msgs, err
}

// RemoveQueuedMessage deletes the persisted record for uniqueID, if present.
func (s *Store) RemoveQueuedMessage(uniqueID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, found, err := findQueueKey(txn, uniqueID)
		if err != nil || !found {
			return err
		}
		return txn.Delete(key)
	})
}

// UpdateQueuedMessageAttempts rewrites the attempts counter for uniqueID,
// used after a timeout-triggered requeue at head (spec.md §4.D).
func (s *Store) UpdateQueuedMessageAttempts(uniqueID string, attempts int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, found, err := findQueueKey(txn, uniqueID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var msg ocpptype.QueuedMessage
		if err := getJSON(txn, string(key), &msg); err != nil {
			return err
		}
		msg.Attempts = attempts
		return putJSON(txn, string(key), msg)
	})
}

func findQueueKey(txn *badger.Txn, uniqueID string) ([]byte, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixMessageQueue)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var msg ocpptype.QueuedMessage
		if err := item.Value(func(val []byte) error { return jsonUnmarshalInto(val, &msg) }); err != nil {
			return nil, false, err
		}
		if msg.UniqueID == uniqueID {
			return append([]byte{}, item.Key()...), true, nil
		}
	}
	return nil, false, nil
}
