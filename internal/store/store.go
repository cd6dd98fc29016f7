// Package store provides the crash-safe persistence layer of spec.md
// component 4.A: auth cache, auth list, operational status, transactions,
// transaction meter samples and the message queue, all over a single
// embedded database per charging station.
//
// The retrieval pack carries no embedded SQL driver, so the "relational-style
// tables" of spec.md §6 are realized as key-prefixed namespaces inside one
// github.com/dgraph-io/badger/v4 instance (the teacher's own persistence
// choice, db_utils.go), with JSON-encoded row values and multi-key
// mutations wrapped in a single badger.Txn so readers never observe partial
// state.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

// Table name prefixes, mirroring spec.md §6's persisted table list.
const (
	prefixAuthCache        = "AUTH_CACHE/"
	prefixAuthList         = "AUTH_LIST/"
	keyAuthListVersion     = "AUTH_LIST_VERSION"
	prefixTransactions     = "TRANSACTIONS/"
	prefixTxMeterValues    = "TRANSACTION_METER_VALUES/"
	prefixMessageQueue     = "MESSAGE_QUEUE/"
	prefixAvailability     = "AVAILABILITY/"
	prefixVariables        = "VARIABLES/"
	prefixVariableAttrs    = "VARIABLE_ATTRIBUTES/"
	prefixVariableMonitors = "VARIABLE_MONITORING/"
	keySchemaVersion       = "SCHEMA_VERSION"
)

// CurrentSchemaVersion is the highest migration this binary knows how to
// read. Store.Open refuses to open a database whose on-disk SCHEMA_VERSION
// exceeds this, per spec.md §4.A and §7 ("Store integrity: fatal at startup").
const CurrentSchemaVersion = 3

// migration is a forward-only, numbered upgrade step.
type migration struct {
	version int
	apply   func(txn *badger.Txn) error
}

var migrations = []migration{
	{version: 1, apply: func(txn *badger.Txn) error { return nil }}, // base schema: namespaces need no explicit DDL
	{version: 2, apply: func(txn *badger.Txn) error { return nil }}, // introduces TRANSACTION_METER_VALUES namespace
	{version: 3, apply: func(txn *badger.Txn) error { return nil }}, // introduces VARIABLE_MONITORING namespace
}

// Store wraps a station's embedded database and exposes transactional CRUD
// over the tables of spec.md §6.
type Store struct {
	db  *badger.DB
	log *log.Entry
}

// ErrSchemaTooNew is returned by Open when the on-disk schema version
// exceeds CurrentSchemaVersion.
type ErrSchemaTooNew struct {
	OnDisk, Known int
}

func (e *ErrSchemaTooNew) Error() string {
	return fmt.Sprintf("store: on-disk schema version %d exceeds known version %d", e.OnDisk, e.Known)
}

// Open opens (or creates) the station database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db, log: log.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	return s.db.Update(func(txn *badger.Txn) error {
		onDisk := 0
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			onDisk = int(binary.BigEndian.Uint32(v))
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if onDisk > CurrentSchemaVersion {
			return &ErrSchemaTooNew{OnDisk: onDisk, Known: CurrentSchemaVersion}
		}

		for _, m := range migrations {
			if m.version <= onDisk {
				continue
			}
			if err := m.apply(txn); err != nil {
				return fmt.Errorf("store: migration %d: %w", m.version, err)
			}
			s.log.WithField("version", m.version).Info("applied schema migration")
		}

		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(CurrentSchemaVersion))
		return txn.Set([]byte(keySchemaVersion), buf)
	})
}

// putJSON marshals v and stores it at key within txn.
func putJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

// getJSON loads and unmarshals the value at key into v. It returns
// badger.ErrKeyNotFound unchanged so callers can distinguish "absent" from
// "zero value" per spec.md §9's optionality note.
func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func isNotFound(err error) bool { return err == badger.ErrKeyNotFound }

// jsonUnmarshalInto is a thin alias kept for readability at call sites that
// already hold the raw value bytes from within an item.Value callback.
func jsonUnmarshalInto(val []byte, v any) error {
	return json.Unmarshal(val, v)
}

// deleteByPrefix removes every key under prefix in its own transaction.
func deleteByPrefix(db *badger.DB, prefix string) error {
	return db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, append([]byte{}, it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// countByPrefix returns the number of keys under prefix.
func countByPrefix(db *badger.DB, prefix string) (int, error) {
	count := 0
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
