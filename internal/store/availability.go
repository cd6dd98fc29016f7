package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

// availabilityKey addresses the station (evseID==0), an EVSE
// (evseID>0, connectorID==0) or a connector (evseID>0, connectorID>0), per
// original_source/include/ocpp/v201/database_handler.hpp's insert_availability.
func availabilityKey(evseID, connectorID int) string {
	return fmt.Sprintf("%s%d/%d", prefixAvailability, evseID, connectorID)
}

// availabilityRecord distinguishes a sticky "default" write (replace) from a
// volatile "this-boot override", per spec.md §4.A.
type availabilityRecord struct {
	Default  *ocpptype.OperationalStatus `json:"default,omitempty"`
	Override *ocpptype.OperationalStatus `json:"override,omitempty"`
}

// InsertAvailability persists the operational status for (evseID, connectorID).
// If sticky is true it replaces the default; otherwise it sets a volatile
// this-boot override that ResetOverrides clears.
func (s *Store) InsertAvailability(evseID, connectorID int, status ocpptype.OperationalStatus, sticky bool) error {
	key := availabilityKey(evseID, connectorID)
	return s.db.Update(func(txn *badger.Txn) error {
		var rec availabilityRecord
		if err := getJSON(txn, key, &rec); err != nil && !isNotFound(err) {
			return err
		}
		if sticky {
			rec.Default = &status
		} else {
			rec.Override = &status
		}
		return putJSON(txn, key, rec)
	})
}

// GetAvailability returns the effective operational status: the volatile
// override if set, else the sticky default, else Operative.
func (s *Store) GetAvailability(evseID, connectorID int) (ocpptype.OperationalStatus, error) {
	var rec availabilityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, availabilityKey(evseID, connectorID), &rec)
	})
	if err != nil && !isNotFound(err) {
		return "", err
	}
	if rec.Override != nil {
		return *rec.Override, nil
	}
	if rec.Default != nil {
		return *rec.Default, nil
	}
	return ocpptype.Operative, nil
}

// ResetOverrides clears every this-boot volatile override, to be called once
// at startup before volatile state is rebuilt from the hardware driver.
func (s *Store) ResetOverrides() error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAvailability)
		it := txn.NewIterator(opts)
		defer it.Close()

		type kv struct {
			key []byte
			rec availabilityRecord
		}
		var rows []kv
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec availabilityRecord
			if err := item.Value(func(val []byte) error { return jsonUnmarshalInto(val, &rec) }); err != nil {
				return err
			}
			if rec.Override == nil {
				continue
			}
			rec.Override = nil
			rows = append(rows, kv{key: append([]byte{}, item.Key()...), rec: rec})
		}
		for _, r := range rows {
			if err := putJSON(txn, string(r.key), r.rec); err != nil {
				return err
			}
		}
		return nil
	})
}
