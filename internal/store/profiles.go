package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

// prefixChargingProfiles is not in spec.md §6's literal table list (which
// predates smart charging's own persistence), but profiles must survive a
// restart the same as everything else in store A; they are kept under the
// VARIABLES/ namespace's sibling convention as their own table.
const prefixChargingProfiles = "CHARGING_PROFILES/"

func profileKey(connectorID, profileID int) string {
	return fmt.Sprintf("%s%d/%020d", prefixChargingProfiles, connectorID, profileID)
}

// InsertOrReplaceChargingProfile stores p, replacing any existing profile
// at the same (connector, profile_id) key. Spec.md §3's replace-on-duplicate
// invariant for (purpose, stack_level, connector) is enforced by the caller
// (internal/facade), which looks up the existing profile_id to reuse before
// calling this.
func (s *Store) InsertOrReplaceChargingProfile(p ocpptype.ChargingProfile) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, profileKey(p.ConnectorID, p.ProfileID), p)
	})
}

// ListChargingProfiles returns every profile scoped to connectorID, plus
// every station-wide profile (ConnectorID == 0, e.g. ChargePointMax).
func (s *Store) ListChargingProfiles(connectorID int) ([]ocpptype.ChargingProfile, error) {
	cids := []int{0}
	if connectorID != 0 {
		cids = append(cids, connectorID)
	}
	var out []ocpptype.ChargingProfile
	for _, cid := range cids {
		prefix := fmt.Sprintf("%s%d/", prefixChargingProfiles, cid)
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				var p ocpptype.ChargingProfile
				if err := it.Item().Value(func(val []byte) error { return jsonUnmarshalInto(val, &p) }); err != nil {
					return err
				}
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAllChargingProfiles returns every persisted profile across every
// connector, for SetChargingProfile's replace-on-duplicate lookup and
// total-count check (spec.md §8 invariant 5) and for deleting a finished
// transaction's Tx profiles.
func (s *Store) ListAllChargingProfiles() ([]ocpptype.ChargingProfile, error) {
	var out []ocpptype.ChargingProfile
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixChargingProfiles)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p ocpptype.ChargingProfile
			if err := it.Item().Value(func(val []byte) error { return jsonUnmarshalInto(val, &p) }); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// DeleteChargingProfile removes one profile.
func (s *Store) DeleteChargingProfile(connectorID, profileID int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(profileKey(connectorID, profileID)))
	})
}

// DeleteChargingProfilesForTransaction removes every Tx-purpose profile
// referencing transactionID, called when that transaction ends (spec.md §3
// "Tx profiles ... deleted when that transaction ends").
func (s *Store) DeleteChargingProfilesForTransaction(transactionID string) error {
	all, err := s.ListAllChargingProfiles()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range all {
			if p.Purpose == ocpptype.PurposeTx && p.TransactionID != nil && *p.TransactionID == transactionID {
				if err := txn.Delete([]byte(profileKey(p.ConnectorID, p.ProfileID))); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
