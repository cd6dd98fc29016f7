package store

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

// GetAuthListVersion returns the monotonically stored auth list version
// (spec.md §3 "Auth list entry"), or 0 if never set.
func (s *Store) GetAuthListVersion() (int, error) {
	version := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyAuthListVersion))
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version = int(binary.BigEndian.Uint32(v))
		return nil
	})
	return version, err
}

func (s *Store) SetAuthListVersion(version int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(version))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyAuthListVersion), buf)
	})
}

func (s *Store) InsertOrReplaceAuthListEntry(token ocpptype.IdToken, info ocpptype.IdTokenInfo) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixAuthList+token.IdToken, info)
	})
}

func (s *Store) DeleteAuthListEntry(token ocpptype.IdToken) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixAuthList + token.IdToken))
	})
}

func (s *Store) GetAuthListEntry(token ocpptype.IdToken) (ocpptype.IdTokenInfo, bool, error) {
	var info ocpptype.IdTokenInfo
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixAuthList+token.IdToken, &info)
	})
	if isNotFound(err) {
		return ocpptype.IdTokenInfo{}, false, nil
	}
	return info, err == nil, err
}

func (s *Store) ClearAuthList() error {
	return deleteByPrefix(s.db, prefixAuthList)
}

func (s *Store) CountAuthListEntries() (int, error) {
	return countByPrefix(s.db, prefixAuthList)
}
