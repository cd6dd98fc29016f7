package store

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

// InsertOrReplaceAuthCacheEntry stores id_token_info keyed by the hash of an
// ID token (spec.md §3 "Auth cache entry").
func (s *Store) InsertOrReplaceAuthCacheEntry(tokenHash string, info ocpptype.IdTokenInfo) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixAuthCache+tokenHash, info)
	})
}

// UpdateAuthCacheLastUsed bumps the last_used timestamp of an existing entry.
// It is a no-op if the entry is absent.
func (s *Store) UpdateAuthCacheLastUsed(tokenHash string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var info ocpptype.IdTokenInfo
		if err := getJSON(txn, prefixAuthCache+tokenHash, &info); err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		info.LastUsed = ocpptype.NewDateTime(at)
		return putJSON(txn, prefixAuthCache+tokenHash, info)
	})
}

// GetAuthCacheEntry returns (info, true, nil) if present, (_, false, nil) if
// absent.
func (s *Store) GetAuthCacheEntry(tokenHash string) (ocpptype.IdTokenInfo, bool, error) {
	var info ocpptype.IdTokenInfo
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixAuthCache+tokenHash, &info)
	})
	if isNotFound(err) {
		return ocpptype.IdTokenInfo{}, false, nil
	}
	return info, err == nil, err
}

func (s *Store) DeleteAuthCacheEntry(tokenHash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixAuthCache + tokenHash))
	})
}

// DeleteExpiredAuthCacheEntries removes entries whose per-entry Expiry has
// passed, or (when lifetime > 0) whose LastUsed is at or before now-lifetime
// (spec.md §3, §8 scenario 6).
func (s *Store) DeleteExpiredAuthCacheEntries(now time.Time, lifetime time.Duration) (int, error) {
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAuthCache)
		it := txn.NewIterator(opts)
		defer it.Close()

		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var info ocpptype.IdTokenInfo
			if err := item.Value(func(val []byte) error {
				return jsonUnmarshalInto(val, &info)
			}); err != nil {
				return err
			}
			expired := info.Expiry != nil && !info.Expiry.Time.After(now)
			staleByLifetime := lifetime > 0 && now.Sub(info.LastUsed.Time) >= lifetime
			if expired || staleByLifetime {
				key := append([]byte{}, item.Key()...)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// authCacheRow pairs a key with its decoded value, for eviction ordering.
type authCacheRow struct {
	key      []byte
	lastUsed time.Time
}

// DeleteOldestAuthCacheEntries removes up to n entries, oldest LastUsed
// first (spec.md §4.A "delete-N-oldest-by-last-used").
func (s *Store) DeleteOldestAuthCacheEntries(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAuthCache)
		it := txn.NewIterator(opts)
		defer it.Close()

		var rows []authCacheRow
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var info ocpptype.IdTokenInfo
			if err := item.Value(func(val []byte) error {
				return jsonUnmarshalInto(val, &info)
			}); err != nil {
				return err
			}
			rows = append(rows, authCacheRow{key: append([]byte{}, item.Key()...), lastUsed: info.LastUsed.Time})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].lastUsed.Before(rows[j].lastUsed) })
		if n > len(rows) {
			n = len(rows)
		}
		for _, r := range rows[:n] {
			if err := txn.Delete(r.key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Store) ClearAuthCache() error {
	return deleteByPrefix(s.db, prefixAuthCache)
}

// AuthCacheBinarySize returns the total byte size of the auth cache table,
// the quantity a device-model eviction threshold (left open by spec.md §9)
// would be compared against; nothing in this module calls it or evicts
// entries automatically.
func (s *Store) AuthCacheBinarySize() (int64, error) {
	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAuthCache)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			total += it.Item().EstimatedSize()
		}
		return nil
	})
	return total, err
}
