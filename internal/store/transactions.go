package store

import (
	"github.com/dgraph-io/badger/v4"

	"chargepoint/internal/ocpptype"
)

func (s *Store) InsertTransaction(tx ocpptype.Transaction) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixTransactions+tx.TransactionID, tx)
	})
}

func (s *Store) GetTransaction(transactionID string) (ocpptype.Transaction, bool, error) {
	var tx ocpptype.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixTransactions+transactionID, &tx)
	})
	if isNotFound(err) {
		return ocpptype.Transaction{}, false, nil
	}
	return tx, err == nil, err
}

// UpdateTransactionSeqNo persists the next seq_no. Per spec.md §9's resolved
// Open Question, this must be called (and durably committed) before the
// corresponding TransactionEvent is handed to the message queue, so a crash
// loses at most one seq_no worth of duplicate risk at the CSMS.
func (s *Store) UpdateTransactionSeqNo(transactionID string, seqNo int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var tx ocpptype.Transaction
		if err := getJSON(txn, prefixTransactions+transactionID, &tx); err != nil {
			return err
		}
		tx.SeqNo = seqNo
		return putJSON(txn, prefixTransactions+transactionID, tx)
	})
}

func (s *Store) UpdateTransactionChargingState(transactionID string, state ocpptype.ChargingState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var tx ocpptype.Transaction
		if err := getJSON(txn, prefixTransactions+transactionID, &tx); err != nil {
			return err
		}
		tx.ChargingState = state
		return putJSON(txn, prefixTransactions+transactionID, tx)
	})
}

// ListInterruptedTransactions returns every transaction still on disk at
// startup: by the lifecycle invariant of spec.md §3, a transaction is
// deleted only after its terminal Ended event is acknowledged, so anything
// still present was interrupted by a crash or restart.
func (s *Store) ListInterruptedTransactions() ([]ocpptype.Transaction, error) {
	var txs []ocpptype.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTransactions)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var tx ocpptype.Transaction
			if err := it.Item().Value(func(val []byte) error { return jsonUnmarshalInto(val, &tx) }); err != nil {
				return err
			}
			txs = append(txs, tx)
		}
		return nil
	})
	return txs, err
}

func (s *Store) DeleteTransaction(transactionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixTransactions + transactionID))
	})
}

// AppendTransactionMeterSample adds one sample to transaction_id's log
// (spec.md §3 "Queued message" sibling table TRANSACTION_METER_VALUES).
func (s *Store) AppendTransactionMeterSample(transactionID string, sample ocpptype.MeterSample) error {
	key := prefixTxMeterValues + transactionID + "/" + sample.Timestamp.Time.Format("20060102T150405.000000000Z") + "/" + sample.Measurand
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, sample)
	})
}

func (s *Store) ListTransactionMeterSamples(transactionID string) ([]ocpptype.MeterSample, error) {
	var samples []ocpptype.MeterSample
	prefix := prefixTxMeterValues + transactionID + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sample ocpptype.MeterSample
			if err := it.Item().Value(func(val []byte) error { return jsonUnmarshalInto(val, &sample) }); err != nil {
				return err
			}
			samples = append(samples, sample)
		}
		return nil
	})
	return samples, err
}

func (s *Store) ClearTransactionMeterSamples(transactionID string) error {
	return deleteByPrefix(s.db, prefixTxMeterValues+transactionID+"/")
}
