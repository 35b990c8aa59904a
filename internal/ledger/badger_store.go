package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	entryKeyPrefix = "entry/"
	headKey        = "head"
)

// BadgerStore persists ledger entries in an embedded Badger database.
// Entry and head pointer are written in one transaction, which is the
// conditional write required for crash consistency.
type BadgerStore struct {
	db *badger.DB
}

type headRecord struct {
	Seq   uint64 `json:"seq"`
	Chain string `json:"chain"`
}

// OpenBadger opens (or creates) the ledger database at path. An empty
// path opens an in-memory database, used by tests.
func OpenBadger(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func entryKey(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", entryKeyPrefix, seq)
}

func (s *BadgerStore) Append(ctx context.Context, e *Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	head, err := json.Marshal(headRecord{Seq: e.Seq, Chain: e.ChainHash})
	if err != nil {
		return err
	}

	key := entryKey(e.Seq)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("seq %d already exists", e.Seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set([]byte(headKey), head)
	})
}

func (s *BadgerStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(seq))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) Head(ctx context.Context) (uint64, string, error) {
	var h headRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &h)
		})
	})
	if err != nil {
		return 0, "", err
	}
	return h.Seq, h.Chain, nil
}

func (s *BadgerStore) Scan(ctx context.Context, fromSeq, toSeq uint64, fn func(*Entry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryKeyPrefix)
		for it.Seek(entryKey(fromSeq)); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			})
			if err != nil {
				return err
			}
			if e.Seq > toSeq {
				return nil
			}
			if err := fn(&e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// tamper is used only by integrity tests; it bypasses the append-only
// contract on purpose and must never be exported.
func (s *BadgerStore) tamper(seq uint64, mutate func(*Entry)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(seq))
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
			return err
		}
		mutate(&e)
		value, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(seq), value)
	})
}
