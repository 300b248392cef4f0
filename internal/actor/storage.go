package actor

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// Storage is the durable key-value storage scoped to one actor. Records are
// JSON-encoded and grouped into named tables (nested bbolt buckets), so one
// actor can keep several record sets (reminders, executions, raw config)
// without key prefixing.
//
// Storage is only safe to use from inside the owning actor (Do or a wake
// handler); the per-key serialization is the concurrency contract.
type Storage struct {
	db  *bbolt.DB
	ns  []byte
	key []byte
}

// ErrNoRecord is returned by Get when the requested record does not exist.
var ErrNoRecord = fmt.Errorf("actor: no such record")

// Put JSON-encodes v and stores it under (table, id).
func (s *Storage) Put(table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("actor: marshal %s/%s: %w", table, id, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.tableBucket(tx, table, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Get loads the record at (table, id) into out. Returns ErrNoRecord if absent.
func (s *Storage) Get(table, id string, out any) error {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.tableBucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		if v := b.Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoRecord, table, id)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("actor: unmarshal %s/%s: %w", table, id, err)
	}
	return nil
}

// Has reports whether a record exists at (table, id).
func (s *Storage) Has(table, id string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.tableBucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		found = b.Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// Delete removes the record at (table, id). Deleting a missing record is not
// an error.
func (s *Storage) Delete(table, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.tableBucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// ForEach calls fn for every record in table, in key order. fn receives the
// record id and raw JSON; returning an error stops the iteration.
func (s *Storage) ForEach(table string, fn func(id string, raw []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.tableBucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// DropTable removes an entire table for this actor. Used for atomic full
// replacement of a record set.
func (s *Storage) DropTable(table string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		keyBucket, err := s.keyBucket(tx, false)
		if err != nil || keyBucket == nil {
			return err
		}
		if keyBucket.Bucket([]byte(table)) == nil {
			return nil
		}
		return keyBucket.DeleteBucket([]byte(table))
	})
}

// Update runs fn inside one writable bbolt transaction, giving multi-record
// mutations atomicity. fn receives a transactional view of this storage.
func (s *Storage) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{storage: s, btx: btx})
	})
}

// Tx is a transactional view of an actor's storage: every mutation made
// through it commits or rolls back as one unit.
type Tx struct {
	storage *Storage
	btx     *bbolt.Tx
}

// Put JSON-encodes v and stores it under (table, id) within the transaction.
func (t *Tx) Put(table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("actor: marshal %s/%s: %w", table, id, err)
	}
	b, err := t.storage.txTableBucket(t.btx, table, true)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

// DropTable removes an entire table within the transaction.
func (t *Tx) DropTable(table string) error {
	keyBucket, err := t.storage.txKeyBucket(t.btx, false)
	if err != nil || keyBucket == nil {
		return err
	}
	if keyBucket.Bucket([]byte(table)) == nil {
		return nil
	}
	return keyBucket.DeleteBucket([]byte(table))
}

func (s *Storage) tableBucket(tx *bbolt.Tx, table string, create bool) (*bbolt.Bucket, error) {
	return s.txTableBucket(tx, table, create)
}

func (s *Storage) txTableBucket(tx *bbolt.Tx, table string, create bool) (*bbolt.Bucket, error) {
	keyBucket, err := s.txKeyBucket(tx, create)
	if err != nil || keyBucket == nil {
		return nil, err
	}
	if create {
		return keyBucket.CreateBucketIfNotExists([]byte(table))
	}
	return keyBucket.Bucket([]byte(table)), nil
}

func (s *Storage) keyBucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	return s.txKeyBucket(tx, create)
}

func (s *Storage) txKeyBucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	data := tx.Bucket(s.ns).Bucket(dataBucket)
	if data == nil {
		return nil, fmt.Errorf("actor: namespace %s not initialised", s.ns)
	}
	if create {
		return data.CreateBucketIfNotExists(s.key)
	}
	return data.Bucket(s.key), nil
}
