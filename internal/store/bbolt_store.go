package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const bucketUsers = "users"

// BoltStore keeps the whole user collection in a single bbolt file. bbolt
// admits one writer at a time, so every Transact (and Create/Delete) is
// serialized against every other mutation, which is exactly the discipline
// device admission needs.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBolt opens (creating if needed) the database at path and runs the
// normalization pass over every stored record, persisting any upgrades so
// subsequent opens find only canonical records.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BoltStore{db: db, logger: logger}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketUsers))
		if err != nil {
			return err
		}
		return st.normalizeBucket(b)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// normalizeBucket upgrades legacy records in place. A record that does not
// even parse as JSON is left untouched and logged; one corrupt record must
// not block the rest of the store.
func (s *BoltStore) normalizeBucket(b *bbolt.Bucket) error {
	type rewrite struct{ key, val []byte }
	var rewrites []rewrite

	err := b.ForEach(func(k, v []byte) error {
		acc, changed, err := decodeRecord(v)
		if err != nil {
			s.logger.Warn("skipping unreadable user record", "username", string(k), "error", err)
			return nil
		}
		if acc.Username != string(k) {
			acc.Username = string(k)
			changed = true
		}
		if !changed {
			return nil
		}
		buf, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		rewrites = append(rewrites, rewrite{key: append([]byte(nil), k...), val: buf})
		return nil
	})
	if err != nil {
		return err
	}

	// Writes happen after iteration; bbolt forbids mutating a bucket
	// mid-ForEach.
	for _, rw := range rewrites {
		if err := b.Put(rw.key, rw.val); err != nil {
			return err
		}
	}
	if len(rewrites) > 0 {
		s.logger.Info("normalized legacy user records", "count", len(rewrites))
	}
	return nil
}

// ImportLegacyFile loads the original deployment's users.json (a JSON array
// of records, possibly with plaintext passwords) into the store. Records
// whose username already exists are skipped, so the import is idempotent.
// A missing file is a no-op. Returns the number of records imported.
func (s *BoltStore) ImportLegacyFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	imported := 0
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		for i, raw := range raws {
			acc, _, err := decodeRecord(raw)
			if err != nil {
				s.logger.Warn("skipping legacy record", "index", i, "error", err)
				continue
			}
			if acc.Username == "" {
				s.logger.Warn("skipping legacy record without username", "index", i)
				continue
			}
			if b.Get([]byte(acc.Username)) != nil {
				continue
			}
			buf, err := json.Marshal(acc)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(acc.Username), buf); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	return imported, err
}

func (s *BoltStore) Get(username string) (*UserAccount, error) {
	var acc *UserAccount
	if err := s.db.View(func(tx *bbolt.Tx) error {
		a, err := getUser(tx, username)
		if err != nil {
			return err
		}
		acc = a
		return nil
	}); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *BoltStore) List() ([]*UserAccount, error) {
	// bbolt iterates in key order, so the result is already sorted by
	// username.
	accs := make([]*UserAccount, 0)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		return b.ForEach(func(k, v []byte) error {
			acc, _, err := decodeRecord(v)
			if err != nil {
				s.logger.Warn("skipping unreadable user record", "username", string(k), "error", err)
				return nil
			}
			accs = append(accs, acc)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return accs, nil
}

func (s *BoltStore) Create(acc *UserAccount) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		if b.Get([]byte(acc.Username)) != nil {
			return ErrExists
		}
		return putUser(tx, acc)
	})
}

func (s *BoltStore) Delete(username string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		if b.Get([]byte(username)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(username))
	})
}

func (s *BoltStore) Transact(username string, fn func(acc *UserAccount) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		acc, err := getUser(tx, username)
		if err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			return err
		}
		return putUser(tx, acc)
	})
}

func getUser(tx *bbolt.Tx, username string) (*UserAccount, error) {
	b := tx.Bucket([]byte(bucketUsers))
	v := b.Get([]byte(username))
	if v == nil {
		return nil, ErrNotFound
	}
	acc, _, err := decodeRecord(v)
	if err != nil {
		return nil, fmt.Errorf("decode user %q: %w", username, err)
	}
	return acc, nil
}

func putUser(tx *bbolt.Tx, acc *UserAccount) error {
	b := tx.Bucket([]byte(bucketUsers))
	buf, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return b.Put([]byte(acc.Username), buf)
}
