package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const credentialBucket = "credentials"

// BoltStore provides a BoltDB-backed credential store.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the credential database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(credentialBucket)); err != nil {
			return fmt.Errorf("create credential bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores value under name, replacing any previous value.
func (s *BoltStore) Put(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("credential name is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		return bucket.Put([]byte(name), []byte(value))
	})
}

// Get fetches the value stored under name.
func (s *BoltStore) Get(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s == nil || s.db == nil {
		return "", false, ErrNotConfigured
	}

	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		// The slice is only valid inside the transaction, copy it out.
		if payload := bucket.Get([]byte(name)); payload != nil {
			value = string(payload)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// Remove deletes name. Removing an absent name is not an error.
func (s *BoltStore) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		return bucket.Delete([]byte(name))
	})
}
