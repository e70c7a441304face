// Package boltdb persists the auth session in a local bbolt database so a
// valid login survives gateway restarts.
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/asagents/service-gateway/internal/auth"
)

var bucketAuth = []byte("auth")

// The five session keys. They are written together on login and removed
// together on logout.
var (
	keyToken        = []byte("auth_token")
	keyUser         = []byte("auth_user")
	keyCapabilities = []byte("auth_capabilities")
	keyPermissions  = []byte("auth_permissions")
	keyRoles        = []byte("auth_roles")
)

var sessionKeys = [][]byte{keyToken, keyUser, keyCapabilities, keyPermissions, keyRoles}

// Store is a bbolt-backed auth.Store.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database at path and ensures the auth bucket
// exists.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open auth store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAuth)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create auth bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Save writes all five session keys in a single transaction.
func (s *Store) Save(_ context.Context, sess *auth.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return fmt.Errorf("auth bucket not found")
		}

		entries := map[string]any{
			string(keyUser):         sess.User,
			string(keyCapabilities): sess.Capabilities,
			string(keyPermissions):  sess.Permissions,
			string(keyRoles):        sess.Roles,
		}

		if err := bucket.Put(keyToken, []byte(sess.Token)); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		for key, value := range entries {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return fmt.Errorf("failed to save %s: %w", key, err)
			}
		}
		return nil
	})
}

// Load reads the session. Returns auth.ErrNoSession when the token key is
// absent.
func (s *Store) Load(_ context.Context) (*auth.Session, error) {
	var sess *auth.Session

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return fmt.Errorf("auth bucket not found")
		}

		token := bucket.Get(keyToken)
		if token == nil {
			return auth.ErrNoSession
		}

		sess = &auth.Session{Token: string(token)}

		if data := bucket.Get(keyUser); data != nil {
			if err := json.Unmarshal(data, &sess.User); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
		}
		if data := bucket.Get(keyCapabilities); data != nil {
			if err := json.Unmarshal(data, &sess.Capabilities); err != nil {
				return fmt.Errorf("failed to unmarshal capabilities: %w", err)
			}
		}
		if data := bucket.Get(keyPermissions); data != nil {
			if err := json.Unmarshal(data, &sess.Permissions); err != nil {
				return fmt.Errorf("failed to unmarshal permissions: %w", err)
			}
		}
		if data := bucket.Get(keyRoles); data != nil {
			if err := json.Unmarshal(data, &sess.Roles); err != nil {
				return fmt.Errorf("failed to unmarshal roles: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Clear removes all five session keys in a single transaction. Clearing
// an empty store is not an error.
func (s *Store) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return fmt.Errorf("auth bucket not found")
		}
		for _, key := range sessionKeys {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
