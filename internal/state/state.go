// Package state is the durable fact base for graphgate, backed by bbolt.
// It stores the primary credential, derived page credentials, pending
// authorization states, and arbitrary expiring facts. The store is the
// source of truth for credential refresh: concurrent writers may race and
// the last write wins, because credentials are externally issued and
// idempotent to overwrite.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.graphgate/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	factsBucket       = []byte("facts")
	credentialsBucket = []byte("credentials")
	pagesBucket       = []byte("pages")
	pendingBucket     = []byte("pending_auth")

	activeOwnerKey = []byte("active_owner")
)

// Credential is the primary identity's access token, obtained from the
// authorization-code exchange. Overwritten on re-authentication.
type Credential struct {
	Token      string `json:"token"`
	TokenType  string `json:"token_type"`
	ExpiresAt  int64  `json:"expires_at,omitempty"` // epoch seconds, 0 when the upstream sent no expiry
	OwnerID    string `json:"owner_id"`
	OwnerName  string `json:"owner_name,omitempty"`
	ObtainedAt int64  `json:"obtained_at"` // epoch milliseconds
}

// PageCredential is a derived, page-scoped access token. Always re-derived
// from the primary credential's page list, never fabricated.
type PageCredential struct {
	PageID     string `json:"page_id"`
	Token      string `json:"token"`
	PageName   string `json:"page_name,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"` // epoch seconds
	ObtainedAt int64  `json:"obtained_at"`          // epoch milliseconds
}

// PendingAuth is an in-flight authorization attempt, keyed by the opaque
// state token. Consumed at most once.
type PendingAuth struct {
	Verifier    string `json:"verifier"`
	RedirectURI string `json:"redirect_uri"`
	CreatedAt   int64  `json:"created_at"` // epoch milliseconds
	ExpiresAt   int64  `json:"expires_at"` // epoch seconds
}

// fact wraps an arbitrary value with an optional expiry.
type fact struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // epoch seconds
}

// Store wraps a bbolt database for all persistent application state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.graphgate/state.db, creating it if
// it does not exist.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it does
// not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, factsBucket, credentialsBucket, pagesBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an arbitrary fact under key. A zero ttl means no expiry.
func (s *Store) Put(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling fact %q: %w", key, err)
	}

	f := fact{Value: raw}
	if ttl > 0 {
		f.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(factsBucket).Put([]byte(key), data)
	})
}

// Get loads a fact into out. Returns false when the key is absent or the
// fact has expired. Expired facts are treated as absent.
func (s *Store) Get(key string, out any) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(factsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		var f fact
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}

		if f.ExpiresAt != 0 && time.Now().Unix() >= f.ExpiresAt {
			return nil
		}

		found = true

		return json.Unmarshal(f.Value, out)
	})

	return found, err
}

// Delete removes a fact.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(factsBucket).Delete([]byte(key))
	})
}

// SaveCredential persists the primary credential, keyed by owner id.
func (s *Store) SaveCredential(c Credential) error {
	if c.OwnerID == "" {
		return fmt.Errorf("owner id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(credentialsBucket).Put([]byte(c.OwnerID), data)
	})
}

// Credential returns the primary credential for an owner, or nil if none
// is stored. Expiry is not checked here: the broker owns the fail-closed
// expiry decision.
func (s *Store) Credential(ownerID string) (*Credential, error) {
	var c *Credential

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get([]byte(ownerID))
		if v == nil {
			return nil
		}

		c = &Credential{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// DeleteCredential removes the primary credential for an owner.
func (s *Store) DeleteCredential(ownerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(ownerID))
	})
}

// SetActiveOwner records which owner id is currently linked. At most one
// owner is active process-wide.
func (s *Store) SetActiveOwner(ownerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(activeOwnerKey, []byte(ownerID))
	})
}

// ActiveOwner returns the linked owner id, or empty string.
func (s *Store) ActiveOwner() (string, error) {
	var owner string

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeOwnerKey); v != nil {
			owner = string(v)
		}

		return nil
	})

	return owner, err
}

// ClearActiveOwner unlinks the active identity.
func (s *Store) ClearActiveOwner() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(activeOwnerKey)
	})
}

// SavePageCredential persists a derived page credential.
func (s *Store) SavePageCredential(pc PageCredential) error {
	if pc.PageID == "" {
		return fmt.Errorf("page id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pc)
		if err != nil {
			return err
		}

		return tx.Bucket(pagesBucket).Put([]byte(pc.PageID), data)
	})
}

// PageCredential returns the stored credential for a page, or nil.
func (s *Store) PageCredential(pageID string) (*PageCredential, error) {
	var pc *PageCredential

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pagesBucket).Get([]byte(pageID))
		if v == nil {
			return nil
		}

		pc = &PageCredential{}

		return json.Unmarshal(v, pc)
	})

	return pc, err
}

// DeletePageCredentials removes all derived page credentials. Called on
// re-authentication so stale derivations cannot outlive their primary.
func (s *Store) DeletePageCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(pagesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(pagesBucket)

		return err
	})
}

// SavePendingAuth persists an in-flight authorization state under the
// opaque state token.
func (s *Store) SavePendingAuth(stateToken string, pa PendingAuth) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pa)
		if err != nil {
			return err
		}

		return tx.Bucket(pendingBucket).Put([]byte(stateToken), data)
	})
}

// ConsumePendingAuth retrieves and deletes a pending authorization state
// in one transaction, so a second consumption observes absence. Returns
// nil when the state token is unknown or expired.
func (s *Store) ConsumePendingAuth(stateToken string) (*PendingAuth, error) {
	var pa *PendingAuth

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		v := b.Get([]byte(stateToken))
		if v == nil {
			return nil
		}

		var decoded PendingAuth
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}

		if err := b.Delete([]byte(stateToken)); err != nil {
			return err
		}

		if decoded.ExpiresAt != 0 && time.Now().Unix() >= decoded.ExpiresAt {
			return nil
		}

		pa = &decoded

		return nil
	})

	return pa, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing access tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".graphgate", "state.db")
}
