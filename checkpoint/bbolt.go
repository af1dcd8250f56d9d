package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
)

// BboltStore keeps resume tokens in a bbolt database file.
type BboltStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// bboltRecord is the serialized form of a Record
type bboltRecord struct {
	Token     []byte `json:"token"`
	UpdatedAt int64  `json:"updated_at"` // Unix milliseconds
}

var tokensBucket = []byte("resume_tokens")

// DefaultFileName is the database file created inside the data directory.
const DefaultFileName = "checkpoints.db"

// NewBboltStore opens or creates the checkpoint database in dataDir.
func NewBboltStore(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultFileName)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create resume token bucket: %w", err)
	}

	return &BboltStore{
		db:   db,
		path: dbPath,
	}, nil
}

// Path returns the database file path.
func (s *BboltStore) Path() string {
	return s.path
}

// Load returns the token saved under key, or nil if there is none.
func (s *BboltStore) Load(_ context.Context, key string) (bson.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var token bson.Raw
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		r, err := decodeRecord(key, data)
		if err != nil {
			return err
		}
		token = r.Token
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// Save stores token under key.
func (s *BboltStore) Save(_ context.Context, key string, token bson.Raw) error {
	if err := checkSave(key, token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(bboltRecord{
		Token:     token,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(key), data)
	})
}

// Records returns every saved record ordered by key.
func (s *BboltStore) Records(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// Delete removes the record for key.
func (s *BboltStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(key))
	})
}

// Close closes the database.
func (s *BboltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// decodeRecord copies a stored value out of the transaction.
func decodeRecord(key string, data []byte) (Record, error) {
	var br bboltRecord
	if err := json.Unmarshal(data, &br); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal checkpoint %q: %w", key, err)
	}
	return Record{
		Key:       key,
		Token:     cloneToken(br.Token),
		UpdatedAt: time.UnixMilli(br.UpdatedAt),
	}, nil
}

var _ Store = (*BboltStore)(nil)
