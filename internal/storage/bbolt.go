package storage

import (
	"fmt"
	"time"

	"alatele/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketScopes        = []byte("scopes")
	bucketBlobs         = []byte("blobs")
	bucketSubscriptions = []byte("subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketScopes, bucketBlobs, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) put(bucket []byte, item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}
		return tx.Bucket(bucket).Put(item.Key(), data)
	})
}

// SaveScope stores the authoritative list of scope, replacing the previous
// one. Provisional messages are never written.
func (s *BboltStorage) SaveScope(scope models.Scope, messages []models.Message) error {
	dbScope := &DBScope{
		Scope:     scope.String(),
		Messages:  make([]DBMessage, 0, len(messages)),
		UpdatedAt: s.now().Unix(),
	}
	for _, m := range messages {
		if m.Provisional() {
			continue
		}
		dbScope.Messages = append(dbScope.Messages, toDBMessage(m))
	}
	return s.put(bucketScopes, dbScope)
}

// LoadScopes returns every stored scope list. Entries with an unparsable
// scope key are skipped.
func (s *BboltStorage) LoadScopes() (map[models.Scope][]models.Message, error) {
	scopes := make(map[models.Scope][]models.Message)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketScopes)
		return b.ForEach(func(k, v []byte) error {
			var dbScope DBScope
			if err := dbScope.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt scope %s: %w", string(k), err)
			}
			scope, ok := models.ParseScope(dbScope.Scope)
			if !ok {
				return nil
			}
			messages := make([]models.Message, len(dbScope.Messages))
			for i, m := range dbScope.Messages {
				messages[i] = m.toModel()
			}
			scopes[scope] = messages
			return nil
		})
	})
	return scopes, err
}

// DeleteScope forgets the stored list of scope.
func (s *BboltStorage) DeleteScope(scope models.Scope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScopes).Delete([]byte(scope))
	})
}

func (s *BboltStorage) UpsertSubscription(sub DBSubscription) error {
	if sub.CreatedAt == 0 {
		sub.CreatedAt = s.now().Unix()
	}
	return s.put(bucketSubscriptions, &sub)
}

func (s *BboltStorage) DeleteSubscription(endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(endpoint))
	})
}

func (s *BboltStorage) ListSubscriptions() ([]DBSubscription, error) {
	var subs []DBSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub DBSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}
