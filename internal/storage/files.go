package storage

import (
	"fmt"

	"alatele/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// BlobMetadata describes an attachment whose bytes sit in the local blob
// cache under Hash.
type BlobMetadata struct {
	Ref       string `msgpack:"ref"`
	Hash      string `msgpack:"hash"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (f *BlobMetadata) Key() []byte {
	return []byte(f.Ref)
}

func (f *BlobMetadata) MarshalBinary() (data []byte, err error) {
	type alias BlobMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *BlobMetadata) UnmarshalBinary(data []byte) error {
	type alias BlobMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertBlobMetadata(meta BlobMetadata) error {
	return s.put(bucketBlobs, &meta)
}

func (s *BboltStorage) GetBlobMetadata(ref string) (BlobMetadata, error) {
	var meta BlobMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		data := b.Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("blob metadata for ref %s: %w", ref, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
