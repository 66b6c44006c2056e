package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"alatele/internal/models"
	"alatele/internal/storage"
)

// Fetcher downloads attachment bytes from the backend.
type Fetcher interface {
	FetchAttachment(ctx context.Context, ref string) ([]byte, string, error)
}

type MetadataStore interface {
	UpsertBlobMetadata(meta storage.BlobMetadata) error
	GetBlobMetadata(ref string) (storage.BlobMetadata, error)
}

type CacheConfig struct {
	Files    FileStore
	Metadata MetadataStore
	Remote   Fetcher
}

// Cache serves attachments by backend reference. Bytes are stored content
// addressed in Files; Metadata maps references to hashes.
type Cache struct {
	files  FileStore
	meta   MetadataStore
	remote Fetcher
	now    func() time.Time
}

func NewCache(config CacheConfig) *Cache {
	return &Cache{
		files:  config.Files,
		meta:   config.Metadata,
		remote: config.Remote,
		now:    time.Now,
	}
}

// Put stores data under ref.
func (c *Cache) Put(ref, mimeType string, data []byte) (storage.BlobMetadata, error) {
	meta := storage.BlobMetadata{
		Ref:       ref,
		Hash:      Hash(data),
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: c.now().Unix(),
	}
	if err := c.files.Save(bytes.NewReader(data), meta.Hash); err != nil {
		return storage.BlobMetadata{}, err
	}
	if err := c.meta.UpsertBlobMetadata(meta); err != nil {
		return storage.BlobMetadata{}, err
	}
	return meta, nil
}

// Open returns the bytes of ref, downloading them on a miss. The caller
// closes the reader.
func (c *Cache) Open(ctx context.Context, ref string) (io.ReadCloser, storage.BlobMetadata, error) {
	meta, err := c.meta.GetBlobMetadata(ref)
	if err == nil {
		r, err := c.files.Get(meta.Hash)
		if err == nil {
			return r, meta, nil
		}
		// Metadata without bytes: the blob directory was wiped. Refetch.
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, storage.BlobMetadata{}, err
	}

	if c.remote == nil {
		return nil, storage.BlobMetadata{}, fmt.Errorf("attachment %s: %w", ref, models.ErrNotFound)
	}
	data, mimeType, err := c.remote.FetchAttachment(ctx, ref)
	if err != nil {
		return nil, storage.BlobMetadata{}, fmt.Errorf("fetch attachment %s: %w", ref, err)
	}
	meta, err = c.Put(ref, mimeType, data)
	if err != nil {
		return nil, storage.BlobMetadata{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}
