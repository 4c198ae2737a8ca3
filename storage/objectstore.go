package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dataset-catalog/config"
)

// ErrStoreDisabled wird vom deaktivierten Objektspeicher zurückgegeben.
var ErrStoreDisabled = errors.New("object store disabled")

// ObjectStore speichert die an Datensätze angehängten Dateien.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, src, dst string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// NewObjectStore wählt die Implementierung anhand von OBJECT_STORE.
func NewObjectStore(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.ObjectStore {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "minio":
		return NewMinioStore(ctx, cfg)
	case "none", "":
		return DisabledStore{}, nil
	default:
		return nil, fmt.Errorf("unknown object store %q", cfg.ObjectStore)
	}
}

// DisabledStore lehnt jeden Zugriff ab.
type DisabledStore struct{}

func (DisabledStore) Put(context.Context, string, io.Reader, int64, string) error {
	return ErrStoreDisabled
}

func (DisabledStore) Delete(context.Context, string) error {
	return ErrStoreDisabled
}

func (DisabledStore) Copy(context.Context, string, string) error {
	return ErrStoreDisabled
}

func (DisabledStore) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrStoreDisabled
}
