package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS client abstraction so the store can be tested without a bucket.

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
	Close() error
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
	// ObjectNames lists object names under prefix.
	ObjectNames(ctx context.Context, prefix string) ([]string, error)
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

// ErrObjectNotExist is returned by GCSObjectHandle.NewReader for a missing object.
var ErrObjectNotExist = storage.ErrObjectNotExist

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

func (a *gcsClientAdapter) Close() error { return a.client.Close() }

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

func (a *gcsBucketHandleAdapter) ObjectNames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := a.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return a.handle.NewReader(ctx)
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	w := a.handle.NewWriter(ctx)
	w.ContentType = "image/png"
	return w
}

func (a *gcsObjectHandleAdapter) Delete(ctx context.Context) error {
	return a.handle.Delete(ctx)
}

// GCSStore persists tiles as objects in a Cloud Storage bucket, laid out like
// FileStore under prefix.
type GCSStore struct {
	client GCSClient
	bucket GCSBucketHandle
	prefix string
}

func NewGCSStore(client GCSClient, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs store needs a client")
	}
	if bucket == "" {
		return nil, errors.New("gcs store needs a bucket name")
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (s *GCSStore) objectName(key TileKey) string {
	return path.Join(s.prefix,
		pathSafe(key.Tile.Layer),
		pathSafe(key.Style),
		pathSafe(string(key.Version)),
		fmt.Sprintf("%d", key.Tile.Level),
		fmt.Sprintf("%d_%d.png", key.Tile.Col, key.Tile.Row))
}

func (s *GCSStore) Get(ctx context.Context, key TileKey) ([]byte, bool, error) {
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gcs read: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("gcs read: %w", err)
	}
	return data, true, nil
}

// Set uploads the tile. The object only appears once the writer is closed.
func (s *GCSStore) Set(ctx context.Context, key TileKey, data []byte) error {
	w := s.bucket.Object(s.objectName(key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close writer: %w", err)
	}
	return nil
}

func (s *GCSStore) Clear(ctx context.Context) error {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	names, err := s.bucket.ObjectNames(ctx, prefix)
	if err != nil {
		return fmt.Errorf("gcs list: %w", err)
	}
	for _, name := range names {
		if err := s.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, ErrObjectNotExist) {
			return fmt.Errorf("gcs delete %s: %w", name, err)
		}
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }
