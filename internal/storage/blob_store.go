package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
)

// BlobStore abstracts the object store holding submission images.
// Keys are opaque paths; signed URLs give students time-limited reads
// without routing image bytes through this service.
type BlobStore interface {
	Write(ctx context.Context, key string, contentType string, data io.Reader) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	SignedURL(key string, expiry time.Duration) (string, error)
}

// ImageKey builds the canonical object key for a submission page.
func ImageKey(examID, submissionID, imageID, ext string) string {
	return fmt.Sprintf("exams/%s/submissions/%s/images/%s%s", examID, submissionID, imageID, ext)
}

// GCSBlobStore stores objects in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *gcs.Client
	bucket string
}

func NewGCSBlobStore(client *gcs.Client, bucket string) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket}
}

func (s *GCSBlobStore) Write(ctx context.Context, key string, contentType string, data io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object %s: %w", key, err)
	}
	return nil
}

func (s *GCSBlobStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return r, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *GCSBlobStore) SignedURL(key string, expiry time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign URL for %s: %w", key, err)
	}
	return url, nil
}
