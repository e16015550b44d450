package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
)

type GCSConfig struct {
	Bucket string
	// PublicBaseURL replaces the gs:// URL when objects are served through a CDN or
	// public bucket endpoint.
	PublicBaseURL string
}

type GCSStore struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, config GCSConfig) (*GCSStore, error) {
	bucket := strings.TrimSpace(config.Bucket)
	if bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCSStore{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimSuffix(strings.TrimSpace(config.PublicBaseURL), "/"),
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}

	writer := s.client.Bucket(s.bucket).Object(cleanKey).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage: write gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	// The object is committed on Close.
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage: commit gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	return s.objectURL(cleanKey), nil
}

func (s *GCSStore) objectURL(key string) string {
	if s.publicBase != "" {
		return s.publicBase + "/" + (&url.URL{Path: key}).EscapedPath()
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
