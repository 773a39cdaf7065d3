package archive

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// GCSStore uploads artifacts to a Google Cloud Storage bucket through the
// JSON API, authenticated with application default credentials.
type GCSStore struct {
	Bucket string
	svc    *storage.Service
}

// NewGCSStore builds a store for bucket using default credentials
// (GOOGLE_APPLICATION_CREDENTIALS or the ambient service account).
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket empty")
	}
	client, err := google.DefaultClient(ctx, storage.DevstorageReadWriteScope)
	if err != nil {
		return nil, fmt.Errorf("gcs credentials: %w", err)
	}
	svc, err := storage.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("gcs service: %w", err)
	}
	return &GCSStore{Bucket: bucket, svc: svc}, nil
}

// Persist uploads the artifact and returns its gs:// location. The call
// returns only after the object write has completed.
func (s *GCSStore) Persist(ctx context.Context, name, content string) (string, error) {
	obj := &storage.Object{
		Name:         name,
		CacheControl: "public, max-age=3600",
	}
	_, err := s.svc.Objects.Insert(s.Bucket, obj).
		Media(strings.NewReader(content), googleapi.ContentType("text/html; charset=utf-8")).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gcs upload %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.Bucket, name), nil
}
