// Package archive keeps rejected webhook payloads in Cloud Storage so they can
// be inspected and replayed.
package archive

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// NewStorageClient prefers application default credentials. Set
// GCS_CREDENTIALS_JSON to pass explicit credentials, e.g. locally.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

type putFunc func(ctx context.Context, object string, data []byte) error

type GCSArchive struct {
	bucket string
	prefix string
	put    putFunc
	now    func() time.Time
}

// NewGCSArchive writes under gs://bucket/prefix. An empty prefix defaults to
// "rejected-webhooks".
func NewGCSArchive(client *storage.Client, bucket, prefix string) *GCSArchive {
	return newArchive(bucket, prefix, func(ctx context.Context, object string, data []byte) error {
		wc := client.Bucket(bucket).Object(object).NewWriter(ctx)
		wc.ContentType = "application/json"
		if _, err := wc.Write(data); err != nil {
			_ = wc.Close()
			return err
		}
		return wc.Close()
	})
}

func newArchive(bucket, prefix string, put putFunc) *GCSArchive {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "rejected-webhooks"
	}
	return &GCSArchive{
		bucket: bucket,
		prefix: prefix,
		put:    put,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveRejected stores raw byte for byte and returns its gs:// reference.
func (a *GCSArchive) ArchiveRejected(ctx context.Context, businessId string, raw []byte) (string, error) {
	if a.bucket == "" {
		return "", fmt.Errorf("archive.ArchiveRejected: bucket is empty")
	}
	object := fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, businessId, a.now().Format("2006/01/02"), uuid.NewString())
	if err := a.put(ctx, object, raw); err != nil {
		return "", fmt.Errorf("archive.ArchiveRejected: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
