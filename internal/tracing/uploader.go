package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// UploaderOptions configures the object-storage trace uploader.
type UploaderOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PathPrefix string
}

// Uploader writes completed traces to S3-compatible object storage. Uploads
// are best effort: the pipeline never fails because a trace could not be
// stored.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	logger *log.Logger
}

// NewUploader builds a trace uploader against an S3-compatible endpoint.
func NewUploader(opts UploaderOptions, logger *log.Logger) (*Uploader, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRACE] ", log.LstdFlags)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("trace storage client: %w", err)
	}
	prefix := opts.PathPrefix
	if prefix == "" {
		prefix = "traces"
	}
	return &Uploader{client: client, bucket: opts.Bucket, prefix: prefix, logger: logger}, nil
}

// ObjectKey renders the deterministic storage key for a trace.
func (u *Uploader) ObjectKey(t *Trace, at time.Time) string {
	return objectKey(u.prefix, t.UserID, t.Source, t.SourceID, at)
}

func objectKey(prefix, userID, source, sourceID string, at time.Time) string {
	return fmt.Sprintf("%s/memory-extraction/%s/%s/%s/trace/%s.json",
		prefix, userID, source, sourceID, at.UTC().Format(time.RFC3339))
}

// Upload serialises the trace and stores it. Errors are logged and returned
// so callers can count failures, but callers are expected not to propagate
// them into the run result.
func (u *Uploader) Upload(ctx context.Context, t *Trace) error {
	if u == nil || t == nil {
		return nil
	}
	payload, err := json.Marshal(t)
	if err != nil {
		u.logger.Printf("warn: marshal trace for user %s: %v", t.UserID, err)
		return err
	}
	key := u.ObjectKey(t, time.Now())
	_, err = u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		u.logger.Printf("warn: upload trace %s: %v", key, err)
		return err
	}
	return nil
}
