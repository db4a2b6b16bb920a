package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when off-device backup storage is not
// configured. Callers treat it as "mirroring disabled", not a failure.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader mirrors backup payloads to off-device storage.
type Uploader interface {
	// Upload stores the backup payload under the given backup id.
	Upload(ctx context.Context, backupID string, payload []byte) error
}

// NoopUploader skips all uploads, keeping backups local-only.
type NoopUploader struct{}

// Upload returns ErrNotConfigured.
func (NoopUploader) Upload(ctx context.Context, backupID string, payload []byte) error {
	return ErrNotConfigured
}

// S3Config holds S3-compatible storage settings for backup mirroring.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// s3Client defines the minimal minio.Client surface used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioClientWrapper adapts *minio.Client to the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.client.PutObject(ctx, bucket, objectName, reader, size, opts)
}

// S3Uploader mirrors backups to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// NewS3Uploader creates an uploader for the configured bucket. Returns
// a NoopUploader-equivalent error when the bucket is empty.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &S3Uploader{client: &minioClientWrapper{client: client}, bucket: cfg.Bucket}, nil
}

// Upload stores the backup payload as JSON under backups/<id>.json.
func (u *S3Uploader) Upload(ctx context.Context, backupID string, payload []byte) error {
	key := objectKey(backupID)
	_, err := u.client.PutObject(ctx, u.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

func objectKey(backupID string) string {
	return "backups/" + backupID + ".json"
}
