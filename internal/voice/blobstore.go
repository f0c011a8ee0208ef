package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presignTTL is how long attached audio URLs stay fetchable. Seven days is
// minio's maximum.
const presignTTL = 7 * 24 * time.Hour

// BlobStore uploads audio clips to S3-compatible object storage and hands back
// presigned GET URLs. The engine treats clips as opaque bytes throughout.
type BlobStore struct {
	client *minio.Client
	bucket string
}

func NewBlobStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*BlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// Upload streams one clip into the bucket under audio/<clipID>.webm, reporting
// fractional progress through onProgress, and returns a presigned GET URL.
func (b *BlobStore) Upload(ctx context.Context, clipID string, clip []byte, onProgress func(float64)) (string, error) {
	object := "audio/" + clipID + ".webm"
	reader := &progressReader{
		inner:      bytes.NewReader(clip),
		total:      int64(len(clip)),
		onProgress: onProgress,
	}

	_, err := b.client.PutObject(ctx, b.bucket, object, reader, int64(len(clip)), minio.PutObjectOptions{
		ContentType: "audio/webm",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", object, err)
	}

	url, err := b.client.PresignedGetObject(ctx, b.bucket, object, presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", object, err)
	}
	return url.String(), nil
}

// progressReader reports cumulative read fraction as the upload consumes the
// clip.
type progressReader struct {
	inner      io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 && r.onProgress != nil && r.total > 0 {
		r.read += int64(n)
		r.onProgress(float64(r.read) / float64(r.total))
	}
	return n, err
}
