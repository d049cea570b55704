package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	minioNoSuchKey    = "NoSuchKey"
	blobContentType   = "application/octet-stream"
	holderContentType = "text/plain"
)

// MinioConfig describes the object storage endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// NewMinioClient connects to an S3-compatible endpoint.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// EnsureBucket creates the bucket when missing.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// MinioStore keeps blobs as objects, with one empty marker object per holder.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore binds a store to an existing bucket.
func NewMinioStore(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("blob: minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("blob: bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Upload stores content once and registers every holder.
func (store *MinioStore) Upload(ctx context.Context, content []byte, holders []string) (Upload, error) {
	issued, err := issueHolders(holders)
	if err != nil {
		return Upload{}, err
	}
	hash := ContentHash(content)
	_, err = store.client.PutObject(ctx, store.bucket, blobKey(hash), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: blobContentType})
	if err != nil {
		return Upload{}, fmt.Errorf("blob: put %s: %w", hash, err)
	}
	for holder, token := range issued {
		marker := []byte(holder)
		_, err := store.client.PutObject(ctx, store.bucket, holderKey(hash, token), bytes.NewReader(marker), int64(len(marker)),
			minio.PutObjectOptions{ContentType: holderContentType})
		if err != nil {
			return Upload{}, fmt.Errorf("blob: register holder for %s: %w", hash, err)
		}
	}
	return Upload{Hash: hash, Holders: issued}, nil
}

// Fetch returns the blob content.
func (store *MinioStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}
	object, err := store.client.GetObject(ctx, store.bucket, blobKey(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(hash, err)
	}
	defer object.Close()
	content, err := io.ReadAll(object)
	if err != nil {
		return nil, translateMinioError(hash, err)
	}
	return content, nil
}

// Release drops one holder and deletes the blob once no holder remains.
func (store *MinioStore) Release(ctx context.Context, hash string, holder string) error {
	if err := validateHash(hash); err != nil {
		return err
	}
	if err := store.client.RemoveObject(ctx, store.bucket, holderKey(hash, holder), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: release holder for %s: %w", hash, err)
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for object := range store.client.ListObjects(listCtx, store.bucket, minio.ListObjectsOptions{Prefix: holdersPrefix(hash), Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("blob: list holders for %s: %w", hash, object.Err)
		}
		return nil
	}
	if err := store.client.RemoveObject(ctx, store.bucket, blobKey(hash), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %s: %w", hash, err)
	}
	return nil
}

func translateMinioError(hash string, err error) error {
	if minio.ToErrorResponse(err).Code == minioNoSuchKey {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return fmt.Errorf("blob: fetch %s: %w", hash, err)
}
