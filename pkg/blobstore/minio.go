package blobstore

import (
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every blob path inside the bucket.
	Prefix string
}

// MinioStore keeps blobs in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, xterr.Config("minio endpoint is required when XT_BLOB_STORE=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryConfig, err, "minio client")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "xt-store"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, minioErr(err, "bucket exists")
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, minioErr(err, "make bucket")
		}
	}
	return &MinioStore{client: client, bucket: bucket, prefix: Clean(cfg.Prefix)}, nil
}

func minioErr(err error, op string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "minio %s: %s", op, resp.Message)
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return xterr.MarkTransient(xterr.Wrap(xterr.CategoryStore, err, "minio "+op))
	}
	wrapped := xterr.Wrap(xterr.CategoryStore, err, "minio "+op)
	if xterr.IsTransient(err) {
		return xterr.MarkTransient(wrapped)
	}
	return wrapped
}

func (s *MinioStore) key(blobPath string) string {
	if s.prefix == "" {
		return Clean(blobPath)
	}
	return s.prefix + "/" + Clean(blobPath)
}

func (s *MinioStore) Upload(ctx context.Context, blobPath string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(blobPath), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return minioErr(err, "put "+blobPath)
}

func (s *MinioStore) Download(ctx context.Context, blobPath string, w io.Writer) error {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(blobPath), minio.GetObjectOptions{})
	if err != nil {
		return minioErr(err, "get "+blobPath)
	}
	defer obj.Close()
	_, err = io.Copy(w, obj)
	return minioErr(err, "get "+blobPath)
}

func (s *MinioStore) ReadRange(ctx context.Context, blobPath string, offset, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length >= 0 {
		if length == 0 {
			return []byte{}, nil
		}
		end := int64(0)
		if length > 0 {
			end = offset + length - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, xterr.Syntax("bad range: %v", err)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(blobPath), opts)
	if err != nil {
		return nil, minioErr(err, "get "+blobPath)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, minioErr(err, "read "+blobPath)
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]Object, error) {
	keyPrefix := s.key(prefix)
	if keyPrefix != "" {
		keyPrefix += "/"
	}
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: keyPrefix, Recursive: true}) {
		if info.Err != nil {
			return nil, minioErr(info.Err, "list "+prefix)
		}
		p := info.Key
		if s.prefix != "" {
			p = strings.TrimPrefix(p, s.prefix+"/")
		}
		out = append(out, Object{Path: p, Size: info.Size, Modified: info.LastModified.UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MinioStore) Delete(ctx context.Context, blobPath string) error {
	return minioErr(s.client.RemoveObject(ctx, s.bucket, s.key(blobPath), minio.RemoveObjectOptions{}), "remove "+blobPath)
}

func (s *MinioStore) Exists(ctx context.Context, blobPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(blobPath), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, minioErr(err, "stat "+blobPath)
}

func (s *MinioStore) SignedURL(ctx context.Context, blobPath string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.key(blobPath), ttl, url.Values{})
	if err != nil {
		return "", minioErr(err, "presign "+blobPath)
	}
	return u.String(), nil
}
