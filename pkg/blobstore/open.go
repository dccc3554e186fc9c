package blobstore

import (
	"context"
	"path/filepath"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Open returns the blob store named by cfg.BlobStore. The signer is nil
// unless a signing key is configured.
func Open(ctx context.Context, cfg *config.Config) (Store, *URLSigner, error) {
	var signer *URLSigner
	if cfg.SigningKey != "" {
		s, err := NewURLSigner(cfg.SigningKey, cfg.SignBaseURL)
		if err != nil {
			return nil, nil, xterr.Wrap(xterr.CategoryConfig, err, "XT_SIGNING_KEY")
		}
		signer = s
	}
	switch cfg.BlobStore {
	case "local":
		s, err := NewLocalStore(filepath.Join(cfg.LocalStoreDir, "blobs"), signer)
		return s, signer, err
	case "minio":
		s, err := NewMinioStore(ctx, MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		return s, signer, err
	}
	return nil, nil, xterr.Config("unknown blob store %q", cfg.BlobStore)
}
