package storage

import (
	"fmt"

	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
)

// CreateBackend constructs the configured content-store backend. Only
// configuration selects the implementation; callers depend on the
// Backend contract alone.
func CreateBackend(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "local":
		return NewLocalBackend(cfg.BasePath, cfg.PublicURL)
	case "s3":
		return NewS3Backend(S3Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			PublicURL: cfg.PublicURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
