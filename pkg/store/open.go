package store

import (
	"path/filepath"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/database"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Open returns the record store named by cfg.RecordStore. Counters move to
// Redis when a Redis host is configured.
func Open(cfg *config.Config) (RecordStore, error) {
	rc, err := database.GetRedis(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.RecordStore {
	case "memory", "local":
		s, err := OpenLocalStore(filepath.Join(cfg.LocalStoreDir, "records.json"))
		if err != nil {
			return nil, err
		}
		if rc != nil {
			s.WithCounters(NewRedisCounters(rc))
		}
		return s, nil

	case "postgres":
		db, err := database.GetPostgres(cfg)
		if err != nil {
			return nil, xterr.Wrap(xterr.CategoryStore, err, "connect postgres")
		}
		s := NewPostgresStore(db, cfg.RetryAttempts, cfg.RetryBaseDelay)
		if rc != nil {
			s.WithCounters(NewRedisCounters(rc))
		}
		if err := s.AutoMigrate(); err != nil {
			return nil, xterr.Wrap(xterr.CategoryStore, err, "migrate record tables")
		}
		return s, nil
	}
	return nil, xterr.Config("unknown record store %q", cfg.RecordStore)
}
