// Package storage is the archival sink behind the in-memory core.
// Long-term retention is an external concern; the engine writes through
// this interface when a driver is configured and otherwise keeps only
// its bounded in-memory history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"millwatch/internal/config"
	"millwatch/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveReading(ctx context.Context, r model.Reading, status model.Status) error
	SaveAlert(ctx context.Context, a model.Alert, transition string) error
	SaveHealth(ctx context.Context, equipmentID string, score, rulDays float64, at time.Time) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
