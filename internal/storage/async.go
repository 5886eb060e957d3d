package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"millwatch/internal/model"
)

// asyncStore decouples the engine's hot path from the database: saves are
// queued and written by one background goroutine, so a slow sink never
// stalls a unit's pipeline. A full queue drops the write and counts it,
// the same policy the ingest channel applies to readings.
type asyncStore struct {
	inner   Store
	jobs    chan func(context.Context) error
	done    chan struct{}
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewAsync(inner Store, buffer int, logger *slog.Logger) Store {
	if inner == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = 1024
	}
	s := &asyncStore{
		inner:  inner,
		jobs:   make(chan func(context.Context) error, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.run()
	return s
}

func (s *asyncStore) run() {
	defer close(s.done)
	for job := range s.jobs {
		if err := job(context.Background()); err != nil && s.logger != nil {
			s.logger.Warn("archival write failed", "err", err)
		}
	}
}

func (s *asyncStore) enqueue(job func(context.Context) error) error {
	select {
	case s.jobs <- job:
	default:
		if n := s.dropped.Add(1); s.logger != nil {
			s.logger.Warn("archival queue full, dropping write", "dropped_total", n)
		}
	}
	return nil
}

// Init runs synchronously; schema setup must finish before anything queues.
func (s *asyncStore) Init(ctx context.Context) error {
	return s.inner.Init(ctx)
}

// Close drains the queue, then closes the sink.
func (s *asyncStore) Close() error {
	close(s.jobs)
	<-s.done
	return s.inner.Close()
}

func (s *asyncStore) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *asyncStore) SaveReading(_ context.Context, r model.Reading, status model.Status) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.inner.SaveReading(ctx, r, status)
	})
}

func (s *asyncStore) SaveAlert(_ context.Context, a model.Alert, transition string) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.inner.SaveAlert(ctx, a, transition)
	})
}

func (s *asyncStore) SaveHealth(_ context.Context, equipmentID string, score, rulDays float64, at time.Time) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.inner.SaveHealth(ctx, equipmentID, score, rulDays, at)
	})
}
