package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"millwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/millwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			equipment_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT,
			status TEXT NOT NULL,
			out_of_order BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_key_ts ON readings(equipment_id, metric, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			alert_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			equipment_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			escalated BOOLEAN NOT NULL,
			title TEXT NOT NULL,
			message TEXT,
			raised_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_alert_id ON alerts(alert_id)`,
		`CREATE TABLE IF NOT EXISTS health_samples (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			equipment_id TEXT NOT NULL,
			health_score DOUBLE PRECISION NOT NULL,
			rul_days DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_equipment_ts ON health_samples(equipment_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveReading(ctx context.Context, r model.Reading, status model.Status) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (ts, equipment_id, metric, value, unit, status, out_of_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Timestamp.UTC(),
		r.Key.EquipmentID,
		r.Key.Metric,
		r.Value,
		r.Unit,
		string(status),
		r.OutOfOrder,
	)
	return err
}

func (s *postgresStore) SaveAlert(ctx context.Context, a model.Alert, transition string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, transition, ts, equipment_id, metric, severity, state, escalated, title, message, raised_at, acknowledged_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID,
		transition,
		time.Now().UTC(),
		a.Key.EquipmentID,
		a.Key.Metric,
		string(a.Severity),
		string(a.State),
		a.Escalated,
		a.Title,
		a.Message,
		a.RaisedAt.UTC(),
		timePtr(a.AcknowledgedAt),
		timePtr(a.ResolvedAt),
	)
	return err
}

func (s *postgresStore) SaveHealth(ctx context.Context, equipmentID string, score, rulDays float64, at time.Time) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_samples (ts, equipment_id, health_score, rul_days) VALUES ($1, $2, $3, $4)`,
		at.UTC(),
		equipmentID,
		score,
		rulDays,
	)
	return err
}
