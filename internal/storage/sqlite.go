package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"millwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:millwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			equipment_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			unit TEXT,
			status TEXT NOT NULL,
			out_of_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_key_ts ON readings(equipment_id, metric, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			ts TEXT NOT NULL,
			equipment_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			escalated INTEGER NOT NULL,
			title TEXT NOT NULL,
			message TEXT,
			raised_at TEXT NOT NULL,
			acknowledged_at TEXT,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_alert_id ON alerts(alert_id)`,
		`CREATE TABLE IF NOT EXISTS health_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			equipment_id TEXT NOT NULL,
			health_score REAL NOT NULL,
			rul_days REAL NOT NULL
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

func (s *sqliteStore) SaveReading(ctx context.Context, r model.Reading, status model.Status) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (ts, equipment_id, metric, value, unit, status, out_of_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *sqliteStore) SaveAlert(ctx context.Context, a model.Alert, transition string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, transition, ts, equipment_id, metric, severity, state, escalated, title, message, raised_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *sqliteStore) SaveHealth(ctx context.Context, equipmentID string, score, rulDays float64, at time.Time) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_samples (ts, equipment_id, health_score, rul_days) VALUES (?, ?, ?, ?)`,
		at.UTC(),
		equipmentID,
		score,
		rulDays,
	)
	return err
}
