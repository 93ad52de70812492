package storage

// Persistence for control-plane configuration and series: rate-limit
// configs by (platform, endpoint), token scheduling records by
// (token_id, platform), SLO configs by name, append-only SLO measurements
// (TTL-pruned at 90 days), and the ETL metric sink.

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"cadence/engine/models"
	"cadence/engine/scheduler"
	"cadence/engine/slo"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_configs (
	platform             TEXT NOT NULL,
	endpoint             TEXT NOT NULL,
	per_minute           INTEGER,
	per_hour             INTEGER,
	per_day              INTEGER,
	burst_limit          INTEGER,
	burst_window_seconds INTEGER NOT NULL DEFAULT 0,
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (platform, endpoint)
);

CREATE TABLE IF NOT EXISTS token_records (
	token_id          TEXT NOT NULL,
	platform          TEXT NOT NULL,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	last_scheduled_at TIMESTAMPTZ,
	total_scheduled   BIGINT NOT NULL DEFAULT 0,
	total_completed   BIGINT NOT NULL DEFAULT 0,
	total_failed      BIGINT NOT NULL DEFAULT 0,
	avg_completion_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	cooldown_until    TIMESTAMPTZ,
	PRIMARY KEY (token_id, platform)
);

CREATE TABLE IF NOT EXISTS slo_configs (
	name                        TEXT PRIMARY KEY,
	service                     TEXT NOT NULL,
	description                 TEXT NOT NULL DEFAULT '',
	target_percent              DOUBLE PRECISION NOT NULL,
	evaluation_window_seconds   INTEGER NOT NULL,
	error_budget_window_seconds INTEGER NOT NULL,
	warning_threshold           DOUBLE PRECISION NOT NULL,
	critical_threshold          DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS slo_measurements (
	id                     BIGSERIAL PRIMARY KEY,
	metric                 TEXT NOT NULL,
	service                TEXT NOT NULL,
	success_count          BIGINT NOT NULL,
	total_count            BIGINT NOT NULL,
	window_seconds         INTEGER NOT NULL,
	measured_at            TIMESTAMPTZ NOT NULL,
	actual_percent         DOUBLE PRECISION NOT NULL,
	error_budget_remaining DOUBLE PRECISION NOT NULL,
	breach                 BOOLEAN NOT NULL,
	severity               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS slo_measurements_series
	ON slo_measurements (metric, service, measured_at);

CREATE TABLE IF NOT EXISTS metric_records (
	id          TEXT PRIMARY KEY,
	model_name  TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	platform    TEXT NOT NULL DEFAULT '',
	campaign_id TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	ts          TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL
);
`

type Store struct {
	db *sqlx.DB
}

func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, models.E(models.KindFatal, "storage.open", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; test seam.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return models.E(models.KindFatal, "storage.migrate", err)
	}
	return nil
}

// Rate limit configs -------------------------------------------------------

func (s *Store) UpsertRateLimitConfig(ctx context.Context, cfg models.RateLimitConfig) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO rate_limit_configs
			(platform, endpoint, per_minute, per_hour, per_day, burst_limit, burst_window_seconds, active)
		VALUES (:platform, :endpoint, :per_minute, :per_hour, :per_day, :burst_limit, :burst_window_seconds, :active)
		ON CONFLICT (platform, endpoint) DO UPDATE SET
			per_minute = EXCLUDED.per_minute,
			per_hour = EXCLUDED.per_hour,
			per_day = EXCLUDED.per_day,
			burst_limit = EXCLUDED.burst_limit,
			burst_window_seconds = EXCLUDED.burst_window_seconds,
			active = EXCLUDED.active`, cfg)
	if err != nil {
		return models.E(models.KindTransient, "storage.ratelimit.upsert", err)
	}
	return nil
}

func (s *Store) ListRateLimitConfigs(ctx context.Context) ([]models.RateLimitConfig, error) {
	var out []models.RateLimitConfig
	err := s.db.SelectContext(ctx, &out, `
		SELECT platform, endpoint, per_minute, per_hour, per_day, burst_limit, burst_window_seconds, active
		FROM rate_limit_configs ORDER BY platform, endpoint`)
	if err != nil {
		return nil, models.E(models.KindTransient, "storage.ratelimit.list", err)
	}
	return out, nil
}

// Token records ------------------------------------------------------------

type tokenRow struct {
	TokenID         string       `db:"token_id"`
	Platform        string       `db:"platform"`
	Active          bool         `db:"active"`
	LastScheduledAt sql.NullTime `db:"last_scheduled_at"`
	TotalScheduled  int64        `db:"total_scheduled"`
	TotalCompleted  int64        `db:"total_completed"`
	TotalFailed     int64        `db:"total_failed"`
	AvgCompletionMs float64      `db:"avg_completion_ms"`
	CooldownUntil   sql.NullTime `db:"cooldown_until"`
}

func (s *Store) SaveTokenRecord(ctx context.Context, rec scheduler.Record) error {
	row := tokenRow{
		TokenID:         rec.TokenID,
		Platform:        rec.Platform,
		Active:          rec.Active,
		TotalScheduled:  rec.TotalScheduled,
		TotalCompleted:  rec.TotalCompleted,
		TotalFailed:     rec.TotalFailed,
		AvgCompletionMs: rec.AvgCompletionMs,
	}
	if !rec.LastScheduledAt.IsZero() {
		row.LastScheduledAt = sql.NullTime{Time: rec.LastScheduledAt, Valid: true}
	}
	if !rec.CooldownUntil.IsZero() {
		row.CooldownUntil = sql.NullTime{Time: rec.CooldownUntil, Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO token_records
			(token_id, platform, active, last_scheduled_at, total_scheduled, total_completed, total_failed, avg_completion_ms, cooldown_until)
		VALUES (:token_id, :platform, :active, :last_scheduled_at, :total_scheduled, :total_completed, :total_failed, :avg_completion_ms, :cooldown_until)
		ON CONFLICT (token_id, platform) DO UPDATE SET
			active = EXCLUDED.active,
			last_scheduled_at = EXCLUDED.last_scheduled_at,
			total_scheduled = EXCLUDED.total_scheduled,
			total_completed = EXCLUDED.total_completed,
			total_failed = EXCLUDED.total_failed,
			avg_completion_ms = EXCLUDED.avg_completion_ms,
			cooldown_until = EXCLUDED.cooldown_until`, row)
	if err != nil {
		return models.E(models.KindTransient, "storage.token.save", err)
	}
	return nil
}

func (s *Store) ListTokenRecords(ctx context.Context, platform string) ([]scheduler.Record, error) {
	var rows []tokenRow
	q := `SELECT token_id, platform, active, last_scheduled_at, total_scheduled, total_completed,
		total_failed, avg_completion_ms, cooldown_until FROM token_records`
	var err error
	if platform != "" {
		err = s.db.SelectContext(ctx, &rows, q+` WHERE platform = $1 ORDER BY token_id`, platform)
	} else {
		err = s.db.SelectContext(ctx, &rows, q+` ORDER BY platform, token_id`)
	}
	if err != nil {
		return nil, models.E(models.KindTransient, "storage.token.list", err)
	}
	out := make([]scheduler.Record, 0, len(rows))
	for _, r := range rows {
		rec := scheduler.Record{
			TokenID:         r.TokenID,
			Platform:        r.Platform,
			Active:          r.Active,
			TotalScheduled:  r.TotalScheduled,
			TotalCompleted:  r.TotalCompleted,
			TotalFailed:     r.TotalFailed,
			AvgCompletionMs: r.AvgCompletionMs,
		}
		if r.LastScheduledAt.Valid {
			rec.LastScheduledAt = r.LastScheduledAt.Time
		}
		if r.CooldownUntil.Valid {
			rec.CooldownUntil = r.CooldownUntil.Time
		}
		out = append(out, rec)
	}
	return out, nil
}

// SLO configs and measurements ----------------------------------------------

func (s *Store) UpsertSLOConfig(ctx context.Context, cfg models.SLOConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO slo_configs
			(name, service, description, target_percent, evaluation_window_seconds, error_budget_window_seconds, warning_threshold, critical_threshold)
		VALUES (:name, :service, :description, :target_percent, :evaluation_window_seconds, :error_budget_window_seconds, :warning_threshold, :critical_threshold)
		ON CONFLICT (name) DO UPDATE SET
			service = EXCLUDED.service,
			description = EXCLUDED.description,
			target_percent = EXCLUDED.target_percent,
			evaluation_window_seconds = EXCLUDED.evaluation_window_seconds,
			error_budget_window_seconds = EXCLUDED.error_budget_window_seconds,
			warning_threshold = EXCLUDED.warning_threshold,
			critical_threshold = EXCLUDED.critical_threshold`, cfg)
	if err != nil {
		return models.E(models.KindTransient, "storage.slo.upsert", err)
	}
	return nil
}

func (s *Store) ListSLOConfigs(ctx context.Context) ([]models.SLOConfig, error) {
	var out []models.SLOConfig
	err := s.db.SelectContext(ctx, &out, `
		SELECT name, service, description, target_percent, evaluation_window_seconds,
			error_budget_window_seconds, warning_threshold, critical_threshold
		FROM slo_configs ORDER BY name`)
	if err != nil {
		return nil, models.E(models.KindTransient, "storage.slo.list", err)
	}
	return out, nil
}

// InsertMeasurement implements slo.Store.
func (s *Store) InsertMeasurement(ctx context.Context, m slo.Measurement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slo_measurements
			(metric, service, success_count, total_count, window_seconds, measured_at, actual_percent, error_budget_remaining, breach, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.Metric, m.Service, m.SuccessCount, m.TotalCount, m.WindowSeconds,
		m.MeasuredAt, m.ActualPercent, m.ErrorBudgetRemaining, m.Breach, string(m.Severity))
	if err != nil {
		return models.E(models.KindTransient, "storage.slo.insert", err)
	}
	return nil
}

// PruneMeasurements deletes measurements older than the retention horizon
// (90 days in production) and returns the removed row count.
func (s *Store) PruneMeasurements(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slo_measurements WHERE measured_at < $1`, olderThan)
	if err != nil {
		return 0, models.E(models.KindTransient, "storage.slo.prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Metric records (ETL sink) --------------------------------------------------

// WriteMetricBatch persists one validated batch in a single transaction.
// Conflicting ids are ignored: the stream gateway already deduplicates,
// this guards replays after a dedup-window expiry.
func (s *Store) WriteMetricBatch(ctx context.Context, batch []models.MetricEvent) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.E(models.KindTransient, "storage.metrics.write", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, ev := range batch {
		var meta any
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return models.E(models.KindValidation, "storage.metrics.write", err)
			}
			meta = string(raw)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metric_records (id, model_name, metric_name, value, platform, campaign_id, metadata, ts, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.ModelName, ev.MetricName, ev.Value, ev.Platform, ev.CampaignID, meta, ev.Timestamp, ev.Source); err != nil {
			return models.E(models.KindTransient, "storage.metrics.write", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.E(models.KindTransient, "storage.metrics.write", err)
	}
	return nil
}
