package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
	"cadence/engine/scheduler"
	"cadence/engine/slo"
)

func init() {
	// sqlmock is not in sqlx's driver table; bind it to postgres placeholders.
	sqlx.BindDriver("sqlmock", sqlx.DOLLAR)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.WithQueryMatcher(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func intp(v int) *int { return &v }

func TestUpsertRateLimitConfig(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO rate_limit_configs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.UpsertRateLimitConfig(context.Background(), models.RateLimitConfig{
		Platform: "instagram", Endpoint: "post", PerMinute: intp(5), Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRateLimitConfigs(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"platform", "endpoint", "per_minute", "per_hour", "per_day", "burst_limit", "burst_window_seconds", "active"}).
		AddRow("instagram", "post", 5, nil, nil, nil, 0, true)
	mock.ExpectQuery(`SELECT platform, endpoint`).WillReturnRows(rows)
	cfgs, err := store.ListRateLimitConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	require.NotNil(t, cfgs[0].PerMinute)
	assert.Equal(t, 5, *cfgs[0].PerMinute)
	assert.Nil(t, cfgs[0].PerHour)
}

func TestSaveTokenRecordNullableTimes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO token_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.SaveTokenRecord(context.Background(), scheduler.Record{
		TokenID: "t1", Platform: "p", Active: true, TotalScheduled: 3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMeasurement(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO slo_measurements`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err := store.InsertMeasurement(context.Background(), slo.Measurement{
		Metric: "publish_success_rate", Service: "publisher",
		SuccessCount: 950, TotalCount: 1000, WindowSeconds: 300,
		MeasuredAt: time.Now(), ActualPercent: 95, Breach: true, Severity: slo.SeverityCritical,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneMeasurements(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM slo_measurements`).
		WillReturnResult(sqlmock.NewResult(0, 42))
	n, err := store.PruneMeasurements(context.Background(), time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestWriteMetricBatchTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metric_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metric_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err := store.WriteMetricBatch(context.Background(), []models.MetricEvent{
		{ID: "a", ModelName: "m", MetricName: "likes", Value: 1, Timestamp: time.Now(), Source: "s"},
		{ID: "b", ModelName: "m", MetricName: "likes", Value: 2, Timestamp: time.Now(), Source: "s",
			Metadata: map[string]string{"campaign": "x"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteMetricBatchRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metric_records`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	err := store.WriteMetricBatch(context.Background(), []models.MetricEvent{
		{ID: "a", ModelName: "m", MetricName: "likes", Value: 1, Timestamp: time.Now(), Source: "s"},
	})
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteMetricBatchEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.WriteMetricBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
