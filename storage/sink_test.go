package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
)

func TestMetricSinkOpensAfterConsecutiveFailures(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.WithQueryMatcher(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	sink := NewMetricSink(store, MetricSinkOptions{ConsecutiveFailures: 3, OpenTimeout: time.Minute})

	batch := []models.MetricEvent{{ID: "a", ModelName: "m", MetricName: "x", Value: 1, Timestamp: time.Now(), Source: "s"}}
	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
		require.Error(t, sink.WriteBatch(context.Background(), batch))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())

	// Open breaker sheds the write without touching the database, and the
	// outcome reads as transient so the caller's retry chain escalates.
	err = sink.WriteBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricSinkPassesThrough(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.WithQueryMatcher(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	sink := NewMetricSink(store, MetricSinkOptions{})

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metric_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = sink.WriteBatch(context.Background(), []models.MetricEvent{
		{ID: "a", ModelName: "m", MetricName: "x", Value: 1, Timestamp: time.Now(), Source: "s"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
