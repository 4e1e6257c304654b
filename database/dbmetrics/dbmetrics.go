// Package dbmetrics instruments a database.Store with prometheus metrics.
package dbmetrics

import (
	"context"
	"database/sql"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/database"
)

const wrapperName = "dbmetrics"

// nameRegex matches the sqlc style "-- name: Query :many" header that the
// pgcrypto package prepends to every statement it builds.
var nameRegex = regexp.MustCompile(`^\s*--\s*name:\s*([A-Za-z0-9_]+)`)

type metricsStore struct {
	database.Store
	logger slog.Logger

	queryLatencies *prometheus.HistogramVec
	txDuration     *prometheus.HistogramVec
	txRetries      *prometheus.CounterVec
}

// NewQueryMetrics returns a database.Store that registers metrics for every
// statement and transaction executed through it.
func NewQueryMetrics(s database.Store, logger slog.Logger, reg prometheus.Registerer) database.Store {
	if slices.Contains(s.Wrappers(), wrapperName) {
		return s
	}

	queryLatencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pgcryptofields",
		Subsystem: "db",
		Name:      "query_latencies_seconds",
		Help:      "Latency distribution of queries in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	txDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pgcryptofields",
		Subsystem: "db",
		Name:      "tx_duration_seconds",
		Help:      "Duration of transactions in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{
		"success", // Did the InTx function return an error?
		// Number of executions, since we have retry logic on serialization errors.
		"tx_id", // Can be empty string for unlabeled txs
	})
	txRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgcryptofields",
		Subsystem: "db",
		Name:      "tx_executions_count",
		Help:      "Total count of transactions executed. 'retries' is expected to be 0 for a successful transaction.",
	}, []string{
		"success",
		"retries",
		"tx_id",
	})
	reg.MustRegister(queryLatencies, txDuration, txRetries)

	return &metricsStore{
		Store:          s,
		logger:         logger,
		queryLatencies: queryLatencies,
		txDuration:     txDuration,
		txRetries:      txRetries,
	}
}

func (m *metricsStore) Wrappers() []string {
	return append(m.Store.Wrappers(), wrapperName)
}

func (m *metricsStore) wrap(s database.Store) *metricsStore {
	return &metricsStore{
		Store:          s,
		logger:         m.logger,
		queryLatencies: m.queryLatencies,
		txDuration:     m.txDuration,
		txRetries:      m.txRetries,
	}
}

func (m *metricsStore) observe(query string, start time.Time) {
	m.queryLatencies.WithLabelValues(QueryName(query)).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	defer m.observe(query, time.Now())
	return m.Store.ExecContext(ctx, query, args...)
}

func (m *metricsStore) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	defer m.observe(query, time.Now())
	return m.Store.QueryContext(ctx, query, args...)
}

func (m *metricsStore) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	defer m.observe(query, time.Now())
	return m.Store.QueryRowContext(ctx, query, args...)
}

func (m *metricsStore) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	defer m.observe(query, time.Now())
	return m.Store.SelectContext(ctx, dest, query, args...)
}

func (m *metricsStore) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	defer m.observe(query, time.Now())
	return m.Store.GetContext(ctx, dest, query, args...)
}

func (m *metricsStore) InTx(f func(database.Store) error, options *database.TxOptions) error {
	if options == nil {
		options = database.DefaultTXOptions()
	}

	if options.TxIdentifier == "" {
		// empty strings are hard to deal with in grafana
		options.TxIdentifier = "unlabeled"
	}

	start := time.Now()
	err := m.Store.InTx(func(s database.Store) error {
		return f(m.wrap(s))
	}, options)
	dur := time.Since(start)
	// The number of unique label combinations is
	// 2 x #IDs x #of buckets
	// So IDs should be used sparingly to prevent too much bloat.
	m.txDuration.With(prometheus.Labels{
		"success": strconv.FormatBool(err == nil),
		"tx_id":   options.TxIdentifier,
	}).Observe(dur.Seconds())

	m.txRetries.With(prometheus.Labels{
		"success": strconv.FormatBool(err == nil),
		"retries": strconv.FormatInt(int64(options.ExecutionCount()-1), 10),
		"tx_id":   options.TxIdentifier,
	}).Inc()

	// Log all serializable transactions that are retried.
	// This is expected to happen in production, but should be kept
	// to a minimum. If these logs happen frequently, something is wrong.
	if options.ExecutionCount() > 1 {
		l := m.logger.Warn
		if err != nil {
			// Error should be logged at a higher level if the transaction
			// failed.
			l = m.logger.Error
		}

		l(context.Background(), "database transaction hit serialization error and had to retry",
			slog.F("success", err == nil), // It can succeed on retry
			// Note the error might not be a serialization error. It is possible
			// the first error was a serialization error, and the error on the
			// retry is different. If this is the case, we still want to log it
			// since the first error was a serialization error.
			slog.Error(err), // Might be nil, that is ok!
			slog.F("executions", options.ExecutionCount()),
			slog.F("id", options.TxIdentifier),
			slog.F("duration", dur),
		)
	}
	return err
}

// QueryName returns the name a statement was labelled with, or "unnamed".
func QueryName(query string) string {
	match := nameRegex.FindStringSubmatch(query)
	if match == nil {
		return "unnamed"
	}
	return match[1]
}
