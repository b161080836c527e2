package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/flowdeploy-go/pkg/logger"
)

// SlowQueryThreshold is the duration above which a statement is logged.
const SlowQueryThreshold = 200 * time.Millisecond

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database statements",
		},
		[]string{"operation"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Database statement duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"operation"},
	)

	slowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_slow_queries_total",
		Help: "Total number of slow statements",
	})

	dbErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_errors_total",
			Help: "Total number of failed statements",
		},
		[]string{"operation"},
	)

	connectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_in_use",
		Help: "Number of database connections in use",
	})

	connectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_idle",
		Help: "Number of idle database connections",
	})
)

const startKey = "monitor:start"

// Monitor records statement metrics through gorm callbacks and exports pool
// statistics on an interval.
type Monitor struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewMonitor registers the callbacks on db. It must be called once per
// gorm handle.
func NewMonitor(db *DB, log logger.Logger) (*Monitor, error) {
	m := &Monitor{db: db.DB, logger: log}
	if err := m.registerCallbacks(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) registerCallbacks() error {
	cb := m.db.Callback()
	regs := []struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
	}

	for _, r := range regs {
		op := r.op
		if err := r.before("monitor:before_"+op, func(tx *gorm.DB) {
			tx.InstanceSet(startKey, time.Now())
		}); err != nil {
			return fmt.Errorf("register %s callback: %w", op, err)
		}
		if err := r.after("monitor:after_"+op, func(tx *gorm.DB) {
			m.record(op, tx)
		}); err != nil {
			return fmt.Errorf("register %s callback: %w", op, err)
		}
	}
	return nil
}

func (m *Monitor) record(op string, tx *gorm.DB) {
	queriesTotal.WithLabelValues(op).Inc()

	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		dbErrors.WithLabelValues(op).Inc()
	}

	v, ok := tx.InstanceGet(startKey)
	if !ok {
		return
	}
	start, ok := v.(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(start)
	queryDuration.WithLabelValues(op).Observe(elapsed.Seconds())

	if elapsed > SlowQueryThreshold {
		slowQueries.Inc()
		m.logger.Warn("slow query detected",
			"operation", op,
			"table", tx.Statement.Table,
			"duration", elapsed.String(),
		)
	}
}

// Run exports pool statistics until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	sqlDB, err := m.db.DB()
	if err != nil {
		m.logger.Error("database monitor disabled", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sqlDB.Stats()
			connectionsInUse.Set(float64(stats.InUse))
			connectionsIdle.Set(float64(stats.Idle))
		}
	}
}
