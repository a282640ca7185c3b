package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ezhangle/wcdb/pkg/checksum"
	"github.com/ezhangle/wcdb/pkg/dbconn"
	"github.com/ezhangle/wcdb/pkg/metrics"
	"github.com/ezhangle/wcdb/pkg/status"
	"github.com/ezhangle/wcdb/pkg/throttler"
)

// maxConsecutiveErrors bounds how many transient failures in a row the
// loop tolerates before giving up; each one is retried after a pause.
const maxConsecutiveErrors = 10

// MigrateTask is the CLI surface: run every migration listed in the
// config file against a database until all sources are drained.
type MigrateTask struct {
	Database       string        `name:"database" help:"Path to the main database file." required:""`
	Config         string        `name:"config" help:"Path to an ini file listing table migrations." required:""`
	Interval       time.Duration `name:"interval" help:"Minimum pause between migration transactions." optional:"" default:"50ms"`
	StatusInterval time.Duration `name:"status-interval" help:"How often to log progress." optional:"" default:"30s"`
}

func (t *MigrateTask) Run() error {
	userInfos, err := LoadUserInfos(t.Config)
	if err != nil {
		return err
	}
	db, err := dbconn.New(t.Database, dbconn.NewDBConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	m := NewMigration()
	for _, info := range userInfos {
		m.AddUserInfo(info)
	}
	config := NewMigratorDefaultConfig()
	config.Throttler = throttler.NewInterval(t.Interval)
	status.StatusInterval = t.StatusInterval
	migrator, err := NewMigrator(context.Background(), db, t.Database, m, config)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Run(context.Background())
}

type MigratorConfig struct {
	Throttler   throttler.Throttler
	Logger      *slog.Logger
	MetricsSink metrics.Sink
}

// NewMigratorDefaultConfig returns a default config for the migrator.
func NewMigratorDefaultConfig() *MigratorConfig {
	return &MigratorConfig{
		Throttler:   &throttler.Noop{},
		Logger:      slog.Default(),
		MetricsSink: &metrics.NoopSink{},
	}
}

// Migrator drives a MigrateHandle from a background loop: bind the next
// pending table, run bounded row-migration transactions, verify row
// conservation, drop the source, move on.
type Migrator struct {
	db        *sql.DB
	migration *Migration
	handle    *MigrateHandle
	checker   *checksum.Checker

	throttler   throttler.Throttler
	logger      *slog.Logger
	metricsSink metrics.Sink

	state      status.State
	cancelFunc context.CancelFunc
	startTime  time.Time

	// baselines holds the (source + destination) row count observed the
	// first time each table is bound, for the conservation check.
	baselines map[string]int64

	tablesTotal int64
	tablesDone  atomic.Int64
}

func NewMigrator(ctx context.Context, db *sql.DB, path string, m *Migration, config *MigratorConfig) (*Migrator, error) {
	if config == nil {
		config = NewMigratorDefaultConfig()
	}
	handle, err := NewMigrateHandle(ctx, db, path)
	if err != nil {
		return nil, err
	}
	return &Migrator{
		db:          db,
		migration:   m,
		handle:      handle,
		checker:     checksum.NewChecker(handle.Handle, config.Logger),
		throttler:   config.Throttler,
		logger:      config.Logger,
		metricsSink: config.MetricsSink,
		baselines:   make(map[string]int64),
	}, nil
}

func (r *Migrator) Close() error {
	return r.handle.Close()
}

// Handle exposes the underlying migrate handle, mostly for tests and
// for registries that want to initialize infos eagerly.
func (r *Migrator) Handle() *MigrateHandle {
	return r.handle
}

// Run migrates until every registered table is drained or ctx is
// canceled. Transient engine errors are retried; a persistent failure
// aborts.
func (r *Migrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelFunc = cancel
	r.startTime = time.Now()
	r.tablesTotal = int64(r.migration.TableCount())
	if err := r.throttler.Open(); err != nil {
		return err
	}
	defer func() {
		_ = r.throttler.Close()
	}()
	r.state.Set(status.MigrateRows)
	status.WatchTask(ctx, r, r.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.loop(ctx)
	})
	err := g.Wait()
	if err != nil {
		r.state.Set(status.ErrCleanup)
		return err
	}
	r.state.Set(status.Done)
	return nil
}

func (r *Migrator) loop(ctx context.Context) error {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tableName := r.migration.NextPendingTable()
		if tableName == "" {
			r.logger.Info("all tables migrated",
				"tables", r.tablesDone.Load(),
				"rows", r.handle.RowsMigrated(),
				"duration", time.Since(r.startTime))
			return nil
		}
		info, err := r.bind(ctx, tableName)
		if err != nil {
			return err
		}
		if info == nil {
			// source already gone, nothing to move
			r.migration.MarkMigrated(tableName)
			r.tablesDone.Add(1)
			continue
		}
		if _, ok := r.baselines[tableName]; !ok {
			baseline, err := r.captureBaseline(ctx, info)
			if err != nil {
				return err
			}
			r.baselines[tableName] = baseline
		}
		done, err := r.handle.MigrateRows(ctx, info)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				return fmt.Errorf("migrating %s: %w", tableName, err)
			}
			r.logger.Warn("migration transaction failed, will retry",
				"table", tableName, "error", err)
			r.throttler.BlockWait()
			continue
		}
		consecutiveErrors = 0
		r.sendMetrics(ctx)
		if done {
			if err := r.finishTable(ctx, tableName, info); err != nil {
				return err
			}
		}
		r.throttler.BlockWait()
	}
}

// bind runs a registry binding cycle with the migrate handle as the
// initializer. No commit: the migrate handle has no views to reconcile.
func (r *Migrator) bind(ctx context.Context, tableName string) (*MigrationInfo, error) {
	r.migration.StartBinding()
	info, err := r.migration.BindTable(ctx, r.handle, tableName)
	_ = r.migration.StopBinding(ctx, nil, false)
	return info, err
}

func (r *Migrator) captureBaseline(ctx context.Context, info *MigrationInfo) (int64, error) {
	destCount, err := r.checker.CountRows(ctx, MainSchema, info.Table())
	if err != nil {
		return 0, err
	}
	sourceCount, err := r.checker.CountRows(ctx, info.SchemaForSourceDatabase(), info.SourceTable())
	if err != nil {
		return 0, err
	}
	return destCount + sourceCount, nil
}

func (r *Migrator) finishTable(ctx context.Context, tableName string, info *MigrationInfo) error {
	r.state.Set(status.Checksum)
	destExists, err := r.handle.TableExists(ctx, MainSchema, tableName)
	if err != nil {
		return err
	}
	if destExists {
		if err := r.checker.VerifyConservation(ctx, tableName,
			info.SchemaForSourceDatabase(), info.SourceTable(), r.baselines[tableName]); err != nil {
			return err
		}
		r.state.Set(status.DropSource)
		if err := r.handle.DropSourceTable(ctx, info); err != nil {
			return err
		}
	} else {
		// The destination was dropped externally; completion was already
		// declared by MigrateRows, there is nothing left to verify.
		r.logger.Warn("destination table missing at completion", "table", tableName)
	}
	r.migration.MarkMigrated(tableName)
	r.tablesDone.Add(1)
	r.logger.Info("table migrated", "table", tableName, "source", info.SourceTable())
	r.state.Set(status.MigrateRows)
	return nil
}

func (r *Migrator) sendMetrics(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, metrics.SinkTimeout)
	defer cancel()
	_ = r.metricsSink.Send(sctx, &metrics.Metrics{Values: []metrics.MetricValue{
		{Name: metrics.TxnRowsMigratedMetricName, Value: float64(r.handle.RowsMigrated()), Type: metrics.COUNTER},
		{Name: metrics.TablesRemainingMetricName, Value: float64(r.tablesTotal - r.tablesDone.Load()), Type: metrics.GAUGE},
	}})
}

// Progress implements status.Task.
func (r *Migrator) Progress() status.Progress {
	return status.Progress{
		CurrentState: r.state.Get(),
		Summary:      r.Status(),
	}
}

// Status implements status.Task.
func (r *Migrator) Status() string {
	return fmt.Sprintf("state: %s, tables: %d/%d, rows moved: %d",
		r.state.Get(), r.tablesDone.Load(), r.tablesTotal, r.handle.RowsMigrated())
}

// Cancel implements status.Task.
func (r *Migrator) Cancel() {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

var _ status.Task = (*Migrator)(nil)
