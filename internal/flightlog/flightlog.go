// Package flightlog records every control cycle to a SQLite database so a
// flight can be reviewed afterwards, and exposes the database through the
// debug HTTP routes.
package flightlog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
	"github.com/banshee-data/obstacle-avoidance/internal/version"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRun is returned when a cycle is recorded before StartRun.
var ErrNoRun = errors.New("no flight-log run in progress")

// Log is an open flight log.
type Log struct {
	*sql.DB
	path string

	mu    sync.Mutex
	runID string

	// writeFailures counts cycles that ObserveCycle could not store.
	writeFailures atomic.Uint64
}

// Open opens (creating if needed) the flight log at path and applies any
// pending migrations.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flight log: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	l := &Log{DB: db, path: path}
	if err := l.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	diagf("opened %s", path)
	return l, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (l *Log) MigrateUp() error {
	m, err := l.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
func (l *Log) MigrateVersion() (uint, bool, error) {
	m, err := l.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (l *Log) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// StartRun begins a new run and makes it current. cfg is stored as JSON for
// later review; source names where frames come from.
func (l *Log) StartRun(source string, cfg any) (string, error) {
	cfgJSON := []byte("{}")
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to encode run config: %w", err)
		}
		cfgJSON = b
	}

	id := uuid.NewString()
	_, err := l.Exec(
		`INSERT INTO runs (run_id, started_at, version, source, config_json) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UnixNano(), version.String(), source, string(cfgJSON),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	l.mu.Lock()
	l.runID = id
	l.mu.Unlock()
	opsf("run %s started (source %s)", id, source)
	return id, nil
}

// CurrentRun returns the ID of the run in progress, or "".
func (l *Log) CurrentRun() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// EndRun stamps the end time on the current run.
func (l *Log) EndRun() error {
	l.mu.Lock()
	id := l.runID
	l.runID = ""
	l.mu.Unlock()
	if id == "" {
		return ErrNoRun
	}
	if _, err := l.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("failed to end run %s: %w", id, err)
	}
	if n := l.writeFailures.Load(); n > 0 {
		opsf("run %s ended with %d unrecorded cycles", id, n)
	}
	return nil
}

// RecordCycle stores one cycle under the current run.
func (l *Log) RecordCycle(c *pipeline.Cycle) error {
	runID := l.CurrentRun()
	if runID == "" {
		return ErrNoRun
	}
	rec := recordFromCycle(runID, c)
	_, err := l.Exec(`
		INSERT INTO cycles (
			run_id, seq, frame_seq, started_at, latency_us,
			selected, sel_row, sel_col, sel_percent,
			direction, lateral, vertical, yaw, yaw_rate,
			dispatched, dispatch_error,
			mean_percent, max_percent, clear_regions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seq, rec.FrameSeq, rec.StartedAt.UnixNano(), rec.Latency.Microseconds(),
		rec.Selected, nullInt(rec.Selected, rec.Row), nullInt(rec.Selected, rec.Col), nullFloat(rec.Selected, rec.Percent),
		rec.Direction, rec.Lateral, rec.Vertical, rec.Yaw, rec.YawRate,
		rec.Dispatched, rec.DispatchError,
		rec.MeanPercent, rec.MaxPercent, rec.ClearRegions,
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle %d: %w", c.Seq, err)
	}
	tracef("recorded cycle %d", c.Seq)
	return nil
}

// ObserveCycle implements pipeline.Observer. Storage failures are logged and
// counted; they never reach the control loop.
func (l *Log) ObserveCycle(c *pipeline.Cycle) {
	if err := l.RecordCycle(c); err != nil {
		if l.writeFailures.Add(1) == 1 {
			opsf("%v", err)
		}
	}
}

// WriteFailures returns how many observed cycles could not be stored.
func (l *Log) WriteFailures() uint64 { return l.writeFailures.Load() }

func nullInt(valid bool, v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: valid}
}

func nullFloat(valid bool, v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: valid}
}
