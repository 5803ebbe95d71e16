package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ctcubes/internal/models"
)

// Entry is one cataloged patch: its index record plus intensity statistics
// and the store key its cube was written under.
type Entry struct {
	models.PatchRecord
	Stats    models.PatchStats
	StoreKey string
}

// Run summarizes one pipeline invocation.
type Run struct {
	ID                 string
	StartedAt          time.Time
	FinishedAt         time.Time
	ScansTotal         int
	ScansFailed        int
	PatchesWritten     int
	AnnotationsSkipped int
}

// Catalog is a persistent patch index backed by SQLite.
type Catalog struct {
	db   *sql.DB
	path string
}

// NewCatalog opens (creating if needed) the catalog database at path.
func NewCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	c := &Catalog{db: db, path: path}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			scans_total INTEGER NOT NULL DEFAULT 0,
			scans_failed INTEGER NOT NULL DEFAULT 0,
			patches_written INTEGER NOT NULL DEFAULT 0,
			annotations_skipped INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS patches (
			patch_id TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			volume_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			diameter_mm REAL NOT NULL,
			center_x_mm REAL NOT NULL,
			center_y_mm REAL NOT NULL,
			center_z_mm REAL NOT NULL,
			mean REAL NOT NULL,
			std REAL NOT NULL,
			min REAL NOT NULL,
			max REAL NOT NULL,
			store_key TEXT NOT NULL,
			PRIMARY KEY (run_id, patch_id)
		);
		CREATE INDEX IF NOT EXISTS idx_patches_volume ON patches(volume_id);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// BeginRun records a new run before any patches are written.
func (c *Catalog) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, started_at) VALUES (?, ?)",
		runID, startedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// FinishRun stores the final counters of a run.
func (c *Catalog) FinishRun(ctx context.Context, run Run) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, scans_total = ?, scans_failed = ?,
			patches_written = ?, annotations_skipped = ? WHERE run_id = ?`,
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.ScansTotal, run.ScansFailed, run.PatchesWritten, run.AnnotationsSkipped,
		run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s was never begun", run.ID)
	}
	return nil
}

// AddPatches inserts the entries of one run batch inside a transaction.
func (c *Catalog) AddPatches(ctx context.Context, runID string, entries []Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO patches (patch_id, run_id, volume_id, seq, diameter_mm,
			center_x_mm, center_y_mm, center_z_mm, mean, std, min, max, store_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.PatchID, runID, e.VolumeID, e.Seq, e.Diameter,
			e.Center.X, e.Center.Y, e.Center.Z,
			e.Stats.Mean, e.Stats.Std, e.Stats.Min, e.Stats.Max,
			e.StoreKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PatchesForRun returns a run's entries ordered by volume ID and sequence.
func (c *Catalog) PatchesForRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT patch_id, volume_id, seq, diameter_mm,
			center_x_mm, center_y_mm, center_z_mm, mean, std, min, max, store_key
		FROM patches WHERE run_id = ? ORDER BY volume_id, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PatchID, &e.VolumeID, &e.Seq, &e.Diameter,
			&e.Center.X, &e.Center.Y, &e.Center.Z,
			&e.Stats.Mean, &e.Stats.Std, &e.Stats.Min, &e.Stats.Max,
			&e.StoreKey); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRun returns the stored summary of one run.
func (c *Catalog) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	var started string
	var finished sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, scans_total, scans_failed,
			patches_written, annotations_skipped FROM runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &started, &finished, &run.ScansTotal, &run.ScansFailed,
			&run.PatchesWritten, &run.AnnotationsSkipped)
	if err != nil {
		return Run{}, err
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("bad started_at for run %s: %v", runID, err)
	}
	if finished.Valid && finished.String != "" {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return Run{}, fmt.Errorf("bad finished_at for run %s: %v", runID, err)
		}
	}
	return run, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}
