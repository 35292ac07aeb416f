package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Zbehel/Music-Split/internal/job"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteBackend stores one row per job record.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) the jobs database at path and applies
// the embedded schema.
func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening jobs database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	b := &SQLiteBackend{db: db, logger: logger.With("component", "sqlite")}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating jobs database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(schema))
	return err
}

// Put upserts the record in a single statement, so a write is either fully
// applied or not at all.
func (b *SQLiteBackend) Put(ctx context.Context, rec *job.Record) error {
	stemsJSON, err := json.Marshal(rec.Stems)
	if err != nil {
		return fmt.Errorf("encoding stems: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, model, device, session_id, source, input_path,
			output_dir, submitted_at, started_at, finished_at, outcome, stems, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			stems = excluded.stems,
			error = excluded.error`,
		rec.ID, string(rec.Status), rec.Model, rec.Device, rec.SessionID,
		string(rec.Source), rec.InputPath, rec.OutputDir,
		rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
		nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
		rec.Outcome, string(stemsJSON), rec.Error,
	)
	return err
}

// Get returns (nil, nil) for an unknown id. A row that fails to decode is
// reported as an error.
func (b *SQLiteBackend) Get(ctx context.Context, id string) (*job.Record, error) {
	row := b.db.QueryRowContext(ctx, selectColumns+" FROM jobs WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	return rec, nil
}

// List returns every stored record, oldest submission first.
func (b *SQLiteBackend) List(ctx context.Context) ([]*job.Record, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+" FROM jobs ORDER BY submitted_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("reading job rows: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	return err
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

const selectColumns = `SELECT id, status, model, device, session_id, source,
	input_path, output_dir, submitted_at, started_at, finished_at, outcome, stems, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*job.Record, error) {
	var rec job.Record
	var status, source, submittedAt, stemsJSON string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(&rec.ID, &status, &rec.Model, &rec.Device, &rec.SessionID,
		&source, &rec.InputPath, &rec.OutputDir, &submittedAt,
		&startedAt, &finishedAt, &rec.Outcome, &stemsJSON, &rec.Error)
	if err != nil {
		return nil, err
	}

	rec.Status = job.Status(status)
	rec.Source = job.SourceKind(source)

	if rec.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
		return nil, fmt.Errorf("corrupt submitted_at for job %s: %w", rec.ID, err)
	}
	if rec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("corrupt started_at for job %s: %w", rec.ID, err)
	}
	if rec.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("corrupt finished_at for job %s: %w", rec.ID, err)
	}
	if stemsJSON != "" && stemsJSON != "null" {
		if err := json.Unmarshal([]byte(stemsJSON), &rec.Stems); err != nil {
			return nil, fmt.Errorf("corrupt stems for job %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
