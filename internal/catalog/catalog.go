// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package catalog records every run and its extractions in a SQLite
// database next to the run directories, so past results can be listed and
// queried without reopening each JSONL file.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// DBFile is the catalog database name inside the output directory.
const DBFile = "catalog.db"

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one catalog entry.
type Run struct {
	ID          string    `json:"run_id"`
	Dir         string    `json:"dir"`
	DocumentID  string    `json:"document_id,omitempty"`
	Task        string    `json:"task,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Extractions int       `json:"extractions"`
	Unaligned   int       `json:"unaligned"`
	Tokens      int64     `json:"tokens"`
}

// Store manages the catalog SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates outputDir/catalog.db and its schema.
func Open(outputDir string) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	dbPath := filepath.Join(outputDir, DBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			dir TEXT NOT NULL,
			document_id TEXT,
			task TEXT,
			provider TEXT,
			model TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			error TEXT,
			extractions INTEGER NOT NULL DEFAULT 0,
			unaligned INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS extractions (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			extraction_index INTEGER NOT NULL,
			class TEXT NOT NULL,
			text TEXT NOT NULL,
			start_pos INTEGER,
			end_pos INTEGER,
			alignment_status TEXT,
			attributes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extractions_run_id ON extractions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_extractions_class ON extractions(class)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Record stores a run and replaces any extractions previously recorded for
// the same run ID. doc may be nil for a failed run.
func (s *Store) Record(ctx context.Context, run Run, doc *types.AnnotatedDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	finished := ""
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(timeLayout)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, dir, document_id, task, provider, model, started_at, finished_at,
			status, error, extractions, unaligned, tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			dir=excluded.dir, document_id=excluded.document_id, task=excluded.task,
			provider=excluded.provider, model=excluded.model, started_at=excluded.started_at,
			finished_at=excluded.finished_at, status=excluded.status, error=excluded.error,
			extractions=excluded.extractions, unaligned=excluded.unaligned, tokens=excluded.tokens`,
		run.ID, run.Dir, run.DocumentID, run.Task, run.Provider, run.Model,
		run.StartedAt.UTC().Format(timeLayout), finished,
		run.Status, run.Error, run.Extractions, run.Unaligned, run.Tokens,
	)
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM extractions WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("deleting old extractions: %w", err)
	}

	if doc != nil {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO extractions (run_id, extraction_index, class, text, start_pos, end_pos, alignment_status, attributes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range doc.Extractions {
			var start, end sql.NullInt64
			if e.CharInterval != nil {
				start = sql.NullInt64{Int64: int64(e.CharInterval.StartPos), Valid: true}
				end = sql.NullInt64{Int64: int64(e.CharInterval.EndPos), Valid: true}
			}
			var status sql.NullString
			if e.AlignmentStatus != nil {
				status = sql.NullString{String: string(*e.AlignmentStatus), Valid: true}
			}
			attrs, err := json.Marshal(e.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes of extraction %d: %w", e.ExtractionIndex, err)
			}
			if _, err := stmt.ExecContext(ctx,
				run.ID, e.ExtractionIndex, e.Class, e.Text, start, end, status, string(attrs),
			); err != nil {
				return fmt.Errorf("inserting extraction %d: %w", e.ExtractionIndex, err)
			}
		}
	}

	return tx.Commit()
}
