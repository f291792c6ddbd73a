// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// DefaultLimit caps listings when no limit is given.
const DefaultLimit = 20

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dir, document_id, task, provider, model, started_at, finished_at,
			status, error, extractions, unaligned, tokens
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                        Run
			docID, task, prov, model sql.NullString
			started                  string
			finished, errText        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Dir, &docID, &task, &prov, &model, &started, &finished,
			&r.Status, &errText, &r.Extractions, &r.Unaligned, &r.Tokens); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.DocumentID = docID.String
		r.Task = task.String
		r.Provider = prov.String
		r.Model = model.String
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(timeLayout, started)
		if finished.Valid && finished.String != "" {
			r.FinishedAt, _ = time.Parse(timeLayout, finished.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ClassCount is the number of extractions of one class.
type ClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// ClassCounts returns per-class extraction counts, for one run or for all
// runs when runID is empty. Larger counts come first.
func (s *Store) ClassCounts(ctx context.Context, runID string) ([]ClassCount, error) {
	q := `SELECT class, count(*) FROM extractions`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` GROUP BY class ORDER BY count(*) DESC, class`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying class counts: %w", err)
	}
	defer rows.Close()

	var out []ClassCount
	for rows.Next() {
		var c ClassCount
		if err := rows.Scan(&c.Class, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// QueryOptions filters recorded extractions.
type QueryOptions struct {
	RunID string
	Class string

	// Text matches extractions containing the substring.
	Text string

	// Limit caps the result count. Zero uses DefaultLimit.
	Limit int
}

// Hit is a recorded extraction with the run it came from.
type Hit struct {
	RunID string `json:"run_id"`
	types.Extraction
}

// Extractions queries recorded extractions, newest run first and in
// extraction order within a run.
func (s *Store) Extractions(ctx context.Context, opts QueryOptions) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		qb   strings.Builder
		args []any
	)
	qb.WriteString(
		`SELECT e.run_id, e.extraction_index, e.class, e.text, e.start_pos, e.end_pos,
			e.alignment_status, e.attributes
		FROM extractions e
		JOIN runs r ON r.id = e.run_id
		WHERE 1=1`)

	if opts.RunID != "" {
		qb.WriteString(` AND e.run_id = ?`)
		args = append(args, opts.RunID)
	}
	if opts.Class != "" {
		qb.WriteString(` AND e.class = ?`)
		args = append(args, opts.Class)
	}
	if opts.Text != "" {
		qb.WriteString(` AND instr(e.text, ?) > 0`)
		args = append(args, opts.Text)
	}

	qb.WriteString(` ORDER BY r.started_at DESC, e.run_id DESC, e.extraction_index LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying extractions: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h          Hit
			start, end sql.NullInt64
			status     sql.NullString
			attrs      sql.NullString
		)
		if err := rows.Scan(&h.RunID, &h.ExtractionIndex, &h.Class, &h.Text, &start, &end, &status, &attrs); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if start.Valid && end.Valid {
			h.CharInterval = &types.CharInterval{StartPos: int(start.Int64), EndPos: int(end.Int64)}
		}
		if status.Valid {
			st := types.AlignmentStatus(status.String)
			h.AlignmentStatus = &st
		}
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &h.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes of %s extraction %d: %w", h.RunID, h.ExtractionIndex, err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
