// Package history keeps a SQLite log of finished panorama sessions.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/logic/capture"
	"github.com/cjeanneret/PanBot/internal/logic/panorama"
)

//go:embed schema.sql
var schemaSQL string

// Store records session summaries.
type Store struct {
	db *sql.DB
}

var _ panorama.Recorder = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create history directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history database")
	}
	// one writer; the dispatcher records sequentially anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply history schema")
	}
	debug.Verbose("History: database ready at %s", path)
	return &Store{db: db}, nil
}

// Record stores one finished session.
func (s *Store) Record(ctx context.Context, sum panorama.Summary) error {
	const query = `
		INSERT INTO panorama_sessions (
			task_id, mode, angle_deg, snap_interval_deg, rotation_velocity_dps,
			snapshots_requested, snapshots_accepted, accumulated_deg,
			outcome, reason, started_at_ns, ended_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(sum.Task), string(sum.Params.Mode), sum.Params.AngleDeg, sum.Params.SnapIntervalDeg,
		sum.Params.RotationVelocityDPS, sum.Requested, sum.Accepted, sum.AccumulatedDeg,
		sum.Outcome, sum.Reason, sum.StartedAt.UnixNano(), sum.EndedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "insert panorama session")
	}
	debug.Verbose("History: recorded session %s (%s)", sum.Task, sum.Outcome)
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]panorama.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT task_id, mode, angle_deg, snap_interval_deg, rotation_velocity_dps,
			snapshots_requested, snapshots_accepted, accumulated_deg,
			outcome, reason, started_at_ns, ended_at_ns
		FROM panorama_sessions
		ORDER BY ended_at_ns DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query panorama sessions")
	}
	defer rows.Close()

	out := make([]panorama.Summary, 0, limit)
	for rows.Next() {
		var (
			sum            panorama.Summary
			task, mode     string
			started, ended int64
		)
		if err := rows.Scan(&task, &mode, &sum.Params.AngleDeg, &sum.Params.SnapIntervalDeg,
			&sum.Params.RotationVelocityDPS, &sum.Requested, &sum.Accepted, &sum.AccumulatedDeg,
			&sum.Outcome, &sum.Reason, &started, &ended); err != nil {
			return nil, errors.Wrap(err, "scan panorama session")
		}
		sum.Task = capture.TaskID(task)
		sum.Params.Mode = panorama.Mode(mode)
		sum.StartedAt = time.Unix(0, started).UTC()
		sum.EndedAt = time.Unix(0, ended).UTC()
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "iterate panorama sessions")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
