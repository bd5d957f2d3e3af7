package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
)

// DefaultDigestRows is the number of rows RecentDigest returns by default.
const DefaultDigestRows = 24

// SessionInfo describes one capture session.
type SessionInfo struct {
	ID        string
	Source    string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	Results   int
}

// Session records the results of one pipeline run. It implements
// pipeline.ResultSink.
type Session struct {
	store *Store
	id    string
}

var _ pipeline.ResultSink = (*Session)(nil)

// StartSession registers a new session for the named video source.
func (s *Store) StartSession(ctx context.Context, source string, startedAt time.Time) (*Session, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source, started_at) VALUES (?, ?, ?)`,
		id, source, unixSeconds(startedAt))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &Session{store: s, id: id}, nil
}

// ID returns the session identifier.
func (se *Session) ID() string { return se.id }

// PublishResult appends r to the session.
func (se *Session) PublishResult(ctx context.Context, r pipeline.Result) error {
	_, err := se.store.db.ExecContext(ctx, `
		INSERT INTO biometrics (session_id, ts, bpm, brpm, movement, elapsed_seconds, fps)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		se.id, unixSeconds(r.Timestamp), r.BPM, r.BRPM, r.Movement, r.ElapsedSeconds, r.FPS)
	if err != nil {
		return fmt.Errorf("insert biometrics for session %s: %w", se.id, err)
	}
	return nil
}

// End marks the session closed at endedAt.
func (se *Session) End(ctx context.Context, endedAt time.Time) error {
	res, err := se.store.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, unixSeconds(endedAt), se.id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", se.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", se.id, sql.ErrNoRows)
	}
	return nil
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.source, s.started_at, s.ended_at, COUNT(b.biometric_id)
		FROM sessions s
		LEFT JOIN biometrics b ON b.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var started float64
		var ended sql.NullFloat64
		if err := rows.Scan(&info.ID, &info.Source, &started, &ended, &info.Results); err != nil {
			return nil, err
		}
		info.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			info.EndedAt = fromUnixSeconds(ended.Float64)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9))
}
