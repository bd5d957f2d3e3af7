package sqlite

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
)

// Results returns up to limit results for a session, newest first.
// A limit of zero or less returns every row.
func (s *Store) Results(ctx context.Context, sessionID string, limit int) ([]pipeline.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, bpm, brpm, movement, elapsed_seconds, fps
		FROM biometrics
		WHERE session_id = ?
		ORDER BY ts DESC, biometric_id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query biometrics: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Result
	for rows.Next() {
		var r pipeline.Result
		var ts float64
		if err := rows.Scan(&ts, &r.BPM, &r.BRPM, &r.Movement, &r.ElapsedSeconds, &r.FPS); err != nil {
			return nil, err
		}
		r.Timestamp = fromUnixSeconds(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentDigest renders the newest limit results of a session as CSV with
// the header "elapsed_seconds,bpm,brpm,movement", newest row first. A limit
// of zero or less uses DefaultDigestRows.
func (s *Store) RecentDigest(ctx context.Context, sessionID string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultDigestRows
	}
	results, err := s.Results(ctx, sessionID, limit)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("elapsed_seconds,bpm,brpm,movement")
	for _, r := range results {
		b.WriteByte('\n')
		b.WriteString(strconv.FormatInt(int64(math.Floor(r.ElapsedSeconds)), 10))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(r.BPM))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(r.BRPM))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(r.Movement, 'f', -1, 64))
	}
	return b.String(), nil
}
