package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid argument")
)

type EvalKind string

const (
	EvalProfile EvalKind = "profile"
	EvalAsset   EvalKind = "asset"
)

type EvalResult struct {
	Fingerprint string
	Kind        EvalKind
	Result      string
	Flagged     bool
	CreatedAt   time.Time
	LastUsedAt  time.Time
	HitCount    int64
}

type Playtime struct {
	UserID      string
	DisplayName string
	Minutes     float64
	Sessions    int64
	LastSeenAt  time.Time
}

type AvatarSighting struct {
	AvatarName  string
	Sightings   int64
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// GetEvalResult returns the stored classification for fingerprint and bumps
// its hit counter.
func (s *Store) GetEvalResult(ctx context.Context, fingerprint string) (EvalResult, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return EvalResult{}, fmt.Errorf("%w: fingerprint is required", ErrInvalid)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT fingerprint, kind, result, flagged, created_at, last_used_at, hit_count
FROM eval_results
WHERE fingerprint = ?`, fingerprint)
	res, err := scanEvalResult(row)
	if err != nil {
		return EvalResult{}, err
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
UPDATE eval_results SET hit_count = hit_count + 1, last_used_at = ? WHERE fingerprint = ?`, ts(now), fingerprint); err != nil {
		return EvalResult{}, fmt.Errorf("touch eval result: %w", err)
	}
	res.HitCount++
	res.LastUsedAt = now
	return res, nil
}

func (s *Store) PutEvalResult(ctx context.Context, res EvalResult) error {
	res.Fingerprint = strings.TrimSpace(res.Fingerprint)
	if res.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", ErrInvalid)
	}
	if res.Kind != EvalProfile && res.Kind != EvalAsset {
		return fmt.Errorf("%w: unknown eval kind %q", ErrInvalid, res.Kind)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO eval_results(fingerprint, kind, result, flagged, created_at, last_used_at, hit_count)
VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(fingerprint) DO UPDATE SET
	kind = excluded.kind,
	result = excluded.result,
	flagged = excluded.flagged,
	last_used_at = excluded.last_used_at
`, res.Fingerprint, string(res.Kind), res.Result, boolToInt(res.Flagged), ts(res.CreatedAt), ts(res.CreatedAt))
	if err != nil {
		return fmt.Errorf("put eval result: %w", err)
	}
	return nil
}

// RecordPlaytime accumulates minutes for a user and counts one finished
// session.
func (s *Store) RecordPlaytime(ctx context.Context, userID, displayName string, minutes float64) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	if minutes < 0 {
		minutes = 0
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO playtime(user_id, display_name, minutes, sessions, last_seen_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(user_id) DO UPDATE SET
	display_name = excluded.display_name,
	minutes = playtime.minutes + excluded.minutes,
	sessions = playtime.sessions + 1,
	last_seen_at = excluded.last_seen_at
`, userID, displayName, minutes, ts(s.now()))
	if err != nil {
		return fmt.Errorf("add playtime: %w", err)
	}
	return nil
}

func (s *Store) GetPlaytime(ctx context.Context, userID string) (Playtime, error) {
	var (
		p        Playtime
		lastSeen string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, display_name, minutes, sessions, last_seen_at
FROM playtime
WHERE user_id = ?`, strings.TrimSpace(userID)).Scan(&p.UserID, &p.DisplayName, &p.Minutes, &p.Sessions, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Playtime{}, ErrNotFound
	}
	if err != nil {
		return Playtime{}, fmt.Errorf("get playtime: %w", err)
	}
	if p.LastSeenAt, err = parseTS(lastSeen); err != nil {
		return Playtime{}, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return p, nil
}

// RecordAvatarSightings upserts every avatar name seen during one world visit.
func (s *Store) RecordAvatarSightings(ctx context.Context, names []string, seenAt time.Time) error {
	names = dedupeNonEmpty(names)
	if len(names) == 0 {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin avatar sightings tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO avatar_sightings(avatar_name, sightings, first_seen_at, last_seen_at)
VALUES (?, 1, ?, ?)
ON CONFLICT(avatar_name) DO UPDATE SET
	sightings = avatar_sightings.sightings + 1,
	last_seen_at = excluded.last_seen_at
`)
	if err != nil {
		return fmt.Errorf("prepare avatar sightings: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	at := ts(seenAt)
	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, name, at, at); err != nil {
			return fmt.Errorf("record avatar %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit avatar sightings: %w", err)
	}
	return nil
}

// WarmAvatars records the avatars seen during a world visit that just ended.
func (s *Store) WarmAvatars(ctx context.Context, names []string, seenAt time.Time) error {
	return s.RecordAvatarSightings(ctx, names, seenAt)
}

func (s *Store) ListAvatarSightings(ctx context.Context, limit int) ([]AvatarSighting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT avatar_name, sightings, first_seen_at, last_seen_at
FROM avatar_sightings
ORDER BY last_seen_at DESC, avatar_name ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list avatar sightings: %w", err)
	}
	defer rows.Close()

	out := make([]AvatarSighting, 0)
	for rows.Next() {
		var (
			a           AvatarSighting
			first, last string
		)
		if err := rows.Scan(&a.AvatarName, &a.Sightings, &first, &last); err != nil {
			return nil, fmt.Errorf("scan avatar sighting: %w", err)
		}
		if a.FirstSeenAt, err = parseTS(first); err != nil {
			return nil, fmt.Errorf("parse first_seen_at: %w", err)
		}
		if a.LastSeenAt, err = parseTS(last); err != nil {
			return nil, fmt.Errorf("parse last_seen_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter avatar sightings: %w", err)
	}
	return out, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "eval_results", "playtime", "avatar_sightings":
	default:
		return 0, fmt.Errorf("%w: unknown table %q", ErrInvalid, table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func scanEvalResult(row *sql.Row) (EvalResult, error) {
	var (
		res              EvalResult
		kind             string
		flagged          int
		created, lastUse string
	)
	if err := row.Scan(&res.Fingerprint, &kind, &res.Result, &flagged, &created, &lastUse, &res.HitCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EvalResult{}, ErrNotFound
		}
		return EvalResult{}, fmt.Errorf("scan eval result: %w", err)
	}
	res.Kind = EvalKind(kind)
	res.Flagged = flagged != 0
	var err error
	if res.CreatedAt, err = parseTS(created); err != nil {
		return EvalResult{}, fmt.Errorf("parse created_at: %w", err)
	}
	if res.LastUsedAt, err = parseTS(lastUse); err != nil {
		return EvalResult{}, fmt.Errorf("parse last_used_at: %w", err)
	}
	return res, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func dedupeNonEmpty(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		v := strings.TrimSpace(value)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
