package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store wraps the sqlite handle with the queries the hub needs: the durable
// user records, the current-color pixel map, the append-only placement log,
// bans, and chat.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// UserRecord is the durable slice of an identity the canvas core touches.
type UserRecord struct {
	ID         string
	Name       string
	Pixels     int
	Placed     int
	LastTicked time.Time
	Mod        bool
}

// Placement is one accepted pixel write attributed to a user.
type Placement struct {
	X      int
	Y      int
	Color  byte
	UserID string
	Time   time.Time
}

// PlacerInfo answers "who placed this pixel".
type PlacerInfo struct {
	UserID string
	Name   string
	Time   time.Time
}

// ChatEntry is one persisted chat line, joined with the sender's name.
type ChatEntry struct {
	Username string
	Message  string
	Time     time.Time
}

func (s *Store) UserByToken(ctx context.Context, token string) (*UserRecord, error) {
	return s.userRow(ctx, `SELECT id, name, pixels, placed, last_ticked, mod FROM users WHERE token = ?`, token)
}

func (s *Store) UserByID(ctx context.Context, id string) (*UserRecord, error) {
	return s.userRow(ctx, `SELECT id, name, pixels, placed, last_ticked, mod FROM users WHERE id = ?`, id)
}

func (s *Store) userRow(ctx context.Context, query string, arg any) (*UserRecord, error) {
	row := s.DB.QueryRowContext(ctx, query, arg)

	var rec UserRecord
	var ticked int64
	var mod int
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Pixels, &rec.Placed, &ticked, &mod); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.LastTicked = time.UnixMilli(ticked)
	rec.Mod = mod != 0
	return &rec, nil
}

// CreateUser registers a durable identity. Token may be empty for records
// created by out-of-band tooling.
func (s *Store) CreateUser(ctx context.Context, rec UserRecord, token string) error {
	var tok any
	if token != "" {
		tok = token
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, token, name, pixels, placed, last_ticked, mod, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, tok, rec.Name, rec.Pixels, rec.Placed, rec.LastTicked.UnixMilli(), boolInt(rec.Mod), time.Now().UnixMilli(),
	)
	return err
}

// SyncUser writes the quota fields back after a settle or replenish.
func (s *Store) SyncUser(ctx context.Context, rec UserRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET pixels = ?, placed = ?, last_ticked = ? WHERE id = ?`,
		rec.Pixels, rec.Placed, rec.LastTicked.UnixMilli(), rec.ID,
	)
	return err
}

// CommitPlacements durably records one accepted batch: each pixel is
// upserted into the current-color map and appended to the placement log,
// all inside one transaction so a crash never persists half a batch.
func (s *Store) CommitPlacements(ctx context.Context, placements []Placement) error {
	if len(placements) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin placement tx: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO pixel_map (x, y, color, user_id, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(x, y) DO UPDATE SET color = excluded.color, user_id = excluded.user_id, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	appendLog, err := tx.PrepareContext(ctx,
		`INSERT INTO placements (x, y, color, user_id, placed_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer appendLog.Close()

	for _, p := range placements {
		at := p.Time.UnixMilli()
		if _, err := upsert.ExecContext(ctx, p.X, p.Y, p.Color, p.UserID, at); err != nil {
			return fmt.Errorf("upsert pixel (%d,%d): %w", p.X, p.Y, err)
		}
		if _, err := appendLog.ExecContext(ctx, p.X, p.Y, p.Color, p.UserID, at); err != nil {
			return fmt.Errorf("log pixel (%d,%d): %w", p.X, p.Y, err)
		}
	}
	return tx.Commit()
}

// PlacerAt reports the most recent placement at a coordinate, or nil when
// the cell has never been placed.
func (s *Store) PlacerAt(ctx context.Context, x, y int) (*PlacerInfo, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT p.user_id, COALESCE(u.name, ''), p.placed_at
		 FROM placements p LEFT JOIN users u ON u.id = p.user_id
		 WHERE p.x = ? AND p.y = ?
		 ORDER BY p.placed_at DESC, p.id DESC LIMIT 1`, x, y)

	var info PlacerInfo
	var at int64
	if err := row.Scan(&info.UserID, &info.Name, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	info.Time = time.UnixMilli(at)
	return &info, nil
}

// PixelMap streams the current-color table, feeding the boot-time overlay
// that reconciles a placement log ahead of the last board flush.
func (s *Store) PixelMap(ctx context.Context) ([]Placement, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT x, y, color, COALESCE(user_id, ''), updated_at FROM pixel_map`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		var p Placement
		var at int64
		if err := rows.Scan(&p.X, &p.Y, &p.Color, &p.UserID, &at); err != nil {
			return nil, err
		}
		p.Time = time.UnixMilli(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// BanReason returns the active ban matching the address or user id, if any.
// Expired bans are ignored.
func (s *Store) BanReason(ctx context.Context, ip, userID string) (string, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(reason, '') FROM bans
		 WHERE ((ip IS NOT NULL AND ip = ?) OR (user_id IS NOT NULL AND user_id = ?))
		   AND (expires_at IS NULL OR expires_at > ?)
		 LIMIT 1`, ip, userID, time.Now().UnixMilli())

	var reason string
	if err := row.Scan(&reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return reason, true, nil
}

// AddBan records a ban against an address, a user id, or both.
func (s *Store) AddBan(ctx context.Context, ip, userID, reason string, expires *time.Time) (int64, error) {
	var exp any
	if expires != nil {
		exp = expires.UnixMilli()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO bans (ip, user_id, reason, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		nullable(ip), nullable(userID), reason, exp, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendChat persists one chat line.
func (s *Store) AppendChat(ctx context.Context, userID, message string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat (user_id, message, sent_at) VALUES (?, ?, ?)`,
		userID, message, time.Now().UnixMilli())
	return err
}

// RecentChat returns up to limit lines, oldest first.
func (s *Store) RecentChat(ctx context.Context, limit int) ([]ChatEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT u.name, c.message, c.sent_at
		 FROM chat c INNER JOIN users u ON u.id = c.user_id
		 ORDER BY c.sent_at DESC, c.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backlog []ChatEntry
	for rows.Next() {
		var e ChatEntry
		var at int64
		if err := rows.Scan(&e.Username, &e.Message, &at); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(at)
		backlog = append(backlog, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query is newest-first for the LIMIT; flip to chronological order.
	for i, j := 0, len(backlog)-1; i < j; i, j = i+1, j-1 {
		backlog[i], backlog[j] = backlog[j], backlog[i]
	}
	return backlog, nil
}

// RecordConnection keeps the first-seen audit row per (ip, user) pair.
func (s *Store) RecordConnection(ctx context.Context, ip, userID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO connections (ip, user_id, first_seen) VALUES (?, ?, ?)
		 ON CONFLICT(ip, user_id) DO NOTHING`,
		ip, userID, time.Now().UnixMilli())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
