package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionTx groups the player and session writes for one heartbeat
// so the fresh-session lookup and the following write are atomic.
type SessionTx struct {
	tx *sql.Tx
}

// WithSessionTx runs fn inside a transaction, committing if it returns nil
func (r *Repository) WithSessionTx(ctx context.Context, fn func(tx *SessionTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&SessionTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertPlayer inserts a player or refreshes its name, returning the row ID
func (t *SessionTx) UpsertPlayer(ctx context.Context, playerUUID, name string, now time.Time) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO players (uuid, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		 RETURNING id`,
		playerUUID, name, toMillis(now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert player %s: %w", playerUUID, err)
	}
	return id, nil
}

// FreshSession returns the session on (server, player) whose heartbeat is
// at or after since, or ErrNotFound if the player has no fresh session.
func (t *SessionTx) FreshSession(ctx context.Context, serverID string, playerID int64, since time.Time) (*PlayerSession, error) {
	s := &PlayerSession{}
	var start, end int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, server_id, player_id, start_time, end_time
		 FROM player_sessions
		 WHERE server_id = ? AND player_id = ? AND end_time >= ?
		 ORDER BY end_time DESC
		 LIMIT 1`,
		serverID, playerID, toMillis(since),
	).Scan(&s.ID, &s.ServerID, &s.PlayerID, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find fresh session: %w", err)
	}
	s.StartTime = fromMillis(start)
	s.EndTime = fromMillis(end)
	return s, nil
}

// ExtendSession moves a session's heartbeat to now
func (t *SessionTx) ExtendSession(ctx context.Context, sessionID int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE player_sessions SET end_time = ? WHERE id = ?`,
		toMillis(now), sessionID,
	)
	if err != nil {
		return fmt.Errorf("extend session %d: %w", sessionID, err)
	}
	return nil
}

// OpenSession starts a new session with start and heartbeat at now
func (t *SessionTx) OpenSession(ctx context.Context, serverID string, playerID int64, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO player_sessions (server_id, player_id, start_time, end_time) VALUES (?, ?, ?, ?)`,
		serverID, playerID, toMillis(now), toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	return res.LastInsertId()
}

// ListSessions returns every session of a player on a server, oldest first
func (r *Repository) ListSessions(ctx context.Context, serverID string, playerID int64) ([]*PlayerSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, server_id, player_id, start_time, end_time
		 FROM player_sessions
		 WHERE server_id = ? AND player_id = ?
		 ORDER BY start_time, id`,
		serverID, playerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*PlayerSession
	for rows.Next() {
		s := &PlayerSession{}
		var start, end int64
		if err := rows.Scan(&s.ID, &s.ServerID, &s.PlayerID, &start, &end); err != nil {
			return nil, err
		}
		s.StartTime = fromMillis(start)
		s.EndTime = fromMillis(end)
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// GetPlayerByUUID finds a player by protocol UUID
func (r *Repository) GetPlayerByUUID(ctx context.Context, playerUUID string) (*Player, error) {
	p := &Player{}
	var updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, uuid, name, updated_at FROM players WHERE uuid = ?`,
		playerUUID,
	).Scan(&p.ID, &p.UUID, &p.Name, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// ListLivePlayers returns players whose heartbeat on the server is at or
// after since, with the start of their current session.
func (r *Repository) ListLivePlayers(ctx context.Context, serverID string, since time.Time) ([]*LivePlayer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.uuid, p.name, s.start_time, s.end_time
		 FROM player_sessions s
		 JOIN players p ON p.id = s.player_id
		 WHERE s.server_id = ? AND s.end_time >= ?
		 ORDER BY s.end_time DESC, s.id DESC`,
		serverID, toMillis(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	var players []*LivePlayer
	for rows.Next() {
		p := &LivePlayer{}
		var start, end int64
		if err := rows.Scan(&p.PlayerID, &p.UUID, &p.Name, &start, &end); err != nil {
			return nil, err
		}
		if seen[p.PlayerID] {
			continue
		}
		seen[p.PlayerID] = true
		p.SessionStart = fromMillis(start)
		p.LastSeen = fromMillis(end)
		players = append(players, p)
	}

	return players, rows.Err()
}

// ListRecentPlayers returns players seen on the server at or after since,
// with their latest heartbeat.
func (r *Repository) ListRecentPlayers(ctx context.Context, serverID string, since time.Time) ([]*RecentPlayer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.uuid, p.name, MAX(s.end_time)
		 FROM player_sessions s
		 JOIN players p ON p.id = s.player_id
		 WHERE s.server_id = ? AND s.end_time >= ?
		 GROUP BY p.id, p.uuid, p.name`,
		serverID, toMillis(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*RecentPlayer
	for rows.Next() {
		p := &RecentPlayer{}
		var lastSeen int64
		if err := rows.Scan(&p.PlayerID, &p.UUID, &p.Name, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen = fromMillis(lastSeen)
		players = append(players, p)
	}

	return players, rows.Err()
}

// ListSessionSpans returns sessions on a server overlapping [from, to]
func (r *Repository) ListSessionSpans(ctx context.Context, serverID string, from, to time.Time) ([]*SessionSpan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.player_id, p.name, s.start_time, s.end_time
		 FROM player_sessions s
		 JOIN players p ON p.id = s.player_id
		 WHERE s.server_id = ? AND s.start_time <= ? AND s.end_time >= ?
		 ORDER BY s.start_time`,
		serverID, toMillis(to), toMillis(from),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []*SessionSpan
	for rows.Next() {
		s := &SessionSpan{}
		var start, end int64
		if err := rows.Scan(&s.PlayerID, &s.PlayerName, &start, &end); err != nil {
			return nil, err
		}
		s.StartTime = fromMillis(start)
		s.EndTime = fromMillis(end)
		spans = append(spans, s)
	}

	return spans, rows.Err()
}
