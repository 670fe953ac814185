package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const liveMessageColumns = `id, chat_id, server_id, message_id, added_by, created_at`

func scanLiveMessage(row rowScanner) (*LiveMessage, error) {
	m := &LiveMessage{}
	var created int64
	if err := row.Scan(&m.ID, &m.ChatID, &m.ServerID, &m.MessageID, &m.AddedBy, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	return m, nil
}

// CreateSubscription records a chat watcher and its first live message for a server
func (r *Repository) CreateSubscription(ctx context.Context, chatID string, isGroup bool, serverID, messageID, createdBy string, now time.Time) (*LiveMessage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_watchers (chat_id, is_group, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET is_group = excluded.is_group`,
		chatID, boolToInt(isGroup), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert chat watcher %s: %w", chatID, err)
	}

	m := &LiveMessage{
		ChatID:    chatID,
		ServerID:  serverID,
		MessageID: messageID,
		AddedBy:   createdBy,
		CreatedAt: fromMillis(toMillis(now)),
	}
	if err := insertLiveMessage(ctx, tx, m); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLiveMessage(ctx context.Context, db execer, m *LiveMessage) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO live_messages (chat_id, server_id, message_id, added_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ChatID, m.ServerID, m.MessageID, m.AddedBy, toMillis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert live message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// CreateLiveMessage inserts a live message for an existing chat watcher
func (r *Repository) CreateLiveMessage(ctx context.Context, m *LiveMessage) error {
	return insertLiveMessage(ctx, r.db, m)
}

// GetLiveMessage finds a live message by ID
func (r *Repository) GetLiveMessage(ctx context.Context, id int64) (*LiveMessage, error) {
	m, err := scanLiveMessage(r.db.QueryRowContext(ctx,
		`SELECT `+liveMessageColumns+` FROM live_messages WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListEditableLiveMessages returns the newest live message of every chat
// subscribed to the server, newest first.
func (r *Repository) ListEditableLiveMessages(ctx context.Context, serverID string) ([]*LiveMessage, error) {
	return r.queryLiveMessages(ctx,
		`SELECT `+liveMessageColumns+`
		 FROM live_messages lm
		 WHERE lm.server_id = ?
		   AND lm.id = (SELECT MAX(id) FROM live_messages WHERE server_id = lm.server_id AND chat_id = lm.chat_id)
		 ORDER BY lm.id DESC`,
		serverID,
	)
}

// ListLiveMessages returns all live messages, newest first
func (r *Repository) ListLiveMessages(ctx context.Context) ([]*LiveMessage, error) {
	return r.queryLiveMessages(ctx,
		`SELECT `+liveMessageColumns+` FROM live_messages ORDER BY id DESC`,
	)
}

// ListChatLiveMessages returns all live messages in a chat for a server, newest first
func (r *Repository) ListChatLiveMessages(ctx context.Context, chatID, serverID string) ([]*LiveMessage, error) {
	return r.queryLiveMessages(ctx,
		`SELECT `+liveMessageColumns+` FROM live_messages WHERE chat_id = ? AND server_id = ? ORDER BY id DESC`,
		chatID, serverID,
	)
}

func (r *Repository) queryLiveMessages(ctx context.Context, query string, args ...any) ([]*LiveMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*LiveMessage
	for rows.Next() {
		m, err := scanLiveMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// DeleteLiveMessage removes one live message row
func (r *Repository) DeleteLiveMessage(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM live_messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// PruneLiveMessages deletes every row for (chat, server) except keepID
func (r *Repository) PruneLiveMessages(ctx context.Context, chatID, serverID string, keepID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM live_messages WHERE chat_id = ? AND server_id = ? AND id != ?`,
		chatID, serverID, keepID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetChatWatcher finds a chat watcher by chat ID
func (r *Repository) GetChatWatcher(ctx context.Context, chatID string) (*ChatWatcher, error) {
	w := &ChatWatcher{}
	var isGroup int
	var created int64
	err := r.db.QueryRowContext(ctx,
		`SELECT chat_id, is_group, created_at FROM chat_watchers WHERE chat_id = ?`,
		chatID,
	).Scan(&w.ChatID, &isGroup, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.IsGroup = isGroup != 0
	w.CreatedAt = fromMillis(created)
	return w, nil
}

// DeleteChatWatcher removes a chat and, by cascade, all of its live messages
func (r *Repository) DeleteChatWatcher(ctx context.Context, chatID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_watchers WHERE chat_id = ?`, chatID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// LatestServerForChat returns the server of the chat's newest live message
func (r *Repository) LatestServerForChat(ctx context.Context, chatID string) (*Server, error) {
	s, err := scanServer(r.db.QueryRowContext(ctx,
		`SELECT s.id, s.address, s.polling_enabled, s.last_ping_at, s.created_at
		 FROM live_messages lm
		 JOIN servers s ON s.id = lm.server_id
		 WHERE lm.chat_id = ?
		 ORDER BY lm.id DESC
		 LIMIT 1`,
		chatID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}
