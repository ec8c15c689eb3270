package storage

import (
	"encoding/json"
	"fmt"

	"github.com/mapmarket/relaychat/internal/conversation"
)

// SaveConversations upserts the given conversations.
func (d *DB) SaveConversations(list []conversation.Conversation) error {
	if len(list) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, activity, hidden, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			activity = excluded.activity,
			hidden = excluded.hidden,
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range list {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
		if _, err := stmt.Exec(c.ID, c.Activity().UnixNano(), c.Hidden, string(body)); err != nil {
			return fmt.Errorf("save conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Conversations returns the visible cached conversations, most recent
// activity first. Rows that no longer decode are skipped.
func (d *DB) Conversations() ([]conversation.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT id, body FROM conversations WHERE hidden = 0 ORDER BY activity DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var c conversation.Conversation
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			log.Warnf("cached conversation %s unreadable: %v", id, err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (d *DB) DeleteConversation(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
