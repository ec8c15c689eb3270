package storage

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mapmarket/relaychat/internal/chat"
)

func messageKey(m chat.Message) string {
	if m.ClientTempID != "" {
		return m.ClientTempID
	}
	return m.ID
}

// SaveMessages caches server-confirmed messages. Records still sending or
// failed exist only in memory and are ignored. A confirmed record replaces
// the row of its correlation id, and each conversation is trimmed to the
// newest messages afterwards.
func (d *DB) SaveMessages(msgs []chat.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	touched := map[string]bool{}
	for _, m := range msgs {
		if !m.Status.Confirmed() || m.ID == "" || m.ConversationID == "" {
			continue
		}
		key := messageKey(m)
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		// A row saved under the server id before the correlation id was
		// known is superseded.
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND key <> ?`, m.ID, key); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (key, id, conversation_id, created_at, body) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				id = excluded.id,
				created_at = excluded.created_at,
				body = excluded.body
		`, key, m.ID, m.ConversationID, m.CreatedAt.UnixNano(), string(body)); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		touched[m.ConversationID] = true
	}

	for conv := range touched {
		if _, err := tx.Exec(`
			DELETE FROM messages WHERE conversation_id = ? AND key NOT IN (
				SELECT key FROM messages WHERE conversation_id = ?
				ORDER BY created_at DESC LIMIT ?
			)
		`, conv, conv, d.keep); err != nil {
			return fmt.Errorf("trim %s: %w", conv, err)
		}
	}
	return tx.Commit()
}

// Messages returns up to limit of the newest cached messages of a
// conversation in chronological order.
func (d *DB) Messages(conversationID string, limit int) ([]chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 {
		limit = d.keep
	}

	rows, err := d.db.Query(`
		SELECT key, body FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, key DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			log.Warnf("cached message %s unreadable: %v", key, err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
