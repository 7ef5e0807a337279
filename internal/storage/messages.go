package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message represents a row in the messages table.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
	EditedAt   *time.Time
}

const messageColumns = `id, sender_id, receiver_id, text, created_at, edited_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg    Message
		edited sql.NullTime
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.CreatedAt, &edited); err != nil {
		return nil, err
	}
	if edited.Valid {
		t := edited.Time
		msg.EditedAt = &t
	}
	return &msg, nil
}

// InsertMessage persists a new direct message. CreatedAt must be set by the caller.
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, sender_id, receiver_id, text, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.CreatedAt.UTC())
	if err != nil && isConstraintError(err) {
		return fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	return err
}

// FindMessagesBetween returns the conversation between two users in send order.
func (s *Store) FindMessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, rowid ASC`, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// FindMessageByID fetches a message; nil when absent.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// UpdateMessageText replaces the text and stamps edited_at.
func (s *Store) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET text=?, edited_at=? WHERE id=?`, text, editedAt.UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteMessage removes a message by id.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
