package storage

import (
	"context"
	"database/sql"
	"errors"
)

// ErrSelfFriendRequest is returned when a user tries to befriend themselves.
var ErrSelfFriendRequest = errors.New("cannot send a friend request to yourself")

// ListFriends returns the accepted friends of a user ordered by username.
func (s *Store) ListFriends(ctx context.Context, userID string) ([]User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.role, u.avatar_image, u.is_avatar_image_set, u.created_at
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.username ASC
	`, userID)
}

// AreFriends reports whether the friendship row exists.
func (s *Store) AreFriends(ctx context.Context, userID, friendID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM friendships WHERE user_id=? AND friend_id=?`, userID, friendID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateFriendRequest records a pending request. A request in either direction
// or an existing friendship yields ErrFriendRequestExists.
func (s *Store) CreateFriendRequest(ctx context.Context, requesterID, receiverID string) (err error) {
	if requesterID == receiverID {
		return ErrSelfFriendRequest
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	checks := []struct {
		query string
		args  []any
	}{
		{`SELECT COUNT(1) FROM friendships WHERE user_id=? AND friend_id=?`, []any{requesterID, receiverID}},
		{`SELECT COUNT(1) FROM friend_requests WHERE requester_id=? AND receiver_id=?`, []any{requesterID, receiverID}},
		{`SELECT COUNT(1) FROM friend_requests WHERE requester_id=? AND receiver_id=?`, []any{receiverID, requesterID}},
	}
	for _, check := range checks {
		var existing int
		if err = tx.QueryRowContext(ctx, check.query, check.args...).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			err = ErrFriendRequestExists
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO friend_requests(requester_id, receiver_id) VALUES(?, ?)`, requesterID, receiverID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFriendRequest removes a pending request and reports whether one existed.
func (s *Store) DeleteFriendRequest(ctx context.Context, requesterID, receiverID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM friend_requests WHERE requester_id=? AND receiver_id=?`, requesterID, receiverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListIncomingFriendRequests fetches users who requested the given user.
func (s *Store) ListIncomingFriendRequests(ctx context.Context, userID string) ([]User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.role, u.avatar_image, u.is_avatar_image_set, u.created_at
		FROM friend_requests fr
		JOIN users u ON u.id = fr.requester_id
		WHERE fr.receiver_id = ?
		ORDER BY fr.created_at ASC
	`, userID)
}

// ListOutgoingFriendRequests fetches pending requests sent by a user.
func (s *Store) ListOutgoingFriendRequests(ctx context.Context, userID string) ([]User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.role, u.avatar_image, u.is_avatar_image_set, u.created_at
		FROM friend_requests fr
		JOIN users u ON u.id = fr.receiver_id
		WHERE fr.requester_id = ?
		ORDER BY fr.created_at ASC
	`, userID)
}

// AcceptFriendRequest converts the pending request into a symmetric friendship.
// sql.ErrNoRows is returned when no such request is pending.
func (s *Store) AcceptFriendRequest(ctx context.Context, requesterID, receiverID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE requester_id=? AND receiver_id=?`, requesterID, receiverID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		err = sql.ErrNoRows
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, requesterID, receiverID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, receiverID, requesterID); err != nil {
		return err
	}
	return tx.Commit()
}
