package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rocketopp/ignition/internal/auth"
)

// GetSession resolves a session token. Expired sessions are reported the
// same as missing ones.
func (s *Store) GetSession(ctx context.Context, token string) (*auth.Session, error) {
	var sess auth.Session
	var expiresAt time.Time
	err := s.db.QueryRow(ctx, `
		SELECT user_id, email, expires_at
		FROM sessions WHERE token = $1`, token,
	).Scan(&sess.UserID, &sess.Email, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, auth.ErrNoSession
	}
	return &sess, nil
}

// PutSession upserts a session row. The web tier owns login; this exists for
// provisioning and tests.
func (s *Store) PutSession(ctx context.Context, token string, sess *auth.Session, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (token, user_id, email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			email = EXCLUDED.email,
			expires_at = EXCLUDED.expires_at`,
		token, sess.UserID, sess.Email, time.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}
