package authstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/rapport/internal/model"
)

// tokenBytes is the entropy of a session token; tokens are hex encoded.
const tokenBytes = 32

// CreateAuthSession logs identity in and returns the new session token.
func (s *Store) CreateAuthSession(identity string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	now := s.now()
	if _, err := s.db.Exec(
		`INSERT INTO login_sessions (token, identity, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, identity, now.Unix(), now.Add(s.ttl).Unix(),
	); err != nil {
		return "", fmt.Errorf("insert session for %q: %w", identity, err)
	}
	return token, nil
}

// GetAuthSession resolves a token. Unknown and expired tokens yield a nil
// session and no error.
func (s *Store) GetAuthSession(token string) (*model.AuthSession, error) {
	var (
		sess             model.AuthSession
		created, expires int64
	)
	err := s.db.QueryRow(
		`SELECT token, identity, created_at, expires_at FROM login_sessions
		 WHERE token = ? AND expires_at > ?`,
		token, s.now().Unix(),
	).Scan(&sess.ID, &sess.Identity, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	return &sess, nil
}

// DeleteAuthSession logs a token out.
func (s *Store) DeleteAuthSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM login_sessions WHERE token = ?`, token)
	return err
}

// DeleteSessionsExcept logs out every identity but keep. The teacher calls
// it when wiping participants.
func (s *Store) DeleteSessionsExcept(keep string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM login_sessions WHERE identity <> ?`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupExpiredSessions drops sessions past their expiry.
func (s *Store) CleanupExpiredSessions() error {
	_, err := s.db.Exec(`DELETE FROM login_sessions WHERE expires_at <= ?`, s.now().Unix())
	return err
}
