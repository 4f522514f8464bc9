// Package store persists auth sessions through their pending, active,
// expired and revoked lifecycle. It is the only shared mutable state in the
// subsystem; every entry point goes through this interface rather than
// touching rows directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRefreshRaceLost = errors.New("session was refreshed concurrently")
	ErrAlreadyConsumed = errors.New("mobile exchange already consumed")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Session is the durable session record. A pending record holds the PKCE
// verifier and DPoP key before any tokens exist; activation fills in the
// token fields and supersedes any previous active record for the DID.
type Session struct {
	ID        uint   `gorm:"primarykey"`
	SessionID string `gorm:"uniqueIndex"`
	Did       string `gorm:"index"`
	Handle    string
	PdsUrl    string

	AuthserverIss string
	Status        Status `gorm:"index"`
	ClientKind    string

	PkceVerifier        string
	MobileCodeChallenge string
	MobileExchanged     bool

	AccessToken         string
	RefreshToken        string
	DpopAuthserverNonce string
	DpopPdsNonce        string
	DpopPrivateJwk      string
	TokenExpiresAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("could not migrate session table: %w", err)
	}

	return &Store{db: db}, nil
}

// NewSqlite opens (or creates) a sqlite-backed store at path. Use ":memory:"
// for tests.
func NewSqlite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not open session database: %w", err)
	}

	return New(db)
}

func (s *Store) CreatePending(ctx context.Context, sess *Session) error {
	sess.Status = StatusPending
	return s.db.WithContext(ctx).Create(sess).Error
}

func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return &sess, nil
}

func (s *Store) GetActiveByDid(ctx context.Context, did string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("did = ? AND status = ?", did, StatusActive).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// Activate transitions a pending session to active with its issued tokens,
// revoking any prior active session for the same DID so exactly one active
// record exists per identity.
func (s *Store) Activate(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Session{}).
			Where("did = ? AND status = ? AND session_id != ?", sess.Did, StatusActive, sess.SessionID).
			Update("status", StatusRevoked).Error; err != nil {
			return err
		}

		res := tx.Model(&Session{}).
			Where("session_id = ? AND status = ?", sess.SessionID, StatusPending).
			Updates(map[string]any{
				"status":                StatusActive,
				"did":                   sess.Did,
				"handle":                sess.Handle,
				"access_token":          sess.AccessToken,
				"refresh_token":         sess.RefreshToken,
				"dpop_authserver_nonce": sess.DpopAuthserverNonce,
				"token_expires_at":      sess.TokenExpiresAt,
				"pkce_verifier":         "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}

		return nil
	})
}

// UpdateTokens overwrites the token fields after a refresh. The update is a
// compare-and-swap on the previously stored refresh token: if another
// request already rotated the tokens, the losing writer gets
// ErrRefreshRaceLost instead of clobbering the newer rotation.
func (s *Store) UpdateTokens(ctx context.Context, sessionID, priorRefreshToken string, accessToken, refreshToken, authserverNonce string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND refresh_token = ? AND status = ?", sessionID, priorRefreshToken, StatusActive).
		Updates(map[string]any{
			"access_token":          accessToken,
			"refresh_token":         refreshToken,
			"dpop_authserver_nonce": authserverNonce,
			"token_expires_at":      expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRefreshRaceLost
	}

	return nil
}

// UpdatePdsNonce persists the most recent DPoP nonce issued by the PDS.
func (s *Store) UpdatePdsNonce(ctx context.Context, sessionID, nonce string) error {
	return s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("dpop_pds_nonce", nonce).Error
}

// ConsumeMobileExchange marks the session's mobile token exchange as used.
// The exchange is single-use: a second call for the same session fails.
func (s *Store) ConsumeMobileExchange(ctx context.Context, sessionID string) error {
	res := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND status = ? AND mobile_exchanged = ?", sessionID, StatusActive, false).
		Update("mobile_exchanged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyConsumed
	}

	return nil
}

// Delete removes every session record for the identity.
func (s *Store) Delete(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Where("did = ?", did).Delete(&Session{}).Error
}

const (
	pendingMaxAge    = 10 * time.Minute
	expiredGracePerd = 7 * 24 * time.Hour
)

// Sweep reclaims abandoned records: pending sessions older than ten minutes
// (a flow dropped mid-redirect leaves one behind) and active sessions whose
// tokens expired past the grace window. Runs from a periodic ticker, never
// inline in the request path.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var purged int64

	res := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, now.Add(-pendingMaxAge)).
		Delete(&Session{})
	if res.Error != nil {
		return purged, res.Error
	}
	purged += res.RowsAffected

	res = s.db.WithContext(ctx).
		Where("status IN ? AND token_expires_at != ? AND token_expires_at < ?",
			[]Status{StatusActive, StatusExpired, StatusRevoked}, time.Time{}, now.Add(-expiredGracePerd)).
		Delete(&Session{})
	if res.Error != nil {
		return purged, res.Error
	}
	purged += res.RowsAffected

	return purged, nil
}
