package flow

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrStateInvalid = errors.New("state token is invalid")
	ErrStateExpired = errors.New("state token has expired")
)

// stateMaxAge bounds how long a redirect round-trip may take.
const stateMaxAge = 5 * time.Minute

// stateClaims is the self-describing payload round-tripped through the
// provider redirect. It references the pending session by id; the PKCE
// verifier itself never leaves the server.
type stateClaims struct {
	jwt.RegisteredClaims

	SessionID  string `json:"sid"`
	Did        string `json:"did"`
	Handle     string `json:"handle"`
	PdsUrl     string `json:"pds"`
	ClientKind string `json:"kind"`
}

func (m *Manager) encodeState(sessionID, did, handle, pdsUrl string, kind ClientKind) (string, error) {
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		SessionID:  sessionID,
		Did:        did,
		Handle:     handle,
		PdsUrl:     pdsUrl,
		ClientKind: string(kind),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.stateSecret)
}

func (m *Manager) decodeState(state string) (*stateClaims, error) {
	var claims stateClaims

	token, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected state signing method: %v", t.Header["alg"])
		}
		return m.stateSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrStateInvalid
	}

	if claims.IssuedAt == nil || claims.SessionID == "" {
		return nil, ErrStateInvalid
	}

	if time.Since(claims.IssuedAt.Time) > stateMaxAge {
		return nil, ErrStateExpired
	}

	return &claims, nil
}
