// Package flow drives the PKCE-protected authorization-code flow for both
// web and mobile callers, from handle resolution through token exchange and
// refresh. All cross-call state lives in the session store; the manager
// itself is stateless and safe for concurrent use.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	oauth "github.com/waypost-social/waypost-auth"
	"github.com/waypost-social/waypost-auth/internal/helpers"
	"github.com/waypost-social/waypost-auth/internal/identity"
	"github.com/waypost-social/waypost-auth/internal/store"
)

// Scope is the only scope this app requests.
const Scope = "atproto transition:generic"

type ClientKind string

const (
	KindWeb    ClientKind = "web"
	KindMobile ClientKind = "mobile"
)

var (
	ErrStateRejected       = errors.New("state token rejected")
	ErrPKCEMismatch        = errors.New("pkce verifier does not match stored challenge")
	ErrScopeMismatch       = errors.New("provider granted unexpected scopes")
	ErrMissingMobilePKCE   = errors.New("mobile flow requires a code challenge")
	ErrAuthRequestFailed   = errors.New("authenticated request failed")
	ErrSessionNotExchanged = errors.New("session is not ready for exchange")
)

type Manager struct {
	client       *oauth.Client
	mobileClient *oauth.Client
	resolver     *identity.Resolver
	store        *store.Store
	stateSecret  []byte
	logger       *slog.Logger

	refreshGroup singleflight.Group
}

type ManagerArgs struct {
	// Client handles the web flow. MobileClient, when set, is an identically
	// keyed client registered with the mobile callback redirect URI; it
	// defaults to Client.
	Client       *oauth.Client
	MobileClient *oauth.Client
	Resolver     *identity.Resolver
	Store        *store.Store
	StateSecret  []byte
	Logger       *slog.Logger
}

func NewManager(args ManagerArgs) (*Manager, error) {
	if args.Client == nil || args.Resolver == nil || args.Store == nil {
		return nil, fmt.Errorf("flow manager requires a client, resolver, and store")
	}

	if len(args.StateSecret) < 32 {
		return nil, fmt.Errorf("state secret must be at least 32 bytes")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.MobileClient == nil {
		args.MobileClient = args.Client
	}

	return &Manager{
		client:       args.Client,
		mobileClient: args.MobileClient,
		resolver:     args.Resolver,
		store:        args.Store,
		stateSecret:  args.StateSecret,
		logger:       args.Logger,
	}, nil
}

type StartResult struct {
	AuthURL   string
	SessionID string
}

// Start begins an authorization flow: resolves the identifier, discovers the
// PDS's auth server, mints a PKCE pair and a fresh DPoP key, persists a
// pending session holding the verifier, and returns the authorization URL.
// Mobile callers must supply their own second PKCE challenge, stored for the
// later token exchange.
func (m *Manager) Start(ctx context.Context, identifier string, kind ClientKind, mobileChallenge string) (*StartResult, error) {
	if kind == KindMobile && mobileChallenge == "" {
		return nil, ErrMissingMobilePKCE
	}

	client := m.clientFor(kind)

	ident, err := m.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	authserver, err := client.ResolvePDSAuthServer(ctx, ident.PdsUrl)
	if err != nil {
		return nil, err
	}

	meta, err := client.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return nil, err
	}

	dpopPrivateKey, err := oauth.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	dpopPrivateKeyJson, err := json.Marshal(dpopPrivateKey)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()

	state, err := m.encodeState(sessionID, ident.Did, ident.Handle, ident.PdsUrl, kind)
	if err != nil {
		return nil, err
	}

	loginHint := ident.Handle
	if loginHint == "" {
		loginHint = ident.Did
	}

	authReq, err := client.StartAuthRequest(ctx, meta, state, loginHint, Scope, dpopPrivateKey)
	if err != nil {
		return nil, err
	}

	sess := store.Session{
		SessionID:           sessionID,
		Did:                 ident.Did,
		Handle:              ident.Handle,
		PdsUrl:              ident.PdsUrl,
		AuthserverIss:       meta.Issuer,
		ClientKind:          string(kind),
		PkceVerifier:        authReq.PkceVerifier,
		MobileCodeChallenge: mobileChallenge,
		DpopAuthserverNonce: authReq.DpopAuthserverNonce,
		DpopPrivateJwk:      string(dpopPrivateKeyJson),
	}

	if err := m.store.CreatePending(ctx, &sess); err != nil {
		return nil, err
	}

	m.logger.Info("auth flow started",
		"did", ident.Did, "pds", ident.PdsUrl, "kind", kind, "sessionID", sessionID)

	return &StartResult{
		AuthURL:   authReq.AuthURL,
		SessionID: sessionID,
	}, nil
}

// CompleteCallback finishes a flow after the provider redirect: decodes and
// age-checks the state token, loads the pending session it references,
// exchanges the code with a DPoP-signed token request, and activates the
// session. A state token that cannot be decoded, references a session not in
// pending status, or has expired fails the flow; it never starts a new one.
func (m *Manager) CompleteCallback(ctx context.Context, code, state, iss string) (*store.Session, error) {
	claims, err := m.decodeState(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateRejected, err)
	}

	sess, err := m.store.GetBySessionID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateRejected, err)
	}

	if sess.Status != store.StatusPending {
		return nil, fmt.Errorf("%w: session is %s, not pending", ErrStateRejected, sess.Status)
	}

	if sess.ClientKind != claims.ClientKind {
		return nil, fmt.Errorf("%w: client kind mismatch", ErrStateRejected)
	}

	if iss != "" && iss != sess.AuthserverIss {
		return nil, fmt.Errorf("%w: issuer does not match pending session", ErrStateRejected)
	}

	privateJwk, err := oauth.ParseKeyFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	tokenResp, err := m.clientFor(ClientKind(sess.ClientKind)).InitialTokenRequest(ctx, code, sess.AuthserverIss, sess.PkceVerifier, sess.DpopAuthserverNonce, privateJwk)
	if err != nil {
		return nil, err
	}

	if tokenResp.Scope != Scope {
		return nil, ErrScopeMismatch
	}

	// a flow started from a bare handle learns the did from the provider
	if sess.Did == "" {
		sess.Did = tokenResp.Sub
	}

	sess.AccessToken = tokenResp.AccessToken
	sess.RefreshToken = tokenResp.RefreshToken
	sess.DpopAuthserverNonce = tokenResp.DpopAuthserverNonce
	sess.TokenExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	if err := m.store.Activate(ctx, sess); err != nil {
		return nil, err
	}

	sess.Status = store.StatusActive
	sess.PkceVerifier = ""

	m.logger.Info("auth flow completed", "did", sess.Did, "sessionID", sess.SessionID)

	return sess, nil
}

// MobileExchange releases the session's tokens to a mobile client that can
// prove possession of the PKCE verifier matching the challenge supplied at
// flow start. The comparison is constant-time and the exchange is
// single-use: a second attempt with the same session id fails even with the
// right verifier.
func (m *Manager) MobileExchange(ctx context.Context, sessionID, codeVerifier string) (*store.Session, error) {
	sess, err := m.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status != store.StatusActive || sess.ClientKind != string(KindMobile) {
		return nil, ErrSessionNotExchanged
	}

	if sess.MobileCodeChallenge == "" || !helpers.ChallengeMatches(codeVerifier, sess.MobileCodeChallenge) {
		return nil, ErrPKCEMismatch
	}

	if err := m.store.ConsumeMobileExchange(ctx, sessionID); err != nil {
		return nil, err
	}

	return sess, nil
}

// Refresh rotates the session's tokens with the same stored DPoP key. The
// token endpoint is re-discovered from the record's PDS URL; endpoints are
// not assumed durable. Concurrent refreshes for one DID are collapsed to a
// single in-flight request, and the persisted update is a compare-and-swap:
// a writer that lost anyway reloads and returns the winner's record.
func (m *Manager) Refresh(ctx context.Context, sess *store.Session) (*store.Session, error) {
	v, err, _ := m.refreshGroup.Do(sess.Did, func() (any, error) {
		return m.refreshLocked(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	return v.(*store.Session), nil
}

func (m *Manager) clientFor(kind ClientKind) *oauth.Client {
	if kind == KindMobile {
		return m.mobileClient
	}
	return m.client
}

func (m *Manager) refreshLocked(ctx context.Context, sess *store.Session) (*store.Session, error) {
	client := m.clientFor(ClientKind(sess.ClientKind))

	authserver, err := client.ResolvePDSAuthServer(ctx, sess.PdsUrl)
	if err != nil {
		return nil, err
	}

	privateJwk, err := oauth.ParseKeyFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	tokenResp, err := client.RefreshTokenRequest(ctx, sess.RefreshToken, authserver, sess.DpopAuthserverNonce, privateJwk)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	err = m.store.UpdateTokens(ctx, sess.SessionID, sess.RefreshToken,
		tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.DpopAuthserverNonce, expiresAt)
	if errors.Is(err, store.ErrRefreshRaceLost) {
		m.logger.Warn("lost refresh race, reloading session", "did", sess.Did)
		return m.store.GetBySessionID(ctx, sess.SessionID)
	}
	if err != nil {
		return nil, err
	}

	sess.AccessToken = tokenResp.AccessToken
	sess.RefreshToken = tokenResp.RefreshToken
	sess.DpopAuthserverNonce = tokenResp.DpopAuthserverNonce
	sess.TokenExpiresAt = expiresAt

	m.logger.Info("session refreshed", "did", sess.Did, "sessionID", sess.SessionID)

	return sess, nil
}

// AuthedRequest signs and sends a request to the user's PDS on behalf of the
// identity. A response demonstrating token expiry triggers exactly one
// refresh-and-retry of the original request; refresh failure surfaces as an
// authentication failure. The caller owns the returned response body.
func (m *Manager) AuthedRequest(ctx context.Context, did, method, requestUrl string, headers map[string]string, body []byte) (*oauth.AuthedResponse, error) {
	sess, err := m.store.GetActiveByDid(ctx, did)
	if err != nil {
		return nil, err
	}

	// tokens already known to be expired are refreshed up front
	if !sess.TokenExpiresAt.IsZero() && time.Now().After(sess.TokenExpiresAt) {
		sess, err = m.Refresh(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthRequestFailed, err)
		}
	}

	resp, err := m.sendAuthed(ctx, sess, method, requestUrl, headers, body)
	if err != nil {
		return nil, err
	}

	if !oauth.IsExpiredTokenResp(resp.Resp) {
		return resp, nil
	}
	resp.Resp.Body.Close()

	sess, err = m.Refresh(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthRequestFailed, err)
	}

	return m.sendAuthed(ctx, sess, method, requestUrl, headers, body)
}

func (m *Manager) sendAuthed(ctx context.Context, sess *store.Session, method, requestUrl string, headers map[string]string, body []byte) (*oauth.AuthedResponse, error) {
	privateJwk, err := oauth.ParseKeyFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	resp, err := m.clientFor(ClientKind(sess.ClientKind)).AuthedRequest(ctx, &oauth.AuthedRequestArgs{
		Did:            sess.Did,
		AccessToken:    sess.AccessToken,
		PdsUrl:         sess.PdsUrl,
		DpopPdsNonce:   sess.DpopPdsNonce,
		DpopPrivateJwk: privateJwk,
	}, method, requestUrl, headers, body)
	if err != nil {
		return nil, err
	}

	if resp.DpopPdsNonce != sess.DpopPdsNonce {
		if err := m.store.UpdatePdsNonce(ctx, sess.SessionID, resp.DpopPdsNonce); err != nil {
			m.logger.Warn("could not persist pds nonce", "did", sess.Did, "err", err)
		}
		sess.DpopPdsNonce = resp.DpopPdsNonce
	}

	return resp, nil
}

// GetSession returns the active session for an identity, refreshing first if
// the tokens are already past expiry. This is the "validated session for
// bearer identity X" contract the rest of the application consumes.
func (m *Manager) GetSession(ctx context.Context, did string) (*store.Session, error) {
	sess, err := m.store.GetActiveByDid(ctx, did)
	if err != nil {
		return nil, err
	}

	if !sess.TokenExpiresAt.IsZero() && time.Now().After(sess.TokenExpiresAt) {
		return m.Refresh(ctx, sess)
	}

	return sess, nil
}

// Logout removes the identity's session records.
func (m *Manager) Logout(ctx context.Context, did string) error {
	m.logger.Info("logging out", "did", did)
	return m.store.Delete(ctx, did)
}

// RunSweeper periodically purges abandoned pending sessions and long-expired
// active ones until the context is canceled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := m.store.Sweep(ctx, time.Now())
			if err != nil {
				m.logger.Error("session sweep failed", "err", err)
				continue
			}
			if purged > 0 {
				m.logger.Info("session sweep", "purged", purged)
			}
		}
	}
}
