// Package testutil provides an in-process fake PDS and authorization server
// implementing just enough of the DPoP-bound OAuth protocol for tests:
// discovery documents, PKCE-checked code exchange, refresh grants,
// nonce challenges, and a token-guarded resource endpoint.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type codeInfo struct {
	challenge   string
	redirectURI string
	state       string
}

// Provider is a combined fake PDS + authorization server. Zero value is not
// usable; construct with NewProvider and Close when done.
type Provider struct {
	Server *httptest.Server
	URL    string

	// identity served by this fake PDS
	Did    string
	Handle string

	// scope echoed in token responses
	Scope     string
	ExpiresIn int64

	// RequireNonce makes the token endpoint demand CurrentNonce in proofs.
	RequireNonce bool
	CurrentNonce string

	// AlwaysChallenge makes every token request fail with use_dpop_nonce,
	// regardless of the proof, to verify the client gives up after one retry.
	AlwaysChallenge bool

	// UsePAR switches the metadata document to require pushed requests.
	UsePAR bool

	mu              sync.Mutex
	codes           map[string]codeInfo
	parRequests     map[string]codeInfo
	refreshTokens   map[string]bool
	expiredAccess   map[string]bool
	validAccess     map[string]bool
	TokenRequests   int
	RefreshRequests int
	NonceRejections int
	ResourceCalls   int
}

func NewProvider(did, handle string) *Provider {
	p := &Provider{
		Did:           did,
		Handle:        handle,
		Scope:         "atproto transition:generic",
		ExpiresIn:     3600,
		codes:         make(map[string]codeInfo),
		parRequests:   make(map[string]codeInfo),
		refreshTokens: make(map[string]bool),
		expiredAccess: make(map[string]bool),
		validAccess:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", p.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", p.handleMetadata)
	mux.HandleFunc("/par", p.handlePAR)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/xrpc/", p.handleResource)
	mux.HandleFunc("/", p.handlePlcDirectory)

	p.Server = httptest.NewServer(mux)
	p.URL = p.Server.URL

	return p
}

func (p *Provider) Close() {
	p.Server.Close()
}

func (p *Provider) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              p.URL,
		"authorization_servers": []string{p.URL},
	})
}

func (p *Provider) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                 p.URL,
		"authorization_endpoint":                 p.URL + "/authorize",
		"token_endpoint":                         p.URL + "/token",
		"pushed_authorization_request_endpoint":  p.URL + "/par",
		"require_pushed_authorization_requests":  p.UsePAR,
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":       []string{"S256"},
		"token_endpoint_auth_methods_supported":  []string{"none", "private_key_jwt"},
		"dpop_signing_alg_values_supported":      []string{"ES256"},
		"scopes_supported":                       []string{"atproto"},
		"authorization_response_iss_parameter_supported": true,
	})
}

// handlePlcDirectory fakes plc.directory: GET /<did> returns a DID document
// whose PDS service points back at this server.
func (p *Provider) handlePlcDirectory(w http.ResponseWriter, r *http.Request) {
	did := strings.TrimPrefix(r.URL.Path, "/")
	if did != p.Did {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "did not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id": p.Did,
		"service": []map[string]string{
			{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": p.URL,
			},
		},
	})
}

// Authorize plays the user's part of the flow: given the authorization URL
// the client produced, it records an issued code bound to the request's PKCE
// challenge and returns the code and state for the callback.
func (p *Provider) Authorize(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}

	q := u.Query()
	if q.Get("client_id") == "" {
		return "", "", fmt.Errorf("authorization url missing client_id")
	}

	var info codeInfo
	state = q.Get("state")

	if requestURI := q.Get("request_uri"); requestURI != "" {
		p.mu.Lock()
		stored, ok := p.parRequests[requestURI]
		p.mu.Unlock()
		if !ok {
			return "", "", fmt.Errorf("unknown request_uri %q", requestURI)
		}
		// with PAR the state travels inside the pushed request
		return p.issueCode(stored), stored.state, nil
	}

	if q.Get("code_challenge") == "" || state == "" {
		return "", "", fmt.Errorf("authorization url missing code_challenge or state")
	}

	info = codeInfo{
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
	}

	return p.issueCode(info), state, nil
}

func (p *Provider) issueCode(info codeInfo) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	code := "code-" + uuid.NewString()
	p.codes[code] = info
	return code
}

func (p *Provider) handlePAR(w http.ResponseWriter, r *http.Request) {
	if !p.checkProofNonce(w, r) {
		return
	}

	r.ParseForm()

	p.mu.Lock()
	defer p.mu.Unlock()

	requestURI := "urn:ietf:params:oauth:request_uri:" + uuid.NewString()
	p.parRequests[requestURI] = codeInfo{
		challenge:   r.FormValue("code_challenge"),
		redirectURI: r.FormValue("redirect_uri"),
		state:       r.FormValue("state"),
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  60,
	})
}

// checkProofNonce enforces the DPoP nonce-challenge protocol for a request.
// Returns false when a challenge response was already written.
func (p *Provider) checkProofNonce(w http.ResponseWriter, r *http.Request) bool {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return false
	}

	if p.AlwaysChallenge {
		p.mu.Lock()
		p.NonceRejections++
		p.mu.Unlock()
		w.Header().Set("DPoP-Nonce", "server-nonce-"+uuid.NewString())
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return false
	}

	if !p.RequireNonce {
		return true
	}

	claims := proofClaims(proof)
	if claims["nonce"] != p.CurrentNonce {
		p.mu.Lock()
		p.NonceRejections++
		p.mu.Unlock()
		w.Header().Set("DPoP-Nonce", p.CurrentNonce)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return false
	}

	return true
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.TokenRequests++
	p.mu.Unlock()

	if !p.checkProofNonce(w, r) {
		return
	}

	r.ParseForm()

	switch r.FormValue("grant_type") {
	case "authorization_code":
		p.mu.Lock()
		info, ok := p.codes[r.FormValue("code")]
		delete(p.codes, r.FormValue("code"))
		p.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		verifier := r.FormValue("code_verifier")
		if s256(verifier) != info.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
			return
		}

		p.writeTokens(w)

	case "refresh_token":
		p.mu.Lock()
		p.RefreshRequests++
		ok := p.refreshTokens[r.FormValue("refresh_token")]
		delete(p.refreshTokens, r.FormValue("refresh_token"))
		p.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		p.writeTokens(w)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *Provider) writeTokens(w http.ResponseWriter) {
	p.mu.Lock()
	access := "at-" + uuid.NewString()
	refresh := "rt-" + uuid.NewString()
	p.refreshTokens[refresh] = true
	p.validAccess[access] = true
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"sub":           p.Did,
		"scope":         p.Scope,
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "DPoP",
		"expires_in":    p.ExpiresIn,
	})
}

// ExpireAccessTokens marks every outstanding access token invalid, so the
// next resource call demonstrates expiry.
func (p *Provider) ExpireAccessTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tok := range p.validAccess {
		p.expiredAccess[tok] = true
	}
}

func (p *Provider) handleResource(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.ResourceCalls++
	p.mu.Unlock()

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "DPoP ")
	if !ok || r.Header.Get("DPoP") == "" {
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_request"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	expired := p.expiredAccess[token]
	valid := p.validAccess[token]
	p.mu.Unlock()

	if expired || !valid {
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"did": p.Did, "handle": p.Handle})
}

func proofClaims(proof string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	_, _, _ = parser.ParseUnverified(proof, claims)
	return claims
}

func s256(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
