package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/waypost-social/waypost-auth"
	"github.com/waypost-social/waypost-auth/internal/config"
	"github.com/waypost-social/waypost-auth/internal/flow"
	"github.com/waypost-social/waypost-auth/internal/helpers"
	"github.com/waypost-social/waypost-auth/internal/identity"
	"github.com/waypost-social/waypost-auth/internal/server"
	"github.com/waypost-social/waypost-auth/internal/store"
	"github.com/waypost-social/waypost-auth/internal/testutil"
)

type harness struct {
	p   *testutil.Provider
	srv *server.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	p := testutil.NewProvider("did:plc:waypost3fz5vkkwyuyadvertest", "alice.example")
	t.Cleanup(p.Close)

	cfg := &config.Config{
		ListenAddr:   ":0",
		PublicURL:    "http://localhost",
		StateSecret:  "0123456789abcdef0123456789abcdef",
		CookieSecret: "another-32-byte-cookie-secret!!!",
		MobileScheme: "waypost",
		AllowHTTP:    true,
	}

	clientKey, err := oauth.GenerateKey(nil)
	require.NoError(t, err)

	client, err := oauth.NewClient(oauth.ClientArgs{
		H:           p.Server.Client(),
		ClientJwk:   clientKey,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.RedirectURI(),
		AllowHTTP:   true,
	})
	require.NoError(t, err)

	mobileClient, err := oauth.NewClient(oauth.ClientArgs{
		H:           p.Server.Client(),
		ClientJwk:   clientKey,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.MobileRedirectURI(),
		AllowHTTP:   true,
	})
	require.NoError(t, err)

	resolver := identity.NewResolver(p.Server.Client())
	resolver.PlcDirectoryUrl = p.URL

	st, err := store.NewSqlite(":memory:")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := flow.NewManager(flow.ManagerArgs{
		Client:       client,
		MobileClient: mobileClient,
		Resolver:     resolver,
		Store:        st,
		StateSecret:  []byte(cfg.StateSecret),
		Logger:       logger,
	})
	require.NoError(t, err)

	srv, err := server.New(server.ServerArgs{
		Flow:      mgr,
		Cfg:       cfg,
		ClientJwk: clientKey,
		Logger:    logger,
	})
	require.NoError(t, err)

	return &harness{p: p, srv: srv}
}

func (h *harness) do(t *testing.T, method, target, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	h.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestClientMetadata(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	rec := h.do(t, "GET", "/client-metadata.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeJSON(t, rec)
	assert.Equal("http://localhost/client-metadata.json", doc["client_id"])
	assert.Equal(true, doc["dpop_bound_access_tokens"])
	assert.Equal("private_key_jwt", doc["token_endpoint_auth_method"])
	assert.Equal(flow.Scope, doc["scope"])
	assert.ElementsMatch([]any{
		"http://localhost/oauth/callback",
		"http://localhost/oauth/mobile-callback",
	}, doc["redirect_uris"])
}

func TestJwksServesPublicKeyOnly(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	rec := h.do(t, "GET", "/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeJSON(t, rec)
	keys, ok := doc["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)

	key := keys[0].(map[string]any)
	assert.Equal("EC", key["kty"])
	assert.NotContains(key, "d", "private material must never be served")
}

func TestStartRequiresHandle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/auth/start", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// webLogin drives the full browser flow and returns the session cookies.
func (h *harness) webLogin(t *testing.T) []*http.Cookie {
	t.Helper()

	rec := h.do(t, "POST", "/api/auth/start", `{"handle":"`+h.p.Did+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	authUrl, _ := decodeJSON(t, rec)["authUrl"].(string)
	require.NotEmpty(t, authUrl)

	code, state, err := h.p.Authorize(authUrl)
	require.NoError(t, err)

	cb := "/oauth/callback?" + url.Values{
		"code":  {code},
		"state": {state},
		"iss":   {h.p.URL},
	}.Encode()

	rec = h.do(t, "GET", cb, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestWebLoginRoundTrip(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	cookies := h.webLogin(t)

	rec := h.do(t, "GET", "/api/auth/session", "", cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	info := decodeJSON(t, rec)
	assert.Equal(h.p.Did, info["did"])
	assert.Equal(h.p.URL, info["pds_url"])
}

func TestSessionRequiresAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/api/auth/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackProviderError(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	rec := h.do(t, "GET", "/oauth/callback?error=access_denied&error_description=user+said+no", "", nil)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Contains(rec.Body.String(), "Sign-in failed")
	assert.Contains(rec.Body.String(), "user said no")
}

func TestCallbackRejectsForgedState(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/oauth/callback?code=whatever&state=not-a-real-state", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired or was invalid")
}

func TestLogout(t *testing.T) {
	h := newHarness(t)

	cookies := h.webLogin(t)

	rec := h.do(t, "POST", "/api/auth/logout", `{"did":"`+h.p.Did+`"}`, cookies)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/api/auth/session", "", cookies)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

var sessionIDRe = regexp.MustCompile(`session_id=([0-9a-f-]+)`)

func TestMobileFlow(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	verifier, err := helpers.GenerateToken(32)
	require.NoError(t, err)
	challenge := helpers.S256CodeChallenge(verifier)

	rec := h.do(t, "POST", "/api/auth/mobile-start",
		`{"handle":"`+h.p.Did+`","code_challenge":"`+challenge+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	start := decodeJSON(t, rec)
	authUrl, _ := start["authUrl"].(string)
	require.NotEmpty(t, authUrl)
	assert.NotEmpty(start["session_id"])

	code, state, err := h.p.Authorize(authUrl)
	require.NoError(t, err)

	cb := "/oauth/mobile-callback?" + url.Values{
		"code":  {code},
		"state": {state},
		"iss":   {h.p.URL},
	}.Encode()

	rec = h.do(t, "GET", cb, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "waypost://auth?")

	m := sessionIDRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "redirect page must carry the session id")
	sessionID := m[1]
	assert.Equal(start["session_id"], sessionID)
	assert.NotContains(rec.Body.String(), "access_token", "raw tokens never cross the redirect channel")

	// wrong verifier
	rec = h.do(t, "POST", "/api/auth/mobile-token-exchange",
		`{"session_id":"`+sessionID+`","code_verifier":"wrong"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal("pkce_mismatch", decodeJSON(t, rec)["error"])

	// right verifier releases the tokens
	rec = h.do(t, "POST", "/api/auth/mobile-token-exchange",
		`{"session_id":"`+sessionID+`","code_verifier":"`+verifier+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tokens := decodeJSON(t, rec)
	assert.NotEmpty(tokens["access_token"])
	assert.NotEmpty(tokens["refresh_token"])
	assert.Equal(h.p.Did, tokens["did"])
	assert.Equal(h.p.URL, tokens["pds_url"])

	// second exchange is refused
	rec = h.do(t, "POST", "/api/auth/mobile-token-exchange",
		`{"session_id":"`+sessionID+`","code_verifier":"`+verifier+`"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal("session_consumed", decodeJSON(t, rec)["error"])
}

func TestMobileExchangeUnknownSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/auth/mobile-token-exchange",
		`{"session_id":"nope","code_verifier":"nope"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_session", decodeJSON(t, rec)["error"])
}

func TestMobileStartRequiresChallenge(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/auth/mobile-start", `{"handle":"alice.example"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
