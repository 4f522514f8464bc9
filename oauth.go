package oauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/waypost-social/waypost-auth/internal/helpers"
)

// Client is a DPoP-bound OAuth client for atproto-style identity providers.
// It holds only the client registration; per-session key material is passed
// in by the caller on every request.
type Client struct {
	h                *http.Client
	clientPrivateKey *ecdsa.PrivateKey
	clientKid        string
	clientId         string
	redirectUri      string
	allowHTTP        bool
}

type ClientArgs struct {
	H           *http.Client
	ClientJwk   jwk.Key
	ClientId    string
	RedirectUri string

	// AllowHTTP disables the https-only check on provider URLs. Never set
	// outside development or tests.
	AllowHTTP bool
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	clientPkey, err := getPrivateKey(args.ClientJwk)
	if err != nil {
		return nil, fmt.Errorf("could not load private key from provided client jwk: %w", err)
	}

	return &Client{
		h:                args.H,
		clientKid:        args.ClientJwk.KeyID(),
		clientPrivateKey: clientPkey,
		clientId:         args.ClientId,
		redirectUri:      args.RedirectUri,
		allowHTTP:        args.AllowHTTP,
	}, nil
}

// ResolvePDSAuthServer looks up the protected-resource document on a PDS and
// returns the base URL of its authorization server. Fails closed on any
// non-200 response or a document listing no servers; no retry.
func (c *Client) ResolvePDSAuthServer(ctx context.Context, pdsUrl string) (string, error) {
	u, err := c.isSafeAndParsed(pdsUrl)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("error creating request for oauth protected resource: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not get response from pds: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: received status %d from pds", ErrDiscoveryFailed, resp.StatusCode)
	}

	var resource ProtectedResource
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return "", fmt.Errorf("%w: could not unmarshal protected resource: %w", ErrDiscoveryFailed, err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: protected resource contained no authorization servers", ErrDiscoveryFailed)
	}

	return resource.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches and validates the authorization server's
// metadata document, yielding the authorization and token endpoints.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, authServerUrl string) (*AuthServerMetadata, error) {
	u, err := c.isSafeAndParsed(authServerUrl)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request to fetch auth metadata: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting response for auth metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: received status %d for auth metadata", ErrDiscoveryFailed, resp.StatusCode)
	}

	var metadata AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal metadata: %w", ErrDiscoveryFailed, err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, err
	}

	return &metadata, nil
}

// Discover performs both discovery lookups for a PDS in sequence.
func (c *Client) Discover(ctx context.Context, pdsUrl string) (*AuthServerMetadata, error) {
	authServer, err := c.ResolvePDSAuthServer(ctx, pdsUrl)
	if err != nil {
		return nil, err
	}

	return c.FetchAuthServerMetadata(ctx, authServer)
}

// ClientAssertionJwt signs the confidential-client assertion presented to
// the auth server alongside token and PAR requests.
func (c *Client) ClientAssertionJwt(authServerUrl string) (string, error) {
	claims := jwt.MapClaims{
		"iss": c.clientId,
		"sub": c.clientId,
		"aud": authServerUrl,
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.clientKid

	return token.SignedString(c.clientPrivateKey)
}

// StartAuthRequest mints a PKCE pair and builds the authorization URL the
// user agent should be redirected to. state is caller-supplied and opaque to
// this client. When the server requires pushed authorization requests the
// parameters are pushed first (DPoP-signed, with nonce retry) and the URL
// carries only client_id and request_uri; otherwise the challenge and state
// ride on the URL itself.
func (c *Client) StartAuthRequest(ctx context.Context, meta *AuthServerMetadata, state, loginHint, scope string, dpopPrivateJwk jwk.Key) (*AuthRequest, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	pkceVerifier, err := helpers.GenerateToken(48)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	codeChallenge := helpers.S256CodeChallenge(pkceVerifier)

	ar := AuthRequest{
		State:         state,
		PkceVerifier:  pkceVerifier,
		CodeChallenge: codeChallenge,
	}

	if !meta.UsesPAR() {
		u, err := url.Parse(meta.AuthorizationEndpoint)
		if err != nil {
			return nil, fmt.Errorf("could not parse authorization endpoint: %w", err)
		}

		params := url.Values{
			"response_type":         {"code"},
			"client_id":             {c.clientId},
			"redirect_uri":          {c.redirectUri},
			"scope":                 {scope},
			"state":                 {state},
			"code_challenge":        {codeChallenge},
			"code_challenge_method": {"S256"},
		}
		if loginHint != "" {
			params.Set("login_hint", loginHint)
		}

		u.RawQuery = params.Encode()
		ar.AuthURL = u.String()

		return &ar, nil
	}

	clientAssertion, err := c.ClientAssertionJwt(meta.Issuer)
	if err != nil {
		return nil, err
	}

	body := PushedAuthRequest{
		ClientID:            c.clientId,
		State:               state,
		RedirectURI:         c.redirectUri,
		Scope:               scope,
		LoginHint:           loginHint,
		ResponseType:        "code",
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: "S256",
		ClientAssertionType: ClientAssertionJWTBearer,
		ClientAssertion:     clientAssertion,
	}

	vals, err := query.Values(body)
	if err != nil {
		return nil, err
	}

	parUrl := meta.PushedAuthorizationRequestEndpoint
	if _, err := c.isSafeAndParsed(parUrl); err != nil {
		return nil, err
	}

	resp, nonce, err := c.doSigned(ctx, signedRequest{
		method:      "POST",
		url:         parUrl,
		body:        []byte(vals.Encode()),
		contentType: "application/x-www-form-urlencoded",
	}, dpopPrivateJwk, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, tokenErrorFromBody(resp.StatusCode, b)
	}

	var parResp struct {
		RequestURI string `json:"request_uri"`
	}
	if err := json.Unmarshal(b, &parResp); err != nil {
		return nil, fmt.Errorf("could not unmarshal par response: %w", err)
	}

	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse authorization endpoint: %w", err)
	}

	u.RawQuery = url.Values{
		"client_id":   {c.clientId},
		"request_uri": {parResp.RequestURI},
	}.Encode()

	ar.AuthURL = u.String()
	ar.RequestURI = parResp.RequestURI
	ar.DpopAuthserverNonce = nonce

	return &ar, nil
}

// InitialTokenRequest exchanges an authorization code for DPoP-bound tokens.
// The token endpoint is re-discovered from the issuer; the request is signed
// with the session key and retried once on a nonce challenge.
func (c *Client) InitialTokenRequest(
	ctx context.Context,
	code,
	authserverIss,
	pkceVerifier,
	dpopAuthserverNonce string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	meta, err := c.FetchAuthServerMetadata(ctx, authserverIss)
	if err != nil {
		return nil, err
	}

	clientAssertion, err := c.ClientAssertionJwt(authserverIss)
	if err != nil {
		return nil, err
	}

	body := InitialTokenRequest{
		ClientID:            c.clientId,
		RedirectURI:         c.redirectUri,
		GrantType:           "authorization_code",
		Code:                code,
		CodeVerifier:        pkceVerifier,
		ClientAssertionType: ClientAssertionJWTBearer,
		ClientAssertion:     clientAssertion,
	}

	return c.tokenRequest(ctx, meta.TokenEndpoint, body, dpopAuthserverNonce, dpopPrivateJwk)
}

// RefreshTokenRequest trades a refresh token for a new token pair, signed
// with the same session key the tokens were originally bound to.
func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	refreshToken,
	authserverIss,
	dpopAuthserverNonce string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	meta, err := c.FetchAuthServerMetadata(ctx, authserverIss)
	if err != nil {
		return nil, err
	}

	clientAssertion, err := c.ClientAssertionJwt(authserverIss)
	if err != nil {
		return nil, err
	}

	body := RefreshTokenRequest{
		ClientID:            c.clientId,
		GrantType:           "refresh_token",
		RefreshToken:        refreshToken,
		ClientAssertionType: ClientAssertionJWTBearer,
		ClientAssertion:     clientAssertion,
	}

	return c.tokenRequest(ctx, meta.TokenEndpoint, body, dpopAuthserverNonce, dpopPrivateJwk)
}

func (c *Client) tokenRequest(ctx context.Context, tokenEndpoint string, body any, nonce string, dpopPrivateJwk jwk.Key) (*TokenResponse, error) {
	vals, err := query.Values(body)
	if err != nil {
		return nil, err
	}

	resp, finalNonce, err := c.doSigned(ctx, signedRequest{
		method:      "POST",
		url:         tokenEndpoint,
		body:        []byte(vals.Encode()),
		contentType: "application/x-www-form-urlencoded",
	}, dpopPrivateJwk, nonce)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, tokenErrorFromBody(resp.StatusCode, b)
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(b, &tokenResponse); err != nil {
		return nil, fmt.Errorf("could not unmarshal token response: %w", err)
	}

	tokenResponse.DpopAuthserverNonce = finalNonce

	return &tokenResponse, nil
}
