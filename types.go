package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
)

const ClientAssertionJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
	ErrDiscoveryFailed           = errors.New("oauth discovery failed")
)

// ProtectedResource is the document served by a PDS at
// /.well-known/oauth-protected-resource.
type ProtectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
}

// AuthServerMetadata is the authorization server's own metadata document,
// served at /.well-known/oauth-authorization-server.
type AuthServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// UsesPAR reports whether the auth server demands pushed authorization
// requests instead of plain authorization URL parameters.
func (m *AuthServerMetadata) UsesPAR() bool {
	return m.RequirePushedAuthorizationRequests && m.PushedAuthorizationRequestEndpoint != ""
}

// Validate fails closed on any metadata document missing the parts of the
// protocol this client depends on. fetchURL is the URL the document was
// retrieved from; the issuer must live on the same host.
func (m *AuthServerMetadata) Validate(fetchURL *url.URL) error {
	if fetchURL == nil {
		return fmt.Errorf("%w: fetch url was nil", ErrInvalidAuthServerMetadata)
	}

	if m.Issuer == "" {
		return fmt.Errorf("%w: issuer is empty", ErrInvalidAuthServerMetadata)
	}

	iu, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: issuer is not a url: %w", ErrInvalidAuthServerMetadata, err)
	}

	if iu.Hostname() != fetchURL.Hostname() {
		return fmt.Errorf("%w: issuer hostname does not match fetch url hostname", ErrInvalidAuthServerMetadata)
	}

	if iu.RawQuery != "" || iu.Fragment != "" {
		return fmt.Errorf("%w: issuer url has query or fragment", ErrInvalidAuthServerMetadata)
	}

	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: authorization_endpoint is empty", ErrInvalidAuthServerMetadata)
	}

	if m.TokenEndpoint == "" {
		return fmt.Errorf("%w: token_endpoint is empty", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: `code` is not in response_types_supported", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: `authorization_code` is not in grant_types_supported", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.GrantTypesSupported, "refresh_token") {
		return fmt.Errorf("%w: `refresh_token` is not in grant_types_supported", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: `S256` is not in code_challenge_methods_supported", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.DpopSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: `ES256` is not in dpop_signing_alg_values_supported", ErrInvalidAuthServerMetadata)
	}

	if m.RequirePushedAuthorizationRequests && m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("%w: pushed authorization required but endpoint is empty", ErrInvalidAuthServerMetadata)
	}

	return nil
}

// PushedAuthRequest is the form body for a PAR request.
type PushedAuthRequest struct {
	ClientID            string `url:"client_id"`
	State               string `url:"state"`
	RedirectURI         string `url:"redirect_uri"`
	Scope               string `url:"scope"`
	LoginHint           string `url:"login_hint,omitempty"`
	ResponseType        string `url:"response_type"`
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
}

// InitialTokenRequest is the form body for the authorization-code exchange.
type InitialTokenRequest struct {
	ClientID            string `url:"client_id"`
	RedirectURI         string `url:"redirect_uri"`
	GrantType           string `url:"grant_type"`
	Code                string `url:"code"`
	CodeVerifier        string `url:"code_verifier"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
}

// RefreshTokenRequest is the form body for a refresh grant.
type RefreshTokenRequest struct {
	ClientID            string `url:"client_id"`
	GrantType           string `url:"grant_type"`
	RefreshToken        string `url:"refresh_token"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
}

// AuthRequest is everything the caller must persist to finish an
// authorization flow after the provider redirect.
type AuthRequest struct {
	State               string
	AuthURL             string
	PkceVerifier        string
	CodeChallenge       string
	RequestURI          string
	DpopAuthserverNonce string
}

// TokenResponse is the auth server's reply to both the initial exchange and
// refresh requests.
type TokenResponse struct {
	Sub          string `json:"sub"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`

	// server nonce in effect after the request, for the caller to persist
	DpopAuthserverNonce string `json:"-"`
}

// TokenError is a non-2xx reply from a token or PAR endpoint.
type TokenError struct {
	StatusCode       int    `json:"-"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e *TokenError) Error() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("oauth provider error (HTTP %d): %s: %s", e.StatusCode, e.ErrorCode, e.ErrorDescription)
	}
	return fmt.Sprintf("oauth provider error (HTTP %d): %s", e.StatusCode, e.ErrorCode)
}

func tokenErrorFromBody(status int, b []byte) *TokenError {
	te := TokenError{StatusCode: status}
	if err := json.Unmarshal(b, &te); err != nil || te.ErrorCode == "" {
		te.ErrorCode = "unknown_error"
	}
	return &te
}
