package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	oauth "github.com/waypost-social/waypost-auth"
	"github.com/waypost-social/waypost-auth/internal/flow"
)

// handleClientMetadata serves the static client registration document that
// the client_id URL points at.
func (s *Server) handleClientMetadata(e echo.Context) error {
	metadata := map[string]any{
		"client_id":                       s.cfg.ClientID(),
		"client_name":                     "Waypost",
		"client_uri":                      s.cfg.PublicURL,
		"redirect_uris":                   []string{s.cfg.RedirectURI(), s.cfg.MobileRedirectURI()},
		"grant_types":                     []string{"authorization_code", "refresh_token"},
		"response_types":                  []string{"code"},
		"scope":                           flow.Scope,
		"application_type":                "web",
		"token_endpoint_auth_method":      "private_key_jwt",
		"token_endpoint_auth_signing_alg": "ES256",
		"dpop_bound_access_tokens":        true,
		"jwks_uri":                        s.cfg.JwksURI(),
	}

	return e.JSON(http.StatusOK, metadata)
}

func (s *Server) handleJwks(e echo.Context) error {
	return e.JSON(http.StatusOK, oauth.CreateJwksResponseObject(s.pubJwk))
}
