package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/waypost-social/waypost-auth/internal/flow"
	"github.com/waypost-social/waypost-auth/internal/store"
)

type mobileStartRequest struct {
	Handle        string `json:"handle"`
	CodeChallenge string `json:"code_challenge"`
}

type mobileStartResponse struct {
	AuthUrl   string `json:"authUrl"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleMobileStart(e echo.Context) error {
	var req mobileStartRequest
	if err := e.Bind(&req); err != nil || req.Handle == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "handle is required"})
	}

	if req.CodeChallenge == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "code_challenge is required"})
	}

	res, err := s.flow.Start(e.Request().Context(), req.Handle, flow.KindMobile, req.CodeChallenge)
	if err != nil {
		s.logger.Warn("mobile flow start failed", "handle", req.Handle, "err", err)
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "could not start auth flow"})
	}

	return e.JSON(http.StatusOK, mobileStartResponse{
		AuthUrl:   res.AuthURL,
		SessionID: res.SessionID,
	})
}

// handleMobileCallback finishes the provider leg of a mobile flow and hands
// the app an opaque session id over its custom URL scheme. Raw tokens never
// cross the redirect channel; the app trades the session id plus its PKCE
// verifier for them at the exchange endpoint.
func (s *Server) handleMobileCallback(e echo.Context) error {
	if provErr := e.QueryParam("error"); provErr != "" {
		return s.redirectToApp(e, url.Values{
			"error":             {provErr},
			"error_description": {e.QueryParam("error_description")},
		})
	}

	code := e.QueryParam("code")
	state := e.QueryParam("state")
	iss := e.QueryParam("iss")

	if code == "" || state == "" {
		return s.redirectToApp(e, url.Values{
			"error":             {"invalid_callback"},
			"error_description": {"callback is missing required parameters"},
		})
	}

	sess, err := s.flow.CompleteCallback(e.Request().Context(), code, state, iss)
	if err != nil {
		s.logger.Warn("mobile callback failed", "err", err)

		code := "auth_failed"
		if errors.Is(err, flow.ErrStateRejected) {
			code = "state_rejected"
		}

		return s.redirectToApp(e, url.Values{
			"error":             {code},
			"error_description": {"login could not be completed, please try again"},
		})
	}

	return s.redirectToApp(e, url.Values{
		"session_id": {sess.SessionID},
	})
}

type mobileExchangeRequest struct {
	SessionID    string `json:"session_id"`
	CodeVerifier string `json:"code_verifier"`
}

type mobileExchangeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Did          string `json:"did"`
	Handle       string `json:"handle"`
	PdsUrl       string `json:"pds_url"`
}

// handleMobileTokenExchange releases tokens to the app once it proves
// possession of the verifier for the challenge supplied at flow start.
// Possession of the session id alone is insufficient, which is the defense
// against custom-scheme redirect interception.
func (s *Server) handleMobileTokenExchange(e echo.Context) error {
	var req mobileExchangeRequest
	if err := e.Bind(&req); err != nil || req.SessionID == "" || req.CodeVerifier == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "session_id and code_verifier are required"})
	}

	sess, err := s.flow.MobileExchange(e.Request().Context(), req.SessionID, req.CodeVerifier)
	if err != nil {
		s.logger.Warn("mobile token exchange failed", "sessionID", req.SessionID, "err", err)

		code := "invalid_request"
		switch {
		case errors.Is(err, flow.ErrPKCEMismatch):
			code = "pkce_mismatch"
		case errors.Is(err, store.ErrAlreadyConsumed):
			code = "session_consumed"
		case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, flow.ErrSessionNotExchanged):
			code = "unknown_session"
		}

		return e.JSON(http.StatusBadRequest, map[string]string{"error": code})
	}

	expiresIn := int64(time.Until(sess.TokenExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	return e.JSON(http.StatusOK, mobileExchangeResponse{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresIn:    expiresIn,
		Did:          sess.Did,
		Handle:       sess.Handle,
		PdsUrl:       sess.PdsUrl,
	})
}

func (s *Server) redirectToApp(e echo.Context, params url.Values) error {
	target := fmt.Sprintf("%s://auth?%s", s.cfg.MobileScheme, params.Encode())
	return s.renderAppRedirect(e, target)
}
