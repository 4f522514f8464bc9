package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	"github.com/waypost-social/waypost-auth/internal/flow"
	"github.com/waypost-social/waypost-auth/internal/store"
)

type startRequest struct {
	Handle string `json:"handle"`
}

type startResponse struct {
	AuthUrl string `json:"authUrl"`
}

func (s *Server) handleStart(e echo.Context) error {
	var req startRequest
	if err := e.Bind(&req); err != nil || req.Handle == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "handle is required"})
	}

	res, err := s.flow.Start(e.Request().Context(), req.Handle, flow.KindWeb, "")
	if err != nil {
		s.logger.Warn("web flow start failed", "handle", req.Handle, "err", err)
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "could not start auth flow"})
	}

	return e.JSON(http.StatusOK, startResponse{AuthUrl: res.AuthURL})
}

func (s *Server) handleCallback(e echo.Context) error {
	if provErr := e.QueryParam("error"); provErr != "" {
		return s.renderErrorPage(e, provErr, e.QueryParam("error_description"))
	}

	code := e.QueryParam("code")
	state := e.QueryParam("state")
	iss := e.QueryParam("iss")

	if code == "" || state == "" {
		return s.renderErrorPage(e, "invalid_callback", "callback is missing required parameters")
	}

	sess, err := s.flow.CompleteCallback(e.Request().Context(), code, state, iss)
	if err != nil {
		s.logger.Warn("web callback failed", "err", err)

		switch {
		case errors.Is(err, flow.ErrStateRejected):
			return s.renderErrorPage(e, "state_rejected", "the login attempt expired or was invalid, please try again")
		default:
			return s.renderErrorPage(e, "auth_failed", "the identity provider rejected the login")
		}
	}

	cookie, err := session.Get(cookieName, e)
	if err != nil {
		return s.renderErrorPage(e, "session_error", "could not establish a session")
	}

	cookie.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}

	// make sure the cookie session is empty
	cookie.Values = map[any]any{}
	cookie.Values["did"] = sess.Did
	cookie.Values["session_id"] = sess.SessionID

	if err := cookie.Save(e.Request(), e.Response()); err != nil {
		return s.renderErrorPage(e, "session_error", "could not establish a session")
	}

	return e.Redirect(http.StatusFound, "/")
}

type logoutRequest struct {
	Did string `json:"did"`
}

func (s *Server) handleLogout(e echo.Context) error {
	var req logoutRequest
	if err := e.Bind(&req); err != nil || req.Did == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "did is required"})
	}

	if err := s.flow.Logout(e.Request().Context(), req.Did); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]string{"error": "logout failed"})
	}

	cookie, err := session.Get(cookieName, e)
	if err == nil {
		cookie.Options = &sessions.Options{
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		}
		cookie.Values = map[any]any{}
		_ = cookie.Save(e.Request(), e.Response())
	}

	return e.NoContent(http.StatusNoContent)
}

// RequireAuth loads the validated session for the cookie's identity and
// stores it in the request context, refusing requests without one. This is
// the contract the rest of the application consumes.
func (s *Server) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		cookie, err := session.Get(cookieName, e)
		if err != nil {
			return e.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		}

		did, ok := cookie.Values["did"].(string)
		if !ok || did == "" {
			return e.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		}

		sess, err := s.flow.GetSession(e.Request().Context(), did)
		if err != nil {
			return e.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		}

		e.Set("session", sess)
		return next(e)
	}
}

func (s *Server) handleSessionInfo(e echo.Context) error {
	sess := e.Get("session").(*store.Session)

	return e.JSON(http.StatusOK, map[string]string{
		"did":     sess.Did,
		"handle":  sess.Handle,
		"pds_url": sess.PdsUrl,
	})
}
