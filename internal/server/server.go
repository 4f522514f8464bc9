// Package server exposes the auth subsystem over HTTP for web and mobile
// clients of the Waypost app.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
	slogecho "github.com/samber/slog-echo"

	"github.com/waypost-social/waypost-auth/internal/config"
	"github.com/waypost-social/waypost-auth/internal/flow"
)

const cookieName = "waypost-session"

type Server struct {
	e      *echo.Echo
	flow   *flow.Manager
	cfg    *config.Config
	pubJwk jwk.Key
	logger *slog.Logger

	httpd *http.Server
}

type ServerArgs struct {
	Flow      *flow.Manager
	Cfg       *config.Config
	ClientJwk jwk.Key
	Logger    *slog.Logger
}

func New(args ServerArgs) (*Server, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	pubJwk, err := args.ClientJwk.PublicKey()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(args.Logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(args.Cfg.CookieSecret))))

	s := &Server{
		e:      e,
		flow:   args.Flow,
		cfg:    args.Cfg,
		pubJwk: pubJwk,
		logger: args.Logger,
	}

	e.GET("/client-metadata.json", s.handleClientMetadata)
	e.GET("/jwks.json", s.handleJwks)

	e.POST("/api/auth/start", s.handleStart)
	e.GET("/oauth/callback", s.handleCallback)
	e.POST("/api/auth/logout", s.handleLogout)

	e.POST("/api/auth/mobile-start", s.handleMobileStart)
	e.GET("/oauth/mobile-callback", s.handleMobileCallback)
	e.POST("/api/auth/mobile-token-exchange", s.handleMobileTokenExchange)

	e.GET("/api/auth/session", s.handleSessionInfo, s.RequireAuth)

	s.httpd = &http.Server{
		Addr:    args.Cfg.ListenAddr,
		Handler: e,
	}

	return s, nil
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("starting http server", "addr", s.cfg.ListenAddr)
	return s.httpd.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}
