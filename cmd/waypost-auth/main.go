package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	oauth "github.com/waypost-social/waypost-auth"
	"github.com/waypost-social/waypost-auth/internal/config"
	"github.com/waypost-social/waypost-auth/internal/flow"
	"github.com/waypost-social/waypost-auth/internal/identity"
	"github.com/waypost-social/waypost-auth/internal/server"
	"github.com/waypost-social/waypost-auth/internal/store"
)

func main() {
	app := &cli.App{
		Name:    "waypost-auth",
		Usage:   "DPoP-bound OAuth authentication service for Waypost",
		Version: versioninfo.Short(),
		Action:  run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	jwkBytes, err := os.ReadFile(cfg.ClientJwkFile)
	if err != nil {
		return err
	}

	clientJwk, err := oauth.ParseKeyFromBytes(jwkBytes)
	if err != nil {
		return err
	}

	webClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientJwk:   clientJwk,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.RedirectURI(),
		AllowHTTP:   cfg.AllowHTTP,
	})
	if err != nil {
		return err
	}

	mobileClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientJwk:   clientJwk,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.MobileRedirectURI(),
		AllowHTTP:   cfg.AllowHTTP,
	})
	if err != nil {
		return err
	}

	st, err := store.NewSqlite(cfg.DatabasePath)
	if err != nil {
		return err
	}

	mgr, err := flow.NewManager(flow.ManagerArgs{
		Client:       webClient,
		MobileClient: mobileClient,
		Resolver:     identity.NewResolver(nil),
		Store:        st,
		StateSecret:  []byte(cfg.StateSecret),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.ServerArgs{
		Flow:      mgr,
		Cfg:       cfg,
		ClientJwk: clientJwk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mgr.RunSweeper(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
