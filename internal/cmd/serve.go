package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aelita/internal/web"
	"aelita/internal/webhook"
	"aelita/pkg/github"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the onboarding web service",
	Long: `Serve the sign-in flow, the repository management API and the two webhook
receivers the bot registers on onboarded repositories.

The whole deployment configuration is required; run 'aelita init' for a
template. The server stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	verifyBotToken(ctx, a)

	engine, err := a.engine()
	if err != nil {
		return err
	}

	dispatch := webhook.LogDispatch(logger)
	notice, err := webhook.NewHandler(webhook.ChannelNotice, cfg.Bot.NoticeSecret, logger, dispatch)
	if err != nil {
		return err
	}
	status, err := webhook.NewHandler(webhook.ChannelStatus, cfg.Bot.StatusSecret, logger, dispatch)
	if err != nil {
		return err
	}

	server, err := web.NewServer(a.resolver, engine, web.Options{
		OAuth:         github.OAuthConfig(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.Bot.BaseURL+web.CallbackPath),
		ViewSecret:    cfg.Server.ViewSecret,
		SecureCookies: strings.HasPrefix(cfg.Bot.BaseURL, "https://"),
		Notice:        notice,
		Status:        status,
	}, logger)
	if err != nil {
		return err
	}

	srv := web.NewHTTPServer(cfg.Server.ListenAddr, server.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr, "base_url", cfg.Bot.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// verifyBotToken warns when the bot credential cannot accept invitations.
// Serving continues; the failures surface again as add warnings.
func verifyBotToken(ctx context.Context, a *app) {
	client, err := github.NewClient(a.cfg.Bot.AccessToken, gatewayOptions(a.cfg))
	if err != nil {
		a.logger.Warn("cannot verify bot token", "error", err)
		return
	}
	info, err := client.VerifyBotToken(ctx)
	if err != nil {
		a.logger.Warn("bot token check failed", "bot", a.cfg.Bot.Username, "error", err)
		return
	}
	a.logger.Info("bot token verified", "bot", info.User, "scopes", info.Scopes)
}
