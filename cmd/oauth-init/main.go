package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"change/internal/auth"
	"change/internal/backend"
	"change/internal/cli"
	"change/internal/config"
	"change/internal/core"
	"change/internal/log"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	if cfg.DataBackend != string(backend.GoogleBackend) {
		fmt.Fprintf(os.Stderr, "DATA_BACKEND is %q; oauth-init only applies to the google backend\n", cfg.DataBackend)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, os.Stderr)

	ctx, cancel := cli.SignalContext(logger.Logger)
	defer cancel()
	ctx, timeout := context.WithTimeout(ctx, 5*time.Minute)
	defer timeout()

	db := cli.InitSQLite(ctx, logger.WithComponent(log.ComponentStorage), cfg.SQLiteDBPath)
	defer db.Close()

	backendCfg, err := backend.FromAppConfig(cfg, auth.NewSQLiteTokenStore(db), cli.ConsoleRedirect(os.Stdout))
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend)).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err)
		os.Exit(1)
	}
	provider := result.Auth

	// SignIn prints the consent URL and always reports that no token exists yet
	if err := provider.SignIn(ctx); err != nil && !errors.Is(err, core.ErrAuthRequired) {
		logger.Error("Failed to request consent", "error", err)
		os.Exit(1)
	}

	var callback string
	if auth.Flow(cfg.OAuthFlow) == auth.FlowOnline {
		callback, err = readPastedURL(ctx)
	} else {
		callback, err = waitForCallback(ctx, cfg)
	}
	if err != nil {
		logger.Error("Authorization failed", "error", err)
		os.Exit(1)
	}

	if err := provider.Init(ctx, callback); err != nil {
		logger.Error("Token exchange failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Signed in; token stored in %s (%s)\n", cfg.SQLiteDBPath, provider.State(ctx))
}

// waitForCallback serves the redirect URL once and returns the full URL the
// consent page redirected to.
func waitForCallback(ctx context.Context, cfg *config.Config) (string, error) {
	redirect, err := url.Parse(cfg.OAuthRedirectURL)
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}

	urlCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if errStr := r.URL.Query().Get("error"); errStr != "" {
			http.Error(w, "OAuth error: "+errStr, http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "You may close this window and return to the terminal.")
		}
		got := *redirect
		got.RawQuery = r.URL.RawQuery
		select {
		case urlCh <- got.String():
		default:
		}
	})

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", redirect.Host, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case u := <-urlCh:
		return u, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}
}

// readPastedURL reads the redirected URL from stdin: with the online flow
// the token sits in the fragment, which browsers never send to a server.
func readPastedURL(ctx context.Context) (string, error) {
	fmt.Println("Paste the full URL the browser was redirected to:")
	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			errCh <- err
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()
	select {
	case line := <-lineCh:
		return line, nil
	case err := <-errCh:
		return "", fmt.Errorf("read redirected url: %w", err)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
