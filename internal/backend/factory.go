package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/oauth2/google"

	"change/internal/auth"
	"change/internal/drive"
	gdrive "change/internal/drive/google"
	"change/internal/drive/memory"
	"change/internal/log"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case GoogleBackend:
		return f.createGoogleBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// oauthConfig fills the client id and secret from a downloaded client file
// or its JSON content when they are not set directly.
func oauthConfig(config Config) (auth.Config, error) {
	cfg := config.OAuth
	if cfg.ClientID != "" {
		return cfg, nil
	}

	var b []byte
	switch {
	case config.GoogleOAuthClientJSON != "":
		b = []byte(config.GoogleOAuthClientJSON)
	case config.GoogleOAuthClientFile != "":
		var err error
		b, err = os.ReadFile(config.GoogleOAuthClientFile)
		if err != nil {
			return cfg, fmt.Errorf("read client file: %w", err)
		}
	}

	parsed, err := google.ConfigFromJSON(b, auth.DriveScope)
	if err != nil {
		return cfg, fmt.Errorf("oauth config: %w", err)
	}
	cfg.ClientID = parsed.ClientID
	cfg.ClientSecret = parsed.ClientSecret
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = parsed.RedirectURL
	}
	return cfg, nil
}

func (f *DefaultFactory) createGoogleBackend(ctx context.Context, config Config) (*BackendResult, error) {
	oauthCfg, err := oauthConfig(config)
	if err != nil {
		return nil, err
	}

	provider := auth.NewProvider(oauthCfg, config.Tokens, config.Redirect, f.logger)
	svc, err := gdrive.New(ctx, provider.TokenSource(ctx), config.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Drive client: %w", err)
	}

	f.logger.Info("Initialized Google Drive backend",
		"flow", oauthCfg.Flow,
		log.FieldAuthState, provider.State(ctx).String())

	return &BackendResult{
		Files:   drive.NewClient(svc, f.logger),
		Auth:    provider,
		Cleanup: nil, // No cleanup needed for drive backend
	}, nil
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	store := memory.New()

	f.logger.Info("Initialized memory backend")

	return &BackendResult{
		Files:   drive.NewClient(store, f.logger),
		Cleanup: nil, // No cleanup needed for memory backend
	}, nil
}
