package backend

import (
	"context"

	goption "google.golang.org/api/option"

	"change/internal/auth"
	"change/internal/drive"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the remote file store and the pieces built with it.
type BackendResult struct {
	Files drive.FileStore
	// Auth is nil for backends that need no sign-in.
	Auth    *auth.Provider
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// Google Drive specific
	OAuth                 auth.Config
	GoogleOAuthClientFile string
	GoogleOAuthClientJSON string
	Tokens                auth.TokenStore
	Redirect              auth.Redirector
	// ClientOptions are passed to the Drive service, e.g. an endpoint in tests.
	ClientOptions []goption.ClientOption
}

// BackendType represents the type of backend
type BackendType string

const (
	GoogleBackend BackendType = "google"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case GoogleBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
