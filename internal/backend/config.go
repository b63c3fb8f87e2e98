package backend

import (
	"fmt"

	"change/internal/auth"
	"change/internal/config"
)

// FromAppConfig converts the application config to backend config. tokens
// and redirect are only used by the google backend.
func FromAppConfig(appConfig *config.Config, tokens auth.TokenStore, redirect auth.Redirector) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type: backendType,
		OAuth: auth.Config{
			ClientID:     appConfig.GoogleOAuthClientID,
			ClientSecret: appConfig.GoogleOAuthClientSecret,
			RedirectURL:  appConfig.OAuthRedirectURL,
			Flow:         auth.Flow(appConfig.OAuthFlow),
		},
		GoogleOAuthClientFile: appConfig.GoogleOAuthClientFile,
		GoogleOAuthClientJSON: appConfig.GoogleOAuthClientJSON,
		Tokens:                tokens,
		Redirect:              redirect,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case GoogleBackend:
		hasClientFile := c.GoogleOAuthClientFile != ""
		hasClientJSON := c.GoogleOAuthClientJSON != ""
		if !hasClientFile && !hasClientJSON && c.OAuth.ClientID == "" {
			return fmt.Errorf("an OAuth client id, client file or client JSON is required for google backend")
		}
		if c.Tokens == nil {
			return fmt.Errorf("a token store is required for google backend")
		}
		switch c.OAuth.Flow {
		case "", auth.FlowOnline, auth.FlowOffline:
		default:
			return fmt.Errorf("invalid OAuth flow: %s", c.OAuth.Flow)
		}

	case MemoryBackend:
		// Memory backend doesn't require additional validation
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{GoogleBackend, MemoryBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	strings := make([]string, len(types))
	for i, t := range types {
		strings[i] = t.String()
	}
	return strings
}
