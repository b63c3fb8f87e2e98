package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"change/internal/core"
)

type Config struct {
	// Local cache
	SQLiteDBPath string `yaml:"sqlite_db_path" env:"SQLITE_DB_PATH" env-default:"./data/change.db"`

	// Remote drive
	DataBackend string `yaml:"data_backend" env:"DATA_BACKEND" env-default:"memory"`
	AppRoot     string `yaml:"app_root" env:"APP_ROOT" env-default:"Change!"`
	SyncEnabled bool   `yaml:"sync_enabled" env:"SYNC_ENABLED" env-default:"true"`
	SyncYears   []int  `yaml:"sync_years" env:"SYNC_YEARS" env-separator:","`

	// Google OAuth
	GoogleOAuthClientFile   string `yaml:"google_oauth_client_file" env:"GOOGLE_OAUTH_CLIENT_FILE"`
	GoogleOAuthClientJSON   string `yaml:"google_oauth_client_json" env:"GOOGLE_OAUTH_CLIENT_JSON"`
	GoogleOAuthClientID     string `yaml:"google_oauth_client_id" env:"GOOGLE_OAUTH_CLIENT_ID"`
	GoogleOAuthClientSecret string `yaml:"google_oauth_client_secret" env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	OAuthRedirectURL        string `yaml:"oauth_redirect_url" env:"OAUTH_REDIRECT_URL" env-default:"http://localhost:8085/callback"`
	OAuthFlow               string `yaml:"oauth_flow" env:"OAUTH_FLOW" env-default:"offline"`

	// Default planning template
	TemplateURL     string        `yaml:"template_url" env:"TEMPLATE_URL"`
	TemplateTimeout time.Duration `yaml:"template_timeout" env:"TEMPLATE_TIMEOUT" env-default:"10s"`

	// AMQP notices, disabled when AMQPURL is empty
	AMQPURL      string `yaml:"amqp_url" env:"AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" env:"AMQP_EXCHANGE" env-default:"change"`
	AMQPQueue    string `yaml:"amqp_queue" env:"AMQP_QUEUE" env-default:"sync_notices"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"text"`
}

// Load reads the configuration from the environment, or from the file named
// by CONFIG_PATH with environment variables taking precedence.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}

// Usage describes every supported environment variable.
func Usage() string {
	var cfg Config
	desc, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return desc
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	validBackends := []string{"google", "memory"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if strings.TrimSpace(c.AppRoot) == "" || strings.Contains(c.AppRoot, "/") {
		errors = append(errors, fmt.Sprintf("invalid app root '%s': must be a non-empty folder name", c.AppRoot))
	}

	for _, year := range c.SyncYears {
		if err := core.ValidateYear(year); err != nil {
			errors = append(errors, fmt.Sprintf("invalid sync year %d", year))
		}
	}

	if c.DataBackend == "google" {
		hasClientFile := c.GoogleOAuthClientFile != ""
		hasClientJSON := c.GoogleOAuthClientJSON != ""
		hasClientID := c.GoogleOAuthClientID != ""
		if !hasClientFile && !hasClientJSON && !hasClientID {
			errors = append(errors, "one of GOOGLE_OAUTH_CLIENT_FILE, GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_ID must be provided for google backend")
		}
		if hasClientFile {
			if _, err := os.Stat(c.GoogleOAuthClientFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google OAuth client file does not exist: %s", c.GoogleOAuthClientFile))
			}
		}
	}

	if c.OAuthFlow != "online" && c.OAuthFlow != "offline" {
		errors = append(errors, fmt.Sprintf("invalid OAuth flow '%s': must be 'online' or 'offline'", c.OAuthFlow))
	}
	if u, err := url.Parse(c.OAuthRedirectURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid OAuth redirect URL '%s': must be absolute", c.OAuthRedirectURL))
	}

	if c.TemplateURL != "" {
		if u, err := url.Parse(c.TemplateURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid template URL '%s': %v", c.TemplateURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid template URL scheme '%s': must be 'http' or 'https'", u.Scheme))
		}
	}
	if c.TemplateTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid template timeout %v: must be at least 1 second", c.TemplateTimeout))
	} else if c.TemplateTimeout > 5*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid template timeout %v: must be at most 5 minutes", c.TemplateTimeout))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}
