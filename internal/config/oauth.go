package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// OAuthClientEnvVar points at an OAuth client file, bypassing the search
const OAuthClientEnvVar = "GMAIL_OAUTH_CLIENT_FILE"

// OAuthClientConfig is the Google OAuth client file used by the Gmail channel.
// Google issues either an "installed" (desktop) or a "web" client; exactly one
// section is expected.
type OAuthClientConfig struct {
	Installed *OAuthClientSection `json:"installed,omitempty" validate:"required_without=Web"`
	Web       *OAuthClientSection `json:"web,omitempty" validate:"required_without=Installed"`
}

// OAuthClientSection holds the client credentials
type OAuthClientSection struct {
	ClientID     string   `json:"client_id" validate:"required"`
	ProjectID    string   `json:"project_id,omitempty"`
	AuthURI      string   `json:"auth_uri" validate:"required,url"`
	TokenURI     string   `json:"token_uri" validate:"required,url"`
	ClientSecret string   `json:"client_secret" validate:"required"`
	RedirectURIs []string `json:"redirect_uris,omitempty" validate:"omitempty,dive,uri"`
}

// Credentials returns whichever section is present
func (c *OAuthClientConfig) Credentials() *OAuthClientSection {
	if c.Installed != nil {
		return c.Installed
	}
	return c.Web
}

// LoadOAuthClientWithEnv loads the Gmail OAuth client for an environment.
// GMAIL_OAUTH_CLIENT_FILE wins when set; otherwise env="prod" looks for
// "oauthClient.prod.json" in the current then home directory.
func LoadOAuthClientWithEnv(env string) (*OAuthClientConfig, error) {
	if path := os.Getenv(OAuthClientEnvVar); path != "" {
		return LoadOAuthClientFromPath(path)
	}

	oauthPath, err := findOAuthFile(env)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth client file: %w", err)
	}

	return LoadOAuthClientFromPath(oauthPath)
}

// LoadOAuthClientFromPath loads and validates the OAuth client configuration from a specific path
func LoadOAuthClientFromPath(path string) (*OAuthClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth client file: %w", err)
	}

	var oauthCfg OAuthClientConfig
	if err := json.Unmarshal(data, &oauthCfg); err != nil {
		return nil, fmt.Errorf("failed to parse oauth client file: %w", err)
	}

	if err := ValidateOAuthClient(&oauthCfg); err != nil {
		return nil, err
	}

	return &oauthCfg, nil
}

// ValidateOAuthClient validates the OAuth client configuration
func ValidateOAuthClient(cfg *OAuthClientConfig) error {
	if cfg.Installed != nil && cfg.Web != nil {
		return fmt.Errorf("oauth client validation failed: both installed and web sections present")
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("oauth client validation failed: %w", err)
	}

	return nil
}

func findOAuthFile(env string) (string, error) {
	oauthFileName := "oauthClient.json"
	if env != "" {
		oauthFileName = "oauthClient." + env + ".json"
	}

	candidates := []string{oauthFileName}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, oauthFileName))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s not found in current directory or home directory", oauthFileName)
}
