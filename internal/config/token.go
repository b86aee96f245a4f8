package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const tokenFileName = "api_token"

// GetAPIToken resolves the bearer token protecting the HTTP API. The
// PROMPTPULSE_API_TOKEN environment variable wins; otherwise the token is
// read from the api_token file in the data dir.
func GetAPIToken(dataDir string) (string, error) {
	if tok := os.Getenv("PROMPTPULSE_API_TOKEN"); tok != "" {
		return tok, nil
	}

	data, err := os.ReadFile(filepath.Join(dataDir, tokenFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no API token found; run the server once to generate one, or set PROMPTPULSE_API_TOKEN")
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file is empty; delete %s and restart the server", filepath.Join(dataDir, tokenFileName))
	}
	return tok, nil
}

// EnsureAPIToken returns the current token, generating and persisting a new
// one on first run. The token file is created with owner-only permissions.
func EnsureAPIToken(dataDir string) (string, error) {
	if tok, err := GetAPIToken(dataDir); err == nil {
		return tok, nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}

	tok := uuid.New().String()
	path := filepath.Join(dataDir, tokenFileName)
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	return tok, nil
}
