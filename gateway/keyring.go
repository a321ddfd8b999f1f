package gateway

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"taleforge/internal"
)

// keyringFile is the on-disk credential list:
//
//	[[credentials]]
//	id = "primary"
//	api_key = "..."
//	api_secret = "..."
type keyringFile struct {
	Credentials []internal.Credential `toml:"credentials"`
}

// LoadKeyring reads credentials from a TOML keyring file
func LoadKeyring(path string) ([]internal.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", path, err)
	}

	var file keyringFile
	if err := toml.Unmarshal(data, &file); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, internal.NewValidationError("credentials_file", fmt.Sprintf("invalid TOML at %d:%d: %s", row, col, decodeErr.Error())).
				WithContext("file", path)
		}
		return nil, fmt.Errorf("parse keyring %s: %w", path, err)
	}

	for i := range file.Credentials {
		file.Credentials[i].APIKey = strings.TrimSpace(file.Credentials[i].APIKey)
		file.Credentials[i].APISecret = strings.TrimSpace(file.Credentials[i].APISecret)
	}
	return file.Credentials, nil
}

// KeyringFromEnv builds a single credential from TALEFORGE_API_KEY and TALEFORGE_API_SECRET
func KeyringFromEnv() []internal.Credential {
	key := strings.TrimSpace(os.Getenv("TALEFORGE_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("TALEFORGE_API_SECRET"))
	if key == "" || secret == "" {
		return nil
	}
	return []internal.Credential{{ID: "env", APIKey: key, APISecret: secret}}
}

// LoadCredentials prefers the configured keyring file and falls back to the environment
func LoadCredentials(config *internal.Config) ([]internal.Credential, error) {
	if config.CredentialsFile != "" {
		creds, err := LoadKeyring(config.CredentialsFile)
		switch {
		case err == nil && len(creds) > 0:
			internal.LogDebug("Loaded %d credentials from %s", len(creds), config.CredentialsFile)
			return creds, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if creds := KeyringFromEnv(); len(creds) > 0 {
		return creds, nil
	}

	return nil, internal.NewGatewayError(0, "no gateway credentials found", internal.ErrAuthRequired).
		WithSuggestion(fmt.Sprintf("Create %s with [[credentials]] entries or set TALEFORGE_API_KEY and TALEFORGE_API_SECRET", config.CredentialsFile))
}
