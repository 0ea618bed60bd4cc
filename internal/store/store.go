// Package store loads and saves the accounts.json file: lenient load that
// skips invalid entries with a warning rather than failing the whole file,
// atomic temp-file-and-rename save, and a version field for future migration.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sctx "github.com/phathdt/service-context"
)

const currentVersion = 1

// CredentialsDTO is the wire representation of one account's credentials.
type CredentialsDTO struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (c CredentialsDTO) valid() error {
	if c.AccessToken == "" {
		return fmt.Errorf("missing accessToken")
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("missing refreshToken")
	}
	if c.ExpiresAt <= 0 {
		return fmt.Errorf("missing or invalid expiresAt")
	}
	return nil
}

// AccountsFile is the persisted form: version plus name -> credentials.
type AccountsFile struct {
	Version  int                       `json:"version"`
	Accounts map[string]CredentialsDTO `json:"accounts"`
}

// NewAccountsFile returns an empty, version-1 file.
func NewAccountsFile() *AccountsFile {
	return &AccountsFile{Version: currentVersion, Accounts: make(map[string]CredentialsDTO)}
}

// Load reads and validates accounts.json. Accounts whose credentials fail
// schema validation are skipped (logged as warnings through logger, which
// may be nil in tests) — the remaining accounts still load. A missing file
// is not an error: it yields an empty, version-1 AccountsFile.
func Load(path string, logger sctx.Logger) (*AccountsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewAccountsFile(), nil
		}
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var raw struct {
		Version  int                       `json:"version"`
		Accounts map[string]CredentialsDTO `json:"accounts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if raw.Accounts == nil {
		return nil, fmt.Errorf("invalid accounts file: missing 'accounts' field")
	}

	version := raw.Version
	if version == 0 {
		version = currentVersion
	}

	file := &AccountsFile{Version: version, Accounts: make(map[string]CredentialsDTO, len(raw.Accounts))}
	for name, dto := range raw.Accounts {
		if err := dto.valid(); err != nil {
			if logger != nil {
				logger.Withs(sctx.Fields{"account": name, "error": err.Error()}).Warn("skipping invalid account on load")
			}
			continue
		}
		file.Accounts[name] = dto
	}

	return file, nil
}

// Save writes the file indented 2 spaces, atomically via temp-file-and-
// rename. It never returns an error to the caller: failures are reported
// via the bool return so callers can log and carry on.
func Save(file *AccountsFile, path string) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return false
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return false
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return false
	}
	return true
}

// ResolvePath applies the CCPROXY_ACCOUNTS_PATH override rule: default to
// ~/.claude/accounts.json; when an override is given it must be absolute or
// ~-prefixed, and its parent directory must exist.
func ResolvePath(envOverride string) (string, error) {
	if envOverride == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, ".claude", "accounts.json"), nil
	}

	expanded, err := expandHome(envOverride)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(expanded) {
		return "", fmt.Errorf("CCPROXY_ACCOUNTS_PATH must be absolute or ~-prefixed, got %q", envOverride)
	}
	parent := filepath.Dir(expanded)
	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		return "", fmt.Errorf("CCPROXY_ACCOUNTS_PATH parent directory does not exist: %s", parent)
	}

	return expanded, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
