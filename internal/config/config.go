// Package config loads the process configuration: viper for YAML +
// env-var overrides, godotenv for an optional .env, "read file, then let
// AutomaticEnv win" sequencing, plus explicit CCPROXY_-prefixed bindings
// alongside the generic dot-to-double-underscore replacer.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"claude-rotation-proxy/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"   mapstructure:"server"`
	Logger   LoggerConfig   `yaml:"logger"   mapstructure:"logger"`
	Pool     PoolConfig     `yaml:"pool"     mapstructure:"pool"`
	OAuth    OAuthConfig    `yaml:"oauth"    mapstructure:"oauth"`
	Refresh  RefreshConfig  `yaml:"refresh"  mapstructure:"refresh"`
	Rotation RotationConfig `yaml:"rotation" mapstructure:"rotation"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"  mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PoolConfig controls the account store and hot reload.
type PoolConfig struct {
	AccountsPath    string `yaml:"accounts_path"    mapstructure:"accounts_path"`
	RotationEnabled bool   `yaml:"rotation_enabled" mapstructure:"rotation_enabled"`
	HotReload       bool   `yaml:"hot_reload"       mapstructure:"hot_reload"`
}

// OAuthConfig is the fixed vendor OAuth client configuration.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"     mapstructure:"client_id"`
	AuthorizeURL string `yaml:"authorize_url" mapstructure:"authorize_url"`
	TokenURL     string `yaml:"token_url"     mapstructure:"token_url"`
	RedirectURI  string `yaml:"redirect_uri"  mapstructure:"redirect_uri"`
}

// RefreshConfig controls the background refresh scheduler.
type RefreshConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds" mapstructure:"check_interval_seconds"`
	BufferSeconds        int `yaml:"buffer_seconds"         mapstructure:"buffer_seconds"`
	MaxRetries           int `yaml:"max_retries"            mapstructure:"max_retries"`
}

// RotationConfig controls the rotation middleware.
type RotationConfig struct {
	EligiblePathPrefixes []string `yaml:"eligible_path_prefixes" mapstructure:"eligible_path_prefixes"`
	MaxRetries           int      `yaml:"max_retries"             mapstructure:"max_retries"`
	UpstreamBaseURL      string   `yaml:"upstream_base_url"       mapstructure:"upstream_base_url"`
}

// Vendor OAuth endpoint/client constants, pinned from the console app's own
// registration (not user-configurable, only the redirect URI is).
const (
	defaultOAuthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	defaultOAuthAuthorizeURL = "https://claude.ai/oauth/authorize"
	defaultOAuthTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	defaultOAuthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
)

// LoadConfig reads configPath (YAML) if present, applies defaults, then
// lets environment variables win — both the generic dot/double-underscore
// replacer and the explicit CCPROXY_ names.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if err := godotenv.Load(); err != nil {
		fmt.Printf("warning: failed to load .env file: %v\n", err)
	}

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("pool.rotation_enabled", true)
	v.SetDefault("pool.hot_reload", true)
	v.SetDefault("oauth.client_id", defaultOAuthClientID)
	v.SetDefault("oauth.authorize_url", defaultOAuthAuthorizeURL)
	v.SetDefault("oauth.token_url", defaultOAuthTokenURL)
	v.SetDefault("oauth.redirect_uri", defaultOAuthRedirectURI)
	v.SetDefault("refresh.check_interval_seconds", 60)
	v.SetDefault("refresh.buffer_seconds", 600)
	v.SetDefault("refresh.max_retries", 3)
	v.SetDefault("rotation.max_retries", 3)
	v.SetDefault("rotation.upstream_base_url", "https://api.anthropic.com")
	v.SetDefault("rotation.eligible_path_prefixes", []string{"/api/v1/messages", "/api/v1/chat/completions"})

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	_ = v.BindEnv("pool.accounts_path", "CCPROXY_ACCOUNTS_PATH")
	_ = v.BindEnv("pool.rotation_enabled", "CCPROXY_ROTATION_ENABLED")
	_ = v.BindEnv("pool.hot_reload", "CCPROXY_HOT_RELOAD")
	_ = v.BindEnv("oauth.redirect_uri", "CCPROXY_OAUTH_REDIRECT_URI")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ResolveAccountsPath applies the accounts-file path-resolution rule to the
// configured (possibly empty) accounts path.
func (c *Config) ResolveAccountsPath() (string, error) {
	return store.ResolvePath(c.Pool.AccountsPath)
}
