// Package orchestrator – keyring.go integrates the OS keyring and resolves
// the engine API key through the credential priority chain:
//
//	vault → OS keyring → environment → config file
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name secrets are filed under.
const keyringService = "crewclaw"

// keyringAPIKeyName is the keyring entry holding the engine API key.
const keyringAPIKeyName = "api_key"

// StoreKeyInKeyring saves the engine API key in the OS keyring.
func StoreKeyInKeyring(key string) error {
	if err := keyring.Set(keyringService, keyringAPIKeyName, key); err != nil {
		return fmt.Errorf("storing key in OS keyring: %w", err)
	}
	return nil
}

// KeyFromKeyring retrieves the engine API key from the OS keyring. Returns
// empty when absent or when no keyring backend is available.
func KeyFromKeyring() string {
	key, err := keyring.Get(keyringService, keyringAPIKeyName)
	if err != nil {
		return ""
	}
	return key
}

// DeleteKeyFromKeyring removes the engine API key from the OS keyring.
func DeleteKeyFromKeyring() error {
	if err := keyring.Delete(keyringService, keyringAPIKeyName); err != nil {
		return fmt.Errorf("deleting key from OS keyring: %w", err)
	}
	return nil
}

// ResolveAPIKey walks the credential chain and returns the first key found.
// vault may be nil or locked; both just skip that link.
func ResolveAPIKey(cfg *Config, vault *Vault, logger *slog.Logger) string {
	if vault != nil && vault.IsUnlocked() {
		if key, err := vault.Get(keyringAPIKeyName); err == nil && key != "" {
			logger.Debug("API key resolved from vault")
			return key
		}
	}

	if key := KeyFromKeyring(); key != "" {
		logger.Debug("API key resolved from OS keyring")
		return key
	}

	for _, name := range []string{"CREWCLAW_API_KEY", GetProviderKeyName(cfg.API.Provider)} {
		if key := os.Getenv(name); key != "" {
			logger.Debug("API key resolved from environment", "var", name)
			return key
		}
	}

	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return cfg.API.APIKey
	}
	return ""
}
