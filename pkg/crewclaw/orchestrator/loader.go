// Package orchestrator – loader.go handles loading configuration from YAML
// files with secure credential handling via environment variables and .env
// files.
package orchestrator

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands environment variables in the YAML.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// YAML zeroes absent bool fields. Re-enable isolation and heartbeats
	// unless the section explicitly disabled them.
	var raw map[string]any
	_ = yaml.Unmarshal(data, &raw)
	if isoMap, ok := raw["isolation"].(map[string]any); !ok {
		cfg.Isolation.Enabled = true
	} else if _, set := isoMap["enabled"]; !set {
		cfg.Isolation.Enabled = true
	}
	if teamMap, ok := raw["teams"].(map[string]any); !ok {
		cfg.Teams.Heartbeats = true
	} else if _, set := teamMap["heartbeats"]; !set {
		cfg.Teams.Heartbeats = true
	}

	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to the given path. Secrets are
// replaced with environment variable references; a .bak copy of any existing
// file is written first.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg

	apiKeyEnvVar := GetProviderKeyName(cfg.API.Provider)
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, apiKeyEnvVar, "CREWCLAW_API_KEY")
	sanitized.Notify.Discord.Token = sanitizeSecret(cfg.Notify.Discord.Token, "DISCORD_BOT_TOKEN", "CREWCLAW_DISCORD_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Sanity-check the output is parseable before touching the file.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"crewclaw.yaml",
		"crewclaw.yml",
		"config.yaml",
		"config.yml",
		filepath.Join(defaultStateDir(), "crewclaw.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about hardcoded secrets in the loaded config.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		logger.Warn("API key appears to be hardcoded in config, use CREWCLAW_API_KEY instead",
			"hint", "set 'api_key: ${CREWCLAW_API_KEY}' in crewclaw.yaml")
	}
	if tok := cfg.Notify.Discord.Token; tok != "" && !IsEnvReference(tok) && len(tok) > 20 {
		logger.Warn("Discord token appears to be hardcoded in config",
			"hint", "set 'token: ${DISCORD_BOT_TOKEN}' in crewclaw.yaml")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv.Load does not overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// ReloadEnvFiles forces a reload of .env files, overriding existing vars.
// Returns the number of variables loaded.
func ReloadEnvFiles() (int, error) {
	envFiles := []string{".env.local", ".env"} // .env.local takes precedence
	loaded := 0

	for _, f := range envFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("reading %s: %w", f, err)
		}

		envMap, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", f, err)
		}

		for key, value := range envMap {
			if err := os.Setenv(key, value); err != nil {
				return 0, fmt.Errorf("setting %s: %w", key, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment values. Unset ${VAR:?msg} patterns are
// rewritten to an ERROR: marker the validating wrapper detects.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(sub) >= 2 {
			varName = sub[1]
		}
		if len(sub) >= 3 {
			modifierType = sub[2]
		}
		if len(sub) >= 4 {
			modifierValue = sub[3]
		}
		if len(sub) >= 5 {
			bareVar = sub[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType == "?" {
				msg := modifierValue
				if msg == "" {
					msg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + msg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars plus an error when any
// ${VAR:?error} variable is unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx >= 0 {
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		msg := rest[colonIdx+1:]
		if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
			msg = msg[:nl]
		}
		if msg == "" {
			msg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, msg)
	}
	return result, nil
}

// resolveSecrets fills config secrets from environment variables when the
// config value is empty or still a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		for _, name := range []string{"CREWCLAW_API_KEY", GetProviderKeyName(cfg.API.Provider), "OPENAI_API_KEY"} {
			if key := os.Getenv(name); key != "" {
				cfg.API.APIKey = key
				break
			}
		}
	}
	if tok := cfg.Notify.Discord.Token; tok == "" || IsEnvReference(tok) {
		if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
			cfg.Notify.Discord.Token = v
		}
	}
}

// resolveRelativePaths converts relative state paths to absolute ones rooted
// at the config file's directory, so the daemon behaves the same regardless
// of the working directory it was started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	cfg.StateDir = resolvePathFromConfig(cfg.StateDir, configDir)
	cfg.Workspace = resolvePathFromConfig(cfg.Workspace, configDir)
	cfg.Teams.Dir = resolvePathFromConfig(cfg.Teams.Dir, configDir)
	cfg.Isolation.ScratchDir = resolvePathFromConfig(cfg.Isolation.ScratchDir, configDir)
}

// resolvePathFromConfig makes a path absolute relative to the config dir and
// expands a leading ~.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with an env var reference for safe
// storage in config files. Tries the primary env var, then the fallback.
func sanitizeSecret(value, primaryEnvVar, fallbackEnvVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(primaryEnvVar) == value {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) == value {
		return "${" + fallbackEnvVar + "}"
	}
	if os.Getenv(primaryEnvVar) != "" {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) != "" {
		return "${" + fallbackEnvVar + "}"
	}
	// No env var carries this value; refuse to persist it in plaintext.
	return ""
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real API
// key rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
