// Package orchestrator – vault.go provides encrypted credential storage
// using AES-256-GCM with Argon2id key derivation. Secrets live in a local
// file (.crewclaw.vault) that is unreadable without the master password;
// only the derived key is ever held in memory.
package orchestrator

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	// VaultFile is the default vault file name inside the state dir.
	VaultFile = ".crewclaw.vault"

	// Argon2id parameters (OWASP recommended).
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	vaultSaltLen = 16

	// vaultVerifyKey is a fixed entry used to detect a wrong password
	// without decrypting real secrets.
	vaultVerifyKey = "__verify__"
)

// ErrVaultLocked is returned for secret operations on a locked vault.
var ErrVaultLocked = errors.New("vault is locked")

// VaultEntry is one encrypted secret.
type VaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// vaultData is the on-disk document.
type vaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]VaultEntry `json:"entries"`
}

// Vault is encrypted secret storage backed by a local file.
type Vault struct {
	path string
	data *vaultData
	key  []byte // derived AES key, nil while locked
	mu   sync.RWMutex
}

// NewVault creates a vault handle for path. Call Create or Unlock before
// using secrets.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file is present on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether secrets are accessible.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create initializes a new vault protected by password.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = deriveVaultKey(password, salt)
	v.data = &vaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]VaultEntry),
	}
	if err := v.setLocked(vaultVerifyKey, "ok"); err != nil {
		return err
	}
	return v.saveLocked()
}

// Unlock loads the vault and verifies the password against the verification
// entry.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding vault salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = deriveVaultKey(password, salt)
	v.data = &data

	if entry, ok := data.Entries[vaultVerifyKey]; ok {
		if _, err := v.decryptLocked(vaultVerifyKey, entry); err != nil {
			v.key = nil
			v.data = nil
			return fmt.Errorf("wrong vault password")
		}
	}
	return nil
}

// Lock forgets the derived key and in-memory entries.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = nil
	v.data = nil
}

// Set stores a secret under name and persists the vault.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	if err := v.setLocked(name, value); err != nil {
		return err
	}
	return v.saveLocked()
}

// Get decrypts the secret stored under name.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrVaultLocked
	}
	entry, ok := v.data.Entries[name]
	if !ok {
		return "", fmt.Errorf("no vault entry %q", name)
	}
	return v.decryptLocked(name, entry)
}

// Delete removes a secret and persists the vault.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	if _, ok := v.data.Entries[name]; !ok {
		return fmt.Errorf("no vault entry %q", name)
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// List returns the stored secret names, sorted.
func (v *Vault) List() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.data == nil {
		return nil
	}
	names := make([]string, 0, len(v.data.Entries))
	for name := range v.data.Entries {
		if name == vaultVerifyKey {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ─── Internal ───

func (v *Vault) setLocked(name, value string) error {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(value), []byte(name))
	v.data.Entries[name] = VaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return nil
}

// decryptLocked opens one entry. The entry name is bound as GCM additional
// data, so entries cannot be swapped between names undetected.
func (v *Vault) decryptLocked(name string, entry VaultEntry) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return "", fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", fmt.Errorf("decrypting entry: %w", err)
	}
	return string(plaintext), nil
}

func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

func deriveVaultKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// ReadPassword prompts for a password without echo. Falls back to the
// CREWCLAW_VAULT_PASSWORD environment variable for non-interactive use.
func ReadPassword(prompt string) (string, error) {
	if pw := os.Getenv("CREWCLAW_VAULT_PASSWORD"); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal and CREWCLAW_VAULT_PASSWORD is not set")
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
