// Package config manages the relay's single persisted configuration
// record: the encrypted voice-provider API key and the engineer-enabled
// flag, plus the key-validation entry point's error-category mapping.
package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// EnvAPIKeyOverride is the environment variable that supplies the API key
// at startup, overwriting the in-memory value only (never persisted).
const EnvAPIKeyOverride = "GEMINI_API_KEY"

// hostKeySalt is a fixed, non-secret salt; secrecy comes from binding the
// derived key to the host machine, not from the salt.
var hostKeySalt = []byte("open-gt-relay-config-v1")

// Category is one of the key-validation entry point's fixed error
// categories.
type Category string

const (
	CategoryNone             Category = ""
	CategoryEmpty            Category = "empty"
	CategoryInvalid          Category = "invalid"
	CategoryPermissionDenied Category = "permission-denied"
	CategoryQuota            Category = "quota"
	CategoryNetwork          Category = "network"
	CategoryUnknown          Category = "unknown"
)

// ValidationError carries a category alongside the underlying cause.
type ValidationError struct {
	Category Category
	Cause    error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Cause)
	}
	return string(e.Category)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// CategorizeHTTPError maps a voice-provider validation failure to one of
// the fixed categories. statusCode is 0 when the call never reached the
// provider (DNS/dial/timeout failures).
func CategorizeHTTPError(statusCode int, err error) Category {
	switch {
	case statusCode == 401 || statusCode == 403:
		if statusCode == 403 {
			return CategoryPermissionDenied
		}
		return CategoryInvalid
	case statusCode == 429:
		return CategoryQuota
	case statusCode >= 500:
		return CategoryNetwork
	case err != nil:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return CategoryNetwork
		}
		return CategoryUnknown
	default:
		return CategoryNone
	}
}

// Validator performs the cheap, non-billed call to the voice provider
// used to test an API key. The concrete provider client is an external
// collaborator; Store only needs this narrow contract.
type Validator func(ctx context.Context, apiKey string) error

// settingsStore is the persistence dependency, satisfied by
// internal/store.Store.
type settingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

const (
	settingAPIKeyEnc       = "api_key_enc"
	settingEngineerEnabled = "engineer_enabled"
)

// Store holds the relay's single in-memory configuration record,
// persisting the API key encrypted at rest with a host-derived key.
type Store struct {
	mu sync.RWMutex

	settings settingsStore
	validate Validator
	hostKey  [32]byte

	apiKey          string // plaintext, memory-only
	apiKeyValid     bool
	engineerEnabled bool
}

// New loads persisted configuration (if any), applies the environment
// override, and returns a ready Store.
func New(ctx context.Context, settings settingsStore, validate Validator) (*Store, error) {
	key, err := deriveHostKey()
	if err != nil {
		return nil, fmt.Errorf("derive host key: %w", err)
	}

	s := &Store{settings: settings, validate: validate, hostKey: key}

	if enc, ok, err := settings.GetSetting(ctx, settingAPIKeyEnc); err != nil {
		slog.Warn("config: load api key", "err", err)
	} else if ok {
		if plain, err := decrypt(key, enc); err != nil {
			slog.Warn("config: decrypt persisted api key, discarding", "err", err)
		} else {
			s.apiKey = plain
		}
	}

	if val, ok, err := settings.GetSetting(ctx, settingEngineerEnabled); err != nil {
		slog.Warn("config: load engineer_enabled", "err", err)
	} else if ok {
		s.engineerEnabled = val == "true"
	}

	if override := os.Getenv(EnvAPIKeyOverride); override != "" {
		s.apiKey = override
		slog.Info("config: api key overridden from environment")
	}

	return s, nil
}

// PublicState is the `config:state` event payload: never the plaintext
// key itself, only a hint and presence/validity flags.
type PublicState struct {
	APIKeyHint      string `json:"apiKeyHint"`
	HasAPIKey       bool   `json:"hasApiKey"`
	EngineerEnabled bool   `json:"engineerEnabled"`
	APIKeyValid     bool   `json:"apiKeyValid"`
}

// PublicState snapshots the current configuration for the dashboard.
func (s *Store) PublicState() PublicState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PublicState{
		APIKeyHint:      hint(s.apiKey),
		HasAPIKey:       s.apiKey != "",
		EngineerEnabled: s.engineerEnabled,
		APIKeyValid:     s.apiKeyValid,
	}
}

func hint(key string) string {
	if len(key) < 8 {
		return ""
	}
	return key[:4] + strings.Repeat("*", 4) + key[len(key)-4:]
}

// SetAPIKey validates and persists a new key. The key is always
// persisted (so a user can correct it later from the dashboard); valid
// reflects whether the provider accepted it right now.
func (s *Store) SetAPIKey(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, &ValidationError{Category: CategoryEmpty}
	}

	valid, err := s.runValidation(ctx, key)

	s.mu.Lock()
	s.apiKey = key
	s.apiKeyValid = valid
	s.mu.Unlock()

	enc, encErr := encrypt(s.hostKey, key)
	if encErr != nil {
		slog.Error("config: encrypt api key", "err", encErr)
	} else if setErr := s.settings.SetSetting(ctx, settingAPIKeyEnc, enc); setErr != nil {
		slog.Error("config: persist api key", "err", setErr)
	}

	return valid, err
}

// TestAPIKey re-validates the currently configured key without changing
// it.
func (s *Store) TestAPIKey(ctx context.Context) (bool, error) {
	s.mu.RLock()
	key := s.apiKey
	s.mu.RUnlock()

	if key == "" {
		return false, &ValidationError{Category: CategoryEmpty}
	}

	valid, err := s.runValidation(ctx, key)

	s.mu.Lock()
	s.apiKeyValid = valid
	s.mu.Unlock()

	return valid, err
}

func (s *Store) runValidation(ctx context.Context, key string) (bool, error) {
	if s.validate == nil {
		return true, nil
	}
	if err := s.validate(ctx, key); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			err = &ValidationError{Category: CategoryUnknown, Cause: err}
		}
		return false, err
	}
	return true, nil
}

// DeleteAPIKey clears the key from memory and persisted storage.
func (s *Store) DeleteAPIKey(ctx context.Context) {
	s.mu.Lock()
	s.apiKey = ""
	s.apiKeyValid = false
	s.mu.Unlock()

	if err := s.settings.DeleteSetting(ctx, settingAPIKeyEnc); err != nil {
		slog.Error("config: delete persisted api key", "err", err)
	}
}

// SetEngineerEnabled toggles and persists the engineer-enabled flag.
func (s *Store) SetEngineerEnabled(enabled bool) {
	s.mu.Lock()
	s.engineerEnabled = enabled
	s.mu.Unlock()

	val := "false"
	if enabled {
		val = "true"
	}
	if err := s.settings.SetSetting(context.Background(), settingEngineerEnabled, val); err != nil {
		slog.Error("config: persist engineer_enabled", "err", err)
	}
}

// EngineerEnabled reports the current flag value.
func (s *Store) EngineerEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engineerEnabled
}

// APIKey returns the current plaintext key, for internal use by the
// voice-session factory only; never exposed over the wire.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

func deriveHostKey() ([32]byte, error) {
	var key [32]byte
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "open-gt-relay"
	}
	derived, err := scrypt.Key([]byte(hostname), hostKeySalt, 32768, 8, 1, 32)
	if err != nil {
		return key, err
	}
	copy(key[:], derived)
	return key, nil
}

func encrypt(key [32]byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

func decrypt(key [32]byte, encoded string) (string, error) {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed encrypted value")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
