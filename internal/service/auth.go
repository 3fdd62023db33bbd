package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/troupehq/troupe/internal/config"
)

// KeyPrefix marks troupe API keys so a leaked key is recognizable in logs
// and secret scanners.
const KeyPrefix = "tpk_"

// ErrInvalidKey indicates the presented API key does not match.
var ErrInvalidKey = errors.New("invalid api key")

// AuthService verifies the single-operator API key. The key itself is never
// stored; config carries only its bcrypt hash.
type AuthService struct {
	enabled bool
	hash    []byte
}

// NewAuthService creates an AuthService from config.
func NewAuthService(cfg *config.Auth) *AuthService {
	return &AuthService{
		enabled: cfg.Enabled,
		hash:    []byte(cfg.APIKeyHash),
	}
}

// Enabled reports whether API requests must present a key.
func (s *AuthService) Enabled() bool {
	return s.enabled
}

// VerifyKey checks a presented key against the configured hash.
func (s *AuthService) VerifyKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// GenerateKey produces a new random API key and its bcrypt hash. The raw key
// is shown once to the operator; only the hash goes into config.
func GenerateKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(b)
	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashKey bcrypt-hashes an API key for storage in config.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}
