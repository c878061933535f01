package session

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const serviceName = "driveline"

// Keyring item keys.
const (
	KeyToken    = "token"
	KeyUsername = "username"
	KeyRole     = "roles"
)

// Environment variable names.
const (
	EnvToken    = "DRIVELINE_TOKEN"
	EnvUsername = "DRIVELINE_USERNAME"
	EnvRole     = "DRIVELINE_ROLE"
)

// Source yields whatever credential fields it knows about.
type Source interface {
	Load() (Credentials, error)
}

// EnvSource reads credentials from environment variables.
type EnvSource struct {
	Getenv func(string) string
}

// Load implements Source.
func (s EnvSource) Load() (Credentials, error) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return Credentials{
		Token:    getenv(EnvToken),
		Username: getenv(EnvUsername),
		Role:     getenv(EnvRole),
	}, nil
}

// OpenKeyring opens the OS credential store, falling back to an encrypted
// file under dir.
func OpenKeyring(dir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("driveline-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringStore persists credentials in a keyring, the way the browser kept
// them in local storage.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore wraps an opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Load implements Source. Missing items are returned as empty fields.
func (s *KeyringStore) Load() (Credentials, error) {
	var c Credentials
	var err error

	if c.Token, err = s.get(KeyToken); err != nil {
		return Credentials{}, err
	}
	if c.Username, err = s.get(KeyUsername); err != nil {
		return Credentials{}, err
	}
	if c.Role, err = s.get(KeyRole); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (s *KeyringStore) get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Save stores every non-empty field.
func (s *KeyringStore) Save(c Credentials) error {
	for key, value := range map[string]string{
		KeyToken:    c.Token,
		KeyUsername: c.Username,
		KeyRole:     c.Role,
	} {
		if value == "" {
			continue
		}
		if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
			return fmt.Errorf("setting credential %q: %w", key, err)
		}
	}
	return nil
}

// Clear removes all stored credentials.
func (s *KeyringStore) Clear() error {
	for _, key := range []string{KeyToken, KeyUsername, KeyRole} {
		if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}

// Claims are the identity fields carried in the bearer token.
type Claims struct {
	Username string
	Role     string
}

// ParseClaims extracts username and role from a JWT without verifying its
// signature; the backend remains the authority on validity.
func ParseClaims(token string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	var out Claims
	if name, ok := claims["username"].(string); ok {
		out.Username = name
	}
	if out.Username == "" {
		out.Username, _ = claims.GetSubject()
	}

	for _, key := range []string{"role", "roles", "authorities"} {
		if role := claimRole(claims[key]); role != "" {
			out.Role = role
			break
		}
	}
	return out, nil
}

func claimRole(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case []any:
		var roles []string
		for _, elem := range r {
			switch e := elem.(type) {
			case string:
				roles = append(roles, e)
			case map[string]any:
				// Spring authorities: [{"authority":"ROLE_ADMIN"}]
				if a, ok := e["authority"].(string); ok {
					roles = append(roles, a)
				}
			}
		}
		return strings.Join(roles, ",")
	}
	return ""
}

// Resolve merges sources in order, the first non-empty value of each field
// winning, then fills username and role from the token's claims.
func Resolve(logger *zap.Logger, sources ...Source) Credentials {
	var c Credentials
	for _, src := range sources {
		got, err := src.Load()
		if err != nil {
			logger.Warn("credential source failed", zap.Error(err))
			continue
		}
		if c.Token == "" {
			c.Token = got.Token
		}
		if c.Username == "" {
			c.Username = got.Username
		}
		if c.Role == "" {
			c.Role = got.Role
		}
	}

	if c.Token != "" && (c.Username == "" || c.Role == "") {
		claims, err := ParseClaims(c.Token)
		if err != nil {
			logger.Debug("token claims unavailable", zap.Error(err))
			return c
		}
		if c.Username == "" {
			c.Username = claims.Username
		}
		if c.Role == "" {
			c.Role = claims.Role
		}
	}
	return c
}
