// Package apikey manages the control plane's static API key lifecycle
// (spec.md §6.5 tenant/authorization, expanded per SPEC_FULL.md's
// "supplemented features"), grounded on the teacher's auth-token CRUD in
// pkg/settings/user.go, generalized from a single stored token to a capped,
// revocable key list.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modusnap/manager/internal/apperr"
	"github.com/modusnap/manager/internal/model"
)

// MaxKeys is the per-backend cap on stored API keys (spec.md §6.5).
const MaxKeys = 100

const keyPrefix = "msnp_"

type envelope struct {
	Keys []model.ApiKey `json:"keys"`
}

// Store persists ApiKeys to a single JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New binds a Store to a JSON file.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() envelope {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return envelope{}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}
	}
	return env
}

func (s *Store) save(env envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling api key store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating api key store dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// generateKey produces a "msnp_" + 24 random bytes (hex-encoded) API key.
func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// Create mints and stores a new API key with the given label.
func (s *Store) Create(label string) (model.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	if len(env.Keys) >= MaxKeys {
		return model.ApiKey{}, apperr.InvalidArg(fmt.Sprintf("API key cap of %d reached", MaxKeys))
	}

	key, err := generateKey()
	if err != nil {
		return model.ApiKey{}, apperr.Internal(err)
	}

	entry := model.ApiKey{ID: uuid.NewString(), Label: label, Key: key, CreatedAt: time.Now()}
	env.Keys = append(env.Keys, entry)
	if err := s.save(env); err != nil {
		return model.ApiKey{}, apperr.Internal(err)
	}
	return entry, nil
}

// Revoke marks the key with the given id as revoked; it is not removed from
// the store so audit history is preserved.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	for i := range env.Keys {
		if env.Keys[i].ID == id {
			env.Keys[i].Revoked = true
			return s.save(env)
		}
	}
	return apperr.NotFound("ApiKey", id)
}

// List returns every stored key (including revoked ones).
func (s *Store) List() []model.ApiKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	out := make([]model.ApiKey, len(env.Keys))
	copy(out, env.Keys)
	return out
}

// Validate reports whether raw is a known, non-revoked key.
func (s *Store) Validate(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	for _, k := range env.Keys {
		if k.Key == raw {
			return !k.Revoked
		}
	}
	return false
}
