// Package txstore persists the EnvTx ledger to a single JSON file, grounded
// on the teacher's settings.Settings load/save-to-disk idiom
// (pkg/settings/project.go) but generalized from a single struct to an
// append-and-cap history list (spec.md §4.2).
package txstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/modusnap/manager/internal/model"
)

// MaxRetained is the number of most-recent transactions kept on disk.
const MaxRetained = 200

type envelope struct {
	Transactions []model.EnvTx `json:"transactions"`
}

// Store is a file-backed, in-process-synchronized EnvTx ledger.
type Store struct {
	mu   sync.Mutex
	path string
}

// New binds a Store to a JSON file. The file is created lazily on first
// write; a missing or corrupt file is treated as an empty ledger rather than
// an error, since the ledger is recoverable best-effort state, not a source
// of truth the control plane cannot function without.
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
	if len(env.Transactions) > MaxRetained {
		sort.Slice(env.Transactions, func(i, j int) bool {
			return env.Transactions[i].CreatedAt.Before(env.Transactions[j].CreatedAt)
		})
		env.Transactions = env.Transactions[len(env.Transactions)-MaxRetained:]
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tx ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".txstore-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp ledger file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp ledger file: %w", err)
	}
	return nil
}

// Create appends a newly planned transaction to the ledger.
func (s *Store) Create(tx model.EnvTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	env.Transactions = append(env.Transactions, tx)
	return s.save(env)
}

// Update overwrites the transaction matching tx.ID, appending it if absent.
func (s *Store) Update(tx model.EnvTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	for i := range env.Transactions {
		if env.Transactions[i].ID == tx.ID {
			env.Transactions[i] = tx
			return s.save(env)
		}
	}
	env.Transactions = append(env.Transactions, tx)
	return s.save(env)
}

// Get returns the transaction with the given id.
func (s *Store) Get(id string) (model.EnvTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	for _, tx := range env.Transactions {
		if tx.ID == id {
			return tx, true
		}
	}
	return model.EnvTx{}, false
}

// List returns all retained transactions, oldest first.
func (s *Store) List() []model.EnvTx {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.load()
	out := make([]model.EnvTx, len(env.Transactions))
	copy(out, env.Transactions)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Latest returns the most recently created transaction, if any.
func (s *Store) Latest() (model.EnvTx, bool) {
	all := s.List()
	if len(all) == 0 {
		return model.EnvTx{}, false
	}
	return all[len(all)-1], true
}
