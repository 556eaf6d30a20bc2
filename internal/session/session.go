// Package session persists the cloud token triple between daemon runs. The
// core library never stores tokens itself; it reports changed snapshots and
// this store writes them out.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/trymwestin/owletd/internal/core/api"
)

// Store reads and writes the token file.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore creates a token store at path.
func NewStore(path string, log *slog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load reads the persisted token triple. A missing file is not an error; it
// returns nil tokens so the caller falls back to a credential login.
func (s *Store) Load() (*api.Tokens, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read %s: %w", s.path, err)
	}

	var tokens api.Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	s.log.Debug("session restored", "path", s.path)
	return &tokens, nil
}

// Save writes the token triple, creating parent directories as needed. The
// file is written 0600 since it holds live credentials.
func (s *Store) Save(tokens *api.Tokens) error {
	if tokens == nil {
		return nil
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("session: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", s.path, err)
	}
	s.log.Debug("session saved", "path", s.path)
	return nil
}
