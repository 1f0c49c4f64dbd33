// Package storage owns the node's data directory.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
)

type Store struct {
	DataDir string
}

func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{DataDir: dataDir}, nil
}

func (s *Store) Path(elem ...string) string {
	parts := append([]string{s.DataDir}, elem...)
	return filepath.Join(parts...)
}

// ChainExport returns the block store for the chain export file name.
// Names may not escape the data directory.
func (s *Store) ChainExport(name string) (*blockchain.BlockStore, error) {
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid chain export file name %q", name)
	}
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return blockchain.NewBlockStore(path), nil
}
