package blockchain

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ChainExport is the on-disk audit copy of a chain.
// The node never loads it back on startup.
type ChainExport struct {
	ExportedAt time.Time `json:"exportedAt"`
	Height     uint64    `json:"height"`
	TipHash    string    `json:"tipHash"`
	Blocks     []Block   `json:"blocks"`
}

type BlockStore struct {
	path string
}

func NewBlockStore(path string) *BlockStore {
	return &BlockStore{path: filepath.Clean(path)}
}

func (s *BlockStore) Path() string { return s.path }

func (s *BlockStore) Load() (ChainExport, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return ChainExport{}, err
	}

	var exp ChainExport
	if err := json.Unmarshal(raw, &exp); err != nil {
		return ChainExport{}, err
	}

	// Sort by index ascending for consistency
	sort.Slice(exp.Blocks, func(i, j int) bool { return exp.Blocks[i].Index < exp.Blocks[j].Index })
	return exp, nil
}

func (s *BlockStore) Save(blocks []Block) error {
	if len(blocks) == 0 {
		return errors.New("no blocks to export")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	tip := blocks[len(blocks)-1]
	exp := ChainExport{
		ExportedAt: time.Now().UTC(),
		Height:     tip.Index,
		TipHash:    tip.Hash,
		Blocks:     blocks,
	}

	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Chmod(s.path, 0o600)
	return nil
}

// Export writes the current contents of c.
func (s *BlockStore) Export(c *Chain) error {
	return s.Save(c.Blocks())
}
