package blockchain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrInvalidBlock  = errors.New("invalid block")
	ErrBlockNotFound = errors.New("block not found")
)

// Chain is the append-only ledger shared by sessions and the round aggregator.
// Reads take the read lock; Append validates and commits under the write lock.
type Chain struct {
	mu sync.RWMutex

	blocks []Block
	byHash map[string]uint64
}

func New() *Chain {
	g := NewGenesisBlock()
	return &Chain{
		blocks: []Block{g},
		byHash: map[string]uint64{g.Hash: g.Index},
	}
}

// Tip returns the most recently committed block.
func (c *Chain) Tip() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

func (c *Chain) Height() uint64 {
	return c.Tip().Index
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

func (c *Chain) Genesis() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[0]
}

// Append commits candidate as the new tip.
// On failure the chain is unchanged and the error wraps ErrInvalidBlock.
func (c *Chain) Append(candidate Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.blocks[len(c.blocks)-1]
	if err := validateNext(tip, candidate); err != nil {
		return err
	}

	c.blocks = append(c.blocks, candidate)
	c.byHash[candidate.Hash] = candidate.Index
	return nil
}

func (c *Chain) BlockAt(index uint64) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if index >= uint64(len(c.blocks)) {
		return Block{}, fmt.Errorf("index %d: %w", index, ErrBlockNotFound)
	}
	return c.blocks[index], nil
}

func (c *Chain) BlockByHash(hash string) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byHash[hash]
	if !ok {
		return Block{}, fmt.Errorf("hash %s: %w", hash, ErrBlockNotFound)
	}
	return c.blocks[i], nil
}

// Blocks returns a copy of the whole chain, genesis first.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Verify re-checks every link of the chain.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyBlocks(c.blocks)
}

func (c *Chain) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	for _, b := range c.blocks {
		sb.WriteString(b.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// VerifyBlocks checks a full chain: the genesis block followed by valid links.
func VerifyBlocks(blocks []Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: empty chain", ErrInvalidBlock)
	}
	if blocks[0] != NewGenesisBlock() {
		return fmt.Errorf("%w: genesis mismatch", ErrInvalidBlock)
	}
	for i := 1; i < len(blocks); i++ {
		if err := validateNext(blocks[i-1], blocks[i]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func validateNext(prev, next Block) error {
	if next.Index != prev.Index+1 {
		return fmt.Errorf("%w: index %d, expected %d", ErrInvalidBlock, next.Index, prev.Index+1)
	}
	if next.PrevHash != prev.Hash {
		return fmt.Errorf("%w: prev hash %q does not match tip %q", ErrInvalidBlock, next.PrevHash, prev.Hash)
	}
	if !next.SelfConsistent() {
		return fmt.Errorf("%w: hash %q does not match contents", ErrInvalidBlock, next.Hash)
	}
	return nil
}
