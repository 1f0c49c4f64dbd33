package blockchain

import (
	"encoding/binary"
	"fmt"
	"time"

	vcrypto "github.com/VeltarosLabs/stakechain/internal/crypto"
)

// GenesisValidator is the validator id carried by the genesis block.
const GenesisValidator = "genesis"

// Block is one hash-linked entry of the ledger.
type Block struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prevHash"`
	Validator string `json:"validator"`
	Hash      string `json:"hash"`
}

// ComputeHash returns the hex SHA-256 digest of the block's identity fields.
// The stored Hash is not part of the input.
func ComputeHash(index uint64, timestamp int64, prevHash, validator string) string {
	// Canonical serialization: fixed-size little-endian integers, length-prefixed strings.
	buf := make([]byte, 0, 8+8+4+len(prevHash)+4+len(validator))

	buf = binary.LittleEndian.AppendUint64(buf, index)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(prevHash)))
	buf = append(buf, prevHash...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(validator)))
	buf = append(buf, validator...)

	return vcrypto.Sha256Hex(buf)
}

// NewBlock builds a block stamped with the current time and its hash filled in.
func NewBlock(index uint64, prevHash, validator string) Block {
	return newBlockAt(index, time.Now().UTC().Unix(), prevHash, validator)
}

func newBlockAt(index uint64, timestamp int64, prevHash, validator string) Block {
	return Block{
		Index:     index,
		Timestamp: timestamp,
		PrevHash:  prevHash,
		Validator: validator,
		Hash:      ComputeHash(index, timestamp, prevHash, validator),
	}
}

// NewGenesisBlock returns the fixed first block of every chain.
func NewGenesisBlock() Block {
	// Minimal deterministic genesis.
	return newBlockAt(0, 0, "", GenesisValidator)
}

// NextBlock builds the candidate that extends tip on behalf of validator.
func NextBlock(tip Block, validator string) Block {
	return NewBlock(tip.Index+1, tip.Hash, validator)
}

// ComputeHash recomputes the digest from b's fields.
func (b Block) ComputeHash() string {
	return ComputeHash(b.Index, b.Timestamp, b.PrevHash, b.Validator)
}

// SelfConsistent reports whether the stored hash matches the block's fields.
func (b Block) SelfConsistent() bool {
	return b.Hash == b.ComputeHash()
}

func (b Block) String() string {
	return fmt.Sprintf("Block #%d [Hash: %s, Prev. Hash: %s, Validator: %s]",
		b.Index, b.Hash, b.PrevHash, b.Validator)
}
