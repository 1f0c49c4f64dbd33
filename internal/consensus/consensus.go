// Package consensus implements the proof-of-stake round protocol.
//
// A [Trigger] periodically asks every subscribed session to propose a block
// on top of the current ledger tip. Sessions hand their candidates to the
// [Aggregator], the single goroutine that owns round state. Once every
// validator expected in the round has proposed, the aggregator asks the
// [Lottery] for a stake-weighted winner and commits the winner's proposal to
// the ledger. The round then resets and subscribers learn the new tip.
package consensus

import (
	"errors"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
)

var (
	ErrNoEligibleWinner   = errors.New("no eligible winner: lottery pool is empty")
	ErrProposalBufferFull = errors.New("proposal buffer full")
	ErrAggregatorStopped  = errors.New("aggregator stopped")
)

// StakeReader is the subset of the validator registry the lottery reads.
type StakeReader interface {
	StakeOf(id string) (uint64, bool)
}

// ValidatorSet is the subset of the validator registry the aggregator reads.
type ValidatorSet interface {
	StakeReader
	IDs() []string
}

// Ledger is the subset of the chain the aggregator commits to.
type Ledger interface {
	Tip() blockchain.Block
	Append(blockchain.Block) error
}

// CommitNotifier is told about every new tip the aggregator commits.
type CommitNotifier interface {
	NotifyCommitted(tip blockchain.Block)
}
