package consensus

import (
	"crypto/cipher"
	"fmt"
	"math/big"
	"sync"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"go.dedis.ch/kyber/v4/util/random"
)

// PoolEntry is one validator's share of a lottery pool.
type PoolEntry struct {
	Validator string
	Stake     uint64
}

// Pool is the stake-weighted lottery pool for one round.
//
// Conceptually each validator appears in the pool once per unit of stake.
// Entries are kept as consecutive ranges instead:
// entry i owns tickets [sum(stake[0:i]), sum(stake[0:i+1])).
type Pool struct {
	entries []PoolEntry
	total   *big.Int
}

// BuildPool collects the distinct proposers of proposals, in order of first
// appearance, weighted by their registered stake.
// Unregistered and zero-stake proposers get no tickets.
func BuildPool(proposals []blockchain.Block, stakes StakeReader) Pool {
	p := Pool{total: new(big.Int)}

	seen := make(map[string]struct{}, len(proposals))
	for _, b := range proposals {
		if _, ok := seen[b.Validator]; ok {
			continue
		}
		seen[b.Validator] = struct{}{}

		stake, _ := stakes.StakeOf(b.Validator)
		if stake == 0 {
			continue
		}
		p.entries = append(p.entries, PoolEntry{Validator: b.Validator, Stake: stake})
		p.total.Add(p.total, new(big.Int).SetUint64(stake))
	}
	return p
}

// Empty reports whether the pool has no tickets.
func (p Pool) Empty() bool {
	return p.total == nil || p.total.Sign() == 0
}

// Size returns the total number of tickets.
func (p Pool) Size() *big.Int {
	if p.total == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p.total)
}

func (p Pool) Entries() []PoolEntry {
	out := make([]PoolEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Owner returns the validator holding the given ticket.
func (p Pool) Owner(ticket *big.Int) (string, error) {
	if p.Empty() {
		return "", ErrNoEligibleWinner
	}
	if ticket.Sign() < 0 || ticket.Cmp(p.total) >= 0 {
		return "", fmt.Errorf("ticket %s outside pool of %s", ticket, p.total)
	}

	upper := new(big.Int)
	for _, e := range p.entries {
		upper.Add(upper, new(big.Int).SetUint64(e.Stake))
		if ticket.Cmp(upper) < 0 {
			return e.Validator, nil
		}
	}
	panic("unreachable: ticket below total but past last entry")
}

// DrawResult describes a completed draw.
type DrawResult struct {
	Winner string
	Ticket *big.Int
	Pool   Pool
}

// Lottery draws stake-weighted winners.
// With no explicit stream, every draw reads a fresh crypto/rand seeded stream.
type Lottery struct {
	mu     sync.Mutex
	stream cipher.Stream
}

func NewLottery() *Lottery {
	return &Lottery{}
}

// NewLotteryWithStream returns a lottery reading all randomness from stream.
// Intended for tests that need reproducible draws.
func NewLotteryWithStream(stream cipher.Stream) *Lottery {
	return &Lottery{stream: stream}
}

// Draw selects a winner among the proposers of proposals.
// Each proposer wins with probability stake / total stake of proposers.
func (l *Lottery) Draw(proposals []blockchain.Block, stakes StakeReader) (DrawResult, error) {
	pool := BuildPool(proposals, stakes)
	if pool.Empty() {
		return DrawResult{Pool: pool}, ErrNoEligibleWinner
	}

	ticket := l.uniform(pool.total)
	winner, err := pool.Owner(ticket)
	if err != nil {
		return DrawResult{Pool: pool}, err
	}
	return DrawResult{Winner: winner, Ticket: ticket, Pool: pool}, nil
}

// uniform returns a value uniformly distributed in [0, n), n > 0,
// by rejection sampling over n.BitLen() random bits.
func (l *Lottery) uniform(n *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.stream
	if stream == nil {
		stream = random.New()
	}

	bits := n.BitLen()
	buf := make([]byte, (bits+7)/8)
	v := new(big.Int)
	for {
		clear(buf)
		stream.XORKeyStream(buf, buf)
		if extra := len(buf)*8 - bits; extra > 0 {
			buf[0] &= byte(0xff >> extra)
		}
		v.SetBytes(buf)
		if v.Cmp(n) < 0 {
			return v
		}
	}
}
