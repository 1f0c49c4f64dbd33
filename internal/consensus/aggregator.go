package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultProposalBuffer = 16
	DefaultHistorySize    = 256
)

// RoundOutcome records how a round was resolved.
type RoundOutcome struct {
	ID         string    `json:"id"`
	Number     uint64    `json:"number"`
	OpenedAt   time.Time `json:"openedAt"`
	ResolvedAt time.Time `json:"resolvedAt"`

	// Expected is the validator set snapshotted when the round opened.
	Expected []string `json:"expected"`

	// Proposers lists every distinct proposer, in order of first proposal.
	Proposers []string `json:"proposers"`
	Proposals int      `json:"proposals"`

	Winner    string   `json:"winner,omitempty"`
	PoolTotal string   `json:"poolTotal"`
	Committed []string `json:"committed,omitempty"`
	Rejected  int      `json:"rejected"`

	// Err is set when the round resolved without a winner.
	Err string `json:"error,omitempty"`
}

// RoundStatus is a point-in-time view of the open round.
type RoundStatus struct {
	Open      bool      `json:"open"`
	ID        string    `json:"id,omitempty"`
	Number    uint64    `json:"number"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
	Expected  []string  `json:"expected"`
	Proposed  []string  `json:"proposed"`
	Waiting   []string  `json:"waiting"`
	Late      []string  `json:"late"`
	Proposals int       `json:"proposals"`
}

type AggregatorConfig struct {
	Chain      Ledger
	Validators ValidatorSet

	// Lottery defaults to NewLottery().
	Lottery *Lottery

	// Notifier, if set, learns every newly committed tip.
	Notifier CommitNotifier

	ProposalBuffer int
	HistorySize    int

	// OutcomesOut, if set, receives every round outcome.
	// Sends are non-blocking; outcomes are dropped when it is full.
	OutcomesOut chan<- RoundOutcome
}

// Aggregator consumes proposals and resolves rounds.
// All round state lives on its own goroutine.
type Aggregator struct {
	log *slog.Logger

	chain      Ledger
	validators ValidatorSet
	lottery    *Lottery
	notifier   CommitNotifier
	outcomes   chan<- RoundOutcome

	history *lru.Cache[string, RoundOutcome]

	proposals      chan blockchain.Block
	statusRequests chan chan RoundStatus

	stopped chan struct{}
	done    chan struct{}
}

func NewAggregator(ctx context.Context, log *slog.Logger, cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Chain == nil {
		return nil, errors.New("aggregator: chain is required")
	}
	if cfg.Validators == nil {
		return nil, errors.New("aggregator: validator set is required")
	}
	if cfg.Lottery == nil {
		cfg.Lottery = NewLottery()
	}
	if cfg.ProposalBuffer <= 0 {
		cfg.ProposalBuffer = DefaultProposalBuffer
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	history, err := lru.New[string, RoundOutcome](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("aggregator: round history: %w", err)
	}

	a := &Aggregator{
		log:        log,
		chain:      cfg.Chain,
		validators: cfg.Validators,
		lottery:    cfg.Lottery,
		notifier:   cfg.Notifier,
		outcomes:   cfg.OutcomesOut,
		history:    history,

		proposals:      make(chan blockchain.Block, cfg.ProposalBuffer),
		statusRequests: make(chan chan RoundStatus),

		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run(ctx)
	return a, nil
}

// Wait blocks until the aggregator goroutine has returned.
func (a *Aggregator) Wait() {
	<-a.done
}

// Submit queues a proposal without blocking.
func (a *Aggregator) Submit(b blockchain.Block) error {
	select {
	case <-a.stopped:
		return ErrAggregatorStopped
	default:
	}

	select {
	case a.proposals <- b:
		return nil
	default:
		return ErrProposalBufferFull
	}
}

// Pending reports the state of the open round.
func (a *Aggregator) Pending(ctx context.Context) (RoundStatus, error) {
	ch := make(chan RoundStatus, 1)

	select {
	case <-ctx.Done():
		return RoundStatus{}, context.Cause(ctx)
	case <-a.stopped:
		return RoundStatus{}, ErrAggregatorStopped
	case a.statusRequests <- ch:
	}

	select {
	case <-ctx.Done():
		return RoundStatus{}, context.Cause(ctx)
	case s := <-ch:
		return s, nil
	}
}

// History returns the retained round outcomes, oldest first.
func (a *Aggregator) History() []RoundOutcome {
	return a.history.Values()
}

func (a *Aggregator) Round(id string) (RoundOutcome, bool) {
	return a.history.Peek(id)
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)
	defer close(a.stopped)

	var (
		r      round
		number uint64
	)

	for {
		select {
		case <-ctx.Done():
			if r.open() {
				a.log.Info("aggregator stopping with round open",
					"round", r.id,
					"proposals", len(r.proposals),
					"waiting", r.waiting(),
				)
			}
			return

		case ch := <-a.statusRequests:
			ch <- r.status(number)

		case b := <-a.proposals:
			if !r.open() {
				number++
				r = newRound(number)
			}
			if len(r.expected) == 0 {
				r.snapshot(a.validators.IDs())
			}

			repeat := r.record(b)
			a.log.Debug("proposal recorded",
				"round", r.id,
				"validator", b.Validator,
				"index", b.Index,
				"proposed", r.proposedCount(),
				"expected", len(r.expected),
			)

			if !r.complete() {
				if repeat && len(r.expected) > 0 {
					a.log.Warn("round still waiting on validators",
						"round", r.id,
						"validator", b.Validator,
						"waiting", r.waiting(),
					)
				}
				continue
			}

			a.resolve(&r)
			r = round{}
		}
	}
}

func (a *Aggregator) resolve(r *round) {
	out := RoundOutcome{
		ID:        r.id,
		Number:    r.number,
		OpenedAt:  r.openedAt,
		Expected:  append([]string(nil), r.expected...),
		Proposers: r.proposerOrder(),
		Proposals: len(r.proposals),
	}

	draw, err := a.lottery.Draw(r.proposals, a.validators)
	out.PoolTotal = draw.Pool.Size().String()

	if err != nil {
		out.Err = err.Error()
		out.ResolvedAt = time.Now().UTC()
		a.log.Warn("round resolved without commit",
			"round", r.id,
			"proposals", len(r.proposals),
			"err", err,
		)
		a.record(out)
		return
	}
	out.Winner = draw.Winner

	var committed bool
	for _, b := range r.proposals {
		if b.Validator != draw.Winner {
			continue
		}
		if err := a.chain.Append(b); err != nil {
			out.Rejected++
			a.log.Warn("winning proposal rejected by ledger",
				"round", r.id,
				"validator", b.Validator,
				"index", b.Index,
				"hash", b.Hash,
				"err", err,
			)
			continue
		}
		committed = true
		out.Committed = append(out.Committed, b.Hash)
	}
	out.ResolvedAt = time.Now().UTC()

	a.log.Info("round resolved",
		"round", r.id,
		"number", r.number,
		"winner", draw.Winner,
		"ticket", draw.Ticket.String(),
		"pool", out.PoolTotal,
		"committed", len(out.Committed),
		"rejected", out.Rejected,
	)
	a.record(out)

	if committed && a.notifier != nil {
		a.notifier.NotifyCommitted(a.chain.Tip())
	}
}

func (a *Aggregator) record(out RoundOutcome) {
	a.history.Add(out.ID, out)

	if a.outcomes == nil {
		return
	}
	select {
	case a.outcomes <- out:
	default:
		a.log.Debug("round outcome dropped: consumer not keeping up", "round", out.ID)
	}
}

// round is the state of one in-flight round.
// It is only touched by the aggregator goroutine.
type round struct {
	id       string
	number   uint64
	openedAt time.Time

	expected []string
	index    map[string]uint
	proposed *bitset.BitSet

	// late holds proposers absent from the expected snapshot.
	late      map[string]struct{}
	lateOrder []string

	proposals []blockchain.Block
}

func newRound(number uint64) round {
	return round{
		id:       uuid.NewString(),
		number:   number,
		openedAt: time.Now().UTC(),
		late:     make(map[string]struct{}),
	}
}

func (r *round) open() bool {
	return r.id != ""
}

// snapshot fixes the expected proposer set. Proposers already recorded as
// late are moved into it.
func (r *round) snapshot(ids []string) {
	if len(ids) == 0 {
		return
	}

	r.expected = ids
	r.index = make(map[string]uint, len(ids))
	r.proposed = bitset.New(uint(len(ids)))
	for i, id := range ids {
		r.index[id] = uint(i)
	}

	kept := r.lateOrder[:0]
	for _, id := range r.lateOrder {
		if i, ok := r.index[id]; ok {
			r.proposed.Set(i)
			delete(r.late, id)
			continue
		}
		kept = append(kept, id)
	}
	r.lateOrder = kept
}

// record adds b to the round and reports whether its validator had already
// proposed in this round.
func (r *round) record(b blockchain.Block) (repeat bool) {
	r.proposals = append(r.proposals, b)

	if i, ok := r.index[b.Validator]; ok {
		repeat = r.proposed.Test(i)
		r.proposed.Set(i)
		return repeat
	}
	if _, ok := r.late[b.Validator]; ok {
		return true
	}
	r.late[b.Validator] = struct{}{}
	r.lateOrder = append(r.lateOrder, b.Validator)
	return false
}

// complete reports whether every expected validator has proposed.
func (r *round) complete() bool {
	if len(r.expected) == 0 {
		return false
	}
	return r.proposedCount() == len(r.expected)
}

func (r *round) proposedCount() int {
	if r.proposed == nil {
		return 0
	}
	return int(r.proposed.Count())
}

func (r *round) waiting() []string {
	var out []string
	for i, id := range r.expected {
		if !r.proposed.Test(uint(i)) {
			out = append(out, id)
		}
	}
	return out
}

func (r *round) proposerOrder() []string {
	seen := make(map[string]struct{}, len(r.proposals))
	var out []string
	for _, b := range r.proposals {
		if _, ok := seen[b.Validator]; ok {
			continue
		}
		seen[b.Validator] = struct{}{}
		out = append(out, b.Validator)
	}
	return out
}

func (r *round) status(lastNumber uint64) RoundStatus {
	s := RoundStatus{
		Number:   lastNumber,
		Expected: []string{},
		Proposed: []string{},
		Waiting:  []string{},
		Late:     []string{},
	}
	if !r.open() {
		return s
	}

	s.Open = true
	s.ID = r.id
	s.Number = r.number
	s.OpenedAt = r.openedAt
	s.Proposals = len(r.proposals)
	s.Expected = append(s.Expected, r.expected...)
	s.Late = append(s.Late, r.lateOrder...)
	for i, id := range r.expected {
		if r.proposed.Test(uint(i)) {
			s.Proposed = append(s.Proposed, id)
		} else {
			s.Waiting = append(s.Waiting, id)
		}
	}
	return s
}
