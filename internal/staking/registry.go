// Package staking holds the validator registry: the stake weight of every
// validator that has registered with the node.
//
// The registry is upsert-only. Registering a known id replaces its stake;
// there is no removal.
package staking

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrInvalidValidatorID = errors.New("validator id must not be empty")

type Validator struct {
	ID           string    `json:"id"`
	Stake        uint64    `json:"stake"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Registry struct {
	mu         sync.Mutex
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
	}
}

// Register upserts the stake for id.
func (r *Registry) Register(id string, stake uint64) error {
	if id == "" {
		return ErrInvalidValidatorID
	}

	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		v = Validator{ID: id, RegisteredAt: now}
	}
	v.Stake = stake
	v.UpdatedAt = now
	r.validators[id] = v
	return nil
}

// StakeOf returns the stake of id, and false if id never registered.
func (r *Registry) StakeOf(id string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	return v.Stake, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.validators)
}

// Snapshot returns every registered validator, sorted by id.
func (r *Registry) Snapshot() []Validator {
	r.mu.Lock()
	out := make([]Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	vals := r.Snapshot()
	ids := make([]string, len(vals))
	for i, v := range vals {
		ids[i] = v.ID
	}
	return ids
}

// TotalStake sums every registered stake, saturating at the uint64 maximum.
func (r *Registry) TotalStake() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total uint64
	for _, v := range r.validators {
		if total+v.Stake < total {
			return ^uint64(0)
		}
		total += v.Stake
	}
	return total
}
