package reputation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"meshd/protocol"
)

// LocalFallback simulates the registry in process. It is the reference
// semantics the host adapter is tested against: first registration seeds a
// score of 100, outcome deltas follow the rating table, slashes remove 20%
// of stake and 50 reputation, and txHash replays per executor are rejected.
type LocalFallback struct {
	mu         sync.Mutex
	scores     map[string]int64
	stakes     map[string]*big.Rat
	stakeSince map[string]int64
	txSeen     map[string]struct{}
	now        func() int64
}

// NewLocalFallback constructs an empty simulation.
func NewLocalFallback() *LocalFallback {
	return &LocalFallback{
		scores:     make(map[string]int64),
		stakes:     make(map[string]*big.Rat),
		stakeSince: make(map[string]int64),
		txSeen:     make(map[string]struct{}),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (l *LocalFallback) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

var minStake = big.NewRat(1, 1)

// RegisterAgent stakes the agent into the registry. The first registration
// seeds score and stake age; later calls only overwrite the stake.
func (l *LocalFallback) RegisterAgent(_ context.Context, address string, stake protocol.Decimal) error {
	rat := stake.Rat()
	if rat.Cmp(minStake) < 0 {
		return ErrMinStakeViolation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, known := l.stakes[address]; !known {
		l.scores[address] = 100
		l.stakeSince[address] = l.now()
	}
	l.stakes[address] = rat
	return nil
}

// GetReputation returns the current score; unknown agents score zero.
func (l *LocalFallback) GetReputation(_ context.Context, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[address], nil
}

// GetStakeInfo returns the stake position and its age.
func (l *LocalFallback) GetStakeInfo(_ context.Context, address string) (StakeInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := StakeInfo{}
	if stake, ok := l.stakes[address]; ok {
		info.Stake = protocol.DecimalFromRat(stake)
	}
	if since, ok := l.stakeSince[address]; ok {
		info.Since = since
		if age := l.now() - since; age > 0 {
			info.AgeSeconds = age
		}
	}
	return info, nil
}

// RecordOutcome applies the rating delta. A txHash replayed for the same
// executor leaves the score untouched and fails.
func (l *LocalFallback) RecordOutcome(_ context.Context, executor, txHash string, rating int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seenKey := executor + ":" + txHash
	if _, seen := l.txSeen[seenKey]; seen {
		return l.scores[executor], ErrReplay
	}
	l.txSeen[seenKey] = struct{}{}
	score := l.scores[executor] + ratingDelta(rating)
	if score < 0 {
		score = 0
	}
	l.scores[executor] = score
	return score, nil
}

// Slash removes 20% of the offender's stake and 50 reputation.
func (l *LocalFallback) Slash(_ context.Context, offender, _ string) (SlashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stake := l.stakes[offender]
	if stake == nil {
		stake = new(big.Rat)
	}
	slashed := new(big.Rat).Mul(stake, big.NewRat(1, 5))
	remaining := new(big.Rat).Sub(stake, slashed)
	if remaining.Sign() < 0 {
		remaining = new(big.Rat)
	}
	l.stakes[offender] = remaining

	score := l.scores[offender] - 50
	if score < 0 {
		score = 0
	}
	l.scores[offender] = score

	return SlashResult{
		SlashedStake:   protocol.DecimalFromRat(slashed),
		RemainingStake: protocol.DecimalFromRat(remaining),
		NewScore:       score,
	}, nil
}

// WithdrawStake returns the prior stake and removes the agent entirely.
func (l *LocalFallback) WithdrawStake(_ context.Context, address string) (protocol.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prior := protocol.Decimal{}
	if stake, ok := l.stakes[address]; ok {
		prior = protocol.DecimalFromRat(stake)
	}
	delete(l.stakes, address)
	delete(l.scores, address)
	delete(l.stakeSince, address)
	return prior, nil
}
