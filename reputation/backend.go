// Package reputation provides a uniform client over the on-chain reputation
// and stake registry. A host-injected adapter talks to the real contract
// wrapper; a bounded in-process fallback simulates the same semantics for
// local and test runs. Trust-mode gating decides which path each operation
// may take.
package reputation

import (
	"context"
	"errors"

	"meshd/protocol"
)

var (
	// ErrMinStakeViolation is returned when a registration stakes less than
	// the minimum of 1.
	ErrMinStakeViolation = errors.New("min_stake_violation")
	// ErrReplay is returned when a txHash is replayed against the same
	// executor.
	ErrReplay = errors.New("tx_replay")
	// ErrChainPathUnavailable is returned for chain-mutating operations in
	// strict mode without a host adapter.
	ErrChainPathUnavailable = errors.New("chain_path_unavailable")
	// ErrLocalFallbackDisabled is returned when the operator has disabled
	// the in-process simulation and no host adapter is present.
	ErrLocalFallbackDisabled = errors.New("local_reputation_fallback_disabled")
)

// StakeInfo describes an agent's stake position.
type StakeInfo struct {
	Stake      protocol.Decimal
	Since      int64
	AgeSeconds int64
}

// SlashResult reports the stake and reputation removed by a slash.
type SlashResult struct {
	SlashedStake   protocol.Decimal
	RemainingStake protocol.Decimal
	NewScore       int64
}

// Backend is the set of registry operations shared by the host adapter and
// the local fallback.
type Backend interface {
	RegisterAgent(ctx context.Context, address string, stake protocol.Decimal) error
	GetReputation(ctx context.Context, address string) (int64, error)
	GetStakeInfo(ctx context.Context, address string) (StakeInfo, error)
	// RecordOutcome applies the rating delta and returns the new score.
	// Replayed txHashes for the same executor fail with ErrReplay.
	RecordOutcome(ctx context.Context, executor, txHash string, rating int64) (int64, error)
	Slash(ctx context.Context, offender, reason string) (SlashResult, error)
	// WithdrawStake returns the prior stake and removes the agent.
	WithdrawStake(ctx context.Context, address string) (protocol.Decimal, error)
}

// ratingDelta maps a settle rating onto a reputation adjustment.
func ratingDelta(rating int64) int64 {
	switch {
	case rating >= 9:
		return 15
	case rating >= 7:
		return 8
	case rating >= 5:
		return 2
	case rating >= 3:
		return -10
	default:
		return -25
	}
}
