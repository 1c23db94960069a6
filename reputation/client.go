package reputation

import (
	"context"

	"meshd/protocol"
)

// Client routes registry operations between the host adapter and the local
// fallback. Strict mode hard-fails chain-mutating operations when no host
// adapter is wired; reads may still fall back to the simulation unless the
// operator disabled it.
type Client struct {
	host       Backend
	local      *LocalFallback
	strict     bool
	allowLocal bool
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHostBackend wires the host-injected chain adapter.
func WithHostBackend(host Backend) ClientOption {
	return func(c *Client) { c.host = host }
}

// WithStrictChain makes chain-mutating operations fail when no host adapter
// is present instead of running against the simulation.
func WithStrictChain(strict bool) ClientOption {
	return func(c *Client) { c.strict = strict }
}

// WithLocalFallbackAllowed controls whether the in-process simulation may
// serve operations at all.
func WithLocalFallbackAllowed(allowed bool) ClientOption {
	return func(c *Client) { c.allowLocal = allowed }
}

// NewClient builds a registry client. Without options it runs entirely on
// the local simulation.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		local:      NewLocalFallback(),
		allowLocal: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Local exposes the simulation backend, for tests and seeding.
func (c *Client) Local() *LocalFallback { return c.local }

// HasHost reports whether a host adapter is wired.
func (c *Client) HasHost() bool { return c.host != nil }

// resolve picks the backend for one operation. Mutating operations in strict
// mode require the host adapter.
func (c *Client) resolve(mutating bool) (Backend, error) {
	if c.host != nil {
		return c.host, nil
	}
	if mutating && c.strict {
		return nil, ErrChainPathUnavailable
	}
	if !c.allowLocal {
		return nil, ErrLocalFallbackDisabled
	}
	return c.local, nil
}

// RegisterAgent stakes the agent into the registry.
func (c *Client) RegisterAgent(ctx context.Context, address string, stake protocol.Decimal) error {
	backend, err := c.resolve(true)
	if err != nil {
		return err
	}
	return backend.RegisterAgent(ctx, address, stake)
}

// GetReputation returns the agent's current score.
func (c *Client) GetReputation(ctx context.Context, address string) (int64, error) {
	backend, err := c.resolve(false)
	if err != nil {
		return 0, err
	}
	return backend.GetReputation(ctx, address)
}

// GetStakeInfo returns the agent's stake position.
func (c *Client) GetStakeInfo(ctx context.Context, address string) (StakeInfo, error) {
	backend, err := c.resolve(false)
	if err != nil {
		return StakeInfo{}, err
	}
	return backend.GetStakeInfo(ctx, address)
}

// RecordOutcome applies a settle rating to the executor's score.
func (c *Client) RecordOutcome(ctx context.Context, executor, txHash string, rating int64) (int64, error) {
	backend, err := c.resolve(true)
	if err != nil {
		return 0, err
	}
	return backend.RecordOutcome(ctx, executor, txHash, rating)
}

// Slash penalizes the offender's stake and score.
func (c *Client) Slash(ctx context.Context, offender, reason string) (SlashResult, error) {
	backend, err := c.resolve(true)
	if err != nil {
		return SlashResult{}, err
	}
	return backend.Slash(ctx, offender, reason)
}

// WithdrawStake removes the agent from the registry.
func (c *Client) WithdrawStake(ctx context.Context, address string) (protocol.Decimal, error) {
	backend, err := c.resolve(true)
	if err != nil {
		return protocol.Decimal{}, err
	}
	return backend.WithdrawStake(ctx, address)
}
