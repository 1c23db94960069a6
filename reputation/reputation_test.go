package reputation

import (
	"context"
	"errors"
	"testing"

	"meshd/protocol"
)

func dec(t *testing.T, s string) protocol.Decimal {
	t.Helper()
	d, err := protocol.ParseDecimal(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestRegisterAgentSeedsFirstRegistrationOnly(t *testing.T) {
	ctx := context.Background()
	local := NewLocalFallback()
	clock := int64(1000)
	local.SetNowFunc(func() int64 { return clock })

	if err := local.RegisterAgent(ctx, "EQX", dec(t, "0.5")); !errors.Is(err, ErrMinStakeViolation) {
		t.Fatalf("expected ErrMinStakeViolation, got %v", err)
	}
	if err := local.RegisterAgent(ctx, "EQX", dec(t, "10")); err != nil {
		t.Fatalf("register: %v", err)
	}
	score, err := local.GetReputation(ctx, "EQX")
	if err != nil || score != 100 {
		t.Fatalf("expected seeded score 100, got %d (%v)", score, err)
	}

	// Re-registration overwrites stake but not score or stake age.
	clock = 5000
	if _, err := local.RecordOutcome(ctx, "EQX", "tx1", 2); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := local.RegisterAgent(ctx, "EQX", dec(t, "20")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	score, _ = local.GetReputation(ctx, "EQX")
	if score != 75 {
		t.Fatalf("re-registration reset score: got %d, want 75", score)
	}
	info, err := local.GetStakeInfo(ctx, "EQX")
	if err != nil {
		t.Fatalf("stake info: %v", err)
	}
	if info.Stake.String() != "20" {
		t.Fatalf("stake not overwritten: %s", info.Stake)
	}
	if info.Since != 1000 || info.AgeSeconds != 4000 {
		t.Fatalf("stake age reset: since=%d age=%d", info.Since, info.AgeSeconds)
	}
}

func TestRecordOutcomeDeltaTable(t *testing.T) {
	cases := []struct {
		rating int64
		want   int64
	}{
		{10, 115}, {9, 115},
		{8, 108}, {7, 108},
		{6, 102}, {5, 102},
		{4, 90}, {3, 90},
		{2, 75}, {1, 75},
	}
	ctx := context.Background()
	for _, tc := range cases {
		local := NewLocalFallback()
		if err := local.RegisterAgent(ctx, "EQY", dec(t, "5")); err != nil {
			t.Fatalf("register: %v", err)
		}
		got, err := local.RecordOutcome(ctx, "EQY", "tx", tc.rating)
		if err != nil {
			t.Fatalf("rating %d: %v", tc.rating, err)
		}
		if got != tc.want {
			t.Fatalf("rating %d: score %d, want %d", tc.rating, got, tc.want)
		}
	}
}

func TestRecordOutcomeClampsAtZero(t *testing.T) {
	ctx := context.Background()
	local := NewLocalFallback()
	// Unregistered executor starts at 0; a failure cannot go negative.
	score, err := local.RecordOutcome(ctx, "EQZ", "tx-a", 1)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if score != 0 {
		t.Fatalf("score went negative: %d", score)
	}
}

func TestRecordOutcomeReplayGuard(t *testing.T) {
	ctx := context.Background()
	local := NewLocalFallback()
	if err := local.RegisterAgent(ctx, "EQY", dec(t, "5")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := local.RecordOutcome(ctx, "EQY", "0xabc", 9); err != nil {
		t.Fatalf("first record: %v", err)
	}
	score, err := local.RecordOutcome(ctx, "EQY", "0xabc", 9)
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if score != 115 {
		t.Fatalf("replay moved the score: %d", score)
	}
	// Same hash against a different executor is a distinct outcome.
	if err := local.RegisterAgent(ctx, "EQW", dec(t, "5")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := local.RecordOutcome(ctx, "EQW", "0xabc", 9); err != nil {
		t.Fatalf("cross-executor record: %v", err)
	}
}

func TestSlashRemovesStakeAndReputation(t *testing.T) {
	ctx := context.Background()
	local := NewLocalFallback()
	if err := local.RegisterAgent(ctx, "EQY", dec(t, "10")); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := local.Slash(ctx, "EQY", "missed deadline")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if res.SlashedStake.String() != "2" || res.RemainingStake.String() != "8" {
		t.Fatalf("unexpected stake split: slashed=%s remaining=%s", res.SlashedStake, res.RemainingStake)
	}
	if res.NewScore != 50 {
		t.Fatalf("score after slash: %d, want 50", res.NewScore)
	}
	// Second slash clamps the score at zero.
	res, err = local.Slash(ctx, "EQY", "again")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if res.NewScore != 0 {
		t.Fatalf("score not clamped: %d", res.NewScore)
	}
}

func TestWithdrawStakeRemovesAgent(t *testing.T) {
	ctx := context.Background()
	local := NewLocalFallback()
	if err := local.RegisterAgent(ctx, "EQY", dec(t, "7")); err != nil {
		t.Fatalf("register: %v", err)
	}
	prior, err := local.WithdrawStake(ctx, "EQY")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if prior.String() != "7" {
		t.Fatalf("prior stake: %s, want 7", prior)
	}
	score, _ := local.GetReputation(ctx, "EQY")
	if score != 0 {
		t.Fatalf("score survived withdrawal: %d", score)
	}
	info, _ := local.GetStakeInfo(ctx, "EQY")
	if !info.Stake.IsZero() || info.Since != 0 {
		t.Fatalf("stake info survived withdrawal: %+v", info)
	}
}

func TestClientStrictChainGating(t *testing.T) {
	ctx := context.Background()
	client := NewClient(WithStrictChain(true))

	// Mutations require the host adapter.
	if err := client.RegisterAgent(ctx, "EQX", dec(t, "5")); !errors.Is(err, ErrChainPathUnavailable) {
		t.Fatalf("register: expected ErrChainPathUnavailable, got %v", err)
	}
	if _, err := client.RecordOutcome(ctx, "EQX", "tx", 9); !errors.Is(err, ErrChainPathUnavailable) {
		t.Fatalf("record: expected ErrChainPathUnavailable, got %v", err)
	}
	if _, err := client.Slash(ctx, "EQX", "r"); !errors.Is(err, ErrChainPathUnavailable) {
		t.Fatalf("slash: expected ErrChainPathUnavailable, got %v", err)
	}
	if _, err := client.WithdrawStake(ctx, "EQX"); !errors.Is(err, ErrChainPathUnavailable) {
		t.Fatalf("withdraw: expected ErrChainPathUnavailable, got %v", err)
	}

	// Reads still fall back to the simulation.
	if _, err := client.GetReputation(ctx, "EQX"); err != nil {
		t.Fatalf("read fallback: %v", err)
	}
}

func TestClientLocalFallbackDisabled(t *testing.T) {
	ctx := context.Background()
	client := NewClient(WithLocalFallbackAllowed(false))
	if _, err := client.GetReputation(ctx, "EQX"); !errors.Is(err, ErrLocalFallbackDisabled) {
		t.Fatalf("expected ErrLocalFallbackDisabled, got %v", err)
	}
	if err := client.RegisterAgent(ctx, "EQX", dec(t, "5")); !errors.Is(err, ErrLocalFallbackDisabled) {
		t.Fatalf("expected ErrLocalFallbackDisabled, got %v", err)
	}
}

func TestClientPrefersHostBackend(t *testing.T) {
	ctx := context.Background()
	host := NewLocalFallback()
	client := NewClient(WithHostBackend(host), WithStrictChain(true))
	if err := client.RegisterAgent(ctx, "EQX", dec(t, "5")); err != nil {
		t.Fatalf("register via host: %v", err)
	}
	score, err := host.GetReputation(ctx, "EQX")
	if err != nil || score != 100 {
		t.Fatalf("host backend not used: score=%d err=%v", score, err)
	}
	// The simulation stayed untouched.
	score, _ = client.Local().GetReputation(ctx, "EQX")
	if score != 0 {
		t.Fatalf("local fallback mutated: %d", score)
	}
}
