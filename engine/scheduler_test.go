package engine

import (
	"context"
	"testing"

	"meshd/protocol"
	"meshd/storage"
)

func TestSchedulerExpiresOfferlessIntent(t *testing.T) {
	m := newTestMesh(1000)
	ctx := context.Background()
	x := m.addAgent(t, agentConfig{addr: "EQX", skills: []string{"research"}, wait: true})
	if _, err := x.co.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	intent, err := x.co.Broadcast(ctx, BroadcastParams{
		Skill:    "analytics",
		Budget:   protocol.MustDecimal("1.0"),
		Deadline: 1000 + 5,
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	sched := NewScheduler(x.co, x.store, 0, nil, nil)
	sched.SetNowFunc(m.clock.Load)

	// Before the deadline nothing moves.
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := x.store.GetIntent(ctx, intent.ID)
	if got.Status != storage.IntentStatusPending {
		t.Fatalf("intent moved before deadline: %+v", got)
	}

	m.clock.Store(1000 + 6)
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = x.store.GetIntent(ctx, intent.ID)
	if got.Status != storage.IntentStatusExpired {
		t.Fatalf("offerless intent not expired: %+v", got)
	}
	for _, k := range m.bus.sentKinds(t) {
		if k == protocol.KindAccept {
			t.Fatalf("accept broadcast for an expired intent")
		}
	}
}

func TestSchedulerSelectsOnDeadline(t *testing.T) {
	m := newTestMesh(1000)
	ctx := context.Background()
	x := m.addAgent(t, agentConfig{addr: "EQX", skills: []string{"research"}, wait: true})
	y := m.addAgent(t, agentConfig{addr: "EQY", skills: []string{"analytics"}, stake: "5", wait: true})
	for _, a := range []*testAgent{x, y} {
		if _, err := a.co.Register(ctx); err != nil {
			t.Fatalf("register %s: %v", a.addr, err)
		}
	}
	m.pump(t)
	intent, err := x.co.Broadcast(ctx, BroadcastParams{
		Skill:    "analytics",
		Budget:   protocol.MustDecimal("1.0"),
		Deadline: 1000 + 5,
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	m.pump(t)

	sched := NewScheduler(x.co, x.store, 0, nil, nil)
	sched.SetNowFunc(m.clock.Load)

	// A late tick must still select: the intent has a live offer.
	m.clock.Store(1000 + 9)
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := x.store.GetIntent(ctx, intent.ID)
	if got.Status != storage.IntentStatusAccepted || got.SelectedExecutor != "EQY" {
		t.Fatalf("scheduler did not select: %+v", got)
	}

	// A second tick is a no-op: acceptance already happened.
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	var accepts int
	for _, k := range m.bus.sentKinds(t) {
		if k == protocol.KindAccept {
			accepts++
		}
	}
	if accepts != 1 {
		t.Fatalf("accept broadcasts = %d, want 1", accepts)
	}
}
