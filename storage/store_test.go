package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// The three backends promise identical externally visible semantics; every
// test below runs against the reference memory store and the sqlite-backed
// SQL store.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(fmt.Sprintf("file:storetest_%s?mode=memory&cache=shared", sanitize(t.Name())))
	if err != nil {
		t.Fatalf("open sql store: %v", err)
	}
	if err := sqlStore.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func pendingIntent(id string, deadline int64) Intent {
	return Intent{
		ID:          id,
		FromAddress: "EQX",
		Skill:       "analytics",
		Payload:     JSONText(`{}`),
		Budget:      "1",
		Deadline:    deadline,
		Status:      IntentStatusPending,
		CreatedAt:   1000,
		UpdatedAt:   1000,
	}
}

func TestPeerUpsertPreservesCreatedAt(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := Peer{Address: "EQX", Skills: StringList{"analytics"}, MinFee: "0.1", Stake: "2", LastSeen: 100, CreatedAt: 100, UpdatedAt: 100}
			if _, err := store.UpsertPeer(ctx, first); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			refreshed := first
			refreshed.LastSeen = 200
			refreshed.UpdatedAt = 200
			refreshed.CreatedAt = 200
			if _, err := store.UpsertPeer(ctx, refreshed); err != nil {
				t.Fatalf("refresh: %v", err)
			}
			got, err := store.GetPeer(ctx, "EQX")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.CreatedAt != 100 {
				t.Fatalf("createdAt not preserved: %d", got.CreatedAt)
			}
			if got.LastSeen != 200 {
				t.Fatalf("lastSeen not refreshed: %d", got.LastSeen)
			}
			if len(got.Skills) != 1 || got.Skills[0] != "analytics" {
				t.Fatalf("skills mangled: %+v", got.Skills)
			}
		})
	}
}

func TestListPeersOrdering(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, addr := range []string{"EQA", "EQB", "EQC"} {
				peer := Peer{Address: addr, Skills: StringList{}, LastSeen: int64(100 + i*10), CreatedAt: 1, UpdatedAt: 1}
				if _, err := store.UpsertPeer(ctx, peer); err != nil {
					t.Fatalf("upsert %s: %v", addr, err)
				}
			}
			peers, err := store.ListPeers(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(peers) != 3 || peers[0].Address != "EQC" || peers[2].Address != "EQA" {
				t.Fatalf("unexpected order: %+v", peers)
			}
		})
	}
}

func TestAcceptIntentOfferSingleWinner(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.SaveIntent(ctx, pendingIntent("i2", 2000)); err != nil {
				t.Fatalf("save: %v", err)
			}

			const racers = 8
			var wg sync.WaitGroup
			results := make([]error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					_, results[n] = store.AcceptIntentOffer(ctx, "i2", fmt.Sprintf("i2:EQ%d:1", n), fmt.Sprintf("EQ%d", n), 1500)
				}(i)
			}
			wg.Wait()

			winners, losers := 0, 0
			for _, err := range results {
				switch {
				case err == nil:
					winners++
				case errors.Is(err, ErrIntentNotPending):
					losers++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if winners != 1 || losers != racers-1 {
				t.Fatalf("expected exactly one winner, got %d winners / %d losers", winners, losers)
			}

			got, err := store.GetIntent(ctx, "i2")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != IntentStatusAccepted || got.SelectedExecutor == "" {
				t.Fatalf("intent not accepted: %+v", got)
			}
		})
	}
}

func TestAcceptIntentOfferNotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.AcceptIntentOffer(context.Background(), "missing", "o", "EQY", 1)
			if !errors.Is(err, ErrIntentNotFound) {
				t.Fatalf("expected ErrIntentNotFound, got %v", err)
			}
		})
	}
}

func TestStatusTransitionDAG(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.SaveIntent(ctx, pendingIntent("i4", 2000)); err != nil {
				t.Fatalf("save: %v", err)
			}
			// pending -> settled is forbidden.
			if _, err := store.UpdateIntentStatus(ctx, "i4", IntentStatusSettled, IntentUpdate{UpdatedAt: 1100}); !errors.Is(err, ErrIntentNotAccepted) {
				t.Fatalf("pending->settled allowed: %v", err)
			}
			if _, err := store.AcceptIntentOffer(ctx, "i4", "i4:EQY:1", "EQY", 1200); err != nil {
				t.Fatalf("accept: %v", err)
			}
			// accepted -> expired is forbidden.
			if _, err := store.UpdateIntentStatus(ctx, "i4", IntentStatusExpired, IntentUpdate{UpdatedAt: 1300}); !errors.Is(err, ErrIntentNotPending) {
				t.Fatalf("accepted->expired allowed: %v", err)
			}
			updated, err := store.UpdateIntentStatus(ctx, "i4", IntentStatusSettled, IntentUpdate{UpdatedAt: 1400})
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if updated.Status != IntentStatusSettled {
				t.Fatalf("unexpected status %s", updated.Status)
			}
			// accepted fields survive settle untouched.
			if updated.AcceptedOfferID != "i4:EQY:1" || updated.SelectedExecutor != "EQY" {
				t.Fatalf("accept fields mutated: %+v", updated)
			}
		})
	}
}

func TestOffersOrderedByCreatedAt(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rep := int64(70)
			offers := []Offer{
				{IntentID: "i5", FromAddress: "EQZ", Fee: "0.6", ETA: "5s", Reputation: &rep, CreatedAt: 30},
				{IntentID: "i5", FromAddress: "EQY", Fee: "0.75", ETA: "5s", CreatedAt: 10},
				{IntentID: "other", FromAddress: "EQW", Fee: "0.5", ETA: "5s", CreatedAt: 5},
			}
			for _, offer := range offers {
				if _, err := store.RecordOffer(ctx, offer); err != nil {
					t.Fatalf("record: %v", err)
				}
			}
			got, err := store.ListOffersForIntent(ctx, "i5")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 || got[0].FromAddress != "EQY" || got[1].FromAddress != "EQZ" {
				t.Fatalf("unexpected offers: %+v", got)
			}
			if got[0].ID != OfferID("i5", "EQY", 10) {
				t.Fatalf("derived id mismatch: %s", got[0].ID)
			}
			if got[1].Reputation == nil || *got[1].Reputation != 70 {
				t.Fatalf("snapshot reputation lost: %+v", got[1])
			}
		})
	}
}

func TestDealSeedAndSettle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seeded, err := store.SeedDeal(ctx, Deal{IntentID: "i6", ExecutorAddress: "EQY", Fee: "0.75", UpdatedAt: 100})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
			if seeded.ExecutorAddress != "EQY" {
				t.Fatalf("unexpected seed: %+v", seeded)
			}
			settled, err := store.SettleDeal(ctx, Deal{IntentID: "i6", TxHash: "0xabc", Outcome: "success", Rating: 9, SettledAt: 200, UpdatedAt: 200})
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if settled.ExecutorAddress != "EQY" || settled.Fee != "0.75" {
				t.Fatalf("seeded fields lost: %+v", settled)
			}
			if settled.TxHash != "0xabc" || settled.Rating != 9 {
				t.Fatalf("settle fields lost: %+v", settled)
			}
			deals, err := store.ListDeals(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(deals) != 1 || deals[0].IntentID != "i6" {
				t.Fatalf("unexpected deals: %+v", deals)
			}
		})
	}
}

func TestExpireIntentsOnlyPendingPastDeadline(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due := pendingIntent("due", 1500)
			future := pendingIntent("future", 9000)
			accepted := pendingIntent("taken", 1500)
			for _, intent := range []Intent{due, future, accepted} {
				if _, err := store.SaveIntent(ctx, intent); err != nil {
					t.Fatalf("save %s: %v", intent.ID, err)
				}
			}
			if _, err := store.AcceptIntentOffer(ctx, "taken", "o", "EQY", 1400); err != nil {
				t.Fatalf("accept: %v", err)
			}
			expired, err := store.ExpireIntents(ctx, 2000)
			if err != nil {
				t.Fatalf("expire: %v", err)
			}
			if len(expired) != 1 || expired[0].ID != "due" {
				t.Fatalf("unexpected expiry set: %+v", expired)
			}
			if expired[0].Status != IntentStatusExpired {
				t.Fatalf("status not updated: %+v", expired[0])
			}
			// Boundary: deadline == now is not yet expired.
			boundary := pendingIntent("edge", 2000)
			if _, err := store.SaveIntent(ctx, boundary); err != nil {
				t.Fatalf("save edge: %v", err)
			}
			expired, err = store.ExpireIntents(ctx, 2000)
			if err != nil {
				t.Fatalf("re-expire: %v", err)
			}
			if len(expired) != 0 {
				t.Fatalf("deadline==now expired early: %+v", expired)
			}
		})
	}
}

func TestMarkProcessedMessageDedup(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msg := ProcessedMessage{
				Key:             "consumer:EQX:tg:-100:42",
				MessageType:     "beacon",
				SourceChatID:    "-100",
				SourceMessageID: "42",
				PayloadHash:     "abc",
				FirstSeenAt:     100,
			}
			inserted, err := store.MarkProcessedMessage(ctx, msg)
			if err != nil {
				t.Fatalf("mark: %v", err)
			}
			if !inserted {
				t.Fatalf("first insert reported duplicate")
			}
			inserted, err = store.MarkProcessedMessage(ctx, msg)
			if err != nil {
				t.Fatalf("re-mark: %v", err)
			}
			if inserted {
				t.Fatalf("duplicate insert reported fresh")
			}
		})
	}
}

func TestMarkProcessedMessageConcurrent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const racers = 8
			var wg sync.WaitGroup
			insertedCount := make([]bool, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					inserted, err := store.MarkProcessedMessage(ctx, ProcessedMessage{Key: "race-key", MessageType: "intent", FirstSeenAt: 1})
					if err == nil && inserted {
						insertedCount[n] = true
					}
				}(i)
			}
			wg.Wait()
			total := 0
			for _, ok := range insertedCount {
				if ok {
					total++
				}
			}
			if total != 1 {
				t.Fatalf("expected exactly one insert, got %d", total)
			}
		})
	}
}
