package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps all state in process-local maps. It is the reference
// implementation of the Store semantics and the default backend when no
// database is configured.
type MemoryStore struct {
	mu        sync.Mutex
	peers     map[string]Peer
	intents   map[string]Intent
	offers    map[string]Offer
	deals     map[string]Deal
	processed map[string]ProcessedMessage
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:     make(map[string]Peer),
		intents:   make(map[string]Intent),
		offers:    make(map[string]Offer),
		deals:     make(map[string]Deal),
		processed: make(map[string]ProcessedMessage),
	}
}

// UpsertPeer creates or refreshes a peer row, preserving createdAt.
func (s *MemoryStore) UpsertPeer(_ context.Context, peer Peer) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.peers[peer.Address]; ok {
		peer.CreatedAt = existing.CreatedAt
	}
	s.peers[peer.Address] = peer
	return peer, nil
}

// GetPeer looks up a peer by address.
func (s *MemoryStore) GetPeer(_ context.Context, address string) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[address]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	return peer, nil
}

// ListPeers returns all peers ordered by lastSeen descending.
func (s *MemoryStore) ListPeers(_ context.Context) ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].LastSeen != out[b].LastSeen {
			return out[a].LastSeen > out[b].LastSeen
		}
		return out[a].Address < out[b].Address
	})
	return out, nil
}

// SaveIntent persists an intent, preserving createdAt on re-save.
func (s *MemoryStore) SaveIntent(_ context.Context, intent Intent) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.intents[intent.ID]; ok {
		intent.CreatedAt = existing.CreatedAt
	}
	s.intents[intent.ID] = intent
	return intent, nil
}

// GetIntent looks up an intent by id.
func (s *MemoryStore) GetIntent(_ context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return intent, nil
}

// ListIntents returns intents, filtered by status when non-empty, newest
// first.
func (s *MemoryStore) ListIntents(_ context.Context, status IntentStatus) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		if status != "" && intent.Status != status {
			continue
		}
		out = append(out, intent)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt != out[b].CreatedAt {
			return out[a].CreatedAt > out[b].CreatedAt
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// UpdateIntentStatus applies a guarded status transition.
func (s *MemoryStore) UpdateIntentStatus(_ context.Context, id string, status IntentStatus, update IntentUpdate) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	if err := checkTransition(intent.Status, status); err != nil {
		return Intent{}, err
	}
	intent.Status = status
	if update.AcceptedOfferID != "" {
		intent.AcceptedOfferID = update.AcceptedOfferID
	}
	if update.SelectedExecutor != "" {
		intent.SelectedExecutor = update.SelectedExecutor
	}
	if update.UpdatedAt != 0 {
		intent.UpdatedAt = update.UpdatedAt
	}
	s.intents[id] = intent
	return intent, nil
}

// AcceptIntentOffer is the conditional pending -> accepted write.
func (s *MemoryStore) AcceptIntentOffer(_ context.Context, intentID, offerID, executor string, now int64) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	if intent.Status != IntentStatusPending {
		return Intent{}, ErrIntentNotPending
	}
	intent.Status = IntentStatusAccepted
	intent.AcceptedOfferID = offerID
	intent.SelectedExecutor = executor
	intent.UpdatedAt = now
	s.intents[intentID] = intent
	return intent, nil
}

// RecordOffer persists an offer keyed by its derived id.
func (s *MemoryStore) RecordOffer(_ context.Context, offer Offer) (Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offer.ID == "" {
		offer.ID = OfferID(offer.IntentID, offer.FromAddress, offer.CreatedAt)
	}
	s.offers[offer.ID] = offer
	return offer, nil
}

// ListOffersForIntent returns offers ordered by createdAt ascending.
func (s *MemoryStore) ListOffersForIntent(_ context.Context, intentID string) ([]Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Offer, 0, 4)
	for _, offer := range s.offers {
		if offer.IntentID == intentID {
			out = append(out, offer)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt != out[b].CreatedAt {
			return out[a].CreatedAt < out[b].CreatedAt
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// SeedDeal creates the deal row at accept time, keeping existing settlement
// fields if the row already exists.
func (s *MemoryStore) SeedDeal(_ context.Context, deal Deal) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deals[deal.IntentID]; ok && existing.Outcome != "" {
		return existing, nil
	}
	s.deals[deal.IntentID] = deal
	return deal, nil
}

// SettleDeal finalizes the deal row with the payment outcome.
func (s *MemoryStore) SettleDeal(_ context.Context, deal Deal) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deals[deal.IntentID]; ok {
		if deal.ExecutorAddress == "" {
			deal.ExecutorAddress = existing.ExecutorAddress
		}
		if deal.Fee == "" {
			deal.Fee = existing.Fee
		}
	}
	s.deals[deal.IntentID] = deal
	return deal, nil
}

// GetDeal looks up the deal for an intent.
func (s *MemoryStore) GetDeal(_ context.Context, intentID string) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[intentID]
	if !ok {
		return Deal{}, ErrDealNotFound
	}
	return deal, nil
}

// ListDeals returns deals ordered by settledAt descending.
func (s *MemoryStore) ListDeals(_ context.Context) ([]Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Deal, 0, len(s.deals))
	for _, deal := range s.deals {
		out = append(out, deal)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].SettledAt != out[b].SettledAt {
			return out[a].SettledAt > out[b].SettledAt
		}
		return out[a].IntentID < out[b].IntentID
	})
	return out, nil
}

// ExpireIntents sweeps pending intents past their deadline.
func (s *MemoryStore) ExpireIntents(_ context.Context, now int64) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Intent
	for id, intent := range s.intents {
		if intent.Status == IntentStatusPending && intent.Deadline < now {
			intent.Status = IntentStatusExpired
			intent.UpdatedAt = now
			s.intents[id] = intent
			expired = append(expired, intent)
		}
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].ID < expired[b].ID })
	return expired, nil
}

// MarkProcessedMessage inserts the dedup row; duplicates report false.
func (s *MemoryStore) MarkProcessedMessage(_ context.Context, msg ProcessedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[msg.Key]; ok {
		return false, nil
	}
	s.processed[msg.Key] = msg
	return true, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func checkTransition(from, to IntentStatus) error {
	switch to {
	case IntentStatusAccepted:
		if from != IntentStatusPending {
			return ErrIntentNotPending
		}
	case IntentStatusExpired:
		if from != IntentStatusPending {
			return ErrIntentNotPending
		}
	case IntentStatusSettled:
		if from != IntentStatusAccepted {
			return ErrIntentNotAccepted
		}
	default:
		return ErrIntentNotPending
	}
	return nil
}
