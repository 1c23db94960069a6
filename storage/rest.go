package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTStore speaks PostgREST (the Supabase data API) against the same five
// tables the SQL backend migrates. The atomic accept is a compound-filter
// PATCH: the server evaluates `id=eq.X and status=eq.pending` under its own
// row lock, so exactly one of two racing PATCHes returns a representation.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTStore builds a client for the given Supabase project URL and service
// role key.
func NewRESTStore(projectURL, serviceRoleKey string) (*RESTStore, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("supabase URL must be configured")
	}
	if strings.TrimSpace(serviceRoleKey) == "" {
		return nil, fmt.Errorf("supabase service role key must be configured")
	}
	if !strings.HasSuffix(trimmed, "/rest/v1") {
		trimmed += "/rest/v1"
	}
	return &RESTStore{
		baseURL: trimmed,
		apiKey:  strings.TrimSpace(serviceRoleKey),
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Close is a no-op; the HTTP client owns no persistent resources.
func (s *RESTStore) Close() error { return nil }

type peerRow struct {
	Address         string   `json:"address"`
	Skills          []string `json:"skills"`
	MinFee          string   `json:"min_fee"`
	ResponseTime    string   `json:"response_time"`
	Reputation      int64    `json:"reputation"`
	Stake           string   `json:"stake"`
	StakeAgeSeconds int64    `json:"stake_age_seconds"`
	ReplyChat       string   `json:"reply_chat"`
	LastSeen        int64    `json:"last_seen"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

func toPeerRow(p Peer) peerRow {
	return peerRow{
		Address: p.Address, Skills: p.Skills, MinFee: p.MinFee,
		ResponseTime: p.ResponseTime, Reputation: p.Reputation, Stake: p.Stake,
		StakeAgeSeconds: p.StakeAgeSeconds, ReplyChat: p.ReplyChat,
		LastSeen: p.LastSeen, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func (r peerRow) toPeer() Peer {
	return Peer{
		Address: r.Address, Skills: r.Skills, MinFee: r.MinFee,
		ResponseTime: r.ResponseTime, Reputation: r.Reputation, Stake: r.Stake,
		StakeAgeSeconds: r.StakeAgeSeconds, ReplyChat: r.ReplyChat,
		LastSeen: r.LastSeen, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type intentRow struct {
	ID               string          `json:"id"`
	FromAddress      string          `json:"from_address"`
	Skill            string          `json:"skill"`
	Payload          json.RawMessage `json:"payload"`
	Budget           string          `json:"budget"`
	Deadline         int64           `json:"deadline"`
	MinReputation    int64           `json:"min_reputation"`
	Status           IntentStatus    `json:"status"`
	AcceptedOfferID  string          `json:"accepted_offer_id"`
	SelectedExecutor string          `json:"selected_executor"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

func toIntentRow(i Intent) intentRow {
	return intentRow{
		ID: i.ID, FromAddress: i.FromAddress, Skill: i.Skill,
		Payload: json.RawMessage(i.Payload), Budget: i.Budget,
		Deadline: i.Deadline, MinReputation: i.MinReputation, Status: i.Status,
		AcceptedOfferID: i.AcceptedOfferID, SelectedExecutor: i.SelectedExecutor,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt,
	}
}

func (r intentRow) toIntent() Intent {
	return Intent{
		ID: r.ID, FromAddress: r.FromAddress, Skill: r.Skill,
		Payload: JSONText(r.Payload), Budget: r.Budget, Deadline: r.Deadline,
		MinReputation: r.MinReputation, Status: r.Status,
		AcceptedOfferID: r.AcceptedOfferID, SelectedExecutor: r.SelectedExecutor,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type offerRow struct {
	ID              string `json:"id"`
	IntentID        string `json:"intent_id"`
	FromAddress     string `json:"from_address"`
	Fee             string `json:"fee"`
	ETA             string `json:"eta"`
	Reputation      *int64 `json:"reputation"`
	StakeAgeSeconds int64  `json:"stake_age_seconds"`
	EscrowAddress   string `json:"escrow_address"`
	CreatedAt       int64  `json:"created_at"`
}

func toOfferRow(o Offer) offerRow {
	return offerRow{
		ID: o.ID, IntentID: o.IntentID, FromAddress: o.FromAddress,
		Fee: o.Fee, ETA: o.ETA, Reputation: o.Reputation,
		StakeAgeSeconds: o.StakeAgeSeconds, EscrowAddress: o.EscrowAddress,
		CreatedAt: o.CreatedAt,
	}
}

func (r offerRow) toOffer() Offer {
	return Offer{
		ID: r.ID, IntentID: r.IntentID, FromAddress: r.FromAddress,
		Fee: r.Fee, ETA: r.ETA, Reputation: r.Reputation,
		StakeAgeSeconds: r.StakeAgeSeconds, EscrowAddress: r.EscrowAddress,
		CreatedAt: r.CreatedAt,
	}
}

type dealRow struct {
	IntentID        string `json:"intent_id"`
	ExecutorAddress string `json:"executor_address"`
	Fee             string `json:"fee"`
	TxHash          string `json:"tx_hash"`
	Outcome         string `json:"outcome"`
	Rating          int64  `json:"rating"`
	SettledAt       int64  `json:"settled_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

func toDealRow(d Deal) dealRow {
	return dealRow{
		IntentID: d.IntentID, ExecutorAddress: d.ExecutorAddress, Fee: d.Fee,
		TxHash: d.TxHash, Outcome: d.Outcome, Rating: d.Rating,
		SettledAt: d.SettledAt, UpdatedAt: d.UpdatedAt,
	}
}

func (r dealRow) toDeal() Deal {
	return Deal{
		IntentID: r.IntentID, ExecutorAddress: r.ExecutorAddress, Fee: r.Fee,
		TxHash: r.TxHash, Outcome: r.Outcome, Rating: r.Rating,
		SettledAt: r.SettledAt, UpdatedAt: r.UpdatedAt,
	}
}

type processedRow struct {
	Key             string `json:"key"`
	MessageType     string `json:"message_type"`
	SourceChatID    string `json:"source_chat_id"`
	SourceMessageID string `json:"source_message_id"`
	PayloadHash     string `json:"payload_hash"`
	FirstSeenAt     int64  `json:"first_seen_at"`
}

func (s *RESTStore) do(ctx context.Context, method, table, query, prefer string, body any, out any) error {
	endpoint := s.baseURL + "/" + table
	if query != "" {
		endpoint += "?" + query
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", table, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", table, err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", table, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", table, err)
		}
	}
	return nil
}

const (
	preferMerge  = "resolution=merge-duplicates,return=representation"
	preferIgnore = "resolution=ignore-duplicates,return=representation"
	preferRepr   = "return=representation"
)

// UpsertPeer inserts or refreshes a peer row.
func (s *RESTStore) UpsertPeer(ctx context.Context, peer Peer) (Peer, error) {
	var rows []peerRow
	query := "on_conflict=address"
	if err := s.do(ctx, http.MethodPost, "peers", query, preferMerge, toPeerRow(peer), &rows); err != nil {
		return Peer{}, err
	}
	if len(rows) == 0 {
		return peer, nil
	}
	return rows[0].toPeer(), nil
}

// GetPeer looks up a peer by address.
func (s *RESTStore) GetPeer(ctx context.Context, address string) (Peer, error) {
	var rows []peerRow
	query := "address=eq." + url.QueryEscape(address) + "&limit=1"
	if err := s.do(ctx, http.MethodGet, "peers", query, "", nil, &rows); err != nil {
		return Peer{}, err
	}
	if len(rows) == 0 {
		return Peer{}, ErrPeerNotFound
	}
	return rows[0].toPeer(), nil
}

// ListPeers returns all peers ordered by lastSeen descending.
func (s *RESTStore) ListPeers(ctx context.Context) ([]Peer, error) {
	var rows []peerRow
	if err := s.do(ctx, http.MethodGet, "peers", "order=last_seen.desc", "", nil, &rows); err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, row.toPeer())
	}
	return peers, nil
}

// SaveIntent inserts or updates an intent.
func (s *RESTStore) SaveIntent(ctx context.Context, intent Intent) (Intent, error) {
	var rows []intentRow
	if err := s.do(ctx, http.MethodPost, "intents", "on_conflict=id", preferMerge, toIntentRow(intent), &rows); err != nil {
		return Intent{}, err
	}
	if len(rows) == 0 {
		return intent, nil
	}
	return rows[0].toIntent(), nil
}

// GetIntent looks up an intent by id.
func (s *RESTStore) GetIntent(ctx context.Context, id string) (Intent, error) {
	var rows []intentRow
	query := "id=eq." + url.QueryEscape(id) + "&limit=1"
	if err := s.do(ctx, http.MethodGet, "intents", query, "", nil, &rows); err != nil {
		return Intent{}, err
	}
	if len(rows) == 0 {
		return Intent{}, ErrIntentNotFound
	}
	return rows[0].toIntent(), nil
}

// ListIntents returns intents filtered by status when non-empty.
func (s *RESTStore) ListIntents(ctx context.Context, status IntentStatus) ([]Intent, error) {
	query := "order=created_at.desc"
	if status != "" {
		query = "status=eq." + string(status) + "&" + query
	}
	var rows []intentRow
	if err := s.do(ctx, http.MethodGet, "intents", query, "", nil, &rows); err != nil {
		return nil, err
	}
	intents := make([]Intent, 0, len(rows))
	for _, row := range rows {
		intents = append(intents, row.toIntent())
	}
	return intents, nil
}

// UpdateIntentStatus applies a guarded status transition via a compound
// filter PATCH.
func (s *RESTStore) UpdateIntentStatus(ctx context.Context, id string, status IntentStatus, update IntentUpdate) (Intent, error) {
	current, err := s.GetIntent(ctx, id)
	if err != nil {
		return Intent{}, err
	}
	if err := checkTransition(current.Status, status); err != nil {
		return Intent{}, err
	}
	patch := map[string]any{"status": status}
	if update.AcceptedOfferID != "" {
		patch["accepted_offer_id"] = update.AcceptedOfferID
	}
	if update.SelectedExecutor != "" {
		patch["selected_executor"] = update.SelectedExecutor
	}
	if update.UpdatedAt != 0 {
		patch["updated_at"] = update.UpdatedAt
	}
	query := "id=eq." + url.QueryEscape(id) + "&status=eq." + string(current.Status)
	var rows []intentRow
	if err := s.do(ctx, http.MethodPatch, "intents", query, preferRepr, patch, &rows); err != nil {
		return Intent{}, err
	}
	if len(rows) == 0 {
		// Lost the race: the guarded status changed between read and patch.
		return Intent{}, transitionLossErr(status)
	}
	return rows[0].toIntent(), nil
}

// AcceptIntentOffer performs the conditional pending -> accepted write. The
// compound filter makes the PATCH a no-op for every caller but the first.
func (s *RESTStore) AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (Intent, error) {
	patch := map[string]any{
		"status":            IntentStatusAccepted,
		"accepted_offer_id": offerID,
		"selected_executor": executor,
		"updated_at":        now,
	}
	query := "id=eq." + url.QueryEscape(intentID) + "&status=eq." + string(IntentStatusPending)
	var rows []intentRow
	if err := s.do(ctx, http.MethodPatch, "intents", query, preferRepr, patch, &rows); err != nil {
		return Intent{}, err
	}
	if len(rows) > 0 {
		return rows[0].toIntent(), nil
	}
	if _, err := s.GetIntent(ctx, intentID); err != nil {
		return Intent{}, err
	}
	return Intent{}, ErrIntentNotPending
}

// RecordOffer persists an offer keyed by its derived id.
func (s *RESTStore) RecordOffer(ctx context.Context, offer Offer) (Offer, error) {
	if offer.ID == "" {
		offer.ID = OfferID(offer.IntentID, offer.FromAddress, offer.CreatedAt)
	}
	var rows []offerRow
	if err := s.do(ctx, http.MethodPost, "offers", "on_conflict=id", preferMerge, toOfferRow(offer), &rows); err != nil {
		return Offer{}, err
	}
	if len(rows) == 0 {
		return offer, nil
	}
	return rows[0].toOffer(), nil
}

// ListOffersForIntent returns offers ordered by createdAt ascending.
func (s *RESTStore) ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error) {
	query := "intent_id=eq." + url.QueryEscape(intentID) + "&order=created_at.asc"
	var rows []offerRow
	if err := s.do(ctx, http.MethodGet, "offers", query, "", nil, &rows); err != nil {
		return nil, err
	}
	offers := make([]Offer, 0, len(rows))
	for _, row := range rows {
		offers = append(offers, row.toOffer())
	}
	return offers, nil
}

// SeedDeal creates the deal row at accept time.
func (s *RESTStore) SeedDeal(ctx context.Context, deal Deal) (Deal, error) {
	var rows []dealRow
	if err := s.do(ctx, http.MethodPost, "deals", "on_conflict=intent_id", preferIgnore, toDealRow(deal), &rows); err != nil {
		return Deal{}, err
	}
	if len(rows) == 0 {
		return s.GetDeal(ctx, deal.IntentID)
	}
	return rows[0].toDeal(), nil
}

// SettleDeal finalizes the deal row.
func (s *RESTStore) SettleDeal(ctx context.Context, deal Deal) (Deal, error) {
	existing, err := s.GetDeal(ctx, deal.IntentID)
	if err == nil {
		if deal.ExecutorAddress == "" {
			deal.ExecutorAddress = existing.ExecutorAddress
		}
		if deal.Fee == "" {
			deal.Fee = existing.Fee
		}
	} else if !errors.Is(err, ErrDealNotFound) {
		return Deal{}, err
	}
	var rows []dealRow
	if err := s.do(ctx, http.MethodPost, "deals", "on_conflict=intent_id", preferMerge, toDealRow(deal), &rows); err != nil {
		return Deal{}, err
	}
	if len(rows) == 0 {
		return deal, nil
	}
	return rows[0].toDeal(), nil
}

// GetDeal looks up the deal for an intent.
func (s *RESTStore) GetDeal(ctx context.Context, intentID string) (Deal, error) {
	query := "intent_id=eq." + url.QueryEscape(intentID) + "&limit=1"
	var rows []dealRow
	if err := s.do(ctx, http.MethodGet, "deals", query, "", nil, &rows); err != nil {
		return Deal{}, err
	}
	if len(rows) == 0 {
		return Deal{}, ErrDealNotFound
	}
	return rows[0].toDeal(), nil
}

// ListDeals returns deals ordered by settledAt descending.
func (s *RESTStore) ListDeals(ctx context.Context) ([]Deal, error) {
	var rows []dealRow
	if err := s.do(ctx, http.MethodGet, "deals", "order=settled_at.desc", "", nil, &rows); err != nil {
		return nil, err
	}
	deals := make([]Deal, 0, len(rows))
	for _, row := range rows {
		deals = append(deals, row.toDeal())
	}
	return deals, nil
}

// ExpireIntents sweeps pending intents past their deadline via a compound
// filter PATCH.
func (s *RESTStore) ExpireIntents(ctx context.Context, now int64) ([]Intent, error) {
	patch := map[string]any{"status": IntentStatusExpired, "updated_at": now}
	query := fmt.Sprintf("status=eq.%s&deadline=lt.%d", IntentStatusPending, now)
	var rows []intentRow
	if err := s.do(ctx, http.MethodPatch, "intents", query, preferRepr, patch, &rows); err != nil {
		return nil, err
	}
	expired := make([]Intent, 0, len(rows))
	for _, row := range rows {
		expired = append(expired, row.toIntent())
	}
	return expired, nil
}

// MarkProcessedMessage inserts the dedup row; an empty representation means
// the key already existed.
func (s *RESTStore) MarkProcessedMessage(ctx context.Context, msg ProcessedMessage) (bool, error) {
	row := processedRow{
		Key:             msg.Key,
		MessageType:     msg.MessageType,
		SourceChatID:    msg.SourceChatID,
		SourceMessageID: msg.SourceMessageID,
		PayloadHash:     msg.PayloadHash,
		FirstSeenAt:     msg.FirstSeenAt,
	}
	var rows []processedRow
	if err := s.do(ctx, http.MethodPost, "processed_messages", "on_conflict=key", preferIgnore, row, &rows); err != nil {
		return false, err
	}
	return len(rows) == 1, nil
}

func transitionLossErr(target IntentStatus) error {
	if target == IntentStatusSettled {
		return ErrIntentNotAccepted
	}
	return ErrIntentNotPending
}
