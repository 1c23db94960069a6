// Package engine hosts the coordination core: the message coordinator, the
// deadline scheduler, and the process lifecycle that wires them to storage,
// reputation, and transport.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"meshd/observability/logging"
	"meshd/observability/metrics"
	"meshd/protocol"
	"meshd/ranker"
	"meshd/reputation"
	"meshd/storage"
	"meshd/transport"
)

// Options configure a Coordinator.
type Options struct {
	OwnAddress     string
	Skills         []string
	MinFee         protocol.Decimal
	Stake          protocol.Decimal
	ResponseTime   string
	MeshGroupID    int64
	ReplyChat      int64
	OperatorChatID int64

	WaitForDeadline   bool
	MaxPayloadBytes   int
	MaxIntentDeadline time.Duration
	Rank              ranker.Config
}

func (o Options) withDefaults() Options {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 16 * 1024
	}
	if o.MaxIntentDeadline <= 0 {
		o.MaxIntentDeadline = time.Hour
	}
	if o.ResponseTime == "" {
		o.ResponseTime = "5s"
	}
	return o
}

// Coordinator dispatches inbound mesh messages and exposes the tool surface
// for the local agent. All state lives in the Store; the coordinator itself
// is stateless and safe for concurrent use.
type Coordinator struct {
	store    storage.Store
	rep      *reputation.Client
	verifier *reputation.Verifier
	send     *transport.Facade
	log      *slog.Logger
	metrics  *metrics.MeshMetrics
	opts     Options
	now      func() int64
}

// NewCoordinator wires the coordination core. All collaborators are required
// except metrics, which may be nil.
func NewCoordinator(store storage.Store, rep *reputation.Client, verifier *reputation.Verifier, send *transport.Facade, logger *slog.Logger, m *metrics.MeshMetrics, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		rep:      rep,
		verifier: verifier,
		send:     send,
		log:      logger,
		metrics:  m,
		opts:     opts.withDefaults(),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now != nil {
		c.now = now
	}
}

// ---------------------------------------------------------------------------
// Tool surface

// Register stakes the local agent into the reputation registry, upserts the
// self peer, and broadcasts a beacon.
func (c *Coordinator) Register(ctx context.Context) (storage.Peer, error) {
	if err := c.rep.RegisterAgent(ctx, c.opts.OwnAddress, c.opts.Stake); err != nil {
		return storage.Peer{}, err
	}
	peer, err := c.upsertSelfPeer(ctx)
	if err != nil {
		return storage.Peer{}, err
	}
	if err := c.broadcastBeacon(ctx); err != nil {
		return peer, err
	}
	return peer, nil
}

// BroadcastParams are the arguments of the broadcast tool.
type BroadcastParams struct {
	Skill         string
	Payload       json.RawMessage
	Budget        protocol.Decimal
	Deadline      int64
	MinReputation int64
}

// Broadcast persists a new pending intent and announces it to the group.
func (c *Coordinator) Broadcast(ctx context.Context, params BroadcastParams) (storage.Intent, error) {
	now := c.now()
	if params.Skill == "" {
		return storage.Intent{}, validationf("skill is required")
	}
	if params.Budget.IsZero() {
		return storage.Intent{}, validationf("budget must be greater than zero")
	}
	if params.Deadline <= now {
		return storage.Intent{}, validationf("deadline must be in the future")
	}
	if horizon := int64(c.opts.MaxIntentDeadline / time.Second); params.Deadline-now > horizon {
		return storage.Intent{}, validationf("deadline exceeds the %d second horizon", horizon)
	}
	if params.MinReputation < 0 {
		return storage.Intent{}, validationf("minReputation must be non-negative")
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if len(payload) > c.opts.MaxPayloadBytes {
		return storage.Intent{}, validationf("payload exceeds %d bytes", c.opts.MaxPayloadBytes)
	}

	intent := storage.Intent{
		ID:            uuid.NewString(),
		FromAddress:   c.opts.OwnAddress,
		Skill:         params.Skill,
		Payload:       storage.JSONText(payload),
		Budget:        params.Budget.String(),
		Deadline:      params.Deadline,
		MinReputation: params.MinReputation,
		Status:        storage.IntentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saved, err := c.store.SaveIntent(ctx, intent)
	if err != nil {
		return storage.Intent{}, err
	}
	msg := &protocol.Intent{
		V:             protocol.Version,
		ID:            saved.ID,
		From:          saved.FromAddress,
		Skill:         saved.Skill,
		Budget:        params.Budget,
		Deadline:      saved.Deadline,
		MinReputation: saved.MinReputation,
		Payload:       payload,
	}
	if err := c.broadcast(ctx, msg); err != nil {
		return saved, err
	}
	return saved, nil
}

// OfferParams are the arguments of the offer tool.
type OfferParams struct {
	IntentID string
	Fee      protocol.Decimal
	ETA      string
}

// Offer records a bid by the local agent against a pending intent and
// announces it to the group.
func (c *Coordinator) Offer(ctx context.Context, params OfferParams) (storage.Offer, error) {
	if params.IntentID == "" {
		return storage.Offer{}, validationf("intentId is required")
	}
	if params.Fee.IsZero() {
		return storage.Offer{}, validationf("fee must be greater than zero")
	}
	intent, err := c.store.GetIntent(ctx, params.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return storage.Offer{}, precondition(ReasonIntentNotFound)
	}
	if err != nil {
		return storage.Offer{}, err
	}
	if intent.Status != storage.IntentStatusPending {
		return storage.Offer{}, precondition(ReasonIntentNotPending)
	}
	if intent.FromAddress == c.opts.OwnAddress {
		return storage.Offer{}, precondition(ReasonSelfOffer)
	}
	if !c.hasSkill(intent.Skill) {
		return storage.Offer{}, precondition(ReasonSkillMismatch)
	}
	selfRep, err := c.rep.GetReputation(ctx, c.opts.OwnAddress)
	if err != nil {
		return storage.Offer{}, err
	}
	if selfRep < intent.MinReputation {
		return storage.Offer{}, precondition(ReasonReputationTooLow)
	}
	budget := protocol.MustDecimal(intent.Budget)
	if params.Fee.Cmp(budget) > 0 {
		return storage.Offer{}, precondition(ReasonBudgetTooLow)
	}
	return c.recordAndBroadcastOffer(ctx, intent, params.Fee, params.ETA, selfRep)
}

func (c *Coordinator) recordAndBroadcastOffer(ctx context.Context, intent storage.Intent, fee protocol.Decimal, eta string, selfRep int64) (storage.Offer, error) {
	now := c.now()
	stakeInfo, err := c.rep.GetStakeInfo(ctx, c.opts.OwnAddress)
	if err != nil {
		return storage.Offer{}, err
	}
	rep := selfRep
	offer := storage.Offer{
		ID:              storage.OfferID(intent.ID, c.opts.OwnAddress, now),
		IntentID:        intent.ID,
		FromAddress:     c.opts.OwnAddress,
		Fee:             fee.String(),
		ETA:             eta,
		Reputation:      &rep,
		StakeAgeSeconds: stakeInfo.AgeSeconds,
		CreatedAt:       now,
	}
	saved, err := c.store.RecordOffer(ctx, offer)
	if err != nil {
		return storage.Offer{}, err
	}
	msg := &protocol.Offer{
		V:          protocol.Version,
		IntentID:   intent.ID,
		From:       c.opts.OwnAddress,
		Fee:        fee,
		ETA:        eta,
		Reputation: &rep,
	}
	if err := c.broadcast(ctx, msg); err != nil {
		return saved, err
	}
	return saved, nil
}

// SettleParams are the arguments of the settle tool.
type SettleParams struct {
	IntentID string
	TxHash   string
	Outcome  string
	Rating   int64
}

// Settle verifies the payment for an accepted intent the local agent
// executed, records the outcome, and announces the settlement. A failed
// verification aborts before any state change.
func (c *Coordinator) Settle(ctx context.Context, params SettleParams) (storage.Deal, error) {
	if params.IntentID == "" {
		return storage.Deal{}, validationf("intentId is required")
	}
	if params.Outcome != protocol.OutcomeSuccess && params.Outcome != protocol.OutcomeFailure {
		return storage.Deal{}, validationf("outcome must be success or failure")
	}
	if params.Rating < 1 || params.Rating > 10 {
		return storage.Deal{}, validationf("rating must be between 1 and 10")
	}
	intent, err := c.store.GetIntent(ctx, params.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return storage.Deal{}, precondition(ReasonIntentNotFound)
	}
	if err != nil {
		return storage.Deal{}, err
	}
	if intent.Status != storage.IntentStatusAccepted {
		return storage.Deal{}, precondition(ReasonIntentNotAccept)
	}
	if intent.SelectedExecutor != c.opts.OwnAddress {
		return storage.Deal{}, precondition(ReasonNotExecutor)
	}
	deal, err := c.store.GetDeal(ctx, params.IntentID)
	if err != nil {
		return storage.Deal{}, err
	}
	fee := protocol.MustDecimal(deal.Fee)

	result, err := c.verifier.Verify(ctx, reputation.VerifyParams{
		TxHash:            params.TxHash,
		Amount:            fee,
		ExpectedRecipient: c.opts.OwnAddress,
		ExpectedSender:    intent.FromAddress,
		IntentID:          intent.ID,
	})
	if err != nil {
		return storage.Deal{}, err
	}
	if !result.OK {
		c.metrics.RecordVerifyFailure(result.Reason)
		return storage.Deal{}, &VerificationError{Reason: result.Reason}
	}

	if _, err := c.rep.RecordOutcome(ctx, c.opts.OwnAddress, params.TxHash, params.Rating); err != nil {
		return storage.Deal{}, err
	}
	now := c.now()
	settled, err := c.store.SettleDeal(ctx, storage.Deal{
		IntentID:        intent.ID,
		ExecutorAddress: c.opts.OwnAddress,
		Fee:             deal.Fee,
		TxHash:          params.TxHash,
		Outcome:         params.Outcome,
		Rating:          params.Rating,
		SettledAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return storage.Deal{}, err
	}
	if _, err := c.store.UpdateIntentStatus(ctx, intent.ID, storage.IntentStatusSettled, storage.IntentUpdate{UpdatedAt: now}); err != nil {
		return settled, err
	}
	c.metrics.RecordOutcome(params.Outcome)
	c.log.Info("deal settled",
		slog.String("intent_id", intent.ID),
		slog.String("outcome", params.Outcome),
		logging.MaskField("tx_hash", params.TxHash),
	)
	msg := &protocol.Settle{
		V:        protocol.Version,
		IntentID: intent.ID,
		From:     c.opts.OwnAddress,
		TxHash:   params.TxHash,
		Outcome:  params.Outcome,
		Rating:   params.Rating,
	}
	if err := c.broadcast(ctx, msg); err != nil {
		return settled, err
	}
	return settled, nil
}

// Peers lists the known peer registry, most recently seen first.
func (c *Coordinator) Peers(ctx context.Context) ([]storage.Peer, error) {
	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.SetKnownPeers(len(peers))
	return peers, nil
}

// ---------------------------------------------------------------------------
// Ingest

// IngestResult summarizes what one inbound event did.
type IngestResult struct {
	Kind      protocol.Kind
	Duplicate bool
	Rejected  bool
	Ignored   string
}

// Ingest runs one transport event through the dedup gate and the per-kind
// handler. Protocol rejects and duplicates are dropped without error; handler
// precondition failures are logged and absorbed.
func (c *Coordinator) Ingest(ctx context.Context, ev transport.Event) (IngestResult, error) {
	msg, err := protocol.Parse(ev.Text)
	if err != nil {
		c.metrics.RecordReject()
		c.log.Debug("dropping invalid mesh line", slog.String("error", err.Error()))
		return IngestResult{Rejected: true}, nil
	}
	kind := msg.MessageKind()

	inserted, err := c.store.MarkProcessedMessage(ctx, storage.ProcessedMessage{
		Key:             c.dedupKey(ev),
		MessageType:     string(kind),
		SourceChatID:    strconv.FormatInt(ev.ChatID, 10),
		SourceMessageID: strconv.FormatInt(ev.MessageID, 10),
		PayloadHash:     textHash(ev.Text),
		FirstSeenAt:     c.now(),
	})
	if err != nil {
		return IngestResult{Kind: kind}, err
	}
	if !inserted {
		c.metrics.RecordDuplicate()
		return IngestResult{Kind: kind, Duplicate: true}, nil
	}
	c.metrics.RecordIngest(string(kind))

	result := IngestResult{Kind: kind}
	switch m := msg.(type) {
	case *protocol.Beacon:
		result.Ignored, err = c.handleBeacon(ctx, m)
	case *protocol.Intent:
		err = c.handleIntent(ctx, m)
	case *protocol.Offer:
		err = c.handleOffer(ctx, m)
	case *protocol.Accept:
		err = c.handleAccept(ctx, m)
	case *protocol.Settle:
		err = c.handleSettle(ctx, m)
	case *protocol.Dispute:
		err = c.handleDispute(ctx, m)
	}
	if err != nil {
		var pre *PreconditionError
		if errors.As(err, &pre) {
			c.log.Info("dropping event on failed precondition",
				slog.String("kind", string(kind)),
				slog.String("reason", pre.Reason),
			)
			result.Ignored = pre.Reason
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func (c *Coordinator) dedupKey(ev transport.Event) string {
	if ev.MessageID != 0 {
		return fmt.Sprintf("consumer:%s:tg:%d:%d", c.opts.OwnAddress, ev.ChatID, ev.MessageID)
	}
	return fmt.Sprintf("consumer:%s:hash:%s", c.opts.OwnAddress, textHash(ev.Text))
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) handleBeacon(ctx context.Context, m *protocol.Beacon) (string, error) {
	liveRep, err := c.rep.GetReputation(ctx, m.From)
	if err != nil {
		return "", err
	}
	if liveRep <= 0 {
		c.log.Debug("ignoring beacon", slog.String("reason", ReasonUnstakedPeer), slog.String("from", m.From))
		return ReasonUnstakedPeer, nil
	}
	stakeInfo, err := c.rep.GetStakeInfo(ctx, m.From)
	if err != nil {
		return "", err
	}
	now := c.now()
	peer := storage.Peer{
		Address:         m.From,
		Skills:          m.Skills,
		ResponseTime:    m.ResponseTime,
		Reputation:      liveRep,
		Stake:           stakeInfo.Stake.String(),
		StakeAgeSeconds: stakeInfo.AgeSeconds,
		ReplyChat:       m.ReplyChat,
		LastSeen:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m.MinFee != nil {
		peer.MinFee = m.MinFee.String()
	}
	_, err = c.store.UpsertPeer(ctx, peer)
	return "", err
}

func (c *Coordinator) handleIntent(ctx context.Context, m *protocol.Intent) error {
	// Rebroadcasts carry a fresh transport message id and pass the dedup
	// gate; an intent that is already tracked must keep its status.
	if _, err := c.store.GetIntent(ctx, m.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrIntentNotFound) {
		return err
	}
	now := c.now()
	intent := storage.Intent{
		ID:            m.ID,
		FromAddress:   m.From,
		Skill:         m.Skill,
		Payload:       storage.JSONText(m.Payload),
		Budget:        m.Budget.String(),
		Deadline:      m.Deadline,
		MinReputation: m.MinReputation,
		Status:        storage.IntentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saved, err := c.store.SaveIntent(ctx, intent)
	if err != nil {
		return err
	}
	if m.From == c.opts.OwnAddress {
		return nil
	}
	return c.maybeAutoOffer(ctx, saved, m.Budget)
}

// maybeAutoOffer bids on a foreign intent when the local agent qualifies.
// The suggested fee is minFee raised to 75% of budget, capped at budget; a
// minFee above budget skips the bid.
func (c *Coordinator) maybeAutoOffer(ctx context.Context, intent storage.Intent, budget protocol.Decimal) error {
	if !c.hasSkill(intent.Skill) {
		return nil
	}
	selfRep, err := c.rep.GetReputation(ctx, c.opts.OwnAddress)
	if err != nil {
		return err
	}
	if selfRep < intent.MinReputation {
		return nil
	}
	if c.opts.MinFee.Cmp(budget) > 0 {
		return nil
	}
	fee := budget.Mul(big.NewRat(3, 4))
	if c.opts.MinFee.Cmp(fee) > 0 {
		fee = c.opts.MinFee
	}
	if fee.Cmp(budget) > 0 {
		fee = budget
	}
	if fee.IsZero() {
		return nil
	}
	_, err = c.recordAndBroadcastOffer(ctx, intent, fee, c.opts.ResponseTime, selfRep)
	return err
}

func (c *Coordinator) handleOffer(ctx context.Context, m *protocol.Offer) error {
	intent, err := c.store.GetIntent(ctx, m.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return precondition(ReasonIntentNotFound)
	}
	if err != nil {
		return err
	}
	if m.From == intent.FromAddress {
		return precondition(ReasonSelfOffer)
	}
	if m.Fee.IsZero() || m.Fee.Cmp(protocol.MustDecimal(intent.Budget)) > 0 {
		return precondition(ReasonBudgetTooLow)
	}
	now := c.now()
	var stakeAge int64
	if peer, err := c.store.GetPeer(ctx, m.From); err == nil {
		stakeAge = peer.StakeAgeSeconds
	}
	offer := storage.Offer{
		ID:              storage.OfferID(m.IntentID, m.From, now),
		IntentID:        m.IntentID,
		FromAddress:     m.From,
		Fee:             m.Fee.String(),
		ETA:             m.ETA,
		Reputation:      m.Reputation,
		StakeAgeSeconds: stakeAge,
		EscrowAddress:   m.EscrowAddress,
		CreatedAt:       now,
	}
	if _, err := c.store.RecordOffer(ctx, offer); err != nil {
		return err
	}
	if intent.FromAddress != c.opts.OwnAddress {
		return nil
	}
	if c.opts.WaitForDeadline && now < intent.Deadline {
		return nil
	}
	_, err = c.SelectIntent(ctx, intent.ID)
	return err
}

func (c *Coordinator) handleAccept(ctx context.Context, m *protocol.Accept) error {
	intent, err := c.store.GetIntent(ctx, m.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return precondition(ReasonIntentNotFound)
	}
	if err != nil {
		return err
	}
	now := c.now()
	if intent.Status == storage.IntentStatusPending {
		_, err = c.store.UpdateIntentStatus(ctx, intent.ID, storage.IntentStatusAccepted, storage.IntentUpdate{
			SelectedExecutor: m.To,
			UpdatedAt:        now,
		})
		if err != nil && !errors.Is(err, storage.ErrIntentNotPending) {
			return err
		}
	}
	if _, err := c.store.SeedDeal(ctx, storage.Deal{
		IntentID:        m.IntentID,
		ExecutorAddress: m.To,
		Fee:             m.Fee.String(),
		UpdatedAt:       now,
	}); err != nil {
		return err
	}
	if m.To == c.opts.OwnAddress && c.opts.OperatorChatID != 0 {
		text := fmt.Sprintf("selected as executor for intent %s (fee %s)", m.IntentID, m.Fee)
		if err := c.send.Send(ctx, c.opts.OperatorChatID, text); err != nil {
			c.log.Warn("operator notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Coordinator) handleSettle(ctx context.Context, m *protocol.Settle) error {
	intent, err := c.store.GetIntent(ctx, m.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return precondition(ReasonIntentNotFound)
	}
	if err != nil {
		return err
	}
	if intent.Status != storage.IntentStatusAccepted {
		return precondition(ReasonIntentNotAccept)
	}
	if intent.SelectedExecutor != m.From {
		return precondition(ReasonNotExecutor)
	}
	now := c.now()
	if _, err := c.store.SettleDeal(ctx, storage.Deal{
		IntentID:        m.IntentID,
		ExecutorAddress: m.From,
		TxHash:          m.TxHash,
		Outcome:         m.Outcome,
		Rating:          m.Rating,
		SettledAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return err
	}
	if _, err := c.rep.RecordOutcome(ctx, m.From, m.TxHash, m.Rating); err != nil {
		if errors.Is(err, reputation.ErrReplay) {
			c.log.Debug("settle outcome already recorded",
				slog.String("intent_id", m.IntentID),
				slog.String("from", m.From),
			)
		} else if !errors.Is(err, reputation.ErrChainPathUnavailable) {
			return err
		}
	}
	c.metrics.RecordOutcome(m.Outcome)
	_, err = c.store.UpdateIntentStatus(ctx, m.IntentID, storage.IntentStatusSettled, storage.IntentUpdate{UpdatedAt: now})
	if errors.Is(err, storage.ErrIntentNotAccepted) {
		return nil
	}
	return err
}

// handleDispute records the dispute and, when the local agent created the
// disputed intent and the deal is settled, slashes the accused party.
func (c *Coordinator) handleDispute(ctx context.Context, m *protocol.Dispute) error {
	c.log.Info("dispute received",
		slog.String("intent_id", m.IntentID),
		slog.String("against", m.Against),
		slog.String("reason", m.Reason),
	)
	intent, err := c.store.GetIntent(ctx, m.IntentID)
	if errors.Is(err, storage.ErrIntentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if intent.FromAddress != c.opts.OwnAddress || intent.Status != storage.IntentStatusSettled {
		return nil
	}
	result, err := c.rep.Slash(ctx, m.Against, m.Reason)
	if err != nil {
		if errors.Is(err, reputation.ErrChainPathUnavailable) || errors.Is(err, reputation.ErrLocalFallbackDisabled) {
			c.log.Warn("dispute slash skipped", slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	c.log.Info("dispute slash applied",
		slog.String("against", m.Against),
		slog.String("slashed_stake", result.SlashedStake.String()),
		slog.Int64("new_score", result.NewScore),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Selection

// SelectIntent ranks the offers for a pending intent and atomically accepts
// the best one. It reports whether this caller won the acceptance; losers of
// a concurrent race return false without error.
func (c *Coordinator) SelectIntent(ctx context.Context, intentID string) (bool, error) {
	offers, err := c.store.ListOffersForIntent(ctx, intentID)
	if err != nil {
		return false, err
	}
	if len(offers) == 0 {
		c.metrics.RecordSelection("no_offers")
		return false, nil
	}
	candidates := make([]ranker.Candidate, 0, len(offers))
	for _, offer := range offers {
		candidate := ranker.Candidate{
			OfferID:         offer.ID,
			From:            offer.FromAddress,
			ETASeconds:      ranker.ParseETASeconds(offer.ETA),
			StakeAgeSeconds: offer.StakeAgeSeconds,
			CreatedAt:       offer.CreatedAt,
		}
		if fee, err := protocol.ParseDecimal(offer.Fee); err == nil {
			candidate.Fee = fee.Float64()
		}
		if offer.Reputation != nil {
			candidate.SnapshotRep = float64(*offer.Reputation)
			candidate.HasSnapshotRep = true
		}
		candidates = append(candidates, candidate)
	}
	lookup := func(address string) float64 {
		rep, err := c.rep.GetReputation(ctx, address)
		if err != nil {
			return -1
		}
		return float64(rep)
	}
	best, ok := ranker.SelectBest(candidates, lookup, c.opts.Rank)
	if !ok {
		c.metrics.RecordSelection("no_offers")
		return false, nil
	}

	now := c.now()
	intent, err := c.store.AcceptIntentOffer(ctx, intentID, best.OfferID, best.From, now)
	if errors.Is(err, storage.ErrIntentNotPending) {
		c.metrics.RecordSelection("lost")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.metrics.RecordSelection("won")

	var fee string
	for _, offer := range offers {
		if offer.ID == best.OfferID {
			fee = offer.Fee
			break
		}
	}
	if _, err := c.store.SeedDeal(ctx, storage.Deal{
		IntentID:        intent.ID,
		ExecutorAddress: best.From,
		Fee:             fee,
		UpdatedAt:       now,
	}); err != nil {
		return true, err
	}
	msg := &protocol.Accept{
		V:          protocol.Version,
		IntentID:   intent.ID,
		From:       c.opts.OwnAddress,
		To:         best.From,
		Fee:        protocol.MustDecimal(fee),
		SelectedAt: now,
	}
	if err := c.broadcast(ctx, msg); err != nil {
		return true, err
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Helpers

func (c *Coordinator) hasSkill(skill string) bool {
	for _, s := range c.opts.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

func (c *Coordinator) upsertSelfPeer(ctx context.Context) (storage.Peer, error) {
	rep, err := c.rep.GetReputation(ctx, c.opts.OwnAddress)
	if err != nil {
		return storage.Peer{}, err
	}
	stakeInfo, err := c.rep.GetStakeInfo(ctx, c.opts.OwnAddress)
	if err != nil {
		return storage.Peer{}, err
	}
	now := c.now()
	peer := storage.Peer{
		Address:         c.opts.OwnAddress,
		Skills:          c.opts.Skills,
		MinFee:          c.opts.MinFee.String(),
		ResponseTime:    c.opts.ResponseTime,
		Reputation:      rep,
		Stake:           stakeInfo.Stake.String(),
		StakeAgeSeconds: stakeInfo.AgeSeconds,
		ReplyChat:       replyChatString(c.opts.ReplyChat),
		LastSeen:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return c.store.UpsertPeer(ctx, peer)
}

func replyChatString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func (c *Coordinator) broadcastBeacon(ctx context.Context) error {
	minFee := c.opts.MinFee
	stake := c.opts.Stake
	msg := &protocol.Beacon{
		V:            protocol.Version,
		From:         c.opts.OwnAddress,
		Skills:       c.opts.Skills,
		MinFee:       &minFee,
		ResponseTime: c.opts.ResponseTime,
		Stake:        &stake,
		ReplyChat:    replyChatString(c.opts.ReplyChat),
	}
	return c.broadcast(ctx, msg)
}

func (c *Coordinator) broadcast(ctx context.Context, msg protocol.Message) error {
	line, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	if err := c.send.Send(ctx, c.opts.MeshGroupID, line); err != nil {
		c.metrics.RecordSend("error")
		return err
	}
	c.metrics.RecordSend("ok")
	return nil
}
