// Package storage owns every piece of persistent coordination state: peers,
// intents, offers, deals and the processed-message dedup ledger. Three
// backends share the same externally visible semantics: a SQL store (Postgres
// or sqlite through gorm), a PostgREST client, and an in-memory store for
// tests and ephemeral agents.
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// IntentStatus enumerates the intent lifecycle states.
type IntentStatus string

const (
	IntentStatusPending  IntentStatus = "pending"
	IntentStatusAccepted IntentStatus = "accepted"
	IntentStatusExpired  IntentStatus = "expired"
	IntentStatusSettled  IntentStatus = "settled"
)

var (
	// ErrIntentNotFound is returned when the referenced intent does not exist.
	ErrIntentNotFound = errors.New("intent_not_found")
	// ErrIntentNotPending is returned when a conditional pending-only update
	// observes any other status. Exactly one of two racing accepts sees nil.
	ErrIntentNotPending = errors.New("intent_not_pending")
	// ErrIntentNotAccepted guards the accepted -> settled transition.
	ErrIntentNotAccepted = errors.New("intent_not_accepted")
	// ErrPeerNotFound is returned by GetPeer for unknown addresses.
	ErrPeerNotFound = errors.New("peer_not_found")
	// ErrDealNotFound is returned by GetDeal before an accept seeded the row.
	ErrDealNotFound = errors.New("deal_not_found")
)

// StringList stores a set of skill strings as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// JSONText stores an opaque JSON document as text.
type JSONText json.RawMessage

// Value implements driver.Valuer.
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONText(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONText", src)
	}
}

// MarshalJSON renders the raw document.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Peer is a known agent, created or refreshed by beacon ingest or the local
// register path. Peers are never deleted; history is preserved.
type Peer struct {
	Address         string     `gorm:"primaryKey;size:128" json:"address"`
	Skills          StringList `gorm:"type:text" json:"skills"`
	MinFee          string     `gorm:"type:numeric" json:"minFee"`
	ResponseTime    string     `gorm:"size:64" json:"responseTime"`
	Reputation      int64      `json:"reputation"`
	Stake           string     `gorm:"type:numeric" json:"stake"`
	StakeAgeSeconds int64      `json:"stakeAgeSeconds"`
	ReplyChat       string     `gorm:"size:128" json:"replyChat"`
	LastSeen        int64      `gorm:"index:idx_peers_last_seen,sort:desc" json:"lastSeen"`
	CreatedAt       int64      `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt       int64      `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Intent is the atomic unit of coordination: a request for work against a
// skill, with a budget and a hard deadline.
type Intent struct {
	ID               string       `gorm:"primaryKey;size:128" json:"id"`
	FromAddress      string       `gorm:"size:128;index" json:"fromAddress"`
	Skill            string       `gorm:"size:128" json:"skill"`
	Payload          JSONText     `gorm:"type:text" json:"payload"`
	Budget           string       `gorm:"type:numeric" json:"budget"`
	Deadline         int64        `gorm:"index:idx_intents_status_deadline,priority:2" json:"deadline"`
	MinReputation    int64        `json:"minReputation"`
	Status           IntentStatus `gorm:"size:16;index:idx_intents_status_deadline,priority:1" json:"status"`
	AcceptedOfferID  string       `gorm:"size:256" json:"acceptedOfferId"`
	SelectedExecutor string       `gorm:"size:128" json:"selectedExecutor"`
	CreatedAt        int64        `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt        int64        `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Offer is a bid against an intent. Offers are retained after the intent
// leaves pending for auditability.
type Offer struct {
	ID              string `gorm:"primaryKey;size:256" json:"id"`
	IntentID        string `gorm:"size:128;index:idx_offers_intent_created,priority:1" json:"intentId"`
	FromAddress     string `gorm:"size:128" json:"fromAddress"`
	Fee             string `gorm:"type:numeric" json:"fee"`
	ETA             string `gorm:"size:32" json:"eta"`
	Reputation      *int64 `json:"reputation"`
	StakeAgeSeconds int64  `json:"stakeAgeSeconds"`
	EscrowAddress   string `gorm:"size:128" json:"escrowAddress"`
	CreatedAt       int64  `gorm:"autoCreateTime:false;index:idx_offers_intent_created,priority:2" json:"createdAt"`
}

// OfferID derives the canonical offer identifier.
func OfferID(intentID, fromAddress string, createdAt int64) string {
	return fmt.Sprintf("%s:%s:%d", intentID, fromAddress, createdAt)
}

// Deal ties an intent to its executor and payment. Seeded on accept,
// finalized on settle.
type Deal struct {
	IntentID        string `gorm:"primaryKey;size:128" json:"intentId"`
	ExecutorAddress string `gorm:"size:128" json:"executorAddress"`
	Fee             string `gorm:"type:numeric" json:"fee"`
	TxHash          string `gorm:"size:128" json:"txHash"`
	Outcome         string `gorm:"size:16" json:"outcome"`
	Rating          int64  `json:"rating"`
	SettledAt       int64  `gorm:"index:idx_deals_settled_at,sort:desc" json:"settledAt"`
	UpdatedAt       int64  `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// ProcessedMessage records an ingested transport event for idempotency.
// Inserts are ignore-on-conflict; a duplicate insert reports inserted=false
// so the ingest path can short-circuit.
type ProcessedMessage struct {
	Key             string `gorm:"primaryKey;size:256" json:"key"`
	MessageType     string `gorm:"size:16" json:"messageType"`
	SourceChatID    string `gorm:"size:128" json:"sourceChatId"`
	SourceMessageID string `gorm:"size:128" json:"sourceMessageId"`
	PayloadHash     string `gorm:"size:128" json:"payloadHash"`
	FirstSeenAt     int64  `json:"firstSeenAt"`
}

// IntentUpdate carries the optional fields set alongside a status change.
type IntentUpdate struct {
	AcceptedOfferID  string
	SelectedExecutor string
	UpdatedAt        int64
}

// Store is the single authority for persistent state. Every other component
// reads and writes through it. Implementations guarantee per-operation
// atomicity; AcceptIntentOffer is the only atomic multi-field conditional
// write, and exactly one of any number of concurrent calls for the same
// intent succeeds.
type Store interface {
	UpsertPeer(ctx context.Context, peer Peer) (Peer, error)
	GetPeer(ctx context.Context, address string) (Peer, error)
	// ListPeers returns peers ordered by lastSeen descending.
	ListPeers(ctx context.Context) ([]Peer, error)

	SaveIntent(ctx context.Context, intent Intent) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	// ListIntents filters by status when status is non-empty.
	ListIntents(ctx context.Context, status IntentStatus) ([]Intent, error)
	UpdateIntentStatus(ctx context.Context, id string, status IntentStatus, update IntentUpdate) (Intent, error)
	// AcceptIntentOffer atomically transitions a pending intent to accepted.
	// Losers observe ErrIntentNotPending (or ErrIntentNotFound).
	AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (Intent, error)

	RecordOffer(ctx context.Context, offer Offer) (Offer, error)
	// ListOffersForIntent returns offers ordered by createdAt ascending.
	ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error)

	SeedDeal(ctx context.Context, deal Deal) (Deal, error)
	SettleDeal(ctx context.Context, deal Deal) (Deal, error)
	GetDeal(ctx context.Context, intentID string) (Deal, error)
	// ListDeals returns deals ordered by settledAt descending.
	ListDeals(ctx context.Context) ([]Deal, error)

	// ExpireIntents transitions pending intents whose deadline passed and
	// returns the updated rows.
	ExpireIntents(ctx context.Context, now int64) ([]Intent, error)
	// MarkProcessedMessage inserts the dedup row, reporting whether a row
	// was actually inserted.
	MarkProcessedMessage(ctx context.Context, msg ProcessedMessage) (bool, error)

	Close() error
}
