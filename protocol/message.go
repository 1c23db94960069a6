package protocol

import "encoding/json"

// Version is the wire protocol version emitted by this engine.
const Version = "1.0"

// Prefix frames every MESH message on the chat transport. The prefix is
// case-sensitive and at most one space may separate it from the JSON body.
const Prefix = "MESH:"

// Kind identifies one of the six MESH message kinds.
type Kind string

const (
	KindBeacon  Kind = "beacon"
	KindIntent  Kind = "intent"
	KindOffer   Kind = "offer"
	KindAccept  Kind = "accept"
	KindSettle  Kind = "settle"
	KindDispute Kind = "dispute"
)

// Message is implemented by every parsed MESH message kind.
type Message interface {
	MessageKind() Kind
}

// Beacon is the periodic self-advertisement carrying skills, stake and fee
// preferences.
type Beacon struct {
	V            string   `json:"v"`
	From         string   `json:"from"`
	Skills       []string `json:"skills"`
	MinFee       *Decimal `json:"minFee,omitempty"`
	ResponseTime string   `json:"responseTime,omitempty"`
	Stake        *Decimal `json:"stake,omitempty"`
	ReplyChat    string   `json:"replyChat,omitempty"`
}

// MessageKind implements Message.
func (*Beacon) MessageKind() Kind { return KindBeacon }

// Intent advertises a work request against a skill.
type Intent struct {
	V             string          `json:"v"`
	ID            string          `json:"id"`
	From          string          `json:"from"`
	Skill         string          `json:"skill"`
	Budget        Decimal         `json:"budget"`
	Deadline      int64           `json:"deadline"`
	MinReputation int64           `json:"minReputation"`
	Payload       json.RawMessage `json:"payload"`
}

// MessageKind implements Message.
func (*Intent) MessageKind() Kind { return KindIntent }

// Offer is a bid against an intent.
type Offer struct {
	V             string   `json:"v"`
	IntentID      string   `json:"intentId"`
	From          string   `json:"from"`
	Fee           Decimal  `json:"fee"`
	ETA           string   `json:"eta"`
	Reputation    *int64   `json:"reputation,omitempty"`
	EscrowAddress string   `json:"escrowAddress,omitempty"`
}

// MessageKind implements Message.
func (*Offer) MessageKind() Kind { return KindOffer }

// Accept announces the winning offer for an intent.
type Accept struct {
	V          string  `json:"v"`
	IntentID   string  `json:"intentId"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Fee        Decimal `json:"fee"`
	SelectedAt int64   `json:"selectedAt"`
}

// MessageKind implements Message.
func (*Accept) MessageKind() Kind { return KindAccept }

// Settle reports the completed work and its verified payment.
type Settle struct {
	V        string `json:"v"`
	IntentID string `json:"intentId"`
	From     string `json:"from"`
	TxHash   string `json:"txHash"`
	Outcome  string `json:"outcome"`
	Rating   int64  `json:"rating"`
}

// MessageKind implements Message.
func (*Settle) MessageKind() Kind { return KindSettle }

// Dispute flags a counterparty after settlement.
type Dispute struct {
	V          string `json:"v"`
	IntentID   string `json:"intentId"`
	From       string `json:"from"`
	Against    string `json:"against"`
	Reason     string `json:"reason,omitempty"`
	EvidenceTx string `json:"evidenceTx,omitempty"`
}

// MessageKind implements Message.
func (*Dispute) MessageKind() Kind { return KindDispute }

// Outcome values accepted in settle messages.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
