package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RejectError reports why a candidate MESH line was rejected. The protocol
// tolerates noise, so callers normally drop the event without logging above
// debug level.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "protocol reject: " + e.Reason
}

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// nowFunc is overridden in tests that pin the accept default timestamp.
var nowFunc = func() int64 { return time.Now().Unix() }

// Parse decodes a single MESH line. It returns a typed RejectError when the
// prefix does not match, the JSON body is malformed, a required field is
// missing or ill-typed, a present optional field is ill-typed, or a range
// check fails. Unknown fields are dropped; unknown kinds are rejected.
func Parse(text string) (Message, error) {
	if !strings.HasPrefix(text, Prefix) {
		return nil, reject("missing prefix")
	}
	// At most one space may separate the prefix from the JSON body.
	body := strings.TrimPrefix(text, Prefix)
	body = strings.TrimPrefix(body, " ")
	if !strings.HasPrefix(body, "{") {
		return nil, reject("body is not a JSON object")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, reject("invalid JSON: %v", err)
	}
	kind, present, err := strField(raw, "type")
	if err != nil || !present {
		return nil, reject("missing or invalid type")
	}
	version, present, err := strField(raw, "v")
	if err != nil {
		return nil, reject("invalid v")
	}
	if !present || version == "" {
		version = Version
	}
	switch Kind(kind) {
	case KindBeacon:
		return parseBeacon(raw, version)
	case KindIntent:
		return parseIntent(raw, version)
	case KindOffer:
		return parseOffer(raw, version)
	case KindAccept:
		return parseAccept(raw, version)
	case KindSettle:
		return parseSettle(raw, version)
	case KindDispute:
		return parseDispute(raw, version)
	default:
		return nil, reject("unknown type %q", kind)
	}
}

// Serialize renders a message as a single MESH line carrying only the
// sanitized fields. Parse(Serialize(m)) yields a message equal to m.
func Serialize(m Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("nil message")
	}
	var payload any
	switch v := m.(type) {
	case *Beacon:
		payload = struct {
			Type Kind `json:"type"`
			*Beacon
		}{KindBeacon, v}
	case *Intent:
		payload = struct {
			Type Kind `json:"type"`
			*Intent
		}{KindIntent, v}
	case *Offer:
		payload = struct {
			Type Kind `json:"type"`
			*Offer
		}{KindOffer, v}
	case *Accept:
		payload = struct {
			Type Kind `json:"type"`
			*Accept
		}{KindAccept, v}
	case *Settle:
		payload = struct {
			Type Kind `json:"type"`
			*Settle
		}{KindSettle, v}
	case *Dispute:
		payload = struct {
			Type Kind `json:"type"`
			*Dispute
		}{KindDispute, v}
	default:
		return "", fmt.Errorf("unsupported message type %T", m)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", m.MessageKind(), err)
	}
	return Prefix + " " + string(body), nil
}

func parseBeacon(raw map[string]json.RawMessage, version string) (Message, error) {
	from, err := requiredStr(raw, "from")
	if err != nil {
		return nil, err
	}
	skills, present, err := strSliceField(raw, "skills")
	if err != nil || !present {
		return nil, reject("missing or invalid skills")
	}
	msg := &Beacon{V: version, From: from, Skills: skills}
	if msg.MinFee, err = optDecimal(raw, "minFee"); err != nil {
		return nil, err
	}
	if msg.Stake, err = optDecimal(raw, "stake"); err != nil {
		return nil, err
	}
	if msg.ResponseTime, err = optStr(raw, "responseTime"); err != nil {
		return nil, err
	}
	if msg.ReplyChat, err = optStr(raw, "replyChat"); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseIntent(raw map[string]json.RawMessage, version string) (Message, error) {
	msg := &Intent{V: version}
	var err error
	if msg.ID, err = requiredStr(raw, "id"); err != nil {
		return nil, err
	}
	if msg.From, err = requiredStr(raw, "from"); err != nil {
		return nil, err
	}
	if msg.Skill, err = requiredStr(raw, "skill"); err != nil {
		return nil, err
	}
	if msg.Budget, err = requiredDecimal(raw, "budget"); err != nil {
		return nil, err
	}
	if msg.Deadline, err = requiredInt(raw, "deadline"); err != nil {
		return nil, err
	}
	if msg.Deadline <= 0 {
		return nil, reject("deadline must be positive")
	}
	if msg.MinReputation, err = requiredInt(raw, "minReputation"); err != nil {
		return nil, err
	}
	if msg.MinReputation < 0 {
		return nil, reject("minReputation must be non-negative")
	}
	payload, present := raw["payload"]
	if !present {
		msg.Payload = json.RawMessage("{}")
		return msg, nil
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, reject("payload must be an object or array")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, reject("invalid payload: %v", err)
	}
	msg.Payload = json.RawMessage(compact.Bytes())
	return msg, nil
}

func parseOffer(raw map[string]json.RawMessage, version string) (Message, error) {
	msg := &Offer{V: version}
	var err error
	if msg.IntentID, err = requiredStr(raw, "intentId"); err != nil {
		return nil, err
	}
	if msg.From, err = requiredStr(raw, "from"); err != nil {
		return nil, err
	}
	if msg.Fee, err = requiredDecimal(raw, "fee"); err != nil {
		return nil, err
	}
	if msg.ETA, err = requiredStr(raw, "eta"); err != nil {
		return nil, err
	}
	if msg.Reputation, err = optInt(raw, "reputation"); err != nil {
		return nil, err
	}
	if msg.EscrowAddress, err = optStr(raw, "escrowAddress"); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseAccept(raw map[string]json.RawMessage, version string) (Message, error) {
	msg := &Accept{V: version}
	var err error
	if msg.IntentID, err = requiredStr(raw, "intentId"); err != nil {
		return nil, err
	}
	if msg.From, err = requiredStr(raw, "from"); err != nil {
		return nil, err
	}
	if msg.To, err = requiredStr(raw, "to"); err != nil {
		return nil, err
	}
	if msg.Fee, err = requiredDecimal(raw, "fee"); err != nil {
		return nil, err
	}
	selectedAt, err := optInt(raw, "selectedAt")
	if err != nil {
		return nil, err
	}
	if selectedAt != nil {
		msg.SelectedAt = *selectedAt
	} else {
		msg.SelectedAt = nowFunc()
	}
	return msg, nil
}

func parseSettle(raw map[string]json.RawMessage, version string) (Message, error) {
	msg := &Settle{V: version}
	var err error
	if msg.IntentID, err = requiredStr(raw, "intentId"); err != nil {
		return nil, err
	}
	if msg.From, err = requiredStr(raw, "from"); err != nil {
		return nil, err
	}
	if msg.TxHash, err = requiredStr(raw, "txHash"); err != nil {
		return nil, err
	}
	if msg.Outcome, err = requiredStr(raw, "outcome"); err != nil {
		return nil, err
	}
	if msg.Outcome != OutcomeSuccess && msg.Outcome != OutcomeFailure {
		return nil, reject("invalid outcome %q", msg.Outcome)
	}
	if msg.Rating, err = requiredInt(raw, "rating"); err != nil {
		return nil, err
	}
	if msg.Rating < 1 || msg.Rating > 10 {
		return nil, reject("rating out of range")
	}
	return msg, nil
}

func parseDispute(raw map[string]json.RawMessage, version string) (Message, error) {
	msg := &Dispute{V: version}
	var err error
	if msg.IntentID, err = requiredStr(raw, "intentId"); err != nil {
		return nil, err
	}
	if msg.From, err = requiredStr(raw, "from"); err != nil {
		return nil, err
	}
	if msg.Against, err = requiredStr(raw, "against"); err != nil {
		return nil, err
	}
	if msg.Reason, err = optStr(raw, "reason"); err != nil {
		return nil, err
	}
	if msg.EvidenceTx, err = optStr(raw, "evidenceTx"); err != nil {
		return nil, err
	}
	return msg, nil
}

func strField(raw map[string]json.RawMessage, key string) (string, bool, error) {
	data, present := raw[key]
	if !present {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", true, reject("field %s must be a string", key)
	}
	return s, true, nil
}

func requiredStr(raw map[string]json.RawMessage, key string) (string, error) {
	s, present, err := strField(raw, key)
	if err != nil {
		return "", err
	}
	if !present || s == "" {
		return "", reject("missing field %s", key)
	}
	return s, nil
}

func optStr(raw map[string]json.RawMessage, key string) (string, error) {
	s, _, err := strField(raw, key)
	return s, err
}

func strSliceField(raw map[string]json.RawMessage, key string) ([]string, bool, error) {
	data, present := raw[key]
	if !present {
		return nil, false, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, true, reject("field %s must be a string array", key)
	}
	return out, true, nil
}

func intField(raw map[string]json.RawMessage, key string) (int64, bool, error) {
	data, present := raw[key]
	if !present {
		return 0, false, nil
	}
	// json.Number also accepts quoted numeric literals; integers on the wire
	// must be bare.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return 0, true, reject("field %s must be an integer", key)
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return 0, true, reject("field %s must be an integer", key)
	}
	value, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return 0, true, reject("field %s must be an integer", key)
	}
	return value, true, nil
}

func requiredInt(raw map[string]json.RawMessage, key string) (int64, error) {
	value, present, err := intField(raw, key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, reject("missing field %s", key)
	}
	return value, nil
}

func optInt(raw map[string]json.RawMessage, key string) (*int64, error) {
	value, present, err := intField(raw, key)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return &value, nil
}

func decimalField(raw map[string]json.RawMessage, key string) (Decimal, bool, error) {
	data, present := raw[key]
	if !present {
		return Decimal{}, false, nil
	}
	var d Decimal
	if err := json.Unmarshal(data, &d); err != nil {
		return Decimal{}, true, reject("field %s must be a decimal", key)
	}
	return d, true, nil
}

func requiredDecimal(raw map[string]json.RawMessage, key string) (Decimal, error) {
	d, present, err := decimalField(raw, key)
	if err != nil {
		return Decimal{}, err
	}
	if !present {
		return Decimal{}, reject("missing field %s", key)
	}
	return d, nil
}

func optDecimal(raw map[string]json.RawMessage, key string) (*Decimal, error) {
	d, present, err := decimalField(raw, key)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return &d, nil
}
