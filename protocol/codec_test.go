package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseBeaconRoundTrip(t *testing.T) {
	line := `MESH: {"type":"beacon","from":"EQX","skills":["analytics","scraping"],"minFee":"0.25","stake":2,"responseTime":"fast","replyChat":"-100123"}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	beacon, ok := msg.(*Beacon)
	if !ok {
		t.Fatalf("unexpected message type %T", msg)
	}
	if beacon.From != "EQX" || len(beacon.Skills) != 2 {
		t.Fatalf("unexpected beacon: %+v", beacon)
	}
	if beacon.V != Version {
		t.Fatalf("expected default version, got %q", beacon.V)
	}
	if beacon.MinFee == nil || beacon.MinFee.String() != "0.25" {
		t.Fatalf("unexpected minFee: %v", beacon.MinFee)
	}
	if beacon.Stake == nil || beacon.Stake.String() != "2" {
		t.Fatalf("unexpected stake: %v", beacon.Stake)
	}
	assertRoundTrip(t, msg)
}

func TestParseIntentDefaultsPayload(t *testing.T) {
	line := `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"analytics","budget":"1.0","deadline":1900000000,"minReputation":50}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	intent := msg.(*Intent)
	if string(intent.Payload) != "{}" {
		t.Fatalf("expected empty payload, got %s", intent.Payload)
	}
	if intent.Budget.String() != "1" {
		t.Fatalf("unexpected budget: %s", intent.Budget)
	}
	assertRoundTrip(t, msg)
}

func TestParseIntentCompactsPayload(t *testing.T) {
	line := `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"analytics","budget":1,"deadline":1900000000,"minReputation":0,"payload":{ "query" : "btc" }}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	intent := msg.(*Intent)
	if string(intent.Payload) != `{"query":"btc"}` {
		t.Fatalf("payload not compacted: %s", intent.Payload)
	}
	assertRoundTrip(t, msg)
}

func TestParseOfferRoundTrip(t *testing.T) {
	line := `MESH: {"type":"offer","intentId":"i1","from":"EQY","fee":"0.75","eta":"5s","reputation":100,"escrowAddress":"EQESCROW"}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	offer := msg.(*Offer)
	if offer.Reputation == nil || *offer.Reputation != 100 {
		t.Fatalf("unexpected reputation: %v", offer.Reputation)
	}
	assertRoundTrip(t, msg)
}

func TestParseAcceptDefaultsSelectedAt(t *testing.T) {
	restore := nowFunc
	nowFunc = func() int64 { return 1700000123 }
	defer func() { nowFunc = restore }()

	line := `MESH: {"type":"accept","intentId":"i1","from":"EQX","to":"EQY","fee":"0.75"}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	accept := msg.(*Accept)
	if accept.SelectedAt != 1700000123 {
		t.Fatalf("unexpected selectedAt: %d", accept.SelectedAt)
	}
	assertRoundTrip(t, msg)
}

func TestParseSettleRoundTrip(t *testing.T) {
	line := `MESH: {"type":"settle","intentId":"i1","from":"EQY","txHash":"0xabc","outcome":"success","rating":9}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	settle := msg.(*Settle)
	if settle.Rating != 9 || settle.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected settle: %+v", settle)
	}
	assertRoundTrip(t, msg)
}

func TestParseDisputeRoundTrip(t *testing.T) {
	line := `MESH: {"type":"dispute","intentId":"i1","from":"EQX","against":"EQY","reason":"bad data"}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dispute := msg.(*Dispute)
	if dispute.Against != "EQY" || dispute.Reason != "bad data" {
		t.Fatalf("unexpected dispute: %+v", dispute)
	}
	assertRoundTrip(t, msg)
}

func TestParseDropsExtraFields(t *testing.T) {
	line := `MESH: {"type":"beacon","from":"EQX","skills":[],"bogus":true,"extra":"field"}`
	msg, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	serialized, err := Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.Contains(serialized, "bogus") || strings.Contains(serialized, "extra") {
		t.Fatalf("extra fields survived sanitization: %s", serialized)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"no prefix", `{"type":"beacon","from":"EQX","skills":[]}`},
		{"lowercase prefix", `mesh: {"type":"beacon","from":"EQX","skills":[]}`},
		{"not json", `MESH: beacon from EQX`},
		{"not object", `MESH: ["beacon"]`},
		{"unknown type", `MESH: {"type":"gossip","from":"EQX"}`},
		{"missing type", `MESH: {"from":"EQX"}`},
		{"beacon without from", `MESH: {"type":"beacon","skills":[]}`},
		{"beacon skills not array", `MESH: {"type":"beacon","from":"EQX","skills":"analytics"}`},
		{"beacon bad minFee", `MESH: {"type":"beacon","from":"EQX","skills":[],"minFee":"-1"}`},
		{"intent missing budget", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","deadline":1,"minReputation":0}`},
		{"intent zero deadline", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":0,"minReputation":0}`},
		{"intent negative minRep", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":9,"minReputation":-1}`},
		{"intent scalar payload", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":9,"minReputation":0,"payload":"x"}`},
		{"intent float deadline", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":9.5,"minReputation":0}`},
		{"offer string reputation", `MESH: {"type":"offer","intentId":"i","from":"EQY","fee":"1","eta":"5s","reputation":"100"}`},
		{"intent string deadline", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":"9","minReputation":0}`},
		{"intent string minRep", `MESH: {"type":"intent","id":"i","from":"EQX","skill":"s","budget":"1","deadline":9,"minReputation":"0"}`},
		{"accept string selectedAt", `MESH: {"type":"accept","intentId":"i","from":"EQX","to":"EQY","fee":"1","selectedAt":"1700000000"}`},
		{"settle string rating", `MESH: {"type":"settle","intentId":"i","from":"EQY","txHash":"0x","outcome":"success","rating":"9"}`},
		{"double space after prefix", `MESH:  {"type":"beacon","from":"EQX","skills":[]}`},
		{"settle rating too high", `MESH: {"type":"settle","intentId":"i","from":"EQY","txHash":"0x","outcome":"success","rating":11}`},
		{"settle rating zero", `MESH: {"type":"settle","intentId":"i","from":"EQY","txHash":"0x","outcome":"success","rating":0}`},
		{"settle bad outcome", `MESH: {"type":"settle","intentId":"i","from":"EQY","txHash":"0x","outcome":"done","rating":5}`},
		{"dispute missing against", `MESH: {"type":"dispute","intentId":"i","from":"EQX"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse(tc.line)
			if err == nil {
				t.Fatalf("expected reject, got %+v", msg)
			}
			var rejectErr *RejectError
			if !errors.As(err, &rejectErr) {
				t.Fatalf("expected RejectError, got %T", err)
			}
		})
	}
}

func TestParseAllowsTightPrefix(t *testing.T) {
	msg, err := Parse(`MESH:{"type":"beacon","from":"EQX","skills":[]}`)
	if err != nil {
		t.Fatalf("parse without space: %v", err)
	}
	if msg.MessageKind() != KindBeacon {
		t.Fatalf("unexpected kind %s", msg.MessageKind())
	}
}

func TestDecimalForms(t *testing.T) {
	number, err := Parse(`MESH: {"type":"offer","intentId":"i","from":"EQY","fee":0.6,"eta":"5s"}`)
	if err != nil {
		t.Fatalf("numeric fee: %v", err)
	}
	str, err := Parse(`MESH: {"type":"offer","intentId":"i","from":"EQY","fee":"0.60","eta":"5s"}`)
	if err != nil {
		t.Fatalf("string fee: %v", err)
	}
	if number.(*Offer).Fee.Cmp(str.(*Offer).Fee) != 0 {
		t.Fatalf("fee forms disagree: %s vs %s", number.(*Offer).Fee, str.(*Offer).Fee)
	}
}

func assertRoundTrip(t *testing.T, msg Message) {
	t.Helper()
	serialized, err := Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reparsed, err := Parse(serialized)
	if err != nil {
		t.Fatalf("reparse %q: %v", serialized, err)
	}
	if !reflect.DeepEqual(msg, reparsed) {
		t.Fatalf("round trip mismatch:\n  in:  %+v\n  out: %+v", msg, reparsed)
	}
}
