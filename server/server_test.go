package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meshd/engine"
	"meshd/protocol"
	"meshd/reputation"
	"meshd/storage"
	"meshd/transport"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	rep := reputation.NewClient()
	verifier := reputation.NewVerifier(nil, false)
	sender := transport.SenderFunc(func(context.Context, int64, string) error { return nil })
	co := engine.NewCoordinator(store, rep, verifier, transport.NewFacade(sender), nil, nil, engine.Options{
		OwnAddress:      "EQX",
		Skills:          []string{"analytics"},
		MinFee:          protocol.MustDecimal("0.1"),
		Stake:           protocol.MustDecimal("2"),
		MeshGroupID:     -1001,
		WaitForDeadline: true,
	})
	co.SetNowFunc(func() int64 { return 1000 })
	return New(co, nil), store
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterAndPeers(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/mesh/register", "{}")
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/mesh/peers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("peers status = %d", rec.Code)
	}
	var resp struct {
		OK    bool           `json:"ok"`
		Peers []storage.Peer `json:"peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || len(resp.Peers) != 1 || resp.Peers[0].Address != "EQX" {
		t.Fatalf("unexpected peers response: %+v", resp)
	}
}

func TestBroadcastValidationMapsTo400(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/mesh/broadcast",
		`{"skill":"analytics","budget":"1.0","deadline":500}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/mesh/broadcast",
		`{"skill":"analytics","budget":"-3","deadline":1060}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad budget status = %d", rec.Code)
	}
}

func TestOfferPreconditionMapsTo409(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/mesh/offer",
		`{"intentId":"missing","fee":"0.5","eta":"5s"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Error != engine.ReasonIntentNotFound {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestBroadcastCreatesIntent(t *testing.T) {
	srv, store := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/mesh/broadcast",
		`{"skill":"analytics","payload":{"q":"tvl"},"budget":"1.0","deadline":1060,"minReputation":10}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp struct {
		OK     bool           `json:"ok"`
		Intent storage.Intent `json:"intent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	saved, err := store.GetIntent(context.Background(), resp.Intent.ID)
	if err != nil {
		t.Fatalf("intent not persisted: %v", err)
	}
	if saved.Status != storage.IntentStatusPending || saved.Budget != "1" {
		t.Fatalf("unexpected intent: %+v", saved)
	}
}

func TestSettleVerificationFailureMapsTo409(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	// An accepted intent executed by the local agent, with an empty hash.
	if _, err := store.SaveIntent(ctx, storage.Intent{
		ID: "i1", FromAddress: "EQREMOTE", Skill: "analytics", Budget: "1",
		Deadline: 1060, Status: storage.IntentStatusPending, CreatedAt: 1000, UpdatedAt: 1000,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.AcceptIntentOffer(ctx, "i1", "i1:EQX:1000", "EQX", 1000); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := store.SeedDeal(ctx, storage.Deal{IntentID: "i1", ExecutorAddress: "EQX", Fee: "0.5"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := doJSON(t, srv, http.MethodPost, "/v1/mesh/settle",
		`{"intentId":"i1","txHash":"","outcome":"success","rating":9}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), reputation.ReasonMissingTxHash) {
		t.Fatalf("missing reason in body: %s", rec.Body)
	}
}
