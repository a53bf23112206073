package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridmarket/core"
	"gridmarket/crypto"
	"gridmarket/storage"
)

type harness struct {
	node   *core.Node
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), core.NodeConfig{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return 1_750_000_000 })
	srv := httptest.NewServer(NewServer(node).Router())
	t.Cleanup(srv.Close)
	return &harness{node: node, server: srv}
}

func (h *harness) call(t *testing.T, method string, params any) RPCResponse {
	t.Helper()
	rawParams, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	payload, err := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(h.server.URL+"/rpc", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded
}

func (h *harness) mustCall(t *testing.T, method string, params any) json.RawMessage {
	t.Helper()
	resp := h.call(t, method, params)
	if resp.Error != nil {
		t.Fatalf("%s failed: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	return raw
}

func testAddr(seed byte) string {
	var raw [20]byte
	raw[0] = seed
	return crypto.NewAddress(crypto.NRGPrefix, raw[:]).String()
}

func TestRPCFullTradeLifecycle(t *testing.T) {
	h := newHarness(t)
	provider := testAddr(0x01)
	buyer := testAddr(0x02)
	var buyerRaw [20]byte
	buyerRaw[0] = 0x02
	if err := h.node.Credit(buyerRaw, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var created createOfferResult
	raw := h.mustCall(t, "market_createOffer", createOfferParams{
		Provider:    provider,
		Description: "rooftop solar surplus",
		EnergyType:  "solar",
		TotalUnits:  100,
		Duration:    1000,
	})
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if created.Offer.Status != "open" || created.Capability == "" {
		t.Fatalf("unexpected create result: %+v", created)
	}

	h.mustCall(t, "market_placeBid", placeBidParams{
		OfferID:  created.Offer.ID,
		Bidder:   buyer,
		Quantity: "100",
	})
	h.mustCall(t, "market_selectBuyer", selectBuyerParams{
		Capability: created.Capability,
		OfferID:    created.Offer.ID,
		Buyer:      buyer,
	})
	h.mustCall(t, "market_depositPayment", depositParams{
		OfferID: created.Offer.ID,
		Payer:   buyer,
		Amount:  "100",
	})
	h.mustCall(t, "market_submitEnergy", submitEnergyParams{
		Capability: created.Capability,
		OfferID:    created.Offer.ID,
	})
	h.mustCall(t, "market_confirmEnergy", confirmEnergyParams{
		OfferID: created.Offer.ID,
		Caller:  buyer,
	})

	var final offerResult
	raw = h.mustCall(t, "market_getOffer", getOfferParams{OfferID: created.Offer.ID})
	if err := json.Unmarshal(raw, &final); err != nil {
		t.Fatalf("decode final offer: %v", err)
	}
	if final.Status != "completed" || final.Escrow != "0" {
		t.Fatalf("unexpected final offer: %+v", final)
	}

	var balance map[string]string
	raw = h.mustCall(t, "nrg_getBalance", getBalanceParams{Address: provider})
	if err := json.Unmarshal(raw, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance["balance"] != "100" {
		t.Fatalf("provider balance = %s, want 100", balance["balance"])
	}

	raw = h.mustCall(t, "market_getEvents", nil)
	var events []map[string]any
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("events = %d, want 6", len(events))
	}
}

func TestRPCErrorCodes(t *testing.T) {
	h := newHarness(t)
	provider := testAddr(0x01)

	resp := h.call(t, "market_getOffer", getOfferParams{OfferID: "0x" + fmt.Sprintf("%064x", 0x99)})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("missing offer: %+v", resp.Error)
	}

	resp = h.call(t, "market_createOffer", createOfferParams{
		Provider: provider, TotalUnits: 10, Duration: 0,
	})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("zero duration: %+v", resp.Error)
	}

	resp = h.call(t, "market_createOffer", createOfferParams{
		Provider: "not-a-bech32-address", TotalUnits: 10, Duration: 10,
	})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("malformed address: %+v", resp.Error)
	}

	resp = h.call(t, "market_noSuchMethod", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("unknown method: %+v", resp.Error)
	}
}

func TestRPCCapabilityRejection(t *testing.T) {
	h := newHarness(t)
	provider := testAddr(0x01)
	buyer := testAddr(0x02)

	var created createOfferResult
	raw := h.mustCall(t, "market_createOffer", createOfferParams{
		Provider: provider, Description: "d", EnergyType: "wind", TotalUnits: 10, Duration: 1000,
	})
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	h.mustCall(t, "market_placeBid", placeBidParams{
		OfferID: created.Offer.ID, Bidder: buyer, Quantity: "10",
	})

	// A syntactically valid capability with the wrong secret is rejected with
	// an authorization code, not a parse error.
	forged := "0x" + created.Offer.ID[2:] + fmt.Sprintf("%064x", 0)
	resp := h.call(t, "market_selectBuyer", selectBuyerParams{
		Capability: forged, OfferID: created.Offer.ID, Buyer: buyer,
	})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("forged capability: %+v", resp.Error)
	}
}

func TestRPCRejectsWrongVersion(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"jsonrpc":"1.0","id":1,"method":"market_getEvents"}`)
	resp, err := http.Post(h.server.URL+"/rpc", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != codeInvalidRequest {
		t.Fatalf("wrong version accepted: %+v", decoded.Error)
	}
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	s := NewServer(nil)
	now := time.Unix(1_750_000_000, 0)
	s.nowFn = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		s.limiter(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := len(s.limiters); got != 50 {
		t.Fatalf("limiter entries = %d, want 50", got)
	}

	// One client stays active past the idle window; the rest are dropped on
	// the next prune.
	now = now.Add(limiterTTL - time.Second)
	s.limiter("10.0.0.0")
	now = now.Add(2 * time.Second)
	s.limiter("10.0.1.1")
	if got := len(s.limiters); got != 2 {
		t.Fatalf("limiter entries after prune = %d, want 2", got)
	}
	if _, ok := s.limiters["10.0.0.0"]; !ok {
		t.Fatalf("active client evicted")
	}

	// The surviving entry keeps its limiter identity across lookups.
	before := s.limiters["10.0.0.0"].lim
	if s.limiter("10.0.0.0") != before {
		t.Fatalf("limiter replaced for active client")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp, err = http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
