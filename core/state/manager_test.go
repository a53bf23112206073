package state

import (
	"math/big"
	"testing"

	"gridmarket/core/types"
	nativecommon "gridmarket/native/common"
	"gridmarket/native/market"
	"gridmarket/storage"
	"gridmarket/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tr, err := trie.NewTrie(storage.NewMemDB(), nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return NewManager(tr)
}

func TestAccountRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := []byte{0x01, 0x02}

	acc, err := manager.GetAccount(addr)
	if err != nil {
		t.Fatalf("get missing account: %v", err)
	}
	if acc.BalanceNRG.Sign() != 0 || acc.Nonce != 0 {
		t.Fatalf("missing account not zero valued: %+v", acc)
	}

	acc.Nonce = 7
	acc.BalanceNRG = big.NewInt(12345)
	if err := manager.PutAccount(addr, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loaded, err := manager.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loaded.Nonce != 7 || loaded.BalanceNRG.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("account mismatch: %+v", loaded)
	}
}

func TestOfferRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	offer := &market.Offer{
		ID:          [32]byte{0x11},
		Provider:    [20]byte{0x01},
		Description: "rooftop solar surplus",
		EnergyType:  "solar",
		TotalUnits:  100,
		UnitPrice:   big.NewInt(70),
		Escrow:      big.NewInt(70),
		Status:      market.OfferSelected,
		Delivered:   true,
		Buyer:       [20]byte{0x02},
		BuyerSet:    true,
		CreatedAt:   1000,
		Deadline:    2000,
	}
	if err := manager.OfferPut(offer); err != nil {
		t.Fatalf("put offer: %v", err)
	}
	loaded, ok := manager.OfferGet(offer.ID)
	if !ok {
		t.Fatalf("offer not found")
	}
	if loaded.Status != market.OfferSelected || !loaded.Delivered || !loaded.BuyerSet {
		t.Fatalf("offer flags lost: %+v", loaded)
	}
	if loaded.UnitPrice.Cmp(big.NewInt(70)) != 0 || loaded.Deadline != 2000 {
		t.Fatalf("offer fields lost: %+v", loaded)
	}
	if _, ok := manager.OfferGet([32]byte{0x99}); ok {
		t.Fatalf("phantom offer")
	}
}

func TestBidRoundTripAndRemove(t *testing.T) {
	manager := newTestManager(t)
	bid := &market.Bid{
		OfferID:  [32]byte{0x11},
		Bidder:   [20]byte{0x02},
		Quantity: big.NewInt(55),
		PlacedAt: 1500,
	}
	if err := manager.BidPut(bid); err != nil {
		t.Fatalf("put bid: %v", err)
	}
	loaded, ok := manager.BidGet(bid.OfferID, bid.Bidder)
	if !ok {
		t.Fatalf("bid not found")
	}
	if loaded.Quantity.Cmp(big.NewInt(55)) != 0 || loaded.PlacedAt != 1500 {
		t.Fatalf("bid mismatch: %+v", loaded)
	}
	if err := manager.BidRemove(bid.OfferID, bid.Bidder); err != nil {
		t.Fatalf("remove bid: %v", err)
	}
	if _, ok := manager.BidGet(bid.OfferID, bid.Bidder); ok {
		t.Fatalf("removed bid still readable")
	}
}

func TestComplaintRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	complaint := &market.Complaint{
		ID:        [32]byte{0x21},
		OfferID:   [32]byte{0x11},
		Provider:  [20]byte{0x01},
		Buyer:     [20]byte{0x02},
		Reason:    "no energy delivered",
		CreatedAt: 1700,
	}
	if err := manager.ComplaintPut(complaint); err != nil {
		t.Fatalf("put complaint: %v", err)
	}
	loaded, ok := manager.ComplaintGet(complaint.ID)
	if !ok {
		t.Fatalf("complaint not found")
	}
	if loaded.Reason != "no energy delivered" || loaded.Resolved {
		t.Fatalf("complaint mismatch: %+v", loaded)
	}
	loaded.Resolved = true
	if err := manager.ComplaintPut(loaded); err != nil {
		t.Fatalf("update complaint: %v", err)
	}
	updated, _ := manager.ComplaintGet(complaint.ID)
	if !updated.Resolved {
		t.Fatalf("resolution flag lost")
	}
}

func TestCapabilityDigests(t *testing.T) {
	manager := newTestManager(t)
	offerID := [32]byte{0x11}
	digest := [32]byte{0xaa, 0xbb}

	if _, ok, err := manager.CapabilityDigestGet(offerID); err != nil || ok {
		t.Fatalf("missing digest: ok=%v err=%v", ok, err)
	}
	if err := manager.CapabilityDigestPut(offerID, digest); err != nil {
		t.Fatalf("put digest: %v", err)
	}
	loaded, ok, err := manager.CapabilityDigestGet(offerID)
	if err != nil || !ok || loaded != digest {
		t.Fatalf("digest mismatch: %x ok=%v err=%v", loaded, ok, err)
	}

	if _, ok, err := manager.AdminDigestGet(); err != nil || ok {
		t.Fatalf("admin digest already present: ok=%v err=%v", ok, err)
	}
	if err := manager.AdminDigestPut(digest); err != nil {
		t.Fatalf("put admin digest: %v", err)
	}
	adminDigest, ok, err := manager.AdminDigestGet()
	if err != nil || !ok || adminDigest != digest {
		t.Fatalf("admin digest mismatch: %x ok=%v err=%v", adminDigest, ok, err)
	}
}

func TestEscrowBalances(t *testing.T) {
	manager := newTestManager(t)
	offerID := [32]byte{0x11}

	balance, err := manager.EscrowBalance(offerID)
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("fresh escrow: %s err=%v", balance, err)
	}
	if err := manager.EscrowCredit(offerID, big.NewInt(70)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := manager.EscrowCredit(offerID, big.NewInt(30)); err != nil {
		t.Fatalf("second credit: %v", err)
	}
	balance, _ = manager.EscrowBalance(offerID)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", balance)
	}
	if err := manager.EscrowDebit(offerID, big.NewInt(100)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, _ = manager.EscrowBalance(offerID)
	if balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", balance)
	}
	if err := manager.EscrowDebit(offerID, big.NewInt(1)); err == nil {
		t.Fatalf("underflow debit accepted")
	}
	if err := manager.EscrowCredit(offerID, big.NewInt(-1)); err == nil {
		t.Fatalf("negative credit accepted")
	}
}

func TestBidQuotaRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := [20]byte{0x02}

	quota, err := manager.BidQuotaGet(addr)
	if err != nil {
		t.Fatalf("get missing quota: %v", err)
	}
	if quota.ReqCount != 0 || quota.EpochID != 0 {
		t.Fatalf("missing quota not zero valued: %+v", quota)
	}
	stored := nativecommon.QuotaNow{ReqCount: 3, AmountUsed: 150, EpochID: 42}
	if err := manager.BidQuotaPut(addr, stored); err != nil {
		t.Fatalf("put quota: %v", err)
	}
	loaded, err := manager.BidQuotaGet(addr)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if loaded != stored {
		t.Fatalf("quota mismatch: %+v", loaded)
	}
}

func TestVaultAddressStable(t *testing.T) {
	manager := newTestManager(t)
	first, err := manager.MarketVaultAddress()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	second, _ := newTestManager(t).MarketVaultAddress()
	if first != second {
		t.Fatalf("vault address not deterministic")
	}
	if first == ([20]byte{}) {
		t.Fatalf("vault address is zero")
	}
}

func TestManagerDrivesEngine(t *testing.T) {
	manager := newTestManager(t)
	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetNowFunc(func() int64 { return 1_000_000 })

	providerAddr := [20]byte{0x01}
	buyerAddr := [20]byte{0x02}
	if err := manager.PutAccount(buyerAddr[:], &types.Account{BalanceNRG: big.NewInt(100), Stake: big.NewInt(0)}); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	offer, token, err := engine.CreateOffer(providerAddr, "night wind surplus", "wind", 100, 1000, [32]byte{0x01})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.PlaceBid(offer.ID, buyerAddr, big.NewInt(100)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := engine.SelectBuyer(token, offer.ID, buyerAddr); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := engine.DepositPayment(offer.ID, buyerAddr, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SubmitEnergy(token, offer.ID, 1_000_500); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ConfirmEnergy(offer.ID, buyerAddr); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	providerAcc, err := manager.GetAccount(providerAddr[:])
	if err != nil {
		t.Fatalf("provider account: %v", err)
	}
	if providerAcc.BalanceNRG.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("provider balance = %s, want 100", providerAcc.BalanceNRG)
	}
	final, ok := manager.OfferGet(offer.ID)
	if !ok || final.Status != market.OfferCompleted {
		t.Fatalf("offer not settled: %+v", final)
	}
}
