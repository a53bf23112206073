package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"gridmarket/core/types"
	nativecommon "gridmarket/native/common"
	"gridmarket/native/market"
	"gridmarket/storage/trie"
)

// Manager provides typed access to the ledger records backing the market:
// accounts, offers, bids, complaints, capability digests and escrow balances.
// All records are RLP encoded under keccak-hashed prefixed keys.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

var (
	accountPrefix   = []byte("account:")
	offerPrefix     = []byte("market/offer:")
	bidPrefix       = []byte("market/bid:")
	complaintPrefix = []byte("market/complaint:")
	capPrefix       = []byte("market/cap:")
	escrowPrefix    = []byte("market/escrow:")
	quotaPrefix     = []byte("market/bidquota:")

	adminCapKey = ethcrypto.Keccak256([]byte("market/admin-cap"))
	vaultSeed   = []byte("gridmarket/market/vault")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

// --- accounts ---

type storedAccount struct {
	Nonce      uint64
	BalanceNRG *big.Int
	Stake      *big.Int
}

// GetAccount loads the account for the address, returning a zero-balance
// account when none is stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, err := m.trie.Get(prefixedKey(accountPrefix, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &types.Account{BalanceNRG: big.NewInt(0), Stake: big.NewInt(0)}, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	acc := &types.Account{
		Nonce:      stored.Nonce,
		BalanceNRG: stored.BalanceNRG,
		Stake:      stored.Stake,
	}
	if acc.BalanceNRG == nil {
		acc.BalanceNRG = big.NewInt(0)
	}
	if acc.Stake == nil {
		acc.Stake = big.NewInt(0)
	}
	return acc, nil
}

// PutAccount stores the account record for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	stored := &storedAccount{
		Nonce:      account.Nonce,
		BalanceNRG: account.BalanceNRG,
		Stake:      account.Stake,
	}
	if stored.BalanceNRG == nil {
		stored.BalanceNRG = big.NewInt(0)
	}
	if stored.Stake == nil {
		stored.Stake = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(accountPrefix, addr), encoded)
}

// --- offers ---

type storedOffer struct {
	ID          [32]byte
	Provider    [20]byte
	Description string
	EnergyType  string
	TotalUnits  uint64
	UnitPrice   *big.Int
	Escrow      *big.Int
	Status      uint8
	Delivered   bool
	Disputed    bool
	Buyer       [20]byte
	BuyerSet    bool
	CreatedAt   uint64
	Deadline    uint64
}

// OfferPut sanitises and stores the offer.
func (m *Manager) OfferPut(o *market.Offer) error {
	sanitized, err := market.SanitizeOffer(o)
	if err != nil {
		return err
	}
	stored := &storedOffer{
		ID:          sanitized.ID,
		Provider:    sanitized.Provider,
		Description: sanitized.Description,
		EnergyType:  sanitized.EnergyType,
		TotalUnits:  sanitized.TotalUnits,
		UnitPrice:   sanitized.UnitPrice,
		Escrow:      sanitized.Escrow,
		Status:      uint8(sanitized.Status),
		Delivered:   sanitized.Delivered,
		Disputed:    sanitized.Disputed,
		Buyer:       sanitized.Buyer,
		BuyerSet:    sanitized.BuyerSet,
		CreatedAt:   uint64(sanitized.CreatedAt),
		Deadline:    uint64(sanitized.Deadline),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(offerPrefix, sanitized.ID[:]), encoded)
}

// OfferGet loads the offer by id.
func (m *Manager) OfferGet(id [32]byte) (*market.Offer, bool) {
	data, err := m.trie.Get(prefixedKey(offerPrefix, id[:]))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedOffer)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	offer := &market.Offer{
		ID:          stored.ID,
		Provider:    stored.Provider,
		Description: stored.Description,
		EnergyType:  stored.EnergyType,
		TotalUnits:  stored.TotalUnits,
		UnitPrice:   stored.UnitPrice,
		Escrow:      stored.Escrow,
		Status:      market.OfferStatus(stored.Status),
		Delivered:   stored.Delivered,
		Disputed:    stored.Disputed,
		Buyer:       stored.Buyer,
		BuyerSet:    stored.BuyerSet,
		CreatedAt:   int64(stored.CreatedAt),
		Deadline:    int64(stored.Deadline),
	}
	return offer.Clone(), true
}

// --- bids ---

type storedBid struct {
	OfferID  [32]byte
	Bidder   [20]byte
	Quantity *big.Int
	PlacedAt uint64
}

// BidPut sanitises and stores the bid, replacing any prior record for the
// same (offer, bidder) pair.
func (m *Manager) BidPut(b *market.Bid) error {
	sanitized, err := market.SanitizeBid(b)
	if err != nil {
		return err
	}
	stored := &storedBid{
		OfferID:  sanitized.OfferID,
		Bidder:   sanitized.Bidder,
		Quantity: sanitized.Quantity,
		PlacedAt: uint64(sanitized.PlacedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(bidPrefix, sanitized.OfferID[:], sanitized.Bidder[:]), encoded)
}

// BidGet loads the bidder's bid on the offer.
func (m *Manager) BidGet(offerID [32]byte, bidder [20]byte) (*market.Bid, bool) {
	data, err := m.trie.Get(prefixedKey(bidPrefix, offerID[:], bidder[:]))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedBid)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	bid := &market.Bid{
		OfferID:  stored.OfferID,
		Bidder:   stored.Bidder,
		Quantity: stored.Quantity,
		PlacedAt: int64(stored.PlacedAt),
	}
	return bid.Clone(), true
}

// BidRemove deletes the bidder's bid. Removing an absent bid is not an
// error; the engine guards existence beforehand.
func (m *Manager) BidRemove(offerID [32]byte, bidder [20]byte) error {
	return m.trie.Update(prefixedKey(bidPrefix, offerID[:], bidder[:]), nil)
}

// --- complaints ---

type storedComplaint struct {
	ID        [32]byte
	OfferID   [32]byte
	Provider  [20]byte
	Buyer     [20]byte
	Reason    string
	Resolved  bool
	CreatedAt uint64
}

// ComplaintPut sanitises and stores the complaint.
func (m *Manager) ComplaintPut(c *market.Complaint) error {
	sanitized, err := market.SanitizeComplaint(c)
	if err != nil {
		return err
	}
	stored := &storedComplaint{
		ID:        sanitized.ID,
		OfferID:   sanitized.OfferID,
		Provider:  sanitized.Provider,
		Buyer:     sanitized.Buyer,
		Reason:    sanitized.Reason,
		Resolved:  sanitized.Resolved,
		CreatedAt: uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(complaintPrefix, sanitized.ID[:]), encoded)
}

// ComplaintGet loads the complaint by id.
func (m *Manager) ComplaintGet(id [32]byte) (*market.Complaint, bool) {
	data, err := m.trie.Get(prefixedKey(complaintPrefix, id[:]))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedComplaint)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	complaint := &market.Complaint{
		ID:        stored.ID,
		OfferID:   stored.OfferID,
		Provider:  stored.Provider,
		Buyer:     stored.Buyer,
		Reason:    stored.Reason,
		Resolved:  stored.Resolved,
		CreatedAt: int64(stored.CreatedAt),
	}
	return complaint.Clone(), true
}

// --- capability digests ---

// CapabilityDigestPut stores the digest of the provider capability minted for
// the offer.
func (m *Manager) CapabilityDigestPut(offerID [32]byte, digest [32]byte) error {
	return m.trie.Update(prefixedKey(capPrefix, offerID[:]), digest[:])
}

// CapabilityDigestGet loads the provider capability digest for the offer.
func (m *Manager) CapabilityDigestGet(offerID [32]byte) ([32]byte, bool, error) {
	var out [32]byte
	data, err := m.trie.Get(prefixedKey(capPrefix, offerID[:]))
	if err != nil {
		return out, false, err
	}
	if len(data) != 32 {
		return out, false, nil
	}
	copy(out[:], data)
	return out, true, nil
}

// AdminDigestPut stores the singleton admin capability digest.
func (m *Manager) AdminDigestPut(digest [32]byte) error {
	return m.trie.Update(adminCapKey, digest[:])
}

// AdminDigestGet loads the admin capability digest, if minted.
func (m *Manager) AdminDigestGet() ([32]byte, bool, error) {
	var out [32]byte
	data, err := m.trie.Get(adminCapKey)
	if err != nil {
		return out, false, err
	}
	if len(data) != 32 {
		return out, false, nil
	}
	copy(out[:], data)
	return out, true, nil
}

// --- escrow balances ---

// EscrowCredit adds the amount to the offer's escrow balance.
func (m *Manager) EscrowCredit(offerID [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative escrow credit")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(offerID)
	if err != nil {
		return err
	}
	return m.escrowWrite(offerID, new(big.Int).Add(current, amt))
}

// EscrowDebit subtracts the amount from the offer's escrow balance.
func (m *Manager) EscrowDebit(offerID [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative escrow debit")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(offerID)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow balance underflow")
	}
	return m.escrowWrite(offerID, new(big.Int).Sub(current, amt))
}

// EscrowBalance returns the offer's current escrow balance.
func (m *Manager) EscrowBalance(offerID [32]byte) (*big.Int, error) {
	data, err := m.trie.Get(prefixedKey(escrowPrefix, offerID[:]))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (m *Manager) escrowWrite(offerID [32]byte, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(escrowPrefix, offerID[:]), encoded)
}

// MarketVaultAddress returns the module vault account holding all escrowed
// funds. The address is derived, not key-controlled: nothing can spend from
// it except the engine's drain operations.
func (m *Manager) MarketVaultAddress() ([20]byte, error) {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(vaultSeed)[12:])
	return addr, nil
}

// --- bid quotas ---

type storedQuota struct {
	ReqCount   uint32
	AmountUsed uint64
	EpochID    uint64
}

// BidQuotaGet loads the bidder's quota counters.
func (m *Manager) BidQuotaGet(addr [20]byte) (nativecommon.QuotaNow, error) {
	data, err := m.trie.Get(prefixedKey(quotaPrefix, addr[:]))
	if err != nil {
		return nativecommon.QuotaNow{}, err
	}
	if len(data) == 0 {
		return nativecommon.QuotaNow{}, nil
	}
	stored := new(storedQuota)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return nativecommon.QuotaNow{
		ReqCount:   stored.ReqCount,
		AmountUsed: stored.AmountUsed,
		EpochID:    stored.EpochID,
	}, nil
}

// BidQuotaPut stores the bidder's quota counters.
func (m *Manager) BidQuotaPut(addr [20]byte, q nativecommon.QuotaNow) error {
	encoded, err := rlp.EncodeToBytes(&storedQuota{
		ReqCount:   q.ReqCount,
		AmountUsed: q.AmountUsed,
		EpochID:    q.EpochID,
	})
	if err != nil {
		return err
	}
	return m.trie.Update(prefixedKey(quotaPrefix, addr[:]), encoded)
}
