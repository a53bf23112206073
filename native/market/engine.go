package market

import (
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gridmarket/core/events"
	"gridmarket/core/types"
	nativecommon "gridmarket/native/common"
)

const marketModuleName = "market"

// engineState is the slice of ledger state the engine mutates. The host
// applies each entry operation atomically, so the engine never sees a
// partially committed view.
type engineState interface {
	capabilityState
	OfferPut(*Offer) error
	OfferGet(id [32]byte) (*Offer, bool)
	BidPut(*Bid) error
	BidGet(offerID [32]byte, bidder [20]byte) (*Bid, bool)
	BidRemove(offerID [32]byte, bidder [20]byte) error
	ComplaintPut(*Complaint) error
	ComplaintGet(id [32]byte) (*Complaint, bool)
	EscrowCredit(offerID [32]byte, amt *big.Int) error
	EscrowDebit(offerID [32]byte, amt *big.Int) error
	EscrowBalance(offerID [32]byte) (*big.Int, error)
	MarketVaultAddress() ([20]byte, error)
	BidQuotaGet(addr [20]byte) (nativecommon.QuotaNow, error)
	BidQuotaPut(addr [20]byte, q nativecommon.QuotaNow) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the offer lifecycle with external state, the capability
// authority and event emitters.
type Engine struct {
	state     engineState
	authority *Authority
	emitter   events.Emitter
	nowFn     func() int64
	pauses    nativecommon.PauseView

	bidQuota             nativecommon.Quota
	disputeAfterDeadline bool
}

// NewEngine creates a market engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine and rebinds the
// capability authority to it.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.authority = NewAuthority(state)
}

// Authority exposes the capability authority bound to the engine state. The
// node uses it to mint the admin capability at bootstrap.
func (e *Engine) Authority() *Authority { return e.authority }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses configures the administrative pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetBidQuota bounds bid placement per bidder. The zero quota disables the
// check.
func (e *Engine) SetBidQuota(q nativecommon.Quota) { e.bidQuota = q }

// SetDisputePolicy selects whether complaints are accepted only once the
// offer deadline has passed. The two upstream contract variants disagree on
// this precondition, so it is an explicit configuration choice.
func (e *Engine) SetDisputePolicy(afterDeadlineOnly bool) {
	e.disputeAfterDeadline = afterDeadlineOnly
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceNRG: big.NewInt(0), Stake: big.NewInt(0)}
	}
	if acc.BalanceNRG == nil {
		acc.BalanceNRG = big.NewInt(0)
	}
	if acc.Stake == nil {
		acc.Stake = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadOffer(id [32]byte) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

func (e *Engine) storeOffer(offer *Offer) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.OfferPut(offer)
}

// transferNRG moves native currency between two accounts. A zero amount is a
// no-op; the caller's balance must cover the full amount.
func (e *Engine) transferNRG(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrInvalidInput
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.BalanceNRG.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.BalanceNRG = new(big.Int).Sub(fromAcc.BalanceNRG, amt)
	toAcc.BalanceNRG = new(big.Int).Add(toAcc.BalanceNRG, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// drainEscrow zeroes the offer's escrow balance and pays the withdrawn amount
// to the recipient. Settlement and dispute resolution share it; the drain is
// never partial.
func (e *Engine) drainEscrow(offer *Offer, recipient [20]byte) (*big.Int, error) {
	balance, err := e.state.EscrowBalance(offer.ID)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		offer.Escrow = big.NewInt(0)
		return big.NewInt(0), nil
	}
	vault, err := e.state.MarketVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferNRG(vault, recipient, balance); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(offer.ID, balance); err != nil {
		return nil, err
	}
	offer.Escrow = big.NewInt(0)
	return balance, nil
}

// CreateOffer lists a new energy offer and mints the provider capability
// bound to it. The caller becomes the provider.
func (e *Engine) CreateOffer(provider [20]byte, description, energyType string, totalUnits uint64, duration int64, nonce [32]byte) (*Offer, Capability, error) {
	if e == nil || e.state == nil {
		return nil, Capability{}, errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return nil, Capability{}, err
	}
	if duration <= 0 {
		return nil, Capability{}, ErrInvalidInput
	}
	if totalUnits == 0 {
		return nil, Capability{}, ErrInvalidInput
	}
	now := e.now()
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256(provider[:], nonce[:]))
	if _, ok := e.state.OfferGet(id); ok {
		return nil, Capability{}, ErrInvalidInput
	}
	offer := &Offer{
		ID:          id,
		Provider:    provider,
		Description: description,
		EnergyType:  energyType,
		TotalUnits:  totalUnits,
		UnitPrice:   big.NewInt(0),
		Escrow:      big.NewInt(0),
		Status:      OfferOpen,
		CreatedAt:   now,
		Deadline:    now + duration,
	}
	if err := e.storeOffer(offer); err != nil {
		return nil, Capability{}, err
	}
	token, err := e.authority.MintProvider(id)
	if err != nil {
		return nil, Capability{}, err
	}
	e.emit(NewOfferCreatedEvent(offer))
	return offer.Clone(), token, nil
}

// PlaceBid records or replaces the bidder's single outstanding bid on an open
// offer. Re-bidding overwrites the prior record, so each (offer, bidder) pair
// holds at most one bid.
func (e *Engine) PlaceBid(offerID [32]byte, bidder [20]byte, quantity *big.Int) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return nil, err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferOpen {
		return nil, ErrMarketClosed
	}
	qty := cloneBigInt(quantity)
	if qty.Sign() <= 0 {
		return nil, ErrInvalidInput
	}
	now := e.now()
	if e.bidQuota.MaxRequestsPerMin > 0 {
		epoch := uint64(now) / 60
		prev, err := e.state.BidQuotaGet(bidder)
		if err != nil {
			return nil, err
		}
		next, err := nativecommon.CheckQuota(e.bidQuota, epoch, prev, 1, 0)
		if err != nil {
			return nil, err
		}
		if err := e.state.BidQuotaPut(bidder, next); err != nil {
			return nil, err
		}
	}
	bid := &Bid{
		OfferID:  offerID,
		Bidder:   bidder,
		Quantity: qty,
		PlacedAt: now,
	}
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewBidPlacedEvent(bid))
	return bid.Clone(), nil
}

// SelectBuyer accepts one bidder's bid: the bid leaves the ledger, its
// quantity becomes the agreed price and the offer moves to Selected. Losing
// bids stay in the ledger untouched.
func (e *Engine) SelectBuyer(token Capability, offerID [32]byte, buyer [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if err := e.authority.ValidateProvider(token, offerID); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Status != OfferOpen {
		return ErrMarketClosed
	}
	bid, ok := e.state.BidGet(offerID, buyer)
	if !ok {
		return ErrUnknownBidder
	}
	if err := e.state.BidRemove(offerID, buyer); err != nil {
		return err
	}
	offer.UnitPrice = cloneBigInt(bid.Quantity)
	offer.Buyer = buyer
	offer.BuyerSet = true
	offer.Status = OfferSelected
	if err := e.storeOffer(offer); err != nil {
		return err
	}
	e.emit(NewBuyerSelectedEvent(offer))
	return nil
}

// DepositPayment escrows the selected buyer's payment. Each deposit must
// cover the agreed price on its own; repeated deposits accumulate, and no
// upper bound applies.
func (e *Engine) DepositPayment(offerID [32]byte, payer [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if !offer.BuyerSet || payer != offer.Buyer {
		return ErrWrongParty
	}
	if offer.Status != OfferSelected {
		return ErrMarketClosed
	}
	amt := cloneBigInt(amount)
	if amt.Cmp(offer.UnitPrice) < 0 {
		return ErrInsufficientFunds
	}
	vault, err := e.state.MarketVaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferNRG(payer, vault, amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(offerID, amt); err != nil {
		return err
	}
	offer.Escrow = new(big.Int).Add(offer.Escrow, amt)
	if err := e.storeOffer(offer); err != nil {
		return err
	}
	e.emit(NewPaymentDepositedEvent(offer, amt))
	return nil
}

// SubmitEnergy sets the delivered flag before the deadline. The flag is
// orthogonal to the formal state: the offer stays Selected until the buyer
// confirms. The operation is idempotent.
func (e *Engine) SubmitEnergy(token Capability, offerID [32]byte, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if err := e.authority.ValidateProvider(token, offerID); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if now >= offer.Deadline {
		return ErrDeadlineExceeded
	}
	if offer.Status != OfferSelected {
		return ErrMarketClosed
	}
	if offer.Delivered {
		return nil
	}
	offer.Delivered = true
	if err := e.storeOffer(offer); err != nil {
		return err
	}
	e.emit(NewEnergySubmittedEvent(offer))
	return nil
}

// ConfirmEnergy settles the offer: the buyer acknowledges delivery, the full
// escrow balance pays out to the provider and the offer completes. Completed
// is terminal; repeated confirmation by the buyer is a no-op.
func (e *Engine) ConfirmEnergy(offerID [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Status == OfferCompleted {
		// The no-op courtesy belongs to the buyer alone.
		if !offer.BuyerSet || caller != offer.Buyer {
			return ErrWrongParty
		}
		return nil
	}
	if !offer.Delivered {
		return ErrEnergyNotSubmitted
	}
	if !offer.BuyerSet || caller != offer.Buyer {
		return ErrWrongParty
	}
	paid, err := e.drainEscrow(offer, offer.Provider)
	if err != nil {
		return err
	}
	offer.Status = OfferCompleted
	if err := e.storeOffer(offer); err != nil {
		return err
	}
	e.emit(NewEnergyConfirmedEvent(offer, paid))
	return nil
}

// GetOffer returns the stored offer.
func (e *Engine) GetOffer(id [32]byte) (*Offer, error) {
	offer, err := e.loadOffer(id)
	if err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// GetBid returns the bidder's outstanding bid on the offer, if any.
func (e *Engine) GetBid(offerID [32]byte, bidder [20]byte) (*Bid, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	bid, ok := e.state.BidGet(offerID, bidder)
	if !ok {
		return nil, false
	}
	return bid.Clone(), true
}
