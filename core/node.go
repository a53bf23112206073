package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"gridmarket/core/events"
	statedb "gridmarket/core/state"
	"gridmarket/core/types"
	nativecommon "gridmarket/native/common"
	"gridmarket/native/market"
	"gridmarket/observability/metrics"
	"gridmarket/storage"
	"gridmarket/storage/trie"
)

var stateRootKey = []byte("gridmarket/state-root")

// NodeConfig carries the runtime policy knobs for the market host.
type NodeConfig struct {
	// DisputeAfterDeadlineOnly gates complaints on the offer deadline having
	// passed.
	DisputeAfterDeadlineOnly bool
	// BidMaxPerMinute bounds bids per bidder per minute. Zero disables the
	// limit.
	BidMaxPerMinute uint32
	// MarketPaused administratively halts all market mutations.
	MarketPaused bool
}

// Node hosts the market engine over persistent ledger state. Every mutating
// call runs against a copy of the state trie and commits only on success, so
// a failed call leaves the ledger and the event log untouched.
type Node struct {
	db      storage.Database
	mu      sync.RWMutex
	state   *trie.Trie
	log     []types.Event
	cfg     NodeConfig
	metrics *metrics.MarketMetrics
	nowFn   func() int64
}

// NewNode opens the ledger stored in db, resuming from the persisted state
// root when one exists.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	root, err := db.Get(stateRootKey)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("core: read state root: %w", err)
		}
		// A missing root means a fresh ledger.
		root = nil
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("core: open state trie: %w", err)
	}
	return &Node{
		db:      db,
		state:   tr,
		metrics: metrics.Market(),
		cfg:     cfg,
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the node's time source. Intended for tests.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

// collectingEmitter buffers events during a call so they reach the node log
// only if the call commits.
type collectingEmitter struct {
	events []types.Event
}

func (c *collectingEmitter) Emit(evt events.Event) {
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok || typed.Event() == nil {
		return
	}
	c.events = append(c.events, *typed.Event())
}

func (n *Node) newEngine(working *trie.Trie, collector *collectingEmitter) (*market.Engine, *statedb.Manager) {
	manager := statedb.NewManager(working)
	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(collector)
	engine.SetNowFunc(n.nowFn)
	engine.SetDisputePolicy(n.cfg.DisputeAfterDeadlineOnly)
	if n.cfg.MarketPaused {
		engine.SetPauses(pauseSet{"market": true})
	}
	if n.cfg.BidMaxPerMinute > 0 {
		engine.SetBidQuota(nativecommon.Quota{MaxRequestsPerMin: n.cfg.BidMaxPerMinute})
	}
	return engine, manager
}

// withEngine runs fn against a speculative copy of the ledger and commits the
// copy, the buffered events and the new state root only when fn succeeds.
func (n *Node) withEngine(op string, fn func(*market.Engine, *statedb.Manager) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	working, err := n.state.Copy()
	if err != nil {
		return err
	}
	collector := &collectingEmitter{}
	engine, manager := n.newEngine(working, collector)

	if err := fn(engine, manager); err != nil {
		n.metrics.ObserveFailure(op)
		return err
	}

	root, err := working.Commit()
	if err != nil {
		return err
	}
	if err := n.db.Put(stateRootKey, root[:]); err != nil {
		return err
	}
	n.state = working
	for _, evt := range collector.events {
		n.log = append(n.log, evt)
		n.metrics.ObserveEvent(evt.Type)
	}
	slog.Debug("market call committed", "operation", op, "events", len(collector.events))
	return nil
}

// withView runs fn against the committed ledger without taking a copy.
func (n *Node) withView(fn func(*market.Engine, *statedb.Manager) error) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	engine, manager := n.newEngine(n.state, &collectingEmitter{})
	return fn(engine, manager)
}

// MarketCreateOffer lists a new offer for the provider, deriving the offer id
// from the provider's account nonce, and returns the minted capability.
func (n *Node) MarketCreateOffer(provider [20]byte, description, energyType string, totalUnits uint64, duration int64) (*market.Offer, market.Capability, error) {
	var (
		offer *market.Offer
		token market.Capability
	)
	err := n.withEngine("createOffer", func(engine *market.Engine, manager *statedb.Manager) error {
		account, err := manager.GetAccount(provider[:])
		if err != nil {
			return err
		}
		var nonce [32]byte
		binary.BigEndian.PutUint64(nonce[24:], account.Nonce)
		offer, token, err = engine.CreateOffer(provider, description, energyType, totalUnits, duration, nonce)
		if err != nil {
			return err
		}
		account.Nonce++
		return manager.PutAccount(provider[:], account)
	})
	if err != nil {
		return nil, market.Capability{}, err
	}
	return offer, token, nil
}

// MarketPlaceBid records or replaces the bidder's bid on an open offer.
func (n *Node) MarketPlaceBid(offerID [32]byte, bidder [20]byte, quantity *big.Int) (*market.Bid, error) {
	var bid *market.Bid
	err := n.withEngine("placeBid", func(engine *market.Engine, _ *statedb.Manager) error {
		var err error
		bid, err = engine.PlaceBid(offerID, bidder, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// MarketSelectBuyer accepts the buyer's bid on behalf of the capability
// holder.
func (n *Node) MarketSelectBuyer(token market.Capability, offerID [32]byte, buyer [20]byte) error {
	return n.withEngine("selectBuyer", func(engine *market.Engine, _ *statedb.Manager) error {
		return engine.SelectBuyer(token, offerID, buyer)
	})
}

// MarketDepositPayment escrows the buyer's payment for a selected offer.
func (n *Node) MarketDepositPayment(offerID [32]byte, payer [20]byte, amount *big.Int) error {
	return n.withEngine("depositPayment", func(engine *market.Engine, _ *statedb.Manager) error {
		return engine.DepositPayment(offerID, payer, amount)
	})
}

// MarketSubmitEnergy records delivery for the capability holder's offer.
func (n *Node) MarketSubmitEnergy(token market.Capability, offerID [32]byte) error {
	return n.withEngine("submitEnergy", func(engine *market.Engine, _ *statedb.Manager) error {
		return engine.SubmitEnergy(token, offerID, n.nowFn())
	})
}

// MarketConfirmEnergy settles the offer on the buyer's acknowledgement.
func (n *Node) MarketConfirmEnergy(offerID [32]byte, caller [20]byte) error {
	return n.withEngine("confirmEnergy", func(engine *market.Engine, _ *statedb.Manager) error {
		return engine.ConfirmEnergy(offerID, caller)
	})
}

// MarketRaiseComplaint opens a dispute against a selected offer.
func (n *Node) MarketRaiseComplaint(offerID [32]byte, reason string, caller [20]byte) (*market.Complaint, error) {
	var complaint *market.Complaint
	err := n.withEngine("raiseComplaint", func(engine *market.Engine, _ *statedb.Manager) error {
		var err error
		complaint, err = engine.RaiseComplaint(offerID, reason, caller, n.nowFn())
		return err
	})
	if err != nil {
		return nil, err
	}
	return complaint, nil
}

// MarketResolveDispute applies the admin ruling to a raised complaint.
func (n *Node) MarketResolveDispute(adminToken market.Capability, offerID, complaintID [32]byte, decision bool) error {
	return n.withEngine("resolveDispute", func(engine *market.Engine, _ *statedb.Manager) error {
		return engine.ResolveDispute(adminToken, offerID, complaintID, decision)
	})
}

// BootstrapAdmin mints the singleton admin capability on a fresh ledger. The
// returned flag reports whether a capability was minted by this call; once
// minted it can never be reissued, so an operator losing the token loses
// arbitration access permanently.
func (n *Node) BootstrapAdmin() (market.Capability, bool, error) {
	var (
		token  market.Capability
		minted bool
	)
	err := n.withEngine("bootstrapAdmin", func(engine *market.Engine, manager *statedb.Manager) error {
		if _, ok, err := manager.AdminDigestGet(); err != nil {
			return err
		} else if ok {
			return nil
		}
		var err error
		token, err = engine.Authority().MintAdmin()
		if err != nil {
			return err
		}
		minted = true
		return nil
	})
	if err != nil {
		return market.Capability{}, false, err
	}
	return token, minted, nil
}

// MarketGetOffer returns the committed offer record.
func (n *Node) MarketGetOffer(id [32]byte) (*market.Offer, error) {
	var offer *market.Offer
	err := n.withView(func(engine *market.Engine, _ *statedb.Manager) error {
		var err error
		offer, err = engine.GetOffer(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// MarketGetBid returns the bidder's outstanding bid on the offer, if any.
func (n *Node) MarketGetBid(offerID [32]byte, bidder [20]byte) (*market.Bid, bool) {
	var (
		bid *market.Bid
		ok  bool
	)
	_ = n.withView(func(engine *market.Engine, _ *statedb.Manager) error {
		bid, ok = engine.GetBid(offerID, bidder)
		return nil
	})
	return bid, ok
}

// MarketGetComplaint returns the committed complaint record.
func (n *Node) MarketGetComplaint(id [32]byte) (*market.Complaint, error) {
	var complaint *market.Complaint
	err := n.withView(func(engine *market.Engine, _ *statedb.Manager) error {
		var err error
		complaint, err = engine.GetComplaint(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return complaint, nil
}

// Balance returns the address's native currency balance.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.withView(func(_ *market.Engine, manager *statedb.Manager) error {
		account, err := manager.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = account.BalanceNRG
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Credit mints native currency into the address's account. Exposed for
// genesis funding and tests; the market itself never creates currency.
func (n *Node) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("core: credit amount must be non-negative")
	}
	return n.withEngine("credit", func(_ *market.Engine, manager *statedb.Manager) error {
		account, err := manager.GetAccount(addr[:])
		if err != nil {
			return err
		}
		account.BalanceNRG = new(big.Int).Add(account.BalanceNRG, amount)
		return manager.PutAccount(addr[:], account)
	})
}

// Events returns a copy of the committed event log, oldest first.
func (n *Node) Events() []types.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.Event, len(n.log))
	copy(out, n.log)
	return out
}
