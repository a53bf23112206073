package market

import (
	"fmt"
	"math/big"
	"strings"
)

// OfferStatus represents the formal lifecycle states of an offer. Delivery and
// dispute are tracked as orthogonal flags on the offer rather than as extra
// states, matching the contract this engine models.
type OfferStatus uint8

const (
	OfferOpen OfferStatus = iota
	OfferSelected
	OfferCompleted
)

// Offer captures one energy-for-sale listing and its runtime lifecycle state.
// UnitPrice stays zero until a buyer is selected and is immutable afterwards;
// Escrow is zero except strictly between deposit and settlement or refund.
// BuyerSet records buyer presence explicitly so readers never interpret the
// zero address as a participant.
type Offer struct {
	ID          [32]byte
	Provider    [20]byte
	Description string
	EnergyType  string
	TotalUnits  uint64
	UnitPrice   *big.Int
	Escrow      *big.Int
	Status      OfferStatus
	Delivered   bool
	Disputed    bool
	Buyer       [20]byte
	BuyerSet    bool
	CreatedAt   int64
	Deadline    int64
}

// Clone returns a deep copy of the offer so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.UnitPrice != nil {
		clone.UnitPrice = new(big.Int).Set(o.UnitPrice)
	} else {
		clone.UnitPrice = big.NewInt(0)
	}
	if o.Escrow != nil {
		clone.Escrow = new(big.Int).Set(o.Escrow)
	} else {
		clone.Escrow = big.NewInt(0)
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferOpen, OfferSelected, OfferCompleted:
		return true
	default:
		return false
	}
}

// SanitizeOffer validates and normalises the supplied offer, returning a
// cloned instance with non-nil amount fields. The function does not mutate
// the original value.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("market: nil offer")
	}
	clone := o.Clone()
	clone.Description = strings.TrimSpace(clone.Description)
	clone.EnergyType = strings.TrimSpace(clone.EnergyType)
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid offer status: %d", clone.Status)
	}
	if clone.UnitPrice.Sign() < 0 {
		return nil, fmt.Errorf("market: unit price must be non-negative")
	}
	if clone.Escrow.Sign() < 0 {
		return nil, fmt.Errorf("market: escrow balance must be non-negative")
	}
	if clone.Status == OfferOpen {
		if clone.BuyerSet {
			return nil, fmt.Errorf("market: open offer cannot carry a buyer")
		}
		if clone.UnitPrice.Sign() != 0 {
			return nil, fmt.Errorf("market: open offer cannot carry an agreed price")
		}
	}
	if !clone.BuyerSet && clone.Buyer != ([20]byte{}) {
		return nil, fmt.Errorf("market: buyer recorded without presence flag")
	}
	return clone, nil
}

// Bid is a buyer's outstanding offer-scoped bid. The quantity doubles as the
// payment amount agreed when the bid is accepted.
type Bid struct {
	OfferID  [32]byte
	Bidder   [20]byte
	Quantity *big.Int
	PlacedAt int64
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Quantity != nil {
		clone.Quantity = new(big.Int).Set(b.Quantity)
	} else {
		clone.Quantity = big.NewInt(0)
	}
	return &clone
}

// SanitizeBid validates the supplied bid without mutating the original.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("market: nil bid")
	}
	clone := b.Clone()
	if clone.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("market: bid quantity must be positive")
	}
	return clone, nil
}

// Complaint records a dispute raised against a selected offer. It is consumed
// by exactly one resolution.
type Complaint struct {
	ID        [32]byte
	OfferID   [32]byte
	Provider  [20]byte
	Buyer     [20]byte
	Reason    string
	Resolved  bool
	CreatedAt int64
}

// Clone returns a copy of the complaint.
func (c *Complaint) Clone() *Complaint {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// SanitizeComplaint validates the supplied complaint without mutating the
// original.
func SanitizeComplaint(c *Complaint) (*Complaint, error) {
	if c == nil {
		return nil, fmt.Errorf("market: nil complaint")
	}
	clone := c.Clone()
	clone.Reason = strings.TrimSpace(clone.Reason)
	if clone.Reason == "" {
		return nil, fmt.Errorf("market: complaint reason must not be empty")
	}
	return clone, nil
}
