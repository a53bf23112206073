package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"gridmarket/core/types"
)

const (
	EventTypeOfferCreated     = "market.offer.created"
	EventTypeBidPlaced        = "market.bid.placed"
	EventTypeBuyerSelected    = "market.buyer.selected"
	EventTypePaymentDeposited = "market.payment.deposited"
	EventTypeEnergySubmitted  = "market.energy.submitted"
	EventTypeEnergyConfirmed  = "market.energy.confirmed"
	EventTypeComplaintRaised  = "market.complaint.raised"
	EventTypeDisputeResolved  = "market.dispute.resolved"
)

// NewOfferCreatedEvent returns the canonical payload for a newly listed
// offer.
func NewOfferCreatedEvent(o *Offer) *types.Event {
	attrs := offerAttributes(o)
	return &types.Event{Type: EventTypeOfferCreated, Attributes: attrs}
}

// NewBidPlacedEvent returns the payload emitted when a bid is recorded or
// replaced.
func NewBidPlacedEvent(b *Bid) *types.Event {
	attrs := make(map[string]string)
	if b != nil {
		attrs["offerId"] = hex.EncodeToString(b.OfferID[:])
		attrs["bidder"] = hex.EncodeToString(b.Bidder[:])
		if b.Quantity != nil {
			attrs["quantity"] = b.Quantity.String()
		}
		attrs["placedAt"] = strconv.FormatInt(b.PlacedAt, 10)
	}
	return &types.Event{Type: EventTypeBidPlaced, Attributes: attrs}
}

// NewBuyerSelectedEvent returns the payload emitted when the provider accepts
// a bid.
func NewBuyerSelectedEvent(o *Offer) *types.Event {
	attrs := offerAttributes(o)
	return &types.Event{Type: EventTypeBuyerSelected, Attributes: attrs}
}

// NewPaymentDepositedEvent returns the payload emitted when the buyer funds
// the escrow.
func NewPaymentDepositedEvent(o *Offer, amount *big.Int) *types.Event {
	attrs := offerAttributes(o)
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypePaymentDeposited, Attributes: attrs}
}

// NewEnergySubmittedEvent returns the payload emitted when the provider
// attests delivery.
func NewEnergySubmittedEvent(o *Offer) *types.Event {
	attrs := offerAttributes(o)
	return &types.Event{Type: EventTypeEnergySubmitted, Attributes: attrs}
}

// NewEnergyConfirmedEvent returns the payload emitted when settlement pays
// the provider.
func NewEnergyConfirmedEvent(o *Offer, paid *big.Int) *types.Event {
	attrs := offerAttributes(o)
	if paid != nil {
		attrs["paid"] = paid.String()
	}
	return &types.Event{Type: EventTypeEnergyConfirmed, Attributes: attrs}
}

// NewComplaintRaisedEvent returns the payload emitted when a dispute opens.
func NewComplaintRaisedEvent(c *Complaint, raiser [20]byte) *types.Event {
	attrs := complaintAttributes(c)
	attrs["raiser"] = hex.EncodeToString(raiser[:])
	return &types.Event{Type: EventTypeComplaintRaised, Attributes: attrs}
}

// NewDisputeResolvedEvent returns the payload emitted when the admin rules on
// a complaint.
func NewDisputeResolvedEvent(c *Complaint, decision bool) *types.Event {
	attrs := complaintAttributes(c)
	attrs["decision"] = strconv.FormatBool(decision)
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

func offerAttributes(o *Offer) map[string]string {
	attrs := make(map[string]string)
	if o == nil {
		return attrs
	}
	sanitized, err := SanitizeOffer(o)
	if err != nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["provider"] = hex.EncodeToString(sanitized.Provider[:])
	attrs["energyType"] = sanitized.EnergyType
	attrs["totalUnits"] = strconv.FormatUint(sanitized.TotalUnits, 10)
	attrs["unitPrice"] = sanitized.UnitPrice.String()
	attrs["escrow"] = sanitized.Escrow.String()
	attrs["status"] = strconv.FormatUint(uint64(sanitized.Status), 10)
	attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.BuyerSet {
		attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	}
	return attrs
}

func complaintAttributes(c *Complaint) map[string]string {
	attrs := make(map[string]string)
	if c == nil {
		return attrs
	}
	attrs["complaintId"] = hex.EncodeToString(c.ID[:])
	attrs["offerId"] = hex.EncodeToString(c.OfferID[:])
	attrs["provider"] = hex.EncodeToString(c.Provider[:])
	attrs["buyer"] = hex.EncodeToString(c.Buyer[:])
	attrs["reason"] = c.Reason
	attrs["createdAt"] = strconv.FormatInt(c.CreatedAt, 10)
	return attrs
}
