package market

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	nativecommon "gridmarket/native/common"
)

// RaiseComplaint records a dispute against a selected offer. Only the
// provider or the selected buyer may raise one, the disputed flag transitions
// false to true exactly once, and — when the deadline-gated policy is active —
// only after the offer deadline has passed.
func (e *Engine) RaiseComplaint(offerID [32]byte, reason string, caller [20]byte, now int64) (*Complaint, error) {
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
	if offer.Status == OfferCompleted {
		return nil, ErrMarketClosed
	}
	if offer.Status != OfferSelected {
		return nil, ErrMarketClosed
	}
	if offer.Disputed {
		return nil, ErrAlreadyDisputed
	}
	isProvider := caller == offer.Provider
	isBuyer := offer.BuyerSet && caller == offer.Buyer
	if !isProvider && !isBuyer {
		return nil, ErrIncorrectParty
	}
	if e.disputeAfterDeadline && now < offer.Deadline {
		return nil, ErrDeadlineNotReached
	}
	var nowBytes [8]byte
	for i := 0; i < 8; i++ {
		nowBytes[i] = byte(now >> (8 * (7 - i)))
	}
	complaint := &Complaint{
		OfferID:   offerID,
		Provider:  offer.Provider,
		Buyer:     offer.Buyer,
		Reason:    reason,
		CreatedAt: now,
	}
	copy(complaint.ID[:], ethcrypto.Keccak256(offerID[:], caller[:], nowBytes[:]))
	sanitized, err := SanitizeComplaint(complaint)
	if err != nil {
		return nil, ErrInvalidInput
	}
	if err := e.state.ComplaintPut(sanitized); err != nil {
		return nil, err
	}
	offer.Disputed = true
	if err := e.storeOffer(offer); err != nil {
		return nil, err
	}
	e.emit(NewComplaintRaisedEvent(sanitized, caller))
	return sanitized.Clone(), nil
}

// ResolveDispute applies the admin's binary ruling to the escrowed funds. A
// true decision drains the escrow to the selected buyer in full. A false
// decision moves no funds: the provider does not recover the escrow, which is
// a known asymmetry in the modeled contract kept until there is explicit
// product intent to change it. Each complaint is consumed by exactly one
// resolution.
func (e *Engine) ResolveDispute(adminToken Capability, offerID [32]byte, complaintID [32]byte, decision bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if err := e.authority.ValidateAdmin(adminToken); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if !offer.Disputed {
		return ErrNoDisputeRaised
	}
	complaint, ok := e.state.ComplaintGet(complaintID)
	if !ok {
		return ErrComplaintNotFound
	}
	if complaint.OfferID != offerID {
		return ErrInvalidInput
	}
	if complaint.Resolved {
		return ErrNoDisputeRaised
	}
	if decision {
		if !offer.BuyerSet {
			return ErrWrongParty
		}
		if _, err := e.drainEscrow(offer, offer.Buyer); err != nil {
			return err
		}
		if err := e.storeOffer(offer); err != nil {
			return err
		}
	}
	complaint.Resolved = true
	if err := e.state.ComplaintPut(complaint); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(complaint, decision))
	return nil
}

// GetComplaint returns the stored complaint.
func (e *Engine) GetComplaint(id [32]byte) (*Complaint, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	complaint, ok := e.state.ComplaintGet(id)
	if !ok {
		return nil, ErrComplaintNotFound
	}
	return complaint.Clone(), nil
}
