package market

import "errors"

// Guard failures surface as distinct, stable error kinds. Every failure
// aborts the whole call with no partial effects; retries are a caller
// concern.
var (
	// ErrInvalidCapability indicates the presented capability does not match
	// the target offer or the required kind.
	ErrInvalidCapability = errors.New("market: invalid capability")
	// ErrMarketClosed indicates a bid or selection against an offer that has
	// left the open state.
	ErrMarketClosed = errors.New("market: offer not open")
	// ErrUnknownBidder indicates a selection referencing an identity with no
	// recorded bid.
	ErrUnknownBidder = errors.New("market: no bid recorded for identity")
	// ErrInsufficientFunds indicates a deposit below the agreed price or a
	// payer balance too small to cover the transfer.
	ErrInsufficientFunds = errors.New("market: insufficient funds")
	// ErrEnergyNotSubmitted indicates confirmation before the delivery flag
	// was set.
	ErrEnergyNotSubmitted = errors.New("market: energy not submitted")
	// ErrWrongParty indicates the caller does not hold the required role.
	ErrWrongParty = errors.New("market: caller is not the required party")
	// ErrDeadlineExceeded indicates a submission at or past the offer
	// deadline.
	ErrDeadlineExceeded = errors.New("market: offer deadline exceeded")
	// ErrDeadlineNotReached indicates a complaint raised before the deadline
	// while the deadline-gated dispute policy is active.
	ErrDeadlineNotReached = errors.New("market: offer deadline not reached")
	// ErrIncorrectParty indicates a complaint raised by neither the provider
	// nor the selected buyer.
	ErrIncorrectParty = errors.New("market: complainant is neither buyer nor provider")
	// ErrNoDisputeRaised indicates a resolution attempt without an active,
	// unconsumed dispute.
	ErrNoDisputeRaised = errors.New("market: no dispute raised")
	// ErrAlreadyDisputed indicates a second complaint against an offer whose
	// disputed flag is already set.
	ErrAlreadyDisputed = errors.New("market: offer already disputed")
	// ErrInvalidInput indicates malformed call parameters such as a
	// non-positive duration or quantity.
	ErrInvalidInput = errors.New("market: invalid input")
	// ErrOfferNotFound indicates the referenced offer does not exist.
	ErrOfferNotFound = errors.New("market: offer not found")
	// ErrComplaintNotFound indicates the referenced complaint does not exist.
	ErrComplaintNotFound = errors.New("market: complaint not found")

	errNilState = errors.New("market engine: state not configured")
)
