package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gridmarket/core/types"
	"gridmarket/crypto"
	"gridmarket/native/market"
)

func parseAddr(raw string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("malformed hash: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount: %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

func hashHex(h [32]byte) string { return "0x" + hex.EncodeToString(h[:]) }

func addrBech32(a [20]byte) string {
	return crypto.NewAddress(crypto.NRGPrefix, a[:]).String()
}

func statusString(s market.OfferStatus) string {
	switch s {
	case market.OfferOpen:
		return "open"
	case market.OfferSelected:
		return "selected"
	case market.OfferCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type offerResult struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
	EnergyType  string `json:"energyType"`
	TotalUnits  uint64 `json:"totalUnits"`
	UnitPrice   string `json:"unitPrice"`
	Escrow      string `json:"escrow"`
	Status      string `json:"status"`
	Delivered   bool   `json:"delivered"`
	Disputed    bool   `json:"disputed"`
	Buyer       string `json:"buyer,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Deadline    int64  `json:"deadline"`
}

func newOfferResult(o *market.Offer) offerResult {
	out := offerResult{
		ID:          hashHex(o.ID),
		Provider:    addrBech32(o.Provider),
		Description: o.Description,
		EnergyType:  o.EnergyType,
		TotalUnits:  o.TotalUnits,
		UnitPrice:   o.UnitPrice.String(),
		Escrow:      o.Escrow.String(),
		Status:      statusString(o.Status),
		Delivered:   o.Delivered,
		Disputed:    o.Disputed,
		CreatedAt:   o.CreatedAt,
		Deadline:    o.Deadline,
	}
	if o.BuyerSet {
		out.Buyer = addrBech32(o.Buyer)
	}
	return out
}

type bidResult struct {
	OfferID  string `json:"offerId"`
	Bidder   string `json:"bidder"`
	Quantity string `json:"quantity"`
	PlacedAt int64  `json:"placedAt"`
}

func newBidResult(b *market.Bid) bidResult {
	return bidResult{
		OfferID:  hashHex(b.OfferID),
		Bidder:   addrBech32(b.Bidder),
		Quantity: b.Quantity.String(),
		PlacedAt: b.PlacedAt,
	}
}

type complaintResult struct {
	ID        string `json:"id"`
	OfferID   string `json:"offerId"`
	Provider  string `json:"provider"`
	Buyer     string `json:"buyer"`
	Reason    string `json:"reason"`
	Resolved  bool   `json:"resolved"`
	CreatedAt int64  `json:"createdAt"`
}

func newComplaintResult(c *market.Complaint) complaintResult {
	return complaintResult{
		ID:        hashHex(c.ID),
		OfferID:   hashHex(c.OfferID),
		Provider:  addrBech32(c.Provider),
		Buyer:     addrBech32(c.Buyer),
		Reason:    c.Reason,
		Resolved:  c.Resolved,
		CreatedAt: c.CreatedAt,
	}
}

func decodeParams(raw json.RawMessage, into any) *RPCError {
	if len(raw) == 0 {
		return &RPCError{Code: codeInvalidParams, Message: "params object required"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}

type createOfferParams struct {
	Provider    string `json:"provider"`
	Description string `json:"description"`
	EnergyType  string `json:"energyType"`
	TotalUnits  uint64 `json:"totalUnits"`
	Duration    int64  `json:"duration"`
}

type createOfferResult struct {
	Offer      offerResult `json:"offer"`
	Capability string      `json:"capability"`
}

func (s *Server) handleCreateOffer(raw json.RawMessage) (any, *RPCError) {
	var p createOfferParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	provider, err := parseAddr(p.Provider)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "provider: " + err.Error()}
	}
	offer, token, err := s.node.MarketCreateOffer(provider, p.Description, p.EnergyType, p.TotalUnits, p.Duration)
	if err != nil {
		return nil, errToRPC(err)
	}
	// The capability secret crosses the wire exactly once, here.
	return createOfferResult{Offer: newOfferResult(offer), Capability: token.Hex()}, nil
}

type placeBidParams struct {
	OfferID  string `json:"offerId"`
	Bidder   string `json:"bidder"`
	Quantity string `json:"quantity"`
}

func (s *Server) handlePlaceBid(raw json.RawMessage) (any, *RPCError) {
	var p placeBidParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	bidder, err := parseAddr(p.Bidder)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "bidder: " + err.Error()}
	}
	quantity, err := parseAmount(p.Quantity)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "quantity: " + err.Error()}
	}
	bid, err := s.node.MarketPlaceBid(offerID, bidder, quantity)
	if err != nil {
		return nil, errToRPC(err)
	}
	return newBidResult(bid), nil
}

type selectBuyerParams struct {
	Capability string `json:"capability"`
	OfferID    string `json:"offerId"`
	Buyer      string `json:"buyer"`
}

func (s *Server) handleSelectBuyer(raw json.RawMessage) (any, *RPCError) {
	var p selectBuyerParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	token, err := market.ParseCapability(p.Capability)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "capability: " + err.Error()}
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	buyer, err := parseAddr(p.Buyer)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "buyer: " + err.Error()}
	}
	if err := s.node.MarketSelectBuyer(token, offerID, buyer); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"selected": true}, nil
}

type depositParams struct {
	OfferID string `json:"offerId"`
	Payer   string `json:"payer"`
	Amount  string `json:"amount"`
}

func (s *Server) handleDepositPayment(raw json.RawMessage) (any, *RPCError) {
	var p depositParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	payer, err := parseAddr(p.Payer)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "payer: " + err.Error()}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "amount: " + err.Error()}
	}
	if err := s.node.MarketDepositPayment(offerID, payer, amount); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"deposited": true}, nil
}

type submitEnergyParams struct {
	Capability string `json:"capability"`
	OfferID    string `json:"offerId"`
}

func (s *Server) handleSubmitEnergy(raw json.RawMessage) (any, *RPCError) {
	var p submitEnergyParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	token, err := market.ParseCapability(p.Capability)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "capability: " + err.Error()}
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	if err := s.node.MarketSubmitEnergy(token, offerID); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"submitted": true}, nil
}

type confirmEnergyParams struct {
	OfferID string `json:"offerId"`
	Caller  string `json:"caller"`
}

func (s *Server) handleConfirmEnergy(raw json.RawMessage) (any, *RPCError) {
	var p confirmEnergyParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "caller: " + err.Error()}
	}
	if err := s.node.MarketConfirmEnergy(offerID, caller); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"confirmed": true}, nil
}

type raiseComplaintParams struct {
	OfferID string `json:"offerId"`
	Caller  string `json:"caller"`
	Reason  string `json:"reason"`
}

func (s *Server) handleRaiseComplaint(raw json.RawMessage) (any, *RPCError) {
	var p raiseComplaintParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "caller: " + err.Error()}
	}
	complaint, err := s.node.MarketRaiseComplaint(offerID, p.Reason, caller)
	if err != nil {
		return nil, errToRPC(err)
	}
	return newComplaintResult(complaint), nil
}

type resolveDisputeParams struct {
	Capability  string `json:"capability"`
	OfferID     string `json:"offerId"`
	ComplaintID string `json:"complaintId"`
	Decision    bool   `json:"decision"`
}

func (s *Server) handleResolveDispute(raw json.RawMessage) (any, *RPCError) {
	var p resolveDisputeParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	token, err := market.ParseCapability(p.Capability)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "capability: " + err.Error()}
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	complaintID, err := parseHash(p.ComplaintID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "complaintId: " + err.Error()}
	}
	if err := s.node.MarketResolveDispute(token, offerID, complaintID, p.Decision); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"resolved": true}, nil
}

type getOfferParams struct {
	OfferID string `json:"offerId"`
}

func (s *Server) handleGetOffer(raw json.RawMessage) (any, *RPCError) {
	var p getOfferParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	offer, err := s.node.MarketGetOffer(offerID)
	if err != nil {
		return nil, errToRPC(err)
	}
	return newOfferResult(offer), nil
}

type getBidParams struct {
	OfferID string `json:"offerId"`
	Bidder  string `json:"bidder"`
}

func (s *Server) handleGetBid(raw json.RawMessage) (any, *RPCError) {
	var p getBidParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offerID, err := parseHash(p.OfferID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "offerId: " + err.Error()}
	}
	bidder, err := parseAddr(p.Bidder)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "bidder: " + err.Error()}
	}
	bid, ok := s.node.MarketGetBid(offerID, bidder)
	if !ok {
		return nil, &RPCError{Code: codeNotFound, Message: "no bid recorded"}
	}
	return newBidResult(bid), nil
}

type getComplaintParams struct {
	ComplaintID string `json:"complaintId"`
}

func (s *Server) handleGetComplaint(raw json.RawMessage) (any, *RPCError) {
	var p getComplaintParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	complaintID, err := parseHash(p.ComplaintID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "complaintId: " + err.Error()}
	}
	complaint, err := s.node.MarketGetComplaint(complaintID)
	if err != nil {
		return nil, errToRPC(err)
	}
	return newComplaintResult(complaint), nil
}

func (s *Server) handleGetEvents() (any, *RPCError) {
	log := s.node.Events()
	if log == nil {
		log = []types.Event{}
	}
	return log, nil
}

type getBalanceParams struct {
	Address string `json:"address"`
}

func (s *Server) handleGetBalance(raw json.RawMessage) (any, *RPCError) {
	var p getBalanceParams
	if rpcErr := decodeParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddr(p.Address)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "address: " + err.Error()}
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		return nil, errToRPC(err)
	}
	return map[string]string{"address": p.Address, "balance": balance.String()}, nil
}
