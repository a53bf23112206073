// Package rpc exposes the market host over JSON-RPC 2.0.
package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gridmarket/core"
	nativecommon "gridmarket/native/common"
	"gridmarket/native/market"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20
)

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32002
	codeConflict       = -32003
	codeRateLimited    = -32004
)

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Idle limiter entries older than limiterTTL are dropped so the per-client
// map cannot grow without bound.
const limiterTTL = 10 * time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Server serves the market node's JSON-RPC surface plus Prometheus metrics.
type Server struct {
	node *core.Node
	log  *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*clientLimiter
	lastPrune time.Time
	// Mutating calls per client per second.
	mutateRate  rate.Limit
	mutateBurst int
	nowFn       func() time.Time
}

// NewServer wraps the node in an RPC server with the default per-client rate
// limit on mutating methods.
func NewServer(node *core.Node) *Server {
	return &Server{
		node:        node,
		log:         slog.Default().With("component", "rpc"),
		limiters:    make(map[string]*clientLimiter),
		mutateRate:  rate.Limit(10),
		mutateBurst: 20,
		nowFn:       time.Now,
	}
}

// Router builds the HTTP routing table: JSON-RPC on /rpc, Prometheus on
// /metrics and a liveness probe on /healthz.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/rpc", s.handle)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Serve blocks serving HTTP on the address until the listener fails.
func (s *Server) Serve(address string) error {
	s.log.Info("rpc listening", "address", address)
	return http.ListenAndServe(address, s.Router())
}

func (s *Server) limiter(clientIP string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	now := s.nowFn()
	if now.Sub(s.lastPrune) >= limiterTTL {
		for ip, entry := range s.limiters {
			if now.Sub(entry.lastSeen) >= limiterTTL {
				delete(s.limiters, ip)
			}
		}
		s.lastPrune = now
	}
	entry, ok := s.limiters[clientIP]
	if !ok {
		entry = &clientLimiter{lim: rate.NewLimiter(s.mutateRate, s.mutateBurst)}
		s.limiters[clientIP] = entry
	}
	entry.lastSeen = now
	return entry.lim
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var mutatingMethods = map[string]bool{
	"market_createOffer":    true,
	"market_placeBid":       true,
	"market_selectBuyer":    true,
	"market_depositPayment": true,
	"market_submitEnergy":   true,
	"market_confirmEnergy":  true,
	"market_raiseComplaint": true,
	"market_resolveDispute": true,
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, nil, codeParse, "unable to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, codeParse, "invalid JSON payload")
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, codeInvalidRequest, "jsonrpc version must be 2.0")
		return
	}
	if mutatingMethods[req.Method] && !s.limiter(clientIP(r)).Allow() {
		writeError(w, req.ID, codeRateLimited, "rate limit exceeded")
		return
	}

	result, rpcErr := s.dispatch(&req)
	if rpcErr != nil {
		s.log.Warn("rpc call failed", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		writeError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(req *RPCRequest) (any, *RPCError) {
	switch req.Method {
	case "market_createOffer":
		return s.handleCreateOffer(req.Params)
	case "market_placeBid":
		return s.handlePlaceBid(req.Params)
	case "market_selectBuyer":
		return s.handleSelectBuyer(req.Params)
	case "market_depositPayment":
		return s.handleDepositPayment(req.Params)
	case "market_submitEnergy":
		return s.handleSubmitEnergy(req.Params)
	case "market_confirmEnergy":
		return s.handleConfirmEnergy(req.Params)
	case "market_raiseComplaint":
		return s.handleRaiseComplaint(req.Params)
	case "market_resolveDispute":
		return s.handleResolveDispute(req.Params)
	case "market_getOffer":
		return s.handleGetOffer(req.Params)
	case "market_getBid":
		return s.handleGetBid(req.Params)
	case "market_getComplaint":
		return s.handleGetComplaint(req.Params)
	case "market_getEvents":
		return s.handleGetEvents()
	case "nrg_getBalance":
		return s.handleGetBalance(req.Params)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// errToRPC maps engine errors onto stable RPC error codes so clients can
// branch without parsing messages.
func errToRPC(err error) *RPCError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, market.ErrOfferNotFound),
		errors.Is(err, market.ErrComplaintNotFound):
		return &RPCError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, market.ErrInvalidCapability):
		return &RPCError{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, market.ErrAlreadyDisputed),
		errors.Is(err, market.ErrNoDisputeRaised),
		errors.Is(err, market.ErrDeadlineExceeded),
		errors.Is(err, market.ErrDeadlineNotReached),
		errors.Is(err, market.ErrEnergyNotSubmitted),
		errors.Is(err, market.ErrWrongParty),
		errors.Is(err, market.ErrIncorrectParty),
		errors.Is(err, market.ErrUnknownBidder),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, nativecommon.ErrModulePaused):
		return &RPCError{Code: codeConflict, Message: err.Error()}
	case errors.Is(err, market.ErrInvalidInput),
		errors.Is(err, nativecommon.ErrQuotaRequestsExceeded):
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
}
