// Package httpapi exposes the coordinator's REST API: inbound relay
// deliveries, payload inspection, the keeper operations (update, process,
// rescue, finalize), and the lifecycle event feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/metrics"
	"github.com/omnivault-network/coordinator/internal/middleware"
	"github.com/omnivault-network/coordinator/internal/registry"
	"github.com/omnivault-network/coordinator/internal/relay"
	"github.com/omnivault-network/coordinator/internal/vault"
)

// Deps bundles everything the handler serves.
type Deps struct {
	Ingest  *registry.Ingest
	Updater *registry.Updater
	Engine  *registry.Engine
	Store   registry.Store
	Events  events.Log

	// Metrics records per-route request counts and latencies when non-nil.
	Metrics metrics.Collector

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler

	// Auth guards the keeper routes when non-nil; without it the API is
	// open, which is only acceptable for simulation deployments.
	Auth *middleware.Auth

	RateLimiter *middleware.RateLimiter

	Log zerolog.Logger
}

type handler struct {
	deps Deps
}

// NewHandler returns the coordinator API router.
func NewHandler(deps Deps) http.Handler {
	h := &handler{deps: deps}

	r := mux.NewRouter()
	r.Use(middleware.Logging(deps.Log))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Handler)
	}
	if deps.Auth != nil {
		v1.Use(deps.Auth.Handler)
	}

	v1.HandleFunc("/messages", h.receiveMessage).Methods(http.MethodPost)
	v1.HandleFunc("/proofs", h.receiveProof).Methods(http.MethodPost)
	v1.HandleFunc("/payloads/{id:[0-9]+}", h.getPayload).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)

	updater := v1.NewRoute().Subrouter()
	if deps.Auth != nil {
		updater.Use(middleware.RequireRole(middleware.RoleUpdater))
	}
	updater.HandleFunc("/payloads/{id:[0-9]+}/amounts", h.updateAmounts).Methods(http.MethodPatch)
	updater.HandleFunc("/payloads/{id:[0-9]+}/routes", h.updateRoutes).Methods(http.MethodPatch)
	updater.HandleFunc("/payloads/{id:[0-9]+}/rescue", h.rescue).Methods(http.MethodPost)

	processor := v1.NewRoute().Subrouter()
	if deps.Auth != nil {
		processor.Use(middleware.RequireRole(middleware.RoleProcessor))
	}
	processor.HandleFunc("/payloads/{id:[0-9]+}/process", h.process).Methods(http.MethodPost)
	processor.HandleFunc("/timelocks/{nonce:[0-9]+}/finalize", h.finalize).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type receiveMessageRequest struct {
	Header  *uint256.Int  `json:"header"`
	Body    hexutil.Bytes `json:"body"`
	RelayID uint8         `json:"relay_id"`
}

func (h *handler) receiveMessage(w http.ResponseWriter, r *http.Request) {
	var req receiveMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Header == nil {
		writeError(w, http.StatusBadRequest, errors.New("header required"))
		return
	}

	id, err := h.deps.Ingest.ReceiveMessage(r.Context(), req.Header, req.Body, req.RelayID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"payload_id": id})
}

type receiveProofRequest struct {
	Hash    common.Hash `json:"hash"`
	RelayID uint8       `json:"relay_id"`
}

func (h *handler) receiveProof(w http.ResponseWriter, r *http.Request) {
	var req receiveProofRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	count, err := h.deps.Ingest.ReceiveProof(r.Context(), req.Hash, req.RelayID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"attestations": count})
}

type payloadResponse struct {
	ID           uint64         `json:"id"`
	Header       *uint256.Int   `json:"header"`
	Body         hexutil.Bytes  `json:"body"`
	State        registry.State `json:"state"`
	ContentHash  common.Hash    `json:"content_hash"`
	Attestations uint64         `json:"attestations"`
	ReceivedAt   time.Time      `json:"received_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (h *handler) getPayload(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.deps.Store.GetPayload(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	hash := codec.ContentHash(rec.Header, rec.Body)
	count, err := h.deps.Store.AttestationCount(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, payloadResponse{
		ID:           rec.ID,
		Header:       rec.Header,
		Body:         rec.Body,
		State:        rec.State,
		ContentHash:  hash,
		Attestations: count,
		ReceivedAt:   rec.ReceivedAt,
		UpdatedAt:    rec.UpdatedAt,
	})
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		n = parsed
	}

	if t := r.URL.Query().Get("type"); t != "" {
		writeJSON(w, http.StatusOK, h.deps.Events.RecentByType(events.Type(t), n))
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Events.Recent(n))
}

type updateAmountsRequest struct {
	Amounts []*uint256.Int `json:"amounts"`
}

func (h *handler) updateAmounts(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateAmountsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Updater.UpdateDepositAmounts(r.Context(), id, req.Amounts); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type updateRoutesRequest struct {
	TxData []hexutil.Bytes `json:"tx_data"`
}

func (h *handler) updateRoutes(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateRoutesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	txData := make([][]byte, len(req.TxData))
	for i, d := range req.TxData {
		txData[i] = d
	}
	if err := h.deps.Updater.UpdateWithdrawRoutes(r.Context(), id, txData); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type ackParamsRequest struct {
	RelayIDs  []uint8         `json:"relay_ids"`
	GasLimits []uint64        `json:"gas_limits,omitempty"`
	Extra     []hexutil.Bytes `json:"extra,omitempty"`
}

func (p ackParamsRequest) toParams() relay.AckParams {
	extra := make([][]byte, len(p.Extra))
	for i, e := range p.Extra {
		extra[i] = e
	}
	return relay.AckParams{RelayIDs: p.RelayIDs, GasLimits: p.GasLimits, Extra: extra}
}

type processRequest struct {
	Ack ackParamsRequest `json:"ack"`
}

type processResponse struct {
	Path          string `json:"path"`
	AckDispatched bool   `json:"ack_dispatched"`
	SuccessMask   []bool `json:"success_mask,omitempty"`
	ResidueCount  int    `json:"residue_count,omitempty"`
	TimelockNonce uint64 `json:"timelock_nonce,omitempty"`
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req processRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.deps.Engine.Process(r.Context(), id, req.Ack.toParams())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		Path:          receipt.Path,
		AckDispatched: receipt.AckDispatched,
		SuccessMask:   receipt.SuccessMask,
		ResidueCount:  receipt.ResidueCount,
		TimelockNonce: receipt.TimelockNonce,
	})
}

type routeRequestBody struct {
	Target       common.Address `json:"target"`
	TxData       hexutil.Bytes  `json:"tx_data"`
	Token        common.Address `json:"token"`
	SrcChainID   uint64         `json:"src_chain_id"`
	DstChainID   uint64         `json:"dst_chain_id"`
	Amount       *uint256.Int   `json:"amount"`
	NativeAmount *uint256.Int   `json:"native_amount,omitempty"`
	Recipient    common.Address `json:"recipient"`
	Permit       hexutil.Bytes  `json:"permit,omitempty"`
}

func (b routeRequestBody) toRoute() codec.RouteRequest {
	route := codec.RouteRequest{
		Target:     b.Target,
		TxData:     b.TxData,
		Token:      b.Token,
		SrcChainID: b.SrcChainID,
		DstChainID: b.DstChainID,
		Recipient:  b.Recipient,
		Permit:     b.Permit,
	}
	route.Amount = b.Amount
	if route.Amount == nil {
		route.Amount = uint256.NewInt(0)
	}
	route.NativeAmount = b.NativeAmount
	if route.NativeAmount == nil {
		route.NativeAmount = uint256.NewInt(0)
	}
	return route
}

type rescueRequest struct {
	Routes []routeRequestBody `json:"routes"`
}

func (h *handler) rescue(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req rescueRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	routes := make([]codec.RouteRequest, len(req.Routes))
	for i, rr := range req.Routes {
		routes[i] = rr.toRoute()
	}
	if err := h.deps.Engine.RescueFailedDeposits(r.Context(), id, routes); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rescued"})
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	nonce, err := pathUint(r, "nonce")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Engine.Finalize(r.Context(), nonce); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidPayloadID),
		errors.Is(err, vault.ErrUnknownContinuation):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyProcessed),
		errors.Is(err, registry.ErrAlreadyUpdated),
		errors.Is(err, registry.ErrNotUpdated),
		errors.Is(err, registry.ErrQuorumNotReached),
		errors.Is(err, registry.ErrBridgeTokensPending),
		errors.Is(err, registry.ErrRouteNotUpdated),
		errors.Is(err, registry.ErrUnlockNotReady):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUpdateLength),
		errors.Is(err, registry.ErrSlippageOutOfBounds),
		errors.Is(err, registry.ErrInvalidRoute),
		errors.Is(err, registry.ErrInvalidRescue),
		errors.Is(err, registry.ErrInvalidUpdateRequest),
		errors.Is(err, relay.ErrNoRelays),
		errors.Is(err, relay.ErrUnknownRelay):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathUint(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)[name], 10, 64)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
