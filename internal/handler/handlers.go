// Package handler exposes the locator over a small HTTP diagnostics API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/service"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	locator    *service.LocatorService
	mutations  *service.MutationService
	durability *service.DurabilityService
	logger     *zap.Logger
	timeout    time.Duration
}

// NewHandlers creates a new Handlers instance. timeout bounds routing calls;
// durability waits use their own budget.
func NewHandlers(
	locator *service.LocatorService,
	mutations *service.MutationService,
	durability *service.DurabilityService,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	return &Handlers{
		locator:    locator,
		mutations:  mutations,
		durability: durability,
		logger:     logger,
		timeout:    timeout,
	}
}

// NodesResponse lists a bucket's nodes in snapshot order
type NodesResponse struct {
	Bucket string           `json:"bucket"`
	Rev    int64            `json:"rev"`
	Nodes  []model.NodeInfo `json:"nodes"`
}

// ReplicaResponse is one replica slot of a route
type ReplicaResponse struct {
	Number   int             `json:"number"`
	Assigned bool            `json:"assigned"`
	Node     *model.NodeInfo `json:"node,omitempty"`
}

// RouteResponse is the placement of one key
type RouteResponse struct {
	Bucket          string            `json:"bucket"`
	Key             string            `json:"key"`
	Rev             int64             `json:"rev"`
	Kind            string            `json:"kind"`
	Partition       *uint16           `json:"partition,omitempty"`
	Active          model.NodeInfo    `json:"active"`
	Replicas        []ReplicaResponse `json:"replicas,omitempty"`
	MissingReplicas int               `json:"missing_replicas"`
}

// ConfirmRequest asks the locator to confirm durability of a mutation that
// already happened elsewhere.
type ConfirmRequest struct {
	Key        string                `json:"key"`
	CAS        uint64                `json:"cas"`
	Node       model.NodeInfo        `json:"node"`
	Token      *model.MutationToken  `json:"token,omitempty"`
	Deletion   bool                  `json:"deletion"`
	Durability model.RequirementSpec `json:"durability"`
	Timeout    string                `json:"timeout,omitempty"`
	Async      bool                  `json:"async"`
}

// MutateRequest sends a document mutation through the locator
type MutateRequest struct {
	Key        string                `json:"key"`
	Kind       model.MutationKind    `json:"kind"`
	Value      string                `json:"value,omitempty"`
	CAS        uint64                `json:"cas,omitempty"`
	Expiry     string                `json:"expiry,omitempty"`
	Durability model.RequirementSpec `json:"durability"`
	Timeout    string                `json:"timeout,omitempty"`
}

// MutateResponse reports the accepted mutation and its durability outcome
type MutateResponse struct {
	Bucket     string                 `json:"bucket"`
	Key        string                 `json:"key"`
	CAS        uint64                 `json:"cas"`
	Node       string                 `json:"node"`
	Token      *model.MutationToken   `json:"token,omitempty"`
	Durability *service.ConfirmResult `json:"durability,omitempty"`
}

// ListNodes handles GET /v1/buckets/{bucket}/nodes.
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	snap, err := h.locator.Snapshot(bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	nodes, err := h.locator.Nodes(bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, NodesResponse{Bucket: bucket, Rev: snap.Rev(), Nodes: nodes})
}

// RouteKey handles GET /v1/buckets/{bucket}/route?key=.
func (h *Handlers) RouteKey(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, r, errors.InvalidArgument("key is required", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	route, err := h.locator.RouteKey(ctx, bucket, []byte(key))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, NewRouteResponse(key, route))
}

// ReplicaNode handles GET /v1/buckets/{bucket}/replicas/{replica}?key=.
func (h *Handlers) ReplicaNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, r, errors.InvalidArgument("key is required", nil))
		return
	}
	replica, err := strconv.Atoi(vars["replica"])
	if err != nil {
		h.writeError(w, r, errors.InvalidArgument("replica must be a number", err))
		return
	}

	node, err := h.locator.ReplicaNode(vars["bucket"], []byte(key), replica)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, node)
}

// BucketConfig handles GET /v1/buckets/{bucket}/config. The snapshot is
// rendered in the terse bucket config format.
func (h *Handlers) BucketConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.locator.Snapshot(mux.Vars(r)["bucket"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := topology.EncodeBucketConfig(snap)
	if err != nil {
		h.writeError(w, r, errors.InternalError("failed to encode bucket config", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ConfirmDurability handles POST /v1/buckets/{bucket}/durability.
func (h *Handlers) ConfirmDurability(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidArgument("invalid request body", err))
		return
	}
	if req.Key == "" {
		h.writeError(w, r, errors.InvalidArgument("key is required", nil))
		return
	}
	requirement, err := req.Durability.Requirement()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome := model.MutationOutcome{
		Bucket:   bucket,
		Key:      []byte(req.Key),
		CAS:      req.CAS,
		Token:    req.Token,
		Node:     req.Node,
		Deletion: req.Deletion,
	}

	if req.Async {
		// the request deadline bounds the wait for a free queue slot
		enqueueCtx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		id, _, err := h.durability.ConfirmAsync(enqueueCtx, outcome, requirement, timeout)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/confirmations/"+id)
		h.writeJSONResponse(w, http.StatusAccepted, service.ConfirmResult{
			ID:          id,
			Bucket:      bucket,
			Key:         req.Key,
			Requirement: requirement.String(),
			State:       service.StatePending,
		})
		return
	}

	res, err := h.durability.Confirm(r.Context(), outcome, requirement, timeout)
	h.writeJSONResponse(w, errors.HTTPStatus(err), res)
}

// GetConfirmation handles GET /v1/confirmations/{id}.
func (h *Handlers) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, ok := h.durability.Lookup(id)
	if !ok {
		h.writeErrorResponse(w, http.StatusNotFound, "CONFIRMATION_NOT_FOUND",
			fmt.Sprintf("confirmation %s not found or expired", id), r.Header.Get(requestIDHeader))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, res)
}

// Mutate handles POST /v1/buckets/{bucket}/documents.
func (h *Handlers) Mutate(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	var body MutateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidArgument("invalid request body", err))
		return
	}
	requirement, err := body.Durability.Requirement()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	timeout, err := parseDuration("timeout", body.Timeout)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	expiry, err := parseDuration("expiry", body.Expiry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.mutations.Mutate(r.Context(), &model.MutationRequest{
		Bucket:      bucket,
		Key:         []byte(body.Key),
		Kind:        body.Kind,
		Value:       []byte(body.Value),
		CAS:         body.CAS,
		Expiry:      expiry,
		Requirement: requirement,
		Timeout:     timeout,
	})
	if res == nil {
		h.writeError(w, r, err)
		return
	}

	// The mutation was accepted even when its durability failed.
	h.writeJSONResponse(w, errors.HTTPStatus(err), MutateResponse{
		Bucket:     bucket,
		Key:        body.Key,
		CAS:        res.Outcome.CAS,
		Node:       res.Outcome.Node.KVAddress(),
		Token:      res.Outcome.Token,
		Durability: res.Durability,
	})
}

// NewRouteResponse renders a resolved route
func NewRouteResponse(key string, route topology.Route) RouteResponse {
	resp := RouteResponse{
		Bucket:          route.Bucket,
		Key:             key,
		Rev:             route.Rev,
		Kind:            string(route.Kind),
		Active:          route.Active,
		MissingReplicas: route.MissingReplicas,
	}
	if route.HasPartition {
		p := route.Partition
		resp.Partition = &p
	}
	for _, rep := range route.Replicas {
		rr := ReplicaResponse{Number: rep.Number, Assigned: rep.Assigned}
		if rep.Assigned {
			node := rep.Node
			rr.Node = &node
		}
		resp.Replicas = append(resp.Replicas, rr)
	}
	return resp
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid %s %q", field, v), err)
	}
	return d, nil
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	requestID := r.Header.Get(requestIDHeader)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	h.writeErrorResponse(w, status, errors.CodeOf(err).String(), err.Error(), requestID)
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	h.writeJSONResponse(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
