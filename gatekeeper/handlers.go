// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tallygate/platform/shared/logger"
)

// GatewayHandlers is the HTTP surface of the quota engine. Raw fingerprints
// and IP addresses are hashed here, at the edge; everything past this layer
// sees opaque tokens only.
type GatewayHandlers struct {
	enforcer   *QuotaEnforcer
	subs       SubscriptionLookup
	store      UsageStore
	bus        *ClientSyncBus
	log        *logger.Logger
	jwtSecret  []byte
	adminToken string
}

// NewGatewayHandlers wires the HTTP handlers.
func NewGatewayHandlers(enforcer *QuotaEnforcer, subs SubscriptionLookup, store UsageStore, bus *ClientSyncBus, log *logger.Logger, jwtSecret []byte, adminToken string) *GatewayHandlers {
	if log == nil {
		log = logger.New("gatekeeper")
	}
	return &GatewayHandlers{
		enforcer:   enforcer,
		subs:       subs,
		store:      store,
		bus:        bus,
		log:        log,
		jwtSecret:  jwtSecret,
		adminToken: adminToken,
	}
}

type quotaRequest struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// resolvedRequest carries everything the quota paths need after the edge
// work (auth, hashing, identity resolution) is done.
type resolvedRequest struct {
	requestID string
	identity  Identity
	ipHash    string
	tier      string
	userID    string
}

// resolveRequest performs the shared edge work for check and record. On
// failure it has already written the response and returns false.
func (h *GatewayHandlers) resolveRequest(w http.ResponseWriter, r *http.Request) (resolvedRequest, bool) {
	requestID := uuid.New().String()

	var req quotaRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.log.ErrorWithCode("", requestID, "invalid request body", http.StatusBadRequest, err, nil)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return resolvedRequest{}, false
		}
	}

	userID, err := h.authenticatedUser(r)
	if err != nil {
		h.log.ErrorWithCode("", requestID, "user token rejected", http.StatusUnauthorized, err, nil)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid user token"})
		return resolvedRequest{}, false
	}

	ip := req.IPAddress
	if ip == "" {
		ip = clientIP(r)
	}
	ipHash, err := HashToken(ip)
	if err != nil {
		// Hashing failure fails the request closed; the raw value is never
		// stored as a fallback.
		h.log.ErrorWithCode("", requestID, "client address unusable", http.StatusBadRequest, err, nil)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "client address missing"})
		return resolvedRequest{}, false
	}

	identity, err := ResolveIdentity(userID, req.Fingerprint)
	if err != nil {
		status := http.StatusBadRequest
		h.log.ErrorWithCode("", requestID, "identity resolution failed", status, err, nil)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return resolvedRequest{}, false
	}

	return resolvedRequest{
		requestID: requestID,
		identity:  identity,
		ipHash:    ipHash,
		userID:    userID,
	}, true
}

// CheckQuota handles POST /api/v1/quota/check. Informational: it never
// charges usage. Store outages deny (fail closed).
func (h *GatewayHandlers) CheckQuota(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rr, ok := h.resolveRequest(w, r)
	if !ok {
		promQuotaChecks.WithLabelValues("error").Inc()
		return
	}

	tier, err := h.subs.TierFor(r.Context(), rr.userID)
	if err != nil {
		h.log.ErrorWithCode(rr.identity.Key, rr.requestID, "subscription lookup failed, denying", http.StatusServiceUnavailable, err, nil)
		promQuotaChecks.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusServiceUnavailable, Snapshot{})
		return
	}

	snap, err := h.enforcer.Check(r.Context(), rr.identity, tier)
	if err != nil {
		// Fail closed: deny during an outage rather than allow unbounded use.
		h.log.ErrorWithCode(rr.identity.Key, rr.requestID, "quota check failed, denying", http.StatusServiceUnavailable, err, nil)
		promQuotaChecks.WithLabelValues("error").Inc()
		snap.Allowed = false
		writeJSON(w, http.StatusServiceUnavailable, snap)
		return
	}

	result := "denied"
	if snap.Allowed {
		result = "allowed"
	}
	promQuotaChecks.WithLabelValues(result).Inc()
	promRequestDuration.WithLabelValues("check").Observe(float64(time.Since(start).Milliseconds()))
	writeJSON(w, http.StatusOK, snap)
}

// RecordUsage handles POST /api/v1/quota/record. Charges one unit
// atomically; the charge is not rolled back if the caller abandons the
// gated action afterwards.
func (h *GatewayHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rr, ok := h.resolveRequest(w, r)
	if !ok {
		promQuotaRecords.WithLabelValues("error").Inc()
		return
	}

	tier, err := h.subs.TierFor(r.Context(), rr.userID)
	if err != nil {
		h.log.ErrorWithCode(rr.identity.Key, rr.requestID, "subscription lookup failed", http.StatusInternalServerError, err, nil)
		promQuotaRecords.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "subscription lookup failed"})
		return
	}

	snap, err := h.enforcer.Record(r.Context(), rr.identity, rr.ipHash, tier)
	if err != nil {
		// The caller may already have started the gated action; surface a
		// hard error instead of guessing an outcome.
		h.log.ErrorWithCode(rr.identity.Key, rr.requestID, "usage record failed", http.StatusInternalServerError, err, nil)
		promQuotaRecords.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to record usage"})
		return
	}

	result := "denied"
	if snap.Allowed {
		result = "charged"
	}
	if snap.Flagged {
		promFlaggedResponses.Inc()
	}
	promQuotaRecords.WithLabelValues(result).Inc()
	promRequestDuration.WithLabelValues("record").Observe(float64(time.Since(start).Milliseconds()))

	h.log.Info(rr.identity.Key, rr.requestID, "usage recorded", map[string]interface{}{
		"allowed":      snap.Allowed,
		"remaining":    snap.Remaining,
		"weekly_usage": snap.WeeklyUsage,
		"flagged":      snap.Flagged,
	})
	writeJSON(w, http.StatusOK, snap)
}

// UnflagIdentity handles POST /api/v1/admin/identities/{key}/unflag, the
// explicit administrative override for the sticky abuse flag.
func (h *GatewayHandlers) UnflagIdentity(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	if h.adminToken == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "admin operations not configured"})
		return
	}
	if r.Header.Get("X-Admin-Token") != h.adminToken {
		h.log.ErrorWithCode("", requestID, "admin token rejected", http.StatusForbidden, nil, nil)
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	identityKey := mux.Vars(r)["key"]
	if identityKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "identity key required"})
		return
	}

	err := h.store.ClearFlag(r.Context(), identityKey)
	if errors.Is(err, ErrNoRecord) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown identity"})
		return
	}
	if err != nil {
		h.log.ErrorWithCode(identityKey, requestID, "failed to clear abuse flag", http.StatusInternalServerError, err, nil)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to clear abuse flag"})
		return
	}

	h.log.Info(identityKey, requestID, "abuse flag cleared by administrator", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StreamUsageEvents handles GET /api/v1/quota/events: a server-sent event
// stream that relays usage-updated snapshots from the sync bus so every
// open widget reflects one authoritative value without re-querying.
func (h *GatewayHandlers) StreamUsageEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := h.bus.Subscribe(8)
	defer h.bus.Unsubscribe(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: usage-updated\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Health handles GET /health.
func (h *GatewayHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "tallygate-gatekeeper",
	})
}

func (h *GatewayHandlers) authenticatedUser(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return "", fmt.Errorf("malformed authorization header")
	}
	return userIDFromToken(token, h.jwtSecret)
}

// clientIP extracts the caller address, preferring the first proxy hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
