package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/queue"
	"github.com/tacedge/tacedge/pkg/sealer"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/types"
)

// maxPayloadBytes caps the plaintext content of one message.
const maxPayloadBytes = 64 * 1024

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: requestIDFrom(r.Context()),
	}})
}

// internalError logs the underlying failure, records it in the audit log,
// and returns an opaque 500 carrying only the request id.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	s.logger.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg(message)

	actor := types.Actor{SourceAddress: clientAddr(r)}
	if claims := claimsFrom(r.Context()); claims != nil {
		actor.NodeID = claims.NodeID
		actor.Role = claims.Role
	}
	s.auditLog.Emit(audit.NewEvent(audit.EventInternalError,
		actor,
		types.Action{Operation: r.Method, Resource: r.URL.Path, Outcome: types.OutcomeFailure},
		map[string]string{"request_id": requestIDFrom(r.Context())},
	))
	s.writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// The queue is constructed over an open store; if we are serving, we
	// are ready.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type issueTokenRequest struct {
	Subject             string `json:"subject"`
	Role                string `json:"role"`
	NodeID              string `json:"node_id"`
	ClassificationLevel string `json:"classification_level"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.ClassificationLevel == "" {
		req.ClassificationLevel = string(types.ClassificationUnclassified)
	}

	token, claims, err := s.auth.Issue(req.Subject, req.Role, req.NodeID, types.Classification(req.ClassificationLevel))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	s.auditLog.Emit(audit.NewEvent(audit.EventTokenIssued,
		types.Actor{NodeID: req.NodeID, SourceAddress: clientAddr(r)},
		types.Action{Operation: "ISSUE_TOKEN", Resource: req.Subject, Outcome: types.OutcomeSuccess},
		map[string]string{"role": req.Role, "token_id": claims.ID},
	))

	s.writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAt.Time,
		Role:      req.Role,
	})
}

type submitMessageRequest struct {
	Precedence     types.Precedence     `json:"precedence"`
	Classification types.Classification `json:"classification"`
	Sender         string               `json:"sender"`
	Recipient      string               `json:"recipient"`
	Content        string               `json:"content"`
	TTLSeconds     int                  `json:"ttl,omitempty"`
}

func (req *submitMessageRequest) validate() string {
	switch {
	case !req.Precedence.Valid():
		return "precedence must be one of FLASH, IMMEDIATE, PRIORITY, ROUTINE"
	case !req.Classification.Valid():
		return "classification must be one of UNCLASSIFIED, CONFIDENTIAL, SECRET, TOP_SECRET"
	case req.Sender == "":
		return "sender is required"
	case req.Recipient == "":
		return "recipient is required"
	case req.Content == "":
		return "content is required"
	case len(req.Content) > maxPayloadBytes:
		return "content exceeds maximum size"
	case req.TTLSeconds < 0 || req.TTLSeconds > 86400:
		return "ttl must be between 1 and 86400 seconds"
	}
	return ""
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req submitMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if reason := req.validate(); reason != "" {
		s.auditLog.Emit(audit.NewEvent(audit.EventValidationFailure,
			types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
			types.Action{Operation: "SUBMIT", Resource: "message", Outcome: types.OutcomeFailure},
			map[string]string{"reason": reason},
		))
		s.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", reason)
		return
	}

	// A node-bound token may only submit as the node it is bound to.
	if claims.NodeID != "" && req.Sender != claims.NodeID {
		s.auditLog.Emit(audit.NewEvent(audit.EventPermissionDenied,
			types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
			types.Action{Operation: "SUBMIT", Resource: "message", Outcome: types.OutcomeFailure},
			map[string]string{"declared_sender": req.Sender},
		))
		s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "token may not act as the declared sender")
		return
	}

	class := classOther
	if req.Precedence == types.PrecedenceFlash {
		class = classFlash
	}
	if !s.limits.allow(claims.ID, class) {
		metrics.RateLimitedTotal.Inc()
		s.auditLog.Emit(audit.NewEvent(audit.EventRateLimited,
			types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
			types.Action{Operation: "SUBMIT", Resource: "message", Outcome: types.OutcomeFailure},
			map[string]string{"precedence": string(req.Precedence), "token_id": claims.ID},
		))
		s.writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "submission quota exceeded")
		return
	}

	// No recipient pre-check: store and forward accepts messages for nodes
	// that have not registered yet and lets dispatch settle them.
	sealed, err := s.sealer.Seal([]byte(req.Content), req.Classification)
	if err != nil {
		s.internalError(w, r, err, "failed to protect message content")
		return
	}

	now := time.Now().UTC()
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds == 0 {
		ttl = req.Precedence.DefaultTTL()
	}
	msg := &types.Message{
		ID:             "msg-" + uuid.New().String(),
		Precedence:     req.Precedence,
		Classification: req.Classification,
		Sender:         req.Sender,
		Recipient:      req.Recipient,
		SealedPayload:  sealed,
		SubmittedAt:    now,
		TTLSeconds:     int(ttl.Seconds()),
		ExpiresAt:      now.Add(ttl),
	}

	if err := s.queue.Enqueue(msg); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.auditLog.Emit(audit.NewEvent(audit.EventQueueFull,
				types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
				types.Action{Operation: "SUBMIT", Resource: "message", Outcome: types.OutcomeFailure},
				map[string]string{"precedence": string(req.Precedence)},
			))
			s.writeError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL", "partition is over its watermark, retry later")
			return
		}
		s.internalError(w, r, err, "failed to enqueue message")
		return
	}

	// The submission record must be durable before the client sees 201.
	if err := s.auditLog.Append(audit.NewEvent(audit.EventMessageSubmitted,
		types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
		types.Action{Operation: "SUBMIT", Resource: msg.ID, Outcome: types.OutcomeSuccess},
		map[string]string{
			"precedence":     string(msg.Precedence),
			"classification": string(msg.Classification),
			"recipient":      msg.Recipient,
		},
	)); err != nil {
		s.internalError(w, r, err, "failed to record submission")
		return
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Precedence), "submitted").Inc()
	s.writeJSON(w, http.StatusCreated, types.ViewOf(msg))
}

type messageStatusResponse struct {
	*types.View
	AuditTrail []*types.AuditEvent `json:"audit_trail"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.queue.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "message not found")
			return
		}
		s.internalError(w, r, err, "failed to load message")
		return
	}

	// Best effort: the status view is still useful without its trail.
	trail, err := s.auditLog.Query(storage.AuditFilter{Resource: msg.ID, Limit: 100})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("audit trail lookup failed")
	}
	s.writeJSON(w, http.StatusOK, messageStatusResponse{
		View:       types.ViewOf(msg),
		AuditTrail: trail,
	})
}

type contentResponse struct {
	MessageID      string               `json:"message_id"`
	Classification types.Classification `json:"classification"`
	Content        string               `json:"content"`
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	msg, err := s.queue.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "message not found")
			return
		}
		s.internalError(w, r, err, "failed to load message")
		return
	}

	if msg.Classification.Level() > claims.Ceiling().Level() {
		s.auditLog.Emit(audit.NewEvent(audit.EventRBACCheck,
			types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
			types.Action{Operation: "READ_CONTENT", Resource: msg.ID, Outcome: types.OutcomeFailure},
			map[string]string{
				"message_classification": string(msg.Classification),
				"token_ceiling":          string(claims.Ceiling()),
			},
		))
		s.writeError(w, r, http.StatusForbidden, "CLASSIFICATION_DENIED", "token classification ceiling is below the message classification")
		return
	}

	plaintext, err := s.sealer.Open(msg.SealedPayload)
	if err != nil {
		if errors.Is(err, sealer.ErrIntegrity) {
			// A payload that fails verification is unrecoverable.
			if _, rejErr := s.queue.Reject(msg.ID, types.StatusFailed); rejErr != nil && !errors.Is(rejErr, storage.ErrNotFound) {
				s.logger.Error().Err(rejErr).Str("message_id", msg.ID).Msg("failed to mark corrupted message")
			}
			s.writeError(w, r, http.StatusInternalServerError, "INTEGRITY_ERROR", "stored payload failed integrity verification")
			return
		}
		s.internalError(w, r, err, "failed to open message content")
		return
	}

	s.auditLog.Emit(audit.NewEvent(audit.EventRBACCheck,
		types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
		types.Action{Operation: "READ_CONTENT", Resource: msg.ID, Outcome: types.OutcomeSuccess},
		nil,
	))
	s.writeJSON(w, http.StatusOK, contentResponse{
		MessageID:      msg.ID,
		Classification: msg.Classification,
		Content:        string(plaintext),
	})
}

func (s *Server) handleAckMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.queue.Ack(chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "message not found or already settled")
		case errors.Is(err, queue.ErrBadTransition):
			s.writeError(w, r, http.StatusConflict, "CONFLICT", "message is not acknowledgeable in its current state")
		default:
			s.internalError(w, r, err, "failed to acknowledge message")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, types.ViewOf(msg))
}

type nodeView struct {
	ID           string             `json:"node_id"`
	Address      string             `json:"address"`
	Status       types.NodeStatus   `json:"status"`
	LastSeen     *time.Time         `json:"last_seen,omitempty"`
	Capabilities []types.Precedence `json:"capabilities"`
}

type nodesResponse struct {
	Total        int        `json:"total"`
	Connected    int        `json:"connected"`
	Disconnected int        `json:"disconnected"`
	Nodes        []nodeView `json:"nodes"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List()
	if err != nil {
		s.internalError(w, r, err, "failed to list nodes")
		return
	}

	now := time.Now()
	resp := nodesResponse{Nodes: make([]nodeView, 0, len(list))}
	for _, n := range list {
		status := s.registry.Status(n, now)
		if status == types.NodeConnected {
			resp.Connected++
		} else {
			resp.Disconnected++
		}
		v := nodeView{
			ID:           n.ID,
			Address:      n.Address,
			Status:       status,
			Capabilities: n.Capabilities,
		}
		if !n.LastSeen.IsZero() {
			t := n.LastSeen
			v.LastSeen = &t
		}
		resp.Nodes = append(resp.Nodes, v)
	}
	resp.Total = len(list)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	// A node may only report its own liveness.
	if claims.NodeID != id {
		s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "token is not bound to this node")
		return
	}

	node, err := s.registry.Heartbeat(id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "node not registered")
			return
		}
		s.internalError(w, r, err, "failed to record heartbeat")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":   node.ID,
		"status":    types.NodeConnected,
		"last_seen": node.LastSeen,
	})
}

type partitionStatus struct {
	Depth     int `json:"depth"`
	Watermark int `json:"watermark"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depths := s.queue.Depths()
	resp := make(map[types.Precedence]partitionStatus, len(depths))
	for _, p := range types.DispatchOrder() {
		resp[p] = partitionStatus{
			Depth:     depths[p],
			Watermark: s.cfg.Queue.Watermark(p),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": resp})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := auditFilterFrom(r)
	if errMsg != "" {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", errMsg)
		return
	}

	events, err := s.auditLog.Query(filter)
	if err != nil {
		s.internalError(w, r, err, "failed to query audit log")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func auditFilterFrom(r *http.Request) (storage.AuditFilter, string) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		ControlFamily: types.ControlFamily(q.Get("control_family")),
		EventType:     q.Get("event_type"),
		NodeID:        q.Get("node_id"),
		Resource:      q.Get("resource"),
		Limit:         100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, "limit must be a positive integer"
		}
		if n > 1000 {
			n = 1000
		}
		filter.Limit = n
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "start_time must be RFC 3339"
		}
		filter.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "end_time must be RFC 3339"
		}
		filter.EndTime = t
	}
	return filter, ""
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.auditLog.Stats()
	if err != nil {
		s.internalError(w, r, err, "failed to aggregate audit log")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func decodeJSON(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxPayloadBytes*2)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("request body is not valid JSON for this endpoint")
	}
	return nil
}
