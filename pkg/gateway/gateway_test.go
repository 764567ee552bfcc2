package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/auth"
	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/nodes"
	"github.com/tacedge/tacedge/pkg/queue"
	"github.com/tacedge/tacedge/pkg/sealer"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/types"
)

type testGateway struct {
	server   *Server
	auth     *auth.Authenticator
	queue    *queue.Queue
	auditLog *audit.Logger
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog := audit.NewLogger(store)
	t.Cleanup(auditLog.Close)

	seal, err := sealer.New(cfg.Crypto.ContentEncryptionKey, cfg.Crypto.KeyVersion, auditLog, "relay-01")
	require.NoError(t, err)

	authn, err := auth.New(cfg.Auth)
	require.NoError(t, err)

	registry, err := nodes.New(store, cfg.Nodes)
	require.NoError(t, err)
	require.NoError(t, registry.Register(&types.Node{
		ID:      "node-bravo",
		Address: "10.1.0.2:9000",
		Capabilities: []types.Precedence{
			types.PrecedenceFlash, types.PrecedenceRoutine,
		},
	}))

	q, err := queue.New(store, cfg.Queue)
	require.NoError(t, err)

	return &testGateway{
		server:   New(cfg, q, seal, authn, registry, auditLog),
		auth:     authn,
		queue:    q,
		auditLog: auditLog,
	}
}

// token issues a staff token with no node binding.
func (g *testGateway) token(t *testing.T, role string, classification types.Classification) string {
	t.Helper()
	token, _, err := g.auth.Issue("test-"+role, role, "", classification)
	require.NoError(t, err)
	return token
}

// nodeToken issues a service token bound to the named node.
func (g *testGateway) nodeToken(t *testing.T, nodeID string) string {
	t.Helper()
	token, _, err := g.auth.Issue("svc-"+nodeID, "service", nodeID, types.ClassificationUnclassified)
	require.NoError(t, err)
	return token
}

func (g *testGateway) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)
	return w
}

func submission() map[string]interface{} {
	return map[string]interface{}{
		"precedence":     "FLASH",
		"classification": "SECRET",
		"sender":         "alpha-six",
		"recipient":      "node-bravo",
		"content":        "movement order 7",
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.NotEmpty(t, env.Error.RequestID)
	return env.Error.Code
}

func TestSubmitMessage(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, types.StatusQueued, view.Status)
	assert.Equal(t, types.PrecedenceFlash, view.Precedence)
	assert.True(t, view.Encrypted)
	assert.Equal(t, 1, g.queue.Depth(types.PrecedenceFlash))

	// The status view never exposes payload material, and it carries the
	// message's audit trail.
	r := g.do(t, http.MethodGet, "/api/v1/messages/"+view.ID, token, nil)
	require.Equal(t, http.StatusOK, r.Code)
	assert.NotContains(t, r.Body.String(), "movement order 7")
	assert.NotContains(t, r.Body.String(), "sealed_payload")

	var status messageStatusResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&status))
	require.NotEmpty(t, status.AuditTrail)
	assert.Equal(t, audit.EventMessageSubmitted, status.AuditTrail[0].EventType)
}

func TestSubmitValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{
			name:   "bad precedence",
			mutate: func(m map[string]interface{}) { m["precedence"] = "URGENT" },
		},
		{
			name:   "bad classification",
			mutate: func(m map[string]interface{}) { m["classification"] = "COSMIC" },
		},
		{
			name:   "missing sender",
			mutate: func(m map[string]interface{}) { m["sender"] = "" },
		},
		{
			name:   "missing recipient",
			mutate: func(m map[string]interface{}) { m["recipient"] = "" },
		},
		{
			name:   "empty content",
			mutate: func(m map[string]interface{}) { m["content"] = "" },
		},
		{
			name:   "negative ttl",
			mutate: func(m map[string]interface{}) { m["ttl"] = -5 },
		},
		{
			name:   "ttl over a day",
			mutate: func(m map[string]interface{}) { m["ttl"] = 86401 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := submission()
			tt.mutate(body)
			w := g.do(t, http.MethodPost, "/api/v1/messages", token, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
		})
	}
}

func TestSubmitUnregisteredRecipientQueues(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	// Store and forward: a recipient that has not registered yet is not a
	// submission error; the message waits in its partition.
	body := submission()
	body["recipient"] = "node-ghost"
	w := g.do(t, http.MethodPost, "/api/v1/messages", token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, types.StatusQueued, view.Status)
	assert.Equal(t, 1, g.queue.Depth(types.PrecedenceFlash))
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, http.MethodPost, "/api/v1/messages", "", submission())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	// A presented token that fails verification is INVALID_TOKEN, not
	// UNAUTHORIZED.
	w = g.do(t, http.MethodPost, "/api/v1/messages", "not-a-token", submission())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	staleCfg := config.Default().Auth
	staleCfg.TokenTTLHours = -1
	stale, err := auth.New(staleCfg)
	require.NoError(t, err)
	expired, _, err := stale.Issue("test-operator", "operator", "", types.ClassificationUnclassified)
	require.NoError(t, err)

	w = g.do(t, http.MethodPost, "/api/v1/messages", expired, submission())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	// Auth failures land in the audit log with a reason.
	g.auditLog.Close()
	events, err := g.auditLog.Query(storage.AuditFilter{EventType: audit.EventAuthFailure, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.FamilyIdentAuth, events[0].ControlFamily)
	assert.NotEmpty(t, events[0].Context["reason"])
}

func TestPermissionDenied(t *testing.T) {
	g := newTestGateway(t, nil)
	operator := g.token(t, "operator", types.ClassificationUnclassified)

	// Operators cannot read the audit log.
	w := g.do(t, http.MethodGet, "/api/v1/audit/events", operator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	w = g.do(t, http.MethodGet, "/api/v1/audit/stats", operator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitSenderBinding(t *testing.T) {
	g := newTestGateway(t, nil)
	bound := g.nodeToken(t, "node-bravo")

	// A node-bound token cannot declare another sender.
	w := g.do(t, http.MethodPost, "/api/v1/messages", bound, submission())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	body := submission()
	body["sender"] = "node-bravo"
	w = g.do(t, http.MethodPost, "/api/v1/messages", bound, body)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestContentRoundtrip(t *testing.T) {
	g := newTestGateway(t, nil)
	operator := g.token(t, "operator", types.ClassificationUnclassified)
	supervisor := g.token(t, "supervisor", types.ClassificationSecret)

	w := g.do(t, http.MethodPost, "/api/v1/messages", operator, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))

	r := g.do(t, http.MethodGet, "/api/v1/messages/"+view.ID+"/content", supervisor, nil)
	require.Equal(t, http.StatusOK, r.Code, r.Body.String())

	var content contentResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&content))
	assert.Equal(t, "movement order 7", content.Content)
	assert.Equal(t, types.ClassificationSecret, content.Classification)
}

func TestContentClassificationCeiling(t *testing.T) {
	g := newTestGateway(t, nil)
	operator := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", operator, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))

	// Supervisor role has message:read, but this token's ceiling is
	// below the message classification.
	low := g.token(t, "supervisor", types.ClassificationConfidential)
	r := g.do(t, http.MethodGet, "/api/v1/messages/"+view.ID+"/content", low, nil)
	assert.Equal(t, http.StatusForbidden, r.Code)
	assert.Equal(t, "CLASSIFICATION_DENIED", errorCode(t, r))
}

func TestQueueFullBackpressure(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Queue.Watermarks[types.PrecedenceFlash] = 1
	})
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	require.Equal(t, http.StatusCreated, w.Code)

	w = g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "QUEUE_FULL", errorCode(t, w))

	// The rejection is audited, but only the accepted submission produced
	// a MESSAGE_SUBMITTED record.
	g.auditLog.Close()
	rejected, err := g.auditLog.Query(storage.AuditFilter{EventType: audit.EventQueueFull, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.FamilyAudit, rejected[0].ControlFamily)

	submitted, err := g.auditLog.Query(storage.AuditFilter{EventType: audit.EventMessageSubmitted, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, submitted, 1)
}

func TestSubmitRateLimited(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.RateLimits.FlashPerMin = 2
	})
	token := g.token(t, "operator", types.ClassificationUnclassified)

	for i := 0; i < 2; i++ {
		w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
		require.Equal(t, http.StatusCreated, w.Code, "submission %d", i)
	}
	w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))

	// ROUTINE submissions draw from a separate quota.
	body := submission()
	body["precedence"] = "ROUTINE"
	w = g.do(t, http.MethodPost, "/api/v1/messages", token, body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAckMessage(t *testing.T) {
	g := newTestGateway(t, nil)
	operator := g.token(t, "operator", types.ClassificationUnclassified)
	service := g.token(t, "service", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", operator, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))

	// Acknowledgment confirms an in-flight delivery; a still-queued
	// message conflicts.
	r := g.do(t, http.MethodPost, "/api/v1/messages/"+view.ID+"/ack", service, nil)
	assert.Equal(t, http.StatusConflict, r.Code)

	_, err := g.queue.MarkInFlight(view.ID)
	require.NoError(t, err)

	r = g.do(t, http.MethodPost, "/api/v1/messages/"+view.ID+"/ack", service, nil)
	require.Equal(t, http.StatusOK, r.Code, r.Body.String())
	var acked types.View
	require.NoError(t, json.NewDecoder(r.Body).Decode(&acked))
	assert.Equal(t, types.StatusDelivered, acked.Status)

	// A second ack finds nothing to settle.
	r = g.do(t, http.MethodPost, "/api/v1/messages/"+view.ID+"/ack", service, nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
}

func TestGetMessageNotFound(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodGet, "/api/v1/messages/msg-missing", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestListNodes(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodGet, "/api/v1/nodes", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp nodesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 0, resp.Connected)
	assert.Equal(t, 1, resp.Disconnected)
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, types.NodeDisconnected, resp.Nodes[0].Status)
}

func TestHeartbeat(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.nodeToken(t, "node-bravo")

	w := g.do(t, http.MethodPost, "/api/v1/nodes/node-bravo/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Liveness flips to connected.
	r := g.do(t, http.MethodGet, "/api/v1/nodes", token, nil)
	var resp nodesResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Connected)

	// A token bound to another node cannot report for this one.
	other := g.nodeToken(t, "node-zulu")
	w = g.do(t, http.MethodPost, "/api/v1/nodes/node-bravo/heartbeat", other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthenticatedRequestBumpsLiveness(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.nodeToken(t, "node-bravo")

	// Any authenticated request from a node-bound token counts as
	// liveness, not just the heartbeat endpoint.
	w := g.do(t, http.MethodGet, "/api/v1/nodes", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	r := g.do(t, http.MethodGet, "/api/v1/nodes", g.token(t, "operator", types.ClassificationUnclassified), nil)
	var resp nodesResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Connected)
}

func TestQueueStatus(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	require.Equal(t, http.StatusCreated, w.Code)

	r := g.do(t, http.MethodGet, "/api/v1/queue/status", token, nil)
	require.Equal(t, http.StatusOK, r.Code)

	var resp struct {
		Partitions map[types.Precedence]partitionStatus `json:"partitions"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Partitions[types.PrecedenceFlash].Depth)
	assert.Equal(t, 100, resp.Partitions[types.PrecedenceFlash].Watermark)
	assert.Equal(t, 0, resp.Partitions[types.PrecedenceRoutine].Depth)
}

func TestAuditEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	operator := g.token(t, "operator", types.ClassificationUnclassified)
	supervisor := g.token(t, "supervisor", types.ClassificationSecret)

	w := g.do(t, http.MethodPost, "/api/v1/messages", operator, submission())
	require.Equal(t, http.StatusCreated, w.Code)

	r := g.do(t, http.MethodGet, "/api/v1/audit/events?event_type=MESSAGE_SUBMITTED", supervisor, nil)
	require.Equal(t, http.StatusOK, r.Code)
	var resp struct {
		Events []*types.AuditEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, types.FamilyAudit, resp.Events[0].ControlFamily)

	r = g.do(t, http.MethodGet, "/api/v1/audit/events?limit=bogus", supervisor, nil)
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = g.do(t, http.MethodGet, "/api/v1/audit/stats", supervisor, nil)
	require.Equal(t, http.StatusOK, r.Code)
	var stats storage.AuditStats
	require.NoError(t, json.NewDecoder(r.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats.TotalEvents, 1)
}

func TestIssueToken(t *testing.T) {
	g := newTestGateway(t, nil)

	// Issuance needs no bearer token; the enclave boundary is the gate.
	w := g.do(t, http.MethodPost, "/api/v1/auth/token", "",
		issueTokenRequest{Subject: "lt.okafor", Role: "operator"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp issueTokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Bearer", resp.TokenType)

	claims, err := g.auth.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "lt.okafor", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, types.ClassificationUnclassified, claims.Ceiling())

	w = g.do(t, http.MethodPost, "/api/v1/auth/token", "",
		issueTokenRequest{Subject: "lt.okafor", Role: "warlord"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		w := g.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := g.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tacedge_")
}

func TestRequestIDEchoed(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestSubmitAuditIsDurable(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.token(t, "operator", types.ClassificationUnclassified)

	w := g.do(t, http.MethodPost, "/api/v1/messages", token, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var view types.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))

	// MESSAGE_SUBMITTED is written synchronously, so it is queryable the
	// moment the 201 lands.
	events, err := g.auditLog.Query(storage.AuditFilter{EventType: audit.EventMessageSubmitted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, view.ID, events[0].Action.Resource)
	assert.Equal(t, types.FamilyAudit, events[0].ControlFamily)
}
