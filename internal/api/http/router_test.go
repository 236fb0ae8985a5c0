package http

import (
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/api/http/handlers"
	"github.com/spec-kit/caseflow/internal/auth"
	"github.com/spec-kit/caseflow/internal/config"
	"github.com/spec-kit/caseflow/internal/dispatch"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/ingest"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/persistence"
	"github.com/spec-kit/caseflow/internal/repository"
	"github.com/spec-kit/caseflow/internal/service"
	"github.com/spec-kit/caseflow/internal/sla"
)

type captureOutbox struct {
	mu       sync.Mutex
	messages []dispatch.Message
}

func (o *captureOutbox) Enqueue(_ context.Context, msg dispatch.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

type apiHarness struct {
	app    *fiber.App
	tokens *auth.TokenManager
	outbox *captureOutbox
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := zap.NewNop()
	db, err := persistence.NewSQLite(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "api.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := repository.NewSQLiteCaseStore(db.DB, repository.WithClock(clock))
	engine := sla.NewEngine(sla.DefaultPolicy())
	dispatcher := events.NewInMemoryDispatcher()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	outbox := &captureOutbox{}

	cases := service.NewCaseService(service.CaseDependencies{
		Store: store, SLA: engine, Dispatcher: dispatcher, Outbox: outbox,
		Metrics: metrics, Identity: "support@example.com", Clock: clock,
	})
	matcher := ingest.NewMatcher(ingest.MatcherDependencies{
		Store: store, SLA: engine, Dispatcher: dispatcher, Metrics: metrics,
		Identity: "support@example.com", Clock: clock,
	})
	schema, err := ingest.NewSchemaValidator()
	require.NoError(t, err)

	tokens := auth.NewTokenManager("test-secret", 5, "caseflow")
	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("caseflow", "test", map[string]handlers.Pinger{"sqlite": db}),
		Cases:          handlers.NewCasesHandler(cases),
		Inbound:        handlers.NewInboundHandler(matcher, schema, ingest.NewNormalizer(clock)),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Gatherer:       registry,
	})
	return &apiHarness{app: app, tokens: tokens, outbox: outbox}
}

func (h *apiHarness) token(t *testing.T, actor string, role domain.OperatorRole) string {
	t.Helper()
	subject := domain.SubjectTypeOperator
	if role == domain.RoleIngest {
		subject = domain.SubjectTypeIntegration
	}
	signed, _, err := h.tokens.GenerateToken(actor, subject, role)
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (h *apiHarness) do(t *testing.T, method, path, token, contentType, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

const inboundJSON = `{
	"external_message_id": "m1@x.com",
	"sender_address": "customer@x.com",
	"sender_name": "Casey",
	"subject": "Leaking tap",
	"body": "The kitchen tap is dripping",
	"received_at": "2026-10-16T09:00:00Z"
}`

func TestCaseLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	ingestToken := h.token(t, "mail-bridge", domain.RoleIngest)
	agent := h.token(t, "alex", domain.RoleAgent)
	lead := h.token(t, "lee", domain.RoleSupervisor)

	status, body := h.do(t, stdhttp.MethodPost, "/v1/inbound", ingestToken, fiber.MIMEApplicationJSON, inboundJSON)
	require.Equal(t, stdhttp.StatusCreated, status)
	number := body.Data["case_number"].(string)
	assert.Equal(t, "created", body.Data["outcome"])

	status, body = h.do(t, stdhttp.MethodPost, "/v1/inbound", ingestToken, fiber.MIMEApplicationJSON, inboundJSON)
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, true, body.Data["duplicate"])

	status, body = h.do(t, stdhttp.MethodGet, "/v1/cases/"+strings.ToLower(number), agent, "", "")
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, "New", body.Data["status"])
	assert.Len(t, body.Data["threads"], 1)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/transitions", agent, fiber.MIMEApplicationJSON, `{"status":"Resolved"}`)
	assert.Equal(t, stdhttp.StatusUnprocessableEntity, status)
	assert.Equal(t, "INVARIANT_VIOLATION", body.Error.Code)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/assign", agent, fiber.MIMEApplicationJSON, `{"assignee":"alex"}`)
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, "InProgress", body.Data["status"])

	status, _ = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/priority", agent, fiber.MIMEApplicationJSON, `{"priority":"Critical"}`)
	assert.Equal(t, stdhttp.StatusForbidden, status)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/priority", lead, fiber.MIMEApplicationJSON, `{"priority":"Critical"}`)
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, "Critical", body.Data["priority"])

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/replies", agent, fiber.MIMEApplicationJSON, `{"body":"On our way","await_customer":true}`)
	require.Equal(t, stdhttp.StatusAccepted, status)
	require.Len(t, h.outbox.messages, 1)
	assert.Equal(t, "customer@x.com", h.outbox.messages[0].Recipient)
	assert.Equal(t, "alex", h.outbox.messages[0].Actor)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/transitions", agent, fiber.MIMEApplicationJSON, `{"status":"InProgress"}`)
	require.Equal(t, stdhttp.StatusOK, status)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/tasks", agent, fiber.MIMEApplicationJSON, `{"task_id":"plumber-1"}`)
	require.Equal(t, stdhttp.StatusCreated, status)
	assert.Equal(t, "AwaitingVendor", body.Data["status"])

	status, body = h.do(t, stdhttp.MethodPost, "/v1/cases/"+number+"/tasks/plumber-1/complete", agent, "", "")
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, "InProgress", body.Data["status"])
}

func TestErrorsUseEnvelope(t *testing.T) {
	h := newAPIHarness(t)
	agent := h.token(t, "alex", domain.RoleAgent)

	status, body := h.do(t, stdhttp.MethodGet, "/v1/cases/CS-20261016-0042", agent, "", "")
	assert.Equal(t, stdhttp.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)

	status, body = h.do(t, stdhttp.MethodGet, "/v1/cases/ticket-7", agent, "", "")
	assert.Equal(t, stdhttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body.Error.Code)

	status, body = h.do(t, stdhttp.MethodPost, "/v1/inbound", "", fiber.MIMEApplicationJSON, inboundJSON)
	assert.Equal(t, stdhttp.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)

	status, _ = h.do(t, stdhttp.MethodPost, "/v1/inbound", agent, fiber.MIMEApplicationJSON, inboundJSON)
	assert.Equal(t, stdhttp.StatusForbidden, status)

	ingestToken := h.token(t, "mail-bridge", domain.RoleIngest)
	status, body = h.do(t, stdhttp.MethodPost, "/v1/inbound", ingestToken, fiber.MIMEApplicationJSON, `{"sender_address":"customer@x.com"}`)
	assert.Equal(t, stdhttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body.Error.Code)
}

func TestInboundAcceptsRawMail(t *testing.T) {
	h := newAPIHarness(t)
	ingestToken := h.token(t, "mail-bridge", domain.RoleIngest)
	raw := strings.Join([]string{
		"From: Casey <customer@x.com>",
		"Subject: Heating broken",
		"Message-ID: <raw-1@x.com>",
		"Date: Fri, 16 Oct 2026 08:00:00 +0000",
		"",
		"No heat since yesterday.",
		"",
	}, "\r\n")

	status, body := h.do(t, stdhttp.MethodPost, "/v1/inbound", ingestToken, "message/rfc822", raw)
	require.Equal(t, stdhttp.StatusCreated, status)
	assert.Equal(t, "created", body.Data["outcome"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)

	status, _ := h.do(t, stdhttp.MethodGet, "/health/live", "", "", "")
	assert.Equal(t, stdhttp.StatusOK, status)
	status, _ = h.do(t, stdhttp.MethodGet, "/health/ready", "", "", "")
	assert.Equal(t, stdhttp.StatusOK, status)

	req := httptest.NewRequest(stdhttp.MethodGet, "/metrics", nil)
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "caseflow_http_requests_total")
}
