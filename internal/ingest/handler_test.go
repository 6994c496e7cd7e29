package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/dispatch/memqueue"
	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	incmem "github.com/aegisops/aegis/internal/incident/memstore"
	"github.com/aegisops/aegis/internal/ingest"
	ledmem "github.com/aegisops/aegis/internal/ledger/memory"
	"github.com/aegisops/aegis/internal/scribe"
	"github.com/aegisops/aegis/internal/triage"
	"github.com/aegisops/aegis/internal/workflow"
	wfmem "github.com/aegisops/aegis/internal/workflow/memstore"
)

type noopTriager struct{}

func (noopTriager) Triage(_ context.Context, inc *domain.Incident) (*triage.Result, error) {
	return &triage.Result{
		IncidentID:          inc.ID,
		OriginalSeverity:    inc.Severity,
		RecommendedSeverity: inc.Severity,
		Confidence:          0.5,
	}, nil
}

type noopSummarizer struct{}

func (noopSummarizer) Summarize(context.Context, scribe.PromptKind, string) (*scribe.Summary, error) {
	return &scribe.Summary{Text: "summary", ModelID: "test-model"}, nil
}

type fixture struct {
	router    chi.Router
	incidents *incident.Service
	engine    *workflow.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := workflow.DefaultConfig()
	cfg.TriageBackoffBase = time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond

	incidents := incident.NewService(incmem.New())
	dispatcher := dispatch.NewService(memqueue.New(), 3)
	engine := workflow.NewEngine(cfg, incidents, noopTriager{}, dispatcher, noopSummarizer{}, wfmem.New(), ledmem.New())
	t.Cleanup(engine.Stop)

	handler := ingest.NewHandler(incidents, engine, dispatcher)
	router := chi.NewRouter()
	router.Route("/api/v1", handler.RegisterRoutes)
	router.Route("/webhooks", handler.RegisterWebhookRoutes)

	return &fixture{router: router, incidents: incidents, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestDeclareIncident(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"title":    "Database replica lag",
		"severity": "P3",
		"source":   "DataDog",
		"service":  "orders",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["workflow_started"])

	inc := body["incident"].(map[string]any)
	id := inc["id"].(string)
	assert.Contains(t, id, "INC-")
	assert.Equal(t, "OPEN", inc["status"])
}

func TestDeclareIncidentWithSuppliedID(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"incident_id": "INC-UPSTREAM01",
		"title":       "Queue consumer stalled",
		"severity":    "P3",
		"source":      "PagerTool",
	}
	rec := f.do(t, http.MethodPost, "/api/v1/incidents", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decode[map[string]any](t, rec)
	inc := created["incident"].(map[string]any)
	assert.Equal(t, "INC-UPSTREAM01", inc["id"])

	// Redeclaring the same id is a conflict, not a new incident.
	rec = f.do(t, http.MethodPost, "/api/v1/incidents", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeclareIncidentValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing title", map[string]any{"severity": "P3", "source": "DataDog"}},
		{"missing source", map[string]any{"title": "x", "severity": "P3"}},
		{"bad severity", map[string]any{"title": "x", "severity": "SEV1", "source": "DataDog"}},
		{"bad incident id", map[string]any{"incident_id": "TICKET-42", "title": "x", "severity": "P3", "source": "DataDog"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/incidents", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/incidents/INC-DOESNOTEXIST", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatusConflict(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "stale CAS", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	_, err = f.incidents.UpdateStatus(context.Background(), inc.ID,
		domain.StatusAcknowledged, domain.StatusOpen, "", "tester")
	require.NoError(t, err)

	// The caller still believes the incident is OPEN.
	rec := f.do(t, http.MethodPatch, "/api/v1/incidents/"+inc.ID+"/status", map[string]any{
		"status":          "ACKNOWLEDGED",
		"expected_status": "OPEN",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "skip ahead", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPatch, "/api/v1/incidents/"+inc.ID+"/status", map[string]any{
		"status":          "CLOSED",
		"expected_status": "OPEN",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAcknowledgeWithoutPendingWaitFallsBack(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "no workflow running", Severity: domain.SeverityP2, Source: "manual",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/acknowledge", map[string]any{
		"user_id": "maria.ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.incidents.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
}

func TestHeartbeatWithoutPendingWait(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "nothing waiting", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/heartbeat", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCommentRoundTrip(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "with comments", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/comments", map[string]any{
		"author_id":   "u-1",
		"author_name": "Maria",
		"text":        "mitigation in progress",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID+"/comments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string][]domain.Comment](t, rec)
	require.Len(t, body["comments"], 1)
	assert.Equal(t, "mitigation in progress", body["comments"][0].Text)
}

func TestFirstParticipantBecomesCommander(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "with participants", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/participants", map[string]any{
		"user_id": "u-1", "name": "Maria",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[domain.Participant](t, rec)
	assert.Equal(t, domain.RoleCommander, first.Role)

	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/participants", map[string]any{
		"user_id": "u-2", "name": "Sam",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[domain.Participant](t, rec)
	assert.Equal(t, domain.RoleResponder, second.Role)
}

func TestListIncidentsRequiresFilter(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/incidents", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIncidentsByStatusPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.incidents.Create(context.Background(), incident.CreateInput{
			Title: fmt.Sprintf("incident %d", i), Severity: domain.SeverityP3, Source: "manual",
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/incidents?status=OPEN&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Incidents  []domain.Incident `json:"incidents"`
		NextCursor string            `json:"next_cursor"`
	}](t, rec)
	require.Len(t, body.Incidents, 2)
	require.NotEmpty(t, body.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/v1/incidents?status=OPEN&limit=4&cursor="+body.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	next := decode[struct {
		Incidents []domain.Incident `json:"incidents"`
	}](t, rec)
	assert.Len(t, next.Incidents, 3)
	for _, inc := range next.Incidents {
		assert.NotEqual(t, body.Incidents[0].ID, inc.ID)
		assert.NotEqual(t, body.Incidents[1].ID, inc.ID)
	}
}

func TestListIncidentsRejectsBadCursor(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/incidents?status=OPEN&cursor=%25%25not-base64", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangesFeed(t *testing.T) {
	f := newFixture(t)
	inc, err := f.incidents.Create(context.Background(), incident.CreateInput{
		Title: "feed source", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)
	_, err = f.incidents.UpdateStatus(context.Background(), inc.ID,
		domain.StatusAcknowledged, domain.StatusOpen, "", "tester")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Changes    []domain.ChangeRecord `json:"changes"`
		NextCursor string                `json:"next_cursor"`
	}](t, rec)
	require.NotEmpty(t, body.Changes)
	require.NotEmpty(t, body.NextCursor)

	// Polling from the returned cursor yields nothing new.
	rec = f.do(t, http.MethodGet, "/api/v1/changes?cursor="+body.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tail := decode[struct {
		Changes []domain.ChangeRecord `json:"changes"`
	}](t, rec)
	assert.Empty(t, tail.Changes)
}

func TestAlarmWebhookOpensIncident(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/webhooks/alarm", map[string]any{
		"AlarmName":        "checkout-critical-error-rate",
		"AlarmDescription": "Error rate above threshold",
		"NewStateValue":    "ALARM",
		"NewStateReason":   "Threshold crossed",
		"Trigger": map[string]any{
			"MetricName": "5xxErrorRate",
			"Namespace":  "AWS/ApplicationELB",
			"Dimensions": []map[string]any{{"name": "ServiceName", "value": "checkout"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	inc := decode[domain.Incident](t, rec)
	assert.Equal(t, domain.SeverityP0, inc.Severity)
	assert.Equal(t, "CloudWatch Alarms", inc.Source)
	assert.Equal(t, "checkout", inc.Service)
	assert.Contains(t, inc.Title, "checkout-critical-error-rate")
}

func TestAlarmWebhookIgnoresRecovery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/webhooks/alarm", map[string]any{
		"AlarmName":     "checkout-critical-error-rate",
		"NewStateValue": "OK",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	list := f.do(t, http.MethodGet, "/api/v1/incidents?status=OPEN", nil)
	body := decode[struct {
		Incidents []domain.Incident `json:"incidents"`
	}](t, list)
	assert.Empty(t, body.Incidents)
}

func TestSeverityFromAlarmName(t *testing.T) {
	tests := []struct {
		name string
		want domain.Severity
	}{
		{"payments-CRITICAL-availability", domain.SeverityP0},
		{"api-p0-latency", domain.SeverityP0},
		{"orders-high-error-rate", domain.SeverityP1},
		{"search-P1-throughput", domain.SeverityP1},
		{"batch-job-duration", domain.SeverityP2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newFixture(t).do(t, http.MethodPost, "/webhooks/alarm", map[string]any{
				"AlarmName":     tt.name,
				"NewStateValue": "ALARM",
			})
			require.Equal(t, http.StatusCreated, rec.Code)
			inc := decode[domain.Incident](t, rec)
			assert.Equal(t, tt.want, inc.Severity)
		})
	}
}
