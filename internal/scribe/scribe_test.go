package scribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegisops/aegis/internal/domain"
)

func TestBuildContext(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	resolved := created.Add(90 * time.Minute)

	inc := &domain.Incident{
		ID:         "INC-CTX0000001",
		Title:      "api errors",
		Severity:   domain.SeverityP1,
		Status:     domain.StatusResolved,
		Source:     "monitoring",
		Service:    "api",
		CreatedAt:  created,
		ResolvedAt: &resolved,
	}
	events := []domain.TimelineEvent{
		{Timestamp: created, Type: domain.EventIncidentCreated, Description: "Incident created"},
		{Timestamp: resolved, Type: domain.EventStatusChanged, Description: "Resolved"},
	}

	ctx := BuildContext(inc, events)
	assert.Contains(t, ctx, "Incident ID: INC-CTX0000001")
	assert.Contains(t, ctx, "Severity: P1")
	assert.Contains(t, ctx, "duration 1h30m0s")
	assert.Contains(t, ctx, "INCIDENT_CREATED: Incident created")
	assert.Contains(t, ctx, "STATUS_CHANGED: Resolved")
}
