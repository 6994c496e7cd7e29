package triage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/incident/memstore"
	"github.com/aegisops/aegis/internal/triage"
)

func TestTriageSeverityRules(t *testing.T) {
	engine := triage.NewEngine(nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		title       string
		description string
		service     string
		metadata    map[string]any
		declared    domain.Severity
		want        domain.Severity
		minConf     float64
	}{
		{
			name:     "production down is P0",
			title:    "Production is down, complete outage",
			declared: domain.SeverityP3,
			want:     domain.SeverityP0,
			minConf:  0.5,
		},
		{
			name:     "payment service outage is P0",
			title:    "elevated latency",
			service:  "payment",
			metadata: map[string]any{"error_rate": 80.0},
			declared: domain.SeverityP2,
			want:     domain.SeverityP0,
			minConf:  0.4,
		},
		{
			name:     "degraded performance is P1",
			title:    "Degraded performance on api reads",
			declared: domain.SeverityP3,
			want:     domain.SeverityP1,
			minConf:  0.3,
		},
		{
			name:     "cosmetic bug is P3",
			title:    "Cosmetic bug in settings ui",
			declared: domain.SeverityP2,
			want:     domain.SeverityP3,
			minConf:  0.3,
		},
		{
			name:     "no match keeps declared severity with zero confidence",
			title:    "Something odd happened",
			declared: domain.SeverityP2,
			want:     domain.SeverityP2,
			minConf:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Triage(ctx, &domain.Incident{
				ID:          "INC-TRIAGE0001",
				Title:       tt.title,
				Description: tt.description,
				Severity:    tt.declared,
				Service:     tt.service,
				Metadata:    tt.metadata,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.RecommendedSeverity)
			assert.GreaterOrEqual(t, result.Confidence, tt.minConf)
			assert.LessOrEqual(t, result.Confidence, 1.0)
			if tt.minConf == 0 {
				assert.Zero(t, result.Confidence)
				assert.Empty(t, result.MatchedRules)
			}
		})
	}
}

func TestTriageFindsRelatedIncidents(t *testing.T) {
	svc := incident.NewService(memstore.New())
	engine := triage.NewEngine(svc)
	ctx := context.Background()

	other, err := svc.Create(ctx, incident.CreateInput{
		Title:    "checkout errors spiking",
		Severity: domain.SeverityP1,
		Source:   "monitoring",
		Service:  "checkout",
	})
	require.NoError(t, err)

	subject, err := svc.Create(ctx, incident.CreateInput{
		Title:    "checkout errors climbing",
		Severity: domain.SeverityP1,
		Source:   "monitoring",
		Service:  "checkout",
	})
	require.NoError(t, err)

	inc, err := svc.Get(ctx, subject.ID)
	require.NoError(t, err)

	result, err := engine.Triage(ctx, inc)
	require.NoError(t, err)
	require.Len(t, result.Related, 1)
	assert.Equal(t, other.ID, result.Related[0].IncidentID)
	assert.Greater(t, result.Related[0].Similarity, 0.5)
}

func TestTriageRecommendationsForCritical(t *testing.T) {
	engine := triage.NewEngine(nil)

	result, err := engine.Triage(context.Background(), &domain.Incident{
		ID:       "INC-TRIAGE0002",
		Title:    "security breach in authentication",
		Severity: domain.SeverityP2,
		Service:  "authentication",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityP0, result.RecommendedSeverity)
	assert.Contains(t, result.Recommendations, "Page on-call engineer immediately")
	assert.Contains(t, result.Recommendations, "Create war room channel")
}
