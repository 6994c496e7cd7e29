// Package triage classifies incidents with a rule engine: regex
// patterns, keyword hits, impacted-service lists and metric thresholds
// each contribute to a confidence score per severity level.
package triage

import (
	"context"

	"github.com/aegisops/aegis/internal/domain"
)

// Related points at an incident that looks similar to the one under
// triage.
type Related struct {
	IncidentID string  `json:"incident_id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity_score"`
}

// Result is the outcome of triaging one incident. Confidence is in
// [0, 1]; zero means no rule matched and the recommendation simply
// echoes the declared severity.
type Result struct {
	IncidentID          string          `json:"incident_id"`
	OriginalSeverity    domain.Severity `json:"original_severity"`
	RecommendedSeverity domain.Severity `json:"recommended_severity"`
	Confidence          float64         `json:"confidence_score"`
	MatchedRules        []string        `json:"matched_rules,omitempty"`
	Recommendations     []string        `json:"recommended_actions,omitempty"`
	Related             []Related       `json:"related_incidents,omitempty"`
}

// Triager classifies incidents.
type Triager interface {
	Triage(ctx context.Context, inc *domain.Incident) (*Result, error)
}
