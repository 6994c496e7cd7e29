package triage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
)

// severityRule scores one severity level. Each matching pattern adds
// 0.3, keyword hits add up to 0.2 proportionally, a service hit adds
// 0.3 and each exceeded metric threshold adds 0.2. The best-scoring
// rule wins; scores cap at 1.0.
type severityRule struct {
	severity         domain.Severity
	patterns         []*regexp.Regexp
	keywords         []string
	services         []string
	errorRateOver    float64 // percent
	responseTimeOver float64 // milliseconds
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func defaultRules() []severityRule {
	return []severityRule{
		{
			severity: domain.SeverityP0,
			patterns: compile(
				`production.*down`,
				`complete.*outage`,
				`security.*breach`,
				`data.*loss`,
				`critical.*failure`,
			),
			keywords:         []string{"critical", "emergency", "outage", "breach"},
			services:         []string{"payment", "authentication", "database-master"},
			errorRateOver:    50.0,
			responseTimeOver: 10000,
		},
		{
			severity: domain.SeverityP1,
			patterns: compile(
				`partial.*outage`,
				`degraded.*performance`,
				`high.*error.*rate`,
				`memory.*leak`,
			),
			keywords:         []string{"high", "severe", "degraded", "unstable"},
			services:         []string{"api-gateway", "core-service", "database-replica"},
			errorRateOver:    20.0,
			responseTimeOver: 5000,
		},
		{
			severity: domain.SeverityP2,
			patterns: compile(
				`elevated.*errors`,
				`performance.*issue`,
				`intermittent.*failure`,
			),
			keywords:         []string{"medium", "moderate", "intermittent", "occasional"},
			services:         []string{"batch-processor", "analytics", "reporting"},
			errorRateOver:    10.0,
			responseTimeOver: 2000,
		},
		{
			severity: domain.SeverityP3,
			patterns: compile(
				`minor.*issue`,
				`cosmetic.*bug`,
				`non-critical`,
			),
			keywords:         []string{"low", "minor", "cosmetic", "ui"},
			services:         []string{"frontend", "docs", "staging"},
			errorRateOver:    5.0,
			responseTimeOver: 1000,
		},
	}
}

// Engine is the rule-based Triager. It consults the incident service to
// surface related open incidents alongside the severity recommendation.
type Engine struct {
	rules     []severityRule
	incidents *incident.Service
}

// NewEngine creates a triage engine with the built-in rule set.
// incidents may be nil, in which case related-incident lookup is
// skipped.
func NewEngine(incidents *incident.Service) *Engine {
	return &Engine{rules: defaultRules(), incidents: incidents}
}

// Triage classifies one incident.
func (e *Engine) Triage(ctx context.Context, inc *domain.Incident) (*Result, error) {
	result := &Result{
		IncidentID:          inc.ID,
		OriginalSeverity:    inc.Severity,
		RecommendedSeverity: inc.Severity,
	}

	text := strings.ToLower(inc.Title + " " + inc.Description)

	if best, confidence, matched := e.analyzeSeverity(text, inc); best != "" {
		result.RecommendedSeverity = best
		result.Confidence = confidence
		result.MatchedRules = matched
	}

	if e.incidents != nil {
		related, err := e.findRelated(ctx, inc)
		if err != nil {
			// Related incidents are advisory; a lookup failure must not
			// fail the triage step.
			slog.Warn("related incident lookup failed", "incident_id", inc.ID, "error", err)
		} else {
			result.Related = related
		}
	}

	result.Recommendations = e.recommend(inc, result)

	slog.Info("incident triage completed",
		"incident_id", inc.ID,
		"recommended_severity", result.RecommendedSeverity,
		"confidence", result.Confidence,
	)
	recordTriaged(string(result.RecommendedSeverity))
	return result, nil
}

func (e *Engine) analyzeSeverity(text string, inc *domain.Incident) (domain.Severity, float64, []string) {
	var (
		best        domain.Severity
		bestScore   float64
		bestMatches []string
	)

	errorRate := metadataNumber(inc.Metadata, "error_rate")
	responseTime := metadataNumber(inc.Metadata, "response_time")

	for _, rule := range e.rules {
		var score float64
		var matched []string

		for _, p := range rule.patterns {
			if p.MatchString(text) {
				score += 0.3
				matched = append(matched, "pattern: "+p.String())
			}
		}

		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > 0 {
			score += 0.2 * float64(hits) / float64(len(rule.keywords))
			matched = append(matched, fmt.Sprintf("keywords: %d/%d", hits, len(rule.keywords)))
		}

		for _, svc := range rule.services {
			if inc.Service == svc {
				score += 0.3
				matched = append(matched, "service: "+svc)
				break
			}
		}

		if errorRate > rule.errorRateOver {
			score += 0.2
			matched = append(matched, fmt.Sprintf("error_rate: %.1f%%", errorRate))
		}
		if responseTime > rule.responseTimeOver {
			score += 0.2
			matched = append(matched, fmt.Sprintf("response_time: %.0fms", responseTime))
		}

		if score > bestScore {
			bestScore = score
			best = rule.severity
			bestMatches = matched
		}
	}

	if bestScore > 1.0 {
		bestScore = 1.0
	}
	return best, bestScore, bestMatches
}

func (e *Engine) findRelated(ctx context.Context, inc *domain.Incident) ([]Related, error) {
	open, _, err := e.incidents.QueryByStatus(ctx, domain.StatusOpen, nil, incident.Page{Limit: 20})
	if err != nil {
		return nil, err
	}

	var related []Related
	for i := range open {
		other := &open[i]
		if other.ID == inc.ID {
			continue
		}
		if sim := similarity(inc, other); sim > 0.5 {
			related = append(related, Related{
				IncidentID: other.ID,
				Title:      other.Title,
				Similarity: sim,
			})
		}
	}

	// Highest similarity first, top five only.
	for i := 0; i < len(related); i++ {
		for j := i + 1; j < len(related); j++ {
			if related[j].Similarity > related[i].Similarity {
				related[i], related[j] = related[j], related[i]
			}
		}
	}
	if len(related) > 5 {
		related = related[:5]
	}
	return related, nil
}

func similarity(a, b *domain.Incident) float64 {
	var score float64

	aWords := wordSet(a.Title)
	bWords := wordSet(b.Title)
	overlap := 0
	for w := range aWords {
		if bWords[w] {
			overlap++
		}
	}
	max := len(aWords)
	if len(bWords) > max {
		max = len(bWords)
	}
	if max > 0 {
		score += 0.4 * float64(overlap) / float64(max)
	}

	if a.Severity == b.Severity {
		score += 0.2
	}
	if a.Source == b.Source {
		score += 0.2
	}
	if a.Service != "" && a.Service == b.Service {
		score += 0.2
	}
	return score
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

func (e *Engine) recommend(inc *domain.Incident, result *Result) []string {
	var recs []string

	if result.RecommendedSeverity != inc.Severity {
		recs = append(recs, fmt.Sprintf(
			"Consider updating severity from %s to %s (confidence: %.0f%%)",
			inc.Severity, result.RecommendedSeverity, result.Confidence*100,
		))
	}
	if len(result.Related) > 0 {
		recs = append(recs, fmt.Sprintf(
			"Found %d potentially related incidents. Consider investigating for common root cause.",
			len(result.Related),
		))
	}

	switch result.RecommendedSeverity {
	case domain.SeverityP0, domain.SeverityP1:
		recs = append(recs,
			"Page on-call engineer immediately",
			"Create war room channel",
			"Prepare customer communication",
		)
	case domain.SeverityP2:
		recs = append(recs,
			"Notify on-call engineer via Slack",
			"Monitor for escalation",
		)
	}
	return recs
}

func metadataNumber(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
