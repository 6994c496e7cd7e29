// Package scribe generates incident summaries and post-mortem reports
// from the incident record and its timeline.
package scribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/domain"
)

// PromptKind selects the report shape.
type PromptKind string

// Report kinds.
const (
	KindIncidentSummary PromptKind = "incident_summary"
	KindPostMortem      PromptKind = "post_mortem"
	KindTimelineSummary PromptKind = "timeline_summary"
)

// Summary is one generated report plus its token accounting.
type Summary struct {
	Text             string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
}

// Summarizer produces reports from incident context.
type Summarizer interface {
	Summarize(ctx context.Context, kind PromptKind, context string) (*Summary, error)
}

// BuildContext flattens an incident and its timeline into the text block
// fed to the summarizer.
func BuildContext(inc *domain.Incident, events []domain.TimelineEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident ID: %s\n", inc.ID)
	fmt.Fprintf(&b, "Title: %s\n", inc.Title)
	if inc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", inc.Description)
	}
	fmt.Fprintf(&b, "Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "Status: %s\n", inc.Status)
	fmt.Fprintf(&b, "Source: %s\n", inc.Source)
	if inc.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", inc.Service)
	}
	fmt.Fprintf(&b, "Created: %s\n", inc.CreatedAt.Format(time.RFC3339))
	if inc.ResolvedAt != nil {
		fmt.Fprintf(&b, "Resolved: %s (duration %s)\n",
			inc.ResolvedAt.Format(time.RFC3339),
			inc.ResolvedAt.Sub(inc.CreatedAt).Round(time.Second))
	}

	if len(events) > 0 {
		b.WriteString("\nTimeline:\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "- [%s] %s: %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Description)
		}
	}
	return b.String()
}
