package ingest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/pkg/ctxlog"
	"github.com/aegisops/aegis/internal/pkg/httputil"
)

// AlarmEvent is a monitoring alarm state change in the CloudWatch wire
// shape.
type AlarmEvent struct {
	AlarmName        string `json:"AlarmName"`
	AlarmDescription string `json:"AlarmDescription"`
	AlarmArn         string `json:"AlarmArn"`
	NewStateValue    string `json:"NewStateValue"`
	NewStateReason   string `json:"NewStateReason"`
	Region           string `json:"Region"`
	AccountID        string `json:"AWSAccountId"`
	Trigger          struct {
		MetricName string `json:"MetricName"`
		Namespace  string `json:"Namespace"`
		Dimensions []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"Dimensions"`
	} `json:"Trigger"`
}

// severityFromAlarmName maps alarm naming conventions to a severity.
// Unmatched names default to P2.
func severityFromAlarmName(name string) domain.Severity {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "critical") || strings.Contains(lower, "p0"):
		return domain.SeverityP0
	case strings.Contains(lower, "high") || strings.Contains(lower, "p1"):
		return domain.SeverityP1
	}
	return domain.SeverityP2
}

// HandleAlarm handles POST /webhooks/alarm request. Only the ALARM state
// opens an incident; OK and INSUFFICIENT_DATA transitions are dropped.
func (h *Handler) HandleAlarm(w http.ResponseWriter, r *http.Request) {
	var event AlarmEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if event.AlarmName == "" {
		httputil.Error(w, http.StatusBadRequest, "AlarmName is required")
		return
	}

	if event.NewStateValue != "ALARM" {
		ctxlog.FromContext(r.Context()).Info("ignoring alarm state",
			"alarm_name", event.AlarmName, "state", event.NewStateValue)
		httputil.JSON(w, http.StatusOK, map[string]any{"message": "alarm state not actionable"})
		return
	}

	description := event.AlarmDescription
	if event.NewStateReason != "" {
		description += "\n\nReason: " + event.NewStateReason
	}

	var service string
	for _, dim := range event.Trigger.Dimensions {
		if dim.Name == "ServiceName" {
			service = dim.Value
		}
	}

	inc, err := h.incidents.Create(r.Context(), incident.CreateInput{
		Title:       "CloudWatch Alarm: " + event.AlarmName,
		Description: description,
		Severity:    severityFromAlarmName(event.AlarmName),
		Source:      "CloudWatch Alarms",
		Service:     service,
		Metadata: map[string]any{
			"alarm_name":  event.AlarmName,
			"alarm_arn":   event.AlarmArn,
			"region":      event.Region,
			"account_id":  event.AccountID,
			"metric_name": event.Trigger.MetricName,
			"namespace":   event.Trigger.Namespace,
		},
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	if err := h.engine.Start(r.Context(), inc.ID); err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to start workflow",
			"incident_id", inc.ID, "error", err)
	}

	httputil.JSON(w, http.StatusCreated, inc)
}
