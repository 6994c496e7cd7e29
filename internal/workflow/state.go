// Package workflow drives the incident lifecycle state machine: triage,
// severity-based notification fan-out, acknowledgement tracking with
// escalation, long-running monitoring and post-mortem generation. Each
// incident gets at most one durable execution; state and context persist
// at every transition so a crash or redeploy resumes from the last
// committed state.
package workflow

import (
	"time"

	"github.com/aegisops/aegis/internal/domain"
)

// State names one node of the lifecycle graph.
type State string

// Lifecycle states.
const (
	StateValidateInput         State = "ValidateInput"
	StateTriage                State = "Triage"
	StateCheckSeverity         State = "CheckSeverity"
	StateNotify                State = "NotifyFlow"
	StateWaitForAck            State = "WaitForAcknowledgement"
	StateCheckEscalation       State = "CheckEscalation"
	StateIncidentAcknowledged  State = "IncidentAcknowledged"
	StateRecordIncidentCreated State = "RecordIncidentCreated"
	StateRecordNoAck           State = "RecordNoAcknowledgement"
	StateMonitorIncident       State = "MonitorIncident"
	StateGeneratePostMortem    State = "GeneratePostMortem"
	StateCreateFollowUpTasks   State = "CreateFollowUpTasks"
	StateWorkflowComplete      State = "WorkflowComplete"
	StateFailed                State = "Failed"
)

// ExecutionStatus is the coarse status of one execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Context is the accumulated execution context, serialized with the
// execution at every transition. Deadlines are absolute so a resumed
// execution waits only for the remainder.
type Context struct {
	Token              string          `json:"token"`
	DeclaredSeverity   domain.Severity `json:"declared_severity"`
	Severity           domain.Severity `json:"severity"`
	TriageConfidence   float64         `json:"triage_confidence"`
	TriageFellBack     bool            `json:"triage_fell_back,omitempty"`
	Acknowledged       bool            `json:"acknowledged"`
	AckBy              string          `json:"ack_by,omitempty"`
	AckAt              *time.Time      `json:"ack_at,omitempty"`
	Escalated          bool            `json:"escalated,omitempty"`
	AckDeadline        *time.Time      `json:"ack_deadline,omitempty"`
	EscalationDeadline *time.Time      `json:"escalation_deadline,omitempty"`
	LongRunningAlerts  int             `json:"long_running_alerts,omitempty"`
	PostMortemManual   bool            `json:"post_mortem_manual,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
}

// Execution is one durable workflow execution, one per incident.
type Execution struct {
	IncidentID string
	State      State
	Context    Context
	Status     ExecutionStatus
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Elapsed returns the execution's run time as of now.
func (e *Execution) Elapsed(now time.Time) time.Duration {
	return now.Sub(e.StartedAt)
}
