package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/ledger"
	"github.com/aegisops/aegis/internal/scribe"
	"github.com/aegisops/aegis/internal/triage"
)

const workflowSource = "Workflow"

// errStopped signals that the engine is shutting down; the execution
// stays in its current persisted state and resumes on the next boot.
var errStopped = errors.New("engine stopping")

// Engine runs workflow executions. Each execution is one goroutine that
// walks the state graph, persisting (state, context) after every
// transition. Suspension points park on channels and timers; no worker
// is blocked beyond its own goroutine.
type Engine struct {
	config     Config
	incidents  *incident.Service
	triager    triage.Triager
	dispatcher *dispatch.Service
	summarizer scribe.Summarizer
	store      ExecutionStore
	ledger     ledger.Ledger
	waiters    *waiterRegistry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a workflow engine.
func NewEngine(
	config Config,
	incidents *incident.Service,
	triager triage.Triager,
	dispatcher *dispatch.Service,
	summarizer scribe.Summarizer,
	store ExecutionStore,
	led ledger.Ledger,
) *Engine {
	return &Engine{
		config:     config,
		incidents:  incidents,
		triager:    triager,
		dispatcher: dispatcher,
		summarizer: summarizer,
		store:      store,
		ledger:     led,
		waiters:    newWaiterRegistry(),
		stopCh:     make(chan struct{}),
	}
}

func executionKey(incidentID string) string {
	return "workflow:" + incidentID
}

// Start begins a new execution for an incident. At most one active
// execution per incident is allowed; a second start is rejected with
// ErrConcurrentExecution via the ledger reservation.
func (e *Engine) Start(ctx context.Context, incidentID string) error {
	if incidentID == "" {
		return fmt.Errorf("incident id is required")
	}

	inc, err := e.incidents.Get(ctx, incidentID)
	if err != nil {
		return err
	}

	if err := e.ledger.Reserve(ctx, executionKey(incidentID), e.config.ExecutionTTL); err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return ErrConcurrentExecution
		}
		return fmt.Errorf("reserve execution: %w", err)
	}

	now := time.Now().UTC()
	exec := &Execution{
		IncidentID: incidentID,
		State:      StateValidateInput,
		Status:     ExecutionActive,
		StartedAt:  now,
		UpdatedAt:  now,
		Context: Context{
			Token:            ulid.Make().String(),
			DeclaredSeverity: inc.Severity,
			Severity:         inc.Severity,
		},
	}
	if err := e.store.Save(ctx, exec); err != nil {
		// Roll the reservation back so a retry can start cleanly.
		_ = e.ledger.Release(ctx, executionKey(incidentID))
		return fmt.Errorf("save execution: %w", err)
	}

	slog.Info("workflow started", "incident_id", incidentID, "token", exec.Context.Token)
	e.wg.Add(1)
	activeExecutions.Inc()
	go e.run(exec)
	return nil
}

// Resume restarts all active executions from their persisted state.
// Called once on boot.
func (e *Engine) Resume(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active executions: %w", err)
	}

	for _, exec := range active {
		slog.Info("resuming workflow", "incident_id", exec.IncidentID, "state", exec.State)
		e.wg.Add(1)
		activeExecutions.Inc()
		go e.run(exec)
	}
	if len(active) > 0 {
		slog.Info("workflow executions resumed", "count", len(active))
	}
	return nil
}

// Stop signals all executions to park and waits for them to persist.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		slog.Info("workflow engine stopped")
	})
}

// Acknowledge delivers an acknowledgement signal to a suspended wait.
func (e *Engine) Acknowledge(incidentID, userID string) error {
	return e.waiters.acknowledge(incidentID, userID)
}

// Heartbeat renews the heartbeat window of a suspended wait.
func (e *Engine) Heartbeat(incidentID string) error {
	return e.waiters.heartbeat(incidentID)
}

// Execution returns the current execution snapshot for an incident.
func (e *Engine) Execution(ctx context.Context, incidentID string) (*Execution, error) {
	return e.store.Get(ctx, incidentID)
}

func (e *Engine) run(exec *Execution) {
	defer e.wg.Done()
	defer activeExecutions.Dec()

	ctx := context.Background()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		var next State
		var err error

		switch exec.State {
		case StateValidateInput:
			next, err = e.stepValidate(ctx, exec)
		case StateTriage:
			next, err = e.stepTriage(ctx, exec)
		case StateCheckSeverity:
			next, err = e.stepCheckSeverity(exec)
		case StateNotify:
			next, err = e.stepNotify(ctx, exec)
		case StateWaitForAck:
			next, err = e.stepWaitForAck(ctx, exec)
		case StateCheckEscalation:
			next, err = e.stepCheckEscalation(ctx, exec)
		case StateIncidentAcknowledged:
			next, err = e.stepAcknowledged(ctx, exec)
		case StateRecordIncidentCreated:
			next, err = e.stepRecordCreated(ctx, exec)
		case StateRecordNoAck:
			next, err = e.stepRecordNoAck(ctx, exec)
		case StateMonitorIncident:
			next, err = e.stepMonitor(ctx, exec)
		case StateGeneratePostMortem:
			next, err = e.stepPostMortem(ctx, exec)
		case StateCreateFollowUpTasks:
			next, err = e.stepFollowUps(ctx, exec)
		case StateWorkflowComplete:
			e.finish(ctx, exec, ExecutionCompleted)
			return
		case StateFailed:
			e.finish(ctx, exec, ExecutionFailed)
			return
		default:
			slog.Error("unknown workflow state", "incident_id", exec.IncidentID, "state", exec.State)
			exec.Context.FailureReason = fmt.Sprintf("unknown state %s", exec.State)
			next = StateFailed
		}

		if errors.Is(err, errStopped) {
			e.save(ctx, exec)
			return
		}
		if err != nil {
			slog.Error("workflow step failed",
				"incident_id", exec.IncidentID,
				"state", exec.State,
				"error", err,
			)
			exec.Context.FailureReason = err.Error()
			next = StateFailed
		}

		e.transition(ctx, exec, next)
	}
}

func (e *Engine) transition(ctx context.Context, exec *Execution, next State) {
	slog.Debug("workflow transition",
		"incident_id", exec.IncidentID,
		"from", exec.State,
		"to", next,
	)
	exec.State = next
	recordTransition(next)
	e.save(ctx, exec)
}

func (e *Engine) save(ctx context.Context, exec *Execution) {
	if err := e.store.Save(ctx, exec); err != nil {
		slog.Error("failed to persist execution", "incident_id", exec.IncidentID, "error", err)
	}
}

func (e *Engine) finish(ctx context.Context, exec *Execution, status ExecutionStatus) {
	exec.Status = status
	e.save(ctx, exec)
	if err := e.ledger.Release(ctx, executionKey(exec.IncidentID)); err != nil {
		slog.Error("failed to release execution reservation", "incident_id", exec.IncidentID, "error", err)
	}
	recordCompletion(status)
	slog.Info("workflow finished",
		"incident_id", exec.IncidentID,
		"status", status,
		"elapsed", exec.Elapsed(time.Now().UTC()).Round(time.Second),
	)
}

// sleep parks until d elapses or the engine stops.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-e.stopCh:
		return errStopped
	case <-ctx.Done():
		return errStopped
	}
}

func (e *Engine) stepValidate(ctx context.Context, exec *Execution) (State, error) {
	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, fmt.Errorf("validation: %w", err)
	}
	if !strings.HasPrefix(inc.ID, "INC-") || len(inc.ID) < 10 {
		return StateFailed, fmt.Errorf("validation: malformed incident id %q", inc.ID)
	}
	if inc.Source == "" {
		return StateFailed, fmt.Errorf("validation: incident source is required")
	}
	return StateTriage, nil
}

// stepTriage classifies the incident, retrying transient failures. On an
// exhausted budget the workflow proceeds with the P2 fallback rather
// than failing: an unclassified incident still needs attention.
func (e *Engine) stepTriage(ctx context.Context, exec *Execution) (State, error) {
	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, err
	}

	var result *triage.Result
	for attempt := 1; attempt <= e.config.TriageRetries; attempt++ {
		result, err = e.triager.Triage(ctx, inc)
		if err == nil {
			break
		}
		slog.Warn("triage attempt failed",
			"incident_id", exec.IncidentID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < e.config.TriageRetries {
			backoff := e.config.TriageBackoffBase * (1 << (attempt - 1))
			if serr := e.sleep(ctx, backoff); serr != nil {
				return exec.State, serr
			}
		}
	}

	if err != nil {
		exec.Context.Severity = domain.SeverityP2
		exec.Context.TriageConfidence = 0
		exec.Context.TriageFellBack = true
		slog.Warn("triage exhausted retries, falling back",
			"incident_id", exec.IncidentID,
			"fallback_severity", exec.Context.Severity,
		)
	} else {
		if result.Confidence > 0 {
			exec.Context.Severity = result.RecommendedSeverity
		}
		exec.Context.TriageConfidence = result.Confidence
	}

	desc := fmt.Sprintf("Automated triage completed. Recommended severity: %s", exec.Context.Severity)
	if exec.Context.TriageFellBack {
		desc = "Automated triage unavailable. Fell back to severity P2"
	} else if exec.Context.TriageConfidence > 0 {
		desc += fmt.Sprintf(". Confidence: %.0f%%", exec.Context.TriageConfidence*100)
	}
	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventTriageCompleted, desc, workflowSource, map[string]any{
		"severity":   string(exec.Context.Severity),
		"confidence": exec.Context.TriageConfidence,
		"fallback":   exec.Context.TriageFellBack,
	}); err != nil {
		slog.Error("failed to record triage event", "incident_id", exec.IncidentID, "error", err)
	}

	return StateCheckSeverity, nil
}

// stepCheckSeverity is a pure branch; unknown severities take the
// lowest-priority flow.
func (e *Engine) stepCheckSeverity(exec *Execution) (State, error) {
	if !exec.Context.Severity.IsValid() {
		slog.Warn("unknown severity, routing to lowest-priority flow",
			"incident_id", exec.IncidentID,
			"severity", exec.Context.Severity,
		)
		exec.Context.Severity = domain.SeverityP4
	}
	return StateNotify, nil
}

func (e *Engine) intent(exec *Execution, typ domain.NotificationType, target, message string, priority domain.Priority) domain.NotificationIntent {
	return domain.NotificationIntent{
		IncidentID: exec.IncidentID,
		Type:       typ,
		Target:     target,
		Message:    message,
		Priority:   priority,
	}
}

// dispatchParallel emits all intents concurrently and joins. A branch
// failure is captured and logged, never aborting its siblings.
func (e *Engine) dispatchParallel(ctx context.Context, intents []domain.NotificationIntent) {
	var wg sync.WaitGroup
	errs := make([]error, len(intents))
	for i, intent := range intents {
		wg.Add(1)
		go func(i int, intent domain.NotificationIntent) {
			defer wg.Done()
			_, errs[i] = e.dispatcher.Dispatch(ctx, intent)
		}(i, intent)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			slog.Error("notification branch failed",
				"incident_id", intents[i].IncidentID,
				"channel", intents[i].Type,
				"error", err,
			)
		}
	}
}

func (e *Engine) stepNotify(ctx context.Context, exec *Execution) (State, error) {
	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, err
	}

	sev := exec.Context.Severity
	message := fmt.Sprintf("[%s] %s: %s", sev, inc.ID, inc.Title)

	switch sev {
	case domain.SeverityP0:
		e.dispatchParallel(ctx, []domain.NotificationIntent{
			e.intent(exec, domain.NotificationPage, e.config.OncallTarget, message, domain.PriorityCritical),
			e.intent(exec, domain.NotificationSlack, e.config.SlackChannel, message, domain.PriorityCritical),
			e.intent(exec, domain.NotificationSMS, e.config.OncallTarget, message, domain.PriorityCritical),
		})
		// Side-signal for the chat integration to open a war room.
		if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventChannelCreateRequested,
			fmt.Sprintf("Dedicated incident channel requested for %s", inc.ID), workflowSource, nil); err != nil {
			slog.Error("failed to record channel request", "incident_id", exec.IncidentID, "error", err)
		}
		return StateWaitForAck, nil

	case domain.SeverityP1:
		e.dispatchParallel(ctx, []domain.NotificationIntent{
			e.intent(exec, domain.NotificationPage, e.config.OncallTarget, message, domain.PriorityHigh),
			e.intent(exec, domain.NotificationSlack, e.config.SlackChannel, message, domain.PriorityHigh),
		})
		return StateWaitForAck, nil

	case domain.SeverityP2:
		for _, intent := range []domain.NotificationIntent{
			e.intent(exec, domain.NotificationSlack, e.config.SlackChannel, message, domain.PriorityNormal),
			e.intent(exec, domain.NotificationEmail, e.config.EmailTarget, message, domain.PriorityNormal),
		} {
			if _, err := e.dispatcher.Dispatch(ctx, intent); err != nil {
				slog.Error("notification failed", "incident_id", exec.IncidentID, "channel", intent.Type, "error", err)
			}
		}
		return StateWaitForAck, nil

	default:
		if _, err := e.dispatcher.Dispatch(ctx,
			e.intent(exec, domain.NotificationSlack, e.config.SlackChannel, message, domain.PriorityLow)); err != nil {
			slog.Error("notification failed", "incident_id", exec.IncidentID, "channel", domain.NotificationSlack, "error", err)
		}
		// Low severities skip the acknowledgement wait.
		return StateRecordIncidentCreated, nil
	}
}

// stepWaitForAck suspends the execution until an acknowledgement signal,
// the overall timeout, or an abandoned heartbeat window. The deadline is
// absolute and persisted, so a resumed execution waits only for the
// remainder.
func (e *Engine) stepWaitForAck(ctx context.Context, exec *Execution) (State, error) {
	if exec.Context.AckDeadline == nil {
		deadline := time.Now().UTC().Add(e.config.AckTimeout)
		exec.Context.AckDeadline = &deadline
		e.save(ctx, exec)
	}

	next, err := e.awaitAck(ctx, exec, *exec.Context.AckDeadline)
	if err != nil {
		return exec.State, err
	}
	exec.Context.AckDeadline = nil
	return next, nil
}

// awaitAck implements the shared wait mechanics for the initial ack wait
// and the post-escalation wait. It returns StateIncidentAcknowledged on
// signal and StateCheckEscalation on timeout or heartbeat abandonment.
func (e *Engine) awaitAck(ctx context.Context, exec *Execution, deadline time.Time) (State, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return StateCheckEscalation, nil
	}

	w := e.waiters.register(exec.IncidentID)
	defer e.waiters.unregister(exec.IncidentID)

	overall := time.NewTimer(remaining)
	defer overall.Stop()

	// The heartbeat window only arms once the first heartbeat arrives;
	// a token holder that goes silent afterwards abandons the wait.
	var hbTimer *time.Timer
	var hbC <-chan time.Time
	defer func() {
		if hbTimer != nil {
			hbTimer.Stop()
		}
	}()

	for {
		select {
		case sig := <-w.ackCh:
			now := time.Now().UTC()
			exec.Context.Acknowledged = true
			exec.Context.AckBy = sig.userID
			exec.Context.AckAt = &now
			return StateIncidentAcknowledged, nil

		case <-overall.C:
			slog.Info("acknowledgement wait timed out", "incident_id", exec.IncidentID)
			return StateCheckEscalation, nil

		case <-w.hbCh:
			if hbTimer == nil {
				hbTimer = time.NewTimer(e.config.HeartbeatWindow)
				hbC = hbTimer.C
			} else {
				if !hbTimer.Stop() {
					<-hbTimer.C
				}
				hbTimer.Reset(e.config.HeartbeatWindow)
			}

		case <-hbC:
			slog.Info("acknowledgement heartbeat abandoned", "incident_id", exec.IncidentID)
			return StateCheckEscalation, nil

		case <-e.stopCh:
			return exec.State, errStopped
		case <-ctx.Done():
			return exec.State, errStopped
		}
	}
}

func (e *Engine) stepCheckEscalation(ctx context.Context, exec *Execution) (State, error) {
	sev := exec.Context.Severity
	if sev != domain.SeverityP0 && sev != domain.SeverityP1 {
		return StateRecordNoAck, nil
	}

	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, err
	}

	if !exec.Context.Escalated {
		exec.Context.Escalated = true
		recordEscalation(string(sev))

		if sev == domain.SeverityP0 {
			// Management page and the executive notification go out in
			// parallel.
			message := fmt.Sprintf("ESCALATION: unacknowledged P0 incident %s: %s", inc.ID, inc.Title)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.dispatcher.Dispatch(ctx,
					e.intent(exec, domain.NotificationPage, e.config.ManagementTarget, message, domain.PriorityCritical)); err != nil {
					slog.Error("management page failed", "incident_id", exec.IncidentID, "error", err)
				}
			}()
			if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventExecutiveNotification,
				fmt.Sprintf("Executive notification issued for unacknowledged P0 incident %s", inc.ID), workflowSource, nil); err != nil {
				slog.Error("failed to record executive notification", "incident_id", exec.IncidentID, "error", err)
			}
			wg.Wait()
		} else {
			message := fmt.Sprintf("ESCALATION: unacknowledged P1 incident %s: %s", inc.ID, inc.Title)
			if _, err := e.dispatcher.Dispatch(ctx,
				e.intent(exec, domain.NotificationPage, e.config.SecondaryOncall, message, domain.PriorityHigh)); err != nil {
				slog.Error("secondary on-call page failed", "incident_id", exec.IncidentID, "error", err)
			}
		}

		if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventEscalationTriggered,
			fmt.Sprintf("Escalation triggered for unacknowledged %s incident", sev), workflowSource, map[string]any{
				"severity": string(sev),
			}); err != nil {
			slog.Error("failed to record escalation event", "incident_id", exec.IncidentID, "error", err)
		}

		deadline := time.Now().UTC().Add(e.config.EscalationWait)
		exec.Context.EscalationDeadline = &deadline
		e.save(ctx, exec)
	}

	deadline := *exec.Context.EscalationDeadline
	if e.config.EscalationAckShortCircuit {
		next, err := e.awaitAck(ctx, exec, deadline)
		if err != nil {
			return exec.State, err
		}
		exec.Context.EscalationDeadline = nil
		if next == StateIncidentAcknowledged {
			return StateIncidentAcknowledged, nil
		}
		return StateRecordNoAck, nil
	}

	// Full wait: an acknowledgement still lands, but the window runs to
	// its end regardless.
	next, err := e.awaitAck(ctx, exec, deadline)
	if err != nil {
		return exec.State, err
	}
	if next == StateIncidentAcknowledged {
		if serr := e.sleep(ctx, time.Until(deadline)); serr != nil {
			return exec.State, serr
		}
		exec.Context.EscalationDeadline = nil
		return StateIncidentAcknowledged, nil
	}
	exec.Context.EscalationDeadline = nil
	return StateRecordNoAck, nil
}

// stepAcknowledged commits the ACKNOWLEDGED status. A CAS conflict means
// an external actor advanced the status first; the workflow re-reads and
// carries on rather than fighting it.
func (e *Engine) stepAcknowledged(ctx context.Context, exec *Execution) (State, error) {
	_, err := e.incidents.UpdateStatus(ctx, exec.IncidentID,
		domain.StatusAcknowledged, domain.StatusOpen, "Acknowledged via workflow signal", exec.Context.AckBy)
	if err != nil && !errors.Is(err, incident.ErrConflict) && !errors.Is(err, incident.ErrInvalidTransition) {
		return StateFailed, err
	}

	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventAcknowledged,
		fmt.Sprintf("Incident acknowledged by %s", exec.Context.AckBy), workflowSource, map[string]any{
			"user_id": exec.Context.AckBy,
		}); err != nil {
		slog.Error("failed to record acknowledgement event", "incident_id", exec.IncidentID, "error", err)
	}
	return StateMonitorIncident, nil
}

func (e *Engine) stepRecordCreated(ctx context.Context, exec *Execution) (State, error) {
	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventIncidentCreated,
		fmt.Sprintf("Incident recorded; severity %s requires no acknowledgement flow", exec.Context.Severity),
		workflowSource, nil); err != nil {
		slog.Error("failed to record outcome event", "incident_id", exec.IncidentID, "error", err)
	}
	return StateMonitorIncident, nil
}

func (e *Engine) stepRecordNoAck(ctx context.Context, exec *Execution) (State, error) {
	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventNoAcknowledgement,
		"No acknowledgement received within the configured window", workflowSource, map[string]any{
			"escalated": exec.Context.Escalated,
		}); err != nil {
		slog.Error("failed to record no-ack event", "incident_id", exec.IncidentID, "error", err)
	}
	return StateMonitorIncident, nil
}

// stepMonitor performs one iteration of the polling loop: park for the
// monitor interval, then evaluate status and elapsed run time.
func (e *Engine) stepMonitor(ctx context.Context, exec *Execution) (State, error) {
	if err := e.sleep(ctx, e.config.MonitorInterval); err != nil {
		return exec.State, err
	}

	// Renew the execution reservation so an incident that outlives the
	// TTL cannot be claimed by a second Start.
	if err := e.ledger.Extend(ctx, executionKey(exec.IncidentID), e.config.ExecutionTTL); err != nil {
		slog.Warn("failed to extend execution reservation", "incident_id", exec.IncidentID, "error", err)
	}

	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, err
	}

	switch inc.Status {
	case domain.StatusResolved:
		return StateGeneratePostMortem, nil
	case domain.StatusClosed:
		// Administratively closed; nothing left to generate.
		return StateWorkflowComplete, nil
	}

	if exec.Elapsed(time.Now().UTC()) > e.config.LongRunningThreshold {
		exec.Context.LongRunningAlerts++
		if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventLongRunningIncident,
			fmt.Sprintf("Incident has been running for over %s without resolution", e.config.LongRunningThreshold),
			workflowSource, map[string]any{
				"alert_number": exec.Context.LongRunningAlerts,
			}); err != nil {
			slog.Error("failed to record long-running alert", "incident_id", exec.IncidentID, "error", err)
		}
	}
	return StateMonitorIncident, nil
}

// stepPostMortem generates the post-mortem, retrying transient failures.
// An exhausted budget marks the report for manual creation instead of
// failing the workflow.
func (e *Engine) stepPostMortem(ctx context.Context, exec *Execution) (State, error) {
	inc, err := e.incidents.Get(ctx, exec.IncidentID)
	if err != nil {
		return StateFailed, err
	}
	events, _, err := e.incidents.Timeline(ctx, exec.IncidentID, incident.Page{Limit: 200})
	if err != nil {
		return StateFailed, err
	}

	reportContext := scribe.BuildContext(inc, events)

	var summary *scribe.Summary
	for attempt := 1; attempt <= e.config.PostMortemRetries; attempt++ {
		summary, err = e.summarizer.Summarize(ctx, scribe.KindPostMortem, reportContext)
		if err == nil {
			break
		}
		slog.Warn("post-mortem attempt failed",
			"incident_id", exec.IncidentID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < e.config.PostMortemRetries {
			backoff := e.config.PostMortemBackoffBase * (1 << (attempt - 1))
			if serr := e.sleep(ctx, backoff); serr != nil {
				return exec.State, serr
			}
		}
	}

	if err != nil {
		exec.Context.PostMortemManual = true
		if recErr := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventPostMortemManual,
			"Automated post-mortem generation failed; manual creation required", workflowSource, nil); recErr != nil {
			slog.Error("failed to record manual post-mortem marker", "incident_id", exec.IncidentID, "error", recErr)
		}
		return StateCreateFollowUpTasks, nil
	}

	if err := e.incidents.AddSummary(ctx, &domain.AISummary{
		IncidentID:       exec.IncidentID,
		SummaryText:      summary.Text,
		ModelID:          summary.ModelID,
		PromptTokens:     summary.PromptTokens,
		CompletionTokens: summary.CompletionTokens,
	}); err != nil {
		return StateFailed, fmt.Errorf("store post-mortem: %w", err)
	}
	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventAISummaryGenerated,
		"Post-mortem report generated", workflowSource, map[string]any{
			"model_id": summary.ModelID,
		}); err != nil {
		slog.Error("failed to record summary event", "incident_id", exec.IncidentID, "error", err)
	}
	return StateCreateFollowUpTasks, nil
}

var followUpTasks = []string{
	"Review post-mortem with the incident team",
	"Implement action items from the post-mortem",
	"Update runbook with lessons learned",
}

func (e *Engine) stepFollowUps(ctx context.Context, exec *Execution) (State, error) {
	for i, task := range followUpTasks {
		if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventFollowUpTaskCreated,
			fmt.Sprintf("Follow-up task created: %s", task), workflowSource, map[string]any{
				"task_number": i + 1,
			}); err != nil {
			slog.Error("failed to record follow-up task", "incident_id", exec.IncidentID, "error", err)
		}
	}

	if err := e.incidents.RecordEvent(ctx, exec.IncidentID, domain.EventWorkflowCompleted,
		"Incident workflow completed", workflowSource, map[string]any{
			"post_mortem_manual": exec.Context.PostMortemManual,
		}); err != nil {
		slog.Error("failed to record completion event", "incident_id", exec.IncidentID, "error", err)
	}
	return StateWorkflowComplete, nil
}
