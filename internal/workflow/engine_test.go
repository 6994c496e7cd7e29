package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/dispatch/memqueue"
	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	incmem "github.com/aegisops/aegis/internal/incident/memstore"
	ledmem "github.com/aegisops/aegis/internal/ledger/memory"
	"github.com/aegisops/aegis/internal/scribe"
	"github.com/aegisops/aegis/internal/triage"
	"github.com/aegisops/aegis/internal/workflow"
	wfmem "github.com/aegisops/aegis/internal/workflow/memstore"
)

const alwaysFail = 1 << 30

type stubTriager struct {
	mu         sync.Mutex
	calls      int
	failures   int
	severity   domain.Severity
	confidence float64
}

func (s *stubTriager) Triage(_ context.Context, inc *domain.Incident) (*triage.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("classifier unavailable")
	}
	sev := s.severity
	if sev == "" {
		sev = inc.Severity
	}
	return &triage.Result{
		IncidentID:          inc.ID,
		OriginalSeverity:    inc.Severity,
		RecommendedSeverity: sev,
		Confidence:          s.confidence,
	}, nil
}

func (s *stubTriager) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSummarizer struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (s *stubSummarizer) Summarize(_ context.Context, _ scribe.PromptKind, _ string) (*scribe.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("model overloaded")
	}
	return &scribe.Summary{
		Text:             "Post-mortem report body",
		ModelID:          "test-model",
		PromptTokens:     120,
		CompletionTokens: 480,
	}, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	engine     *workflow.Engine
	incidents  *incident.Service
	queue      *memqueue.Queue
	execs      *wfmem.Store
	keys       *ledmem.Ledger
	dispatcher *dispatch.Service
}

func testConfig() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.TriageBackoffBase = time.Millisecond
	cfg.AckTimeout = 80 * time.Millisecond
	cfg.HeartbeatWindow = 40 * time.Millisecond
	cfg.EscalationWait = 60 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.LongRunningThreshold = time.Hour
	cfg.PostMortemBackoffBase = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg workflow.Config, tr triage.Triager, sum scribe.Summarizer) *harness {
	t.Helper()

	queue := memqueue.New()
	h := &harness{
		incidents:  incident.NewService(incmem.New()),
		queue:      queue,
		execs:      wfmem.New(),
		keys:       ledmem.New(),
		dispatcher: dispatch.NewService(queue, 3),
	}
	h.engine = workflow.NewEngine(cfg, h.incidents, tr, h.dispatcher, sum, h.execs, h.keys)
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) declare(t *testing.T, sev domain.Severity) *domain.Incident {
	t.Helper()
	inc, err := h.incidents.Create(context.Background(), incident.CreateInput{
		Title:    "Checkout latency is elevated",
		Severity: sev,
		Source:   "CloudWatch",
		Service:  "checkout",
	})
	require.NoError(t, err)
	return inc
}

func (h *harness) waitForState(t *testing.T, id string, state workflow.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		exec, err := h.execs.Get(context.Background(), id)
		return err == nil && exec.State == state
	}, 2*time.Second, 2*time.Millisecond, "execution never reached %s", state)
}

func (h *harness) waitForCompletion(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	require.Eventually(t, func() bool {
		exec, err := h.execs.Get(context.Background(), id)
		return err == nil && exec.Status == workflow.ExecutionCompleted
	}, 2*time.Second, 2*time.Millisecond, "execution never completed")

	exec, err := h.execs.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func (h *harness) events(t *testing.T, id string) []domain.TimelineEvent {
	t.Helper()
	events, _, err := h.incidents.Timeline(context.Background(), id, incident.Page{Limit: 200})
	require.NoError(t, err)
	return events
}

func countEvents(events []domain.TimelineEvent, typ domain.TimelineEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) waitForEvent(t *testing.T, id string, typ domain.TimelineEventType) {
	t.Helper()
	require.Eventually(t, func() bool {
		return countEvents(h.events(t, id), typ) > 0
	}, 2*time.Second, 2*time.Millisecond, "event %s never recorded", typ)
}

// acknowledge retries until the execution has a registered wait.
func (h *harness) acknowledge(t *testing.T, id, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.Acknowledge(id, userID) == nil
	}, 2*time.Second, 2*time.Millisecond, "acknowledgement never delivered")
}

func (h *harness) resolve(t *testing.T, id string) {
	t.Helper()
	inc, err := h.incidents.Get(context.Background(), id)
	require.NoError(t, err)
	_, err = h.incidents.UpdateStatus(context.Background(), id,
		domain.StatusResolved, inc.Status, "mitigated", "maria.ops")
	require.NoError(t, err)
}

// drainQueue claims every due item so its channel and target can be
// inspected. No dispatch worker runs in these tests.
func (h *harness) drainQueue(t *testing.T) []*dispatch.QueueItem {
	t.Helper()
	items, err := h.queue.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	return items
}

func TestStartRejectsSecondExecution(t *testing.T) {
	h := newHarness(t, testConfig(), &stubTriager{confidence: 0.5}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP3)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	err := h.engine.Start(context.Background(), inc.ID)
	assert.ErrorIs(t, err, workflow.ErrConcurrentExecution)
}

func TestMonitorRenewsExecutionReservation(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTTL = 30 * time.Millisecond
	cfg.MonitorInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP4, confidence: 0.6}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP4)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	// Outlive the original TTL; the monitor loop must keep the
	// reservation alive so no second execution can start.
	time.Sleep(3 * cfg.ExecutionTTL)

	err := h.engine.Start(context.Background(), inc.ID)
	assert.ErrorIs(t, err, workflow.ErrConcurrentExecution)
}

func TestValidationFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, testConfig(), &stubTriager{}, &stubSummarizer{})
	inc, err := h.incidents.Create(context.Background(), incident.CreateInput{
		Title:    "Orphaned alert",
		Severity: domain.SeverityP3,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))

	require.Eventually(t, func() bool {
		exec, err := h.execs.Get(context.Background(), inc.ID)
		return err == nil && exec.Status == workflow.ExecutionFailed
	}, 2*time.Second, 2*time.Millisecond)

	exec, err := h.execs.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, exec.State)
	assert.Contains(t, exec.Context.FailureReason, "source")

	// The reservation is released on failure, so a corrected restart is
	// not blocked.
	assert.NoError(t, h.engine.Start(context.Background(), inc.ID))
}

func TestLowSeverityNotifiesWithoutAckWait(t *testing.T) {
	h := newHarness(t, testConfig(), &stubTriager{severity: domain.SeverityP4, confidence: 0.6}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP4)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	items := h.drainQueue(t)
	require.Len(t, items, 1)
	assert.Equal(t, domain.NotificationSlack, items[0].Type)
	assert.Equal(t, domain.PriorityLow, items[0].Priority)

	events := h.events(t, inc.ID)
	assert.Equal(t, 0, countEvents(events, domain.EventChannelCreateRequested))
	assert.Equal(t, 0, countEvents(events, domain.EventAcknowledged))
}

func TestCriticalIncidentFullLifecycle(t *testing.T) {
	tr := &stubTriager{severity: domain.SeverityP0, confidence: 0.95}
	sum := &stubSummarizer{}
	h := newHarness(t, testConfig(), tr, sum)
	inc := h.declare(t, domain.SeverityP1)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateWaitForAck)

	items := h.drainQueue(t)
	require.Len(t, items, 3)
	byType := map[domain.NotificationType]*dispatch.QueueItem{}
	for _, item := range items {
		byType[item.Type] = item
	}
	require.Contains(t, byType, domain.NotificationPage)
	require.Contains(t, byType, domain.NotificationSlack)
	require.Contains(t, byType, domain.NotificationSMS)
	assert.Equal(t, "primary-oncall", byType[domain.NotificationPage].Target)
	assert.Equal(t, domain.PriorityCritical, byType[domain.NotificationPage].Priority)

	events := h.events(t, inc.ID)
	assert.Equal(t, 1, countEvents(events, domain.EventChannelCreateRequested))
	assert.Equal(t, 1, countEvents(events, domain.EventTriageCompleted))

	h.acknowledge(t, inc.ID, "maria.ops")
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	got, err := h.incidents.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
	assert.Equal(t, 1, countEvents(h.events(t, inc.ID), domain.EventAcknowledged))

	h.resolve(t, inc.ID)
	exec := h.waitForCompletion(t, inc.ID)

	assert.Equal(t, workflow.StateWorkflowComplete, exec.State)
	assert.True(t, exec.Context.Acknowledged)
	assert.Equal(t, "maria.ops", exec.Context.AckBy)
	assert.Equal(t, domain.SeverityP0, exec.Context.Severity)

	summaries, err := h.incidents.Summaries(context.Background(), inc.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "test-model", summaries[0].ModelID)

	events = h.events(t, inc.ID)
	assert.Equal(t, 1, countEvents(events, domain.EventAISummaryGenerated))
	assert.Equal(t, 3, countEvents(events, domain.EventFollowUpTaskCreated))
	assert.Equal(t, 1, countEvents(events, domain.EventWorkflowCompleted))
	assert.Equal(t, 0, countEvents(events, domain.EventPostMortemManual))
}

func TestTriageFallsBackAfterRetries(t *testing.T) {
	tr := &stubTriager{failures: alwaysFail}
	h := newHarness(t, testConfig(), tr, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP3)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateWaitForAck)

	exec, err := h.execs.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.True(t, exec.Context.TriageFellBack)
	assert.Equal(t, domain.SeverityP2, exec.Context.Severity)
	assert.Zero(t, exec.Context.TriageConfidence)
	assert.Equal(t, 3, tr.callCount())
}

func TestUnacknowledgedCriticalEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.EscalationWait = 30 * time.Millisecond

	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP0, confidence: 0.9}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP0)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	events := h.events(t, inc.ID)
	assert.Equal(t, 1, countEvents(events, domain.EventEscalationTriggered))
	assert.Equal(t, 1, countEvents(events, domain.EventExecutiveNotification))
	assert.Equal(t, 1, countEvents(events, domain.EventNoAcknowledgement))
	assert.Equal(t, 0, countEvents(events, domain.EventAcknowledged))

	var managementPaged bool
	for _, item := range h.drainQueue(t) {
		if item.Type == domain.NotificationPage && item.Target == "engineering-management" {
			managementPaged = true
			assert.Equal(t, domain.PriorityCritical, item.Priority)
		}
	}
	assert.True(t, managementPaged, "management was not paged")
}

func TestAckDuringEscalationWindow(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.EscalationWait = 5 * time.Second

	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP1, confidence: 0.8}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP1)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForEvent(t, inc.ID, domain.EventEscalationTriggered)

	// The acknowledgement short-circuits the escalation wait: the
	// execution moves on well before the five second window would end.
	h.acknowledge(t, inc.ID, "secondary.oncall")
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	exec, err := h.execs.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.True(t, exec.Context.Acknowledged)
	assert.True(t, exec.Context.Escalated)

	var secondaryPaged bool
	for _, item := range h.drainQueue(t) {
		if item.Type == domain.NotificationPage && item.Target == "secondary-oncall" {
			secondaryPaged = true
		}
	}
	assert.True(t, secondaryPaged, "secondary on-call was not paged")
}

func TestHeartbeatAbandonmentTriggersEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 5 * time.Second
	cfg.HeartbeatWindow = 25 * time.Millisecond
	cfg.EscalationWait = 10 * time.Millisecond

	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP1, confidence: 0.8}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP1)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))

	// First heartbeat arms the window; going silent afterwards ends the
	// wait long before the five second acknowledgement timeout.
	require.Eventually(t, func() bool {
		return h.engine.Heartbeat(inc.ID) == nil
	}, 2*time.Second, 2*time.Millisecond)

	h.waitForEvent(t, inc.ID, domain.EventEscalationTriggered)
}

func TestLongRunningIncidentAlertsPerPoll(t *testing.T) {
	cfg := testConfig()
	cfg.LongRunningThreshold = time.Millisecond

	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP4, confidence: 0.6}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP4)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))

	require.Eventually(t, func() bool {
		return countEvents(h.events(t, inc.ID), domain.EventLongRunningIncident) >= 2
	}, 2*time.Second, 2*time.Millisecond, "expected one alert per monitor poll")

	h.resolve(t, inc.ID)
	exec := h.waitForCompletion(t, inc.ID)

	alerts := countEvents(h.events(t, inc.ID), domain.EventLongRunningIncident)
	assert.Equal(t, alerts, exec.Context.LongRunningAlerts)
}

func TestPostMortemFallsBackToManual(t *testing.T) {
	sum := &stubSummarizer{failures: alwaysFail}
	h := newHarness(t, testConfig(), &stubTriager{severity: domain.SeverityP4, confidence: 0.6}, sum)
	inc := h.declare(t, domain.SeverityP4)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	h.resolve(t, inc.ID)
	exec := h.waitForCompletion(t, inc.ID)

	assert.True(t, exec.Context.PostMortemManual)
	assert.Equal(t, 3, sum.callCount())

	summaries, err := h.incidents.Summaries(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	events := h.events(t, inc.ID)
	assert.Equal(t, 1, countEvents(events, domain.EventPostMortemManual))
	assert.Equal(t, 3, countEvents(events, domain.EventFollowUpTaskCreated))
	assert.Equal(t, 1, countEvents(events, domain.EventWorkflowCompleted))
}

func TestResumeContinuesActiveExecution(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, &stubTriager{severity: domain.SeverityP4, confidence: 0.6}, &stubSummarizer{})
	inc := h.declare(t, domain.SeverityP4)

	require.NoError(t, h.engine.Start(context.Background(), inc.ID))
	h.waitForState(t, inc.ID, workflow.StateMonitorIncident)

	// Simulate a redeploy: the first engine parks mid-monitoring, a new
	// engine picks the execution up from the persisted state.
	h.engine.Stop()
	h.resolve(t, inc.ID)

	second := workflow.NewEngine(cfg, h.incidents, &stubTriager{}, h.dispatcher, &stubSummarizer{}, h.execs, h.keys)
	t.Cleanup(second.Stop)
	require.NoError(t, second.Resume(context.Background()))

	exec := h.waitForCompletion(t, inc.ID)
	assert.Equal(t, workflow.StateWorkflowComplete, exec.State)
	assert.Equal(t, 1, countEvents(h.events(t, inc.ID), domain.EventWorkflowCompleted))
}
