// Package ingest exposes the HTTP API: incident declaration and queries,
// lifecycle signals, the change feed and the alarm webhook.
package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/pkg/ctxlog"
	"github.com/aegisops/aegis/internal/pkg/httputil"
	"github.com/aegisops/aegis/internal/workflow"
)

// Pagination constants.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	DefaultFeedLimit = 100
	MaxFeedLimit     = 500
)

// Handler handles HTTP requests for the incident API.
type Handler struct {
	incidents  *incident.Service
	engine     *workflow.Engine
	dispatcher *dispatch.Service
	validator  *validator.Validate
}

// NewHandler creates a new incident API handler.
func NewHandler(incidents *incident.Service, engine *workflow.Engine, dispatcher *dispatch.Service) *Handler {
	return &Handler{
		incidents:  incidents,
		engine:     engine,
		dispatcher: dispatcher,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes for the incident API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Post("/", h.DeclareIncident)
		r.Get("/", h.ListIncidents)
		r.Get("/{id}", h.GetIncident)
		r.Patch("/{id}/status", h.UpdateStatus)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Post("/{id}/heartbeat", h.Heartbeat)
		r.Get("/{id}/timeline", h.GetTimeline)
		r.Get("/{id}/comments", h.ListComments)
		r.Post("/{id}/comments", h.AddComment)
		r.Get("/{id}/participants", h.ListParticipants)
		r.Post("/{id}/participants", h.AddParticipant)
		r.Get("/{id}/summaries", h.ListSummaries)
		r.Get("/{id}/execution", h.GetExecution)
	})

	r.Get("/changes", h.Changes)

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/stats", h.QueueStats)
		r.Get("/dead-letters", h.DeadLetters)
	})
}

// RegisterWebhookRoutes registers inbound webhook routes.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/alarm", h.HandleAlarm)
}

// DeclareIncidentRequest represents the request body for declaring an
// incident. IncidentID lets upstream systems supply their own identifier;
// redeclaring an existing id is rejected with 409.
type DeclareIncidentRequest struct {
	IncidentID  string         `json:"incident_id" validate:"omitempty,startswith=INC-,min=10,max=64"`
	Title       string         `json:"title" validate:"required,min=1,max=255"`
	Description string         `json:"description" validate:"max=4096"`
	Severity    string         `json:"severity" validate:"required,oneof=P0 P1 P2 P3 P4"`
	Source      string         `json:"source" validate:"required,min=1,max=255"`
	Service     string         `json:"service" validate:"max=255"`
	Metadata    map[string]any `json:"metadata"`
}

// UpdateStatusRequest represents the request body for a status transition.
// ExpectedStatus carries the caller's view of the current status; the
// transition is rejected with 409 if the stored status moved on.
type UpdateStatusRequest struct {
	Status         string `json:"status" validate:"required,oneof=OPEN ACKNOWLEDGED MITIGATING RESOLVED CLOSED"`
	ExpectedStatus string `json:"expected_status" validate:"required,oneof=OPEN ACKNOWLEDGED MITIGATING RESOLVED CLOSED"`
	Reason         string `json:"reason" validate:"max=1024"`
	Actor          string `json:"actor" validate:"max=255"`
}

// AcknowledgeRequest represents the request body for acknowledging an incident.
type AcknowledgeRequest struct {
	UserID string `json:"user_id" validate:"required,min=1,max=255"`
}

// AddCommentRequest represents the request body for adding a comment.
type AddCommentRequest struct {
	AuthorID   string `json:"author_id" validate:"required,min=1,max=255"`
	AuthorName string `json:"author_name" validate:"max=255"`
	Text       string `json:"text" validate:"required,min=1,max=4096"`
}

// AddParticipantRequest represents the request body for adding a participant.
type AddParticipantRequest struct {
	UserID string `json:"user_id" validate:"required,min=1,max=255"`
	Name   string `json:"name" validate:"max=255"`
	Role   string `json:"role" validate:"omitempty,oneof=commander responder observer"`
}

// DeclareIncident handles POST /incidents request. The incident is
// committed first; the lifecycle workflow starts asynchronously, so a
// workflow start failure never loses the declaration.
func (h *Handler) DeclareIncident(w http.ResponseWriter, r *http.Request) {
	var req DeclareIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inc, err := h.incidents.Create(r.Context(), incident.CreateInput{
		ID:          req.IncidentID,
		Title:       req.Title,
		Description: req.Description,
		Severity:    domain.Severity(req.Severity),
		Source:      req.Source,
		Service:     req.Service,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	workflowStarted := true
	if err := h.engine.Start(r.Context(), inc.ID); err != nil {
		workflowStarted = false
		ctxlog.FromContext(r.Context()).Error("failed to start workflow",
			"incident_id", inc.ID, "error", err)
	}

	httputil.JSON(w, http.StatusCreated, map[string]any{
		"incident":         inc,
		"workflow_started": workflowStarted,
	})
}

// GetIncident handles GET /incidents/{id} request.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, inc)
}

// ListIncidents handles GET /incidents request. Exactly one filter axis
// is required: status (with optional severity), service, or a date
// range.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := h.parsePage(w, r, DefaultListLimit, MaxListLimit)
	if !ok {
		return
	}

	var (
		incidents []domain.Incident
		next      string
		err       error
	)

	switch {
	case q.Get("status") != "":
		status := domain.Status(q.Get("status"))
		if !status.IsValid() {
			httputil.Error(w, http.StatusBadRequest, "unknown status "+q.Get("status"))
			return
		}
		var severity *domain.Severity
		if s := q.Get("severity"); s != "" {
			sev := domain.Severity(s)
			if !sev.IsValid() {
				httputil.Error(w, http.StatusBadRequest, "unknown severity "+s)
				return
			}
			severity = &sev
		}
		incidents, next, err = h.incidents.QueryByStatus(r.Context(), status, severity, page)

	case q.Get("service") != "":
		incidents, next, err = h.incidents.QueryByService(r.Context(), q.Get("service"), page)

	case q.Get("from") != "" && q.Get("to") != "":
		var from, to time.Time
		from, err = time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		to, err = time.Parse(time.RFC3339, q.Get("to"))
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		incidents, next, err = h.incidents.QueryByDateRange(r.Context(), from, to, page)

	default:
		httputil.Error(w, http.StatusBadRequest, "a status, service or from/to filter is required")
		return
	}
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"incidents":   incidents,
		"next_cursor": next,
	})
}

// UpdateStatus handles PATCH /incidents/{id}/status request.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inc, err := h.incidents.UpdateStatus(r.Context(), id,
		domain.Status(req.Status), domain.Status(req.ExpectedStatus), req.Reason, req.Actor)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, inc)
}

// Acknowledge handles POST /incidents/{id}/acknowledge request. The
// signal is delivered to the suspended workflow wait when one exists;
// otherwise the status transition is applied directly.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	err := h.engine.Acknowledge(id, req.UserID)
	if err == nil {
		httputil.JSON(w, http.StatusAccepted, map[string]any{"acknowledged": true})
		return
	}
	if !errors.Is(err, workflow.ErrNoPendingWait) {
		h.handleServiceError(w, r, err)
		return
	}

	inc, err := h.incidents.UpdateStatus(r.Context(), id,
		domain.StatusAcknowledged, domain.StatusOpen, "Acknowledged", req.UserID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, inc)
}

// Heartbeat handles POST /incidents/{id}/heartbeat request. Renews the
// acknowledgement heartbeat window of a suspended wait.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Heartbeat(id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusAccepted, map[string]any{"renewed": true})
}

// GetTimeline handles GET /incidents/{id}/timeline request.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	page, ok := h.parsePage(w, r, DefaultListLimit, MaxListLimit)
	if !ok {
		return
	}

	// The timeline endpoint 404s on unknown incidents instead of
	// returning an empty page.
	if _, err := h.incidents.Get(r.Context(), id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	events, next, err := h.incidents.Timeline(r.Context(), id, page)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}

// AddComment handles POST /incidents/{id}/comments request.
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AddCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	comment, err := h.incidents.AddComment(r.Context(), id, req.AuthorID, req.AuthorName, req.Text)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, comment)
}

// ListComments handles GET /incidents/{id}/comments request.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	comments, err := h.incidents.Comments(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{"comments": comments})
}

// AddParticipant handles POST /incidents/{id}/participants request.
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	participant, err := h.incidents.AddParticipant(r.Context(), id, req.UserID, req.Name, req.Role)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, participant)
}

// ListParticipants handles GET /incidents/{id}/participants request.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	participants, err := h.incidents.Participants(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{"participants": participants})
}

// ListSummaries handles GET /incidents/{id}/summaries request.
func (h *Handler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	summaries, err := h.incidents.Summaries(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

// GetExecution handles GET /incidents/{id}/execution request.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := h.engine.Execution(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"incident_id": exec.IncidentID,
		"state":       exec.State,
		"status":      exec.Status,
		"context":     exec.Context,
		"started_at":  exec.StartedAt,
		"updated_at":  exec.UpdatedAt,
	})
}

// Changes handles GET /changes request: the change feed in commit order
// after the given cursor.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := DefaultFeedLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > MaxFeedLimit {
			parsed = MaxFeedLimit
		}
		limit = parsed
	}

	changes, err := h.incidents.Changes(r.Context(), q.Get("cursor"), limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	next := q.Get("cursor")
	if len(changes) > 0 {
		next = changes[len(changes)-1].Cursor
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"changes":     changes,
		"next_cursor": next,
	})
}

// QueueStats handles GET /notifications/stats request.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatcher.Stats(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}

// DeadLetters handles GET /notifications/dead-letters request.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	items, err := h.dispatcher.DeadLetters(r.Context(), limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func (h *Handler) parsePage(w http.ResponseWriter, r *http.Request, def, max int) (incident.Page, bool) {
	page := incident.Page{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  def,
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return page, false
		}
		if parsed > max {
			parsed = max
		}
		page.Limit = parsed
	}
	return page, true
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: incident.ErrNotFound, Status: http.StatusNotFound},
		{Error: incident.ErrAlreadyExists, Status: http.StatusConflict},
		{Error: incident.ErrConflict, Status: http.StatusConflict},
		{Error: incident.ErrInvalidTransition, Status: http.StatusUnprocessableEntity},
		{Error: incident.ErrInvalidCursor, Status: http.StatusBadRequest},
		{Error: workflow.ErrExecutionNotFound, Status: http.StatusNotFound},
		{Error: workflow.ErrConcurrentExecution, Status: http.StatusConflict},
		{Error: workflow.ErrNoPendingWait, Status: http.StatusConflict},
	})
}
