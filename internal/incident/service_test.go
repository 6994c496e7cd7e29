package incident_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/incident/memstore"
)

func TestNewIncidentID(t *testing.T) {
	id := incident.NewIncidentID()
	assert.True(t, strings.HasPrefix(id, "INC-"))
	assert.GreaterOrEqual(t, len(id), 10)
	assert.NotEqual(t, id, incident.NewIncidentID())
}

func TestCreateRecordsInitialEvent(t *testing.T) {
	svc := incident.NewService(memstore.New())
	ctx := context.Background()

	inc, err := svc.Create(ctx, incident.CreateInput{
		Title:    "checkout 500s",
		Severity: domain.SeverityP1,
		Source:   "monitoring",
		Service:  "checkout",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, inc.Status)

	events, _, err := svc.Timeline(ctx, inc.ID, incident.Page{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventIncidentCreated, events[0].Type)
}

func TestCreateRejectsUnknownSeverity(t *testing.T) {
	svc := incident.NewService(memstore.New())

	_, err := svc.Create(context.Background(), incident.CreateInput{
		Title:    "bad",
		Severity: domain.Severity("P9"),
		Source:   "manual",
	})
	assert.Error(t, err)
}

func TestUpdateStatusValidatesGraph(t *testing.T) {
	svc := incident.NewService(memstore.New())
	ctx := context.Background()

	inc, err := svc.Create(ctx, incident.CreateInput{
		Title: "api down", Severity: domain.SeverityP0, Source: "manual",
	})
	require.NoError(t, err)

	// Backward move is rejected before hitting the store.
	_, err = svc.UpdateStatus(ctx, inc.ID, domain.StatusOpen, domain.StatusOpen, "", "")
	assert.ErrorIs(t, err, incident.ErrInvalidTransition)

	// CLOSED requires RESOLVED first.
	_, err = svc.UpdateStatus(ctx, inc.ID, domain.StatusClosed, domain.StatusOpen, "", "")
	assert.ErrorIs(t, err, incident.ErrInvalidTransition)

	// Direct resolution from OPEN is fine.
	got, err := svc.UpdateStatus(ctx, inc.ID, domain.StatusResolved, domain.StatusOpen, "rolled back", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
}

func TestUpdateStatusLostRace(t *testing.T) {
	svc := incident.NewService(memstore.New())
	ctx := context.Background()

	inc, err := svc.Create(ctx, incident.CreateInput{
		Title: "cache miss storm", Severity: domain.SeverityP2, Source: "monitoring",
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, inc.ID, domain.StatusAcknowledged, domain.StatusOpen, "", "alice")
	require.NoError(t, err)

	// Second writer still believes the incident is OPEN.
	_, err = svc.UpdateStatus(ctx, inc.ID, domain.StatusAcknowledged, domain.StatusOpen, "", "bob")
	assert.ErrorIs(t, err, incident.ErrConflict)
}

func TestFirstParticipantBecomesCommander(t *testing.T) {
	svc := incident.NewService(memstore.New())
	ctx := context.Background()

	inc, err := svc.Create(ctx, incident.CreateInput{
		Title: "disk full", Severity: domain.SeverityP3, Source: "manual",
	})
	require.NoError(t, err)

	first, err := svc.AddParticipant(ctx, inc.ID, "u1", "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCommander, first.Role)

	second, err := svc.AddParticipant(ctx, inc.ID, "u2", "Bob", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleResponder, second.Role)

	third, err := svc.AddParticipant(ctx, inc.ID, "u3", "Carol", domain.RoleObserver)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleObserver, third.Role)
}

func TestChangesDefaultLimit(t *testing.T) {
	store := memstore.New()
	svc := incident.NewService(store)
	ctx := context.Background()

	inc, err := svc.Create(ctx, incident.CreateInput{
		Title: "slow queries", Severity: domain.SeverityP2, Source: "monitoring",
	})
	require.NoError(t, err)

	changes, err := svc.Changes(ctx, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, inc.ID, changes[0].IncidentID)
	assert.Equal(t, domain.ChangeIncidentCreated, changes[0].Kind)
}
