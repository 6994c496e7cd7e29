package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	incidentpostgres "github.com/aegisops/aegis/internal/incident/postgres"
	pkgpostgres "github.com/aegisops/aegis/internal/pkg/postgres"
)

func openRepository(t *testing.T) *incidentpostgres.Repository {
	t.Helper()
	url := os.Getenv("AEGIS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AEGIS_TEST_DATABASE_URL not set, skipping integration test")
	}

	require.NoError(t, pkgpostgres.Migrate(url))

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return incidentpostgres.NewRepository(pool)
}

func newIncident(t *testing.T) (*domain.Incident, *domain.TimelineEvent) {
	t.Helper()
	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := &domain.Incident{
		ID:        incident.NewIncidentID(),
		Title:     "Checkout latency is elevated",
		Status:    domain.StatusOpen,
		Severity:  domain.SeverityP1,
		Source:    "CloudWatch",
		Service:   "checkout",
		CreatedAt: now,
		UpdatedAt: now,
	}
	created := &domain.TimelineEvent{
		IncidentID:  inc.ID,
		EventID:     incident.NewEventID(),
		Timestamp:   now,
		Type:        domain.EventIncidentCreated,
		Description: "Incident declared",
		Source:      inc.Source,
	}
	return inc, created
}

func TestCreateAndGet(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))

	got, err := repo.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, inc.Title, got.Title)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, domain.SeverityP1, got.Severity)

	err = repo.CreateIncident(ctx, inc, created)
	assert.ErrorIs(t, err, incident.ErrAlreadyExists)

	_, err = repo.GetIncident(ctx, "INC-does-not-exist")
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestStatusCompareAndSwap(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))

	event := &domain.TimelineEvent{
		IncidentID:  inc.ID,
		EventID:     incident.NewEventID(),
		Timestamp:   time.Now().UTC(),
		Type:        domain.EventStatusChanged,
		Description: "Acknowledged by maria.ops",
		Source:      "maria.ops",
	}
	updated, err := repo.UpdateStatus(ctx, inc.ID, domain.StatusAcknowledged, domain.StatusOpen, event)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, updated.Status)
	assert.NotNil(t, updated.AcknowledgedAt)

	// Stale expectation loses the race.
	event.EventID = incident.NewEventID()
	_, err = repo.UpdateStatus(ctx, inc.ID, domain.StatusAcknowledged, domain.StatusOpen, event)
	assert.ErrorIs(t, err, incident.ErrConflict)
}

func TestTimelineOrderAndPagination(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))

	// Same-timestamp events must come back in id order.
	ts := time.Now().Truncate(time.Microsecond).UTC()
	var ids []string
	for i := 0; i < 4; i++ {
		ev := &domain.TimelineEvent{
			IncidentID:  inc.ID,
			EventID:     incident.NewEventID(),
			Timestamp:   ts,
			Type:        domain.EventTriageCompleted,
			Description: "Triage pass",
			Source:      "Workflow",
		}
		ids = append(ids, ev.EventID)
		require.NoError(t, repo.AppendTimelineEvent(ctx, ev))
	}

	first, cursor, err := repo.ListTimeline(ctx, inc.ID, incident.Page{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NotEmpty(t, cursor)

	rest, _, err := repo.ListTimeline(ctx, inc.ID, incident.Page{Cursor: cursor, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rest, 2)

	all := append(first, rest...)
	assert.Equal(t, domain.EventIncidentCreated, all[0].Type)
	for i, ev := range all[1:] {
		assert.Equal(t, ids[i], ev.EventID)
	}
}

func TestChangeFeedCommitOrder(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))
	require.NoError(t, repo.AddComment(ctx, &domain.Comment{
		IncidentID: inc.ID,
		CommentID:  incident.NewEventID(),
		Timestamp:  time.Now().UTC(),
		AuthorID:   "maria.ops",
		AuthorName: "Maria",
		Text:       "Looking into it",
	}))

	var cursor string
	var mine []domain.ChangeRecord
	for {
		records, err := repo.Changes(ctx, cursor, 100)
		require.NoError(t, err)
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if rec.IncidentID == inc.ID {
				mine = append(mine, rec)
			}
		}
		cursor = records[len(records)-1].Cursor
	}

	require.NotEmpty(t, mine)
	assert.Equal(t, domain.ChangeIncidentCreated, mine[0].Kind)
	assert.Equal(t, domain.ChangeCommentAdded, mine[len(mine)-1].Kind)
	for i := 1; i < len(mine); i++ {
		assert.Less(t, mine[i-1].Cursor, mine[i].Cursor)
	}
}

func TestChangeFeedOneRecordPerMutation(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))

	_, err := repo.UpdateStatus(ctx, inc.ID, domain.StatusAcknowledged, domain.StatusOpen, &domain.TimelineEvent{
		IncidentID: inc.ID,
		EventID:    incident.NewEventID(),
		Timestamp:  time.Now().UTC(),
		Type:       domain.EventStatusChanged,
	})
	require.NoError(t, err)

	require.NoError(t, repo.AppendTimelineEvent(ctx, &domain.TimelineEvent{
		IncidentID: inc.ID,
		EventID:    incident.NewEventID(),
		Timestamp:  time.Now().UTC(),
		Type:       domain.EventTriageCompleted,
	}))
	require.NoError(t, repo.AddComment(ctx, &domain.Comment{
		IncidentID: inc.ID,
		CommentID:  incident.NewEventID(),
		Timestamp:  time.Now().UTC(),
		AuthorID:   "u1",
		AuthorName: "User One",
		Text:       "on it",
	}))
	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		IncidentID: inc.ID,
		UserID:     "u1",
		Name:       "User One",
		Role:       domain.RoleCommander,
		JoinedAt:   time.Now().UTC(),
	}))
	require.NoError(t, repo.AddSummary(ctx, &domain.AISummary{
		IncidentID:  inc.ID,
		SummaryID:   incident.NewEventID(),
		Timestamp:   time.Now().UTC(),
		SummaryText: "summary",
		ModelID:     "test-model",
	}))

	var cursor string
	var kinds []domain.ChangeKind
	for {
		records, err := repo.Changes(ctx, cursor, 100)
		require.NoError(t, err)
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if rec.IncidentID == inc.ID {
				kinds = append(kinds, rec.Kind)
			}
		}
		cursor = records[len(records)-1].Cursor
	}

	// One record per committed mutation, the same stream the in-memory
	// store produces for this script.
	assert.Equal(t, []domain.ChangeKind{
		domain.ChangeIncidentCreated,
		domain.ChangeStatusChanged,
		domain.ChangeTimelineAppended,
		domain.ChangeCommentAdded,
		domain.ChangeParticipantAdded,
		domain.ChangeSummaryAdded,
	}, kinds)
}

func TestParticipantUpsert(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	inc, created := newIncident(t)
	require.NoError(t, repo.CreateIncident(ctx, inc, created))

	p := &domain.Participant{
		IncidentID: inc.ID,
		UserID:     "maria.ops",
		Name:       "Maria",
		Role:       domain.RoleCommander,
		JoinedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.UpsertParticipant(ctx, p))

	p.Role = domain.RoleResponder
	require.NoError(t, repo.UpsertParticipant(ctx, p))

	participants, err := repo.ListParticipants(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, domain.RoleResponder, participants[0].Role)
}
