package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/models"
)

func openTemp(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "remedy.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestIncidentsRoundTripAndUpsert(t *testing.T) {
	s, path := openTemp(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	open := &models.Incident{
		ID:             "b",
		Title:          "api 5xx",
		Resource:       models.ResourceRef{Kind: "Deployment", Namespace: "shop", Name: "api"},
		Priority:       models.P1,
		CorrelationKey: "deployment/shop/api",
		Status:         models.StatusQueued,
		DetectedAt:     base.Add(time.Minute),
		UpdatedAt:      base.Add(time.Minute),
	}
	closedAt := base.Add(time.Hour)
	closed := &models.Incident{
		ID:             "a",
		Resource:       models.ResourceRef{Kind: "Deployment", Namespace: "shop", Name: "web"},
		CorrelationKey: "deployment/shop/web",
		Status:         models.StatusResolved,
		Reason:         "stable",
		DetectedAt:     base,
		UpdatedAt:      closedAt,
		ClosedAt:       &closedAt,
	}
	require.NoError(t, s.SaveIncident(open))
	require.NoError(t, s.SaveIncident(closed))

	open.Status = models.StatusAwaitingApproval
	open.Approval = &models.ApprovalRecord{Status: models.ApprovalPending, RequestedAt: base}
	require.NoError(t, s.SaveIncident(open))

	all, err := s.LoadIncidents(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, models.StatusAwaitingApproval, all[1].Status)
	require.NotNil(t, all[1].Approval)

	pending, err := s.LoadIncidents(true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	again, err := reopened.LoadIncidents(false)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestShadowsAndPrune(t *testing.T) {
	s, _ := openTemp(t)
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, s.SaveShadow(&models.ShadowEnvironment{ID: "01A", Namespace: "shadow-01a", Status: models.ShadowDeleted, CreatedAt: old}))
	require.NoError(t, s.SaveShadow(&models.ShadowEnvironment{ID: "01B", Namespace: "shadow-01b", Status: models.ShadowReady, CreatedAt: old}))
	require.NoError(t, s.SaveShadow(&models.ShadowEnvironment{ID: "01C", Namespace: "shadow-01c", Status: models.ShadowDeleted, CreatedAt: time.Now()}))

	n, err := s.PruneShadows(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	envs, err := s.LoadShadows()
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "01B", envs[0].ID)
	assert.Equal(t, "shadow-01b", envs[0].Namespace)
}

func TestDecisions(t *testing.T) {
	s, _ := openTemp(t)
	now := time.Now()
	require.NoError(t, s.SaveDecision(&models.RollbackDecision{ID: "d2", IncidentID: "inc", Outcome: models.OutcomeStable, DecidedAt: now}))
	require.NoError(t, s.SaveDecision(&models.RollbackDecision{ID: "d1", IncidentID: "inc", Outcome: models.OutcomeReverted, DecidedAt: now.Add(-time.Hour), Peak: 0.3}))
	require.NoError(t, s.SaveDecision(&models.RollbackDecision{ID: "d3", IncidentID: "other", Outcome: models.OutcomeStable, DecidedAt: now}))

	got, err := s.Decisions("inc")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].ID)
	assert.InDelta(t, 0.3, got[0].Peak, 1e-9)

	require.Error(t, s.SaveDecision(&models.RollbackDecision{}))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)

	mem, err := Open(":memory:")
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.SaveIncident(&models.Incident{ID: "x", DetectedAt: time.Now(), UpdatedAt: time.Now()}))
}
