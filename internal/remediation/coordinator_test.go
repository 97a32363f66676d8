package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/controlplane"
	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/monitor"
	"github.com/miradorstack/mirador-remediator/internal/notify"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []models.Incident
	updates   []models.RemediationAction
}

func (r *recordingNotifier) NotifyIncident(_ context.Context, inc models.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
}

func (r *recordingNotifier) NotifyRemediationUpdate(_ context.Context, _ models.Incident, action models.RemediationAction, _ models.ActionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, action)
}

func (r *recordingNotifier) lastUpdate(t *testing.T) models.RemediationAction {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.updates)
	return r.updates[len(r.updates)-1]
}

type fixture struct {
	store    *store.MemoryStore
	cp       *MockControlPlane
	bus      *bus.LocalBus
	notifier *recordingNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    store.NewMemoryStore(store.Options{}),
		cp:       NewMockControlPlane(ctrl),
		bus:      bus.NewLocalBus(16),
		notifier: &recordingNotifier{},
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	f.coord = NewCoordinator(opts, f.store, f.cp, f.bus, f.notifier, utils.Discard())
	return f
}

func (f *fixture) incident(t *testing.T, env string, action models.ActionType) models.Incident {
	t.Helper()
	rootCause := fmt.Sprintf("%s needed on %s", action, env)
	_, inc, err := f.store.CreateOrUpdateIncident(context.Background(), models.IncidentDraft{
		ServiceID:         "svc-1",
		EnvironmentID:     env,
		Signature:         dedup.Signature("svc-1", rootCause),
		Severity:          models.SeverityHigh,
		Confidence:        0.9,
		RootCause:         rootCause,
		RecommendedAction: action,
	})
	require.NoError(t, err)
	return inc
}

func (f *fixture) execute(t *testing.T, inc models.Incident, override models.ActionType) models.RemediationAction {
	t.Helper()
	started, err := f.coord.Execute(context.Background(), inc.ID, models.InitiatorAutomated, "system", override)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInProgress, started.Status)
	f.coord.Wait()

	final, err := f.store.GetRemediationAction(context.Background(), started.ID)
	require.NoError(t, err)
	return final
}

func okResult(op string) controlplane.Result {
	return controlplane.Result{Operation: op, Data: map[string]any{op: true}}
}

func TestScaleMemoryUsesFallbackValue(t *testing.T) {
	f := newFixture(t, Options{})
	inc := f.incident(t, "env-1", models.ActionScaleMemory)
	f.cp.EXPECT().ScaleMemory(gomock.Any(), "svc-1", "env-1", 2048).Return(okResult("serviceInstanceLimitsUpdate"), nil)

	action := f.execute(t, inc, "")
	assert.Equal(t, models.ActionSucceeded, action.Status)
	assert.Equal(t, "Scaled svc-1 memory to 2048MB", action.ResultMessage)
	require.NotNil(t, action.CompletedAt)

	updated, err := f.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentAutoRemediated, updated.Status)
	assert.NotNil(t, updated.ResolvedAt)

	assert.Equal(t, "✅ Scaled svc-1 memory to 2048MB", notify.ActionResultText(f.notifier.lastUpdate(t)))
	stats := f.coord.Stats()
	assert.EqualValues(t, 1, stats.Dispatched)
	assert.EqualValues(t, 1, stats.Succeeded)
}

func TestServiceConfigDefaultsDriveScaling(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.store.CreateServiceConfig(context.Background(), models.ServiceConfig{
		ServiceID:       "svc-1",
		DefaultMemoryMB: 4096,
		DefaultReplicas: 5,
	})
	require.NoError(t, err)

	f.cp.EXPECT().ScaleMemory(gomock.Any(), "svc-1", "env-1", 4096).Return(okResult("serviceInstanceLimitsUpdate"), nil)
	assert.Equal(t, models.ActionSucceeded, f.execute(t, f.incident(t, "env-1", models.ActionScaleMemory), "").Status)

	f.cp.EXPECT().ScaleReplicas(gomock.Any(), "svc-1", "env-1", 5).Return(okResult("serviceInstanceUpdate"), nil)
	assert.Equal(t, models.ActionSucceeded, f.execute(t, f.incident(t, "env-1", models.ActionScaleReplicas), "").Status)
}

func TestExecuteUnknownIncidentCreatesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.coord.Execute(context.Background(), "missing", models.InitiatorUser, "alice", "")
	require.ErrorIs(t, err, ErrIncidentNotFound)
	f.coord.Wait()

	actions, err := f.store.ListRemediationActions(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Zero(t, f.coord.Stats().Dispatched)
}

func TestControlPlaneFailuresAreNormalised(t *testing.T) {
	f := newFixture(t, Options{})
	inc := f.incident(t, "env-1", models.ActionRestart)
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").
		Return(controlplane.Result{}, &controlplane.APIError{StatusCode: 429, Message: "slow down"})

	action := f.execute(t, inc, "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Equal(t, "Rate limited by the control plane; try again later", action.FailureReason)

	updated, err := f.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentFailed, updated.Status)
	assert.Nil(t, updated.ResolvedAt)
	assert.Contains(t, notify.ActionResultText(f.notifier.lastUpdate(t)), "❌ ")
}

func TestMissingEnvironmentFailsWithoutDispatch(t *testing.T) {
	f := newFixture(t, Options{})
	action := f.execute(t, f.incident(t, "", models.ActionRestart), "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Contains(t, action.FailureReason, "no environment id")
}

func TestDefaultEnvironmentIsUsed(t *testing.T) {
	f := newFixture(t, Options{DefaultEnvironments: []string{"prod", "staging"}})
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "prod").Return(okResult("serviceInstanceRedeploy"), nil)
	assert.Equal(t, models.ActionSucceeded, f.execute(t, f.incident(t, "", models.ActionRedeploy), "").Status)
}

func TestRollbackPicksPreviousSuccessfulDeployment(t *testing.T) {
	f := newFixture(t, Options{})
	f.cp.EXPECT().GetDeployments(gomock.Any(), "svc-1", deploymentHistory).Return([]models.Deployment{
		{ID: "d3", Status: "SUCCESS"},
		{ID: "d2", Status: "FAILED"},
		{ID: "d1", Status: "SUCCESS"},
	}, nil)
	f.cp.EXPECT().Rollback(gomock.Any(), "svc-1", "d1").Return(okResult("deploymentRollback"), nil)

	action := f.execute(t, f.incident(t, "env-1", models.ActionRollback), "")
	assert.Equal(t, models.ActionSucceeded, action.Status)
	assert.Equal(t, "Rolled back svc-1 to deployment d1", action.ResultMessage)
}

func TestRollbackWithoutTargetFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.cp.EXPECT().GetDeployments(gomock.Any(), "svc-1", deploymentHistory).Return([]models.Deployment{
		{ID: "d2", Status: "SUCCESS"},
		{ID: "d1", Status: "CRASHED"},
	}, nil)

	action := f.execute(t, f.incident(t, "env-1", models.ActionRollback), "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Equal(t, ErrNoRollbackTarget.Error(), action.FailureReason)
}

func TestNonDispatchingActionsStillRecorded(t *testing.T) {
	cases := map[models.ActionType]string{
		models.ActionStop:      "Stop acknowledged; manual intervention recommended",
		models.ActionNone:      "No action required",
		models.ActionManualFix: "Manual fix required",
	}
	for actionType, want := range cases {
		t.Run(string(actionType), func(t *testing.T) {
			f := newFixture(t, Options{})
			action := f.execute(t, f.incident(t, "env-1", actionType), "")
			assert.Equal(t, models.ActionSucceeded, action.Status)
			assert.Equal(t, want, action.ResultMessage)
		})
	}
}

func TestUnknownActionTypeFails(t *testing.T) {
	f := newFixture(t, Options{})
	action := f.execute(t, f.incident(t, "env-1", models.ActionType("explode")), "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Equal(t, "unknown action type: explode", action.FailureReason)
}

func TestOverrideReplacesRecommendedAction(t *testing.T) {
	f := newFixture(t, Options{})
	inc := f.incident(t, "env-1", models.ActionManualFix)
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil)

	action := f.execute(t, inc, models.ActionRestart)
	assert.Equal(t, models.ActionRestart, action.ActionType)
	assert.Equal(t, models.ActionSucceeded, action.Status)

	_, err := f.coord.Execute(context.Background(), inc.ID, models.InitiatorUser, "alice", "reboot")
	require.ErrorIs(t, err, ErrUnknownActionType)
	actions, err := f.store.ListRemediationActions(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestDispatchTimeoutFailsAction(t *testing.T) {
	f := newFixture(t, Options{DispatchTimeout: 20 * time.Millisecond})
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").DoAndReturn(
		func(ctx context.Context, _, _ string) (controlplane.Result, error) {
			<-ctx.Done()
			return controlplane.Result{}, ctx.Err()
		})

	action := f.execute(t, f.incident(t, "env-1", models.ActionRestart), "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Equal(t, "control plane call timed out", action.FailureReason)
}

func TestPanickingDispatchIsFinalised(t *testing.T) {
	f := newFixture(t, Options{})
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").DoAndReturn(
		func(context.Context, string, string) (controlplane.Result, error) {
			panic("boom")
		})

	action := f.execute(t, f.incident(t, "env-1", models.ActionRestart), "")
	assert.Equal(t, models.ActionFailed, action.Status)
	assert.Contains(t, action.FailureReason, "boom")
}

func TestActionTransitionsArePublished(t *testing.T) {
	f := newFixture(t, Options{})
	sub, err := f.bus.Subscribe(bus.TopicRemediationActions)
	require.NoError(t, err)
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil)

	f.execute(t, f.incident(t, "env-1", models.ActionRestart), "")

	var statuses []models.ActionStatus
	for len(sub.C()) > 0 {
		ev, err := bus.Decode[models.ActionEvent](<-sub.C())
		require.NoError(t, err)
		statuses = append(statuses, ev.Action.Status)
	}
	assert.Equal(t, []models.ActionStatus{models.ActionInProgress, models.ActionSucceeded}, statuses)
}

func TestAutoRemediationGate(t *testing.T) {
	t.Run("manual fix is never automated", func(t *testing.T) {
		f := newFixture(t, Options{AutoRemediate: true})
		inc := f.incident(t, "env-1", models.ActionManualFix)
		f.coord.HandleNewIncident(context.Background(), inc)
		f.coord.Wait()
		assert.Zero(t, f.coord.Stats().Dispatched)
		assert.Len(t, f.notifier.incidents, 1)
	})

	t.Run("service config disables automation", func(t *testing.T) {
		f := newFixture(t, Options{AutoRemediate: true})
		_, err := f.store.CreateServiceConfig(context.Background(), models.ServiceConfig{ServiceID: "svc-1", AutoRemediate: false})
		require.NoError(t, err)
		f.coord.HandleNewIncident(context.Background(), f.incident(t, "env-1", models.ActionRestart))
		f.coord.Wait()
		assert.Zero(t, f.coord.Stats().Dispatched)

		updated, err := f.store.ListIncidents(context.Background(), store.IncidentFilter{ServiceID: "svc-1"})
		require.NoError(t, err)
		assert.Equal(t, models.IncidentDetected, updated[0].Status)
	})

	t.Run("omitted service setting inherits the global default", func(t *testing.T) {
		f := newFixture(t, Options{AutoRemediate: true})
		spec := monitor.TargetSpec{ProjectID: "p", ServiceID: "svc-1", EnvironmentID: "env-1"}
		_, err := store.SaveServiceConfig(context.Background(), f.store, spec.Config(true))
		require.NoError(t, err)
		f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil)

		inc := f.incident(t, "env-1", models.ActionRestart)
		f.coord.HandleNewIncident(context.Background(), inc)
		f.coord.Wait()

		actions, err := f.store.ListRemediationActions(context.Background(), inc.ID)
		require.NoError(t, err)
		assert.Len(t, actions, 1)
	})

	t.Run("enabled service is remediated", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.store.CreateServiceConfig(context.Background(), models.ServiceConfig{ServiceID: "svc-1", AutoRemediate: true})
		require.NoError(t, err)
		f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil)

		inc := f.incident(t, "env-1", models.ActionRestart)
		f.coord.HandleNewIncident(context.Background(), inc)
		f.coord.Wait()

		actions, err := f.store.ListRemediationActions(context.Background(), inc.ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, models.InitiatorAutomated, actions[0].InitiatorType)
		assert.Equal(t, "system", actions[0].InitiatorRef)
		assert.Equal(t, models.ActionSucceeded, actions[0].Status)
	})
}

func TestRunConsumesNewIncidents(t *testing.T) {
	f := newFixture(t, Options{AutoRemediate: true})
	// Publishing repeats until Run has subscribed, so more than one dispatch may land.
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil).MinTimes(1)
	inc := f.incident(t, "env-1", models.ActionRestart)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = f.bus.Publish(ctx, bus.TopicIncidentsNew, inc)
		return f.coord.Stats().Dispatched > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	f.coord.Wait()
	assert.GreaterOrEqual(t, f.coord.Stats().Succeeded, int64(1))
}

func TestFailureMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&controlplane.APIError{StatusCode: 401}, "Authentication with the control plane failed; check the API token"},
		{&controlplane.APIError{StatusCode: 403}, "The control plane token lacks permission for this service"},
		{fmt.Errorf("wrapped: %w", &controlplane.APIError{StatusCode: 404}), "Service or deployment not found on the control plane"},
		{&controlplane.APIError{StatusCode: 503}, "Control plane unavailable (HTTP 503)"},
		{&controlplane.APIError{StatusCode: 400, Message: "bad input"}, "control plane returned 400: bad input"},
		{context.DeadlineExceeded, "control plane call timed out"},
		{errors.New("something odd"), "something odd"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FailureMessage(tc.err))
	}
	assert.Empty(t, FailureMessage(nil))
}

type unrecordableStore struct {
	*store.MemoryStore
}

func (s unrecordableStore) UpdateRemediationAction(ctx context.Context, id string, update models.ActionUpdate) (models.RemediationAction, error) {
	if update.Status.Terminal() {
		return models.RemediationAction{}, errors.New("db down")
	}
	return s.MemoryStore.UpdateRemediationAction(ctx, id, update)
}

func TestUnrecordedOutcomeStillReportsFailure(t *testing.T) {
	f := newFixture(t, Options{})
	coord := NewCoordinator(Options{}, unrecordableStore{f.store}, f.cp, f.bus, f.notifier, utils.Discard())
	f.cp.EXPECT().Restart(gomock.Any(), "svc-1", "env-1").Return(okResult("serviceInstanceRedeploy"), nil)
	inc := f.incident(t, "env-1", models.ActionRestart)

	_, err := coord.Execute(context.Background(), inc.ID, models.InitiatorUser, "alice", "")
	require.NoError(t, err)
	coord.Wait()

	stats := coord.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Succeeded)

	last := f.notifier.lastUpdate(t)
	assert.Equal(t, models.ActionFailed, last.Status)
	assert.Contains(t, last.FailureReason, "db down")
	assert.NotNil(t, last.CompletedAt)

	updated, err := f.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentFailed, updated.Status)
}
