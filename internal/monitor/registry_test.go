package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/rules"
)

type testRig struct {
	source      *fakeSource
	models      *countingModels
	broadcaster *recordingBroadcaster
	logs        *recordingLogs
	evidence    *recordingEvidence
	incidents   *incidentList
	policy      *rules.Engine
	registry    *Registry
}

func newRig(t *testing.T, bundle *models.FrameBundle, mutate func(*Deps)) *testRig {
	t.Helper()
	r := &testRig{
		source:      &fakeSource{bundle: bundle},
		models:      &countingModels{},
		broadcaster: &recordingBroadcaster{},
		logs:        &recordingLogs{},
		evidence:    &recordingEvidence{},
		incidents:   &incidentList{},
		policy:      newPolicy(),
	}
	pool := ai.NewLoadedPool(r.models.Models())
	deps := Deps{
		Pool:     pool,
		Executor: NewExecutor(pool, nil, ExecutorOptions{}),
		Locator: LocatorFunc(func(string) (FrameSource, bool) {
			return r.source, true
		}),
		Policy:      r.policy,
		History:     r.policy,
		Broadcaster: r.broadcaster,
		Evidence:    r.evidence,
		Logs:        r.logs,
		Incidents:   r.incidents,
	}
	if mutate != nil {
		mutate(&deps)
	}
	r.registry = NewRegistry(deps, fastOptions())
	t.Cleanup(r.registry.StopAll)
	return r
}

func TestRegistry_StartTwiceReportsAlreadyRunning(t *testing.T) {
	rig := newRig(t, fullBundle(), nil)

	res, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)

	res, err = rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res)

	st := rig.registry.Stats()
	require.Len(t, st.ActiveSessions, 1)
	assert.Equal(t, "cand-1", st.ActiveSessions[0].CandidateID)

	assert.Equal(t, Stopped, rig.registry.Stop("cand-1"))
	assert.Equal(t, NotRunning, rig.registry.Stop("cand-1"))
	assert.False(t, rig.registry.Running("cand-1"))

	res, err = rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	assert.Equal(t, Started, res, "a stopped candidate can be started again")
}

func TestRegistry_PoolLoadFailure(t *testing.T) {
	var attempts atomic.Int32
	rig := newRig(t, fullBundle(), func(d *Deps) {
		d.Pool = ai.NewPool(func(ctx context.Context) (*ai.Models, error) {
			attempts.Add(1)
			return nil, errors.New("weights missing")
		})
		d.Executor = NewExecutor(d.Pool, nil, ExecutorOptions{})
	})

	res, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.Error(t, err)
	assert.Empty(t, res)
	assert.False(t, rig.registry.Running("cand-1"), "failed start leaves no entry")

	_, err = rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.Error(t, err)
	assert.EqualValues(t, 2, attempts.Load(), "load is retried on the next start")
}

func TestRegistry_NotConfigured(t *testing.T) {
	reg := NewRegistry(Deps{}, Options{})
	_, err := reg.Start(context.Background(), "r", "c")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSession_BroadcastsReportsAndPersistsAlerts(t *testing.T) {
	rig := newRig(t, fullBundle(), nil)
	rig.models.gazeDir = "left"

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rig.broadcaster.ofType("ai_analysis")) >= 2 && len(rig.logs.all()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	rig.registry.Stop("cand-1")

	msg := rig.broadcaster.ofType("ai_analysis")[0]
	report, ok := msg["data"].(models.AnalysisReport)
	require.True(t, ok)
	assert.Equal(t, "cand-1", report.CandidateID)
	assert.Equal(t, "room-1", report.RoomID)
	assert.Equal(t, models.ScenarioLookingAway, report.Scenario)
	assert.Len(t, report.Analyses, len(models.AllKinds))

	entry := rig.logs.all()[0]
	assert.Equal(t, "room-1", entry.ExamSessionID)
	assert.Equal(t, string(models.IncidentLookingAway), entry.IncidentType)
	assert.Equal(t, "INFO", entry.Severity)
	assert.NotEmpty(t, entry.EvidencePath)

	assert.Empty(t, rig.broadcaster.ofType("incident"), "analyzer alerts ride on the report")

	summary := rig.registry.History("room-1", "cand-1", rules.Filter{})
	assert.GreaterOrEqual(t, summary.Total, 2)
	assert.Equal(t, "cand-1", summary.Incidents[0].By)
}

func TestSession_MissingCameraStillRunsTimers(t *testing.T) {
	clock := &fixedClock{now: t0}
	bundle := fullBundle()
	bundle.Camera = nil
	bundle.Screen = nil

	rig := newRig(t, bundle, func(d *Deps) {
		d.Now = clock.Now
		d.Heartbeats = heartbeats{last: t0.Add(-10 * time.Minute), ok: true}
	})

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rig.broadcaster.ofType("incident")) >= 1
	}, 2*time.Second, 5*time.Millisecond, "idle fires on the first cycle")

	clock.Set(t0.Add(61 * time.Second))
	require.Eventually(t, func() bool {
		return len(rig.broadcaster.ofType("incident")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	rig.registry.Stop("cand-1")

	assert.Empty(t, rig.broadcaster.ofType("ai_analysis"))
	assert.EqualValues(t, 0, rig.models.detect.Load())
	assert.EqualValues(t, 0, rig.models.gaze.Load())

	var tags []models.IncidentCode
	for _, m := range rig.broadcaster.ofType("incident") {
		tags = append(tags, m["tag"].(models.IncidentCode))
		assert.Equal(t, "cand-1", m["by"])
		assert.NotEmpty(t, m["id"])
	}
	assert.Contains(t, tags, models.IncidentIdle)
	assert.Contains(t, tags, models.IncidentScreenMissing)

	rig.incidents.mu.Lock()
	assert.NotEmpty(t, rig.incidents.incidents)
	rig.incidents.mu.Unlock()

	var descriptions []string
	for _, l := range rig.logs.all() {
		descriptions = append(descriptions, l.Description)
	}
	assert.Contains(t, descriptions, "Idle for 600s")
	assert.Contains(t, descriptions, "Screen share missing for 61s")
}

func TestSession_PersistenceFailureDoesNotBlockBroadcast(t *testing.T) {
	rig := newRig(t, fullBundle(), nil)
	rig.models.gazeDir = "down"
	rig.logs.err = errors.New("disk full")

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rig.broadcaster.ofType("ai_analysis")) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_FaultsAndEmptyCapturesKeepRunning(t *testing.T) {
	rig := newRig(t, nil, nil)

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rig.source.mu.Lock()
		defer rig.source.mu.Unlock()
		return rig.source.captures >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rig.registry.Running("cand-1"))
	assert.Empty(t, rig.broadcaster.ofType("ai_analysis"))

	rig.models.panicOn = models.KindFaceDetection
	rig.source.set(fullBundle())
	require.Eventually(t, func() bool {
		return len(rig.broadcaster.ofType("ai_analysis")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rig.registry.Running("cand-1"))
}

func TestSession_StopIsPromptDuringSlowAnalysis(t *testing.T) {
	rig := newRig(t, fullBundle(), nil)
	rig.models.block = make(chan struct{})
	defer close(rig.models.block)

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rig.models.detect.Load() > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	assert.Equal(t, Stopped, rig.registry.Stop("cand-1"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, rig.registry.Running("cand-1"))
	assert.Empty(t, rig.broadcaster.ofType("ai_analysis"), "no partial report after cancellation")
}

func TestSession_NoSourceBacksOff(t *testing.T) {
	var lookups atomic.Int32
	rig := newRig(t, fullBundle(), func(d *Deps) {
		d.Locator = LocatorFunc(func(string) (FrameSource, bool) {
			lookups.Add(1)
			return nil, false
		})
	})

	_, err := rig.registry.Start(context.Background(), "room-1", "cand-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lookups.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Empty(t, rig.broadcaster.ofType("ai_analysis"))
}

func TestRegistry_StopAll(t *testing.T) {
	rig := newRig(t, fullBundle(), nil)
	for _, c := range []string{"a", "b", "c"} {
		_, err := rig.registry.Start(context.Background(), "room", c)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rig.registry.Stats().TotalSessions)

	rig.registry.StopAll()
	assert.Zero(t, rig.registry.Stats().TotalSessions)
}
