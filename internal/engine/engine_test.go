package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/dedup"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/stream"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type fakeAnalyzer struct {
	result models.Classification
	err    error
	calls  int
	seen   []models.LogEvent
}

func (f *fakeAnalyzer) AnalyzeLogs(_ context.Context, window []models.LogEvent, _ string) (models.Classification, error) {
	f.calls++
	f.seen = window
	return f.result, f.err
}

type harness struct {
	bus    *bus.LocalBus
	store  *store.MemoryStore
	engine *Engine
}

func newHarness(t *testing.T, analyzer Analyzer, filter *stream.SelfFilter) *harness {
	t.Helper()
	b := bus.NewLocalBus(64)
	t.Cleanup(func() { _ = b.Close() })
	s := store.NewMemoryStore(store.Options{})
	d := dedup.NewDeduplicator(s, nil, time.Minute, utils.Discard())
	e := New(Options{
		WindowSize:          5,
		FlushInterval:       time.Hour,
		ConfidenceThreshold: 0.7,
		Filter:              filter,
	}, b, d, NewClassifier(analyzer, utils.Discard()), s, utils.Discard())
	return &harness{bus: b, store: s, engine: e}
}

func logEvent(id, svc, msg string, level models.LogLevel) models.LogEvent {
	return models.LogEvent{
		ID:            id,
		Timestamp:     time.Now(),
		Message:       msg,
		Level:         level,
		ServiceID:     svc,
		EnvironmentID: "env-1",
	}
}

func TestIsTrigger(t *testing.T) {
	cases := []struct {
		name string
		ev   models.LogEvent
		want bool
	}{
		{"error level", models.LogEvent{Level: models.LevelError, Message: "whatever"}, true},
		{"fatal level", models.LogEvent{Level: models.LevelFatal}, true},
		{"critical level", models.LogEvent{Level: models.LevelCritical}, true},
		{"oom", models.LogEvent{Level: models.LevelInfo, Message: "container OOM killed"}, true},
		{"refused", models.LogEvent{Level: models.LevelInfo, Message: "dial tcp: connection refused"}, true},
		{"timeout", models.LogEvent{Level: models.LevelWarn, Message: "upstream request timed out"}, true},
		{"http 5xx", models.LogEvent{Level: models.LevelInfo, Message: "GET /api status=503"}, true},
		{"exception", models.LogEvent{Level: models.LevelInfo, Message: "Unhandled Exception in worker"}, true},
		{"benign", models.LogEvent{Level: models.LevelInfo, Message: "request served in 12ms"}, false},
		{"http 200", models.LogEvent{Level: models.LevelInfo, Message: "GET /api status=200"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTrigger(tc.ev))
		})
	}
}

func TestWindowDropsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Append(models.LogEvent{ID: fmt.Sprint(i)})
	}
	require.Equal(t, 3, w.Len())
	snap := w.Snapshot()
	assert.Equal(t, []string{"5", "4", "3"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

func TestMergeContextUnionsWindowAndTriggers(t *testing.T) {
	window := []models.LogEvent{{ID: "c"}, {ID: "b"}}
	triggers := []models.LogEvent{{ID: "b"}, {ID: "a"}}
	merged := mergeContext(window, triggers)
	ids := make([]string, 0, len(merged))
	for _, ev := range merged {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestFallbackPrefersErrorLevel(t *testing.T) {
	got := Fallback([]models.LogEvent{
		{Message: "request timed out", Level: models.LevelWarn},
		{Message: "database connection refused", Level: models.LevelError},
	})
	assert.Equal(t, "database connection refused", got.RootCause)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, FallbackConfidence, got.Confidence)
	assert.Equal(t, models.ActionManualFix, got.RecommendedAction)

	got = Fallback([]models.LogEvent{{Message: "upstream timeout", Level: models.LevelWarn}})
	assert.Equal(t, "upstream timeout", got.RootCause)
}

func TestClassifierUsesAnalysisAboveThreshold(t *testing.T) {
	analyzer := &fakeAnalyzer{result: models.Classification{
		Severity:          models.SeverityCritical,
		Confidence:        0.9,
		RootCause:         "memory leak in cache",
		RecommendedAction: models.ActionScaleMemory,
	}}
	c := NewClassifier(analyzer, utils.Discard())
	triggers := []models.LogEvent{logEvent("1", "svc", "OOM killed", models.LevelError)}

	got, ok := c.Classify(context.Background(), triggers, triggers, "svc", 0.7)
	require.True(t, ok)
	assert.Equal(t, "analysis", got.Source)
	assert.Equal(t, models.ActionScaleMemory, got.RecommendedAction)

	analyzer.result.Confidence = 0.4
	got, ok = c.Classify(context.Background(), triggers, triggers, "svc", 0.7)
	require.True(t, ok)
	assert.Equal(t, "fallback", got.Source)
	assert.Equal(t, "OOM killed", got.RootCause)

	_, ok = c.Classify(context.Background(), nil, nil, "svc", 0.7)
	assert.False(t, ok)
}

func TestProcessFallsBackWhenAnalysisUnavailable(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{err: errors.New("provider down")}, nil)
	sub, err := h.bus.Subscribe(bus.TopicIncidentsNew)
	require.NoError(t, err)

	h.engine.ingest(logEvent("1", "svc-1", "booting", models.LevelInfo))
	h.engine.ingest(logEvent("2", "svc-1", "OOM killed", models.LevelError))
	h.engine.flush(context.Background(), nil)
	h.engine.workers.Wait()

	select {
	case env := <-sub.C():
		inc, err := bus.Decode[models.Incident](env)
		require.NoError(t, err)
		assert.Equal(t, "svc-1", inc.ServiceID)
		assert.Equal(t, "env-1", inc.EnvironmentID)
		assert.Equal(t, 0.5, inc.Confidence)
		assert.Equal(t, models.ActionManualFix, inc.RecommendedAction)
		assert.Equal(t, "OOM killed", inc.RootCause)
		assert.Equal(t, dedup.Signature("svc-1", "OOM killed"), inc.Signature)
		require.Len(t, inc.LogContext, 2)
		assert.Equal(t, "2", inc.LogContext[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected incidents:new")
	}
	assert.Empty(t, h.engine.pending)
}

func TestRepeatedTriggerBroadcastsOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub, err := h.bus.Subscribe(bus.TopicIncidentsNew)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.engine.ingest(logEvent(fmt.Sprint(i), "svc-1", "OOM killed", models.LevelError))
		h.engine.flush(context.Background(), nil)
		h.engine.workers.Wait()
	}

	require.Len(t, sub.C(), 1)
	incidents, err := h.store.ListIncidents(context.Background(), store.IncidentFilter{ServiceID: "svc-1"})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, 3, incidents[0].Occurrences)
}

func TestSelfLogsNeverReachWindows(t *testing.T) {
	filter := &stream.SelfFilter{ServiceID: "remediator", Signatures: []string{"[remediator]"}}
	h := newHarness(t, nil, filter)

	h.engine.ingest(logEvent("1", "remediator", "error: loop", models.LevelError))
	h.engine.ingest(logEvent("2", "svc-1", "[remediator] restart failed", models.LevelError))
	h.engine.ingest(logEvent("3", "", "orphan error", models.LevelError))

	assert.Empty(t, h.engine.windows)
	assert.Empty(t, h.engine.pending)
}

func TestServiceConfigOverridesThresholdAndName(t *testing.T) {
	analyzer := &fakeAnalyzer{result: models.Classification{
		Severity:          models.SeverityMedium,
		Confidence:        0.6,
		RootCause:         "slow disk",
		RecommendedAction: models.ActionRestart,
	}}
	h := newHarness(t, analyzer, nil)
	_, err := h.store.CreateServiceConfig(context.Background(), models.ServiceConfig{
		ServiceID:           "svc-1",
		Name:                "checkout",
		ConfidenceThreshold: 0.5,
	})
	require.NoError(t, err)

	h.engine.ingest(logEvent("1", "svc-1", "write timeout", models.LevelWarn))
	h.engine.flush(context.Background(), nil)
	h.engine.workers.Wait()

	incidents, err := h.store.ListIncidents(context.Background(), store.IncidentFilter{ServiceID: "svc-1"})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "slow disk", incidents[0].RootCause)
	assert.Equal(t, "checkout", incidents[0].ServiceName)
	assert.Equal(t, 1, analyzer.calls)
}

func TestRunConsumesBusAndFlushes(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub, err := h.bus.Subscribe(bus.TopicIncidentsNew)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Window only answers once Run is looping, i.e. after the logs subscription.
	_, err = h.engine.Window(ctx, "svc-1")
	require.NoError(t, err)

	require.NoError(t, h.bus.Publish(ctx, bus.TopicLogs, logEvent("1", "svc-1", "panic: nil map", models.LevelFatal)))
	require.Eventually(t, func() bool {
		events, err := h.engine.Window(ctx, "svc-1")
		return err == nil && len(events) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Flush(ctx))
	select {
	case env := <-sub.C():
		inc, err := bus.Decode[models.Incident](env)
		require.NoError(t, err)
		assert.Equal(t, "panic: nil map", inc.RootCause)
	case <-time.After(time.Second):
		t.Fatal("expected incidents:new")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestLargeBatchKeepsEveryTrigger(t *testing.T) {
	b := bus.NewLocalBus(64)
	t.Cleanup(func() { _ = b.Close() })
	defaults := config.Default().Engine
	s := store.NewMemoryStore(store.Options{DedupWindow: defaults.DedupWindow, ContextLimit: defaults.ContextLimit})
	e := New(Options{WindowSize: defaults.WindowSize, FlushInterval: time.Hour, ConfidenceThreshold: 0.7},
		b, dedup.NewDeduplicator(s, nil, time.Minute, utils.Discard()), NewClassifier(nil, utils.Discard()), s, utils.Discard())

	for i := 0; i < 150; i++ {
		e.ingest(logEvent(fmt.Sprint(i), "svc-1", "OOM killed", models.LevelError))
	}
	e.flush(context.Background(), nil)
	e.workers.Wait()

	incidents, err := s.ListIncidents(context.Background(), store.IncidentFilter{ServiceID: "svc-1"})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	ids := make(map[string]bool, len(incidents[0].LogContext))
	for _, ev := range incidents[0].LogContext {
		ids[ev.ID] = true
	}
	assert.Len(t, incidents[0].LogContext, 150)
	for i := 0; i < 150; i++ {
		assert.True(t, ids[fmt.Sprint(i)], "trigger %d missing from log context", i)
	}
}

func TestFlushRacesTickerFlush(t *testing.T) {
	b := bus.NewLocalBus(64)
	t.Cleanup(func() { _ = b.Close() })
	s := store.NewMemoryStore(store.Options{})
	e := New(Options{WindowSize: 5, FlushInterval: time.Millisecond, ConfidenceThreshold: 0.7},
		b, dedup.NewDeduplicator(s, nil, time.Minute, utils.Discard()), NewClassifier(nil, utils.Discard()), s, utils.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	_, err := e.Window(ctx, "svc-1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, bus.TopicLogs, logEvent(fmt.Sprint(i), "svc-1", "connection refused", models.LevelError)))
		require.NoError(t, e.Flush(ctx))
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
