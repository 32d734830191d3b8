package reaper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	workspaces []*types.Workspace
	err        error
}

func (s *fakeStore) ListWorkspaces() ([]*types.Workspace, error) {
	return s.workspaces, s.err
}

type fakeEngine struct {
	containers []types.ContainerSummary
	listErr    error
	failStop   map[string]bool

	mu      sync.Mutex
	stopped []string
}

func (e *fakeEngine) ListAll(ctx context.Context) ([]types.ContainerSummary, error) {
	return e.containers, e.listErr
}

func (e *fakeEngine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, id)
	if e.failStop[id] {
		return errors.New("stop failed")
	}
	return nil
}

func (e *fakeEngine) stoppedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.stopped...)
	sort.Strings(out)
	return out
}

func newTestReaper(store Store, engine Engine, now time.Time) *Reaper {
	r := NewReaper(store, engine, Config{})
	r.now = func() time.Time { return now }
	return r
}

func running(ids ...string) []types.ContainerSummary {
	out := make([]types.ContainerSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.ContainerSummary{ID: id, State: types.ContainerStateRunning})
	}
	return out
}

func TestSweepThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		accessed time.Time
		stopped  bool
	}{
		{"just past threshold", now.Add(-DefaultThreshold - time.Millisecond), true},
		{"exactly at threshold", now.Add(-DefaultThreshold), false},
		{"just inside threshold", now.Add(-DefaultThreshold + time.Millisecond), false},
		{"long idle", now.Add(-time.Hour), true},
		{"never accessed", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{workspaces: []*types.Workspace{
				{ID: "ws", ContainerID: "c1", LastAccessedAt: tt.accessed},
			}}
			engine := &fakeEngine{containers: running("c1")}

			require.NoError(t, newTestReaper(store, engine, now).Sweep(context.Background()))

			if tt.stopped {
				assert.Equal(t, []string{"c1"}, engine.stoppedIDs())
			} else {
				assert.Empty(t, engine.stoppedIDs())
			}
		})
	}
}

func TestSweepOnlyRunningContainers(t *testing.T) {
	now := time.Now()
	idle := now.Add(-time.Hour)

	store := &fakeStore{workspaces: []*types.Workspace{
		{ID: "a", ContainerID: "c1", LastAccessedAt: idle},
		{ID: "b", ContainerID: "c2", LastAccessedAt: idle},
		{ID: "c", ContainerID: "gone", LastAccessedAt: idle},
	}}
	engine := &fakeEngine{containers: []types.ContainerSummary{
		{ID: "c1", State: types.ContainerStateRunning},
		{ID: "c2", State: types.ContainerStateExited},
		{ID: "stray", State: types.ContainerStateRunning},
	}}

	require.NoError(t, newTestReaper(store, engine, now).Sweep(context.Background()))
	assert.Equal(t, []string{"c1"}, engine.stoppedIDs())
}

func TestSweepFailureDoesNotBlockOthers(t *testing.T) {
	now := time.Now()
	idle := now.Add(-time.Hour)

	store := &fakeStore{workspaces: []*types.Workspace{
		{ID: "a", ContainerID: "c1", LastAccessedAt: idle},
		{ID: "b", ContainerID: "c2", LastAccessedAt: idle},
		{ID: "c", ContainerID: "c3", LastAccessedAt: idle},
	}}
	engine := &fakeEngine{
		containers: running("c1", "c2", "c3"),
		failStop:   map[string]bool{"c2": true},
	}

	require.NoError(t, newTestReaper(store, engine, now).Sweep(context.Background()))
	assert.Equal(t, []string{"c1", "c2", "c3"}, engine.stoppedIDs())
}

func TestSweepListErrors(t *testing.T) {
	t.Run("store", func(t *testing.T) {
		store := &fakeStore{err: errors.New("db closed")}
		engine := &fakeEngine{}
		assert.Error(t, newTestReaper(store, engine, time.Now()).Sweep(context.Background()))
		assert.Empty(t, engine.stoppedIDs())
	})

	t.Run("engine", func(t *testing.T) {
		store := &fakeStore{workspaces: []*types.Workspace{{ID: "a", ContainerID: "c1", LastAccessedAt: time.Now().Add(-time.Hour)}}}
		engine := &fakeEngine{listErr: errors.New("daemon unreachable")}
		assert.Error(t, newTestReaper(store, engine, time.Now()).Sweep(context.Background()))
		assert.Empty(t, engine.stoppedIDs())
	})
}

func TestNewReaperDefaults(t *testing.T) {
	r := NewReaper(&fakeStore{}, &fakeEngine{}, Config{})
	assert.Equal(t, DefaultInterval, r.interval)
	assert.Equal(t, DefaultThreshold, r.threshold)

	r = NewReaper(&fakeStore{}, &fakeEngine{}, Config{Interval: time.Second, Threshold: time.Minute})
	assert.Equal(t, time.Second, r.interval)
	assert.Equal(t, time.Minute, r.threshold)
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{workspaces: []*types.Workspace{
		{ID: "a", ContainerID: "c1", LastAccessedAt: time.Now().Add(-time.Hour)},
	}}
	engine := &fakeEngine{containers: running("c1")}

	r := NewReaper(store, engine, Config{Interval: 10 * time.Millisecond})
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(engine.stoppedIDs()) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	// A second stop is a no-op
	r.Stop()
}
