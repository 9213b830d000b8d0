package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
	"github.com/benchharvest/harvester/internal/fetcher"
	"github.com/benchharvest/harvester/internal/session"
)

type fakePlanner struct {
	mu       sync.Mutex
	missing  []int64
	allNull  []int64
	frontier int64
	stored   map[int64]struct{}
	calls    []string
}

func newFakePlanner(missing []int64, frontier, storedMax int64) *fakePlanner {
	p := &fakePlanner{missing: missing, frontier: frontier, stored: map[int64]struct{}{}}
	for id := int64(1); id <= storedMax; id++ {
		p.stored[id] = struct{}{}
	}
	return p
}

func (p *fakePlanner) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlanner) MissingIDs(context.Context) ([]int64, error) {
	p.record("missing")
	return p.missing, nil
}

func (p *fakePlanner) AllNullIDs(context.Context) ([]int64, error) {
	p.record("all_null")
	return p.allNull, nil
}

func (p *fakePlanner) TrimNullFrontier(context.Context) (int64, error) {
	p.record("trim")
	return 0, nil
}

func (p *fakePlanner) Frontier(context.Context) (int64, error) {
	return p.frontier, nil
}

func (p *fakePlanner) CatchUpIDs(context.Context) ([]int64, int64, error) {
	p.record("catch_up")
	p.mu.Lock()
	defer p.mu.Unlock()
	var max int64
	for id := range p.stored {
		if id > max {
			max = id
		}
	}
	var ids []int64
	for id := max + 1; id <= p.frontier; id++ {
		ids = append(ids, id)
	}
	return ids, p.frontier, nil
}

func (p *fakePlanner) markStored(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored[id] = struct{}{}
}

// fakeFetcher classifies by consulting the credential snapshot: IDs in
// authUntilRefresh fail auth while the stale session is in use.
type fakeFetcher struct {
	mu               sync.Mutex
	planner          *fakePlanner
	authUntilRefresh map[int64]bool
	fetched          []int64
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, id int64, creds *session.Credentials) fetcher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	stale := creds == nil || len(creds.Cookies) == 0 || creds.Cookies[0].Value == "stale"
	if f.authUntilRefresh[id] && stale {
		return fetcher.Result{ID: id, Outcome: bench.OutcomeAuth, Err: bench.ErrAuth}
	}
	f.fetched = append(f.fetched, id)
	if f.planner != nil {
		f.planner.markStored(id)
	}
	return fetcher.Result{ID: id, Outcome: bench.OutcomeSuccess}
}

type fakeSessions struct {
	mu         sync.Mutex
	creds      *session.Credentials
	refreshErr error
	refreshes  int
}

func (s *fakeSessions) Acquire() *session.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *fakeSessions) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
}

func (s *fakeSessions) Refresh(context.Context, string, string) (*session.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	s.creds = &session.Credentials{Cookies: []session.Cookie{{Name: "_session", Value: "fresh"}}}
	return s.creds, nil
}

type fakePrompter struct{}

func (fakePrompter) Prompt() (string, string, error) { return "alice", "hunter2", nil }

func staleCreds() *session.Credentials {
	return &session.Credentials{Cookies: []session.Cookie{{Name: "_session", Value: "stale"}}}
}

func newTestScheduler(cfg Config, pl *fakePlanner, f *fakeFetcher, sess *fakeSessions) *Scheduler {
	return New(cfg, pl, f, sess, fakePrompter{}, nil, [16]byte{1}, zap.NewNop())
}

func TestRunFillsGapsThenCatchesUp(t *testing.T) {
	t.Parallel()

	pl := newFakePlanner([]int64{3, 4}, 1000, 990)
	f := &fakeFetcher{planner: pl}
	sess := &fakeSessions{creds: staleCreds()}
	s := newTestScheduler(Config{Workers: 2}, pl, f, sess)

	require.NoError(t, s.Run(context.Background()))

	// Gap IDs first, then exactly the frontier window 991..1000.
	assert.Contains(t, f.fetched, int64(3))
	assert.Contains(t, f.fetched, int64(4))
	for id := int64(991); id <= 1000; id++ {
		assert.Contains(t, f.fetched, id)
	}
	assert.Len(t, f.fetched, 12)

	status := s.Status()
	assert.Equal(t, StateDone, status.State)
	assert.Equal(t, int64(1000), status.Watermark)
	assert.Equal(t, int64(12), status.Totals.Succeeded)

	// Trim runs before the missing scan.
	require.GreaterOrEqual(t, len(pl.calls), 2)
	assert.Equal(t, "trim", pl.calls[0])
	assert.Equal(t, "missing", pl.calls[1])
}

func TestMidBatchAuthKeepsClassifiedAndRedispatchesRest(t *testing.T) {
	t.Parallel()

	pl := newFakePlanner([]int64{500, 501, 502, 503, 504, 505}, 0, 505)
	f := &fakeFetcher{
		planner: pl,
		authUntilRefresh: map[int64]bool{
			501: true, 502: true, 503: true, 504: true, 505: true,
		},
	}
	sess := &fakeSessions{creds: staleCreds()}
	// One worker and a batch spanning the whole plan keeps ordering
	// deterministic: 500 succeeds, 501 trips auth, the rest are abandoned.
	s := newTestScheduler(Config{Workers: 1, BatchSize: 6}, pl, f, sess)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 1, sess.refreshes)
	// 500 was classified exactly once; 501..505 succeeded after refresh.
	count := map[int64]int{}
	for _, id := range f.fetched {
		count[id]++
	}
	for id := int64(500); id <= 505; id++ {
		assert.Equal(t, 1, count[id], "id %d", id)
	}

	status := s.Status()
	assert.Equal(t, StateDone, status.State)
	sum := status.Phases[PhaseMissing]
	assert.Equal(t, int64(6), sum.Succeeded)
	assert.GreaterOrEqual(t, sum.AuthErrors, int64(1))
}

func TestAuthExhaustionAbortsRun(t *testing.T) {
	t.Parallel()

	pl := newFakePlanner([]int64{10}, 0, 10)
	f := &fakeFetcher{planner: pl, authUntilRefresh: map[int64]bool{10: true}}
	sess := &fakeSessions{creds: staleCreds(), refreshErr: errors.New("login rejected")}
	s := newTestScheduler(Config{Workers: 1, MaxAuthAttempts: 2}, pl, f, sess)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrAuthExhausted)
	assert.Equal(t, 2, sess.refreshes)
	assert.Equal(t, StateAborted, s.Status().State)
}

func TestSpecificAndNullRetryPhasesRun(t *testing.T) {
	t.Parallel()

	pl := newFakePlanner(nil, 0, 100)
	pl.allNull = []int64{40, 41}
	f := &fakeFetcher{planner: pl}
	sess := &fakeSessions{creds: staleCreds()}
	s := newTestScheduler(Config{
		Workers:     2,
		NullRetry:   true,
		SpecificIDs: []int64{77},
	}, pl, f, sess)

	require.NoError(t, s.Run(context.Background()))

	assert.Contains(t, f.fetched, int64(77))
	assert.Contains(t, f.fetched, int64(40))
	assert.Contains(t, f.fetched, int64(41))

	status := s.Status()
	assert.Equal(t, int64(1), status.Phases[PhaseSpecific].Succeeded)
	assert.Equal(t, int64(2), status.Phases[PhaseAllNull].Succeeded)
}

func TestCancellationStopsRunCleanly(t *testing.T) {
	t.Parallel()

	pl := newFakePlanner([]int64{1, 2, 3}, 0, 3)
	f := &fakeFetcher{planner: pl}
	sess := &fakeSessions{creds: staleCreds()}
	s := newTestScheduler(Config{Workers: 1}, pl, f, sess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
