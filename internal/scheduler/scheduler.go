// Package scheduler drives the harvest run: phase ordering, batch
// dispatch over a fixed worker pool, and session recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
	"github.com/benchharvest/harvester/internal/fetcher"
	"github.com/benchharvest/harvester/internal/progress"
	"github.com/benchharvest/harvester/internal/session"
)

// Phase names the unit of scheduler work.
type Phase string

// Scheduler phases, in execution order.
const (
	PhaseMissing  Phase = "missing"
	PhaseSpecific Phase = "specific"
	PhaseAllNull  Phase = "all_null"
	PhaseCatchUp  Phase = "catch_up"
	PhaseSync     Phase = "sync"
)

// State is the scheduler lifecycle state.
type State string

// Scheduler states.
const (
	StateRunning        State = "running"
	StateAwaitingReauth State = "awaiting_reauth"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// ErrAuthExhausted reports that the bounded reauthentication budget ran
// out; the run aborts rather than hammering the login endpoint.
var ErrAuthExhausted = errors.New("reauthentication attempts exhausted")

// Summary accumulates per-phase outcome counters.
type Summary struct {
	Attempted  int64 `json:"attempted"`
	Succeeded  int64 `json:"succeeded"`
	NotFound   int64 `json:"not_found"`
	Transient  int64 `json:"transient"`
	AuthErrors int64 `json:"auth_errors"`
}

func (s *Summary) add(o bench.Outcome) {
	s.Attempted++
	switch o {
	case bench.OutcomeSuccess:
		s.Succeeded++
	case bench.OutcomeNotFound:
		s.NotFound++
	case bench.OutcomeTransient:
		s.Transient++
	case bench.OutcomeAuth:
		s.AuthErrors++
	}
}

func (s *Summary) merge(other Summary) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.NotFound += other.NotFound
	s.Transient += other.Transient
	s.AuthErrors += other.AuthErrors
}

// Planner supplies the work plans the scheduler executes.
type Planner interface {
	MissingIDs(ctx context.Context) ([]int64, error)
	AllNullIDs(ctx context.Context) ([]int64, error)
	TrimNullFrontier(ctx context.Context) (int64, error)
	Frontier(ctx context.Context) (int64, error)
	CatchUpIDs(ctx context.Context) ([]int64, int64, error)
}

// Fetcher runs the single-record pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, phase string, id int64, creds *session.Credentials) fetcher.Result
}

// Sessions is the credential lifecycle the scheduler manages.
type Sessions interface {
	Acquire() *session.Credentials
	Invalidate()
	Refresh(ctx context.Context, username, password string) (*session.Credentials, error)
}

// Config controls a harvest run.
type Config struct {
	// Workers is the fixed fetch pool size.
	Workers int
	// BatchSize is the number of IDs dispatched per batch.
	BatchSize int
	// MaxAuthAttempts bounds reauthentication cycles per run.
	MaxAuthAttempts int
	// SyncInterval is the frontier poll period during the sync phase.
	SyncInterval time.Duration
	// SyncDelay spaces sequential fetches within a sync cycle.
	SyncDelay time.Duration
	// NullRetry enables the all-null retry phase.
	NullRetry bool
	// SpecificIDs, when non-empty, are fetched in their own phase.
	SpecificIDs []int64
	// Continuous keeps the run alive in the sync phase after catch-up.
	Continuous bool
}

// Status is a point-in-time snapshot for the status API.
type Status struct {
	RunID     string            `json:"run_id"`
	State     State             `json:"state"`
	Phase     Phase             `json:"phase"`
	Watermark int64             `json:"watermark"`
	Phases    map[Phase]Summary `json:"phases"`
	Totals    Summary           `json:"totals"`
}

// Scheduler owns one harvest run from trim through sync.
type Scheduler struct {
	cfg      Config
	planner  Planner
	fetcher  Fetcher
	sessions Sessions
	prompter session.Prompter
	emitter  progress.Emitter
	logger   *zap.Logger
	runID    [16]byte

	mu           sync.RWMutex
	state        State
	phase        Phase
	watermark    int64
	summaries    map[Phase]*Summary
	authAttempts int
}

// New builds a Scheduler for a single run identified by runID.
func New(cfg Config, pl Planner, f Fetcher, sess Sessions, prompter session.Prompter,
	emitter progress.Emitter, runID [16]byte, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 6
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2 * cfg.Workers
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = 5
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Second
	}
	if cfg.SyncDelay < 0 {
		cfg.SyncDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		planner:   pl,
		fetcher:   f,
		sessions:  sess,
		prompter:  prompter,
		emitter:   emitter,
		logger:    logger,
		runID:     runID,
		state:     StateRunning,
		summaries: make(map[Phase]*Summary),
	}
}

// Status returns a snapshot of the run.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		RunID:     uuid.UUID(s.runID).String(),
		State:     s.state,
		Phase:     s.phase,
		Watermark: s.watermark,
		Phases:    make(map[Phase]Summary, len(s.summaries)),
	}
	for phase, sum := range s.summaries {
		st.Phases[phase] = *sum
		st.Totals.merge(*sum)
	}
	return st
}

// Run executes the phase sequence: null trim, missing, specific, all-null,
// catch-up, then sync when continuous. Auth exhaustion skips the rest of
// the phase it hit; later phases still run so cache-served work completes,
// and ErrAuthExhausted is returned at the end so the process exits nonzero.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		if s.state == StateRunning || s.state == StateAwaitingReauth {
			s.state = StateDone
		}
		s.mu.Unlock()
	}()

	if _, err := s.planner.TrimNullFrontier(ctx); err != nil {
		return fmt.Errorf("null frontier trim: %w", err)
	}

	var authErr error
	phase := func(run func(context.Context) error) error {
		if ctx.Err() != nil {
			return nil
		}
		err := run(ctx)
		if errors.Is(err, ErrAuthExhausted) {
			authErr = err
			s.logger.Warn("phase abandoned after auth exhaustion",
				zap.String("phase", string(s.currentPhase())))
			return nil
		}
		return err
	}

	if err := phase(func(ctx context.Context) error {
		return s.runPlannedPhase(ctx, PhaseMissing, s.planner.MissingIDs)
	}); err != nil {
		return err
	}
	if len(s.cfg.SpecificIDs) > 0 {
		if err := phase(func(ctx context.Context) error {
			return s.runPhase(ctx, PhaseSpecific, s.cfg.SpecificIDs)
		}); err != nil {
			return err
		}
	}
	if s.cfg.NullRetry {
		if err := phase(func(ctx context.Context) error {
			return s.runPlannedPhase(ctx, PhaseAllNull, s.planner.AllNullIDs)
		}); err != nil {
			return err
		}
	}
	if err := phase(s.runCatchUp); err != nil {
		return err
	}
	if s.cfg.Continuous && authErr == nil {
		if err := phase(s.runSync); err != nil {
			return err
		}
	}
	return authErr
}

func (s *Scheduler) runPlannedPhase(ctx context.Context, phase Phase, plan func(context.Context) ([]int64, error)) error {
	ids, err := plan(ctx)
	if err != nil {
		s.emitPhase(progress.StagePhaseError, phase, 0, err)
		s.logger.Warn("phase planning failed, skipping phase",
			zap.String("phase", string(phase)), zap.Error(err))
		return nil
	}
	return s.runPhase(ctx, phase, ids)
}

func (s *Scheduler) runPhase(ctx context.Context, phase Phase, ids []int64) error {
	s.setPhase(phase)
	start := time.Now()
	s.emitPhase(progress.StagePhaseStart, phase, time.Duration(0), nil)
	s.logger.Info("phase starting",
		zap.String("phase", string(phase)),
		zap.Int("planned", len(ids)))

	for offset := 0; offset < len(ids); offset += s.cfg.BatchSize {
		end := offset + s.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.runBatch(ctx, phase, ids[offset:end]); err != nil {
			s.emitPhase(progress.StagePhaseError, phase, time.Since(start), err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	s.emitPhase(progress.StagePhaseDone, phase, time.Since(start), nil)
	return nil
}

// runBatch dispatches one batch across the worker pool. When a worker
// observes an auth failure the remaining undispatched IDs are abandoned,
// classified results are kept, and every unclassified ID is re-dispatched
// after a successful reauthentication.
func (s *Scheduler) runBatch(ctx context.Context, phase Phase, ids []int64) error {
	pending := ids
	for len(pending) > 0 {
		if ctx.Err() != nil {
			return nil
		}
		creds := s.sessions.Acquire()
		results := s.dispatch(ctx, phase, pending, creds)

		var authTripped bool
		var retry []int64
		for _, res := range results {
			switch {
			case res.Outcome == "":
				// Abandoned before fetch; stays pending.
				retry = append(retry, res.ID)
			case res.Outcome == bench.OutcomeAuth:
				authTripped = true
				s.record(phase, res.Outcome)
				retry = append(retry, res.ID)
			default:
				s.record(phase, res.Outcome)
			}
		}
		pending = retry
		if len(pending) == 0 {
			return nil
		}
		if !authTripped {
			// Abandoned only by cancellation.
			return nil
		}
		if err := s.reauth(ctx); err != nil {
			return err
		}
	}
	return nil
}

// dispatch fans ids out to the worker pool and collects one Result per ID.
// Workers stop picking up new IDs once any of them sees an auth failure;
// unfetched IDs come back with an empty outcome.
func (s *Scheduler) dispatch(ctx context.Context, phase Phase, ids []int64, creds *session.Credentials) []fetcher.Result {
	jobs := make(chan int64)
	out := make(chan fetcher.Result, len(ids))
	var abandon sync.Once
	abandoned := make(chan struct{})

	var wg sync.WaitGroup
	workers := s.cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				select {
				case <-abandoned:
					out <- fetcher.Result{ID: id}
					continue
				case <-ctx.Done():
					out <- fetcher.Result{ID: id}
					continue
				default:
				}
				res := s.fetcher.Fetch(ctx, string(phase), id, creds)
				if res.Outcome == bench.OutcomeAuth {
					abandon.Do(func() { close(abandoned) })
				}
				out <- res
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]fetcher.Result, 0, len(ids))
	for res := range out {
		results = append(results, res)
	}
	return results
}

// reauth runs the bounded session recovery loop: invalidate, prompt, and
// refresh until either a login succeeds or the per-run attempt budget is
// spent.
func (s *Scheduler) reauth(ctx context.Context) error {
	s.sessions.Invalidate()
	s.setState(StateAwaitingReauth)
	defer s.setState(StateRunning)

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		s.authAttempts++
		attempt := s.authAttempts
		s.mu.Unlock()
		if attempt > s.cfg.MaxAuthAttempts {
			break
		}
		s.emit(progress.Event{
			RunID: s.runID,
			TS:    time.Now().UTC(),
			Stage: progress.StageReauth,
			Phase: string(s.currentPhase()),
			Note:  fmt.Sprintf("attempt %d/%d", attempt, s.cfg.MaxAuthAttempts),
		})
		username, password, err := s.prompter.Prompt()
		if err != nil {
			s.logger.Warn("credential prompt failed", zap.Error(err))
			continue
		}
		if _, err := s.sessions.Refresh(ctx, username, password); err != nil {
			s.logger.Warn("session refresh failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		s.logger.Info("session recovered", zap.Int("attempt", attempt))
		return nil
	}

	s.setState(StateAborted)
	return ErrAuthExhausted
}

// runCatchUp fetches from the stored maximum up to the remote frontier,
// re-polling the frontier each cycle until no gap remains.
func (s *Scheduler) runCatchUp(ctx context.Context) error {
	s.setPhase(PhaseCatchUp)
	start := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		ids, frontier, err := s.planner.CatchUpIDs(ctx)
		if err != nil {
			s.emitPhase(progress.StagePhaseError, PhaseCatchUp, time.Since(start), err)
			s.logger.Warn("frontier discovery failed, skipping catch-up", zap.Error(err))
			return nil
		}
		s.setWatermark(frontier)
		if len(ids) == 0 {
			s.emitPhase(progress.StagePhaseDone, PhaseCatchUp, time.Since(start), nil)
			return nil
		}
		s.logger.Info("catching up to frontier",
			zap.Int64("frontier", frontier),
			zap.Int("planned", len(ids)))
		if err := s.runPhase(ctx, PhaseCatchUp, ids); err != nil {
			return err
		}
	}
}

// runSync polls the frontier on a fixed interval, fetching new records one
// at a time with a spacing delay. It returns only on cancellation or auth
// abort.
func (s *Scheduler) runSync(ctx context.Context) error {
	s.setPhase(PhaseSync)
	s.logger.Info("entering sync", zap.Duration("interval", s.cfg.SyncInterval))

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ids, frontier, err := s.planner.CatchUpIDs(ctx)
		if err != nil {
			s.logger.Warn("frontier poll failed", zap.Error(err))
			continue
		}
		s.setWatermark(frontier)
		for _, id := range ids {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.runBatch(ctx, PhaseSync, []int64{id}); err != nil {
				return err
			}
			if s.cfg.SyncDelay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.cfg.SyncDelay):
				}
			}
		}
	}
}

func (s *Scheduler) record(phase Phase, o bench.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[phase]
	if !ok {
		sum = &Summary{}
		s.summaries[phase] = sum
	}
	sum.add(o)
}

func (s *Scheduler) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *Scheduler) currentPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	// Aborted is terminal.
	if s.state != StateAborted {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Scheduler) setWatermark(w int64) {
	s.mu.Lock()
	s.watermark = w
	s.mu.Unlock()
	s.emit(progress.Event{
		RunID:     s.runID,
		TS:        time.Now().UTC(),
		Stage:     progress.StagePhaseStart,
		Phase:     string(s.currentPhase()),
		Watermark: w,
	})
}

func (s *Scheduler) emitPhase(stage progress.Stage, phase Phase, dur time.Duration, err error) {
	evt := progress.Event{
		RunID: s.runID,
		TS:    time.Now().UTC(),
		Stage: stage,
		Phase: string(phase),
		Dur:   dur,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	s.emit(evt)
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
