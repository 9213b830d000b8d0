// Package fetcher implements the single-record pipeline: cache
// read-through, remote fetch, outcome classification, parse, and persist.
package fetcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
	"github.com/benchharvest/harvester/internal/progress"
	"github.com/benchharvest/harvester/internal/publisher"
	"github.com/benchharvest/harvester/internal/session"
)

// RecordSource fetches one raw payload from the benchmark service.
type RecordSource interface {
	FetchRecord(ctx context.Context, id int64, creds *session.Credentials) ([]byte, error)
	RecordURL(id int64) string
}

// PayloadCache is the sharded raw payload store.
type PayloadCache interface {
	Get(id int64) ([]byte, bool, error)
	Put(id int64, data []byte) error
}

// RecordStore persists classified rows.
type RecordStore interface {
	Upsert(ctx context.Context, row bench.Row) error
	EnsureAttempted(ctx context.Context, id int64) error
}

// Result is the classified outcome of one fetch attempt.
type Result struct {
	ID      int64
	Outcome bench.Outcome
	// Cached is true when the payload came from the local cache and no
	// network request was made.
	Cached bool
	Err    error
}

// Fetcher runs the fetch pipeline for individual record IDs. It is safe
// for concurrent use; all mutable state lives in its dependencies.
type Fetcher struct {
	source  RecordSource
	cache   PayloadCache
	store   RecordStore
	schema  bench.Schema
	pub     publisher.Publisher
	emitter progress.Emitter
	runID   [16]byte
	logger  *zap.Logger
}

// New assembles a Fetcher. The publisher and emitter may be nil.
func New(source RecordSource, cache PayloadCache, store RecordStore, schema bench.Schema,
	pub publisher.Publisher, emitter progress.Emitter, runID [16]byte, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		source:  source,
		cache:   cache,
		store:   store,
		schema:  schema,
		pub:     pub,
		emitter: emitter,
		runID:   runID,
		logger:  logger,
	}
}

// Fetch processes one record ID: cache hits skip the network entirely;
// misses are fetched with the given credential snapshot, classified by
// status, parsed against the declared schema, and persisted. Exactly one
// store write happens per attempt except on auth failure, which writes
// nothing so the ID stays eligible for retry.
func (f *Fetcher) Fetch(ctx context.Context, phase string, id int64, creds *session.Credentials) Result {
	start := time.Now()
	res := f.fetch(ctx, id, creds)
	f.emit(progress.Event{
		RunID:    f.runID,
		TS:       time.Now().UTC(),
		Stage:    progress.StageFetchDone,
		Phase:    phase,
		RecordID: id,
		Outcome:  res.Outcome,
		Dur:      time.Since(start),
		Note:     errNote(res.Err),
	})
	return res
}

func (f *Fetcher) fetch(ctx context.Context, id int64, creds *session.Credentials) Result {
	raw, hit, err := f.cache.Get(id)
	if err != nil {
		f.logger.Warn("payload cache read failed", zap.Int64("id", id), zap.Error(err))
	}
	if hit {
		res := f.persist(ctx, id, raw)
		res.Cached = true
		return res
	}

	raw, err = f.source.FetchRecord(ctx, id, creds)
	switch {
	case err == nil:
		if putErr := f.cache.Put(id, raw); putErr != nil {
			f.logger.Warn("payload cache write failed", zap.Int64("id", id), zap.Error(putErr))
		}
		return f.persist(ctx, id, raw)

	case errors.Is(err, bench.ErrNotFound):
		row := bench.NewRow(id, f.schema)
		if upErr := f.store.Upsert(ctx, row); upErr != nil {
			return Result{ID: id, Outcome: bench.OutcomeTransient, Err: upErr}
		}
		return Result{ID: id, Outcome: bench.OutcomeNotFound}

	case errors.Is(err, bench.ErrAuth):
		return Result{ID: id, Outcome: bench.OutcomeAuth, Err: err}

	default:
		if markErr := f.store.EnsureAttempted(ctx, id); markErr != nil {
			f.logger.Warn("attempt marker write failed", zap.Int64("id", id), zap.Error(markErr))
		}
		return Result{ID: id, Outcome: bench.OutcomeTransient, Err: err}
	}
}

// persist parses the payload and writes the full row. Partial parses still
// upsert whatever resolved but classify as transient so reconciliation
// retries the ID later.
func (f *Fetcher) persist(ctx context.Context, id int64, raw []byte) Result {
	values, complete := f.schema.Parse(raw)
	row := bench.Row{ID: id, Values: values}
	if err := f.store.Upsert(ctx, row); err != nil {
		return Result{ID: id, Outcome: bench.OutcomeTransient, Err: err}
	}
	if !complete {
		return Result{ID: id, Outcome: bench.OutcomeTransient, Err: errors.New("payload parsed incompletely")}
	}
	f.publish(ctx, id)
	return Result{ID: id, Outcome: bench.OutcomeSuccess}
}

func (f *Fetcher) publish(ctx context.Context, id int64) {
	if f.pub == nil {
		return
	}
	rec := publisher.Record{
		ID:        id,
		URL:       f.source.RecordURL(id),
		FetchedAt: time.Now().UTC(),
	}
	if err := f.pub.Publish(ctx, rec); err != nil {
		f.logger.Warn("record publish failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (f *Fetcher) emit(evt progress.Event) {
	if f.emitter == nil {
		return
	}
	f.emitter.Emit(evt)
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
