package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchharvest/harvester/internal/bench"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func validEvent(stage Stage) Event {
	evt := Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now().UTC(),
		Stage: stage,
		Phase: "missing",
	}
	if stage == StageFetchDone {
		evt.RecordID = 42
		evt.Outcome = bench.OutcomeSuccess
	}
	return evt
}

func TestHubDeliversEventsOnClose(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(HubConfig{}, sink)

	hub.Emit(validEvent(StagePhaseStart))
	hub.Emit(validEvent(StageFetchDone))
	hub.Emit(validEvent(StagePhaseDone))

	require.NoError(t, hub.Close(context.Background()))

	events := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, StagePhaseStart, events[0].Stage)
	assert.Equal(t, StageFetchDone, events[1].Stage)
	assert.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(HubConfig{}, sink)

	hub.Emit(Event{}) // missing run id and timestamp
	hub.Emit(validEvent(StagePhaseStart))

	require.NoError(t, hub.Close(context.Background()))
	assert.Len(t, sink.snapshot(), 1)
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(HubConfig{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StagePhaseStart))
	assert.Empty(t, sink.snapshot())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	evt := validEvent(StageFetchDone)
	require.NoError(t, evt.Validate())

	missingOutcome := evt
	missingOutcome.Outcome = ""
	require.Error(t, missingOutcome.Validate())

	missingPhase := validEvent(StagePhaseStart)
	missingPhase.Phase = ""
	require.Error(t, missingPhase.Validate())

	unknown := validEvent(StagePhaseStart)
	unknown.Stage = "BOGUS"
	require.Error(t, unknown.Validate())
}
