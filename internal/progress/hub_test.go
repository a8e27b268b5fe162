package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StagePageStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StagePageStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StagePageStart))
	hub.Emit(sampleEvent(StagePageDone))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
}

func TestHubKeepsLatestHeartbeatPerWorker(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	base := time.Unix(1000, 0)
	hub.Emit(Event{TS: base, Stage: StageWorkerHB, WorkerID: "w1", Note: "first"})
	hub.Emit(Event{TS: base, Stage: StageWorkerHB, WorkerID: "w2"})
	hub.Emit(sampleEvent(StageSiteClaimed))
	hub.Emit(Event{TS: base.Add(time.Second), Stage: StageWorkerHB, WorkerID: "w1", Note: "second"})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	batch := batches[0]
	require.Len(t, batch, 3)
	require.Equal(t, "w1", batch[0].WorkerID)
	require.Equal(t, "second", batch[0].Note, "later heartbeat replaces the earlier one in place")
	require.Equal(t, "w2", batch[1].WorkerID)
	require.Equal(t, StageSiteClaimed, batch[2].Stage)
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageSiteClaimed))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(sampleEvent(StageSiteClaimed))
	require.Zero(t, nilHub.Dropped())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StagePageStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		TS:     time.Now(),
		Stage:  stage,
		JobID:  "job-1",
		SiteID: "site-1",
		URL:    "http://example.com/",
	}
	if stage == StagePageDone {
		evt.StatusClass = Status2xx
	}
	return evt
}

// TestHubDropsInvalidEvents ensures events failing validation never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	hub.Emit(Event{TS: time.Now(), Stage: StagePageDone})
	hub.Emit(Event{TS: time.Now(), Stage: "BOGUS", SiteID: "s"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := map[string]struct {
		evt     Event
		wantErr bool
	}{
		"heartbeat":           {Event{TS: now, Stage: StageWorkerHB, WorkerID: "w"}, false},
		"heartbeat no worker": {Event{TS: now, Stage: StageWorkerHB}, true},
		"claimed":             {Event{TS: now, Stage: StageSiteClaimed, SiteID: "s"}, false},
		"finished no status":  {Event{TS: now, Stage: StageSiteFinished, SiteID: "s"}, true},
		"finished":            {Event{TS: now, Stage: StageSiteFinished, SiteID: "s", SiteStatus: "FINISHED"}, false},
		"page without url":    {Event{TS: now, Stage: StagePageDone, SiteID: "s"}, true},
		"no timestamp":        {Event{Stage: StageSiteClaimed, SiteID: "s"}, true},
		"negative duration":   {Event{TS: now, Stage: StageSiteClaimed, SiteID: "s", Dur: -1}, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(420))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
