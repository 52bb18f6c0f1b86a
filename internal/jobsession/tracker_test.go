package jobsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-job-progress/internal/clock/system"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/topic"
)

type fixedIDs struct {
	ids   []string
	calls int
	err   error
}

func (f *fixedIDs) NewID() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id := f.ids[f.calls%len(f.ids)]
	f.calls++
	return id, nil
}

type fakeRegistry struct {
	mu         sync.Mutex
	connected  bool
	callbacks  map[string]topic.Callback
	subscribes int
}

func newFakeRegistry(connected bool) *fakeRegistry {
	return &fakeRegistry{connected: connected, callbacks: make(map[string]topic.Callback)}
}

func (r *fakeRegistry) Subscribe(destination string, callback topic.Callback) topic.UnsubscribeFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return func() {}
	}
	r.subscribes++
	r.callbacks[destination] = callback
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.callbacks, destination)
	}
}

func (r *fakeRegistry) Active(destination string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.callbacks[destination]
	return ok
}

func (r *fakeRegistry) deliver(destination string, msg progress.Message) bool {
	r.mu.Lock()
	cb := r.callbacks[destination]
	r.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(msg)
	return true
}

func (r *fakeRegistry) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = make(map[string]topic.Callback)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func newTracker(t *testing.T, reg Subscriber, emitter progress.Emitter, ids ...string) *Tracker {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"abc-123"}
	}
	tr, err := New(Config{
		Kind:     "course",
		Registry: reg,
		IDs:      &fixedIDs{ids: ids},
		Clock:    system.New(),
		Emitter:  emitter,
	})
	require.NoError(t, err)
	return tr
}

func ptr[T any](v T) *T { return &v }

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	ids := &fixedIDs{ids: []string{"x"}}
	clock := system.New()
	cases := []Config{
		{Registry: reg, IDs: ids, Clock: clock},
		{Kind: "course", IDs: ids, Clock: clock},
		{Kind: "course", Registry: reg, Clock: clock},
		{Kind: "course", Registry: reg, IDs: ids},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		require.Error(t, err)
	}
}

func TestCreateSessionIsStable(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, newFakeRegistry(true), nil, "first", "second")
	require.Empty(t, tr.SessionID())
	require.Empty(t, tr.Destination())

	id, err := tr.CreateSession()
	require.NoError(t, err)
	again, err := tr.CreateSession()
	require.NoError(t, err)
	require.Equal(t, "first", id)
	require.Equal(t, id, again)
	require.Equal(t, "/topic/course-progress/first", tr.Destination())

	state := tr.Progress()
	require.Equal(t, progress.StatusNotStarted, state.Status)
	require.Equal(t, "first", state.SessionID)
	require.False(t, tr.IsUploading())
}

func TestCreateSessionPropagatesGeneratorError(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{
		Kind:     "course",
		Registry: newFakeRegistry(true),
		IDs:      &fixedIDs{err: errors.New("entropy exhausted")},
		Clock:    system.New(),
	})
	require.NoError(t, err)
	_, err = tr.CreateSession()
	require.Error(t, err)
	bound, err := tr.Open()
	require.Error(t, err)
	require.False(t, bound)
}

func TestDestination(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/topic/course-progress/abc-123", Destination("course", "abc-123"))
	require.Equal(t, "/topic/library-progress/x", Destination("library", "x"))
}

func TestScenarioProcessingThenSuccess(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	emitter := &recordingEmitter{}
	tr := newTracker(t, reg, emitter)

	bound, err := tr.Open()
	require.NoError(t, err)
	require.True(t, bound)
	dest := tr.Destination()

	require.True(t, reg.deliver(dest, progress.Message{
		SessionID: "abc-123",
		Status:    progress.StatusProcessing,
		Processed: ptr(int64(5)),
		Total:     ptr(int64(10)),
		Progress:  ptr(50.0),
	}))
	require.True(t, tr.IsUploading())
	mid := tr.Progress()
	require.Equal(t, progress.StatusProcessing, mid.Status)
	require.Equal(t, int64(5), *mid.Processed)
	require.True(t, mid.SubscriptionActive)

	require.True(t, reg.deliver(dest, progress.Message{
		SessionID: "abc-123",
		Status:    progress.StatusSuccess,
		Message:   "Done",
	}))
	final := tr.Progress()
	require.Equal(t, progress.StatusSuccess, final.Status)
	require.InDelta(t, 100.0, *final.Percent, 1e-9)
	require.Equal(t, "Done", final.Message)
	require.False(t, tr.IsUploading())

	events := emitter.Events()
	require.Len(t, events, 2)
	require.Equal(t, progress.StatusSuccess, events[1].Status)
	require.Equal(t, "course", events[1].Kind)
	require.InDelta(t, 100.0, events[1].Percent, 1e-9)
	require.NoError(t, events[1].Validate())
}

func TestScenarioFailedKeepsServerMessage(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)
	tr.MarkSubmitted()
	require.True(t, tr.IsUploading())

	reg.deliver(tr.Destination(), progress.Message{
		SessionID: "abc-123",
		Status:    progress.StatusFailed,
		Message:   "Invalid archive",
	})
	state := tr.Progress()
	require.Equal(t, progress.StatusFailed, state.Status)
	require.Equal(t, "Invalid archive", state.Message)
	require.False(t, tr.IsUploading())

	// MarkSubmitted does not revive a finished job.
	tr.MarkSubmitted()
	require.False(t, tr.IsUploading())
}

func TestFailedWithoutMessageHasNoFallback(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing, Message: "unpacking"})
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusFailed})
	require.Empty(t, tr.Progress().Message)
}

func TestFinalNumbersMatchLastMessage(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	var last progress.Message
	for processed := int64(0); processed <= 40; processed += 7 {
		last = progress.Message{
			Status:    progress.StatusProcessing,
			Processed: ptr(processed),
			Total:     ptr(int64(40)),
			Progress:  ptr(float64(processed) * 100 / 40),
			Message:   "rows",
		}
		reg.deliver(tr.Destination(), last)
	}
	state := tr.Progress()
	require.Equal(t, *last.Processed, *state.Processed)
	require.Equal(t, *last.Total, *state.Total)
	require.InDelta(t, *last.Progress, *state.Percent, 1e-9)

	// A later message without numbers replaces them.
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusUploading})
	state = tr.Progress()
	require.Nil(t, state.Processed)
	require.Nil(t, state.Total)
	require.Nil(t, state.Percent)
}

func TestPercentIsClamped(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing, Progress: ptr(180.0)})
	require.InDelta(t, 100.0, *tr.Progress().Percent, 1e-9)
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing, Progress: ptr(-4.0)})
	require.InDelta(t, 0.0, *tr.Progress().Percent, 1e-9)
}

func TestLateMessageAfterTerminalIsApplied(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusSuccess, Message: "Done"})
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing, Processed: ptr(int64(9))})
	state := tr.Progress()
	require.Equal(t, progress.StatusProcessing, state.Status)
	require.Equal(t, int64(9), *state.Processed)
}

func TestMessageForAnotherSessionIsIgnored(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	emitter := &recordingEmitter{}
	tr := newTracker(t, reg, emitter)
	_, err := tr.Open()
	require.NoError(t, err)

	reg.deliver(tr.Destination(), progress.Message{SessionID: "someone-else", Status: progress.StatusFailed})
	require.Equal(t, progress.StatusNotStarted, tr.Progress().Status)
	require.Empty(t, emitter.Events())
}

func TestSnapshotIsIsolated(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing, Processed: ptr(int64(3))})

	snap := tr.Progress()
	*snap.Processed = 99
	require.Equal(t, int64(3), *tr.Progress().Processed)
}

func TestResetKeepsSessionID(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)
	reg.deliver(tr.Destination(), progress.Message{
		Status:    progress.StatusProcessing,
		Processed: ptr(int64(1)),
		Message:   "working",
	})

	tr.Reset()
	state := tr.Progress()
	require.Equal(t, "abc-123", state.SessionID)
	require.Equal(t, progress.StatusNotStarted, state.Status)
	require.Nil(t, state.Processed)
	require.Empty(t, state.Message)
	require.False(t, tr.IsUploading())
}

func TestOpenIsIdempotentAndCloseReleases(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)

	for i := 0; i < 3; i++ {
		bound, err := tr.Open()
		require.NoError(t, err)
		require.True(t, bound)
	}
	require.Equal(t, 1, reg.subscribes)

	tr.Close()
	tr.Close()
	require.False(t, reg.Active(tr.Destination()))
	require.False(t, reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusSuccess}))
	require.Equal(t, progress.StatusNotStarted, tr.Progress().Status)
}

func TestOpenWhileDisconnectedDoesNotBind(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(false)
	tr := newTracker(t, reg, nil)

	bound, err := tr.Open()
	require.NoError(t, err)
	require.False(t, bound)
	require.NotEmpty(t, tr.SessionID())

	reg.mu.Lock()
	reg.connected = true
	reg.mu.Unlock()
	bound, err = tr.Open()
	require.NoError(t, err)
	require.True(t, bound)
}

func TestOpenRebindsAfterRegistryDrop(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	reg.drop()
	bound, err := tr.Open()
	require.NoError(t, err)
	require.True(t, bound)
	require.Equal(t, 2, reg.subscribes)
	require.True(t, reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusUploading}))
	require.Equal(t, progress.StatusUploading, tr.Progress().Status)
}

func TestWaitReturnsTerminalState(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	tr := newTracker(t, reg, nil)
	_, err := tr.Open()
	require.NoError(t, err)

	result := make(chan State, 1)
	go func() {
		s, err := tr.Wait(context.Background())
		if err == nil {
			result <- s
		}
	}()

	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing})
	reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusSuccess, Message: "Done"})

	select {
	case s := <-result:
		require.Equal(t, progress.StatusSuccess, s.Status)
		require.Equal(t, "Done", s.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	// Already terminal: returns immediately.
	s, err := tr.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, progress.StatusSuccess, s.Status)
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, newFakeRegistry(true), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := tr.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, progress.StatusNotStarted, s.Status)
}

func TestCloseAnnouncesReleaseOnce(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(true)
	emitter := &recordingEmitter{}
	tr := newTracker(t, reg, emitter)
	_, err := tr.Open()
	require.NoError(t, err)
	require.True(t, reg.deliver(tr.Destination(), progress.Message{Status: progress.StatusProcessing}))

	tr.Close()
	tr.Close()

	events := emitter.Events()
	require.Len(t, events, 2)
	released := events[1]
	require.True(t, released.Released)
	require.Equal(t, "abc-123", released.SessionID)
	require.Equal(t, progress.StatusProcessing, released.Status)
	require.NoError(t, released.Validate())
}

func TestCloseWithoutSessionEmitsNothing(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	tr := newTracker(t, newFakeRegistry(true), emitter)
	tr.Close()
	require.Empty(t, emitter.Events())
}
