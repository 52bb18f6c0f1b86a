package topic

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-job-progress/internal/connection"
	"github.com/JakeFAU/realtime-job-progress/internal/metrics"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/transport/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	failSend  error
	sent      []*frame.Frame
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Send(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connection.ErrNotConnected
	}
	if c.failSend != nil {
		return c.failSend
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *fakeConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, f := range c.sent {
		out = append(out, f.Command+" "+f.Header.Get(frame.Id))
	}
	return out
}

type collector struct {
	mu   sync.Mutex
	msgs []progress.Message
}

func (c *collector) callback(msg progress.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) last() progress.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func newRegistry(t *testing.T, conn Conn) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	r := New(conn, Config{Metrics: m})
	t.Cleanup(r.Close)
	return r, reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func messageFrame(destination, subscription, body string) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.Subscription, subscription,
	)
	f.Body = []byte(body)
	return f
}

func TestSubscribeWhileDisconnectedIsInert(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	r, reg := newRegistry(t, conn)

	unsubscribe := r.Subscribe("/topic/course-progress/a", func(progress.Message) {})
	require.NotNil(t, unsubscribe)
	unsubscribe()
	unsubscribe()

	require.Zero(t, r.Len())
	require.Empty(t, conn.commands())
	require.InDelta(t, 1.0, counterValue(t, reg, "push_subscribe_rejected_total"), 1e-9)
}

func TestSubscribeSendsFrameAndDelivers(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, _ := newRegistry(t, conn)
	got := &collector{}

	dest := "/topic/course-progress/a"
	unsubscribe := r.Subscribe(dest, got.callback)
	require.True(t, r.Active(dest))
	require.Equal(t, []string{"SUBSCRIBE sub-1"}, conn.commands())

	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"a","status":"PROCESSING","processed":5,"total":10,"progress":50}`))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	msg := got.last()
	require.Equal(t, progress.StatusProcessing, msg.Status)
	require.Equal(t, int64(5), *msg.Processed)
	require.Equal(t, int64(10), *msg.Total)
	require.InDelta(t, 50.0, *msg.Progress, 1e-9)

	unsubscribe()
	unsubscribe()
	require.False(t, r.Active(dest))
	require.Equal(t, []string{"SUBSCRIBE sub-1", "UNSUBSCRIBE sub-1"}, conn.commands())
}

func TestUnsubscribeBeforeDeliverySuppressesCallbacks(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, _ := newRegistry(t, conn)
	got := &collector{}

	dest := "/topic/course-progress/b"
	unsubscribe := r.Subscribe(dest, got.callback)
	unsubscribe()
	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"b","status":"UPLOADING"}`))

	// A frame for a live destination proves the dispatcher drained the first.
	other := &collector{}
	r.Subscribe("/topic/course-progress/c", other.callback)
	r.HandleMessage(messageFrame("/topic/course-progress/c", "sub-2", `{"sessionId":"c","status":"UPLOADING"}`))
	require.Eventually(t, func() bool { return other.count() == 1 }, waitFor, tick)
	require.Zero(t, got.count())
}

func TestDuplicateSubscribeKeepsOneEntry(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, _ := newRegistry(t, conn)
	first, second := &collector{}, &collector{}

	dest := "/topic/course-progress/d"
	unsubscribeFirst := r.Subscribe(dest, first.callback)
	unsubscribeSecond := r.Subscribe(dest, second.callback)
	require.Equal(t, 1, r.Len())
	require.Equal(t, []string{"SUBSCRIBE sub-1", "UNSUBSCRIBE sub-1", "SUBSCRIBE sub-2"}, conn.commands())

	// The released handle no longer affects the live entry.
	unsubscribeFirst()
	require.True(t, r.Active(dest))

	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"d","status":"UPLOADING"}`))
	r.HandleMessage(messageFrame(dest, "sub-2", `{"sessionId":"d","status":"PROCESSING"}`))
	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
	require.Equal(t, progress.StatusProcessing, second.last().Status)
	require.Zero(t, first.count())

	unsubscribeSecond()
	require.Zero(t, r.Len())
}

func TestMalformedFrameIsCountedAndDropped(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, reg := newRegistry(t, conn)
	got := &collector{}

	dest := "/topic/course-progress/e"
	r.Subscribe(dest, got.callback)
	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"e","status":`))
	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"e","status":"QUEUED"}`))
	r.HandleMessage(messageFrame(dest, "sub-1", `{"sessionId":"e","status":"SUCCESS","message":"Done"}`))

	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	require.Equal(t, "Done", got.last().Message)
	require.InDelta(t, 2.0, counterValue(t, reg, "push_protocol_errors_total"), 1e-9)
}

func TestConnectionClosedClearsEntries(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, _ := newRegistry(t, conn)
	a, b := &collector{}, &collector{}

	unsubscribeA := r.Subscribe("/topic/course-progress/a", a.callback)
	unsubscribeB := r.Subscribe("/topic/course-progress/b", b.callback)
	require.Equal(t, 2, r.Len())

	conn.setConnected(false)
	r.ConnectionClosed()
	require.Zero(t, r.Len())

	before := len(conn.commands())
	unsubscribeA()
	unsubscribeB()
	require.Len(t, conn.commands(), before)

	r.HandleMessage(messageFrame("/topic/course-progress/a", "sub-1", `{"sessionId":"a","status":"UPLOADING"}`))
	conn.setConnected(true)
	late := &collector{}
	r.Subscribe("/topic/course-progress/z", late.callback)
	r.HandleMessage(messageFrame("/topic/course-progress/z", "sub-3", `{"sessionId":"z","status":"UPLOADING"}`))
	require.Eventually(t, func() bool { return late.count() == 1 }, waitFor, tick)
	require.Zero(t, a.count())
	require.Zero(t, b.count())
}

func TestSubscribeSendFailureLeavesNoEntry(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true, failSend: errors.New("broken pipe")}
	r, _ := newRegistry(t, conn)

	unsubscribe := r.Subscribe("/topic/course-progress/f", func(progress.Message) {})
	unsubscribe()
	require.Zero(t, r.Len())
}

func TestSubscribeRejectsEmptyArguments(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{connected: true}
	r, _ := newRegistry(t, conn)

	r.Subscribe("", func(progress.Message) {})()
	r.Subscribe("/topic/x", nil)()
	require.Zero(t, r.Len())
	require.Empty(t, conn.commands())
}

func TestProtocolErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad json")
	err := error(&ProtocolError{Destination: "/topic/x", Err: cause})
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "/topic/x")
}

func TestRegistryOverManagedConnection(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	mgr, err := connection.New(connection.Config{
		Endpoint:       "ws://cms.test/ws",
		Dialer:         broker,
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	r := New(mgr, Config{})
	mgr.Attach(r)
	t.Cleanup(func() {
		mgr.Disconnect()
		r.Close()
	})

	mgr.Connect()
	require.Eventually(t, mgr.IsConnected, waitFor, tick)

	got := &collector{}
	dest := "/topic/course-progress/live"
	r.Subscribe(dest, got.callback)
	require.Eventually(t, func() bool { return len(broker.Subscriptions()) == 1 }, waitFor, tick)

	require.Equal(t, 1, broker.Publish(dest, `{"sessionId":"live","status":"UPLOADING","progress":10}`))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)

	broker.Drop()
	require.Eventually(t, func() bool { return r.Len() == 0 }, waitFor, tick)
	require.Eventually(t, mgr.IsConnected, waitFor, tick)

	// Re-subscribing after the reconnect resumes delivery.
	r.Subscribe(dest, got.callback)
	require.Eventually(t, func() bool { return len(broker.Subscriptions()) == 1 }, waitFor, tick)
	require.Equal(t, 1, broker.Publish(dest, `{"sessionId":"live","status":"SUCCESS"}`))
	require.Eventually(t, func() bool { return got.count() == 2 }, waitFor, tick)
	require.Equal(t, progress.StatusSuccess, got.last().Status)
}

// gatedConn holds every Send after the first until gate is closed.
type gatedConn struct {
	fakeConn
	gate    chan struct{}
	waiting chan struct{}
	once    sync.Once
}

func (c *gatedConn) Send(f *frame.Frame) error {
	if f.Command == frame.SUBSCRIBE && f.Header.Get(frame.Id) != "sub-1" {
		c.once.Do(func() { close(c.waiting) })
		<-c.gate
	}
	return c.fakeConn.Send(f)
}

func TestSlowSendDoesNotStallDispatch(t *testing.T) {
	t.Parallel()

	conn := &gatedConn{
		fakeConn: fakeConn{connected: true},
		gate:     make(chan struct{}),
		waiting:  make(chan struct{}),
	}
	r, _ := newRegistry(t, conn)

	first := &collector{}
	r.Subscribe("/topic/course-progress/a", first.callback)

	subscribed := make(chan struct{})
	go func() {
		defer close(subscribed)
		r.Subscribe("/topic/course-progress/b", func(progress.Message) {})
	}()
	<-conn.waiting

	require.Equal(t, 2, r.Len())
	r.HandleMessage(messageFrame("/topic/course-progress/a", "sub-1", `{"status":"PROCESSING","progress":10}`))
	require.Eventually(t, func() bool { return first.count() == 1 }, waitFor, tick)

	close(conn.gate)
	<-subscribed
	require.Equal(t, []string{"SUBSCRIBE sub-1", "SUBSCRIBE sub-2"}, conn.commands())
}
