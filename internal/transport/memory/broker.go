package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/JakeFAU/realtime-job-progress/internal/stomp"
	"github.com/JakeFAU/realtime-job-progress/internal/transport"
)

// Broker is a minimal STOMP server over in-memory pipes. It answers CONNECT,
// tracks SUBSCRIBE/UNSUBSCRIBE per connection and publishes MESSAGE frames to
// matching subscriptions.
type Broker struct {
	dialer *Dialer

	mu        sync.Mutex
	conn      *Conn
	subs      map[string]string
	received  []*frame.Frame
	heartBeat  string
	heartBeats int
	silent     bool
	seq        int
}

// NewBroker constructs a Broker with its own Dialer.
func NewBroker() *Broker {
	return &Broker{
		dialer:    NewDialer(),
		subs:      make(map[string]string),
		heartBeat: "0,0",
	}
}

// Dialer exposes the underlying dialer, e.g. to script dial failures.
func (b *Broker) Dialer() *Dialer {
	return b.dialer
}

// Dial implements transport.Dialer and starts serving the new pipe.
func (b *Broker) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	client, err := b.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	server, err := b.dialer.Accept(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.mu.Lock()
	b.conn = server
	b.subs = make(map[string]string)
	b.mu.Unlock()
	go b.serve(server)
	return client, nil
}

// SetHeartBeat sets the heart-beat header returned in CONNECTED.
func (b *Broker) SetHeartBeat(value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartBeat = value
}

// SetSilent stops the broker from answering CONNECT, simulating a hung server.
func (b *Broker) SetSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

func (b *Broker) serve(conn *Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if stomp.IsHeartBeat(data) {
			b.mu.Lock()
			b.heartBeats++
			b.mu.Unlock()
			continue
		}
		f, err := stomp.Decode(data)
		if err != nil || f == nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, f)
		current := b.conn == conn
		silent := b.silent
		heartBeat := b.heartBeat
		switch f.Command {
		case frame.SUBSCRIBE:
			if current {
				b.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			}
		case frame.UNSUBSCRIBE:
			if current {
				delete(b.subs, f.Header.Get(frame.Id))
			}
		}
		b.mu.Unlock()

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			if silent {
				continue
			}
			reply := frame.New(frame.CONNECTED,
				frame.Version, stomp.Version,
				frame.HeartBeat, heartBeat,
			)
			if err := b.write(conn, reply); err != nil {
				return
			}
		case frame.DISCONNECT:
			_ = conn.Close()
			return
		}
	}
}

func (b *Broker) write(conn *Conn, f *frame.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// Publish sends body to every current subscription on destination and
// returns how many subscriptions received it.
func (b *Broker) Publish(destination, body string) int {
	b.mu.Lock()
	conn := b.conn
	var ids []string
	for id, dest := range b.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	b.mu.Unlock()
	if conn == nil {
		return 0
	}
	delivered := 0
	for _, id := range ids {
		b.mu.Lock()
		b.seq++
		msgID := strconv.Itoa(b.seq)
		b.mu.Unlock()
		msg := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, id,
			frame.MessageId, msgID,
			frame.ContentType, "application/json",
		)
		msg.Body = []byte(body)
		if err := b.write(conn, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendError writes a server ERROR frame on the current connection.
func (b *Broker) SendError(message string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	return b.write(conn, frame.New(frame.ERROR, frame.Message, message))
}

// Drop closes the current connection from the server side.
func (b *Broker) Drop() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.subs = make(map[string]string)
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscriptions returns the destinations subscribed on the current connection.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for _, dest := range b.subs {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Received returns the client frames seen so far with the given command.
func (b *Broker) Received(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Frame
	for _, f := range b.received {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// HeartBeats reports how many client heart-beats have been read.
func (b *Broker) HeartBeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartBeats
}

// Dials reports how many connections were attempted.
func (b *Broker) Dials() int {
	return b.dialer.Dials()
}
