package connection

import "github.com/go-stomp/stomp/v3/frame"

// State is the lifecycle state of the push connection.
type State int32

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Hooks are optional callbacks for connection transitions. They run on the
// manager's connection goroutine, so they must not call Disconnect
// synchronously; anything else, including Send, is fine.
type Hooks struct {
	// OnConnect fires once per successful handshake.
	OnConnect func()
	// OnDisconnect fires once for every Connected -> Disconnected transition.
	// err is nil when the teardown was requested through Disconnect.
	OnDisconnect func(err error)
	// OnError reports transport and server errors. It does not imply a
	// disconnect.
	OnError func(err error)
}

// Listener consumes what arrives on the connection. The topic registry is the
// production Listener.
type Listener interface {
	// HandleMessage receives every inbound MESSAGE frame in arrival order.
	HandleMessage(f *frame.Frame)
	// ConnectionClosed is called on every teardown, before OnDisconnect.
	ConnectionClosed()
}
