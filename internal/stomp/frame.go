package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Version is the protocol version the client negotiates.
const Version = "1.2"

// heartBeat is the single end-of-line frame used as a keep-alive.
var heartBeat = []byte("\n")

// ErrEmptyFrame is returned when a message carries no frame at all.
var ErrEmptyFrame = errors.New("stomp: empty frame")

// HeartBeat returns the payload written for an outgoing heart-beat.
func HeartBeat() []byte {
	return heartBeat
}

// IsHeartBeat reports whether data is only end-of-line characters.
func IsHeartBeat(data []byte) bool {
	return len(data) > 0 && len(bytes.Trim(data, "\r\n")) == 0
}

// Encode serializes f into a single transport message.
func Encode(f *frame.Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrEmptyFrame
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one transport message. It returns (nil, nil) for heart-beats.
func Decode(data []byte) (*frame.Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if IsHeartBeat(data) {
		return nil, nil
	}
	if data[len(data)-1] != 0 {
		// Some brokers omit the trailing NUL inside a WebSocket message.
		data = append(append([]byte(nil), data...), 0)
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if f != nil {
			return f, nil
		}
	}
}

// ConnectOptions describe the CONNECT frame sent after the transport opens.
type ConnectOptions struct {
	Host     string
	Login    string
	Passcode string
	// Outgoing is how often the client can send heart-beats; zero disables.
	Outgoing time.Duration
	// Incoming is how often the client wants heart-beats; zero disables.
	Incoming time.Duration
}

// Connect builds the CONNECT frame.
func Connect(opts ConnectOptions) *frame.Frame {
	host := opts.Host
	if host == "" {
		host = "/"
	}
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, Version,
		frame.Host, host,
		frame.HeartBeat, formatHeartBeat(opts.Outgoing, opts.Incoming),
	)
	if opts.Login != "" {
		f.Header.Add(frame.Login, opts.Login)
		f.Header.Add(frame.Passcode, opts.Passcode)
	}
	return f
}

// Subscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func Subscribe(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame for a subscription id.
func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Disconnect builds a DISCONNECT frame.
func Disconnect() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// Negotiate combines the client's wishes with the server's CONNECTED
// heart-beat header. send is how often the client must write, expect is how
// often the server promises to write; zero disables either side.
func Negotiate(opts ConnectOptions, connected *frame.Frame) (send, expect time.Duration, err error) {
	if connected == nil {
		return 0, 0, nil
	}
	value := connected.Header.Get(frame.HeartBeat)
	if value == "" {
		return 0, 0, nil
	}
	serverOut, serverIn, err := frame.ParseHeartBeat(value)
	if err != nil {
		return 0, 0, fmt.Errorf("parse heart-beat: %w", err)
	}
	return negotiated(opts.Outgoing, serverIn), negotiated(opts.Incoming, serverOut), nil
}

func negotiated(client, server time.Duration) time.Duration {
	if client <= 0 || server <= 0 {
		return 0
	}
	return max(client, server)
}

func formatHeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}
