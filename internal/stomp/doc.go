// Package stomp adapts the go-stomp frame codec to message-oriented
// transports. Each WebSocket message carries either one STOMP frame or a bare
// end-of-line heart-beat; the helpers here build the client frames the
// connection manager and topic registry need and decode server frames.
package stomp
