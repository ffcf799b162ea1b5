// Package transport defines the connection substrate peers exchange
// encoded messages over. Each Send carries one complete encoded message and
// each value received from Recv is one complete encoded message.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrPeerMismatch = errors.New("remote peer id does not match")
)

type Transport interface {
	Connect(ctx context.Context, peerID string, metadata ConnectionMetadata) (Conn, error)
	Accept() <-chan Conn
	Close() error
}

// Conn is a connection to one identified peer. Recv is closed when the
// connection ends.
type Conn interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

type ConnectionMetadata struct {
	// Addr is the dialable address for stream transports. Transports that
	// establish connections through a Signaler ignore it.
	Addr string
}

type Signaler interface {
	SendSignal(ctx context.Context, peerID string, signal []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  string
	Payload []byte
}
