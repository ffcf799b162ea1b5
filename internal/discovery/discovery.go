// Package discovery reports which peers are present. The node consumes
// Events without knowing which backend produced them.
package discovery

import "context"

type Kind int

const (
	Found Kind = iota
	Lost
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event reports a peer appearing or going away. Addr is the address its
// stream transport listens on, empty when the backend does not know it.
type Event struct {
	Kind   Kind
	PeerID string
	Addr   string
}

type Discovery interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// Nop never reports a peer. Used when discovery is disabled.
type Nop struct {
	events chan Event
}

func NewNop() *Nop {
	return &Nop{events: make(chan Event)}
}

func (n *Nop) Start(context.Context) error { return nil }
func (n *Nop) Events() <-chan Event        { return n.events }
func (n *Nop) Close() error                { return nil }
