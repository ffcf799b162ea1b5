package trade

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicate            = errors.New("duplicate")
	ErrInvalidOffer         = errors.New("invalid offer")
	ErrNotOfferer           = errors.New("not the offerer of this trade")
	ErrNotRecipient         = errors.New("not the recipient of this trade")
	ErrOfferNotFound        = errors.New("offer not found")
	ErrSourceFileUnreadable = errors.New("source file unreadable")
	ErrStoreFailed          = errors.New("storing received file failed")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrWrongPeer            = errors.New("message from a peer that is not party to the trade")
)

type State int

const (
	Proposed State = iota
	Accepted
	Declined
	Failed
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s != Proposed
}

type Role int

const (
	RoleOfferer Role = iota
	RoleRecipient
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "recipient"
}

// Offer is one file given for exactly one file received. Paths are local
// to the node holding the Offer: on the offerer OfferedFilePath is the
// source and RequestedFilePath the destination, on the recipient the
// reverse once the offer has been accepted.
type Offer struct {
	ID                string
	OffererUsername   string
	OfferedFileName   string
	OfferedFilePath   string
	RecipientUsername string
	RequestedFileName string
	RequestedFilePath string
}

// NewOffer builds an unsent offer. The ID is assigned by Machine.Propose.
func NewOffer(offerer, offeredName, offeredPath, recipient, requestedName, requestedPath string) (Offer, error) {
	fields := []struct{ name, value string }{
		{"offerer", offerer},
		{"offered file name", offeredName},
		{"offered path", offeredPath},
		{"recipient", recipient},
		{"requested file name", requestedName},
		{"requested path", requestedPath},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return Offer{}, fmt.Errorf("%w: missing %s", ErrInvalidOffer, f.name)
		}
	}
	if offerer == recipient {
		return Offer{}, fmt.Errorf("%w: cannot trade with yourself", ErrInvalidOffer)
	}

	return Offer{
		OffererUsername:   offerer,
		OfferedFileName:   offeredName,
		OfferedFilePath:   offeredPath,
		RecipientUsername: recipient,
		RequestedFileName: requestedName,
		RequestedFilePath: requestedPath,
	}, nil
}

// Decision is the recipient's answer to an offer.
type Decision struct {
	Accept              bool
	OfferedDestPath     string
	RequestedSourcePath string
}

func Accept(offeredDestPath, requestedSourcePath string) Decision {
	return Decision{
		Accept:              true,
		OfferedDestPath:     offeredDestPath,
		RequestedSourcePath: requestedSourcePath,
	}
}

func Decline() Decision {
	return Decision{}
}

type Entry struct {
	Offer
	Role   Role
	PeerID string
	State  State

	OfferedSize uint64
	// RemoteDestPath is where the offerer asked the requested file to go
	// on its machine. Informational only.
	RemoteDestPath string

	Received bool
	Err      error

	seq      uint64
	loading  bool
	sending  bool
	stash    []byte
	delivers int
}

// Busy reports whether a background load or an outgoing file payload is
// outstanding for the entry.
func (e *Entry) Busy() bool {
	return e.loading || e.sending
}
