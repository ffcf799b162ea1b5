package protocol

import "google.golang.org/protobuf/encoding/protowire"

type Message interface {
	Type() MessageType
}

// wireMessage is implemented by every concrete message. Field numbers are
// part of the wire contract and must never be reused.
type wireMessage interface {
	Message
	marshal(b []byte) []byte
	unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

type Announce struct {
	Username string
}

func (Announce) Type() MessageType { return MsgAnnounce }

func (m *Announce) marshal(b []byte) []byte {
	return appendString(b, 1, m.Username)
}

func (m *Announce) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeString(typ, b, &m.Username)
	}
	return 0, nil
}

// Beacon is the LAN discovery datagram. Port is the sender's stream
// transport port; its address is taken from the datagram source.
type Beacon struct {
	Leaving bool
	NodeID  string
	Port    uint64
}

func (Beacon) Type() MessageType { return MsgBeacon }

func (m *Beacon) marshal(b []byte) []byte {
	b = appendString(b, 1, m.NodeID)
	b = appendUint(b, 2, m.Port)
	if m.Leaving {
		b = appendUint(b, 3, 1)
	}
	return b
}

func (m *Beacon) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.NodeID)
	case 2:
		return consumeUint(typ, b, &m.Port)
	case 3:
		var v uint64
		n, err := consumeUint(typ, b, &v)
		m.Leaving = v != 0
		return n, err
	}
	return 0, nil
}

type Chat struct {
	Text string
}

func (Chat) Type() MessageType { return MsgChat }

func (m *Chat) marshal(b []byte) []byte {
	return appendString(b, 1, m.Text)
}

func (m *Chat) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeString(typ, b, &m.Text)
	}
	return 0, nil
}

type DirectMessage struct {
	Text string
}

func (DirectMessage) Type() MessageType { return MsgDirectMessage }

func (m *DirectMessage) marshal(b []byte) []byte {
	return appendString(b, 1, m.Text)
}

func (m *DirectMessage) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeString(typ, b, &m.Text)
	}
	return 0, nil
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

func (m *Error) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Code))
	return appendString(b, 2, m.Message)
}

func (m *Error) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		var code uint64
		n, err := consumeUint(typ, b, &code)
		m.Code = ErrorCode(code)
		return n, err
	case 2:
		return consumeString(typ, b, &m.Message)
	}
	return 0, nil
}

// Hello is the first frame on every stream connection; it carries the
// sender's opaque node identity.
type Hello struct {
	NodeID string
}

func (Hello) Type() MessageType { return MsgHello }

func (m *Hello) marshal(b []byte) []byte {
	return appendString(b, 1, m.NodeID)
}

func (m *Hello) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeString(typ, b, &m.NodeID)
	}
	return 0, nil
}

type PeerInfo struct {
	Addr   string
	NodeID string
}

func (p *PeerInfo) marshal(b []byte) []byte {
	b = appendString(b, 1, p.NodeID)
	return appendString(b, 2, p.Addr)
}

func (p *PeerInfo) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &p.NodeID)
	case 2:
		return consumeString(typ, b, &p.Addr)
	}
	return 0, nil
}

type RendezvousJoined struct {
	Peer PeerInfo
}

func (RendezvousJoined) Type() MessageType { return MsgRendezvousJoined }

func (m *RendezvousJoined) marshal(b []byte) []byte {
	return appendEmbedded(b, 1, &m.Peer)
}

func (m *RendezvousJoined) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeEmbedded(typ, b, &m.Peer)
	}
	return 0, nil
}

type RendezvousLeft struct {
	Peer PeerInfo
}

func (RendezvousLeft) Type() MessageType { return MsgRendezvousLeft }

func (m *RendezvousLeft) marshal(b []byte) []byte {
	return appendEmbedded(b, 1, &m.Peer)
}

func (m *RendezvousLeft) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeEmbedded(typ, b, &m.Peer)
	}
	return 0, nil
}

type RendezvousPeers struct {
	Peers []PeerInfo
}

func (RendezvousPeers) Type() MessageType { return MsgRendezvousPeers }

func (m *RendezvousPeers) marshal(b []byte) []byte {
	for i := range m.Peers {
		b = appendEmbedded(b, 1, &m.Peers[i])
	}
	return b
}

func (m *RendezvousPeers) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		var p PeerInfo
		n, err := consumeEmbedded(typ, b, &p)
		if err == nil && n > 0 {
			m.Peers = append(m.Peers, p)
		}
		return n, err
	}
	return 0, nil
}

type RendezvousRegister struct {
	Addr   string
	NodeID string
}

func (RendezvousRegister) Type() MessageType { return MsgRendezvousRegister }

func (m *RendezvousRegister) marshal(b []byte) []byte {
	b = appendString(b, 1, m.NodeID)
	return appendString(b, 2, m.Addr)
}

func (m *RendezvousRegister) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.NodeID)
	case 2:
		return consumeString(typ, b, &m.Addr)
	}
	return 0, nil
}

// RendezvousSignal relays an opaque signaling payload. Sent by a client,
// PeerID names the target; relayed by the server, it names the source.
type RendezvousSignal struct {
	Payload []byte
	PeerID  string
}

func (RendezvousSignal) Type() MessageType { return MsgRendezvousSignal }

func (m *RendezvousSignal) marshal(b []byte) []byte {
	b = appendString(b, 1, m.PeerID)
	return appendBytes(b, 2, m.Payload)
}

func (m *RendezvousSignal) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.PeerID)
	case 2:
		return consumeBytes(typ, b, &m.Payload)
	}
	return 0, nil
}

type TradeAccept struct {
	FileBytes []byte
	OfferID   string
}

func (TradeAccept) Type() MessageType { return MsgTradeAccept }

func (m *TradeAccept) marshal(b []byte) []byte {
	b = appendString(b, 1, m.OfferID)
	return appendBytes(b, 2, m.FileBytes)
}

func (m *TradeAccept) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.OfferID)
	case 2:
		return consumeBytes(typ, b, &m.FileBytes)
	}
	return 0, nil
}

type TradeDecline struct {
	OfferID string
}

func (TradeDecline) Type() MessageType { return MsgTradeDecline }

func (m *TradeDecline) marshal(b []byte) []byte {
	return appendString(b, 1, m.OfferID)
}

func (m *TradeDecline) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeString(typ, b, &m.OfferID)
	}
	return 0, nil
}

// TradeDeliver carries the offerer's file in answer to a TradeAccept.
type TradeDeliver struct {
	FileBytes []byte
	OfferID   string
}

func (TradeDeliver) Type() MessageType { return MsgTradeDeliver }

func (m *TradeDeliver) marshal(b []byte) []byte {
	b = appendString(b, 1, m.OfferID)
	return appendBytes(b, 2, m.FileBytes)
}

func (m *TradeDeliver) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.OfferID)
	case 2:
		return consumeBytes(typ, b, &m.FileBytes)
	}
	return 0, nil
}

// TradeOffer never carries the offered bytes; OfferID is the reference the
// bytes are delivered under once the recipient has paid with its own file.
type TradeOffer struct {
	OfferID           string
	OfferedFileName   string
	OfferedFileSize   uint64
	RequestedDestPath string
	RequestedFileName string
}

func (TradeOffer) Type() MessageType { return MsgTradeOffer }

func (m *TradeOffer) marshal(b []byte) []byte {
	b = appendString(b, 1, m.OfferID)
	b = appendString(b, 2, m.OfferedFileName)
	b = appendUint(b, 3, m.OfferedFileSize)
	b = appendString(b, 4, m.RequestedFileName)
	return appendString(b, 5, m.RequestedDestPath)
}

func (m *TradeOffer) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.OfferID)
	case 2:
		return consumeString(typ, b, &m.OfferedFileName)
	case 3:
		return consumeUint(typ, b, &m.OfferedFileSize)
	case 4:
		return consumeString(typ, b, &m.RequestedFileName)
	case 5:
		return consumeString(typ, b, &m.RequestedDestPath)
	}
	return 0, nil
}

func newMessage(t MessageType) (wireMessage, bool) {
	switch t {
	case MsgAnnounce:
		return &Announce{}, true
	case MsgBeacon:
		return &Beacon{}, true
	case MsgChat:
		return &Chat{}, true
	case MsgDirectMessage:
		return &DirectMessage{}, true
	case MsgError:
		return &Error{}, true
	case MsgHello:
		return &Hello{}, true
	case MsgRendezvousJoined:
		return &RendezvousJoined{}, true
	case MsgRendezvousLeft:
		return &RendezvousLeft{}, true
	case MsgRendezvousPeers:
		return &RendezvousPeers{}, true
	case MsgRendezvousRegister:
		return &RendezvousRegister{}, true
	case MsgRendezvousSignal:
		return &RendezvousSignal{}, true
	case MsgTradeAccept:
		return &TradeAccept{}, true
	case MsgTradeDecline:
		return &TradeDecline{}, true
	case MsgTradeDeliver:
		return &TradeDeliver{}, true
	case MsgTradeOffer:
		return &TradeOffer{}, true
	default:
		return nil, false
	}
}
