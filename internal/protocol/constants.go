package protocol

const (
	HeaderSize   = 4
	MaxFrameSize = 64 * 1024 * 1024
	MaxTextSize  = 4096
)

type MessageType uint16

const (
	MsgAnnounce           MessageType = 0x0010
	MsgBeacon             MessageType = 0x0050
	MsgChat               MessageType = 0x0020
	MsgDirectMessage      MessageType = 0x0021
	MsgError              MessageType = 0x00FF
	MsgHello              MessageType = 0x0001
	MsgRendezvousJoined   MessageType = 0x0042
	MsgRendezvousLeft     MessageType = 0x0043
	MsgRendezvousPeers    MessageType = 0x0041
	MsgRendezvousRegister MessageType = 0x0040
	MsgRendezvousSignal   MessageType = 0x0044
	MsgTradeAccept        MessageType = 0x0031
	MsgTradeDecline       MessageType = 0x0032
	MsgTradeDeliver       MessageType = 0x0033
	MsgTradeOffer         MessageType = 0x0030
)

func (t MessageType) String() string {
	switch t {
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgBeacon:
		return "BEACON"
	case MsgChat:
		return "CHAT"
	case MsgDirectMessage:
		return "DIRECT_MESSAGE"
	case MsgError:
		return "ERROR"
	case MsgHello:
		return "HELLO"
	case MsgRendezvousJoined:
		return "RENDEZVOUS_JOINED"
	case MsgRendezvousLeft:
		return "RENDEZVOUS_LEFT"
	case MsgRendezvousPeers:
		return "RENDEZVOUS_PEERS"
	case MsgRendezvousRegister:
		return "RENDEZVOUS_REGISTER"
	case MsgRendezvousSignal:
		return "RENDEZVOUS_SIGNAL"
	case MsgTradeAccept:
		return "TRADE_ACCEPT"
	case MsgTradeDecline:
		return "TRADE_DECLINE"
	case MsgTradeDeliver:
		return "TRADE_DELIVER"
	case MsgTradeOffer:
		return "TRADE_OFFER"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrInternal      ErrorCode = 0x00FF
	ErrInvalidMsg    ErrorCode = 0x0001
	ErrNotRegistered ErrorCode = 0x0002
	ErrPeerNotFound  ErrorCode = 0x0004
	ErrUnknown       ErrorCode = 0x0000
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrNotRegistered:
		return "NOT_REGISTERED"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}
