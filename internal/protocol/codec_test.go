package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecTradeOffer(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	offer := &TradeOffer{
		OfferID:           "node-a-1",
		OfferedFileName:   "a.txt",
		OfferedFileSize:   1234,
		RequestedFileName: "b.txt",
		RequestedDestPath: "/tmp/b.txt",
	}
	require.NoError(t, codec.Encode(&buf, offer))

	decoded, err := codec.Decode(&buf)
	require.NoError(t, err)

	got, ok := decoded.(*TradeOffer)
	require.True(t, ok, "expected *TradeOffer, got %T", decoded)
	assert.Equal(t, offer, got)
}

func TestCodecTradePayloads(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	payload := []byte("This is the requested file content.")
	require.NoError(t, codec.Encode(&buf, &TradeAccept{OfferID: "x-7", FileBytes: payload}))
	require.NoError(t, codec.Encode(&buf, &TradeDeliver{OfferID: "x-7", FileBytes: payload}))
	require.NoError(t, codec.Encode(&buf, &TradeDecline{OfferID: "x-8"}))

	decoded, err := codec.Decode(&buf)
	require.NoError(t, err)
	accept, ok := decoded.(*TradeAccept)
	require.True(t, ok)
	assert.Equal(t, "x-7", accept.OfferID)
	assert.Equal(t, payload, accept.FileBytes)

	decoded, err = codec.Decode(&buf)
	require.NoError(t, err)
	deliver, ok := decoded.(*TradeDeliver)
	require.True(t, ok)
	assert.Equal(t, payload, deliver.FileBytes)

	decoded, err = codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, &TradeDecline{OfferID: "x-8"}, decoded)

	_, err = codec.Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodecDecodedBytesDoNotAliasInput(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&TradeAccept{OfferID: "o", FileBytes: []byte("abc")})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("abc"), decoded.(*TradeAccept).FileBytes)
}

func TestCodecRendezvousPeers(t *testing.T) {
	codec := NewCodec()

	msg := &RendezvousPeers{Peers: []PeerInfo{
		{NodeID: "n1", Addr: "10.0.0.1:7000"},
		{NodeID: "n2", Addr: "10.0.0.2:7000"},
	}}
	data, err := codec.EncodeToBytes(msg)
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	data, err = codec.EncodeToBytes(&RendezvousJoined{Peer: PeerInfo{NodeID: "n3"}})
	require.NoError(t, err)
	decoded, err = codec.DecodeFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, "n3", decoded.(*RendezvousJoined).Peer.NodeID)
}

func TestCodecEmptyMessage(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Chat{})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, &Chat{}, decoded)
}

func TestCodecError(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Error{Code: ErrPeerNotFound, Message: "no such peer"})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	got := decoded.(*Error)
	assert.Equal(t, ErrPeerNotFound, got.Code)
	assert.Equal(t, "PEER_NOT_FOUND", got.Code.String())
	assert.Equal(t, "no such peer", got.Message)
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	codec := NewCodec()

	body := protowire.AppendTag(nil, 1, protowire.BytesType)
	body = protowire.AppendString(body, "hi")
	body = protowire.AppendTag(body, 9, protowire.VarintType)
	body = protowire.AppendVarint(body, 42)

	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(MsgChat))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, body)
	data = protowire.AppendTag(data, 15, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, &Chat{Text: "hi"}, decoded)
}

func TestCodecUnknownType(t *testing.T) {
	codec := NewCodec()

	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 0x7777)

	_, err := codec.DecodeFromBytes(data)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestCodecMalformed(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeFromBytes([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = codec.DecodeFromBytes(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	// string field carried as a varint
	body := protowire.AppendTag(nil, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 1)
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(MsgAnnounce))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, body)

	_, err = codec.DecodeFromBytes(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodecFrameTooLarge(t *testing.T) {
	codec := NewCodec()

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	_, err := codec.Decode(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecTruncatedFrame(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, &Announce{Username: "alice"}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := codec.Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCodecOverPipe(t *testing.T) {
	codec := NewCodec()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = codec.Encode(client, &Hello{NodeID: "peer-1"})
		_ = codec.Encode(client, &DirectMessage{Text: "psst"})
	}()

	decoded, err := codec.Decode(server)
	require.NoError(t, err)
	assert.Equal(t, &Hello{NodeID: "peer-1"}, decoded)

	decoded, err = codec.Decode(server)
	require.NoError(t, err)
	assert.Equal(t, &DirectMessage{Text: "psst"}, decoded)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "TRADE_OFFER", MsgTradeOffer.String())
	assert.Equal(t, "RENDEZVOUS_SIGNAL", MsgRendezvousSignal.String())
	assert.Equal(t, "UNKNOWN", MessageType(0x9999).String())
}

func TestCodecBeacon(t *testing.T) {
	codec := NewCodec()

	for _, msg := range []*Beacon{
		{NodeID: "n1", Port: 7400},
		{NodeID: "n1", Leaving: true},
	} {
		data, err := codec.EncodeToBytes(msg)
		require.NoError(t, err)

		decoded, err := codec.DecodeFromBytes(data)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}
}
