package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message type")
)

const (
	envelopeType protowire.Number = 1
	envelopeBody protowire.Number = 2
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Encode writes msg as a single length-prefixed frame.
func (c *Codec) Encode(w io.Writer, msg Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// Decode reads exactly one frame from r. io.EOF is returned unwrapped when
// the stream ends cleanly between frames.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return c.DecodeFromBytes(data)
}

func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	frame = append(frame, data...)

	_, err := w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	wm, ok := msg.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	body := wm.marshal(nil)

	b := protowire.AppendTag(nil, envelopeType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(wm.Type()))
	b = protowire.AppendTag(b, envelopeBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	var (
		msgType uint64
		hasType bool
		body    []byte
	)

	err := unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envelopeType:
			hasType = true
			return consumeUint(typ, b, &msgType)
		case envelopeBody:
			if typ != protowire.BytesType {
				return 0, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			body = v
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !hasType {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg, ok := newMessage(MessageType(msgType))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessage, msgType)
	}
	if err := unmarshalFields(body, msg.unmarshalField); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type(), err)
	}
	return msg, nil
}

// unmarshalFields walks every field in b, handing each to fn. A field fn
// does not handle (it returns 0 consumed bytes) is skipped.
func unmarshalFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

type embedded interface {
	marshal(b []byte) []byte
	unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

func appendEmbedded(b []byte, num protowire.Number, m embedded) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.marshal(nil))
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

// consumeBytes copies the value so decoded messages never alias the frame.
func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeUint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeEmbedded(typ protowire.Type, b []byte, dst embedded) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := unmarshalFields(v, dst.unmarshalField); err != nil {
		return 0, err
	}
	return n, nil
}
