// Package codec implements the fixed binary envelope framing exchanged
// with clients over the websocket transport.
//
// Frame layout (big-endian):
//
//	byte 0      type tag
//	byte 1      flag bits
//	uint16      room id length, followed by the room id
//	uint16      sender id length, followed by the sender id (only when
//	            the has-sender flag is set)
//	varint      payload length (1-4 bytes, 7 bits per byte, high bit
//	            means continue), followed by the payload
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrTruncated       = errors.New("truncated frame")
	ErrUnknownType     = errors.New("unknown envelope type")
	ErrLengthOverflow  = errors.New("varint length exceeds 4 bytes")
	ErrPayloadTooLarge = errors.New("payload exceeds configured maximum")
	ErrTrailingBytes   = errors.New("trailing bytes after payload")
)

// maxVarintPayload is the largest length a 4-byte varint can carry.
const maxVarintPayload = 268435455

// Codec encodes and decodes envelopes. MaxPayload bounds the decoded
// payload size; zero means bounded only by the varint range.
type Codec struct {
	MaxPayload int
}

// Encode serializes an envelope into a wire frame. The has-sender flag
// is derived from SenderID, never trusted from Flags.
func (c *Codec) Encode(env *domain.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, env.Type)
	}
	if len(env.RoomID) > 0xFFFF || len(env.SenderID) > 0xFFFF {
		return nil, errors.New("id field exceeds uint16 length")
	}
	if c.MaxPayload > 0 && len(env.Payload) > c.MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	if len(env.Payload) > maxVarintPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrLengthOverflow, len(env.Payload))
	}

	flags := env.Flags &^ domain.FlagHasSender
	if env.SenderID != "" {
		flags |= domain.FlagHasSender
	}

	size := 2 + 2 + len(env.RoomID) + 4 + len(env.Payload)
	if env.SenderID != "" {
		size += 2 + len(env.SenderID)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, byte(env.Type), flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.RoomID)))
	buf = append(buf, env.RoomID...)
	if env.SenderID != "" {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.SenderID)))
		buf = append(buf, env.SenderID...)
	}
	buf = append(buf, encodeVarint(len(env.Payload))...)
	buf = append(buf, env.Payload...)

	return buf, nil
}

// Decode parses a wire frame. An unknown type tag returns ErrUnknownType
// together with the partially decoded envelope so the caller can reply
// to the originating session.
func (c *Codec) Decode(frame []byte) (*domain.Envelope, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(frame) < 2 {
		return nil, ErrTruncated
	}

	env := &domain.Envelope{
		Type:  domain.EnvelopeType(frame[0]),
		Flags: frame[1],
	}
	pos := 2

	roomID, n, err := readString(frame[pos:])
	if err != nil {
		return nil, err
	}
	env.RoomID = roomID
	pos += n

	if env.Flags&domain.FlagHasSender != 0 {
		sender, n, err := readString(frame[pos:])
		if err != nil {
			return nil, err
		}
		env.SenderID = sender
		pos += n
	}

	plen, n, err := decodeVarint(frame[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	if c.MaxPayload > 0 && plen > c.MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	if len(frame)-pos < plen {
		return nil, ErrTruncated
	}
	if len(frame)-pos > plen {
		return nil, ErrTrailingBytes
	}
	if plen > 0 {
		env.Payload = make([]byte, plen)
		copy(env.Payload, frame[pos:pos+plen])
	}

	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: %d", ErrUnknownType, frame[0])
	}
	return env, nil
}

func readString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, ErrTruncated
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+l {
		return "", 0, ErrTruncated
	}
	return string(b[2 : 2+l]), 2 + l, nil
}

func encodeVarint(x int) []byte {
	var buf [4]byte
	i := 0
	for {
		buf[i] = byte(x % 128)
		x /= 128
		if x > 0 {
			buf[i] |= 128
		}
		i++
		if x == 0 || i == 4 {
			break
		}
	}
	return buf[:i]
}

func decodeVarint(b []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncated
		}
		value += int(b[i]&127) * multiplier
		multiplier *= 128
		if b[i]&128 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrLengthOverflow
}
