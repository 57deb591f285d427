package proto

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

var msgpackHandle = &codec.MsgpackHandle{}

// Encode serializes v with the leading message-type byte t, per §6.1 item 3.
func Encode(t MessageType, v interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "proto: encode failed")
	}
	return buf.Bytes(), nil
}

// Decode deserializes the body that follows the message-type byte into out.
func Decode(body []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(body), msgpackHandle)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "proto: decode failed")
	}
	return nil
}

// EncodeEnvelope serializes v with a leading EnvelopeType byte, for embedding
// inside a UserMsgEnvelope.Payload.
func EncodeEnvelope(t EnvelopeType, v interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "proto: encode envelope failed")
	}
	return buf.Bytes(), nil
}

// EnvelopeTypeOf returns the leading EnvelopeType byte of a UserMsgEnvelope
// payload.
func EnvelopeTypeOf(raw []byte) (EnvelopeType, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, errors.New("proto: empty envelope")
	}
	return EnvelopeType(raw[0]), raw[1:], nil
}

// MessageTypeOf returns the leading type byte of a raw packet/stream frame.
func MessageTypeOf(raw []byte) (MessageType, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, errors.New("proto: empty frame")
	}
	return MessageType(raw[0]), raw[1:], nil
}

// MakeCompoundMessage frames N independent messages (each already including
// its own leading type byte) as a single Compound (type 7) message:
// 1-byte count, then N 2-byte big-endian lengths, then the N bodies. §4.5.
func MakeCompoundMessage(msgs [][]byte) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(CompoundMsg))
	buf.WriteByte(uint8(len(msgs)))
	for _, m := range msgs {
		lengthBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lengthBuf, uint16(len(m)))
		buf.Write(lengthBuf)
	}
	for _, m := range msgs {
		buf.Write(m)
	}
	return buf.Bytes()
}

// DecodeCompoundMessage unpacks a Compound body (without the leading type
// byte). Per spec §9, a truncated inner length is handled leniently: as many
// complete messages as the buffer holds are returned and the remainder is
// silently dropped rather than rejecting the whole compound.
func DecodeCompoundMessage(buf []byte) (trunc int, parts [][]byte, err error) {
	if len(buf) < 1 {
		return 0, nil, errors.New("proto: missing compound count")
	}
	numParts := int(buf[0])
	buf = buf[1:]

	if len(buf) < numParts*2 {
		return numParts, nil, errors.New("proto: compound header truncated")
	}

	lengths := make([]int, numParts)
	for i := 0; i < numParts; i++ {
		lengths[i] = int(binary.BigEndian.Uint16(buf[i*2 : i*2+2]))
	}
	buf = buf[numParts*2:]

	parts = make([][]byte, 0, numParts)
	for i := 0; i < numParts; i++ {
		if len(buf) < lengths[i] {
			// Lenient: stop here, keep what we already decoded.
			trunc = numParts - i
			break
		}
		parts = append(parts, buf[:lengths[i]])
		buf = buf[lengths[i]:]
	}
	return trunc, parts, nil
}

// CompressAlgo is the algorithm tag of a Compress (type 9) envelope.
type CompressAlgo uint8

const (
	// CompressFlate is the only supported algorithm: stdlib compress/flate,
	// matching the real memberlist compression envelope (see SPEC_FULL.md §B).
	CompressFlate CompressAlgo = iota
)

// MakeCompressedMessage wraps an already-encoded inner message in a
// Compress (type 9) envelope: 1-byte type + 1-byte algorithm + 4-byte
// original length + compressed bytes.
func MakeCompressedMessage(inner []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.BestSpeed)
	if err != nil {
		return nil, errors.Wrap(err, "proto: flate writer")
	}
	if _, err := w.Write(inner); err != nil {
		return nil, errors.Wrap(err, "proto: flate write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "proto: flate close")
	}

	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(CompressMsg))
	buf.WriteByte(uint8(CompressFlate))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(inner)))
	buf.Write(lenBuf)
	buf.Write(compressed.Bytes())
	return buf.Bytes(), nil
}

// DecodeCompressedMessage expands a Compress body (without the leading type
// byte) back into the inner message bytes (including the inner message's own
// leading type byte).
func DecodeCompressedMessage(body []byte) ([]byte, error) {
	if len(body) < 5 {
		return nil, errors.New("proto: compress body too short")
	}
	algo := CompressAlgo(body[0])
	if algo != CompressFlate {
		return nil, errors.Errorf("proto: unknown compression algorithm %d", algo)
	}
	origLen := binary.BigEndian.Uint32(body[1:5])
	r := flate.NewReader(bytes.NewReader(body[5:]))
	defer r.Close()

	out := make([]byte, origLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "proto: flate read")
	}
	return out, nil
}

// AppendCrc wraps inner in a HasCrc (type 12) wrapper: the 4-byte CRC32 of
// the inner message is written ahead of it so truncation/corruption can be
// detected cheaply.
func AppendCrc(inner []byte) []byte {
	sum := crc32.ChecksumIEEE(inner)
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(HasCrcMsg))
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, sum)
	buf.Write(crcBuf)
	buf.Write(inner)
	return buf.Bytes()
}

// VerifyAndStripCrc validates and removes a HasCrc wrapper from body (the
// bytes following the HasCrcMsg type byte).
func VerifyAndStripCrc(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, errors.New("proto: crc body too short")
	}
	want := binary.BigEndian.Uint32(body[:4])
	inner := body[4:]
	if crc32.ChecksumIEEE(inner) != want {
		return nil, errors.New("proto: crc mismatch")
	}
	return inner, nil
}
