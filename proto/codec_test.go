package proto

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Alive{
		Incarnation: 7,
		Node:        "node-a",
		Addr:        []byte{127, 0, 0, 1},
		Port:        7946,
		Meta:        []byte("role=web"),
		Vsn:         [6]uint8{0, 1, 1, 0, 1, 1},
	}

	raw, err := Encode(AliveMsg, &in)
	assert.NilError(t, err)

	typ, body, err := MessageTypeOf(raw)
	assert.NilError(t, err)
	assert.Equal(t, typ, AliveMsg)

	var out Alive
	assert.NilError(t, Decode(body, &out))
	assert.DeepEqual(t, in, out)
}

func TestCompoundMessageRoundTrip(t *testing.T) {
	a, err := Encode(PingMsg, &Ping{SeqNo: 1, Node: "a"})
	assert.NilError(t, err)
	b, err := Encode(PingMsg, &Ping{SeqNo: 2, Node: "b"})
	assert.NilError(t, err)

	compound := MakeCompoundMessage([][]byte{a, b})
	typ, body, err := MessageTypeOf(compound)
	assert.NilError(t, err)
	assert.Equal(t, typ, CompoundMsg)

	trunc, parts, err := DecodeCompoundMessage(body)
	assert.NilError(t, err)
	assert.Equal(t, trunc, 0)
	assert.Equal(t, len(parts), 2)

	var p1 Ping
	_, body1, _ := MessageTypeOf(parts[0])
	assert.NilError(t, Decode(body1, &p1))
	assert.Equal(t, p1.SeqNo, uint32(1))
}

func TestCompoundMessageTruncatedIsLenient(t *testing.T) {
	a, err := Encode(PingMsg, &Ping{SeqNo: 1, Node: "a"})
	assert.NilError(t, err)

	compound := MakeCompoundMessage([][]byte{a, a})
	_, body, err := MessageTypeOf(compound)
	assert.NilError(t, err)

	// Truncate the buffer so the second inner message's declared length
	// exceeds what remains; the decode must not error, and must still
	// hand back the first message.
	truncated := body[:len(body)-1]
	trunc, parts, err := DecodeCompoundMessage(truncated)
	assert.NilError(t, err)
	assert.Equal(t, trunc, 1)
	assert.Equal(t, len(parts), 1)
}

func TestCompressRoundTrip(t *testing.T) {
	inner, err := Encode(PingMsg, &Ping{SeqNo: 42, Node: "x"})
	assert.NilError(t, err)

	compressed, err := MakeCompressedMessage(inner)
	assert.NilError(t, err)

	typ, body, err := MessageTypeOf(compressed)
	assert.NilError(t, err)
	assert.Equal(t, typ, CompressMsg)

	out, err := DecodeCompressedMessage(body)
	assert.NilError(t, err)
	assert.DeepEqual(t, inner, out)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := UserEventMessage{LTime: 9, Name: "deploy", Payload: []byte("v42")}

	raw, err := EncodeEnvelope(EnvelopeUserEvent, &in)
	assert.NilError(t, err)

	et, body, err := EnvelopeTypeOf(raw)
	assert.NilError(t, err)
	assert.Equal(t, et, EnvelopeUserEvent)

	var out UserEventMessage
	assert.NilError(t, Decode(body, &out))
	assert.DeepEqual(t, in, out)
}

func TestCrcDetectsTampering(t *testing.T) {
	inner, err := Encode(PingMsg, &Ping{SeqNo: 1, Node: "a"})
	assert.NilError(t, err)

	wrapped := AppendCrc(inner)
	_, body, err := MessageTypeOf(wrapped)
	assert.NilError(t, err)

	verified, err := VerifyAndStripCrc(body)
	assert.NilError(t, err)
	assert.DeepEqual(t, inner, verified)

	tampered := append([]byte(nil), wrapped...)
	tampered[len(tampered)-1] ^= 0xFF
	_, tamperedBody, err := MessageTypeOf(tampered)
	assert.NilError(t, err)
	_, err = VerifyAndStripCrc(tamperedBody)
	assert.ErrorContains(t, err, "crc mismatch")
}
