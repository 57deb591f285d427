package security

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func testKey() []byte {
	return []byte("0123456789abcdef") // 16 bytes
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte("hello gossip")
	ad := []byte("my-cluster-label")

	for _, vsn := range []EncryptionVersion{EncryptionVersion0, EncryptionVersion1} {
		env, err := EncryptPayload(vsn, key, plaintext, ad)
		assert.NilError(t, err)

		kr, err := NewKeyring(key)
		assert.NilError(t, err)

		out, err := DecryptPayload(kr, env, ad)
		assert.NilError(t, err)
		assert.Assert(t, bytes.Equal(out, plaintext))
	}
}

func TestDecryptTriesEveryKeyPrimaryFirst(t *testing.T) {
	oldKey := []byte("aaaaaaaaaaaaaaaa")
	newKey := []byte("bbbbbbbbbbbbbbbb")

	env, err := EncryptPayload(EncryptionVersion1, oldKey, []byte("payload"), nil)
	assert.NilError(t, err)

	kr, err := NewKeyring(newKey, oldKey)
	assert.NilError(t, err)

	out, err := DecryptPayload(kr, env, nil)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(out, []byte("payload")))
}

func TestTamperingFailsDecryption(t *testing.T) {
	key := testKey()
	env, err := EncryptPayload(EncryptionVersion1, key, []byte("payload"), []byte("ad"))
	assert.NilError(t, err)

	kr, err := NewKeyring(key)
	assert.NilError(t, err)

	cases := map[string][]byte{
		"ciphertext": append([]byte(nil), env...),
		"nonce":      append([]byte(nil), env...),
	}
	cases["ciphertext"][len(cases["ciphertext"])-1] ^= 0xFF
	cases["nonce"][2] ^= 0xFF

	for name, tampered := range cases {
		_, err := DecryptPayload(kr, tampered, []byte("ad"))
		assert.ErrorContains(t, err, "decryption failed", name)
	}

	// Wrong associated data.
	_, err = DecryptPayload(kr, env, []byte("wrong-ad"))
	assert.ErrorContains(t, err, "decryption failed")
}

func TestLabelHeaderRoundTrip(t *testing.T) {
	inner := []byte("inner-packet-bytes")
	out, err := AddLabelHeader(inner, "my-cluster")
	assert.NilError(t, err)

	label, rest, err := RemoveLabelHeader(out)
	assert.NilError(t, err)
	assert.Equal(t, label, "my-cluster")
	assert.Assert(t, bytes.Equal(rest, inner))
}

func TestLabelHeaderIdentityWhenEmpty(t *testing.T) {
	inner := []byte("inner-packet-bytes")
	out, err := AddLabelHeader(inner, "")
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(out, inner))

	label, rest, err := RemoveLabelHeader(out)
	assert.NilError(t, err)
	assert.Equal(t, label, "")
	assert.Assert(t, bytes.Equal(rest, inner))
}

func TestKeyringUseAndRemove(t *testing.T) {
	primary := []byte("aaaaaaaaaaaaaaaa")
	secondary := []byte("bbbbbbbbbbbbbbbb")

	kr, err := NewKeyring(primary, secondary)
	assert.NilError(t, err)

	assert.NilError(t, kr.UseKey(secondary))
	assert.Assert(t, bytes.Equal(kr.PrimaryKey(), secondary))

	err = kr.RemoveKey(secondary)
	assert.ErrorContains(t, err, "cannot remove the primary key")

	assert.NilError(t, kr.RemoveKey(primary))
	assert.Assert(t, bytes.Equal(kr.PrimaryKey(), secondary))
}
