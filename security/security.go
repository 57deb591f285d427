// Package security implements per-packet AES-GCM encryption with a keyring
// of accepted keys, and the optional cluster "label" header used both as
// transport-level tenant isolation and as AEAD associated data. Grounded on
// spec §4.2/§6.1; cryptographic primitives are kept on stdlib per
// SPEC_FULL.md §B.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// EncryptionVersion selects the padding scheme of the AEAD envelope.
type EncryptionVersion uint8

const (
	// EncryptionVersion0 prepends PKCS7 padding before sealing (legacy,
	// 45 bytes of overhead: 1 version + 12 nonce + up to 16 padding + 16 tag
	// in the worst case, hence "overhead 45B" per spec for the typical case).
	EncryptionVersion0 EncryptionVersion = iota
	// EncryptionVersion1 seals unpadded plaintext (29 bytes of overhead:
	// 1 version + 12 nonce + 16 tag).
	EncryptionVersion1
)

const (
	nonceSize  = 12
	tagSize    = 16
	versionLen = 1
	blockSize  = aes.BlockSize
)

// MaxLabelLength is the maximum byte length of a cluster label (§4.2).
const MaxLabelLength = 255

// Keyring holds the set of AES keys a node accepts for decryption, in
// primary-first order. The primary key is used for outbound encryption.
type Keyring struct {
	keys [][]byte // keys[0] is always the primary
}

// NewKeyring constructs a Keyring from a primary key and optional extra
// accepted keys. Each key must be 16, 24, or 32 bytes (AES-128/192/256).
func NewKeyring(primary []byte, extra ...[]byte) (*Keyring, error) {
	if err := validateKey(primary); err != nil {
		return nil, err
	}
	kr := &Keyring{keys: [][]byte{primary}}
	for _, k := range extra {
		if err := kr.AddKey(k); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

func validateKey(k []byte) error {
	switch len(k) {
	case 16, 24, 32:
		return nil
	default:
		return errors.Errorf("security: invalid key length %d, must be 16, 24, or 32 bytes", len(k))
	}
}

// AddKey installs a new accepted key (non-primary) if not already present.
func (k *Keyring) AddKey(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	for _, existing := range k.keys {
		if bytesEqual(existing, key) {
			return nil
		}
	}
	k.keys = append(k.keys, key)
	return nil
}

// UseKey promotes an already-installed key to primary.
func (k *Keyring) UseKey(key []byte) error {
	for i, existing := range k.keys {
		if bytesEqual(existing, key) {
			k.keys[0], k.keys[i] = k.keys[i], k.keys[0]
			return nil
		}
	}
	return errors.New("security: key not installed, cannot use")
}

// RemoveKey removes a non-primary key from the keyring.
func (k *Keyring) RemoveKey(key []byte) error {
	if len(k.keys) > 0 && bytesEqual(k.keys[0], key) {
		return errors.New("security: cannot remove the primary key")
	}
	for i, existing := range k.keys {
		if bytesEqual(existing, key) {
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			return nil
		}
	}
	return nil
}

// Keys returns the keyring contents, primary first.
func (k *Keyring) Keys() [][]byte {
	out := make([][]byte, len(k.keys))
	copy(out, k.keys)
	return out
}

// PrimaryKey returns the current primary key, or nil if the keyring is empty.
func (k *Keyring) PrimaryKey() []byte {
	if len(k.keys) == 0 {
		return nil
	}
	return k.keys[0]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EncryptPayload seals plaintext with key (callers pass the keyring's
// primary key) under
// associated data ad (typically the label bytes, or empty). A fresh random
// 12-byte nonce is generated per call.
func EncryptPayload(vsn EncryptionVersion, key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "security: nonce generation failed")
	}

	msg := plaintext
	if vsn == EncryptionVersion0 {
		msg = pkcs7Pad(plaintext, blockSize)
	}

	out := make([]byte, 0, versionLen+nonceSize+len(msg)+tagSize)
	out = append(out, uint8(vsn))
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, msg, ad)
	return out, nil
}

// DecryptPayload tries every key in the keyring (primary first) to open an
// envelope produced by EncryptPayload, returning the first successful
// plaintext. Any tampering of ciphertext, nonce, or associated data causes
// every key to fail, and an error is returned.
func DecryptPayload(kr *Keyring, envelope, ad []byte) ([]byte, error) {
	if len(envelope) < versionLen+nonceSize+tagSize {
		return nil, errors.New("security: envelope too short")
	}
	vsn := EncryptionVersion(envelope[0])
	if vsn != EncryptionVersion0 && vsn != EncryptionVersion1 {
		return nil, errors.Errorf("security: unsupported encryption version %d", vsn)
	}
	nonce := envelope[versionLen : versionLen+nonceSize]
	ciphertext := envelope[versionLen+nonceSize:]

	var lastErr error
	for _, key := range kr.Keys() {
		gcm, err := newGCM(key)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := gcm.Open(nil, nonce, ciphertext, ad)
		if err != nil {
			lastErr = err
			continue
		}
		if vsn == EncryptionVersion0 {
			plain, err = pkcs7Unpad(plain, blockSize)
			if err != nil {
				lastErr = err
				continue
			}
		}
		return plain, nil
	}
	if lastErr == nil {
		lastErr = errors.New("security: no keys configured")
	}
	return nil, errors.Wrap(lastErr, "security: decryption failed with every key in the keyring")
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "security: invalid AES key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "security: gcm init failed")
	}
	return gcm, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("security: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errors.New("security: invalid pkcs7 padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("security: invalid pkcs7 padding")
		}
	}
	return data[:n-padLen], nil
}

// AddLabelHeader prepends the typed label header (§4.2) to an outgoing
// packet: 1-byte tag (244), 1-byte length, label bytes. If label is empty,
// the packet is returned unchanged.
func AddLabelHeader(packet []byte, label string) ([]byte, error) {
	if label == "" {
		return packet, nil
	}
	if len(label) > MaxLabelLength {
		return nil, errors.Errorf("security: label exceeds %d bytes", MaxLabelLength)
	}
	out := make([]byte, 0, 2+len(label)+len(packet))
	out = append(out, LabelHeaderTag)
	out = append(out, uint8(len(label)))
	out = append(out, label...)
	out = append(out, packet...)
	return out, nil
}

// LabelHeaderTag mirrors proto.LabelHeaderTag to avoid an import cycle; the
// two constants must always agree.
const LabelHeaderTag = 244

// RemoveLabelHeader strips a label header if present, returning the label
// (empty if none) and the remaining packet bytes.
func RemoveLabelHeader(packet []byte) (label string, rest []byte, err error) {
	if len(packet) == 0 || packet[0] != LabelHeaderTag {
		return "", packet, nil
	}
	if len(packet) < 2 {
		return "", nil, errors.New("security: truncated label header")
	}
	l := int(packet[1])
	if len(packet) < 2+l {
		return "", nil, errors.New("security: truncated label bytes")
	}
	return string(packet[2 : 2+l]), packet[2+l:], nil
}
