package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/vibing/akari-udp/pkg/akari"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrInvalidPSK = errors.New("wire: invalid pre-shared key")

// normalizeKey folds an arbitrary-length PSK down to exactly 32 bytes. Keys
// already 32 bytes are used verbatim; any other length is hashed with
// SHA-256.
func normalizeKey(psk []byte) [32]byte {
	if len(psk) == 32 {
		var out [32]byte
		copy(out[:], psk)
		return out
	}
	return sha256.Sum256(psk)
}

// computeHMACTag returns the leading TagSize bytes of HMAC-SHA-256(key, data).
func computeHMACTag(psk []byte, data []byte) [TagSize]byte {
	key := normalizeKey(psk)
	mac := hmac.New(sha256.New, key[:])
	mac.Write(data)
	sum := mac.Sum(nil)
	var tag [TagSize]byte
	copy(tag[:], sum[:TagSize])
	return tag
}

// verifyHMACTag reports whether tag authenticates data under psk, using a
// constant-time comparison.
func verifyHMACTag(psk []byte, data []byte, tag []byte) bool {
	if len(tag) != TagSize {
		return false
	}
	want := computeHMACTag(psk, data)
	return hmac.Equal(want[:], tag)
}

// aeadNonce builds the 24-byte XChaCha20-Poly1305 nonce:
// identifier(8B) || sequence(2B) || (flags & 0x03)(1B) || zero-pad(13B).
func aeadNonce(identifier uint64, sequence uint16, flags byte) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	binary.BigEndian.PutUint64(nonce[0:8], identifier)
	binary.BigEndian.PutUint16(nonce[8:10], sequence)
	nonce[10] = flags & 0x03
	return nonce
}

// sealAEAD encrypts plaintext under psk, using header as associated data and
// a nonce derived from identifier/sequence/flags. The returned slice is
// ciphertext followed by the 16-byte Poly1305 tag.
func sealAEAD(psk []byte, identifier uint64, sequence uint16, flags byte, header, plaintext []byte) ([]byte, error) {
	key := normalizeKey(psk)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrInvalidPSK
	}
	nonce := aeadNonce(identifier, sequence, flags)
	return aead.Seal(nil, nonce[:], plaintext, header), nil
}

// openAEAD decrypts ciphertextAndTag (as produced by sealAEAD) under psk.
func openAEAD(psk []byte, identifier uint64, sequence uint16, flags byte, header, ciphertextAndTag []byte) ([]byte, error) {
	key := normalizeKey(psk)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrInvalidPSK
	}
	nonce := aeadNonce(identifier, sequence, flags)
	plaintext, err := aead.Open(nil, nonce[:], ciphertextAndTag, header)
	if err != nil {
		return nil, akari.ErrAuthFailed
	}
	return plaintext, nil
}
