package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Encrypt and Decrypt are the same AES-CTR keystream operation; a Session
// calls Encrypt for egress and Decrypt for ingress, but the cipher itself
// doesn't care which direction it's used in.
//
// Egress IVs do not repeat within a Session: each header carries the
// Session's cookie and its local sequence, the key and cookie are drawn
// fresh for every Session, and the local sequence is only ever incremented,
// never reset.

// Encrypt XORs plaintext with the AES-128-CTR keystream derived from key
// and iv (the 16-byte datagram header). iv must be exactly 16 bytes: it is
// both the frame's wire prefix and the CTR counter block.
func Encrypt(key [16]byte, iv []byte, plaintext []byte) ([]byte, error) {
	return xorKeyStream(key, iv, plaintext)
}

// Decrypt is identical to Encrypt under CTR mode.
func Decrypt(key [16]byte, iv []byte, ciphertext []byte) ([]byte, error) {
	return xorKeyStream(key, iv, ciphertext)
}

func xorKeyStream(key [16]byte, iv []byte, data []byte) ([]byte, error) {
	if len(iv) != HeaderSize {
		return nil, fmt.Errorf("udp: iv must be %d bytes, got %d", HeaderSize, len(iv))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("udp: aes cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}
