// Package cipher decrypts the console's telemetry stream. The stream uses a
// fixed 256-bit key and a per-packet 64-bit nonce with the Salsa20/20
// primitive from the x/crypto pack.
package cipher

import (
	"fmt"

	"golang.org/x/crypto/salsa20"
)

// KeySize and NonceSize match the Salsa20 family requirements.
const (
	KeySize   = 32
	NonceSize = 8
)

// Decrypt returns the Salsa20/20 keystream XORed with ciphertext. The
// console never streams across calls, so each datagram is decrypted in a
// single shot into a freshly allocated buffer of equal length.
func Decrypt(ciphertext []byte, key [KeySize]byte, nonce [NonceSize]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cipher: empty ciphertext")
	}
	plaintext := make([]byte, len(ciphertext))
	salsa20.XORKeyStream(plaintext, ciphertext, nonce[:], &key)
	return plaintext, nil
}
