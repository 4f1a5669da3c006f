package mls

import (
	"crypto/aes"
	"crypto/cipher"
)

// newAESGCM returns the stdlib AES-GCM AEAD, selected for every ciphersuite
// other than the ChaCha20-Poly1305 one (see CipherSuite.aead). AES-GCM has
// no third-party implementation in the retrieval pack worth preferring over
// crypto/aes, which is constant-time on every platform Go supports.
func newAESGCM(key []byte) (cipherAEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
