package mls

import (
	"crypto/rand"
	"io"

	x448 "git.schwanenlied.me/yawning/x448.git"
)

// generateX448KeyPair backs the X448 ciphersuite's HPKE KEM keys. circl
// provides Ed448 for signatures but not a DH-friendly X448 scalar-mult API
// as convenient as yawning/x448's, which the teacher already carried as an
// indirect dependency; this promotes it to a direct one (see DESIGN.md).
func generateX448KeyPair() (priv, pub []byte, err error) {
	var scalar [x448.ScalarSize]byte
	if _, err := io.ReadFull(rand.Reader, scalar[:]); err != nil {
		return nil, nil, err
	}
	clampX448(&scalar)

	var pubArr [x448.GroupElementSize]byte
	x448.ScalarBaseMult(&pubArr, &scalar)

	return scalar[:], pubArr[:], nil
}

func x448SharedSecret(priv, pub []byte) ([]byte, error) {
	var scalar, point, out [x448.GroupElementSize]byte
	copy(scalar[:], priv)
	copy(point[:], pub)
	x448.ScalarMult(&out, &scalar, &point)
	return out[:], nil
}

func clampX448(scalar *[x448.ScalarSize]byte) {
	scalar[0] &= 252
	scalar[55] |= 128
}
