package mls

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	x448 "git.schwanenlied.me/yawning/x448.git"
	"github.com/cloudflare/circl/sign/ed448"
)

// CipherSuite identifies the bundle of KEM, KDF, AEAD, hash, and signature
// algorithms a group runs under. Values follow the IANA MLS ciphersuite
// registry numbering.
type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519   CipherSuite = 0x0001
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	X448_AES256GCM_SHA512_Ed448       CipherSuite = 0x0004
)

// suiteConstants bundles the byte lengths every KDF-label derivation needs.
type suiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int // output size of Hash, also the KDF's Nh
}

func (cs CipherSuite) constants() suiteConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return suiteConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 32}
	case X448_AES256GCM_SHA512_Ed448:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 64}
	default:
		panic(fmt.Sprintf("mls: unsupported ciphersuite %#04x", uint16(cs)))
	}
}

func (cs CipherSuite) newHash() func() hash.Hash {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		return sha512.New
	default:
		return sha256.New
	}
}

func (cs CipherSuite) Hash(data []byte) []byte {
	h := cs.newHash()()
	h.Write(data)
	return h.Sum(nil)
}

// hkdfExtract implements the KDF.Extract operation of the ciphersuite.
func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	mac := hmac.New(cs.newHash(), salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// hkdfExpand implements the KDF.Expand operation of the ciphersuite.
func (cs CipherSuite) hkdfExpand(secret, info []byte, length int) []byte {
	r := hkdf.Expand(cs.newHash(), secret, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("mls: hkdf expand: %v", err))
	}
	return out
}

// hkdfExpandLabel implements ExpandWithLabel from draft-ietf-mls-protocol-17 §8.
func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	packed, err := syntaxMarshal(&hkdfLabel{
		Length:  uint16(length),
		Label:   []byte("MLS 1.0 " + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Sprintf("mls: marshal hkdf label: %v", err))
	}
	return cs.hkdfExpand(secret, packed, length)
}

type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

// deriveSecret implements DeriveSecret(Secret, Label) from §8.
func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, context, cs.constants().SecretSize)
}

// deriveAppSecret derives the per-(node, generation) keys used by the
// secret tree's hash ratchets (§4.3 of the spec; "DeriveTreeSecret").
func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	packed, err := syntaxMarshal(&treeKDFContext{
		Node:       uint32(node),
		Generation: generation,
	})
	if err != nil {
		panic(fmt.Sprintf("mls: marshal tree context: %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, packed, length)
}

type treeKDFContext struct {
	Node       uint32
	Generation uint32
}

// refHash computes a ProposalRef/KeyPackageRef-style hash-of-structure.
func (cs CipherSuite) refHash(label string, value []byte) []byte {
	packed, err := syntaxMarshal(&refHashInput{
		Label: []byte(label),
		Value: value,
	})
	if err != nil {
		panic(fmt.Sprintf("mls: marshal ref hash input: %v", err))
	}
	return cs.Hash(packed)
}

type refHashInput struct {
	Label []byte `tls:"head=1"`
	Value []byte `tls:"head=4"`
}

// ConstantTimeEqual compares two secrets without leaking timing information.
// Every equality check on a secret, MAC, or signature digest in this module
// goes through this helper (spec §9, "constant-time primitives").
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (cs CipherSuite) mac(key, data []byte) []byte {
	mac := hmac.New(cs.newHash(), key)
	mac.Write(data)
	return mac.Sum(nil)
}

// --- AEAD ---

func (cs CipherSuite) aead(key []byte) (cipherAEAD, error) {
	switch cs {
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	default:
		return newAESGCM(key)
	}
}

// cipherAEAD is the minimal surface this module needs from an AEAD cipher;
// both stdlib's cipher.AEAD and chacha20poly1305.New satisfy it.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func (cs CipherSuite) sealAEAD(key, nonce, aad, pt []byte) ([]byte, error) {
	a, err := cs.aead(key)
	if err != nil {
		return nil, &CryptoError{Op: "aead-seal", Err: err}
	}
	return a.Seal(nil, nonce, pt, aad), nil
}

func (cs CipherSuite) openAEAD(key, nonce, aad, ct []byte) ([]byte, error) {
	a, err := cs.aead(key)
	if err != nil {
		return nil, &CryptoError{Op: "aead-open", Err: err}
	}
	pt, err := a.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, &DecryptionError{Kind: AeadError, Err: err}
	}
	return pt, nil
}

// --- Signature ---

func (cs CipherSuite) generateSignatureKeyPair() (priv, pub []byte, err error) {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		pk, sk, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return sk, pk, nil
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return priv, pub, nil
	}
}

func (cs CipherSuite) sign(priv, message []byte) ([]byte, error) {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		return ed448.Sign(ed448.PrivateKey(priv), message, ""), nil
	default:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, &CryptoError{Op: "sign", Err: fmt.Errorf("bad key size")}
		}
		return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
	}
}

func (cs CipherSuite) verify(pub, message, sig []byte) bool {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		return ed448.Verify(ed448.PublicKey(pub), message, sig, "")
	default:
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
	}
}

// --- KEM (DH for X25519/X448; HPKE wraps this for sealed path secrets) ---

// deriveHPKEKeyPair deterministically derives an HPKE keypair from secret,
// the way every current member must be able to recompute external_priv from
// a GroupInfo's exported external_pub/external_secret (spec §4.2) without
// the committer having to distribute a freshly generated private key.
func (cs CipherSuite) deriveHPKEKeyPair(secret []byte) (priv, pub []byte, err error) {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		var scalar [x448.ScalarSize]byte
		copy(scalar[:], cs.hkdfExpandLabel(secret, "derive", nil, x448.ScalarSize))
		clampX448(&scalar)
		var pubArr [x448.GroupElementSize]byte
		x448.ScalarBaseMult(&pubArr, &scalar)
		return scalar[:], pubArr[:], nil
	default:
		sk := cs.hkdfExpandLabel(secret, "derive", nil, 32)
		sk[0] &= 248
		sk[31] &= 127
		sk[31] |= 64
		pk, err := curve25519.X25519(sk, curve25519.Basepoint)
		if err != nil {
			return nil, nil, err
		}
		return sk, pk, nil
	}
}

func (cs CipherSuite) generateHPKEKeyPair() (priv, pub []byte, err error) {
	switch cs {
	case X448_AES256GCM_SHA512_Ed448:
		return generateX448KeyPair()
	default:
		var sk [32]byte
		if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
			return nil, nil, err
		}
		sk[0] &= 248
		sk[31] &= 127
		sk[31] |= 64
		pk, err := curve25519.X25519(sk[:], curve25519.Basepoint)
		if err != nil {
			return nil, nil, err
		}
		return sk[:], pk, nil
	}
}
