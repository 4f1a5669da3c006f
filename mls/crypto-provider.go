package mls

import (
	"crypto/rand"
	"fmt"
	"io"

	hpke "github.com/cisco/go-hpke"
)

// CryptoProvider is the capability interface spec.md §2 calls out as a
// pluggable collaborator: HPKE seal/open with labeled context, AEAD,
// signature, hash, HKDF, and randomness. Every operation that needs crypto
// takes one as an explicit parameter (spec §9, "Capability-based crypto") —
// there is no process-wide mutable crypto state.
type CryptoProvider interface {
	Suite() CipherSuite

	// EncryptWithLabel implements the MLS EncryptWithLabel/DecryptWithLabel
	// contract (spec §6.2): labeled, context-bound HPKE.
	EncryptWithLabel(pub []byte, label string, context, aad, pt []byte) (kemOutput, ciphertext []byte, err error)
	DecryptWithLabel(priv, pub []byte, label string, context, aad, kemOutput, ciphertext []byte) ([]byte, error)

	// ExportSecret and ExportSecretReceiver implement HPKE's Export
	// primitive (RFC 9180 §5.3): a labeled secret derived from an HPKE
	// exchange rather than used to seal anything, the way spec §4.2's
	// external commit derives its substitute init_secret from external_pub.
	ExportSecret(pub []byte, label string, context []byte, length int) (kemOutput, secret []byte, err error)
	ExportSecretReceiver(priv []byte, label string, context []byte, kemOutput []byte, length int) (secret []byte, err error)

	SealAEAD(key, nonce, aad, pt []byte) ([]byte, error)
	OpenAEAD(key, nonce, aad, ct []byte) ([]byte, error)

	Sign(priv, message []byte) ([]byte, error)
	Verify(pub, message, sig []byte) bool

	Hash(data []byte) []byte
	MAC(key, data []byte) []byte

	HKDFExtract(salt, ikm []byte) []byte
	HKDFExpandLabel(secret []byte, label string, context []byte, length int) []byte

	GenerateHPKEKeyPair() (priv, pub []byte, err error)
	DeriveHPKEKeyPair(secret []byte) (priv, pub []byte, err error)
	GenerateSignatureKeyPair() (priv, pub []byte, err error)

	Random(n int) ([]byte, error)
}

// defaultCryptoProvider is the production CryptoProvider, composing the
// per-ciphersuite primitives of ciphersuite.go with cisco/go-hpke for the
// labeled HPKE contract.
type defaultCryptoProvider struct {
	suite CipherSuite
}

// NewCryptoProvider returns the default CryptoProvider for a ciphersuite.
func NewCryptoProvider(suite CipherSuite) CryptoProvider {
	return &defaultCryptoProvider{suite: suite}
}

func (p *defaultCryptoProvider) Suite() CipherSuite { return p.suite }

func (p *defaultCryptoProvider) hpkeSuite() (hpke.CipherSuite, error) {
	switch p.suite {
	case X25519_AES128GCM_SHA256_Ed25519:
		return hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305)
	case X448_AES256GCM_SHA512_Ed448:
		return hpke.AssembleCipherSuite(hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AES256GCM)
	default:
		return hpke.CipherSuite{}, fmt.Errorf("mls: unsupported ciphersuite for hpke %#04x", uint16(p.suite))
	}
}

// encryptContext is the EncryptWithLabelContext structure of spec §6.2;
// labeledInfo builds it with the label prefixed "MLS 1.0 " and bound
// alongside the caller's context.
type encryptContext struct {
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (p *defaultCryptoProvider) labeledInfo(label string, context []byte) ([]byte, error) {
	return syntaxMarshal(&encryptContext{
		Label:   []byte("MLS 1.0 " + label),
		Context: context,
	})
}

func (p *defaultCryptoProvider) EncryptWithLabel(pub []byte, label string, context, aad, pt []byte) ([]byte, []byte, error) {
	suite, err := p.hpkeSuite()
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-suite", Err: err}
	}
	info, err := p.labeledInfo(label, context)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-label", Err: err}
	}
	kemPub, err := suite.KEM.Deserialize(pub)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-deserialize-pub", Err: err}
	}
	enc, ctx, err := hpke.SetupBaseS(suite, rand.Reader, kemPub, info)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-setup", Err: err}
	}
	ct := ctx.Seal(aad, pt)
	return enc, ct, nil
}

func (p *defaultCryptoProvider) DecryptWithLabel(priv, pub []byte, label string, context, aad, kemOutput, ciphertext []byte) ([]byte, error) {
	suite, err := p.hpkeSuite()
	if err != nil {
		return nil, &CryptoError{Op: "hpke-suite", Err: err}
	}
	info, err := p.labeledInfo(label, context)
	if err != nil {
		return nil, &CryptoError{Op: "hpke-label", Err: err}
	}
	kemPriv, err := suite.KEM.DeserializePrivate(priv)
	if err != nil {
		return nil, &CryptoError{Op: "hpke-deserialize-priv", Err: err}
	}
	ctx, err := hpke.SetupBaseR(suite, kemPriv, kemOutput, info)
	if err != nil {
		return nil, &DecryptionError{Kind: HpkeDecryptionError, Err: err}
	}
	pt, err := ctx.Open(aad, ciphertext)
	if err != nil {
		return nil, &DecryptionError{Kind: HpkeDecryptionError, Err: err}
	}
	return pt, nil
}

func (p *defaultCryptoProvider) ExportSecret(pub []byte, label string, context []byte, length int) ([]byte, []byte, error) {
	suite, err := p.hpkeSuite()
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-suite", Err: err}
	}
	info, err := p.labeledInfo(label, nil)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-label", Err: err}
	}
	kemPub, err := suite.KEM.Deserialize(pub)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-deserialize-pub", Err: err}
	}
	enc, ctx, err := hpke.SetupBaseS(suite, rand.Reader, kemPub, info)
	if err != nil {
		return nil, nil, &CryptoError{Op: "hpke-setup", Err: err}
	}
	return enc, ctx.Export(context, length), nil
}

func (p *defaultCryptoProvider) ExportSecretReceiver(priv []byte, label string, context []byte, kemOutput []byte, length int) ([]byte, error) {
	suite, err := p.hpkeSuite()
	if err != nil {
		return nil, &CryptoError{Op: "hpke-suite", Err: err}
	}
	info, err := p.labeledInfo(label, nil)
	if err != nil {
		return nil, &CryptoError{Op: "hpke-label", Err: err}
	}
	kemPriv, err := suite.KEM.DeserializePrivate(priv)
	if err != nil {
		return nil, &CryptoError{Op: "hpke-deserialize-priv", Err: err}
	}
	ctx, err := hpke.SetupBaseR(suite, kemPriv, kemOutput, info)
	if err != nil {
		return nil, &DecryptionError{Kind: HpkeDecryptionError, Err: err}
	}
	return ctx.Export(context, length), nil
}

func (p *defaultCryptoProvider) SealAEAD(key, nonce, aad, pt []byte) ([]byte, error) {
	return p.suite.sealAEAD(key, nonce, aad, pt)
}

func (p *defaultCryptoProvider) OpenAEAD(key, nonce, aad, ct []byte) ([]byte, error) {
	return p.suite.openAEAD(key, nonce, aad, ct)
}

func (p *defaultCryptoProvider) Sign(priv, message []byte) ([]byte, error) {
	return p.suite.sign(priv, message)
}

func (p *defaultCryptoProvider) Verify(pub, message, sig []byte) bool {
	return p.suite.verify(pub, message, sig)
}

func (p *defaultCryptoProvider) Hash(data []byte) []byte { return p.suite.Hash(data) }

func (p *defaultCryptoProvider) MAC(key, data []byte) []byte { return p.suite.mac(key, data) }

func (p *defaultCryptoProvider) HKDFExtract(salt, ikm []byte) []byte {
	return p.suite.hkdfExtract(salt, ikm)
}

func (p *defaultCryptoProvider) HKDFExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	return p.suite.hkdfExpandLabel(secret, label, context, length)
}

func (p *defaultCryptoProvider) GenerateHPKEKeyPair() ([]byte, []byte, error) {
	return p.suite.generateHPKEKeyPair()
}

func (p *defaultCryptoProvider) DeriveHPKEKeyPair(secret []byte) ([]byte, []byte, error) {
	return p.suite.deriveHPKEKeyPair(secret)
}

func (p *defaultCryptoProvider) GenerateSignatureKeyPair() ([]byte, []byte, error) {
	return p.suite.generateSignatureKeyPair()
}

func (p *defaultCryptoProvider) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, &CryptoError{Op: "random", Err: err}
	}
	return buf, nil
}
