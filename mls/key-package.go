package mls

// KeyPackage publishes the material a prospective member needs to be added
// to a group out of band: protocol version, ciphersuite, HPKE init key, the
// member's LeafNode, extensions, and a signature over all of it (spec §3,
// §6.1).
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	LeafNode    LeafNode
	Extensions  ExtensionList `tls:"head=4"`
	Signature   []byte        `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	LeafNode    LeafNode
	Extensions  ExtensionList `tls:"head=4"`
}

func (kp *KeyPackage) tbs() ([]byte, error) {
	return syntaxMarshal(&keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

// sign fills both the embedded LeafNode's signature (context ∅, since its
// source is KeyPackage) and the KeyPackage's own "KeyPackageTBS" signature.
func (kp *KeyPackage) sign(crypto CryptoProvider, sigPriv []byte) error {
	if err := kp.LeafNode.sign(crypto, sigPriv, nil, 0); err != nil {
		return err
	}
	tbs, err := kp.tbs()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(sigPriv, tbs)
	if err != nil {
		return err
	}
	kp.Signature = sig
	return nil
}

// verify checks the KeyPackageTBS signature, the embedded LeafNode's own
// signature, and the cross-field invariants of spec §3.
func (kp *KeyPackage) verify(crypto CryptoProvider) error {
	if err := kp.LeafNode.verify(crypto, nil, 0); err != nil {
		return err
	}
	tbs, err := kp.tbs()
	if err != nil {
		return newValidationError("key package tbs", err)
	}
	if !crypto.Verify(kp.LeafNode.SignatureKey, tbs, kp.Signature) {
		return newValidationError("key package signature invalid", nil)
	}
	if ConstantTimeEqual(kp.InitKey, kp.LeafNode.EncryptionKey) {
		return newValidationError("key package init_key equals leaf encryption_key", nil)
	}
	return nil
}

// Ref is the KeyPackageRef used to address this key package in a Welcome's
// per-recipient secrets list (spec §6.1).
func (kp *KeyPackage) Ref(crypto CryptoProvider) ([]byte, error) {
	enc, err := syntaxMarshal(kp)
	if err != nil {
		return nil, err
	}
	return crypto.Suite().refHash("MLS 1.0 KeyPackageReference", enc), nil
}

// NewKeyPackageWithStore builds and signs a fresh KeyPackage for a
// prospective member, generating both the HPKE init key pair and the
// leaf's encryption key pair, and persists both private keys in store
// keyed by their public keys, as spec §5 requires for later
// forward-secrecy-critical deletion.
func NewKeyPackageWithStore(crypto CryptoProvider, store KeyStore, cred Credential, sigPriv, sigPub []byte, lifetime Lifetime, extensions ExtensionList) (*KeyPackage, error) {
	initPriv, initPub, err := crypto.GenerateHPKEKeyPair()
	if err != nil {
		return nil, err
	}
	encPriv, encPub, err := crypto.GenerateHPKEKeyPair()
	if err != nil {
		return nil, err
	}

	leaf := LeafNode{
		EncryptionKey: encPub,
		SignatureKey:  sigPub,
		Credential:    cred,
		Capabilities:  DefaultCapabilities(crypto.Suite()),
		SourceType:    LeafNodeSourceKeyPackage,
		Lifetime:      lifetime,
		Extensions:    extensions,
	}
	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: crypto.Suite(),
		InitKey:     initPub,
		LeafNode:    leaf,
		Extensions:  extensions,
	}
	if err := kp.sign(crypto, sigPriv); err != nil {
		return nil, err
	}

	if err := store.Put(KeyStoreInitPrivate, initPub, initPriv); err != nil {
		return nil, &StoreError{Op: "put init private", Err: err}
	}
	if err := store.Put(KeyStoreEncryptionPrivate, encPub, encPriv); err != nil {
		return nil, &StoreError{Op: "put encryption private", Err: err}
	}
	if err := store.Put(KeyStoreSignaturePrivate, sigPub, sigPriv); err != nil {
		return nil, &StoreError{Op: "put signature private", Err: err}
	}
	return kp, nil
}
