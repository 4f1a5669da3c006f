package mls

import (
	"bytes"
	"time"
)

// LeafNodeSourceType tags why a LeafNode was created (spec §3).
type LeafNodeSourceType uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSourceType = 1
	LeafNodeSourceUpdate     LeafNodeSourceType = 2
	LeafNodeSourceCommit     LeafNodeSourceType = 3
)

// Lifetime bounds the validity window of a KeyPackage-sourced LeafNode.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) validAt(t time.Time) bool {
	u := uint64(t.Unix())
	return u >= l.NotBefore && u <= l.NotAfter
}

// LeafNode carries a member's public state: its HPKE encryption key, its
// signature key, credential, capabilities, and the source-specific tail
// (Lifetime for KeyPackage, nothing for Update, ParentHash for Commit),
// all covered by Signature (spec §3, §6.1).
//
// A freshly decoded LeafNode is not trusted until Verify succeeds — this
// implementation keeps that a runtime check rather than a distinct type
// (spec §9 suggests a Verifiable* wrapper type; we fold that into the
// verify method below to avoid a parallel type hierarchy for
// every wire structure, which the teacher's codebase also does not have).
type LeafNode struct {
	EncryptionKey []byte `tls:"head=2"`
	SignatureKey  []byte `tls:"head=2"`
	Credential    Credential
	Capabilities  Capabilities
	SourceType    LeafNodeSourceType
	Lifetime      Lifetime // valid iff SourceType == LeafNodeSourceKeyPackage
	ParentHash    []byte   `tls:"head=1"` // valid iff SourceType == LeafNodeSourceCommit
	Extensions    ExtensionList `tls:"head=4"`
	Signature     []byte        `tls:"head=2"`
}

// leafNodeTBSContext captures the signature label's context-dependent
// suffix (spec §6.1): ∅ for KeyPackage, (group_id, leaf_index) otherwise.
type leafNodeTBSContext struct {
	GroupID   []byte `tls:"head=1"`
	LeafIndex uint32
}

func (l *LeafNode) tbs(groupID []byte, leafIndex leafIndex) ([]byte, error) {
	var buf bytes.Buffer
	body, err := syntaxMarshal(&struct {
		EncryptionKey []byte `tls:"head=2"`
		SignatureKey  []byte `tls:"head=2"`
		Credential    Credential
		Capabilities  Capabilities
		SourceType    LeafNodeSourceType
	}{l.EncryptionKey, l.SignatureKey, l.Credential, l.Capabilities, l.SourceType})
	if err != nil {
		return nil, err
	}
	buf.Write(body)

	switch l.SourceType {
	case LeafNodeSourceKeyPackage:
		b, err := syntaxMarshal(&l.Lifetime)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	case LeafNodeSourceCommit:
		b, err := syntaxMarshal(&struct {
			ParentHash []byte `tls:"head=1"`
		}{l.ParentHash})
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}

	tail, err := syntaxMarshal(&struct {
		Extensions ExtensionList `tls:"head=4"`
	}{l.Extensions})
	if err != nil {
		return nil, err
	}
	buf.Write(tail)

	if l.SourceType != LeafNodeSourceKeyPackage {
		ctx, err := syntaxMarshal(&leafNodeTBSContext{GroupID: groupID, LeafIndex: uint32(leafIndex)})
		if err != nil {
			return nil, err
		}
		buf.Write(ctx)
	}
	return buf.Bytes(), nil
}

// sign fills l.Signature for the given context. groupID/leafIndex are
// ignored when SourceType == KeyPackage.
func (l *LeafNode) sign(crypto CryptoProvider, priv, groupID []byte, leafIndex leafIndex) error {
	tbs, err := l.tbs(groupID, leafIndex)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(priv, tbs)
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

// verify checks the LeafNodeTBS signature and the structural invariants of
// spec §3 that are local to the leaf itself (uniqueness across the tree is
// checked by the caller, which has tree-wide context).
func (l *LeafNode) verify(crypto CryptoProvider, groupID []byte, leafIndex leafIndex) error {
	tbs, err := l.tbs(groupID, leafIndex)
	if err != nil {
		return newValidationError("leaf node tbs", err)
	}
	if !crypto.Verify(l.SignatureKey, tbs, l.Signature) {
		return newValidationError("leaf node signature invalid", nil)
	}
	if l.SourceType == LeafNodeSourceKeyPackage && !l.Lifetime.validAt(time.Now()) {
		return newValidationError("leaf node lifetime expired or not yet valid", nil)
	}
	if !l.Capabilities.supportsCredential(l.Credential.CredentialType) {
		return newValidationError("capabilities do not list own credential type", nil)
	}
	for _, e := range l.Extensions {
		if !l.Capabilities.supportsExtension(e.Type) {
			return newValidationError("capabilities do not list an extension present on the leaf", nil)
		}
	}
	return nil
}
