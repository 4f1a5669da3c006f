package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T, crypto CryptoProvider, name string) (priv, pub []byte, cred Credential) {
	t.Helper()
	priv, pub, err := crypto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	return priv, pub, BasicCredential([]byte(name))
}

func newTestKeyPackage(t *testing.T, crypto CryptoProvider, store KeyStore, sigPriv, sigPub []byte, cred Credential) *KeyPackage {
	t.Helper()
	kp, err := NewKeyPackageWithStore(crypto, store, cred, sigPriv, sigPub, Lifetime{NotBefore: 0, NotAfter: ^uint64(0)}, nil)
	require.NoError(t, err)
	return kp
}

// TestTwoPartyHandshake covers the two-party path: Alice creates a group,
// adds Bob via a Commit/Welcome, and the two exchange an application
// message in both directions.
func TestTwoPartyHandshake(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	bobStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-1"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	bobSigPriv, bobSigPub, bobCred := newTestIdentity(t, crypto, "bob")
	bobKP := newTestKeyPackage(t, crypto, bobStore, bobSigPriv, bobSigPub, bobCred)

	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *bobKP}})
	require.NoError(t, err)

	commitMsg, welcome, err := alice.Commit(nil)
	require.NoError(t, err)
	require.NotNil(t, commitMsg)
	require.NotNil(t, welcome)

	bob, err := JoinGroup(crypto, bobStore, welcome, bobKP, bobSigPriv, bobSigPub, cfg, 2)
	require.NoError(t, err)

	require.Equal(t, alice.GroupContext().Epoch, bob.GroupContext().Epoch)
	require.Equal(t, alice.GroupContext().TreeHash, bob.GroupContext().TreeHash)

	msg, err := alice.EncryptApplication(nil, []byte("hello bob"))
	require.NoError(t, err)
	pt, err := bob.DecryptApplication(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), pt)

	reply, err := bob.EncryptApplication(nil, []byte("hi alice"))
	require.NoError(t, err)
	pt, err = alice.DecryptApplication(reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), pt)
}

// TestApplicationMessageReplayRejected checks that decrypting the same
// PrivateMessage twice fails the second time: the generation's key material
// is erased from the SecretTree after first use (spec's forward-secrecy
// requirement for application messages).
func TestApplicationMessageReplayRejected(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	bobStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-2"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	bobSigPriv, bobSigPub, bobCred := newTestIdentity(t, crypto, "bob")
	bobKP := newTestKeyPackage(t, crypto, bobStore, bobSigPriv, bobSigPub, bobCred)
	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *bobKP}})
	require.NoError(t, err)
	_, welcome, err := alice.Commit(nil)
	require.NoError(t, err)
	bob, err := JoinGroup(crypto, bobStore, welcome, bobKP, bobSigPriv, bobSigPub, cfg, 2)
	require.NoError(t, err)

	msg, err := alice.EncryptApplication(nil, []byte("only once"))
	require.NoError(t, err)

	_, err = bob.DecryptApplication(msg)
	require.NoError(t, err)

	_, err = bob.DecryptApplication(msg)
	require.Error(t, err)
}

// TestSelfUpdateForwardSecrecy checks that a member's own Update commit
// rotates its leaf key material, and that the group stays agreed on the
// resulting epoch afterward.
func TestSelfUpdateForwardSecrecy(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	bobStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-3"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	bobSigPriv, bobSigPub, bobCred := newTestIdentity(t, crypto, "bob")
	bobKP := newTestKeyPackage(t, crypto, bobStore, bobSigPriv, bobSigPub, bobCred)
	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *bobKP}})
	require.NoError(t, err)
	_, welcome, err := alice.Commit(nil)
	require.NoError(t, err)
	bob, err := JoinGroup(crypto, bobStore, welcome, bobKP, bobSigPriv, bobSigPub, cfg, 2)
	require.NoError(t, err)

	priorEpoch := alice.GroupContext().Epoch
	priorKey := alice.tree.leafAt(alice.index).EncryptionKey

	commitMsg, _, err := alice.Commit(nil)
	require.NoError(t, err)
	require.NotEqual(t, priorKey, alice.tree.leafAt(alice.index).EncryptionKey)

	_, err = bob.ProcessMessage(commitMsg)
	require.NoError(t, err)

	require.Equal(t, priorEpoch+1, alice.GroupContext().Epoch)
	require.Equal(t, alice.GroupContext().Epoch, bob.GroupContext().Epoch)
	require.Equal(t, alice.GroupContext().TreeHash, bob.GroupContext().TreeHash)

	msg, err := alice.EncryptApplication(nil, []byte("post-update"))
	require.NoError(t, err)
	pt, err := bob.DecryptApplication(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("post-update"), pt)
}

// TestThreePartyAddRemoveAgreesWithPublicGroup checks that a non-member
// observer tracking only the commit stream (PublicGroup) stays in lockstep
// with a full member's tree_hash after an add followed by a remove.
func TestThreePartyAddRemoveAgreesWithPublicGroup(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	bobStore := NewMemoryKeyStore()
	carolStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-4"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	pg := NewPublicGroup(crypto, alice.GroupContext(), alice.tree.Clone(), dup(alice.transcriptHash.Confirmed), dup(alice.transcriptHash.Interim))

	bobSigPriv, bobSigPub, bobCred := newTestIdentity(t, crypto, "bob")
	bobKP := newTestKeyPackage(t, crypto, bobStore, bobSigPriv, bobSigPub, bobCred)
	carolSigPriv, carolSigPub, carolCred := newTestIdentity(t, crypto, "carol")
	carolKP := newTestKeyPackage(t, crypto, carolStore, carolSigPriv, carolSigPub, carolCred)

	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *bobKP}})
	require.NoError(t, err)
	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *carolKP}})
	require.NoError(t, err)
	commitMsg, welcome, err := alice.Commit(nil)
	require.NoError(t, err)

	require.NoError(t, pg.ProcessCommit(&commitMsg.PublicMessage.Content))
	require.Equal(t, alice.tree.TreeHash(), pg.TreeHash())

	bob, err := JoinGroup(crypto, bobStore, welcome, bobKP, bobSigPriv, bobSigPub, cfg, 2)
	require.NoError(t, err)
	carol, err := JoinGroup(crypto, carolStore, welcome, carolKP, carolSigPriv, carolSigPub, cfg, 2)
	require.NoError(t, err)

	_, err = alice.Propose(Proposal{ProposalType: ProposalRemove, Remove: &RemoveProposal{Removed: uint32(bob.Index())}})
	require.NoError(t, err)
	commitMsg, _, err = alice.Commit(nil)
	require.NoError(t, err)

	require.NoError(t, pg.ProcessCommit(&commitMsg.PublicMessage.Content))
	_, err = carol.ProcessMessage(commitMsg)
	require.NoError(t, err)

	require.Equal(t, alice.tree.TreeHash(), pg.TreeHash())
	require.Equal(t, alice.tree.TreeHash(), carol.tree.TreeHash())
}

// TestExternalJoin checks that a new member can join purely from an
// exported GroupInfo, without ever receiving a Welcome, and that an
// existing member processing the resulting commit ends up in the same
// epoch.
func TestExternalJoin(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	daveStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-5"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	gi, err := alice.PublicGroupInfo()
	require.NoError(t, err)

	daveSigPriv, daveSigPub, daveCred := newTestIdentity(t, crypto, "dave")
	dave, commitMsg, err := ExternalJoin(crypto, daveStore, gi, daveCred, daveSigPriv, daveSigPub, cfg, 2)
	require.NoError(t, err)

	_, err = alice.ProcessMessage(commitMsg)
	require.NoError(t, err)

	require.Equal(t, alice.GroupContext().Epoch, dave.GroupContext().Epoch)
	require.Equal(t, alice.tree.TreeHash(), dave.tree.TreeHash())

	msg, err := alice.EncryptApplication(nil, []byte("welcome dave"))
	require.NoError(t, err)
	pt, err := dave.DecryptApplication(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome dave"), pt)
}

// TestSaveLoadRoundTrip checks that a Group can be serialized and restored
// and still decrypt messages encrypted after the snapshot was taken.
func TestSaveLoadRoundTrip(t *testing.T) {
	crypto := NewCryptoProvider(X25519_AES128GCM_SHA256_Ed25519)
	aliceStore := NewMemoryKeyStore()
	bobStore := NewMemoryKeyStore()
	cfg := DefaultSenderRatchetConfig()

	aliceSigPriv, aliceSigPub, aliceCred := newTestIdentity(t, crypto, "alice")
	alice, err := CreateGroup(crypto, aliceStore, []byte("group-6"), aliceCred, aliceSigPriv, aliceSigPub, nil, cfg, 2)
	require.NoError(t, err)

	bobSigPriv, bobSigPub, bobCred := newTestIdentity(t, crypto, "bob")
	bobKP := newTestKeyPackage(t, crypto, bobStore, bobSigPriv, bobSigPub, bobCred)
	_, err = alice.Propose(Proposal{ProposalType: ProposalAdd, Add: &AddProposal{KeyPackage: *bobKP}})
	require.NoError(t, err)
	_, welcome, err := alice.Commit(nil)
	require.NoError(t, err)
	bob, err := JoinGroup(crypto, bobStore, welcome, bobKP, bobSigPriv, bobSigPub, cfg, 2)
	require.NoError(t, err)

	saved, err := alice.Save()
	require.NoError(t, err)

	restored, err := Load(crypto, aliceStore, saved, cfg, 2)
	require.NoError(t, err)
	require.Equal(t, alice.GroupContext().Epoch, restored.GroupContext().Epoch)

	msg, err := restored.EncryptApplication(nil, []byte("after restore"))
	require.NoError(t, err)
	pt, err := bob.DecryptApplication(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("after restore"), pt)
}
