package mls

import (
	"fmt"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

///
/// Hash ratchet
///
/// hashRatchet is the forward-only generation ratchet spec §4.3 calls the
/// EncryptionRatchet; secret-tree.go's SenderRatchet wraps one of these per
/// leaf and layers the DecryptionRatchet's bounded out-of-order window on
/// top of its Next/Get/Erase.

type hashRatchet struct {
	Suite          CipherSuite
	Node           nodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce `tls:"head=4"`
	KeySize        uint32
	NonceSize      uint32
	SecretSize     uint32
}

func newHashRatchet(suite CipherSuite, node nodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        uint32(suite.constants().KeySize),
		NonceSize:      uint32(suite.constants().NonceSize),
		SecretSize:     uint32(suite.constants().SecretSize),
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Node, hr.NextGeneration, int(hr.KeySize))
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Node, hr.NextGeneration, int(hr.NonceSize))
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Node, hr.NextGeneration, int(hr.SecretSize))

	generation := hr.NextGeneration

	if hr.NextGeneration == ^uint32(0) {
		panic(newLibraryError("hash ratchet generation overflow"))
	}
	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.Cache[generation] = kn
	return generation, kn.clone()
}

func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn, nil
	}

	if hr.NextGeneration > generation {
		return keyAndNonce{}, fmt.Errorf("request for expired key")
	}

	for hr.NextGeneration < generation {
		hr.Next()
	}

	_, kn := hr.Next()
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	if _, ok := hr.Cache[generation]; !ok {
		return
	}

	zeroize(hr.Cache[generation].Key)
	zeroize(hr.Cache[generation].Nonce)
	delete(hr.Cache, generation)
}

type Bytes1 []byte

func (b Bytes1) MarshalTLS() ([]byte, error) {
	return syntaxMarshal(struct {
		Data []byte `tls:"head=1"`
	}{b})
}

func (b Bytes1) UnmarshalTLS(data []byte) (int, error) {
	return syntaxUnmarshal(data, &struct {
		Data []byte `tls:"head=1"`
	}{b})
}

///
/// GroupInfo keys
///

func groupInfoKeyAndNonce(suite CipherSuite, epochSecret []byte) keyAndNonce {
	secretSize := suite.constants().SecretSize
	keySize := suite.constants().KeySize
	nonceSize := suite.constants().NonceSize

	groupInfoSecret := suite.hkdfExpandLabel(epochSecret, "group info", []byte{}, secretSize)
	groupInfoKey := suite.hkdfExpandLabel(groupInfoSecret, "key", []byte{}, keySize)
	groupInfoNonce := suite.hkdfExpandLabel(groupInfoSecret, "nonce", []byte{}, nonceSize)

	return keyAndNonce{
		Key:   groupInfoKey,
		Nonce: groupInfoNonce,
	}
}

///
/// Key schedule epoch
///
/// keyScheduleEpoch implements the full spec §3/§4.2 cascade: from the
/// previous epoch's init_secret and this epoch's commit_secret (plus an
/// optional psk_secret), derive joiner_secret, welcome_secret, epoch_secret,
/// and the nine secrets hanging off it. The teacher's retrieved file only
/// derived five of these (handshake/app/sender-data/confirm/init, dated to
/// an earlier draft's bifurcated handshake+app key schedule); this extends
/// it to match spec.md's full list, including exporter/external/resumption/
/// epoch_authenticator and the joiner/welcome split external joiners need.

type keyScheduleEpoch struct {
	Suite CipherSuite

	JoinerSecret  []byte `tls:"head=1"`
	WelcomeSecret []byte `tls:"head=1"`
	EpochSecret   []byte `tls:"head=1"`

	SenderDataSecret    []byte `tls:"head=1"`
	EncryptionSecret    []byte `tls:"head=1"`
	ExporterSecret      []byte `tls:"head=1"`
	ExternalSecret      []byte `tls:"head=1"`
	ConfirmationKey     []byte `tls:"head=1"`
	MembershipKey       []byte `tls:"head=1"`
	ResumptionPSK       []byte `tls:"head=1"`
	EpochAuthenticator  []byte `tls:"head=1"`
	InitSecret          []byte `tls:"head=1"`
}

// newJoinerSecret derives the joiner_secret from the previous epoch's
// init_secret, this epoch's commit_secret, and the new GroupContext — the
// value an external joiner (via an exported GroupInfo) or a Welcome
// recipient needs to derive the rest of the epoch without having
// participated in the commit (spec §4.2).
func newJoinerSecret(suite CipherSuite, initSecret, commitSecret, groupContext []byte) []byte {
	preJoiner := suite.hkdfExtract(initSecret, commitSecret)
	return suite.deriveSecret(preJoiner, "joiner", groupContext)
}

// newKeyScheduleEpoch derives every epoch secret from joinerSecret (already
// combining the previous init_secret and this epoch's commit_secret) plus
// an optional external pskSecret and the new GroupContext (spec §4.2, §3).
func newKeyScheduleEpoch(suite CipherSuite, joinerSecret, pskSecret, groupContext []byte) keyScheduleEpoch {
	welcomeSecret := suite.deriveSecret(joinerSecret, "welcome", nil)

	epochInput := pskSecret
	if epochInput == nil {
		epochInput = make([]byte, suite.constants().SecretSize)
	}
	epochSecret := suite.hkdfExtract(joinerSecret, epochInput)
	epochSecret = suite.deriveSecret(epochSecret, "epoch", groupContext)

	kse := keyScheduleEpoch{
		Suite:              suite,
		JoinerSecret:       joinerSecret,
		WelcomeSecret:      welcomeSecret,
		EpochSecret:        epochSecret,
		SenderDataSecret:   suite.deriveSecret(epochSecret, "sender data", nil),
		EncryptionSecret:   suite.deriveSecret(epochSecret, "encryption", nil),
		ExporterSecret:     suite.deriveSecret(epochSecret, "exporter", nil),
		ExternalSecret:     suite.deriveSecret(epochSecret, "external", nil),
		ConfirmationKey:    suite.deriveSecret(epochSecret, "confirm", nil),
		MembershipKey:      suite.deriveSecret(epochSecret, "membership", nil),
		ResumptionPSK:      suite.deriveSecret(epochSecret, "resumption", nil),
		EpochAuthenticator: suite.deriveSecret(epochSecret, "authentication", nil),
		InitSecret:         suite.deriveSecret(epochSecret, "init", nil),
	}
	return kse
}

// exporter implements the external "exporter" API: a per-epoch,
// caller-labeled secret any member can derive independently (used for
// exporting keying material to higher-layer protocols).
func (kse *keyScheduleEpoch) exporter(suite CipherSuite, label string, context []byte, length int) []byte {
	secret := suite.deriveSecret(kse.ExporterSecret, label, nil)
	return suite.hkdfExpandLabel(secret, "exported", suite.Hash(context), length)
}

// next advances the schedule: this epoch's InitSecret and the next epoch's
// commit/psk secrets produce the next joiner_secret and, from it, the next
// full keyScheduleEpoch. next only reads kse.InitSecret: it does not
// zeroize it, and the old value stays in memory for as long as the caller
// keeps the old keyScheduleEpoch.
func (kse *keyScheduleEpoch) next(suite CipherSuite, commitSecret, pskSecret, groupContext []byte) keyScheduleEpoch {
	joiner := newJoinerSecret(suite, kse.InitSecret, commitSecret, groupContext)
	return newKeyScheduleEpoch(suite, joiner, pskSecret, groupContext)
}

// externalInitSecret implements the joiner's side of spec §4.2's "External
// init": an HPKE export against the exported GroupInfo's external_pub
// produces a secret that substitutes for the group's (unknown to the
// joiner) init_secret in the usual joiner_secret cascade. The joiner's own
// UpdatePath still contributes an ordinary, non-zero commit_secret.
func externalInitSecret(crypto CryptoProvider, externalPub []byte) (kemOutput, initSecret []byte, err error) {
	return crypto.ExportSecret(externalPub, "external init secret", nil, crypto.Suite().constants().SecretSize)
}

// externalInitSecretReceiver is externalInitSecret's mirror for a current
// member processing a commit that carries an ExternalInitProposal: derive
// the same external_priv the joiner's external_pub targeted (deterministic
// from this epoch's external_secret, spec §4.2) and export the identical
// secret the joiner computed.
func externalInitSecretReceiver(crypto CryptoProvider, externalSecret, kemOutput []byte) ([]byte, error) {
	externalPriv, _, err := crypto.DeriveHPKEKeyPair(externalSecret)
	if err != nil {
		return nil, err
	}
	return crypto.ExportSecretReceiver(externalPriv, "external init secret", nil, kemOutput, crypto.Suite().constants().SecretSize)
}
