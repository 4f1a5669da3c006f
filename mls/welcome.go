package mls

// GroupInfo is the (mostly) public snapshot of a group's state at an
// epoch: enough for a Welcome recipient, or an external joiner holding an
// exported copy, to adopt the group without having processed any prior
// commit (spec §4.5 step 7, §4.7). Signed by one current member ("Signer")
// so a recipient can authenticate it against that member's LeafNode.
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList `tls:"head=4"` // e.g. ratchet_tree, external_pub, external_senders
	ConfirmationTag []byte        `tls:"head=1"`
	Signer          uint32
	Signature       []byte `tls:"head=2"`
}

func (gi *GroupInfo) tbs() ([]byte, error) {
	return syntaxMarshal(&struct {
		GroupContext    GroupContext
		Extensions      ExtensionList `tls:"head=4"`
		ConfirmationTag []byte        `tls:"head=1"`
		Signer          uint32
	}{gi.GroupContext, gi.Extensions, gi.ConfirmationTag, gi.Signer})
}

func (gi *GroupInfo) sign(crypto CryptoProvider, priv []byte) error {
	tbs, err := gi.tbs()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(priv, tbs)
	if err != nil {
		return err
	}
	gi.Signature = sig
	return nil
}

func (gi *GroupInfo) verify(crypto CryptoProvider, pub []byte) error {
	tbs, err := gi.tbs()
	if err != nil {
		return newValidationError("group info tbs", err)
	}
	if !crypto.Verify(pub, tbs, gi.Signature) {
		return newValidationError("group info signature invalid", nil)
	}
	return nil
}

// GroupSecrets is the per-recipient payload HPKE-sealed under a new
// member's init key: the joiner_secret needed to derive the epoch, an
// optional path_secret (only when the Welcome sender's own update path
// reaches a node the recipient doesn't otherwise have a path to — omitted
// here by leaving it nil, since every Welcome recipient starts fresh at
// the leaf the commit just added), and any PSK ids the epoch mixed in
// (spec §6.1).
type GroupSecrets struct {
	JoinerSecret []byte   `tls:"head=1"`
	PathSecret   []byte   `tls:"head=1"`
	PSKIDs       [][]byte `tls:"head=2"`
}

// HPKECiphertext is reused from ratchet-tree.go for per-recipient sealing.
type EncryptedGroupSecrets struct {
	NewMember             []byte `tls:"head=1"` // KeyPackageRef
	EncryptedGroupSecrets HPKECiphertext
}

// Welcome carries a new epoch to every newly added member (spec §4.5 step
// 7, §6.1): one HPKE-sealed GroupSecrets per recipient, plus the GroupInfo
// AEAD-sealed under a key derived from welcome_secret.
type Welcome struct {
	CipherSuite         CipherSuite
	Secrets             []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo  []byte                  `tls:"head=4"`
}

// WelcomeRecipient is one newly-added member's addressing + key material
// for sealing a Welcome's per-recipient secrets.
type WelcomeRecipient struct {
	KeyPackageRef []byte
	InitPub       []byte
	PathSecret    []byte // nil unless this recipient needs a path secret forwarded
}

// NewWelcome implements spec §4.5 step 7: seal the GroupInfo under
// welcome_secret, then HPKE-seal a GroupSecrets (joiner_secret + optional
// path_secret + psk ids) to each recipient's init key, with
// encrypted_group_info as AAD so the two can't be mixed across Welcomes.
func NewWelcome(crypto CryptoProvider, groupInfo *GroupInfo, welcomeSecret, joinerSecret []byte, recipients []WelcomeRecipient, pskIDs [][]byte) (*Welcome, error) {
	giEnc, err := syntaxMarshal(groupInfo)
	if err != nil {
		return nil, err
	}
	kn := groupInfoKeyAndNonce(crypto.Suite(), welcomeSecret)
	encGI, err := crypto.SealAEAD(kn.Key, kn.Nonce, nil, giEnc)
	if err != nil {
		return nil, err
	}

	secrets := make([]EncryptedGroupSecrets, 0, len(recipients))
	for _, r := range recipients {
		pt, err := syntaxMarshal(&GroupSecrets{JoinerSecret: joinerSecret, PathSecret: r.PathSecret, PSKIDs: pskIDs})
		if err != nil {
			return nil, err
		}
		enc, ct, err := crypto.EncryptWithLabel(r.InitPub, "Welcome", nil, encGI, pt)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, EncryptedGroupSecrets{
			NewMember:             r.KeyPackageRef,
			EncryptedGroupSecrets: HPKECiphertext{KEMOutput: enc, Ciphertext: ct},
		})
	}

	return &Welcome{
		CipherSuite:        crypto.Suite(),
		Secrets:            secrets,
		EncryptedGroupInfo: encGI,
	}, nil
}

func (w *Welcome) findSecrets(kpRef []byte) (*EncryptedGroupSecrets, bool) {
	for i := range w.Secrets {
		if ConstantTimeEqual(w.Secrets[i].NewMember, kpRef) {
			return &w.Secrets[i], true
		}
	}
	return nil, false
}

// DecryptGroupSecrets recovers the recipient's GroupSecrets using its init
// private key (spec §6.1).
func (w *Welcome) DecryptGroupSecrets(crypto CryptoProvider, initPriv, kpRef []byte) (*GroupSecrets, error) {
	egs, ok := w.findSecrets(kpRef)
	if !ok {
		return nil, newValidationError("welcome: no secrets entry for this key package", nil)
	}
	pt, err := crypto.DecryptWithLabel(initPriv, nil, "Welcome", nil, w.EncryptedGroupInfo, egs.EncryptedGroupSecrets.KEMOutput, egs.EncryptedGroupSecrets.Ciphertext)
	if err != nil {
		return nil, err
	}
	var gs GroupSecrets
	if _, err := syntaxUnmarshal(pt, &gs); err != nil {
		return nil, newValidationError("welcome: malformed group secrets", err)
	}
	return &gs, nil
}

// DecryptGroupInfo opens the GroupInfo once welcome_secret is known
// (derived from the joiner_secret recovered via DecryptGroupSecrets).
func (w *Welcome) DecryptGroupInfo(crypto CryptoProvider, welcomeSecret []byte) (*GroupInfo, error) {
	kn := groupInfoKeyAndNonce(crypto.Suite(), welcomeSecret)
	pt, err := crypto.OpenAEAD(kn.Key, kn.Nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, &DecryptionError{Kind: AeadError, Err: err}
	}
	var gi GroupInfo
	if _, err := syntaxUnmarshal(pt, &gi); err != nil {
		return nil, newValidationError("welcome: malformed group info", err)
	}
	return &gi, nil
}
