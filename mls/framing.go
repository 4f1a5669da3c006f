package mls

import (
	"encoding/binary"
)

// WireFormat tags the outer envelope a message travels in (spec §6.1).
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

// ContentType tags the body a FramedContent carries (spec §3, "Proposal").
type ContentType uint8

const (
	ContentApplication ContentType = 1
	ContentProposal    ContentType = 2
	ContentCommit      ContentType = 3
)

// FramedContent is a tagged union over the three message bodies a member
// can author: raw application data, a bare Proposal, or a Commit. Like
// Proposal itself, it hand-writes its codec (teacher precedent: Bytes1 in
// key-schedule.go) rather than lean on struct-tag dispatch for a union.
type FramedContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`

	ContentType ContentType
	Application []byte   // ContentApplication
	Proposal    *Proposal // ContentProposal
	Commit      *Commit   // ContentCommit
}

func (fc *FramedContent) MarshalTLS() ([]byte, error) {
	type head struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
	}
	out, err := syntaxMarshal(&head{fc.GroupID, fc.Epoch, fc.Sender, fc.AuthenticatedData, fc.ContentType})
	if err != nil {
		return nil, err
	}

	var body []byte
	switch fc.ContentType {
	case ContentApplication:
		body, err = syntaxMarshal(&struct {
			Application []byte `tls:"head=4"`
		}{fc.Application})
	case ContentProposal:
		body, err = fc.Proposal.MarshalTLS()
	case ContentCommit:
		body, err = fc.Commit.MarshalTLS()
	default:
		return nil, newLibraryError("marshal framed content: unknown content type %d", fc.ContentType)
	}
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

func (fc *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	type head struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
	}
	var h head
	n, err := syntaxUnmarshal(data, &h)
	if err != nil {
		return 0, err
	}
	fc.GroupID, fc.Epoch, fc.Sender, fc.AuthenticatedData, fc.ContentType = h.GroupID, h.Epoch, h.Sender, h.AuthenticatedData, h.ContentType

	rest := data[n:]
	var m int
	switch fc.ContentType {
	case ContentApplication:
		var body struct {
			Application []byte `tls:"head=4"`
		}
		m, err = syntaxUnmarshal(rest, &body)
		fc.Application = body.Application
	case ContentProposal:
		fc.Proposal = &Proposal{}
		m, err = syntaxUnmarshal(rest, fc.Proposal)
	case ContentCommit:
		fc.Commit = &Commit{}
		m, err = syntaxUnmarshal(rest, fc.Commit)
	default:
		return 0, newLibraryError("unmarshal framed content: unknown content type %d", fc.ContentType)
	}
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// framedContentTBS is what a FramedContent's Signature actually covers:
// the content plus the wire format and group context it was produced
// under (spec §6.1, §4.6).
type framedContentTBS struct {
	Version      ProtocolVersion
	WireFormat   WireFormat
	Content      FramedContent
	GroupContext GroupContext
}

// AuthenticatedContent pairs a FramedContent with its signature and,
// for commits, the confirmation_tag binding it to the new epoch's
// confirmation_key (spec §4.6).
type AuthenticatedContent struct {
	WireFormat      WireFormat
	Content         FramedContent
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"` // set iff Content.ContentType == ContentCommit
}

func (ac *AuthenticatedContent) tbs(groupContext *GroupContext) ([]byte, error) {
	return syntaxMarshal(&framedContentTBS{
		Version:      groupContext.Version,
		WireFormat:   ac.WireFormat,
		Content:      ac.Content,
		GroupContext: *groupContext,
	})
}

func (ac *AuthenticatedContent) sign(crypto CryptoProvider, groupContext *GroupContext, priv []byte) error {
	tbs, err := ac.tbs(groupContext)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(priv, tbs)
	if err != nil {
		return err
	}
	ac.Signature = sig
	return nil
}

func (ac *AuthenticatedContent) verifySignature(crypto CryptoProvider, groupContext *GroupContext, pub []byte) error {
	tbs, err := ac.tbs(groupContext)
	if err != nil {
		return newValidationError("authenticated content tbs", err)
	}
	if !crypto.Verify(pub, tbs, ac.Signature) {
		return newValidationError("authenticated content signature invalid", nil)
	}
	return nil
}

// commitContentTBS is the MLSPlaintextCommitContent input to
// confirmed_transcript_hash: the content identity plus its signature,
// deliberately excluding the confirmation_tag (which is only known once
// this hash has been computed) (spec §4.5 step 3, §4.6).
func (ac *AuthenticatedContent) commitContentTBS() ([]byte, error) {
	input := struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		ContentType ContentType
		Commit      Commit
		Signature   []byte `tls:"head=2"`
	}{
		GroupID:     ac.Content.GroupID,
		Epoch:       ac.Content.Epoch,
		Sender:      ac.Content.Sender,
		ContentType: ac.Content.ContentType,
		Commit:      *ac.Content.Commit,
		Signature:   ac.Signature,
	}
	return syntaxMarshal(&input)
}

// membershipTBM is what a PublicMessage's membership_tag MACs: the
// AuthenticatedContent's signed form plus its signature (spec §4.6).
func (ac *AuthenticatedContent) membershipTBM(groupContext *GroupContext) ([]byte, error) {
	tbs, err := ac.tbs(groupContext)
	if err != nil {
		return nil, err
	}
	return append(tbs, ac.Signature...), nil
}

// PublicMessage is the plaintext wire format used for proposals and
// commits sent by members, and for any message from a sender without an
// established application-layer key (external senders, new-member
// commits) (spec §4.6). Its membership_tag lets existing members verify
// authenticity without per-generation AEAD key derivation.
type PublicMessage struct {
	Content       AuthenticatedContent
	MembershipTag []byte `tls:"head=1"` // absent iff Sender.Type is External/NewMemberCommit/NewMemberProposal
}

func newPublicMessage(crypto CryptoProvider, groupContext *GroupContext, membershipKey []byte, content AuthenticatedContent) (*PublicMessage, error) {
	pm := &PublicMessage{Content: content}
	if content.Content.Sender.Type == SenderMember {
		tbm, err := content.membershipTBM(groupContext)
		if err != nil {
			return nil, err
		}
		pm.MembershipTag = crypto.MAC(membershipKey, tbm)
	}
	return pm, nil
}

func (pm *PublicMessage) verifyMembershipTag(crypto CryptoProvider, groupContext *GroupContext, membershipKey []byte) error {
	if pm.Content.Content.Sender.Type != SenderMember {
		return nil
	}
	tbm, err := pm.Content.membershipTBM(groupContext)
	if err != nil {
		return err
	}
	expected := crypto.MAC(membershipKey, tbm)
	if !ConstantTimeEqual(expected, pm.MembershipTag) {
		return newValidationError("public message membership tag invalid", nil)
	}
	return nil
}

// SenderData identifies which leaf, generation, and sender ratchet type
// (encoded by the caller via separate handshake/application ratchets)
// produced a PrivateMessage's ciphertext; it travels encrypted under a
// key derived from sender_data_secret and a ciphertext sample, as a
// defense against traffic analysis of sender identity (spec §4.6).
type SenderData struct {
	LeafIndex  uint32
	Generation uint32
	ReuseGuard [4]byte
}

// PrivateMessage is the AEAD-encrypted wire format: AuthenticatedData is
// carried in the clear, SenderData is itself encrypted under
// sender_data_secret-derived keys, and Ciphertext is sealed under the
// per-(sender,generation) key/nonce from SecretTree, with the reuse guard
// XORed into the first four bytes of the nonce (spec §4.6).
type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

func senderDataAEADKeyNonce(crypto CryptoProvider, senderDataSecret, ciphertextSample []byte) (key, nonce []byte) {
	c := crypto.Suite().constants()
	key = crypto.HKDFExpandLabel(senderDataSecret, "key", ciphertextSample, c.KeySize)
	nonce = crypto.HKDFExpandLabel(senderDataSecret, "nonce", ciphertextSample, c.NonceSize)
	return
}

func ciphertextSample(crypto CryptoProvider, ct []byte) []byte {
	n := crypto.Suite().constants().SecretSize
	if len(ct) < n {
		padded := make([]byte, n)
		copy(padded, ct)
		return padded
	}
	return ct[:n]
}

func applyReuseGuard(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := 0; i < 4 && i < len(out); i++ {
		out[i] ^= guard[i]
	}
	return out
}

// encryptPrivateMessage implements the sender side of spec §4.6's
// PrivateMessage framing: ratchet the sender's own leaf forward for a
// fresh (generation, key, nonce), seal the content under it with a random
// reuse guard folded into the nonce, then seal the SenderData under a key
// derived from sender_data_secret and a sample of the just-produced
// ciphertext.
func encryptPrivateMessage(crypto CryptoProvider, secretTree *SecretTree, cfg SenderRatchetConfig, senderDataSecret []byte, sender leafIndex, content *FramedContent, signature []byte, confirmationTag []byte) (*PrivateMessage, error) {
	var ratchet *SenderRatchet
	if content.ContentType == ContentApplication {
		ratchet = secretTree.ApplicationRatchet(sender, cfg)
	} else {
		ratchet = secretTree.HandshakeRatchet(sender, cfg)
	}
	generation, key, nonce, err := ratchet.RatchetForward()
	if err != nil {
		return nil, err
	}

	var guard [4]byte
	guardBytes, err := crypto.Random(4)
	if err != nil {
		return nil, err
	}
	copy(guard[:], guardBytes)

	body, err := content.MarshalTLS()
	if err != nil {
		return nil, err
	}
	plain := struct {
		Content         []byte `tls:"head=4"`
		Signature       []byte `tls:"head=2"`
		ConfirmationTag []byte `tls:"head=1"`
	}{body, signature, confirmationTag}
	pt, err := syntaxMarshal(&plain)
	if err != nil {
		return nil, err
	}

	aad := struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{content.GroupID, content.Epoch, content.ContentType, content.AuthenticatedData}
	aadEnc, err := syntaxMarshal(&aad)
	if err != nil {
		return nil, err
	}

	ct, err := crypto.SealAEAD(key, applyReuseGuard(nonce, guard), aadEnc, pt)
	if err != nil {
		return nil, err
	}

	sd := SenderData{LeafIndex: uint32(sender), Generation: generation, ReuseGuard: guard}
	sdPlain, err := syntaxMarshal(&sd)
	if err != nil {
		return nil, err
	}
	sdKey, sdNonce := senderDataAEADKeyNonce(crypto, senderDataSecret, ciphertextSample(crypto, ct))
	encSD, err := crypto.SealAEAD(sdKey, sdNonce, aadEnc, sdPlain)
	if err != nil {
		return nil, err
	}

	return &PrivateMessage{
		GroupID:             content.GroupID,
		Epoch:               content.Epoch,
		ContentType:         content.ContentType,
		AuthenticatedData:   content.AuthenticatedData,
		EncryptedSenderData: encSD,
		Ciphertext:          ct,
	}, nil
}

// decryptPrivateMessage is the receive side: recover SenderData, fetch the
// matching generation's key/nonce from the sender's decryption ratchet
// (erroring per spec §4.3's window policy), then open the content AEAD.
func decryptPrivateMessage(crypto CryptoProvider, secretTree *SecretTree, cfg SenderRatchetConfig, senderDataSecret []byte, pm *PrivateMessage) (*FramedContent, []byte, []byte, error) {
	aad := struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{pm.GroupID, pm.Epoch, pm.ContentType, pm.AuthenticatedData}
	aadEnc, err := syntaxMarshal(&aad)
	if err != nil {
		return nil, nil, nil, err
	}

	sdKey, sdNonce := senderDataAEADKeyNonce(crypto, senderDataSecret, ciphertextSample(crypto, pm.Ciphertext))
	sdPlain, err := crypto.OpenAEAD(sdKey, sdNonce, aadEnc, pm.EncryptedSenderData)
	if err != nil {
		return nil, nil, nil, &DecryptionError{Kind: AeadError, Err: err}
	}
	var sd SenderData
	if _, err := syntaxUnmarshal(sdPlain, &sd); err != nil {
		return nil, nil, nil, &DecryptionError{Kind: AeadError, Err: err}
	}

	var ratchet *SenderRatchet
	if pm.ContentType == ContentApplication {
		ratchet = secretTree.ApplicationRatchet(leafIndex(sd.LeafIndex), cfg)
	} else {
		ratchet = secretTree.HandshakeRatchet(leafIndex(sd.LeafIndex), cfg)
	}
	key, nonce, err := ratchet.Get(sd.Generation)
	if err != nil {
		return nil, nil, nil, err
	}

	pt, err := crypto.OpenAEAD(key, applyReuseGuard(nonce, sd.ReuseGuard), aadEnc, pm.Ciphertext)
	if err != nil {
		return nil, nil, nil, &DecryptionError{Kind: AeadError, Err: err}
	}

	var plain struct {
		Content         []byte `tls:"head=4"`
		Signature       []byte `tls:"head=2"`
		ConfirmationTag []byte `tls:"head=1"`
	}
	if _, err := syntaxUnmarshal(pt, &plain); err != nil {
		return nil, nil, nil, &DecryptionError{Kind: AeadError, Err: err}
	}
	var inner FramedContent
	if _, err := inner.UnmarshalTLS(plain.Content); err != nil {
		return nil, nil, nil, &DecryptionError{Kind: AeadError, Err: err}
	}

	content := &FramedContent{
		GroupID:           pm.GroupID,
		Epoch:             pm.Epoch,
		Sender:             MemberSender(leafIndex(sd.LeafIndex)),
		AuthenticatedData: pm.AuthenticatedData,
		ContentType:       pm.ContentType,
		Application:       inner.Application,
		Proposal:          inner.Proposal,
		Commit:            inner.Commit,
	}
	return content, plain.Signature, plain.ConfirmationTag, nil
}

// MLSMessage is the outermost envelope (spec §6.1): exactly one of its
// body fields is populated, selected by WireFormat.
type MLSMessage struct {
	Version        ProtocolVersion
	WireFormat     WireFormat
	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m *MLSMessage) MarshalTLS() ([]byte, error) {
	head, err := syntaxMarshal(&struct {
		Version    ProtocolVersion
		WireFormat WireFormat
	}{m.Version, m.WireFormat})
	if err != nil {
		return nil, err
	}
	var body []byte
	switch m.WireFormat {
	case WireFormatPublicMessage:
		body, err = syntaxMarshal(m.PublicMessage)
	case WireFormatPrivateMessage:
		body, err = syntaxMarshal(m.PrivateMessage)
	case WireFormatWelcome:
		body, err = syntaxMarshal(m.Welcome)
	case WireFormatGroupInfo:
		body, err = syntaxMarshal(m.GroupInfo)
	case WireFormatKeyPackage:
		body, err = syntaxMarshal(m.KeyPackage)
	default:
		return nil, newLibraryError("marshal mls message: unknown wire format %d", m.WireFormat)
	}
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		Version    ProtocolVersion
		WireFormat WireFormat
	}
	n, err := syntaxUnmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	m.Version, m.WireFormat = head.Version, head.WireFormat
	rest := data[n:]
	var body int
	switch m.WireFormat {
	case WireFormatPublicMessage:
		m.PublicMessage = &PublicMessage{}
		body, err = syntaxUnmarshal(rest, m.PublicMessage)
	case WireFormatPrivateMessage:
		m.PrivateMessage = &PrivateMessage{}
		body, err = syntaxUnmarshal(rest, m.PrivateMessage)
	case WireFormatWelcome:
		m.Welcome = &Welcome{}
		body, err = syntaxUnmarshal(rest, m.Welcome)
	case WireFormatGroupInfo:
		m.GroupInfo = &GroupInfo{}
		body, err = syntaxUnmarshal(rest, m.GroupInfo)
	case WireFormatKeyPackage:
		m.KeyPackage = &KeyPackage{}
		body, err = syntaxUnmarshal(rest, m.KeyPackage)
	default:
		return 0, newLibraryError("unmarshal mls message: unknown wire format %d", m.WireFormat)
	}
	if err != nil {
		return 0, err
	}
	return n + body, nil
}

// epochBytes encodes an epoch number as 8 big-endian bytes, outside of a
// full GroupContext. Nothing in this package calls it; MessageEpochStore
// keys its entries by the uint64 epoch directly.
func epochBytes(epoch uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, epoch)
	return b
}
