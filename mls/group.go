package mls

import "time"

// Group is the top-level state machine spec §3/§4.5 describes: it owns the
// member's own signature/encryption key material, the current epoch's
// RatchetTree, key schedule, and SecretTree, and the pending ProposalStore.
// Every exported method either advances the epoch (Commit, ProcessMessage
// with a Commit) or operates entirely within the current one (Propose,
// Encrypt/DecryptApplication).
type Group struct {
	crypto     CryptoProvider
	store      KeyStore
	ratchetCfg SenderRatchetConfig
	pskLookup  PSKLookup
	required   RequiredCapabilities

	tree           *RatchetTree
	index          leafIndex
	groupContext   *GroupContext
	transcriptHash transcriptHashPair
	keySchedule    keyScheduleEpoch
	secretTree     *SecretTree
	proposals      *ProposalStore
	pastEpochs     *MessageEpochStore

	sigPriv []byte
	sigPub  []byte

	// active is false once a Remove proposal targeting this member has been
	// committed; further Propose/Commit calls are refused (spec §4.5,
	// "removed members cannot continue to participate").
	active bool
}

// SetPSKLookup installs the collaborator used to resolve PreSharedKey
// proposals (spec §1's external-collaborator PSKLookup). Optional — a group
// that never uses PSK proposals need not call this.
func (g *Group) SetPSKLookup(psks PSKLookup) { g.pskLookup = psks }

// SetRequiredCapabilities installs the group's required_capabilities
// extension content, checked against every Add proposal (spec §4.4).
func (g *Group) SetRequiredCapabilities(req RequiredCapabilities) { g.required = req }

func (g *Group) GroupContext() *GroupContext { return g.groupContext.clone() }

// PublicGroupInfo exports a signed GroupInfo for the current epoch, usable
// to onboard an external joiner (spec §4.2) independent of any in-flight
// Commit/Welcome.
func (g *Group) PublicGroupInfo() (*GroupInfo, error) {
	confirmationTag := g.crypto.MAC(g.keySchedule.ConfirmationKey, g.transcriptHash.Confirmed)
	return buildGroupInfo(g.crypto, g.tree, g.groupContext, g.keySchedule.ExternalSecret, confirmationTag, g.index, g.sigPriv)
}

func (g *Group) Index() uint32 { return uint32(g.index) }

func (g *Group) IsActive() bool { return g.active }

// CreateGroup implements spec §4.5's genesis case: a lone founding member,
// epoch 0, an empty confirmed transcript hash (the interim hash folds in the
// epoch's own confirmation tag), and a fresh random init_secret in place
// of a prior epoch's InitSecret.
func CreateGroup(crypto CryptoProvider, store KeyStore, groupID []byte, cred Credential, sigPriv, sigPub []byte, extensions ExtensionList, cfg SenderRatchetConfig, maxPastEpochs int) (*Group, error) {
	kp, err := NewKeyPackageWithStore(crypto, store, cred, sigPriv, sigPub, Lifetime{NotBefore: 0, NotAfter: ^uint64(0)}, nil)
	if err != nil {
		return nil, err
	}

	tree := NewRatchetTree(crypto)
	idx := tree.AddLeaf(&kp.LeafNode)

	groupContext := &GroupContext{
		Version:     ProtocolVersionMLS10,
		CipherSuite: crypto.Suite(),
		GroupID:     dup(groupID),
		Epoch:       0,
		TreeHash:    tree.TreeHash(),
		Extensions:  extensions,
	}
	gcEnc, err := groupContext.encode()
	if err != nil {
		return nil, err
	}

	initSecret, err := crypto.Random(crypto.Suite().constants().SecretSize)
	if err != nil {
		return nil, err
	}
	commitSecret := make([]byte, crypto.Suite().constants().SecretSize)
	joiner := newJoinerSecret(crypto.Suite(), initSecret, commitSecret, gcEnc)
	ks := newKeyScheduleEpoch(crypto.Suite(), joiner, nil, gcEnc)
	confirmationTag := crypto.MAC(ks.ConfirmationKey, nil)
	interim, err := interimTranscriptHash(crypto, nil, confirmationTag)
	if err != nil {
		return nil, err
	}

	secretTree := NewSecretTree(crypto, tree.Size, idx, ks.EncryptionSecret)

	return &Group{
		crypto:         crypto,
		store:          store,
		ratchetCfg:     cfg,
		tree:           tree,
		index:          idx,
		groupContext:   groupContext,
		transcriptHash: transcriptHashPair{Interim: interim},
		keySchedule:    ks,
		secretTree:     secretTree,
		proposals:      NewProposalStore(),
		pastEpochs:     NewMessageEpochStore(maxPastEpochs),
		sigPriv:        sigPriv,
		sigPub:         sigPub,
		active:         true,
	}, nil
}

// ratchetTreeNode is the wire shape this module uses for the ratchet_tree
// extension: one entry per array slot, tagged so blanks round-trip (spec
// §6.1 names the extension but leaves its exact encoding to the reader's
// judgment; this follows the same present/absent discriminant pattern
// TreeHash's own leafNodeHashInput/parentNodeHashInput use in
// ratchet-tree.go).
type ratchetTreeNode struct {
	Present bool
	IsLeaf  bool
	Leaf    LeafNode
	Parent  ParentNode
}

func encodeRatchetTreeExtension(tree *RatchetTree) (Extension, error) {
	nodes := make([]ratchetTreeNode, len(tree.Nodes))
	for i, n := range tree.Nodes {
		switch {
		case n.leaf != nil:
			nodes[i] = ratchetTreeNode{Present: true, IsLeaf: true, Leaf: *n.leaf}
		case n.parent != nil:
			nodes[i] = ratchetTreeNode{Present: true, IsLeaf: false, Parent: *n.parent}
		}
	}
	data, err := syntaxMarshal(&struct {
		Size  uint32
		Nodes []ratchetTreeNode `tls:"head=4"`
	}{uint32(tree.Size), nodes})
	if err != nil {
		return Extension{}, err
	}
	return Extension{Type: ExtensionRatchetTree, Data: data}, nil
}

func treeFromExtensions(crypto CryptoProvider, extensions ExtensionList) (*RatchetTree, error) {
	ext, ok := extensions.find(ExtensionRatchetTree)
	if !ok {
		return nil, newValidationError("welcome group info has no ratchet_tree extension", nil)
	}
	var wire struct {
		Size  uint32
		Nodes []ratchetTreeNode `tls:"head=4"`
	}
	if _, err := syntaxUnmarshal(ext.Data, &wire); err != nil {
		return nil, newValidationError("malformed ratchet_tree extension", err)
	}
	tree := NewRatchetTree(crypto)
	tree.Size = leafCount(wire.Size)
	tree.Nodes = make([]treeNode, len(wire.Nodes))
	for i, n := range wire.Nodes {
		if !n.Present {
			continue
		}
		if n.IsLeaf {
			leaf := n.Leaf
			tree.Nodes[i].leaf = &leaf
		} else {
			parent := n.Parent
			tree.Nodes[i].parent = &parent
		}
	}
	return tree, nil
}

// buildGroupInfo signs a fresh GroupInfo snapshot of (tree, groupContext):
// the ratchet_tree extension so a recipient can reconstruct the tree
// without having seen it grow, and external_pub so any current member can
// compute the same external_priv an external joiner's HPKE export targets
// (spec §4.2, §4.5 step 7).
func buildGroupInfo(crypto CryptoProvider, tree *RatchetTree, gc *GroupContext, externalSecret, confirmationTag []byte, signer leafIndex, sigPriv []byte) (*GroupInfo, error) {
	treeExt, err := encodeRatchetTreeExtension(tree)
	if err != nil {
		return nil, err
	}
	_, externalPub, err := crypto.DeriveHPKEKeyPair(externalSecret)
	if err != nil {
		return nil, err
	}
	extPubData, err := syntaxMarshal(&struct {
		Key []byte `tls:"head=2"`
	}{externalPub})
	if err != nil {
		return nil, err
	}
	gi := &GroupInfo{
		GroupContext:    *gc,
		Extensions:      ExtensionList{treeExt, Extension{Type: ExtensionExternalPub, Data: extPubData}},
		ConfirmationTag: confirmationTag,
		Signer:          uint32(signer),
	}
	if err := gi.sign(crypto, sigPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

func findLeafByEncryptionKey(tree *RatchetTree, encKey []byte) (leafIndex, bool) {
	for i := leafIndex(0); uint32(i) < uint32(tree.Size); i++ {
		l := tree.leafAt(i)
		if l != nil && ConstantTimeEqual(l.EncryptionKey, encKey) {
			return i, true
		}
	}
	return 0, false
}

// JoinGroup implements spec §4.5 step 7's recipient side: decrypt the
// Welcome using the joiner's own init private key, recover the ratchet tree
// carried in the GroupInfo's ratchet_tree extension, locate the caller's own
// leaf, and verify the GroupInfo's confirmation_tag before adopting the
// epoch.
func JoinGroup(crypto CryptoProvider, store KeyStore, welcome *Welcome, kp *KeyPackage, sigPriv, sigPub []byte, cfg SenderRatchetConfig, maxPastEpochs int) (*Group, error) {
	kpRef, err := kp.Ref(crypto)
	if err != nil {
		return nil, err
	}
	initPriv, ok, err := store.Get(KeyStoreInitPrivate, kp.InitKey)
	if err != nil {
		return nil, &StoreError{Op: "get init private", Err: err}
	}
	if !ok {
		return nil, newLibraryError("join group: own init private key not found in store")
	}

	gs, err := welcome.DecryptGroupSecrets(crypto, initPriv, kpRef)
	if err != nil {
		return nil, err
	}
	welcomeSecret := crypto.Suite().deriveSecret(gs.JoinerSecret, "welcome", nil)
	gi, err := welcome.DecryptGroupInfo(crypto, welcomeSecret)
	if err != nil {
		return nil, err
	}

	tree, err := treeFromExtensions(crypto, gi.Extensions)
	if err != nil {
		return nil, err
	}

	signerLeaf := tree.leafAt(leafIndex(gi.Signer))
	if signerLeaf == nil {
		return nil, newValidationError("group info signer leaf is blank", nil)
	}
	if err := gi.verify(crypto, signerLeaf.SignatureKey); err != nil {
		return nil, err
	}

	ownIdx, ok := findLeafByEncryptionKey(tree, kp.LeafNode.EncryptionKey)
	if !ok {
		return nil, newValidationError("own leaf not found in welcomed tree", nil)
	}

	gcEnc, err := gi.GroupContext.encode()
	if err != nil {
		return nil, err
	}
	ks := newKeyScheduleEpoch(crypto.Suite(), gs.JoinerSecret, nil, gcEnc)

	expectedTag := crypto.MAC(ks.ConfirmationKey, gi.GroupContext.ConfirmedTranscriptHash)
	if !ConstantTimeEqual(expectedTag, gi.ConfirmationTag) {
		return nil, newValidationError("welcome confirmation tag mismatch", nil)
	}
	interim, err := interimTranscriptHash(crypto, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	secretTree := NewSecretTree(crypto, tree.Size, ownIdx, ks.EncryptionSecret)
	gc := gi.GroupContext.clone()

	// The init private key is single-use; once the Welcome it unlocked has
	// been processed, retaining it would let forward secrecy be broken by
	// compromising storage rather than the live group state (spec §5, §9).
	if err := store.Delete(KeyStoreInitPrivate, kp.InitKey); err != nil {
		return nil, &StoreError{Op: "delete init private", Err: err}
	}

	return &Group{
		crypto:         crypto,
		store:          store,
		ratchetCfg:     cfg,
		tree:           tree,
		index:          ownIdx,
		groupContext:   gc,
		transcriptHash: transcriptHashPair{Confirmed: dup(gc.ConfirmedTranscriptHash), Interim: interim},
		keySchedule:    ks,
		secretTree:     secretTree,
		proposals:      NewProposalStore(),
		pastEpochs:     NewMessageEpochStore(maxPastEpochs),
		sigPriv:        sigPriv,
		sigPub:         sigPub,
		active:         true,
	}, nil
}

// Propose validates and queues a locally-authored proposal, returning the
// PublicMessage a caller broadcasts to the rest of the group (spec §4.4).
func (g *Group) Propose(p Proposal) (*MLSMessage, error) {
	if !g.active {
		return nil, newValidationError("group: member has been removed", nil)
	}
	sender := MemberSender(g.index)
	if err := validateProposal(g.crypto, g.tree, sender, &p, g.groupContext.GroupID, g.required, g.pskLookup, time.Now()); err != nil {
		return nil, err
	}
	ref, err := computeProposalRef(g.crypto, &p)
	if err != nil {
		return nil, err
	}
	g.proposals.Add(QueuedProposal{Ref: ref, Proposal: p, Sender: sender})

	content := FramedContent{
		GroupID:     g.groupContext.GroupID,
		Epoch:       g.groupContext.Epoch,
		Sender:      sender,
		ContentType: ContentProposal,
		Proposal:    &p,
	}
	ac := &AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: content}
	if err := ac.sign(g.crypto, g.groupContext, g.sigPriv); err != nil {
		return nil, err
	}
	pm, err := newPublicMessage(g.crypto, g.groupContext, g.keySchedule.MembershipKey, *ac)
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Version: ProtocolVersionMLS10, WireFormat: WireFormatPublicMessage, PublicMessage: pm}, nil
}

func (g *Group) pskSecret(pskIDs [][]byte) ([]byte, error) {
	if len(pskIDs) == 0 {
		return nil, nil
	}
	if g.pskLookup == nil {
		return nil, newValidationError("commit references psk proposals but no psk provider configured", nil)
	}
	var secret []byte
	for _, id := range pskIDs {
		resolved, ok := g.pskLookup.Resolve(id)
		if !ok {
			return nil, newValidationError("psk id not resolvable at commit time", nil)
		}
		if secret == nil {
			secret = resolved
		} else {
			secret = g.crypto.Suite().hkdfExtract(secret, resolved)
		}
	}
	return secret, nil
}

// Commit implements the committer's side of spec §4.5: fold in every
// pending queued proposal (this member's own by value, other senders' by
// reference) plus any extra ones supplied by value, attach a
// fresh UpdatePath, advance the transcript hash and key schedule, and
// (atomically, only once every step has succeeded) adopt the new epoch.
// Returns the outbound Commit message and, if any Add proposals were
// applied, a Welcome for the new members.
func (g *Group) Commit(extra []Proposal) (*MLSMessage, *Welcome, error) {
	if !g.active {
		return nil, nil, newValidationError("group: member has been removed", nil)
	}

	refs := make([]ProposalOrRef, 0, g.proposals.Len()+len(extra))
	for ref, qp := range g.proposals.byRef {
		if qp.Sender == MemberSender(g.index) {
			refs = append(refs, ProposalByValue(qp.Proposal))
		} else {
			refs = append(refs, ProposalByReference(ref))
		}
	}
	for _, p := range extra {
		refs = append(refs, ProposalByValue(p))
	}

	sender := MemberSender(g.index)
	qps, err := resolveProposals(g.proposals, sender, refs)
	if err != nil {
		return nil, nil, err
	}

	workingTree := g.tree.Clone()
	applied, err := applyProposals(g.crypto, workingTree, g.groupContext.Extensions, qps)
	if err != nil {
		return nil, nil, err
	}

	leafSecret, err := g.crypto.Random(g.crypto.Suite().constants().SecretSize)
	if err != nil {
		return nil, nil, err
	}
	gcEnc, err := g.groupContext.encode()
	if err != nil {
		return nil, nil, err
	}
	up, pathSecrets, _, err := workingTree.deriveUpdatePath(g.crypto, g.index, leafSecret, gcEnc)
	if err != nil {
		return nil, nil, err
	}
	commitSecret, err := workingTree.ApplyUpdatePath(g.crypto, g.index, up, g.index, nil, pathSecrets, gcEnc, g.store)
	if err != nil {
		return nil, nil, err
	}

	dp := dirpath(toNodeIndex(g.index), workingTree.Size)
	parentHash := workingTree.ParentHash(dp[0])

	leafPriv, leafPub, err := g.crypto.GenerateHPKEKeyPair()
	if err != nil {
		return nil, nil, err
	}
	prevLeaf := workingTree.leafAt(g.index)
	newLeaf := LeafNode{
		EncryptionKey: leafPub,
		SignatureKey:  g.sigPub,
		Credential:    prevLeaf.Credential,
		Capabilities:  prevLeaf.Capabilities,
		SourceType:    LeafNodeSourceCommit,
		ParentHash:    parentHash,
		Extensions:    prevLeaf.Extensions,
	}
	if err := newLeaf.sign(g.crypto, g.sigPriv, g.groupContext.GroupID, g.index); err != nil {
		return nil, nil, err
	}
	up.LeafNode = newLeaf
	workingTree.Nodes[toNodeIndex(g.index)].leaf = &newLeaf
	if err := g.store.Put(KeyStoreEncryptionPrivate, leafPub, leafPriv); err != nil {
		return nil, nil, &StoreError{Op: "put own new encryption private", Err: err}
	}

	pskSecret, err := g.pskSecret(applied.pskIDs)
	if err != nil {
		return nil, nil, err
	}

	commitMsg := &Commit{Proposals: refs, Path: up}
	content := FramedContent{
		GroupID:     g.groupContext.GroupID,
		Epoch:       g.groupContext.Epoch,
		Sender:      sender,
		ContentType: ContentCommit,
		Commit:      commitMsg,
	}
	ac := &AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: content}
	if err := ac.sign(g.crypto, g.groupContext, g.sigPriv); err != nil {
		return nil, nil, err
	}

	confirmed, err := g.transcriptHash.confirm(g.crypto, ac)
	if err != nil {
		return nil, nil, err
	}

	newGroupContext := &GroupContext{
		Version:                 g.groupContext.Version,
		CipherSuite:             g.groupContext.CipherSuite,
		GroupID:                 g.groupContext.GroupID,
		Epoch:                   g.groupContext.Epoch + 1,
		TreeHash:                workingTree.TreeHash(),
		ConfirmedTranscriptHash: confirmed,
		Extensions:              applied.extensions,
	}
	newGCEnc, err := newGroupContext.encode()
	if err != nil {
		return nil, nil, err
	}
	newKS := g.keySchedule.next(g.crypto.Suite(), commitSecret, pskSecret, newGCEnc)

	confirmationTag := g.crypto.MAC(newKS.ConfirmationKey, confirmed)
	ac.ConfirmationTag = confirmationTag

	interim, err := interimTranscriptHash(g.crypto, confirmed, confirmationTag)
	if err != nil {
		return nil, nil, err
	}

	secretTree := NewSecretTree(g.crypto, workingTree.Size, g.index, newKS.EncryptionSecret)

	pm, err := newPublicMessage(g.crypto, g.groupContext, g.keySchedule.MembershipKey, *ac)
	if err != nil {
		return nil, nil, err
	}
	msg := &MLSMessage{Version: ProtocolVersionMLS10, WireFormat: WireFormatPublicMessage, PublicMessage: pm}

	var welcome *Welcome
	if len(applied.addedLeaves) > 0 {
		gi, err := buildGroupInfo(g.crypto, workingTree, newGroupContext, newKS.ExternalSecret, confirmationTag, g.index, g.sigPriv)
		if err != nil {
			return nil, nil, err
		}
		recipients := make([]WelcomeRecipient, 0, len(applied.addedLeaves))
		for idx, ref := range applied.addedLeaves {
			recipients = append(recipients, WelcomeRecipient{KeyPackageRef: ref, InitPub: applied.addedInitPub[idx]})
		}
		welcome, err = NewWelcome(g.crypto, gi, newKS.WelcomeSecret, newKS.JoinerSecret, recipients, applied.pskIDs)
		if err != nil {
			return nil, nil, err
		}
	}

	g.pastEpochs.Insert(g.groupContext.Epoch, g.secretTree, g.keySchedule.MembershipKey, g.keySchedule.SenderDataSecret)
	g.tree = workingTree
	g.groupContext = newGroupContext
	g.transcriptHash = transcriptHashPair{Confirmed: confirmed, Interim: interim}
	g.keySchedule = newKS
	g.secretTree = secretTree
	g.proposals.Clear()

	// The previous leaf key is superseded the instant this epoch is
	// adopted; retaining it would leave a forward-secrecy-critical key
	// sitting in storage after the ratchet has moved past it (spec §5, §9).
	if err := g.store.Delete(KeyStoreEncryptionPrivate, prevLeaf.EncryptionKey); err != nil {
		return nil, nil, &StoreError{Op: "delete previous encryption private", Err: err}
	}

	return msg, welcome, nil
}

func (g *Group) ownEncryptionPriv() ([]byte, error) {
	leaf := g.tree.leafAt(g.index)
	if leaf == nil {
		return nil, newLibraryError("own leaf is blank")
	}
	priv, ok, err := g.store.Get(KeyStoreEncryptionPrivate, leaf.EncryptionKey)
	if err != nil {
		return nil, &StoreError{Op: "get own encryption private", Err: err}
	}
	if !ok {
		return nil, newLibraryError("own encryption private key not found in store")
	}
	return priv, nil
}

// ProcessMessage dispatches an incoming MLSMessage by wire format (spec
// §4.6). For Application content the decrypted plaintext is returned; for
// Proposal/Commit content nothing is returned and the group's own state
// advances instead.
func (g *Group) ProcessMessage(msg *MLSMessage) ([]byte, error) {
	switch msg.WireFormat {
	case WireFormatPublicMessage:
		return g.processAuthenticated(msg.PublicMessage.Content, func() error {
			return msg.PublicMessage.verifyMembershipTag(g.crypto, g.groupContext, g.keySchedule.MembershipKey)
		})
	case WireFormatPrivateMessage:
		return g.processPrivateMessage(msg.PrivateMessage)
	default:
		return nil, newValidationError("process message: unsupported wire format", nil)
	}
}

func (g *Group) processAuthenticated(content AuthenticatedContent, verifyFraming func() error) ([]byte, error) {
	if verifyFraming != nil {
		if err := verifyFraming(); err != nil {
			return nil, err
		}
	}
	if content.Content.ContentType != ContentApplication && content.Content.Epoch != g.groupContext.Epoch {
		return nil, newValidationError("proposal or commit epoch does not match current epoch", nil)
	}
	sender := content.Content.Sender
	if sender.Type == SenderMember {
		leaf := g.tree.leafAt(leafIndex(sender.Index))
		if leaf == nil {
			return nil, newValidationError("message sender leaf is blank", nil)
		}
		if err := content.verifySignature(g.crypto, g.groupContext, leaf.SignatureKey); err != nil {
			return nil, err
		}
	}
	// A new-member proposal is an Add signed by the joiner's own KeyPackage leaf.
	if sender.Type == SenderNewMemberProposal {
		p := content.Content.Proposal
		if content.Content.ContentType != ContentProposal || p == nil || p.ProposalType != ProposalAdd || p.Add == nil {
			return nil, newValidationError("new-member proposal must be an Add", nil)
		}
		if err := content.verifySignature(g.crypto, g.groupContext, p.Add.KeyPackage.LeafNode.SignatureKey); err != nil {
			return nil, err
		}
	}

	switch content.Content.ContentType {
	case ContentProposal:
		return nil, g.receiveProposal(sender, content.Content.Proposal)
	case ContentCommit:
		return nil, g.applyIncomingCommit(&content)
	case ContentApplication:
		return content.Content.Application, nil
	default:
		return nil, newValidationError("unknown content type", nil)
	}
}

func (g *Group) receiveProposal(sender Sender, p *Proposal) error {
	if err := validateProposal(g.crypto, g.tree, sender, p, g.groupContext.GroupID, g.required, g.pskLookup, time.Now()); err != nil {
		return err
	}
	ref, err := computeProposalRef(g.crypto, p)
	if err != nil {
		return err
	}
	g.proposals.Add(QueuedProposal{Ref: ref, Proposal: *p, Sender: sender})
	return nil
}

// processPrivateMessage decrypts pm using the current epoch's SecretTree,
// or a retained past epoch's if pm trails the group (spec §8 scenario 3,
// "late-arriving application message"). Past-epoch application messages are
// authenticated against the current GroupContext's signer key, since a
// member's signature key does not change across epochs absent an Update.
func (g *Group) processPrivateMessage(pm *PrivateMessage) ([]byte, error) {
	secretTree, senderDataSecret := g.secretTree, g.keySchedule.SenderDataSecret
	if pm.Epoch != g.groupContext.Epoch {
		past, ok := g.pastEpochs.Get(pm.Epoch)
		if !ok {
			return nil, &DecryptionError{Kind: TooDistantInThePast, Err: newLibraryError("no retained state for epoch %d", pm.Epoch)}
		}
		secretTree, senderDataSecret = past.SecretTree, past.SenderDataSecret
	}

	content, signature, confirmationTag, err := decryptPrivateMessage(g.crypto, secretTree, g.ratchetCfg, senderDataSecret, pm)
	if err != nil {
		return nil, err
	}

	ac := AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: *content, Signature: signature, ConfirmationTag: confirmationTag}
	if content.ContentType == ContentApplication {
		if content.Sender.Type == SenderMember {
			leaf := g.tree.leafAt(leafIndex(content.Sender.Index))
			if leaf == nil {
				return nil, newValidationError("message sender leaf is blank", nil)
			}
			if err := ac.verifySignature(g.crypto, g.groupContext, leaf.SignatureKey); err != nil {
				return nil, err
			}
		}
		return content.Application, nil
	}

	return g.processAuthenticated(ac, nil)
}

// applyIncomingCommit mirrors Commit's tree/key-schedule advance for a
// remotely-authored commit: decrypt the path secret meant for this member
// (if any) instead of deriving it locally, and check the recomputed
// confirmation_tag before adopting the new epoch (spec §4.5 steps 1-4).
func (g *Group) applyIncomingCommit(content *AuthenticatedContent) error {
	commit := content.Content.Commit
	sender := content.Content.Sender
	if sender.Type != SenderMember && sender.Type != SenderNewMemberCommit {
		return newValidationError("commit sender must be a member or an external joiner", nil)
	}

	qps, err := resolveProposals(g.proposals, sender, commit.Proposals)
	if err != nil {
		return err
	}

	workingTree := g.tree.Clone()
	applied, err := applyProposals(g.crypto, workingTree, g.groupContext.Extensions, qps)
	if err != nil {
		return err
	}
	// A removed member is left out of the UpdatePath and cannot derive the
	// new epoch; it stops here as an inactive member.
	for _, r := range applied.removedLeaves {
		if r == g.index {
			g.active = false
			g.proposals.Clear()
			return nil
		}
	}

	// An external commit's sender has no pre-existing leaf; its path's
	// leaf_node takes the same leftmost-available position an Add
	// proposal for it would have (spec §4.2).
	senderLeaf := leafIndex(sender.Index)
	if sender.Type == SenderNewMemberCommit {
		if commit.Path == nil {
			return newValidationError("external commit missing update path", nil)
		}
		leaf := commit.Path.LeafNode
		senderLeaf = workingTree.AddLeaf(&leaf)
	}

	var commitSecret []byte
	if commit.Path != nil {
		gcEnc, err := g.groupContext.encode()
		if err != nil {
			return err
		}
		ownPriv, err := g.ownEncryptionPriv()
		if err != nil {
			return err
		}
		commitSecret, err = workingTree.ApplyUpdatePath(g.crypto, senderLeaf, commit.Path, g.index, ownPriv, nil, gcEnc, g.store)
		if err != nil {
			return err
		}
		dp := dirpath(toNodeIndex(senderLeaf), workingTree.Size)
		if !ConstantTimeEqual(commit.Path.LeafNode.ParentHash, workingTree.ParentHash(dp[0])) {
			return newValidationError("commit path leaf node parent_hash mismatch", nil)
		}
		leaf := commit.Path.LeafNode
		workingTree.Nodes[toNodeIndex(senderLeaf)].leaf = &leaf
	} else {
		commitSecret = make([]byte, g.crypto.Suite().constants().SecretSize)
	}

	pskSecret, err := g.pskSecret(applied.pskIDs)
	if err != nil {
		return err
	}

	confirmed, err := g.transcriptHash.confirm(g.crypto, content)
	if err != nil {
		return err
	}

	newGroupContext := &GroupContext{
		Version:                 g.groupContext.Version,
		CipherSuite:             g.groupContext.CipherSuite,
		GroupID:                 g.groupContext.GroupID,
		Epoch:                   g.groupContext.Epoch + 1,
		TreeHash:                workingTree.TreeHash(),
		ConfirmedTranscriptHash: confirmed,
		Extensions:              applied.extensions,
	}
	gcEnc, err := newGroupContext.encode()
	if err != nil {
		return err
	}

	var newKS keyScheduleEpoch
	if applied.externalInitKEM != nil {
		// The commit carries an ExternalInitProposal: the joiner's
		// init_secret substitute replaces this epoch's continuing
		// InitSecret in the cascade, rather than extending it (spec §4.2).
		initSecret, err := externalInitSecretReceiver(g.crypto, g.keySchedule.ExternalSecret, applied.externalInitKEM)
		if err != nil {
			return err
		}
		joiner := newJoinerSecret(g.crypto.Suite(), initSecret, commitSecret, gcEnc)
		newKS = newKeyScheduleEpoch(g.crypto.Suite(), joiner, pskSecret, gcEnc)
	} else {
		newKS = g.keySchedule.next(g.crypto.Suite(), commitSecret, pskSecret, gcEnc)
	}

	expectedTag := g.crypto.MAC(newKS.ConfirmationKey, confirmed)
	if !ConstantTimeEqual(expectedTag, content.ConfirmationTag) {
		return newValidationError("commit confirmation tag mismatch", nil)
	}

	interim, err := interimTranscriptHash(g.crypto, confirmed, content.ConfirmationTag)
	if err != nil {
		return err
	}

	secretTree := NewSecretTree(g.crypto, workingTree.Size, g.index, newKS.EncryptionSecret)

	g.pastEpochs.Insert(g.groupContext.Epoch, g.secretTree, g.keySchedule.MembershipKey, g.keySchedule.SenderDataSecret)
	g.tree = workingTree
	g.groupContext = newGroupContext
	g.transcriptHash = transcriptHashPair{Confirmed: confirmed, Interim: interim}
	g.keySchedule = newKS
	g.secretTree = secretTree
	g.proposals.Clear()
	return nil
}

// EncryptApplication seals application data as a PrivateMessage (spec
// §4.6).
func (g *Group) EncryptApplication(authenticatedData, plaintext []byte) (*MLSMessage, error) {
	if !g.active {
		return nil, newValidationError("group: member has been removed", nil)
	}
	content := &FramedContent{
		GroupID:           g.groupContext.GroupID,
		Epoch:             g.groupContext.Epoch,
		Sender:            MemberSender(g.index),
		AuthenticatedData: authenticatedData,
		ContentType:       ContentApplication,
		Application:       plaintext,
	}
	ac := &AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: *content}
	if err := ac.sign(g.crypto, g.groupContext, g.sigPriv); err != nil {
		return nil, err
	}
	pm, err := encryptPrivateMessage(g.crypto, g.secretTree, g.ratchetCfg, g.keySchedule.SenderDataSecret, g.index, content, ac.Signature, nil)
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Version: ProtocolVersionMLS10, WireFormat: WireFormatPrivateMessage, PrivateMessage: pm}, nil
}

// DecryptApplication is a convenience wrapper around ProcessMessage for
// callers that already know a message is application data.
func (g *Group) DecryptApplication(msg *MLSMessage) ([]byte, error) {
	if msg.WireFormat != WireFormatPrivateMessage {
		return nil, newValidationError("decrypt application: not a private message", nil)
	}
	return g.ProcessMessage(msg)
}

// ExternalJoin implements spec §4.2's external-commit path: an
// ExternalInitProposal seeds a substitute init_secret from the group's
// external_pub exchange, the joiner's own UpdatePath both adds its leaf and
// contributes the ordinary commit_secret, and the resulting epoch is
// adopted directly rather than via Welcome.
func ExternalJoin(crypto CryptoProvider, store KeyStore, gi *GroupInfo, cred Credential, sigPriv, sigPub []byte, cfg SenderRatchetConfig, maxPastEpochs int) (*Group, *MLSMessage, error) {
	tree, err := treeFromExtensions(crypto, gi.Extensions)
	if err != nil {
		return nil, nil, err
	}
	signerLeaf := tree.leafAt(leafIndex(gi.Signer))
	if signerLeaf == nil {
		return nil, nil, newValidationError("group info signer leaf is blank", nil)
	}
	if err := gi.verify(crypto, signerLeaf.SignatureKey); err != nil {
		return nil, nil, err
	}

	extPubExt, ok := gi.Extensions.find(ExtensionExternalPub)
	if !ok {
		return nil, nil, newValidationError("group info has no external_pub extension", nil)
	}
	var extPub struct {
		Key []byte `tls:"head=2"`
	}
	if _, err := syntaxUnmarshal(extPubExt.Data, &extPub); err != nil {
		return nil, nil, newValidationError("malformed external_pub extension", err)
	}

	kemOutput, initSecret, err := externalInitSecret(crypto, extPub.Key)
	if err != nil {
		return nil, nil, err
	}

	workingTree := tree.Clone()
	ownIdx := workingTree.AddLeaf(&LeafNode{})

	leafSecret, err := crypto.Random(crypto.Suite().constants().SecretSize)
	if err != nil {
		return nil, nil, err
	}
	gcEncBefore, err := gi.GroupContext.encode()
	if err != nil {
		return nil, nil, err
	}
	up, pathSecrets, _, err := workingTree.deriveUpdatePath(crypto, ownIdx, leafSecret, gcEncBefore)
	if err != nil {
		return nil, nil, err
	}
	commitSecret, err := workingTree.ApplyUpdatePath(crypto, ownIdx, up, ownIdx, nil, pathSecrets, gcEncBefore, store)
	if err != nil {
		return nil, nil, err
	}
	dp := dirpath(toNodeIndex(ownIdx), workingTree.Size)
	parentHash := workingTree.ParentHash(dp[0])

	encPriv, encPub, err := crypto.GenerateHPKEKeyPair()
	if err != nil {
		return nil, nil, err
	}
	newLeaf := LeafNode{
		EncryptionKey: encPub,
		SignatureKey:  sigPub,
		Credential:    cred,
		Capabilities:  DefaultCapabilities(crypto.Suite()),
		SourceType:    LeafNodeSourceCommit,
		ParentHash:    parentHash,
	}
	if err := newLeaf.sign(crypto, sigPriv, gi.GroupContext.GroupID, ownIdx); err != nil {
		return nil, nil, err
	}
	up.LeafNode = newLeaf
	workingTree.Nodes[toNodeIndex(ownIdx)].leaf = &newLeaf
	if err := store.Put(KeyStoreEncryptionPrivate, encPub, encPriv); err != nil {
		return nil, nil, &StoreError{Op: "put own encryption private", Err: err}
	}

	extInit := ExternalInitProposal{KEMOutput: kemOutput}
	proposal := Proposal{ProposalType: ProposalExternalInit, ExternalInit: &extInit}
	sender := NewMemberCommitSender()

	commitMsg := &Commit{Proposals: []ProposalOrRef{ProposalByValue(proposal)}, Path: up}
	content := FramedContent{
		GroupID:     gi.GroupContext.GroupID,
		Epoch:       gi.GroupContext.Epoch,
		Sender:      sender,
		ContentType: ContentCommit,
		Commit:      commitMsg,
	}
	groupContext := gi.GroupContext.clone()
	ac := &AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: content}
	if err := ac.sign(crypto, groupContext, sigPriv); err != nil {
		return nil, nil, err
	}

	th := transcriptHashPair{Confirmed: dup(gi.GroupContext.ConfirmedTranscriptHash)}
	interimBefore, err := interimTranscriptHash(crypto, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, nil, err
	}
	th.Interim = interimBefore
	confirmed, err := th.confirm(crypto, ac)
	if err != nil {
		return nil, nil, err
	}

	newGroupContext := &GroupContext{
		Version:                 groupContext.Version,
		CipherSuite:             groupContext.CipherSuite,
		GroupID:                 groupContext.GroupID,
		Epoch:                   groupContext.Epoch + 1,
		TreeHash:                workingTree.TreeHash(),
		ConfirmedTranscriptHash: confirmed,
		Extensions:              groupContext.Extensions,
	}
	gcEnc, err := newGroupContext.encode()
	if err != nil {
		return nil, nil, err
	}

	// The external joiner has no prior epoch's InitSecret; initSecret (an
	// HPKE export against the GroupInfo's external_pub) substitutes for it,
	// combined with the path's ordinary commit_secret exactly as an
	// existing member processing this same commit must (spec §4.2).
	joiner := newJoinerSecret(crypto.Suite(), initSecret, commitSecret, gcEnc)
	newKS := newKeyScheduleEpoch(crypto.Suite(), joiner, nil, gcEnc)

	confirmationTag := crypto.MAC(newKS.ConfirmationKey, confirmed)
	ac.ConfirmationTag = confirmationTag
	interim, err := interimTranscriptHash(crypto, confirmed, confirmationTag)
	if err != nil {
		return nil, nil, err
	}

	secretTree := NewSecretTree(crypto, workingTree.Size, ownIdx, newKS.EncryptionSecret)

	pm, err := newPublicMessage(crypto, groupContext, newKS.MembershipKey, *ac)
	if err != nil {
		return nil, nil, err
	}
	msg := &MLSMessage{Version: ProtocolVersionMLS10, WireFormat: WireFormatPublicMessage, PublicMessage: pm}

	g := &Group{
		crypto:         crypto,
		store:          store,
		ratchetCfg:     cfg,
		tree:           workingTree,
		index:          ownIdx,
		groupContext:   newGroupContext,
		transcriptHash: transcriptHashPair{Confirmed: confirmed, Interim: interim},
		keySchedule:    newKS,
		secretTree:     secretTree,
		proposals:      NewProposalStore(),
		pastEpochs:     NewMessageEpochStore(maxPastEpochs),
		sigPriv:        sigPriv,
		sigPub:         sigPub,
		active:         true,
	}
	return g, msg, nil
}

// PersistedGroup is the Save/Load wire shape (spec §3's Open Question on
// state persistence, resolved in DESIGN.md): every piece of Group that
// can't be recomputed from the others, go-tls-syntax encoded like every
// other wire structure in this module. The encoding carries no version
// tag, so compatibility across versions of this module is not guaranteed;
// pending proposals and retained past-epoch state are not saved.
type PersistedGroup struct {
	Tree           []ratchetTreeNode `tls:"head=4"`
	TreeSize       uint32
	Index          uint32
	GroupContext   GroupContext
	Confirmed      []byte `tls:"head=1"`
	Interim        []byte `tls:"head=1"`
	KeySchedule    keyScheduleEpoch
	EncryptionRoot []byte `tls:"head=1"`
	SigPriv        []byte `tls:"head=2"`
	SigPub         []byte `tls:"head=2"`
	Active         bool
}

// Save serializes enough of Group's state to resume it later in the same
// process generation (SecretTree's already-issued generations are not
// preserved — a loaded Group's sender ratchets restart from the epoch's
// root secret, which is safe because nothing using this export path has
// sent or received anything since the snapshot).
func (g *Group) Save() ([]byte, error) {
	nodes := make([]ratchetTreeNode, len(g.tree.Nodes))
	for i, n := range g.tree.Nodes {
		switch {
		case n.leaf != nil:
			nodes[i] = ratchetTreeNode{Present: true, IsLeaf: true, Leaf: *n.leaf}
		case n.parent != nil:
			nodes[i] = ratchetTreeNode{Present: true, IsLeaf: false, Parent: *n.parent}
		}
	}
	pg := &PersistedGroup{
		Tree:           nodes,
		TreeSize:       uint32(g.tree.Size),
		Index:          uint32(g.index),
		GroupContext:   *g.groupContext,
		Confirmed:      g.transcriptHash.Confirmed,
		Interim:        g.transcriptHash.Interim,
		KeySchedule:    g.keySchedule,
		EncryptionRoot: g.keySchedule.EncryptionSecret,
		SigPriv:        g.sigPriv,
		SigPub:         g.sigPub,
		Active:         g.active,
	}
	return syntaxMarshal(pg)
}

// Load restores a Group previously produced by Save. store must be the same
// KeyStore (or an equivalent one populated with the same private keys) the
// saved Group used.
func Load(crypto CryptoProvider, store KeyStore, data []byte, cfg SenderRatchetConfig, maxPastEpochs int) (*Group, error) {
	var pg PersistedGroup
	if _, err := syntaxUnmarshal(data, &pg); err != nil {
		return nil, newValidationError("malformed persisted group", err)
	}

	tree := NewRatchetTree(crypto)
	tree.Size = leafCount(pg.TreeSize)
	tree.Nodes = make([]treeNode, len(pg.Tree))
	for i, n := range pg.Tree {
		if !n.Present {
			continue
		}
		if n.IsLeaf {
			leaf := n.Leaf
			tree.Nodes[i].leaf = &leaf
		} else {
			parent := n.Parent
			tree.Nodes[i].parent = &parent
		}
	}

	gc := pg.GroupContext
	secretTree := NewSecretTree(crypto, tree.Size, leafIndex(pg.Index), pg.EncryptionRoot)

	return &Group{
		crypto:         crypto,
		store:          store,
		ratchetCfg:     cfg,
		tree:           tree,
		index:          leafIndex(pg.Index),
		groupContext:   &gc,
		transcriptHash: transcriptHashPair{Confirmed: pg.Confirmed, Interim: pg.Interim},
		keySchedule:    pg.KeySchedule,
		secretTree:     secretTree,
		proposals:      NewProposalStore(),
		pastEpochs:     NewMessageEpochStore(maxPastEpochs),
		sigPriv:        pg.SigPriv,
		sigPub:         pg.SigPub,
		active:         pg.Active,
	}, nil
}
