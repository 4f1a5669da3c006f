package mls

import "time"

// PublicGroup tracks a group's public state — tree, extensions, epoch,
// GroupContext — purely from the stream of commits it observes, holding
// no private key material (spec §4.7). It reuses RatchetTree and the
// proposal/commit application pipeline but never touches SecretTree or
// HPKE decryption, so a delivery service or other non-member party can
// stay in lockstep with full members' GroupContext.
type PublicGroup struct {
	crypto CryptoProvider

	tree           *RatchetTree
	groupContext   *GroupContext
	transcriptHash transcriptHashPair
	proposals      *ProposalStore
}

func NewPublicGroup(crypto CryptoProvider, groupContext *GroupContext, tree *RatchetTree, confirmedHash, interimHash []byte) *PublicGroup {
	return &PublicGroup{
		crypto:         crypto,
		tree:           tree,
		groupContext:   groupContext,
		transcriptHash: transcriptHashPair{Confirmed: confirmedHash, Interim: interimHash},
		proposals:      NewProposalStore(),
	}
}

func (pg *PublicGroup) GroupContext() *GroupContext { return pg.groupContext }

func (pg *PublicGroup) TreeHash() []byte { return pg.tree.TreeHash() }

// QueueProposal validates and stores a publicly observed proposal (spec
// §4.4) ahead of some later commit referencing it.
func (pg *PublicGroup) QueueProposal(sender Sender, p Proposal, required RequiredCapabilities, psks PSKLookup, now time.Time) error {
	if err := validateProposal(pg.crypto, pg.tree, sender, &p, pg.groupContext.GroupID, required, psks, now); err != nil {
		return err
	}
	ref, err := computeProposalRef(pg.crypto, &p)
	if err != nil {
		return err
	}
	pg.proposals.Add(QueuedProposal{Ref: ref, Proposal: p, Sender: sender})
	return nil
}

// ProcessCommit applies a publicly observed commit without any private
// key: proposal application plus the direct path's public keys are enough
// to recompute tree_hash and advance GroupContext in lockstep with full
// members (spec §4.7's agreement guarantee). There is no commit secret,
// key schedule, or confirmation_tag verification here — a PublicGroup
// trusts that the commit it's given was already authenticated upstream
// (e.g. by the delivery service checking membership_tag/signature).
func (pg *PublicGroup) ProcessCommit(content *AuthenticatedContent) error {
	if content.Content.ContentType != ContentCommit {
		return newValidationError("public group: content is not a commit", nil)
	}
	commit := content.Content.Commit
	sender := content.Content.Sender

	qps, err := resolveProposals(pg.proposals, sender, commit.Proposals)
	if err != nil {
		return err
	}

	workingTree := pg.tree.Clone()
	applied, err := applyProposals(pg.crypto, workingTree, pg.groupContext.Extensions, qps)
	if err != nil {
		return err
	}

	if commit.Path != nil {
		node := toNodeIndex(leafIndex(sender.Index))
		dp := dirpath(node, workingTree.Size)
		if len(dp) != len(commit.Path.Nodes) {
			return newValidationError("update path length does not match tree shape", nil)
		}
		for i, p := range dp {
			workingTree.Nodes[p].leaf = nil
			workingTree.Nodes[p].parent = &ParentNode{PublicKey: commit.Path.Nodes[i].PublicKey}
		}
		if !ConstantTimeEqual(workingTree.ParentHash(dp[0]), commit.Path.LeafNode.ParentHash) {
			return newValidationError("update path leaf node parent_hash does not match recomputed tree", nil)
		}
		leaf := commit.Path.LeafNode
		workingTree.Nodes[node].leaf = &leaf
	}

	confirmed, err := pg.transcriptHash.confirm(pg.crypto, content)
	if err != nil {
		return err
	}
	newContext := &GroupContext{
		Version:                 pg.groupContext.Version,
		CipherSuite:             pg.groupContext.CipherSuite,
		GroupID:                 pg.groupContext.GroupID,
		Epoch:                   pg.groupContext.Epoch + 1,
		TreeHash:                workingTree.TreeHash(),
		ConfirmedTranscriptHash: confirmed,
		Extensions:              applied.extensions,
	}
	interim, err := interimTranscriptHash(pg.crypto, confirmed, content.ConfirmationTag)
	if err != nil {
		return err
	}

	pg.tree = workingTree
	pg.groupContext = newContext
	pg.transcriptHash = transcriptHashPair{Confirmed: confirmed, Interim: interim}
	pg.proposals.Clear()
	return nil
}
