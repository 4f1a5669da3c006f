package mls

// ProposalOrRefType selects whether a Commit carries a proposal inline or
// points at one already sitting in the ProposalStore (spec §4.5).
type ProposalOrRefType uint8

const (
	ProposalOrRefValue     ProposalOrRefType = 1
	ProposalOrRefReference ProposalOrRefType = 2
)

// ProposalOrRef is another tagged union hand-coded the way Proposal is.
type ProposalOrRef struct {
	Type      ProposalOrRefType
	Value     *Proposal
	Reference ProposalRef
}

func ProposalByValue(p Proposal) ProposalOrRef { return ProposalOrRef{Type: ProposalOrRefValue, Value: &p} }
func ProposalByReference(ref ProposalRef) ProposalOrRef {
	return ProposalOrRef{Type: ProposalOrRefReference, Reference: ref}
}

func (p *ProposalOrRef) MarshalTLS() ([]byte, error) {
	switch p.Type {
	case ProposalOrRefValue:
		value, err := p.Value.MarshalTLS()
		if err != nil {
			return nil, err
		}
		return syntaxMarshal(&struct {
			Type  ProposalOrRefType
			Value []byte `tls:"head=4"`
		}{p.Type, value})
	case ProposalOrRefReference:
		return syntaxMarshal(&struct {
			Type      ProposalOrRefType
			Reference ProposalRef
		}{p.Type, p.Reference})
	default:
		return nil, newLibraryError("marshal proposal-or-ref: unknown type %d", p.Type)
	}
}

func (p *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	var tag struct {
		Type ProposalOrRefType
	}
	if _, err := syntaxUnmarshal(data, &tag); err != nil {
		return 0, err
	}
	p.Type = tag.Type
	switch tag.Type {
	case ProposalOrRefValue:
		var body struct {
			Type  ProposalOrRefType
			Value []byte `tls:"head=4"`
		}
		n, err := syntaxUnmarshal(data, &body)
		if err != nil {
			return 0, err
		}
		p.Value = &Proposal{}
		if _, err := syntaxUnmarshal(body.Value, p.Value); err != nil {
			return 0, err
		}
		return n, nil
	case ProposalOrRefReference:
		var body struct {
			Type      ProposalOrRefType
			Reference ProposalRef
		}
		n, err := syntaxUnmarshal(data, &body)
		if err != nil {
			return 0, err
		}
		p.Reference = body.Reference
		return n, nil
	default:
		return 0, newLibraryError("unmarshal proposal-or-ref: unknown type %d", tag.Type)
	}
}

// Commit bundles the proposals (by value or reference) a sender applies
// and, when the proposals require fresh key material, an UpdatePath (spec
// §3, §4.5). Hand-codes its wire form for the same reason Proposal does:
// Path is present only when the sender actually attaches one.
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath
}

func (c *Commit) MarshalTLS() ([]byte, error) {
	type wire struct {
		Proposals []ProposalOrRef `tls:"head=4"`
		HasPath   bool
		Path      UpdatePath
	}
	w := wire{Proposals: c.Proposals, HasPath: c.Path != nil}
	if c.Path != nil {
		w.Path = *c.Path
	}
	return syntaxMarshal(&w)
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	type wire struct {
		Proposals []ProposalOrRef `tls:"head=4"`
		HasPath   bool
		Path      UpdatePath
	}
	var w wire
	n, err := syntaxUnmarshal(data, &w)
	if err != nil {
		return 0, err
	}
	c.Proposals = w.Proposals
	if w.HasPath {
		p := w.Path
		c.Path = &p
	} else {
		c.Path = nil
	}
	return n, nil
}

// resolveProposals implements spec §4.5's lookup step: value-carried
// proposals are attributed to the committer, reference-carried ones are
// pulled from the ProposalStore they were queued in after validation.
func resolveProposals(store *ProposalStore, committer Sender, refs []ProposalOrRef) ([]QueuedProposal, error) {
	out := make([]QueuedProposal, 0, len(refs))
	for _, por := range refs {
		switch por.Type {
		case ProposalOrRefValue:
			out = append(out, QueuedProposal{Proposal: *por.Value, Sender: committer})
		case ProposalOrRefReference:
			qp, ok := store.Get(por.Reference)
			if !ok {
				return nil, newValidationError("commit references a proposal not in the proposal store", nil)
			}
			out = append(out, qp)
		default:
			return nil, newLibraryError("resolve proposal: unknown type %d", por.Type)
		}
	}
	return out, nil
}

// canonicalOrder implements spec §4.5 step 1's application order: Updates,
// Removes, Adds, GroupContextExtensions, then PSKs. ExternalInit and
// ReInit proposals don't mutate the tree; they're picked up separately by
// the key-schedule and reinit paths.
func canonicalOrder(qps []QueuedProposal) (updates, removes, adds, gcExts, psks []QueuedProposal) {
	for _, qp := range qps {
		switch qp.Proposal.ProposalType {
		case ProposalUpdate:
			updates = append(updates, qp)
		case ProposalRemove:
			removes = append(removes, qp)
		case ProposalAdd:
			adds = append(adds, qp)
		case ProposalGroupContextExtensions:
			gcExts = append(gcExts, qp)
		case ProposalPSK:
			psks = append(psks, qp)
		}
	}
	return
}

// appliedProposals is the bookkeeping applyProposals hands back so the
// caller can build a Welcome for new members and know what changed.
type appliedProposals struct {
	addedLeaves     map[leafIndex][]byte // leaf -> KeyPackageRef
	addedInitPub    map[leafIndex][]byte // leaf -> init public key
	removedLeaves   []leafIndex
	pskIDs          [][]byte
	extensions      ExtensionList
	externalInitKEM []byte
}

// applyProposals implements spec §4.5 step 1 against a tree: it mutates
// tree in place and reports what changed.
func applyProposals(crypto CryptoProvider, tree *RatchetTree, extensions ExtensionList, qps []QueuedProposal) (*appliedProposals, error) {
	updates, removes, adds, gcExts, psks := canonicalOrder(qps)
	result := &appliedProposals{
		addedLeaves:  map[leafIndex][]byte{},
		addedInitPub: map[leafIndex][]byte{},
		extensions:   extensions,
	}

	for _, qp := range updates {
		if qp.Sender.Type != SenderMember {
			return nil, newValidationError("update proposal sender must be a member", nil)
		}
		leaf := qp.Proposal.Update.LeafNode
		tree.UpdateLeaf(leafIndex(qp.Sender.Index), &leaf)
	}
	for _, qp := range removes {
		idx := leafIndex(qp.Proposal.Remove.Removed)
		tree.RemoveLeaf(idx)
		result.removedLeaves = append(result.removedLeaves, idx)
	}
	for _, qp := range adds {
		kp := qp.Proposal.Add.KeyPackage
		leaf := kp.LeafNode
		idx := tree.AddLeaf(&leaf)
		ref, err := kp.Ref(crypto)
		if err != nil {
			return nil, err
		}
		result.addedLeaves[idx] = ref
		result.addedInitPub[idx] = kp.InitKey
	}
	for _, qp := range gcExts {
		result.extensions = qp.Proposal.GroupContextExtensions.Extensions
	}
	for _, qp := range psks {
		result.pskIDs = append(result.pskIDs, qp.Proposal.PreSharedKey.PSKID)
	}
	for _, qp := range qps {
		if qp.Proposal.ProposalType == ProposalExternalInit {
			result.externalInitKEM = qp.Proposal.ExternalInit.KEMOutput
		}
	}
	return result, nil
}

// StagedCommit bundles the not-yet-committed result of processing a
// Commit: every piece of state a successful confirmation check promotes
// into the live group (spec §3, §4.5 steps 1-4). Group.Commit and
// applyIncomingCommit do not build one; they stage the same values in
// local variables and assign them to the Group only after every check has
// passed.
type StagedCommit struct {
	GroupContext    *GroupContext
	Tree            *RatchetTree
	KeySchedule     keyScheduleEpoch
	SecretTree      *SecretTree
	TranscriptHash  transcriptHashPair
	ConfirmationTag []byte
	Content         *AuthenticatedContent
	Applied         *appliedProposals
	Welcome         *Welcome
}
