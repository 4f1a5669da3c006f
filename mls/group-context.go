package mls

// GroupContext is the authenticated state every member must agree on
// within an epoch: protocol version, ciphersuite, group id, epoch number,
// the ratchet tree's hash, the running transcript hash, and group
// extensions (spec §3, "GroupContext"). A new instance is produced per
// epoch; nothing in it is mutated in place.
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte        `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte        `tls:"head=1"`
	ConfirmedTranscriptHash []byte        `tls:"head=1"`
	Extensions              ExtensionList `tls:"head=4"`
}

func (gc *GroupContext) encode() ([]byte, error) {
	return syntaxMarshal(gc)
}

func (gc *GroupContext) clone() *GroupContext {
	out := *gc
	out.GroupID = dup(gc.GroupID)
	out.TreeHash = dup(gc.TreeHash)
	out.ConfirmedTranscriptHash = dup(gc.ConfirmedTranscriptHash)
	out.Extensions = append(ExtensionList{}, gc.Extensions...)
	return &out
}
