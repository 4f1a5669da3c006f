package mls

// ProtocolVersion is the MLS wire-format version a member supports.
type ProtocolVersion uint16

const ProtocolVersionMLS10 ProtocolVersion = 0x0001

// Capabilities advertises what a member's LeafNode supports: ciphersuites,
// protocol versions, extension/proposal/credential types. Add-proposal
// validation checks a joining leaf's Capabilities against the group's
// installed RequiredCapabilities (satisfies), and LeafNode verification
// checks that they list the leaf's own credential type and extensions
// (spec §3, LeafNode invariants).
type Capabilities struct {
	Versions     []ProtocolVersion `tls:"head=1"`
	Ciphersuites []CipherSuite     `tls:"head=1"`
	Extensions   []ExtensionType   `tls:"head=1"`
	Proposals    []ProposalType    `tls:"head=1"`
	Credentials  []CredentialType  `tls:"head=1"`
}

func DefaultCapabilities(suite CipherSuite) Capabilities {
	return Capabilities{
		Versions:     []ProtocolVersion{ProtocolVersionMLS10},
		Ciphersuites: []CipherSuite{suite},
		Extensions:   []ExtensionType{ExtensionApplicationID, ExtensionRatchetTree, ExtensionRequiredCaps, ExtensionExternalPub, ExtensionExternalSender},
		Proposals:    []ProposalType{ProposalAdd, ProposalUpdate, ProposalRemove, ProposalPSK, ProposalReInit, ProposalExternalInit, ProposalGroupContextExtensions},
		Credentials:  []CredentialType{CredentialBasic, CredentialX509},
	}
}

func (c Capabilities) supportsExtension(t ExtensionType) bool {
	for _, e := range c.Extensions {
		if e == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCredential(t CredentialType) bool {
	for _, e := range c.Credentials {
		if e == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsProposal(t ProposalType) bool {
	for _, e := range c.Proposals {
		if e == t {
			return true
		}
	}
	return false
}

// satisfies reports whether c covers every requirement in req — used to
// validate Add proposals against the group's required_capabilities
// extension (spec §4.4).
func (c Capabilities) satisfies(req RequiredCapabilities) bool {
	for _, e := range req.ExtensionTypes {
		if !c.supportsExtension(e) {
			return false
		}
	}
	for _, p := range req.ProposalTypes {
		if !c.supportsProposal(p) {
			return false
		}
	}
	for _, cr := range req.CredentialTypes {
		if !c.supportsCredential(cr) {
			return false
		}
	}
	return true
}
