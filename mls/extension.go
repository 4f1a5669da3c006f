package mls

// ExtensionType enumerates the extension kinds this implementation
// recognizes at the group-context and leaf-node level. Unknown types are
// carried opaquely, since extensions are meant to be forward-compatible.
type ExtensionType uint16

const (
	ExtensionApplicationID  ExtensionType = 0x0001
	ExtensionRatchetTree    ExtensionType = 0x0002
	ExtensionRequiredCaps   ExtensionType = 0x0003
	ExtensionExternalPub    ExtensionType = 0x0004
	ExtensionExternalSender ExtensionType = 0x0005
)

// Extension is an opaque (type, data) pair; callers that understand a given
// ExtensionType parse Data themselves via the Codec.
type Extension struct {
	Type ExtensionType
	Data []byte `tls:"head=4"`
}

// ExtensionList is always encoded with a 4-byte length prefix (use the
// `tls:"head=4"` tag on the containing struct field).
type ExtensionList []Extension

func (l ExtensionList) find(t ExtensionType) (Extension, bool) {
	for _, e := range l {
		if e.Type == t {
			return e, true
		}
	}
	return Extension{}, false
}

func (l ExtensionList) has(t ExtensionType) bool {
	_, ok := l.find(t)
	return ok
}

// RequiredCapabilities lists the extension, proposal, and credential types a
// LeafNode's Capabilities must support to be admitted to the group (used by
// Add-proposal validation, spec §4.4).
type RequiredCapabilities struct {
	ExtensionTypes []ExtensionType `tls:"head=1"`
	ProposalTypes  []ProposalType  `tls:"head=1"`
	CredentialTypes []CredentialType `tls:"head=1"`
}
