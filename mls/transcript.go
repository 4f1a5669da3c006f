package mls

// transcriptHashPair bundles the two running hashes the group context
// carries across epochs (spec §4.6): confirmed_transcript_hash is the
// value actually embedded in GroupContext, interim_transcript_hash is the
// working value used to compute the *next* commit's confirmed hash.
type transcriptHashPair struct {
	Confirmed []byte
	Interim   []byte
}

// confirm implements spec §4.5 step 3's confirmed_transcript_hash update:
// fold the commit's content (sans confirmation_tag, which isn't known
// until the new epoch's confirmation_key is derived) into the prior
// interim_transcript_hash.
func (th transcriptHashPair) confirm(crypto CryptoProvider, commit *AuthenticatedContent) ([]byte, error) {
	commitTBS, err := commit.commitContentTBS()
	if err != nil {
		return nil, err
	}
	return crypto.Hash(append(dup(th.Interim), commitTBS...)), nil
}

// interimTranscriptHash implements spec §4.5 step 3's interim_transcript_hash update:
// fold the just-computed confirmation_tag into confirmed_transcript_hash,
// producing the value the *next* commit's confirm() will use.
func interimTranscriptHash(crypto CryptoProvider, confirmed, confirmationTag []byte) ([]byte, error) {
	tag := struct {
		ConfirmationTag []byte `tls:"head=1"`
	}{confirmationTag}
	tagEnc, err := syntaxMarshal(&tag)
	if err != nil {
		return nil, err
	}
	return crypto.Hash(append(dup(confirmed), tagEnc...)), nil
}
