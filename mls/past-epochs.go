package mls

// pastEpoch is the slice of an old epoch's state needed to decrypt a
// message that arrives late (spec §3, "MessageEpochStore"): the epoch's
// SecretTree (so sender ratchets can still be advanced/cached) plus the
// two keys PublicMessage/PrivateMessage authentication depends on.
type pastEpoch struct {
	SecretTree       *SecretTree
	MembershipKey    []byte
	SenderDataSecret []byte
}

// MessageEpochStore bounds how many prior epochs' state is retained for
// decrypting late-arriving application messages, per the configured
// max_past_epochs (spec §6.3, §8 scenario 3). Eviction is FIFO by epoch
// number — the oldest retained epoch is dropped first.
type MessageEpochStore struct {
	maxPastEpochs int
	order         []uint64
	epochs        map[uint64]*pastEpoch
}

func NewMessageEpochStore(maxPastEpochs int) *MessageEpochStore {
	return &MessageEpochStore{
		maxPastEpochs: maxPastEpochs,
		epochs:        make(map[uint64]*pastEpoch),
	}
}

// Insert records epoch's state, evicting the oldest retained epoch(s) once
// more than maxPastEpochs are held, the newly inserted one included.
func (s *MessageEpochStore) Insert(epoch uint64, secretTree *SecretTree, membershipKey, senderDataSecret []byte) {
	if _, exists := s.epochs[epoch]; !exists {
		s.order = append(s.order, epoch)
	}
	s.epochs[epoch] = &pastEpoch{
		SecretTree:       secretTree,
		MembershipKey:    dup(membershipKey),
		SenderDataSecret: dup(senderDataSecret),
	}
	for len(s.order) > s.maxPastEpochs {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.epochs, oldest)
	}
}

func (s *MessageEpochStore) Get(epoch uint64) (*pastEpoch, bool) {
	e, ok := s.epochs[epoch]
	return e, ok
}
