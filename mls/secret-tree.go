package mls

// SecretTree mirrors RatchetTree's shape (spec §3): the root holds the
// epoch's encryption_secret, each non-root node's secret is
// expand(parent, "tree", side), and interior secrets are erased once their
// children have been derived (forward secrecy). Leaves are derived lazily,
// only as sender ratchets for that leaf are actually needed.
type SecretTree struct {
	crypto CryptoProvider
	size   leafCount
	own    leafIndex

	// secrets holds only the nodes still undescended; a populated entry
	// here has not yet had its children derived.
	secrets map[nodeIndex][]byte

	handshake   map[leafIndex]*SenderRatchet
	application map[leafIndex]*SenderRatchet
}

// NewSecretTree builds a tree for `size` leaves, rooted at encryptionSecret,
// for the local member at leaf `own`. Construction only stores the root;
// every other secret is derived on demand (spec §4.3).
func NewSecretTree(crypto CryptoProvider, size leafCount, own leafIndex, encryptionSecret []byte) *SecretTree {
	st := &SecretTree{
		crypto:      crypto,
		size:        size,
		own:         own,
		secrets:     map[nodeIndex][]byte{root(size): dup(encryptionSecret)},
		handshake:   make(map[leafIndex]*SenderRatchet),
		application: make(map[leafIndex]*SenderRatchet),
	}
	return st
}

// leafSecret walks down from the nearest populated ancestor to `leaf`,
// erasing each interior secret immediately after deriving its children.
func (st *SecretTree) leafSecret(leaf leafIndex) []byte {
	target := toNodeIndex(leaf)
	if s, ok := st.secrets[target]; ok {
		delete(st.secrets, target)
		return s
	}

	// Find the nearest populated ancestor.
	chain := append([]nodeIndex{target}, dirpath(target, st.size)...)
	start := -1
	for i := len(chain) - 1; i >= 0; i-- {
		if _, ok := st.secrets[chain[i]]; ok {
			start = i
			break
		}
	}
	if start < 0 {
		panic(newLibraryError("secret tree: no populated ancestor for leaf %d", leaf))
	}

	for i := start; i > 0; i-- {
		n := chain[i]
		parentSecret := st.secrets[n]
		delete(st.secrets, n)
		l := left(n)
		r := right(n, st.size)
		st.secrets[l] = st.crypto.Suite().hkdfExpandLabel(parentSecret, "tree", []byte{0}, st.crypto.Suite().constants().SecretSize)
		st.secrets[r] = st.crypto.Suite().hkdfExpandLabel(parentSecret, "tree", []byte{1}, st.crypto.Suite().constants().SecretSize)
		zeroize(parentSecret)
	}

	s := st.secrets[target]
	delete(st.secrets, target)
	return s
}

func (st *SecretTree) ratchetSecrets(leaf leafIndex) (handshake, application []byte) {
	base := st.leafSecret(leaf)
	handshake = st.crypto.Suite().hkdfExpandLabel(base, "handshake", nil, st.crypto.Suite().constants().SecretSize)
	application = st.crypto.Suite().hkdfExpandLabel(base, "application", nil, st.crypto.Suite().constants().SecretSize)
	zeroize(base)
	return
}

// HandshakeRatchet returns the sender ratchet a given leaf uses for
// PublicMessage/commit/proposal framing, creating it (and the application
// ratchet alongside it) on first use.
func (st *SecretTree) HandshakeRatchet(leaf leafIndex, cfg SenderRatchetConfig) *SenderRatchet {
	if r, ok := st.handshake[leaf]; ok {
		return r
	}
	hs, app := st.ratchetSecrets(leaf)
	st.handshake[leaf] = newSenderRatchet(st.crypto, leaf, hs, leaf == st.own, cfg)
	st.application[leaf] = newSenderRatchet(st.crypto, leaf, app, leaf == st.own, cfg)
	return st.handshake[leaf]
}

func (st *SecretTree) ApplicationRatchet(leaf leafIndex, cfg SenderRatchetConfig) *SenderRatchet {
	if r, ok := st.application[leaf]; ok {
		return r
	}
	st.HandshakeRatchet(leaf, cfg) // populates both
	return st.application[leaf]
}

// SenderRatchetConfig bounds how far a DecryptionRatchet will reorder or
// advance (spec §6.3).
type SenderRatchetConfig struct {
	OutOfOrderTolerance uint32
	MaximumForwardDistance uint32
}

func DefaultSenderRatchetConfig() SenderRatchetConfig {
	return SenderRatchetConfig{OutOfOrderTolerance: 5, MaximumForwardDistance: 1000}
}

// SenderRatchet is the spec §4.3 EncryptionRatchet (own leaf) /
// DecryptionRatchet (other leaves) pair, unified into one type the way the
// teacher's hashRatchet already shapes a single forward ratchet — here
// widened with a cache-and-window policy for decryption use.
type SenderRatchet struct {
	crypto CryptoProvider
	isOwn  bool
	cfg    SenderRatchetConfig

	ratchet  *hashRatchet
	consumed map[uint32]bool
}

func newSenderRatchet(crypto CryptoProvider, leaf leafIndex, baseSecret []byte, isOwn bool, cfg SenderRatchetConfig) *SenderRatchet {
	return &SenderRatchet{
		crypto:   crypto,
		isOwn:    isOwn,
		cfg:      cfg,
		ratchet:  newHashRatchet(crypto.Suite(), toNodeIndex(leaf), baseSecret),
		consumed: make(map[uint32]bool),
	}
}

// RatchetForward implements EncryptionRatchet.ratchet_forward: advances and
// returns the next (generation, key, nonce) via the wrapped hashRatchet.
// Valid only for the own leaf's ratchet.
func (r *SenderRatchet) RatchetForward() (uint32, []byte, []byte, error) {
	if !r.isOwn {
		return 0, nil, nil, &DecryptionError{Kind: AeadError, Err: newLibraryError("RatchetForward called on a decryption ratchet")}
	}
	if r.ratchet.NextGeneration == ^uint32(0) {
		return 0, nil, nil, &DecryptionError{Kind: RatchetTooLong}
	}
	gen, kn := r.ratchet.Next()
	r.ratchet.Erase(gen) // the encryption ratchet never needs to re-serve its own generation
	return gen, kn.Key, kn.Nonce, nil
}

// Get implements DecryptionRatchet's policy: bounds-check against the
// configured window, then delegate the forward-and-cache walk to the
// wrapped hashRatchet, enforcing the out-of-order tolerance and refusing to
// re-serve an already-consumed generation.
func (r *SenderRatchet) Get(generation uint32) ([]byte, []byte, error) {
	if r.consumed[generation] {
		return nil, nil, &DecryptionError{Kind: SecretReuseError}
	}

	head := r.ratchet.NextGeneration
	if generation > head && generation-head > r.cfg.MaximumForwardDistance {
		return nil, nil, &DecryptionError{Kind: TooDistantInTheFuture}
	}
	if generation+r.cfg.OutOfOrderTolerance < head {
		return nil, nil, &DecryptionError{Kind: TooDistantInThePast}
	}

	kn, err := r.ratchet.Get(generation)
	if err != nil {
		return nil, nil, &DecryptionError{Kind: TooDistantInThePast, Err: err}
	}
	r.consumed[generation] = true
	r.ratchet.Erase(generation)
	r.trimCache()
	return kn.Key, kn.Nonce, nil
}

// trimCache evicts cached generations that have fallen outside the
// out-of-order tolerance window behind the current head.
func (r *SenderRatchet) trimCache() {
	if r.ratchet.NextGeneration <= r.cfg.OutOfOrderTolerance {
		return
	}
	floor := r.ratchet.NextGeneration - r.cfg.OutOfOrderTolerance
	for gen := range r.ratchet.Cache {
		if gen < floor {
			r.ratchet.Erase(gen)
		}
	}
}
