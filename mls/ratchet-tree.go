package mls

import (
	"bytes"
)

// ParentNode is the key material owned by an interior tree node: its HPKE
// public key, the parent hash of its predecessor on its own direct path,
// and the set of leaves added after it was last (re)keyed (spec §3).
type ParentNode struct {
	PublicKey      []byte      `tls:"head=2"`
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []leafIndex `tls:"head=4"`
}

func (p *ParentNode) addUnmergedLeaf(l leafIndex) {
	for _, u := range p.UnmergedLeaves {
		if u == l {
			return
		}
	}
	p.UnmergedLeaves = append(p.UnmergedLeaves, l)
}

// treeNode is one array slot: either blank, a leaf, or a parent. Ownership
// of node content lives here, addressed purely by index (spec §9).
type treeNode struct {
	leaf   *LeafNode
	parent *ParentNode
}

func (n *treeNode) blank() bool { return n.leaf == nil && n.parent == nil }

// RatchetTree is the left-balanced binary tree of spec §3/§4.1. Slots are
// addressed by nodeIndex; leaves are addressed by the derived leafIndex.
type RatchetTree struct {
	Suite CipherSuite
	Size  leafCount
	Nodes []treeNode

	crypto CryptoProvider
}

func NewRatchetTree(crypto CryptoProvider) *RatchetTree {
	return &RatchetTree{Suite: crypto.Suite(), Size: 0, Nodes: nil, crypto: crypto}
}

func (t *RatchetTree) attach(crypto CryptoProvider) { t.crypto = crypto }

func (t *RatchetTree) width() uint32 { return nodeWidth(t.Size) }

func (t *RatchetTree) leafAt(i leafIndex) *LeafNode {
	idx := toNodeIndex(i)
	if uint32(idx) >= t.width() {
		return nil
	}
	return t.Nodes[idx].leaf
}

func (t *RatchetTree) parentAt(n nodeIndex) *ParentNode {
	if uint32(n) >= t.width() {
		return nil
	}
	return t.Nodes[n].parent
}

func (t *RatchetTree) leaves() []*LeafNode {
	out := make([]*LeafNode, 0, t.Size)
	for i := leafIndex(0); uint32(i) < uint32(t.Size); i++ {
		out = append(out, t.leafAt(i))
	}
	return out
}

func (t *RatchetTree) resize(newSize leafCount) {
	newWidth := nodeWidth(newSize)
	if newWidth > uint32(len(t.Nodes)) {
		t.Nodes = append(t.Nodes, make([]treeNode, newWidth-uint32(len(t.Nodes)))...)
	} else if newWidth < uint32(len(t.Nodes)) {
		t.Nodes = t.Nodes[:newWidth]
	}
	t.Size = newSize
}

func (t *RatchetTree) blankPath(from nodeIndex) {
	for _, n := range dirpath(from, t.Size) {
		t.Nodes[n] = treeNode{}
	}
}

// leftmostBlankLeaf returns the first blank leaf slot, if any.
func (t *RatchetTree) leftmostBlankLeaf() (leafIndex, bool) {
	for i := leafIndex(0); uint32(i) < uint32(t.Size); i++ {
		if t.leafAt(i) == nil {
			return i, true
		}
	}
	return 0, false
}

// AddLeaf implements spec §4.1 add_leaf: fill the leftmost blank leaf, or
// grow the tree by one leaf; blank the new leaf's direct path and record it
// as unmerged on every ancestor that is still keyed.
func (t *RatchetTree) AddLeaf(leaf *LeafNode) leafIndex {
	idx, ok := t.leftmostBlankLeaf()
	if !ok {
		idx = leafIndex(t.Size)
		t.resize(t.Size + 1)
	}
	node := toNodeIndex(idx)
	t.Nodes[node].leaf = leaf
	t.blankPath(node)
	for _, p := range dirpath(node, t.Size) {
		if pn := t.parentAt(p); pn != nil {
			pn.addUnmergedLeaf(idx)
		}
	}
	return idx
}

// UpdateLeaf implements spec §4.1 update_leaf.
func (t *RatchetTree) UpdateLeaf(idx leafIndex, newLeaf *LeafNode) {
	node := toNodeIndex(idx)
	t.Nodes[node].leaf = newLeaf
	t.blankPath(node)
}

// RemoveLeaf implements spec §4.1 remove_leaf, including the truncation
// edge case: if the rightmost non-blank leaf becomes blank, the tree
// shrinks while the right subtree is entirely blank.
func (t *RatchetTree) RemoveLeaf(idx leafIndex) {
	node := toNodeIndex(idx)
	t.Nodes[node] = treeNode{}
	t.blankPath(node)
	t.truncate()
}

func (t *RatchetTree) truncate() {
	for t.Size > 0 {
		last := leafIndex(t.Size - 1)
		if t.leafAt(last) != nil {
			break
		}
		if t.Size == 1 {
			t.resize(0)
			break
		}
		t.resize(t.Size - 1)
	}
}

// keyInUseElsewhere reports whether encKey/sigKey appear on any leaf other
// than except — used by Update-proposal validation.
func (t *RatchetTree) keyInUseElsewhere(except leafIndex, encKey, sigKey []byte) bool {
	for i := leafIndex(0); uint32(i) < uint32(t.Size); i++ {
		if i == except {
			continue
		}
		l := t.leafAt(i)
		if l == nil {
			continue
		}
		if ConstantTimeEqual(l.EncryptionKey, encKey) || ConstantTimeEqual(l.SignatureKey, sigKey) {
			return true
		}
	}
	return false
}

func (t *RatchetTree) keyInUseAnywhere(encKey, sigKey []byte) bool {
	for i := leafIndex(0); uint32(i) < uint32(t.Size); i++ {
		l := t.leafAt(i)
		if l == nil {
			continue
		}
		if ConstantTimeEqual(l.EncryptionKey, encKey) || ConstantTimeEqual(l.SignatureKey, sigKey) {
			return true
		}
	}
	return false
}

// Resolution implements spec §4.1 resolution(node): the minimal set of
// non-blank descendants that cover the subtree rooted at n. A populated
// parent covers every leaf under it *except* its own unmerged_leaves (they
// joined after it was last keyed, so its key doesn't protect them) — those
// are added back in individually. A blank node's resolution is the union of
// its children's resolutions.
func (t *RatchetTree) Resolution(n nodeIndex) []nodeIndex {
	if uint32(n) >= t.width() {
		return nil
	}
	node := t.Nodes[n]
	if isLeaf(n) {
		if node.leaf == nil {
			return nil
		}
		return []nodeIndex{n}
	}
	if node.parent != nil {
		res := []nodeIndex{n}
		for _, u := range node.parent.UnmergedLeaves {
			res = append(res, toNodeIndex(u))
		}
		return res
	}
	// Blank parent: resolution is the concatenation of both children's
	// resolutions (each already excludes what it must).
	l := t.Resolution(left(n))
	r := t.Resolution(right(n, t.Size))
	return append(l, r...)
}

// treeHashInput mirrors the canonical per-node encoding tree_hash recurses
// over (spec §4.1).
type leafNodeHashInput struct {
	LeafIndex uint32
	Present   bool
	Leaf      LeafNode
}

type parentNodeHashInput struct {
	Present       bool
	Parent        ParentNode
	LeftHash      []byte `tls:"head=1"`
	RightHash     []byte `tls:"head=1"`
}

// TreeHash implements spec §4.1 tree_hash: a blank node hashes as the empty
// canonical form, parents hash their children then themselves.
func (t *RatchetTree) TreeHash() []byte {
	return t.nodeHash(root(t.Size))
}

func (t *RatchetTree) nodeHash(n nodeIndex) []byte {
	if uint32(n) >= t.width() {
		return t.crypto.Hash(nil)
	}
	node := t.Nodes[n]
	if isLeaf(n) {
		input := leafNodeHashInput{LeafIndex: uint32(toLeafIndex(n))}
		if node.leaf != nil {
			input.Present = true
			input.Leaf = *node.leaf
		}
		enc, err := syntaxMarshal(&input)
		if err != nil {
			panic(newLibraryError("tree hash leaf encode: %v", err))
		}
		return t.crypto.Hash(enc)
	}

	lh := t.nodeHash(left(n))
	rh := t.nodeHash(right(n, t.Size))
	input := parentNodeHashInput{LeftHash: lh, RightHash: rh}
	if node.parent != nil {
		input.Present = true
		input.Parent = *node.parent
	}
	enc, err := syntaxMarshal(&input)
	if err != nil {
		panic(newLibraryError("tree hash parent encode: %v", err))
	}
	return t.crypto.Hash(enc)
}

// ParentHash implements spec §4.1 parent_hash(node): binds a parent to its
// sibling subtree's tree hash and its own HPKE key.
func (t *RatchetTree) ParentHash(n nodeIndex) []byte {
	if uint32(n) >= t.width() || isLeaf(n) {
		return nil
	}
	pn := t.parentAt(n)
	if pn == nil {
		return nil
	}
	sib := sibling(n, t.Size)
	parentOf := parent(n, t.Size)
	var originatorParentHash []byte
	if grandparent := t.parentAt(parentOf); grandparent != nil {
		originatorParentHash = grandparent.ParentHash
	}
	input := struct {
		PublicKey         []byte `tls:"head=2"`
		ParentHash        []byte `tls:"head=1"`
		OriginalSiblingTH []byte `tls:"head=1"`
	}{
		PublicKey:         pn.PublicKey,
		ParentHash:        originatorParentHash,
		OriginalSiblingTH: t.nodeHash(sib),
	}
	enc, err := syntaxMarshal(&input)
	if err != nil {
		panic(newLibraryError("parent hash encode: %v", err))
	}
	return t.crypto.Hash(enc)
}

// UpdatePathNode is one entry of an UpdatePath, from the direct-path leaf
// up toward the root: the new public key for that node, and one
// HPKE-encrypted path secret per resolution member of the corresponding
// copath node (spec §4.1, §4.5).
type UpdatePathNode struct {
	PublicKey            []byte             `tls:"head=2"`
	EncryptedPathSecrets []HPKECiphertext   `tls:"head=4"`
}

// HPKECiphertext is a single labeled HPKE-sealed blob (spec §6.2).
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// UpdatePath is a LeafNode (re-signed under Commit source) plus the
// sequence of UpdatePathNode entries for every node on its direct path,
// bottom-up (spec §4.1, §4.5).
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// deriveUpdatePath generates a fresh path secret at the leaf, derives one
// per direct-path node via HKDF-expand("path", ...), computes the public
// key for each, and encrypts each secret to the resolution of the
// corresponding copath node (spec §4.1, §4.5 step 2). It returns the
// UpdatePath (without its LeafNode populated — the caller signs and
// attaches that), the path secrets bottom-up, and the commit secret (the
// root's derived secret).
func (t *RatchetTree) deriveUpdatePath(crypto CryptoProvider, from leafIndex, leafSecret []byte, groupContext []byte) (*UpdatePath, [][]byte, []byte, error) {
	node := toNodeIndex(from)
	path := dirpath(node, t.Size)
	secrets := make([][]byte, len(path))
	secret := leafSecret
	for i, p := range path {
		secret = crypto.Suite().hkdfExpandLabel(secret, "path", []byte{byte(p)}, crypto.Suite().constants().SecretSize)
		secrets[i] = secret
	}

	out := &UpdatePath{Nodes: make([]UpdatePathNode, len(path))}
	for i, p := range path {
		pathSecret := secrets[i]
		// The key pair must be deterministically reproducible from
		// pathSecret: any member who later re-derives this secret (by
		// decrypting it once, or by forward-ratcheting from a node below)
		// has to arrive at the same private key the original committer
		// held, not a fresh one only the committer ever saw (spec §4.1).
		_, pub, err := crypto.DeriveHPKEKeyPair(pathSecret)
		if err != nil {
			return nil, nil, nil, err
		}

		copathNode := sibling(prevOnPath(node, path, i), t.Size)
		recipients := t.Resolution(copathNode)
		cts := make([]HPKECiphertext, 0, len(recipients))
		for _, r := range recipients {
			var recipientPub []byte
			if isLeaf(r) {
				if t.Nodes[r].leaf == nil {
					continue
				}
				recipientPub = t.Nodes[r].leaf.EncryptionKey
			} else if t.Nodes[r].parent != nil {
				recipientPub = t.Nodes[r].parent.PublicKey
			} else {
				continue
			}
			enc, ct, err := crypto.EncryptWithLabel(recipientPub, "UpdatePathNode", groupContext, nil, pathSecret)
			if err != nil {
				return nil, nil, nil, err
			}
			cts = append(cts, HPKECiphertext{KEMOutput: enc, Ciphertext: ct})
		}
		out.Nodes[i] = UpdatePathNode{PublicKey: pub, EncryptedPathSecrets: cts}
	}

	var commitSecret []byte
	if len(secrets) > 0 {
		commitSecret = crypto.Suite().deriveSecret(secrets[len(secrets)-1], "path", nil)
	} else {
		commitSecret = crypto.Suite().deriveSecret(leafSecret, "path", nil)
	}
	return out, secrets, commitSecret, nil
}

// ApplyUpdatePath implements spec §4.1 apply_update_path / §4.5 step 2:
// install each direct-path node's new public key (clearing its
// unmerged_leaves, since it is freshly keyed), then derive the commit
// secret. For the path's own sender, ownPathSecrets is the bottom-up list
// deriveUpdatePath already produced locally and no decryption is needed;
// every other recipient decrypts the path secret from whichever copath
// node's resolution it can open — its own leaf, or an interior node it
// holds a retained private key for from a previous commit — then
// re-derives the remainder of the path. store, when non-nil, is where
// each newly-keyed direct-path node's private key is retained so that a
// later commit whose copath resolves to one of these (now merged,
// non-leaf) nodes can still be opened (spec §4.1, §9).
func (t *RatchetTree) ApplyUpdatePath(crypto CryptoProvider, sender leafIndex, path *UpdatePath, own leafIndex, ownPriv []byte, ownPathSecrets [][]byte, groupContext []byte, store KeyStore) ([]byte, error) {
	node := toNodeIndex(sender)
	dp := dirpath(node, t.Size)
	if len(dp) != len(path.Nodes) {
		return nil, newValidationError("update path length does not match tree shape", nil)
	}

	for i, p := range dp {
		t.Nodes[p].leaf = nil
		t.Nodes[p].parent = &ParentNode{PublicKey: path.Nodes[i].PublicKey}
	}

	if own == sender {
		if len(ownPathSecrets) == 0 {
			return nil, newLibraryError("ApplyUpdatePath: own == sender but no path secrets supplied")
		}
		if err := t.retainPathPrivateKeys(crypto, store, ownPathSecrets); err != nil {
			return nil, err
		}
		return crypto.Suite().deriveSecret(ownPathSecrets[len(ownPathSecrets)-1], "path", nil), nil
	}

	pathSecrets := make([][]byte, len(dp))
	haveSecret := false
	matchedAt := -1
	for i, p := range dp {
		if !haveSecret {
			copathNode := sibling(prevOnPath(node, dp, i), t.Size)
			if r, priv, ok := t.ownEntryInResolution(own, ownPriv, store, copathNode); ok {
				secret, err := t.decryptPathSecret(crypto, r, priv, copathNode, path.Nodes[i], groupContext)
				if err == nil {
					pathSecrets[i] = secret
					haveSecret = true
					matchedAt = i
				}
			}
		} else {
			pathSecrets[i] = crypto.Suite().hkdfExpandLabel(pathSecrets[i-1], "path", []byte{byte(p)}, crypto.Suite().constants().SecretSize)
		}
	}
	if !haveSecret {
		return nil, newValidationError("own leaf not in resolution of any copath node on update path", nil)
	}
	if err := t.retainPathPrivateKeys(crypto, store, pathSecrets[matchedAt:]); err != nil {
		return nil, err
	}
	last := pathSecrets[len(pathSecrets)-1]
	return crypto.Suite().deriveSecret(last, "path", nil), nil
}

func prevOnPath(leaf nodeIndex, dp []nodeIndex, i int) nodeIndex {
	if i == 0 {
		return leaf
	}
	return dp[i-1]
}

// retainPathPrivateKeys re-derives and stores the private key for every
// path secret a member has just learned, keyed by its corresponding public
// key, so a future commit can find it via ownEntryInResolution instead of
// requiring the member's own leaf to still be in the resolution.
func (t *RatchetTree) retainPathPrivateKeys(crypto CryptoProvider, store KeyStore, secrets [][]byte) error {
	if store == nil {
		return nil
	}
	for _, secret := range secrets {
		priv, pub, err := crypto.DeriveHPKEKeyPair(secret)
		if err != nil {
			return err
		}
		if err := store.Put(KeyStorePathPrivate, pub, priv); err != nil {
			return &StoreError{Op: "put path private", Err: err}
		}
	}
	return nil
}

// ownEntryInResolution finds the recipient entry within resolution(n) that
// this member can decrypt: its own leaf, or — because the node has since
// been merged under a parent that stopped having unmerged leaves — an
// interior node whose private key was retained from an earlier commit.
func (t *RatchetTree) ownEntryInResolution(own leafIndex, ownPriv []byte, store KeyStore, n nodeIndex) (nodeIndex, []byte, bool) {
	for _, r := range t.Resolution(n) {
		if isLeaf(r) {
			if toLeafIndex(r) == own {
				return r, ownPriv, true
			}
			continue
		}
		if store == nil {
			continue
		}
		pn := t.parentAt(r)
		if pn == nil {
			continue
		}
		if priv, ok, err := store.Get(KeyStorePathPrivate, pn.PublicKey); err == nil && ok {
			return r, priv, true
		}
	}
	return 0, nil, false
}

func (t *RatchetTree) decryptPathSecret(crypto CryptoProvider, match nodeIndex, priv []byte, copathNode nodeIndex, upn UpdatePathNode, groupContext []byte) ([]byte, error) {
	// The recipient list was built in resolution order; match by position.
	recipients := t.Resolution(copathNode)
	for i, r := range recipients {
		if r == match {
			if i >= len(upn.EncryptedPathSecrets) {
				return nil, newValidationError("missing encrypted path secret for recipient", nil)
			}
			ct := upn.EncryptedPathSecrets[i]
			return crypto.DecryptWithLabel(priv, nil, "UpdatePathNode", groupContext, nil, ct.KEMOutput, ct.Ciphertext)
		}
	}
	return nil, newValidationError("own entry not found among resolution recipients", nil)
}

// Clone deep-copies the tree for speculative (stage-then-discard) commit
// application (spec §3, "StagedCommit").
func (t *RatchetTree) Clone() *RatchetTree {
	out := &RatchetTree{Suite: t.Suite, Size: t.Size, crypto: t.crypto}
	out.Nodes = make([]treeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.leaf != nil {
			l := *n.leaf
			l.Extensions = append(ExtensionList{}, n.leaf.Extensions...)
			out.Nodes[i].leaf = &l
		}
		if n.parent != nil {
			p := *n.parent
			p.UnmergedLeaves = append([]leafIndex{}, n.parent.UnmergedLeaves...)
			out.Nodes[i].parent = &p
		}
	}
	return out
}

func (t *RatchetTree) equalHash(other *RatchetTree) bool {
	return bytes.Equal(t.TreeHash(), other.TreeHash())
}
