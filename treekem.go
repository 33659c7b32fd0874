package mls

import (
	"fmt"
)

// struct {
//     HPKEPublicKey public_key;
//     HPKECiphertext encrypted_path_secret<0..2^32-1>;
// } UpdatePathNode;
type UpdatePathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// struct {
//     KeyPackage leaf_key_package;
//     UpdatePathNode nodes<0..2^32-1>;
// } UpdatePath;
type UpdatePath struct {
	LeafKeyPackage KeyPackage
	Nodes          []UpdatePathNode `tls:"head=4"`
}

////////////////////////////////////////////////////////////

// TreeKEMPrivateKey holds the private keys a member knows: its own leaf key
// and the keys of the parent nodes it shares with the committer of the
// last path that reached it.
type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func newTreeKEMPrivateKey(suite CipherSuite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

// NewTreeKEMPrivateKeyForLeaf covers a member that only knows its own leaf
// key, e.g. the creator at epoch zero.
func NewTreeKEMPrivateKeyForLeaf(suite CipherSuite, index LeafIndex, leafPriv HPKEPrivateKey) *TreeKEMPrivateKey {
	priv := newTreeKEMPrivateKey(suite, index)
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv
	return priv
}

// NewTreeKEMPrivateKeyForJoiner covers a new member: its leaf key comes from
// its KeyPackage and the path secret from the Welcome seeds everything from
// the common ancestor with the committer up to the root.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, size LeafCount, leafPriv HPKEPrivateKey, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := NewTreeKEMPrivateKeyForLeaf(suite, index, leafPriv)
	if len(pathSecret) == 0 {
		return priv, nil
	}

	if err := priv.setPathSecrets(intersect, size, pathSecret); err != nil {
		return nil, err
	}
	return priv, nil
}

func (priv TreeKEMPrivateKey) nodeKey(pathSecret []byte) (HPKEPrivateKey, error) {
	nodeSecret := priv.Suite.hkdfExpandLabel(pathSecret, "node", []byte{}, priv.Suite.Constants().SecretSize)
	defer zeroize(nodeSecret)
	return priv.Suite.hpke().Derive(nodeSecret)
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.hkdfExpandLabel(pathSecret, "path", []byte{}, priv.Suite.Constants().SecretSize)
}

func (priv *TreeKEMPrivateKey) setPathSecrets(start NodeIndex, size LeafCount, secret []byte) error {
	r := root(size)
	pathSecret := dup(secret)
	for n := start; ; n = parent(n, size) {
		key, err := priv.nodeKey(pathSecret)
		if err != nil {
			return err
		}

		priv.PathSecrets[n] = pathSecret
		priv.PrivateKeys[n] = key

		if n == r {
			return nil
		}
		pathSecret = priv.pathStep(pathSecret)
	}
}

// PathSecret returns the secret a joiner at leaf `to` needs: the one at the
// lowest node shared by this member's path and the joiner's.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	return n, secret, ok
}

// CommitSecret is one step past the root path secret, or zero if no path
// reached this member.
func (priv TreeKEMPrivateKey) CommitSecret(size LeafCount) []byte {
	rootSecret, ok := priv.PathSecrets[root(size)]
	if !ok {
		return priv.Suite.zero()
	}
	return priv.pathStep(rootSecret)
}

func (priv TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	next := newTreeKEMPrivateKey(priv.Suite, priv.Index)
	for n, s := range priv.PathSecrets {
		next.PathSecrets[n] = dup(s)
	}
	for n, k := range priv.PrivateKeys {
		next.PrivateKeys[n] = k
	}
	return next
}

// SetLeafKey installs a new leaf private key (from an Update) and drops the
// path keys that the update blanked.
func (priv *TreeKEMPrivateKey) SetLeafKey(size LeafCount, leafPriv HPKEPrivateKey) {
	ni := toNodeIndex(priv.Index)
	for _, n := range dirpath(ni, size) {
		zeroize(priv.PathSecrets[n])
		delete(priv.PathSecrets, n)
		delete(priv.PrivateKeys, n)
	}

	delete(priv.PathSecrets, ni)
	priv.PrivateKeys[ni] = leafPriv
}

// prune drops private keys that no longer match the public tree, either
// because the node was blanked or because another member's path replaced it.
func (priv *TreeKEMPrivateKey) prune(pub RatchetTree) {
	for n, key := range priv.PrivateKeys {
		if int(n) < len(pub.Nodes) && !pub.Nodes[n].Blank() && pub.Nodes[n].Node.PublicKey().Equals(key.PublicKey) {
			continue
		}

		zeroize(priv.PathSecrets[n])
		delete(priv.PathSecrets, n)
		delete(priv.PrivateKeys, n)
	}
}

func (priv *TreeKEMPrivateKey) zeroize() {
	for n, s := range priv.PathSecrets {
		zeroize(s)
		delete(priv.PathSecrets, n)
	}
	for n := range priv.PrivateKeys {
		delete(priv.PrivateKeys, n)
	}
}

// Consistent reports whether every private key held matches the public key
// at the same position in pub.
func (priv TreeKEMPrivateKey) Consistent(pub RatchetTree) bool {
	if priv.Suite != pub.Suite {
		return false
	}

	for n, key := range priv.PrivateKeys {
		if int(n) >= len(pub.Nodes) || pub.Nodes[n].Blank() {
			return false
		}

		if !key.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			return false
		}
	}

	return true
}

// Decap decrypts the path secret addressed to this member from a path sent
// by `from`, derives the keys up to the root and checks them against the
// public keys carried in the path.  pub is the tree with the commit's
// proposals applied and the path not yet merged; exclude lists the leaves
// added by the same commit.
func (priv TreeKEMPrivateKey) Decap(from LeafIndex, pub RatchetTree, context []byte, path UpdatePath, exclude []LeafIndex) (*TreeKEMPrivateKey, error) {
	size := pub.Size()
	ni := toNodeIndex(from)
	dp := dirpath(ni, size)
	if len(dp) != len(path.Nodes) {
		return nil, validationErr("mls.treekem: Malformed update path %d != %d", len(path.Nodes), len(dp))
	}

	if from == priv.Index {
		return nil, stateErr("mls.treekem: Decap of own path")
	}

	// Locate the node where the sender's path meets ours
	a := ancestor(priv.Index, from)
	ai := -1
	for i, n := range dp {
		if n == a {
			ai = i
			break
		}
	}
	if ai < 0 {
		return nil, validationErr("mls.treekem: No common ancestor with sender %d", from)
	}

	cp := copath(ni, size)
	res := excludeLeaves(pub.resolve(cp[ai]), exclude)
	cts := path.Nodes[ai].EncryptedPathSecret
	if len(cts) != len(res) {
		return nil, validationErr("mls.treekem: Malformed update path node %d != %d", len(cts), len(res))
	}

	var pathSecret []byte
	for i, n := range res {
		key, ok := priv.PrivateKeys[n]
		if !ok {
			continue
		}

		pt, err := priv.Suite.hpke().Decrypt(key, context, cts[i])
		if err != nil {
			return nil, cryptoErr("mls.treekem: Path secret decryption failed: %v", err)
		}
		pathSecret = pt
		break
	}

	if pathSecret == nil {
		return nil, integrityErr("mls.treekem: No private key to decrypt path secret at node %d", a)
	}

	out := priv.Clone()
	if err := out.setPathSecrets(a, size, pathSecret); err != nil {
		return nil, err
	}
	zeroize(pathSecret)

	for i := ai; i < len(dp); i++ {
		if !out.PrivateKeys[dp[i]].PublicKey.Equals(path.Nodes[i].PublicKey) {
			return nil, integrityErr("mls.treekem: Path public key mismatch at node %d", dp[i])
		}
	}

	return out, nil
}

// Encap generates a fresh path for `from` over pub (proposals applied, joiners
// added), encrypting each path secret to the resolution of the matching
// copath node minus the excluded joiners.  The returned private key replaces
// the committer's; pub itself is not modified.
func Encap(pub RatchetTree, from LeafIndex, context, leafSecret []byte, sigPriv SignaturePrivateKey, exclude []LeafIndex) (*TreeKEMPrivateKey, *UpdatePath, error) {
	kp, ok := pub.KeyPackage(from)
	if !ok {
		return nil, nil, stateErr("mls.treekem: Encap from blank leaf %d", from)
	}

	size := pub.Size()
	priv := newTreeKEMPrivateKey(pub.Suite, from)
	ni := toNodeIndex(from)
	if err := priv.setPathSecrets(ni, size, leafSecret); err != nil {
		return nil, nil, err
	}

	leafKP, err := kp.rekey(priv.PrivateKeys[ni].PublicKey, sigPriv)
	if err != nil {
		return nil, nil, err
	}

	dp := dirpath(ni, size)
	cp := copath(ni, size)
	path := &UpdatePath{
		LeafKeyPackage: *leafKP,
		Nodes:          make([]UpdatePathNode, len(dp)),
	}

	for i, n := range dp {
		path.Nodes[i] = UpdatePathNode{
			PublicKey:           priv.PrivateKeys[n].PublicKey,
			EncryptedPathSecret: []HPKECiphertext{},
		}

		pathSecret := priv.PathSecrets[n]
		for _, nr := range excludeLeaves(pub.resolve(cp[i]), exclude) {
			nodePub := pub.Nodes[nr].Node.PublicKey()
			ct, err := pub.Suite.hpke().Encrypt(nodePub, context, pathSecret)
			if err != nil {
				return nil, nil, fmt.Errorf("mls.treekem: Path secret encryption failed: %w", err)
			}
			path.Nodes[i].EncryptedPathSecret = append(path.Nodes[i].EncryptedPathSecret, ct)
		}
	}

	return priv, path, nil
}

func excludeLeaves(res []NodeIndex, exclude []LeafIndex) []NodeIndex {
	if len(exclude) == 0 {
		return res
	}

	out := make([]NodeIndex, 0, len(res))
	for _, n := range res {
		skip := false
		for _, l := range exclude {
			if n == toNodeIndex(l) {
				skip = true
				break
			}
		}

		if !skip {
			out = append(out, n)
		}
	}
	return out
}
