package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// RatchetTree
///

// RatchetTree is the public half of the group's TreeKEM state.  It always
// holds a power-of-two number of leaf slots; removed members leave blank
// leaves that later adds reuse.
type RatchetTree struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

// Member is a public view of one occupied leaf.
type Member struct {
	Index      LeafIndex
	Identity   []byte
	Credential Credential
	KeyPackage KeyPackage
}

func NewRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{Suite: suite, Nodes: []OptionalNode{}}
}

func (t RatchetTree) Size() LeafCount {
	return leafWidth(NodeCount(len(t.Nodes)))
}

func (t RatchetTree) rootIndex() NodeIndex {
	return root(t.Size())
}

func (t RatchetTree) Occupied(index LeafIndex) bool {
	if LeafCount(index) >= t.Size() {
		return false
	}
	return !t.Nodes[toNodeIndex(index)].Blank()
}

func (t RatchetTree) KeyPackage(index LeafIndex) (*KeyPackage, bool) {
	if !t.Occupied(index) {
		return nil, false
	}
	return t.Nodes[toNodeIndex(index)].Node.Leaf, true
}

func (t RatchetTree) Credential(index LeafIndex) (*Credential, bool) {
	kp, ok := t.KeyPackage(index)
	if !ok {
		return nil, false
	}
	return &kp.Credential, true
}

// AddLeaf places kp in the leftmost blank leaf, doubling the tree if every
// slot is taken, and records it as unmerged on its non-blank ancestors.
func (t *RatchetTree) AddLeaf(kp KeyPackage) LeafIndex {
	size := t.Size()
	index := LeafIndex(0)
	for LeafCount(index) < size && !t.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	if LeafCount(index) == size {
		next := LeafCount(1)
		if size > 0 {
			next = 2 * size
		}

		for len(t.Nodes) < int(nodeWidth(next)) {
			t.Nodes = append(t.Nodes, OptionalNode{})
		}
	}

	n := toNodeIndex(index)
	t.Nodes[n] = newLeafNode(kp)

	for _, v := range dirpath(n, t.Size()) {
		if t.Nodes[v].Blank() {
			continue
		}
		t.Nodes[v].Node.Parent.AddUnmerged(index)
	}

	return index
}

// BlankPath blanks a leaf and every node on its direct path.
func (t *RatchetTree) BlankPath(index LeafIndex) {
	if LeafCount(index) >= t.Size() {
		return
	}

	n := toNodeIndex(index)
	t.Nodes[n].SetToBlank()
	for _, v := range dirpath(n, t.Size()) {
		t.Nodes[v].SetToBlank()
	}
}

// UpdateLeaf replaces a member's leaf.  The old path keys are no longer
// valid, so the direct path is blanked.
func (t *RatchetTree) UpdateLeaf(index LeafIndex, kp KeyPackage) {
	t.BlankPath(index)
	t.Nodes[toNodeIndex(index)] = newLeafNode(kp)
}

// Merge applies a committer's update path: the new leaf key package and one
// fresh public key per direct-path node.
func (t *RatchetTree) Merge(from LeafIndex, path UpdatePath) error {
	if !t.Occupied(from) {
		return validationErr("mls.ratchet-tree: Update path from blank leaf %d", from)
	}

	ni := toNodeIndex(from)
	dp := dirpath(ni, t.Size())
	if len(dp) != len(path.Nodes) {
		return validationErr("mls.ratchet-tree: Malformed update path %d != %d", len(path.Nodes), len(dp))
	}

	t.Nodes[ni] = newLeafNode(path.LeafKeyPackage)
	for i, n := range dp {
		t.Nodes[n] = newParentNode(path.Nodes[i].PublicKey)
	}

	return nil
}

func (t RatchetTree) Find(kp KeyPackage) (LeafIndex, bool) {
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		n := t.Nodes[toNodeIndex(i)]
		if n.Blank() {
			continue
		}

		if n.Node.Leaf.Equals(kp) {
			return i, true
		}
	}

	return 0, false
}

func (t RatchetTree) Members() []Member {
	members := []Member{}
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		kp, ok := t.KeyPackage(i)
		if !ok {
			continue
		}

		members = append(members, Member{
			Index:      i,
			Identity:   kp.Identity(),
			Credential: kp.Credential,
			KeyPackage: *kp,
		})
	}
	return members
}

// resolve returns the minimal set of non-blank nodes covering the subtree
// under index, left to right.
func (t RatchetTree) resolve(index NodeIndex) []NodeIndex {
	// Resolution of non-blank is node + unmerged leaves
	if !t.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range t.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if level(index) == 0 {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := t.resolve(left(index))
	r := t.resolve(right(index, t.Size()))
	return append(l, r...)
}

///
/// Tree hash
///

func (t RatchetTree) nodeHash(index NodeIndex) ([]byte, error) {
	if level(index) == 0 {
		input := leafNodeHashInput{NodeIndex: index}
		if !t.Nodes[index].Blank() {
			input.KeyPackage = t.Nodes[index].Node.Leaf
		}

		data, err := syntax.Marshal(input)
		if err != nil {
			return nil, err
		}
		return t.Suite.Digest(data), nil
	}

	lh, err := t.nodeHash(left(index))
	if err != nil {
		return nil, err
	}

	rh, err := t.nodeHash(right(index, t.Size()))
	if err != nil {
		return nil, err
	}

	input := parentNodeHashInput{
		NodeIndex: index,
		LeftHash:  lh,
		RightHash: rh,
	}
	if !t.Nodes[index].Blank() {
		input.ParentNode = t.Nodes[index].Node.Parent
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		return nil, err
	}
	return t.Suite.Digest(data), nil
}

// RootHash is the tree hash bound into the group context.  Members that
// applied the same commits compute the same value.
func (t RatchetTree) RootHash() []byte {
	if t.Size() == 0 {
		return []byte{}
	}

	h, err := t.nodeHash(t.rootIndex())
	if err != nil {
		panic(fmt.Errorf("mls.ratchet-tree: Tree hash failed: %v", err))
	}
	return h
}

///
/// Copying and comparison
///

func (t RatchetTree) Clone() *RatchetTree {
	next := &RatchetTree{
		Suite: t.Suite,
		Nodes: make([]OptionalNode, len(t.Nodes)),
	}

	for i, n := range t.Nodes {
		next.Nodes[i] = n.Clone()
	}
	return next
}

func (t RatchetTree) Equals(o RatchetTree) bool {
	if t.Suite != o.Suite || len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

///
/// Import checks
///

// validate checks a tree received from outside (a Welcome extension or an
// exported tree) before it is used: shape, node kinds, leaf signatures and
// unmerged-leaf bookkeeping.
func (t RatchetTree) validate() error {
	w := NodeCount(len(t.Nodes))
	if w == 0 || !isPowerOfTwo(leafWidth(w)) || nodeWidth(leafWidth(w)) != w {
		return validationErr("mls.ratchet-tree: Invalid node count %d", w)
	}

	size := t.Size()
	for i, n := range t.Nodes {
		if n.Blank() {
			continue
		}

		index := NodeIndex(i)
		switch {
		case level(index) == 0 && n.Node.Leaf == nil:
			return validationErr("mls.ratchet-tree: Parent node at leaf position %d", i)
		case level(index) > 0 && n.Node.Parent == nil:
			return validationErr("mls.ratchet-tree: Leaf node at parent position %d", i)
		}

		if level(index) == 0 {
			kp := n.Node.Leaf
			if kp.CipherSuite != t.Suite {
				return validationErr("mls.ratchet-tree: Leaf %d has ciphersuite %v", i, kp.CipherSuite)
			}

			if err := kp.verifySignature(); err != nil {
				return err
			}
			continue
		}

		for _, l := range n.Node.Parent.UnmergedLeaves {
			if LeafCount(l) >= size || !inSubtree(toNodeIndex(l), index) || t.Nodes[toNodeIndex(l)].Blank() {
				return validationErr("mls.ratchet-tree: Invalid unmerged leaf %d at node %d", l, i)
			}
		}
	}

	return nil
}
