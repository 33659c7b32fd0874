package mls

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a balanced binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  For example, an 8-leaf tree has the following structure:
//
//                          X
//              X                       X
//        X           X           X           X
//     X     X     X     X     X     X     X     X
//     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e
//
// The ratchet tree only ever holds a power-of-two number of leaf slots, so
// every tree is full and the root of an N-leaf tree is node N-1.  The basic
// rule is that the high-order bits of parent and child nodes have the
// following relation:
//
//    01x = <00x, 10x>

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes for a tree of size N
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves for a tree with W nodes
func leafWidth(w NodeCount) LeafCount {
	if w == 0 {
		return 0
	}
	return LeafCount((w >> 1) + 1)
}

// Smallest power of two holding at least n leaves
func treeCapacity(n LeafCount) LeafCount {
	c := LeafCount(1)
	for c < n {
		c <<= 1
	}
	return c
}

func isPowerOfTwo(n LeafCount) bool {
	return n != 0 && n&(n-1) == 0
}

// Index of the root of the tree with N leaves
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x
func right(x NodeIndex, n LeafCount) NodeIndex {
	if level(x) == 0 {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent of x; may not exist in tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := level(x)
	one := uint(1)
	return NodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x
func parent(x NodeIndex, n LeafCount) NodeIndex {
	// root's parent is itself
	if x == root(n) {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p, n)
	} else if x > p {
		return left(p)
	}

	// root's sibling is itself
	return p
}

// Direct path for x, ordered from the parent of x up to and including the
// root.  Empty for the root itself.
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for p != r {
		d = append(d, p)
		p = parent(p, n)
	}

	d = append(d, r)
	return d
}

// Copath for x: the sibling of x and of each non-root node of its direct
// path, ordered from leaf to root.  copath[i] is the child of dirpath[i]
// that is not on the path.
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	d := dirpath(x, n)
	if len(d) == 0 {
		return d
	}

	// Start with the sibling of x itself, then the siblings of the path
	// nodes below the root.
	c := make([]NodeIndex, len(d))
	c[0] = sibling(x, n)
	for i := 0; i < len(d)-1; i++ {
		c[i+1] = sibling(d[i], n)
	}

	return c
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) NodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k += 1
	}

	prefix := ln << k
	stop := NodeIndex(1 << (k - 1))
	return prefix + (stop - 1)
}

// Whether node x lies in the subtree rooted at a
func inSubtree(x, a NodeIndex) bool {
	lx, la := level(x), level(a)
	if lx > la {
		return false
	}

	return (x >> (la + 1)) == (a >> (la + 1))
}
