package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// ParentNode
///

// struct {
//     HPKEPublicKey public_key;
//     uint32 unmerged_leaves<0..2^32-1>;
// } ParentNode;
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n ParentNode) Clone() ParentNode {
	next := ParentNode{
		PublicKey:      HPKEPublicKey{dup(n.PublicKey.Data)},
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(next.UnmergedLeaves, n.UnmergedLeaves)
	return next
}

func (n *ParentNode) AddUnmerged(l LeafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

func (n ParentNode) Equals(o ParentNode) bool {
	if !n.PublicKey.Equals(o.PublicKey) || len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}

	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

///
/// Node
///

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x00
	NodeTypeParent NodeType = 0x01
)

// struct {
//     NodeType node_type;
//     select (Node.node_type) {
//         case leaf:   KeyPackage key_package;
//         case parent: ParentNode node;
//     };
// } Node;
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	if n.Leaf != nil {
		return NodeTypeLeaf
	}
	return NodeTypeParent
}

func (n Node) PublicKey() HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.InitKey
	default:
		return n.Parent.PublicKey
	}
}

func (n Node) Clone() Node {
	next := Node{}
	if n.Leaf != nil {
		// Key packages are never mutated in place, so sharing is safe
		next.Leaf = n.Leaf
	}
	if n.Parent != nil {
		p := n.Parent.Clone()
		next.Parent = &p
	}
	return next
}

func (n Node) Equals(o Node) bool {
	switch {
	case n.Leaf != nil && o.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)
	case n.Parent != nil && o.Parent != nil:
		return n.Parent.Equals(*o.Parent)
	}
	return false
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(n.Type())
	if err != nil {
		return nil, err
	}

	switch n.Type() {
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		if n.Parent == nil {
			return nil, fmt.Errorf("mls.node: Empty node")
		}
		err = s.Write(n.Parent)
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType NodeType
	_, err := s.Read(&nodeType)
	if err != nil {
		return 0, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(KeyPackage)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		err = fmt.Errorf("mls.node: Invalid node type %d", nodeType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// OptionalNode
///

type OptionalNode struct {
	Node *Node `tls:"optional"`
}

func newLeafNode(kp KeyPackage) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &kp}}
}

func newParentNode(pub HPKEPublicKey) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &ParentNode{
		PublicKey:      pub,
		UnmergedLeaves: []LeafIndex{},
	}}}
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
}

func (n OptionalNode) Clone() OptionalNode {
	if n.Node == nil {
		return OptionalNode{}
	}

	node := n.Node.Clone()
	return OptionalNode{Node: &node}
}

// Compare node values
func (n OptionalNode) Equals(o OptionalNode) bool {
	switch {
	case n.Blank() != o.Blank():
		return false
	case n.Blank():
		return true
	}
	return n.Node.Equals(*o.Node)
}

///
/// Tree hash inputs
///

// struct {
//     uint32 node_index;
//     optional<KeyPackage> key_package;
// } LeafNodeHashInput;
type leafNodeHashInput struct {
	NodeIndex  NodeIndex
	KeyPackage *KeyPackage `tls:"optional"`
}

// struct {
//     uint32 node_index;
//     optional<ParentNode> parent_node;
//     opaque left_hash<0..255>;
//     opaque right_hash<0..255>;
// } ParentNodeHashInput;
type parentNodeHashInput struct {
	NodeIndex  NodeIndex
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}
