// Package merkle implements the accumulator used to commit to the set of
// messages produced in one slot.
//
// The tree layout is a wire contract shared with every target chain verifier:
// leaves are prefixed with 0x00, inner nodes with 0x01 and padding leaves are
// the hash of 0x02. Inner nodes hash their children in ascending byte order so
// a proof needs no left/right flags.
package merkle

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/sha3"
)

// HashSize is the byte length of a node hash.
const HashSize = 20

// Hash is a tree node.
type Hash [HashSize]byte

var (
	leafPrefix = []byte{0}
	nodePrefix = []byte{1}
	nullPrefix = []byte{2}
)

// Hasher digests the concatenation of parts.
type Hasher interface {
	Sum(parts ...[]byte) Hash
}

// Keccak160 is the first 20 bytes of legacy Keccak-256.
type Keccak160 struct{}

// Sum implements Hasher.
func (Keccak160) Sum(parts ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var out Hash
	copy(out[:], d.Sum(nil))
	return out
}

// Path is the list of sibling hashes from a leaf up to the root.
type Path []Hash

// Bytes encodes the path as a one byte count followed by the hashes.
func (p Path) Bytes() []byte {
	out := make([]byte, 0, 1+len(p)*HashSize)
	out = append(out, uint8(len(p)))
	for _, h := range p {
		out = append(out, h[:]...)
	}
	return out
}

// Tree is a complete binary tree stored in a flat array. Index 1 is the root
// and the children of i are 2i and 2i+1.
type Tree struct {
	hasher Hasher
	nodes  []Hash
	// leaves are the leaf hashes in the order they appear in the tree.
	leaves []Hash
}

// LeafHash returns the hash of item as a leaf.
func LeafHash(h Hasher, item []byte) Hash {
	return h.Sum(leafPrefix, item)
}

// NodeHash combines two children.
func NodeHash(h Hasher, l, r Hash) Hash {
	if bytes.Compare(l[:], r[:]) > 0 {
		l, r = r, l
	}
	return h.Sum(nodePrefix, l[:], r[:])
}

// NullHash is the padding leaf.
func NullHash(h Hasher) Hash {
	return h.Sum(nullPrefix)
}

// FromSet builds a tree over items. Leaf hashes are sorted before building so
// the root does not depend on the order items are given in. It returns false
// when items is empty; there is no root for an empty set.
func FromSet(h Hasher, items [][]byte) (*Tree, bool) {
	if len(items) == 0 {
		return nil, false
	}
	if h == nil {
		h = Keccak160{}
	}

	leaves := make([]Hash, len(items))
	for i, item := range items {
		leaves[i] = LeafHash(h, item)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	width := 1
	for width < len(leaves) {
		width <<= 1
	}

	nodes := make([]Hash, 2*width)
	null := NullHash(h)
	for i := 0; i < width; i++ {
		if i < len(leaves) {
			nodes[width+i] = leaves[i]
		} else {
			nodes[width+i] = null
		}
	}
	for i := width - 1; i >= 1; i-- {
		nodes[i] = NodeHash(h, nodes[2*i], nodes[2*i+1])
	}

	return &Tree{hasher: h, nodes: nodes, leaves: leaves}, true
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.nodes[1]
}

// Len is the number of committed items.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Prove returns the inclusion path of item, or false when item was not
// committed.
func (t *Tree) Prove(item []byte) (Path, bool) {
	leaf := LeafHash(t.hasher, item)
	i := sort.Search(len(t.leaves), func(i int) bool {
		return bytes.Compare(t.leaves[i][:], leaf[:]) >= 0
	})
	if i == len(t.leaves) || t.leaves[i] != leaf {
		return nil, false
	}

	index := len(t.nodes)/2 + i
	path := make(Path, 0, 8)
	for index > 1 {
		path = append(path, t.nodes[index^1])
		index /= 2
	}
	return path, true
}

// Verify recomputes the root from item and path and compares it with root.
func Verify(h Hasher, root Hash, item []byte, path Path) bool {
	if h == nil {
		h = Keccak160{}
	}
	current := LeafHash(h, item)
	for _, sibling := range path {
		current = NodeHash(h, current, sibling)
	}
	return current == root
}
