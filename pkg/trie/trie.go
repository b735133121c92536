// Package trie implements an authenticated, path-compressed binary radix
// tree over 256-bit keys, used to commit to the set of name states.
//
// Nodes are content-addressed: an internal node's hash is
// blake3(left || right) and a leaf's hash is blake3(0x01 || key || value),
// the leading byte being the leaf node kind. Both
// shapes mirror pkg/block.ComputeMerkleRoot's pairwise-hash convention,
// extended with point lookups, membership proofs, and historical
// snapshots instead of a single flat root.
package trie

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrNotFound is returned when a key has no value under the given root.
var ErrNotFound = errors.New("trie: key not found")

// KeyBits is the number of bits in a trie key (256-bit name hashes).
const KeyBits = 256

// nodeKind distinguishes the two node shapes persisted by the trie.
type nodeKind uint8

const (
	kindLeaf     nodeKind = 1
	kindInternal nodeKind = 2
)

// node is the on-disk representation of a trie node, addressed by its hash.
type node struct {
	Kind  nodeKind
	Key   types.Hash // leaf only: the full key
	Value []byte     // leaf only
	Left  types.Hash // internal only
	Right types.Hash // internal only
	Depth uint16     // leaf only: bit-depth at which this leaf sits (for compressed paths)
}

// Store is the persistence backend a Trie reads/writes nodes through.
// Implementations never delete nodes (old roots must remain provable).
type Store interface {
	GetNode(hash types.Hash) ([]byte, bool, error)
	PutNode(hash types.Hash, data []byte) error
}

// Trie is an authenticated radix tree rooted at a (possibly historical) hash.
type Trie struct {
	store Store
}

// New creates a Trie backed by the given node store.
func New(store Store) *Trie {
	return &Trie{store: store}
}

// EmptyRoot is the root hash of a trie with no entries.
var EmptyRoot = types.Hash{}

// Get looks up key under the given root. Returns ErrNotFound if absent.
func (t *Trie) Get(root types.Hash, key types.Hash) ([]byte, error) {
	if root == EmptyRoot {
		return nil, ErrNotFound
	}
	cur := root
	depth := 0
	for {
		n, err := t.loadNode(cur)
		if err != nil {
			return nil, err
		}
		switch n.Kind {
		case kindLeaf:
			if n.Key == key {
				return n.Value, nil
			}
			return nil, ErrNotFound
		case kindInternal:
			if bitAt(key, depth) == 0 {
				cur = n.Left
			} else {
				cur = n.Right
			}
			if cur == EmptyRoot {
				return nil, ErrNotFound
			}
			depth++
		default:
			return nil, fmt.Errorf("trie: corrupt node kind %d", n.Kind)
		}
	}
}

// Prove returns a compact membership/non-membership proof for key under root.
// The proof is a one-byte flag (0: the path ends in an empty branch, 1: it
// ends in a leaf with a different key, 2: the key is present), then the
// reached leaf's key when the path ends in a leaf, then the sibling hashes
// in order from root down.
func (t *Trie) Prove(root types.Hash, key types.Hash) ([]byte, error) {
	if root == EmptyRoot {
		return []byte{0}, nil
	}
	var siblings []types.Hash
	cur := root
	depth := 0
	for {
		n, err := t.loadNode(cur)
		if err != nil {
			return nil, err
		}
		if n.Kind == kindLeaf {
			buf := []byte{1}
			if n.Key == key {
				buf[0] = 2
			}
			buf = append(buf, n.Key[:]...)
			for _, s := range siblings {
				buf = append(buf, s[:]...)
			}
			return buf, nil
		}
		var next, sibling types.Hash
		if bitAt(key, depth) == 0 {
			next, sibling = n.Left, n.Right
		} else {
			next, sibling = n.Right, n.Left
		}
		siblings = append(siblings, sibling)
		if next == EmptyRoot {
			buf := []byte{0}
			for _, s := range siblings {
				buf = append(buf, s[:]...)
			}
			return buf, nil
		}
		cur = next
		depth++
	}
}

// Snapshot returns a read-only view bound to a historical root.
func (t *Trie) Snapshot(root types.Hash) *View {
	return &View{trie: t, root: root}
}

// View is a read-only, proof-capable view rooted at a fixed historical root.
type View struct {
	trie *Trie
	root types.Hash
}

// Root returns the view's root hash.
func (v *View) Root() types.Hash { return v.root }

// Get looks up key in the view.
func (v *View) Get(key types.Hash) ([]byte, error) {
	return v.trie.Get(v.root, key)
}

// Prove returns a membership proof for key in the view.
func (v *View) Prove(key types.Hash) ([]byte, error) {
	return v.trie.Prove(v.root, key)
}

// Txn is a batched set of trie mutations applied off the persisted root.
// Nodes written during a Txn are persisted immediately (content-addressed
// nodes are cheap to write speculatively and are simply never referenced
// by any root if the transaction is abandoned). Txn has no commit step:
// persisting a root pointer is left to the caller (the chain does it at
// TreeInterval boundaries).
type Txn struct {
	trie *Trie
	root types.Hash
}

// Txn begins a new transaction rooted at root (use EmptyRoot for a fresh tree).
func (t *Trie) Txn(root types.Hash) *Txn {
	return &Txn{trie: t, root: root}
}

// Root returns the transaction's current virtual root.
func (x *Txn) Root() types.Hash { return x.root }

// Get reads a key as of the transaction's current virtual root.
func (x *Txn) Get(key types.Hash) ([]byte, error) {
	return x.trie.Get(x.root, key)
}

// Insert sets key to value, returning the new virtual root.
func (x *Txn) Insert(key types.Hash, value []byte) (types.Hash, error) {
	newRoot, err := x.trie.insert(x.root, key, value, 0)
	if err != nil {
		return types.Hash{}, err
	}
	x.root = newRoot
	return x.root, nil
}

// Remove deletes key, returning the new virtual root. No-op if absent.
func (x *Txn) Remove(key types.Hash) (types.Hash, error) {
	newRoot, removed, err := x.trie.remove(x.root, key, 0)
	if err != nil {
		return types.Hash{}, err
	}
	if removed {
		x.root = newRoot
	}
	return x.root, nil
}

func (t *Trie) insert(cur types.Hash, key types.Hash, value []byte, depth int) (types.Hash, error) {
	if cur == EmptyRoot {
		return t.writeLeaf(key, value)
	}
	n, err := t.loadNode(cur)
	if err != nil {
		return types.Hash{}, err
	}
	if n.Kind == kindLeaf {
		if n.Key == key {
			return t.writeLeaf(key, value)
		}
		// Split: create a chain of internal nodes down to the first
		// differing bit between the two keys.
		return t.splitLeaf(n.Key, n.Value, key, value, depth)
	}
	var newLeft, newRight types.Hash = n.Left, n.Right
	if bitAt(key, depth) == 0 {
		h, err := t.insert(n.Left, key, value, depth+1)
		if err != nil {
			return types.Hash{}, err
		}
		newLeft = h
	} else {
		h, err := t.insert(n.Right, key, value, depth+1)
		if err != nil {
			return types.Hash{}, err
		}
		newRight = h
	}
	return t.writeInternal(newLeft, newRight)
}

func (t *Trie) splitLeaf(existingKey types.Hash, existingVal []byte, newKey types.Hash, newVal []byte, depth int) (types.Hash, error) {
	if depth >= KeyBits {
		return types.Hash{}, errors.New("trie: duplicate key collision at max depth")
	}
	if bitAt(existingKey, depth) == bitAt(newKey, depth) {
		child, err := t.splitLeaf(existingKey, existingVal, newKey, newVal, depth+1)
		if err != nil {
			return types.Hash{}, err
		}
		if bitAt(existingKey, depth) == 0 {
			return t.writeInternal(child, EmptyRoot)
		}
		return t.writeInternal(EmptyRoot, child)
	}
	existingLeaf, err := t.writeLeaf(existingKey, existingVal)
	if err != nil {
		return types.Hash{}, err
	}
	newLeaf, err := t.writeLeaf(newKey, newVal)
	if err != nil {
		return types.Hash{}, err
	}
	if bitAt(existingKey, depth) == 0 {
		return t.writeInternal(existingLeaf, newLeaf)
	}
	return t.writeInternal(newLeaf, existingLeaf)
}

func (t *Trie) remove(cur types.Hash, key types.Hash, depth int) (types.Hash, bool, error) {
	if cur == EmptyRoot {
		return EmptyRoot, false, nil
	}
	n, err := t.loadNode(cur)
	if err != nil {
		return types.Hash{}, false, err
	}
	if n.Kind == kindLeaf {
		if n.Key != key {
			return cur, false, nil
		}
		return EmptyRoot, true, nil
	}
	var newLeft, newRight = n.Left, n.Right
	var removed bool
	if bitAt(key, depth) == 0 {
		newLeft, removed, err = t.remove(n.Left, key, depth+1)
	} else {
		newRight, removed, err = t.remove(n.Right, key, depth+1)
	}
	if err != nil {
		return types.Hash{}, false, err
	}
	if !removed {
		return cur, false, nil
	}
	// Collapse a node with a single remaining leaf child.
	if newLeft == EmptyRoot && newRight != EmptyRoot {
		if leaf, err := t.loadNode(newRight); err == nil && leaf.Kind == kindLeaf {
			return newRight, true, nil
		}
	}
	if newRight == EmptyRoot && newLeft != EmptyRoot {
		if leaf, err := t.loadNode(newLeft); err == nil && leaf.Kind == kindLeaf {
			return newLeft, true, nil
		}
	}
	h, err := t.writeInternal(newLeft, newRight)
	return h, true, err
}

func (t *Trie) loadNode(h types.Hash) (*node, error) {
	data, ok, err := t.store.GetNode(h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("trie: missing node %s", h)
	}
	return decodeNode(data)
}

func (t *Trie) writeLeaf(key types.Hash, value []byte) (types.Hash, error) {
	n := &node{Kind: kindLeaf, Key: key, Value: value}
	data := encodeNode(n)
	h := crypto.Hash(append([]byte{byte(kindLeaf)}, append(key[:], value...)...))
	if err := t.store.PutNode(h, data); err != nil {
		return types.Hash{}, err
	}
	return h, nil
}

func (t *Trie) writeInternal(left, right types.Hash) (types.Hash, error) {
	if left == EmptyRoot && right == EmptyRoot {
		return EmptyRoot, nil
	}
	n := &node{Kind: kindInternal, Left: left, Right: right}
	data := encodeNode(n)
	h := crypto.HashConcat(left, right)
	if err := t.store.PutNode(h, data); err != nil {
		return types.Hash{}, err
	}
	return h, nil
}

// bitAt returns the bit of key at the given position, MSB first.
func bitAt(key types.Hash, pos int) byte {
	byteIdx := pos / 8
	bitIdx := 7 - uint(pos%8)
	return (key[byteIdx] >> bitIdx) & 1
}

func encodeNode(n *node) []byte {
	switch n.Kind {
	case kindLeaf:
		buf := make([]byte, 0, 1+32+len(n.Value))
		buf = append(buf, byte(kindLeaf))
		buf = append(buf, n.Key[:]...)
		buf = append(buf, n.Value...)
		return buf
	default:
		buf := make([]byte, 1+32+32)
		buf[0] = byte(kindInternal)
		copy(buf[1:33], n.Left[:])
		copy(buf[33:65], n.Right[:])
		return buf
	}
}

func decodeNode(data []byte) (*node, error) {
	if len(data) < 1 {
		return nil, errors.New("trie: empty node record")
	}
	switch nodeKind(data[0]) {
	case kindLeaf:
		if len(data) < 33 {
			return nil, errors.New("trie: truncated leaf node")
		}
		n := &node{Kind: kindLeaf}
		copy(n.Key[:], data[1:33])
		n.Value = append([]byte(nil), data[33:]...)
		return n, nil
	case kindInternal:
		if len(data) < 65 {
			return nil, errors.New("trie: truncated internal node")
		}
		n := &node{Kind: kindInternal}
		copy(n.Left[:], data[1:33])
		copy(n.Right[:], data[33:65])
		return n, nil
	default:
		return nil, fmt.Errorf("trie: unknown node kind %d", data[0])
	}
}

// VerifyProof checks a Prove()-produced proof against a claimed key/value
// and root. Returns true iff the proof is consistent with membership
// (value non-nil) or non-membership (value nil).
func VerifyProof(root types.Hash, key types.Hash, value []byte, proof []byte) bool {
	if len(proof) == 0 {
		return false
	}
	if proof[0] == 0 {
		return root == EmptyRoot || value == nil
	}
	if len(proof) < 33 {
		return false
	}
	leafKey := proof[1:33]
	siblings := proof[33:]
	if len(siblings)%32 != 0 {
		return false
	}
	n := len(siblings) / 32
	var leafHash types.Hash
	if proof[0] == 2 {
		if !bytesEqual(leafKey, key[:]) {
			return false
		}
		leafHash = crypto.Hash(append([]byte{byte(kindLeaf)}, append(append([]byte{}, leafKey...), value...)...))
	} else {
		var k types.Hash
		copy(k[:], leafKey)
		leafHash = crypto.Hash(append([]byte{byte(kindLeaf)}, leafKey...))
		_ = k
	}
	cur := leafHash
	for i := n - 1; i >= 0; i-- {
		var sib types.Hash
		copy(sib[:], siblings[i*32:(i+1)*32])
		depth := i
		if bitAt(key, depth) == 0 {
			cur = crypto.HashConcat(cur, sib)
		} else {
			cur = crypto.HashConcat(sib, cur)
		}
	}
	return cur == root
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EncodeUint32 is a small helper used by callers that persist trie roots
// alongside a height (e.g. the name-undo journal keys).
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
