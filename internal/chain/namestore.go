package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/trie"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TreeInterval is the cadence (in blocks) at which the name-state trie root
// is committed into block headers. A header's TreeRoot always commits to
// the trie as of the previous interval boundary, never the in-progress one
// — this is what lets light clients verify name proofs against a header
// that is already several blocks old without replaying the interval.
const TreeInterval = 36

// Key prefixes extending BlockStore's key-space for name-state, the trie,
// and deployment memoization.
var (
	prefixTrieNode   = []byte("g/") // g/<nodehash(32)> -> trie node
	prefixDeployVote = []byte("v/") // v/<bit(1)><hash(32)> -> cached DeploymentStatus
	prefixBitField   = []byte("f/") // f/<epoch(8)> -> serialized BitField for that airdrop epoch
)

// NameStore wraps a Chain's storage with trie-backed name-state access.
type NameStore struct {
	trie *trie.Trie
	db   storage.DB
}

// NewNameStore builds a NameStore over db, scoping the underlying trie
// nodes to the g/ prefix via storage.NewPrefixDB.
func NewNameStore(db storage.DB) *NameStore {
	trieDB := storage.NewPrefixDB(db, prefixTrieNode)
	return &NameStore{trie: trie.New(trie.NewDBStore(trieDB)), db: db}
}

// GetName resolves a name's current state as of the given trie root.
// Returns a null NameState (no error) if the name has never been touched.
func (ns *NameStore) GetName(root types.Hash, nameHash types.Hash) (*NameState, error) {
	data, err := ns.trie.Get(root, nameHash)
	if err == trie.ErrNotFound {
		return &NameState{NameHash: nameHash}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("namestore: get: %w", err)
	}
	state, err := DecodeNameState(data)
	if err != nil {
		return nil, fmt.Errorf("namestore: decode: %w", err)
	}
	return state, nil
}

// PutName writes a new name state under root, returning the new root.
func (ns *NameStore) PutName(root types.Hash, state *NameState) (types.Hash, error) {
	txn := ns.trie.Txn(root)
	newRoot, err := txn.Insert(state.NameHash, state.Encode())
	if err != nil {
		return root, fmt.Errorf("namestore: put: %w", err)
	}
	return newRoot, nil
}

// Prove returns a membership/non-membership proof for nameHash as of root.
func (ns *NameStore) Prove(root, nameHash types.Hash) ([]byte, error) {
	return ns.trie.Prove(root, nameHash)
}

// SetTreeRoot persists the committed trie root (as of the last tree
// interval boundary) alongside the chain tip.
func (bs *BlockStore) SetTreeRoot(root types.Hash) error {
	s := bs.getStoredState()
	s.TreeRoot = root
	return bs.putStoredState(s)
}

// GetTreeRoot returns the last-committed trie root, or the zero hash if
// none has been committed yet (pre-interval chain).
func (bs *BlockStore) GetTreeRoot() types.Hash {
	return bs.getStoredState().TreeRoot
}

// SetChainWork persists the cumulative chainwork accumulator.
func (bs *BlockStore) SetChainWork(w Work) error {
	s := bs.getStoredState()
	s.ChainWork = w
	return bs.putStoredState(s)
}

// GetChainWork returns the persisted cumulative chainwork (zero if unset).
func (bs *BlockStore) GetChainWork() Work {
	return bs.getStoredState().ChainWork
}

// PutBitField persists the spent-airdrop bitmap for an epoch.
func (bs *BlockStore) PutBitField(epoch uint64, bf *BitField) error {
	return bs.db.Put(bitFieldKey(epoch), bf.Bytes())
}

// GetBitField loads the spent-airdrop bitmap for an epoch, returning an
// empty one if none has been written yet.
func (bs *BlockStore) GetBitField(epoch uint64) *BitField {
	data, err := bs.db.Get(bitFieldKey(epoch))
	if err != nil {
		return NewBitField(0)
	}
	return LoadBitField(data)
}

func bitFieldKey(epoch uint64) []byte {
	key := make([]byte, len(prefixBitField)+8)
	copy(key, prefixBitField)
	binary.BigEndian.PutUint64(key[len(prefixBitField):], epoch)
	return key
}

// CommitBlock atomically persists a replayed block: its body, height and
// tx indexes, undo data, and the resulting tip/supply/cumulative-difficulty
// state. This closes the gap reorg.go's replay loop always relied on
// (`c.blocks.CommitBlock(blk, undoBytes, newSupply, newCumDiff, newChainWork)`) but that
// the store never actually defined — each of those four writes used to
// have to be issued (and could fail) independently, which on a crash
// mid-replay could leave the tip pointer ahead of the undo data it needs
// for a future reorg. A storage.Batch makes all of it one unit.
func (bs *BlockStore) CommitBlock(blk *block.Block, undoBytes []byte, newSupply, newCumDiff uint64, newChainWork Work) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("commit block: marshal: %w", err)
	}
	hash := blk.Hash()

	batcher, ok := bs.db.(storage.Batcher)
	if !ok {
		// Backend without native batching: fall back to sequential writes,
		// same as before CommitBlock existed.
		return bs.commitBlockSequential(blk, hash, data, undoBytes, newSupply, newCumDiff, newChainWork)
	}
	batch := batcher.NewBatch()

	if err := batch.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("commit block: put block: %w", err)
	}
	if err := batch.Put(hashHeightKey(hash), heightBytes(blk.Header.Height)); err != nil {
		return fmt.Errorf("commit block: put hash->height index: %w", err)
	}
	if err := batch.Put(heightHashKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("commit block: put height->hash index: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := batch.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("commit block: put tx index %s: %w", txHash, err)
		}
	}
	if err := batch.Put(undoKey(hash), undoBytes); err != nil {
		return fmt.Errorf("commit block: put undo: %w", err)
	}

	state := bs.getStoredState()
	state.TipHash = hash
	state.Height = blk.Header.Height
	state.Supply = newSupply
	state.CumulativeDifficulty = newCumDiff
	state.ChainWork = newChainWork
	stateData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("commit block: marshal chain state: %w", err)
	}
	if err := batch.Put(keyChainState, stateData); err != nil {
		return fmt.Errorf("commit block: put chain state: %w", err)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block: batch commit: %w", err)
	}
	return nil
}

// applyNameCovenants scans a block's name-covenant outputs (types.ScriptTypeName),
// dispatches each through the covenant state machine, and folds the results
// into the name trie rooted at c.state.TreeRoot. It returns the root as it
// stood before the block, which the caller stashes in UndoData — trie nodes
// are content-addressed and never deleted, so reverting a block's name
// changes is just restoring that prior root, with no per-leaf bookkeeping.
func (c *Chain) applyNameCovenants(blk *block.Block) (types.Hash, error) {
	prevRoot := c.state.TreeRoot
	if c.nameStore == nil || c.covenants == nil {
		return prevRoot, nil
	}

	root := prevRoot
	for _, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		for i, out := range transaction.Outputs {
			if out.Script.Type != types.ScriptTypeName {
				continue
			}
			cv, err := ParseCovenant(out.Script.Data)
			if err != nil {
				return prevRoot, fmt.Errorf("tx %s output %d: parse covenant: %w", txHash, i, err)
			}
			prev, err := c.nameStore.GetName(root, cv.NameHash)
			if err != nil {
				return prevRoot, fmt.Errorf("tx %s output %d: load name state: %w", txHash, i, err)
			}
			owner := types.Outpoint{TxID: txHash, Index: uint32(i)}
			next, err := c.covenants.ApplyCovenant(prev, cv, owner, out.Value, blk.Header.Height)
			if err != nil {
				return prevRoot, fmt.Errorf("tx %s output %d: apply covenant: %w", txHash, i, err)
			}
			root, err = c.nameStore.PutName(root, next)
			if err != nil {
				return prevRoot, fmt.Errorf("tx %s output %d: put name state: %w", txHash, i, err)
			}
		}
	}

	// The header's TreeRoot only advances at a TreeInterval boundary — see
	// the doc comment on TreeInterval — so the in-memory root tracks
	// every block but is only persisted to storage at those boundaries.
	c.state.TreeRoot = root
	if blk.Header.Height%TreeInterval == 0 {
		if err := c.blocks.SetTreeRoot(root); err != nil {
			return prevRoot, fmt.Errorf("persist tree root: %w", err)
		}
	}
	return prevRoot, nil
}

// commitBlockSequential is the non-atomic fallback for a DB backend that
// doesn't implement storage.Batcher.
func (bs *BlockStore) commitBlockSequential(blk *block.Block, hash types.Hash, data, undoBytes []byte, newSupply, newCumDiff uint64, newChainWork Work) error {
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("commit block: put block: %w", err)
	}
	if err := bs.db.Put(hashHeightKey(hash), heightBytes(blk.Header.Height)); err != nil {
		return fmt.Errorf("commit block: put hash->height index: %w", err)
	}
	if err := bs.db.Put(heightHashKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("commit block: put height->hash index: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("commit block: put tx index %s: %w", txHash, err)
		}
	}
	if err := bs.db.Put(undoKey(hash), undoBytes); err != nil {
		return fmt.Errorf("commit block: put undo: %w", err)
	}
	if err := bs.SetTip(hash, blk.Header.Height, newSupply); err != nil {
		return fmt.Errorf("commit block: set tip: %w", err)
	}
	if err := bs.SetCumulativeDifficulty(newCumDiff); err != nil {
		return fmt.Errorf("commit block: set cumulative difficulty: %w", err)
	}
	if err := bs.SetChainWork(newChainWork); err != nil {
		return fmt.Errorf("commit block: set chain work: %w", err)
	}
	return nil
}
