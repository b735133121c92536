package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key-space. A single authoritative table replaces the ad hoc prefixes the
// block store and the UTXO store used to pick independently: schema
// version and flags live at fixed single-byte keys, every piece of mutable
// chain-tip bookkeeping (tip, supply, difficulty, chainwork, tree root,
// and the migration-backed Coin/Value/Burned counters) is one JSON record
// under R instead of six scattered keys, and the height index runs both
// directions so a reorg can walk from either a hash or a height.
var (
	keySchemaVersion = []byte("V")  // schema version (1 byte)
	keyFlags         = []byte("O")  // Flags{Magic,SPV,Prune,IndexTX,IndexAddress,PruneAfterHeight} JSON
	keyChainState    = []byte("R")  // serialized storedState
	prefixMigration  = []byte("M/") // M/<id> -> 1-byte marker

	prefixBlock       = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHashHeight  = []byte("h/") // h/<hash(32)> -> height(8 BE)
	prefixHeightHash  = []byte("H/") // H/<height(8 BE)> -> hash(32)
	prefixTx          = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo        = []byte("u/") // u/<hash(32)> -> undo data JSON

	keyReorgCheckpoint = []byte("s/reorg")
)

const schemaVersion = 1

// migrationCountersV1 gates the Coin/Value/Burned replay in
// Chain.migrateCounters — see store.go's Flags/Migration section and
// chain.go's migrateCounters for the replay itself.
const migrationCountersV1 = "counters-v1"

// Flags records the node's own storage-level feature toggles — the spec's
// §4.1 ChainStore::Open table. Prune/IndexTX/IndexAddress all default off;
// nothing in this tree turns IndexTX/IndexAddress on yet (they are here so
// ChainStore.Open has somewhere to persist the choice once something does),
// but Prune is exercised by BlockStore.Prune below.
type Flags struct {
	Magic            uint32 `json:"magic"`
	SPV              bool   `json:"spv"`
	Prune            bool   `json:"prune"`
	IndexTX          bool   `json:"index_tx"`
	IndexAddress     bool   `json:"index_address"`
	PruneAfterHeight uint64 `json:"prune_after_height"`
}

// storedState is the R-key record: every piece of mutable chain-tip
// bookkeeping in one place instead of spread across six independent keys.
// BlockStore's individual Set*/Get* methods below are read-modify-write
// views onto this one record, so callers elsewhere in the package never
// see the consolidation — their signatures are unchanged.
type storedState struct {
	TipHash              types.Hash `json:"tip_hash"`
	Height               uint64     `json:"height"`
	Supply               uint64     `json:"supply"`
	CumulativeDifficulty uint64     `json:"cumulative_difficulty"`
	ChainWork            Work       `json:"chain_work"`
	TreeRoot             types.Hash `json:"tree_root"`
	Coin                 uint64     `json:"coin"`   // live UTXO count, migration-backed
	Value                uint64     `json:"value"`  // sum of live UTXO values, migration-backed
	Burned               uint64     `json:"burned"` // cumulative value of ScriptTypeBurn outputs, migration-backed
}

// BlockStore persists blocks and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database,
// stamping the schema version and default flags on a fresh database (a
// database that already has a V key is left untouched).
func NewBlockStore(db storage.DB) *BlockStore {
	bs := &BlockStore{db: db}
	if has, _ := db.Has(keySchemaVersion); !has {
		_ = db.Put(keySchemaVersion, []byte{schemaVersion})
		_ = bs.putFlags(Flags{Magic: 0x4b4c4e47}) // "KLNG"
	}
	return bs
}

// SchemaVersion returns the persisted schema version, or 0 if unset.
func (bs *BlockStore) SchemaVersion() uint8 {
	data, err := bs.db.Get(keySchemaVersion)
	if err != nil || len(data) != 1 {
		return 0
	}
	return data[0]
}

func (bs *BlockStore) getFlags() Flags {
	data, err := bs.db.Get(keyFlags)
	if err != nil {
		return Flags{}
	}
	var f Flags
	if err := json.Unmarshal(data, &f); err != nil {
		return Flags{}
	}
	return f
}

func (bs *BlockStore) putFlags(f Flags) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("flags marshal: %w", err)
	}
	return bs.db.Put(keyFlags, data)
}

func (bs *BlockStore) getStoredState() storedState {
	data, err := bs.db.Get(keyChainState)
	if err != nil {
		return storedState{}
	}
	var s storedState
	if err := json.Unmarshal(data, &s); err != nil {
		return storedState{}
	}
	return s
}

func (bs *BlockStore) putStoredState(s storedState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("chain state marshal: %w", err)
	}
	return bs.db.Put(keyChainState, data)
}

// HasMigration reports whether the named migration has already run.
func (bs *BlockStore) HasMigration(id string) bool {
	has, err := bs.db.Has(migrationKey(id))
	return err == nil && has
}

// SetMigration marks the named migration as complete.
func (bs *BlockStore) SetMigration(id string) error {
	return bs.db.Put(migrationKey(id), []byte{1})
}

func migrationKey(id string) []byte {
	return append(append([]byte(nil), prefixMigration...), id...)
}

// SetCounters persists the migration-backed Coin/Value/Burned counters.
func (bs *BlockStore) SetCounters(coin, value, burned uint64) error {
	s := bs.getStoredState()
	s.Coin, s.Value, s.Burned = coin, value, burned
	return bs.putStoredState(s)
}

// GetCounters returns the persisted Coin/Value/Burned counters.
func (bs *BlockStore) GetCounters() (coin, value, burned uint64) {
	s := bs.getStoredState()
	return s.Coin, s.Value, s.Burned
}

// StoreBlock stores a block by its hash only, without updating height or tx
// indexes. Use this for blocks that are not (yet) on the active chain.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it by hash, height, and tx hashes.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}

	if err := bs.db.Put(hashHeightKey(hash), heightBytes(blk.Header.Height)); err != nil {
		return fmt.Errorf("hash->height index put: %w", err)
	}
	if err := bs.db.Put(heightHashKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height->hash index put: %w", err)
	}

	// Index each transaction by hash → (height, blockHash).
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightHashKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// SetTip stores the current chain tip hash, height, and supply.
func (bs *BlockStore) SetTip(hash types.Hash, height, supply uint64) error {
	s := bs.getStoredState()
	s.TipHash, s.Height, s.Supply = hash, height, supply
	return bs.putStoredState(s)
}

// GetTip returns the current chain tip hash, height, and supply.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, error) {
	s := bs.getStoredState()
	return s.TipHash, s.Height, s.Supply, nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.db.Delete(txKey(txHash))
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightBytes(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return buf[:]
}

func hashHeightKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHashHeight)+types.HashSize)
	copy(key, prefixHashHeight)
	copy(key[len(prefixHashHeight):], hash[:])
	return key
}

func heightHashKey(height uint64) []byte {
	key := make([]byte, len(prefixHeightHash)+8)
	copy(key, prefixHeightHash)
	binary.BigEndian.PutUint64(key[len(prefixHeightHash):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}

// PutUndo stores undo data for a block (used for reorgs).
func (bs *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	if err := bs.db.Put(undoKey(hash), data); err != nil {
		return fmt.Errorf("put undo: %w", err)
	}
	return nil
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	data, err := bs.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	return data, nil
}

// DeleteUndo removes undo data for a block.
func (bs *BlockStore) DeleteUndo(hash types.Hash) error {
	return bs.db.Delete(undoKey(hash))
}

// SetCumulativeDifficulty persists the cumulative difficulty.
func (bs *BlockStore) SetCumulativeDifficulty(cumDiff uint64) error {
	s := bs.getStoredState()
	s.CumulativeDifficulty = cumDiff
	return bs.putStoredState(s)
}

// GetCumulativeDifficulty retrieves the cumulative difficulty (0 if unset).
func (bs *BlockStore) GetCumulativeDifficulty() uint64 {
	return bs.getStoredState().CumulativeDifficulty
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}

// Prune deletes block bodies and undo data for every height strictly below
// tip-keepBlocks, recording the new floor in Flags so a later call can't
// re-delete (or skip past) already-pruned history. Height/tx indexes are
// left intact — they're small compared to block bodies and undo streams,
// and losing them would break GetTxLocation for txs the wallet/RPC layer
// still wants to look up by hash.
func (bs *BlockStore) Prune(keepBlocks uint64) error {
	state := bs.getStoredState()
	if state.Height < keepBlocks {
		return fmt.Errorf("chain: cannot prune, tip height %d < keepBlocks %d", state.Height, keepBlocks)
	}
	floor := state.Height - keepBlocks

	flags := bs.getFlags()
	if flags.PruneAfterHeight >= floor {
		return fmt.Errorf("chain: already pruned past height %d", floor)
	}

	for h := flags.PruneAfterHeight; h < floor; h++ {
		hashBytes, err := bs.db.Get(heightHashKey(h))
		if err != nil {
			continue // already missing, nothing to prune at this height
		}
		var hash types.Hash
		copy(hash[:], hashBytes)
		if err := bs.db.Delete(blockKey(hash)); err != nil {
			return fmt.Errorf("prune: delete block %d: %w", h, err)
		}
		if err := bs.db.Delete(undoKey(hash)); err != nil {
			return fmt.Errorf("prune: delete undo %d: %w", h, err)
		}
	}

	flags.Prune = true
	flags.PruneAfterHeight = floor
	return bs.putFlags(flags)
}
