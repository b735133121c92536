package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// entryEncodedSize is the fixed on-wire length of a ChainEntry:
// hash(32) height(4) time(8) prevBlock(32) treeRoot(32) bits(4) nonce(4)
// chainwork(32).
const entryEncodedSize = types.HashSize + 4 + 8 + types.HashSize + types.HashSize + 4 + 4 + workSize

var prefixEntry = []byte("e/") // e/<hash(32)> -> ChainEntry

// ChainEntry is the compact, externally-consumable header-derived record a
// light client or block explorer reads instead of the full JSON block body:
// just enough to walk and verify the header chain and its claimed work,
// without pulling in the transaction list. It is derived from, not a
// replacement for, the block stored under the b/ prefix.
type ChainEntry struct {
	Hash      types.Hash
	Height    uint32
	Time      uint64
	PrevBlock types.Hash
	TreeRoot  types.Hash
	Bits      uint32
	Nonce     uint32
	ChainWork Work
}

// NewChainEntry derives a ChainEntry from a connected block and the
// chain's accumulated work as of that block.
func NewChainEntry(blk *block.Block, chainWork Work) ChainEntry {
	return ChainEntry{
		Hash:      blk.Hash(),
		Height:    uint32(blk.Header.Height),
		Time:      blk.Header.Timestamp,
		PrevBlock: blk.Header.PrevHash,
		TreeRoot:  blk.Header.TreeRoot,
		Bits:      uint32(blk.Header.Difficulty),
		Nonce:     uint32(blk.Header.Nonce),
		ChainWork: chainWork,
	}
}

// Encode serializes e to the fixed little-endian layout, except ChainWork
// which keeps Work's own big-endian byte order.
func (e ChainEntry) Encode() []byte {
	buf := make([]byte, 0, entryEncodedSize)
	buf = append(buf, e.Hash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, e.Height)
	buf = binary.LittleEndian.AppendUint64(buf, e.Time)
	buf = append(buf, e.PrevBlock[:]...)
	buf = append(buf, e.TreeRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, e.Bits)
	buf = binary.LittleEndian.AppendUint32(buf, e.Nonce)
	buf = append(buf, e.ChainWork[:]...)
	return buf
}

// DecodeChainEntry parses the fixed layout Encode produces.
func DecodeChainEntry(data []byte) (ChainEntry, error) {
	if len(data) != entryEncodedSize {
		return ChainEntry{}, fmt.Errorf("chain entry: want %d bytes, got %d", entryEncodedSize, len(data))
	}
	var e ChainEntry
	off := 0
	copy(e.Hash[:], data[off:off+types.HashSize])
	off += types.HashSize
	e.Height = binary.LittleEndian.Uint32(data[off:])
	off += 4
	e.Time = binary.LittleEndian.Uint64(data[off:])
	off += 8
	copy(e.PrevBlock[:], data[off:off+types.HashSize])
	off += types.HashSize
	copy(e.TreeRoot[:], data[off:off+types.HashSize])
	off += types.HashSize
	e.Bits = binary.LittleEndian.Uint32(data[off:])
	off += 4
	e.Nonce = binary.LittleEndian.Uint32(data[off:])
	off += 4
	copy(e.ChainWork[:], data[off:off+workSize])
	return e, nil
}

func entryKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixEntry)+types.HashSize)
	copy(key, prefixEntry)
	copy(key[len(prefixEntry):], hash[:])
	return key
}

// PutChainEntry persists the compact entry record for a connected block,
// keyed by its hash alongside the full block under the b/ prefix.
func (bs *BlockStore) PutChainEntry(e ChainEntry) error {
	return bs.db.Put(entryKey(e.Hash), e.Encode())
}

// GetChainEntry reads back a previously persisted ChainEntry.
func (bs *BlockStore) GetChainEntry(hash types.Hash) (ChainEntry, error) {
	data, err := bs.db.Get(entryKey(hash))
	if err != nil {
		return ChainEntry{}, fmt.Errorf("chain entry get: %w", err)
	}
	return DecodeChainEntry(data)
}
