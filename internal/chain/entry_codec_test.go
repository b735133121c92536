package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestChainEntry_EncodeDecodeRoundTrip(t *testing.T) {
	blk := &block.Block{
		Header: &block.Header{
			Version:    1,
			PrevHash:   types.Hash{1, 2, 3},
			MerkleRoot: types.Hash{4, 5, 6},
			TreeRoot:   types.Hash{7, 8, 9},
			Timestamp:  1700000000,
			Height:     42,
			Difficulty: 500,
			Nonce:      123456,
		},
	}
	work := ProofForBits(500)

	entry := NewChainEntry(blk, work)
	encoded := entry.Encode()
	if len(encoded) != entryEncodedSize {
		t.Fatalf("encoded length = %d, want %d", len(encoded), entryEncodedSize)
	}

	decoded, err := DecodeChainEntry(encoded)
	if err != nil {
		t.Fatalf("DecodeChainEntry: %v", err)
	}

	if decoded.Hash != entry.Hash {
		t.Errorf("Hash mismatch: got %s want %s", decoded.Hash, entry.Hash)
	}
	if decoded.Height != 42 {
		t.Errorf("Height = %d, want 42", decoded.Height)
	}
	if decoded.Time != 1700000000 {
		t.Errorf("Time = %d, want 1700000000", decoded.Time)
	}
	if decoded.PrevBlock != blk.Header.PrevHash {
		t.Errorf("PrevBlock mismatch")
	}
	if decoded.TreeRoot != blk.Header.TreeRoot {
		t.Errorf("TreeRoot mismatch")
	}
	if decoded.Bits != 500 {
		t.Errorf("Bits = %d, want 500", decoded.Bits)
	}
	if decoded.Nonce != 123456 {
		t.Errorf("Nonce = %d, want 123456", decoded.Nonce)
	}
	if decoded.ChainWork.Cmp(work) != 0 {
		t.Errorf("ChainWork mismatch")
	}
}

func TestDecodeChainEntry_RejectsWrongLength(t *testing.T) {
	if _, err := DecodeChainEntry(make([]byte, entryEncodedSize-1)); err == nil {
		t.Fatal("expected error for short input")
	}
	if _, err := DecodeChainEntry(make([]byte, entryEncodedSize+1)); err == nil {
		t.Fatal("expected error for long input")
	}
}

func TestBlockStore_PutGetChainEntry(t *testing.T) {
	bs := NewBlockStore(storage.NewMemory())

	blk := &block.Block{
		Header: &block.Header{
			PrevHash:  types.Hash{9},
			Timestamp: 42,
			Height:    7,
		},
	}
	entry := NewChainEntry(blk, ProofForBits(10))

	if err := bs.PutChainEntry(entry); err != nil {
		t.Fatalf("PutChainEntry: %v", err)
	}

	got, err := bs.GetChainEntry(entry.Hash)
	if err != nil {
		t.Fatalf("GetChainEntry: %v", err)
	}
	if got.Height != 7 {
		t.Errorf("Height = %d, want 7", got.Height)
	}
}
