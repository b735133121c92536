package mempool

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// encodeCovenant mirrors ParseCovenant's layout:
// [opcode(1)][namehash(32)][height(8)][payload...].
func encodeCovenant(typ chain.CovenantType, nameHash types.Hash, height uint64, payload []byte) []byte {
	buf := make([]byte, 0, 41+len(payload))
	buf = append(buf, byte(typ))
	buf = append(buf, nameHash[:]...)
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(height>>(8*uint(i))))
	}
	buf = append(buf, payload...)
	return buf
}

func buildClaimEntry(nameHash types.Hash) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{},
			PubKey:  []byte{chain.ClaimProofTag},
		}},
		Outputs: []tx.Output{{
			Value:  0,
			Script: types.Script{Type: types.ScriptTypeName, Data: encodeCovenant(chain.CovenantClaim, nameHash, 0, []byte("example"))},
		}},
	}
}

func buildAirdropEntry(position uint32) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{Index: position},
			PubKey:  []byte{chain.AirdropProofTag},
		}},
	}
}

func TestPool_Add_ClaimEntry(t *testing.T) {
	pool := New(newMockUTXOs(), 100)

	var nameHash types.Hash
	nameHash[0] = 0xaa

	_, err := pool.Add(buildClaimEntry(nameHash))
	if err != nil {
		t.Fatalf("Add claim entry: %v", err)
	}
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}
}

func TestPool_Add_ClaimEntry_DuplicateRejected(t *testing.T) {
	pool := New(newMockUTXOs(), 100)

	var nameHash types.Hash
	nameHash[0] = 0xbb

	if _, err := pool.Add(buildClaimEntry(nameHash)); err != nil {
		t.Fatalf("Add first claim: %v", err)
	}
	_, err := pool.Add(buildClaimEntry(nameHash))
	if !errors.Is(err, ErrDuplicateClaim) {
		t.Errorf("expected ErrDuplicateClaim, got: %v", err)
	}
}

func TestPool_Add_AirdropEntry_DuplicateRejected(t *testing.T) {
	pool := New(newMockUTXOs(), 100)

	if _, err := pool.Add(buildAirdropEntry(7)); err != nil {
		t.Fatalf("Add first airdrop: %v", err)
	}
	_, err := pool.Add(buildAirdropEntry(7))
	if !errors.Is(err, ErrDuplicateAirdrop) {
		t.Errorf("expected ErrDuplicateAirdrop, got: %v", err)
	}

	// A different position is independent.
	if _, err := pool.Add(buildAirdropEntry(8)); err != nil {
		t.Errorf("Add different position should succeed: %v", err)
	}
}

func TestPool_PendingProofs(t *testing.T) {
	pool := New(newMockUTXOs(), 100)

	var nameHash types.Hash
	nameHash[0] = 0xcc
	pool.Add(buildClaimEntry(nameHash))
	pool.Add(buildAirdropEntry(3))

	claims, airdrops := pool.PendingProofs()
	if len(claims) != 1 || claims[0].NameHash != nameHash {
		t.Errorf("claims = %+v, want one entry for %x", claims, nameHash)
	}
	if len(airdrops) != 1 || airdrops[0].Position != 3 {
		t.Errorf("airdrops = %+v, want one entry at position 3", airdrops)
	}
}

func TestPool_SelectForBlock_ExcludesProofEntries(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100)
	real := buildTx(t, key, prevOut, 4000)
	pool.Add(real)

	var nameHash types.Hash
	nameHash[0] = 0xdd
	pool.Add(buildClaimEntry(nameHash))

	selected := pool.SelectForBlock(10)
	if len(selected) != 1 || selected[0].Hash() != real.Hash() {
		t.Errorf("SelectForBlock should only return the real transaction, got %d entries", len(selected))
	}
}

func TestEntry_EffectiveFeeRate_FoldsDescendants(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	parentOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(parentOut, 2000, addr) // Low-fee parent: fee = 2000 - 1900 = 100.

	pool := New(utxos, 100)
	parent := buildTx(t, key, parentOut, 1900)
	if _, err := pool.Add(parent); err != nil {
		t.Fatalf("Add parent: %v", err)
	}

	// Child spends the parent's own output, paying a much higher fee.
	childOut := types.Outpoint{TxID: parent.Hash(), Index: 0}
	utxos.add(childOut, 1900, addr) // fee = 1900 - 500 = 1400.
	child := buildTx(t, key, childOut, 500)
	if _, err := pool.Add(child); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	parentEntry := pool.txs[parent.Hash()]
	if parentEntry.descFee != 1400 {
		t.Errorf("parent descFee = %d, want 1400 (child's fee credited up)", parentEntry.descFee)
	}
	if parentEntry.effectiveFeeRate() <= parentEntry.feeRate {
		t.Errorf("effective fee rate (%f) should exceed own fee rate (%f) once a paying child is credited",
			parentEntry.effectiveFeeRate(), parentEntry.feeRate)
	}
}
