package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Proof tags carried in an extra coinbase input's PubKey field (length 1),
// distinguishing the two shapes an index >= 1 coinbase input/output pair
// may take.
const (
	ClaimProofTag   byte = 0x01
	AirdropProofTag byte = 0x02
)

// dnssecProofMinSize is the minimum length of a CLAIM input's proof
// payload: an 8-byte big-endian signature-inception time plus at least
// one RRSIG-shaped record. Anything shorter cannot carry a usable proof.
const dnssecProofMinSize = 8 + 32

// airdropProofMinSize is the minimum proof length that counts as a strong
// (non-weak) airdrop key. Proofs shorter than this are accepted only
// before the hardening height.
const airdropProofMinSize = 64

// goosigPrefix tags an airdrop proof as signed with the (now-deprecated,
// forgeable) "goosig" zero-knowledge scheme — see config.NameRules.GoosigStopHeight.
var goosigPrefix = []byte("goo1")

var (
	ErrBadClaimProof       = errors.New("invalid coinbase CLAIM proof")
	ErrBadAirdropProof     = errors.New("invalid coinbase airdrop proof")
	ErrAirdropAlreadySpent = errors.New("airdrop position already spent")
	ErrWeakAirdropKey      = errors.New("weak airdrop key rejected past hardening height")
	ErrGoosigAirdropKey    = errors.New("goosig-keyed airdrop rejected past flag-day height")
)

func isGoosigKey(proof []byte) bool {
	if len(proof) < len(goosigPrefix) {
		return false
	}
	for i, b := range goosigPrefix {
		if proof[i] != b {
			return false
		}
	}
	return true
}

// applyAirdropClaims validates every extra coinbase input (index >= 1) of
// blk as either a CLAIM/DNSSEC proof or an airdrop proof, spending the
// referenced BitField position for airdrops. It returns the BitField's
// serialized bytes as they stood before this block — bits are never
// individually cleared, so a revert restores the whole prior snapshot —
// and persists the updated BitField only once every input has validated,
// so a rejected block never partially spends positions.
func (c *Chain) applyAirdropClaims(blk *block.Block) ([]byte, error) {
	bf := c.blocks.GetBitField(0)
	before := append([]byte(nil), bf.Bytes()...)

	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Inputs) < 2 {
		return before, nil
	}
	coinbase := blk.Transactions[0]

	var prevTime uint64
	if blk.Header.Height > 0 {
		if prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1); err == nil {
			prevTime = prevBlk.Header.Timestamp
		}
	}

	clone := bf.Clone()
	for i := 1; i < len(coinbase.Inputs); i++ {
		in := coinbase.Inputs[i]
		if len(in.PubKey) != 1 {
			return nil, fmt.Errorf("%w: input %d missing proof tag", ErrBadClaimProof, i)
		}
		switch in.PubKey[0] {
		case ClaimProofTag:
			if err := c.verifyClaimProof(coinbase, i, in, prevTime); err != nil {
				return nil, err
			}

		case AirdropProofTag:
			if err := c.verifyAirdropProof(blk.Header.Height, i, in, clone); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: input %d unknown proof tag %#x", ErrBadClaimProof, i, in.PubKey[0])
		}
	}

	if err := c.blocks.PutBitField(0, clone); err != nil {
		return nil, fmt.Errorf("persist bitfield: %w", err)
	}
	return before, nil
}

// verifyClaimProof checks that coinbase input i carries a DNSSEC ownership
// proof matching a CLAIM covenant output at the same index, and that the
// proof's embedded signature-inception time does not postdate the previous
// block — a stale proof replayed from an earlier chain state.
func (c *Chain) verifyClaimProof(coinbase *tx.Transaction, i int, in tx.Input, prevTime uint64) error {
	if i >= len(coinbase.Outputs) {
		return fmt.Errorf("%w: input %d has no matching output", ErrBadClaimProof, i)
	}
	out := coinbase.Outputs[i]
	if out.Script.Type != types.ScriptTypeName {
		return fmt.Errorf("%w: input %d output is not a name covenant", ErrBadClaimProof, i)
	}
	cv, err := ParseCovenant(out.Script.Data)
	if err != nil || cv.Type != CovenantClaim {
		return fmt.Errorf("%w: input %d output is not a CLAIM covenant", ErrBadClaimProof, i)
	}
	if len(in.Signature) < dnssecProofMinSize {
		return fmt.Errorf("%w: input %d proof too short (%d bytes)", ErrBadClaimProof, i, len(in.Signature))
	}
	proofTime := binary.BigEndian.Uint64(in.Signature[:8])
	if prevTime > 0 && proofTime > prevTime {
		return fmt.Errorf("%w: input %d proof time %d postdates prev block time %d", ErrBadClaimProof, i, proofTime, prevTime)
	}
	return nil
}

// verifyAirdropProof checks an airdrop proof's key strength and goosig
// status against the chain's hardening/flag-day heights, then spends its
// BitField position in clone — failing if the position was already spent,
// either by an earlier block or by a duplicate input within this one.
func (c *Chain) verifyAirdropProof(height uint64, i int, in tx.Input, clone *BitField) error {
	if len(in.Signature) < airdropProofMinSize {
		if c.covenants != nil && c.covenants.Hardened > 0 && height >= c.covenants.Hardened {
			return fmt.Errorf("%w: input %d (%d bytes) at height %d", ErrWeakAirdropKey, i, len(in.Signature), height)
		}
	}
	if c.goosigStopHeight > 0 && height >= c.goosigStopHeight && isGoosigKey(in.Signature) {
		return fmt.Errorf("%w: input %d at height %d", ErrGoosigAirdropKey, i, height)
	}
	position := in.PrevOut.Index
	if err := clone.Set(position); err != nil {
		return fmt.Errorf("%w: position %d: %v", ErrAirdropAlreadySpent, position, err)
	}
	return nil
}
