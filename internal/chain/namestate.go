package chain

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NameHash derives the 32-byte trie key for a human-readable name.
// Names are case-folded before hashing so "Alpha" and "alpha" collide,
// matching the one-way-function requirement in the data model (§3).
func NameHash(name string) types.Hash {
	return crypto.Hash([]byte(strings.ToLower(name)))
}

// NameStatus is the auction phase a name occupies at a given height.
type NameStatus uint8

const (
	StatusOpening NameStatus = iota
	StatusBidding
	StatusReveal
	StatusClosed
	StatusLocked
)

func (s NameStatus) String() string {
	switch s {
	case StatusOpening:
		return "OPENING"
	case StatusBidding:
		return "BIDDING"
	case StatusReveal:
		return "REVEAL"
	case StatusClosed:
		return "CLOSED"
	case StatusLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// NameState is the per-name record the covenant state machine mutates.
// Null (zero Height and zero Owner with !Registered && !Claimed) means "absent" — the
// name has never been touched.
type NameState struct {
	NameHash   types.Hash
	Height     uint64 // height at which the current auction round started
	Renewal    uint64 // height of the last REGISTER/RENEW
	Renewals   uint32
	Owner      types.Outpoint
	Value      uint64
	Highest    uint64
	Data       []byte
	Transfer   uint64 // height a TRANSFER was initiated (0 = none pending)
	TransferTo types.Outpoint
	Revoked    uint64 // height of REVOKE (0 = not revoked)
	Claimed    bool
	Registered bool
	Weak       bool
}

// IsNull reports whether the name has never been touched.
func (ns *NameState) IsNull() bool {
	return ns == nil || (ns.Height == 0 && !ns.Claimed && !ns.Registered && ns.Owner.IsZero())
}

// Status computes the auction-phase status at the given height using the
// protocol's window constants.
func (ns *NameState) Status(height uint64, p NameWindows) NameStatus {
	if ns.IsNull() {
		return StatusOpening
	}
	if ns.Revoked != 0 {
		return StatusClosed
	}
	age := uint64(0)
	if height > ns.Height {
		age = height - ns.Height
	}
	switch {
	case ns.Registered:
		return StatusClosed
	case age < p.BiddingWindow:
		return StatusBidding
	case age < p.BiddingWindow+p.RevealWindow:
		return StatusReveal
	default:
		return StatusClosed
	}
}

// NameWindows holds the protocol-level auction timing constants.
// NewCovenantEngine always fills it from DefaultNameWindows; no config
// field overrides these values.
type NameWindows struct {
	BiddingWindow   uint64
	RevealWindow    uint64
	TransferLockup  uint64
	RenewalInterval uint64 // == TreeInterval by convention
}

// DefaultNameWindows mirrors the teacher's style of providing sane testnet-ish
// defaults (see config.DefaultMainnet) for a protocol parameter group.
func DefaultNameWindows() NameWindows {
	return NameWindows{
		BiddingWindow:   288, // ~1 day at 5 min blocks-equivalent spacing
		RevealWindow:    288,
		TransferLockup:  288,
		RenewalInterval: TreeInterval,
	}
}

// Encode serializes a NameState to the fixed binary layout stored as trie
// leaf values and in the name-undo journal.
func (ns *NameState) Encode() []byte {
	buf := make([]byte, 0, 128+len(ns.Data))
	buf = append(buf, ns.NameHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Height)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Renewal)
	buf = binary.LittleEndian.AppendUint32(buf, ns.Renewals)
	buf = append(buf, ns.Owner.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, ns.Owner.Index)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Value)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Highest)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Transfer)
	buf = append(buf, ns.TransferTo.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, ns.TransferTo.Index)
	buf = binary.LittleEndian.AppendUint64(buf, ns.Revoked)
	flags := byte(0)
	if ns.Claimed {
		flags |= 1
	}
	if ns.Registered {
		flags |= 2
	}
	if ns.Weak {
		flags |= 4
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ns.Data)))
	buf = append(buf, ns.Data...)
	return buf
}

// DecodeNameState parses the Encode() layout.
func DecodeNameState(data []byte) (*NameState, error) {
	const fixed = 32 + 8 + 8 + 4 + 36 + 8 + 8 + 8 + 36 + 8 + 1 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("chain: truncated name state (%d bytes)", len(data))
	}
	ns := &NameState{}
	off := 0
	copy(ns.NameHash[:], data[off:off+32])
	off += 32
	ns.Height = binary.LittleEndian.Uint64(data[off:])
	off += 8
	ns.Renewal = binary.LittleEndian.Uint64(data[off:])
	off += 8
	ns.Renewals = binary.LittleEndian.Uint32(data[off:])
	off += 4
	copy(ns.Owner.TxID[:], data[off:off+32])
	off += 32
	ns.Owner.Index = binary.LittleEndian.Uint32(data[off:])
	off += 4
	ns.Value = binary.LittleEndian.Uint64(data[off:])
	off += 8
	ns.Highest = binary.LittleEndian.Uint64(data[off:])
	off += 8
	ns.Transfer = binary.LittleEndian.Uint64(data[off:])
	off += 8
	copy(ns.TransferTo.TxID[:], data[off:off+32])
	off += 32
	ns.TransferTo.Index = binary.LittleEndian.Uint32(data[off:])
	off += 4
	ns.Revoked = binary.LittleEndian.Uint64(data[off:])
	off += 8
	flags := data[off]
	off++
	ns.Claimed = flags&1 != 0
	ns.Registered = flags&2 != 0
	ns.Weak = flags&4 != 0
	dataLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if uint32(len(data)-off) < dataLen {
		return nil, fmt.Errorf("chain: truncated name state data field")
	}
	ns.Data = append([]byte(nil), data[off:off+int(dataLen)]...)
	return ns, nil
}
