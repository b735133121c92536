package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// CovenantType is the opcode carried in a ScriptTypeName output's Data[0].
// It is deliberately distinct from types.ScriptType: a covenant narrows
// what a ScriptTypeName output may become next, it is not a script form.
type CovenantType uint8

const (
	CovenantNone CovenantType = iota
	CovenantClaim
	CovenantOpen
	CovenantBid
	CovenantReveal
	CovenantRedeem
	CovenantRegister
	CovenantUpdate
	CovenantRenew
	CovenantTransfer
	CovenantFinalize
	CovenantRevoke
)

func (c CovenantType) String() string {
	switch c {
	case CovenantNone:
		return "NONE"
	case CovenantClaim:
		return "CLAIM"
	case CovenantOpen:
		return "OPEN"
	case CovenantBid:
		return "BID"
	case CovenantReveal:
		return "REVEAL"
	case CovenantRedeem:
		return "REDEEM"
	case CovenantRegister:
		return "REGISTER"
	case CovenantUpdate:
		return "UPDATE"
	case CovenantRenew:
		return "RENEW"
	case CovenantTransfer:
		return "TRANSFER"
	case CovenantFinalize:
		return "FINALIZE"
	case CovenantRevoke:
		return "REVOKE"
	default:
		return "UNKNOWN"
	}
}

// Covenant is the parsed form of a ScriptTypeName output's data field.
type Covenant struct {
	Type     CovenantType
	NameHash types.Hash
	Name     []byte // present only on OPEN/CLAIM (reveals the plaintext name)
	Height   uint64 // covenant-specific height argument (bid height, transfer height, ...)
	Data     []byte // REGISTER/UPDATE resource record payload
}

// ParseCovenant decodes a ScriptTypeName output's Data field. Layout:
// [opcode(1)][namehash(32)][height(8)][payload...], where payload is the
// plaintext name for CLAIM/OPEN and the resource record for
// REGISTER/UPDATE/RENEW.
func ParseCovenant(data []byte) (*Covenant, error) {
	if len(data) < 1+32+8 {
		return nil, fmt.Errorf("chain: truncated covenant (%d bytes)", len(data))
	}
	cv := &Covenant{Type: CovenantType(data[0])}
	copy(cv.NameHash[:], data[1:33])
	cv.Height = beUint64(data[33:41])
	cv.Data = append([]byte(nil), data[41:]...)
	if cv.Type == CovenantClaim || cv.Type == CovenantOpen {
		cv.Name = cv.Data
		cv.Data = nil
	}
	return cv, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// VulnerableKeyHook lets an operator flag a name's owning key as
// compromised: while it reports true, ApplyCovenant rejects REGISTER,
// UPDATE and TRANSFER on the name, and REVOKE is still accepted.
// Defaults to "never vulnerable" — no name is special-cased unless the
// hook is explicitly wired.
type VulnerableKeyHook func(ns *NameState) bool

var defaultVulnerableKeyHook VulnerableKeyHook = func(*NameState) bool { return false }

// CovenantEngine applies name-state transitions for covenant outputs.
// It holds no storage itself — callers supply the current NameState and
// receive the next one, so the engine composes cleanly with both the
// live trie (fast path) and historical replay (reorg).
type CovenantEngine struct {
	Windows     NameWindows
	Hardened    uint64 // height at which CovenantClaim stops being accepted (ICANN root claim period)
	VulnerableKey VulnerableKeyHook
}

// NewCovenantEngine builds an engine with default windows and no
// vulnerable-key special-casing.
func NewCovenantEngine(hardened uint64) *CovenantEngine {
	return &CovenantEngine{
		Windows:       DefaultNameWindows(),
		Hardened:      hardened,
		VulnerableKey: defaultVulnerableKeyHook,
	}
}

// ApplyCovenant advances a NameState by one covenant output, returning the
// new state. prev may be a null NameState (the name has never been
// touched). owner is the output's outpoint, becoming the name's new owner
// on a successful transition.
func (e *CovenantEngine) ApplyCovenant(prev *NameState, cv *Covenant, owner types.Outpoint, value, height uint64) (*NameState, error) {
	if prev == nil {
		prev = &NameState{NameHash: cv.NameHash}
	}
	status := prev.Status(height, e.Windows)

	switch cv.Type {
	case CovenantClaim:
		if height >= e.Hardened {
			return nil, fmt.Errorf("chain: CLAIM rejected past hardening height %d", e.Hardened)
		}
		if !prev.IsNull() {
			return nil, fmt.Errorf("chain: CLAIM on non-null name")
		}
		next := *prev
		next.Claimed = true
		next.Registered = true
		next.Owner = owner
		next.Height = height
		next.Renewal = height
		next.Data = cv.Data
		return &next, nil

	case CovenantOpen:
		if !prev.IsNull() && status != StatusClosed {
			return nil, fmt.Errorf("chain: OPEN on name in status %s", status)
		}
		next := NameState{NameHash: cv.NameHash, Height: height, Owner: owner}
		return &next, nil

	case CovenantBid:
		if status != StatusBidding {
			return nil, fmt.Errorf("chain: BID outside bidding window (status=%s)", status)
		}
		// No state change beyond uniqueness (enforced by the mempool/block
		// validator, not here) — bid values stay blinded until REVEAL, so
		// Highest/Value only move in the REVEAL case below.
		next := *prev
		return &next, nil

	case CovenantReveal:
		if status != StatusReveal && status != StatusBidding {
			return nil, fmt.Errorf("chain: REVEAL outside reveal window (status=%s)", status)
		}
		next := *prev
		// Second-price rule: a new high bid demotes the old highest down to
		// Value (the price the eventual winner pays); a bid between Value
		// and Highest only raises the price, not the winner.
		if value > next.Highest {
			next.Value = next.Highest
			next.Highest = value
			next.Owner = owner
		} else if value > next.Value {
			next.Value = value
		}
		return &next, nil

	case CovenantRedeem:
		if status != StatusReveal && status != StatusClosed {
			return nil, fmt.Errorf("chain: REDEEM outside reveal/closed window (status=%s)", status)
		}
		return prev, nil // losing bidder reclaims funds; name state unchanged

	case CovenantRegister:
		if status != StatusClosed && status != StatusReveal {
			return nil, fmt.Errorf("chain: REGISTER before auction close (status=%s)", status)
		}
		if e.vulnerable(prev) {
			return nil, fmt.Errorf("chain: REGISTER blocked, owning key flagged vulnerable")
		}
		next := *prev
		next.Registered = true
		next.Owner = owner
		next.Renewal = height
		next.Renewals = 0
		next.Data = cv.Data
		return &next, nil

	case CovenantUpdate:
		if !prev.Registered || prev.Revoked != 0 {
			return nil, fmt.Errorf("chain: UPDATE on unregistered or revoked name")
		}
		if e.vulnerable(prev) {
			return nil, fmt.Errorf("chain: UPDATE blocked, owning key flagged vulnerable")
		}
		next := *prev
		next.Owner = owner
		next.Data = cv.Data
		return &next, nil

	case CovenantRenew:
		if !prev.Registered || prev.Revoked != 0 {
			return nil, fmt.Errorf("chain: RENEW on unregistered or revoked name")
		}
		next := *prev
		next.Owner = owner
		next.Renewal = height
		next.Renewals++
		return &next, nil

	case CovenantTransfer:
		if !prev.Registered || prev.Revoked != 0 {
			return nil, fmt.Errorf("chain: TRANSFER on unregistered or revoked name")
		}
		if e.vulnerable(prev) {
			return nil, fmt.Errorf("chain: TRANSFER blocked, owning key flagged vulnerable, use REVOKE first")
		}
		next := *prev
		next.Owner = owner
		next.Transfer = height
		next.TransferTo = owner
		return &next, nil

	case CovenantFinalize:
		if prev.Transfer == 0 {
			return nil, fmt.Errorf("chain: FINALIZE with no pending TRANSFER")
		}
		if height < prev.Transfer+e.Windows.TransferLockup {
			return nil, fmt.Errorf("chain: FINALIZE before transfer lockup elapses")
		}
		next := *prev
		next.Owner = next.TransferTo
		next.Transfer = 0
		next.TransferTo = types.Outpoint{}
		return &next, nil

	case CovenantRevoke:
		if !prev.Registered {
			return nil, fmt.Errorf("chain: REVOKE on unregistered name")
		}
		next := *prev
		next.Revoked = height
		next.Registered = false
		return &next, nil

	default:
		return nil, fmt.Errorf("chain: unknown covenant type %d", cv.Type)
	}
}

func (e *CovenantEngine) vulnerable(ns *NameState) bool {
	hook := e.VulnerableKey
	if hook == nil {
		hook = defaultVulnerableKeyHook
	}
	return hook(ns)
}
