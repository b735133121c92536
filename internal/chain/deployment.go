package chain

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DeploymentStatus is a versionbits-style soft-fork lifecycle state.
type DeploymentStatus uint8

const (
	DeploymentDefined DeploymentStatus = iota
	DeploymentStarted
	DeploymentLockedIn
	DeploymentActive
	DeploymentFailed
)

func (s DeploymentStatus) String() string {
	switch s {
	case DeploymentDefined:
		return "DEFINED"
	case DeploymentStarted:
		return "STARTED"
	case DeploymentLockedIn:
		return "LOCKED_IN"
	case DeploymentActive:
		return "ACTIVE"
	case DeploymentFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Deployment describes one soft-fork's activation parameters, one per bit.
type Deployment struct {
	Bit        uint8
	StartTime  uint64
	Timeout    uint64
	Window     uint64 // blocks per signaling window
	Threshold  uint64 // votes required within a window to lock in
}

// deploymentEntry is the minimal ancestor view the state walk needs —
// satisfied by replay stand-ins in tests. *block.Header does not satisfy it:
// it exposes these values as fields, not methods.
type deploymentEntry interface {
	Height() uint64
	Timestamp() uint64
	PrevHash() types.Hash
	VersionBits() uint32
}

// ancestorLookup resolves a hash to its entry, mirroring the BlockStore's
// GetBlock-by-hash shape without importing the block package directly.
type ancestorLookup func(hash types.Hash) (deploymentEntry, bool)

// DeploymentTracker memoizes deployment status per (bit, block hash) in an
// LRU cache: StateAt caches every tip it is asked about, and computeChain
// caches the status it resolves for each earlier window. When db is non-nil, the
// same memoization is also persisted under the v/ key-space, so a restarted
// node doesn't have to replay the whole activation history from genesis.
type DeploymentTracker struct {
	cache *lru.Cache[deployCacheKey, DeploymentStatus]
	db    storage.DB
}

type deployCacheKey struct {
	bit  uint8
	hash types.Hash
}

func deployVoteKey(k deployCacheKey) []byte {
	key := make([]byte, len(prefixDeployVote)+1+types.HashSize)
	n := copy(key, prefixDeployVote)
	key[n] = k.bit
	copy(key[n+1:], k.hash[:])
	return key
}

// NewDeploymentTracker builds a tracker with the given memoization size,
// optionally backed by db for cross-restart persistence (pass nil for an
// in-memory-only tracker, e.g. in tests).
func NewDeploymentTracker(size int, db storage.DB) (*DeploymentTracker, error) {
	c, err := lru.New[deployCacheKey, DeploymentStatus](size)
	if err != nil {
		return nil, err
	}
	return &DeploymentTracker{cache: c, db: db}, nil
}

// StateAt computes the deployment status as of the block whose header is
// tipHash, walking window-aligned ancestors and memoizing each window
// boundary's result so a long-lived tracker only computes the tail once.
func (t *DeploymentTracker) StateAt(tipHash types.Hash, d Deployment, lookup ancestorLookup) (DeploymentStatus, error) {
	if _, ok := lookup(tipHash); !ok {
		return DeploymentDefined, fmt.Errorf("chain: deployment lookup miss for %s", tipHash)
	}

	key := deployCacheKey{bit: d.Bit, hash: tipHash}
	if status, ok := t.lookupCached(key); ok {
		return status, nil
	}

	status, err := t.computeChain(tipHash, d, lookup)
	if err != nil {
		return DeploymentDefined, err
	}
	t.store(key, status)
	return status, nil
}

// lookupCached checks the in-memory LRU first, then falls back to the
// persisted store (populating the LRU on a disk hit).
func (t *DeploymentTracker) lookupCached(key deployCacheKey) (DeploymentStatus, bool) {
	if cached, ok := t.cache.Get(key); ok {
		return cached, true
	}
	if t.db == nil {
		return DeploymentDefined, false
	}
	data, err := t.db.Get(deployVoteKey(key))
	if err != nil || len(data) != 1 {
		return DeploymentDefined, false
	}
	status := DeploymentStatus(data[0])
	t.cache.Add(key, status)
	return status, true
}

// store writes a computed status into the LRU and, if configured, storage.
func (t *DeploymentTracker) store(key deployCacheKey, status DeploymentStatus) {
	t.cache.Add(key, status)
	if t.db != nil {
		_ = t.db.Put(deployVoteKey(key), []byte{byte(status)})
	}
}

// computeChain walks from genesis-adjacent state forward one window at a
// time. Real chains keep a persisted per-window status so this only ever
// replays the unmemoized tail; it is written as a plain recursive walk
// for clarity since the cache bounds the work in practice.
func (t *DeploymentTracker) computeChain(tipHash types.Hash, d Deployment, lookup ancestorLookup) (DeploymentStatus, error) {
	entry, ok := lookup(tipHash)
	if !ok {
		return DeploymentDefined, fmt.Errorf("chain: deployment lookup miss for %s", tipHash)
	}

	if entry.Height() < d.Window {
		return DeploymentDefined, nil
	}

	windowStart := entry.Height() - entry.Height()%d.Window
	prevWindowTip, ok := lookup(entry.PrevHash())
	if !ok {
		return DeploymentDefined, nil
	}
	for prevWindowTip.Height() >= windowStart && prevWindowTip.Height() > 0 {
		next, ok := lookup(prevWindowTip.PrevHash())
		if !ok {
			break
		}
		prevWindowTip = next
	}

	prevKey := deployCacheKey{bit: d.Bit, hash: prevWindowTip.PrevHash()}
	prevStatus, cached := t.lookupCached(prevKey)
	if !cached {
		var err error
		prevStatus, err = t.computeChain(prevWindowTip.PrevHash(), d, lookup)
		if err != nil {
			return DeploymentDefined, err
		}
		t.store(prevKey, prevStatus)
	}

	if prevStatus == DeploymentActive || prevStatus == DeploymentFailed {
		return prevStatus, nil
	}

	votes, total := countWindowVotes(tipHash, d, lookup)

	switch prevStatus {
	case DeploymentDefined:
		if entry.Timestamp() >= d.StartTime {
			return DeploymentStarted, nil
		}
		return DeploymentDefined, nil
	case DeploymentStarted:
		if entry.Timestamp() >= d.Timeout {
			return DeploymentFailed, nil
		}
		if total >= d.Window && votes >= d.Threshold {
			return DeploymentLockedIn, nil
		}
		return DeploymentStarted, nil
	case DeploymentLockedIn:
		return DeploymentActive, nil
	default:
		return prevStatus, nil
	}
}

// countWindowVotes counts how many of the window's blocks signal the bit
// via VersionBits, walking back exactly one window from tipHash.
func countWindowVotes(tipHash types.Hash, d Deployment, lookup ancestorLookup) (votes, total uint64) {
	entry, ok := lookup(tipHash)
	if !ok {
		return 0, 0
	}
	mask := uint32(1) << d.Bit
	for i := uint64(0); i < d.Window; i++ {
		if entry.VersionBits()&mask != 0 {
			votes++
		}
		total++
		if entry.Height() == 0 {
			break
		}
		prev, ok := lookup(entry.PrevHash())
		if !ok {
			break
		}
		entry = prev
	}
	return votes, total
}
