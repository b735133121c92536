package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// fakeDeploymentEntry is a minimal deploymentEntry stand-in so StateAt's
// window walk can be exercised without a real BlockStore.
type fakeDeploymentEntry struct {
	height      uint64
	timestamp   uint64
	prevHash    types.Hash
	versionBits uint32
}

func (e fakeDeploymentEntry) Height() uint64      { return e.height }
func (e fakeDeploymentEntry) Timestamp() uint64   { return e.timestamp }
func (e fakeDeploymentEntry) PrevHash() types.Hash { return e.prevHash }
func (e fakeDeploymentEntry) VersionBits() uint32 { return e.versionBits }

func hashAt(height uint64) types.Hash {
	var h types.Hash
	h[0] = byte(height)
	h[1] = byte(height >> 8)
	return h
}

// buildSignalingChain constructs a 20-block chain (plus genesis) where every
// block after genesis signals the given bit, with Timestamp() == Height().
func buildSignalingChain(bit uint8) (map[types.Hash]deploymentEntry, types.Hash) {
	chain := make(map[types.Hash]deploymentEntry)
	mask := uint32(1) << bit

	genesisHash := hashAt(0)
	chain[genesisHash] = fakeDeploymentEntry{height: 0, timestamp: 0}

	prevHash := genesisHash
	var tip types.Hash
	for h := uint64(1); h <= 20; h++ {
		hash := hashAt(h)
		chain[hash] = fakeDeploymentEntry{
			height:      h,
			timestamp:   h,
			prevHash:    prevHash,
			versionBits: mask,
		}
		prevHash = hash
		tip = hash
	}
	return chain, tip
}

func lookupFrom(chain map[types.Hash]deploymentEntry) ancestorLookup {
	return func(hash types.Hash) (deploymentEntry, bool) {
		e, ok := chain[hash]
		return e, ok
	}
}

func TestDeploymentTracker_FullLifecycle(t *testing.T) {
	chain, _ := buildSignalingChain(0)
	lookup := lookupFrom(chain)

	d := Deployment{Bit: 0, StartTime: 0, Timeout: 1_000_000, Window: 5, Threshold: 5}

	tracker, err := NewDeploymentTracker(64, nil)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}

	cases := []struct {
		height uint64
		want   DeploymentStatus
	}{
		{4, DeploymentDefined},
		{5, DeploymentStarted},
		{9, DeploymentStarted},
		{10, DeploymentLockedIn},
		{14, DeploymentLockedIn},
		{15, DeploymentActive},
		{20, DeploymentActive},
	}

	for _, c := range cases {
		status, err := tracker.StateAt(hashAt(c.height), d, lookup)
		if err != nil {
			t.Fatalf("StateAt(height=%d): %v", c.height, err)
		}
		if status != c.want {
			t.Errorf("StateAt(height=%d) = %s, want %s", c.height, status, c.want)
		}
	}
}

func TestDeploymentTracker_NeverStartsBeforeStartTime(t *testing.T) {
	chain, tip := buildSignalingChain(0)
	lookup := lookupFrom(chain)

	d := Deployment{Bit: 0, StartTime: 1_000_000, Timeout: 2_000_000, Window: 5, Threshold: 5}

	tracker, err := NewDeploymentTracker(64, nil)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}

	status, err := tracker.StateAt(tip, d, lookup)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	if status != DeploymentDefined {
		t.Fatalf("status = %s, want DEFINED when start time never reached", status)
	}
}

func TestDeploymentTracker_InsufficientVotesStaysStarted(t *testing.T) {
	// Only bit 1 signals; the tracker asks about bit 0, which no block sets.
	chain, _ := buildSignalingChain(1)
	lookup := lookupFrom(chain)

	d := Deployment{Bit: 0, StartTime: 0, Timeout: 1_000_000, Window: 5, Threshold: 5}

	tracker, err := NewDeploymentTracker(64, nil)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}

	status, err := tracker.StateAt(hashAt(20), d, lookup)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	if status != DeploymentStarted {
		t.Fatalf("status = %s, want STARTED when no block in the window signals", status)
	}
}

func TestDeploymentTracker_UnknownTipErrors(t *testing.T) {
	chain, _ := buildSignalingChain(0)
	lookup := lookupFrom(chain)
	d := Deployment{Bit: 0, StartTime: 0, Timeout: 100, Window: 5, Threshold: 5}

	tracker, err := NewDeploymentTracker(64, nil)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}

	if _, err := tracker.StateAt(hashAt(999), d, lookup); err == nil {
		t.Fatal("expected error for an unresolvable tip hash")
	}
}

func TestDeploymentTracker_PersistsAcrossTrackers(t *testing.T) {
	chain, _ := buildSignalingChain(0)
	lookup := lookupFrom(chain)
	d := Deployment{Bit: 0, StartTime: 0, Timeout: 1_000_000, Window: 5, Threshold: 5}

	db := storage.NewMemory()

	first, err := NewDeploymentTracker(64, db)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}
	status, err := first.StateAt(hashAt(10), d, lookup)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	if status != DeploymentLockedIn {
		t.Fatalf("status = %s, want LOCKED_IN", status)
	}

	key := deployCacheKey{bit: d.Bit, hash: hashAt(10)}
	raw, err := db.Get(deployVoteKey(key))
	if err != nil {
		t.Fatalf("expected persisted deployment status in storage: %v", err)
	}
	if len(raw) != 1 || DeploymentStatus(raw[0]) != DeploymentLockedIn {
		t.Fatalf("persisted status = %v, want [LOCKED_IN]", raw)
	}

	// A fresh tracker sharing the same db should read the persisted value
	// without needing the original chain to still resolve every ancestor —
	// here it does, but the point is the value comes from storage, not a
	// freshly warmed LRU.
	second, err := NewDeploymentTracker(64, db)
	if err != nil {
		t.Fatalf("NewDeploymentTracker: %v", err)
	}
	status2, err := second.StateAt(hashAt(10), d, lookup)
	if err != nil {
		t.Fatalf("StateAt (second tracker): %v", err)
	}
	if status2 != DeploymentLockedIn {
		t.Fatalf("second tracker status = %s, want LOCKED_IN", status2)
	}
}
