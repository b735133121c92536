package chain

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// retargetEntry is the ancestor view difficulty retargeting needs.
type retargetEntry interface {
	Height() uint64
	Timestamp() uint64
	Difficulty() uint64
	PrevHash() types.Hash
}

// RetargetParams are the protocol constants governing the chainwork-based
// difficulty adjustment, generalizing consensus.PoW's simpler clamp retarget
// (kept for sub-chains, see internal/consensus/pow.go) to the median-of-three
// "suitable ancestor" scheme.
type RetargetParams struct {
	TargetTimespan uint64 // desired seconds between two retarget points
	Interval       uint64 // blocks between retargets
	MaxAdjustUp    uint64 // numerator cap, e.g. 4 means timespan can't shrink more than 4x
	MaxAdjustDown  uint64 // denominator cap, e.g. 4 means timespan can't grow more than 4x
}

// suitable picks the median-timestamp block of three candidates, matching
// the "median of three" ancestor selection that makes the retarget resistant
// to a single manipulated timestamp.
func suitable(a, b, c retargetEntry) retargetEntry {
	if a.Timestamp() > b.Timestamp() {
		a, b = b, a
	}
	if b.Timestamp() > c.Timestamp() {
		b, c = c, b
	}
	if a.Timestamp() > b.Timestamp() {
		a, b = b, a
	}
	return b
}

// GetTarget computes the next block's difficulty from chain history by
// scaling the difficulty of the window's suitable end block by
// expected/actual timespan, with the actual timespan clamped to
// [expected/MaxAdjustUp, expected*MaxAdjustDown]. It works on the uint64
// difficulty alone; cumulative chainwork does not enter the calculation.
// tip is the current
// chain tip (the last block of the outgoing retarget window); lookup
// resolves ancestors by hash.
func GetTarget(tip retargetEntry, p RetargetParams, lookup func(types.Hash) (retargetEntry, bool)) uint64 {
	if tip.Height()+1 < p.Interval {
		return tip.Difficulty()
	}
	if (tip.Height()+1)%p.Interval != 0 {
		return tip.Difficulty()
	}

	// Suitable-ancestor triples at the end and start of the outgoing window,
	// each built from three consecutive blocks to dampen single-timestamp
	// manipulation.
	endC := tip
	endB, ok := lookup(endC.PrevHash())
	if !ok {
		return tip.Difficulty()
	}
	endA, ok := lookup(endB.PrevHash())
	if !ok {
		return tip.Difficulty()
	}
	end := suitable(endA, endB, endC)

	startHeight := tip.Height() + 1 - p.Interval
	startEntry, ok := ancestorAt(tip, startHeight+1, lookup)
	if !ok {
		return tip.Difficulty()
	}
	startB, ok := lookup(startEntry.PrevHash())
	if !ok {
		return tip.Difficulty()
	}
	startA, ok := lookup(startB.PrevHash())
	if !ok {
		return tip.Difficulty()
	}
	start := suitable(startA, startB, startEntry)

	actualTimespan := int64(end.Timestamp()) - int64(start.Timestamp())
	expected := int64(p.TargetTimespan)

	minSpan := expected / int64(maxUint64OrOne(p.MaxAdjustUp))
	maxSpan := expected * int64(maxUint64OrOne(p.MaxAdjustDown))
	if actualTimespan < minSpan {
		actualTimespan = minSpan
	}
	if actualTimespan > maxSpan {
		actualTimespan = maxSpan
	}
	if actualTimespan <= 0 {
		actualTimespan = 1
	}

	// difficulty scales directly with (expected / actual): chain slowed down
	// (actual > expected) => difficulty decreases, and vice versa.
	oldDiff := end.Difficulty()
	newDiff := uint64(int64(oldDiff) * expected / actualTimespan)
	if newDiff == 0 {
		newDiff = 1
	}
	return newDiff
}

func maxUint64OrOne(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

// ancestorAt walks back from tip to the given height by following PrevHash.
func ancestorAt(tip retargetEntry, height uint64, lookup func(types.Hash) (retargetEntry, bool)) (retargetEntry, bool) {
	cur := tip
	for cur.Height() > height {
		prev, ok := lookup(cur.PrevHash())
		if !ok {
			return nil, false
		}
		cur = prev
	}
	return cur, true
}
