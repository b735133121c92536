package mempool

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// orphanPool holds transactions whose inputs reference outpoints the node
// hasn't seen yet (the parent transaction is still in flight). Entries are
// keyed by the missing outpoint so that once the parent arrives, every
// dependent orphan can be resolved in one map lookup — grounded on Pool's
// own spends map[types.Outpoint]types.Hash conflict-index shape.
type orphanPool struct {
	mu          sync.Mutex
	byMissing   map[types.Outpoint][]types.Hash      // missing outpoint -> orphan tx hashes waiting on it
	byHash      map[types.Hash]*tx.Transaction        // orphan tx hash -> transaction
	missingOf   map[types.Hash][]types.Outpoint       // orphan tx hash -> its missing outpoints
	maxOrphans  int
}

func newOrphanPool(maxOrphans int) *orphanPool {
	if maxOrphans <= 0 {
		maxOrphans = 1000
	}
	return &orphanPool{
		byMissing:  make(map[types.Outpoint][]types.Hash),
		byHash:     make(map[types.Hash]*tx.Transaction),
		missingOf:  make(map[types.Hash][]types.Outpoint),
		maxOrphans: maxOrphans,
	}
}

// add stores an orphan transaction keyed by the outpoints it's missing.
// If the pool is at capacity, one orphan picked by map iteration order
// (not necessarily the oldest) is dropped to make room.
func (o *orphanPool) add(transaction *tx.Transaction, missing []types.Outpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := transaction.Hash()
	if _, exists := o.byHash[h]; exists {
		return
	}
	if len(o.byHash) >= o.maxOrphans {
		for evictHash := range o.byHash {
			o.removeLocked(evictHash)
			break
		}
	}

	o.byHash[h] = transaction
	o.missingOf[h] = missing
	for _, out := range missing {
		o.byMissing[out] = append(o.byMissing[out], h)
	}
}

// resolve returns (and removes) every orphan that was waiting on outpoint,
// for the caller to re-attempt validation now that the parent exists.
func (o *orphanPool) resolve(outpoint types.Outpoint) []*tx.Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()

	waiting := o.byMissing[outpoint]
	delete(o.byMissing, outpoint)
	if len(waiting) == 0 {
		return nil
	}

	var ready []*tx.Transaction
	for _, h := range waiting {
		if t, ok := o.byHash[h]; ok {
			ready = append(ready, t)
			o.removeLocked(h)
		}
	}
	return ready
}

// removeLocked deletes an orphan and its index entries. Caller must hold o.mu.
func (o *orphanPool) removeLocked(h types.Hash) {
	for _, out := range o.missingOf[h] {
		list := o.byMissing[out]
		for i, candidate := range list {
			if candidate == h {
				o.byMissing[out] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(o.byMissing[out]) == 0 {
			delete(o.byMissing, out)
		}
	}
	delete(o.missingOf, h)
	delete(o.byHash, h)
}

// count returns the number of orphans currently held.
func (o *orphanPool) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byHash)
}
