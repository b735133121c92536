package mempool

import "sort"

// Evict removes the lowest fee-rate transactions until the pool is at or below maxSize.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs) <= p.maxSize {
		return 0
	}

	// Collect entries and sort by effective fee rate ascending (lowest
	// first) — a low-fee tx with a high-fee descendant is worth more to
	// the pool than its own feeRate suggests, so descFee/descSize must
	// factor in before a transaction is picked for eviction.
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].effectiveFeeRate() < entries[j].effectiveFeeRate()
	})

	evicted := 0
	for len(p.txs) > p.maxSize && evicted < len(entries) {
		p.removeLocked(entries[evicted].txHash)
		evicted++
	}
	return evicted
}

// evictionBuffer returns maxSize less a 10% headroom (at least one entry):
// the size past which MaybeEvict calls Evict(). Neither Add nor Evict keeps
// this headroom clear.
func (p *Pool) evictionBuffer() int {
	buf := p.maxSize / 10
	if buf < 1 {
		buf = 1
	}
	return p.maxSize - buf
}

// MaybeEvict runs Evict() once the pool has grown past its 10%-buffer
// threshold. Evict only removes entries while the pool holds more than
// maxSize, so between the threshold and maxSize this call removes nothing
// and the pool is not trimmed down to the threshold. Callers (the node's
// tx-accept path) call this after every successful Add.
func (p *Pool) MaybeEvict() int {
	p.mu.RLock()
	size := len(p.txs)
	p.mu.RUnlock()
	if size <= p.evictionBuffer() {
		return 0
	}
	return p.Evict()
}
