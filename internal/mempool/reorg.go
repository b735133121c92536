package mempool

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// OnConnect takes the transactions of a block connected to the active tip.
// It removes them from the pool and resolves any orphans that were waiting
// on one of their outputs.
//
// This method, together with OnDisconnect and HandleReorg, gives the pool
// typed subscriber methods for chain events. Nothing in the chain or the
// node calls them: the node reaches the pool through the chain's
// RevertedTxHandler, which it wires to ReinsertReverted.
func (p *Pool) OnConnect(transactions []*tx.Transaction) {
	p.RemoveConfirmed(transactions)

	if p.orphans == nil {
		return
	}
	for _, t := range transactions {
		txHash := t.Hash()
		for i := range t.Outputs {
			out := types.Outpoint{TxID: txHash, Index: uint32(i)}
			ready := p.orphans.resolve(out)
			for _, candidate := range ready {
				p.Add(candidate) //nolint:errcheck // best-effort re-validation
			}
		}
	}
}

// OnDisconnect takes the transactions of a block removed from the active
// chain. Its non-coinbase transactions are re-offered to the pool so their
// fees aren't lost if they're still valid against the new tip; any that
// fail validation are dropped, except those with an input the UTXO
// provider cannot resolve (such as one already spent on the new branch),
// which are kept as orphans.
func (p *Pool) OnDisconnect(transactions []*tx.Transaction) {
	if len(transactions) <= 1 {
		return
	}
	p.ReinsertReverted(transactions[1:]) // index 0 is the block's coinbase.
}

// ReinsertReverted re-offers already-coinbase-filtered transactions to the
// pool, capturing any that are missing an input as orphans rather than
// dropping them outright. Used directly by callers (such as the node's
// reverted-branch reconciliation) that have already excluded coinbase
// transactions and deduplicated against the winning branch, and by
// OnDisconnect for the common per-block case.
func (p *Pool) ReinsertReverted(transactions []*tx.Transaction) {
	for _, t := range transactions {
		if _, err := p.Add(t); err != nil {
			if p.orphans != nil {
				if missing := p.missingInputs(t); len(missing) > 0 {
					p.orphans.add(t, missing)
				}
			}
		}
	}
}

// HandleReorg replays a reorg against the pool: the disconnected branch's
// transactions are re-offered (in reverse connection order, tip-first, so
// spend-before-create dependencies resolve the same way they would during
// a live disconnect), then the connected branch's transactions are
// removed. It also clears the reject filter since a rejection recorded
// against the old branch may no longer apply to the new one.
func (p *Pool) HandleReorg(disconnected, connected [][]*tx.Transaction) {
	if p.rejects != nil {
		p.rejects.Reset()
	}
	for i := len(disconnected) - 1; i >= 0; i-- {
		p.OnDisconnect(disconnected[i])
	}
	for _, block := range connected {
		p.OnConnect(block)
	}
}

// missingInputs returns the outpoints transaction spends that the pool's
// UTXO provider cannot currently resolve.
func (p *Pool) missingInputs(transaction *tx.Transaction) []types.Outpoint {
	var missing []types.Outpoint
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if !p.utxos.HasUTXO(in.PrevOut) {
			missing = append(missing, in.PrevOut)
		}
	}
	return missing
}
