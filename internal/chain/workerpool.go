package chain

import (
	"context"
	"runtime"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
)

// scriptJob is one transaction's worth of signature verification work.
type scriptJob struct {
	index int
	tx    *tx.Transaction
	utxos *chainUTXOProvider
}

type scriptResult struct {
	index int
	fee   uint64
	err   error
}

// verifyScriptsParallel fans out per-transaction UTXO/signature validation
// across a worker pool, mirroring consensus.PoW.SealWithCancel's
// goroutine-fan-out-with-cancel shape: N workers pull from a shared job
// channel, the first hard error cancels the remaining work, and results
// are collected back in original order.
//
// This is the only region of the package that runs verification work
// concurrently — everything else (ProcessBlock, Reorg) stays single
// threaded behind Chain.mu, per the package's concurrency model.
func verifyScriptsParallel(ctx context.Context, txs []*tx.Transaction, utxos *chainUTXOProvider, workers int) ([]uint64, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(txs) {
		workers = len(txs)
	}
	if workers <= 1 {
		return verifyScriptsSequential(txs, utxos)
	}

	jobs := make(chan scriptJob, len(txs))
	results := make(chan scriptResult, len(txs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-ctx.Done():
					results <- scriptResult{index: job.index, err: ctx.Err()}
					continue
				default:
				}
				fee, err := job.tx.ValidateWithUTXOs(job.utxos)
				if err != nil {
					cancel()
				}
				results <- scriptResult{index: job.index, fee: fee, err: err}
			}
		}()
	}

	for i, transaction := range txs {
		if i == 0 {
			continue // coinbase validated separately by the caller
		}
		jobs <- scriptJob{index: i, tx: transaction, utxos: utxos}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	fees := make([]uint64, len(txs))
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		fees[r.index] = r.fee
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return fees, nil
}

// verifyScriptsSequential is the single-threaded fallback, used for small
// blocks where pool setup would cost more than it saves.
func verifyScriptsSequential(txs []*tx.Transaction, utxos *chainUTXOProvider) ([]uint64, error) {
	fees := make([]uint64, len(txs))
	for i, transaction := range txs {
		if i == 0 {
			continue
		}
		fee, err := transaction.ValidateWithUTXOs(utxos)
		if err != nil {
			return nil, err
		}
		fees[i] = fee
	}
	return fees, nil
}
