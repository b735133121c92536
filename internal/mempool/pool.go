// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/token"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrDuplicateClaim    = errors.New("a CLAIM for this name is already pending")
	ErrDuplicateAirdrop  = errors.New("this airdrop position is already pending")
)

// entryKind distinguishes a plain spend from a pending coinbase proof
// carrier staged in the mempool ahead of being picked up by a miner and
// folded into the next block's coinbase (see internal/chain/claim.go).
type entryKind int

const (
	kindTx entryKind = iota
	kindClaim
	kindAirdrop
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	size    int     // SigningBytes length, the same unit feeRate is computed over.
	feeRate float64 // fee per byte of SigningBytes.

	kind     entryKind
	nameHash types.Hash // set when kind == kindClaim
	position uint32     // set when kind == kindAirdrop

	// Descendant aggregates: the sum of fee/size across every pool entry
	// that (transitively) spends this entry's outputs. Maintained on
	// insert/remove so eviction can compare whole packages instead of a
	// single transaction's own fee rate — evicting a low-fee parent whose
	// child pays a high fee would otherwise throw away the child for free.
	descFee  uint64
	descSize int
}

// effectiveFeeRate folds descendant fee/size into this entry's own rate,
// so a low-fee transaction with a fee-paying descendant looks as
// attractive to keep as the descendant itself.
func (e *entry) effectiveFeeRate() float64 {
	size := e.size + e.descSize
	if size <= 0 {
		return e.feeRate
	}
	return float64(e.fee+e.descFee) / float64(size)
}

// classifyEntry inspects a transaction's shape to decide whether it's a
// plain spend or a staged CLAIM/airdrop proof — a single-input transaction
// whose lone input carries one of claim.go's proof tags, mirroring the
// coinbase input shape those proofs take once a miner folds them in.
// Claims are keyed by the NameHash of their matching ScriptTypeName/CLAIM
// output at index 0; airdrops are keyed by the input's claimed position.
func classifyEntry(transaction *tx.Transaction) (entryKind, types.Hash, uint32, error) {
	if len(transaction.Inputs) != 1 || len(transaction.Inputs[0].PubKey) != 1 {
		return kindTx, types.Hash{}, 0, nil
	}
	in := transaction.Inputs[0]
	switch in.PubKey[0] {
	case chain.ClaimProofTag:
		if len(transaction.Outputs) == 0 || transaction.Outputs[0].Script.Type != types.ScriptTypeName {
			return kindTx, types.Hash{}, 0, fmt.Errorf("%w: claim entry missing name covenant output", ErrValidation)
		}
		cv, err := chain.ParseCovenant(transaction.Outputs[0].Script.Data)
		if err != nil || cv.Type != chain.CovenantClaim {
			return kindTx, types.Hash{}, 0, fmt.Errorf("%w: claim entry output is not a CLAIM covenant", ErrValidation)
		}
		return kindClaim, cv.NameHash, 0, nil
	case chain.AirdropProofTag:
		return kindAirdrop, types.Hash{}, in.PrevOut.Index, nil
	default:
		return kindTx, types.Hash{}, 0, nil
	}
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry         // txHash -> entry
	spends  map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos   tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).

	// Token validation.
	tokenInputs token.InputTokens // For token conservation checks (nil = disabled).
	mintFee     uint64            // Minimum fee for mint transactions (0 = no extra requirement).

	// Stake validation.
	stakeAmount uint64 // Exact amount required for stake outputs (0 = disabled).

	// Reorg-aware bookkeeping (see orphan.go, reject.go, reorg.go).
	orphans *orphanPool
	rejects *rejectFilter

	// Claim/airdrop uniqueness indices (see entry.kind).
	claimsByName       map[types.Hash]types.Hash
	airdropsByPosition map[uint32]types.Hash
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:                make(map[types.Hash]*entry),
		spends:             make(map[types.Outpoint]types.Hash),
		maxSize:            maxSize,
		utxos:              utxos,
		orphans:            newOrphanPool(maxSize / 5),
		rejects:            newRejectFilter(maxSize * 2),
		claimsByName:       make(map[types.Hash]types.Hash),
		airdropsByPosition: make(map[uint32]types.Hash),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetTokenValidator enables token validation in the mempool.
func (p *Pool) SetTokenValidator(inputs token.InputTokens) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenInputs = inputs
}

// SetMintFee sets the minimum fee required for mint transactions.
func (p *Pool) SetMintFee(fee uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mintFee = fee
}

// SetStakeAmount sets the exact amount required for stake outputs.
// Transactions with ScriptTypeStake outputs whose value != stakeAmount are rejected.
func (p *Pool) SetStakeAmount(amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stakeAmount = amount
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Short-circuit on a transaction we've already rejected, without
	// re-running full validation. The Bloom filter has no false negatives;
	// a false positive rejects a transaction that was never rejected before.
	if p.rejects != nil && p.rejects.Contains(txHash) {
		return 0, fmt.Errorf("%w: previously rejected", ErrValidation)
	}

	// Claim/airdrop proof carriers don't reference a real UTXO to spend —
	// they're staged for a miner to fold into the next coinbase (see
	// internal/chain/claim.go) — so they skip the spend-conflict, orphan,
	// maturity, and UTXO-validation checks below entirely and go straight
	// to their own uniqueness indices.
	kind, nameHash, position, err := classifyEntry(transaction)
	if err != nil {
		if p.rejects != nil {
			p.rejects.Add(txHash)
		}
		return 0, err
	}
	if kind != kindTx {
		return p.addProofEntry(transaction, txHash, kind, nameHash, position)
	}

	// Check for double-spend conflicts.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	// Inputs referencing outpoints the pool can't currently resolve go to
	// the orphan pool instead of being rejected outright — they're retried
	// once the missing parent is confirmed (see OnConnect).
	if p.orphans != nil {
		if missing := p.missingInputs(transaction); len(missing) > 0 {
			p.orphans.add(transaction, missing)
			return 0, fmt.Errorf("%w: transaction has %d unresolved input(s)", ErrValidation, len(missing))
		}
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
			if uErr == nil && u.LockedUntil > 0 && currentHeight < u.LockedUntil {
				return 0, fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, currentHeight)
			}
		}
	}

	// UTXO-aware validation.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		if p.rejects != nil {
			p.rejects.Add(txHash)
		}
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Token validation.
	if p.tokenInputs != nil {
		if err := token.ValidateTokens(transaction, p.tokenInputs); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// Mint fee: require higher fee for transactions that create tokens.
	if p.mintFee > 0 && fee < p.mintFee {
		if token.HasMintOutput(transaction) {
			return 0, fmt.Errorf("%w: mint tx needs %d, got %d", ErrFeeTooLow, p.mintFee, fee)
		}
	}

	// Stake amount: enforce exact value on ScriptTypeStake outputs.
	if p.stakeAmount > 0 {
		for _, out := range transaction.Outputs {
			if out.Script.Type == types.ScriptTypeStake && out.Value != p.stakeAmount {
				return 0, fmt.Errorf("%w: stake output must be exactly %d, got %d", ErrValidation, p.stakeAmount, out.Value)
			}
		}
	}

	// Compute fee rate for minimum check and eviction comparison.
	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	// Enforce minimum fee rate (fee per byte of SigningBytes).
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes × %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		size:    sigBytes,
		feeRate: feeRate,
		kind:    kindTx,
	}

	// Add to pool and conflict index.
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	p.addDescendant(e, make(map[types.Hash]bool))

	return fee, nil
}

// addProofEntry stages a classified CLAIM/airdrop proof carrier, enforcing
// that at most one pending entry exists per name/position at a time — a
// flood of duplicate claims for the same name would otherwise let an
// attacker crowd out the legitimate one from a miner's selection.
func (p *Pool) addProofEntry(transaction *tx.Transaction, txHash types.Hash, kind entryKind, nameHash types.Hash, position uint32) (uint64, error) {
	switch kind {
	case kindClaim:
		if existing, exists := p.claimsByName[nameHash]; exists {
			return 0, fmt.Errorf("%w: name already claimed by %s", ErrDuplicateClaim, existing)
		}
	case kindAirdrop:
		if existing, exists := p.airdropsByPosition[position]; exists {
			return 0, fmt.Errorf("%w: position already claimed by %s", ErrDuplicateAirdrop, existing)
		}
	}

	e := &entry{
		tx:       transaction,
		txHash:   txHash,
		size:     len(transaction.SigningBytes()),
		kind:     kind,
		nameHash: nameHash,
		position: position,
	}
	p.txs[txHash] = e
	if kind == kindClaim {
		p.claimsByName[nameHash] = txHash
	} else {
		p.airdropsByPosition[position] = txHash
	}
	return 0, nil
}

// addDescendant walks up e's ancestor chain (pool entries whose outputs e
// spends), crediting e's fee/size into each ancestor's descendant
// aggregate. visited guards against double-crediting an ancestor reachable
// through more than one path.
func (p *Pool) addDescendant(e *entry, visited map[types.Hash]bool) {
	for _, in := range e.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		p.creditDescendant(in.PrevOut.TxID, int64(e.fee), e.size, visited)
	}
}

func (p *Pool) creditDescendant(ancestorHash types.Hash, feeDelta int64, sizeDelta int, visited map[types.Hash]bool) {
	if visited[ancestorHash] {
		return
	}
	visited[ancestorHash] = true
	ancestor, ok := p.txs[ancestorHash]
	if !ok {
		return
	}
	ancestor.descFee = uint64(int64(ancestor.descFee) + feeDelta)
	ancestor.descSize += sizeDelta
	for _, in := range ancestor.tx.Inputs {
		if !in.PrevOut.IsZero() {
			p.creditDescendant(in.PrevOut.TxID, feeDelta, sizeDelta, visited)
		}
	}
}

// removeDescendant is addDescendant's inverse, called when e leaves the
// pool so its ancestors' aggregates don't keep counting a fee that's gone.
func (p *Pool) removeDescendant(e *entry) {
	visited := make(map[types.Hash]bool)
	for _, in := range e.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		p.creditDescendant(in.PrevOut.TxID, -int64(e.fee), -e.size, visited)
	}
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	if e.kind != kindTx {
		if e.kind == kindClaim {
			delete(p.claimsByName, e.nameHash)
		} else {
			delete(p.airdropsByPosition, e.position)
		}
		delete(p.txs, txHash)
		return
	}
	p.removeDescendant(e)
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit. Pending CLAIM/airdrop proofs are excluded — they
// aren't ordinary transactions a block includes directly, a miner folds
// them into the coinbase separately via PendingProofs.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		if e.kind != kindTx {
			continue
		}
		entries = append(entries, e)
	}

	// Sort by fee rate descending.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate > entries[j].feeRate
	})

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}

// PendingClaim is a staged CLAIM proof ready for a miner to fold into the
// next block's coinbase as an extra input (see internal/chain/claim.go).
type PendingClaim struct {
	TxHash   types.Hash
	NameHash types.Hash
	Input    tx.Input
}

// PendingAirdrop is a staged airdrop proof ready for the same treatment.
type PendingAirdrop struct {
	TxHash   types.Hash
	Position uint32
	Input    tx.Input
}

// PendingProofs returns every staged CLAIM and airdrop proof currently in
// the pool, for a miner to embed as extra coinbase inputs.
func (p *Pool) PendingProofs() ([]PendingClaim, []PendingAirdrop) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var claims []PendingClaim
	var airdrops []PendingAirdrop
	for h, e := range p.txs {
		switch e.kind {
		case kindClaim:
			claims = append(claims, PendingClaim{TxHash: h, NameHash: e.nameHash, Input: e.tx.Inputs[0]})
		case kindAirdrop:
			airdrops = append(airdrops, PendingAirdrop{TxHash: h, Position: e.position, Input: e.tx.Inputs[0]})
		}
	}
	return claims, airdrops
}
