package chain

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// State holds the current chain tip state.
type State struct {
	Height               uint64
	TipHash              types.Hash
	Supply               uint64 // Total coins in circulation (genesis alloc + cumulative rewards).
	CumulativeDifficulty uint64 // Sum of all block difficulties (for PoW fork choice).
	TipTimestamp         uint64 // Timestamp of the current tip block.
	ChainWork            Work   // Cumulative chainwork, fixed 256-bit accumulator (fork-choice tiebreaker alongside CumulativeDifficulty).
	TreeRoot             types.Hash // Name-state trie root committed as of the last tree interval.
	Coin                 uint64     // Live UTXO count, migration-backed (see Chain.migrateCounters).
	Value                uint64     // Sum of live UTXO values, migration-backed.
	Burned               uint64     // Cumulative value of ScriptTypeBurn outputs, migration-backed.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
