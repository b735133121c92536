package trie

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// dbStore adapts a storage.DB (conventionally a PrefixDB scoped to "g/")
// to the trie.Store interface, content-addressing nodes by their hash.
type dbStore struct {
	db storage.DB
}

// NewDBStore returns a Store backed by db. Callers should pass a
// storage.NewPrefixDB(db, []byte("g/")) so trie nodes live in their own
// key-space, separate from blocks, UTXOs, and name-state records.
func NewDBStore(db storage.DB) Store {
	return &dbStore{db: db}
}

func (s *dbStore) GetNode(hash types.Hash) ([]byte, bool, error) {
	data, err := s.db.Get(hash[:])
	if err != nil {
		return nil, false, nil
	}
	return data, true, nil
}

func (s *dbStore) PutNode(hash types.Hash, data []byte) error {
	if err := s.db.Put(hash[:], data); err != nil {
		return fmt.Errorf("trie: put node: %w", err)
	}
	return nil
}
