package trie

import (
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"

	"gridmarket/storage"
)

// Trie wraps go-ethereum's Merkle-Patricia trie to expose a simplified API for
// the market host while keeping access to the underlying trie database. The
// root is a commitment over the trie contents, so any two tries holding the
// same key-value pairs agree on it regardless of write order.
//
// The wrapper keeps track of the last committed root and recreates the
// underlying trie after each commit so the instance can be reused across
// calls.
//
// The keys passed into Get/Update are expected to be fully hashed (keccak256)
// before insertion.
//
// Trie is not safe for concurrent use.
type Trie struct {
	store  storage.Database
	trieDB *triedb.Database
	trie   *gethtrie.Trie
	root   common.Hash
}

// NewTrie creates a trie backed by the provided storage and optional root. A
// nil or empty root denotes the empty trie.
func NewTrie(store storage.Database, root []byte) (*Trie, error) {
	trieDB := store.TrieDB()
	rootHash := gethtypes.EmptyRootHash
	if len(root) > 0 {
		rootHash = common.BytesToHash(root)
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(rootHash), trieDB)
	if err != nil {
		return nil, err
	}
	return &Trie{
		store:  store,
		trieDB: trieDB,
		trie:   underlying,
		root:   rootHash,
	}, nil
}

// Get retrieves a value from the trie for the provided key. Missing keys yield
// a nil value and no error; a non-nil error means the backing database could
// not resolve the lookup and the caller must not treat the key as absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key. An empty
// value deletes the key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() [32]byte {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() [32]byte {
	return t.root
}

// Reset discards any in-memory changes and reloads the trie at the last
// committed root.
func (t *Trie) Reset() error {
	underlying, err := gethtrie.New(gethtrie.TrieID(t.root), t.trieDB)
	if err != nil {
		return err
	}
	t.trie = underlying
	return nil
}

// Copy creates an independent trie sharing the backing database, which is how
// the node applies a call speculatively and discards it on failure.
func (t *Trie) Copy() (*Trie, error) {
	copied := t.trie.Copy()
	return &Trie{
		store:  t.store,
		trieDB: t.trieDB,
		trie:   copied,
		root:   t.root,
	}, nil
}

// Commit persists the trie changes to the backing database and returns the new
// root hash. After committing the wrapper recreates the underlying trie so it
// can be reused for subsequent calls.
func (t *Trie) Commit() ([32]byte, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return [32]byte{}, err
		}
		if err := t.trieDB.Update(newRoot, t.root, 0, merged, nil); err != nil {
			return [32]byte{}, err
		}
		if err := t.trieDB.Commit(newRoot, false); err != nil {
			return [32]byte{}, err
		}
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(newRoot), t.trieDB)
	if err != nil {
		return [32]byte{}, err
	}
	t.trie = underlying
	t.root = newRoot
	return newRoot, nil
}

// Store exposes the backing storage in case callers need to access it directly.
func (t *Trie) Store() storage.Database {
	return t.store
}
