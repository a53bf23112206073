package trie

import (
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"gridmarket/storage"
)

func TestTrieOverlayReadback(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := ethcrypto.Keccak256([]byte("offer:1"))
	require.NoError(t, tr.Update(key, []byte("payload")))

	val, err := tr.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), val)

	// Uncommitted writes must not reach the backing store.
	_, err = db.Get(key)
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestTrieCommitPersists(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := ethcrypto.Keccak256([]byte("offer:2"))
	require.NoError(t, tr.Update(key, []byte("persisted")))

	root, err := tr.Commit()
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, root)
	require.Equal(t, root, tr.Root())

	reopened, err := NewTrie(db, root[:])
	require.NoError(t, err)
	val, err := reopened.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), val)
}

func TestTrieCopyIsolation(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := ethcrypto.Keccak256([]byte("offer:3"))
	require.NoError(t, tr.Update(key, []byte("original")))

	cp, err := tr.Copy()
	require.NoError(t, err)
	require.NoError(t, cp.Update(key, []byte("speculative")))

	val, err := tr.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), val)

	require.NoError(t, cp.Reset())
	missing, err := cp.Get(key)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTrieHashDeterministic(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	a, err := NewTrie(db, nil)
	require.NoError(t, err)
	b, err := NewTrie(db, nil)
	require.NoError(t, err)

	k1 := ethcrypto.Keccak256([]byte("k1"))
	k2 := ethcrypto.Keccak256([]byte("k2"))

	require.NoError(t, a.Update(k1, []byte("v1")))
	require.NoError(t, a.Update(k2, []byte("v2")))
	require.NoError(t, b.Update(k2, []byte("v2")))
	require.NoError(t, b.Update(k1, []byte("v1")))

	require.Equal(t, a.Hash(), b.Hash())
}

// The root must commit to the trie contents, not to the write history: two
// ledgers holding identical key-value pairs agree on the root even when one
// of them reached that content through extra intermediate commits.
func TestTrieRootCommitsToContent(t *testing.T) {
	k1 := ethcrypto.Keccak256([]byte("offer:a"))
	k2 := ethcrypto.Keccak256([]byte("offer:b"))

	dbA := storage.NewMemDB()
	defer dbA.Close()
	a, err := NewTrie(dbA, nil)
	require.NoError(t, err)
	require.NoError(t, a.Update(k1, []byte("final-1")))
	require.NoError(t, a.Update(k2, []byte("final-2")))
	rootA, err := a.Commit()
	require.NoError(t, err)

	dbB := storage.NewMemDB()
	defer dbB.Close()
	b, err := NewTrie(dbB, nil)
	require.NoError(t, err)
	require.NoError(t, b.Update(k2, []byte("draft")))
	_, err = b.Commit()
	require.NoError(t, err)
	require.NoError(t, b.Update(k2, []byte("final-2")))
	require.NoError(t, b.Update(k1, []byte("final-1")))
	rootB, err := b.Commit()
	require.NoError(t, err)

	require.Equal(t, rootA, rootB)
}

func TestTrieDeleteRestoresRoot(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	k1 := ethcrypto.Keccak256([]byte("bid:1"))
	k2 := ethcrypto.Keccak256([]byte("bid:2"))
	require.NoError(t, tr.Update(k1, []byte("keep")))
	before, err := tr.Commit()
	require.NoError(t, err)

	require.NoError(t, tr.Update(k2, []byte("transient")))
	_, err = tr.Commit()
	require.NoError(t, err)

	// Writing an empty value deletes the key and the root returns to the
	// commitment over the remaining content.
	require.NoError(t, tr.Update(k2, nil))
	after, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// Opening the ledger at a root the backing store does not hold must fail
// loudly instead of presenting an empty state.
func TestTrieUnknownRootIsAnError(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	bogus := ethcrypto.Keccak256([]byte("never committed"))
	_, err := NewTrie(db, bogus)
	require.Error(t, err)
	require.False(t, errors.Is(err, storage.ErrKeyNotFound))
}
