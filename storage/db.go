package storage

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	ethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound marks a lookup for a key the backend does not hold. Callers
// must treat any other error as a backend fault, never as absence.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store. The market state trie
// can run against any backend implementing it (in-memory or persistent).
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// --- In-Memory DB (for testing) ---

// MemDB is an ephemeral backend over go-ethereum's memory database.
type MemDB struct {
	db     ethdb.Database
	trieDB *triedb.Database
}

func NewMemDB() *MemDB {
	db := rawdb.NewMemoryDatabase()
	return &MemDB{
		db:     db,
		trieDB: triedb.NewDatabase(db, nil),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	return db.db.Put(key, value)
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	ok, err := db.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return db.db.Get(key)
}

// TrieDB exposes the trie node database sharing this backend's storage.
func (db *MemDB) TrieDB() *triedb.Database {
	return db.trieDB
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	_ = db.db.Close()
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store backing production deployments.
type LevelDB struct {
	db     ethdb.Database
	trieDB *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := ethleveldb.New(path, 0, 0, "gridmarket", false)
	if err != nil {
		return nil, err
	}
	db := rawdb.NewDatabase(kv)
	return &LevelDB{
		db:     db,
		trieDB: triedb.NewDatabase(db, nil),
	}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

// TrieDB exposes the trie node database sharing this backend's storage.
func (ldb *LevelDB) TrieDB() *triedb.Database {
	return ldb.trieDB
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	_ = ldb.db.Close()
}
