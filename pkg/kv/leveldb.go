package kv

import (
	"os"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// LevelDB is a Store backed by a single goleveldb instance, the way the
// teacher's chain package opens its blockchain database: OpenFile first,
// falling back to RecoverFile on a corrupted store, and surfacing a plain
// "could not open or create db" error on an access-denied path.
type LevelDB struct {
	path    string
	storage *leveldb.DB
}

// NewLevelDB returns a Store that has not yet been opened; call Start to
// open the underlying file.
func NewLevelDB(path string) *LevelDB {
	return &LevelDB{path: path}
}

// Start opens the database file, recovering it if goleveldb reports
// corruption.
func (l *LevelDB) Start() error {
	storage, err := leveldb.OpenFile(l.path, nil)
	if _, corrupted := err.(*leveldberrors.ErrCorrupted); corrupted {
		storage, err = leveldb.RecoverFile(l.path, nil)
	}
	if _, accessDenied := err.(*os.PathError); accessDenied {
		return errors.New("kv: could not open or create db")
	}
	if err != nil {
		return errors.Wrap(err, "kv: open")
	}
	l.storage = storage
	return nil
}

// Stop closes the underlying database file.
func (l *LevelDB) Stop() error {
	if l.storage == nil {
		return nil
	}
	return errors.Wrap(l.storage.Close(), "kv: close")
}

// Get implements Store.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.storage.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "kv: get")
	}
	return v, nil
}

// Put implements Store.
func (l *LevelDB) Put(key, value []byte) error {
	return errors.Wrap(l.storage.Put(key, value, nil), "kv: put")
}

// Del implements Store.
func (l *LevelDB) Del(key []byte) error {
	return errors.Wrap(l.storage.Delete(key, nil), "kv: del")
}

// GetMany implements Store, returning a nil slot for every key goleveldb
// reports as not found rather than failing the whole batch.
func (l *LevelDB) GetMany(keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := l.Get(k)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
