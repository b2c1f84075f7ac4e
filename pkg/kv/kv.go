// Package kv defines the flat byte-keyed persistence contract the bundler
// core consumes (§4.1/§6.6) and a goleveldb-backed implementation, grounded
// on the teacher's pkg/core/chain database driver (ldb wrapping
// *leveldb.DB, opening with leveldb.OpenFile and recovering with
// leveldb.RecoverFile on corruption).
package kv

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the binary-safe key/value contract of §4.1. Encoding of values
// is the caller's concern (GetJSON/PutJSON below standardize on JSON, which
// round-trips UserOperation's 256-bit integers losslessly via their
// hexutil.Big/hexutil.Bytes wire representation).
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Del(key []byte) error
	// GetMany returns one slot per requested key, in the same order;
	// a missing key yields a nil slot rather than an error.
	GetMany(keys [][]byte) ([][]byte, error)
	Start() error
	Stop() error
}

// GetJSON fetches and JSON-decodes the value at key.
func GetJSON[T any](s Store, key []byte) (T, error) {
	var zero T
	raw, err := s.Get(key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, errors.Wrap(err, "kv: decode")
	}
	return v, nil
}

// PutJSON JSON-encodes value and stores it at key.
func PutJSON(s Store, key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "kv: encode")
	}
	return s.Put(key, raw)
}
