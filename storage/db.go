// Package storage is the engine's persistence boundary: a badger KV store
// holding concurrency flags, resolved wallets and the notification outbox.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by GetKey and Move for missing keys.
var ErrNotFound = badger.ErrKeyNotFound

type Config struct {
	Path string
}

type Sequence interface {
	Next() (uint64, error)
	Release() error
}

type Storage interface {
	Close() error

	GetSequence(prefix []byte, inflightItem uint64) (Sequence, error)

	Exist(key []byte) (bool, error)
	GetKey(key []byte) ([]byte, error)
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)
	FirstKVHasPrefix(prefix []byte) ([]byte, []byte, error)
	ListKeys(prefix string) ([]string, error)

	Set(key, value []byte) error
	Delete(key []byte) error
	Move(src, dest []byte) error

	// SetIfAbsent writes value only when key does not exist. It reports
	// whether this call created the key; losing a concurrent race is (false, nil).
	SetIfAbsent(key, value []byte) (bool, error)
	// ReplaceIf swaps the value of key from expected to value in one
	// transaction. A nil value deletes the key. It reports whether the swap happened.
	ReplaceIf(key, expected, value []byte) (bool, error)

	DbPath() string

	Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error)
	Load(ctx context.Context, r io.Reader) error
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
	seqs   []*badger.Sequence
}

func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path).
		WithSyncWrites(true).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStorage{
		config: c,
		db:     db,
		seqs:   make([]*badger.Sequence, 0),
	}, nil
}

func (s *BadgerStorage) Close() error {
	for _, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			return err
		}
	}
	return s.db.Close()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStorage) SetIfAbsent(key, value []byte) (bool, error) {
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(key, value)
	})

	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *BadgerStorage) ReplaceIf(key, expected, value []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return nil
		}

		swapped = true
		if value == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, value)
	})

	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// GetByPrefix returns every key/value pair whose key starts with prefix.
func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 30
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, &KeyValueItem{Key: item.KeyCopy(nil), Value: v})
		}
		return nil
	})

	return result, err
}

func (s *BadgerStorage) Exist(key []byte) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})

	return found, err
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	return value, err
}

func (s *BadgerStorage) GetSequence(prefix []byte, inflightItem uint64) (Sequence, error) {
	seq, err := s.db.GetSequence(prefix, inflightItem)
	if err != nil {
		return nil, err
	}

	s.seqs = append(s.seqs, seq)
	return seq, nil
}

// FirstKVHasPrefix returns the smallest key under prefix, or nil when there is none.
func (s *BadgerStorage) FirstKVHasPrefix(prefix []byte) ([]byte, []byte, error) {
	var k, v []byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		item := it.Item()
		k = item.KeyCopy(nil)

		var err error
		v, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// Move deletes src and writes its value at dest atomically.
func (s *BadgerStorage) Move(src, dest []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(src)
		if err != nil {
			return err
		}

		b, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		if err := txn.Delete(src); err != nil {
			return err
		}
		return txn.Set(dest, b)
	})
}

// ListKeys lists keys under prefix. A trailing "*" is accepted and ignored.
func (s *BadgerStorage) ListKeys(prefix string) ([]string, error) {
	var keys []string
	prefix = strings.TrimSuffix(prefix, "*")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *BadgerStorage) DbPath() string {
	return s.config.Path
}

// Backup streams every key version newer than since to w and returns the
// version to pass as since for the next incremental backup.
func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.Backup(w, since)
}

// Load restores a stream written by Backup. Existing keys are overwritten.
func (s *BadgerStorage) Load(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Load(r, 16)
}

// Destroy closes the database and wipes its directory.
func Destroy(s Storage) error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.DbPath(), err)
	}
	return os.RemoveAll(s.DbPath())
}
