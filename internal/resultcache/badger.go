package resultcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "audio/"

// BadgerStore keeps entries in a BadgerDB. Values are an 8-byte big-endian
// unix-nano timestamp followed by the audio bytes.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(slogBadgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("resultcache: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get implements [Store].
func (s *BadgerStore) Get(_ context.Context, key string) (Entry, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if len(val) < 8 {
		return Entry{}, false, fmt.Errorf("corrupt entry %s", key)
	}
	return Entry{
		Audio:     val[8:],
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(val[:8]))).UTC(),
	}, true, nil
}

// Put implements [Store].
func (s *BadgerStore) Put(_ context.Context, key string, e Entry) error {
	val := make([]byte, 8, 8+len(e.Audio))
	binary.BigEndian.PutUint64(val, uint64(e.CreatedAt.UnixNano()))
	val = append(val, e.Audio...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), val)
	})
}

// Close implements [Store].
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// slogBadgerLogger routes badger's internal logging through slog. Info and
// debug chatter is demoted to debug.
type slogBadgerLogger struct{}

func (slogBadgerLogger) Errorf(f string, args ...any) {
	slog.Error("badger: " + fmt.Sprintf(f, args...))
}

func (slogBadgerLogger) Warningf(f string, args ...any) {
	slog.Warn("badger: " + fmt.Sprintf(f, args...))
}

func (slogBadgerLogger) Infof(f string, args ...any) {
	slog.Debug("badger: " + fmt.Sprintf(f, args...))
}

func (slogBadgerLogger) Debugf(f string, args ...any) {
	slog.Debug("badger: " + fmt.Sprintf(f, args...))
}
