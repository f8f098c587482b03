package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore archives histories in an embedded Badger key-value store.
// Steps are keyed by run ID and big-endian index so a prefix scan returns
// them in order.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOption configures a BadgerStore.
type BadgerOption func(*badger.Options)

// WithBadgerLogger routes Badger's internal logging to logger. Badger is
// silent by default.
func WithBadgerLogger(logger *slog.Logger) BadgerOption {
	return func(o *badger.Options) {
		*o = o.WithLogger(&badgerLogger{logger: logger})
	}
}

// NewBadgerStore opens (or creates) the archive in dir. An empty dir keeps
// the store in memory.
func NewBadgerStore(dir string, opts ...BadgerOption) (*BadgerStore, error) {
	var o badger.Options
	if dir == "" {
		o = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		o = badger.DefaultOptions(dir)
	}
	o = o.WithLogger(nil)
	for _, opt := range opts {
		opt(&o)
	}

	db, err := badger.Open(o)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func runPrefix(runID string) []byte {
	p := make([]byte, 0, len(runID)+6)
	p = append(p, "step/"...)
	p = append(p, runID...)
	return append(p, 0)
}

func stepKey(runID string, index int) []byte {
	return binary.BigEndian.AppendUint64(runPrefix(runID), uint64(index))
}

func keyIndex(key []byte) int {
	return int(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func (s *BadgerStore) Append(step Step) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		next := 0
		if last, ok := lastIndex(txn, step.RunID); ok {
			next = last + 1
		}
		step.Index = next
		if step.Timestamp.IsZero() {
			step.Timestamp = time.Now()
		}
		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("encode step: %w", err)
		}
		return txn.Set(stepKey(step.RunID, step.Index), data)
	})
	if err != nil {
		return Step{}, fmt.Errorf("append step: %w", err)
	}
	return step, nil
}

// lastIndex finds the highest stored index of a run.
func lastIndex(txn *badger.Txn, runID string) (int, bool) {
	prefix := runPrefix(runID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// In reverse mode Seek lands on the largest key <= the seek key.
	it.Seek(append(bytes.Clone(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
	if !it.ValidForPrefix(prefix) {
		return 0, false
	}
	return keyIndex(it.Item().Key()), true
}

func (s *BadgerStore) List(runID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	steps := []Step{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := runPrefix(runID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st Step
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &st) }); err != nil {
				return fmt.Errorf("decode step: %w", err)
			}
			steps = append(steps, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

func (s *BadgerStore) Get(runID string, index int) (Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}
	if index < 0 {
		return Step{}, ErrNotFound
	}

	var st Step
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stepKey(runID, index))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &st) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("load step: %w", err)
	}
	return st, nil
}

func (s *BadgerStore) Truncate(runID string, last int) error {
	return s.deleteWhere("truncate steps", runID, func(index int) bool { return index > last })
}

func (s *BadgerStore) DeleteRun(runID string) error {
	return s.deleteWhere("delete run steps", runID, func(int) bool { return true })
}

func (s *BadgerStore) deleteWhere(op, runID string, match func(index int) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := runPrefix(runID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if key := it.Item().KeyCopy(nil); match(keyIndex(key)) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger adapts slog to Badger's printf-style logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
