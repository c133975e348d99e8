package archive

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v3"
	"github.com/jonboulle/clockwork"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mpapenbr/racetimer-go/log"
)

const racePrefix = "race/"

type (
	BadgerOption func(*BadgerRepository)

	BadgerRepository struct {
		db    *badger.DB
		clock clockwork.Clock
		l     *log.Logger
	}
)

func WithClock(c clockwork.Clock) BadgerOption {
	return func(r *BadgerRepository) {
		r.clock = c
	}
}

func WithLogger(l *log.Logger) BadgerOption {
	return func(r *BadgerRepository) {
		r.l = l
	}
}

// Open opens (or creates) the archive database in dir.
func Open(dir string, opts ...BadgerOption) (*BadgerRepository, error) {
	return open(badger.DefaultOptions(dir), opts...)
}

// OpenInMemory opens an archive that lives only as long as the process.
func OpenInMemory(opts ...BadgerOption) (*BadgerRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), opts...)
}

func open(bo badger.Options, opts ...BadgerOption) (*BadgerRepository, error) {
	db, err := badger.Open(bo.WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	ret := &BadgerRepository{
		db:    db,
		clock: clockwork.NewRealClock(),
		l:     log.Default().Named("archive"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret, nil
}

func buildKey(id string) []byte {
	return []byte(racePrefix + id)
}

func (r *BadgerRepository) Store(ctx context.Context, race *Race) error {
	if race.ID == "" {
		return errors.New("race without id")
	}
	toStore := *race
	toStore.StoredAt = r.clock.Now()
	buf, err := msgpack.Marshal(&toStore)
	if err != nil {
		return fmt.Errorf("failed to marshal race: %w", err)
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(buildKey(race.ID), buf)
	}); err != nil {
		return err
	}
	race.StoredAt = toStore.StoredAt
	r.l.Debug("race stored", log.String("id", race.ID))
	return nil
}

func (r *BadgerRepository) LoadByID(ctx context.Context, id string) (*Race, error) {
	var ret Race
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(buildKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &ret)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func (r *BadgerRepository) LoadAll(ctx context.Context) ([]*Race, error) {
	var ret []*Race
	prefix := []byte(racePrefix)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var race Race
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &race)
			}); err != nil {
				return err
			}
			ret = append(ret, &race)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list races: %w", err)
	}
	slices.SortStableFunc(ret, func(a, b *Race) int {
		return b.StartTime.Compare(a.StartTime)
	})
	return ret, nil
}

func (r *BadgerRepository) DeleteByID(ctx context.Context, id string) (int, error) {
	deleted := 0
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(buildKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = 1
		return txn.Delete(buildKey(id))
	})
	return deleted, err
}

func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
