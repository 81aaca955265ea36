package warden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	"github.com/dgraph-io/badger"
)

var (
	badgerFailurePrefix = []byte("fail/")
	badgerBanPrefix     = []byte("ban/")
)

type BadgerConfiguration struct {
	Path string `toml:"path" yaml:"path"`
}

type badgerLedger struct {
	db *badger.DB
}

func badgerKey(prefix []byte, ip netip.Addr) []byte {
	return append(append([]byte{}, prefix...), ip.String()...)
}

func (l *badgerLedger) get(key []byte, v any) (bool, error) {
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		b, err := it.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(b, v)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", errLedger, err)
	}
	return found, nil
}

func (l *badgerLedger) set(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	}); err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *badgerLedger) delete(key []byte) error {
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *badgerLedger) failure(_ context.Context, ip netip.Addr) (*failureState, error) {
	s := &failureState{}
	found, err := l.get(badgerKey(badgerFailurePrefix, ip), s)
	if err != nil || !found {
		return nil, err
	}
	return s, nil
}

func (l *badgerLedger) putFailure(_ context.Context, ip netip.Addr, s *failureState) error {
	return l.set(badgerKey(badgerFailurePrefix, ip), s)
}

func (l *badgerLedger) deleteFailure(_ context.Context, ip netip.Addr) error {
	return l.delete(badgerKey(badgerFailurePrefix, ip))
}

func (l *badgerLedger) ban(_ context.Context, ip netip.Addr) (*banRecord, error) {
	b := &banRecord{}
	found, err := l.get(badgerKey(badgerBanPrefix, ip), b)
	if err != nil || !found {
		return nil, err
	}
	return b, nil
}

func (l *badgerLedger) putBan(_ context.Context, b *banRecord) error {
	v, err := json.Marshal(b)
	if err != nil {
		return err
	}
	k := badgerKey(badgerBanPrefix, b.Address)
	for {
		err = l.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(k); err == nil {
				return errBanExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(k, v)
		})
		// A concurrent transaction wrote the key first, the retry sees it
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errBanExists) {
			return err
		}
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *badgerLedger) deleteBan(_ context.Context, ip netip.Addr) error {
	return l.delete(badgerKey(badgerBanPrefix, ip))
}

func (l *badgerLedger) bans(_ context.Context) ([]*banRecord, error) {
	bs := make([]*banRecord, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 20
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(badgerBanPrefix); it.ValidForPrefix(badgerBanPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			b := &banRecord{}
			if err := json.Unmarshal(v, b); err != nil {
				return fmt.Errorf(`failed to decode ban "%s": %w`, it.Item().Key(), err)
			}
			bs = append(bs, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLedger, err)
	}
	return bs, nil
}

func (l *badgerLedger) close() error {
	return l.db.Close()
}

func newBadgerLedger(c BadgerConfiguration) (*badgerLedger, error) {
	if c.Path == "" {
		return nil, errors.New("missing configuration value for badger path")
	}

	opts := badger.DefaultOptions(c.Path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", errLedger, err)
	}

	return &badgerLedger{db: db}, nil
}
