package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

const (
	badgerKeyPrefix   = "key/"
	badgerEventPrefix = "event/"
)

// BadgerKeystore persists key records in an embedded badger database.
type BadgerKeystore struct {
	db     *badger.DB
	path   string
	sealer *Sealer
	log    *slog.Logger
}

func NewBadgerKeystore(path string, sealer *Sealer, log *slog.Logger) (*BadgerKeystore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger keystore: %w", err)
	}

	if sealer == nil {
		log.Warn("Badger keystore has no master key, key material is stored unsealed", slog.String("path", path))
	}

	return &BadgerKeystore{db: db, path: path, sealer: sealer, log: log}, nil
}

func (b *BadgerKeystore) Close() error {
	return b.db.Close()
}

func (b *BadgerKeystore) Get(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + keyID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	return b.sealer.decode(data)
}

func (b *BadgerKeystore) Put(ctx context.Context, key *interfaces.ManagedKey) error {
	data, err := b.sealer.encode(key)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key.KeyID), data)
	})
}

func (b *BadgerKeystore) Delete(ctx context.Context, keyID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerKeyPrefix + keyID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *BadgerKeystore) List(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	var keys []*interfaces.ManagedKey
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			key, err := b.sealer.decode(data)
			if err != nil {
				return err
			}
			if modelID == "" || key.Metadata.ModelID == modelID {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sortKeys(keys)
	return keys, nil
}

// Wipe writes a zero-filled record followed by one without material. Older
// value log entries are reclaimed by badger garbage collection.
func (b *BadgerKeystore) Wipe(ctx context.Context, keyID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + keyID))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		wiped, err := b.sealer.wipedRecord(data)
		if err != nil {
			return err
		}
		return txn.Set([]byte(badgerKeyPrefix+keyID), wiped)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to wipe key record: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + keyID))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		empty, err := b.sealer.emptyRecord(data)
		if err != nil {
			return err
		}
		return txn.Set([]byte(badgerKeyPrefix+keyID), empty)
	})
}

func (b *BadgerKeystore) AppendEvent(ctx context.Context, event interfaces.KeyRotationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode rotation event: %w", err)
	}
	key := fmt.Sprintf("%s%s/%020d/%s", badgerEventPrefix, event.ModelID, event.Timestamp.UnixNano(), event.EventID)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *BadgerKeystore) Events(ctx context.Context, modelID string) ([]interfaces.KeyRotationEvent, error) {
	var events []interfaces.KeyRotationEvent
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerEventPrefix + modelID + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event interfaces.KeyRotationEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read rotation events: %w", err)
	}
	return events, nil
}

// RunGC reclaims value log space until ctx is done. Wiped material only
// leaves the disk once its value log file is rewritten.
func (b *BadgerKeystore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						b.log.Warn("Badger value log GC failed", "err", err)
					}
					break
				}
			}
		}
	}
}

func (b *BadgerKeystore) Name() string {
	return fmt.Sprintf("badger-%s", b.path)
}
