package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
)

const (
	pendingPrefix = "pending/"
	ledgerPrefix  = "ledger/"
	ledgerSeqKey  = "seq/ledger"
)

// Badger is the embedded Store backend. Badger transactions give serializable
// snapshot isolation, so a transaction that read a key another transaction
// committed in the meantime fails with badger.ErrConflict.
type Badger struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
}

// OpenBadger opens (or creates) a badger database at path. An empty path opens
// an in-memory database.
func OpenBadger(path string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open badger at %q: %w", path, err)
	}
	seq, err := db.GetSequence([]byte(ledgerSeqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to lease ledger sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, logger: logger.Named("store")}, nil
}

func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		b.logger.Warn("Releasing ledger sequence failed", zap.Error(err))
	}
	return b.db.Close()
}

func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return ctx.Err()
}

func (b *Badger) CreatePending(ctx context.Context, rec domain.PendingRecord, entry domain.LedgerEntry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Code = rec.Code
	stamped, err := b.stamp(entry)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		// The ledger outlives the record, so both keyspaces must be free.
		for _, key := range []string{pendingPrefix + rec.Code, ledgerPrefix + rec.Code} {
			if _, err := txn.Get([]byte(key)); err == nil {
				return ErrCodeTaken
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := setJSON(txn, pendingPrefix+rec.Code, rec, ttl); err != nil {
			return err
		}
		return setJSON(txn, ledgerPrefix+rec.Code, stamped, 0)
	})
	return mapBadgerErr(err)
}

func (b *Badger) GetPending(ctx context.Context, code string) (*domain.PendingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec domain.PendingRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, pendingPrefix+code, &rec)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &rec, nil
}

func (b *Badger) ListPending(ctx context.Context) ([]domain.PendingRecord, error) {
	var records []domain.PendingRecord
	err := b.scan(ctx, pendingPrefix, func(val []byte) {
		var rec domain.PendingRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			b.logger.Error("Skipping undecodable pending record", zap.Error(err))
			return
		}
		records = append(records, rec)
	})
	return records, err
}

func (b *Badger) Transition(ctx context.Context, t Transition) (*domain.PendingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated domain.PendingRecord
	err := b.db.Update(func(txn *badger.Txn) error {
		var rec domain.PendingRecord
		if err := getJSON(txn, pendingPrefix+t.Code, &rec); err != nil {
			return err
		}
		if err := checkTransition(&rec, t); err != nil {
			return err
		}

		var entry domain.LedgerEntry
		entryPtr := &entry
		if err := getJSON(txn, ledgerPrefix+t.Code, &entry); errors.Is(err, badger.ErrKeyNotFound) {
			b.logger.Warn("Pending record has no ledger entry", zap.String("code", t.Code))
			entryPtr = nil
		} else if err != nil {
			return err
		}

		updated = applyTransition(rec, entryPtr, t)
		if t.Retain > 0 {
			if err := setJSON(txn, pendingPrefix+t.Code, updated, t.Retain); err != nil {
				return err
			}
		} else if err := txn.Delete([]byte(pendingPrefix + t.Code)); err != nil {
			return err
		}
		if entryPtr != nil {
			return setJSON(txn, ledgerPrefix+t.Code, entry, 0)
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &updated, nil
}

func (b *Badger) ExpireOrphan(ctx context.Context, code string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(pendingPrefix + code)); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		var entry domain.LedgerEntry
		if err := getJSON(txn, ledgerPrefix+code, &entry); err != nil {
			return err
		}
		if entry.Status != domain.StatusPending {
			return ErrConflict
		}
		entry.Status = domain.StatusExpired
		entry.UpdatedAt = now.Unix()
		return setJSON(txn, ledgerPrefix+code, entry, 0)
	})
	return mapBadgerErr(err)
}

func (b *Badger) AppendLedger(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stamped, err := b.stamp(entry)
	if err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		key := ledgerPrefix + stamped.Key()
		if _, err := txn.Get([]byte(key)); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, stamped, 0)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &stamped, nil
}

func (b *Badger) RecordConfirmation(ctx context.Context, key string, c Confirmation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var entry domain.LedgerEntry
		if err := getJSON(txn, ledgerPrefix+key, &entry); err != nil {
			return err
		}
		entry.Confirmation = c.Outcome
		entry.Response = c.Response
		entry.Error = c.Error
		entry.UpdatedAt = c.Now.Unix()
		return setJSON(txn, ledgerPrefix+key, entry, 0)
	})
	return mapBadgerErr(err)
}

func (b *Badger) LedgerEntry(ctx context.Context, code string) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry domain.LedgerEntry
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, ledgerPrefix+code, &entry)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	// Topup entries are keyed by ID; only code-linked entries answer a code lookup.
	if entry.Code != code {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (b *Badger) History(ctx context.Context) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	err := b.scan(ctx, ledgerPrefix, func(val []byte) {
		var entry domain.LedgerEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			b.logger.Error("Skipping undecodable ledger entry", zap.Error(err))
			return
		}
		entries = append(entries, entry)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// stamp assigns the ID, sequence number and timestamps of a new ledger entry.
func (b *Badger) stamp(entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	n, err := b.seq.Next()
	if err != nil {
		return entry, fmt.Errorf("ledger sequence: %w", err)
	}
	entry.Seq = n + 1
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	entry.UpdatedAt = entry.CreatedAt
	return entry, nil
}

func (b *Badger) scan(ctx context.Context, prefix string, fn func(val []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				fn(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any, ttl time.Duration) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	e := badger.NewEntry([]byte(key), val)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

func mapBadgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
