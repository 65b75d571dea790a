package persist

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// Key layout:
//
//	meta/seq          next sequence number (uint64, big endian)
//	seq/<%020d>       snapshot id at that position
//	idx/<id>          sequence key of id
//	snap/<id>         snapshot JSON
//	task/<%020d>      task JSON, keyed by insertion position
//	tpos/<task id>    position key of the task
//	cfg/<key>         config value
var (
	keyNextSeq   = []byte("meta/seq")
	prefixSeq    = []byte("seq/")
	prefixIdx    = []byte("idx/")
	prefixSnap   = []byte("snap/")
	prefixTask   = []byte("task/")
	prefixTaskID = []byte("tpos/")
	prefixCfg    = []byte("cfg/")
)

// Badger is a Backend in a BadgerDB directory.
type Badger struct {
	db *badger.DB
}

// badgerLogger routes BadgerDB's own logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens the database in directory path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *slog.Logger) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, goerr.Wrap(err, "create badger directory", goerr.V("path", path))
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, goerr.Wrap(err, "open badger", goerr.V("path", path))
	}
	return &Badger{db: db}, nil
}

func key(prefix []byte, s string) []byte {
	return append(append([]byte{}, prefix...), s...)
}

func posKey(prefix []byte, n uint64) []byte {
	return key(prefix, fmt.Sprintf("%020d", n))
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var n uint64
	item, err := txn.Get(keyNextSeq)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		v, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		n = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	if err := txn.Set(keyNextSeq, buf); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Badger) Load(_ context.Context) (*State, error) {
	st := &State{Config: make(map[string]string)}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefixSeq); it.ValidForPrefix(prefixSeq); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(key(prefixSnap, string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			body, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var snap model.Snapshot
			if err := json.Unmarshal(body, &snap); err != nil {
				return goerr.Wrap(err, "decode snapshot", goerr.V("id", string(id)))
			}
			st.Snapshots = append(st.Snapshots, snap)
		}

		for it.Seek(prefixTask); it.ValidForPrefix(prefixTask); it.Next() {
			body, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var t model.Task
			if err := json.Unmarshal(body, &t); err != nil {
				return goerr.Wrap(err, "decode task", goerr.V("key", string(it.Item().Key())))
			}
			st.Tasks = append(st.Tasks, t)
		}

		for it.Seek(prefixCfg); it.ValidForPrefix(prefixCfg); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			st.Config[string(it.Item().Key()[len(prefixCfg):])] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "load badger state")
	}
	return st, nil
}

func (b *Badger) AppendSnapshot(_ context.Context, snap model.Snapshot, evict []snapshotid.ID) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return goerr.Wrap(err, "encode snapshot", goerr.V("id", snap.ID))
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		n, err := nextSeq(txn)
		if err != nil {
			return err
		}
		sk := posKey(prefixSeq, n)
		if err := txn.Set(sk, []byte(snap.ID)); err != nil {
			return err
		}
		if err := txn.Set(key(prefixIdx, snap.ID.String()), sk); err != nil {
			return err
		}
		if err := txn.Set(key(prefixSnap, snap.ID.String()), body); err != nil {
			return err
		}
		return deleteSnapshotsTxn(txn, evict)
	})
	if err != nil {
		return goerr.Wrap(err, "append snapshot", goerr.V("id", snap.ID), goerr.V("evict", len(evict)))
	}
	return nil
}

func (b *Badger) DeleteSnapshots(_ context.Context, ids []snapshotid.ID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return deleteSnapshotsTxn(txn, ids)
	})
	if err != nil {
		return goerr.Wrap(err, "delete snapshots", goerr.V("count", len(ids)))
	}
	return nil
}

func deleteSnapshotsTxn(txn *badger.Txn, ids []snapshotid.ID) error {
	for _, id := range ids {
		ik := key(prefixIdx, id.String())
		item, err := txn.Get(ik)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			sk, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(sk); err != nil {
				return err
			}
		}
		if err := txn.Delete(ik); err != nil {
			return err
		}
		if err := txn.Delete(key(prefixSnap, id.String())); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) PutTask(_ context.Context, t model.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return goerr.Wrap(err, "encode task", goerr.V("id", t.ID))
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		ik := key(prefixTaskID, string(t.ID))
		var pk []byte
		item, err := txn.Get(ik)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			n, err := nextSeq(txn)
			if err != nil {
				return err
			}
			pk = posKey(prefixTask, n)
			if err := txn.Set(ik, pk); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if pk, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		return txn.Set(pk, body)
	})
	if err != nil {
		return goerr.Wrap(err, "put task", goerr.V("id", t.ID))
	}
	return nil
}

func (b *Badger) DeleteTask(_ context.Context, id model.TaskID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		ik := key(prefixTaskID, string(id))
		item, err := txn.Get(ik)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(pk); err != nil {
			return err
		}
		return txn.Delete(ik)
	})
	if err != nil {
		return goerr.Wrap(err, "delete task", goerr.V("id", id))
	}
	return nil
}

func (b *Badger) PutConfig(_ context.Context, k, v string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixCfg, k), []byte(v))
	})
	if err != nil {
		return goerr.Wrap(err, "put config", goerr.V("key", k))
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
