package persist

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// SQLite is a Backend in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", path))
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "enable WAL mode", goerr.V("path", path))
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "create schema", goerr.V("path", path))
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (*State, error) {
	st := &State{Config: make(map[string]string)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.body FROM snapshot_ids i
		JOIN snapshots s ON s.id = i.id
		ORDER BY i.seq`)
	if err != nil {
		return nil, goerr.Wrap(err, "query snapshots")
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, goerr.Wrap(err, "scan snapshot")
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return nil, goerr.Wrap(err, "decode snapshot", goerr.V("body", body))
		}
		st.Snapshots = append(st.Snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate snapshots")
	}

	trows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY position`)
	if err != nil {
		return nil, goerr.Wrap(err, "query tasks")
	}
	defer trows.Close()
	for trows.Next() {
		var body string
		if err := trows.Scan(&body); err != nil {
			return nil, goerr.Wrap(err, "scan task")
		}
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, goerr.Wrap(err, "decode task", goerr.V("body", body))
		}
		st.Tasks = append(st.Tasks, t)
	}
	if err := trows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate tasks")
	}

	crows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, goerr.Wrap(err, "query config")
	}
	defer crows.Close()
	for crows.Next() {
		var k, v string
		if err := crows.Scan(&k, &v); err != nil {
			return nil, goerr.Wrap(err, "scan config")
		}
		st.Config[k] = v
	}
	if err := crows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate config")
	}
	return st, nil
}

func (s *SQLite) AppendSnapshot(ctx context.Context, snap model.Snapshot, evict []snapshotid.ID) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return goerr.Wrap(err, "encode snapshot", goerr.V("id", snap.ID))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, body) VALUES (?, ?)`, snap.ID.String(), string(body)); err != nil {
		return goerr.Wrap(err, "insert snapshot", goerr.V("id", snap.ID))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_ids (id) VALUES (?)`, snap.ID.String()); err != nil {
		return goerr.Wrap(err, "push snapshot id", goerr.V("id", snap.ID))
	}
	if err := deleteSnapshotsTx(ctx, tx, evict); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit snapshot", goerr.V("id", snap.ID), goerr.V("evict", len(evict)))
	}
	return nil
}

func (s *SQLite) DeleteSnapshots(ctx context.Context, ids []snapshotid.ID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteSnapshotsTx(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit eviction", goerr.V("count", len(ids)))
	}
	return nil
}

func deleteSnapshotsTx(ctx context.Context, tx *sql.Tx, ids []snapshotid.ID) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_ids WHERE id = ?`, id.String()); err != nil {
			return goerr.Wrap(err, "delete snapshot id", goerr.V("id", id))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id.String()); err != nil {
			return goerr.Wrap(err, "delete snapshot", goerr.V("id", id))
		}
	}
	return nil
}

func (s *SQLite) PutTask(ctx context.Context, t model.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return goerr.Wrap(err, "encode task", goerr.V("id", t.ID))
	}
	// A replaced task keeps its original position.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, position, body)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tasks), ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		string(t.ID), string(body))
	if err != nil {
		return goerr.Wrap(err, "upsert task", goerr.V("id", t.ID))
	}
	return nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id model.TaskID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id)); err != nil {
		return goerr.Wrap(err, "delete task", goerr.V("id", id))
	}
	return nil
}

func (s *SQLite) PutConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return goerr.Wrap(err, "upsert config", goerr.V("key", key))
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
