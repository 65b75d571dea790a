package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// State is everything a backend holds, as loaded at startup.
type State struct {
	// Snapshots in id-sequence order, oldest first. Sequence entries whose
	// snapshot record is missing are dropped.
	Snapshots []model.Snapshot
	Tasks     []model.Task
	Config    map[string]string
}

// Backend is a durable home for indexer state.
type Backend interface {
	Load(ctx context.Context) (*State, error)

	// AppendSnapshot stores s, pushes its id onto the sequence and removes
	// evict, all in one commit.
	AppendSnapshot(ctx context.Context, s model.Snapshot, evict []snapshotid.ID) error
	// DeleteSnapshots removes ids from both the sequence and the map.
	DeleteSnapshots(ctx context.Context, ids []snapshotid.ID) error

	PutTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id model.TaskID) error
	PutConfig(ctx context.Context, key, value string) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Backend is one of: sqlite | badger | memory.
	Backend string
	// Path is the sqlite file or badger directory.
	Path   string
	Logger *slog.Logger
}

// Open returns the backend named by opts.
func Open(opts Options) (Backend, error) {
	switch opts.Backend {
	case "sqlite":
		return OpenSQLite(opts.Path)
	case "badger":
		return OpenBadger(opts.Path, opts.Logger)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("persist: unsupported backend %q", opts.Backend)
	}
}
