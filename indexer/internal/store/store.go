package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// ErrDuplicateID rejects an append whose id is already stored.
var ErrDuplicateID = goerr.New("snapshot id already stored")

// Backend is the durable half of the store.
type Backend interface {
	// AppendSnapshot stores s and removes evict in one commit. Either all of
	// it lands or none of it does.
	AppendSnapshot(ctx context.Context, s model.Snapshot, evict []snapshotid.ID) error
	DeleteSnapshots(ctx context.Context, ids []snapshotid.ID) error
}

type entry struct {
	id snapshotid.ID
	ms uint64
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	seq     []entry
	data    map[snapshotid.ID]model.Snapshot
	ordered bool // every id in seq is >= its predecessor
	backend Backend
}

// New returns an empty store writing through to backend.
func New(backend Backend) *Store {
	return &Store{
		data:    make(map[snapshotid.ID]model.Snapshot),
		ordered: true,
		backend: backend,
	}
}

// Restore loads snapshots already held by the backend, oldest first.
// It must be called before the store is shared.
func (s *Store) Restore(snaps []model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		ms, err := snap.ID.Millis()
		if err != nil {
			return err
		}
		if _, ok := s.data[snap.ID]; ok {
			continue
		}
		s.push(entry{id: snap.ID, ms: ms}, snap.Clone())
	}
	return nil
}

// Append stores snap as the newest entry and evicts the oldest entries so
// that at most maxCount remain. It returns the number evicted. The append and
// its evictions commit together: on error the store is unchanged.
func (s *Store) Append(ctx context.Context, snap model.Snapshot, maxCount int) (int, error) {
	ms, err := snap.ID.Millis()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[snap.ID]; ok {
		return 0, goerr.Wrap(ErrDuplicateID, "append snapshot", goerr.V("id", snap.ID))
	}

	n := max(len(s.seq)+1-max(maxCount, 0), 0)
	victims := make([]snapshotid.ID, 0, n)
	for i := 0; i < n && i < len(s.seq); i++ {
		victims = append(victims, s.seq[i].id)
	}
	if n > len(s.seq) {
		victims = append(victims, snap.ID)
	}

	if err := s.backend.AppendSnapshot(ctx, snap, victims); err != nil {
		return 0, goerr.Wrap(err, "persist snapshot", goerr.V("id", snap.ID), goerr.V("evict", len(victims)))
	}
	s.push(entry{id: snap.ID, ms: ms}, snap.Clone())
	s.dropLocked(n)
	return n, nil
}

// Trim evicts the oldest entries until at most maxCount remain.
func (s *Store) Trim(ctx context.Context, maxCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimLocked(ctx, maxCount)
}

func (s *Store) push(e entry, snap model.Snapshot) {
	if n := len(s.seq); n > 0 && s.ordered {
		if c, err := snapshotid.Compare(s.seq[n-1].id, e.id); err != nil || c > 0 {
			s.ordered = false
			slog.Warn("store: out-of-order snapshot id, range queries fall back to full scans",
				"id", e.id, "previous", s.seq[n-1].id)
		}
	}
	s.seq = append(s.seq, e)
	s.data[e.id] = snap
}

func (s *Store) trimLocked(ctx context.Context, maxCount int) (int, error) {
	if maxCount < 0 {
		maxCount = 0
	}
	n := len(s.seq) - maxCount
	if n <= 0 {
		return 0, nil
	}
	if err := s.evictLocked(ctx, n); err != nil {
		return 0, err
	}
	return n, nil
}

// evictLocked removes the n oldest entries from the backend, then from memory.
func (s *Store) evictLocked(ctx context.Context, n int) error {
	ids := make([]snapshotid.ID, n)
	for i := 0; i < n; i++ {
		ids[i] = s.seq[i].id
	}
	if err := s.backend.DeleteSnapshots(ctx, ids); err != nil {
		return goerr.Wrap(err, "persist eviction", goerr.V("count", n))
	}
	s.dropLocked(n)
	return nil
}

// dropLocked forgets the n oldest entries: the surviving tail is shifted to
// the front of the sequence and the vacated slots truncated.
func (s *Store) dropLocked(n int) {
	for _, e := range s.seq[:n] {
		delete(s.data, e.id)
	}
	kept := copy(s.seq, s.seq[n:])
	clear(s.seq[kept:])
	s.seq = s.seq[:kept]
}

// Latest returns the most recently appended snapshot.
func (s *Store) Latest() (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.seq) - 1; i >= 0; i-- {
		if snap, ok := s.data[s.seq[i].id]; ok {
			return snap.Clone(), nil
		}
	}
	return model.Snapshot{}, model.ErrNoData
}

// Len returns the number of ids in the sequence.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seq)
}

// Get returns the snapshot with the given id.
func (s *Store) Get(id snapshotid.ID) (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[id]
	if !ok {
		return model.Snapshot{}, false
	}
	return snap.Clone(), true
}

// Range returns the snapshots whose id timestamp lies in [fromMs, toMs],
// newest id first.
func (s *Store) Range(fromMs, toMs uint64) []model.Snapshot {
	out := []model.Snapshot{}
	if fromMs > toMs {
		return out
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []entry
	for i := len(s.seq) - 1; i >= 0; i-- {
		e := s.seq[i]
		if e.ms < fromMs {
			if s.ordered {
				break
			}
			continue
		}
		if e.ms > toMs {
			continue
		}
		if _, ok := s.data[e.id]; ok {
			hits = append(hits, e)
		}
	}
	if !s.ordered {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].ms != hits[j].ms {
				return hits[i].ms > hits[j].ms
			}
			c, _ := snapshotid.Compare(hits[i].id, hits[j].id)
			return c > 0
		})
	}
	for _, e := range hits {
		out = append(out, s.data[e.id].Clone())
	}
	return out
}

// Top returns up to n of the newest snapshots, newest first.
func (s *Store) Top(n int) []model.Snapshot {
	out := []model.Snapshot{}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.seq) - 1; i >= 0 && len(out) < n; i-- {
		if snap, ok := s.data[s.seq[i].id]; ok {
			out = append(out, snap.Clone())
		}
	}
	return out
}

// Ordered reports whether every append so far was in id order.
func (s *Store) Ordered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordered
}
