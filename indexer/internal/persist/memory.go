package persist

import (
	"context"
	"sync"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// Memory is a Backend that lives only as long as the process.
type Memory struct {
	mu        sync.Mutex
	seq       []snapshotid.ID
	snapshots map[snapshotid.ID]model.Snapshot
	tasks     map[model.TaskID]model.Task
	taskOrder []model.TaskID
	config    map[string]string

	// FailWith, when set, is returned by every write.
	FailWith error
	// FailDeleteWith, when set, is returned by any write that removes
	// snapshots.
	FailDeleteWith error
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[snapshotid.ID]model.Snapshot),
		tasks:     make(map[model.TaskID]model.Task),
		config:    make(map[string]string),
	}
}

func (m *Memory) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &State{Config: make(map[string]string, len(m.config))}
	for _, id := range m.seq {
		if s, ok := m.snapshots[id]; ok {
			st.Snapshots = append(st.Snapshots, s.Clone())
		}
	}
	for _, id := range m.taskOrder {
		st.Tasks = append(st.Tasks, m.tasks[id].Clone())
	}
	for k, v := range m.config {
		st.Config[k] = v
	}
	return st, nil
}

func (m *Memory) AppendSnapshot(_ context.Context, s model.Snapshot, evict []snapshotid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if len(evict) > 0 && m.FailDeleteWith != nil {
		return m.FailDeleteWith
	}
	m.snapshots[s.ID] = s.Clone()
	m.seq = append(m.seq, s.ID)
	m.deleteLocked(evict)
	return nil
}

func (m *Memory) DeleteSnapshots(_ context.Context, ids []snapshotid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.FailDeleteWith != nil {
		return m.FailDeleteWith
	}
	m.deleteLocked(ids)
	return nil
}

func (m *Memory) deleteLocked(ids []snapshotid.ID) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[snapshotid.ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
		delete(m.snapshots, id)
	}
	kept := m.seq[:0]
	for _, id := range m.seq {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	m.seq = kept
}

func (m *Memory) PutTask(_ context.Context, t model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.tasks[t.ID]; !ok {
		m.taskOrder = append(m.taskOrder, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id model.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.tasks[id]; !ok {
		return nil
	}
	delete(m.tasks, id)
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) PutConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.config[key] = value
	return nil
}

func (m *Memory) Close() error { return nil }

// SequenceLen reports how many ids the sequence holds.
func (m *Memory) SequenceLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seq)
}
