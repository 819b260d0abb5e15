package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hec-ovi/open-research/internal/research"
)

// Memory is an in-process session store used for tests and single-node
// development runs. Updates are serialized per session; readers always see a
// fully applied mutation.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*research.Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*research.Session)}
}

func (m *Memory) Create(_ context.Context, sess *research.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*research.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, research.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, mutate func(*research.Session) error) (*research.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, research.ErrSessionNotFound
	}
	next := sess.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.sessions[id] = next
	return next.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]research.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]research.SessionSummary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
