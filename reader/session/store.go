package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
)

// ErrSessionNotFound is returned for ids with no stored session.
var ErrSessionNotFound = errors.New("session not found")

// Record is everything about a session except its transcript.
type Record struct {
	ID        string
	Document  ports.DocumentRef
	Language  string
	State     stages.State
	Figures   []figures.Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Info summarizes a stored session for listings.
type Info struct {
	ID        string
	Document  string
	Stage     string
	Messages  int
	Figures   int
	UpdatedAt time.Time
}

// Store persists sessions, their transcripts, and the shared user profile.
type Store interface {
	LoadSession(ctx context.Context, id string) (*Record, []ports.PromptMessage, error)
	SaveSession(ctx context.Context, rec *Record) error
	AppendMessage(ctx context.Context, id string, msg ports.PromptMessage) error
	ListSessions(ctx context.Context) ([]Info, error)
	DeleteSession(ctx context.Context, id string) error
	LoadProfile(ctx context.Context) (profile.Snapshot, error)
	SaveProfile(ctx context.Context, s profile.Snapshot) error
}

// MemoryStore keeps everything in process. It is used in tests and when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	messages map[string][]ports.PromptMessage
	profile  profile.Snapshot
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		messages: make(map[string][]ports.PromptMessage),
		now:      time.Now,
	}
}

func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*Record, []ports.PromptMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	out := *rec
	out.State.Plan = rec.State.Plan.Clone()
	out.Figures = append([]figures.Record(nil), rec.Figures...)
	return &out, append([]ports.PromptMessage(nil), m.messages[id]...), nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *rec
	out.State.Plan = rec.State.Plan.Clone()
	out.Figures = append([]figures.Record(nil), rec.Figures...)
	out.UpdatedAt = m.now()
	if existing, ok := m.records[rec.ID]; ok && !existing.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	} else if out.CreatedAt.IsZero() {
		out.CreatedAt = out.UpdatedAt
	}
	m.records[rec.ID] = &out
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg ports.PromptMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrSessionNotFound
	}
	m.messages[id] = append(m.messages[id], msg)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.records))
	for id, rec := range m.records {
		out = append(out, Info{
			ID:        id,
			Document:  rec.Document.Path,
			Stage:     rec.State.Current,
			Messages:  len(m.messages[id]),
			Figures:   len(rec.Figures),
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.records, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) LoadProfile(ctx context.Context) (profile.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return profile.Snapshot{Name: m.profile.Name, Insights: append([]string(nil), m.profile.Insights...)}, nil
}

func (m *MemoryStore) SaveProfile(ctx context.Context, s profile.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = profile.Snapshot{Name: s.Name, Insights: append([]string(nil), s.Insights...)}
	return nil
}

var _ Store = (*MemoryStore)(nil)
