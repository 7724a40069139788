package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agui/pkg/models"
)

// entry holds one conversation and the lock that serializes its mutations.
// updated and evicted are atomics so the eviction scan never takes entry locks.
type entry struct {
	mu      sync.Mutex
	conv    models.Conversation
	updated atomic.Int64
	evicted atomic.Bool
}

// MemoryStore is the in-process conversation store.
//
// The map lock guards only id lookups and membership changes. Message
// mutations take the owning entry's lock, so appends to different
// conversations never contend with each other.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	limits  Limits
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *MemoryStore) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore(limits Limits, opts ...Option) *MemoryStore {
	defaults := DefaultLimits()
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = defaults.MaxMessages
	}
	if limits.MaxConversations <= 0 {
		limits.MaxConversations = defaults.MaxConversations
	}
	m := &MemoryStore{
		entries: map[string]*entry{},
		limits:  limits,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "conversations")
	return m
}

func (m *MemoryStore) Create(ctx context.Context, opts ...CreateOption) (string, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	now := m.now()
	e := &entry{conv: models.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}}
	e.updated.Store(now.UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrExists, id)
	}
	for len(m.entries) >= m.limits.MaxConversations {
		m.evictOldestLocked()
	}
	m.entries[id] = e
	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted.Load() {
		return nil, ErrNotFound
	}
	return cloneConversation(&e.conv), nil
}

func (m *MemoryStore) Append(ctx context.Context, id string, msgs ...models.Message) error {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
	}
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted.Load() {
		return ErrNotFound
	}

	for _, msg := range msgs {
		clone := cloneMessage(msg)
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		if clone.Timestamp.IsZero() {
			clone.Timestamp = m.now()
		}
		if n := len(e.conv.Messages); n > 0 {
			if last := e.conv.Messages[n-1].Timestamp; clone.Timestamp.Before(last) {
				clone.Timestamp = last
			}
		}
		e.conv.Messages = append(e.conv.Messages, clone)
	}
	e.conv.Messages = prune(e.conv.Messages, m.limits.MaxMessages)

	updated := m.now()
	if n := len(e.conv.Messages); n > 0 && updated.Before(e.conv.Messages[n-1].Timestamp) {
		updated = e.conv.Messages[n-1].Timestamp
	}
	e.conv.UpdatedAt = updated
	e.updated.Store(updated.UnixNano())
	return nil
}

// List returns summaries ordered by most recently updated first.
func (m *MemoryStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	m.mu.RLock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	out := make([]models.ConversationSummary, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.evicted.Load() {
			out = append(out, e.conv.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Count returns the number of live conversations.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// EvictIdle removes conversations not updated within ttl and returns how
// many were removed.
func (m *MemoryStore) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-ttl).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if e.updated.Load() < cutoff {
			e.evicted.Store(true)
			delete(m.entries, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("evicted idle conversations", "count", removed, "ttl", ttl)
	}
	return removed
}

func (m *MemoryStore) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// evictOldestLocked drops the least recently updated conversation.
// Caller must hold m.mu.
func (m *MemoryStore) evictOldestLocked() {
	var (
		oldestID string
		oldestAt int64
	)
	for id, e := range m.entries {
		at := e.updated.Load()
		if oldestID == "" || at < oldestAt || (at == oldestAt && id < oldestID) {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID == "" {
		return
	}
	m.entries[oldestID].evicted.Store(true)
	delete(m.entries, oldestID)
	m.logger.Debug("evicted conversation", "conversation_id", oldestID)
}

// prune keeps every system message plus the most recent max-systemCount
// others, preserving order. The result never exceeds max: when system
// messages alone overflow it, only the newest max of them are kept.
func prune(msgs []models.Message, max int) []models.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	systems := 0
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			systems++
		}
	}
	dropSystems := 0
	if systems > max {
		dropSystems = systems - max
		systems = max
	}
	keepOthers := max - systems
	dropOthers := len(msgs) - dropSystems - systems - keepOthers

	out := make([]models.Message, 0, max)
	for _, msg := range msgs {
		switch {
		case msg.Role == models.RoleSystem && dropSystems > 0:
			dropSystems--
			continue
		case msg.Role != models.RoleSystem && dropOthers > 0:
			dropOthers--
			continue
		}
		out = append(out, msg)
	}
	return out
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	clone := *conv
	clone.Messages = make([]models.Message, len(conv.Messages))
	for i, msg := range conv.Messages {
		clone.Messages[i] = cloneMessage(msg)
	}
	return &clone
}

func cloneMessage(msg models.Message) models.Message {
	clone := msg
	if msg.Metadata != nil {
		md := *msg.Metadata
		clone.Metadata = &md
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			tc.Arguments = cloneRaw(tc.Arguments)
			tc.Result = cloneRaw(tc.Result)
			clone.ToolCalls[i] = tc
		}
	}
	return clone
}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
