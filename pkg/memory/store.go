package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/harun/lunar/pkg/people"
	"github.com/rs/zerolog"
)

// Memory is a single remembered fact about a person.
type Memory struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	PersonID  string   `json:"personId"`
	CreatedAt int64    `json:"createdAt"`
	Tags      []string `json:"tags,omitempty"`
}

// Config holds memory store dependencies
type Config struct {
	KV     kvstore.Store
	People *people.Directory
	Logger zerolog.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Store is the memory store. All memories are kept in one document.
type Store struct {
	kv     kvstore.Store
	people *people.Directory
	logger zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewStore creates a memory store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cfg.People == nil {
		return nil, fmt.Errorf("people directory is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:     cfg.KV,
		people: cfg.People,
		logger: cfg.Logger.With().Str("component", "memory").Logger(),
		now:    now,
	}, nil
}

func (s *Store) load(ctx context.Context) ([]Memory, error) {
	var list []Memory
	if _, err := s.kv.Get(ctx, kvstore.KeyMemories, &list); err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}
	return list, nil
}

func (s *Store) save(ctx context.Context, list []Memory) error {
	if list == nil {
		list = []Memory{}
	}
	if err := s.kv.Put(ctx, kvstore.KeyMemories, list); err != nil {
		return fmt.Errorf("failed to save memories: %w", err)
	}
	return nil
}

// Add stores a new memory about personID.
func (s *Store) Add(ctx context.Context, content, personID string, tags []string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return Memory{}, err
	}

	m := s.newMemory(content, personID, tags)
	list = append(list, m)
	if err := s.save(ctx, list); err != nil {
		return Memory{}, err
	}

	s.logger.Debug().Str("memoryId", m.ID).Str("personId", personID).Msg("Memory added")
	return m, nil
}

func (s *Store) newMemory(content, personID string, tags []string) Memory {
	return Memory{
		ID:        uuid.New().String(),
		Content:   content,
		PersonID:  personID,
		CreatedAt: s.now().Unix(),
		Tags:      tags,
	}
}

// List returns memories about personID in insertion order, keeping only the
// most recent limit entries when limit > 0. An empty personID lists
// memories about everyone.
func (s *Store) List(ctx context.Context, personID string, limit int) ([]Memory, error) {
	s.mu.Lock()
	list, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Memory, 0, len(list))
	for _, m := range list {
		if personID == "" || m.PersonID == personID {
			out = append(out, m)
		}
	}
	return tail(out, limit), nil
}

// Delete removes a memory and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	for i, m := range list {
		if m.ID == id {
			list = append(list[:i], list[i+1:]...)
			if err := s.save(ctx, list); err != nil {
				return false, err
			}
			observability.RecordMemoryAudit(ctx, "delete", m.PersonID, map[string]interface{}{"memoryId": id})
			return true, nil
		}
	}
	return false, nil
}

// AccessibleTo returns memories about ownerID that requesterID may read.
// The owner may read everything; anyone else must appear in the person's
// access list. Unknown persons get the default list.
func (s *Store) AccessibleTo(ctx context.Context, ownerID, requesterID string, limit int) ([]Memory, error) {
	if !s.canRead(ctx, ownerID, requesterID) {
		return []Memory{}, nil
	}
	return s.List(ctx, ownerID, limit)
}

func (s *Store) canRead(ctx context.Context, ownerID, requesterID string) bool {
	if requesterID == people.Owner {
		return true
	}
	person, ok, err := s.people.Get(ctx, ownerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("personId", ownerID).Msg("Failed to resolve access list")
		return false
	}
	if !ok {
		person = people.Person{ID: ownerID}
	}
	return person.Allows(requesterID)
}

func tail(list []Memory, limit int) []Memory {
	if limit > 0 && len(list) > limit {
		return list[len(list)-limit:]
	}
	return list
}
