package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/lucy/pkg/models"
)

var (
	// ErrActionNotFound reports an unknown or already-resolved action id.
	ErrActionNotFound = errors.New("pending action not found")

	// ErrDuplicateAction rejects an insert that reuses a live action id.
	ErrDuplicateAction = errors.New("pending action id already in use")
)

// ResumeFunc continues (approved) or abandons (rejected) a gated call.
type ResumeFunc func(ctx context.Context, approved bool)

type pendingEntry struct {
	action *models.PendingAction
	resume ResumeFunc
}

// PendingStore holds unresolved actions keyed by id. Entries leave the
// store when resolved or pruned.
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewPendingStore builds an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{entries: make(map[string]*pendingEntry)}
}

// Add inserts an unresolved action. Ids must be unique among live
// entries.
func (s *PendingStore) Add(action *models.PendingAction, resume ResumeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[action.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, action.ID)
	}
	s.entries[action.ID] = &pendingEntry{action: action, resume: resume}
	return nil
}

// Get returns a live action by id.
func (s *PendingStore) Get(id string) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return entry.action, nil
}

// Resolve removes the action from the store, fires its resume callback
// with the verdict, and returns a resolved copy of the record.
func (s *PendingStore) Resolve(ctx context.Context, id string, approved bool) (*models.PendingAction, error) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}

	resolved := *entry.action
	resolved.Resolved = true
	if entry.resume != nil {
		entry.resume(ctx, approved)
	}
	return &resolved, nil
}

// Prune drops unresolved actions older than maxAge and returns how many
// were dropped.
func (s *PendingStore) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, entry := range s.entries {
		if entry.action.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live entries.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
