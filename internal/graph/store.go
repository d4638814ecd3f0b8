package graph

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component. The API edge maps these to
// status codes; callers may retry whole operations on ErrConflict.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// Store is the persistence contract for conversation aggregates. The
// backing store offers single-document atomic writes only: no
// multi-document transactions and no locks. Save is last-write-wins at
// the aggregate granularity.
type Store interface {
	// FindByID loads a conversation aggregate. Returns ErrNotFound when
	// the conversation does not exist.
	FindByID(ctx context.Context, id string) (*Conversation, error)

	// Create inserts a new conversation. Returns ErrConflict when the id
	// is already taken.
	Create(ctx context.Context, c *Conversation) error

	// Save replaces the whole aggregate. Concurrent writers to the same
	// conversation race; the later write wins.
	Save(ctx context.Context, c *Conversation) error

	// InsertBranchIfAbsent appends the branch to the conversation only if
	// no existing branch shares its id and no existing branch shares its
	// parentMessageId. This single conditional write is the store's
	// substitute for a transaction: it is what keeps branch creation
	// at-most-once per fork point under concurrent creators. Returns
	// ErrConflict when the predicate fails and ErrNotFound when the
	// conversation is missing.
	InsertBranchIfAbsent(ctx context.Context, conversationID string, b Branch) error
}
