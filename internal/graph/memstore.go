package graph

import (
	"context"
	"sync"
	"time"
)

// MemStore is a threadsafe in-memory Store used in tests and as the
// development default. Reads and writes operate on deep copies so that
// callers never alias stored state.
type MemStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs: make(map[string]*Conversation),
		now:   time.Now,
	}
}

func (s *MemStore) FindByID(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemStore) Create(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return ErrConflict
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.convs[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemStore) Save(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = s.now()
	s.convs[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemStore) InsertBranchIfAbsent(ctx context.Context, conversationID string, b Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Branches {
		if c.Branches[i].ID == b.ID || c.Branches[i].ParentMessageID == b.ParentMessageID {
			return ErrConflict
		}
	}
	cp := cloneBranch(&b)
	c.Branches = append(c.Branches, *cp)
	c.UpdatedAt = s.now()
	return nil
}

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.Main.Messages = cloneMessages(c.Main.Messages)
	out.Main.Models = append([]string(nil), c.Main.Models...)
	out.Branches = make([]Branch, len(c.Branches))
	for i := range c.Branches {
		out.Branches[i] = *cloneBranch(&c.Branches[i])
	}
	out.Links = append([]BranchLink(nil), c.Links...)
	if c.Viewport != nil {
		out.Viewport = append([]byte(nil), c.Viewport...)
	}
	return &out
}

func cloneBranch(b *Branch) *Branch {
	out := *b
	out.InheritedMessages = cloneMessages(b.InheritedMessages)
	out.BranchMessages = cloneMessages(b.BranchMessages)
	out.Models = append([]string(nil), b.Models...)
	out.MergedFrom = append([]string(nil), b.MergedFrom...)
	if b.Links != nil {
		out.Links = &LinkRefs{
			Incoming: append([]string(nil), b.Links.Incoming...),
			Outgoing: append([]string(nil), b.Links.Outgoing...),
		}
	}
	if b.ContextIntegrity != nil {
		ci := *b.ContextIntegrity
		ci.Issues = append([]string(nil), b.ContextIntegrity.Issues...)
		out.ContextIntegrity = &ci
	}
	if b.Replay != nil {
		r := *b.Replay
		out.Replay = &r
	}
	return &out
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i]
		if msgs[i].Metrics != nil {
			m := *msgs[i].Metrics
			out[i].Metrics = &m
		}
		out[i].ChildMessageIDs = append([]string(nil), msgs[i].ChildMessageIDs...)
	}
	return out
}
