package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tangentchat/internal/audit"
)

// BranchService owns the canonical tree/version state of a conversation:
// branch creation, promotion, appends and merges. All mutations go
// through the injected Store; the summarize merge strategy additionally
// consults the model-invocation collaborator when one is configured.
type BranchService struct {
	store   Store
	audit   audit.Sink
	invoker ModelInvoker
	now     func() time.Time
}

func NewBranchService(store Store, sink audit.Sink, invoker ModelInvoker) *BranchService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &BranchService{store: store, audit: sink, invoker: invoker, now: time.Now}
}

// CreateBranchResult reports the branch returned by CreateBranch and
// whether it already existed at the requested fork point.
type CreateBranchResult struct {
	Branch  Branch `json:"branch"`
	Existed bool   `json:"existed"`
}

// StartConversation creates a new aggregate seeded with the first user
// message on the main thread.
func (s *BranchService) StartConversation(ctx context.Context, title string, first Message) (*Conversation, error) {
	if strings.TrimSpace(first.Text) == "" {
		return nil, fmt.Errorf("%w: first message text is required", ErrValidation)
	}
	now := s.now()
	if first.ID == "" {
		first.ID = newMessageID(now)
	}
	if first.Timestamp.IsZero() {
		first.Timestamp = now
	}
	if first.Sender == "" {
		first.Sender = SenderUser
	}
	if title == "" {
		title = trimTitle(first.Text)
	}
	conv := &Conversation{
		ID:    newConversationID(now),
		Title: title,
		Main: MainThread{
			Messages: []Message{first},
		},
		Branches: []Branch{},
		Links:    []BranchLink{},
	}
	if err := s.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: conv.ID,
		Name:           "conversation_started",
		CreatedAt:      now,
	})
	return conv, nil
}

// GetConversation loads an aggregate by id.
func (s *BranchService) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.store.FindByID(ctx, id)
}

// CreateBranch forks a branch at parentMessageID, idempotently under the
// (conversation, parentMessageId, model) dedup key.
//
// The store has no cross-document transactions, so creation runs a
// conditional-insert-then-recheck protocol: dedup check on a fresh read,
// then a conditional append that only succeeds when no branch shares the
// fork point, then a re-read on conflict. Under concurrent creators this
// guarantees at most one branch per fork point, with every caller handed
// the same branch.
func (s *BranchService) CreateBranch(ctx context.Context, conversationID, parentMessageID, model string, branchType BranchType) (*CreateBranchResult, error) {
	if conversationID == "" || parentMessageID == "" {
		return nil, fmt.Errorf("%w: conversation id and parent message id are required", ErrValidation)
	}
	if branchType == "" {
		branchType = BranchSingle
	}

	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if dup := findDuplicateBranch(conv, parentMessageID, model, branchType); dup != nil {
		return &CreateBranchResult{Branch: *dup, Existed: true}, nil
	}

	parentID, inherited, err := forkContext(conv, parentMessageID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	b := Branch{
		ID:                newBranchID(now),
		Label:             fmt.Sprintf("Branch %d", len(conv.Branches)+1),
		ParentID:          parentID,
		ParentMessageID:   parentMessageID,
		BranchType:        branchType,
		InheritedMessages: inherited,
		BranchMessages:    []Message{},
		Models:            []string{},
		Active:            true,
		CreatedAt:         now,
	}
	if model != "" {
		b.Models = []string{model}
	}

	err = s.store.InsertBranchIfAbsent(ctx, conversationID, b)
	if errors.Is(err, ErrConflict) {
		// Lost the race: someone else claimed this fork point between our
		// read and the conditional append. Re-read and hand back theirs.
		fresh, ferr := s.store.FindByID(ctx, conversationID)
		if ferr != nil {
			return nil, ferr
		}
		if dup := findDuplicateBranch(fresh, parentMessageID, model, branchType); dup != nil {
			return &CreateBranchResult{Branch: *dup, Existed: true}, nil
		}
		if existing := branchAtForkPoint(fresh, parentMessageID); existing != nil {
			return &CreateBranchResult{Branch: *existing, Existed: true}, nil
		}
		return nil, fmt.Errorf("%w: concurrent branch creation at message %s", ErrConflict, parentMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert branch: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "branch_created",
		BranchID:       b.ID,
		Model:          model,
		Metadata: map[string]any{
			"parent_message_id": parentMessageID,
			"branch_type":       string(branchType),
		},
		CreatedAt: now,
	})
	return &CreateBranchResult{Branch: b, Existed: false}, nil
}

// PromoteBranch swaps the target branch's local messages with the main
// thread, marks it promoted and clears the flag on every other branch.
func (s *BranchService) PromoteBranch(ctx context.Context, conversationID, branchID string) (*Conversation, error) {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b := conv.FindBranch(branchID)
	if b == nil {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}

	conv.Main.Messages, b.BranchMessages = b.BranchMessages, conv.Main.Messages
	for i := range conv.Branches {
		conv.Branches[i].IsPromoted = conv.Branches[i].ID == branchID
	}

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save promoted conversation: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "branch_promoted",
		BranchID:       branchID,
		CreatedAt:      s.now(),
	})
	return conv, nil
}

// AppendMessage pushes a message onto the branch's local list. Inherited
// context is never touched.
func (s *BranchService) AppendMessage(ctx context.Context, conversationID, branchID string, msg Message) (*Branch, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("%w: message text is required", ErrValidation)
	}
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if msg.ID == "" {
		msg.ID = newMessageID(now)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if branchID == MainID {
		conv.Main.Messages = append(conv.Main.Messages, msg)
		if err := s.store.Save(ctx, conv); err != nil {
			return nil, fmt.Errorf("save conversation: %w", err)
		}
		return nil, nil
	}
	b := conv.FindBranch(branchID)
	if b == nil {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}
	b.BranchMessages = append(b.BranchMessages, msg)
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}
	out := *b
	return &out, nil
}

// MergeBranches combines two or more branches into a new branch and
// removes the originals. Messages are deduped by id (first occurrence
// wins) and ordered by timestamp ascending. The summarize strategy
// additionally asks the model collaborator for a closing summary turn;
// when no invoker is configured, or the call fails, the merge degrades
// to combine semantics rather than failing.
func (s *BranchService) MergeBranches(ctx context.Context, conversationID string, branchIDs []string, strategy MergeStrategy) (*Branch, error) {
	if len(branchIDs) < 2 {
		return nil, fmt.Errorf("%w: at least two branches are required to merge", ErrValidation)
	}
	if strategy == "" {
		strategy = MergeCombine
	}
	if strategy != MergeCombine && strategy != MergeSummarize {
		return nil, fmt.Errorf("%w: unknown merge strategy %q", ErrValidation, strategy)
	}

	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sources := make([]*Branch, 0, len(branchIDs))
	for _, id := range branchIDs {
		b := conv.FindBranch(id)
		if b == nil {
			return nil, fmt.Errorf("%w: branch %s", ErrNotFound, id)
		}
		sources = append(sources, b)
	}

	merged := dedupeByID(sources)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	now := s.now()
	labels := make([]string, 0, len(sources))
	models := make([]string, 0)
	seen := map[string]bool{}
	for _, src := range sources {
		labels = append(labels, src.Label)
		for _, m := range src.Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}

	mb := Branch{
		ID:                newBranchID(now),
		Label:             "Merged: " + strings.Join(labels, " + "),
		ParentID:          MainID,
		ParentMessageID:   sources[0].ParentMessageID,
		InheritedMessages: []Message{},
		BranchMessages:    merged,
		Models:            models,
		Active:            true,
		MergedFrom:        append([]string(nil), branchIDs...),
		MergeStrategy:     strategy,
		CreatedAt:         now,
	}

	if strategy == MergeSummarize {
		if summary := s.summarize(ctx, mb.BranchMessages, mb.PrimaryModel()); summary != nil {
			mb.BranchMessages = append(mb.BranchMessages, *summary)
		}
	}

	removed := map[string]bool{}
	for _, id := range branchIDs {
		removed[id] = true
	}
	kept := conv.Branches[:0]
	for _, b := range conv.Branches {
		if !removed[b.ID] {
			kept = append(kept, b)
		}
	}
	conv.Branches = append(kept, mb)

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save merged conversation: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "branches_merged",
		BranchID:       mb.ID,
		Metadata: map[string]any{
			"merged_from": branchIDs,
			"strategy":    string(strategy),
			"messages":    len(mb.BranchMessages),
		},
		CreatedAt: now,
	})
	return &mb, nil
}

func (s *BranchService) summarize(ctx context.Context, msgs []Message, model string) *Message {
	if s.invoker == nil || len(msgs) == 0 {
		return nil
	}
	prompt := ChatMessage{
		Role:    RoleUser,
		Content: "Summarize the merged conversation above in a short paragraph, keeping any conclusions that were reached.",
	}
	gen, err := s.invoker.Generate(ctx, GenerationRequest{
		Model:    model,
		Messages: append(BuildContext(msgs), prompt),
	})
	if err != nil {
		log.Warn().Err(err).Str("model", model).Msg("merge summary generation failed, keeping combine result")
		return nil
	}
	now := s.now()
	return &Message{
		ID:        newMessageID(now),
		Text:      gen.Text,
		Sender:    SenderModel,
		Model:     model,
		Timestamp: now,
		Metrics: &MessageMetrics{
			LatencyMS:  gen.Latency.Milliseconds(),
			TokensUsed: gen.TokensUsed,
			Cost:       gen.Cost,
		},
	}
}

// findDuplicateBranch applies the dedup key: same fork point, and either
// a multi-model branch or the same model already selected.
func findDuplicateBranch(conv *Conversation, parentMessageID, model string, branchType BranchType) *Branch {
	for i := range conv.Branches {
		b := &conv.Branches[i]
		if b.ParentMessageID != parentMessageID {
			continue
		}
		if branchType == BranchMulti || b.HasModel(model) {
			return b
		}
	}
	return nil
}

func branchAtForkPoint(conv *Conversation, parentMessageID string) *Branch {
	for i := range conv.Branches {
		if conv.Branches[i].ParentMessageID == parentMessageID {
			return &conv.Branches[i]
		}
	}
	return nil
}

// forkContext locates the node owning parentMessageID and snapshots the
// ancestor context up to and including the fork message.
func forkContext(conv *Conversation, parentMessageID string) (string, []Message, error) {
	if idx := messageIndex(conv.Main.Messages, parentMessageID); idx >= 0 {
		return MainID, cloneMessages(conv.Main.Messages[:idx+1]), nil
	}
	for i := range conv.Branches {
		b := &conv.Branches[i]
		flat := b.Flatten()
		if idx := messageIndex(flat, parentMessageID); idx >= 0 {
			return b.ID, cloneMessages(flat[:idx+1]), nil
		}
	}
	return "", nil, fmt.Errorf("%w: parent message %s", ErrNotFound, parentMessageID)
}

func messageIndex(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func dedupeByID(sources []*Branch) []Message {
	seen := map[string]bool{}
	out := make([]Message, 0)
	for _, src := range sources {
		for _, m := range src.Flatten() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

func trimTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 60 {
		return string(runes[:57]) + "..."
	}
	return string(runes)
}

// Branch and message ids are random-suffixed timestamp tokens: unique,
// roughly sortable, and never reused.
func newBranchID(now time.Time) string {
	return fmt.Sprintf("branch-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func newConversationID(now time.Time) string {
	return fmt.Sprintf("conv-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
