package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentchat/internal/audit"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, text string, sender Sender, offset time.Duration) Message {
	return Message{
		ID:        id,
		Text:      text,
		Sender:    sender,
		Timestamp: testEpoch.Add(offset),
	}
}

// seedConversation stores a conversation with three main-thread messages
// (m1 user, m2 model, m3 user) and returns it.
func seedConversation(t *testing.T, store Store) *Conversation {
	t.Helper()
	conv := &Conversation{
		ID:    "conv-1",
		Title: "test conversation",
		Main: MainThread{
			Messages: []Message{
				msg("m1", "what is the capital of France?", SenderUser, 0),
				msg("m2", "The capital of France is Paris.", SenderModel, time.Minute),
				msg("m3", "and of Germany?", SenderUser, 2*time.Minute),
			},
		},
		Branches: []Branch{},
		Links:    []BranchLink{},
	}
	require.NoError(t, store.Create(context.Background(), conv))
	return conv
}

func TestCreateBranchInheritsContextUpToForkPoint(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	res, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	assert.False(t, res.Existed)
	assert.Equal(t, MainID, res.Branch.ParentID)
	assert.Equal(t, "m2", res.Branch.ParentMessageID)
	require.Len(t, res.Branch.InheritedMessages, 2)
	assert.Equal(t, "m1", res.Branch.InheritedMessages[0].ID)
	assert.Equal(t, "m2", res.Branch.InheritedMessages[1].ID)
	assert.Empty(t, res.Branch.BranchMessages)
	assert.Equal(t, []string{"gpt-4"}, res.Branch.Models)
}

func TestCreateBranchIdempotentPerDedupKey(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	first, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	require.False(t, first.Existed)

	second, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	assert.True(t, second.Existed)
	assert.Equal(t, first.Branch.ID, second.Branch.ID)
}

func TestCreateBranchMultiTypeDedupesOnForkPointAlone(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	first, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchMulti)
	require.NoError(t, err)
	require.False(t, first.Existed)

	// A different model at the same fork point is still a duplicate for
	// multi-model branches.
	second, err := svc.CreateBranch(ctx, "conv-1", "m2", "claude-3", BranchMulti)
	require.NoError(t, err)
	assert.True(t, second.Existed)
	assert.Equal(t, first.Branch.ID, second.Branch.ID)
}

func TestCreateBranchConcurrentCreatorsGetOneBranch(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	const n = 16
	results := make([]*CreateBranchResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateBranch(ctx, "conv-1", "m3", "gpt-4", BranchSingle)
		}(i)
	}
	wg.Wait()

	created := 0
	ids := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Existed {
			created++
		}
		ids[results[i].Branch.ID] = true
	}
	assert.Equal(t, 1, created, "exactly one caller must observe a fresh insert")
	assert.Len(t, ids, 1, "every caller must see the same branch")

	conv, err := store.FindByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, conv.Branches, 1)
}

func TestCreateBranchValidation(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "conv-1", "", "gpt-4", BranchSingle)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateBranch(ctx, "missing", "m2", "gpt-4", BranchSingle)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateBranch(ctx, "conv-1", "no-such-message", "gpt-4", BranchSingle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromoteBranchSwapsMessagesAndFlags(t *testing.T) {
	store := NewMemStore()
	rec := &audit.Recorder{}
	svc := NewBranchService(store, rec, nil)
	seedConversation(t, store)
	ctx := context.Background()

	res, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	branchID := res.Branch.ID

	_, err = svc.AppendMessage(ctx, "conv-1", branchID, msg("b1", "a better answer", SenderModel, 3*time.Minute))
	require.NoError(t, err)

	other, err := svc.CreateBranch(ctx, "conv-1", "m1", "claude-3", BranchSingle)
	require.NoError(t, err)

	conv, err := svc.PromoteBranch(ctx, "conv-1", branchID)
	require.NoError(t, err)

	require.Len(t, conv.Main.Messages, 1)
	assert.Equal(t, "b1", conv.Main.Messages[0].ID)

	promoted := conv.FindBranch(branchID)
	require.NotNil(t, promoted)
	assert.True(t, promoted.IsPromoted)
	// The branch now holds the old main thread.
	require.Len(t, promoted.BranchMessages, 3)
	assert.Equal(t, "m1", promoted.BranchMessages[0].ID)

	otherBranch := conv.FindBranch(other.Branch.ID)
	require.NotNil(t, otherBranch)
	assert.False(t, otherBranch.IsPromoted)

	require.NotNil(t, rec.Last("branch_promoted"))
}

func TestPromoteBranchNotFound(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)

	_, err := svc.PromoteBranch(context.Background(), "conv-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.PromoteBranch(context.Background(), "nope", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageNeverTouchesInheritedContext(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	res, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)

	b, err := svc.AppendMessage(ctx, "conv-1", res.Branch.ID, msg("b1", "local reply", SenderModel, 3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, b.InheritedMessages, 2)
	require.Len(t, b.BranchMessages, 1)
	assert.Equal(t, "b1", b.BranchMessages[0].ID)
}

func TestMergeBranchesDedupesAndSortsByTimestamp(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	// Both branches fork from m2 and share the inherited prefix m1, m2.
	b1, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	b2, err := svc.CreateBranch(ctx, "conv-1", "m1", "claude-3", BranchSingle)
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, "conv-1", b1.Branch.ID, msg("x2", "first branch reply", SenderModel, 10*time.Minute))
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "conv-1", b2.Branch.ID, msg("x1", "second branch reply", SenderModel, 5*time.Minute))
	require.NoError(t, err)

	merged, err := svc.MergeBranches(ctx, "conv-1", []string{b1.Branch.ID, b2.Branch.ID}, MergeCombine)
	require.NoError(t, err)

	// m1 appears in both inherited snapshots but only once in the merge;
	// order is timestamp ascending.
	var ids []string
	seen := map[string]int{}
	for _, m := range merged.BranchMessages {
		ids = append(ids, m.ID)
		seen[m.ID]++
	}
	assert.Equal(t, []string{"m1", "m2", "x1", "x2"}, ids)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s duplicated", id)
	}

	assert.Equal(t, []string{b1.Branch.ID, b2.Branch.ID}, merged.MergedFrom)
	assert.Equal(t, MergeCombine, merged.MergeStrategy)

	conv, err := store.FindByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, conv.FindBranch(b1.Branch.ID), "merged-away branch must be removed")
	assert.Nil(t, conv.FindBranch(b2.Branch.ID), "merged-away branch must be removed")
	require.NotNil(t, conv.FindBranch(merged.ID))
}

func TestMergeBranchesRequiresAtLeastTwo(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)

	_, err := svc.MergeBranches(context.Background(), "conv-1", []string{"only-one"}, MergeCombine)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMergeBranchesUnknownBranch(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)
	seedConversation(t, store)
	ctx := context.Background()

	b1, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)

	_, err = svc.MergeBranches(ctx, "conv-1", []string{b1.Branch.ID, "ghost"}, MergeCombine)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeSummarizeAppendsModelSummary(t *testing.T) {
	store := NewMemStore()
	invoker := &stubInvoker{text: "They discussed European capitals."}
	svc := NewBranchService(store, nil, invoker)
	seedConversation(t, store)
	ctx := context.Background()

	b1, err := svc.CreateBranch(ctx, "conv-1", "m2", "gpt-4", BranchSingle)
	require.NoError(t, err)
	b2, err := svc.CreateBranch(ctx, "conv-1", "m1", "claude-3", BranchSingle)
	require.NoError(t, err)

	merged, err := svc.MergeBranches(ctx, "conv-1", []string{b1.Branch.ID, b2.Branch.ID}, MergeSummarize)
	require.NoError(t, err)

	require.NotEmpty(t, merged.BranchMessages)
	last := merged.BranchMessages[len(merged.BranchMessages)-1]
	assert.Equal(t, SenderModel, last.Sender)
	assert.Equal(t, "They discussed European capitals.", last.Text)
	assert.Equal(t, 1, invoker.calls)
}

func TestStartConversationSeedsMainThread(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)

	conv, err := svc.StartConversation(context.Background(), "", Message{Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", conv.Title)
	require.Len(t, conv.Main.Messages, 1)
	assert.Equal(t, SenderUser, conv.Main.Messages[0].Sender)
	assert.NotEmpty(t, conv.Main.Messages[0].ID)

	_, err = svc.StartConversation(context.Background(), "", Message{Text: "   "})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStartConversationTruncatesTitleOnRuneBoundary(t *testing.T) {
	store := NewMemStore()
	svc := NewBranchService(store, nil, nil)

	long := strings.Repeat("ü", 80)
	conv, err := svc.StartConversation(context.Background(), "", Message{Text: long})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(conv.Title))
	assert.Equal(t, strings.Repeat("ü", 57)+"...", conv.Title)
}

// stubInvoker returns a fixed generation and counts invocations.
type stubInvoker struct {
	text  string
	calls int
	seen  []GenerationRequest
}

func (s *stubInvoker) Generate(ctx context.Context, req GenerationRequest) (*Generation, error) {
	s.calls++
	s.seen = append(s.seen, req)
	return &Generation{
		Text:       s.text,
		Latency:    25 * time.Millisecond,
		TokensUsed: 12,
		Cost:       0.0003,
	}, nil
}
