package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentchat/internal/audit"
)

// flakyInvoker succeeds for a fixed number of calls and fails after.
type flakyInvoker struct {
	succeed int
	calls   int
	seen    []GenerationRequest
}

func (f *flakyInvoker) Generate(ctx context.Context, req GenerationRequest) (*Generation, error) {
	f.calls++
	f.seen = append(f.seen, req)
	if f.calls > f.succeed {
		return nil, errors.New("model unavailable")
	}
	return &Generation{Text: "replayed answer", Latency: 10 * time.Millisecond, TokensUsed: 7}, nil
}

func TestReplayMainThread(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	inv := &stubInvoker{text: "fresh answer"}
	rec := &audit.Recorder{}
	eng := NewReplayEngine(store, inv, rec)
	ctx := context.Background()

	b, err := eng.Replay(ctx, "conv-1", MainID, "model-x", "")
	require.NoError(t, err)

	// Two user turns (m1, m3), each followed by a generated reply.
	assert.Equal(t, 2, inv.calls)
	require.Len(t, b.BranchMessages, 4)
	assert.Equal(t, "m1", b.BranchMessages[0].ID)
	assert.Equal(t, SenderModel, b.BranchMessages[1].Sender)
	assert.Equal(t, "model-x", b.BranchMessages[1].Model)
	assert.Equal(t, "m3", b.BranchMessages[2].ID)

	require.NotNil(t, b.BranchMessages[1].Metrics)
	assert.Equal(t, 12, b.BranchMessages[1].Metrics.TokensUsed)

	require.NotNil(t, b.Replay)
	assert.Equal(t, MainID, b.Replay.From)
	assert.Equal(t, "model-x", b.Replay.NewModel)
	assert.Equal(t, "", b.Replay.OriginalModel)

	// The new branch is persisted on the conversation.
	conv, err := store.FindByID(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.FindBranch(b.ID))

	ev := rec.Last("branch_replayed")
	require.NotNil(t, ev)
	assert.Equal(t, 2, ev.Metadata["turns"])
}

func TestReplayContextGrowsAcrossTurns(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	inv := &stubInvoker{text: "ok"}
	eng := NewReplayEngine(store, inv, nil)

	_, err := eng.Replay(context.Background(), "conv-1", MainID, "model-x", "")
	require.NoError(t, err)

	require.Len(t, inv.seen, 2)
	// First turn: just m1. Second turn: m1, the generated reply, then m3.
	require.Len(t, inv.seen[0].Messages, 1)
	assert.Equal(t, "what is the capital of France?", inv.seen[0].Messages[0].Content)
	require.Len(t, inv.seen[1].Messages, 3)
	assert.Equal(t, RoleAssistant, inv.seen[1].Messages[1].Role)
	assert.Equal(t, "ok", inv.seen[1].Messages[1].Content)
	assert.Equal(t, "and of Germany?", inv.seen[1].Messages[2].Content)
}

func TestReplayFromMidpointCopiesPrefix(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	inv := &stubInvoker{text: "different answer"}
	eng := NewReplayEngine(store, inv, nil)

	b, err := eng.Replay(context.Background(), "conv-1", MainID, "model-x", "m3")
	require.NoError(t, err)

	// m1 and m2 are copied verbatim; only m3 is re-run.
	assert.Equal(t, 1, inv.calls)
	require.Len(t, b.BranchMessages, 4)
	assert.Equal(t, "m1", b.BranchMessages[0].ID)
	assert.Equal(t, "m2", b.BranchMessages[1].ID)
	assert.Equal(t, "m3", b.BranchMessages[2].ID)
	assert.Equal(t, "different answer", b.BranchMessages[3].Text)

	// The single request carries the copied prefix as context.
	require.Len(t, inv.seen[0].Messages, 3)
}

func TestReplayBranchRecordsOriginalModel(t *testing.T) {
	store := NewMemStore()
	conv := seedConversation(t, store)
	conv.Branches = append(conv.Branches, Branch{
		ID:              "b1",
		Label:           "gpt take",
		ParentID:        MainID,
		ParentMessageID: "m2",
		InheritedMessages: []Message{
			msg("m1", "what is the capital of France?", SenderUser, 0),
		},
		BranchMessages: []Message{
			msg("u1", "answer in one word", SenderUser, 3*time.Minute),
		},
		Models: []string{"model-old"},
	})
	require.NoError(t, store.Save(context.Background(), conv))

	inv := &stubInvoker{text: "Paris"}
	eng := NewReplayEngine(store, inv, nil)

	b, err := eng.Replay(context.Background(), "conv-1", "b1", "model-new", "")
	require.NoError(t, err)
	require.NotNil(t, b.Replay)
	assert.Equal(t, "b1", b.Replay.From)
	assert.Equal(t, "model-old", b.Replay.OriginalModel)
	assert.Equal(t, "model-new", b.Replay.NewModel)
	assert.Contains(t, b.Label, "gpt take")
}

func TestReplayFailedTurnKeepsPartialBranch(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	inv := &flakyInvoker{succeed: 1}
	eng := NewReplayEngine(store, inv, nil)
	ctx := context.Background()

	b, err := eng.Replay(ctx, "conv-1", MainID, "model-x", "")
	require.Error(t, err)
	require.NotNil(t, b)

	// The first turn completed before the failure and is kept.
	require.Len(t, b.BranchMessages, 2)
	assert.Equal(t, "m1", b.BranchMessages[0].ID)
	assert.Equal(t, "replayed answer", b.BranchMessages[1].Text)

	// The partial branch is persisted, not rolled back.
	conv, err := store.FindByID(ctx, "conv-1")
	require.NoError(t, err)
	got := conv.FindBranch(b.ID)
	require.NotNil(t, got)
	assert.Len(t, got.BranchMessages, 2)
}

func TestReplayValidation(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	eng := NewReplayEngine(store, &stubInvoker{}, nil)
	ctx := context.Background()

	_, err := eng.Replay(ctx, "conv-1", MainID, "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Replay(ctx, "conv-1", "ghost", "model-x", "")
	assert.ErrorIs(t, err, ErrNotFound)

	noInvoker := NewReplayEngine(store, nil, nil)
	_, err = noInvoker.Replay(ctx, "conv-1", MainID, "model-x", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReplayHistory(t *testing.T) {
	store := NewMemStore()
	seedConversation(t, store)
	inv := &stubInvoker{text: "take"}
	eng := NewReplayEngine(store, inv, nil)
	ctx := context.Background()

	first, err := eng.Replay(ctx, "conv-1", MainID, "model-x", "")
	require.NoError(t, err)
	second, err := eng.Replay(ctx, "conv-1", MainID, "model-y", "")
	require.NoError(t, err)

	history, err := eng.ReplayHistory(ctx, "conv-1", MainID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	ids := []string{history[0].ID, history[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	// Replays of the replayed branch do not show up under main.
	nested, err := eng.Replay(ctx, "conv-1", first.ID, "model-z", "")
	require.NoError(t, err)
	history, err = eng.ReplayHistory(ctx, "conv-1", first.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, nested.ID, history[0].ID)
}
