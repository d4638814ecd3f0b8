package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentchat/internal/audit"
)

// seedForFeedback stores branches for two models with pre-counted votes:
// model-a has 8 up / 2 down across two branches, model-b 3 up / 0 down.
func seedForFeedback(t *testing.T, store Store) {
	t.Helper()
	conv := &Conversation{
		ID:    "conv-1",
		Title: "feedback",
		Main:  MainThread{Messages: []Message{msg("m1", "hi", SenderUser, 0)}},
		Branches: []Branch{
			{ID: "b1", Models: []string{"model-a"}, Upvotes: 5, Downvotes: 1, Confidence: 0.8},
			{ID: "b2", Models: []string{"model-a"}, Upvotes: 3, Downvotes: 1, Confidence: 0.6},
			{ID: "b3", Models: []string{"model-b"}, Upvotes: 3, Downvotes: 0, Confidence: 0.9},
		},
		Links: []BranchLink{},
	}
	require.NoError(t, store.Create(context.Background(), conv))
}

func TestRecordFeedbackIncrementsAndAudits(t *testing.T) {
	store := NewMemStore()
	seedForFeedback(t, store)
	rec := &audit.Recorder{}
	svc := NewFeedbackService(store, rec)
	ctx := context.Background()

	b, err := svc.RecordFeedback(ctx, "conv-1", "b1", VoteUp)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Upvotes)
	assert.Equal(t, 1, b.Downvotes)

	b, err = svc.RecordFeedback(ctx, "conv-1", "b1", VoteDown)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Upvotes)
	assert.Equal(t, 2, b.Downvotes)

	// Counters survive a round trip through the store.
	conv, err := store.FindByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 6, conv.FindBranch("b1").Upvotes)

	ev := rec.Last("feedback_recorded")
	require.NotNil(t, ev)
	assert.Equal(t, "b1", ev.BranchID)
	assert.Equal(t, "model-a", ev.Model)
}

func TestRecordFeedbackRejectsBadVote(t *testing.T) {
	store := NewMemStore()
	seedForFeedback(t, store)
	svc := NewFeedbackService(store, nil)

	_, err := svc.RecordFeedback(context.Background(), "conv-1", "b1", Vote("sideways"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RecordFeedback(context.Background(), "conv-1", "ghost", VoteUp)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModelPerformanceSortsBySuccessRateThenUpvotes(t *testing.T) {
	store := NewMemStore()
	seedForFeedback(t, store)
	svc := NewFeedbackService(store, nil)

	perf, err := svc.ModelPerformanceList(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, perf, 2)

	// model-b's perfect 3/3 outranks model-a's 8/10 despite far fewer
	// total votes.
	assert.Equal(t, "model-b", perf[0].Model)
	assert.Equal(t, 1.0, perf[0].SuccessRate)
	assert.Equal(t, "model-a", perf[1].Model)
	assert.Equal(t, 0.8, perf[1].SuccessRate)
	assert.Equal(t, 8, perf[1].Upvotes)
	assert.Equal(t, 2, perf[1].Downvotes)
	assert.Equal(t, 2, perf[1].Branches)
	assert.InDelta(t, 0.7, perf[1].AverageConfidence, 1e-9)
}

func TestModelPerformanceTieBreaksOnUpvotes(t *testing.T) {
	store := NewMemStore()
	conv := &Conversation{
		ID:   "conv-1",
		Main: MainThread{Messages: []Message{}},
		Branches: []Branch{
			{ID: "b1", Models: []string{"small"}, Upvotes: 2, Downvotes: 0},
			{ID: "b2", Models: []string{"large"}, Upvotes: 9, Downvotes: 0},
		},
	}
	require.NoError(t, store.Create(context.Background(), conv))
	svc := NewFeedbackService(store, nil)

	perf, err := svc.ModelPerformanceList(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, "large", perf[0].Model)
	assert.Equal(t, "small", perf[1].Model)
}

func TestModelPerformanceUnvotedBranch(t *testing.T) {
	store := NewMemStore()
	conv := &Conversation{
		ID:       "conv-1",
		Main:     MainThread{Messages: []Message{}},
		Branches: []Branch{{ID: "b1", Models: []string{"quiet"}}},
	}
	require.NoError(t, store.Create(context.Background(), conv))
	svc := NewFeedbackService(store, nil)

	perf, err := svc.ModelPerformanceList(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, float64(0), perf[0].SuccessRate)
}

func TestRecommendedModel(t *testing.T) {
	store := NewMemStore()
	seedForFeedback(t, store)
	svc := NewFeedbackService(store, nil)

	top, err := svc.RecommendedModel(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, "model-b", top.Model)
}

func TestRecommendedModelEmptyConversation(t *testing.T) {
	store := NewMemStore()
	conv := &Conversation{ID: "conv-1", Main: MainThread{Messages: []Message{}}}
	require.NoError(t, store.Create(context.Background(), conv))
	svc := NewFeedbackService(store, nil)

	top, err := svc.RecommendedModel(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Nil(t, top)
}

func TestModelWeights(t *testing.T) {
	store := NewMemStore()
	seedForFeedback(t, store)
	svc := NewFeedbackService(store, nil)

	weights, err := svc.ModelWeights(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, weights, 2)

	// weight = successRate * (1 + upvotes/10)
	assert.InDelta(t, 0.8*(1+0.8), weights["model-a"], 1e-9)
	assert.InDelta(t, 1.0*(1+0.3), weights["model-b"], 1e-9)
}

func TestModelWeightsVolumeBeatsPerfection(t *testing.T) {
	store := NewMemStore()
	conv := &Conversation{
		ID:   "conv-1",
		Main: MainThread{Messages: []Message{}},
		Branches: []Branch{
			{ID: "b1", Models: []string{"popular"}, Upvotes: 40, Downvotes: 10},
			{ID: "b2", Models: []string{"perfect"}, Upvotes: 1, Downvotes: 0},
		},
	}
	require.NoError(t, store.Create(context.Background(), conv))
	svc := NewFeedbackService(store, nil)

	weights, err := svc.ModelWeights(context.Background(), "conv-1")
	require.NoError(t, err)

	// 0.8*(1+4.0) = 4.0 against 1.0*(1+0.1) = 1.1: the volume term lets
	// heavily upvoted models overtake a perfect but barely used one.
	assert.Greater(t, weights["popular"], weights["perfect"])
}
