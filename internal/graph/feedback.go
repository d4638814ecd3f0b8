package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tangentchat/internal/audit"
)

// FeedbackService aggregates per-branch votes and confidence signals
// into per-model performance and derived selection weights.
type FeedbackService struct {
	store Store
	audit audit.Sink
	now   func() time.Time
}

func NewFeedbackService(store Store, sink audit.Sink) *FeedbackService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &FeedbackService{store: store, audit: sink, now: time.Now}
}

// ModelPerformance is the aggregate for one model across all branches
// that selected it as their primary model.
type ModelPerformance struct {
	Model             string  `json:"model"`
	Upvotes           int     `json:"upvotes"`
	Downvotes         int     `json:"downvotes"`
	SuccessRate       float64 `json:"success_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	Branches          int     `json:"branches"`
}

// RecordFeedback increments the branch's vote counter and emits an
// audit event.
func (s *FeedbackService) RecordFeedback(ctx context.Context, conversationID, branchID string, vote Vote) (*Branch, error) {
	if vote != VoteUp && vote != VoteDown {
		return nil, fmt.Errorf("%w: vote must be %q or %q", ErrValidation, VoteUp, VoteDown)
	}
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b := conv.FindBranch(branchID)
	if b == nil {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}
	if vote == VoteUp {
		b.Upvotes++
	} else {
		b.Downvotes++
	}
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "feedback_recorded",
		BranchID:       branchID,
		Model:          b.PrimaryModel(),
		Metadata: map[string]any{
			"vote":      string(vote),
			"upvotes":   b.Upvotes,
			"downvotes": b.Downvotes,
		},
		CreatedAt: s.now(),
	})
	out := *b
	return &out, nil
}

// ModelPerformanceList attributes every branch's votes and confidence to
// its primary model and returns aggregates sorted by success rate
// descending, ties broken by raw upvotes descending.
func (s *FeedbackService) ModelPerformanceList(ctx context.Context, conversationID string) ([]ModelPerformance, error) {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	byModel := map[string]*ModelPerformance{}
	order := []string{}
	for i := range conv.Branches {
		b := &conv.Branches[i]
		model := b.PrimaryModel()
		perf, ok := byModel[model]
		if !ok {
			perf = &ModelPerformance{Model: model}
			byModel[model] = perf
			order = append(order, model)
		}
		perf.Upvotes += b.Upvotes
		perf.Downvotes += b.Downvotes
		// Running mean over the branches attributed to this model.
		perf.AverageConfidence = (perf.AverageConfidence*float64(perf.Branches) + b.Confidence) / float64(perf.Branches+1)
		perf.Branches++
	}

	out := make([]ModelPerformance, 0, len(order))
	for _, model := range order {
		perf := byModel[model]
		if total := perf.Upvotes + perf.Downvotes; total > 0 {
			perf.SuccessRate = float64(perf.Upvotes) / float64(total)
		}
		out = append(out, *perf)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Upvotes > out[j].Upvotes
	})
	return out, nil
}

// RecommendedModel returns the best-performing model, or nil when the
// conversation has no branches.
func (s *FeedbackService) RecommendedModel(ctx context.Context, conversationID string) (*ModelPerformance, error) {
	perf, err := s.ModelPerformanceList(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(perf) == 0 {
		return nil, nil
	}
	top := perf[0]
	return &top, nil
}

// ModelWeights derives a selection weight per model: success rate
// inflated by a volume term, so models with more positive feedback are
// favored even at equal success rates.
func (s *FeedbackService) ModelWeights(ctx context.Context, conversationID string) (map[string]float64, error) {
	perf, err := s.ModelPerformanceList(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	weights := make(map[string]float64, len(perf))
	for _, p := range perf {
		weights[p.Model] = p.SuccessRate * (1 + float64(p.Upvotes)/10)
	}
	return weights, nil
}
