package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tangentchat/internal/audit"
)

// ReplayEngine deterministically re-executes a branch's user turns
// against a different model, producing a new provenance-linked branch.
type ReplayEngine struct {
	store   Store
	invoker ModelInvoker
	audit   audit.Sink
	now     func() time.Time
}

func NewReplayEngine(store Store, invoker ModelInvoker, sink audit.Sink) *ReplayEngine {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &ReplayEngine{store: store, invoker: invoker, audit: sink, now: time.Now}
}

// Replay re-runs the source branch's user turns on newModel. Messages
// strictly before the start index are copied into the new branch as a
// shared prefix; from the start index on, each user turn is sent to the
// model with the full context accumulated so far.
//
// The turn loop is strictly sequential: each turn's context depends on
// the previous turn's generated response, so turns of one replay cannot
// be parallelized. Independent replays of other branches can run
// concurrently. A failed turn aborts the remaining turns; turns already
// generated are kept, not rolled back.
func (e *ReplayEngine) Replay(ctx context.Context, conversationID, branchID, newModel, startFromMessageID string) (*Branch, error) {
	if newModel == "" {
		return nil, fmt.Errorf("%w: new model is required", ErrValidation)
	}
	if e.invoker == nil {
		return nil, fmt.Errorf("%w: no model invoker configured", ErrValidation)
	}

	conv, err := e.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	source, ok := conv.NodeMessages(branchID)
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}

	originalModel := ""
	label := "main thread"
	if b := conv.FindBranch(branchID); b != nil {
		originalModel = b.PrimaryModel()
		label = b.Label
	}

	startIdx := 0
	if startFromMessageID != "" {
		if idx := messageIndex(source, startFromMessageID); idx >= 0 {
			startIdx = idx
		}
	}

	now := e.now()
	nb := Branch{
		ID:                newBranchID(now),
		Label:             fmt.Sprintf("Replay of %s (%s)", label, newModel),
		ParentID:          branchID,
		ParentMessageID:   startFromMessageID,
		InheritedMessages: []Message{},
		BranchMessages:    cloneMessages(source[:startIdx]),
		Models:            []string{newModel},
		Active:            true,
		Replay: &ReplayProvenance{
			From:               branchID,
			OriginalModel:      originalModel,
			NewModel:           newModel,
			StartFromMessageID: startFromMessageID,
		},
		CreatedAt: now,
	}
	if nb.BranchMessages == nil {
		nb.BranchMessages = []Message{}
	}

	turns := 0
	var turnErr error
	for _, msg := range source[startIdx:] {
		if msg.Sender != SenderUser {
			continue
		}
		// Context plus the current user message; the response then joins
		// the context for the next turn.
		request := GenerationRequest{
			Model:    newModel,
			Messages: append(BuildContext(nb.BranchMessages), ToChatMessage(msg)),
		}
		gen, err := e.invoker.Generate(ctx, request)
		if err != nil {
			turnErr = fmt.Errorf("replay turn %d on %s: %w", turns+1, newModel, err)
			break
		}

		userCopy := msg
		userCopy.ChildMessageIDs = nil
		nb.BranchMessages = append(nb.BranchMessages, userCopy)

		replyAt := e.now()
		nb.BranchMessages = append(nb.BranchMessages, Message{
			ID:        newMessageID(replyAt),
			Text:      gen.Text,
			Sender:    SenderModel,
			Model:     newModel,
			Timestamp: replyAt,
			Metrics: &MessageMetrics{
				LatencyMS:  gen.Latency.Milliseconds(),
				TokensUsed: gen.TokensUsed,
				Cost:       gen.Cost,
			},
		})
		turns++
	}

	// Completed turns are persisted even when a later turn failed.
	conv.Branches = append(conv.Branches, nb)
	if err := e.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save replayed branch: %w", err)
	}

	if turnErr != nil {
		log.Warn().Err(turnErr).
			Str("conversation_id", conversationID).
			Str("branch_id", nb.ID).
			Int("turns_completed", turns).
			Msg("replay aborted")
		return &nb, turnErr
	}

	e.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "branch_replayed",
		BranchID:       nb.ID,
		Model:          newModel,
		Metadata: map[string]any{
			"source_branch_id": branchID,
			"turns":            turns,
		},
		CreatedAt: e.now(),
	})
	return &nb, nil
}

// ReplayHistory returns every branch whose provenance points back at the
// given source branch.
func (e *ReplayEngine) ReplayHistory(ctx context.Context, conversationID, branchID string) ([]Branch, error) {
	conv, err := e.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := []Branch{}
	for _, b := range conv.Branches {
		if b.Replay != nil && b.Replay.From == branchID {
			out = append(out, b)
		}
	}
	return out, nil
}
