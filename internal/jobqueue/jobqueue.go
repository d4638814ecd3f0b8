/*
Package jobqueue provides a River-based job queue for running branch
replays in the background.

For worker counts and timeouts, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/tangentchat/internal/audit"
	"github.com/tangentchat/internal/graph"
)

// ReplayJobArgs represents the arguments for a branch replay job
type ReplayJobArgs struct {
	ConversationID     string `json:"conversation_id"`
	BranchID           string `json:"branch_id"`
	NewModel           string `json:"new_model"`
	StartFromMessageID string `json:"start_from_message_id,omitempty"`
}

// Kind returns the job kind for River
func (ReplayJobArgs) Kind() string {
	return "branch_replay"
}

// ReplayWorker executes queued replays against the replay engine.
type ReplayWorker struct {
	river.WorkerDefaults[ReplayJobArgs]
	engine *graph.ReplayEngine
	config *QueueConfig
}

// Work performs one replay. A partial replay (some turns completed
// before a model failure) is already persisted by the engine, so the
// error returned here tells River to retry only the failed remainder
// as a fresh replay.
func (w *ReplayWorker) Work(ctx context.Context, job *river.Job[ReplayJobArgs]) error {
	args := job.Args

	if w.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}

	log.Info().
		Str("conversation_id", args.ConversationID).
		Str("branch_id", args.BranchID).
		Str("new_model", args.NewModel).
		Int("attempt", job.Attempt).
		Msg("processing replay job")

	b, err := w.engine.Replay(ctx, args.ConversationID, args.BranchID, args.NewModel, args.StartFromMessageID)
	if err != nil {
		return fmt.Errorf("replay job for branch %s: %w", args.BranchID, err)
	}

	log.Info().
		Str("conversation_id", args.ConversationID).
		Str("source_branch_id", args.BranchID).
		Str("replayed_branch_id", b.ID).
		Msg("replay job completed")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	audit  audit.Sink
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance on an existing pool.
func NewJobQueue(pool *pgxpool.Pool, engine *graph.ReplayEngine, sink audit.Sink, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ReplayWorker{engine: engine, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
		MaxAttempts: config.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		audit:  sink,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueReplay queues a branch replay job and returns the job ID.
func (jq *JobQueue) EnqueueReplay(ctx context.Context, conversationID, branchID, newModel, startFromMessageID string) (int64, error) {
	args := ReplayJobArgs{
		ConversationID:     conversationID,
		BranchID:           branchID,
		NewModel:           newModel,
		StartFromMessageID: startFromMessageID,
	}

	res, err := jq.client.Insert(ctx, args, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to queue replay job: %w", err)
	}

	jq.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "replay_enqueued",
		BranchID:       branchID,
		Model:          newModel,
		Metadata:       map[string]any{"job_id": res.Job.ID},
		CreatedAt:      time.Now().UTC(),
	})
	return res.Job.ID, nil
}
