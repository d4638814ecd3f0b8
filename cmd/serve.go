package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tangentchat/internal/api"
	"github.com/tangentchat/internal/audit"
	"github.com/tangentchat/internal/config"
	"github.com/tangentchat/internal/database"
	"github.com/tangentchat/internal/graph"
	"github.com/tangentchat/internal/jobqueue"
	"github.com/tangentchat/internal/llm"
	mongostore "github.com/tangentchat/internal/mongo"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Tangent API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := cfg.Server.Port
	if c.Int("port") > 0 {
		port = c.Int("port")
	}

	ctx := context.Background()

	// Conversation store: MongoDB when configured, in-memory otherwise.
	var store graph.Store
	if cfg.Mongo.URI != "" {
		ms, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		defer ms.Close(context.Background())
		store = ms
	} else {
		log.Warn().Msg("no mongo uri configured, conversations are held in memory only")
		store = graph.NewMemStore()
	}

	// Audit sink: Postgres when configured, structured log otherwise.
	var sink audit.Sink = audit.LogSink{}
	var auditDB *sql.DB
	if cfg.Postgres.URL != "" {
		auditDB, err = database.NewDB(cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer auditDB.Close()
		if err := database.EnsureAuditSchema(ctx, auditDB); err != nil {
			return err
		}
		sink = audit.NewPostgresSink(auditDB)
	}

	connector, err := llm.NewConnector(ctx, llm.ConnectorOptions{
		Provider:     llm.Provider(cfg.LLM.Provider),
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		CostPerToken: cfg.LLM.CostPerToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create model connector: %w", err)
	}
	invoker := llm.NewResilientInvoker(connector, llm.ResilientOptions{
		MaxRetries:        cfg.LLM.MaxRetries,
		BaseDelay:         cfg.LLM.BaseDelay,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})

	branches := graph.NewBranchService(store, sink, invoker)
	links := graph.NewLinkService(store, sink)
	comparator := graph.NewComparator(store)
	feedback := graph.NewFeedbackService(store, sink)
	replay := graph.NewReplayEngine(store, invoker, sink)

	// Background replay queue, only when Postgres is available.
	var queue api.ReplayQueue
	if cfg.Replay.Workers > 0 && cfg.Postgres.URL != "" {
		pool, err := database.NewPool(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to create job queue pool: %w", err)
		}
		defer pool.Close()

		qc := jobqueue.DefaultQueueConfig()
		qc.MaxWorkers = cfg.Replay.Workers
		jq, err := jobqueue.NewJobQueue(pool, replay, sink, qc)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := jq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer jq.Stop(context.Background())
		queue = jq
	}

	log.Info().Int("port", port).Str("llm_provider", cfg.LLM.Provider).Msg("starting tangent api server")

	server := api.NewServer(port, cfg.Server.ShutdownTimeout, api.Deps{
		Branches: branches,
		Links:    links,
		Compare:  comparator,
		Feedback: feedback,
		Replay:   replay,
		Queue:    queue,
	})
	return server.Start()
}
