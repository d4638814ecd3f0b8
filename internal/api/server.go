package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tangentchat/internal/graph"
	"github.com/tangentchat/internal/llm"
)

// ReplayQueue enqueues a replay for background execution. Nil when the
// deployment runs without a job queue; replays are then executed inline.
type ReplayQueue interface {
	EnqueueReplay(ctx context.Context, conversationID, branchID, newModel, startFromMessageID string) (int64, error)
}

// Deps bundles the services the HTTP surface exposes.
type Deps struct {
	Branches *graph.BranchService
	Links    *graph.LinkService
	Compare  *graph.Comparator
	Feedback *graph.FeedbackService
	Replay   *graph.ReplayEngine
	Queue    ReplayQueue
}

// Server represents the API server
type Server struct {
	echo            *echo.Echo
	port            int
	shutdownTimeout time.Duration
	deps            Deps
}

// NewServer creates a new API server
func NewServer(port int, shutdownTimeout time.Duration, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	server := &Server{
		echo:            e,
		port:            port,
		shutdownTimeout: shutdownTimeout,
		deps:            deps,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	// Conversations
	v1.POST("/conversations", s.startConversation)
	v1.GET("/conversations/:id", s.getConversation)
	v1.POST("/conversations/:id/messages", s.appendMessage)

	// Branches
	v1.POST("/conversations/:id/branches", s.createBranch)
	v1.POST("/conversations/:id/branches/:branchId/promote", s.promoteBranch)
	v1.POST("/conversations/:id/branches/merge", s.mergeBranches)

	// Comparison
	v1.POST("/conversations/:id/compare", s.compareBranches)
	v1.POST("/conversations/:id/compare/opposing", s.findOpposing)

	// Links and integrity
	v1.POST("/conversations/:id/links", s.createLink)
	v1.DELETE("/conversations/:id/links/:linkId", s.deleteLink)
	v1.GET("/conversations/:id/branches/:branchId/links", s.getLinks)
	v1.POST("/conversations/:id/branches/:branchId/integrity", s.checkIntegrity)

	// Feedback and model selection
	v1.POST("/conversations/:id/branches/:branchId/feedback", s.recordFeedback)
	v1.GET("/conversations/:id/models/performance", s.modelPerformance)
	v1.GET("/conversations/:id/models/recommended", s.recommendedModel)
	v1.GET("/conversations/:id/models/weights", s.modelWeights)

	// Replay
	v1.POST("/conversations/:id/branches/:branchId/replay", s.replayBranch)
	v1.GET("/conversations/:id/branches/:branchId/replays", s.replayHistory)
}

// Start begins the API server and blocks until an interrupt arrives.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// httpError maps service errors onto HTTP status codes. Upstream model
// failures surface as 502 so callers can distinguish them from our own
// validation and lookup errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, graph.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, graph.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, graph.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
