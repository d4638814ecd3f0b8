package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tangentchat/internal/graph"
)

func (s *Server) startConversation(c echo.Context) error {
	var body struct {
		Title  string `json:"title"`
		Text   string `json:"text"`
		Sender string `json:"sender"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	first := graph.Message{Text: body.Text, Sender: graph.Sender(body.Sender)}
	conv, err := s.deps.Branches.StartConversation(c.Request().Context(), body.Title, first)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, conv)
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.deps.Branches.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) appendMessage(c echo.Context) error {
	var body struct {
		BranchID string `json:"branch_id"`
		Text     string `json:"text"`
		Sender   string `json:"sender"`
		Model    string `json:"model"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	msg := graph.Message{
		Text:   body.Text,
		Sender: graph.Sender(body.Sender),
		Model:  body.Model,
	}
	b, err := s.deps.Branches.AppendMessage(c.Request().Context(), c.Param("id"), body.BranchID, msg)
	if err != nil {
		return httpError(err)
	}
	if b == nil {
		// Appended to the main thread.
		return c.JSON(http.StatusOK, map[string]string{"branch_id": graph.MainID})
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) createBranch(c echo.Context) error {
	var body struct {
		ParentMessageID string `json:"parent_message_id"`
		Model           string `json:"model"`
		BranchType      string `json:"branch_type"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	res, err := s.deps.Branches.CreateBranch(c.Request().Context(), c.Param("id"), body.ParentMessageID, body.Model, graph.BranchType(body.BranchType))
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if res.Existed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (s *Server) promoteBranch(c echo.Context) error {
	conv, err := s.deps.Branches.PromoteBranch(c.Request().Context(), c.Param("id"), c.Param("branchId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) mergeBranches(c echo.Context) error {
	var body struct {
		BranchIDs []string `json:"branch_ids"`
		Strategy  string   `json:"strategy"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	merged, err := s.deps.Branches.MergeBranches(c.Request().Context(), c.Param("id"), body.BranchIDs, graph.MergeStrategy(body.Strategy))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, merged)
}

func (s *Server) compareBranches(c echo.Context) error {
	var body struct {
		BranchIDs []string `json:"branch_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	if len(body.BranchIDs) == 2 {
		res, err := s.deps.Compare.Compare(ctx, c.Param("id"), body.BranchIDs[0], body.BranchIDs[1])
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
	results, err := s.deps.Compare.CompareMultiple(ctx, c.Param("id"), body.BranchIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) findOpposing(c echo.Context) error {
	var body struct {
		Branch1ID string `json:"branch1_id"`
		Branch2ID string `json:"branch2_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	opp, err := s.deps.Compare.FindOpposingInfo(c.Request().Context(), c.Param("id"), body.Branch1ID, body.Branch2ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) createLink(c echo.Context) error {
	var spec graph.LinkSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	spec.ConversationID = c.Param("id")
	link, err := s.deps.Links.CreateLink(c.Request().Context(), spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, link)
}

func (s *Server) deleteLink(c echo.Context) error {
	if err := s.deps.Links.DeleteLink(c.Request().Context(), c.Param("id"), c.Param("linkId")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) getLinks(c echo.Context) error {
	links, err := s.deps.Links.GetLinks(c.Request().Context(), c.Param("id"), c.Param("branchId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, links)
}

func (s *Server) checkIntegrity(c echo.Context) error {
	report, err := s.deps.Links.CheckContextIntegrity(c.Request().Context(), c.Param("id"), c.Param("branchId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) recordFeedback(c echo.Context) error {
	var body struct {
		Vote string `json:"vote"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	b, err := s.deps.Feedback.RecordFeedback(c.Request().Context(), c.Param("id"), c.Param("branchId"), graph.Vote(body.Vote))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) modelPerformance(c echo.Context) error {
	perf, err := s.deps.Feedback.ModelPerformanceList(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, perf)
}

func (s *Server) recommendedModel(c echo.Context) error {
	top, err := s.deps.Feedback.RecommendedModel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if top == nil {
		return c.JSON(http.StatusOK, map[string]any{"model": nil})
	}
	return c.JSON(http.StatusOK, top)
}

func (s *Server) modelWeights(c echo.Context) error {
	weights, err := s.deps.Feedback.ModelWeights(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, weights)
}

func (s *Server) replayBranch(c echo.Context) error {
	var body struct {
		NewModel           string `json:"new_model"`
		StartFromMessageID string `json:"start_from_message_id"`
		Async              bool   `json:"async"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	conversationID := c.Param("id")
	branchID := c.Param("branchId")

	if body.Async {
		if s.deps.Queue == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "async replay requires a configured job queue")
		}
		jobID, err := s.deps.Queue.EnqueueReplay(ctx, conversationID, branchID, body.NewModel, body.StartFromMessageID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"job_id": jobID})
	}

	b, err := s.deps.Replay.Replay(ctx, conversationID, branchID, body.NewModel, body.StartFromMessageID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (s *Server) replayHistory(c echo.Context) error {
	history, err := s.deps.Replay.ReplayHistory(c.Request().Context(), c.Param("id"), c.Param("branchId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}
