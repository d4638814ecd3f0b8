package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tangentchat/internal/audit"
)

// orphanPenalty is deducted from the integrity score for every issue
// found: an outgoing link whose target no longer exists, or a circular
// link chain reachable from the branch.
const orphanPenalty = 10

// LinkService manages the named-relationship graph between branches.
// Unlike the parent tree, this graph is allowed to contain cycles
// structurally; CheckContextIntegrity reports them as issues.
type LinkService struct {
	store Store
	audit audit.Sink
	now   func() time.Time
}

func NewLinkService(store Store, sink audit.Sink) *LinkService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &LinkService{store: store, audit: sink, now: time.Now}
}

// LinkSpec carries the caller-supplied fields of a new link.
type LinkSpec struct {
	ConversationID string   `json:"conversation_id"`
	SourceBranchID string   `json:"source_branch_id"`
	TargetBranchID string   `json:"target_branch_id"`
	LinkType       LinkType `json:"link_type"`
	Weight         float64  `json:"weight"`
	Description    string   `json:"description"`
}

// BranchLinks is the adjacency view returned by GetLinks.
type BranchLinks struct {
	Incoming []BranchLink `json:"incoming"`
	Outgoing []BranchLink `json:"outgoing"`
}

// CreateLink persists a new edge and updates both endpoints' cached
// adjacency lists. Self-links are rejected; at most one link may exist
// per ordered (source, target, conversation) tuple.
func (s *LinkService) CreateLink(ctx context.Context, spec LinkSpec) (*BranchLink, error) {
	if spec.SourceBranchID == "" || spec.TargetBranchID == "" {
		return nil, fmt.Errorf("%w: source and target branch ids are required", ErrValidation)
	}
	if spec.SourceBranchID == spec.TargetBranchID {
		return nil, fmt.Errorf("%w: a branch cannot link to itself", ErrValidation)
	}
	switch spec.LinkType {
	case LinkMerge, LinkReference, LinkContinuation, LinkAlternative:
	default:
		return nil, fmt.Errorf("%w: unknown link type %q", ErrValidation, spec.LinkType)
	}

	conv, err := s.store.FindByID(ctx, spec.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.NodeExists(spec.SourceBranchID) {
		return nil, fmt.Errorf("%w: source branch %s", ErrNotFound, spec.SourceBranchID)
	}
	if !conv.NodeExists(spec.TargetBranchID) {
		return nil, fmt.Errorf("%w: target branch %s", ErrNotFound, spec.TargetBranchID)
	}
	for i := range conv.Links {
		l := &conv.Links[i]
		if l.SourceBranchID == spec.SourceBranchID && l.TargetBranchID == spec.TargetBranchID {
			return nil, fmt.Errorf("%w: link %s -> %s already exists", ErrConflict, spec.SourceBranchID, spec.TargetBranchID)
		}
	}

	now := s.now()
	link := BranchLink{
		ID:             "link-" + uuid.NewString(),
		ConversationID: spec.ConversationID,
		SourceBranchID: spec.SourceBranchID,
		TargetBranchID: spec.TargetBranchID,
		LinkType:       spec.LinkType,
		Weight:         clampWeight(spec.Weight),
		Description:    spec.Description,
		CreatedAt:      now,
	}
	conv.Links = append(conv.Links, link)

	if src := conv.FindBranch(spec.SourceBranchID); src != nil {
		src.Links = appendRef(src.Links, spec.TargetBranchID, false)
	}
	if dst := conv.FindBranch(spec.TargetBranchID); dst != nil {
		dst.Links = appendRef(dst.Links, spec.SourceBranchID, true)
	}

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: spec.ConversationID,
		Name:           "link_created",
		BranchID:       spec.SourceBranchID,
		Metadata: map[string]any{
			"link_id":   link.ID,
			"target":    spec.TargetBranchID,
			"link_type": string(spec.LinkType),
			"weight":    link.Weight,
		},
		CreatedAt: now,
	})
	return &link, nil
}

// DeleteLink removes the edge and symmetrically updates both endpoints'
// cached adjacency lists.
func (s *LinkService) DeleteLink(ctx context.Context, conversationID, linkID string) error {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := -1
	for i := range conv.Links {
		if conv.Links[i].ID == linkID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: link %s", ErrNotFound, linkID)
	}
	link := conv.Links[idx]
	conv.Links = append(conv.Links[:idx], conv.Links[idx+1:]...)

	if src := conv.FindBranch(link.SourceBranchID); src != nil && src.Links != nil {
		src.Links.Outgoing = removeRef(src.Links.Outgoing, link.TargetBranchID)
	}
	if dst := conv.FindBranch(link.TargetBranchID); dst != nil && dst.Links != nil {
		dst.Links.Incoming = removeRef(dst.Links.Incoming, link.SourceBranchID)
	}

	if err := s.store.Save(ctx, conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		ConversationID: conversationID,
		Name:           "link_deleted",
		BranchID:       link.SourceBranchID,
		Metadata:       map[string]any{"link_id": linkID, "target": link.TargetBranchID},
		CreatedAt:      s.now(),
	})
	return nil
}

// GetLinks returns the branch's incoming and outgoing edges, each sorted
// by creation time descending.
func (s *LinkService) GetLinks(ctx context.Context, conversationID, branchID string) (*BranchLinks, error) {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.NodeExists(branchID) {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	out := &BranchLinks{Incoming: []BranchLink{}, Outgoing: []BranchLink{}}
	for _, l := range conv.Links {
		switch branchID {
		case l.SourceBranchID:
			out.Outgoing = append(out.Outgoing, l)
		case l.TargetBranchID:
			out.Incoming = append(out.Incoming, l)
		}
	}
	byCreatedDesc := func(links []BranchLink) {
		sort.SliceStable(links, func(i, j int) bool {
			return links[i].CreatedAt.After(links[j].CreatedAt)
		})
	}
	byCreatedDesc(out.Incoming)
	byCreatedDesc(out.Outgoing)
	return out, nil
}

// CheckContextIntegrity scores the link neighbourhood of a branch:
// orphaned outgoing links (targets that no longer exist) and circular
// link chains each deduct a fixed penalty. The report is persisted onto
// the branch; concurrent checks race and the last writer wins.
func (s *LinkService) CheckContextIntegrity(ctx context.Context, conversationID, branchID string) (*IntegrityReport, error) {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b := conv.FindBranch(branchID)
	if b == nil {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}

	score := 100
	issues := []string{}

	outgoing := outgoingIndex(conv)
	for _, l := range outgoing[branchID] {
		if !conv.NodeExists(l.TargetBranchID) {
			score -= orphanPenalty
			issues = append(issues, fmt.Sprintf("orphaned link %s: target branch %s no longer exists", l.ID, l.TargetBranchID))
		}
	}

	for _, cycle := range findCycles(branchID, outgoing) {
		score -= orphanPenalty
		issues = append(issues, "circular link chain: "+cycle)
	}

	if score < 0 {
		score = 0
	}
	report := &IntegrityReport{
		Score:       score,
		Issues:      issues,
		LastChecked: s.now(),
	}
	b.ContextIntegrity = report

	// Whole-aggregate read-then-write, same non-transactional caveat as
	// branch creation: a concurrent check may overwrite this report.
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save integrity report: %w", err)
	}
	return report, nil
}

// findCycles walks outgoing links from start, tracking visited nodes on
// the current path only. Path-local state matters: a global visited set
// would mask a second cycle reachable through an already-visited node.
func findCycles(start string, outgoing map[string][]BranchLink) []string {
	var cycles []string
	seenCycle := map[string]bool{}
	onPath := map[string]bool{}
	path := []string{}

	var walk func(node string)
	walk = func(node string) {
		if onPath[node] {
			cycle := describeCycle(path, node)
			if !seenCycle[cycle] {
				seenCycle[cycle] = true
				cycles = append(cycles, cycle)
			}
			return
		}
		onPath[node] = true
		path = append(path, node)
		for _, l := range outgoing[node] {
			walk(l.TargetBranchID)
		}
		path = path[:len(path)-1]
		delete(onPath, node)
	}
	walk(start)
	return cycles
}

func describeCycle(path []string, repeat string) string {
	start := 0
	for i, n := range path {
		if n == repeat {
			start = i
			break
		}
	}
	out := ""
	for _, n := range path[start:] {
		out += n + " -> "
	}
	return out + repeat
}

func outgoingIndex(conv *Conversation) map[string][]BranchLink {
	idx := make(map[string][]BranchLink)
	for _, l := range conv.Links {
		idx[l.SourceBranchID] = append(idx[l.SourceBranchID], l)
	}
	return idx
}

func appendRef(refs *LinkRefs, id string, incoming bool) *LinkRefs {
	if refs == nil {
		refs = &LinkRefs{Incoming: []string{}, Outgoing: []string{}}
	}
	list := &refs.Outgoing
	if incoming {
		list = &refs.Incoming
	}
	for _, existing := range *list {
		if existing == id {
			return refs
		}
	}
	*list = append(*list, id)
	return refs
}

func removeRef(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
