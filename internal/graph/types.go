package graph

import (
	"encoding/json"
	"time"
)

// Sender marks who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderModel Sender = "model"
)

// LinkType names the relationship an edge expresses between two branches.
// Links form a separate directed graph, independent of the parent/fork tree.
type LinkType string

const (
	LinkMerge        LinkType = "merge"
	LinkReference    LinkType = "reference"
	LinkContinuation LinkType = "continuation"
	LinkAlternative  LinkType = "alternative"
)

// MergeStrategy selects how MergeBranches combines branch contents.
type MergeStrategy string

const (
	MergeCombine   MergeStrategy = "combine"
	MergeSummarize MergeStrategy = "summarize"
)

// BranchType controls the dedup rule at branch creation: "multi" branches
// dedupe on fork point alone, single-model branches also match on model.
type BranchType string

const (
	BranchSingle BranchType = "single"
	BranchMulti  BranchType = "multi"
)

// Vote is a feedback signal on a branch.
type Vote string

const (
	VoteUp   Vote = "upvote"
	VoteDown Vote = "downvote"
)

// MainID is the distinguished id of the root thread. Branch.ParentID is
// either MainID or the id of another branch.
const MainID = "main"

// MessageMetrics carries optional generation metrics reported by the
// model invocation layer.
type MessageMetrics struct {
	LatencyMS  int64   `json:"latency_ms,omitempty" bson:"latencyMs,omitempty"`
	TokensUsed int     `json:"tokens_used,omitempty" bson:"tokensUsed,omitempty"`
	Cost       float64 `json:"cost,omitempty" bson:"cost,omitempty"`
	Confidence float64 `json:"confidence,omitempty" bson:"confidence,omitempty"`
	Reasoning  float64 `json:"reasoning,omitempty" bson:"reasoning,omitempty"`
}

// Message is a single conversation turn. Timestamp is the logical
// ordering key within and across branches.
type Message struct {
	ID              string          `json:"id" bson:"id"`
	Text            string          `json:"text" bson:"text"`
	Sender          Sender          `json:"sender" bson:"sender"`
	Model           string          `json:"model,omitempty" bson:"model,omitempty"`
	Timestamp       time.Time       `json:"timestamp" bson:"timestamp"`
	Metrics         *MessageMetrics `json:"metrics,omitempty" bson:"metrics,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty" bson:"parentMessageId,omitempty"`
	ChildMessageIDs []string        `json:"child_message_ids,omitempty" bson:"childMessageIds,omitempty"`
}

// Position is the branch's 2-D canvas position. UI-only, opaque to the core.
type Position struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// LinkRefs is a cached adjacency view of the link graph, maintained on
// each branch as links are created and deleted. The BranchLink collection
// on the conversation is the source of truth.
type LinkRefs struct {
	Incoming []string `json:"incoming" bson:"incoming"`
	Outgoing []string `json:"outgoing" bson:"outgoing"`
}

// IntegrityReport is the persisted result of a context-integrity check.
type IntegrityReport struct {
	Score       int       `json:"score" bson:"score"`
	Issues      []string  `json:"issues" bson:"issues"`
	LastChecked time.Time `json:"last_checked" bson:"lastChecked"`
}

// ReplayProvenance records where a replayed branch came from.
type ReplayProvenance struct {
	From               string `json:"from" bson:"from"`
	OriginalModel      string `json:"original_model,omitempty" bson:"originalModel,omitempty"`
	NewModel           string `json:"new_model" bson:"newModel"`
	StartFromMessageID string `json:"start_from_message_id,omitempty" bson:"startFromMessageId,omitempty"`
}

// Branch is a forked line of conversation. InheritedMessages is the
// snapshot of ancestor context taken at fork time and is immutable after
// creation; only BranchMessages grows, except for the explicit structural
// swaps performed by promote and merge.
type Branch struct {
	ID              string     `json:"id" bson:"id"`
	Label           string     `json:"label" bson:"label"`
	ParentID        string     `json:"parent_id" bson:"parentId"`
	ParentMessageID string     `json:"parent_message_id" bson:"parentMessageId"`
	BranchType      BranchType `json:"branch_type,omitempty" bson:"branchType,omitempty"`

	InheritedMessages []Message `json:"inherited_messages" bson:"inheritedMessages"`
	BranchMessages    []Message `json:"branch_messages" bson:"branchMessages"`
	Models            []string  `json:"models" bson:"models"`

	Minimized   bool     `json:"minimized" bson:"minimized"`
	Active      bool     `json:"active" bson:"active"`
	Generating  bool     `json:"generating" bson:"generating"`
	Highlighted bool     `json:"highlighted" bson:"highlighted"`
	Position    Position `json:"position" bson:"position"`

	Upvotes    int     `json:"upvotes" bson:"upvotes"`
	Downvotes  int     `json:"downvotes" bson:"downvotes"`
	Confidence float64 `json:"confidence,omitempty" bson:"confidence,omitempty"`
	Reasoning  float64 `json:"reasoning,omitempty" bson:"reasoning,omitempty"`

	IsPromoted bool      `json:"is_promoted" bson:"isPromoted"`
	Links      *LinkRefs `json:"linked_branches,omitempty" bson:"linkedBranches,omitempty"`

	ContextIntegrity *IntegrityReport  `json:"context_integrity,omitempty" bson:"contextIntegrity,omitempty"`
	Replay           *ReplayProvenance `json:"replayed_from,omitempty" bson:"replayedFrom,omitempty"`
	MergedFrom       []string          `json:"merged_from,omitempty" bson:"mergedFrom,omitempty"`
	MergeStrategy    MergeStrategy     `json:"merge_strategy,omitempty" bson:"mergeStrategy,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"createdAt"`
}

// PrimaryModel returns the first selected model, or "unknown" when the
// branch has none. Feedback aggregation attributes votes to this model.
func (b *Branch) PrimaryModel() string {
	if len(b.Models) == 0 {
		return "unknown"
	}
	return b.Models[0]
}

// Flatten returns the branch's full message sequence: inherited context
// followed by branch-local messages.
func (b *Branch) Flatten() []Message {
	out := make([]Message, 0, len(b.InheritedMessages)+len(b.BranchMessages))
	out = append(out, b.InheritedMessages...)
	out = append(out, b.BranchMessages...)
	return out
}

// HasModel reports whether model is among the branch's selected models.
func (b *Branch) HasModel(model string) bool {
	for _, m := range b.Models {
		if m == model {
			return true
		}
	}
	return false
}

// BranchLink is a named, weighted edge between two branches. Edges live
// in their own collection on the conversation, separate from the tree.
type BranchLink struct {
	ID             string    `json:"id" bson:"id"`
	ConversationID string    `json:"conversation_id" bson:"conversationId"`
	SourceBranchID string    `json:"source_branch_id" bson:"sourceBranchId"`
	TargetBranchID string    `json:"target_branch_id" bson:"targetBranchId"`
	LinkType       LinkType  `json:"link_type" bson:"linkType"`
	Weight         float64   `json:"weight" bson:"weight"`
	Description    string    `json:"description,omitempty" bson:"description,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty" bson:"createdBy,omitempty"`
	CreatedAt      time.Time `json:"created_at" bson:"createdAt"`
}

// MainThread is the distinguished root branch of a conversation.
type MainThread struct {
	Messages []Message `json:"messages" bson:"messages"`
	Models   []string  `json:"models" bson:"models"`
}

// Conversation is the aggregate root: the unit of storage and of
// read-modify-write races. It owns all branches, messages and links.
type Conversation struct {
	ID       string          `json:"id" bson:"_id"`
	Title    string          `json:"title" bson:"title"`
	Main     MainThread      `json:"main" bson:"main"`
	Branches []Branch        `json:"branches" bson:"branches"`
	Links    []BranchLink    `json:"links" bson:"links"`
	Viewport json.RawMessage `json:"viewport,omitempty" bson:"viewport,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"createdAt"`
	UpdatedAt time.Time `json:"updated_at" bson:"updatedAt"`
}

// FindBranch returns a pointer into the conversation's branch slice, or
// nil when no branch has the given id.
func (c *Conversation) FindBranch(id string) *Branch {
	for i := range c.Branches {
		if c.Branches[i].ID == id {
			return &c.Branches[i]
		}
	}
	return nil
}

// FindLink returns the link with the given id, or nil.
func (c *Conversation) FindLink(id string) *BranchLink {
	for i := range c.Links {
		if c.Links[i].ID == id {
			return &c.Links[i]
		}
	}
	return nil
}

// NodeMessages returns the flattened message sequence for a node id:
// the main thread for MainID, otherwise the branch's inherited plus
// local messages. The second return is false when the node is unknown.
func (c *Conversation) NodeMessages(id string) ([]Message, bool) {
	if id == MainID {
		return append([]Message(nil), c.Main.Messages...), true
	}
	b := c.FindBranch(id)
	if b == nil {
		return nil, false
	}
	return b.Flatten(), true
}

// NodeExists reports whether id names the main thread or a live branch.
func (c *Conversation) NodeExists(id string) bool {
	if id == MainID {
		return true
	}
	return c.FindBranch(id) != nil
}
