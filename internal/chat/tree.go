// Package chat implements the conversation core: a branching message tree,
// the active-path cursor over it, streaming mutation of the node being
// generated, and a token-budget tracker against the model's context window.
//
// The tree is an arena of id-keyed nodes. Edits and regenerations append
// siblings instead of overwriting, so every alternative stays reachable by
// switching branches. Nothing in this package performs I/O; providers and
// persistence are driven by the caller.
package chat

import (
	"time"

	"github.com/google/uuid"

	"loom/internal/llm/core"
)

// MessageNode is one message in the conversation arena. Parent and child
// links are ids resolved through the tree, never pointers.
type MessageNode struct {
	ID         string
	Role       core.Role
	Content    string
	Images     []core.ImageBlock
	ToolCalls  []core.ToolCall
	ParentID   string // empty for root nodes
	ChildIDs   []string
	Summarized bool
	IsSummary  bool
	CreatedAt  time.Time

	// tokenCount caches the estimator result for the current content.
	// tokenValid is cleared by any content mutation.
	tokenCount int
	tokenValid bool
}

// Message converts the node into the provider-agnostic message shape.
func (n *MessageNode) Message() core.Message {
	msg := core.Message{Role: n.Role, Images: n.Images, ToolCalls: n.ToolCalls}
	if n.Content != "" {
		msg.Content = []core.ContentBlock{{Type: core.ContentTypeText, Text: n.Content}}
	}
	return msg
}

// Draft describes a node to be added to the tree.
type Draft struct {
	Role    core.Role
	Content string
	Images  []core.ImageBlock
}

// Tree owns the canonical conversation history.
type Tree struct {
	nodes   map[string]*MessageNode
	rootIDs []string

	// version counts structural mutations. Readers that memoize derived
	// state (the active path) compare against it instead of re-walking.
	version uint64
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{nodes: map[string]*MessageNode{}}
}

// Version returns the structural mutation counter.
func (t *Tree) Version() uint64 { return t.version }

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// Get returns the node for an id.
func (t *Tree) Get(id string) (*MessageNode, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Roots returns root node ids in creation order.
func (t *Tree) Roots() []string {
	out := make([]string, len(t.rootIDs))
	copy(out, t.rootIDs)
	return out
}

// AddMessage appends a new node as the last child of parentID (empty for a
// new root). Returns false when the parent does not exist.
func (t *Tree) AddMessage(parentID string, draft Draft) (string, bool) {
	if parentID != "" {
		if _, ok := t.nodes[parentID]; !ok {
			return "", false
		}
	}

	node := t.newNode(draft.Role, draft.Content, draft.Images, parentID)
	if parentID == "" {
		t.rootIDs = append(t.rootIDs, node.ID)
	} else {
		parent := t.nodes[parentID]
		parent.ChildIDs = append(parent.ChildIDs, node.ID)
	}
	t.version++
	return node.ID, true
}

// StartRegeneration creates a new empty assistant node as a sibling of the
// target, inserted right after it so it becomes the latest alternative. The
// target and its subtree are left untouched. Returns false when the target
// is missing, is not an assistant message, or has no parent.
func (t *Tree) StartRegeneration(assistantNodeID string) (string, bool) {
	target, ok := t.nodes[assistantNodeID]
	if !ok || target.Role != core.RoleAssistant || target.IsSummary {
		return "", false
	}
	if target.ParentID == "" {
		return "", false
	}

	node := t.newNode(core.RoleAssistant, "", nil, target.ParentID)
	parent := t.nodes[target.ParentID]
	parent.ChildIDs = insertAfter(parent.ChildIDs, assistantNodeID, node.ID)
	t.version++
	return node.ID, true
}

// StartEditWithNewBranch creates a new user node with the edited content as a
// sibling of the target, inserted right after it. Returns false when the
// target is missing or is not a user message.
func (t *Tree) StartEditWithNewBranch(userNodeID, newContent string, images []core.ImageBlock) (string, bool) {
	target, ok := t.nodes[userNodeID]
	if !ok || target.Role != core.RoleUser {
		return "", false
	}

	node := t.newNode(core.RoleUser, newContent, images, target.ParentID)
	if target.ParentID == "" {
		t.rootIDs = insertAfter(t.rootIDs, userNodeID, node.ID)
	} else {
		parent := t.nodes[target.ParentID]
		parent.ChildIDs = insertAfter(parent.ChildIDs, userNodeID, node.ID)
	}
	t.version++
	return node.ID, true
}

// MarkSummarized sets the summarized flag on the given nodes. Summary nodes
// are skipped: the two flags are mutually exclusive.
func (t *Tree) MarkSummarized(nodeIDs []string) {
	changed := false
	for _, id := range nodeIDs {
		node, ok := t.nodes[id]
		if !ok || node.IsSummary || node.Summarized {
			continue
		}
		node.Summarized = true
		changed = true
	}
	if changed {
		t.version++
	}
}

// InsertSummaryMessage creates the synthetic summary node as a child of
// afterNodeID, the last node of the summarized prefix. The active path keeps
// traversing the original chain; summary nodes are excluded from branch
// counting and picked up by the context view instead. Returns false when the
// anchor node does not exist.
func (t *Tree) InsertSummaryMessage(afterNodeID, summaryText string) (string, bool) {
	parent, ok := t.nodes[afterNodeID]
	if !ok {
		return "", false
	}

	node := t.newNode(core.RoleAssistant, summaryText, nil, afterNodeID)
	node.IsSummary = true
	parent.ChildIDs = append(parent.ChildIDs, node.ID)
	t.version++
	return node.ID, true
}

// RestoreNode inserts a node with its persisted identity, keeping the
// caller-supplied id, flags, and timestamp. Records must arrive parent
// before child; sibling order follows call order, so replaying an
// append-only log reproduces the original ChildIDs exactly. Returns false
// for an empty or duplicate id or a missing parent.
func (t *Tree) RestoreNode(node MessageNode) bool {
	if node.ID == "" {
		return false
	}
	if _, exists := t.nodes[node.ID]; exists {
		return false
	}
	if node.ParentID != "" {
		if _, ok := t.nodes[node.ParentID]; !ok {
			return false
		}
	}

	restored := node
	restored.ChildIDs = nil
	restored.tokenValid = false
	t.nodes[restored.ID] = &restored

	if restored.ParentID == "" {
		t.rootIDs = append(t.rootIDs, restored.ID)
	} else {
		parent := t.nodes[restored.ParentID]
		parent.ChildIDs = append(parent.ChildIDs, restored.ID)
	}
	t.version++
	return true
}

// AppendContent concatenates streamed content onto a node. This is a content
// mutation, not a structural one: it clears the node's token cache but does
// not bump the structural version.
func (t *Tree) AppendContent(nodeID, delta string) bool {
	node, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	node.Content += delta
	node.tokenValid = false
	return true
}

// SetToolCalls records model-emitted tool calls on a node.
func (t *Tree) SetToolCalls(nodeID string, calls []core.ToolCall) bool {
	node, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	node.ToolCalls = calls
	node.tokenValid = false
	return true
}

// InvalidateTokenCache clears the cached token count of one node.
func (t *Tree) InvalidateTokenCache(nodeID string) {
	if node, ok := t.nodes[nodeID]; ok {
		node.tokenValid = false
	}
}

// Reset drops every node. Stale ids held by callers simply stop resolving.
func (t *Tree) Reset() {
	t.nodes = map[string]*MessageNode{}
	t.rootIDs = nil
	t.version++
}

// SummarizedPrefixLen returns how many contiguous summarized ancestors sit
// above the given summary node's anchor, inclusive. Used by renderers to show
// an inline "N messages summarized" marker.
func (t *Tree) SummarizedPrefixLen(summaryNodeID string) int {
	node, ok := t.nodes[summaryNodeID]
	if !ok || !node.IsSummary {
		return 0
	}
	count := 0
	for id := node.ParentID; id != ""; {
		parent, ok := t.nodes[id]
		if !ok || !parent.Summarized {
			break
		}
		count++
		id = parent.ParentID
	}
	return count
}

func (t *Tree) newNode(role core.Role, content string, images []core.ImageBlock, parentID string) *MessageNode {
	node := &MessageNode{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Images:    images,
		ParentID:  parentID,
		CreatedAt: time.Now(),
	}
	t.nodes[node.ID] = node
	return node
}

// insertAfter inserts newID right after afterID, or appends when afterID is
// not present.
func insertAfter(ids []string, afterID, newID string) []string {
	for i, id := range ids {
		if id == afterID {
			out := make([]string, 0, len(ids)+1)
			out = append(out, ids[:i+1]...)
			out = append(out, newID)
			out = append(out, ids[i+1:]...)
			return out
		}
	}
	return append(ids, newID)
}
