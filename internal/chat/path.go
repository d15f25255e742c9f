package chat

// Direction selects the neighboring sibling when switching branches.
type Direction int

const (
	Prev Direction = iota
	Next
)

// BranchInfo describes a node's position among its sibling alternatives.
// Index is zero-based; renderers show Index+1 of Total. Total > 1 means a
// branch navigator applies at this node.
type BranchInfo struct {
	Index int
	Total int
}

// rootKey keys the choices map for the virtual branch point above roots.
const rootKey = ""

// Cursor derives the single active path through the tree: one ordered chain
// from a root to a leaf. At every branch point the chosen child is either an
// explicit choice or, by default, the last-created sibling.
type Cursor struct {
	tree *Tree

	// choices maps a branch-point node id (rootKey for the root level) to
	// the chosen child id. Entries pointing at vanished children are
	// ignored on recompute.
	choices map[string]string

	memoPath    []string
	memoVersion uint64
	memoValid   bool
}

// NewCursor returns a cursor over the tree with default (latest) choices.
func NewCursor(tree *Tree) *Cursor {
	return &Cursor{tree: tree, choices: map[string]string{}}
}

// Path returns the active path as node ids, root first. The result is
// memoized against the tree's structural version; recomputation walks down
// the chosen chain only, O(depth) not O(tree size).
func (c *Cursor) Path() []string {
	if c.memoValid && c.memoVersion == c.tree.Version() {
		return c.memoPath
	}

	var path []string
	current := c.chooseChild(rootKey, c.tree.rootIDs)
	for current != "" {
		path = append(path, current)
		node, ok := c.tree.Get(current)
		if !ok {
			break
		}
		current = c.chooseChild(current, node.ChildIDs)
	}

	c.memoPath = path
	c.memoVersion = c.tree.Version()
	c.memoValid = true
	return path
}

// Nodes returns the active path resolved to nodes, root first.
func (c *Cursor) Nodes() []*MessageNode {
	path := c.Path()
	out := make([]*MessageNode, 0, len(path))
	for _, id := range path {
		if node, ok := c.tree.Get(id); ok {
			out = append(out, node)
		}
	}
	return out
}

// Leaf returns the last node id on the active path, or empty for an empty tree.
func (c *Cursor) Leaf() string {
	path := c.Path()
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

// BranchInfo returns the node's position among its non-summary siblings.
// Returns false for unknown or summary nodes.
func (c *Cursor) BranchInfo(nodeID string) (BranchInfo, bool) {
	node, ok := c.tree.Get(nodeID)
	if !ok || node.IsSummary {
		return BranchInfo{}, false
	}

	siblings := c.siblingsOf(node)
	for i, id := range siblings {
		if id == nodeID {
			return BranchInfo{Index: i, Total: len(siblings)}, true
		}
	}
	return BranchInfo{}, false
}

// SwitchBranch moves the chosen sibling at the node's branch point by one in
// the given direction, wrapping around. The path suffix below the switch is
// rebuilt from defaults: stale downstream choices are discarded so the most
// recent alternative wins at every later branch point. Returns false when
// the node is unknown or has no siblings.
func (c *Cursor) SwitchBranch(nodeID string, dir Direction) bool {
	node, ok := c.tree.Get(nodeID)
	if !ok || node.IsSummary {
		return false
	}

	siblings := c.siblingsOf(node)
	if len(siblings) < 2 {
		return false
	}

	index := -1
	for i, id := range siblings {
		if id == nodeID {
			index = i
			break
		}
	}
	if index < 0 {
		return false
	}

	step := 1
	if dir == Prev {
		step = len(siblings) - 1
	}
	chosen := siblings[(index+step)%len(siblings)]

	c.choices[c.parentKeyOf(node)] = chosen
	c.pruneBelow(node.ParentID)
	c.memoValid = false
	return true
}

// Select pins the active path to pass through the given node, discarding any
// stale choices below it. Used after regenerate/edit so the new sibling
// becomes the visible alternative immediately.
func (c *Cursor) Select(nodeID string) bool {
	node, ok := c.tree.Get(nodeID)
	if !ok {
		return false
	}
	c.choices[c.parentKeyOf(node)] = nodeID
	c.pruneBelow(node.ParentID)
	c.memoValid = false
	return true
}

// Reset drops all explicit choices; the path reverts to latest-wins defaults.
func (c *Cursor) Reset() {
	c.choices = map[string]string{}
	c.memoValid = false
}

// chooseChild resolves the branch choice at one branch point: the explicit
// choice when it still names a live non-summary child, otherwise the
// last-created non-summary child.
func (c *Cursor) chooseChild(parentKey string, childIDs []string) string {
	visible := c.visibleChildren(childIDs)
	if len(visible) == 0 {
		return ""
	}
	if chosen, ok := c.choices[parentKey]; ok {
		for _, id := range visible {
			if id == chosen {
				return chosen
			}
		}
	}
	return visible[len(visible)-1]
}

// visibleChildren filters summary nodes out of a sibling list. Summary nodes
// hang off the chain for the context view but never carry the path.
func (c *Cursor) visibleChildren(childIDs []string) []string {
	out := make([]string, 0, len(childIDs))
	for _, id := range childIDs {
		node, ok := c.tree.Get(id)
		if !ok || node.IsSummary {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *Cursor) siblingsOf(node *MessageNode) []string {
	if node.ParentID == "" {
		return c.visibleChildren(c.tree.rootIDs)
	}
	parent, ok := c.tree.Get(node.ParentID)
	if !ok {
		return nil
	}
	return c.visibleChildren(parent.ChildIDs)
}

func (c *Cursor) parentKeyOf(node *MessageNode) string {
	if node.ParentID == "" {
		return rootKey
	}
	return node.ParentID
}

// pruneBelow keeps only the choices at the switched branch point and its
// ancestors; everything downstream reverts to the latest-wins default.
func (c *Cursor) pruneBelow(branchParentID string) {
	allowed := map[string]bool{rootKey: true}
	for id := branchParentID; id != ""; {
		allowed[id] = true
		node, ok := c.tree.Get(id)
		if !ok {
			break
		}
		id = node.ParentID
	}
	for key := range c.choices {
		if !allowed[key] {
			delete(c.choices, key)
		}
	}
}
