package chat

import (
	"errors"
	"fmt"
	"time"

	"loom/internal/llm/core"
)

// ErrMalformedRecord indicates a persisted node that cannot be restored:
// missing id or role, duplicate id, or a parent that never appeared.
var ErrMalformedRecord = errors.New("malformed conversation record")

// NodeRecord is the persistence-neutral shape of one stored node. The store
// layer maps its own record format into this; the core stays free of disk
// concerns.
type NodeRecord struct {
	ID         string
	ParentID   string
	Role       core.Role
	Content    string
	Images     []core.ImageBlock
	ToolCalls  []core.ToolCall
	Summarized bool
	IsSummary  bool
	CreatedAt  time.Time
}

// NewSessionFromRecords rebuilds a session from persisted node records,
// preserving ids, flags, and sibling order. Records must be ordered parent
// before child, which an append-only log satisfies by construction. The
// restored cursor starts at latest-wins defaults, so the active path ends at
// the newest leaf.
func NewSessionFromRecords(cfg Config, conversationID string, records []NodeRecord) (*Session, error) {
	s := NewSession(cfg)
	if conversationID != "" {
		s.id = conversationID
	}

	for _, rec := range records {
		if rec.ID == "" || rec.Role == "" {
			return nil, fmt.Errorf("%w: node %q has no id or role", ErrMalformedRecord, rec.ID)
		}
		ok := s.tree.RestoreNode(MessageNode{
			ID:         rec.ID,
			Role:       rec.Role,
			Content:    rec.Content,
			Images:     rec.Images,
			ToolCalls:  rec.ToolCalls,
			ParentID:   rec.ParentID,
			Summarized: rec.Summarized,
			IsSummary:  rec.IsSummary,
			CreatedAt:  rec.CreatedAt,
		})
		if !ok {
			return nil, fmt.Errorf("%w: node %q", ErrMalformedRecord, rec.ID)
		}
	}

	s.mu.Lock()
	s.budget.Update(s.contextNodesLocked(), true)
	s.mu.Unlock()
	return s, nil
}
