package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loom/internal/chat"
	"loom/internal/llm/core"
	"loom/internal/store"
)

// Recorder mirrors finalized tree mutations into the conversation store. The
// chat core never touches disk; the app calls the recorder after each
// finalized node (user send, stream end, summarization).
type Recorder struct {
	store          *store.Store
	conversationID string
}

// NewRecorder constructs a recorder for one conversation. A nil store yields
// a no-op recorder.
func NewRecorder(s *store.Store, conversationID string) *Recorder {
	return &Recorder{store: s, conversationID: conversationID}
}

// RecordNode appends the node's current state. Repeat records for the same
// id are collapsed last-wins on load.
func (r *Recorder) RecordNode(ctx context.Context, node *chat.MessageNode) error {
	if r == nil || r.store == nil || node == nil {
		return nil
	}

	rec := store.Record{
		ID:         node.ID,
		ParentID:   node.ParentID,
		Role:       string(node.Role),
		Content:    node.Content,
		Summarized: node.Summarized,
		IsSummary:  node.IsSummary,
		TS:         node.CreatedAt.Unix(),
	}
	if len(node.Images) > 0 {
		raw, err := json.Marshal(node.Images)
		if err != nil {
			return fmt.Errorf("marshal node images: %w", err)
		}
		rec.Images = raw
	}
	if len(node.ToolCalls) > 0 {
		raw, err := json.Marshal(node.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal node tool calls: %w", err)
		}
		rec.ToolCalls = raw
	}

	return r.store.Append(ctx, r.conversationID, rec)
}

// RecordNodes appends several nodes in order.
func (r *Recorder) RecordNodes(ctx context.Context, nodes []*chat.MessageNode) error {
	for _, node := range nodes {
		if err := r.RecordNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// RestoreSession rebuilds a chat session from a stored conversation,
// preserving node ids, flags, and branch order.
func RestoreSession(ctx context.Context, st *store.Store, conversationID string, cfg chat.Config) (*chat.Session, error) {
	records, err := st.LoadTree(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	nodeRecords := make([]chat.NodeRecord, 0, len(records))
	for _, rec := range records {
		nr := chat.NodeRecord{
			ID:         rec.ID,
			ParentID:   rec.ParentID,
			Role:       core.Role(rec.Role),
			Content:    rec.Content,
			Summarized: rec.Summarized,
			IsSummary:  rec.IsSummary,
			CreatedAt:  time.Unix(rec.TS, 0),
		}
		if len(rec.Images) > 0 {
			if err := json.Unmarshal(rec.Images, &nr.Images); err != nil {
				return nil, fmt.Errorf("decode node images: %w", err)
			}
		}
		if len(rec.ToolCalls) > 0 {
			if err := json.Unmarshal(rec.ToolCalls, &nr.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode node tool calls: %w", err)
			}
		}
		nodeRecords = append(nodeRecords, nr)
	}

	return chat.NewSessionFromRecords(cfg, conversationID, nodeRecords)
}
