package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"loom/internal/llm/core"
	"loom/internal/models"
)

var (
	// ErrInvalidTarget indicates a command aimed at a missing node or a node
	// of the wrong role. Expected caller mistake, always recoverable.
	ErrInvalidTarget = errors.New("invalid target node")
	// ErrContextFull blocks sends while usage is at or over the ceiling.
	ErrContextFull = errors.New("context window is full; summarize or reset first")
	// ErrSelectionStale indicates the tree changed while a summary was being
	// generated; the caller should retry the summarization.
	ErrSelectionStale = errors.New("summarization selection is stale")
)

// Config configures a conversation session.
type Config struct {
	Provider core.Provider
	Model    string
	System   string
	Limits   *models.Table

	// PreserveCount recent messages are never summarized away.
	PreserveCount int
	// AutoCompactPercent triggers compaction once usage reaches this
	// percentage. Zero disables auto-compaction.
	AutoCompactPercent float64
	// CustomContextLimit overrides the model-derived ceiling when positive.
	CustomContextLimit int

	MaxTokens   int
	Temperature *float64
	Tools       []core.ToolSpec

	OnThreshold ThresholdFunc
}

// Session owns one conversation: the tree, the cursor, the stream, and the
// budget tracker. All commands are synchronous and safe for concurrent use;
// the only blocking call is summary generation, which runs outside the lock.
type Session struct {
	mu sync.Mutex

	id     string
	cfg    Config
	tree   *Tree
	cursor *Cursor
	stream *Stream
	budget *BudgetTracker

	lastUsage *core.Usage
}

// NewSession constructs a session with an empty tree.
func NewSession(cfg Config) *Session {
	if cfg.Limits == nil {
		cfg.Limits = models.NewTable()
	}
	if cfg.PreserveCount <= 0 {
		cfg.PreserveCount = DefaultPreserveCount
	}

	tree := NewTree()
	budget := NewBudgetTracker(cfg.Limits, cfg.Model)
	if cfg.CustomContextLimit > 0 {
		budget.SetCustomContextLimit(cfg.CustomContextLimit)
	}
	if cfg.OnThreshold != nil {
		budget.OnThreshold(cfg.OnThreshold)
	}

	return &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		tree:   tree,
		cursor: NewCursor(tree),
		stream: NewStream(tree),
		budget: budget,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the active model id.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget.Model()
}

// Send appends a user message at the current leaf. Blocked while a stream is
// active and while the context classification is full.
func (s *Session) Send(content string, images []core.ImageBlock) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return "", ErrStreamActive
	}
	if s.budget.Usage().State == ThresholdFull {
		return "", ErrContextFull
	}

	id, ok := s.tree.AddMessage(s.cursor.Leaf(), Draft{
		Role:    core.RoleUser,
		Content: content,
		Images:  images,
	})
	if !ok {
		return "", ErrInvalidTarget
	}
	s.cursor.Select(id)
	s.budget.Update(s.contextNodesLocked(), false)
	return id, nil
}

// StartStreaming creates the empty assistant node under the current leaf and
// enters the streaming state. Returns the node being filled.
func (s *Session) StartStreaming() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.stream.Start(s.cursor.Leaf())
	if err != nil {
		return "", err
	}
	s.cursor.Select(id)
	return id, nil
}

// Regenerate creates a fresh sibling next to an existing assistant message
// and adopts it as the streaming target. The original stays reachable by
// switching branches.
func (s *Session) Regenerate(assistantNodeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return "", ErrStreamActive
	}

	id, ok := s.tree.StartRegeneration(assistantNodeID)
	if !ok {
		return "", ErrInvalidTarget
	}
	if err := s.stream.StartAt(id); err != nil {
		return "", err
	}
	s.cursor.Select(id)
	s.budget.Update(s.contextNodesLocked(), false)
	return id, nil
}

// Edit creates a sibling user message with the new content next to the
// original. The caller follows with StartStreaming for the reply.
func (s *Session) Edit(userNodeID, newContent string, images []core.ImageBlock) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return "", ErrStreamActive
	}

	id, ok := s.tree.StartEditWithNewBranch(userNodeID, newContent, images)
	if !ok {
		return "", ErrInvalidTarget
	}
	s.cursor.Select(id)
	s.budget.Update(s.contextNodesLocked(), false)
	return id, nil
}

// SwitchBranch moves the active path to the neighboring sibling at a node.
func (s *Session) SwitchBranch(nodeID string, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return ErrStreamActive
	}
	if !s.cursor.SwitchBranch(nodeID, dir) {
		return ErrInvalidTarget
	}
	s.budget.Update(s.contextNodesLocked(), false)
	return nil
}

// SelectNode routes the active path through the given node, pinning the
// branch choices along its ancestry.
func (s *Session) SelectNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return ErrStreamActive
	}
	if !s.cursor.Select(nodeID) {
		return ErrInvalidTarget
	}
	s.budget.Update(s.contextNodesLocked(), false)
	return nil
}

// BranchInfo returns the node's position among its sibling alternatives.
func (s *Session) BranchInfo(nodeID string) (BranchInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.BranchInfo(nodeID)
}

// BuildRequest assembles the provider request for the current context view.
// The node currently streaming is excluded: it is the reply being produced.
func (s *Session) BuildRequest() (*core.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, streamingID := s.stream.Active()

	nodes := s.contextNodesLocked()
	messages := make([]core.Message, 0, len(nodes))
	for _, node := range nodes {
		if node.ID == streamingID {
			continue
		}
		msg := node.Message()
		// Aborted streams can leave empty assistant nodes on the path;
		// providers reject messages with no content.
		if len(msg.Content) == 0 && len(msg.Images) == 0 && len(msg.ToolCalls) == 0 {
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, ErrInvalidTarget
	}

	return &core.Request{
		Model:       s.budget.Model(),
		System:      s.cfg.System,
		Messages:    messages,
		Tools:       s.cfg.Tools,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}, nil
}

// HandleEvent consumes one provider stream event, mutating the streaming node
// and keeping the budget current under the streaming throttle. Terminal
// events leave the stream idle; the partially streamed content is kept as-is
// on error per abort semantics.
func (s *Session) HandleEvent(ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case core.EventTextDelta:
		recompute, err := s.stream.Append(ev.TextDelta)
		if err != nil {
			return err
		}
		if recompute {
			s.budget.Update(s.contextNodesLocked(), false)
		}

	case core.EventThinkingDelta:
		recompute, err := s.stream.AppendThinking(ev.ThinkingDelta)
		if err != nil {
			return err
		}
		if recompute {
			s.budget.Update(s.contextNodesLocked(), false)
		}

	case core.EventUsage:
		s.lastUsage = ev.Usage

	case core.EventDone:
		nodeID, err := s.stream.Finish()
		if err != nil {
			return err
		}
		if ev.Done != nil {
			if len(ev.Done.ToolCalls) > 0 {
				s.tree.SetToolCalls(nodeID, ev.Done.ToolCalls)
			}
			s.lastUsage = ev.Done.Usage.Clone()
		}
		s.budget.Update(s.contextNodesLocked(), true)

	case core.EventError:
		if _, err := s.stream.Abort(); err != nil {
			return err
		}
		s.budget.Update(s.contextNodesLocked(), true)
		return ev.Err
	}

	return nil
}

// Abort ends the active stream, keeping partial content exactly as streamed.
func (s *Session) Abort() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID, err := s.stream.Abort()
	if err != nil {
		return "", err
	}
	s.budget.Update(s.contextNodesLocked(), true)
	return nodeID, nil
}

// SummarizeResult reports the outcome of a summarization pass.
type SummarizeResult struct {
	// Empty is the nothing-to-summarize outcome, not an error.
	Empty bool

	SummaryNodeID   string
	SummarizedCount int
	TokensSaved     int
}

// SummarizeNow selects the older prefix of the conversation, asks the
// provider for a summary, and splices it in. The provider call runs outside
// the session lock; if the tree changes meanwhile the pass fails with
// ErrSelectionStale.
func (s *Session) SummarizeNow(ctx context.Context) (SummarizeResult, error) {
	s.mu.Lock()
	if streaming, _ := s.stream.Active(); streaming {
		s.mu.Unlock()
		return SummarizeResult{}, ErrStreamActive
	}

	nodes := s.contextNodesLocked()
	selection := SelectForSummarization(nodes, leadingSystemCount(nodes), s.cfg.PreserveCount)
	if selection.Empty() {
		s.mu.Unlock()
		return SummarizeResult{Empty: true}, nil
	}

	provider := s.cfg.Provider
	model := s.budget.Model()
	version := s.tree.Version()
	s.mu.Unlock()

	summary, err := GenerateSummary(ctx, provider, model, selection.ToSummarize)
	if err != nil {
		return SummarizeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree.Version() != version {
		return SummarizeResult{}, ErrSelectionStale
	}

	saved := CalculateTokenSavings(selection.ToSummarize, summary)
	summaryID, ok := ApplySummary(s.tree, selection, summary)
	if !ok {
		return SummarizeResult{}, ErrSelectionStale
	}
	s.budget.Update(s.contextNodesLocked(), true)

	return SummarizeResult{
		SummaryNodeID:   summaryID,
		SummarizedCount: len(selection.ToSummarize),
		TokensSaved:     saved,
	}, nil
}

// MaybeAutoCompact runs SummarizeNow when usage has reached the configured
// auto-compact threshold. Call after each completed assistant turn, never
// mid-stream. The bool reports whether compaction was attempted.
func (s *Session) MaybeAutoCompact(ctx context.Context) (SummarizeResult, bool, error) {
	s.mu.Lock()
	nodes := s.contextNodesLocked()
	selection := SelectForSummarization(nodes, leadingSystemCount(nodes), s.cfg.PreserveCount)
	due := ShouldAutoCompact(s.budget.Usage(), s.cfg.AutoCompactPercent, selection)
	s.mu.Unlock()

	if !due {
		return SummarizeResult{}, false, nil
	}
	res, err := s.SummarizeNow(ctx)
	return res, true, err
}

// SetModel swaps the model and its ceiling, then force-recomputes usage.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.SetModel(model)
	s.budget.Update(s.contextNodesLocked(), true)
}

// SetCustomContextLimit overrides the ceiling; zero clears the override.
func (s *Session) SetCustomContextLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.SetCustomContextLimit(limit)
	s.budget.Update(s.contextNodesLocked(), true)
}

// Reset tears down the conversation. Node ids held by callers become stale
// and stop resolving; that is the only way nodes are ever destroyed.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streaming, _ := s.stream.Active(); streaming {
		return ErrStreamActive
	}
	s.tree.Reset()
	s.cursor.Reset()
	s.lastUsage = nil
	s.budget.Update(nil, true)
	return nil
}

// ActivePath returns the structural active path, including summarized nodes,
// for display. Renderers collapse summarized runs into an inline marker.
func (s *Session) ActivePath() []*MessageNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Nodes()
}

// ContextNodes returns the model-context view of the active path: summarized
// nodes drop out and the synthetic summary node takes their place.
func (s *Session) ContextNodes() []*MessageNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextNodesLocked()
}

// Usage returns the current budget snapshot.
func (s *Session) Usage() ContextUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget.Usage()
}

// LastUsage returns the provider-reported usage of the latest turn, or nil.
func (s *Session) LastUsage() *core.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsage == nil {
		return nil
	}
	return s.lastUsage.Clone()
}

// Streaming reports whether a stream is live and which node it fills.
func (s *Session) Streaming() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Active()
}

// Get resolves a node id.
func (s *Session) Get(nodeID string) (*MessageNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Get(nodeID)
}

// SummarizedPrefixLen exposes the collapsed-message count for a summary node.
func (s *Session) SummarizedPrefixLen(summaryNodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.SummarizedPrefixLen(summaryNodeID)
}

// contextNodesLocked derives the context view: walk the active path, skip
// summarized nodes, and emit the summary node hanging off the last node of
// each summarized run.
func (s *Session) contextNodesLocked() []*MessageNode {
	path := s.cursor.Nodes()
	out := make([]*MessageNode, 0, len(path))
	for _, node := range path {
		if !node.Summarized {
			out = append(out, node)
			continue
		}
		if summary := s.latestSummaryChildLocked(node); summary != nil {
			out = append(out, summary)
		}
	}
	return out
}

// latestSummaryChildLocked returns the most recent summary node anchored at
// the given node, or nil.
func (s *Session) latestSummaryChildLocked(node *MessageNode) *MessageNode {
	for i := len(node.ChildIDs) - 1; i >= 0; i-- {
		child, ok := s.tree.Get(node.ChildIDs[i])
		if ok && child.IsSummary {
			return child
		}
	}
	return nil
}

// leadingSystemCount counts system-role messages at the head of the view.
func leadingSystemCount(nodes []*MessageNode) int {
	count := 0
	for _, node := range nodes {
		if node.Role != core.RoleSystem {
			break
		}
		count++
	}
	return count
}
