package chat

import (
	"errors"
	"time"

	"loom/internal/llm/core"
)

var (
	// ErrStreamActive indicates a second stream was started while one is live.
	ErrStreamActive = errors.New("a streaming session is already active")
	// ErrStreamIdle indicates a stream operation without a live stream.
	ErrStreamIdle = errors.New("no streaming session is active")
	// ErrNoSuchNode indicates a stream anchored to a node id that does not resolve.
	ErrNoSuchNode = errors.New("node does not exist")
)

// Thinking delimiters wrap reasoning tokens inside the same content field, so
// estimation and rendering treat them as ordinary content with recognizable
// markers instead of a second mutation path.
const (
	ThinkingStart = "<think>\n"
	ThinkingEnd   = "\n</think>\n"
)

const (
	// recomputeEveryN triggers a throttled budget recompute every N deltas.
	recomputeEveryN = 24
	// recomputeInterval triggers a recompute when this much time passed
	// since the last one, whichever comes first.
	recomputeInterval = 200 * time.Millisecond
)

// Stream is the state machine filling one assistant node incrementally:
// Idle -> Streaming -> Idle. At most one stream is live at a time; appends
// are strictly ordered and write through to the node's content with no
// intermediate buffer.
type Stream struct {
	tree *Tree

	streaming    bool
	nodeID       string
	thinkingOpen bool

	deltasSinceRecompute int
	lastRecompute        time.Time
	now                  func() time.Time
}

// NewStream returns an idle stream over the tree.
func NewStream(tree *Tree) *Stream {
	return &Stream{tree: tree, now: time.Now}
}

// Active reports whether a stream is live and which node it fills.
func (s *Stream) Active() (bool, string) {
	return s.streaming, s.nodeID
}

// Start creates a new empty assistant node under parentID and transitions to
// Streaming. Starting while already streaming is a programmer error and
// fails loudly.
func (s *Stream) Start(parentID string) (string, error) {
	if s.streaming {
		return "", ErrStreamActive
	}

	nodeID, ok := s.tree.AddMessage(parentID, Draft{Role: core.RoleAssistant})
	if !ok {
		return "", ErrNoSuchNode
	}

	s.streaming = true
	s.nodeID = nodeID
	s.thinkingOpen = false
	s.deltasSinceRecompute = 0
	s.lastRecompute = s.now()
	return nodeID, nil
}

// StartAt adopts an existing empty assistant node (created by regenerate) as
// the streaming target instead of creating a new one.
func (s *Stream) StartAt(nodeID string) error {
	if s.streaming {
		return ErrStreamActive
	}
	node, ok := s.tree.Get(nodeID)
	if !ok {
		return ErrNoSuchNode
	}
	if node.Role != core.RoleAssistant || node.IsSummary {
		return ErrNoSuchNode
	}

	s.streaming = true
	s.nodeID = nodeID
	s.thinkingOpen = false
	s.deltasSinceRecompute = 0
	s.lastRecompute = s.now()
	return nil
}

// Append concatenates one content token onto the streaming node, closing an
// open thinking section first. The returned flag tells the caller a throttled
// budget recompute is due.
func (s *Stream) Append(token string) (bool, error) {
	if !s.streaming {
		return false, ErrStreamIdle
	}
	if s.thinkingOpen {
		s.tree.AppendContent(s.nodeID, ThinkingEnd)
		s.thinkingOpen = false
	}
	s.tree.AppendContent(s.nodeID, token)
	return s.tickRecompute(), nil
}

// AppendThinking concatenates one reasoning token, opening the thinking
// delimiter on first use.
func (s *Stream) AppendThinking(token string) (bool, error) {
	if !s.streaming {
		return false, ErrStreamIdle
	}
	if !s.thinkingOpen {
		s.tree.AppendContent(s.nodeID, ThinkingStart)
		s.thinkingOpen = true
	}
	s.tree.AppendContent(s.nodeID, token)
	return s.tickRecompute(), nil
}

// Finish closes any open thinking section and transitions back to Idle. The
// caller must follow with a forced budget recompute.
func (s *Stream) Finish() (string, error) {
	if !s.streaming {
		return "", ErrStreamIdle
	}
	if s.thinkingOpen {
		s.tree.AppendContent(s.nodeID, ThinkingEnd)
		s.thinkingOpen = false
	}
	nodeID := s.nodeID
	s.streaming = false
	s.nodeID = ""
	return nodeID, nil
}

// Abort is Finish triggered by external cancellation: the partially streamed
// content stays exactly as it was at the moment of abort.
func (s *Stream) Abort() (string, error) {
	return s.Finish()
}

// tickRecompute implements the throttle policy: every recomputeEveryN deltas
// or every recomputeInterval, whichever comes first.
func (s *Stream) tickRecompute() bool {
	s.deltasSinceRecompute++
	if s.deltasSinceRecompute >= recomputeEveryN || s.now().Sub(s.lastRecompute) >= recomputeInterval {
		s.deltasSinceRecompute = 0
		s.lastRecompute = s.now()
		return true
	}
	return false
}
