package chat

import (
	"loom/internal/models"
	"loom/internal/tokens"
)

// ThresholdState classifies context usage against the window ceiling.
// Ordering matters: higher values are worse.
type ThresholdState int

const (
	ThresholdNormal   ThresholdState = iota // below 85%
	ThresholdWarning                        // 85-94%
	ThresholdCritical                       // 95-99%
	ThresholdFull                           // at or over the ceiling
)

// String returns the lowercase state name.
func (s ThresholdState) String() string {
	switch s {
	case ThresholdWarning:
		return "warning"
	case ThresholdCritical:
		return "critical"
	case ThresholdFull:
		return "full"
	default:
		return "normal"
	}
}

// ContextUsage is the derived budget snapshot for the active path.
type ContextUsage struct {
	UsedTokens int
	MaxTokens  int
	Percentage float64
	State      ThresholdState
}

// ThresholdFunc is notified once per crossing into a worse state.
type ThresholdFunc func(from, to ThresholdState)

// BudgetTracker sums per-node token estimates over the context view and
// classifies the total against the model's context window. Estimates are
// cached on the nodes and recomputed only when invalidated, so the tracker
// is cheap to call from the streaming throttle.
type BudgetTracker struct {
	limits      *models.Table
	model       string
	customLimit int

	usage       ContextUsage
	prevState   ThresholdState
	onThreshold ThresholdFunc
}

// NewBudgetTracker returns a tracker resolving ceilings from the table.
func NewBudgetTracker(limits *models.Table, model string) *BudgetTracker {
	t := &BudgetTracker{limits: limits, model: model}
	t.usage.MaxTokens = t.ceiling()
	return t
}

// OnThreshold registers the worsening-crossing notification callback.
func (t *BudgetTracker) OnThreshold(fn ThresholdFunc) { t.onThreshold = fn }

// Model returns the model id the ceiling derives from.
func (t *BudgetTracker) Model() string { return t.model }

// SetModel swaps the ceiling to the new model's context window and clears any
// sticky classification: the old state is meaningless against a new ceiling.
func (t *BudgetTracker) SetModel(model string) {
	t.model = model
	t.resetClassification()
}

// SetCustomContextLimit overrides the model-derived ceiling. Zero or negative
// clears the override.
func (t *BudgetTracker) SetCustomContextLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	t.customLimit = limit
	t.resetClassification()
}

// CustomContextLimit returns the active override, zero when unset.
func (t *BudgetTracker) CustomContextLimit() int { return t.customLimit }

// Update recomputes usage over the given context nodes. Cached per-node
// estimates are reused unless invalidated; force recomputes every node
// unconditionally and is required at stream end, after summarization, and
// after a ceiling change.
func (t *BudgetTracker) Update(nodes []*MessageNode, force bool) ContextUsage {
	used := 0
	for _, node := range nodes {
		if force || !node.tokenValid {
			node.tokenCount = tokens.EstimateMessage(node.Message())
			node.tokenValid = true
		}
		used += node.tokenCount
	}

	max := t.ceiling()
	pct := 0.0
	if max > 0 {
		pct = float64(used) / float64(max) * 100
	}

	state := classify(pct)
	if state > t.prevState && t.onThreshold != nil {
		t.onThreshold(t.prevState, state)
	}
	t.prevState = state

	t.usage = ContextUsage{
		UsedTokens: used,
		MaxTokens:  max,
		Percentage: pct,
		State:      state,
	}
	return t.usage
}

// Usage returns the last computed snapshot.
func (t *BudgetTracker) Usage() ContextUsage { return t.usage }

// ceiling resolves the active token ceiling: explicit override first, then
// the model's context window.
func (t *BudgetTracker) ceiling() int {
	if t.customLimit > 0 {
		return t.customLimit
	}
	if t.limits == nil {
		return models.DefaultContextWindow
	}
	return t.limits.ContextWindow(t.model)
}

func (t *BudgetTracker) resetClassification() {
	t.prevState = ThresholdNormal
	t.usage.MaxTokens = t.ceiling()
	t.usage.State = ThresholdNormal
}

func classify(pct float64) ThresholdState {
	switch {
	case pct >= 100:
		return ThresholdFull
	case pct >= 95:
		return ThresholdCritical
	case pct >= 85:
		return ThresholdWarning
	default:
		return ThresholdNormal
	}
}
