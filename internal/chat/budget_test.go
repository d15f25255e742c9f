package chat

import (
	"strings"
	"testing"

	"loom/internal/llm/core"
	"loom/internal/models"
)

// budgetFixture builds a one-node context whose content length maps to an
// exact token count: runes/4 plus the fixed per-message overhead of 10.
func budgetFixture(t *testing.T, chars int) (*Tree, string, []*MessageNode) {
	t.Helper()
	tree := NewTree()
	id, ok := tree.AddMessage("", Draft{Role: core.RoleUser, Content: strings.Repeat("a", chars)})
	if !ok {
		t.Fatal("AddMessage() failed")
	}
	node, _ := tree.Get(id)
	return tree, id, []*MessageNode{node}
}

func TestBudgetClassificationBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pct  float64
		want ThresholdState
	}{
		{0, ThresholdNormal},
		{84.9, ThresholdNormal},
		{85, ThresholdWarning},
		{94.9, ThresholdWarning},
		{95, ThresholdCritical},
		{99.9, ThresholdCritical},
		{100, ThresholdFull},
		{140, ThresholdFull},
	}
	for _, tc := range cases {
		if got := classify(tc.pct); got != tc.want {
			t.Errorf("classify(%v) = %v, want %v", tc.pct, got, tc.want)
		}
	}
}

func TestBudgetUpdateIsDeterministic(t *testing.T) {
	t.Parallel()

	_, _, nodes := budgetFixture(t, 280) // 280/4 + 10 = 80 tokens
	tracker := NewBudgetTracker(models.NewTable(), "llama3")
	tracker.SetCustomContextLimit(100)

	first := tracker.Update(nodes, false)
	if first.UsedTokens != 80 || first.MaxTokens != 100 {
		t.Fatalf("Update() = %d/%d tokens, want 80/100", first.UsedTokens, first.MaxTokens)
	}
	if first.Percentage != 80 || first.State != ThresholdNormal {
		t.Fatalf("Update() = %.1f%% %v, want 80%% normal", first.Percentage, first.State)
	}

	// Unchanged tree: repeated updates return identical snapshots from cache.
	for i := 0; i < 3; i++ {
		if got := tracker.Update(nodes, false); got != first {
			t.Fatalf("Update() #%d = %+v, want %+v", i+2, got, first)
		}
	}
}

func TestBudgetThresholdFiresOnceWhenWorsening(t *testing.T) {
	t.Parallel()

	tree, id, nodes := budgetFixture(t, 280) // 80 tokens
	tracker := NewBudgetTracker(models.NewTable(), "llama3")
	tracker.SetCustomContextLimit(100)

	var crossings []ThresholdState
	tracker.OnThreshold(func(from, to ThresholdState) {
		if to <= from {
			t.Errorf("OnThreshold fired for non-worsening %v -> %v", from, to)
		}
		crossings = append(crossings, to)
	})

	tracker.Update(nodes, false) // 80%, normal
	if len(crossings) != 0 {
		t.Fatalf("crossings = %v, want none below the threshold", crossings)
	}

	tree.AppendContent(id, strings.Repeat("a", 40)) // 320/4 + 10 = 90 tokens
	tracker.Update(nodes, false)
	if len(crossings) != 1 || crossings[0] != ThresholdWarning {
		t.Fatalf("crossings = %v, want one warning", crossings)
	}

	// Staying inside 85-94 must not refire.
	tracker.Update(nodes, false)
	tracker.Update(nodes, true)
	if len(crossings) != 1 {
		t.Fatalf("crossings = %v, want warning exactly once", crossings)
	}

	tree.AppendContent(id, strings.Repeat("a", 20)) // 95 tokens
	tracker.Update(nodes, false)
	tree.AppendContent(id, strings.Repeat("a", 20)) // 100 tokens
	tracker.Update(nodes, false)
	want := []ThresholdState{ThresholdWarning, ThresholdCritical, ThresholdFull}
	if len(crossings) != len(want) {
		t.Fatalf("crossings = %v, want %v", crossings, want)
	}
	for i := range want {
		if crossings[i] != want[i] {
			t.Fatalf("crossings = %v, want %v", crossings, want)
		}
	}
}

func TestBudgetCustomLimitOverridesModelWindow(t *testing.T) {
	t.Parallel()

	_, _, nodes := budgetFixture(t, 280)
	tracker := NewBudgetTracker(models.NewTable(), "llama3")

	window := models.NewTable().ContextWindow("llama3")
	if got := tracker.Update(nodes, false); got.MaxTokens != window {
		t.Fatalf("MaxTokens = %d, want model window %d", got.MaxTokens, window)
	}

	tracker.SetCustomContextLimit(100)
	if got := tracker.Update(nodes, false); got.MaxTokens != 100 {
		t.Fatalf("MaxTokens = %d, want override 100", got.MaxTokens)
	}

	tracker.SetCustomContextLimit(0)
	if got := tracker.Update(nodes, false); got.MaxTokens != window {
		t.Fatalf("MaxTokens = %d, want model window %d after clearing", got.MaxTokens, window)
	}
}

func TestBudgetSetModelResetsClassification(t *testing.T) {
	t.Parallel()

	_, _, nodes := budgetFixture(t, 360) // 100 tokens
	tracker := NewBudgetTracker(models.NewTable(), "llama3")
	tracker.SetCustomContextLimit(100)

	var crossings int
	tracker.OnThreshold(func(from, to ThresholdState) { crossings++ })

	tracker.Update(nodes, false)
	if crossings != 1 {
		t.Fatalf("crossings = %d, want 1 after hitting the ceiling", crossings)
	}

	// A new ceiling invalidates the old classification; crossing the same
	// threshold against it notifies again.
	tracker.SetModel("llama3")
	tracker.Update(nodes, true)
	if crossings != 2 {
		t.Fatalf("crossings = %d, want refire after model change", crossings)
	}
}
