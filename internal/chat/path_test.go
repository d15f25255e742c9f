package chat

import (
	"testing"

	"loom/internal/llm/core"
)

func linearTree(t *testing.T, contents ...string) (*Tree, []string) {
	t.Helper()
	tree := NewTree()
	parent := ""
	ids := make([]string, 0, len(contents))
	role := core.RoleUser
	for _, content := range contents {
		id, ok := tree.AddMessage(parent, Draft{Role: role, Content: content})
		if !ok {
			t.Fatalf("AddMessage(%q) failed", content)
		}
		ids = append(ids, id)
		parent = id
		if role == core.RoleUser {
			role = core.RoleAssistant
		} else {
			role = core.RoleUser
		}
	}
	return tree, ids
}

func pathEquals(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("path length = %d, want %d (%v vs %v)", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("path[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestPathFollowsLatestChildByDefault verifies the latest-wins default.
func TestPathFollowsLatestChildByDefault(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "hello", "more")
	cursor := NewCursor(tree)
	pathEquals(t, cursor.Path(), ids)

	// A regenerated sibling becomes the new default tail.
	newID, _ := tree.StartRegeneration(ids[1])
	pathEquals(t, cursor.Path(), []string{ids[0], newID})
}

// TestBranchInfoCountsSiblings verifies index/total derivation.
func TestBranchInfoCountsSiblings(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "hello")
	cursor := NewCursor(tree)

	info, ok := cursor.BranchInfo(ids[1])
	if !ok || info.Index != 0 || info.Total != 1 {
		t.Fatalf("BranchInfo() = %+v %v, want 0/1", info, ok)
	}

	newID, _ := tree.StartRegeneration(ids[1])

	info, ok = cursor.BranchInfo(ids[1])
	if !ok || info.Index != 0 || info.Total != 2 {
		t.Fatalf("BranchInfo(original) = %+v, want 0 of 2", info)
	}
	info, ok = cursor.BranchInfo(newID)
	if !ok || info.Index != 1 || info.Total != 2 {
		t.Fatalf("BranchInfo(new) = %+v, want 1 of 2", info)
	}

	if _, ok := cursor.BranchInfo("missing"); ok {
		t.Fatal("BranchInfo() resolved a missing node")
	}
}

// TestSwitchBranchNextPrevRoundTrip verifies idempotence with two siblings.
func TestSwitchBranchNextPrevRoundTrip(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "hello")
	newID, _ := tree.StartRegeneration(ids[1])
	cursor := NewCursor(tree)

	original := append([]string(nil), cursor.Path()...)
	pathEquals(t, original, []string{ids[0], newID})

	if !cursor.SwitchBranch(newID, Next) {
		t.Fatal("SwitchBranch(next) failed")
	}
	pathEquals(t, cursor.Path(), []string{ids[0], ids[1]})

	if !cursor.SwitchBranch(ids[1], Prev) {
		t.Fatal("SwitchBranch(prev) failed")
	}
	pathEquals(t, cursor.Path(), original)
}

// TestSwitchBranchPreservesContent verifies switching back reproduces the
// original node byte for byte.
func TestSwitchBranchPreservesContent(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "the original reply")
	newID, _ := tree.StartRegeneration(ids[1])
	tree.AppendContent(newID, "a different reply")
	cursor := NewCursor(tree)

	cursor.SwitchBranch(newID, Prev)
	node, _ := tree.Get(cursor.Leaf())
	if node.Content != "the original reply" {
		t.Fatalf("leaf content = %q, want original bytes", node.Content)
	}

	cursor.SwitchBranch(ids[1], Next)
	node, _ = tree.Get(cursor.Leaf())
	if node.Content != "a different reply" {
		t.Fatalf("leaf content = %q, want regenerated bytes", node.Content)
	}
}

// TestSwitchBranchDiscardsDownstreamChoices verifies latest-wins below an
// upstream switch.
func TestSwitchBranchDiscardsDownstreamChoices(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "hello", "again", "sure")
	// Branch low: two alternatives for the last assistant reply.
	lowAlt, _ := tree.StartRegeneration(ids[3])
	cursor := NewCursor(tree)

	// Pin the older low alternative explicitly.
	cursor.SwitchBranch(lowAlt, Prev)
	pathEquals(t, cursor.Path(), []string{ids[0], ids[1], ids[2], ids[3]})

	// Branch high, switch away and back: the low choice resets to latest.
	highAlt, _ := tree.StartRegeneration(ids[1])
	pathEquals(t, cursor.Path(), []string{ids[0], highAlt})

	cursor.SwitchBranch(highAlt, Next)
	pathEquals(t, cursor.Path(), []string{ids[0], ids[1], ids[2], lowAlt})
}

// TestPathMemoizationIsStable verifies repeated reads without mutation return
// the same path.
func TestPathMemoizationIsStable(t *testing.T) {
	t.Parallel()

	tree, _ := linearTree(t, "hi", "hello", "more", "sure")
	cursor := NewCursor(tree)

	first := cursor.Path()
	for i := 0; i < 5; i++ {
		pathEquals(t, cursor.Path(), first)
	}
}

// TestSummaryNodesNeverCarryThePath verifies summary children are invisible
// to path descent and branch counting.
func TestSummaryNodesNeverCarryThePath(t *testing.T) {
	t.Parallel()

	tree, ids := linearTree(t, "hi", "hello", "more", "sure")
	cursor := NewCursor(tree)

	tree.MarkSummarized(ids[:2])
	summaryID, _ := tree.InsertSummaryMessage(ids[1], "gist")

	pathEquals(t, cursor.Path(), ids)

	info, ok := cursor.BranchInfo(ids[2])
	if !ok || info.Total != 1 {
		t.Fatalf("BranchInfo(continuation) = %+v, summary sibling must not count", info)
	}
	if _, ok := cursor.BranchInfo(summaryID); ok {
		t.Fatal("BranchInfo() resolved a summary node")
	}
	if cursor.SwitchBranch(summaryID, Next) {
		t.Fatal("SwitchBranch() accepted a summary node")
	}
}
