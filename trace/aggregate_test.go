package trace

import (
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func evt(id, parentID, typ string, start time.Time, durMs int64, tokens int64) *Event {
	var p *string
	if parentID != "" {
		p = ptr(parentID)
	}
	completed := start.Add(time.Duration(durMs) * time.Millisecond)
	return &Event{
		ID:          id,
		CommandID:   "c1",
		ParentID:    p,
		Type:        typ,
		Name:        id,
		StartedAt:   start,
		CompletedAt: &completed,
		TokensUsed:  ptr(tokens),
	}
}

func TestBuildAggregationTreeShape(t *testing.T) {
	base := time.Now().Add(-time.Minute)
	events := []*Event{
		evt("root", "", "LlmPrompt", base, 1000, 10),
		evt("child1", "root", "ToolCall", base.Add(10*time.Millisecond), 200, 5),
		evt("child2", "root", "ToolCall", base.Add(20*time.Millisecond), 500, 8),
	}

	agg := BuildAggregation(events, Config{})
	if len(agg.Roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(agg.Roots))
	}
	root := agg.Roots[0]
	if root.ChildCount != 2 {
		t.Fatalf("expected 2 children, got %d", root.ChildCount)
	}
	if agg.TotalTokens != 23 {
		t.Fatalf("expected total tokens 23, got %d", agg.TotalTokens)
	}
	if agg.TypeCounts["ToolCall"] != 2 {
		t.Fatalf("expected 2 ToolCall entries, got %d", agg.TypeCounts["ToolCall"])
	}
}

func TestBuildAggregationOrphanBecomesRoot(t *testing.T) {
	base := time.Now().Add(-time.Minute)
	events := []*Event{
		evt("orphan", "missing-parent", "ToolCall", base, 100, 1),
	}
	agg := BuildAggregation(events, Config{})
	if len(agg.Roots) != 1 {
		t.Fatalf("expected orphan surfaced as root, got %d roots", len(agg.Roots))
	}
	if !agg.Roots[0].Orphan {
		t.Fatalf("expected orphan flag set")
	}
}

func TestBuildAggregationCriticalPathFollowsLargestSubtree(t *testing.T) {
	base := time.Now().Add(-time.Minute)
	events := []*Event{
		evt("root", "", "LlmPrompt", base, 1000, 0),
		evt("fast", "root", "ToolCall", base, 50, 0),
		evt("slow", "root", "ToolCall", base, 900, 0),
	}
	agg := BuildAggregation(events, Config{})
	if len(agg.CriticalPath) != 2 || agg.CriticalPath[1] != "slow" {
		t.Fatalf("expected critical path to follow 'slow', got %v", agg.CriticalPath)
	}
}

func TestIsErroredWithoutCompletion(t *testing.T) {
	e := &Event{StartedAt: time.Now().Add(-time.Hour)}
	if !isErrored(e, time.Now()) {
		t.Fatalf("expected incomplete old event to be flagged errored")
	}
}

func TestFlamegraphRespectsMaxExportSize(t *testing.T) {
	base := time.Now().Add(-time.Minute)
	events := []*Event{
		evt("root", "", "LlmPrompt", base, 100, 0),
		evt("c1", "root", "ToolCall", base, 10, 0),
		evt("c2", "root", "ToolCall", base, 10, 0),
		evt("c3", "root", "ToolCall", base, 10, 0),
	}
	agg := BuildAggregation(events, Config{})
	nodes := Flamegraph(agg, Config{MaxExportSize: 2})
	if len(nodes) != 1 {
		t.Fatalf("expected 1 root node, got %d", len(nodes))
	}
	if len(nodes[0].Children) != 1 {
		t.Fatalf("expected export capped at 2 nodes total, got %d children", len(nodes[0].Children))
	}
}
