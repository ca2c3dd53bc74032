package trace

import (
	"sort"
	"time"
)

// Node is one built tree node, derived from a flat Event list (§4.8
// tree build).
type Node struct {
	Event            *Event
	Children         []*Node
	Depth            int
	ChildCount       int
	SubtreeDurationMs int64
	SubtreeTokens     int64
	Errored           bool
	Orphan            bool // parentId referenced an entry not present in the set
}

// Aggregation is the computed stats and forest for one command's
// trace set (§4.8 metrics and analysis).
type Aggregation struct {
	Roots []*Node

	TotalDurationMs int64
	AvgDurationMs   float64
	TotalTokens     int64
	AvgTokens       float64
	TypeCounts      map[string]int
	ErrorCount      int
	MaxDepth        int
	CriticalPath    []string // traceIds, root to deepest-by-duration leaf

	SlowCount     int
	VerySlowCount int
	HighTokenCount int
}

// BuildAggregation builds the forest and derives all aggregated stats
// for a flat event list.
func BuildAggregation(events []*Event, cfg Config) *Aggregation {
	cfg = cfg.withDefaults()

	byID := make(map[string]*Event, len(events))
	childrenOf := make(map[string][]*Event)
	present := make(map[string]bool, len(events))
	for _, e := range events {
		byID[e.ID] = e
		present[e.ID] = true
	}
	var roots []*Event
	for _, e := range events {
		if e.ParentID == nil || !present[*e.ParentID] {
			roots = append(roots, e)
			continue
		}
		childrenOf[*e.ParentID] = append(childrenOf[*e.ParentID], e)
	}
	for _, kids := range childrenOf {
		sort.Slice(kids, func(i, j int) bool { return kids[i].StartedAt.Before(kids[j].StartedAt) })
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].StartedAt.Before(roots[j].StartedAt) })

	agg := &Aggregation{TypeCounts: make(map[string]int)}
	now := time.Now()

	var build func(e *Event, depth int) *Node
	build = func(e *Event, depth int) *Node {
		n := &Node{Event: e, Depth: depth}
		n.Orphan = e.ParentID != nil && !present[*e.ParentID]

		durMs := durationMs(e, now)
		n.SubtreeDurationMs = durMs
		if e.TokensUsed != nil {
			n.SubtreeTokens = *e.TokensUsed
		}
		n.Errored = isErrored(e, now)

		agg.TotalDurationMs += durMs
		if e.TokensUsed != nil {
			agg.TotalTokens += *e.TokensUsed
		}
		agg.TypeCounts[e.Type]++
		if n.Errored {
			agg.ErrorCount++
		}
		if depth > agg.MaxDepth {
			agg.MaxDepth = depth
		}
		if durMs >= cfg.VerySlowMs {
			agg.VerySlowCount++
		} else if durMs >= cfg.SlowMs {
			agg.SlowCount++
		}
		if e.TokensUsed != nil && *e.TokensUsed >= cfg.HighTokenUsage {
			agg.HighTokenCount++
		}

		if depth >= cfg.MaxTraceDepth {
			return n
		}
		for _, child := range childrenOf[e.ID] {
			cn := build(child, depth+1)
			n.Children = append(n.Children, cn)
			n.SubtreeDurationMs += cn.SubtreeDurationMs
			n.SubtreeTokens += cn.SubtreeTokens
		}
		n.ChildCount = len(n.Children)
		return n
	}

	for _, r := range roots {
		agg.Roots = append(agg.Roots, build(r, 0))
	}

	if len(events) > 0 {
		agg.AvgDurationMs = float64(agg.TotalDurationMs) / float64(len(events))
		agg.AvgTokens = float64(agg.TotalTokens) / float64(len(events))
	}

	agg.CriticalPath = criticalPath(agg.Roots)
	return agg
}

func durationMs(e *Event, now time.Time) int64 {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt).Milliseconds()
	}
	return now.Sub(e.StartedAt).Milliseconds()
}

// isErrored: events with startedAt+duration < now but no completedAt
// are considered errored (§4.8).
func isErrored(e *Event, now time.Time) bool {
	if e.CompletedAt != nil {
		return false
	}
	return now.After(e.StartedAt)
}

// criticalPath repeatedly follows the child with the largest subtree
// duration from each root (§4.8).
func criticalPath(roots []*Node) []string {
	if len(roots) == 0 {
		return nil
	}
	var best *Node
	for _, r := range roots {
		if best == nil || r.SubtreeDurationMs > best.SubtreeDurationMs {
			best = r
		}
	}
	var path []string
	for n := best; n != nil; {
		path = append(path, n.Event.ID)
		var next *Node
		for _, c := range n.Children {
			if next == nil || c.SubtreeDurationMs > next.SubtreeDurationMs {
				next = c
			}
		}
		n = next
	}
	return path
}
