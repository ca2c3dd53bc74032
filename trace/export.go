package trace

// FlamegraphNode is one node of a flamegraph export (§4.8 exports).
type FlamegraphNode struct {
	Name     string            `json:"name"`
	Value    int64             `json:"value"` // duration in ms
	Color    string            `json:"color"`
	Children []*FlamegraphNode `json:"children,omitempty"`
}

// TimelineEvent is one row of a timeline export (§4.8 exports).
type TimelineEvent struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Start    int64            `json:"start"` // unix ms
	End      int64            `json:"end"`   // unix ms
	Level    int              `json:"level"`
	Children []*TimelineEvent `json:"children,omitempty"`
}

// Flamegraph renders the aggregation's forest as flamegraph nodes,
// enforcing MaxExportSize and MaxExportDepth.
func Flamegraph(agg *Aggregation, cfg Config) []*FlamegraphNode {
	cfg = cfg.withDefaults()
	emitted := 0
	var convert func(n *Node) *FlamegraphNode
	convert = func(n *Node) *FlamegraphNode {
		emitted++
		fn := &FlamegraphNode{
			Name:  n.Event.Name,
			Value: n.SubtreeDurationMs,
			Color: colorFor(n),
		}
		if n.Depth >= cfg.MaxExportDepth {
			return fn
		}
		for _, c := range n.Children {
			if emitted >= cfg.MaxExportSize {
				break
			}
			fn.Children = append(fn.Children, convert(c))
		}
		return fn
	}

	var out []*FlamegraphNode
	for _, r := range agg.Roots {
		if emitted >= cfg.MaxExportSize {
			break
		}
		out = append(out, convert(r))
	}
	return out
}

func colorFor(n *Node) string {
	if n.Errored {
		return "red"
	}
	switch n.Event.Type {
	case "LlmPrompt":
		return "blue"
	case "ToolCall":
		return "green"
	case "Response":
		return "purple"
	default:
		return "gray"
	}
}

// Timeline renders the aggregation's forest as a timeline event list,
// enforcing MaxExportSize and MaxExportDepth.
func Timeline(agg *Aggregation, cfg Config) []*TimelineEvent {
	cfg = cfg.withDefaults()
	emitted := 0
	var convert func(n *Node) *TimelineEvent
	convert = func(n *Node) *TimelineEvent {
		emitted++
		te := &TimelineEvent{
			ID:    n.Event.ID,
			Name:  n.Event.Name,
			Start: n.Event.StartedAt.UnixMilli(),
			Level: n.Depth,
		}
		if n.Event.CompletedAt != nil {
			te.End = n.Event.CompletedAt.UnixMilli()
		}
		if n.Depth >= cfg.MaxExportDepth {
			return te
		}
		for _, c := range n.Children {
			if emitted >= cfg.MaxExportSize {
				break
			}
			te.Children = append(te.Children, convert(c))
		}
		return te
	}

	var out []*TimelineEvent
	for _, r := range agg.Roots {
		if emitted >= cfg.MaxExportSize {
			break
		}
		out = append(out, convert(r))
	}
	return out
}
