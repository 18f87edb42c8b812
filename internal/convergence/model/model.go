package model

import "strings"

// Reserved edge endpoint markers used by topology declarations. An edge from
// StartMarker defines the entry point; an edge to EndMarker routes to the
// implicit exit node of the matching route label.
const (
	StartMarker = "start"
	EndMarker   = "end"
)

// Node kinds (the closed registry of built-in node types).
const (
	KindStart            = "start"
	KindSetup            = "setup"
	KindRunMainTask      = "run_main_task"
	KindValidate         = "validate"
	KindDecide           = "decide"
	KindRepair           = "repair"
	KindIncrementAttempt = "increment_attempt"
	KindExit             = "exit"
)

type Node struct {
	ID   string
	Kind string

	// Condition names the registered routing condition used to select among
	// this node's outgoing edges. Required when the node has more than one.
	Condition string

	Attrs map[string]string
}

func NewNode(id, kind string) *Node {
	return &Node{ID: id, Kind: kind, Attrs: map[string]string{}}
}

func (n *Node) Attr(key, def string) string {
	if n == nil || n.Attrs == nil {
		return def
	}
	if v, ok := n.Attrs[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

type Edge struct {
	From  string
	To    string
	Label string
}

func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to}
}

type Graph struct {
	Name  string
	Attrs map[string]string
	Nodes map[string]*Node
	Edges []*Edge
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: map[string]string{},
		Nodes: map[string]*Node{},
	}
}

func (g *Graph) AddNode(n *Node) *Node {
	g.Nodes[n.ID] = n
	return n
}

func (g *Graph) AddEdge(from, to, label string) *Edge {
	e := &Edge{From: from, To: to, Label: label}
	g.Edges = append(g.Edges, e)
	return e
}

func (g *Graph) Outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == id {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) Incoming(id string) []*Edge {
	var in []*Edge
	for _, e := range g.Edges {
		if e != nil && e.To == id {
			in = append(in, e)
		}
	}
	return in
}

// StartNodeID returns the single start node's ID, or "" when absent.
func (g *Graph) StartNodeID() string {
	for id, n := range g.Nodes {
		if n != nil && n.Kind == KindStart {
			return id
		}
	}
	return ""
}

// ExitNodeIDs returns all terminal node IDs.
func (g *Graph) ExitNodeIDs() []string {
	var ids []string
	for id, n := range g.Nodes {
		if n != nil && n.Kind == KindExit {
			ids = append(ids, id)
		}
	}
	return ids
}
