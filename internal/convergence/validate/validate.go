package validate

import (
	"fmt"
	"strings"

	"github.com/strongdm/converge/internal/convergence/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// Rules binds the graph checks to the registries the engine will execute
// against: known node kinds and known routing condition names.
type Rules struct {
	KnownKinds     map[string]bool
	KnownCondition func(name string) bool
}

// Validate runs all structural rules against the graph. Any ERROR diagnostic
// means the graph must be rejected before a single node executes.
func Validate(g *model.Graph, rules Rules) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, lintNodeKindsKnown(g, rules)...)
	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintExitNode(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintExitNoOutgoing(g)...)
	diags = append(diags, lintBranchConditions(g, rules)...)
	diags = append(diags, lintReachability(g)...)
	return diags
}

func ValidateOrError(g *model.Graph, rules Rules) error {
	diags := Validate(g, rules)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("topology validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintNodeKindsKnown(g *model.Graph, rules Rules) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		if rules.KnownKinds != nil && !rules.KnownKinds[n.Kind] {
			diags = append(diags, Diagnostic{
				Rule:     "node_kind_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q declares unknown kind %q", id, n.Kind),
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintStartNode(g *model.Graph) []Diagnostic {
	var ids []string
	for id, n := range g.Nodes {
		if n != nil && n.Kind == model.KindStart {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("topology must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintExitNode(g *model.Graph) []Diagnostic {
	if len(g.ExitNodeIDs()) == 0 {
		return []Diagnostic{{
			Rule:     "terminal_node",
			Severity: SeverityError,
			Message:  "topology must have at least one exit node (found 0)",
		}}
	}
	return nil
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references undeclared from-node %q", e.From),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references undeclared to-node %q", e.To),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	start := g.StartNodeID()
	if start == "" {
		return nil
	}
	if len(g.Incoming(start)) > 0 {
		return []Diagnostic{{
			Rule:     "start_no_incoming",
			Severity: SeverityError,
			Message:  "start node must have no incoming edges",
			NodeID:   start,
		}}
	}
	return nil
}

func lintExitNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, exit := range g.ExitNodeIDs() {
		if len(g.Outgoing(exit)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "exit_no_outgoing",
				Severity: SeverityError,
				Message:  "exit node must have no outgoing edges",
				NodeID:   exit,
			})
		}
	}
	return diags
}

// lintBranchConditions enforces the routing contract: a node with more than
// one outgoing edge must name a registered condition, and its edges must
// carry distinct non-empty labels for the condition's routes to select.
func lintBranchConditions(g *model.Graph, rules Rules) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		out := g.Outgoing(id)
		if len(out) <= 1 {
			if n.Condition != "" && rules.KnownCondition != nil && !rules.KnownCondition(n.Condition) {
				diags = append(diags, Diagnostic{
					Rule:     "condition_known",
					Severity: SeverityError,
					Message:  fmt.Sprintf("node %q references unknown condition %q", id, n.Condition),
					NodeID:   id,
				})
			}
			continue
		}
		if strings.TrimSpace(n.Condition) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "branch_condition",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has %d outgoing edges but no routing condition", id, len(out)),
				NodeID:   id,
			})
			continue
		}
		if rules.KnownCondition != nil && !rules.KnownCondition(n.Condition) {
			diags = append(diags, Diagnostic{
				Rule:     "condition_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q references unknown condition %q", id, n.Condition),
				NodeID:   id,
			})
			continue
		}
		seen := map[string]bool{}
		for _, e := range out {
			label := strings.TrimSpace(e.Label)
			if label == "" {
				diags = append(diags, Diagnostic{
					Rule:     "branch_edge_label",
					Severity: SeverityError,
					Message:  fmt.Sprintf("conditional node %q has an unlabeled outgoing edge to %q", id, e.To),
					NodeID:   id,
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
				continue
			}
			if seen[label] {
				diags = append(diags, Diagnostic{
					Rule:     "branch_edge_label",
					Severity: SeverityError,
					Message:  fmt.Sprintf("conditional node %q has duplicate route label %q", id, label),
					NodeID:   id,
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
			}
			seen[label] = true
		}
	}
	return diags
}

// lintReachability requires every node to be reachable from start and at
// least one exit node to be reachable. Unreachable nodes are almost always a
// topology typo, so they are errors rather than warnings.
func lintReachability(g *model.Graph) []Diagnostic {
	start := g.StartNodeID()
	if start == "" {
		return nil
	}
	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if e == nil || reached[e.To] {
				continue
			}
			if _, ok := g.Nodes[e.To]; !ok {
				continue // edge_target_exists reports this
			}
			reached[e.To] = true
			queue = append(queue, e.To)
		}
	}

	var diags []Diagnostic
	exitReached := false
	for _, id := range g.ExitNodeIDs() {
		if reached[id] {
			exitReached = true
		}
	}
	if !exitReached && len(g.ExitNodeIDs()) > 0 {
		diags = append(diags, Diagnostic{
			Rule:     "exit_reachable",
			Severity: SeverityError,
			Message:  "no exit node is reachable from start",
		})
	}
	for id := range g.Nodes {
		if !reached[id] {
			diags = append(diags, Diagnostic{
				Rule:     "node_reachable",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q is not reachable from start", id),
				NodeID:   id,
			})
		}
	}
	return diags
}
