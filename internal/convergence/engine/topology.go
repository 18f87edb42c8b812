package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strongdm/converge/internal/convergence/cond"
	"github.com/strongdm/converge/internal/convergence/config"
	"github.com/strongdm/converge/internal/convergence/model"
	"github.com/strongdm/converge/internal/convergence/validate"
)

// Canonical node IDs. Exit nodes carry an "outcome" attr that maps the
// reached terminal to a final status.
const (
	nodeStart     = "start"
	nodeSetup     = "setup"
	nodeMainTask  = "run_main_task"
	nodeValidate  = "validate"
	nodeDecide    = "decide"
	nodeRepair    = "repair"
	nodeIncrement = "increment_attempt"
	nodeDone      = "done"
	nodeFailed    = "failed"

	attrOutcome = "outcome"
)

// KnownKinds is the closed registry of node kinds a topology may declare.
func KnownKinds() map[string]bool {
	return map[string]bool{
		model.KindStart:            true,
		model.KindSetup:            true,
		model.KindRunMainTask:      true,
		model.KindValidate:         true,
		model.KindDecide:           true,
		model.KindRepair:           true,
		model.KindIncrementAttempt: true,
		model.KindExit:             true,
	}
}

func graphRules(conds *cond.Registry) validate.Rules {
	return validate.Rules{
		KnownKinds:     KnownKinds(),
		KnownCondition: conds.Has,
	}
}

func addExitNode(g *model.Graph, id, outcome string) *model.Node {
	if n, ok := g.Nodes[id]; ok {
		return n
	}
	n := model.NewNode(id, model.KindExit)
	n.Attrs[attrOutcome] = outcome
	return g.AddNode(n)
}

// CanonicalGraph builds the default convergence loop.
//
// Without a main task:
//
//	start → setup → validate → decide ─ end_success → done
//	                    ↑          ├─ end_failure → failed
//	                    │          └─ retry → repair → increment_attempt ─┘
//
// With a main task, run_main_task sits between setup and validate; its
// success ends the run immediately, and the retry cycle re-runs the task
// (with the budget re-checked after each increment) instead of terminating
// on a clean validation round.
func CanonicalGraph(name string, withMainTask, abortOnSetupFailure bool) *model.Graph {
	g := model.NewGraph(name)

	g.AddNode(model.NewNode(nodeStart, model.KindStart))
	setupNode := g.AddNode(model.NewNode(nodeSetup, model.KindSetup))
	g.AddNode(model.NewNode(nodeValidate, model.KindValidate))
	decide := g.AddNode(model.NewNode(nodeDecide, model.KindDecide))
	decide.Condition = "should_continue"
	g.AddNode(model.NewNode(nodeRepair, model.KindRepair))
	increment := g.AddNode(model.NewNode(nodeIncrement, model.KindIncrementAttempt))
	addExitNode(g, nodeDone, "success")
	addExitNode(g, nodeFailed, "fail")

	g.AddEdge(nodeStart, nodeSetup, "")

	afterSetup := nodeValidate
	if withMainTask {
		afterSetup = nodeMainTask
		task := g.AddNode(model.NewNode(nodeMainTask, model.KindRunMainTask))
		task.Condition = "check_main_task"
		g.AddEdge(nodeMainTask, nodeDone, cond.RouteEndSuccess)
		g.AddEdge(nodeMainTask, nodeValidate, cond.RouteContinue)
	}

	if abortOnSetupFailure {
		setupNode.Condition = "check_setup"
		g.AddEdge(nodeSetup, afterSetup, cond.RouteContinue)
		g.AddEdge(nodeSetup, nodeFailed, cond.RouteEndFailure)
	} else {
		g.AddEdge(nodeSetup, afterSetup, "")
	}

	g.AddEdge(nodeValidate, nodeDecide, "")
	g.AddEdge(nodeDecide, nodeFailed, cond.RouteEndFailure)
	g.AddEdge(nodeDecide, nodeRepair, cond.RouteRetry)
	g.AddEdge(nodeRepair, nodeIncrement, "")

	if withMainTask {
		// A clean validation round means the environment is healthy, not that
		// the task is done; re-enter the task loop instead of exiting.
		g.AddEdge(nodeDecide, nodeIncrement, cond.RouteEndSuccess)
		increment.Condition = "after_increment"
		g.AddEdge(nodeIncrement, nodeMainTask, cond.RouteMainTask)
		g.AddEdge(nodeIncrement, nodeFailed, cond.RouteEndFailure)
	} else {
		g.AddEdge(nodeDecide, nodeDone, cond.RouteEndSuccess)
		g.AddEdge(nodeIncrement, nodeValidate, "")
	}

	return g
}

// BuildOverride materializes a config-declared topology. The reserved
// markers "start" and "end" may appear as edge endpoints without being
// declared: "start" names the implicit entry node when no start-kind node is
// declared, and "end" routes to an implicit exit whose outcome follows the
// edge's route label (end_failure → fail, anything else → success).
func BuildOverride(name string, t *config.TopologyConfig, conds *cond.Registry) (*model.Graph, error) {
	if t == nil {
		return nil, fmt.Errorf("topology override is nil")
	}
	g := model.NewGraph(name)

	for _, nc := range t.Nodes {
		if nc.Name == model.EndMarker {
			return nil, fmt.Errorf("topology node name %q is reserved", model.EndMarker)
		}
		if _, ok := g.Nodes[nc.Name]; ok {
			return nil, fmt.Errorf("duplicate topology node name %q", nc.Name)
		}
		g.AddNode(model.NewNode(nc.Name, nc.Type))
	}

	resolveFrom := func(from string) string {
		if from == model.StartMarker {
			if _, ok := g.Nodes[model.StartMarker]; !ok {
				g.AddNode(model.NewNode(model.StartMarker, model.KindStart))
			}
		}
		return from
	}
	resolveTo := func(to, label string) string {
		if to != model.EndMarker {
			return to
		}
		if label == cond.RouteEndFailure {
			return addExitNode(g, nodeFailed, "fail").ID
		}
		return addExitNode(g, nodeDone, "success").ID
	}

	for i, ec := range t.Edges {
		from := resolveFrom(ec.From)
		if strings.TrimSpace(ec.Condition) != "" {
			n, ok := g.Nodes[from]
			if !ok {
				return nil, fmt.Errorf("topology.edges[%d]: undeclared node %q", i, from)
			}
			if n.Condition != "" && n.Condition != ec.Condition {
				return nil, fmt.Errorf("node %q declares conflicting conditions %q and %q",
					from, n.Condition, ec.Condition)
			}
			n.Condition = ec.Condition
			labels := make([]string, 0, len(ec.Routes))
			for label := range ec.Routes {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			for _, label := range labels {
				g.AddEdge(from, resolveTo(ec.Routes[label], label), label)
			}
			continue
		}
		g.AddEdge(from, resolveTo(ec.To, ""), "")
	}

	if err := validate.ValidateOrError(g, graphRules(conds)); err != nil {
		return nil, err
	}
	return g, nil
}
