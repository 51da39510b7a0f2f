// Package hierarchy derives the agent delegation forest from an unordered
// envelope stream. Build is a pure function: same input, same forest.
package hierarchy

import (
	"github.com/basket/agentlens/internal/envelope"
)

// Node is one agent in the delegation forest. A node is owned exclusively by
// its position: a node linked as a child is never simultaneously a root.
type Node struct {
	AgentID     string              `json:"agent_id"`
	DisplayName string              `json:"display_name,omitempty"`
	Kind        envelope.AgentKind  `json:"kind"`
	Children    []*Node             `json:"children,omitempty"`
	Envelopes   []envelope.Envelope `json:"envelopes"`

	// claimedParent is the first non-empty parent_agent_id seen for this
	// agent. Later conflicting claims are ignored.
	claimedParent string
}

// Forest is the reconstruction result. Roots holds the displayed trees in
// first-appearance order. Nodes is the flat map of every agent seen,
// including orphans and cycle participants that appear in no tree.
type Forest struct {
	Roots []*Node          `json:"roots"`
	Nodes map[string]*Node `json:"-"`

	// Orphans lists agent IDs whose claimed parent was never seen. They are
	// visible in Nodes but deliberately absent from every tree: no fabricated
	// hierarchy, no silent loss.
	Orphans []string `json:"orphans,omitempty"`
}

// Build reconstructs the delegation forest from envs in a single encounter
// pass plus a linking pass.
//
// Pass 1 materializes one node per agent_id in first-appearance order and
// attributes each envelope to its node in encounter order; encounter order is
// the canonical intra-agent event order because producer timestamps cannot be
// trusted. Pass 2 links each node under its first-claimed parent exactly
// once. A node without a parent claim becomes a root. A node whose claimed
// parent is unknown is recorded as an orphan. Mutual parent claims link
// neither participant and promote neither to root: cycle members stay in
// the node map but appear in no tree.
func Build(envs []envelope.Envelope) *Forest {
	forest := &Forest{
		Nodes: make(map[string]*Node),
	}
	var order []string

	for _, env := range envs {
		if env.AgentID == "" {
			continue
		}
		node, ok := forest.Nodes[env.AgentID]
		if !ok {
			node = &Node{
				AgentID: env.AgentID,
				Kind:    envelope.AgentKindMain,
			}
			forest.Nodes[env.AgentID] = node
			order = append(order, env.AgentID)
		}
		node.Envelopes = append(node.Envelopes, env)
		if node.DisplayName == "" && env.AgentName != "" {
			node.DisplayName = env.AgentName
		}
		if env.AgentKind == envelope.AgentKindSubagent {
			node.Kind = envelope.AgentKindSubagent
		}
		if node.claimedParent == "" && env.ParentAgentID != "" && env.ParentAgentID != env.AgentID {
			node.claimedParent = env.ParentAgentID
		}
	}

	// Placement: roots first, then link any node whose claimed parent is
	// already placed, repeating until a pass places nothing. Iterating in
	// first-appearance order each round keeps root and child lists in
	// first-appearance order. A node claiming an unknown parent is an orphan.
	// Mutual claims never satisfy the placed-parent rule, so neither
	// participant links and neither is a root; the loop still terminates.
	placed := make(map[string]bool, len(order))
	for _, id := range order {
		node := forest.Nodes[id]
		if node.claimedParent == "" {
			forest.Roots = append(forest.Roots, node)
			placed[id] = true
		} else if forest.Nodes[node.claimedParent] == nil {
			forest.Orphans = append(forest.Orphans, id)
		}
	}
	for {
		progressed := false
		for _, id := range order {
			node := forest.Nodes[id]
			if placed[id] || node.claimedParent == "" {
				continue
			}
			parent := forest.Nodes[node.claimedParent]
			if parent == nil || !placed[node.claimedParent] {
				continue
			}
			parent.Children = append(parent.Children, node)
			placed[id] = true
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return forest
}
