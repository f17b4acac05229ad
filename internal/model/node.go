package model

// Node is an application-owned ring node; the engine holds a non-owning
// reference to it for the lifetime of a routing session (spec.md §3).
type Node struct {
	Signature  Signature
	Scripts    []Script
	available  bool
	state      NodeState
}

// NodeState is internal bookkeeping the application does not mutate
// directly; it changes only through SetAvailable.
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateAvailable
	NodeStateUnavailable
)

// NewNode constructs a Node from a learned signature and an (optionally
// empty) ordered script list.
func NewNode(sig Signature, scripts []Script) *Node {
	return &Node{Signature: sig, Scripts: scripts, state: NodeStateUnknown}
}

// Available reports the node's current availability.
func (n *Node) Available() bool { return n.available }

// SetAvailable flips the node's availability flag, returning true if the
// value actually changed (callers use this to decide whether to trigger
// route re-evaluation, per spec.md §3's Route invariant).
func (n *Node) SetAvailable(available bool) bool {
	changed := n.available != available
	n.available = available
	if available {
		n.state = NodeStateAvailable
	} else {
		n.state = NodeStateUnavailable
	}
	return changed
}

// State returns the node's internal lifecycle state.
func (n *Node) State() NodeState { return n.state }

// Valid reports whether the node's address and port count satisfy the
// spec.md §3 invariants.
func (n *Node) Valid() bool {
	return ValidNodeAddress(n.Signature.NodeAddress) &&
		(n.Signature.NumPorts == 1 || n.Signature.NumPorts == 2)
}
