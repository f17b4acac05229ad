package model

// EndpointKind distinguishes a source (talker) from a sink (listener)
// endpoint on a route.
type EndpointKind int

const (
	EndpointSource EndpointKind = iota
	EndpointSink
)

// JobEntry is one element of an endpoint's ordered, null-terminated
// resource-descriptor job list (spec.md §3). The list's end is the point
// where Jobs stops, not a sentinel value, mirroring the Go idiom of using
// slice length instead of the source's null terminator.
type JobEntry struct {
	ResourceType uint8
	Payload      []byte
}

// Endpoint is a source or sink attached to a route; its lifetime is the
// lifetime of the surrounding Route.
type Endpoint struct {
	Kind  EndpointKind
	Jobs  []JobEntry
	Node  *Node
	state endpointState
}

type endpointState int

const (
	endpointStateIdle endpointState = iota
	endpointStateBuilt
)

// NewEndpoint constructs an Endpoint bound to a node.
func NewEndpoint(kind EndpointKind, node *Node, jobs []JobEntry) *Endpoint {
	return &Endpoint{Kind: kind, Jobs: jobs, Node: node}
}

// Available reports whether the endpoint's owning node is available.
func (e *Endpoint) Available() bool {
	return e.Node != nil && e.Node.Available()
}
