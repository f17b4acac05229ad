package model

// RouteState is the derived state of a Route (spec.md §3, testable
// property 6): built iff both endpoints' nodes are available and Active is
// set; any availability flip toward false moves the route to suspended.
type RouteState int

const (
	RouteSuspended RouteState = iota
	RouteBuilt
)

// Route connects a source endpoint to a sink endpoint (spec.md §3).
type Route struct {
	Source  *Endpoint
	Sink    *Endpoint
	Active  bool
	RouteID uint16

	state RouteState
}

// NewRoute constructs a Route between two endpoints.
func NewRoute(source, sink *Endpoint, routeID uint16) *Route {
	return &Route{Source: source, Sink: sink, RouteID: routeID, state: RouteSuspended}
}

// State returns the route's last-evaluated state.
func (r *Route) State() RouteState { return r.state }

// Evaluate recomputes the route's state from its current endpoint
// availability and Active flag. It returns the new state and whether the
// state changed since the last Evaluate call; callers issue exactly one
// report per changed evaluation (testable property 6).
func (r *Route) Evaluate() (RouteState, bool) {
	wantBuilt := r.Active && r.Source.Available() && r.Sink.Available()
	next := RouteSuspended
	if wantBuilt {
		next = RouteBuilt
	}
	changed := next != r.state
	r.state = next
	return next, changed
}
