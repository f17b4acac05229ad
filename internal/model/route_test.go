package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteEvaluate(t *testing.T) {
	src := NewNode(Signature{NodeAddress: 0x0010, NumPorts: 1}, nil)
	snk := NewNode(Signature{NodeAddress: 0x0011, NumPorts: 1}, nil)
	source := NewEndpoint(EndpointSource, src, nil)
	sink := NewEndpoint(EndpointSink, snk, nil)
	route := NewRoute(source, sink, 7)
	route.Active = true

	// Neither node available yet: stays suspended, no change reported.
	state, changed := route.Evaluate()
	assert.Equal(t, RouteSuspended, state)
	assert.False(t, changed)

	src.SetAvailable(true)
	snk.SetAvailable(true)
	state, changed = route.Evaluate()
	assert.Equal(t, RouteBuilt, state)
	assert.True(t, changed)

	// Re-evaluating with no change reports no transition.
	state, changed = route.Evaluate()
	assert.Equal(t, RouteBuilt, state)
	assert.False(t, changed)

	// Either endpoint going unavailable suspends the route.
	snk.SetAvailable(false)
	state, changed = route.Evaluate()
	assert.Equal(t, RouteSuspended, state)
	assert.True(t, changed)
}

func TestRouteInactiveNeverBuilds(t *testing.T) {
	src := NewNode(Signature{NodeAddress: 0x0010, NumPorts: 1}, nil)
	snk := NewNode(Signature{NodeAddress: 0x0011, NumPorts: 1}, nil)
	src.SetAvailable(true)
	snk.SetAvailable(true)

	route := NewRoute(NewEndpoint(EndpointSource, src, nil), NewEndpoint(EndpointSink, snk, nil), 1)
	state, changed := route.Evaluate()
	assert.Equal(t, RouteSuspended, state)
	assert.False(t, changed)
}
