// Package fsm implements the generic table-driven FSM runtime of spec.md
// §4.5: every diagnostic FSM in internal/diag is an instance of this one
// runner driven by a constant 2-D transition table.
package fsm

// InternalState gates whether Service keeps draining a pending event.
type InternalState uint8

const (
	// Runnable is the default: a pending event is processed as soon as one
	// is set.
	Runnable InternalState = iota
	// Wait means the FSM issued a request and is waiting on an external
	// reply; SetEvent implicitly resumes Runnable (see SetEvent).
	Wait
	// End is terminal. SetEvent is a no-op once End is reached — spec.md's
	// "Fsm_SetEvent only re-arms if not in END state" behavior, carried
	// over unchanged from the original FSM runtime.
	End
	// Error is entered when Service is asked to process an event outside
	// [1, numEvents-1].
	Error
)

// ActionFunc is invoked after a transition's state change is applied. It
// receives the FSM so it can chain further events (SetEvent) or signal
// that the FSM is now waiting on an external reply (Wait) or finished
// (End).
type ActionFunc func(ctx any, f *FSM)

// Transition is one cell of an FSM's table: the action to run (nil for a
// pure state change) and the state to advance to.
type Transition struct {
	Action ActionFunc
	Next   uint8
}

// Table is a constant 2-D transition table flattened row-major, addressed
// as state*numEvents + event (event 0 is never looked up — Service only
// dispatches events in [1, numEvents-1] — but the column is reserved so
// the addressing arithmetic matches the original runtime exactly).
type Table []Transition

// NewTable returns a table with every cell initialized to a self-loop
// with no action. Builders overwrite the cells they handle; an event a
// state does not handle then leaves the FSM where it is, rather than
// jumping to state 0 through the zero value of Next.
func NewTable(numStates, numEvents uint8) Table {
	t := make(Table, int(numStates)*int(numEvents))
	for state := uint8(0); state < numStates; state++ {
		for ev := uint8(0); ev < numEvents; ev++ {
			t[int(state)*int(numEvents)+int(ev)] = Transition{Next: state}
		}
	}
	return t
}

// FSM is one running instance of a Table. Tables are shared, constant
// data; an FSM only holds the per-instance state, pending event and
// opaque context.
type FSM struct {
	table     Table
	numEvents uint8
	state     uint8
	event     uint8
	internal  InternalState
	ctx       any
}

// New constructs an FSM instance starting in initialState with internal
// state Runnable and no event pending. table must have numStates*numEvents
// entries. ctx is opaque, per-instance data forwarded to every action.
func New(table Table, numEvents uint8, initialState uint8, ctx any) *FSM {
	return &FSM{table: table, numEvents: numEvents, state: initialState, ctx: ctx}
}

// State returns the FSM's current state.
func (f *FSM) State() uint8 { return f.state }

// Internal returns the FSM's internal run state.
func (f *FSM) Internal() InternalState { return f.internal }

// Context returns the opaque per-instance context passed to New.
func (f *FSM) Context() any { return f.ctx }

// SetEvent records event as pending. It is a no-op once the FSM has
// reached End. If the FSM was Wait-ing on an external reply, receiving an
// event resumes it to Runnable so the next Service call processes it.
func (f *FSM) SetEvent(event uint8) {
	if f.internal == End {
		return
	}
	f.event = event
	if f.internal == Wait {
		f.internal = Runnable
	}
}

// Wait marks the FSM as waiting on an external reply; Service stops
// draining until the next SetEvent. Called from within an ActionFunc.
func (f *FSM) Wait() { f.internal = Wait }

// End marks the FSM terminal; further SetEvent calls are ignored. Called
// from within an ActionFunc.
func (f *FSM) End() { f.internal = End }

// Service drains the pending event (and any events actions chain via
// SetEvent) while the FSM stays Runnable, per spec.md §4.5: "while an
// event is pending and internal state is runnable, look up the cell,
// clear the event, advance state to next_state, invoke action_fn(ctx) if
// non-null". An event outside [1, numEvents-1] aborts to Error.
func (f *FSM) Service() {
	for f.event != 0 && f.internal == Runnable {
		event := f.event
		if event < 1 || int(event) >= int(f.numEvents) {
			f.internal = Error
			return
		}

		idx := int(f.state)*int(f.numEvents) + int(event)
		t := f.table[idx]

		f.event = 0
		f.state = t.Next
		if t.Action != nil {
			t.Action(f.ctx, f)
		}
	}
}
