package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

const (
	ndIdle uint8 = iota
	ndWaitReply
	ndNumStates
)

const (
	ndEvStart uint8 = iota + 1
	ndEvStop
	ndEvPoll
	ndEvHelloReply
	ndEvTimeout
	ndNumEvents
)

// HelloPollIntervalMs is how long discovery waits for a Hello reply before
// broadcasting Hello.Get again (spec.md §4.6.5); a reply triggers the next
// broadcast at once.
const HelloPollIntervalMs uint16 = 500

// EvalDecision is the application's verdict on a newly discovered signature,
// returned from the Evaluate callback passed to NewNodeDiscovery.
type EvalDecision struct {
	Welcome   bool
	AdminAddr uint16
}

// NodeDiscovery periodically broadcasts Hello.Get; for each answering
// signature it invokes the application-supplied Evaluate callback and, if
// the verdict says to welcome the node, dispatches to a bound Welcome
// instance (spec.md §4.6.5).
type NodeDiscovery struct {
	*skeleton
	f        *fsm.FSM
	tx       *xcvr.Transceiver
	w        *timer.Wheel
	s        *sched.Scheduler
	now      func() uint16
	welcome  *Welcome
	evaluate func(model.Signature) EvalDecision
	running  bool
}

// NewNodeDiscovery wires a NodeDiscovery FSM instance. welcome, if non-nil,
// receives Start(adminAddr, sig) calls for signatures Evaluate approves.
func NewNodeDiscovery(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, welcome *Welcome, evaluate func(model.Signature) EvalDecision) *NodeDiscovery {
	nd := &NodeDiscovery{tx: tx, w: w, s: s, now: now, welcome: welcome, evaluate: evaluate}
	nd.f = fsm.New(nd.buildTable(), ndNumEvents, ndIdle, nd)
	nd.skeleton = newSkeleton(s, term, net, nd, nd.onTerminate, nd.onNetOff)
	nd.skeleton.SetDriver(func(uint32) { nd.f.Service() })
	nd.timer.Callback = func(any) {
		nd.f.SetEvent(ndEvTimeout)
		nd.s.SetEvent(nd.svc, eventRunMe)
	}
	return nd
}

// Running reports whether discovery is currently broadcasting.
func (nd *NodeDiscovery) Running() bool { return nd.running }

// Start begins periodic Hello.Get broadcasting. No-op if already running.
func (nd *NodeDiscovery) Start() {
	if nd.running {
		return
	}
	nd.running = true
	nd.f.SetEvent(ndEvStart)
	nd.s.SetEvent(nd.svc, eventRunMe)
}

// Stop halts periodic broadcasting.
func (nd *NodeDiscovery) Stop() {
	nd.running = false
	nd.f.SetEvent(ndEvStop)
	nd.s.SetEvent(nd.svc, eventRunMe)
}

func (nd *NodeDiscovery) onTerminate() {
	nd.w.Cancel(&nd.timer)
	nd.running = false
	nd.f = fsm.New(nd.buildTable(), ndNumEvents, ndIdle, nd)
}

func (nd *NodeDiscovery) onNetOff() {
	nd.running = false
	nd.w.Cancel(&nd.timer)
	nd.f = fsm.New(nd.buildTable(), ndNumEvents, ndIdle, nd)
}

func (nd *NodeDiscovery) arm(ms uint16) {
	nd.w.Cancel(&nd.timer)
	_ = nd.w.Arm(&nd.timer, nd.now(), ms, 0)
}

func (nd *NodeDiscovery) buildTable() fsm.Table {
	table := fsm.NewTable(ndNumStates, ndNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(ndNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(ndIdle, ndEvStart, ndWaitReply, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeDiscovery).sendHello()
	})
	set(ndWaitReply, ndEvHelloReply, ndWaitReply, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeDiscovery).sendHello()
	})
	set(ndWaitReply, ndEvTimeout, ndWaitReply, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeDiscovery).sendHello()
	})
	for state := uint8(0); state < ndNumStates; state++ {
		set(state, ndEvStop, ndIdle, func(ctx any, f *fsm.FSM) {
			nd := ctx.(*NodeDiscovery)
			nd.w.Cancel(&nd.timer)
		})
	}
	return table
}

func (nd *NodeDiscovery) sendHello() {
	if !nd.running {
		return
	}
	msg := nd.tx.AllocTx(1)
	if msg == nil {
		nd.arm(HelloPollIntervalMs)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockHello, FunctionID: 0x01, OpCode: model.OpGet, Data: []byte{1}}
	nd.tx.CancelReply(msg.Msg.FunctionID, model.OpResult)
	_ = nd.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		rx := payload.(model.Message)
		sig, err := model.DecodeSignature(rx.Data)
		if err == nil && nd.evaluate != nil {
			decision := nd.evaluate(sig)
			if decision.Welcome && nd.welcome != nil {
				nd.welcome.Start(decision.AdminAddr, sig)
			}
		}
		nd.f.SetEvent(ndEvHelloReply)
		nd.s.SetEvent(nd.svc, eventRunMe)
	})
	nd.arm(HelloPollIntervalMs)
	nd.tx.Send(msg)
}
