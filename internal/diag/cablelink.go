package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"

	"github.com/unicens-go/engine/internal/model"
)

const (
	clIdle uint8 = iota
	clWaitResult
	clNumStates
)

const (
	clEvStart uint8 = iota + 1
	clEvAbort
	clEvResult
	clEvTimeout
	clNumEvents
)

// CableLinkResult is a standalone Cable-Link Diagnosis run's closing
// callback payload (spec.md §4.6.5).
type CableLinkResult struct {
	Port     uint8
	Quality  uint8
	Aborted  bool
	TimedOut bool
}

// CableLinkDiagnosis runs a single-shot cable-link quality probe on one
// port, independent of SystemDiagnosis's own embedded cable-link step
// (sysdiag.go's cableLinkDiagnosis), for callers that want to probe a port
// in isolation.
type CableLinkDiagnosis struct {
	*skeleton
	f      *fsm.FSM
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	port   uint8
	report func(CableLinkResult)
}

// NewCableLinkDiagnosis wires a CableLinkDiagnosis FSM instance.
func NewCableLinkDiagnosis(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(CableLinkResult)) *CableLinkDiagnosis {
	c := &CableLinkDiagnosis{tx: tx, w: w, s: s, now: now, report: report}
	c.f = fsm.New(c.buildTable(), clNumEvents, clIdle, c)
	c.skeleton = newSkeleton(s, term, net, c, c.onTerminate, c.onNetOff)
	c.skeleton.SetDriver(func(uint32) { c.f.Service() })
	c.timer.Callback = func(any) {
		c.f.SetEvent(clEvTimeout)
		c.s.SetEvent(c.svc, eventRunMe)
	}
	return c
}

// Start probes port. A run already in flight is ignored (no-op) until it
// finishes or is aborted.
func (c *CableLinkDiagnosis) Start(port uint8) {
	if c.f.State() != clIdle {
		return
	}
	c.port = port
	c.f.SetEvent(clEvStart)
	c.s.SetEvent(c.svc, eventRunMe)
}

// Abort cancels an in-progress probe.
func (c *CableLinkDiagnosis) Abort() {
	c.f.SetEvent(clEvAbort)
	c.s.SetEvent(c.svc, eventRunMe)
}

func (c *CableLinkDiagnosis) onTerminate() {
	c.w.Cancel(&c.timer)
	c.f = fsm.New(c.buildTable(), clNumEvents, clIdle, c)
}

func (c *CableLinkDiagnosis) onNetOff() {
	if c.f.State() == clIdle {
		return
	}
	c.w.Cancel(&c.timer)
	c.f = fsm.New(c.buildTable(), clNumEvents, clIdle, c)
	c.report(CableLinkResult{Port: c.port, TimedOut: true})
}

func (c *CableLinkDiagnosis) arm(ms uint16) {
	c.w.Cancel(&c.timer)
	_ = c.w.Arm(&c.timer, c.now(), ms, 0)
}

func (c *CableLinkDiagnosis) buildTable() fsm.Table {
	table := fsm.NewTable(clNumStates, clNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(clNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(clIdle, clEvStart, clWaitResult, func(ctx any, f *fsm.FSM) {
		ctx.(*CableLinkDiagnosis).sendStart()
	})
	set(clWaitResult, clEvResult, clIdle, func(ctx any, f *fsm.FSM) {})
	set(clWaitResult, clEvTimeout, clIdle, func(ctx any, f *fsm.FSM) {
		c := ctx.(*CableLinkDiagnosis)
		c.report(CableLinkResult{Port: c.port, TimedOut: true})
	})
	for state := uint8(1); state < clNumStates; state++ {
		set(state, clEvAbort, clIdle, func(ctx any, f *fsm.FSM) {
			c := ctx.(*CableLinkDiagnosis)
			c.w.Cancel(&c.timer)
			c.report(CableLinkResult{Port: c.port, Aborted: true})
		})
	}
	return table
}

func (c *CableLinkDiagnosis) sendStart() {
	msg := c.tx.AllocTx(1)
	if msg == nil {
		c.f.SetEvent(clEvTimeout)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockCableLnk, FunctionID: 0x01, OpCode: model.OpStart, Data: []byte{c.port}}
	_ = c.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		rx := payload.(model.Message)
		quality := uint8(0)
		if len(rx.Data) > 0 {
			quality = rx.Data[0]
		}
		c.w.Cancel(&c.timer)
		c.report(CableLinkResult{Port: c.port, Quality: quality})
		c.f.SetEvent(clEvResult)
		c.s.SetEvent(c.svc, eventRunMe)
	})
	c.arm(3000)
	c.tx.Send(msg)
}
