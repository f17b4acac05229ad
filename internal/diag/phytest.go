package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

const (
	ptIdle uint8 = iota
	ptWaitArm
	ptWaitResult
	ptNumStates
)

const (
	ptEvStart uint8 = iota + 1
	ptEvAbort
	ptEvArmed
	ptEvResult
	ptEvTimeout
	ptNumEvents
)

const fblockPhyTest = 0x23

// PhyTestParams are the lead-in/duration/lead-out parameters of a physical
// layer test run (spec.md §4.6.5).
type PhyTestParams struct {
	Port     uint8
	LeadIn   uint16
	Duration uint16
	LeadOut  uint16
}

// PhyTestResult is a standalone Phy Test run's closing callback payload.
type PhyTestResult struct {
	Port       uint8
	LockStatus uint8
	ErrCount   uint16
	Aborted    bool
	TimedOut   bool
}

// PhyTest arms a physical-layer test on a port then polls
// PhyLayTestResult.Get once for the outcome (spec.md §4.6.5).
type PhyTest struct {
	*skeleton
	f      *fsm.FSM
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	params PhyTestParams
	report func(PhyTestResult)
}

// NewPhyTest wires a PhyTest FSM instance.
func NewPhyTest(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(PhyTestResult)) *PhyTest {
	p := &PhyTest{tx: tx, w: w, s: s, now: now, report: report}
	p.f = fsm.New(p.buildTable(), ptNumEvents, ptIdle, p)
	p.skeleton = newSkeleton(s, term, net, p, p.onTerminate, p.onNetOff)
	p.skeleton.SetDriver(func(uint32) { p.f.Service() })
	p.timer.Callback = func(any) {
		p.f.SetEvent(ptEvTimeout)
		p.s.SetEvent(p.svc, eventRunMe)
	}
	return p
}

// Start arms the physical-layer test with params, then polls for its result.
func (p *PhyTest) Start(params PhyTestParams) {
	p.params = params
	p.f.SetEvent(ptEvStart)
	p.s.SetEvent(p.svc, eventRunMe)
}

// Abort cancels an in-progress run.
func (p *PhyTest) Abort() {
	p.f.SetEvent(ptEvAbort)
	p.s.SetEvent(p.svc, eventRunMe)
}

func (p *PhyTest) onTerminate() {
	p.w.Cancel(&p.timer)
	p.f = fsm.New(p.buildTable(), ptNumEvents, ptIdle, p)
}

func (p *PhyTest) onNetOff() {
	if p.f.State() == ptIdle {
		return
	}
	p.w.Cancel(&p.timer)
	p.f = fsm.New(p.buildTable(), ptNumEvents, ptIdle, p)
	p.report(PhyTestResult{Port: p.params.Port, TimedOut: true})
}

func (p *PhyTest) arm(ms uint16) {
	p.w.Cancel(&p.timer)
	_ = p.w.Arm(&p.timer, p.now(), ms, 0)
}

func (p *PhyTest) buildTable() fsm.Table {
	table := fsm.NewTable(ptNumStates, ptNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(ptNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(ptIdle, ptEvStart, ptWaitArm, func(ctx any, f *fsm.FSM) {
		ctx.(*PhyTest).sendArm()
	})
	set(ptWaitArm, ptEvArmed, ptWaitResult, func(ctx any, f *fsm.FSM) {
		ctx.(*PhyTest).pollResult()
	})
	set(ptWaitArm, ptEvTimeout, ptIdle, func(ctx any, f *fsm.FSM) {
		p := ctx.(*PhyTest)
		p.report(PhyTestResult{Port: p.params.Port, TimedOut: true})
	})
	set(ptWaitResult, ptEvResult, ptIdle, func(ctx any, f *fsm.FSM) {})
	set(ptWaitResult, ptEvTimeout, ptIdle, func(ctx any, f *fsm.FSM) {
		p := ctx.(*PhyTest)
		p.report(PhyTestResult{Port: p.params.Port, TimedOut: true})
	})
	for state := uint8(1); state < ptNumStates; state++ {
		set(state, ptEvAbort, ptIdle, func(ctx any, f *fsm.FSM) {
			p := ctx.(*PhyTest)
			p.w.Cancel(&p.timer)
			p.report(PhyTestResult{Port: p.params.Port, Aborted: true})
		})
	}
	return table
}

func (p *PhyTest) sendArm() {
	msg := p.tx.AllocTx(7)
	if msg == nil {
		p.f.SetEvent(ptEvTimeout)
		return
	}
	data := []byte{
		p.params.Port,
		byte(p.params.LeadIn >> 8), byte(p.params.LeadIn),
		byte(p.params.Duration >> 8), byte(p.params.Duration),
		byte(p.params.LeadOut >> 8), byte(p.params.LeadOut),
	}
	msg.Msg = model.Message{FBlockID: fblockPhyTest, FunctionID: 0x01, OpCode: model.OpStart, Data: data}
	_ = p.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		p.w.Cancel(&p.timer)
		p.f.SetEvent(ptEvArmed)
		p.s.SetEvent(p.svc, eventRunMe)
	})
	p.arm(1000)
	p.tx.Send(msg)
}

func (p *PhyTest) pollResult() {
	msg := p.tx.AllocTx(1)
	if msg == nil {
		p.f.SetEvent(ptEvTimeout)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockPhyTest, FunctionID: 0x02, OpCode: model.OpGet, Data: []byte{p.params.Port}}
	_ = p.tx.OnReply(msg.Msg.FunctionID, model.OpStatus, func(payload any) {
		rx := payload.(model.Message)
		var lock, errHi, errLo uint8
		if len(rx.Data) >= 3 {
			lock, errHi, errLo = rx.Data[0], rx.Data[1], rx.Data[2]
		}
		p.w.Cancel(&p.timer)
		p.report(PhyTestResult{
			Port:       p.params.Port,
			LockStatus: lock,
			ErrCount:   uint16(errHi)<<8 | uint16(errLo),
		})
		p.f.SetEvent(ptEvResult)
		p.s.SetEvent(p.svc, eventRunMe)
	})
	p.arm(1000)
	p.tx.Send(msg)
}
