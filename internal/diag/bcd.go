package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

// Back-Channel Diagnosis FSM states (spec.md §4.6.3).
const (
	bcdIdle uint8 = iota
	bcdStarted
	bcdWaitEnabled
	bcdWaitSigProp
	bcdWaitResult
	bcdWaitSignalOn
	bcdNumStates
)

const (
	bcdEvStart uint8 = iota + 1
	bcdEvAbort
	bcdEvModeEntered
	bcdEvTxEnabled
	bcdEvResultSlave
	bcdEvResultMaster
	bcdEvResultNoAnswer
	bcdEvResultTimeout
	// bcdEvTimerFired is the single wheel-driven event; the table routes
	// it to the right outcome depending on which wait state it fires in
	// (light-propagation wait, signal-on wait, or a request timeout).
	bcdEvTimerFired
	bcdNumEvents
)

// BCDResult classifies an INIC back-channel diagnosis result (spec.md
// §4.6.3).
type BCDResult uint8

const (
	BCDResultSlave BCDResult = iota
	BCDResultMaster
	BCDResultNoAnswer
	BCDResultTimeout
)

// BCDReportKind discriminates the Back-Channel Diagnosis progress callback.
type BCDReportKind uint8

const (
	BCDReportSuccess BCDReportKind = iota
	BCDReportNoRingBreak
	BCDReportRingBreak
	BCDReportTimeout1
	BCDReportEnd
	BCDReportAborted
)

// BCDReport is delivered once per segment result, plus a final BCDReportEnd.
type BCDReport struct {
	Kind    BCDReportKind
	Segment uint16
}

const (
	fblockBCMode   = 0x25
	fblockPortTx   = 0x21
	fblockBCDiag   = 0x26
)

type bcdVars struct {
	segment uint16
}

// BackChannel runs the secondary-ring diagnosis used when the main stream
// is down: for each segment in turn enable tx on port 0, wait for light propagation,
// then ask the INIC for the segment's back-channel result (spec.md
// §4.6.3). Its network-status observer records net-on/net-off but — per
// spec.md §12 item 3 and Open Question 2 — takes no corrective action on
// either transition; this is the original's apparent dormant branch,
// preserved as-is rather than "fixed".
type BackChannel struct {
	*skeleton
	f      *fsm.FSM
	v      bcdVars
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	report func(BCDReport)
}

// NewBackChannel wires a BackChannel FSM instance.
func NewBackChannel(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(BCDReport)) *BackChannel {
	b := &BackChannel{tx: tx, w: w, s: s, now: now, report: report}
	b.f = fsm.New(b.buildTable(), bcdNumEvents, bcdIdle, b)
	// onNetOff is intentionally nil: spec.md §4.6.3's network-status
	// observer is dormant (see Open Question 2).
	b.skeleton = newSkeleton(s, term, net, b, b.onTerminate, nil)
	b.skeleton.SetDriver(func(uint32) { b.f.Service() })
	b.timer.Callback = func(any) {
		b.f.SetEvent(bcdEvTimerFired)
		b.s.SetEvent(b.svc, eventRunMe)
	}
	return b
}

// Start begins a back-channel diagnosis run from segment 0.
func (b *BackChannel) Start() {
	b.v = bcdVars{}
	b.f.SetEvent(bcdEvStart)
	b.s.SetEvent(b.svc, eventRunMe)
}

// Abort cancels an in-progress run.
func (b *BackChannel) Abort() {
	b.f.SetEvent(bcdEvAbort)
	b.s.SetEvent(b.svc, eventRunMe)
}

func (b *BackChannel) onTerminate() {
	b.w.Cancel(&b.timer)
	b.v = bcdVars{}
	b.f = fsm.New(b.buildTable(), bcdNumEvents, bcdIdle, b)
}

func (b *BackChannel) arm(ms uint16) {
	b.w.Cancel(&b.timer)
	_ = b.w.Arm(&b.timer, b.now(), ms, 0)
}

func (b *BackChannel) buildTable() fsm.Table {
	table := fsm.NewTable(bcdNumStates, bcdNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(bcdNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(bcdIdle, bcdEvStart, bcdStarted, func(ctx any, f *fsm.FSM) {
		ctx.(*BackChannel).enterBCMode()
	})

	set(bcdStarted, bcdEvModeEntered, bcdWaitEnabled, func(ctx any, f *fsm.FSM) {
		ctx.(*BackChannel).enableTx()
	})
	set(bcdStarted, bcdEvTimerFired, bcdIdle, bcdEnd)

	set(bcdWaitEnabled, bcdEvTxEnabled, bcdWaitSigProp, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.arm(100 + 20*(b.v.segment+1))
	})
	set(bcdWaitEnabled, bcdEvTimerFired, bcdIdle, bcdEnd)

	set(bcdWaitSigProp, bcdEvTimerFired, bcdWaitResult, func(ctx any, f *fsm.FSM) {
		ctx.(*BackChannel).sendStartResult()
	})

	set(bcdWaitResult, bcdEvResultSlave, bcdWaitSignalOn, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.report(BCDReport{Kind: BCDReportSuccess, Segment: b.v.segment})
		b.arm(100)
	})
	set(bcdWaitResult, bcdEvResultMaster, bcdIdle, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.report(BCDReport{Kind: BCDReportNoRingBreak, Segment: b.v.segment})
		b.endRun()
	})
	set(bcdWaitResult, bcdEvResultNoAnswer, bcdIdle, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.report(BCDReport{Kind: BCDReportRingBreak, Segment: b.v.segment})
		b.endRun()
	})
	set(bcdWaitResult, bcdEvResultTimeout, bcdIdle, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.report(BCDReport{Kind: BCDReportTimeout1, Segment: b.v.segment})
		b.endRun()
	})
	set(bcdWaitResult, bcdEvTimerFired, bcdIdle, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.report(BCDReport{Kind: BCDReportTimeout1, Segment: b.v.segment})
		b.endRun()
	})

	set(bcdWaitSignalOn, bcdEvTimerFired, bcdWaitEnabled, func(ctx any, f *fsm.FSM) {
		b := ctx.(*BackChannel)
		b.v.segment++
		b.enableTx()
	})

	for state := uint8(1); state < bcdNumStates; state++ {
		set(state, bcdEvAbort, bcdIdle, func(ctx any, f *fsm.FSM) {
			b := ctx.(*BackChannel)
			b.report(BCDReport{Kind: BCDReportAborted})
			b.endRun()
		})
	}

	return table
}

func bcdEnd(ctx any, f *fsm.FSM) {
	ctx.(*BackChannel).endRun()
}

func (b *BackChannel) endRun() {
	b.w.Cancel(&b.timer)
	b.report(BCDReport{Kind: BCDReportEnd})
}

func (b *BackChannel) enterBCMode() {
	msg := b.tx.AllocTx(0)
	if msg == nil {
		b.f.SetEvent(bcdEvTimerFired)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockBCMode, FunctionID: 0x01, OpCode: model.OpStart}
	_ = b.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		b.f.SetEvent(bcdEvModeEntered)
		b.s.SetEvent(b.svc, eventRunMe)
	})
	b.arm(100)
	b.tx.Send(msg)
}

func (b *BackChannel) enableTx() {
	msg := b.tx.AllocTx(1)
	if msg == nil {
		b.f.SetEvent(bcdEvTimerFired)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockPortTx, FunctionID: 0x02, OpCode: model.OpSet, Data: []byte{0}}
	_ = b.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		b.f.SetEvent(bcdEvTxEnabled)
		b.s.SetEvent(b.svc, eventRunMe)
	})
	b.arm(100)
	b.tx.Send(msg)
}

func (b *BackChannel) sendStartResult() {
	msg := b.tx.AllocTx(1)
	if msg == nil {
		b.f.SetEvent(bcdEvTimerFired)
		return
	}
	admin := 0x0F00 + b.v.segment
	msg.Msg = model.Message{
		FBlockID: fblockBCDiag, FunctionID: 0x01, OpCode: model.OpStart,
		Data: []byte{byte(b.v.segment), byte(admin >> 8), byte(admin)},
	}
	_ = b.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		rx := payload.(model.Message)
		if len(rx.Data) < 1 {
			b.f.SetEvent(bcdEvResultTimeout)
			b.s.SetEvent(b.svc, eventRunMe)
			return
		}
		switch BCDResult(rx.Data[0]) {
		case BCDResultSlave:
			b.f.SetEvent(bcdEvResultSlave)
		case BCDResultMaster:
			b.f.SetEvent(bcdEvResultMaster)
		case BCDResultNoAnswer:
			b.f.SetEvent(bcdEvResultNoAnswer)
		default:
			b.f.SetEvent(bcdEvResultTimeout)
		}
		b.s.SetEvent(b.svc, eventRunMe)
	})
	b.arm(3000)
	b.tx.Send(msg)
}
