package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

// System Diagnosis states (spec.md §4.6.1).
const (
	sdIdle uint8 = iota
	sdWaitDiag
	sdWaitHello
	sdHelloTimeout
	sdWaitWelcome
	sdNextPort
	sdWaitEnable
	sdWaitDisable
	sdCableLinkDiag
	sdEnd
)

// System Diagnosis events. Event 0 is reserved ("no event").
const (
	sdEvStartDiag uint8 = iota + 1
	sdEvDiagStarted
	sdEvAbort
	sdEvHelloOk
	sdEvHelloRetry
	sdEvHelloAllDone
	sdEvWelcomeOk
	sdEvWelcomeNoSuccess
	sdEvAllDone
	sdEvPortFound
	sdEvPortEnabled
	sdEvPortDisabled
	sdEvBranchFound
	sdEvCableLinkRes
	sdEvError
	sdEvTimeout
	sdNumEvents // reserved column count, not a real event
)

// SDLastResult classifies what CalcPort is reacting to (spec.md §4.6.1).
type SDLastResult uint8

const (
	SDResultInit SDLastResult = iota
	SDResultSegment
	SDResultCableLink
)

// SDReportKind discriminates the progress callback payload.
type SDReportKind uint8

const (
	SDReportTargetFound SDReportKind = iota
	SDReportCableLinkResult
	SDReportFinished
	SDReportError
	SDReportAborted
)

// SDReport is delivered to the application-supplied callback (spec.md
// §4.6, "reports progress ... with a kind code and ... a segment
// descriptor or target signature").
type SDReport struct {
	Kind        SDReportKind
	Branch      uint16
	Segment     uint16
	Source      model.Signature
	Target      model.Signature
	LinkQuality uint8
	ErrInfo     string
}

const sdHelloRetryDefault = 10

// sdVars holds the per-run state variables of spec.md §4.6.1.
type sdVars struct {
	segmentNr  uint16
	currBranch uint16
	source     *model.Node
	master     *model.Node
	target     model.Signature
	helloRetry uint8
	lastResult SDLastResult
}

func (v *sdVars) adminNodeAddress() uint16 { return model.AdminAddrSystem(v.segmentNr) }

// SystemDiagnosis is the representative, fully specified diagnostic FSM
// of spec.md §4.6.1: it walks the ring branch by branch, segment by
// segment, welcoming each unknown neighbor and falling back to cable-link
// diagnosis where a neighbor fails to answer.
type SystemDiagnosis struct {
	*skeleton
	f      *fsm.FSM
	v      sdVars
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	report func(SDReport)
}

const (
	fblockSysDiag  = 0x20
	fblockHello    = 0x01
	fblockWelcome  = 0x02
	fblockPort     = 0x21
	fblockCableLnk = 0x22
)

// NewSystemDiagnosis wires a SystemDiagnosis instance into s, backed by
// tx for message exchange and w for supervision timers. now returns the
// current tick (spec.md §6's get_tick_count upcall). report receives
// progress callbacks; term and net are the shared diagnostic buses.
func NewSystemDiagnosis(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(SDReport)) *SystemDiagnosis {
	sd := &SystemDiagnosis{tx: tx, w: w, s: s, now: now, report: report}
	sd.f = fsm.New(sd.buildTable(), sdNumEvents, sdIdle, sd)
	sd.skeleton = newSkeleton(s, term, net, sd, sd.onTerminate, sd.onNetOff)
	sd.skeleton.SetDriver(func(events uint32) { sd.f.Service() })
	sd.timer.Callback = func(any) {
		sd.f.SetEvent(sdEvTimeout)
		sd.s.SetEvent(sd.svc, eventRunMe)
	}
	return sd
}

// Start kicks off a diagnostic run from segment 0 of the given root node.
// A fresh FSM instance is built each run, since the previous run's End
// gate would otherwise swallow the start event.
func (sd *SystemDiagnosis) Start(root *model.Node) {
	sd.v = sdVars{source: root, master: root, helloRetry: sdHelloRetryDefault, lastResult: SDResultInit}
	sd.f = fsm.New(sd.buildTable(), sdNumEvents, sdIdle, sd)
	sd.f.SetEvent(sdEvStartDiag)
	sd.s.SetEvent(sd.svc, eventRunMe)
}

// Abort requests the FSM stop and clean up (spec.md §5 "Cancellation").
func (sd *SystemDiagnosis) Abort() {
	sd.f.SetEvent(sdEvAbort)
	sd.s.SetEvent(sd.svc, eventRunMe)
}

func (sd *SystemDiagnosis) onTerminate() {
	sd.w.Cancel(&sd.timer)
	sd.v = sdVars{}
	sd.f = fsm.New(sd.buildTable(), sdNumEvents, sdIdle, sd)
	sd.report(SDReport{Kind: SDReportFinished})
}

func (sd *SystemDiagnosis) onNetOff() {
	if sd.f.State() == sdIdle {
		return
	}
	sd.w.Cancel(&sd.timer)
	sd.f = fsm.New(sd.buildTable(), sdNumEvents, sdIdle, sd)
	sd.report(SDReport{Kind: SDReportError, ErrInfo: "net off"})
	sd.report(SDReport{Kind: SDReportFinished})
}

func (sd *SystemDiagnosis) arm(ms uint16) {
	sd.w.Cancel(&sd.timer)
	_ = sd.w.Arm(&sd.timer, sd.now(), ms, 0)
}

// buildTable assembles the 2-D transition table. Cells not explicitly set
// default to a self-loop with no action (the addressing scheme of
// spec.md §4.5 requires every (state, event) pair to resolve to some
// cell even if most never fire in practice).
func (sd *SystemDiagnosis) buildTable() fsm.Table {
	table := fsm.NewTable(sdEnd+1, sdNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(sdNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(sdIdle, sdEvStartDiag, sdWaitDiag, func(ctx any, f *fsm.FSM) {
		s := ctx.(*SystemDiagnosis)
		s.sendSysDiagStart()
	})

	set(sdWaitDiag, sdEvDiagStarted, sdWaitHello, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).sendHello()
	})
	set(sdWaitDiag, sdEvError, sdEnd, sdFail)
	set(sdWaitDiag, sdEvTimeout, sdEnd, sdFail)

	set(sdWaitHello, sdEvHelloOk, sdWaitWelcome, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).sendWelcome()
	})
	set(sdWaitHello, sdEvTimeout, sdHelloTimeout, func(ctx any, f *fsm.FSM) {
		s := ctx.(*SystemDiagnosis)
		if s.v.helloRetry > 0 {
			s.v.helloRetry--
			f.SetEvent(sdEvHelloRetry)
			return
		}
		f.SetEvent(sdEvHelloAllDone)
	})

	set(sdHelloTimeout, sdEvHelloRetry, sdWaitHello, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).sendHello()
	})
	set(sdHelloTimeout, sdEvHelloAllDone, sdCableLinkDiag, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).startCableLinkDiagnosis()
	})

	set(sdWaitWelcome, sdEvWelcomeOk, sdNextPort, func(ctx any, f *fsm.FSM) {
		s := ctx.(*SystemDiagnosis)
		s.report(SDReport{
			Kind: SDReportTargetFound, Branch: s.v.currBranch, Segment: s.v.segmentNr,
			Source: s.v.source.Signature, Target: s.v.target,
		})
		f.SetEvent(sdEvPortFound)
		s.calcPort(f)
	})
	set(sdWaitWelcome, sdEvWelcomeNoSuccess, sdEnd, sdFail)
	set(sdWaitWelcome, sdEvTimeout, sdEnd, sdFail)

	set(sdNextPort, sdEvPortFound, sdWaitEnable, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).enablePort()
	})
	set(sdNextPort, sdEvAllDone, sdEnd, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).finish()
	})
	set(sdNextPort, sdEvBranchFound, sdWaitDisable, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).disableOldBranchPort()
	})

	set(sdWaitEnable, sdEvPortEnabled, sdWaitHello, func(ctx any, f *fsm.FSM) {
		s := ctx.(*SystemDiagnosis)
		s.v.segmentNr++
		s.sendHello()
	})
	set(sdWaitEnable, sdEvTimeout, sdEnd, sdFail)

	set(sdWaitDisable, sdEvPortDisabled, sdWaitEnable, func(ctx any, f *fsm.FSM) {
		ctx.(*SystemDiagnosis).enablePort()
	})
	set(sdWaitDisable, sdEvTimeout, sdEnd, sdFail)

	set(sdCableLinkDiag, sdEvCableLinkRes, sdNextPort, func(ctx any, f *fsm.FSM) {
		s := ctx.(*SystemDiagnosis)
		s.v.lastResult = SDResultCableLink
		s.calcPort(f)
	})
	set(sdCableLinkDiag, sdEvTimeout, sdEnd, sdFail)

	for state := uint8(1); state <= sdEnd; state++ {
		set(state, sdEvAbort, sdEnd, func(ctx any, f *fsm.FSM) {
			s := ctx.(*SystemDiagnosis)
			s.w.Cancel(&s.timer)
			s.report(SDReport{Kind: SDReportAborted})
			s.sendSysDiagEnd()
			s.report(SDReport{Kind: SDReportFinished})
		})
	}

	return table
}

// sdFail implements the "Error, then still issues SysDiagnosis.End"
// failure semantics of spec.md §4.6.1 — the closing Finished report still
// follows, matching testable property 5's "Error+Finished" variant.
func sdFail(ctx any, f *fsm.FSM) {
	s := ctx.(*SystemDiagnosis)
	s.w.Cancel(&s.timer)
	s.report(SDReport{Kind: SDReportError, ErrInfo: "unspecified"})
	s.sendSysDiagEnd()
	s.report(SDReport{Kind: SDReportFinished})
}

func (sd *SystemDiagnosis) sendSysDiagStart() {
	msg := sd.tx.AllocTx(0)
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockSysDiag, FunctionID: 0x01, OpCode: model.OpStart}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		sd.f.SetEvent(sdEvDiagStarted)
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(100)
	sd.tx.Send(msg)
}

func (sd *SystemDiagnosis) sendSysDiagEnd() {
	msg := sd.tx.AllocTx(0)
	if msg == nil {
		return
	}
	msg.Msg = model.Message{FBlockID: fblockSysDiag, FunctionID: 0x02, OpCode: model.OpStart}
	sd.tx.Send(msg)
	sd.f.End()
}

func (sd *SystemDiagnosis) sendHello() {
	msg := sd.tx.AllocTx(1)
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockHello, FunctionID: 0x01, OpCode: model.OpGet, Data: []byte{1}}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpStatus, func(payload any) {
		rx := payload.(model.Message)
		sig, err := model.DecodeSignature(rx.Data)
		if err == nil {
			sd.v.target = sig
			if sd.v.segmentNr != 0 {
				sd.v.target.NodeAddress = model.NodePositionAddr(sd.v.segmentNr)
			}
		}
		sd.f.SetEvent(sdEvHelloOk)
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(150)
	sd.tx.Send(msg)
}

func (sd *SystemDiagnosis) sendWelcome() {
	msg := sd.tx.AllocTx(len(model.EncodeSignature(sd.v.target)))
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	msg.Msg = model.Message{
		FBlockID: fblockWelcome, FunctionID: 0x01, OpCode: model.OpStart,
		Data: model.EncodeSignature(sd.v.target),
	}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		rx := payload.(model.Message)
		if len(rx.Data) > 0 && rx.Data[0] == 0 {
			sd.f.SetEvent(sdEvWelcomeOk)
		} else {
			sd.f.SetEvent(sdEvWelcomeNoSuccess)
		}
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(100)
	sd.tx.Send(msg)
}

func (sd *SystemDiagnosis) enablePort() {
	msg := sd.tx.AllocTx(1)
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	target := sd.v.adminNodeAddress()
	if sd.v.segmentNr != 0 {
		target = sd.v.source.Signature.NodeAddress
	}
	msg.Msg = model.Message{FBlockID: fblockPort, InstanceID: uint8(target), FunctionID: 0x01, OpCode: model.OpSet, Data: []byte{1}}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		sd.f.SetEvent(sdEvPortEnabled)
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(100)
	sd.tx.Send(msg)
}

func (sd *SystemDiagnosis) disableOldBranchPort() {
	msg := sd.tx.AllocTx(1)
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockPort, FunctionID: 0x01, OpCode: model.OpSet, Data: []byte{0}}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		sd.f.SetEvent(sdEvPortDisabled)
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(100)
	sd.tx.Send(msg)
}

func (sd *SystemDiagnosis) startCableLinkDiagnosis() {
	if sd.v.segmentNr == 0 {
		sd.f.SetEvent(sdEvError)
		sd.s.SetEvent(sd.svc, eventRunMe)
		return
	}
	port := uint8(1)
	if sd.v.segmentNr == 1 {
		port = uint8(sd.v.currBranch)
	}
	msg := sd.tx.AllocTx(1)
	if msg == nil {
		sd.f.SetEvent(sdEvError)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockCableLnk, FunctionID: 0x01, OpCode: model.OpStart, Data: []byte{port}}
	_ = sd.tx.OnReply(msg.Msg.FunctionID, model.OpResult, func(payload any) {
		rx := payload.(model.Message)
		quality := uint8(0)
		if len(rx.Data) > 0 {
			quality = rx.Data[0]
		}
		sd.report(SDReport{Kind: SDReportCableLinkResult, Segment: sd.v.segmentNr, LinkQuality: quality})
		sd.f.SetEvent(sdEvCableLinkRes)
		sd.s.SetEvent(sd.svc, eventRunMe)
	})
	sd.arm(3000)
	sd.tx.Send(msg)
}

// calcPort implements spec.md §4.6.1's CalcPort decision table. The
// just-welcomed target becomes the next segment's source; on the very
// first welcome it is the ring master whose port count bounds the branch
// walk.
func (sd *SystemDiagnosis) calcPort(f *fsm.FSM) {
	v := &sd.v
	switch {
	case v.lastResult == SDResultInit:
		node := model.NewNode(v.target, nil)
		v.source = node
		v.master = node
		v.target = model.Signature{}
		v.lastResult = SDResultSegment
	case v.lastResult == SDResultSegment && v.target.NumPorts > 1:
		// continue down the same branch from the welcomed node
		v.source = model.NewNode(v.target, nil)
	case (v.lastResult == SDResultSegment && v.target.NumPorts <= 1) || v.lastResult == SDResultCableLink:
		if v.currBranch+1 == uint16(v.master.Signature.NumPorts) {
			f.SetEvent(sdEvAllDone)
			return
		}
		v.currBranch++
		v.segmentNr = 1
		v.source = v.master
		f.SetEvent(sdEvBranchFound)
		return
	}
}

func (sd *SystemDiagnosis) finish() {
	sd.w.Cancel(&sd.timer)
	sd.sendSysDiagEnd()
	sd.report(SDReport{Kind: SDReportFinished})
}
