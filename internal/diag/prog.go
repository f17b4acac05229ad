package diag

import (
	"encoding/binary"

	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

// Programming FSM states (spec.md §4.6.2).
const (
	progIdle uint8 = iota
	progWaitWelcome
	progWaitMemOpen
	progWaitMemWrite
	progWaitMemErrClose
	progNumStates
)

const (
	progEvStart uint8 = iota + 1
	progEvAbort
	progEvWelcomeOk
	progEvWelcomeNoSuccess
	progEvMemOpenOk
	progEvMemOpenErr
	progEvNeedsErrClose
	progEvMemWriteOk
	progEvMemWriteErr
	progEvSessionClosed
	progEvTimeout
	progNumEvents
)

// ProgFunction names the request a ProgError occurred during, per spec.md
// §4.6.2's "{code, function, ret_len, parm[0..2]}" report struct.
type ProgFunction uint8

const (
	ProgFuncWelcome ProgFunction = iota
	ProgFuncWelcomeNoSuccess
	ProgFuncMemOpen
	ProgFuncMemWrite
	ProgFuncMemClose
	ProgFuncInit
)

// ProgError is the closing error report of spec.md §4.6.2.
type ProgError struct {
	Code     byte
	Function ProgFunction
	RetLen   int
	Parm     [3]byte
}

// ProgReportKind discriminates the Programming FSM's closing callback.
type ProgReportKind uint8

const (
	ProgReportSuccess ProgReportKind = iota
	ProgReportError
	ProgReportAborted
)

// ProgReport is delivered exactly once per run, on reaching the FSM's
// terminal state (testable property 5).
type ProgReport struct {
	Kind ProgReportKind
	Err  *ProgError
}

// MemCmd is one element of a programming command list: a memory-id/address
// pair and the bytes to write. A final zero-length entry marks the end of
// the list; spec.md §4.6.2's "looped until data_length=0 or list exhausted".
type MemCmd struct {
	MemID   uint8
	Address uint16
	Data    []byte
}

// SessionType selects the memory session opened before writing (§4.6.2).
type SessionType uint8

const (
	SessionCfgWrite SessionType = iota
	SessionCfgBackup
)

// Numeric error tags classified by spec.md §4.6.2, the 3-byte
// {0x20, tag_hi, tag_lo} sequence the INIC reports; the Programming FSM
// classifies on the full tag rather than the generic bucket
// translateError's rule produces, since HWReset/SessionActive/etc need the
// specific id, not just "extended error".
const (
	progTagHWReset        = 0x200110
	progTagSessionActive  = 0x200111
	progTagCfgEraseLow    = 0x200220
	progTagCfgEraseHigh   = 0x200226
	progTagHandleMismatch = 0x200330
)

// progTag reconstructs the original 3-byte {0x20, tag_hi, tag_lo} error tag
// from the transceiver's already-translated ErrorInfo (spec.md §4.4: Code
// = original info[1]+1, Info = original info[2:]). The Programming FSM only
// ever deals with INIC's 0x20-prefixed extended errors, so the 0x20 marker
// byte is reconstructed rather than carried.
func progTag(e xcvr.ErrorInfo) uint32 {
	if len(e.Info) < 1 {
		return 0
	}
	return 0x200000 | uint32(e.Code-1)<<8 | uint32(e.Info[0])
}

func isCfgError(tag uint32) bool { return tag >= progTagCfgEraseLow && tag <= progTagCfgEraseHigh }

func buildProgError(e xcvr.ErrorInfo, fn ProgFunction) *ProgError {
	pe := &ProgError{Function: fn, RetLen: len(e.Info) + 2, Code: e.Code - 1}
	for i := 0; i < len(e.Info) && i < len(pe.Parm); i++ {
		pe.Parm[i] = e.Info[i]
	}
	return pe
}

// extractHandle reads the session handle from original error-info bytes 3
// and 4, big-endian (spec.md §12 item 4, ucs_prog.c's SessionActive path) —
// i.e. ErrorInfo.Info[1:3], since Info already starts at original byte 2.
func extractHandle(e xcvr.ErrorInfo) uint16 {
	if len(e.Info) < 3 {
		return 0
	}
	return uint16(e.Info[1])<<8 | uint16(e.Info[2])
}

const (
	fblockMemSession = 0x23
	fblockInit       = 0x24
)

// progVars holds per-run state.
type progVars struct {
	target           uint16
	session          SessionType
	cmds             []MemCmd
	idx              int
	handle           uint16
	pendingErr       *ProgError
	needsInitOnError bool
}

// Programming drives a node memory-update session: Welcome, open a memory
// session, write each command, close the session, re-init the target
// (spec.md §4.6.2).
type Programming struct {
	*skeleton
	f      *fsm.FSM
	v      progVars
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	report func(ProgReport)
}

// NewProgramming wires a Programming FSM instance.
func NewProgramming(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(ProgReport)) *Programming {
	p := &Programming{tx: tx, w: w, s: s, now: now, report: report}
	p.f = fsm.New(p.buildTable(), progNumEvents, progIdle, p)
	p.skeleton = newSkeleton(s, term, net, p, p.onTerminate, p.onNetOff)
	p.skeleton.SetDriver(func(uint32) { p.f.Service() })
	p.timer.Callback = func(any) {
		p.f.SetEvent(progEvTimeout)
		p.s.SetEvent(p.svc, eventRunMe)
	}
	return p
}

// Start begins a programming session against target with the given
// session type and ordered command list (a trailing zero-Data entry, if
// present, is stripped — Go callers express "exhausted" via slice length).
func (p *Programming) Start(target uint16, session SessionType, cmds []MemCmd) {
	clean := cmds
	if n := len(clean); n > 0 && len(clean[n-1].Data) == 0 {
		clean = clean[:n-1]
	}
	p.v = progVars{target: target, session: session, cmds: clean}
	p.f.SetEvent(progEvStart)
	p.s.SetEvent(p.svc, eventRunMe)
}

// Abort requests cancellation.
func (p *Programming) Abort() {
	p.f.SetEvent(progEvAbort)
	p.s.SetEvent(p.svc, eventRunMe)
}

func (p *Programming) onTerminate() {
	p.w.Cancel(&p.timer)
	p.v = progVars{}
	p.f = fsm.New(p.buildTable(), progNumEvents, progIdle, p)
}

func (p *Programming) onNetOff() {
	if p.f.State() == progIdle {
		return
	}
	p.w.Cancel(&p.timer)
	p.v = progVars{}
	p.f = fsm.New(p.buildTable(), progNumEvents, progIdle, p)
	p.report(ProgReport{Kind: ProgReportError, Err: &ProgError{Function: ProgFuncInit}})
}

func (p *Programming) arm(ms uint16) {
	p.w.Cancel(&p.timer)
	_ = p.w.Arm(&p.timer, p.now(), ms, 0)
}

func (p *Programming) buildTable() fsm.Table {
	table := fsm.NewTable(progNumStates, progNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(progNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(progIdle, progEvStart, progWaitWelcome, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).sendWelcome()
	})

	set(progWaitWelcome, progEvWelcomeOk, progWaitMemOpen, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).sendMemSessionOpen()
	})
	set(progWaitWelcome, progEvWelcomeNoSuccess, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishError(&ProgError{Function: ProgFuncWelcomeNoSuccess})
	})
	set(progWaitWelcome, progEvTimeout, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishError(&ProgError{Function: ProgFuncWelcome})
	})

	set(progWaitMemOpen, progEvMemOpenOk, progWaitMemWrite, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).sendNextMemWrite()
	})
	set(progWaitMemOpen, progEvMemOpenErr, progIdle, progReportPendingError)
	set(progWaitMemOpen, progEvNeedsErrClose, progWaitMemErrClose, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).sendMemSessionClose()
	})
	set(progWaitMemOpen, progEvTimeout, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishError(&ProgError{Function: ProgFuncMemOpen})
	})

	set(progWaitMemWrite, progEvMemWriteOk, progWaitMemWrite, func(ctx any, f *fsm.FSM) {
		p := ctx.(*Programming)
		if p.v.idx >= len(p.v.cmds) {
			p.sendMemSessionClose()
			return
		}
		p.sendNextMemWrite()
	})
	set(progWaitMemWrite, progEvMemWriteErr, progIdle, progReportPendingError)
	set(progWaitMemWrite, progEvNeedsErrClose, progWaitMemErrClose, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).sendMemSessionClose()
	})
	set(progWaitMemWrite, progEvSessionClosed, progIdle, func(ctx any, f *fsm.FSM) {
		p := ctx.(*Programming)
		p.sendInitStart()
		p.report(ProgReport{Kind: ProgReportSuccess})
	})
	set(progWaitMemWrite, progEvTimeout, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishError(&ProgError{Function: ProgFuncMemWrite})
	})

	set(progWaitMemErrClose, progEvSessionClosed, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishWithInit()
	})
	set(progWaitMemErrClose, progEvTimeout, progIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Programming).finishWithInit()
	})

	for state := uint8(1); state < progNumStates; state++ {
		set(state, progEvAbort, progIdle, func(ctx any, f *fsm.FSM) {
			p := ctx.(*Programming)
			p.w.Cancel(&p.timer)
			p.report(ProgReport{Kind: ProgReportAborted})
		})
	}

	return table
}

// progReportPendingError is shared by every "other error → report only,
// idle" transition (spec.md §4.6.2); it optionally re-inits the target
// first when the classifier marked the error as HWReset/HandleMismatch.
func progReportPendingError(ctx any, f *fsm.FSM) {
	p := ctx.(*Programming)
	if p.v.needsInitOnError {
		p.sendInitStart()
	}
	p.finishError(p.v.pendingErr)
}

func (p *Programming) finishWithInit() {
	p.sendInitStart()
	p.report(ProgReport{Kind: ProgReportError, Err: p.v.pendingErr})
}

func (p *Programming) finishError(e *ProgError) {
	p.report(ProgReport{Kind: ProgReportError, Err: e})
}

func (p *Programming) sendWelcome() {
	msg := p.tx.AllocTx(2)
	if msg == nil {
		p.finishError(&ProgError{Function: ProgFuncWelcome})
		return
	}
	msg.Msg = model.Message{FBlockID: fblockWelcome, FunctionID: 0x01, OpCode: model.OpStart, InstanceID: uint8(p.v.target)}
	_ = p.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		p.w.Cancel(&p.timer)
		rx := payload.(model.Message)
		if len(rx.Data) > 0 && rx.Data[0] == 0 {
			p.f.SetEvent(progEvWelcomeOk)
		} else {
			p.f.SetEvent(progEvWelcomeNoSuccess)
		}
		p.s.SetEvent(p.svc, eventRunMe)
	})
	p.arm(100)
	p.tx.Send(msg)
}

func (p *Programming) sendMemSessionOpen() {
	msg := p.tx.AllocTx(1)
	if msg == nil {
		p.finishError(&ProgError{Function: ProgFuncMemOpen})
		return
	}
	const fid = 0x01
	msg.Msg = model.Message{FBlockID: fblockMemSession, InstanceID: uint8(p.v.target), FunctionID: fid, OpCode: model.OpStart, Data: []byte{byte(p.v.session)}}
	_ = p.tx.OnReply(fid, model.OpStartResult, func(payload any) {
		p.tx.CancelReply(fid, model.OpError)
		if len(payload.(model.Message).Data) >= 2 {
			p.v.handle = binary.BigEndian.Uint16(payload.(model.Message).Data[:2])
		}
		p.f.SetEvent(progEvMemOpenOk)
		p.s.SetEvent(p.svc, eventRunMe)
	})
	_ = p.tx.OnReply(fid, model.OpError, func(payload any) {
		p.tx.CancelReply(fid, model.OpStartResult)
		p.classifyMemOpenError(payload.(xcvr.ErrorInfo))
	})
	p.arm(500)
	p.tx.Send(msg)
}

func (p *Programming) classifyMemOpenError(e xcvr.ErrorInfo) {
	p.w.Cancel(&p.timer)
	tag := progTag(e)
	p.v.pendingErr = buildProgError(e, ProgFuncMemOpen)
	switch tag {
	case progTagHWReset, progTagHandleMismatch:
		p.v.needsInitOnError = true
		p.f.SetEvent(progEvMemOpenErr)
	case progTagSessionActive:
		p.v.handle = extractHandle(e)
		p.f.SetEvent(progEvNeedsErrClose)
	default:
		p.v.needsInitOnError = false
		p.f.SetEvent(progEvMemOpenErr)
	}
	p.s.SetEvent(p.svc, eventRunMe)
}

func (p *Programming) sendNextMemWrite() {
	if p.v.idx >= len(p.v.cmds) {
		p.sendMemSessionClose()
		return
	}
	cmd := p.v.cmds[p.v.idx]
	p.v.idx++

	msg := p.tx.AllocTx(3 + len(cmd.Data))
	if msg == nil {
		p.finishError(&ProgError{Function: ProgFuncMemWrite})
		return
	}
	const fid = 0x02
	data := append([]byte{cmd.MemID, byte(cmd.Address >> 8), byte(cmd.Address)}, cmd.Data...)
	msg.Msg = model.Message{FBlockID: fblockMemSession, InstanceID: uint8(p.v.target), FunctionID: fid, OpCode: model.OpSet, Data: data}
	_ = p.tx.OnReply(fid, model.OpResult, func(payload any) {
		p.tx.CancelReply(fid, model.OpError)
		p.f.SetEvent(progEvMemWriteOk)
		p.s.SetEvent(p.svc, eventRunMe)
	})
	_ = p.tx.OnReply(fid, model.OpError, func(payload any) {
		p.tx.CancelReply(fid, model.OpResult)
		p.classifyMemWriteError(payload.(xcvr.ErrorInfo))
	})
	p.arm(500)
	p.tx.Send(msg)
}

func (p *Programming) classifyMemWriteError(e xcvr.ErrorInfo) {
	p.w.Cancel(&p.timer)
	tag := progTag(e)
	p.v.pendingErr = buildProgError(e, ProgFuncMemWrite)
	switch {
	case tag == progTagSessionActive:
		p.v.handle = extractHandle(e)
		p.f.SetEvent(progEvNeedsErrClose)
	case isCfgError(tag):
		p.f.SetEvent(progEvNeedsErrClose)
	default:
		p.f.SetEvent(progEvMemWriteErr)
	}
	p.s.SetEvent(p.svc, eventRunMe)
}

func (p *Programming) sendMemSessionClose() {
	msg := p.tx.AllocTx(2)
	if msg == nil {
		p.finishError(&ProgError{Function: ProgFuncMemClose})
		return
	}
	const fid = 0x03
	msg.Msg = model.Message{FBlockID: fblockMemSession, InstanceID: uint8(p.v.target), FunctionID: fid, OpCode: model.OpStart, Data: []byte{byte(p.v.handle >> 8), byte(p.v.handle)}}
	_ = p.tx.OnReply(fid, model.OpStartResult, func(payload any) {
		p.w.Cancel(&p.timer)
		p.f.SetEvent(progEvSessionClosed)
		p.s.SetEvent(p.svc, eventRunMe)
	})
	p.arm(500)
	p.tx.Send(msg)
}

func (p *Programming) sendInitStart() {
	msg := p.tx.AllocTx(0)
	if msg == nil {
		return
	}
	msg.Msg = model.Message{FBlockID: fblockInit, InstanceID: uint8(p.v.target), FunctionID: 0x01, OpCode: model.OpStart}
	p.tx.Send(msg)
}
