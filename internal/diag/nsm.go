package diag

import (
	"errors"

	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

// ErrScriptingBusy is returned by NodeScripting.Run when a script
// sequence is already in flight against the same target (spec.md §4.6.4's
// "at most one script sequence per node target at a time" rule). The
// top-level engine API translates this into the public api-locked error.
var ErrScriptingBusy = errors.New("diag: node scripting already active for this target")

const (
	nsmIdle uint8 = iota
	nsmWaitSync
	nsmWaitPause
	nsmWaitSend
	nsmWaitReply
	nsmNumStates
)

const (
	nsmEvStart uint8 = iota + 1
	nsmEvAbort
	nsmEvSyncOk
	nsmEvSyncErr
	nsmEvPauseElapsed
	nsmEvSendOk
	nsmEvSendErr
	nsmEvReplyMatch
	nsmEvReplyError
	nsmEvTimeout
	nsmNumEvents
)

// NSMFailureKind discriminates why a script sequence failed (spec.md
// §4.6.4).
type NSMFailureKind uint8

const (
	NSMFailureNone NSMFailureKind = iota
	NSMFailureTx
	NSMFailureTargetScript
	// NSMFailureTimeout means no matching reply arrived within the step's
	// supervision window, as opposed to the target answering with an error.
	NSMFailureTimeout
)

// NSMResultCode is the closing result of a script sequence.
type NSMResultCode uint8

const (
	NSMSuccess NSMResultCode = iota
	NSMError
	NSMAborted
)

// NSMResult is a node-scripting run's closing callback payload.
type NSMResult struct {
	Code   NSMResultCode
	Kind   NSMFailureKind
	Script int // index of the script that was running at failure time
}

// GPIO and I2C functional block IDs a completed script step's send command
// can target (ucs_gpio_pb.h / ucs_i2c_pb.h). A script whose FBlockID
// matches one of these goes through ordinary reply-matching like any other
// step and, once its reply has matched, also invokes the matching hook, per
// spec.md §12 item 6.
const (
	fblockGPIO = 0x28
	fblockI2C  = 0x29
)

// GPIOHookFunc and I2CHookFunc mirror the top-level package's GPIOHook and
// I2CHook so this package doesn't import the root package.
type GPIOHookFunc func(portID uint8, value byte)
type I2CHookFunc func(address uint8, data []byte)

// NodeScripting drives spec.md §4.6.4: ensure the target is synchronized,
// then play an ordered list of {pause, send, expected} scripts against it,
// stopping at the first failure. Each instance owns a dedicated RemoteSync
// instance for the sync-check dispatch, per spec.md §4.6.4's "distinct NSM
// instances" per target.
type NodeScripting struct {
	*skeleton
	f       *fsm.FSM
	tx      *xcvr.Transceiver
	w       *timer.Wheel
	s       *sched.Scheduler
	now     func() uint16
	sync    *RemoteSync
	target  uint16
	scripts []model.Script
	idx     int
	active  bool
	report  func(NSMResult)
	gpio    GPIOHookFunc
	i2c     I2CHookFunc
}

// SetGPIOHook and SetI2CHook wire the optional GPIO/I2C callbacks (spec.md
// §12 item 6). Nil disables the corresponding feature.
func (n *NodeScripting) SetGPIOHook(fn GPIOHookFunc) { n.gpio = fn }
func (n *NodeScripting) SetI2CHook(fn I2CHookFunc)   { n.i2c = fn }

// dispatchFeatureHook invokes the GPIO or I2C hook for a completed script
// step's send command, if its FBlockID matches and the corresponding hook
// is configured.
func (n *NodeScripting) dispatchFeatureHook(msg model.Message) {
	switch msg.FBlockID {
	case fblockGPIO:
		if n.gpio != nil && len(msg.Data) >= 2 {
			n.gpio(msg.Data[0], msg.Data[1])
		}
	case fblockI2C:
		if n.i2c != nil && len(msg.Data) >= 1 {
			n.i2c(msg.Data[0], msg.Data[1:])
		}
	}
}

// NewNodeScripting wires a NodeScripting FSM instance bound to one target
// and its dedicated RemoteSync instance; sync's closing callback is
// overwritten to forward into this NodeScripting.
func NewNodeScripting(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, sync *RemoteSync) *NodeScripting {
	n := &NodeScripting{tx: tx, w: w, s: s, now: now, sync: sync}
	n.f = fsm.New(n.buildTable(), nsmNumEvents, nsmIdle, n)
	n.skeleton = newSkeleton(s, term, net, n, n.onTerminate, n.onNetOff)
	n.skeleton.SetDriver(func(uint32) { n.f.Service() })
	n.timer.Callback = func(any) {
		n.f.SetEvent(nsmEvTimeout)
		n.s.SetEvent(n.svc, eventRunMe)
	}
	sync.SetReport(func(r RSMResult) { n.onSyncResult(r) })
	return n
}

func (n *NodeScripting) onSyncResult(r RSMResult) {
	n.w.Cancel(&n.timer)
	if r.Code == RSMSuccess {
		n.f.SetEvent(nsmEvSyncOk)
	} else {
		n.f.SetEvent(nsmEvSyncErr)
	}
	n.s.SetEvent(n.svc, eventRunMe)
}

// Run starts a script sequence against target, invoking result once it
// finishes. Returns ErrScriptingBusy if this instance is already running a
// sequence — per spec.md §4.6.4, callers run one NodeScripting instance per
// target so that error naturally enforces the per-target exclusivity rule.
func (n *NodeScripting) Run(target uint16, scripts []model.Script, result func(NSMResult)) error {
	if n.active {
		return ErrScriptingBusy
	}
	n.active = true
	n.target = target
	n.scripts = scripts
	n.idx = 0
	n.report = result
	n.f = fsm.New(n.buildTable(), nsmNumEvents, nsmIdle, n)
	n.f.SetEvent(nsmEvStart)
	n.s.SetEvent(n.svc, eventRunMe)
	return nil
}

// Abort cancels the in-progress sequence, if any.
func (n *NodeScripting) Abort() {
	n.f.SetEvent(nsmEvAbort)
	n.s.SetEvent(n.svc, eventRunMe)
}

func (n *NodeScripting) onTerminate() {
	n.w.Cancel(&n.timer)
	n.active = false
	n.f = fsm.New(n.buildTable(), nsmNumEvents, nsmIdle, n)
}

func (n *NodeScripting) onNetOff() {
	if !n.active {
		return
	}
	n.w.Cancel(&n.timer)
	n.f = fsm.New(n.buildTable(), nsmNumEvents, nsmIdle, n)
	n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTx, Script: n.idx})
}

func (n *NodeScripting) arm(ms uint16) {
	n.w.Cancel(&n.timer)
	_ = n.w.Arm(&n.timer, n.now(), ms, 0)
}

func (n *NodeScripting) finish(r NSMResult) {
	n.active = false
	if n.report != nil {
		n.report(r)
	}
}

func (n *NodeScripting) buildTable() fsm.Table {
	table := fsm.NewTable(nsmNumStates, nsmNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(nsmNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(nsmIdle, nsmEvStart, nsmWaitSync, func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		if n.sync == nil || n.sync.State() == DeviceSynced {
			n.f.SetEvent(nsmEvSyncOk)
			return
		}
		if !n.sync.Start(n.target) {
			n.f.SetEvent(nsmEvSyncErr)
			return
		}
		n.arm(2000)
	})

	set(nsmWaitSync, nsmEvSyncOk, nsmWaitPause, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeScripting).runNextScript()
	})
	set(nsmWaitSync, nsmEvSyncErr, nsmIdle, func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTx, Script: 0})
	})
	set(nsmWaitSync, nsmEvTimeout, nsmIdle, func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTx, Script: 0})
	})

	set(nsmWaitPause, nsmEvPauseElapsed, nsmWaitSend, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeScripting).sendCurrent()
	})
	// The pause timer shares the supervision timer entry, whose callback
	// raises the generic timeout event; in WaitPause that just means the
	// pause elapsed.
	set(nsmWaitPause, nsmEvTimeout, nsmWaitSend, func(ctx any, f *fsm.FSM) {
		ctx.(*NodeScripting).sendCurrent()
	})

	// The reply can arrive before the LLD confirms transmission, so the
	// reply events are handled identically in WaitSend and WaitReply.
	advance := func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		n.w.Cancel(&n.timer)
		n.dispatchFeatureHook(n.scripts[n.idx].Send)
		n.idx++
		if n.idx >= len(n.scripts) {
			n.finish(NSMResult{Code: NSMSuccess})
			f.End()
			return
		}
		n.runNextScript()
	}
	targetErr := func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		n.w.Cancel(&n.timer)
		n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTargetScript, Script: n.idx})
	}
	replyTimeout := func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		if sc := n.scripts[n.idx]; sc.Expected != nil {
			n.tx.CancelReply(sc.Expected.FunctionID, sc.Expected.OpCode)
			n.tx.CancelReply(sc.Expected.FunctionID, model.OpError)
		}
		n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTimeout, Script: n.idx})
	}

	set(nsmWaitSend, nsmEvSendOk, nsmWaitReply, func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		if n.scripts[n.idx].Expected == nil {
			// No reply registered for this step; the confirmed send is
			// itself the advance signal. Chained synchronously so the
			// Service loop picks it up against the new nsmWaitReply state.
			f.SetEvent(nsmEvReplyMatch)
		}
	})
	set(nsmWaitSend, nsmEvSendErr, nsmIdle, func(ctx any, f *fsm.FSM) {
		n := ctx.(*NodeScripting)
		if sc := n.scripts[n.idx]; sc.Expected != nil {
			n.tx.CancelReply(sc.Expected.FunctionID, sc.Expected.OpCode)
			n.tx.CancelReply(sc.Expected.FunctionID, model.OpError)
		}
		n.finish(NSMResult{Code: NSMError, Kind: NSMFailureTx, Script: n.idx})
	})
	set(nsmWaitSend, nsmEvReplyMatch, nsmWaitPause, advance)
	set(nsmWaitSend, nsmEvReplyError, nsmIdle, targetErr)
	set(nsmWaitSend, nsmEvTimeout, nsmIdle, replyTimeout)

	set(nsmWaitReply, nsmEvReplyMatch, nsmWaitPause, advance)
	set(nsmWaitReply, nsmEvReplyError, nsmIdle, targetErr)
	set(nsmWaitReply, nsmEvTimeout, nsmIdle, replyTimeout)

	for state := uint8(1); state < nsmNumStates; state++ {
		set(state, nsmEvAbort, nsmIdle, func(ctx any, f *fsm.FSM) {
			n := ctx.(*NodeScripting)
			n.w.Cancel(&n.timer)
			n.finish(NSMResult{Code: NSMAborted, Script: n.idx})
		})
	}

	return table
}

// runNextScript processes the current script's pause (if any) and advances
// to sending once it elapses; a zero pause advances immediately.
func (n *NodeScripting) runNextScript() {
	sc := n.scripts[n.idx]
	if sc.PauseMs == 0 {
		n.f.SetEvent(nsmEvPauseElapsed)
		return
	}
	n.arm(sc.PauseMs)
}

func (n *NodeScripting) sendCurrent() {
	sc := n.scripts[n.idx]
	msg := n.tx.AllocTx(len(sc.Send.Data))
	if msg == nil {
		n.f.SetEvent(nsmEvSendErr)
		return
	}
	msg.Msg = sc.Send
	msg.Msg.InstanceID = uint8(n.target)

	if sc.Expected == nil {
		n.tx.SendEx(msg, func(any) {
			n.f.SetEvent(nsmEvSendOk)
			n.s.SetEvent(n.svc, eventRunMe)
		}, nil)
		return
	}

	expected := *sc.Expected
	_ = n.tx.OnReply(expected.FunctionID, expected.OpCode, func(payload any) {
		n.tx.CancelReply(expected.FunctionID, model.OpError)
		rx, ok := payload.(model.Message)
		if ok && expected.Matches(rx) {
			n.f.SetEvent(nsmEvReplyMatch)
		} else {
			n.f.SetEvent(nsmEvReplyError)
		}
		n.s.SetEvent(n.svc, eventRunMe)
	})
	_ = n.tx.OnReply(expected.FunctionID, model.OpError, func(payload any) {
		n.tx.CancelReply(expected.FunctionID, expected.OpCode)
		n.f.SetEvent(nsmEvReplyError)
		n.s.SetEvent(n.svc, eventRunMe)
	})
	n.arm(1000)
	n.tx.SendEx(msg, func(any) {
		n.f.SetEvent(nsmEvSendOk)
		n.s.SetEvent(n.svc, eventRunMe)
	}, nil)
}
