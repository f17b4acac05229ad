package unicens

import (
	"github.com/unicens-go/engine/internal/diag"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/observer"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/ucslog"
	"github.com/unicens-go/engine/internal/xcvr"
)

// API-lock bits (spec.md §4.7): one per exclusive-reply-channel procedure
// that isn't already keyed per target. Node Scripting and Remote Sync
// enforce their own per-target exclusivity (spec.md §4.6.4) and don't
// consume a bit here.
const (
	lockSystemDiag uint32 = 1 << iota
	lockProgramming
	lockBackChannel
	lockWelcome
	lockCableLink
	lockPhyTest
)

// Engine is the cooperative event engine of spec.md §2: a scheduler, a
// timer wheel, a message transceiver and the family of diagnostic FSMs,
// all driven exclusively through Service and ReportTimeout.
type Engine struct {
	cfg Config
	log *ucslog.Logger

	wheel *timer.Wheel
	sched *sched.Scheduler
	tx    *xcvr.Transceiver
	locks *xcvr.LockManager

	term *diag.TerminationBus
	net  *diag.NetworkBus

	sysDiag     *diag.SystemDiagnosis
	programming *diag.Programming
	backChannel *diag.BackChannel
	discovery   *diag.NodeDiscovery
	welcome     *diag.Welcome
	cableLink   *diag.CableLinkDiagnosis
	phyTest     *diag.PhyTest

	sysDiagSink   func(diag.SDReport)
	progSink      func(diag.ProgReport)
	bcdSink       func(diag.BCDReport)
	welcomeSink   func(diag.WelcomeResult)
	cableLinkSink func(diag.CableLinkResult)
	phyTestSink   func(diag.PhyTestResult)

	scripting   map[uint16]*diag.NodeScripting
	remoteSyncs map[uint16]*diag.RemoteSync

	netSubjects []any
	available   NetworkAvailability
	stopped     bool
}

// New constructs an Engine from cfg. cfg.General's TickCB, SetTimerCB and
// RequestServiceCB and cfg.LLD.Send must be non-nil (ErrorCB may be nil);
// New returns a *Error with CodeParameter otherwise (spec.md §7's
// synchronous Parameter error).
func New(cfg Config) (*Engine, error) {
	if cfg.General.TickCB == nil || cfg.General.SetTimerCB == nil || cfg.General.RequestServiceCB == nil {
		return nil, NewError("New", CodeParameter, "General tick/set-timer/request-service callbacks are required")
	}
	if cfg.LLD.Send == nil {
		return nil, NewError("New", CodeParameter, "LLD.Send is required")
	}
	if cfg.Mgr.Enabled && cfg.Mgr.Evaluate == nil {
		return nil, NewError("New", CodeParameter, "Mgr.Evaluate is required when Mgr.Enabled")
	}

	defaults := DefaultConfig()
	if cfg.TxPoolSize <= 0 {
		cfg.TxPoolSize = defaults.TxPoolSize
	}
	if cfg.TxPayloadCap <= 0 {
		cfg.TxPayloadCap = defaults.TxPayloadCap
	}
	if cfg.APILockTimeoutMs == 0 {
		cfg.APILockTimeoutMs = defaults.APILockTimeoutMs
	}
	if cfg.SysDiagHelloRetries == 0 {
		cfg.SysDiagHelloRetries = defaults.SysDiagHelloRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = ucslog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		log:         logger,
		wheel:       timer.New(),
		term:        observer.NewMasked(),
		net:         observer.NewPlain(),
		scripting:   make(map[uint16]*diag.NodeScripting),
		remoteSyncs: make(map[uint16]*diag.RemoteSync),
	}
	e.sched = sched.New(cfg.General.RequestServiceCB)
	e.tx = xcvr.New(cfg.TxPoolSize, cfg.TxPayloadCap, cfg.LLD.Send, nil)
	e.locks = xcvr.NewLockManager(e.wheel, cfg.APILockTimeoutMs)

	now := e.now

	e.sysDiag = diag.NewSystemDiagnosis(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onSysDiagReport)
	e.programming = diag.NewProgramming(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onProgrammingReport)
	e.backChannel = diag.NewBackChannel(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onBackChannelReport)
	e.welcome = diag.NewWelcome(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onWelcomeReport)
	e.cableLink = diag.NewCableLinkDiagnosis(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onCableLinkReport)
	e.phyTest = diag.NewPhyTest(e.sched, e.tx, e.wheel, now, e.term, e.net, e.onPhyTestReport)
	e.discovery = diag.NewNodeDiscovery(e.sched, e.tx, e.wheel, now, e.term, e.net, e.welcome, cfg.Mgr.Evaluate)

	e.netSubjects = []any{e.sysDiag, e.programming, e.backChannel, e.welcome, e.cableLink, e.phyTest, e.discovery}

	if cfg.Mgr.Enabled {
		e.discovery.Start()
	}

	return e, nil
}

func (e *Engine) now() uint16 { return e.cfg.General.TickCB() }

// Service drains one scheduler pass (spec.md §6's `service()` entry
// point). The host calls this after RequestServiceCB fires.
func (e *Engine) Service() {
	e.sched.RunPending()
	e.rearmHostTimer()
}

// ReportTimeout is the host's timeout entry (spec.md §6's
// `report_timeout()`): it ticks the timer wheel forward to the current
// host time, which fires any due callbacks, then re-arms the host's
// single platform timer for the next deadline.
func (e *Engine) ReportTimeout() {
	e.wheel.Tick(e.now())
	e.rearmHostTimer()
}

// rearmHostTimer asks the host to wake the engine again at the soonest
// armed deadline, or disarms the host timer if nothing is armed (spec.md
// §4.1).
func (e *Engine) rearmHostTimer() {
	if delay, ok := e.wheel.NextDelay(e.now()); ok {
		e.cfg.General.SetTimerCB(delay)
	} else {
		e.cfg.General.SetTimerCB(0)
	}
}

// Receive hands an inbound control message decoded by the LLD to the
// transceiver for dispatch (the rx_ready half of spec.md §6's LLD pair).
func (e *Engine) Receive(msg model.Message) {
	e.tx.Dispatch(msg)
}

// TxHandle identifies a message allocated from the transceiver's tx pool,
// used only to acknowledge a confirmed SendEx transmission.
type TxHandle = *xcvr.TxMsg

// NotifyTxComplete reports that handle's transmission was confirmed by the
// LLD, running its recorded completion callback and returning the slot to
// the pool (spec.md §4.4's SendEx/CompletionFunc contract).
func (e *Engine) NotifyTxComplete(handle TxHandle) {
	e.tx.NotifyCompletion(handle)
}

// Fatal notifies every diagnostic FSM over the termination bus, then calls
// General.ErrorCB. Each FSM cancels its supervision timer and resets to
// idle. Only SystemDiagnosis delivers a closing report (Finished, which
// releases its API lock); the other procedures deliver no closing report,
// their API-lock bits stay held until the lock countdown expires, and tx
// messages already handed to SendEx are not reclaimed.
func (e *Engine) Fatal(code ResultCode, detail string) {
	e.log.Error("engine: fatal termination", "code", code, "detail", detail)
	for _, subj := range e.netSubjects {
		e.term.Notify(subj, diag.TerminationKindFatal, nil)
	}
	for _, rs := range e.remoteSyncs {
		e.term.Notify(rs, diag.TerminationKindFatal, nil)
	}
	for _, ns := range e.scripting {
		e.term.Notify(ns, diag.TerminationKindFatal, nil)
	}
	if e.cfg.General.ErrorCB != nil {
		e.cfg.General.ErrorCB(code, detail)
	}
}

// SetNetworkAvailable updates the ring's availability (spec.md §4.6's
// net-on/net-off transitions): every diagnostic FSM's network-status
// observer is notified, and if availability flipped, Network.StatusCB
// fires with a NetworkStatusReport.
func (e *Engine) SetNetworkAvailable(available bool) {
	next := NetworkNotAvailable
	if available {
		next = NetworkAvailable
	}
	changed := next != e.available
	e.available = next

	for _, subj := range e.netSubjects {
		e.net.Notify(subj, available)
	}
	for _, rs := range e.remoteSyncs {
		e.net.Notify(rs, available)
	}
	for _, ns := range e.scripting {
		e.net.Notify(ns, available)
	}

	if changed && e.cfg.Network.StatusCB != nil {
		e.cfg.Network.StatusCB(NetworkStatusReport{
			Availability: next,
			PacketBW:     e.cfg.Network.PacketBandwidth,
		})
	}
}

// SetNodeAvailable flips node's availability flag and, if it actually
// changed, re-evaluates every configured route and reports exactly one
// RouteReport per route whose built/suspended state flipped (spec.md §3's
// Route invariant, testable property 6).
func (e *Engine) SetNodeAvailable(n *model.Node, available bool) {
	if !n.SetAvailable(available) {
		return
	}
	for _, r := range e.cfg.Routing.Routes {
		if state, changed := r.Evaluate(); changed && e.cfg.Routing.Report != nil {
			e.cfg.Routing.Report(RouteReport{RouteID: r.RouteID, Built: state == model.RouteBuilt})
		}
	}
}

// Stop aborts every in-flight procedure, drains the resulting closing
// reports, and invokes callback (spec.md §6's `stop(callback)`).
func (e *Engine) Stop(callback func()) {
	if e.stopped {
		return
	}
	e.stopped = true
	e.log.Info("engine: stopping, aborting all in-flight procedures")
	e.sysDiag.Abort()
	e.programming.Abort()
	e.backChannel.Abort()
	e.discovery.Stop()
	e.welcome.Abort()
	e.cableLink.Abort()
	e.phyTest.Abort()
	for _, ns := range e.scripting {
		ns.Abort()
	}
	for _, rs := range e.remoteSyncs {
		rs.Abort()
	}
	e.sched.RunPending()
	if callback != nil {
		callback()
	}
}

// scriptingFor returns (creating if necessary) the per-target RemoteSync
// and NodeScripting pair used by RunNodeScripting, per spec.md §4.6.4's
// "distinct NSM instances" per target.
func (e *Engine) scriptingFor(target uint16) *diag.NodeScripting {
	if ns, ok := e.scripting[target]; ok {
		return ns
	}
	rs := diag.NewRemoteSync(e.sched, e.tx, e.wheel, e.now, e.term, e.net, nil)
	ns := diag.NewNodeScripting(e.sched, e.tx, e.wheel, e.now, e.term, e.net, rs)
	if e.cfg.GPIO != nil {
		ns.SetGPIOHook(diag.GPIOHookFunc(e.cfg.GPIO))
	}
	if e.cfg.I2C != nil {
		ns.SetI2CHook(diag.I2CHookFunc(e.cfg.I2C))
	}
	e.remoteSyncs[target] = rs
	e.scripting[target] = ns
	e.netSubjects = append(e.netSubjects, rs, ns)
	return ns
}

// RunSystemDiagnosis starts a ring-wide system diagnosis rooted at root,
// delivering every progress and closing report to report (spec.md
// §4.6.1). Returns ErrAPILocked if a run is already in progress.
func (e *Engine) RunSystemDiagnosis(root *model.Node, report func(SystemDiagReport)) error {
	if !e.locks.TryAcquire(e.now(), lockSystemDiag, func(uint32) {
		e.log.Warn("engine: system diagnosis api lock timed out")
		e.onSysDiagReport(diag.SDReport{Kind: diag.SDReportError, ErrInfo: "timeout"})
	}) {
		return ErrAPILocked
	}
	e.log.Debug("engine: system diagnosis starting")
	e.sysDiagSink = report
	e.sysDiag.Start(root)
	return nil
}

// AbortSystemDiagnosis cancels an in-progress system diagnosis run.
func (e *Engine) AbortSystemDiagnosis() { e.sysDiag.Abort() }

func (e *Engine) onSysDiagReport(r diag.SDReport) {
	if r.Kind == diag.SDReportFinished {
		e.locks.Release(lockSystemDiag)
	}
	if e.sysDiagSink != nil {
		e.sysDiagSink(r)
	}
}

// RunProgramming opens a memory-programming session against target
// (spec.md §4.6.2). Returns ErrAPILocked if a session is already open.
func (e *Engine) RunProgramming(target uint16, session SessionType, cmds []MemCmd, report func(ProgrammingReport)) error {
	if !e.locks.TryAcquire(e.now(), lockProgramming, func(uint32) {
		e.onProgrammingReport(diag.ProgReport{Kind: diag.ProgReportError})
	}) {
		return ErrAPILocked
	}
	e.progSink = report
	e.programming.Start(target, session, cmds)
	return nil
}

// AbortProgramming cancels an in-progress programming session.
func (e *Engine) AbortProgramming() { e.programming.Abort() }

// onProgrammingReport releases the lock unconditionally: ProgReport is
// delivered exactly once per run, always on the terminal state (spec.md
// §4.6.2 has no separate progress-only report).
func (e *Engine) onProgrammingReport(r diag.ProgReport) {
	e.locks.Release(lockProgramming)
	if e.progSink != nil {
		e.progSink(r)
	}
}

// RunBackChannelDiagnosis starts a back-channel (secondary ring) diagnosis
// sweep (spec.md §4.6.3). Returns ErrAPILocked if a run is already active.
func (e *Engine) RunBackChannelDiagnosis(report func(BackChannelReport)) error {
	if !e.locks.TryAcquire(e.now(), lockBackChannel, func(uint32) {
		e.onBackChannelReport(diag.BCDReport{Kind: diag.BCDReportTimeout1})
	}) {
		return ErrAPILocked
	}
	e.bcdSink = report
	e.backChannel.Start()
	return nil
}

// AbortBackChannelDiagnosis cancels an in-progress back-channel run.
func (e *Engine) AbortBackChannelDiagnosis() { e.backChannel.Abort() }

func (e *Engine) onBackChannelReport(r diag.BCDReport) {
	if r.Kind == diag.BCDReportEnd {
		e.locks.Release(lockBackChannel)
	}
	if e.bcdSink != nil {
		e.bcdSink(r)
	}
}

// RunWelcome sends Welcome.Start for sig (spec.md §4.6.5); adminAddr is
// handed to Welcome.Start, which records it but does not send it. Returns
// ErrAPILocked if a standalone welcome run is already in flight.
// SystemDiagnosis sends its own Welcome.Start messages from within its own
// API-locked run; it uses neither this Welcome FSM instance nor this bit.
func (e *Engine) RunWelcome(adminAddr uint16, sig model.Signature, report func(WelcomeReport)) error {
	if !e.locks.TryAcquire(e.now(), lockWelcome, func(uint32) {
		e.onWelcomeReport(diag.WelcomeResult{Code: diag.WelcomeTimedOut})
	}) {
		return ErrAPILocked
	}
	e.welcomeSink = report
	e.welcome.Start(adminAddr, sig)
	return nil
}

func (e *Engine) onWelcomeReport(r diag.WelcomeResult) {
	e.locks.Release(lockWelcome)
	if e.welcomeSink != nil {
		e.welcomeSink(r)
	}
}

// StartNodeDiscovery begins periodic Hello.Get broadcasting (spec.md
// §4.6.5). Discovered signatures are routed through Config.Mgr.Evaluate.
func (e *Engine) StartNodeDiscovery() { e.discovery.Start() }

// StopNodeDiscovery halts periodic broadcasting.
func (e *Engine) StopNodeDiscovery() { e.discovery.Stop() }

// RunCableLinkDiagnosis probes a single port's cable-link quality (spec.md
// §4.6.5). Returns ErrAPILocked if a probe is already in flight.
func (e *Engine) RunCableLinkDiagnosis(port uint8, report func(CableLinkReport)) error {
	if !e.locks.TryAcquire(e.now(), lockCableLink, func(uint32) {
		e.onCableLinkReport(diag.CableLinkResult{Port: port, TimedOut: true})
	}) {
		return ErrAPILocked
	}
	e.cableLinkSink = report
	e.cableLink.Start(port)
	return nil
}

func (e *Engine) onCableLinkReport(r diag.CableLinkResult) {
	e.locks.Release(lockCableLink)
	if e.cableLinkSink != nil {
		e.cableLinkSink(r)
	}
}

// RunPhyTest arms a physical-layer test and polls for its result (spec.md
// §4.6.5). Returns ErrAPILocked if a run is already in flight (testable
// scenario S6).
func (e *Engine) RunPhyTest(params PhyTestParams, report func(PhyTestReport)) error {
	if !e.locks.TryAcquire(e.now(), lockPhyTest, func(uint32) {
		e.onPhyTestReport(diag.PhyTestResult{Port: params.Port, TimedOut: true})
	}) {
		return ErrAPILocked
	}
	e.phyTestSink = report
	e.phyTest.Start(params)
	return nil
}

func (e *Engine) onPhyTestReport(r diag.PhyTestResult) {
	e.locks.Release(lockPhyTest)
	if e.phyTestSink != nil {
		e.phyTestSink(r)
	}
}

// RunNodeScripting plays scripts against target in order (spec.md
// §4.6.4). Returns ErrAPILocked if a sequence is already running against
// the same target; a different target runs concurrently on its own
// NodeScripting instance.
func (e *Engine) RunNodeScripting(target uint16, scripts []model.Script, result func(NodeScriptingReport)) error {
	ns := e.scriptingFor(target)
	if err := ns.Run(target, scripts, result); err != nil {
		return ErrAPILocked
	}
	return nil
}

// AbortNodeScripting cancels an in-progress script sequence for target, if
// one exists.
func (e *Engine) AbortNodeScripting(target uint16) {
	if ns, ok := e.scripting[target]; ok {
		ns.Abort()
	}
}
