package unicens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicens-go/engine/internal/diag"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost()
	cfg := DefaultConfig()
	cfg.General.TickCB = host.TickCB
	cfg.General.SetTimerCB = host.SetTimerCB
	cfg.General.RequestServiceCB = host.RequestServiceCB
	cfg.General.ErrorCB = func(code ResultCode, detail string) { host.ErrorCB(string(code), detail) }
	cfg.LLD.Send = host.Send

	e, err := New(cfg)
	require.NoError(t, err)
	return e, host
}

// drain calls Service a fixed ten times, enough for a diagnostic FSM to
// chain several scheduler passes together, then clears the host's
// pending-service counter.
func drain(e *Engine, host *testutil.FakeHost) {
	for i := 0; i < 10; i++ {
		e.Service()
	}
	host.DrainServiceRequests()
}

func TestNewRejectsMissingHostCallbacks(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeParameter))
}

func TestNewAppliesDefaults(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, uint16(1000), e.cfg.APILockTimeoutMs)
	assert.Equal(t, 16, e.cfg.TxPoolSize)
}

// TestRunSystemDiagnosisSendsStartAndLocks reproduces the first leg of
// spec.md §8's system-diagnosis scenario at the Engine boundary: Start
// sends SysDiagnosis.Start, and a second call while one is in flight is
// rejected with ErrAPILocked, per spec.md §4.7's single-flight rule.
func TestRunSystemDiagnosisSendsStartAndLocks(t *testing.T) {
	e, host := newTestEngine(t)
	root := model.NewNode(model.Signature{NodeAddress: model.NodeAddrLocal, NumPorts: 1}, nil)

	var reports []SystemDiagReport
	err := e.RunSystemDiagnosis(root, func(r SystemDiagReport) { reports = append(reports, r) })
	require.NoError(t, err)
	drain(e, host)

	require.NotEmpty(t, host.Sent)

	err = e.RunSystemDiagnosis(root, func(SystemDiagReport) {})
	assert.ErrorIs(t, err, ErrAPILocked)
}

// TestAbortSystemDiagnosisReleasesLock checks that aborting a run both
// delivers the Aborted/Finished closing pair and frees the lock bit, so
// a subsequent RunSystemDiagnosis call succeeds.
func TestAbortSystemDiagnosisReleasesLock(t *testing.T) {
	e, host := newTestEngine(t)
	root := model.NewNode(model.Signature{NodeAddress: model.NodeAddrLocal, NumPorts: 1}, nil)

	var reports []SystemDiagReport
	require.NoError(t, e.RunSystemDiagnosis(root, func(r SystemDiagReport) { reports = append(reports, r) }))
	drain(e, host)

	e.AbortSystemDiagnosis()
	drain(e, host)

	require.Len(t, reports, 2)

	err := e.RunSystemDiagnosis(root, func(SystemDiagReport) {})
	assert.NoError(t, err)
}

// TestRunNodeScriptingRejectsConcurrentSameTarget exercises spec.md
// §4.6.4's per-target exclusivity: a second Run against the same target
// while one is active fails, but a different target proceeds
// independently.
func TestRunNodeScriptingRejectsConcurrentSameTarget(t *testing.T) {
	e, host := newTestEngine(t)
	scripts := []model.Script{{Send: model.Message{FBlockID: 0x01, OpCode: model.OpSet}}}

	err := e.RunNodeScripting(0x0010, scripts, func(NodeScriptingReport) {})
	require.NoError(t, err)
	drain(e, host)

	err = e.RunNodeScripting(0x0010, scripts, func(NodeScriptingReport) {})
	assert.ErrorIs(t, err, ErrAPILocked)

	err = e.RunNodeScripting(0x0020, scripts, func(NodeScriptingReport) {})
	assert.NoError(t, err)
}

// TestSetNodeAvailableReportsRouteTransitions verifies spec.md §3's route
// invariant: a route reports built/suspended exactly when both of its
// endpoints' availability actually changes the evaluated state.
func TestSetNodeAvailableReportsRouteTransitions(t *testing.T) {
	srcNode := model.NewNode(model.Signature{NodeAddress: 0x0010, NumPorts: 1}, nil)
	sinkNode := model.NewNode(model.Signature{NodeAddress: 0x0020, NumPorts: 1}, nil)
	src := model.NewEndpoint(model.EndpointSource, srcNode, nil)
	sink := model.NewEndpoint(model.EndpointSink, sinkNode, nil)
	route := model.NewRoute(src, sink, 1)
	route.Active = true

	var reports []RouteReport
	host := testutil.NewFakeHost()
	cfg := DefaultConfig()
	cfg.General.TickCB = host.TickCB
	cfg.General.SetTimerCB = host.SetTimerCB
	cfg.General.RequestServiceCB = host.RequestServiceCB
	cfg.LLD.Send = host.Send
	cfg.Routing.Routes = []*model.Route{route}
	cfg.Routing.Report = func(r RouteReport) { reports = append(reports, r) }

	e, err := New(cfg)
	require.NoError(t, err)

	e.SetNodeAvailable(srcNode, true)
	assert.Empty(t, reports, "one endpoint available is not enough to build the route")

	e.SetNodeAvailable(sinkNode, true)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Built)

	e.SetNodeAvailable(sinkNode, false)
	require.Len(t, reports, 2)
	assert.False(t, reports[1].Built)
}

// TestFatalReleasesInFlightDiagnosis checks spec.md §7's Terminated
// propagation: a Fatal call drives every diagnostic FSM back to idle,
// which for SystemDiagnosis means the API lock is released without the
// host ever calling Abort.
func TestFatalReleasesInFlightDiagnosis(t *testing.T) {
	e, host := newTestEngine(t)
	root := model.NewNode(model.Signature{NodeAddress: model.NodeAddrLocal, NumPorts: 1}, nil)

	require.NoError(t, e.RunSystemDiagnosis(root, func(SystemDiagReport) {}))
	drain(e, host)

	e.Fatal(CodeTransmission, "link down")
	require.Len(t, host.Errors, 1)
	assert.Equal(t, string(CodeTransmission), host.Errors[0].Code)

	assert.NoError(t, e.RunSystemDiagnosis(root, func(SystemDiagReport) {}), "Fatal released the system-diagnosis lock")
}

// TestNetworkOffAbortsInFlightDiagnosis covers spec.md §8's scenario S4:
// the network leaving the available state mid-run delivers the closing
// Error/Finished pair, leaves no timer armed, and frees the API lock so a
// later run can start.
func TestNetworkOffAbortsInFlightDiagnosis(t *testing.T) {
	e, host := newTestEngine(t)
	root := model.NewNode(model.Signature{NodeAddress: model.NodeAddrLocal, NumPorts: 1}, nil)

	e.SetNetworkAvailable(true)

	var reports []SystemDiagReport
	require.NoError(t, e.RunSystemDiagnosis(root, func(r SystemDiagReport) { reports = append(reports, r) }))
	drain(e, host)

	e.SetNetworkAvailable(false)

	require.Len(t, reports, 2)
	assert.Equal(t, diag.SDReportError, reports[0].Kind)
	assert.Equal(t, "net off", reports[0].ErrInfo)
	assert.Equal(t, diag.SDReportFinished, reports[1].Kind)

	e.Service()
	assert.False(t, host.TimerArmed, "no timer may remain armed after net-off")

	assert.NoError(t, e.RunSystemDiagnosis(root, func(SystemDiagReport) {}))
}

// TestAPILockTimeoutUnblocksPhyTest covers spec.md §8's scenario S6: with
// the first run's reply never arriving, a second call is rejected
// synchronously; once the lock countdown expires the first caller's
// observer is fed a synthetic timeout result and the lock bit clears.
func TestAPILockTimeoutUnblocksPhyTest(t *testing.T) {
	e, host := newTestEngine(t)

	var reports []PhyTestReport
	require.NoError(t, e.RunPhyTest(PhyTestParams{Port: 1}, func(r PhyTestReport) { reports = append(reports, r) }))
	drain(e, host)

	err := e.RunPhyTest(PhyTestParams{Port: 2}, func(PhyTestReport) {})
	assert.ErrorIs(t, err, ErrAPILocked)

	host.Advance(1000)
	e.ReportTimeout()
	drain(e, host)

	require.NotEmpty(t, reports)
	assert.True(t, reports[0].TimedOut)

	assert.NoError(t, e.RunPhyTest(PhyTestParams{Port: 3}, func(PhyTestReport) {}))
}

// TestReportTimeoutRearmsHostTimer drives the timer wheel forward via the
// host's ReportTimeout entry and checks the host's single platform timer
// gets rearmed for the next due deadline, per spec.md §4.1.
func TestReportTimeoutRearmsHostTimer(t *testing.T) {
	e, host := newTestEngine(t)
	root := model.NewNode(model.Signature{NodeAddress: model.NodeAddrLocal, NumPorts: 1}, nil)

	require.NoError(t, e.RunSystemDiagnosis(root, func(SystemDiagReport) {}))
	drain(e, host)

	require.True(t, host.TimerArmed, "sysdiag start arms its own wait timer")

	host.Advance(host.TimerDelay)
	e.ReportTimeout()
	assert.True(t, host.TimerArmed, "rearmed for the API-lock countdown still pending")
	assert.Equal(t, uint16(900), host.TimerDelay)
	drain(e, host)
}
