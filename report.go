package unicens

import "github.com/unicens-go/engine/internal/diag"

// RouteReport is delivered to Routing.Report exactly once per route whose
// built/suspended state changed (spec.md §3's Route invariant, testable
// property 6).
type RouteReport struct {
	RouteID uint16
	Built   bool
}

// NetworkAvailability is the availability value SetNetworkAvailable
// derives for a NetworkStatusReport. Of spec.md §6's network-status fields
// the report carries only availability and packet bandwidth; avail_info,
// avail_trans_cause, node position and max position are not reported.
type NetworkAvailability uint8

const (
	NetworkNotAvailable NetworkAvailability = iota
	NetworkAvailable
)

// NetworkStatusReport is delivered to Network.StatusCB on every
// availability transition (spec.md §6).
type NetworkStatusReport struct {
	Availability NetworkAvailability
	PacketBW     uint16
}

// Diagnostic report types re-exported at the package boundary so callers
// driving Engine's public Run* methods don't need to import internal/diag
// themselves for the result type alone (spec.md §4.6's per-procedure
// report payloads).
type (
	SystemDiagReport    = diag.SDReport
	ProgrammingReport   = diag.ProgReport
	BackChannelReport   = diag.BCDReport
	NodeScriptingReport = diag.NSMResult
	WelcomeReport       = diag.WelcomeResult
	CableLinkReport     = diag.CableLinkResult
	PhyTestReport       = diag.PhyTestResult
	RemoteSyncReport    = diag.RSMResult
	MemCmd              = diag.MemCmd
	SessionType         = diag.SessionType
	PhyTestParams       = diag.PhyTestParams
)

// Session type constants re-exported for Config-free callers of
// Engine.RunProgramming.
const (
	SessionCfgWrite  = diag.SessionCfgWrite
	SessionCfgBackup = diag.SessionCfgBackup
)
