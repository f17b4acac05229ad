package unicens

import (
	"github.com/unicens-go/engine/internal/diag"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/ucslog"
)

// General carries the host upcalls every engine needs regardless of which
// optional feature blocks are enabled (spec.md §6's "general" record).
type General struct {
	// ErrorCB reports a fatal condition passed to Engine.Fatal. It is called
	// after every diagnostic FSM has been notified of the termination and
	// has canceled its supervision timer; tx messages already handed to
	// SendEx are not reclaimed (see Engine.Fatal).
	ErrorCB func(code ResultCode, detail string)
	// TickCB returns the current monotonic host tick in milliseconds
	// (spec.md §6's get_tick_count upcall).
	TickCB func() uint16
	// SetTimerCB arms (or, with ms == 0, disarms) the host's single
	// platform timer (spec.md §6's set_timer upcall).
	SetTimerCB func(ms uint16)
	// RequestServiceCB asks the host to call Service soon (spec.md §6's
	// request_service upcall).
	RequestServiceCB func()
	// InicWatchdogEnabled toggles the mgr-level INIC watchdog described
	// informally in spec.md §6; carried through unevaluated by the core
	// (the watchdog itself is a collaborator concern). New neither reads
	// nor validates it.
	InicWatchdogEnabled bool
}

// LLD carries the byte-transport upcalls (spec.md §6's "lld" record). The
// engine never parses raw bytes itself outside of internal/model's wire
// codec — Send hands a fully framed model.Message to the host, and the
// host calls Engine.Receive with an inbound one.
type LLD struct {
	Send func(msg model.Message)
}

// Routing carries the route list, the node list and the report callback
// that receives route build/suspend transitions (spec.md §6's "routing"
// record, spec.md §3's Route invariants).
type Routing struct {
	Routes []*model.Route
	Nodes  []*model.Node
	Report func(RouteReport)
}

// NetworkChangeMask selects which fields of a NetworkStatusReport the host
// wants reported, matching spec.md §6's enumerated
// "{events, availability, avail_info, avail_trans_cause, node_address,
// node_position, max_position, packet_bw}" bitfield. The engine does not
// consult it: Network.StatusCB receives every availability transition,
// with Availability and PacketBW filled in, whatever ChangeMask holds.
type NetworkChangeMask uint32

const (
	NetChangeEvents NetworkChangeMask = 1 << iota
	NetChangeAvailability
	NetChangeAvailInfo
	NetChangeAvailTransCause
	NetChangeNodeAddress
	NetChangeNodePosition
	NetChangeMaxPosition
	NetChangePacketBW
	NetChangeAll = NetChangeEvents | NetChangeAvailability | NetChangeAvailInfo |
		NetChangeAvailTransCause | NetChangeNodeAddress | NetChangeNodePosition |
		NetChangeMaxPosition | NetChangePacketBW
)

// Network carries the ring-wide parameters and status callback (spec.md
// §6's "network" record).
type Network struct {
	PacketBandwidth           uint16
	ForcedNotAvailableTimeout uint16 // ms
	StatusCB                  func(NetworkStatusReport)
	ChangeMask                NetworkChangeMask
}

// GPIOHook and I2CHook are invoked by a completed Node Scripting step whose
// send command's FBlockID matches the GPIO/I2C functional block, per
// spec.md §12 item 6. Nil disables the feature, matching spec.md §6's
// "disabled when null" rule for ams/i2c/gpio.
type GPIOHook func(portID uint8, value byte)
type I2CHook func(address uint8, data []byte)

// EvalDecision re-exports diag.EvalDecision at the package boundary so
// Config.Mgr.Evaluate callers don't need to import internal/diag.
type EvalDecision = diag.EvalDecision

// Mgr configures automatic node discovery (spec.md §6's "mgr" record).
// When Enabled, New starts node discovery and every discovered signature
// is passed to Evaluate, whose verdict decides whether and at which admin
// address the node is welcomed. The engine does not start or stop the
// network itself and does not match signatures against Routing.Nodes.
type Mgr struct {
	Enabled bool
	// Evaluate decides, for each signature discovery surfaces, whether to
	// welcome it and at which admin address. Required when Enabled.
	Evaluate func(model.Signature) EvalDecision
}

// Config is the engine's full configuration record (spec.md §6). Every
// sub-record's semantics-only fields from spec.md are named here;
// transport/log/AMS-command-interpreter bit-exact behavior stays a
// collaborator concern per spec.md §1.
type Config struct {
	General General
	LLD     LLD
	Routing Routing
	Network Network

	GPIO GPIOHook
	I2C  I2CHook

	Mgr Mgr

	// SysDiagHelloRetries is defaulted by New (zero selects 10) but is not
	// passed to SystemDiagnosis, which starts every run with its own fixed
	// hello retry budget of 10.
	SysDiagHelloRetries uint8

	// APILockTimeoutMs is the per-module countdown the API-lock manager
	// arms on a 0→non-zero mask transition (spec.md §4.7); zero selects
	// the spec default (1000ms).
	APILockTimeoutMs uint16

	// TxPoolSize and TxPayloadCap size the bounded transmit message pool
	// (spec.md §4.4 / §5's "shared resources").
	TxPoolSize   int
	TxPayloadCap int

	// Logger receives the engine's internal diagnostics (lock timeouts,
	// fatal terminations, run start/stop). Nil selects ucslog.Default().
	Logger *ucslog.Logger
}

// DefaultConfig seeds conservative timeouts and pool sizes; callers
// overlay their host upcalls and routing lists on top of it.
func DefaultConfig() Config {
	return Config{
		Network: Network{
			ForcedNotAvailableTimeout: 5000,
			ChangeMask:                NetChangeAll,
		},
		SysDiagHelloRetries: 10,
		APILockTimeoutMs:    1000,
		TxPoolSize:          16,
		TxPayloadCap:        45,
	}
}
