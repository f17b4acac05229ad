package xcvr

import (
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/observer"
)

// ErrorInfo is the translated payload of an error reply (spec.md §4.4's
// "An error reply carries a byte-stream error info").
type ErrorInfo struct {
	Code byte   // translated result code, see translateError
	Info []byte // remaining bytes of the error payload
}

// translateError implements spec.md §4.4's translation rule: "if
// info[0] ≠ 0x20 → generic-standard error; else the resulting code is
// info[1] + 1 interpreted as the next value in the result enum."
const genericStandardError = 0x00
const extendedErrorMarker = 0x20

func translateError(info []byte) ErrorInfo {
	if len(info) == 0 {
		return ErrorInfo{Code: genericStandardError}
	}
	if info[0] != extendedErrorMarker {
		return ErrorInfo{Code: genericStandardError, Info: info}
	}
	if len(info) < 2 {
		return ErrorInfo{Code: genericStandardError, Info: info[1:]}
	}
	return ErrorInfo{Code: info[1] + 1, Info: info[2:]}
}

// TxMsg is a single slot from the bounded transmit pool. The application
// must either Send/SendEx or FreeUnused every TxMsg obtained from
// AllocTx — the pool never grows to satisfy a shortfall (spec.md §3's
// no-dynamic-allocation rule).
type TxMsg struct {
	Msg model.Message

	inUse      bool
	completion CompletionFunc
	ctx        any
}

// CompletionFunc is invoked once the LLD has confirmed transmission of a
// message sent via SendEx.
type CompletionFunc func(ctx any)

// SendFunc hands a message to the lower layer driver for transmission.
type SendFunc func(msg model.Message)

// dispatchKey addresses the inbound routing table by the wire
// coordinates spec.md §4.4 names: "a function-id × operation-type
// table".
type dispatchKey struct {
	FunctionID uint16
	OpCode     model.OpType
}

// Transceiver is the façade for outbound allocation/transmission and
// inbound dispatch described in spec.md §4.4.
type Transceiver struct {
	pool []*TxMsg
	send SendFunc
	rx   *observer.Single

	minPayload func(functionID uint16, op model.OpType) int
}

// New constructs a Transceiver with a fixed-size pool of poolSize
// messages, each with payload capacity payloadCap. send is the host's
// LLD transmit upcall. minPayload, if non-nil, returns the minimum
// accepted payload size for a given (function id, op type); a shorter
// inbound message is silently dropped per spec.md §4.4.
func New(poolSize, payloadCap int, send SendFunc, minPayload func(functionID uint16, op model.OpType) int) *Transceiver {
	pool := make([]*TxMsg, poolSize)
	for i := range pool {
		pool[i] = &TxMsg{Msg: model.Message{Data: make([]byte, 0, payloadCap)}}
	}
	return &Transceiver{pool: pool, send: send, rx: observer.NewSingle(), minPayload: minPayload}
}

// AllocTx obtains a free message able to hold payloadLen bytes, or nil if
// the pool is exhausted or every free slot is too small (spec.md §4.4:
// "`alloc_tx(payload_len) → msg | null` obtains a message from a bounded
// pool").
func (t *Transceiver) AllocTx(payloadLen int) *TxMsg {
	for _, m := range t.pool {
		if !m.inUse && cap(m.Msg.Data) >= payloadLen {
			m.inUse = true
			m.Msg.Data = m.Msg.Data[:0]
			m.completion = nil
			m.ctx = nil
			return m
		}
	}
	return nil
}

// FreeUnused returns msg to the pool without transmitting it.
func (t *Transceiver) FreeUnused(msg *TxMsg) {
	msg.inUse = false
}

// Send enqueues msg for transmission with no completion notification. The
// message is handed to the LLD by value, so the pool slot is returned
// immediately.
func (t *Transceiver) Send(msg *TxMsg) {
	t.send(msg.Msg)
	t.FreeUnused(msg)
}

// SendEx enqueues msg for transmission and records completion to be
// invoked by NotifyCompletion once the LLD confirms it went out.
func (t *Transceiver) SendEx(msg *TxMsg, completion CompletionFunc, ctx any) {
	msg.completion = completion
	msg.ctx = ctx
	t.send(msg.Msg)
}

// NotifyCompletion runs msg's recorded completion callback, if any, and
// returns msg to the pool. The LLD driver calls this once transmission
// of a SendEx'd message is confirmed.
func (t *Transceiver) NotifyCompletion(msg *TxMsg) {
	cb, ctx := msg.completion, msg.ctx
	t.FreeUnused(msg)
	if cb != nil {
		cb(ctx)
	}
}

// OnReply registers a single-shot observer for the given (function id, op
// type) pair, per spec.md §4.4's inbound routing table. Returns
// observer.ErrAlreadyObserving if one is already registered.
func (t *Transceiver) OnReply(functionID uint16, op model.OpType, fn func(payload any)) error {
	return t.rx.Add(dispatchKey{functionID, op}, fn)
}

// CancelReply detaches any observer registered for (functionID, op) without
// invoking it. Callers that register a success observer alongside an error
// observer for the same request use this to clear the one that didn't fire,
// so a later OnReply for the same pair doesn't see it as already bound.
func (t *Transceiver) CancelReply(functionID uint16, op model.OpType) {
	t.rx.Remove(dispatchKey{functionID, op})
}

// Dispatch routes an inbound message to its registered observer. Payloads
// shorter than the declared minimum are silently dropped. Error replies
// are translated per translateError before delivery.
func (t *Transceiver) Dispatch(msg model.Message) {
	if t.minPayload != nil && len(msg.Data) < t.minPayload(msg.FunctionID, msg.OpCode) {
		return
	}

	key := dispatchKey{msg.FunctionID, msg.OpCode}
	if msg.OpCode == model.OpError {
		t.rx.Notify(key, translateError(msg.Data), true)
		return
	}
	t.rx.Notify(key, msg, true)
}
