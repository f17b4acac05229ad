package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/observer"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

type ndHarness struct {
	s    *sched.Scheduler
	w    *timer.Wheel
	tx   *xcvr.Transceiver
	wl   *Welcome
	nd   *NodeDiscovery
	sent []model.Message
	now  uint16
	seen []model.Signature
	wels []WelcomeResult
}

func newNDHarness(evaluate func(model.Signature) EvalDecision) *ndHarness {
	h := &ndHarness{w: timer.New()}
	h.s = sched.New(func() {})
	h.tx = xcvr.New(8, 32, func(m model.Message) { h.sent = append(h.sent, m) }, nil)
	term := observer.NewMasked()
	net := observer.NewPlain()
	h.wl = NewWelcome(h.s, h.tx, h.w, func() uint16 { return h.now }, term, net, func(r WelcomeResult) { h.wels = append(h.wels, r) })
	h.nd = NewNodeDiscovery(h.s, h.tx, h.w, func() uint16 { return h.now }, term, net, h.wl, func(sig model.Signature) EvalDecision {
		h.seen = append(h.seen, sig)
		return evaluate(sig)
	})
	return h
}

func (h *ndHarness) drain() {
	for i := 0; i < 10; i++ {
		h.s.RunPending()
	}
}

func TestNodeDiscoveryWelcomesApprovedSignature(t *testing.T) {
	h := newNDHarness(func(model.Signature) EvalDecision { return EvalDecision{Welcome: true, AdminAddr: 0x0500} })
	h.nd.Start()
	h.drain()
	require.Len(t, h.sent, 1, "hello broadcast sent")

	sig := model.EncodeSignature(model.Signature{NodeAddress: 0x0410})
	h.tx.Dispatch(model.Message{FBlockID: fblockHello, FunctionID: 0x01, OpCode: model.OpResult, Data: sig})
	h.drain()

	require.Len(t, h.seen, 1)
	assert.Equal(t, uint16(0x0410), h.seen[0].NodeAddress)
	require.Len(t, h.sent, 3, "welcome sent for approved signature, then the hello re-broadcast")
	assert.Equal(t, uint8(fblockWelcome), h.sent[1].FBlockID)
}

func TestNodeDiscoveryIgnoresRejectedSignature(t *testing.T) {
	h := newNDHarness(func(model.Signature) EvalDecision { return EvalDecision{Welcome: false} })
	h.nd.Start()
	h.drain()

	sig := model.EncodeSignature(model.Signature{NodeAddress: 0x0411})
	h.tx.Dispatch(model.Message{FBlockID: fblockHello, FunctionID: 0x01, OpCode: model.OpResult, Data: sig})
	h.drain()

	require.Len(t, h.seen, 1)
	assert.Len(t, h.sent, 2, "a second hello went out, no welcome")
}

func TestNodeDiscoveryStopHaltsPolling(t *testing.T) {
	h := newNDHarness(func(model.Signature) EvalDecision { return EvalDecision{} })
	h.nd.Start()
	h.drain()
	require.Len(t, h.sent, 1)

	h.nd.Stop()
	h.drain()
	assert.False(t, h.nd.Running())

	h.now += HelloPollIntervalMs
	h.w.Tick(h.now)
	h.drain()
	assert.Len(t, h.sent, 1, "no further hello after Stop")
}
