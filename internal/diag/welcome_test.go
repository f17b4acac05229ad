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

type welHarness struct {
	s    *sched.Scheduler
	w    *timer.Wheel
	tx   *xcvr.Transceiver
	wl   *Welcome
	sent []model.Message
	now  uint16
	reps []WelcomeResult
}

func newWelHarness() *welHarness {
	h := &welHarness{w: timer.New()}
	h.s = sched.New(func() {})
	h.tx = xcvr.New(8, 32, func(m model.Message) { h.sent = append(h.sent, m) }, nil)
	term := observer.NewMasked()
	net := observer.NewPlain()
	h.wl = NewWelcome(h.s, h.tx, h.w, func() uint16 { return h.now }, term, net, func(r WelcomeResult) { h.reps = append(h.reps, r) })
	return h
}

func (h *welHarness) drain() {
	for i := 0; i < 10; i++ {
		h.s.RunPending()
	}
}

func TestWelcomeSuccess(t *testing.T) {
	h := newWelHarness()
	sig := model.Signature{NodeAddress: 0x0410}
	h.wl.Start(0x0500, sig)
	h.drain()

	require.Len(t, h.sent, 1)
	assert.Equal(t, uint8(fblockWelcome), h.sent[0].FBlockID)

	h.tx.Dispatch(model.Message{FBlockID: fblockWelcome, FunctionID: 0x01, OpCode: model.OpStartResult, Data: []byte{0x00}})
	h.drain()

	require.Len(t, h.reps, 1)
	assert.Equal(t, WelcomeSuccess, h.reps[0].Code)
}

func TestWelcomeNoSuccess(t *testing.T) {
	h := newWelHarness()
	h.wl.Start(0x0500, model.Signature{NodeAddress: 0x0410})
	h.drain()

	h.tx.Dispatch(model.Message{FBlockID: fblockWelcome, FunctionID: 0x01, OpCode: model.OpStartResult, Data: []byte{0x01}})
	h.drain()

	require.Len(t, h.reps, 1)
	assert.Equal(t, WelcomeNoSuccess, h.reps[0].Code)
}

func TestWelcomeTimeout(t *testing.T) {
	h := newWelHarness()
	h.wl.Start(0x0500, model.Signature{NodeAddress: 0x0410})
	h.drain()

	h.now += 100
	h.w.Tick(h.now)
	h.drain()

	require.Len(t, h.reps, 1)
	assert.Equal(t, WelcomeTimedOut, h.reps[0].Code)
}

func TestWelcomeAbort(t *testing.T) {
	h := newWelHarness()
	h.wl.Start(0x0500, model.Signature{NodeAddress: 0x0410})
	h.drain()

	h.wl.Abort()
	h.drain()

	require.Len(t, h.reps, 1)
	assert.Equal(t, WelcomeAborted, h.reps[0].Code)
}
