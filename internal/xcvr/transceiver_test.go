package xcvr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicens-go/engine/internal/model"
)

func TestAllocTxReturnsNilWhenExhausted(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	a := tx.AllocTx(4)
	require.NotNil(t, a)
	assert.Nil(t, tx.AllocTx(4), "pool has only one slot")
}

func TestAllocTxRejectsPayloadLargerThanCapacity(t *testing.T) {
	tx := New(1, 4, func(model.Message) {}, nil)
	assert.Nil(t, tx.AllocTx(8))
}

func TestFreeUnusedReturnsSlotToPool(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	a := tx.AllocTx(4)
	tx.FreeUnused(a)
	assert.NotNil(t, tx.AllocTx(4))
}

func TestSendInvokesLLDUpcall(t *testing.T) {
	var sent model.Message
	tx := New(1, 8, func(m model.Message) { sent = m }, nil)
	a := tx.AllocTx(2)
	a.Msg.FunctionID = 0x123
	tx.Send(a)
	assert.Equal(t, uint16(0x123), sent.FunctionID)
}

func TestSendReturnsSlotToPool(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	for i := 0; i < 3; i++ {
		a := tx.AllocTx(2)
		require.NotNil(t, a, "slot must be reusable after every Send")
		tx.Send(a)
	}
}

func TestSendExCompletionRunsOnNotifyCompletion(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	a := tx.AllocTx(2)
	var completed bool
	tx.SendEx(a, func(ctx any) { completed = true }, nil)
	tx.NotifyCompletion(a)
	assert.True(t, completed)
	assert.NotNil(t, tx.AllocTx(2), "slot returned to pool after completion")
}

func TestDispatchDropsShortPayload(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, func(functionID uint16, op model.OpType) int { return 4 })
	var delivered bool
	require.NoError(t, tx.OnReply(1, model.OpStatus, func(payload any) { delivered = true }))

	tx.Dispatch(model.Message{FunctionID: 1, OpCode: model.OpStatus, Data: []byte{0x01}})
	assert.False(t, delivered)

	tx.Dispatch(model.Message{FunctionID: 1, OpCode: model.OpStatus, Data: []byte{1, 2, 3, 4}})
	assert.True(t, delivered)
}

func TestDispatchTranslatesErrorReply(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	var got ErrorInfo
	require.NoError(t, tx.OnReply(1, model.OpError, func(payload any) { got = payload.(ErrorInfo) }))

	tx.Dispatch(model.Message{FunctionID: 1, OpCode: model.OpError, Data: []byte{0x20, 0x05, 0xAA}})
	assert.Equal(t, byte(6), got.Code)
	assert.Equal(t, []byte{0xAA}, got.Info)
}

func TestDispatchTranslatesGenericErrorWhenMarkerMissing(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	var got ErrorInfo
	require.NoError(t, tx.OnReply(1, model.OpError, func(payload any) { got = payload.(ErrorInfo) }))

	tx.Dispatch(model.Message{FunctionID: 1, OpCode: model.OpError, Data: []byte{0x07, 0x09}})
	assert.Equal(t, byte(genericStandardError), got.Code)
	assert.Equal(t, []byte{0x07, 0x09}, got.Info)
}

func TestDispatchToUnregisteredSubjectIsNoop(t *testing.T) {
	tx := New(1, 8, func(model.Message) {}, nil)
	assert.NotPanics(t, func() {
		tx.Dispatch(model.Message{FunctionID: 9, OpCode: model.OpStatus, Data: []byte{1}})
	})
}
