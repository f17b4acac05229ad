package model

import "bytes"

// OpType is the operation-type coordinate of a control message
// (spec.md §6).
type OpType uint8

const (
	OpGet OpType = iota
	OpSet
	OpSetGet
	OpStart
	OpStartResult
	OpStatus
	OpResult
	OpError
	OpErrorAck
)

// Message is the shared layout of a script's send command and its expected
// reply (spec.md §3): {fblock_id, instance_id, function_id, op_code, data}.
type Message struct {
	FBlockID   uint8
	InstanceID uint8
	FunctionID uint16
	OpCode     OpType
	Data       []byte
}

// Matches reports whether rx is an acceptable reply to an expected message:
// all header fields equal, and rx's data is a prefix-equal match of the
// expected data's declared length (spec.md §3). An expected message with
// no data matches any rx data.
func (expected Message) Matches(rx Message) bool {
	if expected.FBlockID != rx.FBlockID ||
		expected.InstanceID != rx.InstanceID ||
		expected.FunctionID != rx.FunctionID ||
		expected.OpCode != rx.OpCode {
		return false
	}
	if len(expected.Data) == 0 {
		return true
	}
	if len(rx.Data) < len(expected.Data) {
		return false
	}
	return bytes.Equal(expected.Data, rx.Data[:len(expected.Data)])
}

// Script is one step of a node-scripting sequence: an optional pre-send
// pause, a command to send, and an optional expected reply (spec.md §3).
type Script struct {
	PauseMs  uint16
	Send     Message
	Expected *Message // nil if no reply is expected
}
