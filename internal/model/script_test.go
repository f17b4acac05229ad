package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageMatches(t *testing.T) {
	expected := Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x01, 0x02}}

	tests := []struct {
		name string
		rx   Message
		want bool
	}{
		{"exact match", Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x01, 0x02}}, true},
		{"prefix match with extra data", Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x01, 0x02, 0x03}}, true},
		{"short data fails", Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x01}}, false},
		{"wrong data fails", Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x09, 0x02}}, false},
		{"wrong fblock fails", Message{FBlockID: 3, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpStatus, Data: []byte{0x01, 0x02}}, false},
		{"wrong op fails", Message{FBlockID: 2, InstanceID: 1, FunctionID: 0x6C1, OpCode: OpResult, Data: []byte{0x01, 0x02}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expected.Matches(tt.rx))
		})
	}
}

func TestMessageMatchesEmptyExpectedData(t *testing.T) {
	expected := Message{FBlockID: 1, InstanceID: 0, FunctionID: 1, OpCode: OpStart}
	rx := Message{FBlockID: 1, InstanceID: 0, FunctionID: 1, OpCode: OpStart, Data: []byte{0xAA, 0xBB}}
	assert.True(t, expected.Matches(rx))
}
