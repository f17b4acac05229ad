package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		sig  Signature
	}{
		{"zero value", Signature{}},
		{"local node", Signature{NodeAddress: NodeAddrLocal, NumPorts: 2, ChipID: 0x7A}},
		{"full fields", Signature{
			NodeAddress:      0x0410,
			GroupAddress:     0x00FF,
			MAC:              0xDEADBEEFCA12,
			NodePositionAddr: 0x0401,
			DiagnosisID:      0x1234,
			NumPorts:         2,
			ChipID:           0x55,
			FwMajor:          1,
			FwMinor:          2,
			FwRelease:        3,
			FwBuild:          0xAABBCCDD,
			CsMajor:          4,
			CsMinor:          5,
			CsRelease:        6,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeSignature(tt.sig)
			require.Len(t, buf, SignatureWireSize)

			got, err := DecodeSignature(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.sig, got)

			// Round-trip law: encode(decode(b)) == b for any valid prefix.
			reencoded := EncodeSignature(got)
			assert.Equal(t, buf, reencoded)
		})
	}
}

func TestDecodeSignatureWithTrailingBytes(t *testing.T) {
	sig := Signature{NodeAddress: 0x0500, NumPorts: 1}
	buf := append(EncodeSignature(sig), 0xFF, 0xFF, 0xFF)

	got, err := DecodeSignature(buf)
	require.NoError(t, err)
	assert.Equal(t, sig, got)
}

func TestDecodeSignatureShort(t *testing.T) {
	_, err := DecodeSignature(make([]byte, SignatureWireSize-1))
	assert.ErrorIs(t, err, ErrShortSignature)
}

func TestValidNodeAddress(t *testing.T) {
	tests := []struct {
		addr uint16
		want bool
	}{
		{NodeAddrLocal, true},
		{0x010, true},
		{0x2FF, true},
		{0x300, false},
		{0x4FF, false},
		{0x500, true},
		{0xFEF, true},
		{0xFF0, false},
		{0x00F, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ValidNodeAddress(tt.addr), "addr=0x%04X", tt.addr)
	}
}

func TestAdminAddressDerivation(t *testing.T) {
	assert.Equal(t, uint16(0x0503), AdminAddrSystem(3))
	assert.Equal(t, uint16(0x0F02), AdminAddrBackChannel(2))
	assert.Equal(t, uint16(0x0401), NodePositionAddr(1))
}
